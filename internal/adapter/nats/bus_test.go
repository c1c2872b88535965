package nats

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/mafa-ai/mafa-core/internal/domain/event"
)

// testConnect connects to NATS or skips the test if NATS_URL is not set.
func testConnect(t *testing.T, queueSize int) *Bus {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}

	b, err := Connect(context.Background(), url, queueSize)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		if err := b.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return b
}

func TestSubscribeRejectsUnknownTopic(t *testing.T) {
	b := &Bus{}
	if _, err := b.Subscribe("weather.results"); err == nil {
		t.Fatal("expected error for topic outside the enumeration")
	}
}

func TestNoRetroactiveDelivery(t *testing.T) {
	b := testConnect(t, 16)
	ctx := context.Background()

	// Published before anyone subscribed: must never be delivered, even
	// though the stream retains it.
	if err := b.Publish(ctx, event.TopicMCPResults, "corr-early", map[string]string{"phase": "early"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	sub, err := b.Subscribe(event.TopicMCPResults)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := b.Publish(ctx, event.TopicMCPResults, "corr-late", map[string]string{"phase": "late"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case ev := <-sub.Events():
		if ev.CorrelationID != "corr-late" {
			t.Fatalf("late subscriber received pre-subscription event: correlation_id=%q", ev.CorrelationID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the post-subscription event")
	}

	// Nothing further may arrive: the early event stays in the stream only.
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected extra event: correlation_id=%q", ev.CorrelationID)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestDropOldestUnderBackpressure(t *testing.T) {
	const queueSize = 2
	const published = 10

	b := testConnect(t, queueSize)
	ctx := context.Background()

	sub, err := b.Subscribe(event.TopicQueryNoAction)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	// Nobody reads while all events land, so the per-subscriber queue must
	// evict oldest-first down to the last queueSize events.
	for i := 0; i < published; i++ {
		if err := b.Publish(ctx, event.TopicQueryNoAction, fmt.Sprintf("q-%d", i), nil); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	wantDropped := uint64(published - queueSize)
	deadline := time.Now().Add(5 * time.Second)
	for sub.Dropped() < wantDropped {
		if time.Now().After(deadline) {
			t.Fatalf("dropped = %d, want %d", sub.Dropped(), wantDropped)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := sub.Dropped(); got != wantDropped {
		t.Fatalf("dropped = %d, want %d", got, wantDropped)
	}

	// The survivors are the newest events, still in publish order.
	for i := published - queueSize; i < published; i++ {
		select {
		case ev := <-sub.Events():
			if want := fmt.Sprintf("q-%d", i); ev.CorrelationID != want {
				t.Errorf("survivor = %q, want %q", ev.CorrelationID, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out draining survivor %d", i)
		}
	}
}

func TestTopicIsolation(t *testing.T) {
	b := testConnect(t, 16)
	ctx := context.Background()

	results, err := b.Subscribe(event.TopicMCPResults)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer results.Unsubscribe()
	errs, err := b.Subscribe(event.TopicMCPErrors)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer errs.Unsubscribe()

	if err := b.Publish(ctx, event.TopicMCPResults, "corr-1", nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case ev := <-results.Events():
		if ev.Topic != event.TopicMCPResults {
			t.Errorf("topic = %q", ev.Topic)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for results event")
	}

	select {
	case ev := <-errs.Events():
		t.Fatalf("errors subscriber received %q event", ev.Topic)
	case <-time.After(500 * time.Millisecond):
	}
}
