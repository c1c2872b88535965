package ws

import (
	"context"
	"testing"
	"time"

	"github.com/mafa-ai/mafa-core/internal/adapter/bus"
	"github.com/mafa-ai/mafa-core/internal/domain/event"
)

func TestNewHub(t *testing.T) {
	hub := NewHub()
	if hub == nil {
		t.Fatal("expected non-nil hub")
	}
	if hub.ConnectionCount() != 0 {
		t.Fatalf("expected 0 connections, got %d", hub.ConnectionCount())
	}
}

func TestHubBroadcastNoConnections(t *testing.T) {
	hub := NewHub()

	// Broadcast with no connections should not panic.
	hub.Broadcast(context.Background(), Message{
		Type:    "test",
		Payload: []byte(`{"key":"value"}`),
	})
}

func TestHubRemoveNonexistent(t *testing.T) {
	hub := NewHub()

	// Removing a connection that was never added should not panic.
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &conn{ws: nil, cancel: cancel}
	hub.remove(c)
}

func TestForwarderRelaysTopics(t *testing.T) {
	b := bus.New(8)
	defer b.Close()
	hub := NewHub()

	f := NewForwarder(hub, b, event.TopicMCPResults, event.TopicMCPErrors)
	if err := f.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.Stop()

	// The forwarder holds live subscriptions on both topics.
	if err := b.Publish(context.Background(), event.TopicMCPResults, "q-1", map[string]string{"k": "v"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// With no ws clients the broadcast is a no-op; the relay loop must still
	// drain the subscription without blocking publishers.
	for i := 0; i < 100; i++ {
		if err := b.Publish(context.Background(), event.TopicMCPErrors, "q-2", nil); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}
	time.Sleep(20 * time.Millisecond)
}

func TestForwarderDefaultsToAllTopics(t *testing.T) {
	b := bus.New(8)
	defer b.Close()

	f := NewForwarder(NewHub(), b)
	if err := f.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.Stop()

	// Start after Stop on a fresh forwarder instance still works.
	f2 := NewForwarder(NewHub(), b)
	if err := f2.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	f2.Stop()
}
