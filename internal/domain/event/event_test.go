package event

import (
	"testing"

	"github.com/mafa-ai/mafa-core/internal/domain/tool"
)

func TestTopicsEnumeration(t *testing.T) {
	ts := Topics()
	// Five query topics plus three lifecycle phases per category.
	want := 5 + 3*len(tool.Categories())
	if len(ts) != want {
		t.Fatalf("expected %d topics, got %d", want, len(ts))
	}
	seen := make(map[Topic]struct{}, len(ts))
	for _, topic := range ts {
		if _, dup := seen[topic]; dup {
			t.Errorf("duplicate topic %q", topic)
		}
		seen[topic] = struct{}{}
		if !Valid(topic) {
			t.Errorf("enumerated topic %q not valid", topic)
		}
	}
}

func TestLifecycle(t *testing.T) {
	if got := Lifecycle(tool.CategoryMarket, PhaseStarted); got != "market.started" {
		t.Errorf("expected market.started, got %q", got)
	}
	if got := Lifecycle(tool.CategoryExecution, PhaseErrors); got != "execution.errors" {
		t.Errorf("expected execution.errors, got %q", got)
	}
}

func TestValidRejectsUnknown(t *testing.T) {
	for _, topic := range []Topic{"", "weather.results", "mcp", "market.finished"} {
		if Valid(topic) {
			t.Errorf("expected %q to be invalid", topic)
		}
	}
}

func TestNew(t *testing.T) {
	ev, err := New(TopicMCPQuery, "corr-1", map[string]string{"query": "price of AAPL"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Topic != TopicMCPQuery || ev.CorrelationID != "corr-1" {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.PublishedAt.IsZero() {
		t.Error("expected published_at to be stamped")
	}

	if _, err := New("weather.results", "corr-1", nil); err == nil {
		t.Fatal("expected error for topic outside the enumeration")
	}
}
