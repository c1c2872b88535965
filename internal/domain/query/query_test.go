package query

import (
	"testing"

	"github.com/mafa-ai/mafa-core/internal/domain/tool"
)

func TestAdvanceWalksAllStates(t *testing.T) {
	q := New("q-1", "s-1", "u-1", "price of AAPL")
	if q.State() != StateReceived {
		t.Fatalf("expected received, got %q", q.State())
	}
	for _, to := range []State{StateClassifying, StateDispatching, StateAggregating, StateCompleted} {
		if err := q.Advance(to); err != nil {
			t.Fatalf("advance to %s: %v", to, err)
		}
		if q.State() != to {
			t.Fatalf("expected state %q, got %q", to, q.State())
		}
	}
}

func TestAdvanceRejectsSkips(t *testing.T) {
	q := New("q-1", "s-1", "u-1", "price of AAPL")
	if err := q.Advance(StateDispatching); err == nil {
		t.Fatal("expected error skipping classifying")
	}
	if q.State() != StateReceived {
		t.Fatalf("state changed on rejected transition: %q", q.State())
	}
}

func TestAdvanceRejectsReentry(t *testing.T) {
	q := New("q-1", "s-1", "u-1", "price of AAPL")
	if err := q.Advance(StateClassifying); err != nil {
		t.Fatal(err)
	}
	if err := q.Advance(StateClassifying); err == nil {
		t.Fatal("expected error re-entering classifying")
	}
	if err := q.Advance(StateReceived); err == nil {
		t.Fatal("expected error moving backwards")
	}
}

func TestAdvanceCompletedIsTerminal(t *testing.T) {
	q := New("q-1", "s-1", "u-1", "price of AAPL")
	for _, to := range []State{StateClassifying, StateDispatching, StateAggregating, StateCompleted} {
		if err := q.Advance(to); err != nil {
			t.Fatal(err)
		}
	}
	if err := q.Advance(StateClassifying); err == nil {
		t.Fatal("expected completed to be terminal")
	}
}

func TestAllFailed(t *testing.T) {
	ok := EntryResult{Status: tool.StatusOK}
	bad := EntryResult{Status: tool.StatusError, Err: tool.NewError(tool.KindTimeout, "no response")}

	cases := []struct {
		name    string
		results []EntryResult
		want    bool
	}{
		{"empty", nil, false},
		{"all ok", []EntryResult{ok, ok}, false},
		{"partial", []EntryResult{ok, bad}, false},
		{"all failed", []EntryResult{bad, bad}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := Response{QueryID: "q-1", Results: tc.results}
			if got := r.AllFailed(); got != tc.want {
				t.Errorf("AllFailed() = %v, want %v", got, tc.want)
			}
		})
	}
}
