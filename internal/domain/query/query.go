// Package query models the per-query lifecycle and the aggregated response
// returned to the caller.
package query

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mafa-ai/mafa-core/internal/domain/tool"
)

// State is the phase of one query. A query instance is single-shot: states
// advance strictly forward and no state is re-entrant.
type State string

const (
	StateReceived    State = "received"
	StateClassifying State = "classifying"
	StateDispatching State = "dispatching"
	StateAggregating State = "aggregating"
	StateCompleted   State = "completed"
)

// next maps each state to its sole legal successor.
var next = map[State]State{
	StateReceived:    StateClassifying,
	StateClassifying: StateDispatching,
	StateDispatching: StateAggregating,
	StateAggregating: StateCompleted,
}

// Query tracks one caller query through the dispatcher.
type Query struct {
	ID        string
	SessionID string
	UserID    string
	Text      string

	mu    sync.Mutex
	state State
}

// New creates a Query in the received state.
func New(id, sessionID, userID, text string) *Query {
	return &Query{ID: id, SessionID: sessionID, UserID: userID, Text: text, state: StateReceived}
}

// State returns the current state.
func (q *Query) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Advance moves the query to the given state. Only the single legal successor
// is accepted; skipping dispatching/aggregating for an empty plan goes through
// each state in order.
func (q *Query) Advance(to State) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if next[q.state] != to {
		return fmt.Errorf("query %s: illegal transition %s -> %s", q.ID, q.state, to)
	}
	q.state = to
	return nil
}

// EntryResult is the outcome of one plan entry, tagged with its original
// position in the plan.
type EntryResult struct {
	Entry    int               `json:"entry"`
	Category tool.Category     `json:"category"`
	Tool     string            `json:"tool"`
	Status   tool.Status       `json:"status"`
	Payload  json.RawMessage   `json:"payload,omitempty"`
	Err      *tool.ErrorDetail `json:"error_detail,omitempty"`
}

// Response is the single aggregated answer for one query. Results preserve
// the plan's original entry order regardless of completion order.
type Response struct {
	QueryID string        `json:"query_id"`
	Results []EntryResult `json:"results"`
	Warning string        `json:"warning,omitempty"`
}

// AllFailed reports whether every entry in a non-empty response failed.
func (r *Response) AllFailed() bool {
	if len(r.Results) == 0 {
		return false
	}
	for _, res := range r.Results {
		if res.Status == tool.StatusOK {
			return false
		}
	}
	return true
}
