// Package event defines bus events and the closed topic enumeration.
package event

import (
	"fmt"
	"time"

	"github.com/mafa-ai/mafa-core/internal/domain/tool"
)

// Topic is a named channel on the event bus. The set of topics is closed and
// known in advance; topics are never created from untrusted input.
type Topic string

// Query lifecycle and summary topics.
const (
	TopicMCPQuery   Topic = "mcp.query"
	TopicMCPResults Topic = "mcp.results"
	TopicMCPErrors  Topic = "mcp.errors"

	TopicQueryNoAction  Topic = "query.no_action"
	TopicQueryCancelled Topic = "query.cancelled"
)

// Per-invocation lifecycle phases, combined with a worker category:
// market.started, strategy.results, execution.errors, and so on.
const (
	PhaseStarted = "started"
	PhaseResults = "results"
	PhaseErrors  = "errors"
)

// Lifecycle returns the per-category topic for the given phase.
func Lifecycle(category tool.Category, phase string) Topic {
	return Topic(string(category) + "." + phase)
}

// Topics returns every topic in the closed enumeration, in a stable order.
func Topics() []Topic {
	ts := []Topic{
		TopicMCPQuery, TopicMCPResults, TopicMCPErrors,
		TopicQueryNoAction, TopicQueryCancelled,
	}
	for _, c := range tool.Categories() {
		ts = append(ts,
			Lifecycle(c, PhaseStarted),
			Lifecycle(c, PhaseResults),
			Lifecycle(c, PhaseErrors),
		)
	}
	return ts
}

var known = func() map[Topic]struct{} {
	m := make(map[Topic]struct{})
	for _, t := range Topics() {
		m[t] = struct{}{}
	}
	return m
}()

// Valid reports whether t belongs to the closed topic enumeration.
func Valid(t Topic) bool {
	_, ok := known[t]
	return ok
}

// Event is one published record. Events are append-only and never mutated
// after publish; delivery is at-most-once per subscriber per event.
type Event struct {
	Topic         Topic     `json:"topic"`
	CorrelationID string    `json:"correlation_id"`
	Payload       any       `json:"payload,omitempty"`
	PublishedAt   time.Time `json:"published_at"`
}

// New builds an Event stamped with the current time. It returns an error for
// topics outside the closed enumeration.
func New(topic Topic, correlationID string, payload any) (Event, error) {
	if !Valid(topic) {
		return Event{}, fmt.Errorf("unknown topic %q", topic)
	}
	return Event{
		Topic:         topic,
		CorrelationID: correlationID,
		Payload:       payload,
		PublishedAt:   time.Now().UTC(),
	}, nil
}
