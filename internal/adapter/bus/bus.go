package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mafa-ai/mafa-core/internal/domain/event"
	"github.com/mafa-ai/mafa-core/internal/port/eventbus"
)

// InProc is an in-process topic bus. Publishing never blocks: each
// subscriber has a bounded queue and the oldest queued event is dropped when
// a slow subscriber falls behind.
type InProc struct {
	queueSize int

	mu     sync.RWMutex
	subs   map[event.Topic]map[*subscription]struct{}
	closed bool
}

type subscription struct {
	bus     *InProc
	topic   event.Topic
	ch      chan event.Event
	dropped atomic.Uint64

	// qmu orders the evict-then-enqueue sequence so concurrent publishers
	// cannot interleave between the eviction and the send.
	qmu    sync.Mutex
	closed bool
	once   sync.Once
}

// New creates an in-process bus whose subscriber queues hold queueSize
// events each.
func New(queueSize int) *InProc {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &InProc{
		queueSize: queueSize,
		subs:      make(map[event.Topic]map[*subscription]struct{}),
	}
}

// Publish delivers the event to every current subscriber of the topic.
// Events published before a subscription exist are not retained.
func (b *InProc) Publish(ctx context.Context, topic event.Topic, correlationID string, payload any) error {
	ev, err := event.New(topic, correlationID, payload)
	if err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus is closed")
	}
	targets := make([]*subscription, 0, len(b.subs[topic]))
	for sub := range b.subs[topic] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.enqueue(ev)
	}
	return nil
}

// Subscribe registers a new subscriber for one topic.
func (b *InProc) Subscribe(topic event.Topic) (eventbus.Subscription, error) {
	if !event.Valid(topic) {
		return nil, fmt.Errorf("unknown topic %q", topic)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	sub := &subscription{
		bus:   b,
		topic: topic,
		ch:    make(chan event.Event, b.queueSize),
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*subscription]struct{})
	}
	b.subs[topic][sub] = struct{}{}
	return sub, nil
}

// Close unsubscribes everyone and rejects further publishes.
func (b *InProc) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	all := b.subs
	b.subs = make(map[event.Topic]map[*subscription]struct{})
	b.mu.Unlock()

	for _, set := range all {
		for sub := range set {
			sub.close()
		}
	}
	return nil
}

func (b *InProc) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sub.topic]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.topic)
		}
	}
}

// enqueue appends the event to the subscriber queue, evicting the oldest
// queued event when full. Never blocks the publisher.
func (s *subscription) enqueue(ev event.Event) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case old := <-s.ch:
			s.dropped.Add(1)
			slog.Warn("subscriber queue full, dropping oldest event",
				"topic", s.topic, "dropped_correlation_id", old.CorrelationID,
				"total_dropped", s.dropped.Load())
		default:
			// Consumer drained between the two selects; retry the send.
		}
	}
}

// Events returns the subscriber's delivery channel. Closed on Unsubscribe.
func (s *subscription) Events() <-chan event.Event { return s.ch }

// Topic returns the subscribed topic.
func (s *subscription) Topic() event.Topic { return s.topic }

// Dropped reports how many events this subscriber lost to queue overflow.
func (s *subscription) Dropped() uint64 { return s.dropped.Load() }

// Unsubscribe removes the subscription and closes its channel. Idempotent.
func (s *subscription) Unsubscribe() {
	s.bus.remove(s)
	s.close()
}

func (s *subscription) close() {
	s.once.Do(func() {
		// Take qmu so no publisher is mid-enqueue when the channel closes.
		s.qmu.Lock()
		s.closed = true
		close(s.ch)
		s.qmu.Unlock()
	})
}

var _ eventbus.Bus = (*InProc)(nil)
