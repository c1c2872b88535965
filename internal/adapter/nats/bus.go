// Package nats implements the event bus port on NATS JetStream, for
// deployments where bus events must reach other processes. Delivery
// semantics mirror the in-process bus: bounded per-subscriber queues that
// drop the oldest event under backpressure.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/mafa-ai/mafa-core/internal/domain/event"
	"github.com/mafa-ai/mafa-core/internal/port/eventbus"
)

const streamName = "MAFA"

// streamMaxAge bounds how long unconsumed events are retained. Subscribers
// only ever read from their registration point forward, so retained history
// exists purely for replay tooling and must not grow without bound.
const streamMaxAge = time.Hour

// Bus implements eventbus.Bus on a JetStream stream whose subjects are the
// closed topic enumeration.
type Bus struct {
	nc        *nats.Conn
	js        jetstream.JetStream
	queueSize int

	mu     sync.Mutex
	subs   []*subscription
	closed bool
}

// Connect dials NATS and ensures the stream exists.
func Connect(ctx context.Context, url string, queueSize int) (*Bus, error) {
	if queueSize <= 0 {
		queueSize = 64
	}

	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	subjects := make([]string, 0, len(event.Topics()))
	for _, t := range event.Topics() {
		subjects = append(subjects, string(t))
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: subjects,
		MaxAge:   streamMaxAge,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats bus connected", "url", url, "stream", streamName)
	return &Bus{nc: nc, js: js, queueSize: queueSize}, nil
}

// ContextKV returns a JetStream key-value bucket for sharing session context
// across processes, creating it if needed. TTL applies bucket-wide.
func (b *Bus) ContextKV(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := b.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("jetstream kv %s: %w", bucket, err)
	}
	return kv, nil
}

// Publish sends the event to the topic's subject.
func (b *Bus) Publish(ctx context.Context, topic event.Topic, correlationID string, payload any) error {
	ev, err := event.New(topic, correlationID, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := b.js.Publish(ctx, string(topic), data); err != nil {
		return fmt.Errorf("nats publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe creates an ephemeral consumer filtered to one topic.
func (b *Bus) Subscribe(topic event.Topic) (eventbus.Subscription, error) {
	if !event.Valid(topic) {
		return nil, fmt.Errorf("unknown topic %q", topic)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("bus is closed")
	}
	b.mu.Unlock()

	ctx := context.Background()
	// DeliverNew: a subscriber only sees events published after it
	// registered, never the retained backlog.
	consumer, err := b.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		FilterSubject: string(topic),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	sub := &subscription{
		topic: topic,
		ch:    make(chan event.Event, b.queueSize),
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		var ev event.Event
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			slog.Error("undecodable bus event", "subject", msg.Subject(), "error", err)
			_ = msg.Ack() // poison message, do not redeliver
			return
		}
		sub.enqueue(ev)
		if err := msg.Ack(); err != nil {
			slog.Error("nats ack failed", "subject", msg.Subject(), "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}
	sub.stop = cons.Stop

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub, nil
}

// Close stops all consumers and the connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	b.nc.Close()
	return nil
}

type subscription struct {
	topic   event.Topic
	ch      chan event.Event
	stop    func()
	dropped atomic.Uint64

	qmu    sync.Mutex
	closed bool
	once   sync.Once
}

// enqueue applies the same drop-oldest policy as the in-process bus.
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
		case <-s.ch:
			s.dropped.Add(1)
			slog.Warn("subscriber queue full, dropping oldest event",
				"topic", s.topic, "total_dropped", s.dropped.Load())
		default:
		}
	}
}

func (s *subscription) Events() <-chan event.Event { return s.ch }

func (s *subscription) Topic() event.Topic { return s.topic }

func (s *subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		s.qmu.Lock()
		s.closed = true
		close(s.ch)
		s.qmu.Unlock()
	})
}

var _ eventbus.Bus = (*Bus)(nil)
