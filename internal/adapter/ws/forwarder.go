package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/mafa-ai/mafa-core/internal/domain/event"
	"github.com/mafa-ai/mafa-core/internal/port/eventbus"
)

// Forwarder subscribes to bus topics and relays every event to the hub.
// Clients that fall behind lose events at the bus subscription rather than
// stalling publishers.
type Forwarder struct {
	hub    *Hub
	bus    eventbus.Bus
	topics []event.Topic

	mu     sync.Mutex
	subs   []eventbus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewForwarder relays the given topics. With no topics it relays the full
// closed enumeration.
func NewForwarder(hub *Hub, bus eventbus.Bus, topics ...event.Topic) *Forwarder {
	if len(topics) == 0 {
		topics = event.Topics()
	}
	return &Forwarder{hub: hub, bus: bus, topics: topics}
}

// Start subscribes and begins relaying. Call Stop to tear down.
func (f *Forwarder) Start() error {
	ctx, cancel := context.WithCancel(context.Background())

	f.mu.Lock()
	f.cancel = cancel
	f.mu.Unlock()

	for _, topic := range f.topics {
		sub, err := f.bus.Subscribe(topic)
		if err != nil {
			cancel()
			f.Stop()
			return err
		}
		f.mu.Lock()
		f.subs = append(f.subs, sub)
		f.mu.Unlock()

		f.wg.Add(1)
		go f.relay(ctx, sub)
	}
	slog.Info("websocket forwarder started", "topics", len(f.topics))
	return nil
}

func (f *Forwarder) relay(ctx context.Context, sub eventbus.Subscription) {
	defer f.wg.Done()
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			payload, err := json.Marshal(ev.Payload)
			if err != nil {
				slog.Warn("unmarshalable event payload", "topic", ev.Topic, "error", err)
				continue
			}
			f.hub.Broadcast(ctx, Message{
				Type:          string(ev.Topic),
				CorrelationID: ev.CorrelationID,
				Payload:       payload,
			})
		case <-ctx.Done():
			return
		}
	}
}

// Stop unsubscribes everything and waits for relay goroutines to finish.
func (f *Forwarder) Stop() {
	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
	}
	subs := f.subs
	f.subs = nil
	f.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	f.wg.Wait()
}
