// Package eventbus defines the publish/subscribe port.
//
// Two adapters implement it: an in-process bus for single-node deployments
// and a NATS-backed bus for multi-node deployments. The dispatcher's contract
// is identical under either topology.
package eventbus

import (
	"context"

	"github.com/mafa-ai/mafa-core/internal/domain/event"
)

// Subscription is one subscriber's view of a topic. Multiple subscribers to
// the same topic are independent; none observes another's backlog.
type Subscription interface {
	// Events returns the channel of events delivered to this subscription,
	// in publish order. The channel is closed by Unsubscribe and by bus
	// shutdown.
	Events() <-chan event.Event

	// Topic returns the subscribed topic.
	Topic() event.Topic

	// Unsubscribe releases the subscription. Events published after
	// deregistration completes are no longer delivered.
	Unsubscribe()

	// Dropped returns how many events were discarded for this subscriber
	// because its queue was full.
	Dropped() uint64
}

// Bus is the port interface for topic-keyed fan-out delivery.
type Bus interface {
	// Publish delivers the event to every currently-registered subscriber of
	// the topic. It never blocks on subscriber processing; a slow or failed
	// subscriber cannot delay or fail the publisher.
	Publish(ctx context.Context, topic event.Topic, correlationID string, payload any) error

	// Subscribe registers a new subscriber for the topic. Only events
	// published after registration are delivered.
	Subscribe(topic event.Topic) (Subscription, error)

	// Close tears down the bus and closes all subscriptions.
	Close() error
}
