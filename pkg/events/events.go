// Package events provides a best-effort, non-blocking broadcast of queue
// audit events to live subscribers (e.g. a CLI `watch` shell or a
// metrics scraper). It is strictly supplementary to the durable
// QueueEvent rows the queue persists in the store: a dropped
// notification here never affects correctness, only observability.
package events

import (
	"sync"
	"time"

	"github.com/lprior-repo/isolate/pkg/types"
)

// Notification mirrors a persisted QueueEvent for live subscribers.
type Notification struct {
	QueueID   int64
	Workspace string
	EventType types.QueueEventType
	Message   string
	Timestamp time.Time
}

// Subscriber is a channel that receives notifications.
type Subscriber chan *Notification

// Broker distributes queue notifications to subscribers without ever
// blocking the caller that raised the event.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Notification
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Notification, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns its channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish broadcasts a notification to all subscribers. It never blocks:
// if the broker is stopped or backed up, the notification is dropped.
func (b *Broker) Publish(n *Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- n:
	case <-b.stopCh:
	default:
		// broker backlog full; drop rather than block the caller
	}
}

func (b *Broker) run() {
	for {
		select {
		case n := <-b.eventCh:
			b.broadcast(n)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(n *Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- n:
		default:
			// subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
