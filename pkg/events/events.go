package events

import (
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventResourceCreated EventType = "resource.created"
	EventResourceUpdated EventType = "resource.updated"
	EventResourceDeleted EventType = "resource.deleted"
	EventResourceFailed  EventType = "resource.failed"
	EventResourceSkipped EventType = "resource.skipped"
	EventSnapshotRotated EventType = "snapshot.rotated"
	EventPassStarted     EventType = "pass.started"
	EventPassFinished    EventType = "pass.finished"
)

// Event represents a reconciliation event
type Event struct {
	Type      EventType
	Timestamp time.Time
	PassID    string
	Resource  string
	Kind      string
	Message   string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe registers a new subscriber channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 10)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscriber
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish sends an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case b.eventCh <- event:
	default:
		// Buffer full, drop the event rather than block the publisher
	}
}

// run distributes events to subscribers
func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.mu.RLock()
			for sub := range b.subscribers {
				select {
				case sub <- event:
				default:
					// Slow subscriber, skip
				}
			}
			b.mu.RUnlock()
		case <-b.stopCh:
			return
		}
	}
}
