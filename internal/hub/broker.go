package hub

import (
	"sync"
	"sync/atomic"
	"time"
)

const subscriberBufSize = 64

// Event is a single change notification. It carries the fingerprint, never
// the payload itself; clients pull the payload separately so fan-out cost
// stays independent of payload size.
type Event struct {
	Type        string    `json:"type"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	TargetID    string    `json:"target_id,omitempty"`
	CapturedAt  time.Time `json:"captured_at,omitempty"`
}

// Broker fans out events to in-process subscribers (SSE streams and any
// registered change listeners).
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	nextID      atomic.Int64
}

func NewBroker() *Broker {
	return &Broker{subscribers: make(map[int64]chan Event)}
}

// Subscribe registers a new listener. Returns the subscriber ID and a channel
// to receive events on. The channel is buffered; slow consumers have events
// dropped.
func (b *Broker) Subscribe() (int64, <-chan Event) {
	id := b.nextID.Add(1)
	ch := make(chan Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends an event to all subscribers. Non-blocking: slow listeners
// have events dropped.
func (b *Broker) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
