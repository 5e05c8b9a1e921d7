// Package events provides an in-process pub/sub broker used to give
// dispatcher.Await near-instant notification of job completion without
// polling the database on every call.
package events

import (
	"sync"

	"github.com/google/uuid"
)

// JobCompleted carries the outcome of a finished job, keyed by job ID.
type JobCompleted struct {
	JobID        string
	ResourceType string
	ResourceID   string
	Status       string // "completed" or "failed"
	Error        string
}

// Subscriber receives job-completion events on its channel until Close.
type Subscriber struct {
	id     string
	Events chan JobCompleted
	done   chan struct{}
	once   sync.Once
}

// Close releases the subscriber. Safe to call more than once.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		close(s.done)
	})
}

// Done reports when the subscriber has been closed.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Broker fans out job-completion notifications to any number of
// subscribers. It carries no durable state of its own — the Task Runtime's
// state of record is always the jobs table, and a subscriber that misses an
// event falls back to polling it (see Await in wait.go).
type Broker struct {
	mu   sync.Mutex
	subs map[string]*Subscriber
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]*Subscriber)}
}

// Subscribe registers a new subscriber. Callers must Unsubscribe when done.
func (b *Broker) Subscribe() *Subscriber {
	sub := &Subscriber{
		id:     uuid.New().String(),
		Events: make(chan JobCompleted, 16),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes and closes a subscriber.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
	sub.Close()
}

// PublishJobCompleted notifies all current subscribers that a job finished.
// Delivery is best-effort: a subscriber whose buffer is full is skipped
// rather than blocking the publisher, since Await always has a polling
// fallback.
func (b *Broker) PublishJobCompleted(event JobCompleted) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		select {
		case sub.Events <- event:
		default:
		}
	}
}
