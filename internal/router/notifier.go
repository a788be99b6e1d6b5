// Package router provides an in-process progress event bus that fans project
// events out to websocket and gRPC subscribers.
package router

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/arkilian/tabledeck/pkg/types"
)

// Bus is an in-process pub/sub bus keyed by project. It implements the
// orchestrator's Notifier.
//
// Notify never blocks. A subscriber whose buffer is full is evicted: its
// channel is closed and Evicted reports true, so the consumer can reconnect
// and resync from a fresh snapshot instead of silently missing events.
type Bus struct {
	subscribers sync.Map
	bufferSize  int
	evicted     atomic.Uint64
}

// NewBus creates a bus with bufferSize events of slack per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{bufferSize: bufferSize}
}

// Notify delivers ev to every subscriber of projectID. Events for one
// project are published from a single goroutine, so each subscriber sees
// them in sequence order.
func (b *Bus) Notify(projectID string, ev types.Event) {
	b.subscribers.Range(func(key, value interface{}) bool {
		sub := value.(*Subscriber)
		if !sub.matches(projectID) {
			return true
		}
		if !sub.offer(ev) {
			b.evict(sub, ev)
		}
		return true
	})
}

func (b *Bus) evict(sub *Subscriber, ev types.Event) {
	if _, ok := b.subscribers.LoadAndDelete(sub.ID); !ok {
		return
	}
	sub.close(true)
	b.evicted.Add(1)
	log.Printf("[WARN] router: evicted subscriber %s of %s at event %d (%s): buffer full",
		sub.ID, sub.ProjectID, ev.Seq, ev.Type)
}

// Subscribe registers a subscriber for projectID. An empty projectID
// receives events of every project.
func (b *Bus) Subscribe(projectID string) *Subscriber {
	sub := &Subscriber{
		ID:        "sub_" + uuid.NewString(),
		ProjectID: projectID,
		ch:        make(chan types.Event, b.bufferSize),
	}
	b.subscribers.Store(sub.ID, sub)
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(subID string) {
	if value, ok := b.subscribers.LoadAndDelete(subID); ok {
		value.(*Subscriber).close(false)
	}
}

// Evictions returns the number of subscribers dropped for falling behind.
func (b *Bus) Evictions() uint64 {
	return b.evicted.Load()
}

// Subscribers returns the number of active subscribers of projectID.
func (b *Bus) Subscribers(projectID string) int {
	n := 0
	b.subscribers.Range(func(_, value interface{}) bool {
		if value.(*Subscriber).ProjectID == projectID {
			n++
		}
		return true
	})
	return n
}

// Subscriber receives the events of one project.
type Subscriber struct {
	ID        string
	ProjectID string

	mu      sync.Mutex
	closed  bool
	evicted atomic.Bool
	ch      chan types.Event
}

// Events returns the receive channel. It is closed on Unsubscribe or when
// the subscriber is evicted.
func (s *Subscriber) Events() <-chan types.Event {
	return s.ch
}

// Evicted reports whether the channel was closed because the subscriber
// fell behind. Events after the last one received were not delivered.
func (s *Subscriber) Evicted() bool {
	return s.evicted.Load()
}

func (s *Subscriber) offer(ev types.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close(evicted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.evicted.Store(evicted)
	s.closed = true
	close(s.ch)
}

func (s *Subscriber) matches(projectID string) bool {
	return s.ProjectID == "" || s.ProjectID == projectID
}
