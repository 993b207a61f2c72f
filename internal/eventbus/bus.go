// Package eventbus is a small in-memory fanout for job lifecycle signals.
//
// Publish never blocks. Subscribers get buffered channels and a slow
// subscriber drops events instead of stalling a run loop.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the job registry.
const (
	JobCreated         = "job.created"
	JobCancelRequested = "job.cancel_requested"
	JobFinished        = "job.finished"
	JobStopped         = "job.stopped"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// JobEvent is the Data payload of every job.* event.
type JobEvent struct {
	JobID     string `json:"job_id"`
	Target    string `json:"target,omitempty"`
	State     string `json:"state,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Total     int    `json:"total,omitempty"`
	Delivered int    `json:"delivered,omitempty"`
	Failed    int    `json:"failed,omitempty"`
	Skipped   int    `json:"skipped,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock; Unsubscribe closes under the write
	// lock, so a send never races a close.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}
