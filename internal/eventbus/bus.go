// Package eventbus fans job and reply transitions out to in-process
// observers (ops API, logs, tests).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by the poller and the autopilot passes.
const (
	JobCreated        = "job.created"
	JobClaimed        = "job.claimed"
	JobPosted         = "job.posted"
	JobFailed         = "job.failed"
	JobManualRequired = "job.manual_required"
	JobRequeued       = "job.requeued"
	JobReset          = "job.reset"
	JobRetried        = "job.retried"
	ReplySent         = "reply.sent"
	AutopilotPlanned  = "autopilot.scheduled"
)

// Event is a small in-memory signal.
//
// Publish never blocks; subscribers use buffered channels and a slow
// subscriber drops events.
type Event struct {
	Type     string    `json:"type"`
	Time     time.Time `json:"time"`
	Platform string    `json:"platform,omitempty"`
	Owner    string    `json:"owner,omitempty"`
	JobID    string    `json:"jobId,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() *MemBus {
	return &MemBus{subs: map[uint64]chan Event{}}
}

type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
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
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Dropped is the number of deliveries skipped because a subscriber was full.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

// Recent keeps the last n events for the ops API.
type Recent struct {
	mu  sync.Mutex
	buf []Event
	n   int
}

func NewRecent(n int) *Recent {
	if n <= 0 {
		n = 100
	}
	return &Recent{n: n}
}

func (r *Recent) Add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, e)
	if len(r.buf) > r.n {
		r.buf = append(r.buf[:0], r.buf[len(r.buf)-r.n:]...)
	}
}

// Snapshot returns the retained events, oldest first.
func (r *Recent) Snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.buf...)
}

// Drain copies events from ch into r until ch is closed.
func (r *Recent) Drain(ch <-chan Event) {
	for e := range ch {
		r.Add(e)
	}
}
