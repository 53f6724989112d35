// Package oplog holds a bounded, process-lifetime log of pipeline events for
// operational visibility. Entries are kept in memory only and reset on
// restart.
package oplog

import (
	"fmt"
	"sync"
	"time"
)

// DefaultCapacity bounds the ring when no explicit capacity is given.
const DefaultCapacity = 30

// Entry is one recorded pipeline event.
type Entry struct {
	At      time.Time
	Message string
}

// String renders the entry the way the logs endpoint serves it.
func (e Entry) String() string {
	return fmt.Sprintf("[%s] %s", e.At.Format("15:04:05"), e.Message)
}

// Ring is a fixed-capacity, oldest-first event log shared between the sync
// pipeline and the status endpoints. Appends and reads interleave across
// request goroutines, so all access runs under one mutex.
type Ring struct {
	mu      sync.Mutex
	cap     int
	entries []Entry
	subs    map[chan Entry]struct{}
	now     func() time.Time
}

// NewRing constructs a ring holding at most capacity entries.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		cap:  capacity,
		subs: make(map[chan Entry]struct{}),
		now:  time.Now,
	}
}

// Append records a timestamped message, evicting the oldest entries once the
// ring is full. Live subscribers receive the entry on a best-effort basis; a
// subscriber with a full buffer misses it rather than blocking the append.
func (r *Ring) Append(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := Entry{At: r.now(), Message: message}
	r.entries = append(r.entries, entry)
	if overflow := len(r.entries) - r.cap; overflow > 0 {
		r.entries = append(r.entries[:0], r.entries[overflow:]...)
	}

	for ch := range r.subs {
		select {
		case ch <- entry:
		default:
		}
	}
}

// Appendf records a formatted message.
func (r *Ring) Appendf(format string, args ...any) {
	r.Append(fmt.Sprintf(format, args...))
}

// Entries returns a copy of the current contents, oldest first.
func (r *Ring) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Subscribe registers a channel receiving entries appended from now on. The
// caller must Unsubscribe when done.
func (r *Ring) Subscribe() chan Entry {
	ch := make(chan Entry, 16)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (r *Ring) Unsubscribe(ch chan Entry) {
	r.mu.Lock()
	if _, ok := r.subs[ch]; ok {
		delete(r.subs, ch)
		close(ch)
	}
	r.mu.Unlock()
}
