package serialmux

import (
	"sync"

	"github.com/google/uuid"
)

// SubscriberBuffer is the channel capacity handed to each subscriber. The
// bridge emits several hundred lines per second, so an unbuffered channel
// would drop most of them whenever the reader is briefly busy.
const SubscriberBuffer = 1024

type subscriber struct {
	ch    chan string
	kinds map[string]bool // nil receives every kind
}

func (s subscriber) wants(kind string) bool {
	return s.kinds == nil || s.kinds[kind]
}

// fanout is the subscriber set shared by Bridge and Disabled. Once closed,
// new subscriptions get an already closed channel so readers such as the
// line parser return immediately.
type fanout struct {
	mu     sync.Mutex
	subs   map[string]subscriber
	closed bool
}

func newFanout() *fanout {
	return &fanout{subs: make(map[string]subscriber)}
}

func (f *fanout) subscribe(kinds []string) (string, chan string) {
	id := uuid.NewString()
	sub := subscriber{ch: make(chan string, SubscriberBuffer)}
	if len(kinds) > 0 {
		sub.kinds = make(map[string]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(sub.ch)
		return id, sub.ch
	}
	f.subs[id] = sub
	return id, sub.ch
}

func (f *fanout) unsubscribe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub, ok := f.subs[id]; ok {
		close(sub.ch)
		delete(f.subs, id)
	}
}

// publish offers line to every subscriber that wants kind and returns how
// many were full and missed it.
func (f *fanout) publish(kind, line string) (missed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		if !sub.wants(kind) {
			continue
		}
		select {
		case sub.ch <- line:
		default:
			missed++
		}
	}
	return missed
}

// close closes every subscription; it reports false when already closed.
func (f *fanout) close() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.closed = true
	for id, sub := range f.subs {
		close(sub.ch)
		delete(f.subs, id)
	}
	return true
}

func (f *fanout) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fanout) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
