package server

import "sync"

// feed fans snapshots out to subscribers. A slow subscriber only ever misses
// intermediate values: the newest snapshot always replaces a pending one.
type feed[T any] struct {
	mu     sync.Mutex
	latest T
	has    bool
	closed bool
	subs   map[chan T]struct{}
}

func newFeed[T any]() *feed[T] {
	return &feed[T]{subs: make(map[chan T]struct{})}
}

func (f *feed[T]) publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.latest = v
	f.has = true
	for ch := range f.subs {
		offer(ch, v)
	}
}

// offer delivers v to a one-slot channel, replacing any undelivered value.
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

// close ends every subscription. Values already buffered are still delivered.
func (f *feed[T]) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for ch := range f.subs {
		close(ch)
	}
	f.subs = nil
}

// subscribe returns a channel that first yields the latest snapshot, if any.
// The channel is closed when the feed closes or cancel is called.
func (f *feed[T]) subscribe() (<-chan T, func()) {
	ch := make(chan T, 1)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.has {
		ch <- f.latest
	}
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	f.subs[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if _, ok := f.subs[ch]; ok {
				delete(f.subs, ch)
				close(ch)
			}
		})
	}
}

func (f *feed[T]) snapshot() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, f.has
}
