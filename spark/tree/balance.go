package tree

import "sync"

// BalanceWatcher broadcasts the store's current available balance to any
// number of subscribers. Unlike a queue, a slow subscriber only ever misses
// intermediate values, never the latest one: each subscriber channel is
// buffered to depth 1 and refilled by dropping a stale pending value, the
// same "latest wins" contract a watch channel gives its readers.
type BalanceWatcher struct {
	mu   sync.Mutex
	subs map[int]chan uint64
	next int
}

func newBalanceWatcher() *BalanceWatcher {
	return &BalanceWatcher{subs: make(map[int]chan uint64)}
}

// Subscribe registers a new listener and returns its channel plus a cancel
// function the caller must eventually invoke to unregister.
func (w *BalanceWatcher) Subscribe() (<-chan uint64, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	id := w.next
	w.next++
	ch := make(chan uint64, 1)
	w.subs[id] = ch

	return ch, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.subs, id)
	}
}

func (w *BalanceWatcher) notify(balance uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, ch := range w.subs {
		select {
		case ch <- balance:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- balance:
			default:
			}
		}
	}
}
