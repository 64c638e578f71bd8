package remote

import (
	"sync"
	"sync/atomic"
)

// watchHub fans document changes out to per-owner subscribers. Delivery is
// non-blocking; a full subscriber buffer drops the event (subscribers
// re-list to recover, same contract as the eventbus).
type watchHub struct {
	mu   sync.Mutex
	subs map[uint64]watchSub
	seq  atomic.Uint64
}

type watchSub struct {
	ownerID string
	ch      chan Change
}

func newWatchHub() *watchHub {
	return &watchHub{subs: map[uint64]watchSub{}}
}

func (h *watchHub) subscribe(ownerID string, buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Change, buffer)
	id := h.seq.Add(1)

	h.mu.Lock()
	h.subs[id] = watchSub{ownerID: ownerID, ch: ch}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (h *watchHub) notify(c Change) {
	h.mu.Lock()
	targets := make([]chan Change, 0, len(h.subs))
	for _, s := range h.subs {
		if s.ownerID == c.Reminder.OwnerID {
			targets = append(targets, s.ch)
		}
	}
	h.mu.Unlock()

	for _, ch := range targets {
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- c:
			default:
			}
		}()
	}
}
