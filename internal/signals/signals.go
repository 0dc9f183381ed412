package signals

import (
	"sync"

	"github.com/modfin/utskick"
)

type Subscriber func(ev utskick.StatusEvent)

type subscription struct {
	id uint64
	fn Subscriber
}

// Hub fans status events out to subscribers, synchronously and in registration order.
type Hub struct {
	mu   sync.RWMutex
	seq  uint64
	subs []subscription
}

func NewHub() *Hub {
	return &Hub{}
}

// Subscribe registers fn until the returned cancel func is called.
func (h *Hub) Subscribe(fn Subscriber) (cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	id := h.seq
	h.subs = append(h.subs, subscription{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()

			var subs []subscription
			for _, s := range h.subs {
				if s.id == id {
					continue
				}
				subs = append(subs, s)
			}
			h.subs = subs
		})
	}
}

// Notify calls every subscriber with ev. The lock is not held while calling out,
// so a subscriber may subscribe or unsubscribe from within its callback.
func (h *Hub) Notify(ev utskick.StatusEvent) {
	h.mu.RLock()
	subs := h.subs
	h.mu.RUnlock()

	for _, s := range subs {
		s.fn(ev)
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
