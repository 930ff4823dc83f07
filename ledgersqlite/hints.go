package ledgersqlite

import "sync"

// hintHub fans advisory hints out to subscribers. Sends never block: a
// subscriber that is not keeping up misses hints, which is fine because
// hints carry no state and consumers re-read the store.
type hintHub struct {
	mu     sync.Mutex
	subs   map[int]chan Hint
	nextID int
	closed bool
}

func newHintHub() *hintHub {
	return &hintHub{subs: make(map[int]chan Hint)}
}

func (h *hintHub) subscribe() (<-chan Hint, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		ch := make(chan Hint)
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	ch := make(chan Hint, 16)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (h *hintHub) publish(hint Hint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, ch := range h.subs {
		select {
		case ch <- hint:
		default:
		}
	}
}

func (h *hintHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
