package db

import "sync"

// hub fans out "thread changed" signals to subscribers. Signals coalesce:
// a subscriber that has not consumed the previous one gets no second copy.
type hub struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[chan struct{}]struct{})}
}

func (h *hub) subscribe(threadID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	h.mu.Lock()
	if h.subs[threadID] == nil {
		h.subs[threadID] = make(map[chan struct{}]struct{})
	}
	h.subs[threadID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[threadID], ch)
			if len(h.subs[threadID]) == 0 {
				delete(h.subs, threadID)
			}
			close(ch)
		})
	}
}

func (h *hub) publish(threadID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[threadID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
