package transport

import (
	"sync"

	"github.com/spm1001/gueridon/internal/replay"
)

// Hub fans a runtime's sequenced frames out to every websocket/SSE client
// currently attached to that folder. A runtime's Options.OnBroadcast is
// wired to Hub.Publish at construction time (§4.F point 1: "the runtime
// sends the current state snapshot" then streams deltas as they occur);
// the hub itself has no knowledge of folders beyond a string key, so the
// same Hub serves both transports in ws.go and sse.go.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*subscription]struct{}
}

type subscription struct {
	ch chan replay.Frame
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*subscription]struct{})}
}

// subscribe registers a new subscriber for folder and returns its channel
// plus an unsubscribe function the caller must call exactly once.
func (h *Hub) subscribe(folder string) (*subscription, func()) {
	sub := &subscription{ch: make(chan replay.Frame, 64)}

	h.mu.Lock()
	set, ok := h.subs[folder]
	if !ok {
		set = make(map[*subscription]struct{})
		h.subs[folder] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	return sub, func() {
		h.mu.Lock()
		delete(h.subs[folder], sub)
		if len(h.subs[folder]) == 0 {
			delete(h.subs, folder)
		}
		h.mu.Unlock()
		close(sub.ch)
	}
}

// Publish fans frame out to every current subscriber of folder without
// blocking the runtime's event loop. A subscriber whose channel is full
// misses this frame; it stays subscribed and is not disconnected.
func (h *Hub) Publish(folder string, f replay.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[folder] {
		select {
		case sub.ch <- f:
		default:
		}
	}
}
