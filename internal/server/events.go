package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

// Event is one SSE message. Payload carries the board view after the change
// for row events and the advisory for advisory events.
type Event struct {
	Type    string `json:"type"`
	Entity  string `json:"entity,omitempty"`
	ID      string `json:"id,omitempty"`
	BoardID string `json:"board_id"`
	Payload any    `json:"payload,omitempty"`
}

type EventBus struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
	ping time.Duration
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string]map[chan []byte]struct{}), ping: 25 * time.Second}
}

func (b *EventBus) Subscribe(boardID string) (ch chan []byte, cancel func()) {
	ch = make(chan []byte, 16)
	b.mu.Lock()
	if b.subs[boardID] == nil {
		b.subs[boardID] = make(map[chan []byte]struct{})
	}
	b.subs[boardID][ch] = struct{}{}
	b.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if subs, ok := b.subs[boardID]; ok {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(b.subs, boardID)
				}
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Watching reports whether any stream is open for boardID.
func (b *EventBus) Watching(boardID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[boardID]) > 0
}

func (b *EventBus) Publish(ev Event) {
	if !b.Watching(ev.BoardID) {
		return
	}
	data, err := sonic.Marshal(ev)
	if err != nil {
		return
	}
	b.mu.RLock()
	for ch := range b.subs[ev.BoardID] {
		select {
		case ch <- data:
		default: // slow reader
		}
	}
	b.mu.RUnlock()
}

// ServeSSE streams events for one board until the request ends.
func (b *EventBus) ServeSSE(w http.ResponseWriter, r *http.Request, boardID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := b.Subscribe(boardID)
	defer cancel()

	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(b.ping)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(msg)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}
