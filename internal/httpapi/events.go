package httpapi

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/edgevoice/internal/device"
	"github.com/antoniostano/edgevoice/internal/session"
)

// EventHub fans session status changes out to websocket subscribers. Slow
// subscribers lose events rather than blocking the registry.
type EventHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan session.Event
}

func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[int]chan session.Event)}
}

func (h *EventHub) Publish(ev session.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *EventHub) Subscribe(buffer int) (<-chan session.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan session.Event, buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// handleDeviceEvents streams status changes, optionally for one device
// (?device=AA:BB:...).
func (s *Server) handleDeviceEvents(w http.ResponseWriter, r *http.Request) {
	filter := device.Canonical(r.URL.Query().Get("device"))
	if filter != "" && !device.IsValidDeviceAddress(filter) {
		respondError(w, http.StatusBadRequest, "invalid_device_address", "device filter must be a device address")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, unsubscribe := s.deps.Events.Subscribe(64)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Clients only send control frames; reading detects the close.
		conn.SetReadLimit(4 << 10)
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev := <-events:
			if filter != "" && !strings.EqualFold(ev.Device, filter) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("device event write failed", "error", err)
				return
			}
		}
	}
}
