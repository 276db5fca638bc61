package www

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"pcclink/logging"
)

// SSEEvent is one event broadcast to connected clients.
type SSEEvent struct {
	Type string      `json:"type"` // "value-change", "status-change", "health"
	Data interface{} `json:"data"`
}

// ValueUpdate is the payload of a value-change event.
type ValueUpdate struct {
	PLC       string      `json:"plc"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// heartbeatInterval keeps idle SSE connections from being reaped by
// proxies.
const heartbeatInterval = 15 * time.Second

// EventHub fans events out to subscribed SSE clients.
type EventHub struct {
	mu      sync.Mutex
	clients map[chan []byte]bool
}

// NewEventHub creates an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{clients: make(map[chan []byte]bool)}
}

// Broadcast serializes the event and queues it to every client.  Clients
// that cannot keep up drop events rather than block the poller.
func (h *EventHub) Broadcast(event SSEEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		logging.DebugError("www", "SSE marshal", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- payload:
		default:
		}
	}
}

// subscribe registers a client channel.
func (h *EventHub) subscribe() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = true
	h.mu.Unlock()
	return ch
}

// unsubscribe removes a client channel.
func (h *EventHub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

// ClientCount returns the number of connected SSE clients.
func (h *EventHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// serveSSE streams hub events to one client until it disconnects.
func (h *EventHub) serveSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case payload := <-ch:
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
