package api

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"neurostat/internal"
)

// ProgressEvent is one update about a running or finished cluster test
type ProgressEvent struct {
	Stream    string    `json:"stream"`
	EventType string    `json:"event_type"`
	RunID     string    `json:"run_id,omitempty"`
	Pass      int       `json:"pass,omitempty"`
	Done      int       `json:"done"`
	Total     int       `json:"total"`
	Progress  float64   `json:"progress"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Event types
const (
	EventProgress  = "progress"
	EventCompleted = "completed"
	EventFailed    = "failed"
)

// SSEHub fans progress events out to Server-Sent Events clients. Clients
// subscribe to a stream key chosen by whoever submits the run.
type SSEHub struct {
	clients   map[string]map[chan ProgressEvent]bool
	clientsMu sync.RWMutex
	broadcast chan ProgressEvent
	done      chan struct{}
	closeOnce sync.Once
	keepAlive time.Duration
	logger    *internal.Logger
}

// NewSSEHub creates a hub and starts its dispatch loop
func NewSSEHub(logger *internal.Logger) *SSEHub {
	hub := &SSEHub{
		clients:   make(map[string]map[chan ProgressEvent]bool),
		broadcast: make(chan ProgressEvent, 100),
		done:      make(chan struct{}),
		keepAlive: 30 * time.Second,
		logger:    logger,
	}

	go hub.run()
	return hub
}

func (h *SSEHub) run() {
	for {
		select {
		case event := <-h.broadcast:
			h.clientsMu.RLock()
			for clientChan := range h.clients[event.Stream] {
				select {
				case clientChan <- event:
				default:
					h.logger.Debug("[SSE] client channel full for stream %s, skipping event", event.Stream)
				}
			}
			h.clientsMu.RUnlock()
		case <-h.done:
			return
		}
	}
}

// Close stops the dispatch loop
func (h *SSEHub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Subscribe registers a client on stream. The returned function unregisters
// it and closes the channel.
func (h *SSEHub) Subscribe(stream string) (<-chan ProgressEvent, func()) {
	ch := make(chan ProgressEvent, 10)

	h.clientsMu.Lock()
	if h.clients[stream] == nil {
		h.clients[stream] = make(map[chan ProgressEvent]bool)
	}
	h.clients[stream][ch] = true
	h.logger.Debug("[SSE] client registered for stream %s (total clients: %d)", stream, len(h.clients[stream]))
	h.clientsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.clientsMu.Lock()
			defer h.clientsMu.Unlock()
			if clients, exists := h.clients[stream]; exists {
				delete(clients, ch)
				if len(clients) == 0 {
					delete(h.clients, stream)
				}
			}
			close(ch)
		})
	}
}

// Broadcast queues an event for every client of its stream
func (h *SSEHub) Broadcast(event ProgressEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("[SSE] broadcast channel full, dropping %s event", event.EventType)
	}
}

// ClientCount returns the number of clients subscribed to stream
func (h *SSEHub) ClientCount(stream string) int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients[stream])
}

// HandleSSE streams the events of the stream named by the "stream" query
// parameter until the client disconnects or a run on it finishes
func (h *SSEHub) HandleSSE(c *gin.Context) {
	stream := c.Query("stream")
	if stream == "" {
		c.JSON(400, gin.H{"error": "stream parameter required"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	events, unsubscribe := h.Subscribe(stream)
	defer unsubscribe()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			payload, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("[SSE] failed to marshal event: %v", err)
				return true
			}
			c.SSEvent(event.EventType, string(payload))
			return event.EventType == EventProgress
		case <-time.After(h.keepAlive):
			c.SSEvent("ping", `{"status": "alive"}`)
			return true
		case <-ctx.Done():
			return false
		case <-h.done:
			return false
		}
	})
}
