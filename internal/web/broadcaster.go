package web

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Event types sent on GET /status/stream.
const (
	EventLog     = "log"
	EventState   = "state"
	EventCapture = "capture"
)

// StatusEvent is one SSE message.
type StatusEvent struct {
	Time  string      `json:"t"`
	Type  string      `json:"type"`
	Level string      `json:"l,omitempty"`
	Msg   string      `json:"msg,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// StatusBroadcaster distributes status events to multiple SSE clients.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
	now     func() time.Time
}

// NewStatusBroadcaster creates a new broadcaster.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
		now:     time.Now,
	}
}

// Subscribe returns a channel that receives broadcast messages and a cleanup function.
// The caller must call the returned cleanup when done (e.g. on client disconnect).
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Clients returns the number of connected subscribers.
func (b *StatusBroadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Publish sends an event to all subscribed clients as JSON.
// Slow clients may miss events (non-blocking, buffered).
func (b *StatusBroadcaster) Publish(evt StatusEvent) {
	if evt.Time == "" {
		evt.Time = b.now().Format(time.RFC3339)
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
			// channel full, skip
		}
	}
}

// Broadcast sends a log line with the given level.
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.Publish(StatusEvent{Type: EventLog, Level: level, Msg: msg})
}

// PublishState announces a device lifecycle transition.
func (b *StatusBroadcaster) PublishState(from, to string) {
	b.Publish(StatusEvent{
		Type: EventState,
		Msg:  from + " -> " + to,
		Data: map[string]string{"from": from, "to": to},
	})
}

// BroadcastWriter implements io.Writer; each line written is broadcast as a
// log event. Used as a second sink for the debug logger.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if msg := strings.TrimSpace(line); msg != "" {
			w.b.Broadcast(levelOf(msg), msg)
		}
	}
	return len(p), nil
}

// levelOf reads the level tag written by the console logger.
func levelOf(line string) string {
	switch {
	case strings.Contains(line, " ERR "):
		return "error"
	case strings.Contains(line, " WRN "):
		return "warn"
	case strings.Contains(line, " DBG "):
		return "debug"
	default:
		return "info"
	}
}
