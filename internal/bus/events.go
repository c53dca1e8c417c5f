package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Job lifecycle event types emitted by the jobs package.
const (
	EventJobCreated   = "job.created"
	EventJobClaimed   = "job.claimed"
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
	EventJobSkipped   = "job.skipped"
)

type Event struct {
	Type      string
	JobID     string
	JobType   string
	ChatID    int64
	Detail    map[string]any
	Timestamp time.Time
}

type EventHandler func(Event)

type namedHandler struct {
	id      string
	handler EventHandler
}

// EventBus is a synchronous topic pub/sub with a bounded history.
// Handlers registered for "*" see every event.
type EventBus struct {
	mu         sync.RWMutex
	handlers   map[string][]namedHandler
	nextID     int
	history    []Event
	maxHistory int
	logger     *slog.Logger
}

func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers:   make(map[string][]namedHandler),
		maxHistory: 500,
		logger:     logger,
	}
}

// On registers handler and returns an id for Off.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eventType + "#" + strconv.Itoa(eb.nextID)
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{id: id, handler: handler})
	return id
}

func (eb *EventBus) Off(eventType, id string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	hs := eb.handlers[eventType]
	for i, h := range hs {
		if h.id == id {
			eb.handlers[eventType] = append(hs[:i:i], hs[i+1:]...)
			return
		}
	}
}

// Emit records the event and calls matching handlers in registration
// order. A panicking handler is logged and does not stop the others.
// Emit on a nil bus is a no-op.
func (eb *EventBus) Emit(e Event) {
	if eb == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, e)
	var targets []namedHandler
	targets = append(targets, eb.handlers[e.Type]...)
	targets = append(targets, eb.handlers["*"]...)
	eb.mu.Unlock()

	for _, h := range targets {
		eb.dispatch(h, e)
	}
}

func (eb *EventBus) dispatch(h namedHandler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "event", e.Type, "handler", h.id, "panic", r)
		}
	}()
	h.handler(e)
}

// Recent returns up to n of the latest events of eventType ("*" for any),
// oldest first.
func (eb *EventBus) Recent(eventType string, n int) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	var out []Event
	for i := len(eb.history) - 1; i >= 0 && len(out) < n; i-- {
		if eventType == "*" || eb.history[i].Type == eventType {
			out = append(out, eb.history[i])
		}
	}
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out
}
