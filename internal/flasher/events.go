package flasher

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"xteink-flasher/internal/steps"
)

// Event types
const (
	EventWorkflowStarted  = "workflow_started"
	EventStepUpdate       = "step_update"
	EventWorkflowFinished = "workflow_finished"
)

// Event represents an orchestrator event.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// WorkflowStarted is the payload of EventWorkflowStarted.
type WorkflowStarted struct {
	ID        string    `json:"id"`
	Workflow  Workflow  `json:"workflow"`
	StartedAt time.Time `json:"started_at"`
	Steps     []string  `json:"steps"`
}

// StepUpdate is the payload of EventStepUpdate.
type StepUpdate struct {
	WorkflowID string     `json:"workflow_id"`
	Index      int        `json:"index"`
	Step       steps.Step `json:"step"`
}

// WorkflowFinished is the payload of EventWorkflowFinished.
type WorkflowFinished struct {
	ID       string       `json:"id"`
	Workflow Workflow     `json:"workflow"`
	Success  bool         `json:"success"`
	Error    *steps.Error `json:"error,omitempty"`
	Duration string       `json:"duration"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

type subscription struct {
	eventType string // empty matches every event
	handler   EventHandler
}

// EventBus provides pub/sub for orchestrator events. Handlers are called in
// subscription order.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[uint64]subscription
	nextID uint64
	logger *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		subs:   make(map[uint64]subscription),
		logger: logger,
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.subscribe(subscription{eventType: eventType, handler: handler})
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.subscribe(subscription{handler: handler})
}

func (eb *EventBus) subscribe(s subscription) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.subs[id] = s
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.subs, id)
	}
}

// Emit sends an event to all matching handlers.
// Handlers run synchronously on the workflow goroutine and must not block;
// a panicking handler is recovered.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	ids := make([]uint64, 0, len(eb.subs))
	for id, s := range eb.subs {
		if s.eventType == "" || s.eventType == event.Type {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	handlers := make([]EventHandler, len(ids))
	for i, id := range ids {
		handlers[i] = eb.subs[id].handler
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
