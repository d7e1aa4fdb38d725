package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event emitted by the agent.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// RunID is the executor run the event belongs to, if any.
	RunID string `json:"run_id,omitempty"`

	// PlanID is the plan file id, if applicable.
	PlanID string `json:"plan_id,omitempty"`

	// Command is the command name, if applicable.
	Command string `json:"command,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for agent events.
const (
	EventTypePlanReceived     = "plan.received"
	EventTypePlanStarted      = "plan.started"
	EventTypePlanCompleted    = "plan.completed"
	EventTypePlanFailed       = "plan.failed"
	EventTypePlanDropped      = "plan.dropped"
	EventTypePlanRejected     = "plan.rejected"
	EventTypeCommandCompleted = "command.completed"
	EventTypeCommandFailed    = "command.failed"
	EventTypeResultSent       = "result.sent"
	EventTypeRebootRequested  = "reboot.requested"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
//
// Subscribers see events in publish order. In synchronous mode they run on
// the publishing goroutine; in async mode a single background goroutine
// drains the buffer.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	if len(cfg.Types) > 0 {
		ep.AddFilter(FilterByType(cfg.Types...))
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers. Safe on a nil publisher.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishPlanReceived publishes a plan received event.
func (ep *EventPublisher) PublishPlanReceived(planID, source string, size int) error {
	return ep.Publish(Event{
		Type:    EventTypePlanReceived,
		Source:  "supervisor",
		PlanID:  planID,
		Message: fmt.Sprintf("Plan %s received from %s", planID, source),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"source": source,
			"size":   size,
		},
	})
}

// PublishPlanStarted publishes a plan started event.
func (ep *EventPublisher) PublishPlanStarted(runID, planID string, stamp int64, commands int) error {
	return ep.Publish(Event{
		Type:    EventTypePlanStarted,
		Source:  "executor",
		RunID:   runID,
		PlanID:  planID,
		Message: fmt.Sprintf("Plan %s started with %d commands", planID, commands),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"stamp":    stamp,
			"commands": commands,
		},
	})
}

// PublishPlanCompleted publishes a plan completed event.
func (ep *EventPublisher) PublishPlanCompleted(runID, planID string, failures int, reboot bool, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypePlanCompleted,
		Source:  "executor",
		RunID:   runID,
		PlanID:  planID,
		Message: fmt.Sprintf("Plan %s completed with %d failures", planID, failures),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"failures": failures,
			"reboot":   reboot,
			"duration": duration.Seconds(),
		},
	})
}

// PublishPlanFailed publishes a plan-level failure event.
func (ep *EventPublisher) PublishPlanFailed(runID, planID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePlanFailed,
		Source:  "executor",
		RunID:   runID,
		PlanID:  planID,
		Message: fmt.Sprintf("Plan %s failed: %s", planID, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishPlanDropped publishes a stale plan event.
func (ep *EventPublisher) PublishPlanDropped(runID, planID string, stamp, watermark int64) error {
	return ep.Publish(Event{
		Type:    EventTypePlanDropped,
		Source:  "executor",
		RunID:   runID,
		PlanID:  planID,
		Message: fmt.Sprintf("Plan %s dropped: stamp %d not newer than %d", planID, stamp, watermark),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"stamp":     stamp,
			"watermark": watermark,
		},
	})
}

// PublishPlanRejected publishes an admission rejection event.
func (ep *EventPublisher) PublishPlanRejected(planID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePlanRejected,
		Source:  "policy",
		PlanID:  planID,
		Message: fmt.Sprintf("Plan %s rejected: %s", planID, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishCommandCompleted publishes a command success event.
func (ep *EventPublisher) PublishCommandCompleted(runID, planID, command string, outputs int, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeCommandCompleted,
		Source:  "executor",
		RunID:   runID,
		PlanID:  planID,
		Command: command,
		Message: fmt.Sprintf("Command %s completed", command),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"outputs":  outputs,
			"duration": duration.Seconds(),
		},
	})
}

// PublishCommandFailed publishes a command failure event.
func (ep *EventPublisher) PublishCommandFailed(runID, planID, command, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeCommandFailed,
		Source:  "executor",
		RunID:   runID,
		PlanID:  planID,
		Command: command,
		Message: fmt.Sprintf("Command %s failed: %s", command, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishResultSent publishes a result upload event.
func (ep *EventPublisher) PublishResultSent(planID string) error {
	return ep.Publish(Event{
		Type:    EventTypeResultSent,
		Source:  "supervisor",
		PlanID:  planID,
		Message: fmt.Sprintf("Result for plan %s sent", planID),
		Level:   EventLevelInfo,
	})
}

// PublishRebootRequested publishes a reboot event.
func (ep *EventPublisher) PublishRebootRequested(planID string) error {
	return ep.Publish(Event{
		Type:    EventTypeRebootRequested,
		Source:  "supervisor",
		PlanID:  planID,
		Message: fmt.Sprintf("Reboot requested by plan %s", planID),
		Level:   EventLevelWarning,
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents delivers buffered events in order until shutdown,
// then drains what is left.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByPlanID creates a filter that only allows events for a specific plan.
func FilterByPlanID(planID string) EventFilter {
	return func(event Event) bool {
		return event.PlanID == planID
	}
}
