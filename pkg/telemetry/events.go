package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/shipyard/pkg/engine"
)

// Event is a deployment event delivered to subscribers.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is a run event type or EventTypeStepChanged.
	Type string `json:"type"`

	// RunID is the associated run.
	RunID string `json:"run_id,omitempty"`

	// StepID is the associated step, if any.
	StepID string `json:"step_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventTypeStepChanged is the type of events built from step updates.
const EventTypeStepChanged = "step_changed"

// EventTypeNotification is the type of events built from notifications.
const EventTypeNotification = "notification"

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// ErrPublisherStopped is returned by Publish after Shutdown.
var ErrPublisherStopped = errors.New("event publisher stopped")

// ErrBufferFull is returned by Publish when the async buffer is full.
var ErrBufferFull = errors.New("event buffer full, event dropped")

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans deployment events out to subscribers. It implements
// engine.EventSink. Subscribers are called one at a time, in publish order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	dropped     int
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
	if cfg.EnableAsync && cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}
	if ep.ctx.Err() != nil {
		return ErrPublisherStopped
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
		case ep.buffer <- event:
			return nil
		default:
			ep.mu.Lock()
			ep.dropped++
			ep.mu.Unlock()
			return ErrBufferFull
		}
	}

	ep.deliverEvent(event)
	return nil
}

// StepChanged implements engine.EventSink.
func (ep *EventPublisher) StepChanged(_ context.Context, runID string, change engine.StepChange) {
	level := EventLevelInfo
	switch change.Step.Status {
	case engine.StepStatusError, engine.StepStatusRollbackFailed:
		level = EventLevelError
	case engine.StepStatusWarning, engine.StepStatusRollingBack:
		level = EventLevelWarning
	}

	data := map[string]interface{}{
		"status":   string(change.Step.Status),
		"previous": string(change.Previous),
		"progress": change.Step.Progress,
	}
	if change.Step.ErrorCode != "" {
		data["error_code"] = change.Step.ErrorCode
	}

	_ = ep.Publish(Event{
		Type:    EventTypeStepChanged,
		RunID:   runID,
		StepID:  change.Step.ID,
		Message: fmt.Sprintf("Step %s is %s", change.Step.ID, change.Step.Status),
		Level:   level,
		Data:    data,
	})
}

// RunEvent implements engine.EventSink.
func (ep *EventPublisher) RunEvent(_ context.Context, event engine.RunEvent) {
	_ = ep.Publish(Event{
		ID:        event.ID,
		Timestamp: event.Timestamp,
		Type:      string(event.Type),
		RunID:     event.RunID,
		StepID:    event.StepID,
		Message:   event.Message,
		Level:     event.Level,
		Data:      event.Data,
	})
}

// Notification publishes a user-facing notification as an event.
func (ep *EventPublisher) Notification(n Notification) {
	level := EventLevelInfo
	switch severityLevel(n.Severity) {
	case zerolog.ErrorLevel:
		level = EventLevelError
	case zerolog.WarnLevel:
		level = EventLevelWarning
	}

	_ = ep.Publish(Event{
		Timestamp: n.Timestamp,
		Type:      EventTypeNotification,
		Message:   n.Message,
		Level:     level,
		Data: map[string]interface{}{
			"title":    n.Title,
			"severity": string(n.Severity),
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
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

// Dropped returns how many events were dropped because the buffer was full.
func (ep *EventPublisher) Dropped() int {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return ep.dropped
}

// processEvents batches buffered events and delivers them when a batch is
// full or the flush interval elapses.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	var tick <-chan time.Time
	if ep.config.FlushInterval > 0 {
		ticker := time.NewTicker(ep.config.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	flush := func() {
		ep.flushBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize || tick == nil {
				flush()
			}

		case <-tick:
			if len(batch) > 0 {
				flush()
			}

		case <-ep.ctx.Done():
			// drain what was published before Shutdown
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	entries := append([]subscriberEntry(nil), ep.subscribers...)
	ep.mu.RUnlock()

	for _, entry := range entries {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown delivers the buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
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

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}

// FilterByStepID creates a filter that only allows events for a specific step.
func FilterByStepID(stepID string) EventFilter {
	return func(event Event) bool {
		return event.StepID == stepID
	}
}
