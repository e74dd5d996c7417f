package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event in the Mashin engine.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// RunID is the associated run ID, if applicable.
	RunID string `json:"run_id,omitempty"`

	// URN is the associated resource URN, if applicable.
	URN string `json:"urn,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeRunStarted       = "run.started"
	EventTypeRunCompleted     = "run.completed"
	EventTypeRunFailed        = "run.failed"
	EventTypePhaseStarted     = "phase.started"
	EventTypePhaseCompleted   = "phase.completed"
	EventTypeResourceStarted  = "resource.started"
	EventTypeResourceApplied  = "resource.applied"
	EventTypeResourceFailed   = "resource.failed"
	EventTypeOrphanDeleted    = "resource.orphan_deleted"
	EventTypePolicyViolation  = "policy.violation"
	EventTypeProviderInvoked  = "provider.invoked"
	EventTypeError            = "error"
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
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	if cfg.FlushInterval > 0 {
		ep.wg.Add(1)
		go ep.periodicFlush()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
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
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishRunStarted publishes a run started event.
func (ep *EventPublisher) PublishRunStarted(runID, modulePath string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunStarted,
		Source:  "pipeline",
		RunID:   runID,
		Message: fmt.Sprintf("run %s started for module %s", runID, modulePath),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"module_path": modulePath,
		},
	})
}

// PublishRunCompleted publishes a run completed event.
func (ep *EventPublisher) PublishRunCompleted(runID, status string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeRunCompleted,
		Source:  "pipeline",
		RunID:   runID,
		Message: fmt.Sprintf("run %s completed with status: %s", runID, status),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"status":   status,
			"duration": duration.Seconds(),
		},
	})
}

// PublishRunFailed publishes a run failed event.
func (ep *EventPublisher) PublishRunFailed(runID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunFailed,
		Source:  "pipeline",
		RunID:   runID,
		Message: fmt.Sprintf("run %s failed: %s", runID, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishPhaseStarted publishes a pipeline phase started event.
func (ep *EventPublisher) PublishPhaseStarted(runID, phase string) error {
	return ep.Publish(Event{
		Type:    EventTypePhaseStarted,
		Source:  "pipeline",
		RunID:   runID,
		Message: fmt.Sprintf("phase %s started for run %s", phase, runID),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"phase": phase,
		},
	})
}

// PublishPhaseCompleted publishes a pipeline phase completed event.
func (ep *EventPublisher) PublishPhaseCompleted(runID, phase string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypePhaseCompleted,
		Source:  "pipeline",
		RunID:   runID,
		Message: fmt.Sprintf("phase %s completed for run %s", phase, runID),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"phase":    phase,
			"duration": duration.Seconds(),
		},
	})
}

// PublishResourceStarted publishes a resource execution started event.
func (ep *EventPublisher) PublishResourceStarted(runID, urn, provider, kind string) error {
	return ep.Publish(Event{
		Type:    EventTypeResourceStarted,
		Source:  "pipeline",
		RunID:   runID,
		URN:     urn,
		Message: fmt.Sprintf("%s started for %s", kind, urn),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"provider": provider,
			"kind":     kind,
		},
	})
}

// PublishResourceApplied publishes a resource applied event: the URN's
// required change (create/update/delete) was dispatched to its provider
// and its state entry was written.
func (ep *EventPublisher) PublishResourceApplied(runID, urn, kind string) error {
	return ep.Publish(Event{
		Type:    EventTypeResourceApplied,
		Source:  "pipeline",
		RunID:   runID,
		URN:     urn,
		Message: fmt.Sprintf("%s applied to %s", kind, urn),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"kind": kind,
		},
	})
}

// PublishResourceFailed publishes a resource apply failure event.
func (ep *EventPublisher) PublishResourceFailed(runID, urn, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeResourceFailed,
		Source:  "pipeline",
		RunID:   runID,
		URN:     urn,
		Message: fmt.Sprintf("apply failed for %s: %s", urn, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishOrphanDeleted publishes an orphan-delete event: a URN present
// in the store but no longer declared by the module was swept.
func (ep *EventPublisher) PublishOrphanDeleted(runID, urn string) error {
	return ep.Publish(Event{
		Type:    EventTypeOrphanDeleted,
		Source:  "pipeline",
		RunID:   runID,
		URN:     urn,
		Message: fmt.Sprintf("orphan %s deleted", urn),
		Level:   EventLevelWarning,
	})
}

// PublishDriftDetected publishes a drift-detection event: the read phase
// found a URN whose live state no longer matches its recorded state.
func (ep *EventPublisher) PublishDriftDetected(urn string, pathCount int) error {
	return ep.Publish(Event{
		Type:    "drift.detected",
		Source:  "planner",
		URN:     urn,
		Message: fmt.Sprintf("drift detected on %s across %d field(s)", urn, pathCount),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"path_count": pathCount,
		},
	})
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(urn, policyName, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy",
		URN:     urn,
		Message: fmt.Sprintf("policy violation on %s: %s - %s", urn, policyName, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// PublishProviderInvoked publishes a provider-invocation event.
func (ep *EventPublisher) PublishProviderInvoked(urn, providerName, action string) error {
	return ep.Publish(Event{
		Type:    EventTypeProviderInvoked,
		Source:  "plugin",
		URN:     urn,
		Message: fmt.Sprintf("provider %s invoked for %s on %s", providerName, action, urn),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"provider": providerName,
			"action":   action,
		},
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

// processEvents processes events from the buffer asynchronously.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)

			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					if len(batch) > 0 {
						ep.flushBatch(batch)
					}
					return
				}
			}
		}
	}
}

// periodicFlush runs a ticker at FlushInterval until shutdown. It delivers
// nothing itself: batched events are delivered by processEvents when a
// batch reaches MaxBatchSize or at shutdown.
func (ep *EventPublisher) periodicFlush() {
	defer ep.wg.Done()

	ticker := time.NewTicker(ep.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Draining is handled by processEvents; the tick does not
			// shorten how long events sit in a partly filled batch.
		case <-ep.ctx.Done():
			return
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
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		go entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
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

// FilterByURN creates a filter that only allows events for a specific URN.
func FilterByURN(urn string) EventFilter {
	return func(event Event) bool {
		return event.URN == urn
	}
}
