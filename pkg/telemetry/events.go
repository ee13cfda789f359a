package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is an audit notification about a task or an address record.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`

	// Source identifies the component that emitted the event.
	Source string `json:"source"`

	TaskLink     string `json:"task_link,omitempty"`
	TaskKind     string `json:"task_kind,omitempty"`
	ResourceLink string `json:"resource_link,omitempty"`

	Message string                 `json:"message"`
	Level   string                 `json:"level"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeTaskCreated       = "task.created"
	EventTypeTaskTransition    = "task.transition"
	EventTypeTaskFinished      = "task.finished"
	EventTypeTaskFailed        = "task.failed"
	EventTypeTaskCancelled     = "task.cancelled"
	EventTypeAddressAllocated  = "address.allocated"
	EventTypeAddressReleased   = "address.released"
	EventTypeAddressReclaimed  = "address.reclaimed"
	EventTypePolicyViolation   = "policy.violation"
	EventTypeSubTaskCompleted  = "subtask.completed"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles delivered events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. A nil or disabled
// publisher drops everything.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
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
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

func (ep *EventPublisher) enabled() bool {
	return ep != nil && ep.config.Enabled
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.enabled() {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event %s dropped", event.Type)
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishTaskCreated publishes a task creation event.
func (ep *EventPublisher) PublishTaskCreated(link, kind string) error {
	return ep.Publish(Event{
		Type:     EventTypeTaskCreated,
		Source:   "engine",
		TaskLink: link,
		TaskKind: kind,
		Message:  fmt.Sprintf("task %s created", link),
	})
}

// PublishTaskTransition publishes an accepted non-terminal stage change.
func (ep *EventPublisher) PublishTaskTransition(link, kind, from, to string) error {
	return ep.Publish(Event{
		Type:     EventTypeTaskTransition,
		Source:   "engine",
		TaskLink: link,
		TaskKind: kind,
		Message:  fmt.Sprintf("task %s moved from %s to %s", link, from, to),
		Data: map[string]interface{}{
			"from": from,
			"to":   to,
		},
	})
}

// PublishTaskCompleted publishes a terminal transition. reason is empty
// for finished tasks.
func (ep *EventPublisher) PublishTaskCompleted(link, kind, stage, reason string, duration time.Duration) error {
	event := Event{
		Source:   "engine",
		TaskLink: link,
		TaskKind: kind,
		Data: map[string]interface{}{
			"stage":       stage,
			"duration_ms": duration.Milliseconds(),
		},
	}
	switch stage {
	case "FINISHED":
		event.Type = EventTypeTaskFinished
		event.Message = fmt.Sprintf("task %s finished", link)
	case "CANCELLED":
		event.Type = EventTypeTaskCancelled
		event.Level = EventLevelWarning
		event.Message = fmt.Sprintf("task %s cancelled: %s", link, reason)
	default:
		event.Type = EventTypeTaskFailed
		event.Level = EventLevelError
		event.Message = fmt.Sprintf("task %s failed: %s", link, reason)
	}
	return ep.Publish(event)
}

// PublishSubTaskCompleted publishes the aggregate outcome of a fan-out.
func (ep *EventPublisher) PublishSubTaskCompleted(link, parentLink string, finished, failed int) error {
	level := EventLevelInfo
	if failed > 0 {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:     EventTypeSubTaskCompleted,
		Source:   "engine",
		TaskLink: parentLink,
		Level:    level,
		Message:  fmt.Sprintf("sub-task %s completed: %d finished, %d failed", link, finished, failed),
		Data: map[string]interface{}{
			"subtask_link": link,
			"finished":     finished,
			"failed":       failed,
		},
	})
}

// PublishAddressAllocated publishes an address claim.
func (ep *EventPublisher) PublishAddressAllocated(subnetRangeLink, address, resourceLink string) error {
	return ep.Publish(Event{
		Type:         EventTypeAddressAllocated,
		Source:       "ipam",
		ResourceLink: resourceLink,
		Message:      fmt.Sprintf("address %s allocated to %s", address, resourceLink),
		Data: map[string]interface{}{
			"subnet_range_link": subnetRangeLink,
			"address":           address,
		},
	})
}

// PublishAddressReleased publishes an address release.
func (ep *EventPublisher) PublishAddressReleased(ipAddressLink, resourceLink string) error {
	return ep.Publish(Event{
		Type:         EventTypeAddressReleased,
		Source:       "ipam",
		ResourceLink: resourceLink,
		Message:      fmt.Sprintf("address %s released", ipAddressLink),
		Data: map[string]interface{}{
			"ip_address_link": ipAddressLink,
		},
	})
}

// PublishAddressesReclaimed publishes a reclaim sweep result.
func (ep *EventPublisher) PublishAddressesReclaimed(count int) error {
	return ep.Publish(Event{
		Type:    EventTypeAddressReclaimed,
		Source:  "ipam",
		Message: fmt.Sprintf("%d released addresses returned to the pool", count),
		Data: map[string]interface{}{
			"count": count,
		},
	})
}

// PublishPolicyViolation publishes a rejected admission.
func (ep *EventPublisher) PublishPolicyViolation(resourceLink, policyName, reason string) error {
	return ep.Publish(Event{
		Type:         EventTypePolicyViolation,
		Source:       "policy",
		ResourceLink: resourceLink,
		Level:        EventLevelWarning,
		Message:      reason,
		Data: map[string]interface{}{
			"policy": policyName,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents batches buffered events and delivers a batch when it is
// full or when the flush interval elapses.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	interval := ep.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				ep.flushBatch(batch)
				batch = batch[:0]
			}

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					ep.flushBatch(batch)
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent calls every matching subscriber in order.
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

// Shutdown drains buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.enabled() {
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

// FilterByLevel allows events of minLevel or higher.
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

// FilterByType allows events of the given types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByTaskLink allows events about one task.
func FilterByTaskLink(link string) EventFilter {
	return func(event Event) bool {
		return event.TaskLink == link
	}
}
