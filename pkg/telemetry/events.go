package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/runway/pkg/engine"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles a published event.
type EventSubscriber func(ctx context.Context, event *engine.Event) error

// EventFilter determines if an event should be processed.
type EventFilter func(event *engine.Event) bool

// EventPublisher fans run events out to subscribers. Subscribers see events
// in publish order and one at a time, in the order they subscribed.
type EventPublisher struct {
	config      EventsConfig
	logger      zerolog.Logger
	buffer      chan queuedEvent
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	closed      bool
	cancel      context.CancelFunc
}

var _ engine.EventPublisher = (*EventPublisher)(nil)

type subscriberEntry struct {
	name       string
	subscriber EventSubscriber
	filter     EventFilter
}

type queuedEvent struct {
	ctx   context.Context
	event *engine.Event
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig, logger zerolog.Logger) *EventPublisher {
	ep := &EventPublisher{
		config: cfg,
		logger: logger.With().Str("component", "events").Logger(),
	}
	if !cfg.Enabled || !cfg.EnableAsync {
		return ep
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep.buffer = make(chan queuedEvent, cfg.BufferSize)
	ep.cancel = cancel

	ep.wg.Add(1)
	go ep.processEvents(ctx)

	return ep
}

// Publish implements engine.EventPublisher. In synchronous mode subscriber
// errors are joined and returned; in async mode they are logged.
func (ep *EventPublisher) Publish(ctx context.Context, event *engine.Event) error {
	if !ep.config.Enabled || event == nil {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = event.Type.Severity()
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()

	if ep.closed {
		return fmt.Errorf("event publisher stopped")
	}
	for _, filter := range ep.filters {
		if !filter(event) {
			return nil
		}
	}

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- queuedEvent{ctx: context.WithoutCancel(ctx), event: event}:
			return nil
		default:
			return fmt.Errorf("event buffer full, event %s dropped", event.Type)
		}
	}

	return ep.deliverEvent(ctx, event)
}

// Subscribe adds a named subscriber. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(name string, subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		name:       name,
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

// processEvents drains the buffer in async mode.
func (ep *EventPublisher) processEvents(ctx context.Context) {
	defer ep.wg.Done()

	for {
		select {
		case q := <-ep.buffer:
			ep.deliverLogged(q)
		case <-ctx.Done():
			for {
				select {
				case q := <-ep.buffer:
					ep.deliverLogged(q)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliverLogged(q queuedEvent) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if err := ep.deliverEvent(q.ctx, q.event); err != nil {
		ep.logger.Warn().Err(err).
			Str("event_type", string(q.event.Type)).
			Str("run_id", q.event.RunID).
			Msg("Event subscriber failed")
	}
}

// deliverEvent delivers an event to every matching subscriber. Callers hold ep.mu.
func (ep *EventPublisher) deliverEvent(ctx context.Context, event *engine.Event) error {
	var errs []error
	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		if err := entry.subscriber(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("subscriber %s: %w", entry.name, err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown stops accepting events and waits until buffered events are delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil
	}
	ep.closed = true
	ep.mu.Unlock()

	if ep.cancel == nil {
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

	return func(event *engine.Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...engine.EventType) EventFilter {
	typeSet := make(map[engine.EventType]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event *engine.Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event *engine.Event) bool {
		return event.RunID == runID
	}
}

// FilterByNodeID creates a filter that only allows events for a specific node.
func FilterByNodeID(nodeID string) EventFilter {
	return func(event *engine.Event) bool {
		return event.NodeID == nodeID
	}
}
