package ingress

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/Yolt-group/site-management-sub001/internal/domain"
	"github.com/Yolt-group/site-management-sub001/internal/events"
)

// EventLog is the append-only log the handler records every event into.
type EventLog interface {
	AppendEvent(ctx context.Context, evt events.ActivityEvent) (bool, error)
	EventsForActivity(ctx context.Context, activityID uuid.UUID) ([]events.ActivityEvent, error)
}

// LifecyclePersister is the subset of lifecycle operations the handler
// drives directly.
type LifecyclePersister interface {
	PersistNewActivity(ctx context.Context, evt events.ActivityEvent) error
	CloseOnHardFailure(ctx context.Context, evt events.ActivityEvent) error
	CloseOnSuccess(ctx context.Context, evt events.ActivityEvent) error
}

// RefreshCompleter handles a refresh phase that just completed.
type RefreshCompleter interface {
	RefreshPhaseComplete(ctx context.Context, userID, activityID uuid.UUID, history []events.ActivityEvent) error
}

// EventHandler routes each incoming activity event through the append,
// completion-detection and lifecycle steps in order. Handling for one
// activity id is serialized in-process; distinct activities proceed
// concurrently.
type EventHandler struct {
	eventLog  EventLog
	persister LifecyclePersister
	trigger   RefreshCompleter
	locks     keyedMutex
	logger    *log.Logger
}

// HandlerOption configures optional behaviour for the EventHandler.
type HandlerOption func(*EventHandler)

// WithHandlerLogger overrides the logger.
func WithHandlerLogger(logger *log.Logger) HandlerOption {
	return func(h *EventHandler) {
		h.logger = logger
	}
}

// NewEventHandler constructs an EventHandler.
func NewEventHandler(eventLog EventLog, persister LifecyclePersister, trigger RefreshCompleter, opts ...HandlerOption) *EventHandler {
	h := &EventHandler{
		eventLog:  eventLog,
		persister: persister,
		trigger:   trigger,
		logger:    log.New(log.Writer(), "[ingress] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle decodes and processes one message. Errors propagate to the
// processor so the bus redelivers; every step tolerates being re-run.
func (h *EventHandler) Handle(ctx context.Context, msg Message) error {
	evt, err := events.Decode(msg.Payload)
	if err != nil {
		return fmt.Errorf("decode %s event: %w", msg.EventType, err)
	}
	if evt.Payload == nil {
		return fmt.Errorf("event %s has no payload", evt.EventID)
	}

	unlock := h.locks.Lock(evt.ActivityID)
	defer unlock()

	switch evt.Payload.(type) {
	case *events.RefreshUserSites, *events.RefreshUserSitesFlywheel, *events.CreateUserSite, *events.UpdateUserSite, *events.DeleteUserSite:
		return h.handleStart(ctx, evt)
	case *events.RefreshedUserSite:
		return h.handleRefreshed(ctx, evt)
	case *events.IngestionFinished:
		return h.handleIngestionFinished(ctx, evt)
	case *events.TransactionsEnrichmentFinished:
		return h.handleEnrichmentFinished(ctx, evt)
	case *events.AggregationFinished, *events.CounterpartiesFeedback, *events.CategorizationFeedback, *events.TransactionCyclesFeedback:
		// Milestone replays from the bus and analytics feedback are stored
		// for audit only; they never drive the lifecycle from here.
		_, err := h.eventLog.AppendEvent(ctx, evt)
		return err
	default:
		return fmt.Errorf("unhandled event type %s", evt.Payload.Type())
	}
}

func (h *EventHandler) handleStart(ctx context.Context, evt events.ActivityEvent) error {
	if err := h.persister.PersistNewActivity(ctx, evt); err != nil {
		return err
	}
	_, err := h.eventLog.AppendEvent(ctx, evt)
	return err
}

func (h *EventHandler) handleRefreshed(ctx context.Context, evt events.ActivityEvent) error {
	if _, err := h.eventLog.AppendEvent(ctx, evt); err != nil {
		return err
	}
	if err := h.persister.CloseOnHardFailure(ctx, evt); err != nil {
		return err
	}
	return h.checkCompletion(ctx, evt)
}

func (h *EventHandler) handleIngestionFinished(ctx context.Context, evt events.ActivityEvent) error {
	if _, err := h.eventLog.AppendEvent(ctx, evt); err != nil {
		return err
	}
	return h.checkCompletion(ctx, evt)
}

func (h *EventHandler) handleEnrichmentFinished(ctx context.Context, evt events.ActivityEvent) error {
	if _, err := h.eventLog.AppendEvent(ctx, evt); err != nil {
		return err
	}
	return h.persister.CloseOnSuccess(ctx, evt)
}

func (h *EventHandler) checkCompletion(ctx context.Context, evt events.ActivityEvent) error {
	history, err := h.eventLog.EventsForActivity(ctx, evt.ActivityID)
	if err != nil {
		return err
	}

	done, err := domain.RefreshPhaseComplete(history, evt)
	if err != nil {
		// MissingStartEvent surfaces here: an event referenced an activity
		// nobody started. Propagate for dead-lettering.
		return err
	}
	if !done {
		return nil
	}

	return h.trigger.RefreshPhaseComplete(ctx, evt.UserID, evt.ActivityID, history)
}
