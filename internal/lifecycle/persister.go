// Package lifecycle owns every mutation of the activity summary row. The
// Persister is the only writer of an activity's end time, which makes it the
// idempotency boundary of the whole correlation core.
package lifecycle

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/Yolt-group/site-management-sub001/internal/domain"
	"github.com/Yolt-group/site-management-sub001/internal/events"
)

// ActivityStore is the summary-row persistence the Persister drives.
type ActivityStore interface {
	CreateActivity(ctx context.Context, a domain.Activity) (bool, error)
	GetActivity(ctx context.Context, activityID uuid.UUID) (*domain.Activity, error)
	CloseActivity(ctx context.Context, activityID uuid.UUID, end time.Time) (bool, error)
	NarrowUserSites(ctx context.Context, activityID uuid.UUID, siteIDs []uuid.UUID) error
}

// Option configures optional behaviour for the Persister.
type Option func(*Persister)

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) Option {
	return func(p *Persister) {
		p.logger = logger
	}
}

// Persister applies the per-terminal-event rules that close an activity
// exactly once, safe against replay and duplicate delivery.
type Persister struct {
	store  ActivityStore
	logger *log.Logger
}

// NewPersister constructs a Persister.
func NewPersister(store ActivityStore, opts ...Option) *Persister {
	p := &Persister{
		store:  store,
		logger: log.New(log.Writer(), "[lifecycle] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PersistNewActivity creates the summary row for a start event. Duplicate
// start deliveries are absorbed; a duplicate carrying a different target set
// is logged as an anomaly and never re-scopes the activity.
func (p *Persister) PersistNewActivity(ctx context.Context, evt events.ActivityEvent) error {
	activity, err := domain.FromStartEvent(evt)
	if err != nil {
		return fmt.Errorf("start event %s: %w", evt.EventID, err)
	}

	created, err := p.store.CreateActivity(ctx, activity)
	if err != nil {
		return err
	}
	if created {
		return nil
	}

	existing, err := p.store.GetActivity(ctx, evt.ActivityID)
	if err != nil {
		return err
	}
	if existing != nil && !domain.SameSiteSet(existing.UserSiteIDs, activity.UserSiteIDs) {
		p.logger.Printf("anomaly: duplicate start for activity %s carries different target sites (kept original scope)", evt.ActivityID)
	}
	return nil
}

// CloseOnHardFailure closes the activity immediately when one user-site is
// disconnected. A disconnected site can never produce an ingestion or
// aggregation event later, so waiting for the rest would hang the activity
// forever. Any other connection status is a no-op.
func (p *Persister) CloseOnHardFailure(ctx context.Context, evt events.ActivityEvent) error {
	refreshed, ok := events.AsRefreshed(evt.Payload)
	if !ok || refreshed.ConnectionStatus != events.StatusDisconnected {
		return nil
	}

	closed, err := p.store.CloseActivity(ctx, evt.ActivityID, evt.EventTime.Truncate(domain.EndTimePrecision))
	if err != nil {
		return err
	}
	if closed {
		p.logger.Printf("activity %s closed: user-site %s disconnected", evt.ActivityID, refreshed.UserSiteID)
	}
	return nil
}

// CloseOnSuccess finalizes the activity for a terminal milestone. Accepted
// payloads are AggregationFinished and TransactionsEnrichmentFinished only.
// A replay against an already-closed activity never moves the end time; at
// most the user-site snapshot is still narrowed to the refined set the
// milestone carries.
func (p *Persister) CloseOnSuccess(ctx context.Context, evt events.ActivityEvent) error {
	var refined []uuid.UUID
	switch {
	case isAggregationFinished(evt.Payload):
		agg, _ := events.AsAggregationFinished(evt.Payload)
		refined = agg.ConnectedUserSiteIDs
	case isEnrichmentFinished(evt.Payload):
		enr, _ := events.AsEnrichmentFinished(evt.Payload)
		refined = enr.UserSiteIDs
	default:
		return fmt.Errorf("%w: %s", domain.ErrInvalidTerminalEvent, evt.Payload.Type())
	}

	activity, err := p.store.GetActivity(ctx, evt.ActivityID)
	if err != nil {
		return err
	}
	if activity == nil {
		return fmt.Errorf("%w: %s", domain.ErrActivityNotFound, evt.ActivityID)
	}

	narrowed, changed := domain.NarrowUserSites(activity.UserSiteIDs, refined)

	if !activity.Running() {
		// Duplicate or late milestone. End time stays put; only a refined
		// site snapshot is still applied.
		if changed {
			return p.store.NarrowUserSites(ctx, evt.ActivityID, narrowed)
		}
		p.logger.Printf("activity %s already closed, ignoring replayed %s", evt.ActivityID, evt.Payload.Type())
		return nil
	}

	if _, err := p.store.CloseActivity(ctx, evt.ActivityID, evt.EventTime.Truncate(domain.EndTimePrecision)); err != nil {
		return err
	}
	if changed {
		return p.store.NarrowUserSites(ctx, evt.ActivityID, narrowed)
	}
	return nil
}

// ForceClose ends a stuck activity at the given instant. It is the entry
// point the staleness sweeper uses and follows the hard-failure rules: an
// already-closed activity is untouched.
func (p *Persister) ForceClose(ctx context.Context, activityID uuid.UUID, at time.Time) (bool, error) {
	return p.store.CloseActivity(ctx, activityID, at.Truncate(domain.EndTimePrecision))
}

func isAggregationFinished(p events.Payload) bool {
	_, ok := events.AsAggregationFinished(p)
	return ok
}

func isEnrichmentFinished(p events.Payload) bool {
	_, ok := events.AsEnrichmentFinished(p)
	return ok
}
