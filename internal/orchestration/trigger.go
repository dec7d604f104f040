// Package orchestration reacts to a completed refresh phase: it persists the
// aggregation milestone, fans out the one-time side effects, and decides
// whether the activity is finished now or must wait for enrichment.
package orchestration

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/Yolt-group/site-management-sub001/internal/clients"
	"github.com/Yolt-group/site-management-sub001/internal/domain"
	"github.com/Yolt-group/site-management-sub001/internal/events"
	"github.com/Yolt-group/site-management-sub001/internal/observability"
	"github.com/Yolt-group/site-management-sub001/internal/outbox"
)

// MilestoneLog appends milestone events together with their staged outbound
// records.
type MilestoneLog interface {
	AppendEventWithOutbox(ctx context.Context, evt events.ActivityEvent, records []outbox.Record) error
}

// SiteConnector marks user-sites connected in the user-site aggregate.
type SiteConnector interface {
	MarkConnected(ctx context.Context, userID uuid.UUID, siteIDs []uuid.UUID) error
}

// FeatureSource resolves the owning client's enrichment features.
type FeatureSource interface {
	FeaturesForUser(ctx context.Context, userID uuid.UUID) (clients.Features, error)
}

// SuccessCloser finalizes an activity for a terminal milestone.
type SuccessCloser interface {
	CloseOnSuccess(ctx context.Context, evt events.ActivityEvent) error
}

// PipelineKicker starts the downstream transactions pipeline.
type PipelineKicker interface {
	Start(ctx context.Context, userID, activityID uuid.UUID) error
	StartWithoutRefreshPeriod(ctx context.Context, userID, activityID uuid.UUID) error
}

// Option configures optional behaviour for the Trigger.
type Option func(*Trigger)

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) Option {
	return func(t *Trigger) {
		t.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Trigger) {
		t.now = now
	}
}

// Trigger implements the aggregation step of the activity lifecycle.
type Trigger struct {
	milestones MilestoneLog
	sites      SiteConnector
	features   FeatureSource
	closer     SuccessCloser
	pipeline   PipelineKicker
	logger     *log.Logger
	now        func() time.Time
}

// NewTrigger constructs a Trigger.
func NewTrigger(milestones MilestoneLog, sites SiteConnector, features FeatureSource, closer SuccessCloser, pipeline PipelineKicker, opts ...Option) *Trigger {
	t := &Trigger{
		milestones: milestones,
		sites:      sites,
		features:   features,
		closer:     closer,
		pipeline:   pipeline,
		logger:     log.New(log.Writer(), "[aggregation] ", log.LstdFlags|log.Lshortfile),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RefreshPhaseComplete runs the one-time aggregation side effects for an
// activity whose refresh phase just finished. The whole method is safe to
// re-run: the milestone append and the outbound records dedupe on content,
// and mark-connected is idempotent on the collaborator side.
func (t *Trigger) RefreshPhaseComplete(ctx context.Context, userID, activityID uuid.UUID, history []events.ActivityEvent) error {
	startEvt, start, ok := domain.StartOf(history)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrMissingStartEvent, activityID)
	}

	connected := domain.ConnectedUserSites(history)
	now := t.now()

	// Replays reuse the already-persisted milestone so the log keeps a
	// single authoritative aggregation event per trigger path.
	milestone, replay := domain.AggregationEvent(history)
	if !replay {
		milestone = events.New(activityID, userID, now, events.AggregationFinished{
			StartKind:            start.StartKind(),
			ConnectedUserSiteIDs: connected,
		})
	}

	features, err := t.features.FeaturesForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolve features for user %s: %w", userID, err)
	}

	records, err := t.outboundRecords(milestone, history, features)
	if err != nil {
		return err
	}

	if err := t.milestones.AppendEventWithOutbox(ctx, milestone, records); err != nil {
		return fmt.Errorf("persist aggregation milestone for activity %s: %w", activityID, err)
	}

	if err := t.sites.MarkConnected(ctx, userID, connected); err != nil {
		return fmt.Errorf("mark user-sites connected for activity %s: %w", activityID, err)
	}

	if !replay {
		observability.RecordActivityCompleted(start.StartKind(), now.Sub(startEvt.EventTime), now)
	}

	if err := t.startPipeline(ctx, userID, activityID, start.StartKind()); err != nil {
		return err
	}

	if features.EnrichmentEnabled() {
		// The activity stays open; a later TransactionsEnrichmentFinished
		// event arriving through the ingress will finalize it.
		t.logger.Printf("activity %s aggregated, awaiting enrichment (connected=%d/%d)", activityID, len(connected), len(start.TargetUserSiteIDs()))
		return nil
	}

	return t.closer.CloseOnSuccess(ctx, milestone)
}

func (t *Trigger) outboundRecords(milestone events.ActivityEvent, history []events.ActivityEvent, features clients.Features) ([]outbox.Record, error) {
	agg, _ := events.AsAggregationFinished(milestone.Payload)
	activityID := milestone.ActivityID

	streamRecord, err := outbox.NewRecord(
		outbox.EventTypeAggregationFinished,
		activityID.String(),
		activityID.String(),
		fmt.Sprintf("%s:%s", activityID, outbox.EventTypeAggregationFinished),
		milestone,
	)
	if err != nil {
		return nil, err
	}

	orchestrationRecord, err := outbox.NewRecord(
		outbox.EventTypeRefreshFinished,
		activityID.String(),
		milestone.UserID.String(),
		fmt.Sprintf("%s:%s", activityID, outbox.EventTypeRefreshFinished),
		events.RefreshFinished{
			Origin:               agg.StartKind,
			ActivityID:           activityID,
			ConnectedUserSiteIDs: agg.ConnectedUserSiteIDs,
			FinishedAt:           milestone.EventTime,
		},
	)
	if err != nil {
		return nil, err
	}

	records := []outbox.Record{streamRecord, orchestrationRecord}

	if !features.EnrichmentEnabled() {
		webhookRecord, err := outbox.NewRecord(
			outbox.EventTypeActivityWebhook,
			activityID.String(),
			milestone.UserID.String(),
			fmt.Sprintf("%s:%s", activityID, outbox.EventTypeActivityWebhook),
			events.ActivityFinishedWebhook{
				ActivityID: activityID,
				UserID:     milestone.UserID,
				Outcomes:   domain.SiteOutcomes(history),
				FinishedAt: milestone.EventTime,
			},
		)
		if err != nil {
			return nil, err
		}
		records = append(records, webhookRecord)
	}

	return records, nil
}

func (t *Trigger) startPipeline(ctx context.Context, userID, activityID uuid.UUID, kind events.StartKind) error {
	// Deletions carry no meaningful fetch window; everything else forwards
	// the merged refresh period.
	if kind == events.StartKindDeleteUserSite {
		return t.pipeline.StartWithoutRefreshPeriod(ctx, userID, activityID)
	}
	return t.pipeline.Start(ctx, userID, activityID)
}
