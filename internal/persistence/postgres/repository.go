// Package postgres provides the durable event log and activity summary store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Yolt-group/site-management-sub001/internal/domain"
	"github.com/Yolt-group/site-management-sub001/internal/events"
	"github.com/Yolt-group/site-management-sub001/internal/outbox"
)

// Repository persists the append-only activity event log, the mutable
// activity summary rows, and staged outbox records.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateActivity inserts the summary row for a freshly started activity. The
// insert is idempotent: a duplicate start delivery neither creates a second
// row nor resets the original timers. Returns false when the row existed.
func (r *Repository) CreateActivity(ctx context.Context, a domain.Activity) (bool, error) {
	sites, err := json.Marshal(a.UserSiteIDs)
	if err != nil {
		return false, err
	}

	const stmt = `INSERT INTO activities (activity_id, user_id, start_time, end_time, start_kind, user_site_ids)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (activity_id) DO NOTHING`

	tag, err := r.pool.Exec(ctx, stmt, a.ID, a.UserID, a.StartTime, a.EndTime, string(a.StartKind), sites)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// GetActivity loads one activity summary row; nil when absent.
func (r *Repository) GetActivity(ctx context.Context, activityID uuid.UUID) (*domain.Activity, error) {
	const query = `SELECT activity_id, user_id, start_time, end_time, start_kind, user_site_ids
        FROM activities WHERE activity_id = $1`

	activity, err := scanActivity(r.pool.QueryRow(ctx, query, activityID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return activity, nil
}

// CloseActivity sets the end time under an optimistic "still running" check.
// Returns false when the activity was already closed, which callers treat as
// a replay.
func (r *Repository) CloseActivity(ctx context.Context, activityID uuid.UUID, end time.Time) (bool, error) {
	const stmt = `UPDATE activities SET end_time = $2, updated_at = NOW()
        WHERE activity_id = $1 AND end_time IS NULL`

	tag, err := r.pool.Exec(ctx, stmt, activityID, end)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// NarrowUserSites replaces the user-site snapshot, guarded so concurrent
// duplicate deliveries of the same refinement are no-ops.
func (r *Repository) NarrowUserSites(ctx context.Context, activityID uuid.UUID, siteIDs []uuid.UUID) error {
	sites, err := json.Marshal(siteIDs)
	if err != nil {
		return err
	}

	const stmt = `UPDATE activities SET user_site_ids = $2, updated_at = NOW()
        WHERE activity_id = $1 AND user_site_ids::text IS DISTINCT FROM $2::text`

	_, err = r.pool.Exec(ctx, stmt, activityID, sites)
	return err
}

// AppendEvent appends one event to the activity's log. Redelivery of the same
// event id is absorbed. Returns false when the event was already present.
func (r *Repository) AppendEvent(ctx context.Context, evt events.ActivityEvent) (bool, error) {
	tag, err := appendEvent(ctx, r.pool, evt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// AppendEventWithOutbox appends a milestone event and stages its outbound
// records in a single transaction. Both sides are idempotent: the event
// dedupes on event id, the records on their dedupe keys, so re-running a
// handler after a partial failure converges instead of duplicating.
func (r *Repository) AppendEventWithOutbox(ctx context.Context, evt events.ActivityEvent, records []outbox.Record) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := appendEvent(ctx, tx, evt); err != nil {
		return err
	}

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (dedupe_key) DO NOTHING`

	for _, rec := range records {
		if _, err := tx.Exec(ctx, stmt,
			rec.AggregateType,
			rec.AggregateID,
			rec.EventType,
			rec.Topic,
			rec.SchemaSubject,
			rec.PartitionKey,
			rec.Payload,
			rec.DedupeKey,
		); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// EventsForActivity returns the full log for one activity in arrival order.
func (r *Repository) EventsForActivity(ctx context.Context, activityID uuid.UUID) ([]events.ActivityEvent, error) {
	const query = `SELECT payload FROM activity_events WHERE activity_id = $1 ORDER BY seq`

	rows, err := r.pool.Query(ctx, query, activityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := make([]events.ActivityEvent, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		evt, err := events.Decode(payload)
		if err != nil {
			return nil, err
		}
		history = append(history, evt)
	}
	return history, rows.Err()
}

// ListRunningBefore returns activities still open whose start time predates
// the cutoff, oldest first. Used by the staleness sweeper.
func (r *Repository) ListRunningBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Activity, error) {
	const query = `SELECT activity_id, user_id, start_time, end_time, start_kind, user_site_ids
        FROM activities
        WHERE end_time IS NULL AND start_time < $1
        ORDER BY start_time
        LIMIT $2`

	rows, err := r.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stale := make([]domain.Activity, 0, limit)
	for rows.Next() {
		activity, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		stale = append(stale, *activity)
	}
	return stale, rows.Err()
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func appendEvent(ctx context.Context, db execer, evt events.ActivityEvent) (pgconn.CommandTag, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return pgconn.CommandTag{}, err
	}

	const stmt = `INSERT INTO activity_events (event_id, activity_id, user_id, event_type, event_time, payload)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (event_id) DO NOTHING`

	return db.Exec(ctx, stmt, evt.EventID, evt.ActivityID, evt.UserID, string(evt.Payload.Type()), evt.EventTime, payload)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActivity(row rowScanner) (*domain.Activity, error) {
	var (
		a     domain.Activity
		kind  string
		sites []byte
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.StartTime, &a.EndTime, &kind, &sites); err != nil {
		return nil, err
	}
	a.StartKind = events.StartKind(kind)
	if err := json.Unmarshal(sites, &a.UserSiteIDs); err != nil {
		return nil, err
	}
	return &a, nil
}
