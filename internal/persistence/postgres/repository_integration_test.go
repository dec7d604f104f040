//go:build integration

package postgres

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/Yolt-group/site-management-sub001/internal/domain"
	"github.com/Yolt-group/site-management-sub001/internal/events"
	"github.com/Yolt-group/site-management-sub001/internal/outbox"
)

func startPostgres(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("sitemgmt"),
		postgrescontainer.WithUsername("sitemgmt"),
		postgrescontainer.WithPassword("sitemgmt"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, waitForDatabase(ctx, connStr))
	runMigrations(t, ctx, connStr)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestRepositoryActivityLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(startPostgres(t, ctx))

	activityID := uuid.New()
	userID := uuid.New()
	siteA := uuid.New()
	siteB := uuid.New()
	start := time.Now().UTC().Truncate(time.Millisecond)

	activity := domain.Activity{
		ID:          activityID,
		UserID:      userID,
		StartTime:   start,
		StartKind:   events.StartKindRefreshUserSites,
		UserSiteIDs: []uuid.UUID{siteA, siteB},
	}

	created, err := repo.CreateActivity(ctx, activity)
	require.NoError(t, err)
	require.True(t, created)

	// Duplicate start delivery is absorbed.
	created, err = repo.CreateActivity(ctx, activity)
	require.NoError(t, err)
	require.False(t, created)

	stored, err := repo.GetActivity(ctx, activityID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.True(t, stored.Running())
	require.Equal(t, events.StartKindRefreshUserSites, stored.StartKind)
	require.Equal(t, []uuid.UUID{siteA, siteB}, stored.UserSiteIDs)

	end := start.Add(30 * time.Second)
	closed, err := repo.CloseActivity(ctx, activityID, end)
	require.NoError(t, err)
	require.True(t, closed)

	// Second close loses the optimistic check.
	closed, err = repo.CloseActivity(ctx, activityID, end.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, closed)

	require.NoError(t, repo.NarrowUserSites(ctx, activityID, []uuid.UUID{siteA}))

	stored, err = repo.GetActivity(ctx, activityID)
	require.NoError(t, err)
	require.False(t, stored.Running())
	require.True(t, end.Equal(*stored.EndTime))
	require.Equal(t, []uuid.UUID{siteA}, stored.UserSiteIDs)
}

func TestRepositoryGetActivityAbsent(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(startPostgres(t, ctx))

	stored, err := repo.GetActivity(ctx, uuid.New())
	require.NoError(t, err)
	require.Nil(t, stored)
}

func TestRepositoryEventLogDedupesAndOrders(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(startPostgres(t, ctx))

	activityID := uuid.New()
	userID := uuid.New()
	site := uuid.New()

	first := events.New(activityID, userID, time.Now().UTC(), events.CreateUserSite{UserSiteID: site})
	second := events.New(activityID, userID, time.Now().UTC(), events.IngestionFinished{UserSiteID: site})

	appended, err := repo.AppendEvent(ctx, first)
	require.NoError(t, err)
	require.True(t, appended)

	appended, err = repo.AppendEvent(ctx, second)
	require.NoError(t, err)
	require.True(t, appended)

	// Redelivery of the same event id is a no-op.
	appended, err = repo.AppendEvent(ctx, first)
	require.NoError(t, err)
	require.False(t, appended)

	history, err := repo.EventsForActivity(ctx, activityID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, first.EventID, history[0].EventID)
	require.Equal(t, second.EventID, history[1].EventID)

	_, ok := events.AsStart(history[0].Payload)
	require.True(t, ok)
	fin, ok := events.AsIngestionFinished(history[1].Payload)
	require.True(t, ok)
	require.Equal(t, site, fin.UserSiteID)
}

func TestRepositoryAppendEventWithOutbox(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t, ctx)
	repo := NewRepository(pool)

	activityID := uuid.New()
	userID := uuid.New()
	site := uuid.New()

	milestone := events.New(activityID, userID, time.Now().UTC(), events.AggregationFinished{
		StartKind:            events.StartKindCreateUserSite,
		ConnectedUserSiteIDs: []uuid.UUID{site},
	})

	record, err := outbox.NewRecord(
		outbox.EventTypeAggregationFinished,
		activityID.String(),
		activityID.String(),
		activityID.String()+":"+outbox.EventTypeAggregationFinished,
		milestone,
	)
	require.NoError(t, err)

	require.NoError(t, repo.AppendEventWithOutbox(ctx, milestone, []outbox.Record{record}))
	// Replay converges: same event id, same dedupe key.
	require.NoError(t, repo.AppendEventWithOutbox(ctx, milestone, []outbox.Record{record}))

	var eventCount, outboxCount int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM activity_events WHERE activity_id = $1`, activityID).Scan(&eventCount))
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE aggregate_id = $1`, activityID.String()).Scan(&outboxCount))
	require.Equal(t, 1, eventCount)
	require.Equal(t, 1, outboxCount)
}

func TestRepositoryListRunningBefore(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(startPostgres(t, ctx))

	now := time.Now().UTC()

	oldID := uuid.New()
	_, err := repo.CreateActivity(ctx, domain.Activity{
		ID:          oldID,
		UserID:      uuid.New(),
		StartTime:   now.Add(-2 * time.Hour),
		StartKind:   events.StartKindUpdateUserSite,
		UserSiteIDs: []uuid.UUID{uuid.New()},
	})
	require.NoError(t, err)

	freshID := uuid.New()
	_, err = repo.CreateActivity(ctx, domain.Activity{
		ID:          freshID,
		UserID:      uuid.New(),
		StartTime:   now.Add(-time.Minute),
		StartKind:   events.StartKindCreateUserSite,
		UserSiteIDs: []uuid.UUID{uuid.New()},
	})
	require.NoError(t, err)

	stale, err := repo.ListRunningBefore(ctx, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, oldID, stale[0].ID)

	// Closed activities drop out of the stale listing.
	_, err = repo.CloseActivity(ctx, oldID, now)
	require.NoError(t, err)

	stale, err = repo.ListRunningBefore(ctx, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, stale)
}

func runMigrations(t *testing.T, ctx context.Context, connStr string) {
	files := []string{
		"../../../db/postgres/migrations/0001_init.up.sql",
	}

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	defer pool.Close()

	for _, rel := range files {
		path := resolvePath(t, rel)
		contents, readErr := os.ReadFile(path)
		require.NoError(t, readErr)

		_, execErr := pool.Exec(ctx, string(contents))
		require.NoError(t, execErr)
	}
}

func resolvePath(t *testing.T, rel string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), rel)
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}
