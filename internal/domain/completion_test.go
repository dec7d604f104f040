package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Yolt-group/site-management-sub001/internal/events"
)

func newEvent(activityID, userID uuid.UUID, payload events.Payload) events.ActivityEvent {
	return events.New(activityID, userID, time.Now(), payload)
}

func ym(t *testing.T, s string) *events.YearMonth {
	t.Helper()
	parsed, err := events.ParseYearMonth(s)
	require.NoError(t, err)
	return &parsed
}

func TestRefreshPhaseCompleteSingleSite(t *testing.T) {
	activityID := uuid.New()
	userID := uuid.New()
	site := uuid.New()

	history := []events.ActivityEvent{
		newEvent(activityID, userID, events.CreateUserSite{UserSiteID: site}),
	}

	terminal := newEvent(activityID, userID, events.IngestionFinished{UserSiteID: site})
	history = append(history, terminal)

	complete, err := RefreshPhaseComplete(history, terminal)
	require.NoError(t, err)
	require.True(t, complete)
}

func TestRefreshPhaseIncompleteWhileSitesOutstanding(t *testing.T) {
	activityID := uuid.New()
	userID := uuid.New()
	siteA := uuid.New()
	siteB := uuid.New()

	history := []events.ActivityEvent{
		newEvent(activityID, userID, events.RefreshUserSites{UserSiteIDs: []uuid.UUID{siteA, siteB}}),
	}

	terminal := newEvent(activityID, userID, events.IngestionFinished{UserSiteID: siteA})
	history = append(history, terminal)

	complete, err := RefreshPhaseComplete(history, terminal)
	require.NoError(t, err)
	require.False(t, complete)
}

func TestRefreshPhasePartialSuccessCompletes(t *testing.T) {
	activityID := uuid.New()
	userID := uuid.New()
	siteA := uuid.New()
	siteB := uuid.New()

	history := []events.ActivityEvent{
		newEvent(activityID, userID, events.RefreshUserSites{UserSiteIDs: []uuid.UUID{siteA, siteB}}),
		newEvent(activityID, userID, events.IngestionFinished{UserSiteID: siteA}),
	}

	// siteB never ingests; its Refreshed terminal still completes the phase.
	terminal := newEvent(activityID, userID, events.RefreshedUserSite{
		UserSiteID:       siteB,
		ConnectionStatus: events.StatusDisconnected,
	})
	history = append(history, terminal)

	complete, err := RefreshPhaseComplete(history, terminal)
	require.NoError(t, err)
	require.True(t, complete)

	require.Equal(t, []uuid.UUID{siteA}, ConnectedUserSites(history))

	outcomes := SiteOutcomes(history)
	require.Len(t, outcomes, 2)
	require.Equal(t, events.UserSiteOutcome{UserSiteID: siteA, Status: events.StatusConnected}, outcomes[0])
	require.Equal(t, events.UserSiteOutcome{UserSiteID: siteB, Status: events.StatusDisconnected}, outcomes[1])
}

func TestRefreshPhaseIgnoresOutOfScopeTerminal(t *testing.T) {
	activityID := uuid.New()
	userID := uuid.New()
	site := uuid.New()
	stranger := uuid.New()

	history := []events.ActivityEvent{
		newEvent(activityID, userID, events.UpdateUserSite{UserSiteID: site}),
	}

	terminal := newEvent(activityID, userID, events.IngestionFinished{UserSiteID: stranger})
	history = append(history, terminal)

	complete, err := RefreshPhaseComplete(history, terminal)
	require.NoError(t, err)
	require.False(t, complete)
}

func TestRefreshPhaseNonTerminalNeverCompletes(t *testing.T) {
	activityID := uuid.New()
	userID := uuid.New()
	site := uuid.New()

	history := []events.ActivityEvent{
		newEvent(activityID, userID, events.CreateUserSite{UserSiteID: site}),
		newEvent(activityID, userID, events.IngestionFinished{UserSiteID: site}),
	}

	// A feedback event arriving after all terminals must not re-trigger.
	feedback := newEvent(activityID, userID, events.CategorizationFeedback{TransactionCount: 3})
	history = append(history, feedback)

	complete, err := RefreshPhaseComplete(history, feedback)
	require.NoError(t, err)
	require.False(t, complete)
}

func TestRefreshPhaseDuplicateTerminalStillComplete(t *testing.T) {
	activityID := uuid.New()
	userID := uuid.New()
	site := uuid.New()

	history := []events.ActivityEvent{
		newEvent(activityID, userID, events.CreateUserSite{UserSiteID: site}),
		newEvent(activityID, userID, events.IngestionFinished{UserSiteID: site}),
	}

	duplicate := newEvent(activityID, userID, events.IngestionFinished{UserSiteID: site})
	history = append(history, duplicate)

	complete, err := RefreshPhaseComplete(history, duplicate)
	require.NoError(t, err)
	require.True(t, complete)
}

func TestRefreshPhaseMissingStart(t *testing.T) {
	activityID := uuid.New()
	userID := uuid.New()
	site := uuid.New()

	terminal := newEvent(activityID, userID, events.IngestionFinished{UserSiteID: site})
	history := []events.ActivityEvent{terminal}

	_, err := RefreshPhaseComplete(history, terminal)
	require.ErrorIs(t, err, ErrMissingStartEvent)
}

func TestStartOfFirstStartGoverns(t *testing.T) {
	activityID := uuid.New()
	userID := uuid.New()
	siteA := uuid.New()
	siteB := uuid.New()

	history := []events.ActivityEvent{
		newEvent(activityID, userID, events.RefreshUserSites{UserSiteIDs: []uuid.UUID{siteA}}),
		newEvent(activityID, userID, events.RefreshUserSites{UserSiteIDs: []uuid.UUID{siteA, siteB}}),
	}

	_, start, ok := StartOf(history)
	require.True(t, ok)
	require.Equal(t, []uuid.UUID{siteA}, start.TargetUserSiteIDs())
}

func TestMergedRefreshPeriod(t *testing.T) {
	activityID := uuid.New()
	userID := uuid.New()
	sites := []uuid.UUID{uuid.New(), uuid.New(), uuid.New(), uuid.New()}

	history := []events.ActivityEvent{
		newEvent(activityID, userID, events.RefreshUserSites{UserSiteIDs: sites}),
		newEvent(activityID, userID, events.IngestionFinished{UserSiteID: sites[0]}),
		newEvent(activityID, userID, events.IngestionFinished{UserSiteID: sites[1], StartPeriod: ym(t, "2013-01")}),
		newEvent(activityID, userID, events.IngestionFinished{UserSiteID: sites[2], StartPeriod: ym(t, "2018-01"), EndPeriod: ym(t, "2018-04")}),
		newEvent(activityID, userID, events.IngestionFinished{UserSiteID: sites[3], StartPeriod: ym(t, "2015-01"), EndPeriod: ym(t, "2015-04")}),
	}

	window := MergedRefreshPeriod(history)
	require.NotNil(t, window)
	require.NotNil(t, window.Start)
	require.Equal(t, "2013-01", window.Start.String())
	require.NotNil(t, window.End)
	require.Equal(t, "2018-04", window.End.String())
}

func TestMergedRefreshPeriodAllUnbounded(t *testing.T) {
	activityID := uuid.New()
	userID := uuid.New()
	siteA := uuid.New()
	siteB := uuid.New()

	history := []events.ActivityEvent{
		newEvent(activityID, userID, events.RefreshUserSites{UserSiteIDs: []uuid.UUID{siteA, siteB}}),
		newEvent(activityID, userID, events.IngestionFinished{UserSiteID: siteA}),
		newEvent(activityID, userID, events.IngestionFinished{UserSiteID: siteB}),
	}

	require.Nil(t, MergedRefreshPeriod(history))
}

func TestMergedRefreshPeriodOneSidedBound(t *testing.T) {
	activityID := uuid.New()
	userID := uuid.New()
	site := uuid.New()

	history := []events.ActivityEvent{
		newEvent(activityID, userID, events.CreateUserSite{UserSiteID: site}),
		newEvent(activityID, userID, events.IngestionFinished{UserSiteID: site, StartPeriod: ym(t, "2020-06")}),
	}

	window := MergedRefreshPeriod(history)
	require.NotNil(t, window)
	require.NotNil(t, window.Start)
	require.Equal(t, "2020-06", window.Start.String())
	require.Nil(t, window.End)
}

func TestAggregationEventDetectsReplay(t *testing.T) {
	activityID := uuid.New()
	userID := uuid.New()
	site := uuid.New()

	history := []events.ActivityEvent{
		newEvent(activityID, userID, events.CreateUserSite{UserSiteID: site}),
		newEvent(activityID, userID, events.IngestionFinished{UserSiteID: site}),
	}

	_, found := AggregationEvent(history)
	require.False(t, found)

	milestone := newEvent(activityID, userID, events.AggregationFinished{
		StartKind:            events.StartKindCreateUserSite,
		ConnectedUserSiteIDs: []uuid.UUID{site},
	})
	history = append(history, milestone)

	existing, found := AggregationEvent(history)
	require.True(t, found)
	require.Equal(t, milestone.EventID, existing.EventID)
}

func TestNarrowUserSites(t *testing.T) {
	siteA := uuid.New()
	siteB := uuid.New()
	siteC := uuid.New()

	narrowed, changed := NarrowUserSites([]uuid.UUID{siteA, siteB}, []uuid.UUID{siteB})
	require.True(t, changed)
	require.Equal(t, []uuid.UUID{siteB}, narrowed)

	// A refined set never widens the snapshot.
	narrowed, changed = NarrowUserSites([]uuid.UUID{siteA}, []uuid.UUID{siteA, siteC})
	require.False(t, changed)
	require.Equal(t, []uuid.UUID{siteA}, narrowed)

	narrowed, changed = NarrowUserSites([]uuid.UUID{siteA, siteB}, []uuid.UUID{siteA, siteB})
	require.False(t, changed)
	require.Len(t, narrowed, 2)
}

func TestSameSiteSet(t *testing.T) {
	siteA := uuid.New()
	siteB := uuid.New()

	require.True(t, SameSiteSet([]uuid.UUID{siteA, siteB}, []uuid.UUID{siteB, siteA}))
	require.False(t, SameSiteSet([]uuid.UUID{siteA}, []uuid.UUID{siteB}))
	require.False(t, SameSiteSet([]uuid.UUID{siteA}, []uuid.UUID{siteA, siteB}))
	require.True(t, SameSiteSet(nil, nil))
}
