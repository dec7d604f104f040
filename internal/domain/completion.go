package domain

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/Yolt-group/site-management-sub001/internal/events"
)

// StartOf locates the authoritative start event in a history. The first
// observed start governs the activity's scope; later duplicates never
// re-scope it.
func StartOf(history []events.ActivityEvent) (events.ActivityEvent, events.StartPayload, bool) {
	for _, evt := range history {
		if start, ok := events.AsStart(evt.Payload); ok {
			return evt, start, true
		}
	}
	return events.ActivityEvent{}, nil, false
}

// RefreshPhaseComplete decides whether the refresh phase of an activity is
// complete after incoming arrived. It is pure and reads only the supplied
// history, which must already contain incoming.
//
// The phase is complete iff every target user-site has at least one per-site
// terminal event and incoming is itself a per-site terminal event for a
// target site. Duplicate terminals for the same site are no-ops; terminals
// for sites outside the declared scope never trigger completion.
func RefreshPhaseComplete(history []events.ActivityEvent, incoming events.ActivityEvent) (bool, error) {
	_, start, ok := StartOf(history)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrMissingStartEvent, incoming.ActivityID)
	}

	target := siteSet(start.TargetUserSiteIDs())

	siteID, terminal := events.TerminalUserSiteID(incoming.Payload)
	if !terminal {
		return false, nil
	}
	if _, inScope := target[siteID]; !inScope {
		return false, nil
	}

	completed := make(map[uuid.UUID]struct{}, len(target))
	for _, evt := range history {
		if id, ok := events.TerminalUserSiteID(evt.Payload); ok {
			completed[id] = struct{}{}
		}
	}

	for id := range target {
		if _, done := completed[id]; !done {
			return false, nil
		}
	}
	return true, nil
}

// ConnectedUserSites partitions the target sites: a site counts as connected
// only when the fetch genuinely produced data, i.e. the history carries an
// IngestionFinished event for it. Order follows the start event's target list.
func ConnectedUserSites(history []events.ActivityEvent) []uuid.UUID {
	_, start, ok := StartOf(history)
	if !ok {
		return nil
	}

	ingested := make(map[uuid.UUID]struct{})
	for _, evt := range history {
		if fin, ok := events.AsIngestionFinished(evt.Payload); ok {
			ingested[fin.UserSiteID] = struct{}{}
		}
	}

	connected := make([]uuid.UUID, 0, len(ingested))
	for _, id := range start.TargetUserSiteIDs() {
		if _, ok := ingested[id]; ok {
			connected = append(connected, id)
		}
	}
	return connected
}

// SiteOutcomes reports the terminal connection status per target site, for
// the client webhook. Sites with ingested data report connected; sites with
// only a Refreshed terminal report that terminal's status.
func SiteOutcomes(history []events.ActivityEvent) []events.UserSiteOutcome {
	_, start, ok := StartOf(history)
	if !ok {
		return nil
	}

	statuses := make(map[uuid.UUID]events.ConnectionStatus)
	for _, evt := range history {
		if ref, ok := events.AsRefreshed(evt.Payload); ok {
			statuses[ref.UserSiteID] = ref.ConnectionStatus
		}
		if fin, ok := events.AsIngestionFinished(evt.Payload); ok {
			statuses[fin.UserSiteID] = events.StatusConnected
		}
	}

	outcomes := make([]events.UserSiteOutcome, 0, len(statuses))
	for _, id := range start.TargetUserSiteIDs() {
		status, ok := statuses[id]
		if !ok {
			continue
		}
		outcomes = append(outcomes, events.UserSiteOutcome{UserSiteID: id, Status: status})
	}
	return outcomes
}

// AggregationEvent returns the first AggregationFinished milestone already in
// the history, if any. Its presence means the aggregation side effects have
// been issued before and a re-trigger is a replay.
func AggregationEvent(history []events.ActivityEvent) (events.ActivityEvent, bool) {
	for _, evt := range history {
		if _, ok := events.AsAggregationFinished(evt.Payload); ok {
			return evt, true
		}
	}
	return events.ActivityEvent{}, false
}

// MergedRefreshPeriod folds all IngestionFinished windows into the widest
// covered period: earliest non-nil start, latest non-nil end. A present bound
// always beats an absent one; the result is nil only when every event carried
// no bounds at all.
func MergedRefreshPeriod(history []events.ActivityEvent) *events.RefreshWindow {
	var start, end *events.YearMonth
	any := false
	for _, evt := range history {
		fin, ok := events.AsIngestionFinished(evt.Payload)
		if !ok {
			continue
		}
		if fin.StartPeriod != nil {
			any = true
			if start == nil || fin.StartPeriod.Before(*start) {
				p := *fin.StartPeriod
				start = &p
			}
		}
		if fin.EndPeriod != nil {
			any = true
			if end == nil || fin.EndPeriod.After(*end) {
				p := *fin.EndPeriod
				end = &p
			}
		}
	}
	if !any {
		return nil
	}
	return &events.RefreshWindow{Start: start, End: end}
}

// NarrowUserSites intersects the current snapshot with a refined set. The
// snapshot only ever shrinks; ids absent from current are never invented.
func NarrowUserSites(current, refined []uuid.UUID) ([]uuid.UUID, bool) {
	keep := siteSet(refined)
	narrowed := make([]uuid.UUID, 0, len(current))
	for _, id := range current {
		if _, ok := keep[id]; ok {
			narrowed = append(narrowed, id)
		}
	}
	return narrowed, len(narrowed) != len(current)
}

// SameSiteSet reports whether two id lists contain the same sites,
// independent of order.
func SameSiteSet(a, b []uuid.UUID) bool {
	if len(a) != len(b) {
		return false
	}
	set := siteSet(a)
	for _, id := range b {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}

func siteSet(ids []uuid.UUID) map[uuid.UUID]struct{} {
	set := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
