// Package events defines the activity event log entries exchanged between the
// aggregation platform services. The payload set is closed: every consumer
// switches exhaustively over the variants below.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies an event payload variant on the wire.
type Type string

const (
	TypeRefreshUserSites               Type = "user_sites.refresh"
	TypeRefreshUserSitesFlywheel       Type = "user_sites.refresh_flywheel"
	TypeCreateUserSite                 Type = "user_site.create"
	TypeUpdateUserSite                 Type = "user_site.update"
	TypeDeleteUserSite                 Type = "user_site.delete"
	TypeRefreshedUserSite              Type = "user_site.refreshed"
	TypeIngestionFinished              Type = "user_site.ingestion_finished"
	TypeAggregationFinished            Type = "activity.aggregation_finished"
	TypeTransactionsEnrichmentFinished Type = "activity.transactions_enrichment_finished"
	TypeCounterpartiesFeedback         Type = "feedback.counterparties"
	TypeCategorizationFeedback         Type = "feedback.categorization"
	TypeTransactionCyclesFeedback      Type = "feedback.transaction_cycles"
)

// StartKind tags which operation opened an activity.
type StartKind string

const (
	StartKindRefreshUserSites         StartKind = "REFRESH_USER_SITES"
	StartKindRefreshUserSitesFlywheel StartKind = "REFRESH_USER_SITES_FLYWHEEL"
	StartKindCreateUserSite           StartKind = "CREATE_USER_SITE"
	StartKindUpdateUserSite           StartKind = "UPDATE_USER_SITE"
	StartKindDeleteUserSite           StartKind = "DELETE_USER_SITE"
)

// ConnectionStatus is the terminal connection outcome reported for one user-site.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "CONNECTED"
	StatusDisconnected ConnectionStatus = "DISCONNECTED"
	StatusSuspicious   ConnectionStatus = "SUSPICIOUS"
)

// EnrichmentOutcome reports how enrichment concluded for one user-site.
type EnrichmentOutcome string

const (
	EnrichmentSuccess EnrichmentOutcome = "SUCCESS"
	EnrichmentTimeout EnrichmentOutcome = "TIMEOUT"
)

// Payload is the closed set of event payload variants.
type Payload interface {
	Type() Type
}

// StartPayload is implemented by the five payloads that open an activity.
type StartPayload interface {
	Payload
	StartKind() StartKind
	TargetUserSiteIDs() []uuid.UUID
}

// ActivityEvent is one entry in an activity's append-only event log.
type ActivityEvent struct {
	EventID    uuid.UUID
	ActivityID uuid.UUID
	UserID     uuid.UUID
	EventTime  time.Time
	Payload    Payload
}

// New builds an event with a fresh event id.
func New(activityID, userID uuid.UUID, at time.Time, payload Payload) ActivityEvent {
	return ActivityEvent{
		EventID:    uuid.New(),
		ActivityID: activityID,
		UserID:     userID,
		EventTime:  at.UTC(),
		Payload:    payload,
	}
}

// RefreshUserSites opens a refresh-all activity spanning the listed user-sites.
type RefreshUserSites struct {
	UserSiteIDs []uuid.UUID `json:"user_site_ids"`
}

func (RefreshUserSites) Type() Type                       { return TypeRefreshUserSites }
func (RefreshUserSites) StartKind() StartKind             { return StartKindRefreshUserSites }
func (p RefreshUserSites) TargetUserSiteIDs() []uuid.UUID { return p.UserSiteIDs }

// RefreshUserSitesFlywheel opens a scheduled (flywheel) refresh activity.
type RefreshUserSitesFlywheel struct {
	UserSiteIDs []uuid.UUID `json:"user_site_ids"`
}

func (RefreshUserSitesFlywheel) Type() Type           { return TypeRefreshUserSitesFlywheel }
func (RefreshUserSitesFlywheel) StartKind() StartKind { return StartKindRefreshUserSitesFlywheel }
func (p RefreshUserSitesFlywheel) TargetUserSiteIDs() []uuid.UUID {
	return p.UserSiteIDs
}

// CreateUserSite opens an activity for a brand-new user-site connection.
type CreateUserSite struct {
	UserSiteID uuid.UUID `json:"user_site_id"`
}

func (CreateUserSite) Type() Type           { return TypeCreateUserSite }
func (CreateUserSite) StartKind() StartKind { return StartKindCreateUserSite }
func (p CreateUserSite) TargetUserSiteIDs() []uuid.UUID {
	return []uuid.UUID{p.UserSiteID}
}

// UpdateUserSite opens an activity for re-authenticating an existing user-site.
type UpdateUserSite struct {
	UserSiteID uuid.UUID `json:"user_site_id"`
}

func (UpdateUserSite) Type() Type           { return TypeUpdateUserSite }
func (UpdateUserSite) StartKind() StartKind { return StartKindUpdateUserSite }
func (p UpdateUserSite) TargetUserSiteIDs() []uuid.UUID {
	return []uuid.UUID{p.UserSiteID}
}

// DeleteUserSite opens a deletion activity; no fetch window applies.
type DeleteUserSite struct {
	UserSiteID uuid.UUID `json:"user_site_id"`
}

func (DeleteUserSite) Type() Type           { return TypeDeleteUserSite }
func (DeleteUserSite) StartKind() StartKind { return StartKindDeleteUserSite }
func (p DeleteUserSite) TargetUserSiteIDs() []uuid.UUID {
	return []uuid.UUID{p.UserSiteID}
}

// RefreshedUserSite reports that one user-site's connection attempt concluded.
type RefreshedUserSite struct {
	UserSiteID       uuid.UUID        `json:"user_site_id"`
	ConnectionStatus ConnectionStatus `json:"connection_status"`
}

func (RefreshedUserSite) Type() Type { return TypeRefreshedUserSite }

// IngestionFinished reports that one user-site's fetched data was durably
// stored. The period bounds are optional; nil means the upstream did not
// constrain the fetch window on that side.
type IngestionFinished struct {
	UserSiteID  uuid.UUID  `json:"user_site_id"`
	StartPeriod *YearMonth `json:"start_period,omitempty"`
	EndPeriod   *YearMonth `json:"end_period,omitempty"`
}

func (IngestionFinished) Type() Type { return TypeIngestionFinished }

// AggregationFinished is the milestone persisted when an activity's refresh
// phase completes. It carries the sites that genuinely produced data.
type AggregationFinished struct {
	StartKind            StartKind   `json:"start_kind"`
	ConnectedUserSiteIDs []uuid.UUID `json:"connected_user_site_ids"`
}

func (AggregationFinished) Type() Type { return TypeAggregationFinished }

// TransactionsEnrichmentFinished is the second, later terminal milestone used
// for clients with enrichment features enabled. UserSiteIDs is the confirmed
// set of sites whose data actually changed.
type TransactionsEnrichmentFinished struct {
	Outcomes    map[uuid.UUID]EnrichmentOutcome `json:"outcomes"`
	UserSiteIDs []uuid.UUID                     `json:"user_site_ids"`
}

func (TransactionsEnrichmentFinished) Type() Type { return TypeTransactionsEnrichmentFinished }

// CounterpartiesFeedback is informational analytics feedback; it never drives
// the activity lifecycle.
type CounterpartiesFeedback struct {
	TransactionCount int `json:"transaction_count"`
}

func (CounterpartiesFeedback) Type() Type { return TypeCounterpartiesFeedback }

// CategorizationFeedback is informational analytics feedback.
type CategorizationFeedback struct {
	TransactionCount int `json:"transaction_count"`
}

func (CategorizationFeedback) Type() Type { return TypeCategorizationFeedback }

// TransactionCyclesFeedback is informational analytics feedback.
type TransactionCyclesFeedback struct {
	CycleCount int `json:"cycle_count"`
}

func (TransactionCyclesFeedback) Type() Type { return TypeTransactionCyclesFeedback }

// TerminalUserSiteID returns the user-site a per-site terminal event reports
// on, or false for every other payload kind.
func TerminalUserSiteID(p Payload) (uuid.UUID, bool) {
	switch v := p.(type) {
	case RefreshedUserSite:
		return v.UserSiteID, true
	case *RefreshedUserSite:
		return v.UserSiteID, true
	case IngestionFinished:
		return v.UserSiteID, true
	case *IngestionFinished:
		return v.UserSiteID, true
	}
	return uuid.Nil, false
}

// AsStart returns the start payload when p is one of the five start variants.
// It accepts both value and pointer forms so decoded and constructed events
// behave identically.
func AsStart(p Payload) (StartPayload, bool) {
	s, ok := p.(StartPayload)
	return s, ok
}

// AsRefreshed unwraps a RefreshedUserSite payload.
func AsRefreshed(p Payload) (RefreshedUserSite, bool) {
	switch v := p.(type) {
	case RefreshedUserSite:
		return v, true
	case *RefreshedUserSite:
		return *v, true
	}
	return RefreshedUserSite{}, false
}

// AsIngestionFinished unwraps an IngestionFinished payload.
func AsIngestionFinished(p Payload) (IngestionFinished, bool) {
	switch v := p.(type) {
	case IngestionFinished:
		return v, true
	case *IngestionFinished:
		return *v, true
	}
	return IngestionFinished{}, false
}

// AsAggregationFinished unwraps an AggregationFinished payload.
func AsAggregationFinished(p Payload) (AggregationFinished, bool) {
	switch v := p.(type) {
	case AggregationFinished:
		return v, true
	case *AggregationFinished:
		return *v, true
	}
	return AggregationFinished{}, false
}

// AsEnrichmentFinished unwraps a TransactionsEnrichmentFinished payload.
func AsEnrichmentFinished(p Payload) (TransactionsEnrichmentFinished, bool) {
	switch v := p.(type) {
	case TransactionsEnrichmentFinished:
		return v, true
	case *TransactionsEnrichmentFinished:
		return *v, true
	}
	return TransactionsEnrichmentFinished{}, false
}

type envelope struct {
	EventID    uuid.UUID       `json:"event_id"`
	ActivityID uuid.UUID       `json:"activity_id"`
	UserID     uuid.UUID       `json:"user_id"`
	EventTime  time.Time       `json:"event_time"`
	Type       Type            `json:"type"`
	Payload    json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the event as a type-tagged envelope.
func (e ActivityEvent) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("activity event %s has no payload", e.EventID)
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		EventID:    e.EventID,
		ActivityID: e.ActivityID,
		UserID:     e.UserID,
		EventTime:  e.EventTime,
		Type:       e.Payload.Type(),
		Payload:    body,
	})
}

// UnmarshalJSON decodes a type-tagged envelope into the matching variant.
func (e *ActivityEvent) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	payload, err := emptyPayload(env.Type)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(env.Payload, payload); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	e.EventID = env.EventID
	e.ActivityID = env.ActivityID
	e.UserID = env.UserID
	e.EventTime = env.EventTime
	e.Payload = payload
	return nil
}

// Decode parses a serialized event envelope.
func Decode(data []byte) (ActivityEvent, error) {
	var evt ActivityEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return ActivityEvent{}, err
	}
	return evt, nil
}

func emptyPayload(t Type) (Payload, error) {
	switch t {
	case TypeRefreshUserSites:
		return &RefreshUserSites{}, nil
	case TypeRefreshUserSitesFlywheel:
		return &RefreshUserSitesFlywheel{}, nil
	case TypeCreateUserSite:
		return &CreateUserSite{}, nil
	case TypeUpdateUserSite:
		return &UpdateUserSite{}, nil
	case TypeDeleteUserSite:
		return &DeleteUserSite{}, nil
	case TypeRefreshedUserSite:
		return &RefreshedUserSite{}, nil
	case TypeIngestionFinished:
		return &IngestionFinished{}, nil
	case TypeAggregationFinished:
		return &AggregationFinished{}, nil
	case TypeTransactionsEnrichmentFinished:
		return &TransactionsEnrichmentFinished{}, nil
	case TypeCounterpartiesFeedback:
		return &CounterpartiesFeedback{}, nil
	case TypeCategorizationFeedback:
		return &CategorizationFeedback{}, nil
	case TypeTransactionCyclesFeedback:
		return &TransactionCyclesFeedback{}, nil
	}
	return nil, fmt.Errorf("unknown event type %q", t)
}
