package events

import (
	"time"

	"github.com/google/uuid"
)

// Outbound cross-service payloads produced by this service. They mirror the
// shapes the orchestration, webhook and pipeline subsystems consume.

// RefreshFinished notifies the orchestration layer that an activity's refresh
// phase completed.
type RefreshFinished struct {
	Origin               StartKind   `json:"origin"`
	ActivityID           uuid.UUID   `json:"activity_id"`
	ConnectedUserSiteIDs []uuid.UUID `json:"connected_user_site_ids"`
	FinishedAt           time.Time   `json:"finished_at"`
}

// UserSiteOutcome is one per-site line of a client webhook push.
type UserSiteOutcome struct {
	UserSiteID uuid.UUID        `json:"user_site_id"`
	Status     ConnectionStatus `json:"status"`
}

// ActivityFinishedWebhook is pushed to the owning client when an activity
// reaches its terminal state without an enrichment stage.
type ActivityFinishedWebhook struct {
	ActivityID uuid.UUID         `json:"activity_id"`
	UserID     uuid.UUID         `json:"user_id"`
	Outcomes   []UserSiteOutcome `json:"outcomes"`
	FinishedAt time.Time         `json:"finished_at"`
}

// AccountRef identifies one account handed to the downstream pipeline.
type AccountRef struct {
	AccountID   uuid.UUID `json:"account_id"`
	AccountType string    `json:"account_type"`
}

// RefreshTriggered kicks off the downstream transactions pipeline. A nil
// RefreshPeriod means "no explicit window, process everything".
type RefreshTriggered struct {
	ActivityID    uuid.UUID      `json:"activity_id"`
	UserID        uuid.UUID      `json:"user_id"`
	CountryCode   string         `json:"country_code"`
	BaseCurrency  string         `json:"base_currency"`
	Accounts      []AccountRef   `json:"accounts"`
	RefreshPeriod *RefreshWindow `json:"refresh_period,omitempty"`
}

// RefreshWindow is the merged fetch window forwarded to the pipeline. Either
// bound may be absent.
type RefreshWindow struct {
	Start *YearMonth `json:"start,omitempty"`
	End   *YearMonth `json:"end,omitempty"`
}
