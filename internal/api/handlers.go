// Package api exposes internal HTTP endpoints for operational inspection.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Yolt-group/site-management-sub001/internal/domain"
	"github.com/Yolt-group/site-management-sub001/internal/events"
)

// ActivityReader loads activities together with their ordered event history.
type ActivityReader interface {
	GetActivity(ctx context.Context, activityID uuid.UUID) (*domain.Activity, error)
	EventsForActivity(ctx context.Context, activityID uuid.UUID) ([]events.ActivityEvent, error)
}

// Handler coordinates HTTP requests with the activity store.
type Handler struct {
	store ActivityReader
}

// NewHandler builds a Handler.
func NewHandler(store ActivityReader) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/internal/v1/activities/", h.activityByID)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) activityByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	raw := strings.TrimPrefix(r.URL.Path, "/internal/v1/activities/")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing activity id")
		return
	}

	activityID, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "activity id must be a uuid")
		return
	}

	activity, err := h.store.GetActivity(r.Context(), activityID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	if activity == nil {
		writeError(w, http.StatusNotFound, "not_found", "activity not found")
		return
	}

	history, err := h.store.EventsForActivity(r.Context(), activityID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, toActivityView(*activity, history))
}

// ActivityView exposes full details about an activity and its event log.
type ActivityView struct {
	ActivityID  string      `json:"activity_id"`
	UserID      string      `json:"user_id"`
	StartKind   string      `json:"start_kind"`
	StartTime   time.Time   `json:"start_time"`
	EndTime     *time.Time  `json:"end_time,omitempty"`
	Running     bool        `json:"running"`
	UserSiteIDs []uuid.UUID `json:"user_site_ids"`
	Events      []EventView `json:"events"`
}

// EventView is a single entry of the ordered event history.
type EventView struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	EventTime time.Time       `json:"event_time"`
	Payload   json.RawMessage `json:"payload"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func toActivityView(activity domain.Activity, history []events.ActivityEvent) ActivityView {
	view := ActivityView{
		ActivityID:  activity.ID.String(),
		UserID:      activity.UserID.String(),
		StartKind:   string(activity.StartKind),
		StartTime:   activity.StartTime,
		EndTime:     activity.EndTime,
		Running:     activity.Running(),
		UserSiteIDs: activity.UserSiteIDs,
		Events:      make([]EventView, 0, len(history)),
	}
	for _, evt := range history {
		payload, err := json.Marshal(evt.Payload)
		if err != nil {
			payload = json.RawMessage(`{}`)
		}
		view.Events = append(view.Events, EventView{
			EventID:   evt.EventID.String(),
			EventType: string(evt.Payload.Type()),
			EventTime: evt.EventTime,
			Payload:   payload,
		})
	}
	return view
}
