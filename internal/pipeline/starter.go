// Package pipeline kicks off the downstream transactions pipeline once an
// activity's data has been aggregated. It is a read-and-forward layer over
// the event log: no local state is mutated.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/Yolt-group/site-management-sub001/internal/clients"
	"github.com/Yolt-group/site-management-sub001/internal/domain"
	"github.com/Yolt-group/site-management-sub001/internal/events"
)

// EventLog reads an activity's event history.
type EventLog interface {
	EventsForActivity(ctx context.Context, activityID uuid.UUID) ([]events.ActivityEvent, error)
}

// AccountSource fetches the current account set for a user.
type AccountSource interface {
	AccountsForUser(ctx context.Context, userID uuid.UUID) (clients.UserAccounts, error)
}

// MessageWriter publishes messages to a Kafka topic.
type MessageWriter interface {
	WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error
}

// Option configures optional behaviour for the Starter.
type Option func(*Starter)

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Starter) {
		s.logger = logger
	}
}

// Starter publishes the "refresh triggered" message that starts the
// downstream pipeline for one activity.
type Starter struct {
	eventLog EventLog
	accounts AccountSource
	writer   MessageWriter
	topic    string
	logger   *log.Logger
}

// NewStarter constructs a Starter publishing to the given topic.
func NewStarter(eventLog EventLog, accounts AccountSource, writer MessageWriter, topic string, opts ...Option) *Starter {
	s := &Starter{
		eventLog: eventLog,
		accounts: accounts,
		writer:   writer,
		topic:    topic,
		logger:   log.New(log.Writer(), "[pipeline] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start kicks off the pipeline with the merged refresh period reduced over
// all IngestionFinished events of the activity.
func (s *Starter) Start(ctx context.Context, userID, activityID uuid.UUID) error {
	return s.start(ctx, userID, activityID, true)
}

// StartWithoutRefreshPeriod kicks off the pipeline with an explicitly absent
// window, used for deletion activities where no fetch window is meaningful.
func (s *Starter) StartWithoutRefreshPeriod(ctx context.Context, userID, activityID uuid.UUID) error {
	return s.start(ctx, userID, activityID, false)
}

func (s *Starter) start(ctx context.Context, userID, activityID uuid.UUID, withPeriod bool) error {
	var window *events.RefreshWindow
	if withPeriod {
		history, err := s.eventLog.EventsForActivity(ctx, activityID)
		if err != nil {
			return fmt.Errorf("read history for activity %s: %w", activityID, err)
		}
		window = domain.MergedRefreshPeriod(history)
	}

	userAccounts, err := s.accounts.AccountsForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("fetch accounts for user %s: %w", userID, err)
	}

	refs := make([]events.AccountRef, 0, len(userAccounts.Accounts))
	for _, account := range userAccounts.Accounts {
		refs = append(refs, events.AccountRef{AccountID: account.ID, AccountType: account.Type})
	}

	payload, err := json.Marshal(events.RefreshTriggered{
		ActivityID:    activityID,
		UserID:        userID,
		CountryCode:   userAccounts.CountryCode,
		BaseCurrency:  userAccounts.BaseCurrency,
		Accounts:      refs,
		RefreshPeriod: window,
	})
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(activityID.String()),
		Value: payload,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("pipeline.refresh_triggered")},
			{Key: "user_id", Value: []byte(userID.String())},
		},
	}

	if err := s.writer.WriteMessages(ctx, s.topic, msg); err != nil {
		return fmt.Errorf("publish refresh trigger for activity %s: %w", activityID, err)
	}

	s.logger.Printf("pipeline triggered for activity %s (accounts=%d, window=%s)", activityID, len(refs), describeWindow(window))
	return nil
}

func describeWindow(w *events.RefreshWindow) string {
	if w == nil {
		return "full"
	}
	start, end := "*", "*"
	if w.Start != nil {
		start = w.Start.String()
	}
	if w.End != nil {
		end = w.End.String()
	}
	return start + ".." + end
}
