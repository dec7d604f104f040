package lifecycle

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/Yolt-group/site-management-sub001/internal/domain"
	"github.com/Yolt-group/site-management-sub001/internal/observability"
)

// StaleLister finds activities that outlived the staleness threshold.
type StaleLister interface {
	ListRunningBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Activity, error)
}

// Sweeper force-closes running activities older than maxAge. It bounds how
// long a lost terminal event can keep an activity open.
type Sweeper struct {
	lister    StaleLister
	persister *Persister
	maxAge    time.Duration
	logger    *log.Logger
	now       func() time.Time
}

// NewSweeper constructs a Sweeper.
func NewSweeper(lister StaleLister, persister *Persister, maxAge time.Duration) *Sweeper {
	return &Sweeper{
		lister:    lister,
		persister: persister,
		maxAge:    maxAge,
		logger:    log.New(log.Writer(), "[sweeper] ", log.LstdFlags),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce closes one batch of stale activities and returns how many were
// closed. Activities closed concurrently by a late terminal event are
// counted as skipped, not errors.
func (s *Sweeper) RunOnce(ctx context.Context, batchSize int) (int, error) {
	now := s.now()
	stale, err := s.lister.ListRunningBefore(ctx, now.Add(-s.maxAge), batchSize)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, activity := range stale {
		done, closeErr := s.persister.ForceClose(ctx, activity.ID, now)
		if closeErr != nil {
			err = errors.Join(err, closeErr)
			continue
		}
		if done {
			closed++
			observability.RecordForceClosed(activity.StartKind)
			s.logger.Printf("force-closed stale activity %s (started %s, kind=%s)", activity.ID, activity.StartTime.Format(time.RFC3339), activity.StartKind)
		}
	}
	return closed, err
}
