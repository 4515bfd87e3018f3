// Package store provides the Sweeper for deleting expired rows.
package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/MsgRouter/internal/metrics"
)

// DefaultSweepInterval is used when NewSweeper is given a non-positive interval.
const DefaultSweepInterval = 5 * time.Minute

// Purger deletes rows whose retention has passed.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Sweeper periodically purges expired dedupe, throttle and state rows.
// Reads already treat expired rows as absent, so sweeping only reclaims space.
type Sweeper struct {
	purger       Purger
	pollInterval time.Duration
	now          func() time.Time
}

// NewSweeper creates a new Sweeper.
func NewSweeper(purger Purger, pollInterval time.Duration) *Sweeper {
	if pollInterval <= 0 {
		pollInterval = DefaultSweepInterval
	}
	return &Sweeper{
		purger:       purger,
		pollInterval: pollInterval,
		now:          time.Now,
	}
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	slog.Info("Sweeper.Run: starting sweeper", "pollInterval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Sweeper.Run: stopping")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single purge pass and returns the number of rows removed.
func (s *Sweeper) SweepOnce(ctx context.Context) int64 {
	n, err := s.purger.PurgeExpired(ctx, s.now())
	if err != nil {
		slog.Error("Sweeper.SweepOnce: purge failed", "error", err, "purged", n)
	}
	if n > 0 {
		metrics.Add(metrics.SweeperPurged, n)
		slog.Debug("Sweeper.SweepOnce: purged expired rows", "count", n)
	}
	return n
}
