// Package throttle enforces fixed-window rate ceilings shared by concurrent
// writers. Counters live in the persistence engine and are advanced with
// compare-and-swap writes; no lock is held across a claim.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/MsgRouter/internal/metrics"
	"github.com/BTreeMap/MsgRouter/internal/models"
	"github.com/BTreeMap/MsgRouter/internal/optimistic"
	"github.com/BTreeMap/MsgRouter/internal/store"
)

// WindowMs is the fixed window length in milliseconds.
const WindowMs int64 = 60000

// DefaultAttempts bounds the read/write cycles of one claim.
const DefaultAttempts = 3

// Well-known bucket ids.
const (
	BucketOutbound      = "wa-outbound"
	BucketInboundPrefix = "wa-inbound:"
)

// InboundBucket returns the per-identity inbound bucket id.
func InboundBucket(identity string) string {
	return BucketInboundPrefix + identity
}

// Decision is the outcome of a claim.
type Decision struct {
	Allowed bool
	// Count is the window count after this claim; 0 when Degraded.
	Count       int
	Limit       int
	WindowStart int64
	WindowEnd   int64
	// Degraded is set when contention exhausted the retry budget.
	Degraded bool
}

// Opts configures a Store.
type Opts struct {
	Attempts   int
	FailClosed bool
}

// Option configures a Store.
type Option func(*Opts)

// WithAttempts overrides the retry budget.
func WithAttempts(n int) Option {
	return func(o *Opts) {
		o.Attempts = n
	}
}

// WithFailClosed denies claims whose retry budget is exhausted instead of allowing them.
func WithFailClosed(failClosed bool) Option {
	return func(o *Opts) {
		o.FailClosed = failClosed
	}
}

// Store claims slots in throttle windows.
type Store struct {
	repo       store.ThrottleRepo
	attempts   int
	failClosed bool
}

// NewStore creates a throttle Store over repo.
func NewStore(repo store.ThrottleRepo, opts ...Option) *Store {
	cfg := Opts{Attempts: DefaultAttempts}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	return &Store{repo: repo, attempts: cfg.Attempts, failClosed: cfg.FailClosed}
}

// WindowBounds returns the fixed window containing now, in Unix milliseconds.
func WindowBounds(now time.Time) (start, end int64) {
	ms := now.UnixMilli()
	start = ms - ms%WindowMs
	if ms < 0 && ms%WindowMs != 0 {
		start -= WindowMs
	}
	return start, start + WindowMs
}

// Claim takes one slot in bucketID's current window. A limit <= 0 means
// unlimited; the counter is still maintained. Persistence errors are returned
// unretried.
func (s *Store) Claim(ctx context.Context, bucketID string, limit int, now time.Time) (Decision, error) {
	start, end := WindowBounds(now)
	dec := Decision{Limit: limit, WindowStart: start, WindowEnd: end}

	err := optimistic.Retry(ctx, s.attempts, func(ctx context.Context, attempt int) error {
		cur, err := s.repo.GetThrottleWindow(ctx, bucketID, start)
		if err != nil {
			return fmt.Errorf("read throttle window: %w", err)
		}

		if cur == nil {
			inserted, err := s.repo.InsertThrottleWindow(ctx, models.ThrottleWindowCounter{
				BucketID:    bucketID,
				WindowStart: start,
				WindowEnd:   end,
				Count:       1,
				Limit:       limit,
			})
			if err != nil {
				return fmt.Errorf("insert throttle window: %w", err)
			}
			if !inserted {
				slog.Debug("Store.Claim: insert lost race", "bucket", bucketID, "attempt", attempt)
				return optimistic.ErrConflict
			}
			dec.Allowed, dec.Count = true, 1
			return nil
		}

		if limit > 0 && cur.Count >= limit {
			dec.Allowed, dec.Count = false, cur.Count
			return nil
		}

		swapped, err := s.repo.CompareAndSwapThrottleCount(ctx, bucketID, start, cur.Count, cur.Count+1)
		if err != nil {
			return fmt.Errorf("advance throttle window: %w", err)
		}
		if !swapped {
			slog.Debug("Store.Claim: CAS lost race", "bucket", bucketID, "attempt", attempt, "expected", cur.Count)
			return optimistic.ErrConflict
		}
		dec.Allowed, dec.Count = true, cur.Count+1
		return nil
	})

	switch {
	case err == nil:
		if !dec.Allowed {
			metrics.Inc(metrics.ThrottleDenied, "bucket", bucketID, "count", dec.Count, "limit", limit)
		}
		return dec, nil
	case errors.Is(err, optimistic.ErrExhausted):
		dec.Count = 0
		dec.Degraded = true
		dec.Allowed = !s.failClosed
		metrics.Inc(metrics.ThrottleFailOpen, "bucket", bucketID, "failClosed", s.failClosed)
		slog.Warn("Store.Claim: contention exhausted retries", "bucket", bucketID, "attempts", s.attempts, "allowed", dec.Allowed)
		return dec, nil
	default:
		slog.Error("Store.Claim failed", "error", err, "bucket", bucketID)
		return Decision{}, err
	}
}
