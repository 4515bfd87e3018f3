package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/MsgRouter/internal/metrics"
	"github.com/BTreeMap/MsgRouter/internal/models"
	"github.com/BTreeMap/MsgRouter/internal/throttle"
)

// Claimer takes a slot in a throttle bucket.
type Claimer interface {
	Claim(ctx context.Context, bucketID string, limit int, now time.Time) (throttle.Decision, error)
}

// ThrottledSender claims the global outbound bucket before each send.
type ThrottledSender struct {
	next    Sender
	claimer Claimer
	bucket  string
	limit   int
	now     func() time.Time
}

// Compile-time check that ThrottledSender implements Sender.
var _ Sender = (*ThrottledSender)(nil)

// NewThrottledSender wraps next with a per-minute ceiling of limit sends.
func NewThrottledSender(next Sender, claimer Claimer, limit int) *ThrottledSender {
	return &ThrottledSender{
		next:    next,
		claimer: claimer,
		bucket:  throttle.BucketOutbound,
		limit:   limit,
		now:     time.Now,
	}
}

func (s *ThrottledSender) claim(ctx context.Context, identity string) error {
	dec, err := s.claimer.Claim(ctx, s.bucket, s.limit, s.now())
	if err != nil {
		return fmt.Errorf("outbound throttle: %w", err)
	}
	if !dec.Allowed {
		metrics.Inc(metrics.OutboundThrottled, "identity", identity, "count", dec.Count)
		slog.Warn("ThrottledSender: send denied", "identity", identity, "bucket", s.bucket, "count", dec.Count, "limit", dec.Limit)
		return ErrThrottled
	}
	return nil
}

// SendText claims a slot and sends text.
func (s *ThrottledSender) SendText(ctx context.Context, identity, text string) error {
	if err := s.claim(ctx, identity); err != nil {
		return err
	}
	if err := s.next.SendText(ctx, identity, text); err != nil {
		return err
	}
	metrics.Inc(metrics.OutboundSent, "identity", identity)
	return nil
}

// SendButtons claims a slot and sends text with buttons.
func (s *ThrottledSender) SendButtons(ctx context.Context, identity, text string, buttons []models.Button) error {
	if err := s.claim(ctx, identity); err != nil {
		return err
	}
	if err := s.next.SendButtons(ctx, identity, text, buttons); err != nil {
		return err
	}
	metrics.Inc(metrics.OutboundSent, "identity", identity)
	return nil
}
