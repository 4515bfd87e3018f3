package inbound

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/MsgRouter/internal/guard"
	"github.com/BTreeMap/MsgRouter/internal/metrics"
	"github.com/BTreeMap/MsgRouter/internal/models"
	"github.com/BTreeMap/MsgRouter/internal/store"
	"github.com/BTreeMap/MsgRouter/internal/throttle"
)

const (
	// DefaultDedupTTL is how long processed message ids are remembered.
	DefaultDedupTTL = 48 * time.Hour
	// DefaultClaimLease is the age after which an unprocessed claim may be taken over.
	DefaultClaimLease = 2 * time.Minute
	// DefaultProcessTimeout bounds the work done for one delivery.
	DefaultProcessTimeout = 20 * time.Second

	releaseTimeout = 5 * time.Second
)

// ContextBuilder resolves the per-message context. *Builder implements it.
type ContextBuilder interface {
	Build(ctx context.Context, msg models.InboundMessage) (*models.MessageContext, error)
}

// GuardRunner is the universal-command layer. *guard.Guards implements it.
type GuardRunner interface {
	Run(ctx context.Context, mc *models.MessageContext, msg models.InboundMessage) (bool, error)
	Classify(msg models.InboundMessage) guard.Command
}

// Router dispatches messages the guards left alone. *flow.Dispatcher implements it.
type Router interface {
	Dispatch(ctx context.Context, mc *models.MessageContext, msg models.InboundMessage) (string, error)
}

// Claimer takes a slot in a throttle bucket. *throttle.Store implements it.
type Claimer interface {
	Claim(ctx context.Context, bucketID string, limit int, now time.Time) (throttle.Decision, error)
}

// Opts configures an Intake.
type Opts struct {
	DedupTTL       time.Duration
	ClaimLease     time.Duration
	ProcessTimeout time.Duration
	// InboundLimit caps messages per identity per minute; 0 disables the check.
	InboundLimit int
	Throttle     Claimer
}

// Option configures an Intake.
type Option func(*Opts)

func WithDedupTTL(d time.Duration) Option {
	return func(o *Opts) { o.DedupTTL = d }
}

func WithClaimLease(d time.Duration) Option {
	return func(o *Opts) { o.ClaimLease = d }
}

func WithProcessTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ProcessTimeout = d }
}

// WithInboundThrottle enables per-identity flood control.
func WithInboundThrottle(c Claimer, limit int) Option {
	return func(o *Opts) {
		o.Throttle = c
		o.InboundLimit = limit
	}
}

// Intake is the idempotent entry point for every inbound delivery.
type Intake struct {
	dedup   store.DedupRepo
	builder ContextBuilder
	guards  GuardRunner
	router  Router
	cfg     Opts
	now     func() time.Time
}

func NewIntake(dedup store.DedupRepo, builder ContextBuilder, guards GuardRunner, router Router, opts ...Option) *Intake {
	cfg := Opts{
		DedupTTL:       DefaultDedupTTL,
		ClaimLease:     DefaultClaimLease,
		ProcessTimeout: DefaultProcessTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Intake{dedup: dedup, builder: builder, guards: guards, router: router, cfg: cfg, now: time.Now}
}

// Process handles one delivery. A failed result means the claim was released
// and the transport should redeliver.
func (in *Intake) Process(ctx context.Context, msg models.InboundMessage) models.ProcessingResult {
	res := models.ProcessingResult{MessageID: msg.MessageID, Identity: msg.From}
	metrics.Inc(metrics.InboundReceived, "message_id", msg.MessageID)
	if msg.MessageID == "" {
		metrics.Inc(metrics.InboundDroppedMalformed, "reason", "message_id")
		res.Outcome = models.OutcomeDropped
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, in.cfg.ProcessTimeout)
	defer cancel()

	now := in.now().UTC()
	received := msg.Timestamp
	if received.IsZero() {
		received = now
	}
	claimed, err := in.dedup.ClaimInbound(ctx, models.DedupRecord{
		MessageID:  msg.MessageID,
		Identity:   msg.From,
		ReceivedAt: received,
		ClaimedAt:  now,
		ExpiresAt:  now.Add(in.cfg.DedupTTL),
	}, now.Add(-in.cfg.ClaimLease))
	if err != nil {
		return in.fail(res, fmt.Errorf("claim inbound: %w", err))
	}
	if !claimed {
		res.Outcome = models.OutcomeDuplicate
		if prior, err := in.dedup.GetInbound(ctx, msg.MessageID); err == nil && prior != nil {
			res.Prior = prior.Outcome
		}
		metrics.Inc(metrics.InboundDuplicate, "message_id", msg.MessageID, "prior", res.Prior)
		return res
	}

	outcome, err := in.handle(ctx, msg, &res)
	if err == nil {
		err = in.dedup.MarkProcessed(ctx, msg.MessageID, outcome, in.now().UTC())
	}
	if err != nil {
		in.release(ctx, msg.MessageID)
		return in.fail(res, err)
	}
	res.Outcome = outcome
	if outcome == models.OutcomeProcessed {
		metrics.Inc(metrics.InboundProcessed, "message_id", msg.MessageID, "handled_by", res.HandledBy)
	}
	slog.Debug("Intake.Process done", "message_id", msg.MessageID, "outcome", outcome, "handled_by", res.HandledBy)
	return res
}

func (in *Intake) handle(ctx context.Context, msg models.InboundMessage, res *models.ProcessingResult) (models.Outcome, error) {
	mc, err := in.builder.Build(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("build context: %w", err)
	}
	if mc == nil {
		return models.OutcomeDropped, nil
	}
	res.Identity = mc.Identity

	// Guards run before flood control so STOP, START and HOME always apply.
	handled, err := in.guards.Run(ctx, mc, msg)
	if err != nil {
		return "", err
	}
	if handled {
		res.HandledBy = "guard:" + string(in.guards.Classify(msg))
		return models.OutcomeProcessed, nil
	}

	if in.cfg.Throttle != nil && in.cfg.InboundLimit > 0 {
		dec, err := in.cfg.Throttle.Claim(ctx, throttle.InboundBucket(mc.Identity), in.cfg.InboundLimit, in.now())
		if err != nil {
			return "", fmt.Errorf("inbound throttle: %w", err)
		}
		if !dec.Allowed {
			metrics.Inc(metrics.InboundThrottled, "identity", mc.Identity, "count", dec.Count)
			return models.OutcomeThrottled, nil
		}
	}

	route, err := in.router.Dispatch(ctx, mc, msg)
	if err != nil {
		return "", err
	}
	res.HandledBy = "route:" + route
	return models.OutcomeProcessed, nil
}

// release drops the claim even when ctx already expired.
func (in *Intake) release(ctx context.Context, messageID string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := in.dedup.ReleaseInbound(rctx, messageID); err != nil {
		slog.Error("Intake.Process release failed", "error", err, "message_id", messageID)
	}
}

func (in *Intake) fail(res models.ProcessingResult, err error) models.ProcessingResult {
	res.Outcome = models.OutcomeFailed
	res.Err = err
	metrics.Inc(metrics.InboundFailed, "message_id", res.MessageID, "error", err)
	slog.Error("Intake.Process failed", "error", err, "message_id", res.MessageID, "identity", res.Identity)
	return res
}
