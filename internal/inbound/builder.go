// Package inbound turns webhook deliveries into at-most-once effects: it
// claims each message id, builds the per-message context, applies the guards
// and hands the rest to the flow dispatcher.
package inbound

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/MsgRouter/internal/flow"
	"github.com/BTreeMap/MsgRouter/internal/i18n"
	"github.com/BTreeMap/MsgRouter/internal/identity"
	"github.com/BTreeMap/MsgRouter/internal/metrics"
	"github.com/BTreeMap/MsgRouter/internal/models"
	"github.com/BTreeMap/MsgRouter/internal/tone"
)

// ProfileProvisioner gets or creates the profile of an identity.
type ProfileProvisioner interface {
	EnsureProfile(ctx context.Context, identity, localeHint string) (models.Profile, error)
}

// LocaleRefiner is consulted when lexical detection was not confident.
type LocaleRefiner interface {
	Classify(ctx context.Context, text string) (string, error)
}

// Builder resolves a MessageContext for each inbound message.
type Builder struct {
	normalizer    identity.Normalizer
	detector      *tone.Detector
	profiles      ProfileProvisioner
	states        flow.StateManager
	refiner       LocaleRefiner
	defaultLocale string
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithDefaultCountryCode lets national numbers with a trunk 0 normalize.
func WithDefaultCountryCode(cc string) BuilderOption {
	return func(b *Builder) { b.normalizer.DefaultCountryCode = cc }
}

// WithDetector replaces the default tone detector.
func WithDetector(d *tone.Detector) BuilderOption {
	return func(b *Builder) { b.detector = d }
}

// WithLocaleRefiner enables LLM refinement for unattributed text.
func WithLocaleRefiner(r LocaleRefiner) BuilderOption {
	return func(b *Builder) { b.refiner = r }
}

// WithDefaultLocale sets the last-resort locale.
func WithDefaultLocale(locale string) BuilderOption {
	return func(b *Builder) { b.defaultLocale = locale }
}

func NewBuilder(profiles ProfileProvisioner, states flow.StateManager, opts ...BuilderOption) *Builder {
	b := &Builder{
		detector:      tone.NewDetector(),
		profiles:      profiles,
		states:        states,
		defaultLocale: i18n.DefaultLocale,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build returns (nil, nil) when the sender cannot be normalized; such
// messages are dropped rather than failed.
func (b *Builder) Build(ctx context.Context, msg models.InboundMessage) (*models.MessageContext, error) {
	id, err := b.normalizer.Normalize(msg.From)
	if err != nil {
		metrics.Inc(metrics.InboundDroppedMalformed, "message_id", msg.MessageID, "reason", "identity")
		slog.Debug("Builder.Build dropping message with invalid sender", "message_id", msg.MessageID, "error", err)
		return nil, nil
	}

	detected := b.detector.Detect(msg.Text)

	profile, err := b.profiles.EnsureProfile(ctx, id, detected.Language)
	if err != nil {
		return nil, fmt.Errorf("ensure profile for %s: %w", id, err)
	}

	locale := b.resolveLocale(ctx, msg.Text, detected.Language, profile.Locale)

	state, err := b.states.GetState(ctx, id)
	if err != nil {
		return nil, err
	}

	return &models.MessageContext{
		Identity:      id,
		ProfileID:     profile.ProfileID,
		Locale:        locale,
		ToneLocale:    detected.ToneLocale,
		ToneDetection: detected.Detection,
		State:         state,
	}, nil
}

// resolveLocale picks detected language, then the refiner, then the profile
// locale, then the default.
func (b *Builder) resolveLocale(ctx context.Context, text, detected, profileLocale string) string {
	if detected != "" {
		return detected
	}
	if b.refiner != nil && strings.TrimSpace(text) != "" {
		refined, err := b.refiner.Classify(ctx, text)
		if err != nil {
			slog.Warn("Builder.Build locale refinement failed", "error", err)
		} else if refined != "" {
			return refined
		}
	}
	if profileLocale != "" {
		return profileLocale
	}
	return b.defaultLocale
}
