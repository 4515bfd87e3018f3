// Package contacts records opt-in and opt-out state for identities.
//
// The ledger tolerates schema drift: older tables may key rows by a legacy
// identity column or lack newer patch columns. Writes fall back progressively
// instead of failing on the first missing column.
package contacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/MsgRouter/internal/metrics"
	"github.com/BTreeMap/MsgRouter/internal/models"
	"github.com/BTreeMap/MsgRouter/internal/store"
)

// ErrContactWriteFailed is returned when no identity column candidate accepted the write.
var ErrContactWriteFailed = errors.New("contact write failed")

// DefaultIdentityColumns lists identity columns from newest to oldest schema.
var DefaultIdentityColumns = []string{"identity", "phone_number", "wa_id"}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	OptedIn       *bool
	OptedOut      *bool
	OptInAt       *time.Time
	OptOutAt      *time.Time
	LastInboundAt *time.Time
	ProfileID     *string
}

// fields maps the patch onto column names.
func (p Patch) fields() map[string]any {
	f := make(map[string]any)
	if p.OptedIn != nil {
		f["opted_in"] = *p.OptedIn
	}
	if p.OptedOut != nil {
		f["opted_out"] = *p.OptedOut
	}
	if p.OptInAt != nil {
		f["opt_in_at"] = *p.OptInAt
	}
	if p.OptOutAt != nil {
		f["opt_out_at"] = *p.OptOutAt
	}
	if p.LastInboundAt != nil {
		f["last_inbound_at"] = *p.LastInboundAt
	}
	if p.ProfileID != nil {
		f["profile_id"] = *p.ProfileID
	}
	return f
}

// OptOut returns the patch written for STOP.
func OptOut(now time.Time) Patch {
	in, out := false, true
	return Patch{OptedIn: &in, OptedOut: &out, OptOutAt: &now, LastInboundAt: &now}
}

// OptIn returns the patch written for START.
func OptIn(now time.Time) Patch {
	in, out := true, false
	return Patch{OptedIn: &in, OptedOut: &out, OptInAt: &now, LastInboundAt: &now}
}

// Opts configures a Ledger.
type Opts struct {
	IdentityColumns []string
}

// Option configures a Ledger.
type Option func(*Opts)

// WithIdentityColumns overrides the identity column candidates.
func WithIdentityColumns(cols ...string) Option {
	return func(o *Opts) {
		o.IdentityColumns = cols
	}
}

// Ledger writes contact records through a store.ContactRepo.
type Ledger struct {
	repo      store.ContactRepo
	idColumns []string
}

// NewLedger creates a Ledger.
func NewLedger(repo store.ContactRepo, opts ...Option) *Ledger {
	cfg := Opts{IdentityColumns: DefaultIdentityColumns}
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(cfg.IdentityColumns) == 0 {
		cfg.IdentityColumns = DefaultIdentityColumns
	}
	return &Ledger{repo: repo, idColumns: cfg.IdentityColumns}
}

// UpsertOptState applies patch to identity's contact row, creating the row if needed.
func (l *Ledger) UpsertOptState(ctx context.Context, identity string, patch Patch) error {
	var lastErr error
	for _, idCol := range l.idColumns {
		fields := patch.fields()
		for {
			err := l.repo.UpsertContactRow(ctx, idCol, identity, fields)
			if err == nil {
				slog.Debug("Ledger.UpsertOptState succeeded", "identity", identity, "idColumn", idCol, "fields", len(fields))
				return nil
			}
			var mce *store.MissingColumnError
			if !errors.As(err, &mce) {
				slog.Error("Ledger.UpsertOptState failed", "error", err, "identity", identity, "idColumn", idCol)
				return fmt.Errorf("upsert contact %s: %w", identity, err)
			}
			lastErr = err
			if mce.Column == idCol {
				metrics.Inc(metrics.ContactColumnFallback, "missing", idCol, "kind", "identity")
				break
			}
			if _, ok := fields[mce.Column]; !ok {
				slog.Error("Ledger.UpsertOptState: unexpected missing column", "column", mce.Column, "idColumn", idCol)
				return fmt.Errorf("upsert contact %s: %w", identity, err)
			}
			metrics.Inc(metrics.ContactColumnFallback, "missing", mce.Column, "kind", "field")
			slog.Warn("Ledger.UpsertOptState: dropping missing column", "column", mce.Column, "idColumn", idCol)
			delete(fields, mce.Column)
		}
	}
	return fmt.Errorf("%w for %s: %w", ErrContactWriteFailed, identity, lastErr)
}

// Get reads identity's contact record, or nil when none exists.
func (l *Ledger) Get(ctx context.Context, identity string) (*models.ContactRecord, error) {
	var lastErr error
	for _, idCol := range l.idColumns {
		rec, err := l.repo.GetContactRow(ctx, idCol, identity)
		if err == nil {
			return rec, nil
		}
		var mce *store.MissingColumnError
		if !errors.As(err, &mce) || mce.Column != idCol {
			return nil, fmt.Errorf("get contact %s: %w", identity, err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w for %s: %w", ErrContactWriteFailed, identity, lastErr)
}
