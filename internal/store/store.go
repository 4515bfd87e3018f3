// Package store provides storage backends for MsgRouter.
//
// Three engines implement Store: SQLite (default), PostgreSQL, and an
// in-memory store for tests. Every mutation is a single-row atomic statement
// so callers never need an application-level lock.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/MsgRouter/internal/models"
)

// Table names.
const (
	TableConversationState = "conversation_state"
	TableContactLedger     = "contact_ledger"
	TableThrottleWindow    = "throttle_window"
	TableInboundDedup      = "inbound_dedup"
	TableProfiles          = "profiles"
)

// ErrInvalidColumn is returned when a caller-supplied column name is not a plain identifier.
var ErrInvalidColumn = errors.New("invalid column name")

// MissingColumnError reports that a statement referenced a column the table lacks.
// Engines translate their driver-specific errors into this type.
type MissingColumnError struct {
	Table  string
	Column string
	Err    error
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("column %q missing from table %q", e.Column, e.Table)
}

func (e *MissingColumnError) Unwrap() error {
	return e.Err
}

// StateRepo persists the single active conversation state row per identity.
// Rows are returned as stored; expiry is the caller's concern.
type StateRepo interface {
	GetConversationState(ctx context.Context, identity string) (*models.ConversationState, error)
	SaveConversationState(ctx context.Context, state models.ConversationState) error
	DeleteConversationState(ctx context.Context, identity string) error
}

// ContactRepo writes contact ledger rows keyed by a caller-chosen identity column.
type ContactRepo interface {
	// UpsertContactRow updates the row whose idColumn equals identity, inserting it
	// when absent. Missing columns surface as *MissingColumnError.
	UpsertContactRow(ctx context.Context, idColumn, identity string, fields map[string]any) error
	// GetContactRow returns nil when no row matches.
	GetContactRow(ctx context.Context, idColumn, identity string) (*models.ContactRecord, error)
}

// ThrottleRepo exposes the primitives of a compare-and-swap window counter.
type ThrottleRepo interface {
	// GetThrottleWindow returns nil when the window row does not exist.
	GetThrottleWindow(ctx context.Context, bucketID string, windowStart int64) (*models.ThrottleWindowCounter, error)
	// InsertThrottleWindow returns false when a row for the window already exists.
	InsertThrottleWindow(ctx context.Context, c models.ThrottleWindowCounter) (bool, error)
	// CompareAndSwapThrottleCount sets count to next only if it still equals expected.
	CompareAndSwapThrottleCount(ctx context.Context, bucketID string, windowStart int64, expected, next int) (bool, error)
}

// DedupRepo records inbound message ids so redelivered webhooks run at most once.
type DedupRepo interface {
	// ClaimInbound atomically claims rec.MessageID. It succeeds when no row exists,
	// when the existing row is an unprocessed claim older than staleBefore, or when
	// the existing row has expired.
	ClaimInbound(ctx context.Context, rec models.DedupRecord, staleBefore time.Time) (bool, error)
	// GetInbound returns nil when the message id is unknown.
	GetInbound(ctx context.Context, messageID string) (*models.DedupRecord, error)
	MarkProcessed(ctx context.Context, messageID string, outcome models.Outcome, at time.Time) error
	// ReleaseInbound drops an unprocessed claim so a redelivery runs again.
	ReleaseInbound(ctx context.Context, messageID string) error
}

// ProfileRepo provisions user profiles.
type ProfileRepo interface {
	// EnsureProfile returns the profile for identity, creating it with localeHint
	// when absent. Concurrent callers observe the same profile.
	EnsureProfile(ctx context.Context, identity, localeHint string) (models.Profile, error)
	GetProfile(ctx context.Context, identity string) (*models.Profile, error)
	UpdateProfileLocale(ctx context.Context, identity, locale string) error
}

// Store is implemented by every engine.
type Store interface {
	StateRepo
	ContactRepo
	ThrottleRepo
	DedupRepo
	ProfileRepo
	// PurgeExpired deletes expired state, throttle and dedupe rows.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
	// ContactColumns restricts the in-memory contact ledger to the given columns.
	ContactColumns []string
}

// Option configures a store.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithContactColumns emulates a contact ledger table that only has cols.
func WithContactColumns(cols ...string) Option {
	return func(o *Opts) {
		o.ContactColumns = cols
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "user=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open picks the engine matching dsn.
func Open(dsn string) (Store, error) {
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}
