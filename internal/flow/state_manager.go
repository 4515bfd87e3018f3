package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/MsgRouter/internal/models"
	"github.com/BTreeMap/MsgRouter/internal/store"
)

// StoreBasedStateManager implements StateManager using a store.StateRepo backend.
type StoreBasedStateManager struct {
	repo store.StateRepo
	ttl  time.Duration
	now  func() time.Time
}

var _ StateManager = (*StoreBasedStateManager)(nil)

// StateOption configures a StoreBasedStateManager.
type StateOption func(*StoreBasedStateManager)

// WithStateTTL sets the state lifetime. Zero disables expiry.
func WithStateTTL(ttl time.Duration) StateOption {
	return func(sm *StoreBasedStateManager) { sm.ttl = ttl }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) StateOption {
	return func(sm *StoreBasedStateManager) { sm.now = now }
}

// NewStoreBasedStateManager creates a new StateManager backed by repo.
func NewStoreBasedStateManager(repo store.StateRepo, opts ...StateOption) *StoreBasedStateManager {
	sm := &StoreBasedStateManager{repo: repo, ttl: DefaultStateTTL, now: time.Now}
	for _, opt := range opts {
		opt(sm)
	}
	slog.Debug("Creating StoreBasedStateManager", "ttl", sm.ttl)
	return sm
}

// GetState retrieves the live state for identity.
func (sm *StoreBasedStateManager) GetState(ctx context.Context, identity string) (*models.ConversationState, error) {
	st, err := sm.repo.GetConversationState(ctx, identity)
	if err != nil {
		slog.Error("StateManager.GetState error", "error", err, "identity", identity)
		return nil, fmt.Errorf("get state for %s: %w", identity, err)
	}
	if st == nil {
		return nil, nil
	}
	if st.Expired(sm.now()) {
		slog.Debug("StateManager.GetState expired", "identity", identity, "key", st.Key)
		return nil, nil
	}
	return st, nil
}

// SetState replaces the state for identity, stamping UpdatedAt and ExpiresAt.
func (sm *StoreBasedStateManager) SetState(ctx context.Context, identity, key string, data map[string]any) error {
	now := sm.now().UTC()
	st := models.ConversationState{
		Identity:  identity,
		Key:       key,
		Data:      data,
		UpdatedAt: now,
	}
	if sm.ttl > 0 {
		exp := now.Add(sm.ttl)
		st.ExpiresAt = &exp
	}
	if err := sm.repo.SaveConversationState(ctx, st); err != nil {
		slog.Error("StateManager.SetState error", "error", err, "identity", identity, "key", key)
		return fmt.Errorf("set state for %s: %w", identity, err)
	}
	slog.Debug("StateManager.SetState succeeded", "identity", identity, "key", key)
	return nil
}

// ClearState removes the state for identity.
func (sm *StoreBasedStateManager) ClearState(ctx context.Context, identity string) error {
	if err := sm.repo.DeleteConversationState(ctx, identity); err != nil {
		slog.Error("StateManager.ClearState error", "error", err, "identity", identity)
		return fmt.Errorf("clear state for %s: %w", identity, err)
	}
	slog.Debug("StateManager.ClearState succeeded", "identity", identity)
	return nil
}
