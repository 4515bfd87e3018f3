package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/MsgRouter/internal/models"
	"github.com/google/uuid"
)

// defaultContactColumns mirrors the contact_ledger migration.
var defaultContactColumns = []string{
	"identity", "profile_id", "opted_in", "opted_out", "opt_in_at", "opt_out_at", "last_inbound_at",
}

type throttleKey struct {
	bucket string
	start  int64
}

// InMemoryStore is a Store kept in process memory. Its mutex stands in for the
// row-level atomicity a database engine provides; each method is one "statement".
type InMemoryStore struct {
	mu             sync.Mutex
	states         map[string]models.ConversationState
	contactColumns map[string]bool
	contacts       []map[string]any
	throttles      map[throttleKey]models.ThrottleWindowCounter
	dedup          map[string]models.DedupRecord
	profiles       map[string]models.Profile
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	cols := cfg.ContactColumns
	if len(cols) == 0 {
		cols = defaultContactColumns
	}
	colSet := make(map[string]bool, len(cols))
	for _, c := range cols {
		colSet[c] = true
	}
	return &InMemoryStore{
		states:         make(map[string]models.ConversationState),
		contactColumns: colSet,
		throttles:      make(map[throttleKey]models.ThrottleWindowCounter),
		dedup:          make(map[string]models.DedupRecord),
		profiles:       make(map[string]models.Profile),
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) GetConversationState(ctx context.Context, identity string) (*models.ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[identity]
	if !ok {
		return nil, nil
	}
	st.Data = copyData(st.Data)
	return &st, nil
}

func (s *InMemoryStore) SaveConversationState(ctx context.Context, st models.ConversationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.Data = copyData(st.Data)
	s.states[st.Identity] = st
	return nil
}

func (s *InMemoryStore) DeleteConversationState(ctx context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, identity)
	return nil
}

func (s *InMemoryStore) UpsertContactRow(ctx context.Context, idColumn, identity string, fields map[string]any) error {
	if err := validColumn(idColumn); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.contactColumns[idColumn] {
		return &MissingColumnError{Table: TableContactLedger, Column: idColumn}
	}
	cols := make([]string, 0, len(fields))
	for c := range fields {
		if err := validColumn(c); err != nil {
			return err
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)
	for _, c := range cols {
		if !s.contactColumns[c] {
			return &MissingColumnError{Table: TableContactLedger, Column: c}
		}
	}

	row := s.findContact(idColumn, identity)
	if row == nil {
		row = map[string]any{idColumn: identity}
		s.contacts = append(s.contacts, row)
	}
	for _, c := range cols {
		row[c] = encodeValue(fields[c])
	}
	return nil
}

func (s *InMemoryStore) GetContactRow(ctx context.Context, idColumn, identity string) (*models.ContactRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.contactColumns[idColumn] {
		return nil, &MissingColumnError{Table: TableContactLedger, Column: idColumn}
	}
	row := s.findContact(idColumn, identity)
	if row == nil {
		return nil, nil
	}
	return contactFromRow(identity, row), nil
}

func (s *InMemoryStore) findContact(idColumn, identity string) map[string]any {
	for _, row := range s.contacts {
		if v, ok := row[idColumn].(string); ok && v == identity {
			return row
		}
	}
	return nil
}

func (s *InMemoryStore) GetThrottleWindow(ctx context.Context, bucketID string, windowStart int64) (*models.ThrottleWindowCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.throttles[throttleKey{bucketID, windowStart}]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *InMemoryStore) InsertThrottleWindow(ctx context.Context, c models.ThrottleWindowCounter) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := throttleKey{c.BucketID, c.WindowStart}
	if _, exists := s.throttles[key]; exists {
		return false, nil
	}
	s.throttles[key] = c
	return true, nil
}

func (s *InMemoryStore) CompareAndSwapThrottleCount(ctx context.Context, bucketID string, windowStart int64, expected, next int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := throttleKey{bucketID, windowStart}
	c, ok := s.throttles[key]
	if !ok || c.Count != expected {
		return false, nil
	}
	c.Count = next
	s.throttles[key] = c
	return true, nil
}

func (s *InMemoryStore) ClaimInbound(ctx context.Context, rec models.DedupRecord, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ClaimedAt.IsZero() {
		rec.ClaimedAt = time.Now()
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = rec.ClaimedAt
	}
	if existing, ok := s.dedup[rec.MessageID]; ok {
		stale := existing.ProcessedAt == nil && existing.ClaimedAt.Before(staleBefore)
		expired := !existing.ExpiresAt.IsZero() && !existing.ExpiresAt.After(rec.ClaimedAt)
		if !stale && !expired {
			return false, nil
		}
	}
	rec.ProcessedAt = nil
	rec.Outcome = ""
	s.dedup[rec.MessageID] = rec
	return true, nil
}

func (s *InMemoryStore) GetInbound(ctx context.Context, messageID string) (*models.DedupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dedup[messageID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string, outcome models.Outcome, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dedup[messageID]
	if !ok {
		return nil
	}
	rec.ProcessedAt = &at
	rec.Outcome = outcome
	s.dedup[messageID] = rec
	return nil
}

func (s *InMemoryStore) ReleaseInbound(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageID]; ok && rec.ProcessedAt == nil {
		delete(s.dedup, messageID)
	}
	return nil
}

func (s *InMemoryStore) EnsureProfile(ctx context.Context, identity, localeHint string) (models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.profiles[identity]; ok {
		return p, nil
	}
	p := models.Profile{
		ProfileID: uuid.NewString(),
		Identity:  identity,
		Locale:    localeHint,
		CreatedAt: time.Now().UTC(),
	}
	s.profiles[identity] = p
	return p, nil
}

func (s *InMemoryStore) GetProfile(ctx context.Context, identity string) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[identity]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *InMemoryStore) UpdateProfileLocale(ctx context.Context, identity, locale string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[identity]
	if !ok {
		return nil
	}
	p.Locale = locale
	s.profiles[identity] = p
	return nil
}

func (s *InMemoryStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, st := range s.states {
		if st.Expired(now) {
			delete(s.states, id)
			n++
		}
	}
	ms := toMillis(now)
	for k, c := range s.throttles {
		if c.WindowEnd <= ms {
			delete(s.throttles, k)
			n++
		}
	}
	for id, rec := range s.dedup {
		if !rec.ExpiresAt.IsZero() && !rec.ExpiresAt.After(now) {
			delete(s.dedup, id)
			n++
		}
	}
	return n, nil
}

func copyData(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
