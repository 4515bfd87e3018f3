package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/MsgRouter/internal/models"
	"github.com/google/uuid"
)

// sqlStore implements Store on top of database/sql. Queries are written with
// "?" placeholders and rebound for the engine in use.
type sqlStore struct {
	db     *sql.DB
	name   string
	dollar bool
	// translate maps driver errors for table into store errors.
	translate func(err error, table string) error
}

func (s *sqlStore) rebind(query string) string {
	if !s.dollar {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, table, query string, args ...any) (sql.Result, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, s.translate(err, table)
	}
	return res, nil
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug(s.name+".Close: closing database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error(s.name+".Close: failed to close database", "error", err)
	}
	return err
}

// ---- Conversation state ----

func (s *sqlStore) GetConversationState(ctx context.Context, identity string) (*models.ConversationState, error) {
	var (
		st        models.ConversationState
		dataJSON  sql.NullString
		updatedAt int64
		expiresAt sql.NullInt64
	)
	err := s.queryRow(ctx,
		`SELECT identity, key, data_json, updated_at, expires_at FROM conversation_state WHERE identity = ?`,
		identity,
	).Scan(&st.Identity, &st.Key, &dataJSON, &updatedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+".GetConversationState failed", "error", err, "identity", identity)
		return nil, fmt.Errorf("get conversation state: %w", s.translate(err, TableConversationState))
	}
	st.UpdatedAt = fromMillis(updatedAt)
	if expiresAt.Valid {
		t := fromMillis(expiresAt.Int64)
		st.ExpiresAt = &t
	}
	if dataJSON.Valid && dataJSON.String != "" {
		if err := json.Unmarshal([]byte(dataJSON.String), &st.Data); err != nil {
			slog.Error(s.name+".GetConversationState JSON unmarshal failed", "error", err, "identity", identity)
			return nil, fmt.Errorf("decode conversation state data: %w", err)
		}
	}
	return &st, nil
}

func (s *sqlStore) SaveConversationState(ctx context.Context, st models.ConversationState) error {
	var dataJSON any
	if len(st.Data) > 0 {
		b, err := json.Marshal(st.Data)
		if err != nil {
			slog.Error(s.name+".SaveConversationState JSON marshal failed", "error", err, "identity", st.Identity)
			return fmt.Errorf("encode conversation state data: %w", err)
		}
		dataJSON = string(b)
	}
	_, err := s.exec(ctx, TableConversationState,
		`INSERT INTO conversation_state (identity, key, data_json, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (identity) DO UPDATE SET
			key = excluded.key,
			data_json = excluded.data_json,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		st.Identity, st.Key, dataJSON, toMillis(st.UpdatedAt), nullableMillis(st.ExpiresAt),
	)
	if err != nil {
		slog.Error(s.name+".SaveConversationState failed", "error", err, "identity", st.Identity, "key", st.Key)
		return fmt.Errorf("save conversation state: %w", err)
	}
	slog.Debug(s.name+".SaveConversationState succeeded", "identity", st.Identity, "key", st.Key)
	return nil
}

func (s *sqlStore) DeleteConversationState(ctx context.Context, identity string) error {
	if _, err := s.exec(ctx, TableConversationState, `DELETE FROM conversation_state WHERE identity = ?`, identity); err != nil {
		slog.Error(s.name+".DeleteConversationState failed", "error", err, "identity", identity)
		return fmt.Errorf("delete conversation state: %w", err)
	}
	return nil
}

// ---- Contact ledger ----

func (s *sqlStore) UpsertContactRow(ctx context.Context, idColumn, identity string, fields map[string]any) error {
	if err := validColumn(idColumn); err != nil {
		return err
	}
	cols := make([]string, 0, len(fields))
	for c := range fields {
		if err := validColumn(c); err != nil {
			return err
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)

	update := func() (bool, error) {
		if len(cols) == 0 {
			return false, nil
		}
		sets := make([]string, len(cols))
		args := make([]any, 0, len(cols)+1)
		for i, c := range cols {
			sets[i] = c + " = ?"
			args = append(args, encodeValue(fields[c]))
		}
		args = append(args, identity)
		res, err := s.exec(ctx, TableContactLedger,
			`UPDATE contact_ledger SET `+strings.Join(sets, ", ")+` WHERE `+idColumn+` = ?`, args...)
		if err != nil {
			return false, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("contact update rows affected: %w", err)
		}
		return n > 0, nil
	}

	updated, err := update()
	if err != nil {
		return err
	}
	if updated {
		slog.Debug(s.name+".UpsertContactRow updated", "idColumn", idColumn, "identity", identity, "fields", cols)
		return nil
	}

	insertCols := append([]string{idColumn}, cols...)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(insertCols)), ", ")
	args := make([]any, 0, len(insertCols))
	args = append(args, identity)
	for _, c := range cols {
		args = append(args, encodeValue(fields[c]))
	}
	res, err := s.exec(ctx, TableContactLedger,
		`INSERT INTO contact_ledger (`+strings.Join(insertCols, ", ")+`) VALUES (`+placeholders+`) ON CONFLICT DO NOTHING`,
		args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("contact insert rows affected: %w", err)
	}
	if n > 0 {
		slog.Debug(s.name+".UpsertContactRow inserted", "idColumn", idColumn, "identity", identity, "fields", cols)
		return nil
	}

	// A concurrent writer inserted the row between our update and insert.
	if _, err := update(); err != nil {
		return err
	}
	return nil
}

func (s *sqlStore) GetContactRow(ctx context.Context, idColumn, identity string) (*models.ContactRecord, error) {
	if err := validColumn(idColumn); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT * FROM contact_ledger WHERE `+idColumn+` = ?`), identity)
	if err != nil {
		return nil, s.translate(err, TableContactLedger)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("contact columns: %w", err)
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("contact query: %w", err)
		}
		return nil, nil
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan contact row: %w", err)
	}
	row := make(map[string]any, len(cols))
	for i, c := range cols {
		row[strings.ToLower(c)] = vals[i]
	}
	return contactFromRow(identity, row), nil
}

// ---- Throttle windows ----

func (s *sqlStore) GetThrottleWindow(ctx context.Context, bucketID string, windowStart int64) (*models.ThrottleWindowCounter, error) {
	var c models.ThrottleWindowCounter
	err := s.queryRow(ctx,
		`SELECT bucket_id, window_start, window_end, count, "limit" FROM throttle_window WHERE bucket_id = ? AND window_start = ?`,
		bucketID, windowStart,
	).Scan(&c.BucketID, &c.WindowStart, &c.WindowEnd, &c.Count, &c.Limit)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get throttle window: %w", s.translate(err, TableThrottleWindow))
	}
	return &c, nil
}

func (s *sqlStore) InsertThrottleWindow(ctx context.Context, c models.ThrottleWindowCounter) (bool, error) {
	res, err := s.exec(ctx, TableThrottleWindow,
		`INSERT INTO throttle_window (bucket_id, window_start, window_end, count, "limit", expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (bucket_id, window_start) DO NOTHING`,
		c.BucketID, c.WindowStart, c.WindowEnd, c.Count, c.Limit, c.WindowEnd,
	)
	if err != nil {
		return false, fmt.Errorf("insert throttle window: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("throttle insert rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) CompareAndSwapThrottleCount(ctx context.Context, bucketID string, windowStart int64, expected, next int) (bool, error) {
	res, err := s.exec(ctx, TableThrottleWindow,
		`UPDATE throttle_window SET count = ? WHERE bucket_id = ? AND window_start = ? AND count = ?`,
		next, bucketID, windowStart, expected,
	)
	if err != nil {
		return false, fmt.Errorf("cas throttle count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("throttle cas rows affected: %w", err)
	}
	return n > 0, nil
}

// ---- Inbound dedupe ----

func (s *sqlStore) ClaimInbound(ctx context.Context, rec models.DedupRecord, staleBefore time.Time) (bool, error) {
	now := rec.ClaimedAt
	if now.IsZero() {
		now = time.Now()
	}
	received := rec.ReceivedAt
	if received.IsZero() {
		received = now
	}
	res, err := s.exec(ctx, TableInboundDedup,
		`INSERT INTO inbound_dedup (message_id, identity, received_at, claimed_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (message_id) DO UPDATE SET
			identity = excluded.identity,
			received_at = excluded.received_at,
			claimed_at = excluded.claimed_at,
			expires_at = excluded.expires_at,
			processed_at = NULL,
			outcome = NULL
		WHERE (inbound_dedup.processed_at IS NULL AND inbound_dedup.claimed_at < ?)
			OR inbound_dedup.expires_at <= ?`,
		rec.MessageID, nilIfEmpty(rec.Identity), toMillis(received), toMillis(now), toMillis(rec.ExpiresAt),
		toMillis(staleBefore), toMillis(now),
	)
	if err != nil {
		slog.Error(s.name+".ClaimInbound failed", "error", err, "messageID", rec.MessageID)
		return false, fmt.Errorf("claim inbound: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim inbound rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) GetInbound(ctx context.Context, messageID string) (*models.DedupRecord, error) {
	var (
		rec         models.DedupRecord
		identity    sql.NullString
		outcome     sql.NullString
		receivedAt  int64
		claimedAt   int64
		processedAt sql.NullInt64
		expiresAt   int64
	)
	err := s.queryRow(ctx,
		`SELECT message_id, identity, received_at, claimed_at, processed_at, outcome, expires_at FROM inbound_dedup WHERE message_id = ?`,
		messageID,
	).Scan(&rec.MessageID, &identity, &receivedAt, &claimedAt, &processedAt, &outcome, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get inbound: %w", s.translate(err, TableInboundDedup))
	}
	rec.Identity = identity.String
	rec.Outcome = models.Outcome(outcome.String)
	rec.ReceivedAt = fromMillis(receivedAt)
	rec.ClaimedAt = fromMillis(claimedAt)
	rec.ExpiresAt = fromMillis(expiresAt)
	if processedAt.Valid {
		t := fromMillis(processedAt.Int64)
		rec.ProcessedAt = &t
	}
	return &rec, nil
}

func (s *sqlStore) MarkProcessed(ctx context.Context, messageID string, outcome models.Outcome, at time.Time) error {
	_, err := s.exec(ctx, TableInboundDedup,
		`UPDATE inbound_dedup SET processed_at = ?, outcome = ? WHERE message_id = ?`,
		toMillis(at), string(outcome), messageID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *sqlStore) ReleaseInbound(ctx context.Context, messageID string) error {
	_, err := s.exec(ctx, TableInboundDedup,
		`DELETE FROM inbound_dedup WHERE message_id = ? AND processed_at IS NULL`, messageID)
	if err != nil {
		return fmt.Errorf("release inbound failed: %w", err)
	}
	return nil
}

// ---- Profiles ----

func (s *sqlStore) EnsureProfile(ctx context.Context, identity, localeHint string) (models.Profile, error) {
	_, err := s.exec(ctx, TableProfiles,
		`INSERT INTO profiles (profile_id, identity, locale, created_at) VALUES (?, ?, ?, ?) ON CONFLICT (identity) DO NOTHING`,
		uuid.NewString(), identity, nilIfEmpty(localeHint), toMillis(time.Now()),
	)
	if err != nil {
		slog.Error(s.name+".EnsureProfile insert failed", "error", err, "identity", identity)
		return models.Profile{}, fmt.Errorf("ensure profile: %w", err)
	}
	p, err := s.GetProfile(ctx, identity)
	if err != nil {
		return models.Profile{}, err
	}
	if p == nil {
		return models.Profile{}, fmt.Errorf("ensure profile: row for %s vanished", identity)
	}
	return *p, nil
}

func (s *sqlStore) GetProfile(ctx context.Context, identity string) (*models.Profile, error) {
	var (
		p         models.Profile
		locale    sql.NullString
		createdAt int64
	)
	err := s.queryRow(ctx,
		`SELECT profile_id, identity, locale, created_at FROM profiles WHERE identity = ?`, identity,
	).Scan(&p.ProfileID, &p.Identity, &locale, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", s.translate(err, TableProfiles))
	}
	p.Locale = locale.String
	p.CreatedAt = fromMillis(createdAt)
	return &p, nil
}

func (s *sqlStore) UpdateProfileLocale(ctx context.Context, identity, locale string) error {
	_, err := s.exec(ctx, TableProfiles, `UPDATE profiles SET locale = ? WHERE identity = ?`, nilIfEmpty(locale), identity)
	if err != nil {
		return fmt.Errorf("update profile locale: %w", err)
	}
	return nil
}

// ---- Retention ----

func (s *sqlStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	ms := toMillis(now)
	stmts := []struct {
		table string
		query string
	}{
		{TableConversationState, `DELETE FROM conversation_state WHERE expires_at IS NOT NULL AND expires_at <= ?`},
		{TableThrottleWindow, `DELETE FROM throttle_window WHERE expires_at <= ?`},
		{TableInboundDedup, `DELETE FROM inbound_dedup WHERE expires_at <= ?`},
	}
	var total int64
	var errs []error
	for _, st := range stmts {
		res, err := s.exec(ctx, st.table, st.query, ms)
		if err != nil {
			errs = append(errs, fmt.Errorf("purge %s: %w", st.table, err))
			continue
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, errors.Join(errs...)
}
