package store

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/BTreeMap/MsgRouter/internal/models"
)

// columnNamePattern whitelists identifiers interpolated into SQL.
var columnNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func validColumn(name string) error {
	if !columnNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidColumn, name)
	}
	return nil
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// toMillis converts t to Unix milliseconds.
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// nullableMillis returns nil for a nil or zero time.
func nullableMillis(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// encodeValue converts a patch value into a driver value.
func encodeValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		if x.IsZero() {
			return nil
		}
		return x.UnixMilli()
	case *time.Time:
		return nullableMillis(x)
	case *bool:
		if x == nil {
			return nil
		}
		return *x
	case *string:
		if x == nil {
			return nil
		}
		return *x
	default:
		return v
	}
}

// asBool decodes booleans stored as BOOLEAN, INTEGER or TEXT.
func asBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case int64:
		return x != 0
	case int:
		return x != 0
	case []byte:
		b, _ := strconv.ParseBool(string(x))
		return b
	case string:
		b, _ := strconv.ParseBool(x)
		return b
	default:
		return false
	}
}

// asTime decodes timestamps stored as Unix milliseconds or native times.
func asTime(v any) *time.Time {
	var t time.Time
	switch x := v.(type) {
	case int64:
		t = fromMillis(x)
	case int:
		t = fromMillis(int64(x))
	case time.Time:
		t = x
	case []byte:
		ms, err := strconv.ParseInt(string(x), 10, 64)
		if err != nil {
			return nil
		}
		t = fromMillis(ms)
	case string:
		ms, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return nil
		}
		t = fromMillis(ms)
	default:
		return nil
	}
	return &t
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}

// contactFromRow builds a ContactRecord from whatever columns the row has.
func contactFromRow(identity string, row map[string]any) *models.ContactRecord {
	return &models.ContactRecord{
		Identity:      identity,
		ProfileID:     asString(row["profile_id"]),
		OptedIn:       asBool(row["opted_in"]),
		OptedOut:      asBool(row["opted_out"]),
		OptInAt:       asTime(row["opt_in_at"]),
		OptOutAt:      asTime(row["opt_out_at"]),
		LastInboundAt: asTime(row["last_inbound_at"]),
	}
}
