// Package identity canonicalizes raw sender addresses into stable user identities.
//
// An identity is an E.164-style string ("+250788000111"). It is used as a
// storage key by every other component, so normalization must be deterministic.
package identity

import (
	"errors"
	"fmt"
	"strings"
)

// Length bounds for the digit part of an identity (E.164 allows up to 15 digits).
const (
	MinDigits = 8
	MaxDigits = 15
)

// ErrInvalidIdentity is matched by every InvalidIdentityError.
var ErrInvalidIdentity = errors.New("invalid identity")

// InvalidIdentityError reports why a raw address could not be normalized.
type InvalidIdentityError struct {
	Raw    string
	Reason string
}

func (e *InvalidIdentityError) Error() string {
	return fmt.Sprintf("invalid identity %q: %s", e.Raw, e.Reason)
}

// Is lets errors.Is(err, ErrInvalidIdentity) match.
func (e *InvalidIdentityError) Is(target error) bool {
	return target == ErrInvalidIdentity
}

// knownPrefixes are transport schemes stripped before parsing.
var knownPrefixes = []string{"whatsapp:", "tel:", "wa:"}

// jidSuffixes are WhatsApp JID server parts stripped before parsing.
var jidSuffixes = []string{"@s.whatsapp.net", "@c.us"}

// lidSuffix marks a WhatsApp linked identity. Its user part is an opaque id.
const lidSuffix = "@lid"

// Normalizer holds the settings used to canonicalize national numbers.
type Normalizer struct {
	// DefaultCountryCode replaces a single national trunk "0". Empty rejects national numbers.
	DefaultCountryCode string
}

var defaultNormalizer Normalizer

// Normalize canonicalizes raw using no default country code.
func Normalize(raw string) (string, error) {
	return defaultNormalizer.Normalize(raw)
}

// Normalize canonicalizes raw into "+<digits>".
func (n Normalizer) Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", &InvalidIdentityError{Raw: raw, Reason: "empty"}
	}

	lower := strings.ToLower(s)
	for _, p := range knownPrefixes {
		if strings.HasPrefix(lower, p) {
			s = s[len(p):]
			lower = lower[len(p):]
			break
		}
	}
	if strings.HasSuffix(lower, lidSuffix) {
		return "", &InvalidIdentityError{Raw: raw, Reason: "linked identity is not a phone number"}
	}
	for _, suffix := range jidSuffixes {
		if strings.HasSuffix(lower, suffix) {
			s = s[:len(s)-len(suffix)]
			break
		}
	}
	// Multi-device JIDs carry a ":<device>" part after the user.
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case ' ', '-', '.', '(', ')', '\t':
			continue
		}
		b.WriteRune(r)
	}
	s = b.String()

	international := false
	switch {
	case strings.HasPrefix(s, "+"):
		s = s[1:]
		international = true
	case strings.HasPrefix(s, "00"):
		s = s[2:]
		international = true
	}

	if s == "" {
		return "", &InvalidIdentityError{Raw: raw, Reason: "no digits"}
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return "", &InvalidIdentityError{Raw: raw, Reason: "non-numeric characters"}
		}
	}

	if !international && strings.HasPrefix(s, "0") {
		if n.DefaultCountryCode == "" {
			return "", &InvalidIdentityError{Raw: raw, Reason: "national number without default country code"}
		}
		s = strings.TrimPrefix(n.DefaultCountryCode, "+") + s[1:]
	}

	if strings.HasPrefix(s, "0") {
		return "", &InvalidIdentityError{Raw: raw, Reason: "country code cannot start with 0"}
	}
	if len(s) < MinDigits {
		return "", &InvalidIdentityError{Raw: raw, Reason: fmt.Sprintf("too short (minimum %d digits)", MinDigits)}
	}
	if len(s) > MaxDigits {
		return "", &InvalidIdentityError{Raw: raw, Reason: fmt.Sprintf("too long (maximum %d digits)", MaxDigits)}
	}

	return "+" + s, nil
}

// Digits returns the identity without its leading "+", the form WhatsApp JIDs use.
func Digits(id string) string {
	return strings.TrimPrefix(id, "+")
}
