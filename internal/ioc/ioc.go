// Package ioc defines the indicator taxonomy and the pure classification
// and canonicalization functions every ingest path runs before touching
// storage.
package ioc

import (
	"database/sql/driver"
	"fmt"
	"net"
	"strings"
)

// Type is the kind of observable an indicator value represents.
type Type string

const (
	TypeIP     Type = "ip"
	TypeDomain Type = "domain"
	TypeURL    Type = "url"
	TypeHash   Type = "hash"
	TypeEmail  Type = "email"
	TypeCVE    Type = "cve"
)

// Types lists every valid indicator type.
func Types() []Type {
	return []Type{TypeIP, TypeDomain, TypeURL, TypeHash, TypeEmail, TypeCVE}
}

// Valid reports whether t is a known indicator type.
func (t Type) Valid() bool {
	switch t {
	case TypeIP, TypeDomain, TypeURL, TypeHash, TypeEmail, TypeCVE:
		return true
	}
	return false
}

func (t Type) String() string { return string(t) }

// Value implements driver.Valuer so Type binds to the ioc_type enum column.
func (t Type) Value() (driver.Value, error) { return string(t), nil }

// Scan implements sql.Scanner; lib/pq returns enum values as []byte.
func (t *Type) Scan(src any) error {
	s, err := scanString(src)
	if err != nil {
		return fmt.Errorf("ioc type: %w", err)
	}
	*t = Type(s)
	return nil
}

// Severity orders threat levels from Unknown (lowest) to Critical.
type Severity string

const (
	SeverityUnknown  Severity = "unknown"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Ordinal returns the position of s in the severity order. Unknown is 0.
func (s Severity) Ordinal() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityUnknown, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

func (s Severity) String() string { return string(s) }

// Max returns the higher of two severities by ordinal.
func (s Severity) Max(other Severity) Severity {
	if other.Ordinal() > s.Ordinal() {
		return other
	}
	return s
}

func (s Severity) Value() (driver.Value, error) { return string(s), nil }

func (s *Severity) Scan(src any) error {
	v, err := scanString(src)
	if err != nil {
		return fmt.Errorf("severity: %w", err)
	}
	*s = Severity(v)
	return nil
}

// SeverityFromScore maps a 0-100 threat score onto a severity bucket.
// Out-of-range scores map to Unknown.
func SeverityFromScore(score int) Severity {
	switch {
	case score >= 0 && score <= 20:
		return SeverityLow
	case score >= 21 && score <= 50:
		return SeverityMedium
	case score >= 51 && score <= 80:
		return SeverityHigh
	case score >= 81 && score <= 100:
		return SeverityCritical
	}
	return SeverityUnknown
}

// TLP is the Traffic Light Protocol sharing restriction.
type TLP string

const (
	TLPWhite TLP = "white"
	TLPGreen TLP = "green"
	TLPAmber TLP = "amber"
	TLPRed   TLP = "red"
)

// Valid reports whether t is a known TLP label.
func (t TLP) Valid() bool {
	switch t {
	case TLPWhite, TLPGreen, TLPAmber, TLPRed:
		return true
	}
	return false
}

func (t TLP) String() string { return string(t) }

func (t TLP) Value() (driver.Value, error) { return string(t), nil }

func (t *TLP) Scan(src any) error {
	s, err := scanString(src)
	if err != nil {
		return fmt.Errorf("tlp: %w", err)
	}
	*t = TLP(s)
	return nil
}

func scanString(src any) (string, error) {
	switch v := src.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	}
	return "", fmt.Errorf("cannot scan %T", src)
}

// Detect infers the indicator type of a raw value. Rules are tried in
// order; the first match wins. Returns false for empty or unrecognizable
// input.
func Detect(value string) (Type, bool) {
	v := strings.TrimSpace(value)
	if v == "" {
		return "", false
	}

	if len(v) >= 4 && strings.EqualFold(v[:4], "CVE-") {
		return TypeCVE, true
	}

	// MD5=32, SHA1=40, SHA256=64 hex characters.
	if (len(v) == 32 || len(v) == 40 || len(v) == 64) && isHex(v) {
		return TypeHash, true
	}

	if strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") {
		return TypeURL, true
	}

	if strings.Contains(v, "@") && strings.Contains(v, ".") {
		return TypeEmail, true
	}

	if net.ParseIP(v) != nil {
		return TypeIP, true
	}

	// CIDR notation counts as an IP indicator.
	if before, _, found := strings.Cut(v, "/"); found {
		if net.ParseIP(before) != nil {
			return TypeIP, true
		}
	}

	if strings.Contains(v, ".") &&
		!strings.ContainsAny(v, " \t/@") &&
		isDomainChars(v) {
		return TypeDomain, true
	}

	return "", false
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func isDomainChars(s string) bool {
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '-':
		default:
			return false
		}
	}
	return true
}

// Normalize canonicalizes value for its type. The result is what the store
// keys indicator identity on; Normalize is idempotent.
func Normalize(value string, t Type) string {
	v := strings.TrimSpace(value)

	switch t {
	case TypeCVE:
		return strings.ToUpper(v)
	case TypeURL:
		// Lowercase scheme and authority, leave path, query, and fragment
		// untouched. The authority ends at the first "/", "?", or "#".
		idx := strings.Index(v, "://")
		if idx < 0 {
			return strings.ToLower(v)
		}
		rest := v[idx+3:]
		end := strings.IndexAny(rest, "/?#")
		if end < 0 {
			return strings.ToLower(v)
		}
		return strings.ToLower(v[:idx+3]+rest[:end]) + rest[end:]
	default:
		// ip, domain, hash, email
		return strings.ToLower(v)
	}
}

// Classify combines Detect and Normalize for a raw value.
func Classify(value string) (Type, string, bool) {
	t, ok := Detect(value)
	if !ok {
		return "", "", false
	}
	return t, Normalize(value, t), true
}
