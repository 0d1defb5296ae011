package lead

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrInvalidEmail is wrapped by every ValidationError raised for an address.
var ErrInvalidEmail = errors.New("invalid email")

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Required returns a ValidationError for a missing field.
func Required(field string) error {
	return &ValidationError{Field: field, Message: "is required"}
}

// Normalize returns the canonical form of an email address: trimmed,
// NFKC-normalized and lower-cased.
func Normalize(email string) string {
	return strings.ToLower(norm.NFKC.String(strings.TrimSpace(email)))
}

// Domain returns the part after the last '@' of the canonical address.
func Domain(email string) string {
	e := Normalize(email)
	at := strings.LastIndexByte(e, '@')
	if at < 0 {
		return ""
	}
	return e[at+1:]
}

// Fingerprint is the hex SHA-256 of the canonical address.
func Fingerprint(email string) string {
	sum := sha256.Sum256([]byte(Normalize(email)))
	return hex.EncodeToString(sum[:])
}

// Validate checks that email is a single bare address with a dotted domain.
func Validate(field, email string) error {
	e := Normalize(email)
	if e == "" {
		return &ValidationError{Field: field, Message: "is required", Err: ErrInvalidEmail}
	}
	addr, err := mail.ParseAddress(e)
	if err != nil || addr.Address != e {
		return &ValidationError{Field: field, Message: "is not a valid email address", Err: ErrInvalidEmail}
	}
	if d := Domain(e); !strings.Contains(d, ".") || strings.HasPrefix(d, ".") || strings.HasSuffix(d, ".") {
		return &ValidationError{Field: field, Message: "has an invalid domain", Err: ErrInvalidEmail}
	}
	return nil
}
