package middleware

import (
	"errors"
	"regexp"
	"unicode"
	"unicode/utf8"
)

// Input limits.
const (
	MaxLabelLength          = 64
	MaxIdempotencyKeyLength = 64
	MaxKeyNameLength        = 100
)

// Validation errors.
var (
	ErrLabelTooLong          = errors.New("label exceeds maximum length")
	ErrLabelInvalid          = errors.New("label contains control or format characters")
	ErrIdempotencyKeyInvalid = errors.New("idempotency key must be 1-64 characters of [A-Za-z0-9_.:-]")
	ErrKeyNameTooLong        = errors.New("key name exceeds maximum length")
)

var idempotencyKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,64}$`)

// ValidateLabel checks a guardian display label. Labels are shown to other
// guardians, so control and bidi-override characters are refused.
func ValidateLabel(label string) error {
	if utf8.RuneCountInString(label) > MaxLabelLength {
		return ErrLabelTooLong
	}
	for _, r := range label {
		if unicode.IsControl(r) || unicode.Is(unicode.Cf, r) {
			return ErrLabelInvalid
		}
	}
	return nil
}

// ValidateIdempotencyKey checks a client-chosen draw id.
func ValidateIdempotencyKey(key string) error {
	if !idempotencyKeyPattern.MatchString(key) {
		return ErrIdempotencyKeyInvalid
	}
	return nil
}

// ValidateKeyName checks an API key's display name.
func ValidateKeyName(name string) error {
	if utf8.RuneCountInString(name) > MaxKeyNameLength {
		return ErrKeyNameTooLong
	}
	return nil
}
