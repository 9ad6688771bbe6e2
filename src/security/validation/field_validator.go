// backend/src/security/validation/field_validator.go
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

var ErrValidationFailed = errors.New("validation failed")

const (
	DefaultMaxStringLength = 255
	MaxAPICredentialLength = 512
	MaxNotesLength         = 1024
)

var apiCredentialPattern = regexp.MustCompile(`^[A-Za-z0-9+/=_\-.]+$`)

// ValidateStringNotEmpty checks if a string is not empty after trimming.
func ValidateStringNotEmpty(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s cannot be empty", ErrValidationFailed, fieldName)
	}
	return nil
}

// ValidateStringMaxLength checks if a string's UTF-8 character count is within max bounds.
func ValidateStringMaxLength(s string, maxLength int, fieldName string) error {
	if utf8.RuneCountInString(s) > maxLength {
		return fmt.Errorf("%w: %s exceeds maximum length of %d characters", ErrValidationFailed, fieldName, maxLength)
	}
	return nil
}

// ValidateAPICredential checks an exchange API key or secret: non-empty, bounded, and
// limited to the base64/hex/url-safe alphabet exchanges issue keys in.
func ValidateAPICredential(s, fieldName string) error {
	if err := ValidateStringNotEmpty(s, fieldName); err != nil {
		return err
	}
	if err := ValidateStringMaxLength(s, MaxAPICredentialLength, fieldName); err != nil {
		return err
	}
	if !apiCredentialPattern.MatchString(s) {
		return fmt.Errorf("%w: %s contains unexpected characters", ErrValidationFailed, fieldName)
	}
	return nil
}

// ValidatePositiveID parses a path or form identifier.
func ValidatePositiveID(s, fieldName string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", ErrValidationFailed, fieldName)
	}
	return id, nil
}

// ValidateSince parses an optional sync start, accepted as YYYY-MM-DD or RFC3339.
// Empty yields the zero time; dates in the future are rejected.
func ValidateSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	var (
		t   time.Time
		err error
	)
	if t, err = time.Parse(time.RFC3339, s); err != nil {
		if t, err = time.Parse("2006-01-02", s); err != nil {
			return time.Time{}, fmt.Errorf("%w: since ('%s') must be YYYY-MM-DD or RFC3339", ErrValidationFailed, s)
		}
	}
	if t.After(now) {
		return time.Time{}, fmt.Errorf("%w: since cannot be in the future", ErrValidationFailed)
	}
	return t.UTC(), nil
}
