// Package phone normalizes Tanzanian mobile numbers for mobile-money charges.
package phone

import (
	"errors"
	"strings"
)

// ErrInvalidNumber is returned for numbers that are not valid Tanzanian
// mobile numbers.
var ErrInvalidNumber = errors.New("invalid Tanzanian mobile number")

// Normalize converts a Tanzanian mobile number to canonical 255XXXXXXXXX form.
//
// Accepted input forms (spaces and hyphens are ignored):
//
//	0712345678      local
//	+255712345678   international
//	255712345678    bare country code
//
// The subscriber part must be 9 digits starting with 6 or 7 (the mobile
// prefixes); everything else is rejected.
func Normalize(input string) (string, error) {
	var b strings.Builder
	for i, r := range input {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			// Leading plus is allowed, dropped here.
		case r == ' ' || r == '-':
			// Separators are ignored.
		default:
			return "", ErrInvalidNumber
		}
	}
	digits := b.String()

	var subscriber string
	switch {
	case len(digits) == 10 && strings.HasPrefix(digits, "0"):
		subscriber = digits[1:]
	case len(digits) == 12 && strings.HasPrefix(digits, "255"):
		subscriber = digits[3:]
	default:
		return "", ErrInvalidNumber
	}

	if len(subscriber) != 9 {
		return "", ErrInvalidNumber
	}
	if subscriber[0] != '6' && subscriber[0] != '7' {
		return "", ErrInvalidNumber
	}

	return "255" + subscriber, nil
}

// IsValid reports whether input normalizes to a valid mobile number.
func IsValid(input string) bool {
	_, err := Normalize(input)
	return err == nil
}
