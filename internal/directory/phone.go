package directory

import (
	"errors"
	"strings"
	"unicode"
)

// ErrMalformedPhone is returned when a number cannot be normalized.
var ErrMalformedPhone = errors.New("malformed phone number")

// Normalize converts a phone number to canonical E.164. It accepts the
// formats seen in inbound webhooks and historical data: "+15551234567",
// "15551234567", "5551234567", and punctuated forms like "(555) 123-4567".
// Ten-digit numbers are assumed to be NANP and get a +1 prefix.
func Normalize(raw string) (string, error) {
	digits := digitsOf(raw)

	switch {
	case len(digits) == 10:
		return "+1" + digits, nil
	case len(digits) == 11 && digits[0] == '1':
		return "+" + digits, nil
	case len(digits) >= 8 && len(digits) <= 15 && strings.HasPrefix(strings.TrimSpace(raw), "+"):
		return "+" + digits, nil
	default:
		return "", ErrMalformedPhone
	}
}

// LookupCandidates returns the storage formats a canonical number may be
// recorded under. Data predating normalization holds numbers three ways:
// E.164, digits-only with country code, and bare national digits.
func LookupCandidates(canonical string) []string {
	digits := strings.TrimPrefix(canonical, "+")

	candidates := []string{canonical, digits}
	if strings.HasPrefix(digits, "1") && len(digits) == 11 {
		candidates = append(candidates, digits[1:])
	}
	return candidates
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
