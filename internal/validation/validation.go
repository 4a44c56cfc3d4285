package validation

import (
	"errors"
	"strings"
	"unicode"
)

// MaxCityLength bounds a city name in runes.
const MaxCityLength = 100

var (
	// ErrCityEmpty is returned when city is empty or whitespace-only after trim.
	ErrCityEmpty = errors.New("city is required")

	// ErrCityTooLong is returned when city length exceeds the maximum.
	ErrCityTooLong = errors.New("city too long")

	// ErrCityInvalidChars is returned when city contains disallowed characters.
	ErrCityInvalidChars = errors.New("city contains invalid characters")

	// ErrInvalidState is returned when state is not a USPS state abbreviation.
	ErrInvalidState = errors.New("invalid state")
)

// StateAbbreviations lists the accepted USPS codes: the 50 states and DC.
var StateAbbreviations = []string{
	"AL", "AK", "AZ", "AR", "CA", "CO", "CT", "DE", "DC", "FL",
	"GA", "HI", "ID", "IL", "IN", "IA", "KS", "KY", "LA", "ME",
	"MD", "MA", "MI", "MN", "MS", "MO", "MT", "NE", "NV", "NH",
	"NJ", "NM", "NY", "NC", "ND", "OH", "OK", "OR", "PA", "RI",
	"SC", "SD", "TN", "TX", "UT", "VT", "VA", "WA", "WV", "WI",
	"WY",
}

var states = func() map[string]struct{} {
	m := make(map[string]struct{}, len(StateAbbreviations))
	for _, s := range StateAbbreviations {
		m[s] = struct{}{}
	}
	return m
}()

// ValidateCity trims the input, enforces maxLen (in runes, 0 for no limit) and
// restricts to letters, digits, space, comma, hyphen, period and apostrophe.
// Returns the trimmed city, preserving case.
func ValidateCity(input string, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	if len(r) == 0 {
		return "", ErrCityEmpty
	}
	if maxLen > 0 && len(r) > maxLen {
		return "", ErrCityTooLong
	}
	for _, c := range r {
		if !isAllowedCityRune(c) {
			return "", ErrCityInvalidChars
		}
	}
	return s, nil
}

func isAllowedCityRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '.', '\'':
		return true
	}
	return false
}

// ValidateState trims and upper-cases the input and checks it against
// StateAbbreviations.
func ValidateState(input string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(input))
	if _, ok := states[s]; !ok {
		return "", ErrInvalidState
	}
	return s, nil
}
