package currency

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidAmount is returned when a display string holds no parseable number.
var ErrInvalidAmount = errors.New("invalid currency amount")

var disallowed = regexp.MustCompile(`[^\d.,-]`)

// Parse converts a display amount such as "$1,234.56" or "-$10" to a float.
// Everything except digits, '.', ',' and '-' is dropped, then thousands separators.
func Parse(amount string) (float64, error) {
	cleaned := disallowed.ReplaceAllString(amount, "")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	return v, nil
}
