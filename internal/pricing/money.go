package pricing

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatMinor renders minor units as a decimal major-unit string, e.g.
// 29900 -> "299.00".
func FormatMinor(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}

// ParseMinor is the exact inverse of FormatMinor. It accepts zero, one or
// two fractional digits.
func ParseMinor(value string) (int64, error) {
	value = strings.TrimSpace(value)
	neg := strings.HasPrefix(value, "-")
	value = strings.TrimPrefix(value, "-")
	whole, frac, hasFrac := strings.Cut(value, ".")
	if whole == "" || (hasFrac && (frac == "" || len(frac) > 2)) {
		return 0, fmt.Errorf("invalid amount %q", value)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", value)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid amount %q", value)
	}
	minor := w*100 + f
	if neg {
		minor = -minor
	}
	return minor, nil
}
