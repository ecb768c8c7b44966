package extraction

import (
	"regexp"
	"strings"
)

var (
	stateCode = regexp.MustCompile(`\b([A-Z]{2})\b`)
	digits    = regexp.MustCompile(`\d+`)
)

// DeriveLocation returns "City, ST" from the ship-to address, falling back to
// the sold-to address. It returns "" when neither has a recognisable state.
func DeriveLocation(shipping, soldTo string) string {
	if loc := locationFromAddress(shipping); loc != "" {
		return loc
	}
	return locationFromAddress(soldTo)
}

func locationFromAddress(addr string) string {
	if strings.TrimSpace(addr) == "" {
		return ""
	}
	parts := strings.Split(addr, ",")
	for i := len(parts) - 1; i > 0; i-- {
		m := stateCode.FindStringSubmatch(parts[i])
		if m == nil {
			continue
		}
		city := strings.Join(strings.Fields(digits.ReplaceAllString(parts[i-1], "")), " ")
		if city == "" {
			continue
		}
		return city + ", " + m[1]
	}
	return ""
}
