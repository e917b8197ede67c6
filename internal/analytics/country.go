package analytics

import (
	"fmt"
	"strings"

	"github.com/biter777/countries"
	"golang.org/x/text/unicode/norm"
)

// Country is a normalized country identifier: the ISO-3166 alpha-2 code when
// the raw value is recognised, otherwise the cleaned upper-case raw value.
type Country string

// unattributed lists placeholder values analytics exports use for rows
// without a resolved location.
var unattributed = map[string]bool{
	"(NOT SET)": true,
	"(OTHER)":   true,
	"NOT SET":   true,
	"UNKNOWN":   true,
}

// NormalizeCountry maps a provider's country name or code onto the shared key
// space. Both sources go through this function so "United States", "us" and
// "USA" collapse onto the same key.
func NormalizeCountry(raw string) (Country, error) {
	cleaned := strings.Join(strings.Fields(norm.NFC.String(raw)), " ")
	if cleaned == "" {
		return "", fmt.Errorf("%w: empty country", ErrMalformedRecord)
	}
	upper := strings.ToUpper(cleaned)
	if unattributed[upper] {
		return "", fmt.Errorf("%w: %q", ErrUnattributedCountry, raw)
	}

	if code := countries.ByName(cleaned); code != countries.Unknown {
		if alpha2 := code.Alpha2(); alpha2 != "" {
			return Country(alpha2), nil
		}
	}
	return Country(upper), nil
}

func (c Country) String() string { return string(c) }
