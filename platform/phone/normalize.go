// Package phone provides phone number utilities.
// This is part of the platform layer and contains no business logic.
package phone

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// DefaultRegion is used when a caller number carries no country prefix.
const DefaultRegion = "US"

// NormalizeCaller formats a PSTN caller to E.164. Client and SIP identities
// ("client:alice", "sip:bob@example.com") are not phone numbers and are
// returned trimmed with ok=false, as is anything that fails to parse.
func NormalizeCaller(input, region string) (string, bool) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", false
	}
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "client:") || strings.HasPrefix(lower, "sip:") {
		return trimmed, false
	}
	if region == "" {
		region = DefaultRegion
	}

	number, err := phonenumbers.Parse(trimmed, region)
	if err != nil || !phonenumbers.IsValidNumber(number) {
		return trimmed, false
	}

	return phonenumbers.Format(number, phonenumbers.E164), true
}
