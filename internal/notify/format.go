package notify

import (
	"sort"
	"strconv"
	"strings"
)

// Color constants for event severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// kindColor maps an event kind to a sidebar color.
func kindColor(k Kind) string {
	switch k {
	case KindManualLogin, KindExternalFailure:
		return ColorError
	case KindTokenRefreshFailed, KindOutOfStock, KindHeartbeatTimeout:
		return ColorWarning
	case KindDailyDigest:
		return ColorSuccess
	default:
		return ColorInfo
	}
}

// hexColor converts "#36a64f" to 0x36a64f. Malformed input yields 0.
func hexColor(hex string) int {
	v, err := strconv.ParseInt(strings.TrimPrefix(hex, "#"), 16, 32)
	if err != nil {
		return 0
	}
	return int(v)
}

type field struct {
	Name  string
	Value string
}

// sortedFields returns the event fields with the credential first and the
// rest in name order.
func sortedFields(ev Event) []field {
	var out []field
	if ev.CredentialID != "" {
		out = append(out, field{Name: "credential", Value: ev.CredentialID})
	}
	names := make([]string, 0, len(ev.Fields))
	for k := range ev.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		out = append(out, field{Name: k, Value: ev.Fields[k]})
	}
	return out
}

// title returns the event title or the kind when none was set.
func title(ev Event) string {
	if ev.Title != "" {
		return ev.Title
	}
	return string(ev.Kind)
}
