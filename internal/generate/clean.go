package generate

import (
	"strings"

	"github.com/23skdu/fingemma/internal/prompt"
)

// FindMarker returns the byte offset of the earliest stop marker in s, or -1.
func FindMarker(s string) int {
	at := -1
	for _, m := range prompt.StopMarkers {
		if i := strings.Index(s, m); i >= 0 && (at < 0 || i < at) {
			at = i
		}
	}
	return at
}

// TruncateAtMarker cuts s before its earliest stop marker. The result holds no
// marker, so applying it twice changes nothing.
func TruncateAtMarker(s string) (string, bool) {
	if i := FindMarker(s); i >= 0 {
		return s[:i], true
	}
	return s, false
}

// Clean turns a raw completion into the assistant reply: cut at the first
// turn boundary, then drop any role labels the model echoed.
func Clean(raw string) string {
	s, _ := TruncateAtMarker(strings.TrimSpace(raw))
	for _, label := range prompt.LeakedLabels {
		s = strings.ReplaceAll(s, label, "")
	}
	return strings.TrimSpace(s)
}
