package scan

import (
	"encoding/hex"
	"strings"

	"github.com/chaz8081/meshprov/internal/mesh/beacon"
)

// RSSIBound converts a bound entered as a magnitude (80 for -80 dBm) into the
// stored signal strength. The result is always -|magnitude|; zero means no
// bound.
func RSSIBound(magnitude int) int {
	if magnitude < 0 {
		return magnitude
	}
	return -magnitude
}

// Filter narrows the provision pool list. Zero fields do not filter.
type Filter struct {
	// RSSIMin and RSSIMax are stored signal strengths (see RSSIBound).
	RSSIMin int
	RSSIMax int
	// Name is a case-insensitive substring of the device's local name.
	Name string
	// UUID is a case-insensitive substring of the hex device UUID.
	UUID string
}

// Match reports whether e passes every configured filter.
func (f Filter) Match(e Entry) bool {
	if f.RSSIMin != 0 && e.RSSI < f.RSSIMin {
		return false
	}
	if f.RSSIMax != 0 && e.RSSI > f.RSSIMax {
		return false
	}
	if f.Name != "" {
		name := beacon.LocalName(e.Payload)
		if name == "" || !strings.Contains(strings.ToLower(name), strings.ToLower(f.Name)) {
			return false
		}
	}
	if f.UUID != "" {
		id, ok := beacon.DeviceUUID(e.Payload)
		if !ok || !strings.Contains(hex.EncodeToString(id[:]), strings.ToLower(f.UUID)) {
			return false
		}
	}
	return true
}

// Apply returns the entries that match f, preserving order.
func (f Filter) Apply(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return out
}

// IsZero reports whether f filters nothing.
func (f Filter) IsZero() bool {
	return f == Filter{}
}
