package domain

import (
	"strings"
)

// Observation is one timestamped rating value. Time is unix seconds.
type Observation struct {
	Time  uint64  `json:"time"`
	Value float64 `json:"value"`
}

// History maps a category (game format) to its observations, oldest first.
type History map[string][]Observation

// Record is one tracked player as persisted in the store.
type Record struct {
	Key         string
	DisplayName string
	History     History
}

// StoredRecord is a record as it sits in the store: key plus the encoded payload.
type StoredRecord struct {
	Key     string
	Payload []byte
}

// Snapshot is freshly fetched rating data, not yet merged into a Record.
type Snapshot struct {
	DisplayName    string
	CategoryValues map[string]float64
}

// Clone returns a deep copy so callers can mutate the result freely.
func (h History) Clone() History {
	if h == nil {
		return History{}
	}
	out := make(History, len(h))
	for category, obs := range h {
		cp := make([]Observation, len(obs))
		copy(cp, obs)
		out[category] = cp
	}
	return out
}

// Last returns the most recent observation for a category.
func (h History) Last(category string) (Observation, bool) {
	obs := h[category]
	if len(obs) == 0 {
		return Observation{}, false
	}
	return obs[len(obs)-1], true
}

// NormalizeID derives the store key from a display name: lowercase ASCII letters and digits only.
func NormalizeID(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
