// Package merge decides how a freshly fetched snapshot folds into a stored rating history.
//
// Merging is pure: the caller supplies the timestamp and receives the rejected values
// back so it can log them.
package merge

import (
	"math"
	"sort"

	"ratings-tracker/internal/domain"
)

// Policy holds the inclusive bounds a rating must fall within to be recorded.
type Policy struct {
	Min float64
	Max float64
}

// Rejection describes a snapshot value that was dropped for being out of bounds.
type Rejection struct {
	Category string
	Value    float64
}

type Result struct {
	History  domain.History
	Changed  bool
	Appended []string
	Rejected []Rejection
}

func NewPolicy(lo, hi float64) Policy {
	return Policy{Min: lo, Max: hi}
}

// Accepts reports whether v is a finite value within the policy bounds.
func (p Policy) Accepts(v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	return v >= p.Min && v <= p.Max
}

// Merge appends an observation at now for every in-bounds category whose value differs
// from its last observation. Categories missing from the snapshot are left alone.
// A now earlier than the category's last observation is clamped to that time so
// timestamps never decrease. The input history is never mutated.
func (p Policy) Merge(history domain.History, snap domain.Snapshot, now uint64) Result {
	res := Result{History: history.Clone()}

	for _, category := range sortedCategories(snap.CategoryValues) {
		value := snap.CategoryValues[category]
		if !p.Accepts(value) {
			res.Rejected = append(res.Rejected, Rejection{Category: category, Value: value})
			continue
		}

		last, ok := res.History.Last(category)
		if ok && last.Value == value {
			continue
		}

		at := now
		if ok && last.Time > at {
			at = last.Time
		}
		res.History[category] = append(res.History[category], domain.Observation{Time: at, Value: value})
		res.Appended = append(res.Appended, category)
		res.Changed = true
	}

	return res
}

// MergeRecord merges the snapshot into rec and also adopts the snapshot's display name
// when it has drifted. The key is never changed.
func (p Policy) MergeRecord(rec domain.Record, snap domain.Snapshot, now uint64) (domain.Record, Result) {
	res := p.Merge(rec.History, snap, now)

	out := domain.Record{
		Key:         rec.Key,
		DisplayName: rec.DisplayName,
		History:     res.History,
	}
	if snap.DisplayName != "" && snap.DisplayName != rec.DisplayName {
		out.DisplayName = snap.DisplayName
		res.Changed = true
	}
	return out, res
}

func sortedCategories(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
