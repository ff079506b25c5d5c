// Package hashdiff compares build-hash snapshots of two builds and explains
// individual package divergences from their raw hash logs.
package hashdiff

import (
	"github.com/open-edge-platform/bhyze/internal/buildhash"
)

// Reason classifies why a package's final hash differs between two builds.
type Reason string

const (
	ContentChanged  Reason = "ContentChanged"
	DepsChanged     Reason = "DepsChanged"
	SettingsChanged Reason = "SettingsChanged"
)

// Entry is one mismatched package.
type Entry struct {
	Package string `json:"package"`
	Reason  Reason `json:"reason"`
}

// Counts summarizes a comparison. Considered == Accounted + Skipped and
// Accounted == Matched + Mismatched.
type Counts struct {
	Considered int `json:"considered"`
	Accounted  int `json:"accounted"`
	Skipped    int `json:"skipped"`
	Matched    int `json:"matched"`
	Mismatched int `json:"mismatched"`
}

// SummaryResult is the outcome of Summarize.
type SummaryResult struct {
	Reference  int     `json:"reference"`
	Inspect    int     `json:"inspect"`
	Counts     Counts  `json:"counts"`
	Mismatches []Entry `json:"mismatches"`
}

// Classify applies the mismatch rules in priority order. ok is false when
// the final hashes agree.
func Classify(ref, ins buildhash.Record) (Reason, bool) {
	switch {
	case ref.Final == ins.Final:
		return "", false
	case ref.Content != ins.Content:
		return ContentChanged, true
	case ref.Deps != ins.Deps:
		return DepsChanged, true
	default:
		return SettingsChanged, true
	}
}

// Summarize walks the inspect build's dependency order, up to limit packages
// (limit <= 0 means all), and classifies every package hashed in both
// builds. Packages hashed in only one build are skipped.
func Summarize(ref, ins *buildhash.Snapshot, limit int) SummaryResult {
	res := SummaryResult{
		Reference:  ref.Descriptor.BuildID,
		Inspect:    ins.Descriptor.BuildID,
		Mismatches: []Entry{},
	}

	order := ins.DepOrder[:buildhash.EffectiveLimit(limit, len(ins.DepOrder))]
	for _, pkg := range order {
		res.Counts.Considered++

		r, okRef := ref.Record(pkg)
		i, okIns := ins.Record(pkg)
		if !okRef || !okIns {
			res.Counts.Skipped++
			continue
		}
		res.Counts.Accounted++

		reason, mismatch := Classify(r, i)
		if !mismatch {
			res.Counts.Matched++
			continue
		}
		res.Counts.Mismatched++
		res.Mismatches = append(res.Mismatches, Entry{Package: pkg, Reason: reason})
	}
	return res
}

// Window returns count mismatches starting at offset, for display. A count
// of zero or less runs to the end. Counts are unaffected.
func (r SummaryResult) Window(offset, count int) []Entry {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(r.Mismatches) {
		return []Entry{}
	}
	end := len(r.Mismatches)
	if count > 0 && offset+count < end {
		end = offset + count
	}
	return r.Mismatches[offset:end]
}

// ByReason tallies mismatches per reason.
func (r SummaryResult) ByReason() map[Reason]int {
	out := map[Reason]int{}
	for _, e := range r.Mismatches {
		out[e.Reason]++
	}
	return out
}
