package analytics

import (
	"sort"
)

// Record is one observed count reported by a source for a (week, country).
// Records only live for the duration of a reconciliation pass.
type Record struct {
	Week    Week
	Country Country
	Metric  string
	Value   int64
	Source  string
}

// ObservationState says what a single source had to say about a pair.
type ObservationState string

const (
	StateObserved      ObservationState = "observed"
	StateNotReported   ObservationState = "not-reported"
	StateOutOfCoverage ObservationState = "out-of-coverage"
	StateUnavailable   ObservationState = "unavailable"
)

// Observation is the per-source audit entry for a merged pair.
type Observation struct {
	Source string           `json:"source"`
	State  ObservationState `json:"state"`
	Value  int64            `json:"value,omitempty"`
}

// Provenance names the source that produced a merged value, or one of the
// special tags below.
type Provenance string

const (
	// ProvenanceAgree means every source that observed the pair reported the
	// same value.
	ProvenanceAgree Provenance = "agree"
	// ProvenanceAbsent means no source observed the pair.
	ProvenanceAbsent Provenance = "absent"
)

// Entry is the reconciled value for one (week, country) pair. A pair nobody
// observed has Present=false and Value=0; the zero is meaningless there.
type Entry struct {
	Week         Week          `json:"week"`
	Country      Country       `json:"country"`
	Value        int64         `json:"value"`
	Present      bool          `json:"present"`
	Provenance   Provenance    `json:"provenance"`
	Winner       string        `json:"winner,omitempty"`
	Observations []Observation `json:"observations"`
}

// Audit returns the values observed by sources other than the winner.
func (e Entry) Audit() []Observation {
	var out []Observation
	for _, o := range e.Observations {
		if o.State == StateObserved && o.Source != e.Winner {
			out = append(out, o)
		}
	}
	return out
}

// Observation returns the audit entry for the named source.
func (e Entry) Observation(source string) (Observation, bool) {
	for _, o := range e.Observations {
		if o.Source == source {
			return o, true
		}
	}
	return Observation{}, false
}

// Series is the merged, gap-free weekly series.
// Entries are sorted by week, then country.
type Series struct {
	Window   Window         `json:"window"`
	Metric   string         `json:"metric"`
	Sources  []string       `json:"sources"`
	Conflict ConflictPolicy `json:"conflict"`
	Entries  []Entry        `json:"entries"`
}

// Lookup finds the entry for a pair.
func (s *Series) Lookup(w Week, c Country) (Entry, bool) {
	i := sort.Search(len(s.Entries), func(i int) bool {
		e := s.Entries[i]
		if cmp := e.Week.Compare(w); cmp != 0 {
			return cmp > 0
		}
		return e.Country >= c
	})
	if i < len(s.Entries) && s.Entries[i].Week == w && s.Entries[i].Country == c {
		return s.Entries[i], true
	}
	return Entry{}, false
}

// Countries lists the distinct countries of the series in ascending order.
func (s *Series) Countries() []Country {
	seen := make(map[Country]bool)
	var out []Country
	for _, e := range s.Entries {
		if !seen[e.Country] {
			seen[e.Country] = true
			out = append(out, e.Country)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SortEntries restores the canonical week/country ordering.
func (s *Series) SortEntries() {
	sort.SliceStable(s.Entries, func(i, j int) bool {
		a, b := s.Entries[i], s.Entries[j]
		if cmp := a.Week.Compare(b.Week); cmp != 0 {
			return cmp < 0
		}
		return a.Country < b.Country
	})
}

// SourceCoverage summarises what one source contributed to a pass.
type SourceCoverage struct {
	Source       string `json:"source"`
	Available    bool   `json:"available"`
	Mandatory    bool   `json:"mandatory,omitempty"`
	Error        string `json:"error,omitempty"`
	Unauthorized bool   `json:"unauthorized,omitempty"`
	CoveredWeeks []Week `json:"coveredWeeks"`
	Records      int    `json:"records"`
	Dropped      int    `json:"dropped"`
	Satisfied    int    `json:"satisfied"`
}

// Coverage is the report produced next to every Series.
type Coverage struct {
	RequestedWeeks int              `json:"requestedWeeks"`
	Pairs          int              `json:"pairs"`
	AbsentPairs    int              `json:"absentPairs"`
	MissingWeeks   []Week           `json:"missingWeeks"`
	Sources        []SourceCoverage `json:"sources"`
	Warnings       []string         `json:"warnings,omitempty"`
}

// Source returns the coverage entry for the named source.
func (c Coverage) Source(name string) (SourceCoverage, bool) {
	for _, sc := range c.Sources {
		if sc.Source == name {
			return sc, true
		}
	}
	return SourceCoverage{}, false
}

// Report bundles a merged series with its coverage report.
type Report struct {
	Series   Series   `json:"series"`
	Coverage Coverage `json:"coverage"`
}
