package analytics

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/multierr"
)

// fetchOutcome is the settled, read-only result of one source.
type fetchOutcome struct {
	source Source
	result Result
	err    error
}

type pairKey struct {
	week    Week
	country Country
}

// sourceView is the merge-time index of one source's result.
type sourceView struct {
	name      string
	available bool
	covered   map[Week]bool
	values    map[pairKey]int64
	coverage  SourceCoverage
}

// merge aligns settled outcomes onto the (week, country) key space. It runs
// on a single goroutine after every fetch has finished.
func merge(window Window, policy Policy, outcomes []fetchOutcome) (*Report, error) {
	weeks := window.Weeks()
	cov := Coverage{RequestedWeeks: len(weeks)}

	views := make([]*sourceView, 0, len(outcomes))
	countries := make(map[Country]bool)
	var (
		failures error
		records  int
	)

	for _, o := range outcomes {
		v := buildView(window, policy, o, &cov)
		views = append(views, v)
		if !v.available {
			failures = multierr.Append(failures, &SourceError{Source: v.name, Err: o.err})
			continue
		}
		records += len(v.values)
		for k := range v.values {
			countries[k.country] = true
		}
	}

	if records == 0 {
		if failures != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoDataAvailable, failures)
		}
		return nil, fmt.Errorf("%w: %s", ErrNoDataAvailable, window)
	}

	sortedCountries := make([]Country, 0, len(countries))
	for c := range countries {
		sortedCountries = append(sortedCountries, c)
	}
	sort.Slice(sortedCountries, func(i, j int) bool { return sortedCountries[i] < sortedCountries[j] })

	series := Series{
		Window:   window,
		Metric:   policy.Metric,
		Conflict: policy.Conflict,
		Entries:  make([]Entry, 0, len(weeks)*len(sortedCountries)),
	}
	for _, v := range views {
		series.Sources = append(series.Sources, v.name)
	}

	satisfied := make(map[string]int)
	for _, w := range weeks {
		weekHasValue := false
		for _, c := range sortedCountries {
			e := resolve(w, c, views)
			if e.Present {
				weekHasValue = true
				satisfied[e.Winner]++
			} else {
				cov.AbsentPairs++
			}
			series.Entries = append(series.Entries, e)
		}
		if !weekHasValue {
			cov.MissingWeeks = append(cov.MissingWeeks, w)
		}
	}
	cov.Pairs = len(series.Entries)

	for _, v := range views {
		v.coverage.Satisfied = satisfied[v.name]
		cov.Sources = append(cov.Sources, v.coverage)
	}

	return &Report{Series: series, Coverage: cov}, nil
}

// resolve picks the value for one pair by walking sources in priority order.
func resolve(w Week, c Country, views []*sourceView) Entry {
	e := Entry{
		Week:         w,
		Country:      c,
		Provenance:   ProvenanceAbsent,
		Observations: make([]Observation, 0, len(views)),
	}
	agree := true
	observed := 0

	for _, v := range views {
		obs := Observation{Source: v.name}
		switch {
		case !v.available:
			obs.State = StateUnavailable
		case !v.covered[w]:
			obs.State = StateOutOfCoverage
		default:
			val, ok := v.values[pairKey{week: w, country: c}]
			if !ok {
				obs.State = StateNotReported
				break
			}
			obs.State = StateObserved
			obs.Value = val
			observed++
			if !e.Present {
				e.Present = true
				e.Value = val
				e.Winner = v.name
				e.Provenance = Provenance(v.name)
			} else if val != e.Value {
				agree = false
			}
		}
		e.Observations = append(e.Observations, obs)
	}

	if observed > 1 && agree {
		e.Provenance = ProvenanceAgree
	}
	return e
}

func buildView(window Window, policy Policy, o fetchOutcome, cov *Coverage) *sourceView {
	name := o.source.Name()
	v := &sourceView{
		name:    name,
		covered: make(map[Week]bool),
		values:  make(map[pairKey]int64),
		coverage: SourceCoverage{
			Source:    name,
			Mandatory: policy.Mandatory[name],
		},
	}
	if o.err != nil {
		v.coverage.Error = o.err.Error()
		v.coverage.Unauthorized = IsAuthorization(o.err)
		return v
	}
	v.available = true
	v.coverage.Available = true

	if o.result.Covered == nil {
		for _, w := range window.Weeks() {
			v.covered[w] = true
		}
	} else {
		for _, w := range o.result.Covered {
			if window.Contains(w) {
				v.covered[w] = true
			}
		}
	}

	for _, werr := range o.result.Warnings {
		cov.Warnings = append(cov.Warnings, werr.Error())
		v.coverage.Dropped++
	}

	for i, r := range o.result.Records {
		if err := validateRecord(window, policy, r); err != nil {
			cov.Warnings = append(cov.Warnings, (&RecordError{Source: name, Row: i, Err: err}).Error())
			v.coverage.Dropped++
			continue
		}
		k := pairKey{week: r.Week, country: r.Country}
		if _, dup := v.values[k]; dup {
			cov.Warnings = append(cov.Warnings, (&RecordError{
				Source: name,
				Row:    i,
				Reason: fmt.Sprintf("duplicate %s/%s, keeping first value", r.Week, r.Country),
			}).Error())
			v.coverage.Dropped++
			continue
		}
		v.values[k] = r.Value
		// A record is proof the source has data for that week.
		v.covered[r.Week] = true
	}

	v.coverage.Records = len(v.values)
	for _, w := range window.Weeks() {
		if v.covered[w] {
			v.coverage.CoveredWeeks = append(v.coverage.CoveredWeeks, w)
		}
	}
	return v
}

func validateRecord(window Window, policy Policy, r Record) error {
	switch {
	case r.Week.IsZero():
		return errors.New("missing week")
	case r.Country == "":
		return errors.New("empty country")
	case r.Value < 0:
		return fmt.Errorf("negative value %d", r.Value)
	case !window.Contains(r.Week):
		return fmt.Errorf("week %s outside window %s", r.Week, window)
	case r.Metric != "" && r.Metric != policy.Metric:
		return fmt.Errorf("metric %q, want %q", r.Metric, policy.Metric)
	}
	return nil
}
