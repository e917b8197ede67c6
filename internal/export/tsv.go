package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/i474232898/country-metrics/internal/analytics"
)

// Column order of the report. Keep it stable: downstream diffing relies on it.
var seriesHeader = []string{"week", "country", "value", "provenance"}

// TSVOptions tunes the optional columns of a series export.
type TSVOptions struct {
	// Audit appends an "audit" column listing values other sources reported,
	// e.g. "ga4=115".
	Audit bool
}

// WriteSeriesTSV writes one row per (week, country), sorted by week then
// country. Absent values are written as an empty field, never as 0. Series
// reconciled with the side-by-side policy get one extra column per source.
func WriteSeriesTSV(w io.Writer, s *analytics.Series, opts TSVOptions) error {
	tw := csv.NewWriter(w)
	tw.Comma = '\t'

	sideBySide := s.Conflict == analytics.ConflictSideBySide
	header := append([]string(nil), seriesHeader...)
	if opts.Audit {
		header = append(header, "audit")
	}
	if sideBySide {
		for _, src := range s.Sources {
			header = append(header, "value_"+src)
		}
	}
	if err := tw.Write(header); err != nil {
		return err
	}

	entries := append([]analytics.Entry(nil), s.Entries...)
	sort.SliceStable(entries, func(i, j int) bool {
		if cmp := entries[i].Week.Compare(entries[j].Week); cmp != 0 {
			return cmp < 0
		}
		return entries[i].Country < entries[j].Country
	})

	for _, e := range entries {
		row := []string{e.Week.String(), string(e.Country), formatValue(e), string(e.Provenance)}
		if opts.Audit {
			row = append(row, formatAudit(e))
		}
		if sideBySide {
			for _, src := range s.Sources {
				row = append(row, formatObservation(e, src))
			}
		}
		if err := tw.Write(row); err != nil {
			return err
		}
	}
	tw.Flush()
	return tw.Error()
}

func formatValue(e analytics.Entry) string {
	if !e.Present {
		return ""
	}
	return strconv.FormatInt(e.Value, 10)
}

func formatAudit(e analytics.Entry) string {
	var parts []string
	for _, o := range e.Audit() {
		parts = append(parts, o.Source+"="+strconv.FormatInt(o.Value, 10))
	}
	return strings.Join(parts, ";")
}

func formatObservation(e analytics.Entry, source string) string {
	o, ok := e.Observation(source)
	if !ok {
		return ""
	}
	if o.State == analytics.StateObserved {
		return strconv.FormatInt(o.Value, 10)
	}
	return string(o.State)
}

// ReadSeriesTSV parses a report written by WriteSeriesTSV. Older reports with
// a "total_views" column and no provenance are accepted too.
func ReadSeriesTSV(r io.Reader) (*analytics.Series, error) {
	tr := csv.NewReader(r)
	tr.Comma = '\t'
	tr.FieldsPerRecord = -1
	tr.LazyQuotes = true

	header, err := tr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty report")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	valueCol, ok := cols["value"]
	if !ok {
		valueCol, ok = cols["total_views"]
	}
	weekCol, hasWeek := cols["week"]
	countryCol, hasCountry := cols["country"]
	if !ok || !hasWeek || !hasCountry {
		return nil, fmt.Errorf("report header %v lacks week, country or value", header)
	}
	provCol, hasProv := cols["provenance"]

	s := &analytics.Series{Metric: analytics.DefaultMetric}
	line := 1
	for {
		rec, err := tr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		field := func(i int) string {
			if i < len(rec) {
				return strings.TrimSpace(rec[i])
			}
			return ""
		}

		week, err := analytics.ParseWeek(field(weekCol))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		country, err := analytics.NormalizeCountry(field(countryCol))
		if errors.Is(err, analytics.ErrUnattributedCountry) {
			// Older warehouse exports kept "(not set)" rows.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		e := analytics.Entry{Week: week, Country: country, Provenance: analytics.ProvenanceAbsent}
		if raw := field(valueCol); raw != "" {
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || v < 0 {
				return nil, fmt.Errorf("line %d: %w: value %q", line, analytics.ErrMalformedRecord, raw)
			}
			e.Value, e.Present = v, true
			e.Provenance = "report"
		}
		if hasProv && field(provCol) != "" {
			e.Provenance = analytics.Provenance(field(provCol))
		}
		s.Entries = append(s.Entries, e)
	}

	s.SortEntries()
	if len(s.Entries) > 0 {
		s.Window = analytics.Window{From: s.Entries[0].Week, To: s.Entries[len(s.Entries)-1].Week}
	}
	return s, nil
}
