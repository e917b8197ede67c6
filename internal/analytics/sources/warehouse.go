package sources

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/i474232898/country-metrics/internal/analytics"
)

// ExportRange describes the span of days present in a raw-event export.
// Dates are calendar days in the report time zone, stored at UTC midnight.
type ExportRange struct {
	Earliest time.Time `json:"earliest"`
	Latest   time.Time `json:"latest"`
	Days     int64     `json:"days"`
	Events   int64     `json:"events"`
}

func (r ExportRange) Empty() bool { return r.Earliest.IsZero() || r.Latest.IsZero() }

// WarehouseQuery asks for events between two calendar days, inclusive.
type WarehouseQuery struct {
	From     time.Time
	To       time.Time
	Metric   string
	Location *time.Location
}

// WarehouseRow is one grouped row: raw country spelling as exported.
type WarehouseRow struct {
	WeekStart string
	Country   string
	Count     int64
}

// Warehouse is a raw-event store that can group events by week and country.
type Warehouse interface {
	Name() string
	ExportRange(ctx context.Context, loc *time.Location) (ExportRange, error)
	WeeklyCounts(ctx context.Context, q WarehouseQuery) ([]WarehouseRow, error)
	Close() error
}

// metricExpressions maps metric names to the aggregation over raw events.
var metricExpressions = map[string]string{
	"activeUsers": "COUNT(DISTINCT user_pseudo_id)",
	"totalUsers":  "COUNT(DISTINCT user_pseudo_id)",
	"eventCount":  "COUNT(*)",
}

func metricExpression(metric string) (string, error) {
	if metric == "" {
		metric = analytics.DefaultMetric
	}
	expr, ok := metricExpressions[metric]
	if !ok {
		return "", fmt.Errorf("metric %q: %w", metric, analytics.ErrCapabilityUnsupported)
	}
	return expr, nil
}

// WarehouseSource implements analytics.Source over a raw-event export. It is
// authoritative for the weeks it covers but has no data from before the
// export was enabled, so every result carries its actual coverage.
type WarehouseSource struct {
	wh       Warehouse
	location *time.Location
	logger   *zap.Logger
}

func NewWarehouseSource(wh Warehouse, location *time.Location, logger *zap.Logger) *WarehouseSource {
	if location == nil {
		location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WarehouseSource{
		wh:       wh,
		location: location,
		logger:   logger.With(zap.String("source", wh.Name())),
	}
}

func (s *WarehouseSource) Name() string { return s.wh.Name() }

func (s *WarehouseSource) Capabilities() analytics.Capabilities {
	return analytics.Capabilities{UserLevel: true, Backfill: false}
}

// ExportRange reports the days present in the underlying export.
func (s *WarehouseSource) ExportRange(ctx context.Context) (ExportRange, error) {
	return s.wh.ExportRange(ctx, s.location)
}

func (s *WarehouseSource) Fetch(ctx context.Context, q analytics.Query) (analytics.Result, error) {
	if _, err := metricExpression(q.Metric); err != nil {
		return analytics.Result{}, err
	}

	rng, err := s.wh.ExportRange(ctx, s.location)
	if err != nil {
		return analytics.Result{}, err
	}
	covered := coveredWeeks(q.Window, rng)
	if len(covered) == 0 {
		s.logger.Info("export does not cover requested window",
			zap.Stringer("window", q.Window),
			zap.Time("earliest", rng.Earliest),
			zap.Time("latest", rng.Latest),
		)
		return analytics.Result{Covered: []analytics.Week{}}, nil
	}

	rows, err := s.wh.WeeklyCounts(ctx, WarehouseQuery{
		From:     covered[0].Start(),
		To:       covered[len(covered)-1].End(),
		Metric:   q.Metric,
		Location: s.location,
	})
	if err != nil {
		return analytics.Result{}, err
	}

	type key struct {
		week    analytics.Week
		country analytics.Country
	}
	totals := make(map[key]int64)
	var order []key
	var warnings []error
	for i, row := range rows {
		week, err := analytics.ParseWeek(row.WeekStart)
		if err != nil {
			warnings = append(warnings, &analytics.RecordError{Source: s.Name(), Row: i, Err: err})
			continue
		}
		country, err := analytics.NormalizeCountry(row.Country)
		if err != nil {
			warnings = append(warnings, &analytics.RecordError{Source: s.Name(), Row: i, Err: err})
			continue
		}
		if row.Count < 0 {
			warnings = append(warnings, &analytics.RecordError{Source: s.Name(), Row: i, Reason: fmt.Sprintf("negative count %d", row.Count)})
			continue
		}
		k := key{week: week, country: country}
		if _, seen := totals[k]; !seen {
			order = append(order, k)
		}
		// Different raw spellings of one country are folded together.
		totals[k] += row.Count
	}

	metric := q.Metric
	if metric == "" {
		metric = analytics.DefaultMetric
	}
	records := make([]analytics.Record, 0, len(order))
	for _, k := range order {
		records = append(records, analytics.Record{
			Week:    k.week,
			Country: k.country,
			Metric:  metric,
			Value:   totals[k],
			Source:  s.Name(),
		})
	}
	return analytics.Result{Records: records, Covered: covered, Warnings: warnings}, nil
}

// coveredWeeks returns the weeks of w the export fully covers. The week in
// which the export was enabled only counts if it started on that Monday; the
// latest week counts as soon as it has a day of data.
func coveredWeeks(w analytics.Window, rng ExportRange) []analytics.Week {
	if rng.Empty() {
		return nil
	}
	var out []analytics.Week
	for _, wk := range w.Weeks() {
		if wk.Start().Before(rng.Earliest) || wk.Start().After(rng.Latest) {
			continue
		}
		out = append(out, wk)
	}
	return out
}

// calendarDay returns the calendar day of t in loc, stored at UTC midnight.
func calendarDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
