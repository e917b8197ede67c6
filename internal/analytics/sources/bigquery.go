package sources

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/bigquery"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/i474232898/country-metrics/internal/analytics"
	"github.com/i474232898/country-metrics/internal/common"
	"github.com/i474232898/country-metrics/internal/credentials"
)

// BigQueryWarehouse queries the GA4 BigQuery export (events_* tables).
type BigQueryWarehouse struct {
	client  *bigquery.Client
	project string
	dataset string
}

// NewBigQueryWarehouse connects to the export dataset of a GCP project.
func NewBigQueryWarehouse(ctx context.Context, project, dataset string, tokens oauth2.TokenSource) (*BigQueryWarehouse, error) {
	if project == "" || dataset == "" {
		return nil, errors.New("bigquery warehouse needs a project and a dataset")
	}
	var opts []option.ClientOption
	if tokens != nil {
		opts = append(opts, option.WithTokenSource(tokens))
	}
	client, err := bigquery.NewClient(ctx, project, opts...)
	if err != nil {
		return nil, fmt.Errorf("create bigquery client: %w", err)
	}
	return &BigQueryWarehouse{client: client, project: project, dataset: dataset}, nil
}

func (w *BigQueryWarehouse) Name() string { return "warehouse" }

func (w *BigQueryWarehouse) Close() error { return w.client.Close() }

func (w *BigQueryWarehouse) table() string {
	return fmt.Sprintf("`%s.%s.events_*`", w.project, w.dataset)
}

type bqRangeRow struct {
	Earliest bigquery.NullString `bigquery:"earliest_date"`
	Latest   bigquery.NullString `bigquery:"latest_date"`
	Days     int64               `bigquery:"distinct_days"`
	Events   int64               `bigquery:"total_events"`
}

type bqWeeklyRow struct {
	WeekStart string `bigquery:"week_start"`
	Country   string `bigquery:"country"`
	Total     int64  `bigquery:"total"`
}

func (w *BigQueryWarehouse) ExportRange(ctx context.Context, loc *time.Location) (ExportRange, error) {
	if loc == nil {
		loc = time.UTC
	}
	q := w.client.Query(fmt.Sprintf(`
SELECT
  CAST(MIN(DATE(TIMESTAMP_MICROS(event_timestamp), @tz)) AS STRING) AS earliest_date,
  CAST(MAX(DATE(TIMESTAMP_MICROS(event_timestamp), @tz)) AS STRING) AS latest_date,
  COUNT(DISTINCT DATE(TIMESTAMP_MICROS(event_timestamp), @tz)) AS distinct_days,
  COUNT(*) AS total_events
FROM %s
WHERE geo.country IS NOT NULL
  AND geo.country != ''`, w.table()))
	q.Parameters = []bigquery.QueryParameter{{Name: "tz", Value: loc.String()}}

	var row bqRangeRow
	it, err := q.Read(ctx)
	if err != nil {
		return ExportRange{}, classifyGoogleError(w.Name(), err)
	}
	if err := it.Next(&row); err != nil && !errors.Is(err, iterator.Done) {
		return ExportRange{}, classifyGoogleError(w.Name(), err)
	}
	if !row.Earliest.Valid || !row.Latest.Valid {
		return ExportRange{}, nil
	}

	earliest, err := time.Parse(dateLayout, row.Earliest.StringVal)
	if err != nil {
		return ExportRange{}, fmt.Errorf("parse earliest export date: %w", err)
	}
	latest, err := time.Parse(dateLayout, row.Latest.StringVal)
	if err != nil {
		return ExportRange{}, fmt.Errorf("parse latest export date: %w", err)
	}
	return ExportRange{Earliest: earliest, Latest: latest, Days: row.Days, Events: row.Events}, nil
}

func (w *BigQueryWarehouse) WeeklyCounts(ctx context.Context, q WarehouseQuery) ([]WarehouseRow, error) {
	expr, err := metricExpression(q.Metric)
	if err != nil {
		return nil, err
	}
	loc := q.Location
	if loc == nil {
		loc = time.UTC
	}

	query := w.client.Query(fmt.Sprintf(`
SELECT
  CAST(DATE_TRUNC(DATE(TIMESTAMP_MICROS(event_timestamp), @tz), WEEK(MONDAY)) AS STRING) AS week_start,
  geo.country AS country,
  %s AS total
FROM %s
WHERE _TABLE_SUFFIX BETWEEN @from_suffix AND @to_suffix
  AND geo.country IS NOT NULL
  AND geo.country != ''
  AND DATE(TIMESTAMP_MICROS(event_timestamp), @tz) BETWEEN PARSE_DATE('%%Y-%%m-%%d', @from) AND PARSE_DATE('%%Y-%%m-%%d', @to)
GROUP BY week_start, country
ORDER BY week_start, country`, expr, w.table()))

	// Table suffixes are UTC dates; pad a day on both sides for zone shifts.
	query.Parameters = []bigquery.QueryParameter{
		{Name: "tz", Value: loc.String()},
		{Name: "from", Value: q.From.Format(dateLayout)},
		{Name: "to", Value: q.To.Format(dateLayout)},
		{Name: "from_suffix", Value: q.From.AddDate(0, 0, -1).Format("20060102")},
		{Name: "to_suffix", Value: q.To.AddDate(0, 0, 1).Format("20060102")},
	}

	it, err := query.Read(ctx)
	if err != nil {
		return nil, classifyGoogleError(w.Name(), err)
	}
	var out []WarehouseRow
	for {
		var row bqWeeklyRow
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, classifyGoogleError(w.Name(), err)
		}
		out = append(out, WarehouseRow{WeekStart: row.WeekStart, Country: row.Country, Count: row.Total})
	}
	return out, nil
}

// classifyGoogleError maps Google API failures onto the reconciler's error
// kinds: permission problems are authorization errors, quota and server
// errors are transient.
func classifyGoogleError(source string, err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return &analytics.AuthorizationError{
			Source: source,
			Scope:  credentials.BigQueryReadonlyScope,
			Reason: "credential invalid or expired",
			Err:    err,
		}
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		reasons := ""
		for _, item := range gerr.Errors {
			reasons += " " + item.Reason
		}
		switch {
		case common.HasAny(reasons, "rateLimitExceeded", "quotaExceeded", "backendError"):
			return analytics.Transient(err)
		case gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden:
			reason := gerr.Message
			if len(gerr.Errors) > 0 && gerr.Errors[0].Reason != "" {
				reason = gerr.Errors[0].Reason + ": " + reason
			}
			return &analytics.AuthorizationError{
				Source: source,
				Scope:  credentials.BigQueryReadonlyScope,
				Reason: reason,
				Err:    err,
			}
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
			return analytics.Transient(err)
		}
	}
	return fmt.Errorf("%s: %w", source, err)
}
