package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/i474232898/country-metrics/internal/analytics"
	"github.com/i474232898/country-metrics/internal/common"
	"github.com/i474232898/country-metrics/internal/credentials"
)

const (
	// Per-request limits of the Data API runReport method.
	maxDimensions = 9
	maxMetrics    = 10

	DefaultGA4BaseURL = "https://analyticsdata.googleapis.com"

	WeekDimensionISO  = "isoYearIsoWeek"
	WeekDimensionDate = "date"

	defaultPageSize = 100000
	dateLayout      = "2006-01-02"
)

// GA4Config configures the aggregate reporting API source.
type GA4Config struct {
	PropertyID string
	BaseURL    string

	// WeekDimension is isoYearIsoWeek (one row per week) or date (daily rows
	// summed into weeks). Summed daily user counts overstate weekly distinct
	// users; use date only for event metrics.
	WeekDimension    string
	CountryDimension string

	// MaxRangeDays bounds the date range of a single request; longer windows
	// are split on week boundaries. Zero means no split.
	MaxRangeDays int
	PageSize     int
}

// GA4Source implements analytics.Source for the GA4 Data API runReport method.
// It only ever sees pre-aggregated counts and cannot answer user-level queries.
type GA4Source struct {
	name    string
	cfg     GA4Config
	client  *http.Client
	tokens  oauth2.TokenSource
	circuit *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewGA4Source(client *http.Client, tokens oauth2.TokenSource, cfg GA4Config, logger *zap.Logger) *GA4Source {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGA4BaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.WeekDimension == "" {
		cfg.WeekDimension = WeekDimensionISO
	}
	if cfg.CountryDimension == "" {
		cfg.CountryDimension = "country"
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &GA4Source{
		name:    "ga4",
		cfg:     cfg,
		client:  client,
		tokens:  tokens,
		circuit: newBreaker("ga4"),
		logger:  logger.With(zap.String("source", "ga4")),
	}
}

func (s *GA4Source) Name() string { return s.name }

func (s *GA4Source) Capabilities() analytics.Capabilities {
	return analytics.Capabilities{UserLevel: false, Backfill: true}
}

type ga4DateRange struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

type ga4Named struct {
	Name string `json:"name"`
}

type ga4ReportRequest struct {
	DateRanges []ga4DateRange `json:"dateRanges"`
	Dimensions []ga4Named     `json:"dimensions"`
	Metrics    []ga4Named     `json:"metrics"`
	Limit      int64          `json:"limit,omitempty"`
	Offset     int64          `json:"offset,omitempty"`
}

func (r ga4ReportRequest) validate() error {
	if len(r.Dimensions) > maxDimensions {
		return fmt.Errorf("runReport allows at most %d dimensions, got %d", maxDimensions, len(r.Dimensions))
	}
	if len(r.Metrics) == 0 || len(r.Metrics) > maxMetrics {
		return fmt.Errorf("runReport allows 1 to %d metrics, got %d", maxMetrics, len(r.Metrics))
	}
	if len(r.DateRanges) == 0 {
		return errors.New("runReport needs a date range")
	}
	return nil
}

type ga4Value struct {
	Value string `json:"value"`
}

type ga4Row struct {
	DimensionValues []ga4Value `json:"dimensionValues"`
	MetricValues    []ga4Value `json:"metricValues"`
}

type ga4ReportResponse struct {
	Rows     []ga4Row `json:"rows"`
	RowCount int64    `json:"rowCount"`
}

type ga4ErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Reason string `json:"reason"`
		} `json:"details"`
	} `json:"error"`
}

// Fetch requests (week, country, metric) for the window, split into bounded
// date ranges and paged.
func (s *GA4Source) Fetch(ctx context.Context, q analytics.Query) (analytics.Result, error) {
	if q.UserLevel {
		return analytics.Result{}, fmt.Errorf("%s: user-level identifiers: %w", s.name, analytics.ErrCapabilityUnsupported)
	}
	if s.cfg.PropertyID == "" {
		return analytics.Result{}, fmt.Errorf("%s: property id is not configured", s.name)
	}
	metric := q.Metric
	if metric == "" {
		metric = analytics.DefaultMetric
	}

	type key struct {
		week    analytics.Week
		country analytics.Country
	}
	totals := make(map[key]int64)
	var order []key
	var warnings []error
	row := 0

	for _, chunk := range chunkWindow(q.Window, s.cfg.MaxRangeDays) {
		req := ga4ReportRequest{
			DateRanges: []ga4DateRange{{
				StartDate: chunk.StartDate().Format(dateLayout),
				EndDate:   chunk.EndDate().Format(dateLayout),
			}},
			Dimensions: []ga4Named{{Name: s.cfg.WeekDimension}, {Name: s.cfg.CountryDimension}},
			Metrics:    []ga4Named{{Name: metric}},
			Limit:      int64(s.cfg.PageSize),
		}

		for {
			resp, err := s.runReport(ctx, req)
			if err != nil {
				return analytics.Result{}, err
			}
			s.logger.Debug("runReport page",
				zap.Stringer("window", chunk),
				zap.Int64("offset", req.Offset),
				zap.Int("rows", len(resp.Rows)),
				zap.Int64("row_count", resp.RowCount),
			)

			for _, r := range resp.Rows {
				week, country, value, err := s.parseRow(r)
				if err != nil {
					warnings = append(warnings, &analytics.RecordError{Source: s.name, Row: row, Err: err})
					row++
					continue
				}
				row++
				k := key{week: week, country: country}
				if _, seen := totals[k]; !seen {
					order = append(order, k)
				}
				totals[k] += value
			}

			req.Offset += int64(len(resp.Rows))
			if len(resp.Rows) == 0 || req.Offset >= resp.RowCount {
				break
			}
		}
	}

	records := make([]analytics.Record, 0, len(order))
	for _, k := range order {
		records = append(records, analytics.Record{
			Week:    k.week,
			Country: k.country,
			Metric:  metric,
			Value:   totals[k],
			Source:  s.name,
		})
	}
	return analytics.Result{Records: records, Warnings: warnings}, nil
}

// Probe issues a one-row report over the last week to verify that the
// credential, the API enablement and the property permission are all in place.
func (s *GA4Source) Probe(ctx context.Context) error {
	now := time.Now().UTC()
	req := ga4ReportRequest{
		DateRanges: []ga4DateRange{{
			StartDate: now.AddDate(0, 0, -7).Format(dateLayout),
			EndDate:   now.Format(dateLayout),
		}},
		Dimensions: []ga4Named{{Name: s.cfg.CountryDimension}},
		Metrics:    []ga4Named{{Name: analytics.DefaultMetric}},
		Limit:      1,
	}
	_, err := s.runReport(ctx, req)
	return err
}

func (s *GA4Source) parseRow(r ga4Row) (analytics.Week, analytics.Country, int64, error) {
	if len(r.DimensionValues) < 2 || len(r.MetricValues) < 1 {
		return analytics.Week{}, "", 0, fmt.Errorf("%w: want 2 dimensions and 1 metric", analytics.ErrMalformedRecord)
	}

	var (
		week analytics.Week
		err  error
	)
	raw := r.DimensionValues[0].Value
	if s.cfg.WeekDimension == WeekDimensionDate {
		var day time.Time
		day, err = time.Parse("20060102", raw)
		week = analytics.WeekOf(day)
	} else {
		week, err = analytics.ParseISOWeek(raw)
	}
	if err != nil {
		return analytics.Week{}, "", 0, fmt.Errorf("%w: week %q: %v", analytics.ErrMalformedRecord, raw, err)
	}

	country, err := analytics.NormalizeCountry(r.DimensionValues[1].Value)
	if err != nil {
		return analytics.Week{}, "", 0, err
	}

	value, err := strconv.ParseInt(strings.TrimSpace(r.MetricValues[0].Value), 10, 64)
	if err != nil || value < 0 {
		return analytics.Week{}, "", 0, fmt.Errorf("%w: value %q", analytics.ErrMalformedRecord, r.MetricValues[0].Value)
	}
	return week, country, value, nil
}

func (s *GA4Source) runReport(ctx context.Context, req ga4ReportRequest) (*ga4ReportResponse, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	tok, err := credentials.Token(s.tokens)
	if err != nil {
		return nil, &analytics.AuthorizationError{
			Source: s.name,
			Scope:  credentials.AnalyticsReadonlyScope,
			Reason: "credential invalid or expired",
			Err:    err,
		}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/v1beta/properties/%s:runReport", s.cfg.BaseURL, s.cfg.PropertyID)

	body, err := doRequest(ctx, s.client, s.circuit, func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		tok.SetAuthHeader(r)
		return r, nil
	})
	if err != nil {
		return nil, s.classify(err)
	}

	var resp ga4ReportResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%s: decode runReport response: %w", s.name, err)
	}
	return &resp, nil
}

// classify turns 401/403 responses into authorization errors naming the
// missing piece of operator setup.
func (s *GA4Source) classify(err error) error {
	var herr *HTTPError
	if !errors.As(err, &herr) || analytics.IsTransient(err) {
		return err
	}
	if herr.StatusCode != http.StatusUnauthorized && herr.StatusCode != http.StatusForbidden {
		return fmt.Errorf("%s: %w", s.name, err)
	}

	var body ga4ErrorBody
	_ = json.Unmarshal(herr.Body, &body)
	detail := strings.ToLower(body.Error.Message + " " + body.Error.Status)
	for _, d := range body.Error.Details {
		detail += " " + strings.ToLower(d.Reason)
	}

	authErr := &analytics.AuthorizationError{
		Source: s.name,
		Scope:  credentials.AnalyticsReadonlyScope,
		Err:    err,
	}
	switch {
	case common.HasAny(detail, "insufficient authentication scopes", "access_token_scope_insufficient"):
		authErr.Reason = "token was granted without the analytics scope; re-authenticate requesting it"
	case common.HasAny(detail, "service_disabled", "api not enabled", "service not enabled", "has not been used"):
		authErr.Reason = "Google Analytics Data API is not enabled for the project"
	case herr.StatusCode == http.StatusUnauthorized:
		authErr.Reason = "credential rejected"
	default:
		authErr.Reason = "no permission on property " + s.cfg.PropertyID
	}
	return authErr
}

// chunkWindow splits w into consecutive windows of at most maxDays days,
// always cutting on week boundaries.
func chunkWindow(w analytics.Window, maxDays int) []analytics.Window {
	if maxDays <= 0 {
		return []analytics.Window{w}
	}
	perChunk := maxDays / 7
	if perChunk < 1 {
		perChunk = 1
	}

	weeks := w.Weeks()
	var chunks []analytics.Window
	for i := 0; i < len(weeks); i += perChunk {
		end := i + perChunk - 1
		if end >= len(weeks) {
			end = len(weeks) - 1
		}
		chunks = append(chunks, analytics.Window{From: weeks[i], To: weeks[end]})
	}
	return chunks
}
