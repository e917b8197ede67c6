package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/i474232898/country-metrics/internal/analytics"
	"github.com/i474232898/country-metrics/internal/credentials"
)

func row(week, country, value string) ga4Row {
	return ga4Row{
		DimensionValues: []ga4Value{{Value: week}, {Value: country}},
		MetricValues:    []ga4Value{{Value: value}},
	}
}

func newGA4(t *testing.T, cfg GA4Config, handler http.HandlerFunc) *GA4Source {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg.BaseURL = srv.URL
	if cfg.PropertyID == "" {
		cfg.PropertyID = "427048881"
	}
	return NewGA4Source(srv.Client(), credentials.Static("test-token"), cfg, zap.NewNop())
}

func testWindow() analytics.Window {
	return analytics.Window{From: analytics.MustParseWeek("2025-10-27"), To: analytics.MustParseWeek("2025-11-03")}
}

func TestGA4Source_Fetch(t *testing.T) {
	var got ga4ReportRequest
	src := newGA4(t, GA4Config{}, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/properties/427048881:runReport", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		_ = json.NewEncoder(w).Encode(ga4ReportResponse{
			Rows: []ga4Row{
				row("202544", "United States", "115"),
				row("202545", "United States", "140"),
				row("202545", "(not set)", "7"),
				row("2025xx", "Canada", "3"),
				row("202545", "Canada", "many"),
			},
			RowCount: 5,
		})
	})

	res, err := src.Fetch(context.Background(), analytics.Query{Window: testWindow(), Metric: "activeUsers"})
	require.NoError(t, err)

	assert.Equal(t, []ga4DateRange{{StartDate: "2025-10-27", EndDate: "2025-11-09"}}, got.DateRanges)
	assert.Equal(t, []ga4Named{{Name: "isoYearIsoWeek"}, {Name: "country"}}, got.Dimensions)
	assert.Equal(t, []ga4Named{{Name: "activeUsers"}}, got.Metrics)

	require.Len(t, res.Records, 2)
	assert.Equal(t, analytics.Record{
		Week: analytics.MustParseWeek("2025-10-27"), Country: "US", Metric: "activeUsers", Value: 115, Source: "ga4",
	}, res.Records[0])
	assert.Equal(t, int64(140), res.Records[1].Value)
	assert.Nil(t, res.Covered)
	require.Len(t, res.Warnings, 3)
	for _, w := range res.Warnings {
		assert.ErrorIs(t, w, analytics.ErrMalformedRecord)
	}
	assert.ErrorIs(t, res.Warnings[0], analytics.ErrUnattributedCountry)
}

func TestGA4Source_DailyRowsAreSummedIntoWeeks(t *testing.T) {
	src := newGA4(t, GA4Config{WeekDimension: WeekDimensionDate}, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ga4ReportResponse{
			Rows: []ga4Row{
				row("20251027", "United States", "50"),
				row("20251029", "US", "65"),
				row("20251104", "United States", "140"),
			},
			RowCount: 3,
		})
	})

	res, err := src.Fetch(context.Background(), analytics.Query{Window: testWindow()})
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, int64(115), res.Records[0].Value)
	assert.Equal(t, "2025-11-03", res.Records[1].Week.String())
}

func TestGA4Source_PagesAndSplitsDateRanges(t *testing.T) {
	var calls atomic.Int32
	src := newGA4(t, GA4Config{MaxRangeDays: 7, PageSize: 1}, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req ga4ReportRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, int64(1), req.Limit)

		week := "202544"
		if req.DateRanges[0].StartDate == "2025-11-03" {
			week = "202545"
		}
		country := []string{"US", "CA"}[req.Offset]
		_ = json.NewEncoder(w).Encode(ga4ReportResponse{
			Rows:     []ga4Row{row(week, country, fmt.Sprint(10+req.Offset))},
			RowCount: 2,
		})
	})

	res, err := src.Fetch(context.Background(), analytics.Query{Window: testWindow()})
	require.NoError(t, err)
	assert.Equal(t, int32(4), calls.Load())
	assert.Len(t, res.Records, 4)
}

func TestGA4Source_InsufficientScope(t *testing.T) {
	src := newGA4(t, GA4Config{}, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":403,"message":"Request had insufficient authentication scopes.","status":"PERMISSION_DENIED","details":[{"reason":"ACCESS_TOKEN_SCOPE_INSUFFICIENT"}]}}`))
	})

	_, err := src.Fetch(context.Background(), analytics.Query{Window: testWindow()})
	var authErr *analytics.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "ga4", authErr.Source)
	assert.Equal(t, credentials.AnalyticsReadonlyScope, authErr.Scope)
	assert.Contains(t, authErr.Reason, "analytics scope")
	assert.False(t, analytics.IsTransient(err))
}

func TestGA4Source_APIDisabled(t *testing.T) {
	src := newGA4(t, GA4Config{}, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":403,"message":"Google Analytics Data API has not been used in project 123 before or it is disabled.","status":"PERMISSION_DENIED","details":[{"reason":"SERVICE_DISABLED"}]}}`))
	})

	err := src.Probe(context.Background())
	var authErr *analytics.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.Reason, "not enabled")
}

func TestGA4Source_ServerErrorsAreTransient(t *testing.T) {
	src := newGA4(t, GA4Config{}, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := src.Fetch(context.Background(), analytics.Query{Window: testWindow()})
	require.Error(t, err)
	assert.True(t, analytics.IsTransient(err))
}

func TestGA4Source_RejectsUserLevel(t *testing.T) {
	var calls atomic.Int32
	src := newGA4(t, GA4Config{}, func(w http.ResponseWriter, r *http.Request) { calls.Add(1) })

	_, err := src.Fetch(context.Background(), analytics.Query{Window: testWindow(), UserLevel: true})
	require.ErrorIs(t, err, analytics.ErrCapabilityUnsupported)
	assert.Zero(t, calls.Load())
	assert.False(t, src.Capabilities().UserLevel)
}

func TestGA4Source_InvalidCredential(t *testing.T) {
	src := NewGA4Source(http.DefaultClient, nil, GA4Config{PropertyID: "1"}, nil)
	_, err := src.Fetch(context.Background(), analytics.Query{Window: testWindow()})
	assert.True(t, analytics.IsAuthorization(err))
}

func TestReportRequestLimits(t *testing.T) {
	req := ga4ReportRequest{DateRanges: []ga4DateRange{{}}, Metrics: []ga4Named{{Name: "activeUsers"}}}
	for i := 0; i < maxDimensions; i++ {
		req.Dimensions = append(req.Dimensions, ga4Named{Name: fmt.Sprint("d", i)})
	}
	require.NoError(t, req.validate())

	req.Dimensions = append(req.Dimensions, ga4Named{Name: "one-too-many"})
	assert.Error(t, req.validate())

	req.Dimensions = req.Dimensions[:2]
	for i := 0; i < maxMetrics; i++ {
		req.Metrics = append(req.Metrics, ga4Named{Name: fmt.Sprint("m", i)})
	}
	assert.Error(t, req.validate())
}

func TestChunkWindow(t *testing.T) {
	w := analytics.Window{From: analytics.MustParseWeek("2025-10-06"), To: analytics.MustParseWeek("2025-11-03")}

	assert.Equal(t, []analytics.Window{w}, chunkWindow(w, 0))

	chunks := chunkWindow(w, 14)
	require.Len(t, chunks, 3)
	assert.Equal(t, "2025-10-06..2025-10-13", chunks[0].String())
	assert.Equal(t, "2025-11-03..2025-11-03", chunks[2].String())

	assert.Len(t, chunkWindow(w, 3), 5)
}
