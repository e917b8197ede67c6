package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"

	"github.com/i474232898/country-metrics/internal/analytics"
)

func at(day string, hour int) time.Time {
	d, err := time.Parse(dateLayout, day)
	if err != nil {
		panic(err)
	}
	return d.Add(time.Duration(hour) * time.Hour)
}

func newTestWarehouse(t *testing.T) *SQLiteWarehouse {
	t.Helper()
	ctx := context.Background()
	wh, err := OpenSQLiteWarehouse(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { wh.Close() })

	require.NoError(t, wh.InsertEvents(ctx, []Event{
		// Export enabled mid-week: 2025-10-20 is not fully covered.
		{Timestamp: at("2025-10-22", 10), Name: "page_view", UserPseudoID: "u9", Country: "United States"},
		{Timestamp: at("2025-10-28", 10), Name: "page_view", UserPseudoID: "u1", Country: "United States"},
		{Timestamp: at("2025-10-29", 11), Name: "page_view", UserPseudoID: "u1", Country: "United States"},
		{Timestamp: at("2025-10-30", 12), Name: "page_view", UserPseudoID: "u2", Country: "United States"},
		{Timestamp: at("2025-10-28", 13), Name: "page_view", UserPseudoID: "c1", Country: "Canada"},
		{Timestamp: at("2025-11-04", 9), Name: "page_view", UserPseudoID: "u3", Country: "United States"},
		{Timestamp: at("2025-11-05", 9), Name: "page_view", UserPseudoID: "u4", Country: "US"},
		{Timestamp: at("2025-11-05", 10), Name: "page_view", UserPseudoID: "x1", Country: ""},
	}))
	return wh
}

func TestSQLiteWarehouse_ExportRange(t *testing.T) {
	wh := newTestWarehouse(t)
	rng, err := wh.ExportRange(context.Background(), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "2025-10-22", rng.Earliest.Format(dateLayout))
	assert.Equal(t, "2025-11-05", rng.Latest.Format(dateLayout))
	assert.Equal(t, int64(15), rng.Days)
	assert.Equal(t, int64(7), rng.Events)
}

func TestWarehouseSource_Fetch(t *testing.T) {
	src := NewWarehouseSource(newTestWarehouse(t), time.UTC, zap.NewNop())
	window := analytics.Window{From: analytics.MustParseWeek("2025-10-20"), To: analytics.MustParseWeek("2025-11-10")}

	res, err := src.Fetch(context.Background(), analytics.Query{Window: window, Metric: "activeUsers"})
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, []analytics.Week{
		analytics.MustParseWeek("2025-10-27"),
		analytics.MustParseWeek("2025-11-03"),
	}, res.Covered)

	got := make(map[string]int64)
	for _, r := range res.Records {
		got[r.Week.String()+"/"+r.Country.String()] = r.Value
		assert.Equal(t, "warehouse", r.Source)
	}
	assert.Equal(t, map[string]int64{
		"2025-10-27/US": 2,
		"2025-10-27/CA": 1,
		"2025-11-03/US": 2,
	}, got)
}

func TestWarehouseSource_EventCount(t *testing.T) {
	src := NewWarehouseSource(newTestWarehouse(t), time.UTC, nil)
	window := analytics.Window{From: analytics.MustParseWeek("2025-10-27"), To: analytics.MustParseWeek("2025-10-27")}

	res, err := src.Fetch(context.Background(), analytics.Query{Window: window, Metric: "eventCount"})
	require.NoError(t, err)
	for _, r := range res.Records {
		if r.Country == "US" {
			assert.Equal(t, int64(3), r.Value)
		}
	}

	_, err = src.Fetch(context.Background(), analytics.Query{Window: window, Metric: "sessions"})
	assert.ErrorIs(t, err, analytics.ErrCapabilityUnsupported)
}

func TestWarehouseSource_OutsideExport(t *testing.T) {
	src := NewWarehouseSource(newTestWarehouse(t), time.UTC, nil)
	window := analytics.Window{From: analytics.MustParseWeek("2025-09-01"), To: analytics.MustParseWeek("2025-09-15")}

	res, err := src.Fetch(context.Background(), analytics.Query{Window: window})
	require.NoError(t, err)
	assert.NotNil(t, res.Covered)
	assert.Empty(t, res.Covered)
	assert.Empty(t, res.Records)
}

func TestCoveredWeeks(t *testing.T) {
	window := analytics.Window{From: analytics.MustParseWeek("2025-10-20"), To: analytics.MustParseWeek("2025-11-10")}
	rng := ExportRange{Earliest: at("2025-10-20", 0), Latest: at("2025-11-03", 0)}

	got := coveredWeeks(window, rng)
	require.Len(t, got, 3)
	assert.Equal(t, "2025-10-20", got[0].String())
	assert.Equal(t, "2025-11-03", got[2].String())
	assert.Nil(t, coveredWeeks(window, ExportRange{}))
}

// The merge of a real local export with a stubbed Data API reproduces the
// reference scenario end to end.
func TestReconcile_SQLiteAndGA4(t *testing.T) {
	ctx := context.Background()
	wh, err := OpenSQLiteWarehouse(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { wh.Close() })

	var events []Event
	for i := 0; i < 120; i++ {
		events = append(events, Event{Timestamp: at("2025-10-27", 1), UserPseudoID: fmt.Sprintf("us-%d", i), Country: "United States"})
	}
	for i := 0; i < 30; i++ {
		events = append(events, Event{Timestamp: at("2025-10-28", 1), UserPseudoID: fmt.Sprintf("ca-%d", i), Country: "Canada"})
	}
	require.NoError(t, wh.InsertEvents(ctx, events))

	api := newGA4(t, GA4Config{}, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ga4ReportResponse{
			Rows:     []ga4Row{row("202544", "United States", "115"), row("202545", "United States", "140")},
			RowCount: 2,
		})
	})

	rec := analytics.NewReconciler(zap.NewNop(), NewWarehouseSource(wh, time.UTC, nil), api)
	report, err := rec.Reconcile(ctx, testWindow(), analytics.DefaultPolicy())
	require.NoError(t, err)

	us, _ := report.Series.Lookup(analytics.MustParseWeek("2025-10-27"), "US")
	assert.Equal(t, int64(120), us.Value)
	assert.Equal(t, analytics.Provenance("warehouse"), us.Provenance)
	assert.Len(t, us.Audit(), 1)

	ca, _ := report.Series.Lookup(analytics.MustParseWeek("2025-10-27"), "CA")
	assert.Equal(t, int64(30), ca.Value)

	us2, _ := report.Series.Lookup(analytics.MustParseWeek("2025-11-03"), "US")
	assert.Equal(t, int64(140), us2.Value)
	assert.Equal(t, analytics.Provenance("ga4"), us2.Provenance)
}

func TestClassifyGoogleError(t *testing.T) {
	denied := &googleapi.Error{Code: http.StatusForbidden, Message: "Access Denied", Errors: []googleapi.ErrorItem{{Reason: "accessDenied"}}}
	err := classifyGoogleError("warehouse", denied)
	var authErr *analytics.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.Reason, "accessDenied")

	quota := &googleapi.Error{Code: http.StatusForbidden, Errors: []googleapi.ErrorItem{{Reason: "quotaExceeded"}}}
	assert.True(t, analytics.IsTransient(classifyGoogleError("warehouse", quota)))

	assert.True(t, analytics.IsTransient(classifyGoogleError("warehouse", &googleapi.Error{Code: 503})))

	other := classifyGoogleError("warehouse", errors.New("dataset not found"))
	assert.False(t, analytics.IsTransient(other))
	assert.False(t, analytics.IsAuthorization(other))
}
