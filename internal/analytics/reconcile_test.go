package analytics

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSource struct {
	name   string
	caps   Capabilities
	result Result
	errs   []error
	block  bool
	calls  atomic.Int32
}

func (f *fakeSource) Name() string               { return f.name }
func (f *fakeSource) Capabilities() Capabilities { return f.caps }

func (f *fakeSource) Fetch(ctx context.Context, q Query) (Result, error) {
	n := int(f.calls.Add(1)) - 1
	if f.block {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}
	if n < len(f.errs) && f.errs[n] != nil {
		return Result{}, f.errs[n]
	}
	return f.result, nil
}

func rec(week, country string, v int64) Record {
	return Record{Week: MustParseWeek(week), Country: Country(country), Value: v}
}

func testPolicy() Policy {
	p := DefaultPolicy()
	p.BackoffBase = time.Millisecond
	p.BackoffMax = 2 * time.Millisecond
	p.Timeout = time.Second
	return p
}

func scenarioWindow() Window {
	return Window{From: MustParseWeek("2025-10-27"), To: MustParseWeek("2025-11-03")}
}

func scenarioSources() (*fakeSource, *fakeSource) {
	wh := &fakeSource{
		name: "warehouse",
		caps: Capabilities{UserLevel: true},
		result: Result{
			Records: []Record{rec("2025-10-27", "US", 120), rec("2025-10-27", "CA", 30)},
			Covered: []Week{MustParseWeek("2025-10-27")},
		},
	}
	api := &fakeSource{
		name: "ga4",
		caps: Capabilities{Backfill: true},
		result: Result{
			Records: []Record{rec("2025-10-27", "US", 115), rec("2025-11-03", "US", 140)},
		},
	}
	return wh, api
}

func TestReconcile_WarehouseWinsAndAPIFillsHistory(t *testing.T) {
	wh, api := scenarioSources()
	r := NewReconciler(zap.NewNop(), wh, api)

	report, err := r.Reconcile(context.Background(), scenarioWindow(), testPolicy())
	require.NoError(t, err)

	entries := report.Series.Entries
	require.Len(t, entries, 4)

	us1, ok := report.Series.Lookup(MustParseWeek("2025-10-27"), "US")
	require.True(t, ok)
	assert.Equal(t, int64(120), us1.Value)
	assert.Equal(t, Provenance("warehouse"), us1.Provenance)
	assert.Equal(t, []Observation{{Source: "ga4", State: StateObserved, Value: 115}}, us1.Audit())

	ca1, ok := report.Series.Lookup(MustParseWeek("2025-10-27"), "CA")
	require.True(t, ok)
	assert.Equal(t, int64(30), ca1.Value)
	assert.Equal(t, Provenance("warehouse"), ca1.Provenance)
	assert.Empty(t, ca1.Audit())

	us2, ok := report.Series.Lookup(MustParseWeek("2025-11-03"), "US")
	require.True(t, ok)
	assert.Equal(t, int64(140), us2.Value)
	assert.Equal(t, Provenance("ga4"), us2.Provenance)
	whObs, _ := us2.Observation("warehouse")
	assert.Equal(t, StateOutOfCoverage, whObs.State)

	ca2, ok := report.Series.Lookup(MustParseWeek("2025-11-03"), "CA")
	require.True(t, ok)
	assert.False(t, ca2.Present)
	assert.Equal(t, ProvenanceAbsent, ca2.Provenance)
	assert.Zero(t, ca2.Value)

	cov := report.Coverage
	assert.Equal(t, 2, cov.RequestedWeeks)
	assert.Equal(t, 4, cov.Pairs)
	assert.Equal(t, 1, cov.AbsentPairs)
	assert.Empty(t, cov.MissingWeeks)
	whCov, _ := cov.Source("warehouse")
	apiCov, _ := cov.Source("ga4")
	assert.True(t, whCov.Available)
	assert.True(t, apiCov.Available)
	assert.Empty(t, whCov.Error)
	assert.Equal(t, 2, whCov.Satisfied)
	assert.Equal(t, 1, apiCov.Satisfied)
	assert.Equal(t, []Week{MustParseWeek("2025-10-27")}, whCov.CoveredWeeks)
}

func TestReconcile_OneEntryPerPair(t *testing.T) {
	wh, api := scenarioSources()
	window := Window{From: MustParseWeek("2025-10-13"), To: MustParseWeek("2025-11-10")}
	report, err := NewReconciler(nil, wh, api).Reconcile(context.Background(), window, testPolicy())
	require.NoError(t, err)

	seen := make(map[pairKey]bool)
	for _, e := range report.Series.Entries {
		k := pairKey{week: e.Week, country: e.Country}
		require.False(t, seen[k], "duplicate %s/%s", e.Week, e.Country)
		seen[k] = true
		assert.GreaterOrEqual(t, e.Value, int64(0))
		assert.NotEmpty(t, e.Provenance)
	}
	assert.Len(t, report.Series.Entries, window.Len()*2)

	// Weeks nobody covered are reported, never filled with zeros.
	assert.Equal(t, []Week{
		MustParseWeek("2025-10-13"),
		MustParseWeek("2025-10-20"),
		MustParseWeek("2025-11-10"),
	}, report.Coverage.MissingWeeks)
	e, _ := report.Series.Lookup(MustParseWeek("2025-10-13"), "US")
	assert.False(t, e.Present)
}

func TestReconcile_AuthorizationFailureDegrades(t *testing.T) {
	wh, api := scenarioSources()
	wh.errs = []error{&AuthorizationError{Source: "warehouse", Scope: "bigquery.readonly", Reason: "permission denied"}}

	report, err := NewReconciler(nil, wh, api).Reconcile(context.Background(), scenarioWindow(), testPolicy())
	require.NoError(t, err)

	assert.Equal(t, int32(1), wh.calls.Load(), "authorization errors are not retried")
	whCov, ok := report.Coverage.Source("warehouse")
	require.True(t, ok)
	assert.False(t, whCov.Available)
	assert.True(t, whCov.Unauthorized)
	assert.Contains(t, whCov.Error, "bigquery.readonly")
	apiCov, _ := report.Coverage.Source("ga4")
	assert.True(t, apiCov.Available)

	us1, _ := report.Series.Lookup(MustParseWeek("2025-10-27"), "US")
	assert.Equal(t, int64(115), us1.Value)
	assert.Equal(t, Provenance("ga4"), us1.Provenance)
	obs, _ := us1.Observation("warehouse")
	assert.Equal(t, StateUnavailable, obs.State)
}

func TestReconcile_AllSourcesFail(t *testing.T) {
	wh, api := scenarioSources()
	wh.errs = []error{errors.New("dataset not found")}
	api.errs = []error{&AuthorizationError{Source: "ga4", Reason: "insufficient scopes"}}

	report, err := NewReconciler(nil, wh, api).Reconcile(context.Background(), scenarioWindow(), testPolicy())
	require.ErrorIs(t, err, ErrNoDataAvailable)
	assert.Nil(t, report)
	assert.Contains(t, err.Error(), "dataset not found")
	assert.Contains(t, err.Error(), "insufficient scopes")
}

func TestReconcile_EmptySourcesAreNoData(t *testing.T) {
	wh := &fakeSource{name: "warehouse", result: Result{Covered: []Week{}}}
	report, err := NewReconciler(nil, wh).Reconcile(context.Background(), scenarioWindow(), testPolicy())
	require.ErrorIs(t, err, ErrNoDataAvailable)
	assert.Nil(t, report)
}

func TestReconcile_RetriesTransientErrors(t *testing.T) {
	wh, api := scenarioSources()
	api.errs = []error{Transient(errors.New("429")), Transient(errors.New("503"))}

	report, err := NewReconciler(nil, wh, api).Reconcile(context.Background(), scenarioWindow(), testPolicy())
	require.NoError(t, err)
	assert.Equal(t, int32(3), api.calls.Load())
	apiCov, _ := report.Coverage.Source("ga4")
	assert.True(t, apiCov.Available)
}

func TestReconcile_RetriesAreBounded(t *testing.T) {
	wh, api := scenarioSources()
	boom := Transient(errors.New("503"))
	api.errs = []error{boom, boom, boom, boom}

	report, err := NewReconciler(nil, wh, api).Reconcile(context.Background(), scenarioWindow(), testPolicy())
	require.NoError(t, err)
	assert.Equal(t, int32(3), api.calls.Load())
	apiCov, _ := report.Coverage.Source("ga4")
	assert.False(t, apiCov.Available)
}

func TestReconcile_MandatorySourceFailureIsFatal(t *testing.T) {
	wh, api := scenarioSources()
	wh.errs = []error{errors.New("boom")}
	p := testPolicy()
	p.Mandatory = map[string]bool{"warehouse": true}

	report, err := NewReconciler(nil, wh, api).Reconcile(context.Background(), scenarioWindow(), p)
	require.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Nil(t, report)
}

func TestReconcile_TimeoutMakesSourceUnavailable(t *testing.T) {
	wh, api := scenarioSources()
	api.block = true
	p := testPolicy()
	p.Timeout = 20 * time.Millisecond

	report, err := NewReconciler(nil, wh, api).Reconcile(context.Background(), scenarioWindow(), p)
	require.NoError(t, err)
	assert.Equal(t, int32(1), api.calls.Load())
	apiCov, _ := report.Coverage.Source("ga4")
	assert.False(t, apiCov.Available)
	assert.Contains(t, apiCov.Error, "timed out")
}

func TestReconcile_CancellationDiscardsPartialResults(t *testing.T) {
	wh, api := scenarioSources()
	api.block = true

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	report, err := NewReconciler(nil, wh, api).Reconcile(ctx, scenarioWindow(), testPolicy())
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, report)
}

func TestReconcile_UserLevelFailsFastOnAggregateSource(t *testing.T) {
	wh, api := scenarioSources()
	p := testPolicy()
	p.UserLevel = true

	report, err := NewReconciler(nil, wh, api).Reconcile(context.Background(), scenarioWindow(), p)
	require.NoError(t, err)
	assert.Zero(t, api.calls.Load())
	apiCov, _ := report.Coverage.Source("ga4")
	assert.False(t, apiCov.Available)
	assert.Contains(t, apiCov.Error, ErrCapabilityUnsupported.Error())
}

func TestReconcile_MalformedRecordsAreDropped(t *testing.T) {
	wh, api := scenarioSources()
	api.result.Records = append(api.result.Records,
		Record{Country: "US", Value: 1},
		Record{Week: MustParseWeek("2025-10-27"), Value: 1},
		rec("2025-10-27", "FR", -4),
		rec("2024-01-01", "FR", 4),
	)
	api.result.Warnings = []error{&RecordError{Source: "ga4", Row: 9, Reason: "bad date"}}

	report, err := NewReconciler(nil, wh, api).Reconcile(context.Background(), scenarioWindow(), testPolicy())
	require.NoError(t, err)
	assert.Len(t, report.Coverage.Warnings, 5)
	apiCov, _ := report.Coverage.Source("ga4")
	assert.Equal(t, 5, apiCov.Dropped)
	assert.Equal(t, []Country{"CA", "US"}, report.Series.Countries())
}

func TestReconcile_AgreeingSources(t *testing.T) {
	wh, api := scenarioSources()
	api.result.Records = []Record{rec("2025-10-27", "US", 120)}

	report, err := NewReconciler(nil, wh, api).Reconcile(context.Background(), scenarioWindow(), testPolicy())
	require.NoError(t, err)
	e, _ := report.Series.Lookup(MustParseWeek("2025-10-27"), "US")
	assert.Equal(t, ProvenanceAgree, e.Provenance)
	assert.Equal(t, "warehouse", e.Winner)
}

func TestReconcile_RejectsBadInput(t *testing.T) {
	_, err := NewReconciler(nil).Reconcile(context.Background(), scenarioWindow(), testPolicy())
	require.Error(t, err)

	wh, _ := scenarioSources()
	bad := Window{From: MustParseWeek("2025-11-03"), To: MustParseWeek("2025-10-27")}
	_, err = NewReconciler(nil, wh).Reconcile(context.Background(), bad, testPolicy())
	require.Error(t, err)
}
