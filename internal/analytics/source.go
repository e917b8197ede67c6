package analytics

import (
	"context"
)

// DefaultMetric is the per-country weekly metric both sources can produce.
const DefaultMetric = "activeUsers"

// Query is what the reconciler asks every source for.
type Query struct {
	Window Window
	Metric string

	// UserLevel demands counts derived from individual user identifiers
	// rather than pre-aggregated estimates.
	UserLevel bool
}

// Capabilities declares the structural limits of a source.
type Capabilities struct {
	// UserLevel is true when the source can count individual user identifiers.
	UserLevel bool
	// Backfill is true when the source can answer for any past week. Sources
	// without backfill must report their actual coverage in Result.Covered.
	Backfill bool
}

// Result is what a source returned for a query.
type Result struct {
	Records []Record
	// Covered lists the weeks of the requested window the source has data
	// for. A nil slice means the whole window.
	Covered []Week
	// Warnings holds rows the source dropped while parsing.
	Warnings []error
}

// Source abstracts an analytics data source (aggregate reporting API,
// raw-event warehouse).
type Source interface {
	Name() string
	Capabilities() Capabilities
	Fetch(ctx context.Context, q Query) (Result, error)
}
