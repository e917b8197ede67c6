package analytics

import (
	"fmt"
	"strings"
	"time"
)

// ConflictPolicy decides how disagreeing sources appear in the output.
type ConflictPolicy string

const (
	// ConflictWinner keeps the priority winner's value; other observations
	// stay in the entry's audit list.
	ConflictWinner ConflictPolicy = "winner"
	// ConflictSideBySide keeps the winner as the value and exports every
	// source's value in its own column.
	ConflictSideBySide ConflictPolicy = "side-by-side"
)

func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch ConflictPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", ConflictWinner:
		return ConflictWinner, nil
	case ConflictSideBySide, "both":
		return ConflictSideBySide, nil
	default:
		return "", fmt.Errorf("unknown conflict policy %q", s)
	}
}

// Policy controls a single reconciliation pass.
type Policy struct {
	Metric    string
	UserLevel bool
	Conflict  ConflictPolicy

	// Mandatory names sources whose failure aborts the pass.
	Mandatory map[string]bool

	// Timeout bounds each fetch attempt of a source.
	Timeout time.Duration

	// MaxRetries bounds retries of transient failures per source.
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Metric:      DefaultMetric,
		Conflict:    ConflictWinner,
		Timeout:     60 * time.Second,
		MaxRetries:  2,
		BackoffBase: 500 * time.Millisecond,
		BackoffMax:  5 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.Metric == "" {
		p.Metric = def.Metric
	}
	if p.Conflict == "" {
		p.Conflict = def.Conflict
	}
	if p.Timeout <= 0 {
		p.Timeout = def.Timeout
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = def.BackoffBase
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = def.BackoffMax
	}
	return p
}

// backoff returns the delay before retry number attempt (1-based).
func (p Policy) backoff(attempt int) time.Duration {
	d := p.BackoffBase << (attempt - 1)
	if d > p.BackoffMax || d <= 0 {
		d = p.BackoffMax
	}
	return d
}
