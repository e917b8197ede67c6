package store

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/i474232898/country-metrics/internal/analytics"
)

var (
	// ErrNotFound is returned when no report run matches.
	ErrNotFound = errors.New("report not found")
)

// Run is one stored reconciliation result.
type Run struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"createdAt"`
	Report    *analytics.Report `json:"report"`
}

// Summary describes a run without its series.
type Summary struct {
	ID        string           `json:"id"`
	CreatedAt time.Time        `json:"createdAt"`
	Window    analytics.Window `json:"window"`
	Metric    string           `json:"metric"`
	Entries   int              `json:"entries"`
	Warnings  int              `json:"warnings"`
}

func (r Run) Summary() Summary {
	s := Summary{ID: r.ID, CreatedAt: r.CreatedAt}
	if r.Report != nil {
		s.Window = r.Report.Series.Window
		s.Metric = r.Report.Series.Metric
		s.Entries = len(r.Report.Series.Entries)
		s.Warnings = len(r.Report.Coverage.Warnings)
	}
	return s
}

// MemoryStore is a concurrency-safe in-memory history of report runs,
// oldest first.
type MemoryStore struct {
	mu   sync.RWMutex
	runs []Run

	// retention configuration
	maxHistory int           // max number of runs
	maxAge     time.Duration // optional max age for runs

	now func() time.Time
}

// NewMemoryStore creates a new MemoryStore with optional limits.
// If maxHistory is <= 0, it is treated as unlimited.
func NewMemoryStore(maxHistory int, maxAge time.Duration) *MemoryStore {
	return &MemoryStore{
		maxHistory: maxHistory,
		maxAge:     maxAge,
		now:        time.Now,
	}
}

// Save stores a report under a new id and enforces retention.
func (s *MemoryStore) Save(report *analytics.Report) Run {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := Run{ID: uuid.NewString(), CreatedAt: s.now().UTC(), Report: report}
	s.runs = append(s.runs, run)

	// Enforce retention by count.
	if s.maxHistory > 0 && len(s.runs) > s.maxHistory {
		over := len(s.runs) - s.maxHistory
		s.runs = s.runs[over:]
	}

	// Enforce retention by age. The newest run is always kept.
	if s.maxAge > 0 {
		cutoff := s.now().Add(-s.maxAge)
		i := 0
		for ; i < len(s.runs)-1; i++ {
			if !s.runs[i].CreatedAt.Before(cutoff) {
				break
			}
		}
		s.runs = s.runs[i:]
	}
	return run
}

// Latest returns the most recent run.
func (s *MemoryStore) Latest() (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.runs) == 0 {
		return Run{}, ErrNotFound
	}
	return s.runs[len(s.runs)-1], nil
}

// Get returns the run with the given id.
func (s *MemoryStore) Get(id string) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return Run{}, ErrNotFound
}

// List summarises the stored runs, newest first.
func (s *MemoryStore) List() []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Summary, 0, len(s.runs))
	for i := len(s.runs) - 1; i >= 0; i-- {
		out = append(out, s.runs[i].Summary())
	}
	return out
}
