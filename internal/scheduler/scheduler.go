package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/i474232898/country-metrics/internal/analytics"
	"github.com/i474232898/country-metrics/internal/store"
)

// Reconciler produces a report for a window.
type Reconciler interface {
	Reconcile(ctx context.Context, window analytics.Window, policy analytics.Policy) (*analytics.Report, error)
}

// Options configure the refresh job.
type Options struct {
	Weeks    int
	Location *time.Location
	Policy   analytics.Policy
	Interval time.Duration
	// Timeout bounds one refresh; zero means 10 minutes.
	Timeout time.Duration
}

// Scheduler periodically reconciles the trailing window into the store.
type Scheduler struct {
	scheduler  *gocron.Scheduler
	reconciler Reconciler
	store      *store.MemoryStore
	opts       Options
	logger     *zap.Logger
	now        func() time.Time

	// One refresh at a time, whether scheduled or requested over HTTP.
	mu sync.Mutex
}

// New creates a new Scheduler.
func New(reconciler Reconciler, st *store.MemoryStore, opts Options, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{
		scheduler:  s,
		reconciler: reconciler,
		store:      st,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
	}
}

// Window returns the trailing window as of now in the reporting zone.
func (s *Scheduler) Window() analytics.Window {
	return analytics.TrailingWindow(s.now().In(s.opts.Location), s.opts.Weeks)
}

// Refresh runs one reconciliation for window and stores the result. A zero
// window means the trailing window.
func (s *Scheduler) Refresh(ctx context.Context, window analytics.Window) (store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if window.From.IsZero() && window.To.IsZero() {
		window = s.Window()
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	start := s.now()
	report, err := s.reconciler.Reconcile(ctx, window, s.opts.Policy)
	if err != nil {
		if errors.Is(err, analytics.ErrNoDataAvailable) {
			s.logger.Warn("scheduler: no data for window", zap.Stringer("window", window), zap.Error(err))
		}
		return store.Run{}, err
	}
	run := s.store.Save(report)
	s.logger.Info("scheduler: report stored",
		zap.String("report_id", run.ID),
		zap.Stringer("window", window),
		zap.Int("entries", len(report.Series.Entries)),
		zap.Int("warnings", len(report.Coverage.Warnings)),
		zap.Duration("took", s.now().Sub(start)),
	)
	return run, nil
}

// Start schedules the periodic job, runs it once immediately and starts the
// underlying scheduler.
func (s *Scheduler) Start() error {
	if s.opts.Weeks <= 0 {
		s.logger.Info("scheduler: no weeks configured; nothing to schedule")
		return nil
	}

	interval := s.opts.Interval
	if interval < time.Minute {
		interval = 6 * time.Hour
	}

	_, err := s.scheduler.Every(interval).StartImmediately().Do(func() {
		s.logger.Info("scheduler: running report job")
		if _, err := s.Refresh(context.Background(), analytics.Window{}); err != nil {
			s.logger.Error("scheduler: report job failed", zap.Error(err))
			return
		}
		s.logger.Info("scheduler: completed report job")
	})
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()
	return nil
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
