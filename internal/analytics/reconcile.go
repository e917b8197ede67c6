package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Reconciler fetches every configured source concurrently and merges the
// results into one weekly series. Sources are given in priority order.
type Reconciler struct {
	sources []Source
	logger  *zap.Logger
}

// NewReconciler creates a Reconciler. The first source has the highest
// priority.
func NewReconciler(logger *zap.Logger, sources ...Source) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		sources: sources,
		logger:  logger,
	}
}

// SourceNames lists the configured sources in priority order.
func (r *Reconciler) SourceNames() []string {
	names := make([]string, 0, len(r.sources))
	for _, s := range r.sources {
		names = append(names, s.Name())
	}
	return names
}

// Reconcile runs one pass over window. A failing source only degrades the
// result unless the policy marks it mandatory. Cancelling ctx aborts the pass
// and returns ctx's error; partial series are never returned.
func (r *Reconciler) Reconcile(ctx context.Context, window Window, policy Policy) (*Report, error) {
	if len(r.sources) == 0 {
		return nil, errors.New("no sources configured")
	}
	if err := window.Validate(); err != nil {
		return nil, fmt.Errorf("invalid window: %w", err)
	}
	policy = policy.withDefaults()
	q := Query{Window: window, Metric: policy.Metric, UserLevel: policy.UserLevel}

	log := r.logger.With(zap.Stringer("window", window), zap.String("metric", q.Metric))
	log.Debug("reconcile started", zap.Strings("sources", r.SourceNames()))

	outcomes := make([]fetchOutcome, len(r.sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range r.sources {
		g.Go(func() error {
			res, err := r.fetch(gctx, src, q, policy)
			outcomes[i] = fetchOutcome{source: src, result: res, err: err}
			if err == nil {
				return nil
			}
			log.Warn("source unavailable",
				zap.String("source", src.Name()),
				zap.Bool("mandatory", policy.Mandatory[src.Name()]),
				zap.Error(err),
			)
			if policy.Mandatory[src.Name()] {
				return &SourceError{Source: src.Name(), Err: err}
			}
			return nil
		})
	}
	werr := g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if werr != nil {
		return nil, werr
	}

	report, err := merge(window, policy, outcomes)
	if err != nil {
		return nil, err
	}
	log.Info("reconcile finished",
		zap.Int("pairs", report.Coverage.Pairs),
		zap.Int("absent", report.Coverage.AbsentPairs),
		zap.Int("missing_weeks", len(report.Coverage.MissingWeeks)),
		zap.Int("warnings", len(report.Coverage.Warnings)),
	)
	return report, nil
}

// fetch calls one source with a per-attempt timeout, retrying transient
// failures with exponential backoff.
func (r *Reconciler) fetch(ctx context.Context, src Source, q Query, policy Policy) (Result, error) {
	if q.UserLevel && !src.Capabilities().UserLevel {
		return Result{}, fmt.Errorf("%s: user-level counts: %w", src.Name(), ErrCapabilityUnsupported)
	}

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := policy.backoff(attempt)
			r.logger.Info("retrying source",
				zap.String("source", src.Name()),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Result{}, ctx.Err()
			case <-timer.C:
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
		res, err := src.Fetch(attemptCtx, q)
		timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
		cancel()
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if timedOut {
			return Result{}, fmt.Errorf("%w: %s timed out after %s", ErrSourceUnavailable, src.Name(), policy.Timeout)
		}
		lastErr = err
		if !IsTransient(err) {
			break
		}
	}
	return Result{}, lastErr
}
