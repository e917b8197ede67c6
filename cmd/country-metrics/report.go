package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/i474232898/country-metrics/internal/analytics"
	"github.com/i474232898/country-metrics/internal/export"
)

var (
	reportWeeks       int
	reportFrom        string
	reportTo          string
	reportOut         string
	reportCoverageOut string
	reportAudit       bool
	reportConflict    string
	reportMetric      string
	reportUserLevel   bool
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Reconcile the sources and write the weekly per-country series as TSV",
	Example: `  country-metrics report --weeks 20 > weekly.tsv
  country-metrics report --from 2025-01-06 --to 2025-03-31 --audit --out q1.tsv`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		policy, err := cfg.Policy()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("conflict") {
			if policy.Conflict, err = analytics.ParseConflictPolicy(reportConflict); err != nil {
				return err
			}
		}
		if reportMetric != "" {
			policy.Metric = reportMetric
		}
		if reportUserLevel {
			policy.UserLevel = true
		}

		window, err := reportWindow()
		if err != nil {
			return err
		}

		set, err := buildSources(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer set.Close()

		logger.Info("building report",
			zap.Stringer("window", window),
			zap.String("metric", policy.Metric),
			zap.Strings("sources", names(set.sources)))

		report, err := analytics.NewReconciler(logger, set.sources...).Reconcile(ctx, window, policy)
		if err != nil {
			return err
		}
		logCoverage(report.Coverage)

		w, closeOut, err := createOutput(cmd, reportOut)
		if err != nil {
			return err
		}
		defer closeOut()
		if err := export.WriteSeriesTSV(w, &report.Series, export.TSVOptions{Audit: reportAudit}); err != nil {
			return fmt.Errorf("write report: %w", err)
		}

		if reportCoverageOut != "" {
			data, err := json.MarshalIndent(report.Coverage, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(reportCoverageOut, append(data, '\n'), 0o644); err != nil {
				return fmt.Errorf("write coverage: %w", err)
			}
		}
		return nil
	},
}

func init() {
	reportCmd.Flags().IntVar(&reportWeeks, "weeks", 0, "Number of weeks to look back, including the current one (default GA_WEEKS)")
	reportCmd.Flags().StringVar(&reportFrom, "from", "", "First date of the window (YYYY-MM-DD); widened to its week")
	reportCmd.Flags().StringVar(&reportTo, "to", "", "Last date of the window (YYYY-MM-DD); widened to its week")
	reportCmd.Flags().StringVarP(&reportOut, "out", "o", "", "Output TSV file (default stdout)")
	reportCmd.Flags().StringVar(&reportCoverageOut, "coverage-out", "", "Also write the coverage summary as JSON to this file")
	reportCmd.Flags().BoolVar(&reportAudit, "audit", false, "Add a column with the values the other sources reported")
	reportCmd.Flags().StringVar(&reportConflict, "conflict", "", "Conflict policy: winner or side-by-side")
	reportCmd.Flags().StringVar(&reportMetric, "metric", "", "Metric to report (default GA_METRIC)")
	reportCmd.Flags().BoolVar(&reportUserLevel, "user-level", false, "Require exact distinct-user counts")
}

func reportWindow() (analytics.Window, error) {
	if reportFrom != "" || reportTo != "" {
		return analytics.ParseWindow(reportFrom, reportTo)
	}

	weeks := cfg.Weeks
	if reportWeeks > 0 {
		weeks = reportWeeks
	}
	loc, err := cfg.Location()
	if err != nil {
		return analytics.Window{}, err
	}
	return analytics.TrailingWindow(time.Now().In(loc), weeks), nil
}

func logCoverage(c analytics.Coverage) {
	for _, sc := range c.Sources {
		fields := []zap.Field{
			zap.String("source", sc.Source),
			zap.Bool("available", sc.Available),
			zap.Int("covered_weeks", len(sc.CoveredWeeks)),
			zap.Int("records", sc.Records),
			zap.Int("satisfied", sc.Satisfied),
			zap.Int("dropped", sc.Dropped),
		}
		if sc.Error != "" {
			fields = append(fields, zap.String("error", sc.Error))
		}
		if sc.Available {
			logger.Info("source coverage", fields...)
		} else {
			logger.Warn("source unavailable", fields...)
		}
	}
	for _, w := range c.MissingWeeks {
		logger.Warn("no source has data for week", zap.Stringer("week", w))
	}
	for _, msg := range c.Warnings {
		logger.Debug("record dropped", zap.String("reason", msg))
	}
	if len(c.MissingWeeks) > 0 {
		logger.Warn("report is incomplete",
			zap.Int("requested_weeks", c.RequestedWeeks),
			zap.Int("missing_weeks", len(c.MissingWeeks)))
	}
}

func names(srcs []analytics.Source) []string {
	out := make([]string, 0, len(srcs))
	for _, s := range srcs {
		out = append(out, s.Name())
	}
	return out
}
