package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/i474232898/country-metrics/internal/analytics"
	"github.com/i474232898/country-metrics/internal/export"
	"github.com/i474232898/country-metrics/internal/logging"
)

var (
	spikesMinPct   float64
	spikesMinAbove float64
	spikesOut      string
	spikesStatsOut string
)

var spikesCmd = &cobra.Command{
	Use:   "spikes [report.tsv]",
	Short: "Find country-weeks well above their week's average in a report",
	Long: `spikes reads a report written by "report" (or stdin) and lists the
country-weeks whose value is at least --min-pct percent and --min-above units
above the average of all countries that week.`,
	Args: cobra.MaximumNArgs(1),
	// Works on a file; no sources or credentials needed.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		level := logLevel
		if level == "" {
			level = "info"
		}
		logger, err = logging.New(level, development)
		return err
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		var in io.Reader = cmd.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open report: %w", err)
			}
			defer f.Close()
			in = f
		}

		series, err := export.ReadSeriesTSV(in)
		if err != nil {
			return fmt.Errorf("read report: %w", err)
		}
		stats, spikes := analytics.DetectSpikes(series, analytics.SpikeOptions{
			MinPctAboveAvg: spikesMinPct,
			MinAboveAvg:    spikesMinAbove,
		})
		logger.Info("spike analysis",
			zap.Stringer("window", series.Window),
			zap.Int("weeks", len(stats)),
			zap.Int("spikes", len(spikes)))

		out, closeOut, err := createOutput(cmd, spikesOut)
		if err != nil {
			return err
		}
		defer closeOut()
		if err := export.WriteSpikesTSV(out, spikes); err != nil {
			return fmt.Errorf("write spikes: %w", err)
		}

		if spikesStatsOut != "" {
			f, err := os.Create(spikesStatsOut)
			if err != nil {
				return fmt.Errorf("create stats file: %w", err)
			}
			defer f.Close()
			if err := export.WriteWeekStatsTSV(f, stats); err != nil {
				return fmt.Errorf("write weekly stats: %w", err)
			}
		}
		return nil
	},
}

func init() {
	def := analytics.DefaultSpikeOptions()
	spikesCmd.Flags().Float64Var(&spikesMinPct, "min-pct", def.MinPctAboveAvg, "Minimum percent above the week's average")
	spikesCmd.Flags().Float64Var(&spikesMinAbove, "min-above", def.MinAboveAvg, "Minimum absolute value above the week's average")
	spikesCmd.Flags().StringVarP(&spikesOut, "out", "o", "", "Output TSV file for spikes (default stdout)")
	spikesCmd.Flags().StringVar(&spikesStatsOut, "stats-out", "", "Also write weekly averages and totals to this TSV file")
}

func createOutput(cmd *cobra.Command, path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return cmd.OutOrStdout(), func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create %s: %w", path, err)
	}
	return f, func() { _ = f.Close() }, nil
}
