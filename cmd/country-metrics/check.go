package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/i474232898/country-metrics/internal/analytics"
)

var checkTimeout time.Duration

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify that every configured source is reachable and authorized",
	Long: `check issues one cheap request per source: a one-row report against the
reporting API and an export range query against the warehouse. It exits
non-zero when any source fails, and prints what the failure means.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), checkTimeout)
		defer cancel()

		set, err := buildSources(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer set.Close()

		out := cmd.OutOrStdout()
		var failures error

		if set.warehouse != nil {
			rng, err := set.warehouse.ExportRange(ctx)
			switch {
			case err != nil:
				printFailure(out, "warehouse", err)
				failures = multierr.Append(failures, err)
			case rng.Empty():
				fmt.Fprintln(out, "warehouse: reachable, but the export holds no events yet")
			default:
				fmt.Fprintf(out, "warehouse: ok, export covers %s to %s (%d days, %d events)\n",
					rng.Earliest.Format("2006-01-02"), rng.Latest.Format("2006-01-02"), rng.Days, rng.Events)
			}
		}
		for _, src := range set.sources {
			if u, ok := src.(unavailable); ok {
				printFailure(out, u.name, u.err)
				failures = multierr.Append(failures, u.err)
			}
		}
		if set.ga4 != nil {
			if err := set.ga4.Probe(ctx); err != nil {
				printFailure(out, "ga4", err)
				failures = multierr.Append(failures, err)
			} else {
				fmt.Fprintln(out, "ga4: ok, reporting API is accessible")
			}
		}

		if failures != nil {
			return fmt.Errorf("%d source check(s) failed", len(multierr.Errors(failures)))
		}
		return nil
	},
}

func init() {
	checkCmd.Flags().DurationVar(&checkTimeout, "timeout", 30*time.Second, "Overall timeout for the checks")
}

func printFailure(w io.Writer, name string, err error) {
	var authErr *analytics.AuthorizationError
	switch {
	case errors.As(err, &authErr):
		fmt.Fprintf(w, "%s: not authorized: %s\n", name, authErr.Reason)
		if authErr.Scope != "" {
			fmt.Fprintf(w, "  the credential needs the %s scope\n", authErr.Scope)
		}
	case analytics.IsTransient(err):
		fmt.Fprintf(w, "%s: temporarily unavailable: %v\n", name, err)
	default:
		fmt.Fprintf(w, "%s: failed: %v\n", name, err)
	}
}
