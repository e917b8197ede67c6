package main

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/i474232898/country-metrics/internal/analytics"
	"github.com/i474232898/country-metrics/internal/analytics/sources"
	"github.com/i474232898/country-metrics/internal/config"
	"github.com/i474232898/country-metrics/internal/credentials"
)

// sourceSet holds the configured sources in priority order: the export
// first, the aggregate API second.
type sourceSet struct {
	sources   []analytics.Source
	warehouse *sources.WarehouseSource
	ga4       *sources.GA4Source
	closers   []func() error
}

func (s *sourceSet) Close() error {
	var err error
	for _, c := range s.closers {
		err = multierr.Append(err, c())
	}
	return err
}

// buildSources wires every configured source. A source that cannot be
// constructed still takes part and reports itself unavailable, unless it is
// mandatory.
func buildSources(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (*sourceSet, error) {
	set := &sourceSet{}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	mandatory := make(map[string]bool)
	for _, name := range cfg.MandatorySources {
		mandatory[name] = true
	}

	var wh sources.Warehouse
	switch cfg.WarehouseDriver {
	case "bigquery":
		tokens, err := credentials.TokenSource(ctx, cfg.CredentialsFile, credentials.CloudPlatformScope)
		if err != nil {
			logger.Warn("no credentials for the warehouse; using the client defaults", zap.Error(err))
		}
		bq, err := sources.NewBigQueryWarehouse(ctx, cfg.GCPProject, cfg.Dataset, tokens)
		if err != nil {
			if mandatory["warehouse"] {
				return nil, err
			}
			logger.Warn("warehouse unavailable", zap.Error(err))
			set.sources = append(set.sources, unavailable{name: "warehouse", err: err})
			break
		}
		wh = bq
	case "sqlite":
		lite, err := sources.OpenSQLiteWarehouse(ctx, cfg.WarehouseDSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite warehouse: %w", err)
		}
		wh = lite
	}
	if wh != nil {
		set.closers = append(set.closers, wh.Close)
		set.warehouse = sources.NewWarehouseSource(wh, loc, logger)
		set.sources = append(set.sources, set.warehouse)
	}

	if cfg.PropertyID != "" {
		tokens, err := credentials.TokenSource(ctx, cfg.CredentialsFile, credentials.AnalyticsReadonlyScope)
		if err != nil {
			// Fetch reports the missing credential as an authorization failure.
			logger.Warn("no credentials for the reporting API", zap.Error(err))
		}
		set.ga4 = sources.NewGA4Source(&http.Client{Timeout: cfg.SourceTimeout}, tokens, sources.GA4Config{
			PropertyID:   cfg.PropertyID,
			BaseURL:      cfg.GA4BaseURL,
			MaxRangeDays: cfg.GA4MaxRangeDays,
		}, logger)
		set.sources = append(set.sources, set.ga4)
	}

	if len(set.sources) == 0 {
		return nil, fmt.Errorf("no sources configured")
	}
	return set, nil
}

// unavailable stands in for a source that could not be constructed.
type unavailable struct {
	name string
	err  error
}

func (u unavailable) Name() string                       { return u.name }
func (u unavailable) Capabilities() analytics.Capabilities { return analytics.Capabilities{} }

func (u unavailable) Fetch(context.Context, analytics.Query) (analytics.Result, error) {
	return analytics.Result{}, &analytics.SourceError{Source: u.name, Err: u.err}
}
