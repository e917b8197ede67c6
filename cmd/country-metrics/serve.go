package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/i474232898/country-metrics/internal/analytics"
	httpapi "github.com/i474232898/country-metrics/internal/api/http"
	"github.com/i474232898/country-metrics/internal/scheduler"
	"github.com/i474232898/country-metrics/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Refresh the report periodically and serve it over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Wait for termination signal
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		policy, err := cfg.Policy()
		if err != nil {
			return err
		}
		loc, err := cfg.Location()
		if err != nil {
			return err
		}

		set, err := buildSources(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer set.Close()

		// In-memory store with configured retention.
		memStore := store.NewMemoryStore(cfg.StoreMaxHistory, cfg.StoreMaxAge)

		reconciler := analytics.NewReconciler(logger, set.sources...)
		sched := scheduler.New(reconciler, memStore, scheduler.Options{
			Weeks:    cfg.Weeks,
			Location: loc,
			Policy:   policy,
			Interval: cfg.ReportInterval,
		}, logger)
		if err := sched.Start(); err != nil {
			return err
		}
		defer sched.Stop()

		app := fiber.New(fiber.Config{
			AppName:               "country-metrics",
			DisableStartupMessage: true,
			ReadTimeout:           10 * time.Second,
			// A refresh over HTTP waits for every source.
			WriteTimeout: cfg.SourceTimeout*time.Duration(cfg.SourceMaxRetries+1) + 30*time.Second,
			ErrorHandler: func(c *fiber.Ctx, err error) error {
				// Centralized error response
				code := fiber.StatusInternalServerError
				var e *fiber.Error
				if errors.As(err, &e) {
					code = e.Code
				}
				return c.Status(code).JSON(fiber.Map{
					"error":   true,
					"message": err.Error(),
				})
			},
		})

		// Global middleware
		app.Use(fiberlogger.New())
		app.Use(recover.New())

		app.Get("/health", func(c *fiber.Ctx) error {
			return c.JSON(fiber.Map{
				"status":  "ok",
				"service": "country-metrics",
				"sources": names(set.sources),
			})
		})

		httpapi.RegisterRoutes(app, memStore, sched)

		go func() {
			logger.Info("http server listening", zap.String("port", cfg.Port))
			if err := app.Listen(":" + cfg.Port); err != nil {
				logger.Error("fiber server stopped", zap.Error(err))
				stop()
			}
		}()

		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logger.Error("error during shutdown", zap.Error(err))
		}
		return nil
	},
}
