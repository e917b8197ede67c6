package httpapi

import (
	"bytes"
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/i474232898/country-metrics/internal/analytics"
	"github.com/i474232898/country-metrics/internal/export"
	"github.com/i474232898/country-metrics/internal/store"
)

var validate = validator.New()

// Refresher runs a reconciliation on demand and stores the result.
type Refresher interface {
	Refresh(ctx context.Context, window analytics.Window) (store.Run, error)
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, reports *store.MemoryStore, refresher Refresher) {
	v1 := app.Group("/api/v1")

	v1.Get("/reports", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"reports": reports.List()})
	})

	v1.Post("/reports", func(c *fiber.Ctx) error {
		var req refreshRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
			}
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		window, err := req.window()
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		run, err := refresher.Refresh(c.UserContext(), window)
		if err != nil {
			return reconcileError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(run.Summary())
	})

	// "latest" is accepted wherever an id is.
	v1.Get("/reports/:id", func(c *fiber.Ctx) error {
		run, err := lookup(reports, c.Params("id"))
		if err != nil {
			return err
		}
		return c.JSON(run)
	})

	v1.Get("/reports/:id/tsv", func(c *fiber.Ctx) error {
		run, err := lookup(reports, c.Params("id"))
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		if err := export.WriteSeriesTSV(&buf, &run.Report.Series, export.TSVOptions{Audit: c.QueryBool("audit")}); err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to render report")
		}
		c.Set(fiber.HeaderContentType, "text/tab-separated-values; charset=utf-8")
		return c.Send(buf.Bytes())
	})

	v1.Get("/reports/:id/spikes", func(c *fiber.Ctx) error {
		def := analytics.DefaultSpikeOptions()
		q := spikesQuery{MinPct: def.MinPctAboveAvg, MinAbove: def.MinAboveAvg}
		if err := c.QueryParser(&q); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid query parameters")
		}
		if err := validate.Struct(q); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		run, err := lookup(reports, c.Params("id"))
		if err != nil {
			return err
		}

		stats, spikes := analytics.DetectSpikes(&run.Report.Series, q.options())
		if q.Format == "tsv" {
			var buf bytes.Buffer
			if err := export.WriteSpikesTSV(&buf, spikes); err != nil {
				return fiber.NewError(fiber.StatusInternalServerError, "failed to render spikes")
			}
			c.Set(fiber.HeaderContentType, "text/tab-separated-values; charset=utf-8")
			return c.Send(buf.Bytes())
		}
		return c.JSON(fiber.Map{
			"id":     run.ID,
			"weeks":  stats,
			"spikes": spikes,
		})
	})
}

func lookup(reports *store.MemoryStore, id string) (store.Run, error) {
	var (
		run store.Run
		err error
	)
	if id == "latest" {
		run, err = reports.Latest()
	} else {
		run, err = reports.Get(id)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return run, fiber.NewError(fiber.StatusNotFound, "no report for requested id")
		}
		return run, fiber.NewError(fiber.StatusInternalServerError, "failed to load report")
	}
	if run.Report == nil {
		return run, fiber.NewError(fiber.StatusNotFound, "report is empty")
	}
	return run, nil
}

// reconcileError maps reconciliation failures onto HTTP statuses.
func reconcileError(err error) error {
	switch {
	case errors.Is(err, analytics.ErrNoDataAvailable):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case analytics.IsAuthorization(err), errors.Is(err, analytics.ErrSourceUnavailable):
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.NewError(fiber.StatusGatewayTimeout, err.Error())
	case errors.Is(err, analytics.ErrCapabilityUnsupported):
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
	default:
		return fiber.NewError(fiber.StatusInternalServerError, "failed to build report")
	}
}

// refreshRequest optionally overrides the trailing window. Both bounds are
// dates; each is widened to its week.
type refreshRequest struct {
	From string `json:"from" validate:"omitempty,datetime=2006-01-02"`
	To   string `json:"to" validate:"omitempty,datetime=2006-01-02"`
}

func (r refreshRequest) window() (analytics.Window, error) {
	if r.From == "" && r.To == "" {
		return analytics.Window{}, nil
	}
	return analytics.ParseWindow(r.From, r.To)
}

// spikesQuery holds query parameters for the spikes endpoint.
type spikesQuery struct {
	MinPct   float64 `query:"minPct" validate:"gte=0"`
	MinAbove float64 `query:"minAbove" validate:"gte=0"`
	Format   string  `query:"format" validate:"omitempty,oneof=json tsv"`
}

func (q spikesQuery) options() analytics.SpikeOptions {
	return analytics.SpikeOptions{MinPctAboveAvg: q.MinPct, MinAboveAvg: q.MinAbove}
}
