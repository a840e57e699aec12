package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/singleflight"

	"github.com/i474232898/aqi-forecast/internal/cache"
	"github.com/i474232898/aqi-forecast/internal/evaluation"
	"github.com/i474232898/aqi-forecast/internal/features"
	"github.com/i474232898/aqi-forecast/internal/featurestore"
	"github.com/i474232898/aqi-forecast/internal/inference"
)

var validate = validator.New()

const (
	defaultLimit   = 30
	predictionsTTL = 30 * time.Second
)

// Deps are the components the HTTP API reads from.
type Deps struct {
	Conn   *featurestore.Connector
	Engine *inference.Engine
	// Cache may be nil; a disabled cache is used then.
	Cache *cache.Service
}

type handlers struct {
	deps   Deps
	runs   singleflight.Group
	logger *slog.Logger
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, deps Deps) {
	if deps.Cache == nil {
		deps.Cache = cache.Disabled()
	}
	h := &handlers{deps: deps, logger: slog.Default().With("component", "http")}

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	v1 := app.Group("/api/v1")
	v1.Get("/predictions", h.listPredictions)
	v1.Post("/predictions/run", h.runInference)
	v1.Get("/features/latest", h.latestFeatures)
	v1.Get("/evaluation", h.evaluation)
}

// predictionsQuery holds query parameters for the predictions endpoint.
type predictionsQuery struct {
	Limit int `validate:"min=1,max=500"`
}

func (q *predictionsQuery) bind(c *fiber.Ctx) error {
	q.Limit = defaultLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return errors.New("limit must be an integer")
		}
		q.Limit = n
	}
	return validate.Struct(q)
}

func (h *handlers) listPredictions(c *fiber.Ctx) error {
	var req predictionsQuery
	if err := req.bind(c); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	ctx := c.UserContext()
	var preds []inference.Prediction
	hit, err := h.deps.Cache.Get(ctx, inference.PredictionsCacheKey, &preds)
	if err != nil {
		h.logger.Warn("prediction cache read failed", "error", err)
	}
	if !hit {
		preds, err = inference.ReadPredictions(ctx, h.deps.Conn)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to read predictions")
		}
		if err := h.deps.Cache.Set(ctx, inference.PredictionsCacheKey, preds, predictionsTTL); err != nil {
			h.logger.Warn("prediction cache write failed", "error", err)
		}
	}

	if len(preds) > req.Limit {
		preds = preds[:req.Limit]
	}
	if preds == nil {
		preds = []inference.Prediction{}
	}
	return c.JSON(fiber.Map{
		"count":       len(preds),
		"cached":      hit,
		"predictions": preds,
	})
}

// runInference triggers a batch run. Concurrent requests share one run.
func (h *handlers) runInference(c *fiber.Ctx) error {
	if h.deps.Engine == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "inference is not configured")
	}
	ctx := context.WithoutCancel(c.UserContext())
	v, err, shared := h.runs.Do("inference", func() (any, error) {
		return h.deps.Engine.Run(ctx)
	})
	if err != nil {
		if errors.Is(err, inference.ErrNoFeatures) || errors.Is(err, featurestore.ErrGroupNotFound) {
			return fiber.NewError(fiber.StatusConflict, err.Error())
		}
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	res := v.(inference.Result)
	return c.JSON(fiber.Map{
		"shared": shared,
		"result": res,
	})
}

func (h *handlers) latestFeatures(c *fiber.Ctx) error {
	ctx := c.UserContext()
	fs, err := h.deps.Conn.FeatureStore(ctx)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "feature store unavailable")
	}
	fg, err := fs.GetFeatureGroup(ctx, features.GroupName, features.GroupVersion)
	if err != nil {
		if errors.Is(err, featurestore.ErrGroupNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "no features ingested yet")
		}
		return fiber.NewError(fiber.StatusInternalServerError, "failed to open feature group")
	}
	rows, err := fg.Read(ctx, features.Columns...)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to read features")
	}
	latest, ts, err := inference.SelectLatest(rows)
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, "no features with a valid event_time")
	}
	return c.JSON(fiber.Map{
		"event_time": ts,
		"rows":       jsonRows(latest),
	})
}

func (h *handlers) evaluation(c *fiber.Ctx) error {
	report, err := evaluation.Run(c.UserContext(), h.deps.Conn)
	if err != nil {
		if errors.Is(err, featurestore.ErrGroupNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "no features ingested yet")
		}
		return fiber.NewError(fiber.StatusInternalServerError, "failed to evaluate predictions")
	}
	return c.JSON(report)
}

// jsonRows replaces NaN and infinite floats with null so rows encode as JSON.
func jsonRows(rows []featurestore.Row) []featurestore.Row {
	out := make([]featurestore.Row, len(rows))
	for i, r := range rows {
		clean := make(featurestore.Row, len(r))
		for k, v := range r {
			if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
				v = nil
			}
			clean[k] = v
		}
		out[i] = clean
	}
	return out
}
