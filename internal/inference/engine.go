package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/i474232898/aqi-forecast/internal/features"
	"github.com/i474232898/aqi-forecast/internal/featurestore"
	"github.com/i474232898/aqi-forecast/internal/materialize"
	"github.com/i474232898/aqi-forecast/internal/metrics"
	"github.com/i474232898/aqi-forecast/internal/model"
)

var (
	// ErrNoFeatures is returned when the feature group has no row with a valid event_time.
	ErrNoFeatures = errors.New("no feature rows with a valid event_time")
	// ErrFeatureVector is returned when the latest row does not coerce to exactly one numeric vector.
	ErrFeatureVector = errors.New("latest feature row did not yield exactly one numeric feature vector")
	// ErrDuplicateHorizon is returned when two configured models share a horizon.
	ErrDuplicateHorizon = errors.New("duplicate horizon in model configuration")
)

// ModelSpec binds a registry model to the horizon it forecasts.
type ModelSpec struct {
	Name    string `json:"name"`
	Horizon int    `json:"horizon"`
}

// DefaultModels are the boosted day-1/2/3 models.
func DefaultModels() []ModelSpec {
	return []ModelSpec{
		{Name: "aqi_xgb_day1", Horizon: 1},
		{Name: "aqi_xgb_day2", Horizon: 2},
		{Name: "aqi_xgb_day3", Horizon: 3},
	}
}

// Config selects models and where artifacts are downloaded.
type Config struct {
	Models      []ModelSpec
	ArtifactDir string
	// StaleAfter is how far behind the anchor the latest feature row may be before a warning.
	StaleAfter time.Duration
}

// Broadcaster is told about stored batches. Errors are logged and otherwise ignored.
type Broadcaster interface {
	Publish(ctx context.Context, channel string, v any) error
	Delete(ctx context.Context, keys ...string) error
}

// Result describes one inference run.
type Result struct {
	Anchor      time.Time          `json:"anchor"`
	FeatureTime time.Time          `json:"feature_time"`
	Stale       bool               `json:"stale"`
	Features    map[string]float64 `json:"features"`
	Predictions []Prediction       `json:"predictions"`
	JobID       string             `json:"job_id"`
}

// Engine runs batch inference: latest features in, one prediction per horizon out.
// Runs on one Engine never overlap.
type Engine struct {
	mu sync.Mutex

	conn        *featurestore.Connector
	writer      *materialize.Writer
	cfg         Config
	broadcaster Broadcaster
	now         func() time.Time
	logger      *slog.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithBroadcaster publishes each stored batch and invalidates the cached prediction list.
func WithBroadcaster(b Broadcaster) Option {
	return func(e *Engine) { e.broadcaster = b }
}

// WithClock overrides the time source used for the anchor.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine. Empty config fields take defaults.
func NewEngine(conn *featurestore.Connector, writer *materialize.Writer, cfg Config, opts ...Option) *Engine {
	if len(cfg.Models) == 0 {
		cfg.Models = DefaultModels()
	}
	if cfg.ArtifactDir == "" {
		cfg.ArtifactDir = filepath.Join(os.TempDir(), "aqi-models")
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 24 * time.Hour
	}
	e := &Engine{
		conn:   conn,
		writer: writer,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default().With("component", "inference"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Anchor returns UTC midnight of the current day.
func (e *Engine) Anchor() time.Time {
	return features.TruncateDay(e.now())
}

// Run executes one inference run. Nothing is written unless every model loads and predicts.
func (e *Engine) Run(ctx context.Context) (res Result, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	defer func() {
		metrics.InferenceDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.InferenceRuns.WithLabelValues("failure").Inc()
			e.logger.Error("inference failed", "error", err)
			return
		}
		metrics.InferenceRuns.WithLabelValues("success").Inc()
	}()

	if err := checkHorizons(e.cfg.Models); err != nil {
		return Result{}, err
	}

	anchor := e.Anchor()
	e.logger.Info("inference anchor", "anchor", anchor.Format(time.RFC3339))

	fs, err := e.conn.FeatureStore(ctx)
	if err != nil {
		return Result{}, err
	}
	reg, err := e.conn.ModelRegistry(ctx)
	if err != nil {
		return Result{}, err
	}

	// Step 1: latest materialized feature row.
	featFG, err := fs.GetFeatureGroup(ctx, features.GroupName, features.GroupVersion)
	if err != nil {
		return Result{}, fmt.Errorf("opening feature group: %w", err)
	}
	rows, err := featFG.Read(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("reading features: %w", err)
	}
	latest, latestTime, err := SelectLatest(rows)
	if err != nil {
		return Result{}, err
	}

	res = Result{Anchor: anchor, FeatureTime: latestTime}
	if latestTime.Before(anchor.Add(-e.cfg.StaleAfter)) {
		res.Stale = true
		metrics.StaleFeatures.Inc()
		e.logger.Warn("features look stale, run the feature upload to refresh rows",
			"latest_feature_time", latestTime.Format(time.RFC3339), "anchor", anchor.Format(time.RFC3339))
	}
	e.logger.Info("latest feature row used", "event_time", latestTime.Format(time.RFC3339))

	// Step 2: exactly one numeric vector.
	x, err := FeatureVector(latest)
	if err != nil {
		return Result{}, err
	}
	res.Features = make(map[string]float64, len(x))
	for i, c := range features.BaseFeatures {
		res.Features[c] = x[i]
	}
	e.logger.Info("features sent to models", "features", res.Features)

	predFG, err := fs.GetOrCreateFeatureGroup(ctx, PredictionGroupSpec)
	if err != nil {
		return Result{}, fmt.Errorf("opening prediction group: %w", err)
	}

	// Step 3: one prediction per model.
	preds := make([]Prediction, 0, len(e.cfg.Models))
	for _, spec := range e.cfg.Models {
		art, version, err := e.loadLatest(ctx, reg, spec.Name)
		if err != nil {
			return Result{}, err
		}
		y, err := art.Predict(x)
		if err != nil {
			return Result{}, fmt.Errorf("predicting with %s v%d: %w", spec.Name, version, err)
		}
		e.logger.Info("raw prediction", "model", spec.Name, "version", version, "predicted_aqi", y)

		preds = append(preds, Prediction{
			EventTime:         anchor.AddDate(0, 0, spec.Horizon-1),
			Horizon:           spec.Horizon,
			PredictedAQI:      y,
			SourceFeatureTime: anchor,
			ModelName:         spec.Name,
			ModelVersion:      version,
		})
	}

	// Step 4: one batch, one reliable write.
	batch := make([]featurestore.Row, len(preds))
	for i, p := range preds {
		batch[i] = p.ToRow()
	}
	job, err := e.writer.Upsert(ctx, predFG, batch)
	if err != nil {
		return Result{}, fmt.Errorf("storing predictions: %w", err)
	}
	metrics.PredictionsStored.Add(float64(len(preds)))

	res.Predictions = preds
	res.JobID = job.ID
	for _, p := range preds {
		e.logger.Info("stored prediction",
			"event_time", p.EventTime.Format(time.DateOnly),
			"horizon", p.Horizon,
			"predicted_aqi", p.PredictedAQI,
			"model", p.ModelName,
			"version", p.ModelVersion)
	}

	e.broadcast(ctx, res)
	return res, nil
}

func (e *Engine) broadcast(ctx context.Context, res Result) {
	if e.broadcaster == nil {
		return
	}
	if err := e.broadcaster.Delete(ctx, PredictionsCacheKey); err != nil {
		e.logger.Warn("invalidating prediction cache", "error", err)
	}
	if err := e.broadcaster.Publish(ctx, PredictionsChannel, res); err != nil {
		e.logger.Warn("publishing predictions", "channel", PredictionsChannel, "error", err)
	}
}

// loadLatest downloads the highest registered version of name.
func (e *Engine) loadLatest(ctx context.Context, reg featurestore.Registry, name string) (*model.Artifact, int, error) {
	versions, err := reg.Models(ctx, name)
	if err != nil {
		return nil, 0, fmt.Errorf("listing model %s: %w", name, err)
	}
	mv, ok := featurestore.Latest(versions)
	if !ok {
		return nil, 0, fmt.Errorf("listing model %s: %w", name, featurestore.ErrModelNotFound)
	}
	dir, err := reg.Download(ctx, mv, e.cfg.ArtifactDir)
	if err != nil {
		return nil, 0, fmt.Errorf("downloading %s v%d: %w", name, mv.Version, err)
	}
	art, err := model.Load(filepath.Join(dir, model.FileName(name)))
	if err != nil {
		return nil, 0, fmt.Errorf("loading %s v%d: %w", name, mv.Version, err)
	}
	return art, mv.Version, nil
}

func checkHorizons(models []ModelSpec) error {
	seen := make(map[int]string, len(models))
	for _, m := range models {
		if prev, ok := seen[m.Horizon]; ok {
			return fmt.Errorf("%w: %s and %s both forecast horizon %d", ErrDuplicateHorizon, prev, m.Name, m.Horizon)
		}
		seen[m.Horizon] = m.Name
	}
	return nil
}

// SelectLatest parses event_time, drops rows that fail, and returns every row
// at the maximum event_time together with that time.
func SelectLatest(rows []featurestore.Row) ([]featurestore.Row, time.Time, error) {
	var (
		latest []featurestore.Row
		newest time.Time
	)
	for _, r := range rows {
		ts, ok := features.ParseEventTime(r[features.ColEventTime])
		if !ok {
			continue
		}
		switch {
		case latest == nil || ts.After(newest):
			newest = ts
			latest = []featurestore.Row{r}
		case ts.Equal(newest):
			latest = append(latest, r)
		}
	}
	if len(latest) == 0 {
		return nil, time.Time{}, fmt.Errorf("%w: %d rows read", ErrNoFeatures, len(rows))
	}
	return latest, newest, nil
}

// FeatureVector maps weekday names to codes and coerces BaseFeatures to
// numbers, dropping rows that fail. Exactly one row must survive.
func FeatureVector(rows []featurestore.Row) ([]float64, error) {
	var vectors [][]float64
	for _, r := range rows {
		if x, ok := vectorOf(r); ok {
			vectors = append(vectors, x)
		}
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("%w: %d valid rows from %d candidates", ErrFeatureVector, len(vectors), len(rows))
	}
	return vectors[0], nil
}

func vectorOf(r featurestore.Row) ([]float64, bool) {
	x := make([]float64, len(features.BaseFeatures))
	for i, c := range features.BaseFeatures {
		if c == features.ColWeekday {
			code, ok := weekday(r[c])
			if !ok {
				return nil, false
			}
			x[i] = float64(code)
			continue
		}
		v, ok := features.Numeric(r[c])
		if !ok {
			return nil, false
		}
		x[i] = v
	}
	return x, true
}

// weekday accepts a day name or an already encoded 0..6 value.
func weekday(v any) (int, bool) {
	if s, ok := v.(string); ok {
		if code, ok := features.WeekdayCode(s); ok {
			return code, true
		}
	}
	f, ok := features.Numeric(v)
	if !ok || f != float64(int(f)) || f < 0 || f > 6 {
		return 0, false
	}
	return int(f), true
}
