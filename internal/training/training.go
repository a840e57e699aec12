package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/i474232898/aqi-forecast/internal/dataset"
	"github.com/i474232898/aqi-forecast/internal/features"
	"github.com/i474232898/aqi-forecast/internal/featurestore"
	"github.com/i474232898/aqi-forecast/internal/model"
)

// MinRows is the smallest dataset we train on.
const MinRows = 30

// MetricsFile is written next to the artifacts.
const MetricsFile = "metrics.json"

var (
	// ErrDatasetMissing is returned when the training CSV does not exist.
	ErrDatasetMissing = errors.New("training dataset not found")
	// ErrMissingLabel is returned when a label column is absent.
	ErrMissingLabel = errors.New("label column missing")
	// ErrTooFewRows is returned when fewer than MinRows usable rows remain.
	ErrTooFewRows = errors.New("too few rows for training")
)

// Spec describes one model to train.
type Spec struct {
	Name        string
	Horizon     int
	Kind        string
	Description string
	Boost       model.BoostConfig
	Forest      model.ForestConfig
}

// DefaultSpecs returns the day-1 comparison models and the boosted day-2/3 models.
func DefaultSpecs() []Spec {
	boost := func(rounds int, lr float64) model.BoostConfig {
		return model.BoostConfig{Rounds: rounds, MaxDepth: 4, LearningRate: lr, Subsample: 0.9, FeatureFraction: 0.9, Seed: 42}
	}
	return []Spec{
		{Name: "aqi_lr_day1", Horizon: 1, Kind: model.KindLinear, Description: "Linear Regression day1 AQI"},
		{Name: "aqi_rf_day1", Horizon: 1, Kind: model.KindForest, Description: "RandomForest day1 AQI",
			Forest: model.ForestConfig{Trees: 300, MaxDepth: 8, Seed: 42}},
		{Name: "aqi_xgb_day1", Horizon: 1, Kind: model.KindBoosted, Description: "Boosted trees day1 AQI", Boost: boost(400, 0.07)},
		{Name: "aqi_xgb_day2", Horizon: 2, Kind: model.KindBoosted, Description: "Boosted trees day2 AQI", Boost: boost(450, 0.06)},
		{Name: "aqi_xgb_day3", Horizon: 3, Kind: model.KindBoosted, Description: "Boosted trees day3 AQI", Boost: boost(450, 0.06)},
	}
}

// Report summarizes a training run.
type Report struct {
	Rows       int                           `json:"rows"`
	Train      int                           `json:"train"`
	Val        int                           `json:"val"`
	Test       int                           `json:"test"`
	Metrics    map[string]map[string]float64 `json:"metrics"`
	Registered []featurestore.ModelVersion   `json:"registered"`
}

// Trainer fits the configured models on the dataset under Dir and registers them.
type Trainer struct {
	conn   *featurestore.Connector
	dir    string
	specs  []Spec
	seed   uint64
	logger *slog.Logger
}

// NewTrainer creates a Trainer reading and writing artifacts in dir.
func NewTrainer(conn *featurestore.Connector, dir string, specs []Spec) *Trainer {
	if len(specs) == 0 {
		specs = DefaultSpecs()
	}
	return &Trainer{
		conn:   conn,
		dir:    dir,
		specs:  specs,
		seed:   42,
		logger: slog.Default().With("component", "training"),
	}
}

type split struct {
	train, val, test []int
}

// Run trains, evaluates, saves and registers every model.
func (t *Trainer) Run(ctx context.Context) (Report, error) {
	path := filepath.Join(t.dir, dataset.FileName)
	frame, err := dataset.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return Report{}, fmt.Errorf("%w: %s (run the dataset step first)", ErrDatasetMissing, path)
	}
	if err != nil {
		return Report{}, err
	}

	X, labels, err := prepare(frame)
	if err != nil {
		return Report{}, err
	}
	if len(X) < MinRows {
		return Report{}, fmt.Errorf("%w: %d, need at least %d", ErrTooFewRows, len(X), MinRows)
	}

	sp := splitRows(len(X), t.seed)
	report := Report{
		Rows:    len(X),
		Train:   len(sp.train),
		Val:     len(sp.val),
		Test:    len(sp.test),
		Metrics: make(map[string]map[string]float64),
	}
	t.logger.Info("training", "rows", report.Rows, "train", report.Train, "val", report.Val, "test", report.Test)

	reg, err := t.conn.ModelRegistry(ctx)
	if err != nil {
		return Report{}, err
	}

	for _, spec := range t.specs {
		y, ok := labels[spec.Horizon]
		if !ok {
			return Report{}, fmt.Errorf("%w: %s", ErrMissingLabel, dataset.Label(spec.Horizon))
		}
		art, err := fit(spec, pick(X, sp.train), pickY(y, sp.train))
		if err != nil {
			return Report{}, fmt.Errorf("fitting %s: %w", spec.Name, err)
		}

		m, err := evaluate(art, X, y, sp)
		if err != nil {
			return Report{}, fmt.Errorf("evaluating %s: %w", spec.Name, err)
		}
		report.Metrics[spec.Name] = m
		t.logger.Info("model evaluated", "model", spec.Name, "metrics", m)

		artifactPath := filepath.Join(t.dir, model.FileName(spec.Name))
		if err := model.Save(artifactPath, art); err != nil {
			return Report{}, err
		}
		mv, err := reg.Register(ctx, spec.Name, spec.Description, artifactPath)
		if err != nil {
			return Report{}, fmt.Errorf("registering %s: %w", spec.Name, err)
		}
		report.Registered = append(report.Registered, mv)
		t.logger.Info("registered model", "model", mv.Name, "version", mv.Version)
	}

	b, err := json.MarshalIndent(report.Metrics, "", "  ")
	if err != nil {
		return Report{}, err
	}
	metricsPath := filepath.Join(t.dir, MetricsFile)
	if err := os.WriteFile(metricsPath, b, 0o644); err != nil {
		return Report{}, fmt.Errorf("writing metrics: %w", err)
	}
	t.logger.Info("saved metrics comparison", "path", metricsPath)
	return report, nil
}

// prepare maps weekdays to codes and coerces everything else to numbers,
// dropping rows that fail. It returns the BaseFeatures matrix and labels per horizon.
func prepare(frame dataset.Frame) ([][]float64, map[int][]float64, error) {
	featIdx := make([]int, len(features.BaseFeatures))
	for i, c := range features.BaseFeatures {
		featIdx[i] = frame.Index(c)
		if featIdx[i] < 0 {
			return nil, nil, fmt.Errorf("dataset column %s missing", c)
		}
	}
	labelIdx := make(map[int]int, len(dataset.Horizons))
	for _, h := range dataset.Horizons {
		i := frame.Index(dataset.Label(h))
		if i < 0 {
			return nil, nil, fmt.Errorf("%w: %s, rebuild the training dataset", ErrMissingLabel, dataset.Label(h))
		}
		labelIdx[h] = i
	}

	var X [][]float64
	labels := make(map[int][]float64, len(labelIdx))
rows:
	for _, rec := range frame.Rows {
		x := make([]float64, len(featIdx))
		for i, c := range features.BaseFeatures {
			raw := rec[featIdx[i]]
			if c == features.ColWeekday {
				code, ok := features.WeekdayCode(raw)
				if !ok {
					continue rows
				}
				x[i] = float64(code)
				continue
			}
			v, ok := features.Numeric(raw)
			if !ok {
				continue rows
			}
			x[i] = v
		}
		ys := make(map[int]float64, len(labelIdx))
		for h, i := range labelIdx {
			v, ok := features.Numeric(rec[i])
			if !ok {
				continue rows
			}
			ys[h] = v
		}
		X = append(X, x)
		for h, v := range ys {
			labels[h] = append(labels[h], v)
		}
	}
	return X, labels, nil
}

// splitRows shuffles once and splits 67/16.5/16.5 into train/val/test.
func splitRows(n int, seed uint64) split {
	rng := rand.New(rand.NewPCG(seed, seed))
	idx := rng.Perm(n)

	holdout := int(math.Ceil(0.33 * float64(n)))
	train, tmp := idx[holdout:], idx[:holdout]
	test := int(math.Ceil(0.5 * float64(len(tmp))))
	return split{train: train, val: tmp[test:], test: tmp[:test]}
}

func fit(spec Spec, X [][]float64, y []float64) (*model.Artifact, error) {
	art := &model.Artifact{
		Kind:      spec.Kind,
		Name:      spec.Name,
		Features:  append([]string{}, features.BaseFeatures...),
		TrainedAt: time.Now().UTC(),
	}
	var err error
	switch spec.Kind {
	case model.KindLinear:
		art.Linear, err = model.FitLinear(X, y, 1e-6)
	case model.KindBoosted:
		art.Ensemble, err = model.FitBoosted(X, y, spec.Boost)
	case model.KindForest:
		art.Ensemble, err = model.FitForest(X, y, spec.Forest)
	default:
		err = fmt.Errorf("%w: %q", model.ErrUnknownKind, spec.Kind)
	}
	return art, err
}

func evaluate(art *model.Artifact, X [][]float64, y []float64, sp split) (map[string]float64, error) {
	out := make(map[string]float64)
	score := func(prefix string, idx []int) error {
		if len(idx) == 0 {
			return nil
		}
		truth := pickY(y, idx)
		pred := make([]float64, len(idx))
		for i, r := range idx {
			p, err := art.Predict(X[r])
			if err != nil {
				return fmt.Errorf("%s row %d: %w", prefix, r, err)
			}
			pred[i] = p
		}
		out[prefix+"_mae"] = model.MAE(truth, pred)
		out[prefix+"_rmse"] = model.RMSE(truth, pred)
		return nil
	}
	if err := score("val", sp.val); err != nil {
		return nil, err
	}
	if err := score("test", sp.test); err != nil {
		return nil, err
	}
	return out, nil
}

func pick(X [][]float64, idx []int) [][]float64 {
	out := make([][]float64, len(idx))
	for i, r := range idx {
		out[i] = X[r]
	}
	return out
}

func pickY(y []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for i, r := range idx {
		out[i] = y[r]
	}
	return out
}
