package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// Artifact kinds.
const (
	KindLinear  = "linear"
	KindBoosted = "boosted"
	KindForest  = "forest"
)

var (
	// ErrShape is returned when a feature vector does not match the artifact.
	ErrShape = errors.New("feature vector shape mismatch")
	// ErrUnknownKind is returned for an artifact of an unsupported kind.
	ErrUnknownKind = errors.New("unknown model kind")
	// ErrNoData is returned when fitting on an empty or ragged matrix.
	ErrNoData = errors.New("no training data")
)

// Predictor maps one feature vector to a scalar.
type Predictor interface {
	Predict(x []float64) float64
}

// Artifact is the serialized form of a trained model.
type Artifact struct {
	Kind      string    `json:"kind"`
	Name      string    `json:"name"`
	Features  []string  `json:"features"`
	TrainedAt time.Time `json:"trainedAt"`
	Linear    *Linear   `json:"linear,omitempty"`
	Ensemble  *Ensemble `json:"ensemble,omitempty"`
}

// FileName is the artifact file name for a model.
func FileName(name string) string {
	return name + ".json"
}

func (a *Artifact) predictor() (Predictor, error) {
	switch a.Kind {
	case KindLinear:
		if a.Linear == nil {
			return nil, fmt.Errorf("%s: linear artifact without coefficients", a.Name)
		}
		return a.Linear, nil
	case KindBoosted, KindForest:
		if a.Ensemble == nil {
			return nil, fmt.Errorf("%s: ensemble artifact without trees", a.Name)
		}
		return a.Ensemble, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, a.Kind)
	}
}

// Predict checks the vector length against Features and runs the model.
func (a *Artifact) Predict(x []float64) (float64, error) {
	if len(x) != len(a.Features) {
		return 0, fmt.Errorf("%w: %s wants %d features, got %d", ErrShape, a.Name, len(a.Features), len(x))
	}
	p, err := a.predictor()
	if err != nil {
		return 0, err
	}
	return p.Predict(x), nil
}

// Save writes a as JSON to path, creating parent directories.
func Save(path string, a *Artifact) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating artifact directory: %w", err)
	}
	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding artifact %s: %w", a.Name, err)
	}
	return os.WriteFile(path, b, 0o644)
}

// Load reads and validates an artifact.
func Load(path string) (*Artifact, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading artifact: %w", err)
	}
	var a Artifact
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("decoding artifact %s: %w", path, err)
	}
	if _, err := a.predictor(); err != nil {
		return nil, err
	}
	return &a, nil
}

// MAE is the mean absolute error. Empty input gives NaN.
func MAE(truth, pred []float64) float64 {
	if len(truth) == 0 || len(truth) != len(pred) {
		return math.NaN()
	}
	var sum float64
	for i := range truth {
		sum += math.Abs(truth[i] - pred[i])
	}
	return sum / float64(len(truth))
}

// RMSE is the root mean squared error. Empty input gives NaN.
func RMSE(truth, pred []float64) float64 {
	if len(truth) == 0 || len(truth) != len(pred) {
		return math.NaN()
	}
	var sum float64
	for i := range truth {
		d := truth[i] - pred[i]
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(truth)))
}

// PredictAll runs p over every row of X.
func PredictAll(p Predictor, X [][]float64) []float64 {
	out := make([]float64, len(X))
	for i, x := range X {
		out[i] = p.Predict(x)
	}
	return out
}

func checkMatrix(X [][]float64, y []float64) (int, error) {
	if len(X) == 0 || len(X) != len(y) {
		return 0, fmt.Errorf("%w: %d rows, %d targets", ErrNoData, len(X), len(y))
	}
	width := len(X[0])
	if width == 0 {
		return 0, fmt.Errorf("%w: zero features", ErrNoData)
	}
	for i, row := range X {
		if len(row) != width {
			return 0, fmt.Errorf("%w: row %d has %d features, want %d", ErrNoData, i, len(row), width)
		}
	}
	return width, nil
}
