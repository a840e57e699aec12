package model

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linearData() ([][]float64, []float64) {
	var X [][]float64
	var y []float64
	for i := 0; i < 20; i++ {
		a, b := float64(i), float64((i*7)%5)
		X = append(X, []float64{a, b})
		y = append(y, 3+2*a-b)
	}
	return X, y
}

func stepData() ([][]float64, []float64) {
	var X [][]float64
	var y []float64
	for i := 0; i < 40; i++ {
		X = append(X, []float64{float64(i), float64(i % 3)})
		if i < 20 {
			y = append(y, 10)
		} else {
			y = append(y, 50)
		}
	}
	return X, y
}

func TestFitLinear(t *testing.T) {
	X, y := linearData()
	m, err := FitLinear(X, y, 1e-9)
	require.NoError(t, err)

	assert.InDelta(t, 3, m.Intercept, 1e-4)
	assert.InDelta(t, 2, m.Coef[0], 1e-4)
	assert.InDelta(t, -1, m.Coef[1], 1e-4)
	assert.InDelta(t, 3+2*100-4, m.Predict([]float64{100, 4}), 1e-3)
}

func TestFitLinearCollinearColumns(t *testing.T) {
	X := [][]float64{{1, 2}, {2, 4}, {3, 6}, {4, 8}}
	y := []float64{1, 2, 3, 4}
	m, err := FitLinear(X, y, 1e-6)
	require.NoError(t, err)
	assert.InDelta(t, 5, m.Predict([]float64{5, 10}), 1e-3)
}

func TestFitRejectsBadMatrix(t *testing.T) {
	_, err := FitLinear(nil, nil, 0)
	assert.ErrorIs(t, err, ErrNoData)

	_, err = FitBoosted([][]float64{{1, 2}, {3}}, []float64{1, 2}, BoostConfig{})
	assert.ErrorIs(t, err, ErrNoData)

	_, err = FitForest([][]float64{{1}}, []float64{1, 2}, ForestConfig{})
	assert.ErrorIs(t, err, ErrNoData)
}

func TestFitBoostedLearnsStep(t *testing.T) {
	X, y := stepData()
	e, err := FitBoosted(X, y, BoostConfig{Rounds: 200, MaxDepth: 2, LearningRate: 0.1, Seed: 42})
	require.NoError(t, err)

	assert.InDelta(t, 10, e.Predict([]float64{5, 1}), 1)
	assert.InDelta(t, 50, e.Predict([]float64{35, 1}), 1)
	assert.Less(t, MAE(y, PredictAll(e, X)), 1.0)
}

func TestFitBoostedIsDeterministic(t *testing.T) {
	X, y := stepData()
	cfg := BoostConfig{Rounds: 20, MaxDepth: 3, LearningRate: 0.1, Subsample: 0.8, FeatureFraction: 0.5, Seed: 42}
	a, err := FitBoosted(X, y, cfg)
	require.NoError(t, err)
	b, err := FitBoosted(X, y, cfg)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFitForest(t *testing.T) {
	X, y := stepData()
	e, err := FitForest(X, y, ForestConfig{Trees: 50, MaxDepth: 4, Seed: 42})
	require.NoError(t, err)
	assert.True(t, e.Average)
	assert.InDelta(t, 10, e.Predict([]float64{2, 0}), 5)
	assert.InDelta(t, 50, e.Predict([]float64{38, 0}), 5)
}

func TestTreePredict(t *testing.T) {
	tree := Tree{Nodes: []Node{
		{Feature: 1, Threshold: 0.5, Left: 1, Right: 2},
		{Left: -1, Right: -1, Value: -1},
		{Left: -1, Right: -1, Value: 1},
	}}
	assert.Equal(t, -1.0, tree.Predict([]float64{9, 0.5}))
	assert.Equal(t, 1.0, tree.Predict([]float64{9, 0.6}))
	assert.Equal(t, 0.0, (&Tree{}).Predict(nil))
}

func TestArtifactSaveLoad(t *testing.T) {
	X, y := stepData()
	e, err := FitBoosted(X, y, BoostConfig{Rounds: 10, MaxDepth: 2, Seed: 1})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "nested", FileName("aqi_xgb_day1"))
	art := &Artifact{Kind: KindBoosted, Name: "aqi_xgb_day1", Features: []string{"a", "b"}, Ensemble: e}
	require.NoError(t, Save(path, art))

	loaded, err := Load(path)
	require.NoError(t, err)
	want, err := art.Predict([]float64{30, 1})
	require.NoError(t, err)
	got, err := loaded.Predict([]float64{30, 1})
	require.NoError(t, err)
	assert.InDelta(t, want, got, 1e-9)

	_, err = loaded.Predict([]float64{1})
	assert.ErrorIs(t, err, ErrShape)
}

func TestLoadRejectsUnknownKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.json")
	require.NoError(t, Save(path, &Artifact{Kind: "svm", Name: "m"}))
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestErrorMetrics(t *testing.T) {
	truth := []float64{1, 2, 3}
	pred := []float64{2, 2, 5}
	assert.InDelta(t, 1, MAE(truth, pred), 1e-12)
	assert.InDelta(t, math.Sqrt(5.0/3.0), RMSE(truth, pred), 1e-12)
	assert.True(t, math.IsNaN(MAE(nil, nil)))
	assert.True(t, math.IsNaN(RMSE([]float64{1}, nil)))
}
