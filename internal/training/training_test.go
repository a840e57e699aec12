package training

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/aqi-forecast/internal/dataset"
	"github.com/i474232898/aqi-forecast/internal/features"
	"github.com/i474232898/aqi-forecast/internal/featurestore"
	"github.com/i474232898/aqi-forecast/internal/featurestore/memory"
	"github.com/i474232898/aqi-forecast/internal/model"
)

func writeDataset(t *testing.T, dir string, rows int, columns []string) {
	t.Helper()
	var recs [][]string
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < rows; i++ {
		ts := start.AddDate(0, 0, i)
		aqi := 40 + float64(i%7)*5
		vals := map[string]string{
			"event_time": ts.Format(time.RFC3339),
			"aqi_daily":  strconv.FormatFloat(aqi, 'g', -1, 64),
			"pm10_mean":  strconv.Itoa(60 + i%5),
			"pm2_5_mean": strconv.Itoa(20 + i%3),
			"ozone_mean": "55",
			"no2_mean":   strconv.Itoa(10 + i%4),
			"so2_mean":   "4",
			"co_mean":    "300",
			"weekday":    ts.Weekday().String(),
		}
		for h := 1; h <= 3; h++ {
			vals[dataset.Label(h)] = strconv.FormatFloat(aqi+float64(h), 'g', -1, 64)
		}
		rec := make([]string, len(columns))
		for j, c := range columns {
			rec[j] = vals[c]
		}
		recs = append(recs, rec)
	}
	require.NoError(t, dataset.Write(filepath.Join(dir, dataset.FileName), dataset.Frame{Columns: columns, Rows: recs}))
}

func allColumns() []string {
	return append(append([]string{}, features.Columns...), dataset.LabelColumns()...)
}

func fastSpecs() []Spec {
	specs := DefaultSpecs()
	for i := range specs {
		specs[i].Boost.Rounds = 20
		specs[i].Forest.Trees = 10
	}
	return specs
}

func newTrainer(store *memory.Store, dir string) *Trainer {
	conn := featurestore.NewConnector(func(context.Context) (featurestore.Project, error) { return store, nil })
	return NewTrainer(conn, dir, fastSpecs())
}

func TestRunTrainsAndRegisters(t *testing.T) {
	dir := t.TempDir()
	writeDataset(t, dir, 45, allColumns())
	store := memory.New(memory.Options{})

	report, err := newTrainer(store, dir).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 45, report.Rows)
	assert.Equal(t, 45, report.Train+report.Val+report.Test)
	assert.Equal(t, 30, report.Train)
	require.Len(t, report.Registered, 5)
	for _, mv := range report.Registered {
		assert.Equal(t, 1, mv.Version)
		m := report.Metrics[mv.Name]
		assert.Contains(t, m, "val_mae")
		assert.Contains(t, m, "test_rmse")
	}

	_, err = os.Stat(filepath.Join(dir, MetricsFile))
	require.NoError(t, err)

	art, err := model.Load(filepath.Join(dir, model.FileName("aqi_xgb_day2")))
	require.NoError(t, err)
	assert.Equal(t, features.BaseFeatures, art.Features)
	assert.Equal(t, model.KindBoosted, art.Kind)

	// A second run registers the next version.
	report, err = newTrainer(store, dir).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Registered[0].Version)
	versions, err := store.Models(context.Background(), "aqi_xgb_day3")
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestRunDatasetMissing(t *testing.T) {
	_, err := newTrainer(memory.New(memory.Options{}), t.TempDir()).Run(context.Background())
	assert.ErrorIs(t, err, ErrDatasetMissing)
	assert.Contains(t, err.Error(), dataset.FileName)
}

func TestRunMissingLabel(t *testing.T) {
	dir := t.TempDir()
	cols := allColumns()
	writeDataset(t, dir, 40, cols[:len(cols)-1])

	_, err := newTrainer(memory.New(memory.Options{}), dir).Run(context.Background())
	assert.ErrorIs(t, err, ErrMissingLabel)
	assert.Contains(t, err.Error(), "label_aqi_day3")
}

func TestRunTooFewRows(t *testing.T) {
	dir := t.TempDir()
	writeDataset(t, dir, MinRows-1, allColumns())

	store := memory.New(memory.Options{})
	_, err := newTrainer(store, dir).Run(context.Background())
	assert.ErrorIs(t, err, ErrTooFewRows)
	_, err = store.Models(context.Background(), "aqi_xgb_day1")
	assert.ErrorIs(t, err, featurestore.ErrModelNotFound)
}

func TestPrepareDropsBadRows(t *testing.T) {
	cols := allColumns()
	good := []string{"2024-01-01T00:00:00Z", "40", "1", "2", "3", "4", "5", "6", "Monday", "41", "42", "43"}
	badDay := append([]string{}, good...)
	badDay[8] = "Someday"
	badNum := append([]string{}, good...)
	badNum[2] = "n/a"

	X, labels, err := prepare(dataset.Frame{Columns: cols, Rows: [][]string{good, badDay, badNum}})
	require.NoError(t, err)
	require.Len(t, X, 1)
	assert.Equal(t, []float64{40, 1, 2, 3, 4, 5, 6, 0}, X[0])
	assert.Equal(t, []float64{43}, labels[3])
}

func TestSplitRows(t *testing.T) {
	sp := splitRows(100, 42)
	assert.Len(t, sp.train, 67)
	assert.Len(t, sp.test, 17)
	assert.Len(t, sp.val, 16)

	seen := make(map[int]bool)
	for _, part := range [][]int{sp.train, sp.val, sp.test} {
		for _, i := range part {
			assert.False(t, seen[i])
			seen[i] = true
		}
	}
	assert.Len(t, seen, 100)
	assert.Equal(t, sp, splitRows(100, 42))
}

func TestEvaluateReportsPredictError(t *testing.T) {
	art := &model.Artifact{
		Kind:     model.KindLinear,
		Name:     "aqi_xgb_day1",
		Features: []string{"aqi_daily"},
		Linear:   &model.Linear{Intercept: 1, Coef: []float64{0}},
	}
	X := [][]float64{{1}, {2}, {3, 4}}
	y := []float64{1, 2, 3}

	m, err := evaluate(art, X, y, split{val: []int{0, 1}, test: []int{2}})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrShape)
	assert.Contains(t, err.Error(), "test row 2")
	assert.Nil(t, m)

	m, err = evaluate(art, X[:2], y[:2], split{val: []int{0}, test: []int{1}})
	require.NoError(t, err)
	assert.Equal(t, 0.0, m["val_mae"])
	assert.Equal(t, 1.0, m["test_mae"])
}
