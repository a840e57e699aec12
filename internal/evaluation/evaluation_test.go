package evaluation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/aqi-forecast/internal/features"
	"github.com/i474232898/aqi-forecast/internal/featurestore"
	"github.com/i474232898/aqi-forecast/internal/featurestore/memory"
	"github.com/i474232898/aqi-forecast/internal/inference"
)

func date(d int) time.Time {
	return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC)
}

func TestCompare(t *testing.T) {
	preds := []inference.Prediction{
		{EventTime: date(11), Horizon: 2, PredictedAQI: 20},
		{EventTime: date(10), Horizon: 1, PredictedAQI: 10},
		{EventTime: date(12), Horizon: 3, PredictedAQI: 30},
		{EventTime: date(11), Horizon: 1, PredictedAQI: 18},
	}
	feats := []featurestore.Row{
		{"event_time": "2024-03-10T00:00:00Z", "aqi_daily": 14.0},
		{"event_time": date(11), "aqi_daily": 15.0},
		{"event_time": "junk", "aqi_daily": 99.0},
	}

	rep := Compare(preds, feats)
	require.Len(t, rep.Rows, 4)
	assert.Equal(t, date(10), rep.Rows[0].EventTime)
	assert.Equal(t, 1, rep.Rows[1].Horizon)
	assert.Equal(t, 2, rep.Rows[2].Horizon)
	assert.Nil(t, rep.Rows[3].Actual)

	require.NotNil(t, rep.Rows[0].AbsError)
	assert.Equal(t, 4.0, *rep.Rows[0].AbsError)

	require.Len(t, rep.ByHorizon, 3)
	assert.Equal(t, HorizonStats{Horizon: 1, Matched: 2, Total: 2, MAE: 3.5}, rep.ByHorizon[0])
	assert.Equal(t, HorizonStats{Horizon: 2, Matched: 1, Total: 1, MAE: 5}, rep.ByHorizon[1])
	assert.Equal(t, HorizonStats{Horizon: 3, Matched: 0, Total: 1}, rep.ByHorizon[2])
}

func TestRun(t *testing.T) {
	store := memory.New(memory.Options{})
	ctx := context.Background()
	conn := featurestore.NewConnector(func(context.Context) (featurestore.Project, error) { return store, nil })

	fg, err := store.GetOrCreateFeatureGroup(ctx, featurestore.GroupSpec{
		Name: features.GroupName, Version: features.GroupVersion, PrimaryKey: features.PrimaryKey,
	})
	require.NoError(t, err)
	_, err = fg.Insert(ctx, []featurestore.Row{{"event_time": date(10), "aqi_daily": 12.0}}, featurestore.WriteOptions{Upsert: true})
	require.NoError(t, err)

	pg, err := store.GetOrCreateFeatureGroup(ctx, inference.PredictionGroupSpec)
	require.NoError(t, err)
	p := inference.Prediction{EventTime: date(10), Horizon: 1, PredictedAQI: 10, ModelName: "aqi_xgb_day1", ModelVersion: 1}
	_, err = pg.Insert(ctx, []featurestore.Row{p.ToRow()}, featurestore.WriteOptions{Upsert: true})
	require.NoError(t, err)

	rep, err := Run(ctx, conn)
	require.NoError(t, err)
	require.Len(t, rep.Rows, 1)
	assert.Equal(t, 12.0, *rep.Rows[0].Actual)
	assert.Equal(t, 2.0, rep.ByHorizon[0].MAE)
}
