package evaluation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/i474232898/aqi-forecast/internal/features"
	"github.com/i474232898/aqi-forecast/internal/featurestore"
	"github.com/i474232898/aqi-forecast/internal/inference"
	"github.com/i474232898/aqi-forecast/internal/model"
)

// Comparison is a prediction joined with the observed aqi_daily of its date.
// Actual is nil until that day has been ingested.
type Comparison struct {
	EventTime    time.Time `json:"event_time"`
	Horizon      int       `json:"horizon"`
	ModelName    string    `json:"model_name"`
	ModelVersion int       `json:"model_version"`
	Predicted    float64   `json:"predicted_aqi"`
	Actual       *float64  `json:"actual_aqi"`
	AbsError     *float64  `json:"abs_error"`
}

// HorizonStats aggregates matched comparisons of one horizon.
type HorizonStats struct {
	Horizon int     `json:"horizon"`
	Matched int     `json:"matched"`
	Total   int     `json:"total"`
	MAE     float64 `json:"mae"`
}

type Report struct {
	Rows      []Comparison   `json:"rows"`
	ByHorizon []HorizonStats `json:"by_horizon"`
}

// Compare left-joins predictions with daily features on event_time, sorted by event_time then horizon.
func Compare(preds []inference.Prediction, featureRows []featurestore.Row) Report {
	actual := make(map[int64]float64, len(featureRows))
	for _, r := range featureRows {
		ts, ok := features.ParseEventTime(r[features.ColEventTime])
		if !ok {
			continue
		}
		if v, ok := features.Numeric(r[features.ColAQIDaily]); ok {
			actual[ts.Unix()] = v
		}
	}

	rows := make([]Comparison, 0, len(preds))
	for _, p := range preds {
		c := Comparison{
			EventTime:    p.EventTime,
			Horizon:      p.Horizon,
			ModelName:    p.ModelName,
			ModelVersion: p.ModelVersion,
			Predicted:    p.PredictedAQI,
		}
		if v, ok := actual[p.EventTime.Unix()]; ok {
			a := v
			e := p.PredictedAQI - v
			if e < 0 {
				e = -e
			}
			c.Actual, c.AbsError = &a, &e
		}
		rows = append(rows, c)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].EventTime.Equal(rows[j].EventTime) {
			return rows[i].EventTime.Before(rows[j].EventTime)
		}
		return rows[i].Horizon < rows[j].Horizon
	})

	type acc struct {
		total       int
		truth, pred []float64
	}
	byH := make(map[int]*acc)
	for _, c := range rows {
		a, ok := byH[c.Horizon]
		if !ok {
			a = &acc{}
			byH[c.Horizon] = a
		}
		a.total++
		if c.Actual != nil {
			a.truth = append(a.truth, *c.Actual)
			a.pred = append(a.pred, c.Predicted)
		}
	}
	stats := make([]HorizonStats, 0, len(byH))
	for h, a := range byH {
		s := HorizonStats{Horizon: h, Matched: len(a.truth), Total: a.total}
		if s.Matched > 0 {
			s.MAE = model.MAE(a.truth, a.pred)
		}
		stats = append(stats, s)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Horizon < stats[j].Horizon })

	return Report{Rows: rows, ByHorizon: stats}
}

// Run reads stored predictions and features and compares them.
func Run(ctx context.Context, conn *featurestore.Connector) (Report, error) {
	preds, err := inference.ReadPredictions(ctx, conn)
	if err != nil {
		return Report{}, err
	}
	fs, err := conn.FeatureStore(ctx)
	if err != nil {
		return Report{}, err
	}
	fg, err := fs.GetFeatureGroup(ctx, features.GroupName, features.GroupVersion)
	if err != nil {
		return Report{}, fmt.Errorf("opening feature group: %w", err)
	}
	rows, err := fg.Read(ctx, features.ColEventTime, features.ColAQIDaily)
	if err != nil {
		return Report{}, fmt.Errorf("reading features: %w", err)
	}
	return Compare(preds, rows), nil
}
