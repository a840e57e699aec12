package inference

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/i474232898/aqi-forecast/internal/features"
	"github.com/i474232898/aqi-forecast/internal/featurestore"
)

// Prediction group written by every run.
const (
	PredictionGroup   = "aqi_predictions_v2"
	PredictionVersion = 1
)

// Redis channel and cache key for stored batches.
const (
	PredictionsChannel  = "aqi:predictions"
	PredictionsCacheKey = "aqi:predictions:all"
)

// PredictionGroupSpec is the get-or-create spec of the prediction table.
var PredictionGroupSpec = featurestore.GroupSpec{
	Name:        PredictionGroup,
	Version:     PredictionVersion,
	PrimaryKey:  "event_time",
	Description: "Daily AQI 1/2/3-day predictions",
}

// Prediction is one forecast row. EventTime is the forecasted date.
type Prediction struct {
	EventTime         time.Time `json:"event_time"`
	Horizon           int       `json:"horizon"`
	PredictedAQI      float64   `json:"predicted_aqi"`
	SourceFeatureTime time.Time `json:"source_feature_time"`
	ModelName         string    `json:"model_name"`
	ModelVersion      int       `json:"model_version"`
}

// ToRow converts p to a store row.
func (p Prediction) ToRow() featurestore.Row {
	return featurestore.Row{
		"event_time":          p.EventTime.UTC(),
		"horizon":             p.Horizon,
		"predicted_aqi":       p.PredictedAQI,
		"source_feature_time": p.SourceFeatureTime.UTC(),
		"model_name":          p.ModelName,
		"model_version":       p.ModelVersion,
	}
}

// PredictionFromRow parses a stored row. Rows without a valid event_time or horizon are rejected.
func PredictionFromRow(r featurestore.Row) (Prediction, bool) {
	et, ok := features.ParseEventTime(r["event_time"])
	if !ok {
		return Prediction{}, false
	}
	h, ok := features.Numeric(r["horizon"])
	if !ok {
		return Prediction{}, false
	}
	p := Prediction{EventTime: et, Horizon: int(h)}
	p.PredictedAQI, _ = features.Numeric(r["predicted_aqi"])
	p.SourceFeatureTime, _ = features.ParseEventTime(r["source_feature_time"])
	p.ModelName, _ = r["model_name"].(string)
	if v, ok := features.Numeric(r["model_version"]); ok {
		p.ModelVersion = int(v)
	}
	return p, true
}

// ReadPredictions returns stored predictions, newest event_time first and then by horizon.
// A missing prediction group yields an empty list.
func ReadPredictions(ctx context.Context, conn *featurestore.Connector) ([]Prediction, error) {
	fs, err := conn.FeatureStore(ctx)
	if err != nil {
		return nil, err
	}
	fg, err := fs.GetFeatureGroup(ctx, PredictionGroup, PredictionVersion)
	if errors.Is(err, featurestore.ErrGroupNotFound) {
		return []Prediction{}, nil
	}
	if err != nil {
		return nil, err
	}
	rows, err := fg.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading predictions: %w", err)
	}

	out := make([]Prediction, 0, len(rows))
	for _, r := range rows {
		if p, ok := PredictionFromRow(r); ok {
			out = append(out, p)
		}
	}
	SortPredictions(out)
	return out, nil
}

// SortPredictions orders by event_time descending, then horizon ascending.
func SortPredictions(ps []Prediction) {
	sort.SliceStable(ps, func(i, j int) bool {
		if !ps[i].EventTime.Equal(ps[j].EventTime) {
			return ps[i].EventTime.After(ps[j].EventTime)
		}
		return ps[i].Horizon < ps[j].Horizon
	})
}
