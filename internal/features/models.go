package features

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/i474232898/aqi-forecast/internal/featurestore"
)

// Feature group holding one row per calendar day.
const (
	GroupName    = "daily_aqi_features_v2"
	GroupVersion = 1
	PrimaryKey   = "event_time"
)

// Column names of the daily feature group.
const (
	ColEventTime = "event_time"
	ColAQIDaily  = "aqi_daily"
	ColPM10      = "pm10_mean"
	ColPM25      = "pm2_5_mean"
	ColOzone     = "ozone_mean"
	ColNO2       = "no2_mean"
	ColSO2       = "so2_mean"
	ColCO        = "co_mean"
	ColWeekday   = "weekday"
)

// BaseFeatures is the model input, in the order models expect it.
var BaseFeatures = []string{ColAQIDaily, ColPM10, ColPM25, ColOzone, ColNO2, ColSO2, ColCO, ColWeekday}

// Columns is every stored column: the key followed by BaseFeatures.
var Columns = append([]string{ColEventTime}, BaseFeatures...)

// Daily is one aggregated day of air-quality observations.
type Daily struct {
	EventTime time.Time `json:"event_time"` // UTC midnight
	AQIDaily  float64   `json:"aqi_daily"`
	PM10Mean  float64   `json:"pm10_mean"`
	PM25Mean  float64   `json:"pm2_5_mean"`
	OzoneMean float64   `json:"ozone_mean"`
	NO2Mean   float64   `json:"no2_mean"`
	SO2Mean   float64   `json:"so2_mean"`
	COMean    float64   `json:"co_mean"`
	Weekday   string    `json:"weekday"`
}

// ToRow converts d to a feature store row. NaN values are kept; the store writes them as null.
func (d Daily) ToRow() featurestore.Row {
	return featurestore.Row{
		ColEventTime: d.EventTime.UTC(),
		ColAQIDaily:  d.AQIDaily,
		ColPM10:      d.PM10Mean,
		ColPM25:      d.PM25Mean,
		ColOzone:     d.OzoneMean,
		ColNO2:       d.NO2Mean,
		ColSO2:       d.SO2Mean,
		ColCO:        d.COMean,
		ColWeekday:   d.Weekday,
	}
}

// weekdayCodes maps day names to model codes, Monday=0 … Sunday=6.
var weekdayCodes = map[string]int{
	"monday":    0,
	"tuesday":   1,
	"wednesday": 2,
	"thursday":  3,
	"friday":    4,
	"saturday":  5,
	"sunday":    6,
}

// WeekdayCode returns the model code for a day name (case-insensitive).
func WeekdayCode(name string) (int, bool) {
	c, ok := weekdayCodes[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}

// WeekdayCodeOf returns the model code of t's weekday.
func WeekdayCodeOf(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// ParseEventTime parses a stored event_time value as UTC.
// It accepts time.Time, the string layouts the backends and the API emit, and unix seconds.
func ParseEventTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return time.Time{}, false
		}
		return t.UTC(), true
	case string:
		if ts, ok := featurestore.ParseTimestamp(t); ok {
			return ts, true
		}
		if n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
			return time.Unix(n, 0).UTC(), true
		}
	case float64:
		if !math.IsNaN(t) && !math.IsInf(t, 0) {
			return time.Unix(int64(t), 0).UTC(), true
		}
	case int64:
		return time.Unix(t, 0).UTC(), true
	case int:
		return time.Unix(int64(t), 0).UTC(), true
	}
	return time.Time{}, false
}

// Numeric coerces a stored value to a finite float64.
func Numeric(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int32:
		f = float64(t)
	case int64:
		f = float64(t)
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// TruncateDay returns UTC midnight of t's calendar date.
func TruncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
