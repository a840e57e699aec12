package features

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/i474232898/aqi-forecast/internal/airquality"
)

type dayAccumulator struct {
	date    time.Time
	aqiMax  float64
	aqiSeen bool
	sums    [6]float64
	counts  [6]int
}

// HourlyToDaily aggregates an hourly payload into one Daily per calendar date.
// aqi_daily is the max of european_aqi, pollutants are means. Null hours are
// ignored and a day without any value for a column gets NaN. Hours whose
// timestamp cannot be parsed are skipped. The result is sorted by date.
func HourlyToDaily(h airquality.Hourly) []Daily {
	pollutants := [6][]*float64{h.PM10, h.PM25, h.Ozone, h.NitrogenDioxide, h.SulphurDioxide, h.CarbonMonoxide}

	days := make(map[string]*dayAccumulator)
	for i, raw := range h.Time {
		date, ok := hourDate(raw)
		if !ok {
			continue
		}
		key := date.Format(time.DateOnly)
		acc, exists := days[key]
		if !exists {
			acc = &dayAccumulator{date: date}
			days[key] = acc
		}

		if v, ok := at(h.EuropeanAQI, i); ok {
			if !acc.aqiSeen || v > acc.aqiMax {
				acc.aqiMax = v
			}
			acc.aqiSeen = true
		}
		for p, series := range pollutants {
			if v, ok := at(series, i); ok {
				acc.sums[p] += v
				acc.counts[p]++
			}
		}
	}

	keys := make([]string, 0, len(days))
	for k := range days {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Daily, 0, len(keys))
	for _, k := range keys {
		acc := days[k]
		var means [6]float64
		for p := range means {
			means[p] = math.NaN()
			if acc.counts[p] > 0 {
				means[p] = acc.sums[p] / float64(acc.counts[p])
			}
		}
		aqi := math.NaN()
		if acc.aqiSeen {
			aqi = acc.aqiMax
		}
		out = append(out, Daily{
			EventTime: acc.date,
			AQIDaily:  aqi,
			PM10Mean:  means[0],
			PM25Mean:  means[1],
			OzoneMean: means[2],
			NO2Mean:   means[3],
			SO2Mean:   means[4],
			COMean:    means[5],
			Weekday:   acc.date.Weekday().String(),
		})
	}
	return out
}

// hourDate returns the calendar date of an hourly timestamp as UTC midnight.
// Open-Meteo reports local wall-clock times without an offset; the date is taken as written.
func hourDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if len(raw) >= len(time.DateOnly) {
		if d, err := time.Parse(time.DateOnly, raw[:len(time.DateOnly)]); err == nil {
			return d, true
		}
	}
	return time.Time{}, false
}

func at(series []*float64, i int) (float64, bool) {
	if i >= len(series) || series[i] == nil {
		return 0, false
	}
	v := *series[i]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
