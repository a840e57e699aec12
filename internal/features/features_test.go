package features

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/aqi-forecast/internal/airquality"
)

func f(v float64) *float64 { return &v }

func TestHourlyToDaily(t *testing.T) {
	h := airquality.Hourly{
		Time:            []string{"2024-03-09T00:00", "2024-03-09T13:00", "2024-03-10T00:00", "garbage", "2024-03-08T23:00"},
		EuropeanAQI:     []*float64{f(40), f(55), nil, f(999), f(10)},
		PM10:            []*float64{f(80), f(100), f(70), f(1), nil},
		PM25:            []*float64{f(30), nil, f(20), f(1), f(5)},
		Ozone:           []*float64{f(60), f(62), f(50), f(1), f(5)},
		NitrogenDioxide: []*float64{f(10), f(20), f(15), f(1), f(5)},
		SulphurDioxide:  []*float64{f(4), f(6), f(5), f(1), f(5)},
		CarbonMonoxide:  []*float64{f(300), f(320), f(310), f(1)},
	}

	days := HourlyToDaily(h)
	require.Len(t, days, 3)

	assert.Equal(t, time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC), days[0].EventTime)
	assert.True(t, math.IsNaN(days[0].PM10Mean))
	assert.True(t, math.IsNaN(days[0].COMean), "short series counts as null")

	d := days[1]
	assert.Equal(t, time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC), d.EventTime)
	assert.Equal(t, 55.0, d.AQIDaily)
	assert.Equal(t, 90.0, d.PM10Mean)
	assert.Equal(t, 30.0, d.PM25Mean)
	assert.Equal(t, 61.0, d.OzoneMean)
	assert.Equal(t, 15.0, d.NO2Mean)
	assert.Equal(t, 5.0, d.SO2Mean)
	assert.Equal(t, 310.0, d.COMean)
	assert.Equal(t, "Saturday", d.Weekday)

	assert.True(t, math.IsNaN(days[2].AQIDaily))
	assert.Equal(t, "Sunday", days[2].Weekday)
}

func TestHourlyToDailyEmpty(t *testing.T) {
	assert.Empty(t, HourlyToDaily(airquality.Hourly{}))
}

func TestToRow(t *testing.T) {
	loc := time.FixedZone("PKT", 5*3600)
	d := Daily{EventTime: time.Date(2024, 3, 10, 5, 0, 0, 0, loc), AQIDaily: 42, Weekday: "Sunday"}
	row := d.ToRow()

	assert.Equal(t, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), row[ColEventTime])
	assert.Equal(t, 42.0, row[ColAQIDaily])
	assert.Equal(t, "Sunday", row[ColWeekday])
	for _, c := range Columns {
		assert.Contains(t, row, c)
	}
}

func TestWeekdayCodes(t *testing.T) {
	code, ok := WeekdayCode("Monday")
	assert.True(t, ok)
	assert.Equal(t, 0, code)

	code, ok = WeekdayCode(" sunday ")
	assert.True(t, ok)
	assert.Equal(t, 6, code)

	_, ok = WeekdayCode("Funday")
	assert.False(t, ok)

	assert.Equal(t, 6, WeekdayCodeOf(time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 0, WeekdayCodeOf(time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)))
}

func TestParseEventTime(t *testing.T) {
	want := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	for _, v := range []any{
		want,
		"2024-03-10T00:00:00Z",
		"2024-03-10T05:00:00+05:00",
		"2024-03-10T00:00",
		"2024-03-10 00:00:00",
		"2024-03-10",
		"1710028800",
		float64(1710028800),
	} {
		got, ok := ParseEventTime(v)
		require.True(t, ok, "%v", v)
		assert.True(t, want.Equal(got), "%v parsed as %v", v, got)
	}

	for _, v := range []any{nil, "", "yesterday", time.Time{}, math.NaN(), true} {
		_, ok := ParseEventTime(v)
		assert.False(t, ok, "%v", v)
	}
}

func TestNumeric(t *testing.T) {
	v, ok := Numeric("12.5")
	assert.True(t, ok)
	assert.Equal(t, 12.5, v)

	v, ok = Numeric(int64(3))
	assert.True(t, ok)
	assert.Equal(t, 3.0, v)

	for _, bad := range []any{nil, "n/a", math.NaN(), math.Inf(1), true} {
		_, ok := Numeric(bad)
		assert.False(t, ok, "%v", bad)
	}
}
