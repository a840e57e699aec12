package dataset

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/i474232898/aqi-forecast/internal/features"
	"github.com/i474232898/aqi-forecast/internal/featurestore"
)

// FileName is the training dataset written under the artifact directory.
const FileName = "train_data.csv"

// ErrEmpty is returned when no complete training row can be built.
var ErrEmpty = errors.New("no complete training rows")

// Horizons are the forecast horizons a label column exists for.
var Horizons = []int{1, 2, 3}

// Label returns the label column for a horizon, e.g. label_aqi_day2.
func Label(horizon int) string {
	return fmt.Sprintf("label_aqi_day%d", horizon)
}

// LabelColumns lists the labels of all Horizons.
func LabelColumns() []string {
	out := make([]string, len(Horizons))
	for i, h := range Horizons {
		out[i] = Label(h)
	}
	return out
}

// Frame is a header plus string rows as stored in the CSV.
type Frame struct {
	Columns []string
	Rows    [][]string
}

// Index returns the position of column c or -1.
func (f Frame) Index(c string) int {
	for i, col := range f.Columns {
		if col == c {
			return i
		}
	}
	return -1
}

// Result describes a built dataset.
type Result struct {
	Path  string
	Rows  int
	First time.Time
	Last  time.Time
}

type dayRow struct {
	eventTime time.Time
	values    map[string]float64
	weekday   string
}

// Build reads the daily feature group, labels every day with the aqi_daily of
// the following 1..3 rows and writes the complete rows to dir/train_data.csv.
// Labels shift by row position after sorting by event_time.
func Build(ctx context.Context, conn *featurestore.Connector, dir string) (Result, error) {
	logger := slog.Default().With("component", "dataset")

	fs, err := conn.FeatureStore(ctx)
	if err != nil {
		return Result{}, err
	}
	fg, err := fs.GetFeatureGroup(ctx, features.GroupName, features.GroupVersion)
	if err != nil {
		return Result{}, fmt.Errorf("opening feature group: %w", err)
	}
	raw, err := fg.Read(ctx, features.Columns...)
	if err != nil {
		return Result{}, fmt.Errorf("reading features: %w", err)
	}

	days := make([]dayRow, 0, len(raw))
	for _, r := range raw {
		ts, ok := features.ParseEventTime(r[features.ColEventTime])
		if !ok {
			continue
		}
		d := dayRow{eventTime: ts, values: make(map[string]float64, len(features.BaseFeatures))}
		d.weekday, _ = r[features.ColWeekday].(string)
		for _, c := range features.BaseFeatures {
			if c == features.ColWeekday {
				continue
			}
			v, ok := features.Numeric(r[c])
			if !ok {
				v = math.NaN()
			}
			d.values[c] = v
		}
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].eventTime.Before(days[j].eventTime) })

	columns := append(append([]string{}, features.Columns...), LabelColumns()...)
	var out [][]string
	var first, last time.Time
	for i, d := range days {
		rec, ok := d.record(days, i)
		if !ok {
			continue
		}
		if first.IsZero() {
			first = d.eventTime
		}
		last = d.eventTime
		out = append(out, rec)
	}
	if len(out) == 0 {
		return Result{}, fmt.Errorf("%w: %d feature rows", ErrEmpty, len(days))
	}

	path := filepath.Join(dir, FileName)
	if err := Write(path, Frame{Columns: columns, Rows: out}); err != nil {
		return Result{}, err
	}
	logger.Info("saved training data", "path", path, "rows", len(out), "columns", len(columns),
		"first", first.Format(time.DateOnly), "last", last.Format(time.DateOnly))
	return Result{Path: path, Rows: len(out), First: first, Last: last}, nil
}

// record renders days[i] with its labels, or false when any value is missing.
func (d dayRow) record(days []dayRow, i int) ([]string, bool) {
	if d.weekday == "" {
		return nil, false
	}
	rec := []string{d.eventTime.Format(time.RFC3339)}
	for _, c := range features.BaseFeatures {
		if c == features.ColWeekday {
			rec = append(rec, d.weekday)
			continue
		}
		v := d.values[c]
		if math.IsNaN(v) {
			return nil, false
		}
		rec = append(rec, formatFloat(v))
	}
	for _, h := range Horizons {
		if i+h >= len(days) {
			return nil, false
		}
		v := days[i+h].values[features.ColAQIDaily]
		if math.IsNaN(v) {
			return nil, false
		}
		rec = append(rec, formatFloat(v))
	}
	return rec, true
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Write stores f as CSV at path.
func Write(path string, f Frame) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating dataset directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating dataset: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write(f.Columns); err != nil {
		return err
	}
	if err := w.WriteAll(f.Rows); err != nil {
		return fmt.Errorf("writing dataset: %w", err)
	}
	return file.Close()
}

// Read loads a CSV written by Write.
func Read(path string) (Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return Frame{}, err
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return Frame{}, fmt.Errorf("reading dataset %s: %w", path, err)
	}
	if len(records) == 0 {
		return Frame{}, fmt.Errorf("reading dataset %s: missing header", path)
	}
	return Frame{Columns: records[0], Rows: records[1:]}, nil
}
