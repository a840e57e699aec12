package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/i474232898/aqi-forecast/internal/airquality"
	"github.com/i474232898/aqi-forecast/internal/features"
	"github.com/i474232898/aqi-forecast/internal/featurestore"
	"github.com/i474232898/aqi-forecast/internal/materialize"
	"github.com/i474232898/aqi-forecast/internal/metrics"
)

var (
	// ErrInvalidDays is returned for a window shorter than two days.
	ErrInvalidDays = errors.New("days must be >= 2")
	// ErrNoRows is returned when the fetched window aggregates to nothing.
	ErrNoRows = errors.New("no daily features to upload")
)

// DateRange returns the inclusive window of the past days ending yesterday,
// or today when endYesterday is false. Both bounds are UTC midnight.
func DateRange(today time.Time, days int, endYesterday bool) (time.Time, time.Time, error) {
	if days < 2 {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: got %d", ErrInvalidDays, days)
	}
	end := features.TruncateDay(today)
	if endYesterday {
		end = end.AddDate(0, 0, -1)
	}
	start := end.AddDate(0, 0, -(days - 1))
	return start, end, nil
}

// Fetcher returns hourly observations for an inclusive date window.
type Fetcher interface {
	FetchHourly(ctx context.Context, lat, lon float64, start, end time.Time) (airquality.Hourly, error)
}

// Options selects what Upload fetches.
type Options struct {
	Lat           float64
	Lon           float64
	Days          int
	OnlineEnabled bool
}

// DefaultOptions is Karachi over the last three days.
func DefaultOptions() Options {
	return Options{Lat: 24.8607, Lon: 67.0011, Days: 3}
}

// Result summarizes an upload.
type Result struct {
	Start time.Time
	End   time.Time
	Rows  int
	Job   featurestore.Job
}

// Uploader fetches air-quality data, aggregates it per day and upserts it into the feature group.
type Uploader struct {
	fetcher Fetcher
	store   *featurestore.Connector
	writer  *materialize.Writer
	now     func() time.Time
	logger  *slog.Logger
}

// NewUploader creates an Uploader.
func NewUploader(fetcher Fetcher, store *featurestore.Connector, writer *materialize.Writer) *Uploader {
	return &Uploader{
		fetcher: fetcher,
		store:   store,
		writer:  writer,
		now:     time.Now,
		logger:  slog.Default().With("component", "ingest"),
	}
}

// Upload runs fetch, aggregation and the reliable write.
func (u *Uploader) Upload(ctx context.Context, opts Options) (Result, error) {
	start, end, err := DateRange(u.now(), opts.Days, true)
	if err != nil {
		return Result{}, err
	}

	hourly, err := u.fetcher.FetchHourly(ctx, opts.Lat, opts.Lon, start, end)
	if err != nil {
		return Result{}, fmt.Errorf("fetching air quality: %w", err)
	}

	daily := features.HourlyToDaily(hourly)
	rows := make([]featurestore.Row, 0, len(daily))
	for _, d := range daily {
		if d.EventTime.IsZero() {
			continue
		}
		rows = append(rows, d.ToRow())
	}
	if len(rows) == 0 {
		return Result{}, fmt.Errorf("%w: %s to %s", ErrNoRows, start.Format(time.DateOnly), end.Format(time.DateOnly))
	}
	u.logger.Info("data ready for upload", "rows", len(rows), "first", daily[0].EventTime.Format(time.DateOnly), "last", daily[len(daily)-1].EventTime.Format(time.DateOnly))

	fs, err := u.store.FeatureStore(ctx)
	if err != nil {
		return Result{}, err
	}
	fg, err := fs.GetOrCreateFeatureGroup(ctx, featurestore.GroupSpec{
		Name:          features.GroupName,
		Version:       features.GroupVersion,
		PrimaryKey:    features.PrimaryKey,
		Description:   "Daily AQI features (clean schema v2)",
		OnlineEnabled: opts.OnlineEnabled,
	})
	if err != nil {
		return Result{}, fmt.Errorf("opening feature group: %w", err)
	}

	job, err := u.writer.Upsert(ctx, fg, rows)
	if err != nil {
		return Result{}, err
	}
	metrics.FeatureRowsIngested.Add(float64(len(rows)))
	u.logger.Info("upload completed", "group", features.GroupName, "version", features.GroupVersion, "job_id", job.ID)

	return Result{Start: start, End: end, Rows: len(rows), Job: job}, nil
}
