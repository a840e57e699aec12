package sqlstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/aqi-forecast/internal/featurestore"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Options{
		Driver:              DriverSQLite,
		DSN:                 ":memory:",
		Project:             "aqi_test",
		DisableMaterializer: true,
	})
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func drain(t *testing.T, s *Store) {
	t.Helper()
	for {
		done, err := s.Materializer().RunOnce(context.Background())
		require.NoError(t, err)
		if !done {
			return
		}
	}
}

var dailySpec = featurestore.GroupSpec{
	Name:        "daily_aqi_features_v2",
	Version:     1,
	PrimaryKey:  "event_time",
	Description: "Daily AQI features",
}

func TestMigrationsIdempotent(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "store.db")

	s1, err := Open(ctx, Options{DSN: dsn, Project: "p", DisableMaterializer: true})
	require.NoError(t, err)
	v1, err := s1.AppliedMigrations(ctx)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(ctx, Options{DSN: dsn, Project: "p", DisableMaterializer: true})
	require.NoError(t, err)
	defer s2.Close()
	v2, err := s2.AppliedMigrations(ctx)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3}, v1)
	assert.Equal(t, v1, v2)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "oracle", DSN: "x", Project: "p"})
	assert.ErrorContains(t, err, "unsupported driver")

	_, err = Open(context.Background(), Options{DSN: ":memory:"})
	assert.ErrorContains(t, err, "project is required")
}

func TestFeatureUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	fg, err := s.GetOrCreateFeatureGroup(ctx, dailySpec)
	require.NoError(t, err)

	day := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	_, err = fg.Insert(ctx, []featurestore.Row{{"event_time": day, "aqi_daily": 40.0, "weekday": "Sunday"}}, featurestore.WriteOptions{Upsert: true})
	require.NoError(t, err)
	drain(t, s)

	_, err = fg.Insert(ctx, []featurestore.Row{{"event_time": day, "aqi_daily": 62.0, "weekday": "Sunday"}}, featurestore.WriteOptions{Upsert: true})
	require.NoError(t, err)
	drain(t, s)

	rows, err := fg.Read(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 62.0, rows[0]["aqi_daily"])
	assert.Equal(t, "2024-03-10T00:00:00Z", rows[0]["event_time"])
}

func TestStagedRowsInvisibleUntilMaterialized(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	fg, err := s.GetOrCreateFeatureGroup(ctx, dailySpec)
	require.NoError(t, err)

	id, err := fg.Insert(ctx, []featurestore.Row{
		{"event_time": "2024-03-09T00:00:00Z", "aqi_daily": 30.0},
		{"event_time": "2024-03-10T00:00:00Z", "aqi_daily": 31.0},
	}, featurestore.WriteOptions{Upsert: true})
	require.NoError(t, err)

	job, err := fg.Job(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, featurestore.JobStarting, job.State)

	rows, err := fg.Read(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)

	drain(t, s)

	job, err = fg.Job(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, featurestore.JobSucceeded, job.State)
	assert.False(t, job.FinishedAt.IsZero())

	rows, err = fg.Read(ctx, "event_time")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, featurestore.Row{"event_time": "2024-03-09T00:00:00Z"}, rows[0])
}

func TestUpsertCollapsesTimestampFormats(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	fg, err := s.GetOrCreateFeatureGroup(ctx, dailySpec)
	require.NoError(t, err)

	for i, et := range []any{
		time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
		"2024-03-10",
		"2024-03-10T05:00:00+05:00",
	} {
		_, err := fg.Insert(ctx, []featurestore.Row{{"event_time": et, "aqi_daily": float64(i)}}, featurestore.WriteOptions{Upsert: true})
		require.NoError(t, err)
		drain(t, s)
	}

	rows, err := fg.Read(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2.0, rows[0]["aqi_daily"])
}

func TestInsertWithoutUpsertFailsOnDuplicate(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	fg, err := s.GetOrCreateFeatureGroup(ctx, dailySpec)
	require.NoError(t, err)

	row := featurestore.Row{"event_time": "2024-03-10T00:00:00Z", "aqi_daily": 1.0}
	_, err = fg.Insert(ctx, []featurestore.Row{row}, featurestore.WriteOptions{})
	require.NoError(t, err)
	drain(t, s)

	id, err := fg.Insert(ctx, []featurestore.Row{row}, featurestore.WriteOptions{WriteID: "w-2"})
	require.NoError(t, err)
	drain(t, s)

	job, err := fg.Job(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, featurestore.JobFailed, job.State)
	assert.NotEmpty(t, job.Message)

	mine, err := fg.JobForWrite(ctx, "w-2")
	require.NoError(t, err)
	assert.Equal(t, id, mine.ID)
	assert.Equal(t, "w-2", mine.WriteID)
}

func TestJobForWriteIgnoresOtherWriters(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	fg, err := s.GetOrCreateFeatureGroup(ctx, dailySpec)
	require.NoError(t, err)

	ours, err := fg.Insert(ctx, []featurestore.Row{{"event_time": "2024-03-10T00:00:00Z"}}, featurestore.WriteOptions{Upsert: true, WriteID: "ours"})
	require.NoError(t, err)
	_, err = fg.Insert(ctx, []featurestore.Row{{"event_time": "2024-03-11T00:00:00Z"}}, featurestore.WriteOptions{Upsert: true, WriteID: "theirs"})
	require.NoError(t, err)
	drain(t, s)

	job, err := fg.JobForWrite(ctx, "ours")
	require.NoError(t, err)
	assert.Equal(t, ours, job.ID)

	_, err = fg.JobForWrite(ctx, "unknown")
	assert.ErrorIs(t, err, featurestore.ErrJobNotFound)
	_, err = fg.JobForWrite(ctx, "")
	assert.ErrorIs(t, err, featurestore.ErrJobNotFound)
}

func TestInsertRejectsMissingKey(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	fg, err := s.GetOrCreateFeatureGroup(ctx, dailySpec)
	require.NoError(t, err)

	_, err = fg.Insert(ctx, []featurestore.Row{{"aqi_daily": 1.0}}, featurestore.WriteOptions{Upsert: true, WriteID: "w-1"})
	assert.ErrorIs(t, err, featurestore.ErrInvalidRows)

	_, err = fg.JobForWrite(ctx, "w-1")
	assert.ErrorIs(t, err, featurestore.ErrJobNotFound)
}

func TestGetFeatureGroup(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.GetFeatureGroup(ctx, dailySpec.Name, 1)
	assert.ErrorIs(t, err, featurestore.ErrGroupNotFound)

	_, err = s.GetOrCreateFeatureGroup(ctx, dailySpec)
	require.NoError(t, err)

	again := dailySpec
	again.PrimaryKey = "ignored"
	fg, err := s.GetOrCreateFeatureGroup(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, "event_time", fg.PrimaryKey())
}

func TestProjectsAreIsolated(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "shared.db")

	a, err := Open(ctx, Options{DSN: dsn, Project: "a", DisableMaterializer: true})
	require.NoError(t, err)
	fg, err := a.GetOrCreateFeatureGroup(ctx, dailySpec)
	require.NoError(t, err)
	_, err = fg.Insert(ctx, []featurestore.Row{{"event_time": "2024-03-10T00:00:00Z"}}, featurestore.WriteOptions{Upsert: true})
	require.NoError(t, err)
	drain(t, a)
	require.NoError(t, a.Close())

	b, err := Open(ctx, Options{DSN: dsn, Project: "b", DisableMaterializer: true})
	require.NoError(t, err)
	defer b.Close()
	_, err = b.GetFeatureGroup(ctx, dailySpec.Name, dailySpec.Version)
	assert.ErrorIs(t, err, featurestore.ErrGroupNotFound)
}

func TestBackgroundMaterializer(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, Options{DSN: ":memory:", Project: "p", PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	defer s.Close()

	fg, err := s.GetOrCreateFeatureGroup(ctx, dailySpec)
	require.NoError(t, err)
	id, err := fg.Insert(ctx, []featurestore.Row{{"event_time": "2024-03-10T00:00:00Z"}}, featurestore.WriteOptions{Upsert: true})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := fg.Job(ctx, id)
		return err == nil && job.State == featurestore.JobSucceeded
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	dir := t.TempDir()

	_, err := s.Models(ctx, "aqi_xgb_day2")
	assert.ErrorIs(t, err, featurestore.ErrModelNotFound)

	path := filepath.Join(dir, "aqi_xgb_day2.json")
	for i, body := range []string{`{"v":1}`, `{"v":2}`, `{"v":3}`} {
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		mv, err := s.Register(ctx, "aqi_xgb_day2", "day2", path)
		require.NoError(t, err)
		assert.Equal(t, i+1, mv.Version)
	}

	versions, err := s.Models(ctx, "aqi_xgb_day2")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	latest, _ := featurestore.Latest(versions)
	assert.Equal(t, 3, latest.Version)

	out, err := s.Download(ctx, latest, filepath.Join(dir, "cache"))
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(out, "aqi_xgb_day2.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":3}`, string(data))

	_, err = s.Download(ctx, featurestore.ModelVersion{Name: "aqi_xgb_day2", Version: 9}, dir)
	assert.ErrorIs(t, err, featurestore.ErrModelNotFound)
}

func TestRebind(t *testing.T) {
	pg := &Store{driver: DriverPostgres}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))

	lite := &Store{driver: DriverSQLite}
	assert.Equal(t, "x = ?", lite.rebind("x = ?"))
}
