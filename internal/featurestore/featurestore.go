package featurestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrGroupNotFound is returned when a feature group (name, version) does not exist.
	ErrGroupNotFound = errors.New("feature group not found")
	// ErrJobNotFound is returned when no materialization job matches the query.
	ErrJobNotFound = errors.New("materialization job not found")
	// ErrModelNotFound is returned when the registry has no versions for a model name.
	ErrModelNotFound = errors.New("model not found")
	// ErrInvalidRows is returned when a batch does not satisfy the group schema.
	ErrInvalidRows = errors.New("invalid rows")
	// ErrTransient marks infrastructure failures that may be retried.
	ErrTransient = errors.New("transient store error")
)

// Row is a single schemaless record of a feature group.
type Row map[string]any

// JobState is the reported state of a materialization job.
type JobState string

const (
	JobUnknown   JobState = "UNKNOWN"
	JobStarting  JobState = "STARTING"
	JobRunning   JobState = "RUNNING"
	JobSucceeded JobState = "SUCCEEDED"
	JobFailed    JobState = "FAILED"
)

// Normalize upper-cases and trims a state reported by a backend.
func (s JobState) Normalize() JobState {
	return JobState(strings.ToUpper(strings.TrimSpace(string(s))))
}

// InProgress reports whether the job is still STARTING or RUNNING.
func (s JobState) InProgress() bool {
	n := s.Normalize()
	return n == JobStarting || n == JobRunning
}

// Job is a materialization job created by a write to a feature group.
type Job struct {
	ID          string    `json:"id"`
	Group       string    `json:"group"`
	Version     int       `json:"version"`
	State       JobState  `json:"state"`
	SubmittedAt time.Time `json:"submittedAt"`
	FinishedAt  time.Time `json:"finishedAt,omitempty"`
	Message     string    `json:"message,omitempty"`
	// WriteID is the WriteOptions.WriteID of the insert that created the job.
	WriteID string `json:"writeId,omitempty"`
}

// GroupSpec describes a feature group for get-or-create.
type GroupSpec struct {
	Name          string `validate:"required"`
	Version       int    `validate:"gte=1"`
	PrimaryKey    string `validate:"required"`
	Description   string
	OnlineEnabled bool
}

// WriteOptions controls how Insert applies a batch.
type WriteOptions struct {
	Upsert bool
	// WriteID names one logical write. Retries of the same batch reuse it, and
	// the created job records it so the writer can find its own job later.
	WriteID string
}

// FeatureGroup is a versioned table with asynchronous materialization.
type FeatureGroup interface {
	Name() string
	Version() int
	PrimaryKey() string

	// Insert stages rows and returns the id of the materialization job that makes them readable.
	Insert(ctx context.Context, rows []Row, opts WriteOptions) (string, error)
	// Read returns materialized rows, optionally projected to columns.
	Read(ctx context.Context, columns ...string) ([]Row, error)
	// Job returns the job with the given id.
	Job(ctx context.Context, id string) (Job, error)
	// JobForWrite returns the most recently submitted job created with writeID.
	JobForWrite(ctx context.Context, writeID string) (Job, error)
}

// Store gives access to feature groups.
type Store interface {
	GetFeatureGroup(ctx context.Context, name string, version int) (FeatureGroup, error)
	GetOrCreateFeatureGroup(ctx context.Context, spec GroupSpec) (FeatureGroup, error)
}

// ModelVersion is one immutable registered artifact.
type ModelVersion struct {
	Name        string    `json:"name"`
	Version     int       `json:"version"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Registry stores versioned model artifacts.
type Registry interface {
	Models(ctx context.Context, name string) ([]ModelVersion, error)
	// Download writes the artifact under dir and returns the directory that holds it.
	Download(ctx context.Context, mv ModelVersion, dir string) (string, error)
	Register(ctx context.Context, name, description, artifactPath string) (ModelVersion, error)
}

// Project bundles the feature store and model registry of one backend.
type Project interface {
	FeatureStore() Store
	ModelRegistry() Registry
	Close() error
}

// Latest returns the version with the highest number.
func Latest(versions []ModelVersion) (ModelVersion, bool) {
	if len(versions) == 0 {
		return ModelVersion{}, false
	}
	best := versions[0]
	for _, v := range versions[1:] {
		if v.Version > best.Version {
			best = v
		}
	}
	return best, true
}

// ProjectRows returns a copy of rows restricted to columns. Missing columns are omitted.
func ProjectRows(rows []Row, columns []string) []Row {
	if len(columns) == 0 {
		return rows
	}
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		p := make(Row, len(columns))
		for _, c := range columns {
			if v, ok := r[c]; ok {
				p[c] = v
			}
		}
		out = append(out, p)
	}
	return out
}

// KeyOf renders a primary-key value as the string the backends index on.
// Timestamps, given as time.Time or as a string in one of TimeLayouts, are
// normalized to RFC3339Nano UTC so the same instant always maps to the same key.
func KeyOf(v any) (string, error) {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return "", fmt.Errorf("%w: zero timestamp key", ErrInvalidRows)
		}
		return t.UTC().Format(time.RFC3339Nano), nil
	case string:
		if strings.TrimSpace(t) == "" {
			return "", fmt.Errorf("%w: empty key", ErrInvalidRows)
		}
		if ts, ok := ParseTimestamp(t); ok {
			return ts.Format(time.RFC3339Nano), nil
		}
		return t, nil
	case int, int32, int64:
		return fmt.Sprintf("%d", t), nil
	case nil:
		return "", fmt.Errorf("%w: missing key", ErrInvalidRows)
	default:
		return "", fmt.Errorf("%w: unsupported key type %T", ErrInvalidRows, v)
	}
}

// RowKeys validates that every row carries pk and returns the keys in order.
func RowKeys(rows []Row, pk string) ([]string, error) {
	keys := make([]string, 0, len(rows))
	for i, r := range rows {
		k, err := KeyOf(r[pk])
		if err != nil {
			return nil, fmt.Errorf("row %d column %q: %w", i, pk, err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// TimeLayouts are the timestamp string formats the backends and the API emit.
var TimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	time.DateTime,
	time.DateOnly,
}

// ParseTimestamp parses s with TimeLayouts and returns the instant in UTC.
// Layouts without an offset are read as UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range TimeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}
