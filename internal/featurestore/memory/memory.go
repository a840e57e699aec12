package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/i474232898/aqi-forecast/internal/featurestore"
)

// Options configures the in-memory backend.
type Options struct {
	// MaterializeDelay is how long a job stays STARTING/RUNNING before its rows
	// become readable. Zero materializes inside Insert.
	MaterializeDelay time.Duration
}

// Store is a concurrency-safe in-memory feature store and model registry.
type Store struct {
	mu sync.RWMutex

	// key: name:version
	groups map[string]*group

	// key: model name, versions in registration order
	models map[string][]model

	delay time.Duration
	wg    sync.WaitGroup
}

type group struct {
	spec featurestore.GroupSpec
	rows map[string]featurestore.Row
	jobs []featurestore.Job
}

type model struct {
	version featurestore.ModelVersion
	file    string
	data    []byte
}

// New creates an empty Store.
func New(opts Options) *Store {
	return &Store{
		groups: make(map[string]*group),
		models: make(map[string][]model),
		delay:  opts.MaterializeDelay,
	}
}

func groupKey(name string, version int) string {
	return fmt.Sprintf("%s:%d", name, version)
}

// FeatureStore implements featurestore.Project.
func (s *Store) FeatureStore() featurestore.Store { return s }

// ModelRegistry implements featurestore.Project.
func (s *Store) ModelRegistry() featurestore.Registry { return s }

// Close waits for in-flight materializations.
func (s *Store) Close() error {
	s.wg.Wait()
	return nil
}

// GetFeatureGroup returns an existing group.
func (s *Store) GetFeatureGroup(_ context.Context, name string, version int) (featurestore.FeatureGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[groupKey(name, version)]
	if !ok {
		return nil, fmt.Errorf("%w: %s v%d", featurestore.ErrGroupNotFound, name, version)
	}
	return &handle{store: s, spec: g.spec}, nil
}

// GetOrCreateFeatureGroup returns the group, creating it when missing.
func (s *Store) GetOrCreateFeatureGroup(_ context.Context, spec featurestore.GroupSpec) (featurestore.FeatureGroup, error) {
	if spec.Name == "" || spec.PrimaryKey == "" || spec.Version < 1 {
		return nil, fmt.Errorf("%w: incomplete group spec %+v", featurestore.ErrInvalidRows, spec)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := groupKey(spec.Name, spec.Version)
	g, ok := s.groups[key]
	if !ok {
		g = &group{spec: spec, rows: make(map[string]featurestore.Row)}
		s.groups[key] = g
	}
	return &handle{store: s, spec: g.spec}, nil
}

// Rows returns the number of materialized rows in a group. Used by tests and the CLI.
func (s *Store) Rows(name string, version int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[groupKey(name, version)]
	if !ok {
		return 0
	}
	return len(g.rows)
}

type handle struct {
	store *Store
	spec  featurestore.GroupSpec
}

func (h *handle) Name() string       { return h.spec.Name }
func (h *handle) Version() int       { return h.spec.Version }
func (h *handle) PrimaryKey() string { return h.spec.PrimaryKey }

func (h *handle) group() (*group, error) {
	g, ok := h.store.groups[groupKey(h.spec.Name, h.spec.Version)]
	if !ok {
		return nil, fmt.Errorf("%w: %s v%d", featurestore.ErrGroupNotFound, h.spec.Name, h.spec.Version)
	}
	return g, nil
}

// Insert stages a copy of rows behind a new job.
func (h *handle) Insert(ctx context.Context, rows []featurestore.Row, opts featurestore.WriteOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	keys, err := featurestore.RowKeys(rows, h.spec.PrimaryKey)
	if err != nil {
		return "", err
	}

	staged := make([]featurestore.Row, len(rows))
	for i, r := range rows {
		cp := make(featurestore.Row, len(r))
		for k, v := range r {
			cp[k] = v
		}
		staged[i] = cp
	}

	job := featurestore.Job{
		ID:          uuid.New().String(),
		Group:       h.spec.Name,
		Version:     h.spec.Version,
		State:       featurestore.JobStarting,
		SubmittedAt: time.Now().UTC(),
		WriteID:     opts.WriteID,
	}

	h.store.mu.Lock()
	g, err := h.group()
	if err != nil {
		h.store.mu.Unlock()
		return "", err
	}
	g.jobs = append(g.jobs, job)
	h.store.mu.Unlock()

	if h.store.delay <= 0 {
		h.materialize(job.ID, keys, staged, opts)
		return job.ID, nil
	}

	h.store.wg.Add(1)
	go func() {
		defer h.store.wg.Done()
		h.setState(job.ID, featurestore.JobRunning, "")
		time.Sleep(h.store.delay)
		h.materialize(job.ID, keys, staged, opts)
	}()
	return job.ID, nil
}

func (h *handle) materialize(jobID string, keys []string, rows []featurestore.Row, opts featurestore.WriteOptions) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	g, err := h.group()
	if err != nil {
		h.finish(g, jobID, featurestore.JobFailed, err.Error())
		return
	}

	if !opts.Upsert {
		for _, k := range keys {
			if _, exists := g.rows[k]; exists {
				h.finish(g, jobID, featurestore.JobFailed, fmt.Sprintf("duplicate primary key %s", k))
				return
			}
		}
	}
	for i, k := range keys {
		g.rows[k] = rows[i]
	}
	h.finish(g, jobID, featurestore.JobSucceeded, "")
}

// finish must be called with the store lock held.
func (h *handle) finish(g *group, jobID string, state featurestore.JobState, msg string) {
	if g == nil {
		return
	}
	for i := range g.jobs {
		if g.jobs[i].ID == jobID {
			g.jobs[i].State = state
			g.jobs[i].Message = msg
			g.jobs[i].FinishedAt = time.Now().UTC()
			return
		}
	}
}

func (h *handle) setState(jobID string, state featurestore.JobState, msg string) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	g, err := h.group()
	if err != nil {
		return
	}
	for i := range g.jobs {
		if g.jobs[i].ID == jobID {
			g.jobs[i].State = state
			g.jobs[i].Message = msg
			return
		}
	}
}

// Read returns materialized rows ordered by primary key.
func (h *handle) Read(ctx context.Context, columns ...string) ([]featurestore.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.store.mu.RLock()
	defer h.store.mu.RUnlock()

	g, err := h.group()
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(g.rows))
	for k := range g.rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]featurestore.Row, 0, len(keys))
	for _, k := range keys {
		cp := make(featurestore.Row, len(g.rows[k]))
		for c, v := range g.rows[k] {
			cp[c] = v
		}
		out = append(out, cp)
	}
	return featurestore.ProjectRows(out, columns), nil
}

// Job returns a job by id.
func (h *handle) Job(_ context.Context, id string) (featurestore.Job, error) {
	h.store.mu.RLock()
	defer h.store.mu.RUnlock()

	g, err := h.group()
	if err != nil {
		return featurestore.Job{}, err
	}
	for _, j := range g.jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return featurestore.Job{}, fmt.Errorf("%w: %s", featurestore.ErrJobNotFound, id)
}

// JobForWrite returns the last submitted job carrying writeID.
func (h *handle) JobForWrite(_ context.Context, writeID string) (featurestore.Job, error) {
	if writeID == "" {
		return featurestore.Job{}, fmt.Errorf("%w: empty write id", featurestore.ErrJobNotFound)
	}
	h.store.mu.RLock()
	defer h.store.mu.RUnlock()

	g, err := h.group()
	if err != nil {
		return featurestore.Job{}, err
	}
	for i := len(g.jobs) - 1; i >= 0; i-- {
		if g.jobs[i].WriteID == writeID {
			return g.jobs[i], nil
		}
	}
	return featurestore.Job{}, fmt.Errorf("%w: write %s", featurestore.ErrJobNotFound, writeID)
}

// Models lists registered versions of name.
func (s *Store) Models(_ context.Context, name string) ([]featurestore.ModelVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, ok := s.models[name]
	if !ok || len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", featurestore.ErrModelNotFound, name)
	}
	out := make([]featurestore.ModelVersion, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.version)
	}
	return out, nil
}

// Download writes the artifact of mv under dir.
func (s *Store) Download(_ context.Context, mv featurestore.ModelVersion, dir string) (string, error) {
	s.mu.RLock()
	var found *model
	for i, e := range s.models[mv.Name] {
		if e.version.Version == mv.Version {
			found = &s.models[mv.Name][i]
			break
		}
	}
	s.mu.RUnlock()

	if found == nil {
		return "", fmt.Errorf("%w: %s v%d", featurestore.ErrModelNotFound, mv.Name, mv.Version)
	}
	return featurestore.WriteArtifact(dir, mv, found.file, found.data)
}

// Register stores the file at artifactPath as the next version of name.
func (s *Store) Register(_ context.Context, name, description, artifactPath string) (featurestore.ModelVersion, error) {
	data, err := os.ReadFile(artifactPath)
	if err != nil {
		return featurestore.ModelVersion{}, fmt.Errorf("reading artifact: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := 1
	for _, e := range s.models[name] {
		if e.version.Version >= next {
			next = e.version.Version + 1
		}
	}
	mv := featurestore.ModelVersion{
		Name:        name,
		Version:     next,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	s.models[name] = append(s.models[name], model{version: mv, file: filepath.Base(artifactPath), data: data})
	return mv, nil
}
