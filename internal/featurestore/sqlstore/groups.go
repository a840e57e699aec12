package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/i474232898/aqi-forecast/internal/featurestore"
)

// GetFeatureGroup returns an existing group of this project.
func (s *Store) GetFeatureGroup(ctx context.Context, name string, version int) (featurestore.FeatureGroup, error) {
	var (
		spec   = featurestore.GroupSpec{Name: name, Version: version}
		online int
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT primary_key, description, online_enabled
		FROM feature_groups WHERE project = ? AND name = ? AND version = ?`),
		s.project, name, version,
	).Scan(&spec.PrimaryKey, &spec.Description, &online)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s v%d", featurestore.ErrGroupNotFound, name, version)
	}
	if err != nil {
		return nil, fmt.Errorf("loading feature group %s v%d: %w", name, version, err)
	}
	spec.OnlineEnabled = online != 0
	return &group{store: s, spec: spec}, nil
}

// GetOrCreateFeatureGroup registers the group if missing and returns it.
// An existing group keeps its original primary key and description.
func (s *Store) GetOrCreateFeatureGroup(ctx context.Context, spec featurestore.GroupSpec) (featurestore.FeatureGroup, error) {
	if spec.Name == "" || spec.PrimaryKey == "" || spec.Version < 1 {
		return nil, fmt.Errorf("%w: incomplete group spec %+v", featurestore.ErrInvalidRows, spec)
	}
	online := 0
	if spec.OnlineEnabled {
		online = 1
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO feature_groups (project, name, version, primary_key, description, online_enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project, name, version) DO NOTHING`),
		s.project, spec.Name, spec.Version, spec.PrimaryKey, spec.Description, online, formatTS(time.Now()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating feature group %s v%d: %w", spec.Name, spec.Version, err)
	}
	return s.GetFeatureGroup(ctx, spec.Name, spec.Version)
}

type group struct {
	store *Store
	spec  featurestore.GroupSpec
}

func (g *group) Name() string       { return g.spec.Name }
func (g *group) Version() int       { return g.spec.Version }
func (g *group) PrimaryKey() string { return g.spec.PrimaryKey }

// Insert stages rows and submits a STARTING job in a single transaction.
// The rows become readable once the materializer has processed the job.
func (g *group) Insert(ctx context.Context, rows []featurestore.Row, opts featurestore.WriteOptions) (string, error) {
	keys, err := featurestore.RowKeys(rows, g.spec.PrimaryKey)
	if err != nil {
		return "", err
	}
	payloads := make([][]byte, len(rows))
	for i, r := range rows {
		if payloads[i], err = featurestore.EncodeRow(r); err != nil {
			return "", fmt.Errorf("row %d: %w", i, err)
		}
	}

	s := g.store
	jobID := uuid.New().String()
	upsert := 0
	if opts.Upsert {
		upsert = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning insert: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO materialization_jobs (id, project, group_name, group_version, state, upsert, submitted_at, write_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		jobID, s.project, g.spec.Name, g.spec.Version, string(featurestore.JobStarting), upsert, formatTS(time.Now()), opts.WriteID,
	); err != nil {
		return "", fmt.Errorf("submitting job: %w", err)
	}

	for i := range rows {
		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO staged_rows (job_id, seq, pk, payload) VALUES (?, ?, ?, ?)`),
			jobID, i, keys[i], string(payloads[i]),
		); err != nil {
			return "", fmt.Errorf("staging row %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing insert: %w", err)
	}
	return jobID, nil
}

// Read returns the materialized rows ordered by primary key.
func (g *group) Read(ctx context.Context, columns ...string) ([]featurestore.Row, error) {
	s := g.store
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT payload FROM feature_rows
		WHERE project = ? AND group_name = ? AND group_version = ?
		ORDER BY pk ASC`),
		s.project, g.spec.Name, g.spec.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("reading %s v%d: %w", g.spec.Name, g.spec.Version, err)
	}
	defer rows.Close()

	var out []featurestore.Row
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		r, err := featurestore.DecodeRow([]byte(payload))
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return featurestore.ProjectRows(out, columns), nil
}

const jobColumns = `id, group_name, group_version, state, submitted_at, finished_at, message, write_id`

func scanJob(row interface{ Scan(...any) error }) (featurestore.Job, error) {
	var (
		j                   featurestore.Job
		state               string
		submitted, finished string
	)
	if err := row.Scan(&j.ID, &j.Group, &j.Version, &state, &submitted, &finished, &j.Message, &j.WriteID); err != nil {
		return featurestore.Job{}, err
	}
	j.State = featurestore.JobState(state)
	j.SubmittedAt = parseTS(submitted)
	j.FinishedAt = parseTS(finished)
	return j, nil
}

// Job returns a job of this group by id.
func (g *group) Job(ctx context.Context, id string) (featurestore.Job, error) {
	s := g.store
	j, err := scanJob(s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+jobColumns+` FROM materialization_jobs
		WHERE id = ? AND project = ? AND group_name = ? AND group_version = ?`),
		id, s.project, g.spec.Name, g.spec.Version,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return featurestore.Job{}, fmt.Errorf("%w: %s", featurestore.ErrJobNotFound, id)
	}
	return j, err
}

// JobForWrite returns the most recently submitted job of this group created with writeID.
func (g *group) JobForWrite(ctx context.Context, writeID string) (featurestore.Job, error) {
	if writeID == "" {
		return featurestore.Job{}, fmt.Errorf("%w: empty write id", featurestore.ErrJobNotFound)
	}
	s := g.store
	j, err := scanJob(s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+jobColumns+` FROM materialization_jobs
		WHERE project = ? AND group_name = ? AND group_version = ? AND write_id = ?
		ORDER BY submitted_at DESC LIMIT 1`),
		s.project, g.spec.Name, g.spec.Version, writeID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return featurestore.Job{}, fmt.Errorf("%w: write %s", featurestore.ErrJobNotFound, writeID)
	}
	return j, err
}
