package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/i474232898/aqi-forecast/internal/featurestore"
)

// Materializer moves staged rows of pending jobs into the queryable tables.
// Several processes may run one against the same database; claiming a job is an
// atomic conditional update so each job is processed once.
type Materializer struct {
	store  *Store
	poll   time.Duration
	logger *slog.Logger
}

// NewMaterializer creates a Materializer for s.
// If pollInterval is <= 0, it defaults to 500ms.
func NewMaterializer(s *Store, pollInterval time.Duration) *Materializer {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Materializer{
		store:  s,
		poll:   pollInterval,
		logger: s.logger.With("component", "materializer"),
	}
}

// Run polls for jobs until ctx is cancelled.
func (m *Materializer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := m.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			m.logger.Error("materializer iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.poll):
		}
	}
}

// RunOnce claims and processes the oldest STARTING job.
// Returns true if a job was processed (regardless of success/failure).
func (m *Materializer) RunOnce(ctx context.Context) (bool, error) {
	s := m.store

	var (
		jobID, groupName string
		groupVersion     int
		upsert           int
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, group_name, group_version, upsert FROM materialization_jobs
		WHERE project = ? AND state = ?
		ORDER BY submitted_at ASC LIMIT 1`),
		s.project, string(featurestore.JobStarting),
	).Scan(&jobID, &groupName, &groupVersion, &upsert)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("finding pending job: %w", err)
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE materialization_jobs SET state = ?, started_at = ?
		WHERE id = ? AND state = ?`),
		string(featurestore.JobRunning), formatTS(time.Now()), jobID, string(featurestore.JobStarting),
	)
	if err != nil {
		return false, fmt.Errorf("claiming job %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Claimed by another worker.
		return true, nil
	}

	if err := m.apply(ctx, jobID, groupName, groupVersion, upsert != 0); err != nil {
		m.logger.Warn("materialization failed", "job_id", jobID, "group", groupName, "error", err)
		if ferr := m.finish(ctx, jobID, featurestore.JobFailed, err.Error()); ferr != nil {
			return true, fmt.Errorf("marking job %s failed: %w", jobID, ferr)
		}
		return true, nil
	}

	m.logger.Debug("materialization succeeded", "job_id", jobID, "group", groupName, "version", groupVersion)
	return true, nil
}

func (m *Materializer) apply(ctx context.Context, jobID, groupName string, groupVersion int, upsert bool) error {
	s := m.store

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning materialization: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, s.rebind(`
		SELECT pk, payload FROM staged_rows WHERE job_id = ? ORDER BY seq ASC`), jobID)
	if err != nil {
		return fmt.Errorf("loading staged rows: %w", err)
	}
	type staged struct{ pk, payload string }
	var batch []staged
	for rows.Next() {
		var r staged
		if err := rows.Scan(&r.pk, &r.payload); err != nil {
			rows.Close()
			return err
		}
		batch = append(batch, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	insert := `
		INSERT INTO feature_rows (project, group_name, group_version, pk, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	if upsert {
		insert += `
		ON CONFLICT (project, group_name, group_version, pk) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at`
	}
	now := formatTS(time.Now())
	for _, r := range batch {
		if _, err := tx.ExecContext(ctx, s.rebind(insert), s.project, groupName, groupVersion, r.pk, r.payload, now); err != nil {
			return fmt.Errorf("writing row %s: %w", r.pk, err)
		}
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM staged_rows WHERE job_id = ?`), jobID); err != nil {
		return fmt.Errorf("clearing staged rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE materialization_jobs SET state = ?, finished_at = ?, message = ? WHERE id = ?`),
		string(featurestore.JobSucceeded), now, fmt.Sprintf("%d rows", len(batch)), jobID,
	); err != nil {
		return fmt.Errorf("completing job: %w", err)
	}
	return tx.Commit()
}

func (m *Materializer) finish(ctx context.Context, jobID string, state featurestore.JobState, msg string) error {
	s := m.store
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM staged_rows WHERE job_id = ?`), jobID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE materialization_jobs SET state = ?, finished_at = ?, message = ? WHERE id = ?`),
		string(state), formatTS(time.Now()), msg, jobID,
	)
	return err
}
