package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/i474232898/aqi-forecast/internal/featurestore"
)

// Models lists registered versions of name in ascending version order.
func (s *Store) Models(ctx context.Context, name string) ([]featurestore.ModelVersion, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT version, description, created_at FROM model_versions
		WHERE project = ? AND name = ? ORDER BY version ASC`),
		s.project, name,
	)
	if err != nil {
		return nil, fmt.Errorf("listing models %s: %w", name, err)
	}
	defer rows.Close()

	var out []featurestore.ModelVersion
	for rows.Next() {
		mv := featurestore.ModelVersion{Name: name}
		var created string
		if err := rows.Scan(&mv.Version, &mv.Description, &created); err != nil {
			return nil, err
		}
		mv.CreatedAt = parseTS(created)
		out = append(out, mv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", featurestore.ErrModelNotFound, name)
	}
	return out, nil
}

// Download writes the artifact of mv under dir and returns its directory.
func (s *Store) Download(ctx context.Context, mv featurestore.ModelVersion, dir string) (string, error) {
	var fileName, artifact string
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT file_name, artifact FROM model_versions
		WHERE project = ? AND name = ? AND version = ?`),
		s.project, mv.Name, mv.Version,
	).Scan(&fileName, &artifact)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s v%d", featurestore.ErrModelNotFound, mv.Name, mv.Version)
	}
	if err != nil {
		return "", fmt.Errorf("downloading %s v%d: %w", mv.Name, mv.Version, err)
	}
	return featurestore.WriteArtifact(dir, mv, fileName, []byte(artifact))
}

// Register stores the file at artifactPath as the next version of name.
func (s *Store) Register(ctx context.Context, name, description, artifactPath string) (featurestore.ModelVersion, error) {
	data, err := os.ReadFile(artifactPath)
	if err != nil {
		return featurestore.ModelVersion{}, fmt.Errorf("reading artifact: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return featurestore.ModelVersion{}, fmt.Errorf("beginning register: %w", err)
	}
	defer tx.Rollback()

	var current int
	if err := tx.QueryRowContext(ctx, s.rebind(`
		SELECT COALESCE(MAX(version), 0) FROM model_versions WHERE project = ? AND name = ?`),
		s.project, name,
	).Scan(&current); err != nil {
		return featurestore.ModelVersion{}, fmt.Errorf("reading latest version of %s: %w", name, err)
	}

	mv := featurestore.ModelVersion{
		Name:        name,
		Version:     current + 1,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO model_versions (project, name, version, description, file_name, artifact, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		s.project, mv.Name, mv.Version, mv.Description, filepath.Base(artifactPath), string(data), formatTS(mv.CreatedAt),
	); err != nil {
		return featurestore.ModelVersion{}, fmt.Errorf("registering %s v%d: %w", name, mv.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return featurestore.ModelVersion{}, fmt.Errorf("committing register: %w", err)
	}
	return mv, nil
}
