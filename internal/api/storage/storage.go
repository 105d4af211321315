package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/stl-import/internal/api/model"
	"github.com/cuongbtq/stl-import/internal/registry"
)

// ErrNotFound is returned when no row matches
var ErrNotFound = errors.New("import record not found")

var _ registry.Store = (*Storage)(nil)

// Storage persists import snapshots to PostgreSQL. It is write-behind for the
// in-memory registry and never the source of truth for live jobs.
type Storage struct {
	db *sqlx.DB
}

func NewStorage(db *sqlx.DB) *Storage {
	return &Storage{db: db}
}

// SaveJob upserts the latest snapshot of job
func (s *Storage) SaveJob(ctx context.Context, job *registry.Job) error {
	rec, err := toRecord(job)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO stl_imports (
			import_id, status, source, file_name,
			metadata, error, file_path, imported_at, updated_at
		) VALUES (
			:import_id, :status, :source, :file_name,
			:metadata, :error, :file_path, :imported_at, :updated_at
		)
		ON CONFLICT (import_id) DO UPDATE SET
			status = EXCLUDED.status,
			metadata = EXCLUDED.metadata,
			error = EXCLUDED.error,
			file_path = EXCLUDED.file_path,
			updated_at = EXCLUDED.updated_at
		WHERE stl_imports.updated_at <= EXCLUDED.updated_at
	`

	if _, err := s.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("failed to save import: %w", err)
	}
	return nil
}

// DeleteJob removes the snapshot of jobID
func (s *Storage) DeleteJob(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM stl_imports WHERE import_id = $1`, jobID); err != nil {
		return fmt.Errorf("failed to delete import: %w", err)
	}
	return nil
}

// GetImport loads the last persisted snapshot of jobID
func (s *Storage) GetImport(ctx context.Context, jobID string) (*registry.Job, error) {
	query := `
		SELECT
			import_id, status, source, file_name,
			metadata, error, file_path, imported_at, updated_at
		FROM stl_imports
		WHERE import_id = $1
	`

	var rec model.ImportRecord
	if err := s.db.GetContext(ctx, &rec, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get import: %w", err)
	}
	return fromRecord(&rec)
}

func toRecord(job *registry.Job) (*model.ImportRecord, error) {
	metadata := []byte("{}")
	if len(job.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(job.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metadata: %w", err)
		}
	}

	return &model.ImportRecord{
		ImportID:   job.ID,
		Status:     string(job.Status),
		Source:     job.Source,
		FileName:   job.FileName,
		Metadata:   metadata,
		Error:      job.Error,
		FilePath:   job.FilePath,
		ImportedAt: job.ImportedAt,
		UpdatedAt:  job.UpdatedAt,
	}, nil
}

func fromRecord(rec *model.ImportRecord) (*registry.Job, error) {
	job := &registry.Job{
		ID:         rec.ImportID,
		Status:     registry.Status(rec.Status),
		Source:     rec.Source,
		FileName:   rec.FileName,
		Error:      rec.Error,
		FilePath:   rec.FilePath,
		ImportedAt: rec.ImportedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
	if !job.Status.Valid() {
		return nil, fmt.Errorf("stored import %s has unknown status %q", rec.ImportID, rec.Status)
	}

	if len(rec.Metadata) > 0 {
		var metadata map[string]any
		if err := json.Unmarshal(rec.Metadata, &metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
		if len(metadata) > 0 {
			job.Metadata = metadata
		}
	}
	return job, nil
}
