package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/stl-import/internal/registry"
)

func newMockStorage(t *testing.T) (*Storage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStorage(sqlx.NewDb(db, "postgres")), mock
}

var (
	importedAt = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	updatedAt  = importedAt.Add(2 * time.Second)
)

func TestStorage_SaveJob(t *testing.T) {
	tests := []struct {
		name         string
		job          *registry.Job
		wantMetadata []byte
		execErr      error
		wantErr      bool
	}{
		{
			name: "completed with metadata",
			job: &registry.Job{
				ID: "5b7c1c9e-2d4f-4c1e-9b0a-0c9d8e7f6a5b", Status: registry.StatusCompleted,
				Source: "https://allowed.example", FileName: "a.stl",
				Metadata: map[string]any{"designer": "x"}, FilePath: "/imports/5b7c1c9e-2d4f-4c1e-9b0a-0c9d8e7f6a5b/file",
				ImportedAt: importedAt, UpdatedAt: updatedAt,
			},
			wantMetadata: []byte(`{"designer":"x"}`),
		},
		{
			name: "pending without metadata",
			job: &registry.Job{
				ID: "5b7c1c9e-2d4f-4c1e-9b0a-0c9d8e7f6a5b", Status: registry.StatusPending,
				ImportedAt: importedAt, UpdatedAt: importedAt,
			},
			wantMetadata: []byte(`{}`),
		},
		{
			name: "database error",
			job: &registry.Job{
				ID: "5b7c1c9e-2d4f-4c1e-9b0a-0c9d8e7f6a5b", Status: registry.StatusFailed, Error: "HTTP 404",
				ImportedAt: importedAt, UpdatedAt: updatedAt,
			},
			wantMetadata: []byte(`{}`),
			execErr:      errors.New("connection reset"),
			wantErr:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStorage(t)

			exp := mock.ExpectExec(`INSERT INTO stl_imports .* ON CONFLICT \(import_id\) DO UPDATE`).
				WithArgs(
					tt.job.ID, string(tt.job.Status), tt.job.Source, tt.job.FileName,
					tt.wantMetadata, tt.job.Error, tt.job.FilePath, tt.job.ImportedAt, tt.job.UpdatedAt,
				)
			if tt.execErr != nil {
				exp.WillReturnError(tt.execErr)
			} else {
				exp.WillReturnResult(sqlmock.NewResult(0, 1))
			}

			err := s.SaveJob(context.Background(), tt.job)
			if tt.wantErr {
				assert.ErrorContains(t, err, "failed to save import")
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestStorage_DeleteJob(t *testing.T) {
	s, mock := newMockStorage(t)

	mock.ExpectExec(`DELETE FROM stl_imports WHERE import_id = \$1`).
		WithArgs("job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.DeleteJob(context.Background(), "job-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_GetImport(t *testing.T) {
	columns := []string{
		"import_id", "status", "source", "file_name",
		"metadata", "error", "file_path", "imported_at", "updated_at",
	}

	t.Run("found", func(t *testing.T) {
		s, mock := newMockStorage(t)
		mock.ExpectQuery(`SELECT .* FROM stl_imports WHERE import_id = \$1`).
			WithArgs("job-1").
			WillReturnRows(sqlmock.NewRows(columns).AddRow(
				"job-1", "completed", "https://allowed.example", "a.stl",
				[]byte(`{"designer":"x"}`), "", "/imports/job-1/file", importedAt, updatedAt,
			))

		job, err := s.GetImport(context.Background(), "job-1")
		require.NoError(t, err)
		assert.Equal(t, registry.StatusCompleted, job.Status)
		assert.Equal(t, "/imports/job-1/file", job.FilePath)
		assert.Equal(t, map[string]any{"designer": "x"}, job.Metadata)
		assert.Equal(t, importedAt, job.ImportedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		s, mock := newMockStorage(t)
		mock.ExpectQuery(`SELECT .* FROM stl_imports`).
			WithArgs("job-2").
			WillReturnError(sql.ErrNoRows)

		_, err := s.GetImport(context.Background(), "job-2")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("unknown status", func(t *testing.T) {
		s, mock := newMockStorage(t)
		mock.ExpectQuery(`SELECT .* FROM stl_imports`).
			WithArgs("job-3").
			WillReturnRows(sqlmock.NewRows(columns).AddRow(
				"job-3", "RUNNING", "", "a.stl", []byte(`{}`), "", "", importedAt, updatedAt,
			))

		_, err := s.GetImport(context.Background(), "job-3")
		assert.ErrorContains(t, err, "unknown status")
	})
}
