package postgresql

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_DSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "defaults",
			cfg:  Config{Host: "db", Port: 5432, User: "u", Password: "p", Database: "imports", SSLMode: "disable"},
			want: "host=db port=5432 user=u password=p dbname=imports sslmode=disable application_name=stl-import connect_timeout=5",
		},
		{
			name: "explicit",
			cfg: Config{
				Host: "db", Port: 5433, User: "u", Password: "p", Database: "imports", SSLMode: "require",
				ApplicationName: "import-worker", ConnectTimeout: 12 * time.Second,
			},
			want: "host=db port=5433 user=u password=p dbname=imports sslmode=require application_name=import-worker connect_timeout=12",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.DSN())
		})
	}
}

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return NewFromDB(sqlx.NewDb(db, "postgres"), slog.New(slog.NewTextHandler(io.Discard, nil))), mock
}

func writeMigrations(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func TestClient_Migrate(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"001_create_stl_imports.sql": "CREATE TABLE stl_imports (import_id UUID PRIMARY KEY);",
		"002_add_index.sql":          "CREATE INDEX idx ON stl_imports (import_id);",
		"README.md":                  "not a migration",
	})
	client, mock := newMockClient(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("001_create_stl_imports.sql").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("002_add_index.sql").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX idx ON stl_imports (import_id);")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_migrations").WithArgs("002_add_index.sql").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, err := client.Migrate(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClient_MigrateRollsBackOnFailure(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"001_broken.sql": "CREATE TABLE",
	})
	client, mock := newMockClient(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("001_broken.sql").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectBegin()
	mock.ExpectExec("^CREATE TABLE$").WillReturnError(errors.New("syntax error at end of input"))
	mock.ExpectRollback()

	applied, err := client.Migrate(context.Background(), dir)
	assert.ErrorContains(t, err, "failed to apply migration 001_broken.sql")
	assert.Equal(t, 0, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClient_MigrateMissingDir(t *testing.T) {
	client, _ := newMockClient(t)

	_, err := client.Migrate(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.ErrorContains(t, err, "failed to read migrations")
}

func TestClient_HealthCheck(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{name: "healthy"},
		{name: "query fails", err: errors.New("connection refused"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, mock := newMockClient(t)

			exp := mock.ExpectQuery(`SELECT 1`)
			if tt.err != nil {
				exp.WillReturnError(tt.err)
			} else {
				exp.WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
			}

			err := client.HealthCheck(context.Background())
			if tt.wantErr {
				assert.ErrorContains(t, err, "database health check failed")
			} else {
				assert.NoError(t, err)
			}

			mock.ExpectClose()
			require.NoError(t, client.Close())
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
