package model

import "time"

// ImportRecord is a row of stl_imports
type ImportRecord struct {
	ImportID   string    `db:"import_id"`
	Status     string    `db:"status"`
	Source     string    `db:"source"`
	FileName   string    `db:"file_name"`
	Metadata   []byte    `db:"metadata"`
	Error      string    `db:"error"`
	FilePath   string    `db:"file_path"`
	ImportedAt time.Time `db:"imported_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}
