package dto

import "github.com/cuongbtq/stl-import/internal/registry"

// ImportURLRequest is the body of POST /import-stl
type ImportURLRequest struct {
	StlURL   string         `json:"stlUrl" binding:"required"`
	FileName string         `json:"fileName"`
	Source   string         `json:"source"`
	Metadata map[string]any `json:"metadata"`
}

// ImportResponse is returned by every endpoint that yields a job
type ImportResponse struct {
	Success  bool          `json:"success"`
	ImportID string        `json:"importId"`
	Job      *registry.Job `json:"job"`
	Progress int           `json:"progress"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// ListImportsRequest holds GET /imports query parameters
type ListImportsRequest struct {
	Status   string `form:"status"`
	Source   string `form:"source"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

// ListImportsResponse is a page of imports, newest first
type ListImportsResponse struct {
	Imports    []*registry.Job `json:"imports"`
	NextCursor string          `json:"nextCursor,omitempty"`
}
