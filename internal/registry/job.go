package registry

import (
	"maps"
	"time"
)

// Job is the server-owned record of one server-mediated import
type Job struct {
	ID         string         `json:"id"`
	Status     Status         `json:"status"`
	Source     string         `json:"source"`
	FileName   string         `json:"fileName"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Error      string         `json:"error,omitempty"`
	FilePath   string         `json:"filePath,omitempty"`
	ImportedAt time.Time      `json:"importedAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
	Request    Request        `json:"-"`
}

// Request records where the model bytes come from. Exactly one field is set.
type Request struct {
	SourceURL  string
	UploadPath string
}

// Progress is the UI progress percentage
func (j *Job) Progress() int {
	return j.Status.Progress()
}

// clone returns a deep-enough copy for handing outside the registry lock
func (j *Job) clone() *Job {
	c := *j
	c.Metadata = maps.Clone(j.Metadata)
	return &c
}

// Payload carries stage output for Advance
type Payload struct {
	// FilePath is the artifact reference, required when advancing to completed
	FilePath string
	// Error is recorded when advancing to failed
	Error string
}
