package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/stl-import/internal/api/dto"
	"github.com/cuongbtq/stl-import/internal/registry"
)

// Submitter schedules an import on the worker pool
type Submitter interface {
	Submit(ctx context.Context, importID string) error
}

// Artifacts stages uploads and serves decoded models
type Artifacts interface {
	Stage(id string, r io.Reader, limit int64) (string, error)
	Path(id string) (string, error)
	Remove(id string) error
}

// SnapshotStore answers for imports the registry already evicted
type SnapshotStore interface {
	GetImport(ctx context.Context, id string) (*registry.Job, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Registry  *registry.Registry
	Worker    Submitter
	Artifacts Artifacts
	// Store is optional
	Store          SnapshotStore
	MaxUploadBytes int64
	ServiceName    string
	// HealthChecks maps a dependency name to its probe
	HealthChecks map[string]func(ctx context.Context) error
}

// ImportHandler handles import-related HTTP requests
type ImportHandler struct {
	logger         *slog.Logger
	registry       *registry.Registry
	worker         Submitter
	artifacts      Artifacts
	store          SnapshotStore
	maxUploadBytes int64
}

// NewImportHandler creates a new ImportHandler instance
func NewImportHandler(deps *Dependencies) *ImportHandler {
	return &ImportHandler{
		logger:         deps.Logger,
		registry:       deps.Registry,
		worker:         deps.Worker,
		artifacts:      deps.Artifacts,
		store:          deps.Store,
		maxUploadBytes: deps.MaxUploadBytes,
	}
}

// Health reports service and dependency status
func Health(deps *Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		checks := make(gin.H, len(deps.HealthChecks))
		for name, check := range deps.HealthChecks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				checks[name] = err.Error()
				continue
			}
			checks[name] = "ok"
		}

		state := "healthy"
		if status != http.StatusOK {
			state = "unhealthy"
		}
		c.JSON(status, gin.H{
			"status":  state,
			"service": deps.ServiceName,
			"checks":  checks,
			"imports": deps.Registry.Len(),
		})
	}
}

func writeError(c *gin.Context, status int, message string) {
	c.JSON(status, dto.ErrorResponse{Success: false, Error: message})
}

func writeJob(c *gin.Context, status int, job *registry.Job) {
	c.JSON(status, dto.ImportResponse{
		Success:  true,
		ImportID: job.ID,
		Job:      job,
		Progress: job.Progress(),
	})
}
