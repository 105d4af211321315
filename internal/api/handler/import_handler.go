package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/stl-import/internal/api/domain"
	"github.com/cuongbtq/stl-import/internal/api/dto"
	"github.com/cuongbtq/stl-import/internal/artifact"
	"github.com/cuongbtq/stl-import/internal/fetch"
	"github.com/cuongbtq/stl-import/internal/registry"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	// multipart overhead allowed on top of the file itself
	formOverheadBytes = 1 << 20
)

// ImportSTL handles POST /import-stl
// Creates a job that fetches the model from a remote URL
func (h *ImportHandler) ImportSTL(c *gin.Context) {
	var req dto.ImportURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid import request body", slog.String("error", err.Error()))
		writeError(c, http.StatusBadRequest, "stlUrl is required")
		return
	}

	if err := fetch.ValidateURL(req.StlURL); err != nil {
		verr := domain.NewValidationError("stlUrl", err.Error())
		h.logger.Warn("Rejected import url",
			slog.String("url", req.StlURL),
			slog.String("error", verr.Error()),
		)
		writeError(c, http.StatusBadRequest, verr.Error())
		return
	}

	fileName := req.FileName
	if fileName == "" {
		fileName = fileNameFromURL(req.StlURL)
	}

	h.create(c, registry.CreateParams{
		Source:   h.source(c, req.Source),
		FileName: fileName,
		Metadata: req.Metadata,
		Request:  registry.Request{SourceURL: req.StlURL},
	})
}

// Upload handles POST /upload
// Stages a multipart model upload and creates a job that decodes it
func (h *ImportHandler) Upload(c *gin.Context) {
	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+formOverheadBytes)
	}

	fh, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(c, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		h.logger.Warn("Upload without file", slog.String("error", err.Error()))
		writeError(c, http.StatusBadRequest, "file is required")
		return
	}

	var metadata map[string]any
	if raw := c.PostForm("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			verr := domain.NewValidationError("metadata", "must be a JSON object")
			writeError(c, http.StatusBadRequest, verr.Error())
			return
		}
	}

	fileName := c.PostForm("fileName")
	if fileName == "" {
		fileName = filepath.Base(fh.Filename)
	}

	f, err := fh.Open()
	if err != nil {
		h.logger.Error("Failed to open uploaded file", slog.String("error", err.Error()))
		writeError(c, http.StatusBadRequest, "failed to read upload")
		return
	}
	defer f.Close()

	id := uuid.New().String()
	staged, err := h.artifacts.Stage(id, f, h.maxUploadBytes)
	if err != nil {
		if errors.Is(err, artifact.ErrTooLarge) {
			writeError(c, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		h.logger.Error("Failed to stage upload",
			slog.String("import_id", id),
			slog.String("error", err.Error()),
		)
		writeError(c, http.StatusInternalServerError, "failed to store upload")
		return
	}

	if !h.create(c, registry.CreateParams{
		ID:       id,
		Source:   h.source(c, c.PostForm("source")),
		FileName: fileName,
		Metadata: metadata,
		Request:  registry.Request{UploadPath: staged},
	}) {
		_ = h.artifacts.Remove(id)
	}
}

// create registers the job, schedules it and writes the response
func (h *ImportHandler) create(c *gin.Context, params registry.CreateParams) bool {
	ctx := c.Request.Context()

	job, err := h.registry.Create(ctx, params)
	if err != nil {
		h.logger.Error("Failed to create import job", slog.String("error", err.Error()))
		if errors.Is(err, registry.ErrRegistryStopped) {
			writeError(c, http.StatusServiceUnavailable, "service is shutting down")
			return false
		}
		writeError(c, http.StatusInternalServerError, "failed to create import")
		return false
	}

	if err := h.worker.Submit(ctx, job.ID); err != nil {
		h.logger.Error("Failed to schedule import job",
			slog.String("import_id", job.ID),
			slog.String("error", err.Error()),
		)
		_, _ = h.registry.Fail(ctx, job.ID, "failed to schedule import")
		writeError(c, http.StatusServiceUnavailable, "failed to schedule import")
		return false
	}

	writeJob(c, http.StatusOK, job)
	return true
}

// GetImport handles GET /imports/:import_id
// Returns the current snapshot; clients use it to re-sync after reconnecting
func (h *ImportHandler) GetImport(c *gin.Context) {
	id := c.Param("import_id")

	job, err := h.registry.Get(id)
	if err == nil {
		writeJob(c, http.StatusOK, job)
		return
	}

	if h.store != nil {
		if stored, serr := h.store.GetImport(c.Request.Context(), id); serr == nil {
			writeJob(c, http.StatusOK, stored)
			return
		}
	}
	writeError(c, http.StatusNotFound, "import not found")
}

// ListImports handles GET /imports
// Lists tracked imports newest first with cursor pagination
func (h *ImportHandler) ListImports(c *gin.Context) {
	var req dto.ListImportsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid query parameters")
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	status := registry.Status(req.Status)
	if status != "" && !status.Valid() {
		writeError(c, http.StatusBadRequest, "invalid status")
		return
	}

	cursor, err := DecodeImportCursor(req.Cursor)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid cursor")
		return
	}

	jobs := h.registry.List(registry.ListFilter{
		Status: status,
		Source: req.Source,
		Limit:  req.PageSize + 1,
		After:  cursor,
	})

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	resp := dto.ListImportsResponse{Imports: jobs}
	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeImportCursor(&registry.Cursor{ImportedAt: last.ImportedAt, ID: last.ID})
	}
	c.JSON(http.StatusOK, resp)
}

// CancelImport handles POST /imports/:import_id/cancel
func (h *ImportHandler) CancelImport(c *gin.Context) {
	id := c.Param("import_id")

	job, err := h.registry.Cancel(c.Request.Context(), id)
	switch {
	case errors.Is(err, registry.ErrJobNotFound):
		writeError(c, http.StatusNotFound, "import not found")
	case errors.Is(err, registry.ErrJobTerminal):
		writeError(c, http.StatusConflict, "import already finished")
	case err != nil:
		h.logger.Error("Failed to cancel import",
			slog.String("import_id", id),
			slog.String("error", err.Error()),
		)
		writeError(c, http.StatusInternalServerError, "failed to cancel import")
	default:
		writeJob(c, http.StatusOK, job)
	}
}

// DownloadArtifact handles GET /imports/:import_id/file
func (h *ImportHandler) DownloadArtifact(c *gin.Context) {
	id := c.Param("import_id")

	job, err := h.registry.Get(id)
	if err != nil {
		writeError(c, http.StatusNotFound, "import not found")
		return
	}
	if job.Status != registry.StatusCompleted {
		writeError(c, http.StatusConflict, "import is not completed")
		return
	}

	file, err := h.artifacts.Path(id)
	if err != nil {
		h.logger.Error("Completed import has no artifact",
			slog.String("import_id", id),
			slog.String("error", err.Error()),
		)
		writeError(c, http.StatusNotFound, "artifact not found")
		return
	}

	name := job.FileName
	if name == "" {
		name = "model.stl"
	}
	c.Header("Content-Type", "model/stl")
	c.FileAttachment(file, name)
}

// source prefers the declared source and falls back to the Origin header
func (h *ImportHandler) source(c *gin.Context, declared string) string {
	if declared != "" {
		return declared
	}
	return c.GetHeader("Origin")
}

func fileNameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "model.stl"
	}
	name := path.Base(u.Path)
	if name == "/" || name == "." {
		return "model.stl"
	}
	return name
}
