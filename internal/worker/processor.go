package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/cuongbtq/stl-import/internal/fetch"
	"github.com/cuongbtq/stl-import/internal/registry"
	"github.com/cuongbtq/stl-import/internal/stl"
	"github.com/cuongbtq/stl-import/internal/worker/domain"
)

// processJob claims the import and drives it through downloading, processing
// and completed. Pipeline failures are recorded on the job and return nil; an
// error means the message itself could not be processed.
func (w *Worker) processJob(ctx context.Context, msg *domain.JobMessage) error {
	id := msg.ImportID

	job, err := w.tracker.Get(id)
	if err != nil {
		if errors.Is(err, registry.ErrJobNotFound) {
			return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
		}
		return fmt.Errorf("failed to load job: %w", err)
	}

	// Step 1: claim (pending -> downloading)
	if _, err := w.tracker.CompareAndAdvance(ctx, id, registry.StatusPending, registry.StatusDownloading, registry.Payload{}); err != nil {
		if errors.Is(err, registry.ErrStatusMismatch) {
			w.logger.Warn("Job already claimed, skipping",
				slog.String("import_id", id),
			)
			return domain.ErrJobAlreadyClaimed
		}
		return fmt.Errorf("failed to claim job: %w", err)
	}

	jobCtx, cancel := w.jobContext(ctx, id)
	defer cancel()

	// Step 2: download
	data, err := w.download(jobCtx, job)
	if err != nil {
		w.fail(ctx, id, err)
		return nil
	}

	w.logger.Info("Import downloaded",
		slog.String("import_id", id),
		slog.Int("bytes", len(data)),
	)

	if !w.advance(ctx, id, registry.StatusDownloading, registry.StatusProcessing, registry.Payload{}) {
		return nil
	}

	// Step 3: decode
	model, err := w.decode(jobCtx, data)
	if err != nil {
		w.fail(ctx, id, err)
		return nil
	}

	// Step 4: store artifact and complete
	if _, err := w.artifacts.Save(id, data); err != nil {
		w.fail(ctx, id, fmt.Errorf("failed to store artifact: %w", err))
		return nil
	}
	if job.Request.UploadPath != "" {
		if err := w.artifacts.Unstage(id); err != nil {
			w.logger.Warn("Failed to remove staged upload",
				slog.String("import_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	if w.advance(ctx, id, registry.StatusProcessing, registry.StatusCompleted, registry.Payload{FilePath: w.artifactURL(id)}) {
		w.logger.Info("Import completed",
			slog.String("import_id", id),
			slog.String("format", string(model.Format)),
			slog.Int("triangles", len(model.Triangles)),
		)
	}
	return nil
}

// jobContext is cancelled when the worker stops or the job reaches a terminal
// state from elsewhere, e.g. a cancel request.
func (w *Worker) jobContext(ctx context.Context, id string) (context.Context, context.CancelFunc) {
	jobCtx, cancel := context.WithCancel(ctx)

	done, err := w.tracker.Done(id)
	if err != nil {
		return jobCtx, cancel
	}

	go func() {
		select {
		case <-done:
			cancel()
		case <-w.stopChan:
			cancel()
		case <-jobCtx.Done():
		}
	}()
	return jobCtx, cancel
}

func (w *Worker) download(ctx context.Context, job *registry.Job) ([]byte, error) {
	switch {
	case job.Request.SourceURL != "":
		return w.fetcher.Get(ctx, job.Request.SourceURL)
	case job.Request.UploadPath != "":
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(job.Request.UploadPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read staged upload: %w", err)
		}
		return data, nil
	default:
		return nil, domain.ErrNoSource
	}
}

type decodeResult struct {
	model *stl.Model
	err   error
}

// decode parses data on the bounded decode pool, which is sized apart from
// the fetch workers.
func (w *Worker) decode(ctx context.Context, data []byte) (*stl.Model, error) {
	ctx, cancel := context.WithTimeout(ctx, w.decodeTimeout)
	defer cancel()

	if err := w.decodeSem.Acquire(ctx, 1); err != nil {
		return nil, domain.NewDecodeError(err)
	}

	done := make(chan decodeResult, 1)
	go func() {
		defer w.decodeSem.Release(1)
		model, err := stl.Parse(data)
		done <- decodeResult{model: model, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, domain.NewDecodeError(res.err)
		}
		return res.model, nil
	case <-ctx.Done():
		return nil, domain.NewDecodeError(ctx.Err())
	}
}

// advance applies a CAS transition and reports whether the pipeline should go on
func (w *Worker) advance(ctx context.Context, id string, from, next registry.Status, payload registry.Payload) bool {
	_, err := w.tracker.CompareAndAdvance(ctx, id, from, next, payload)
	if err == nil {
		return true
	}

	if errors.Is(err, registry.ErrStatusMismatch) {
		w.logger.Info("Import moved on, stopping pipeline",
			slog.String("import_id", id),
			slog.String("expected", string(from)),
		)
	} else {
		w.logger.Error("Failed to advance import",
			slog.String("import_id", id),
			slog.String("to", string(next)),
			slog.String("error", err.Error()),
		)
	}
	return false
}

func (w *Worker) fail(ctx context.Context, id string, cause error) {
	message := w.failureMessage(ctx, cause)

	w.logger.Warn("Import failed",
		slog.String("import_id", id),
		slog.String("reason", message),
		slog.String("error", cause.Error()),
	)

	if _, err := w.tracker.Fail(context.WithoutCancel(ctx), id, message); err != nil {
		w.logger.Error("Failed to mark import failed",
			slog.String("import_id", id),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) failureMessage(ctx context.Context, cause error) string {
	if ctx.Err() != nil {
		return domain.MsgShutdown
	}
	select {
	case <-w.stopChan:
		return domain.MsgShutdown
	default:
	}

	var terr *fetch.TransportError
	if errors.As(cause, &terr) && terr.Timeout() {
		return domain.MsgDownloadTimeout
	}
	var derr *domain.DecodeError
	if errors.As(cause, &derr) && derr.Timeout() {
		return domain.MsgDecodeTimeout
	}
	return cause.Error()
}
