package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/stl-import/internal/worker/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	w.logger.Info("Worker pool spawned",
		slog.String("worker_id", w.workerID),
		slog.Int("worker_count", w.concurrency),
	)
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Debug("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Debug("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case msg := <-w.jobsChan:
			w.logger.Info("Worker received job",
				slog.String("worker_name", workerName),
				slog.String("import_id", msg.ImportID),
			)

			err := w.processJob(ctx, msg)
			w.settle(msg, err, workerName)
		}
	}
}

// settle ACKs processed messages and NACKs the ones that could not be processed.
// A failed import is still a processed message: the failure lives on the job.
func (w *Worker) settle(msg *domain.JobMessage, err error, workerName string) {
	if err != nil {
		w.logger.Warn("Job message rejected",
			slog.String("worker_name", workerName),
			slog.String("import_id", msg.ImportID),
			slog.String("error", err.Error()),
		)

		// registry state is process-local, so another consumer could not resume the job
		if nackErr := msg.Nack(false); nackErr != nil {
			w.logger.Error("Failed to NACK message",
				slog.String("import_id", msg.ImportID),
				slog.String("error", nackErr.Error()),
			)
		}
		return
	}

	if ackErr := msg.Ack(); ackErr != nil {
		w.logger.Error("Failed to ACK message",
			slog.String("import_id", msg.ImportID),
			slog.String("error", ackErr.Error()),
		)
	}
}

// drainQueue fails every job still waiting in the in-process queue
func (w *Worker) drainQueue() int {
	n := 0
	for {
		select {
		case msg := <-w.jobsChan:
			n++
			if _, err := w.tracker.Fail(context.Background(), msg.ImportID, domain.MsgShutdown); err != nil {
				w.logger.Debug("Queued import not failed on shutdown",
					slog.String("import_id", msg.ImportID),
					slog.String("error", err.Error()),
				)
			}
			_ = msg.Nack(false)
		default:
			return n
		}
	}
}
