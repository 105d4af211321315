package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/semaphore"

	"github.com/cuongbtq/stl-import/internal/registry"
	"github.com/cuongbtq/stl-import/internal/worker/domain"
)

// Tracker is the part of the registry the pipeline drives
type Tracker interface {
	Get(id string) (*registry.Job, error)
	CompareAndAdvance(ctx context.Context, id string, from, next registry.Status, payload registry.Payload) (*registry.Job, error)
	Fail(ctx context.Context, id, message string) (*registry.Job, error)
	Done(id string) (<-chan struct{}, error)
}

// Fetcher downloads remote model bytes
type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Artifacts stores decoded models
type Artifacts interface {
	Save(id string, data []byte) (string, error)
	Unstage(id string) error
}

// Queue carries job messages between the HTTP surface and the pool
type Queue interface {
	PublishJSON(ctx context.Context, v any) error
	Consume(consumerTag string, prefetchCount int) (<-chan amqp.Delivery, error)
}

// Config holds worker configuration
type Config struct {
	Logger    *slog.Logger
	Tracker   Tracker
	Fetcher   Fetcher
	Artifacts Artifacts
	// Queue is optional; without it Submit hands jobs to the pool directly
	Queue Queue
	// ArtifactURL maps an import id to the public artifact reference
	ArtifactURL func(importID string) string

	WorkerID          string
	Concurrency       int
	DecodeConcurrency int
	QueueSize         int
	PrefetchCount     int
	DecodeTimeout     time.Duration
}

// Worker runs the fetch/decode pipeline for server-mediated imports
type Worker struct {
	logger        *slog.Logger
	tracker       Tracker
	fetcher       Fetcher
	artifacts     Artifacts
	queue         Queue
	artifactURL   func(string) string
	workerID      string
	concurrency   int
	prefetchCount int
	decodeTimeout time.Duration
	decodeSem     *semaphore.Weighted

	jobsChan  chan *domain.JobMessage
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	startOnce sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:        cfg.Logger,
		tracker:       cfg.Tracker,
		fetcher:       cfg.Fetcher,
		artifacts:     cfg.Artifacts,
		queue:         cfg.Queue,
		artifactURL:   cfg.ArtifactURL,
		workerID:      cfg.WorkerID,
		concurrency:   max(cfg.Concurrency, 1),
		prefetchCount: cfg.PrefetchCount,
		decodeTimeout: cfg.DecodeTimeout,
		decodeSem:     semaphore.NewWeighted(int64(max(cfg.DecodeConcurrency, 1))),
		jobsChan:      make(chan *domain.JobMessage, max(cfg.QueueSize, 1)),
		stopChan:      make(chan struct{}),
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.workerID == "" {
		w.workerID = "worker-" + uuid.New().String()[:8]
	}
	if w.decodeTimeout <= 0 {
		w.decodeTimeout = 30 * time.Second
	}
	if w.artifactURL == nil {
		w.artifactURL = func(id string) string { return "/imports/" + id + "/file" }
	}
	return w
}

// Start spawns the pool and, when a queue is configured, the consumer
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("decode_timeout", w.decodeTimeout),
		slog.Bool("queue", w.queue != nil),
	)

	var deliveries <-chan amqp.Delivery
	if w.queue != nil {
		var err error
		deliveries, err = w.setupConsumer()
		if err != nil {
			return fmt.Errorf("failed to setup consumer: %w", err)
		}
	}

	w.startOnce.Do(func() {
		w.spawnWorkerPool(ctx)
		if deliveries != nil {
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				w.startMessageDispatcher(ctx, deliveries)
			}()
		}
	})
	return nil
}

// Submit schedules an import for processing
func (w *Worker) Submit(ctx context.Context, importID string) error {
	if w.queue != nil {
		if err := w.queue.PublishJSON(ctx, domain.JobMessage{ImportID: importID}); err != nil {
			return fmt.Errorf("failed to publish import job: %w", err)
		}
		return nil
	}

	select {
	case <-w.stopChan:
		return fmt.Errorf("worker stopped")
	default:
	}

	select {
	case w.jobsChan <- &domain.JobMessage{ImportID: importID}:
		return nil
	default:
		return domain.ErrQueueFull
	}
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")
		close(w.stopChan)
		w.wg.Wait()
		if n := w.drainQueue(); n > 0 {
			w.logger.Warn("Failed queued imports on shutdown", slog.Int("count", n))
		}
		w.logger.Info("Worker stopped")
	})
}
