// Package registry tracks server-mediated imports through their state machine.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrStatusMismatch is returned by CompareAndAdvance when the job moved on
// since the caller last looked at it.
var ErrStatusMismatch = errors.New("import job status changed concurrently")

// Broadcaster pushes job transitions to interested clients
type Broadcaster interface {
	StatusUpdated(job *Job)
	Completed(job *Job)
	Failed(job *Job)
	CloseRoom(jobID string)
}

// Store persists job snapshots. Failures never block a transition.
type Store interface {
	SaveJob(ctx context.Context, job *Job) error
	DeleteJob(ctx context.Context, jobID string) error
}

// Options configures a Registry
type Options struct {
	Logger         *slog.Logger
	Broadcaster    Broadcaster
	Store          Store
	TTL            time.Duration
	SweepInterval  time.Duration
	PersistTimeout time.Duration
	// OnEvict runs after a terminal job is dropped from memory
	OnEvict func(job *Job)
	Now     func() time.Time
}

// CreateParams describes a new import
type CreateParams struct {
	// ID is generated when empty
	ID       string
	Source   string
	FileName string
	Metadata map[string]any
	Request  Request
}

type entry struct {
	mu   sync.Mutex
	job  *Job
	done chan struct{}

	// write-behind queue, drained in order by one flusher at a time
	wmu      sync.Mutex
	writes   []write
	flushing bool
}

type write struct {
	job    *Job
	delete bool
}

// Registry owns every in-flight import job. The job table is the only
// mutable state shared between HTTP handlers and workers.
type Registry struct {
	logger         *slog.Logger
	broadcaster    Broadcaster
	store          Store
	ttl            time.Duration
	sweepInterval  time.Duration
	persistTimeout time.Duration
	onEvict        func(job *Job)
	now            func() time.Time

	mu      sync.RWMutex
	jobs    map[string]*entry
	stopped bool

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	flushMu   sync.Mutex
	flushIdle *sync.Cond
	flushers  int
}

// New creates a Registry. Call Start to enable TTL eviction.
func New(opts Options) *Registry {
	r := &Registry{
		logger:         opts.Logger,
		broadcaster:    opts.Broadcaster,
		store:          opts.Store,
		ttl:            opts.TTL,
		sweepInterval:  opts.SweepInterval,
		persistTimeout: opts.PersistTimeout,
		onEvict:        opts.OnEvict,
		now:            opts.Now,
		jobs:           make(map[string]*entry),
		stopChan:       make(chan struct{}),
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.broadcaster == nil {
		r.broadcaster = nopBroadcaster{}
	}
	if r.ttl <= 0 {
		r.ttl = 15 * time.Minute
	}
	if r.sweepInterval <= 0 {
		r.sweepInterval = time.Minute
	}
	if r.persistTimeout <= 0 {
		r.persistTimeout = 3 * time.Second
	}
	if r.now == nil {
		r.now = time.Now
	}
	r.flushIdle = sync.NewCond(&r.flushMu)
	return r
}

// Start launches the eviction loop
func (r *Registry) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.janitor(ctx)

	r.logger.Info("Import registry started",
		slog.Duration("ttl", r.ttl),
		slog.Duration("sweep_interval", r.sweepInterval),
	)
}

// Stop halts eviction and rejects new jobs. Existing jobs can still advance.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		r.mu.Unlock()

		close(r.stopChan)
		r.wg.Wait()
		r.Flush()
		r.logger.Info("Import registry stopped")
	})
}

// Create registers a new job in pending
func (r *Registry) Create(ctx context.Context, params CreateParams) (*Job, error) {
	id := params.ID
	if id == "" {
		id = uuid.New().String()
	}

	now := r.now()
	job := &Job{
		ID:         id,
		Status:     StatusPending,
		Source:     params.Source,
		FileName:   params.FileName,
		Metadata:   maps.Clone(params.Metadata),
		ImportedAt: now,
		UpdatedAt:  now,
		Request:    params.Request,
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil, ErrRegistryStopped
	}
	if _, exists := r.jobs[job.ID]; exists {
		r.mu.Unlock()
		return nil, ErrDuplicateJob
	}
	snap := job.clone()
	e := &entry{job: job, done: make(chan struct{})}
	r.jobs[job.ID] = e
	// queued before any transition on the job can queue its own write
	r.enqueue(e, write{job: snap.clone()})
	r.mu.Unlock()

	r.logger.Info("Import job created",
		slog.String("import_id", snap.ID),
		slog.String("source", snap.Source),
		slog.String("file_name", snap.FileName),
	)
	return snap, nil
}

// Get returns a snapshot of the job
func (r *Registry) Get(id string) (*Job, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.clone(), nil
}

// Len returns the number of tracked jobs
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// Done returns a channel closed once the job reaches a terminal state
func (r *Registry) Done(id string) (<-chan struct{}, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.done, nil
}

// Advance moves the job to next. A transition outside the table is an internal
// consistency fault: it is logged, the job is forced to failed and a
// *TransitionError is returned.
func (r *Registry) Advance(ctx context.Context, id string, next Status, payload Payload) (*Job, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return r.advanceLocked(ctx, e, next, payload)
}

// CompareAndAdvance applies from -> next only if the job is still in from.
// A stale caller gets ErrStatusMismatch and the job is left untouched.
func (r *Registry) CompareAndAdvance(ctx context.Context, id string, from, next Status, payload Payload) (*Job, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.Status != from {
		r.logger.Debug("Import transition skipped - status changed",
			slog.String("import_id", id),
			slog.String("expected", string(from)),
			slog.String("actual", string(e.job.Status)),
		)
		return e.job.clone(), ErrStatusMismatch
	}
	return r.advanceLocked(ctx, e, next, payload)
}

func (r *Registry) advanceLocked(ctx context.Context, e *entry, next Status, payload Payload) (*Job, error) {
	cur := e.job.Status
	if !CanTransition(cur, next) {
		terr := &TransitionError{JobID: e.job.ID, From: cur, To: next}
		r.logger.Error("Illegal import transition",
			slog.String("import_id", e.job.ID),
			slog.String("from", string(cur)),
			slog.String("to", string(next)),
		)
		if !cur.IsTerminal() {
			r.applyLocked(ctx, e, StatusFailed, Payload{Error: "internal error: " + terr.Error()})
		}
		return nil, terr
	}

	return r.applyLocked(ctx, e, next, payload), nil
}

// Fail moves a non-terminal job to failed. Failing a failed job is a no-op.
func (r *Registry) Fail(ctx context.Context, id, message string) (*Job, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.job.Status {
	case StatusFailed:
		return e.job.clone(), nil
	case StatusCompleted:
		return nil, ErrJobTerminal
	}
	return r.applyLocked(ctx, e, StatusFailed, Payload{Error: message}), nil
}

// Cancel fails a running job with reason "cancelled" and empties its room.
// A job that already finished, either way, returns ErrJobTerminal.
func (r *Registry) Cancel(ctx context.Context, id string) (*Job, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.job.Status.IsTerminal() {
		e.mu.Unlock()
		return nil, ErrJobTerminal
	}
	job := r.applyLocked(ctx, e, StatusFailed, Payload{Error: CancelledReason})
	e.mu.Unlock()

	r.broadcaster.CloseRoom(id)

	r.logger.Info("Import job cancelled", slog.String("import_id", id))
	return job, nil
}

// applyLocked mutates the job, broadcasts, then queues the snapshot for the
// store. The store write happens off the job lock.
func (r *Registry) applyLocked(_ context.Context, e *entry, next Status, payload Payload) *Job {
	prev := e.job.Status
	e.job.Status = next
	e.job.UpdatedAt = r.now()

	switch next {
	case StatusCompleted:
		e.job.FilePath = payload.FilePath
		e.job.Error = ""
	case StatusFailed:
		e.job.Error = payload.Error
		if e.job.Error == "" {
			e.job.Error = "import failed"
		}
	}

	snap := e.job.clone()

	r.broadcaster.StatusUpdated(snap)
	switch next {
	case StatusCompleted:
		r.broadcaster.Completed(snap)
	case StatusFailed:
		r.broadcaster.Failed(snap)
	}
	if next.IsTerminal() {
		close(e.done)
	}

	r.logger.Info("Import job advanced",
		slog.String("import_id", snap.ID),
		slog.String("from", string(prev)),
		slog.String("to", string(next)),
	)

	r.enqueue(e, write{job: snap.clone()})
	return snap
}

// enqueue appends a store write for the entry and starts its flusher if idle.
// Writes for one job are applied in the order they were queued.
func (r *Registry) enqueue(e *entry, w write) {
	if r.store == nil {
		return
	}

	e.wmu.Lock()
	e.writes = append(e.writes, w)
	if e.flushing {
		e.wmu.Unlock()
		return
	}
	e.flushing = true
	e.wmu.Unlock()

	r.flushMu.Lock()
	r.flushers++
	r.flushMu.Unlock()

	go r.flush(e)
}

func (r *Registry) flush(e *entry) {
	defer func() {
		r.flushMu.Lock()
		r.flushers--
		if r.flushers == 0 {
			r.flushIdle.Broadcast()
		}
		r.flushMu.Unlock()
	}()

	for {
		e.wmu.Lock()
		if len(e.writes) == 0 {
			e.flushing = false
			e.wmu.Unlock()
			return
		}
		w := e.writes[0]
		e.writes = e.writes[1:]
		e.wmu.Unlock()

		r.write(w)
	}
}

func (r *Registry) write(w write) {
	ctx, cancel := context.WithTimeout(context.Background(), r.persistTimeout)
	defer cancel()

	if w.delete {
		if err := r.store.DeleteJob(ctx, w.job.ID); err != nil {
			r.logger.Warn("Failed to delete expired import job",
				slog.String("import_id", w.job.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	if err := r.store.SaveJob(ctx, w.job); err != nil {
		r.logger.Warn("Failed to persist import job",
			slog.String("import_id", w.job.ID),
			slog.String("status", string(w.job.Status)),
			slog.String("error", err.Error()),
		)
	}
}

// Flush blocks until every queued store write has been attempted
func (r *Registry) Flush() {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()
	for r.flushers > 0 {
		r.flushIdle.Wait()
	}
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrJobNotFound
	}
	return e, nil
}

func (r *Registry) janitor(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(ctx); n > 0 {
				r.logger.Debug("Evicted expired import jobs", slog.Int("count", n))
			}
		}
	}
}

// Sweep evicts terminal jobs whose last update is older than the TTL. The
// registry lock is never held while waiting on a job lock.
func (r *Registry) Sweep(ctx context.Context) int {
	cutoff := r.now().Add(-r.ttl)

	r.mu.RLock()
	candidates := make([]*entry, 0, len(r.jobs))
	for _, e := range r.jobs {
		candidates = append(candidates, e)
	}
	r.mu.RUnlock()

	var expired []*entry
	for _, e := range candidates {
		e.mu.Lock()
		if e.job.Status.IsTerminal() && e.job.UpdatedAt.Before(cutoff) {
			expired = append(expired, e)
		}
		e.mu.Unlock()
	}
	if len(expired) == 0 {
		return 0
	}

	// terminal jobs never change again, so only the map entry needs re-checking
	evicted := expired[:0]
	r.mu.Lock()
	for _, e := range expired {
		if cur, ok := r.jobs[e.job.ID]; ok && cur == e {
			delete(r.jobs, e.job.ID)
			evicted = append(evicted, e)
		}
	}
	r.mu.Unlock()

	for _, e := range evicted {
		e.mu.Lock()
		job := e.job.clone()
		e.mu.Unlock()

		r.broadcaster.CloseRoom(job.ID)
		r.enqueue(e, write{job: job, delete: true})
		if r.onEvict != nil {
			r.onEvict(job)
		}
	}

	return len(evicted)
}

type nopBroadcaster struct{}

func (nopBroadcaster) StatusUpdated(*Job) {}
func (nopBroadcaster) Completed(*Job)     {}
func (nopBroadcaster) Failed(*Job)        {}
func (nopBroadcaster) CloseRoom(string)   {}
