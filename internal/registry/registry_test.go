package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	kind   string
	jobID  string
	status Status
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []recordedEvent
	closed []string
}

func (f *fakeBroadcaster) record(kind string, job *Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{kind: kind, jobID: job.ID, status: job.Status})
}

func (f *fakeBroadcaster) StatusUpdated(job *Job) { f.record("status-update", job) }
func (f *fakeBroadcaster) Completed(job *Job)     { f.record("completed", job) }
func (f *fakeBroadcaster) Failed(job *Job)        { f.record("failed", job) }
func (f *fakeBroadcaster) CloseRoom(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
}

func (f *fakeBroadcaster) statuses(jobID string) []Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Status
	for _, e := range f.events {
		if e.jobID == jobID && e.kind == "status-update" {
			out = append(out, e.status)
		}
	}
	return out
}

func (f *fakeBroadcaster) kinds(jobID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.events {
		if e.jobID == jobID {
			out = append(out, e.kind)
		}
	}
	return out
}

type fakeStore struct {
	mu      sync.Mutex
	saved   []Status
	savedBy []string
	deleted []string
	err     error
}

func (s *fakeStore) SaveJob(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, job.Status)
	s.savedBy = append(s.savedBy, job.ID)
	return s.err
}

func (s *fakeStore) savedFor(id string) []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Status
	for i, st := range s.saved {
		if s.savedBy[i] == id {
			out = append(out, st)
		}
	}
	return out
}

func (s *fakeStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, id)
	return s.err
}

func newTestRegistry(t *testing.T) (*Registry, *fakeBroadcaster, *fakeStore) {
	t.Helper()
	b := &fakeBroadcaster{}
	s := &fakeStore{}
	r := New(Options{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Broadcaster: b,
		Store:       s,
	})
	return r, b, s
}

func createJob(t *testing.T, r *Registry) *Job {
	t.Helper()
	job, err := r.Create(context.Background(), CreateParams{
		Source:   "https://allowed.example",
		FileName: "a.stl",
		Metadata: map[string]any{"designer": "x"},
		Request:  Request{SourceURL: "https://cdn.example/model.stl"},
	})
	require.NoError(t, err)
	return job
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusDownloading, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusProcessing, false},
		{StatusPending, StatusCompleted, false},
		{StatusDownloading, StatusProcessing, true},
		{StatusDownloading, StatusFailed, true},
		{StatusDownloading, StatusPending, false},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusDownloading, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusCompleted, false},
		{StatusFailed, StatusFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStatus_Progress(t *testing.T) {
	assert.Equal(t, 0, StatusPending.Progress())
	assert.Equal(t, 30, StatusDownloading.Progress())
	assert.Equal(t, 70, StatusProcessing.Progress())
	assert.Equal(t, 100, StatusCompleted.Progress())
	assert.Equal(t, 100, StatusFailed.Progress())
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusProcessing.IsTerminal())
	assert.False(t, Status("bogus").Valid())
}

func TestRegistry_HappyPath(t *testing.T) {
	r, b, s := newTestRegistry(t)
	ctx := context.Background()
	job := createJob(t, r)

	assert.Equal(t, StatusPending, job.Status)
	assert.NotEmpty(t, job.ID)

	_, err := r.Advance(ctx, job.ID, StatusDownloading, Payload{})
	require.NoError(t, err)
	_, err = r.Advance(ctx, job.ID, StatusProcessing, Payload{})
	require.NoError(t, err)
	done, err := r.Advance(ctx, job.ID, StatusCompleted, Payload{FilePath: "/artifacts/a.stl"})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, "/artifacts/a.stl", done.FilePath)
	assert.Empty(t, done.Error)

	assert.Equal(t, []Status{StatusDownloading, StatusProcessing, StatusCompleted}, b.statuses(job.ID))
	assert.Equal(t, []string{"status-update", "status-update", "status-update", "completed"}, b.kinds(job.ID))
	r.Flush()
	assert.Equal(t, []Status{StatusPending, StatusDownloading, StatusProcessing, StatusCompleted}, s.saved)

	doneCh, err := r.Done(job.ID)
	require.NoError(t, err)
	select {
	case <-doneCh:
	default:
		t.Fatal("done channel should be closed for a terminal job")
	}
}

func TestRegistry_IllegalTransitionForcesFailure(t *testing.T) {
	r, b, _ := newTestRegistry(t)
	ctx := context.Background()
	job := createJob(t, r)

	_, err := r.Advance(ctx, job.ID, StatusCompleted, Payload{FilePath: "x"})
	require.Error(t, err)

	var terr *TransitionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, StatusPending, terr.From)
	assert.Equal(t, StatusCompleted, terr.To)

	got, err := r.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.Error, "illegal transition")
	assert.Equal(t, []string{"status-update", "failed"}, b.kinds(job.ID))
}

func TestRegistry_IllegalTransitionOnTerminalJob(t *testing.T) {
	r, b, _ := newTestRegistry(t)
	ctx := context.Background()
	job := createJob(t, r)

	_, err := r.Fail(ctx, job.ID, "boom")
	require.NoError(t, err)

	_, err = r.Advance(ctx, job.ID, StatusDownloading, Payload{})
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)

	got, _ := r.Get(job.ID)
	assert.Equal(t, "boom", got.Error)
	assert.Equal(t, []string{"status-update", "failed"}, b.kinds(job.ID))
}

func TestRegistry_FailIsIdempotent(t *testing.T) {
	r, b, _ := newTestRegistry(t)
	ctx := context.Background()
	job := createJob(t, r)

	first, err := r.Fail(ctx, job.ID, "download failed")
	require.NoError(t, err)
	second, err := r.Fail(ctx, job.ID, "other reason")
	require.NoError(t, err)

	assert.Equal(t, "download failed", first.Error)
	assert.Equal(t, "download failed", second.Error)
	assert.Equal(t, []string{"status-update", "failed"}, b.kinds(job.ID))
}

func TestRegistry_FailCompletedJob(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	job := createJob(t, r)

	for _, s := range []Status{StatusDownloading, StatusProcessing, StatusCompleted} {
		_, err := r.Advance(ctx, job.ID, s, Payload{FilePath: "p"})
		require.NoError(t, err)
	}

	_, err := r.Fail(ctx, job.ID, "late")
	assert.ErrorIs(t, err, ErrJobTerminal)
}

func TestRegistry_Cancel(t *testing.T) {
	r, b, _ := newTestRegistry(t)
	job := createJob(t, r)

	got, err := r.Cancel(context.Background(), job.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, CancelledReason, got.Error)
	assert.Equal(t, []string{job.ID}, b.closed)
}

func TestRegistry_CancelTerminalJob(t *testing.T) {
	tests := []struct {
		name   string
		finish func(r *Registry, id string)
	}{
		{
			name: "failed",
			finish: func(r *Registry, id string) {
				_, err := r.Fail(context.Background(), id, "HTTP 404")
				require.NoError(t, err)
			},
		},
		{
			name: "completed",
			finish: func(r *Registry, id string) {
				for _, s := range []Status{StatusDownloading, StatusProcessing, StatusCompleted} {
					_, err := r.Advance(context.Background(), id, s, Payload{FilePath: "p"})
					require.NoError(t, err)
				}
			},
		},
		{
			name: "already cancelled",
			finish: func(r *Registry, id string) {
				_, err := r.Cancel(context.Background(), id)
				require.NoError(t, err)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, _ := newTestRegistry(t)
			job := createJob(t, r)
			tt.finish(r, job.ID)
			before, err := r.Get(job.ID)
			require.NoError(t, err)

			_, err = r.Cancel(context.Background(), job.ID)
			assert.ErrorIs(t, err, ErrJobTerminal)

			after, err := r.Get(job.ID)
			require.NoError(t, err)
			assert.Equal(t, before.Error, after.Error)
			assert.Equal(t, before.Status, after.Status)
		})
	}
}

func TestRegistry_NotFound(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Get("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = r.Advance(ctx, "missing", StatusDownloading, Payload{})
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = r.Fail(ctx, "missing", "x")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = r.Done("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRegistry_CompareAndAdvanceRejectsStaleSignal(t *testing.T) {
	r, b, _ := newTestRegistry(t)
	ctx := context.Background()
	job := createJob(t, r)

	_, err := r.CompareAndAdvance(ctx, job.ID, StatusPending, StatusDownloading, Payload{})
	require.NoError(t, err)

	// a duplicate signal must not double-apply nor fail the job
	_, err = r.CompareAndAdvance(ctx, job.ID, StatusPending, StatusDownloading, Payload{})
	assert.ErrorIs(t, err, ErrStatusMismatch)

	got, _ := r.Get(job.ID)
	assert.Equal(t, StatusDownloading, got.Status)
	assert.Equal(t, []Status{StatusDownloading}, b.statuses(job.ID))
}

func TestRegistry_ConcurrentAdvanceAppliesOnce(t *testing.T) {
	r, b, _ := newTestRegistry(t)
	ctx := context.Background()
	job := createJob(t, r)

	const workers = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.CompareAndAdvance(ctx, job.ID, StatusPending, StatusDownloading, Payload{}); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, []Status{StatusDownloading}, b.statuses(job.ID))
}

func TestRegistry_ConcurrentJobsAreIndependent(t *testing.T) {
	r, b, _ := newTestRegistry(t)
	ctx := context.Background()

	const jobs = 20
	ids := make([]string, jobs)
	for i := range ids {
		ids[i] = createJob(t, r).ID
	}

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, _ = r.Advance(ctx, id, StatusDownloading, Payload{})
			_, _ = r.Advance(ctx, id, StatusProcessing, Payload{})
			if i%2 == 0 {
				_, _ = r.Advance(ctx, id, StatusCompleted, Payload{FilePath: id})
			} else {
				_, _ = r.Fail(ctx, id, "decode failed")
			}
		}(i, id)
	}
	wg.Wait()

	for i, id := range ids {
		terminal := StatusCompleted
		if i%2 != 0 {
			terminal = StatusFailed
		}
		assert.Equal(t, []Status{StatusDownloading, StatusProcessing, terminal}, b.statuses(id))
	}
}

func TestRegistry_PersistenceFailureDoesNotBlockTransition(t *testing.T) {
	r, b, s := newTestRegistry(t)
	s.err = errors.New("database unavailable")

	job := createJob(t, r)
	got, err := r.Advance(context.Background(), job.ID, StatusDownloading, Payload{})
	require.NoError(t, err)

	assert.Equal(t, StatusDownloading, got.Status)
	assert.Equal(t, []Status{StatusDownloading}, b.statuses(job.ID))
}

func TestRegistry_SweepEvictsExpiredTerminalJobs(t *testing.T) {
	b := &fakeBroadcaster{}
	s := &fakeStore{}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var evicted []string

	r := New(Options{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Broadcaster: b,
		Store:       s,
		TTL:         10 * time.Minute,
		Now:         func() time.Time { return now },
		OnEvict:     func(job *Job) { evicted = append(evicted, job.ID) },
	})
	ctx := context.Background()

	finished := createJob(t, r)
	_, err := r.Fail(ctx, finished.ID, "x")
	require.NoError(t, err)
	running := createJob(t, r)

	now = now.Add(5 * time.Minute)
	assert.Equal(t, 0, r.Sweep(ctx))

	now = now.Add(6 * time.Minute)
	assert.Equal(t, 1, r.Sweep(ctx))

	_, err = r.Get(finished.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = r.Get(running.ID)
	assert.NoError(t, err)

	assert.Equal(t, []string{finished.ID}, evicted)
	r.Flush()
	assert.Equal(t, []string{finished.ID}, s.deleted)
	assert.Equal(t, []string{finished.ID}, b.closed)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_StartStop(t *testing.T) {
	r := New(Options{
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		SweepInterval: 10 * time.Millisecond,
	})
	r.Start(context.Background())
	r.Stop()
	r.Stop()

	_, err := r.Create(context.Background(), CreateParams{FileName: "a.stl"})
	assert.ErrorIs(t, err, ErrRegistryStopped)
}

func TestRegistry_SnapshotsAreIsolated(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	job := createJob(t, r)

	job.Metadata["designer"] = "mutated"
	job.Status = StatusCompleted

	got, err := r.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "x", got.Metadata["designer"])
	assert.Equal(t, StatusPending, got.Status)
}

// blockingStore holds SaveJob for one job until release is closed
type blockingStore struct {
	fakeStore
	blockID string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingStore) SaveJob(ctx context.Context, job *Job) error {
	if job.ID == s.blockID {
		s.once.Do(func() { close(s.entered) })
		<-s.release
	}
	return s.fakeStore.SaveJob(ctx, job)
}

func TestRegistry_SlowStoreDoesNotStallOtherJobs(t *testing.T) {
	s := &blockingStore{blockID: "slow", entered: make(chan struct{}), release: make(chan struct{})}
	r := New(Options{
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:          s,
		PersistTimeout: 10 * time.Second,
	})
	ctx := context.Background()

	other := createJob(t, r)
	r.Flush()

	slow, err := r.Create(ctx, CreateParams{ID: "slow", FileName: "a.stl"})
	require.NoError(t, err)
	_, err = r.Advance(ctx, slow.ID, StatusDownloading, Payload{})
	require.NoError(t, err)

	select {
	case <-s.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("store write for the slow job never started")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Sweep(ctx)
		_, err := r.Advance(ctx, other.ID, StatusDownloading, Payload{})
		assert.NoError(t, err)
		_, err = r.Advance(ctx, slow.ID, StatusProcessing, Payload{})
		assert.NoError(t, err)
		_, err = r.Get(slow.ID)
		assert.NoError(t, err)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("transitions blocked behind a slow store write")
	}

	close(s.release)
	r.Flush()

	assert.Equal(t, []Status{StatusPending, StatusDownloading}, s.savedFor(other.ID))
	assert.Equal(t, []Status{StatusPending, StatusDownloading, StatusProcessing}, s.savedFor(slow.ID))
}
