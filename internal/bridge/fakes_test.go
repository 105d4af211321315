package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/stl-import/internal/client"
	"github.com/cuongbtq/stl-import/internal/realtime"
	"github.com/cuongbtq/stl-import/internal/registry"
	"github.com/cuongbtq/stl-import/internal/scene"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type posted struct {
	Payload      any
	TargetOrigin string
}

type fakeWindow struct {
	origin    string
	originErr error
	postErr   error
	panics    bool

	mu  sync.Mutex
	got []posted
}

func (w *fakeWindow) Origin() (string, error) {
	if w.originErr != nil {
		return "", w.originErr
	}
	return w.origin, nil
}

func (w *fakeWindow) PostMessage(payload any, targetOrigin string) error {
	if w.panics {
		panic("window detached")
	}
	if w.postErr != nil {
		return w.postErr
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.got = append(w.got, posted{Payload: payload, TargetOrigin: targetOrigin})
	return nil
}

func (w *fakeWindow) received() []posted {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]posted(nil), w.got...)
}

func (w *fakeWindow) responses() []Response {
	var out []Response
	for _, p := range w.received() {
		if r, ok := p.Payload.(Response); ok {
			out = append(out, r)
		}
	}
	return out
}

var errCrossOrigin = errors.New("blocked a frame from accessing a cross-origin frame")

type fakeHost struct {
	parent Window
	frames []Window
	opener Window
}

func (h *fakeHost) Parent() Window   { return h.parent }
func (h *fakeHost) Frames() []Window { return h.frames }
func (h *fakeHost) Opener() Window   { return h.opener }

type importCall struct {
	URL    string
	Data   []byte
	Params client.ImportParams
}

type fakeServer struct {
	mu       sync.Mutex
	seq      int
	jobs     map[string]*registry.Job
	calls    []importCall
	err      error
	snapshot func(job *registry.Job) *registry.Job
}

func newFakeServer() *fakeServer {
	return &fakeServer{jobs: make(map[string]*registry.Job)}
}

func (s *fakeServer) create(call importCall) (*registry.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, call)
	if s.err != nil {
		return nil, s.err
	}
	s.seq++
	job := &registry.Job{
		ID:         fmt.Sprintf("job-%d", s.seq),
		Status:     registry.StatusPending,
		Source:     call.Params.Source,
		FileName:   call.Params.FileName,
		Metadata:   call.Params.Metadata,
		ImportedAt: time.Unix(int64(s.seq), 0),
	}
	s.jobs[job.ID] = job
	cp := *job
	return &cp, nil
}

func (s *fakeServer) ImportURL(_ context.Context, stlURL string, params client.ImportParams) (*registry.Job, error) {
	return s.create(importCall{URL: stlURL, Params: params})
}

func (s *fakeServer) Upload(_ context.Context, data []byte, params client.ImportParams) (*registry.Job, error) {
	return s.create(importCall{Data: data, Params: params})
}

func (s *fakeServer) GetImport(_ context.Context, id string) (*registry.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, client.ErrNotFound
	}
	cp := *job
	if s.snapshot != nil {
		return s.snapshot(&cp), nil
	}
	return &cp, nil
}

func (s *fakeServer) setStatus(id string, st registry.Status, filePath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id].Status = st
	s.jobs[id].FilePath = filePath
}

func (s *fakeServer) ArtifactURL(filePath string) string {
	return "https://api.example" + filePath
}

func (s *fakeServer) UploadURL() string {
	return "https://api.example/upload"
}

func (s *fakeServer) importCalls() []importCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]importCall(nil), s.calls...)
}

type fakeChannel struct {
	mu         sync.Mutex
	joined     []string
	left       []string
	events     chan realtime.Event
	lost       chan struct{}
	reconnects int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		events: make(chan realtime.Event, 16),
		lost:   make(chan struct{}),
	}
}

func (c *fakeChannel) Join(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined = append(c.joined, id)
	return nil
}

func (c *fakeChannel) Leave(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.left = append(c.left, id)
	return nil
}

func (c *fakeChannel) Events() <-chan realtime.Event { return c.events }

func (c *fakeChannel) Lost() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lost
}

func (c *fakeChannel) Reconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnects++
	c.lost = make(chan struct{})
	return nil
}

func (c *fakeChannel) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	close(c.lost)
}

func (c *fakeChannel) rooms() (joined, left []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.joined...), append([]string(nil), c.left...)
}

type loadCall struct {
	Source scene.ModelSource
	Name   string
}

type fakeLoader struct {
	mu     sync.Mutex
	calls  []loadCall
	err    error
	panics bool
}

func (l *fakeLoader) LoadModel(_ context.Context, src scene.ModelSource, name string) error {
	if l.panics {
		panic("scene graph corrupted")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, loadCall{Source: src, Name: name})
	return l.err
}

func (l *fakeLoader) loads() []loadCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]loadCall(nil), l.calls...)
}
