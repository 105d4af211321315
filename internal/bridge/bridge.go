package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/cuongbtq/stl-import/internal/client"
	"github.com/cuongbtq/stl-import/internal/origin"
	"github.com/cuongbtq/stl-import/internal/realtime"
	"github.com/cuongbtq/stl-import/internal/registry"
	"github.com/cuongbtq/stl-import/internal/scene"
)

var (
	// ErrUnknownImport is returned for an import id the bridge does not track
	ErrUnknownImport = errors.New("import is not tracked")
	// ErrNotRetryable is returned when retrying an import that has not failed
	ErrNotRetryable = errors.New("only failed imports can be retried")
)

// Server is the import service as seen from the page
type Server interface {
	ImportURL(ctx context.Context, stlURL string, params client.ImportParams) (*registry.Job, error)
	Upload(ctx context.Context, data []byte, params client.ImportParams) (*registry.Job, error)
	GetImport(ctx context.Context, importID string) (*registry.Job, error)
	ArtifactURL(filePath string) string
	UploadURL() string
}

// Channel is the client side of the realtime channel
type Channel interface {
	Join(importID string) error
	Leave(importID string) error
	Events() <-chan realtime.Event
	Lost() <-chan struct{}
	Reconnect(ctx context.Context) error
}

// Config configures a Bridge
type Config struct {
	Logger *slog.Logger
	Policy *origin.Policy
	Host   Host
	// Strategies overrides the responder delivery order
	Strategies     []DeliveryStrategy
	Loader         scene.SceneLoader
	Server         Server
	Channel        Channel
	EmbedThreshold int64
	// ReconnectBackoff is the first wait between reconnect attempts
	ReconnectBackoff time.Duration
	// ResyncInterval is how often Run polls snapshots of unsettled imports.
	// It covers transitions published before a room join reached the server.
	ResyncInterval time.Duration
}

type tracked struct {
	view     ActiveImportView
	request  Request
	data     []byte
	respType string
	settled  bool
}

// Bridge runs the page side of the pipeline
type Bridge struct {
	logger     *slog.Logger
	gatekeeper *Gatekeeper
	classifier *Classifier
	responder  *Responder
	loader     scene.SceneLoader
	server     Server
	channel    Channel
	backoff    time.Duration
	resyncEach time.Duration

	mu      sync.Mutex
	imports map[string]*tracked
}

// New creates a Bridge
func New(cfg Config) (*Bridge, error) {
	if cfg.Policy == nil {
		return nil, errors.New("bridge requires an origin policy")
	}
	if cfg.Loader == nil {
		return nil, errors.New("bridge requires a scene loader")
	}
	if cfg.Server == nil || cfg.Channel == nil {
		return nil, errors.New("bridge requires the import service and realtime channel")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backoff := cfg.ReconnectBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	resyncEach := cfg.ResyncInterval
	if resyncEach <= 0 {
		resyncEach = 5 * time.Second
	}

	return &Bridge{
		logger:     logger,
		gatekeeper: NewGatekeeper(cfg.Policy, logger),
		classifier: NewClassifier(cfg.EmbedThreshold),
		responder:  NewResponder(cfg.Host, cfg.Strategies, logger),
		loader:     cfg.Loader,
		server:     cfg.Server,
		channel:    cfg.Channel,
		backoff:    backoff,
		resyncEach: resyncEach,
		imports:    make(map[string]*tracked),
	}, nil
}

// AnnounceReady tells the requester the page can take imports
func (b *Bridge) AnnounceReady(targetOrigin string) bool {
	_, ok := b.responder.Send(Response{Type: TypeReady, Success: true, Ready: true}, targetOrigin)
	return ok
}

// Handle processes one inbound message. Dropped messages get no response;
// every other failure is answered with a typed failure response.
func (b *Bridge) Handle(ctx context.Context, msg Message) {
	req, ok := b.gatekeeper.Admit(msg)
	if !ok {
		return
	}

	defer func() {
		if p := recover(); p != nil {
			b.logger.Error("Recovered from panic while handling message",
				slog.String("type", req.Type),
				slog.String("origin", req.Origin),
				slog.Any("panic", p),
			)
			b.fail(req, fmt.Errorf("internal error: %v", p))
		}
	}()

	if err := b.dispatch(ctx, req); err != nil {
		b.logger.Warn("Failed to handle import message",
			slog.String("type", req.Type),
			slog.String("origin", req.Origin),
			slog.String("error", err.Error()),
		)
		b.fail(req, err)
	}
}

func (b *Bridge) dispatch(ctx context.Context, req Request) error {
	kind, err := b.classifier.Classify(req)
	if err != nil {
		return err
	}
	route := b.classifier.Route(kind, req)

	b.logger.Debug("Classified message",
		slog.String("type", req.Type),
		slog.String("kind", kind.String()),
		slog.String("route", route.String()),
	)

	switch kind {
	case KindProbe:
		if req.Type == TypePing {
			b.respond(req.Origin, Response{Type: TypePong, Success: true})
			return nil
		}
		b.respond(req.Origin, Response{Type: TypeReadyResponse, Success: true, Ready: true})
		return nil

	case KindUploadHandshake:
		if route == RouteNone {
			b.respond(req.Origin, Response{Type: TypeUploadReady, Success: true, UploadURL: b.server.UploadURL()})
			return nil
		}
		data, err := decodePayload(req.StlBase64)
		if err != nil {
			return err
		}
		_, err = b.startServerImport(ctx, req, data, TypeUploadResponse)
		return err

	case KindURLImport:
		_, err := b.startServerImport(ctx, req, nil, TypeImportResponse)
		return err

	case KindInlineImport:
		// undecodable payloads leave nothing to embed or upload
		data, err := decodePayload(req.StlBase64)
		if err != nil {
			return err
		}
		if route == RouteEmbed {
			err := b.embed(ctx, data, displayName(req))
			if err == nil {
				b.respond(req.Origin, Response{Type: TypeImportResponse, Success: true, Message: messageImportCompleted})
				return nil
			}
			b.logger.Warn("Embed import failed, falling back to upload",
				slog.String("file_name", displayName(req)),
				slog.String("error", err.Error()),
			)
		}
		_, err = b.startServerImport(ctx, req, data, TypeImportResponse)
		return err
	}

	return fmt.Errorf("unsupported message type %s", req.Type)
}

// embed loads inline bytes in-process. A panicking loader is reported as an
// error so the caller can fall back to the server path.
func (b *Bridge) embed(ctx context.Context, data []byte, name string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("scene loader panicked: %v", p)
		}
	}()
	return b.loader.LoadModel(ctx, scene.ModelSource{Data: data}, name)
}

// startServerImport creates a job, joins its room and reports acceptance
func (b *Bridge) startServerImport(ctx context.Context, req Request, data []byte, respType string) (*registry.Job, error) {
	params := client.ImportParams{
		Source:   req.Origin,
		FileName: displayName(req),
		Metadata: req.Metadata,
	}

	var (
		job *registry.Job
		err error
	)
	if data == nil {
		job, err = b.server.ImportURL(ctx, req.StlURL, params)
	} else {
		job, err = b.server.Upload(ctx, data, params)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to start import: %w", err)
	}

	b.mu.Lock()
	b.imports[job.ID] = &tracked{
		view:     newView(job, req.Origin),
		request:  req,
		data:     data,
		respType: respType,
	}
	b.mu.Unlock()

	if err := b.channel.Join(job.ID); err != nil {
		b.logger.Warn("Failed to join import room",
			slog.String("import_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	b.respond(req.Origin, Response{
		Type:     respType,
		Success:  true,
		ImportID: job.ID,
		Message:  messageImportStarted,
		Job:      job,
	})

	// transitions applied before the join reached the server are not replayed;
	// this covers the ones already applied, the periodic resync in Run the rest
	b.resync(ctx, job.ID)
	return job, nil
}

// HandleEvent applies a realtime event to the tracked import it names
func (b *Bridge) HandleEvent(ctx context.Context, ev realtime.Event) {
	b.mu.Lock()
	t, ok := b.imports[ev.ImportID]
	if !ok || t.settled {
		b.mu.Unlock()
		return
	}

	job := ev.Job
	if job == nil {
		job = eventJob(t.view.Job, ev)
	}
	if !t.view.apply(job) || !job.Status.IsTerminal() {
		b.mu.Unlock()
		return
	}
	t.settled = true
	req, respType := t.request, t.respType
	b.mu.Unlock()

	b.settle(ctx, req, respType, job)
}

// settle finishes a terminal import: leave the room, load the model and answer the requester
func (b *Bridge) settle(ctx context.Context, req Request, respType string, job *registry.Job) {
	if err := b.channel.Leave(job.ID); err != nil {
		b.logger.Debug("Failed to leave import room",
			slog.String("import_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	if job.Status == registry.StatusFailed {
		b.respond(req.Origin, Response{Type: respType, ImportID: job.ID, Error: job.Error, Job: job})
		return
	}

	ref := b.server.ArtifactURL(job.FilePath)
	if err := b.loader.LoadModel(ctx, scene.ModelSource{URL: ref}, job.FileName); err != nil {
		b.logger.Error("Failed to load imported model",
			slog.String("import_id", job.ID),
			slog.String("artifact", ref),
			slog.String("error", err.Error()),
		)
		b.respond(req.Origin, Response{Type: respType, ImportID: job.ID, Error: err.Error(), Job: job})
		return
	}

	b.logger.Info("Server import loaded",
		slog.String("import_id", job.ID),
		slog.String("file_name", job.FileName),
	)
	b.respond(req.Origin, Response{
		Type:     respType,
		Success:  true,
		ImportID: job.ID,
		Message:  messageImportCompleted,
		Job:      job,
	})
}

// resync applies the current snapshot of an import
func (b *Bridge) resync(ctx context.Context, importID string) {
	job, err := b.server.GetImport(ctx, importID)
	if err != nil {
		b.logger.Warn("Failed to fetch import snapshot",
			slog.String("import_id", importID),
			slog.String("error", err.Error()),
		)
		return
	}
	b.HandleEvent(ctx, realtime.Event{
		Name:     realtime.EventStatusUpdate,
		ImportID: job.ID,
		Status:   job.Status,
		Error:    job.Error,
		Job:      job,
	})
}

// Resync refreshes every unsettled import from the service
func (b *Bridge) Resync(ctx context.Context) {
	for _, id := range b.pending() {
		b.resync(ctx, id)
	}
}

func (b *Bridge) pending() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ids []string
	for id, t := range b.imports {
		if !t.settled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Views returns the tracked imports, oldest first
func (b *Bridge) Views() []ActiveImportView {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]ActiveImportView, 0, len(b.imports))
	for _, t := range b.imports {
		out = append(out, t.view)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].Job.ImportedAt, out[j].Job.ImportedAt
		if ti.Equal(tj) {
			return out[i].ID < out[j].ID
		}
		return ti.Before(tj)
	})
	return out
}

// View returns one tracked import
func (b *Bridge) View(importID string) (ActiveImportView, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.imports[importID]
	if !ok {
		return ActiveImportView{}, false
	}
	return t.view, true
}

// Dismiss discards every view and leaves the rooms still joined
func (b *Bridge) Dismiss() {
	b.mu.Lock()
	var rooms []string
	for id, t := range b.imports {
		if !t.settled {
			rooms = append(rooms, id)
		}
	}
	b.imports = make(map[string]*tracked)
	b.mu.Unlock()

	for _, id := range rooms {
		if err := b.channel.Leave(id); err != nil {
			b.logger.Debug("Failed to leave import room",
				slog.String("import_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Retry resubmits the request behind a failed import as a new import. The
// failed view is replaced by the new one.
func (b *Bridge) Retry(ctx context.Context, importID string) (ActiveImportView, error) {
	b.mu.Lock()
	t, ok := b.imports[importID]
	if !ok {
		b.mu.Unlock()
		return ActiveImportView{}, ErrUnknownImport
	}
	if t.view.Job == nil || t.view.Job.Status != registry.StatusFailed {
		b.mu.Unlock()
		return ActiveImportView{}, ErrNotRetryable
	}
	delete(b.imports, importID)
	req, data, respType := t.request, t.data, t.respType
	b.mu.Unlock()

	b.logger.Info("Retrying failed import", slog.String("import_id", importID))

	job, err := b.startServerImport(ctx, req, data, respType)
	if err != nil {
		b.mu.Lock()
		b.imports[importID] = t
		b.mu.Unlock()
		return ActiveImportView{}, err
	}

	view, ok := b.View(job.ID)
	if !ok {
		return ActiveImportView{}, ErrUnknownImport
	}
	return view, nil
}

// Run serves inbound messages and realtime events on one goroutine until ctx
// ends, inbound is closed or the channel is closed for good.
func (b *Bridge) Run(ctx context.Context, inbound <-chan Message) error {
	events := b.channel.Events()
	ticker := time.NewTicker(b.resyncEach)
	defer ticker.Stop()

	for {
		lost := b.channel.Lost()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			b.Handle(ctx, msg)
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			b.HandleEvent(ctx, ev)
		case <-ticker.C:
			b.Resync(ctx)
		case <-lost:
			if err := b.reconnect(ctx); err != nil {
				return err
			}
		}
	}
}

func (b *Bridge) reconnect(ctx context.Context) error {
	delay := b.backoff
	for {
		b.logger.Warn("Realtime channel lost, reconnecting")

		err := b.channel.Reconnect(ctx)
		if err == nil {
			b.Resync(ctx)
			return nil
		}
		if errors.Is(err, realtime.ErrConnClosed) {
			return err
		}

		b.logger.Error("Failed to reconnect realtime channel",
			slog.Duration("retry_after", delay),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, 30*time.Second)
	}
}

func (b *Bridge) respond(targetOrigin string, resp Response) {
	b.responder.Send(resp, targetOrigin)
}

func (b *Bridge) fail(req Request, err error) {
	b.respond(req.Origin, Response{Type: responseType(req.Type), Error: err.Error()})
}

// decodePayload accepts what browsers' atob accepts: padding is optional and
// ASCII whitespace is ignored.
func decodePayload(encoded string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, encoded)
	cleaned = strings.TrimRight(cleaned, "=")

	data, err := base64.RawStdEncoding.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("stlBase64 is not valid base64: %w", err)
	}
	return data, nil
}

func displayName(req Request) string {
	if req.FileName != "" {
		return req.FileName
	}
	return defaultModelName
}

// eventJob builds a snapshot for events that carry no job
func eventJob(prev *registry.Job, ev realtime.Event) *registry.Job {
	job := registry.Job{ID: ev.ImportID}
	if prev != nil {
		job = *prev
	}
	job.Status = ev.Status
	switch {
	case job.Status != "":
	case ev.Name == realtime.EventCompleted:
		job.Status = registry.StatusCompleted
	case ev.Name == realtime.EventFailed:
		job.Status = registry.StatusFailed
	}
	if ev.Error != "" {
		job.Error = ev.Error
	}
	return &job
}
