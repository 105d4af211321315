// Package scene adapts decoded models to the 3D scene.
package scene

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/stl-import/internal/stl"
)

// ModelSource is either a resolved URL or raw model bytes
type ModelSource struct {
	URL  string
	Data []byte
}

// SceneLoader inserts a model into the scene. It fails when the source is not
// valid geometry.
type SceneLoader interface {
	LoadModel(ctx context.Context, src ModelSource, displayName string) error
}

// Fetcher downloads URL sources
type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Sink receives a decoded model
type Sink func(ctx context.Context, displayName string, model *stl.Model) error

// Loader is the default SceneLoader: it decodes STL and hands the model to a Sink
type Loader struct {
	logger  *slog.Logger
	fetcher Fetcher
	sink    Sink
}

// NewLoader creates a Loader. A nil sink discards models after validation.
func NewLoader(logger *slog.Logger, fetcher Fetcher, sink Sink) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = func(context.Context, string, *stl.Model) error { return nil }
	}
	return &Loader{logger: logger, fetcher: fetcher, sink: sink}
}

// LoadModel implements SceneLoader
func (l *Loader) LoadModel(ctx context.Context, src ModelSource, displayName string) error {
	data := src.Data
	if data == nil {
		if src.URL == "" {
			return errors.New("model source is empty")
		}
		if l.fetcher == nil {
			return errors.New("loader cannot fetch url sources")
		}
		var err error
		data, err = l.fetcher.Get(ctx, src.URL)
		if err != nil {
			return fmt.Errorf("failed to fetch model: %w", err)
		}
	}

	model, err := stl.Parse(data)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", displayName, err)
	}

	if err := l.sink(ctx, displayName, model); err != nil {
		return fmt.Errorf("failed to insert %s: %w", displayName, err)
	}

	l.logger.Info("Model loaded into scene",
		slog.String("name", displayName),
		slog.String("format", string(model.Format)),
		slog.Int("triangles", len(model.Triangles)),
	)
	return nil
}
