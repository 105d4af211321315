// Package artifact keeps staged uploads and decoded models on local disk.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when no artifact exists for an id
var ErrNotFound = errors.New("artifact not found")

// ErrTooLarge is returned when a staged upload exceeds its limit
var ErrTooLarge = errors.New("artifact exceeds size limit")

const (
	stagedName = "upload.stl"
	modelName  = "model.stl"
)

// Store lays artifacts out as <root>/<id>/{upload.stl,model.stl}
type Store struct {
	root string
}

// NewStore creates root if needed
func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("artifact root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the store directory
func (s *Store) Root() string {
	return s.root
}

func (s *Store) dir(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid artifact id %q", id)
	}
	return filepath.Join(s.root, id), nil
}

// Stage copies an upload body to disk, reading at most limit bytes when limit > 0.
// It returns the staged file path.
func (s *Store) Stage(id string, r io.Reader, limit int64) (string, error) {
	dir, err := s.dir(id)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact dir: %w", err)
	}

	path := filepath.Join(dir, stagedName)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create staged upload: %w", err)
	}
	defer f.Close()

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(f, src)
	if err != nil {
		return "", fmt.Errorf("failed to write staged upload: %w", err)
	}
	if limit > 0 && n > limit {
		_ = os.Remove(path)
		return "", ErrTooLarge
	}
	return path, nil
}

// Save writes the decoded model for id, replacing any previous one
func (s *Store) Save(id string, data []byte) (string, error) {
	dir, err := s.dir(id)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact dir: %w", err)
	}

	path := filepath.Join(dir, modelName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to commit artifact: %w", err)
	}
	return path, nil
}

// Path returns the saved model file for id
func (s *Store) Path(id string) (string, error) {
	dir, err := s.dir(id)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, modelName)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to stat artifact: %w", err)
	}
	return path, nil
}

// Unstage deletes the staged upload for id once its model is saved.
// A missing staged file is not an error.
func (s *Store) Unstage(id string) error {
	dir, err := s.dir(id)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(dir, stagedName)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove staged upload: %w", err)
	}
	return nil
}

// Remove deletes everything stored for id. Missing ids are not an error.
func (s *Store) Remove(id string) error {
	dir, err := s.dir(id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove artifact: %w", err)
	}
	return nil
}
