package domain

import (
	"context"
	"errors"
)

var (
	// ErrJobNotFound is returned when the import is no longer tracked
	ErrJobNotFound = errors.New("import job not found")

	// ErrJobAlreadyClaimed is returned when the import left pending before this worker claimed it
	ErrJobAlreadyClaimed = errors.New("import job already claimed or not pending")

	// ErrInvalidMessage is returned when a queue message cannot be parsed
	ErrInvalidMessage = errors.New("invalid job message")

	// ErrNoSource is returned when an import carries neither url nor upload
	ErrNoSource = errors.New("import has no source")

	// ErrQueueFull is returned when in-process dispatch has no room left
	ErrQueueFull = errors.New("import queue is full")
)

// DecodeError is returned when the payload is not valid geometry
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "decode failed: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Timeout reports whether decoding ran past its deadline
func (e *DecodeError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// NewDecodeError wraps err as a DecodeError
func NewDecodeError(err error) error {
	return &DecodeError{Err: err}
}
