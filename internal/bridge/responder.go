package bridge

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/stl-import/internal/origin"
)

// ErrNoTarget is returned by a strategy that has nobody to deliver to
var ErrNoTarget = errors.New("no delivery target")

// Window is a browsing context the page can post to
type Window interface {
	// Origin fails when the context's origin cannot be read
	Origin() (string, error)
	PostMessage(payload any, targetOrigin string) error
}

// Host exposes the page's related browsing contexts. Missing relations are nil.
type Host interface {
	Parent() Window
	Frames() []Window
	Opener() Window
}

// DeliveryStrategy reaches the requester through one embedding topology
type DeliveryStrategy interface {
	Name() string
	Deliver(host Host, payload any, targetOrigin string) error
}

// ParentStrategy delivers when this page is embedded by the requester
type ParentStrategy struct{}

func (ParentStrategy) Name() string { return "parent" }

func (ParentStrategy) Deliver(host Host, payload any, targetOrigin string) error {
	return deliverTo(host.Parent(), payload, targetOrigin)
}

// FrameStrategy delivers to the first child frame whose origin matches
type FrameStrategy struct{}

func (FrameStrategy) Name() string { return "frame" }

func (FrameStrategy) Deliver(host Host, payload any, targetOrigin string) error {
	for _, frame := range host.Frames() {
		if frame == nil {
			continue
		}
		o, err := frame.Origin()
		if err != nil || !sameOrigin(o, targetOrigin) {
			continue
		}
		return frame.PostMessage(payload, targetOrigin)
	}
	return ErrNoTarget
}

// OpenerStrategy delivers when the requester opened this page
type OpenerStrategy struct{}

func (OpenerStrategy) Name() string { return "opener" }

func (OpenerStrategy) Deliver(host Host, payload any, targetOrigin string) error {
	return deliverTo(host.Opener(), payload, targetOrigin)
}

// deliverTo posts to w unless w is known to belong to another origin. A
// cross-origin window whose origin cannot be read is still posted to; the
// target origin argument restricts delivery.
func deliverTo(w Window, payload any, targetOrigin string) error {
	if w == nil {
		return ErrNoTarget
	}
	if o, err := w.Origin(); err == nil && !sameOrigin(o, targetOrigin) {
		return ErrNoTarget
	}
	return w.PostMessage(payload, targetOrigin)
}

func sameOrigin(a, b string) bool {
	na, ok := origin.Normalize(a)
	if !ok {
		return false
	}
	nb, ok := origin.Normalize(b)
	return ok && na == nb
}

// DefaultStrategies is the delivery order: parent, child frames, opener
func DefaultStrategies() []DeliveryStrategy {
	return []DeliveryStrategy{ParentStrategy{}, FrameStrategy{}, OpenerStrategy{}}
}

// Responder sends responses back to the requesting context
type Responder struct {
	host       Host
	strategies []DeliveryStrategy
	logger     *slog.Logger
}

// NewResponder creates a Responder. Nil strategies use DefaultStrategies.
func NewResponder(host Host, strategies []DeliveryStrategy, logger *slog.Logger) *Responder {
	if strategies == nil {
		strategies = DefaultStrategies()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{host: host, strategies: strategies, logger: logger}
}

// Send tries each strategy in order and stops at the first success. It
// returns the name of the strategy that delivered. It never panics.
func (r *Responder) Send(payload any, targetOrigin string) (string, bool) {
	var errs []error
	for _, s := range r.strategies {
		err := r.try(s, payload, targetOrigin)
		if err == nil {
			r.logger.Debug("Response delivered",
				slog.String("strategy", s.Name()),
				slog.String("target_origin", targetOrigin),
			)
			return s.Name(), true
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
	}

	r.logger.Warn("Failed to deliver response to requester",
		slog.String("target_origin", targetOrigin),
		slog.String("error", errors.Join(errs...).Error()),
	)
	return "", false
}

func (r *Responder) try(s DeliveryStrategy, payload any, targetOrigin string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	if r.host == nil {
		return ErrNoTarget
	}
	return s.Deliver(r.host, payload, targetOrigin)
}
