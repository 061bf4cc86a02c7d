// Package notify composes slot announcements and hands them to a push or mail transport.
package notify

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"halbooking-notifier/pkg/notifier"
)

// Message is one announcement covering every event that was new in a cycle.
type Message struct {
	Title  string
	Body   string // HTML
	Events []notifier.Event
}

// Class is the classified result of a dispatch attempt.
type Class int

const (
	Delivered Class = iota
	RateLimited
	InvalidCredentials
	TransportError
	MalformedRequest
	// Suppressed means no attempt was made because credentials were rejected earlier.
	Suppressed
)

func (c Class) String() string {
	switch c {
	case Delivered:
		return "delivered"
	case RateLimited:
		return "rate_limited"
	case InvalidCredentials:
		return "invalid_credentials"
	case TransportError:
		return "transport_error"
	case MalformedRequest:
		return "malformed_request"
	case Suppressed:
		return "suppressed"
	default:
		return "unknown"
	}
}

// MarshalText renders the class by name in JSON and logs.
func (c Class) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Result describes what happened to a message.
type Result struct {
	Class  Class
	Status int // HTTP status when the transport reported one
	Err    error
}

// OK reports whether the message was handed off.
func (r Result) OK() bool {
	return r.Class == Delivered
}

// Transport delivers a message and classifies the response. Implementations must not retry.
type Transport interface {
	Name() string
	Send(ctx context.Context, msg Message) Result
}

// Dispatcher sends messages through a transport and stops using it after the transport
// reports invalid credentials, until the process restarts.
type Dispatcher struct {
	transport Transport
	logger    *slog.Logger
	timeout   time.Duration
	disabled  atomic.Bool
}

// New creates a dispatcher. A zero timeout leaves the caller's deadline in charge.
func New(transport Transport, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		transport: transport,
		logger:    logger,
		timeout:   timeout,
	}
}

// Disabled reports whether dispatch has been switched off by rejected credentials.
func (d *Dispatcher) Disabled() bool {
	return d.disabled.Load()
}

// Dispatch sends msg once and returns the classified result.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) Result {
	if d.disabled.Load() {
		d.logger.Warn("Notification suppressed, credentials were rejected earlier",
			"transport", d.transport.Name(),
			"event_count", len(msg.Events))
		return Result{Class: Suppressed}
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	startTime := time.Now()
	res := d.transport.Send(ctx, msg)
	duration := time.Since(startTime)

	attrs := []any{
		"transport", d.transport.Name(),
		"class", res.Class.String(),
		"status", res.Status,
		"event_count", len(msg.Events),
		"duration_ms", duration.Milliseconds(),
	}
	switch res.Class {
	case Delivered:
		d.logger.Info("Notification delivered", attrs...)
	case InvalidCredentials:
		d.disabled.Store(true)
		d.logger.Error("Notification credentials rejected, disabling dispatch until restart",
			append(attrs, "error", res.Err)...)
	default:
		d.logger.Warn("Notification not delivered", append(attrs, "error", res.Err)...)
	}
	return res
}
