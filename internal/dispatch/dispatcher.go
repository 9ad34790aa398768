package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"remote-access-service/internal/observability"
	"remote-access-service/internal/session"
)

// Envelope is the command frame sent to the agent. Immutable once sent.
type Envelope struct {
	Type            string `json:"type"`
	ID              string `json:"id"`
	Command         string `json:"command"`
	Description     string `json:"description"`
	RequiresConsent bool   `json:"requires_consent"`
	TimeoutSeconds  int    `json:"timeout_seconds"`
}

// Request describes one command to run on a device. Shell selects the
// frame type the agent receives; "powershell" maps to powershell_request,
// anything else to the generic command_request.
type Request struct {
	Command     string
	Description string
	Shell       string
	Timeout     time.Duration
}

// Dispatcher sends command envelopes to live sessions and correlates their
// asynchronous results.
type Dispatcher struct {
	registry       *session.Registry
	pending        *pendingStore
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	queueSize      int
}

func NewDispatcher(registry *session.Registry, defaultTimeout, maxTimeout time.Duration, queueSize int) *Dispatcher {
	if defaultTimeout <= 0 {
		defaultTimeout = 2 * time.Minute
	}
	if maxTimeout <= 0 {
		maxTimeout = 5 * time.Minute
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Dispatcher{
		registry:       registry,
		pending:        newPendingStore(3),
		defaultTimeout: defaultTimeout,
		maxTimeout:     maxTimeout,
		queueSize:      queueSize,
	}
}

// Dispatch runs one command against a device and suspends the caller until
// a terminal result. Every command requires consent on the remote end; a
// refusal comes back as a declined result, never retried here.
func (d *Dispatcher) Dispatch(ctx context.Context, deviceID string, req Request) Result {
	res := d.dispatch(ctx, deviceID, req)
	outcome := res.Status
	if res.Status == StatusError && res.Error != "" {
		outcome = res.Error
	}
	observability.CommandsTotal.WithLabelValues(outcome).Inc()
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, deviceID string, req Request) Result {
	if !d.registry.IsConnected(deviceID) {
		return Result{Status: StatusError, Error: ErrNotConnected}
	}
	if d.pending.lenDevice(deviceID) >= d.queueSize {
		return Result{Status: StatusError, Error: ErrQueueFull}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	if timeout > d.maxTimeout {
		timeout = d.maxTimeout
	}

	id := uuid.NewString()
	frameType := "command_request"
	if req.Shell == "powershell" {
		frameType = "powershell_request"
	}
	env := Envelope{
		Type:            frameType,
		ID:              id,
		Command:         req.Command,
		Description:     req.Description,
		RequiresConsent: true,
		TimeoutSeconds:  int(timeout / time.Second),
	}

	ch := d.pending.add(id, deviceID, time.Now().Add(timeout))
	if !d.registry.Send(deviceID, env) {
		// A failed send already unregistered the session; make sure this
		// call resolves even if the evict hook raced us.
		d.pending.resolve(id, Result{Status: StatusError, Error: ErrDisconnected})
		return stamped(<-ch, id)
	}

	slog.Info("command dispatched", "device_id", deviceID, "command_id", id, "type", frameType, "timeout", timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return stamped(res, id)
	case <-timer.C:
		d.pending.resolve(id, Result{Status: StatusError, Error: ErrTimeout})
		return stamped(<-ch, id)
	case <-ctx.Done():
		d.pending.resolve(id, Result{Status: StatusError, Error: ErrCancelled})
		return stamped(<-ch, id)
	}
}

// stamped carries the wire id on the result so audit trails can reference
// the exact frame the agent saw.
func stamped(res Result, id string) Result {
	res.ID = id
	return res
}

// HandleResult feeds an inbound command_result frame from the receive loop.
// Unsolicited IDs are dropped after charging the per-call retry budget.
func (d *Dispatcher) HandleResult(deviceID, commandID string, res Result) {
	if !d.pending.handleResult(deviceID, commandID, res) {
		slog.Debug("unmatched command result dropped", "device_id", deviceID, "command_id", commandID)
	}
}

// SessionLost fails every pending call for the device. Wired to the
// session registry's evict hook so callers never hang on a dead session.
func (d *Dispatcher) SessionLost(deviceID string) {
	if n := d.pending.failDevice(deviceID, Result{Status: StatusError, Error: ErrDisconnected}); n > 0 {
		slog.Warn("pending calls failed by session loss", "device_id", deviceID, "count", n)
	}
}

// PendingCount reports in-flight calls, for status endpoints and tests.
func (d *Dispatcher) PendingCount() int {
	return d.pending.len()
}
