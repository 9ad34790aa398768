// Package control is the only surface through which an orchestrating
// caller can run a command on a remote machine. Every invocation is
// logged with its consent outcome and recorded in the audit trail.
package control

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"remote-access-service/internal/dispatch"
	"remote-access-service/internal/session"
	"remote-access-service/internal/store"
)

type Service struct {
	registry *session.Registry
	disp     *dispatch.Dispatcher
	repo     *store.Repo
}

func New(registry *session.Registry, disp *dispatch.Dispatcher, repo *store.Repo) *Service {
	return &Service{registry: registry, disp: disp, repo: repo}
}

func (s *Service) IsSessionActive(deviceID string) bool {
	return s.registry.IsConnected(deviceID)
}

func (s *Service) Sessions() []session.Info {
	return s.registry.Snapshot()
}

// Outcome collapses a dispatch result into the four terminal cases the
// orchestrating layer renders: success, declined, timeout, error.
func Outcome(res dispatch.Result) string {
	switch {
	case res.Status == dispatch.StatusSuccess:
		return "success"
	case res.Status == dispatch.StatusDeclined:
		return "declined"
	case res.Error == dispatch.ErrTimeout:
		return "timeout"
	default:
		return "error"
	}
}

// RunCommand dispatches one command and records the outcome. It always
// returns a structured result; failures surface as result states, never
// as panics or hangs.
func (s *Service) RunCommand(ctx context.Context, deviceID string, req dispatch.Request) dispatch.Result {
	// Resolve the owner up front; a timeout or disconnect outcome may tear
	// the session down before the audit row is written.
	userID := ""
	if sess, ok := s.registry.Get(deviceID); ok {
		userID = sess.UserID
	}

	start := time.Now()
	res := s.disp.Dispatch(ctx, deviceID, req)
	outcome := Outcome(res)

	detail := res.Error
	if res.Status == dispatch.StatusDeclined {
		detail = res.Reason
	}
	slog.Info("remote command finished",
		"device_id", deviceID,
		"description", req.Description,
		"outcome", outcome,
		"detail", detail,
		"elapsed", time.Since(start),
	)

	if s.repo != nil {
		commandID := res.ID
		if commandID == "" {
			// Precondition failures never reach the wire.
			commandID = uuid.NewString()
		}
		audit := &store.CommandAudit{
			CommandID:   commandID,
			DeviceID:    deviceID,
			UserID:      userID,
			Command:     req.Command,
			Description: req.Description,
			Outcome:     outcome,
			Detail:      detail,
			LatencyMS:   time.Since(start).Milliseconds(),
		}
		if err := s.repo.AppendAudit(ctx, audit); err != nil {
			slog.Error("audit append failed", "device_id", deviceID, "error", err)
		}
	}
	return res
}
