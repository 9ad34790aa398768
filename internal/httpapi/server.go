package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"remote-access-service/internal/control"
	"remote-access-service/internal/dispatch"
	"remote-access-service/internal/middleware"
	"remote-access-service/internal/pairing"
	"remote-access-service/internal/store"
)

// Server is the operator-facing API: enrollment, device status, command
// execution, audit history. The agent websocket endpoint is mounted
// separately and does not go through JWT auth.
type Server struct {
	authority *pairing.Authority
	ctrl      *control.Service
	repo      *store.Repo
}

func NewServer(authority *pairing.Authority, ctrl *control.Service, repo *store.Repo) *Server {
	return &Server{authority: authority, ctrl: ctrl, repo: repo}
}

// RegisterRoutes mounts protected API endpoints under an already-authenticated router.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/remote/sessions", s.handleSessions)
	r.Route("/remote/devices", func(r chi.Router) {
		r.Get("/", s.handleDeviceList)
		r.Route("/{deviceID}", func(r chi.Router) {
			r.Get("/", s.handleDeviceGet)
			r.Post("/pairing-code", s.handlePairingCode)
			r.Post("/commands", s.handleCommand)
			r.Get("/audit", s.handleAudit)
		})
	})
}

type jsonErr struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, jsonErr{Error: msg, Code: status})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

type pairingCodeRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handlePairingCode(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id required")
		return
	}

	var req pairingCodeRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	userID := req.UserID
	if claims := middleware.GetClaims(r); claims != nil && claims.Subject != "" {
		userID = claims.Subject
	}
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}

	code, err := s.authority.Generate(r.Context(), deviceID, userID)
	if err != nil {
		slog.Error("pairing code issue failed", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue pairing code")
		return
	}

	writeJSON(w, http.StatusCreated, code)
}

type deviceListItem struct {
	DeviceID   string    `json:"device_id"`
	UserID     string    `json:"user_id"`
	DeviceName string    `json:"device_name"`
	Online     bool      `json:"online"`
	Connected  bool      `json:"connected"`
	PairedAt   time.Time `json:"paired_at"`
	LastSeen   time.Time `json:"last_seen"`
}

func (s *Server) handleDeviceList(w http.ResponseWriter, r *http.Request) {
	devices, err := s.repo.ListDevices(r.Context())
	if err != nil {
		slog.Error("device list query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load devices")
		return
	}
	items := make([]deviceListItem, 0, len(devices))
	for _, d := range devices {
		items = append(items, deviceListItem{
			DeviceID:   d.DeviceID,
			UserID:     d.UserID,
			DeviceName: d.DeviceName,
			Online:     d.Online,
			Connected:  s.ctrl.IsSessionActive(d.DeviceID),
			PairedAt:   d.PairedAt,
			LastSeen:   d.LastSeen,
		})
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleDeviceGet(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	d, err := s.repo.GetDevice(r.Context(), deviceID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "device not found")
			return
		}
		slog.Error("device lookup failed", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load device")
		return
	}
	writeJSON(w, http.StatusOK, deviceListItem{
		DeviceID:   d.DeviceID,
		UserID:     d.UserID,
		DeviceName: d.DeviceName,
		Online:     d.Online,
		Connected:  s.ctrl.IsSessionActive(d.DeviceID),
		PairedAt:   d.PairedAt,
		LastSeen:   d.LastSeen,
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Sessions())
}

type commandRequest struct {
	Command        string `json:"command"`
	Description    string `json:"description"`
	Shell          string `json:"shell"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type commandResponse struct {
	CommandID string `json:"command_id"`
	Outcome   string `json:"outcome"`
	Output    string `json:"output,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	var req commandRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeError(w, http.StatusBadRequest, "command required")
		return
	}

	res := s.ctrl.RunCommand(r.Context(), deviceID, dispatch.Request{
		Command:     req.Command,
		Description: req.Description,
		Shell:       req.Shell,
		Timeout:     time.Duration(req.TimeoutSeconds) * time.Second,
	})

	// Precondition failures never reached the device; everything else is a
	// terminal outcome of a dispatched command and returns 200.
	switch res.Error {
	case dispatch.ErrNotConnected:
		writeError(w, http.StatusConflict, "device not connected")
		return
	case dispatch.ErrQueueFull:
		writeError(w, http.StatusTooManyRequests, "device command queue full")
		return
	}

	writeJSON(w, http.StatusOK, commandResponse{
		CommandID: res.ID,
		Outcome:   control.Outcome(res),
		Output:    res.Output,
		Reason:    res.Reason,
		Error:     res.Error,
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	rows, err := s.repo.ListAudit(r.Context(), deviceID, limit)
	if err != nil {
		slog.Error("audit query failed", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load audit history")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}
