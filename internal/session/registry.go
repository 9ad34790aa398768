package session

import (
	"log/slog"
	"sync"
	"time"

	"remote-access-service/internal/observability"
)

type State string

const (
	StatePending       State = "pending"
	StateAuthenticated State = "authenticated"
	StateActive        State = "active"
	StateClosing       State = "closing"
	StateClosed        State = "closed"
)

// Conn is the transport handle owned by a registry entry. The websocket
// gateway provides the real implementation; tests use fakes.
type Conn interface {
	WriteJSON(v any) error
	Close() error
	IsOpen() bool
}

// Session is the live binding between a device and its connection.
type Session struct {
	DeviceID    string
	UserID      string
	DeviceName  string
	ConnectedAt time.Time

	mu            sync.Mutex
	conn          Conn
	state         State
	lastHeartbeat time.Time
}

func NewSession(deviceID, userID, deviceName string, conn Conn) *Session {
	now := time.Now()
	return &Session{
		DeviceID:      deviceID,
		UserID:        userID,
		DeviceName:    deviceName,
		ConnectedAt:   now,
		conn:          conn,
		state:         StateAuthenticated,
		lastHeartbeat: now,
	}
}

// Activate marks the handshake complete; only active sessions accept
// command traffic.
func (s *Session) Activate() {
	s.setState(StateActive)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
}

// write serializes frames onto the connection; gorilla allows one concurrent
// writer per conn.
func (s *Session) write(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *Session) open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateActive && s.conn.IsOpen()
}

func (s *Session) closeConn() {
	s.mu.Lock()
	s.state = StateClosed
	conn := s.conn
	s.mu.Unlock()
	// Best effort; the peer may already be gone.
	_ = conn.Close()
}

// Info is a read-only snapshot for status listings.
type Info struct {
	DeviceID      string    `json:"device_id"`
	UserID        string    `json:"user_id"`
	DeviceName    string    `json:"device_name"`
	State         State     `json:"state"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// EvictFunc is notified after a session has been removed because its
// transport is gone (replaced, send failure, or staleness). Registered at
// construction so pending command calls can be failed over to the caller.
type EvictFunc func(deviceID string, reason string)

// Registry is the single source of truth mapping a device to at most one
// live session. All mutations go through one mutex so register/replace/
// unregister are atomic.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	onEvict  EvictFunc
}

func NewRegistry(onEvict EvictFunc) *Registry {
	if onEvict == nil {
		onEvict = func(string, string) {}
	}
	return &Registry{sessions: map[string]*Session{}, onEvict: onEvict}
}

// Register admits a session. An existing session for the same device is
// force-closed first; a zombie connection left by a silent network
// partition must not shadow the new one.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	old, replaced := r.sessions[s.DeviceID]
	r.sessions[s.DeviceID] = s
	observability.ActiveSessions.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	if replaced {
		old.closeConn()
		r.onEvict(s.DeviceID, "replaced")
		slog.Info("session replaced", "device_id", s.DeviceID)
	}
	slog.Info("session registered", "device_id", s.DeviceID, "user_id", s.UserID, "device_name", s.DeviceName)
}

// Unregister removes the entry and closes its handle. Idempotent.
func (r *Registry) Unregister(deviceID string) {
	r.remove(deviceID, "disconnected")
}

func (r *Registry) remove(deviceID, reason string) {
	r.mu.Lock()
	s, ok := r.sessions[deviceID]
	if ok {
		delete(r.sessions, deviceID)
	}
	observability.ActiveSessions.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	if !ok {
		return
	}
	s.closeConn()
	r.onEvict(deviceID, reason)
	slog.Info("session removed", "device_id", deviceID, "reason", reason)
}

// Remove unregisters only if the indexed entry is this exact session, so a
// replaced connection's dying read loop cannot evict its successor.
func (r *Registry) Remove(s *Session, reason string) {
	r.mu.Lock()
	cur, ok := r.sessions[s.DeviceID]
	if !ok || cur != s {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s.DeviceID)
	observability.ActiveSessions.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	s.closeConn()
	r.onEvict(s.DeviceID, reason)
	slog.Info("session removed", "device_id", s.DeviceID, "reason", reason)
}

func (r *Registry) Get(deviceID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[deviceID]
	return s, ok
}

// IsConnected reports transport-level liveness, not just index presence. An
// indexed session whose transport reports closed counts as absent.
func (r *Registry) IsConnected(deviceID string) bool {
	s, ok := r.Get(deviceID)
	return ok && s.open()
}

// Send writes one message to the device. A failed or closed transport
// unregisters the session so stale entries heal on next use.
func (r *Registry) Send(deviceID string, v any) bool {
	s, ok := r.Get(deviceID)
	if !ok {
		return false
	}
	if !s.open() {
		r.remove(deviceID, "disconnected")
		return false
	}
	if err := s.write(v); err != nil {
		slog.Warn("session send failed", "device_id", deviceID, "error", err)
		r.remove(deviceID, "disconnected")
		return false
	}
	return true
}

// SendTo writes to this exact session handle. It refuses to act once the
// handle has been replaced in the index, so a dying connection's read loop
// can neither reach nor heal its successor.
func (r *Registry) SendTo(s *Session, v any) bool {
	if !r.owns(s) {
		return false
	}
	if !s.open() {
		r.Remove(s, "disconnected")
		return false
	}
	if err := s.write(v); err != nil {
		slog.Warn("session send failed", "device_id", s.DeviceID, "error", err)
		r.Remove(s, "disconnected")
		return false
	}
	return true
}

// Touch records a heartbeat.
func (r *Registry) Touch(deviceID string) {
	if s, ok := r.Get(deviceID); ok {
		s.touch()
	}
}

// TouchSession records a heartbeat only if this exact handle is still the
// registered one, so a replaced connection cannot keep its successor alive.
func (r *Registry) TouchSession(s *Session) bool {
	if !r.owns(s) {
		return false
	}
	s.touch()
	return true
}

func (r *Registry) owns(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[s.DeviceID] == s
}

func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		s.mu.Lock()
		out = append(out, Info{
			DeviceID:      s.DeviceID,
			UserID:        s.UserID,
			DeviceName:    s.DeviceName,
			State:         s.state,
			ConnectedAt:   s.ConnectedAt,
			LastHeartbeat: s.lastHeartbeat,
		})
		s.mu.Unlock()
	}
	return out
}

// EvictStale removes sessions whose last heartbeat is older than the
// threshold and returns the evicted device IDs.
func (r *Registry) EvictStale(threshold time.Duration, now time.Time) []string {
	r.mu.Lock()
	var stale []string
	for id, s := range r.sessions {
		if now.Sub(s.LastHeartbeat()) > threshold {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.remove(id, "stale")
	}
	return stale
}

// Drain closes every session, for graceful shutdown.
func (r *Registry) Drain() {
	r.mu.Lock()
	all := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		all = append(all, id)
	}
	r.mu.Unlock()
	for _, id := range all {
		r.remove(id, "shutdown")
	}
}
