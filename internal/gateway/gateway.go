package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"remote-access-service/internal/debounce"
	"remote-access-service/internal/dispatch"
	"remote-access-service/internal/observability"
	"remote-access-service/internal/pairing"
	"remote-access-service/internal/ratelimit"
	"remote-access-service/internal/session"
	"remote-access-service/internal/store"
)

const (
	maxFrameSize  = 64 * 1024
	writeDeadline = 5 * time.Second
)

// Gateway terminates agent websocket connections: it runs the pairing
// handshake, admits sessions into the registry, and pumps inbound frames
// to the dispatcher and debouncer.
type Gateway struct {
	upgrader  websocket.Upgrader
	authority *pairing.Authority
	limiter   ratelimit.Limiter
	registry  *session.Registry
	disp      *dispatch.Dispatcher
	debouncer *debounce.Debouncer
	repo      *store.Repo

	authTimeout       time.Duration
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
}

func New(authority *pairing.Authority, limiter ratelimit.Limiter, registry *session.Registry,
	disp *dispatch.Dispatcher, debouncer *debounce.Debouncer, repo *store.Repo,
	authTimeout, heartbeatInterval, heartbeatTimeout time.Duration) *Gateway {
	if authTimeout <= 0 {
		authTimeout = 30 * time.Second
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 90 * time.Second
	}
	return &Gateway{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				// Agents are not browsers; the pairing code is the credential.
				return true
			},
		},
		authority:        authority,
		limiter:          limiter,
		registry:         registry,
		disp:             disp,
		debouncer:        debouncer,
		repo:             repo,
		authTimeout:       authTimeout,
		heartbeatInterval: heartbeatInterval,
		heartbeatTimeout:  heartbeatTimeout,
	}
}

// inboundFrame is the superset of fields agents send. Telemetry frames
// carry arbitrary extra keys, decoded separately.
type inboundFrame struct {
	Type       string `json:"type"`
	Code       string `json:"code,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
	ID         string `json:"id,omitempty"`
	Status     string `json:"status,omitempty"`
	Output     string `json:"output,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess, wc, err := g.handshake(r, conn)
	if err != nil {
		observability.AuthFailuresTotal.Inc()
		slog.Warn("agent handshake failed", "remote", r.RemoteAddr, "error", err)
		// One generic message for every failure mode; the wire must not
		// reveal whether the code was wrong, expired, or rate limited.
		_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		_ = conn.WriteJSON(map[string]string{"type": "error", "message": "authentication failed"})
		_ = conn.Close()
		return
	}

	g.readLoop(sess, wc)
}

var errAuthFailed = errors.New("authentication failed")

func (g *Gateway) handshake(r *http.Request, conn *websocket.Conn) (*session.Session, *wsConn, error) {
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(g.authTimeout))

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, nil, errors.New("no auth frame before deadline")
	}
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Type != "auth" {
		return nil, nil, errors.New("first frame must be auth")
	}

	// Rate limit precedes code validation so a blocked client learns
	// nothing about code validity.
	key := remoteIP(r)
	allowed, err := g.limiter.Allow(r.Context(), key)
	if err != nil {
		slog.Error("rate limiter error", "key", key, "error", err)
		return nil, nil, errAuthFailed
	}
	if !allowed {
		slog.Warn("handshake rate limited", "remote", key)
		return nil, nil, errAuthFailed
	}

	binding, err := g.authority.Validate(r.Context(), frame.Code)
	if err != nil {
		return nil, nil, errAuthFailed
	}

	wc := newWSConn(conn)
	sess := session.NewSession(binding.DeviceID, binding.UserID, frame.DeviceName, wc)
	g.registry.Register(sess)

	if g.repo != nil {
		if err := g.repo.UpsertDevice(context.Background(), binding.DeviceID, binding.UserID, frame.DeviceName); err != nil {
			slog.Error("device record upsert failed", "device_id", binding.DeviceID, "error", err)
		}
	}

	// Activate first; sends only reach active sessions.
	sess.Activate()
	if !g.registry.SendTo(sess, map[string]any{
		"type":               "connection_established",
		"device_id":          binding.DeviceID,
		"heartbeat_interval": int(g.heartbeatInterval / time.Second),
	}) {
		return nil, nil, errors.New("connection lost during handshake")
	}

	slog.Info("agent connected", "device_id", binding.DeviceID, "user_id", binding.UserID, "device_name", frame.DeviceName)
	return sess, wc, nil
}

func (g *Gateway) readLoop(sess *session.Session, conn *wsConn) {
	defer func() {
		g.registry.Remove(sess, "disconnected")
		// A replacement session may already be live for this device; only
		// then is the record still online.
		if g.repo != nil && !g.registry.IsConnected(sess.DeviceID) {
			if err := g.repo.MarkOnline(context.Background(), sess.DeviceID, false); err != nil {
				slog.Error("device record offline update failed", "device_id", sess.DeviceID, "error", err)
			}
		}
	}()

	for {
		_ = conn.conn.SetReadDeadline(time.Now().Add(g.heartbeatTimeout))
		_, raw, err := conn.conn.ReadMessage()
		if err != nil {
			conn.markClosed()
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			// Protocol error: log and drop the connection.
			slog.Warn("malformed frame from agent", "device_id", sess.DeviceID, "error", err)
			conn.markClosed()
			return
		}

		switch frame.Type {
		case "heartbeat":
			// Pointer-guarded: a replaced connection's dying loop must not
			// refresh or ack through its successor.
			if g.registry.TouchSession(sess) {
				g.registry.SendTo(sess, map[string]string{"type": "heartbeat_ack"})
			}

		case "command_result":
			g.disp.HandleResult(sess.DeviceID, frame.ID, dispatch.Result{
				Status: frame.Status,
				Output: frame.Output,
				Reason: frame.Reason,
				Error:  frame.Error,
			})

		default:
			// Anything else is telemetry; buffer it for downstream.
			var payload map[string]any
			_ = json.Unmarshal(raw, &payload)
			g.debouncer.OnEvent(sess.DeviceID, debounce.Event{
				DeviceID: sess.DeviceID,
				Type:     frame.Type,
				Payload:  payload,
			})
		}
	}
}

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// wsConn adapts a gorilla connection to the session.Conn the registry owns.
type wsConn struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *wsConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *wsConn) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
