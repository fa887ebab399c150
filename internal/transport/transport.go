// Package transport maintains one WebSocket session per connected agent and
// converts between wire frames and protocol.Frame values. It owns the
// HTTP upgrade handshake (agent identity headers, optional shared secret,
// duplicate-id rejection) and the per-connection read/write pumps.
//
// The transport knows nothing about RPC semantics: it demultiplexes inbound
// frames by agent id and hands them to a Handler in wire order. The RPC layer
// is installed as the handler after construction — the two-phase wire-up
// avoids a constructor cycle between the packages.
package transport

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/modelgate-io/modelgate/internal/protocol"
)

// ErrNotConnected is returned by Send when no session exists for the agent id
// or its session is being torn down.
var ErrNotConnected = errors.New("transport: agent not connected")

// Handler receives transport events. All methods for a single agent are
// invoked from that agent's read goroutine, so frames arrive in wire order;
// calls for different agents may be concurrent.
type Handler interface {
	// HandleOpen is invoked after an agent completes the handshake,
	// before any of its frames are delivered.
	HandleOpen(agentID, name string, installedModels []string)

	// HandleFrame is invoked for every well-formed frame from the agent.
	HandleFrame(agentID string, frame protocol.Frame)

	// HandleClose is invoked exactly once when the agent's session ends,
	// after the last HandleFrame for that agent. err is nil on a clean
	// close initiated by either side.
	HandleClose(agentID string, err error)
}

// upgrader performs the HTTP → WebSocket protocol upgrade. CheckOrigin always
// returns true — agents are not browsers and authenticate with the shared
// secret instead.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Transport is the set of live agent sessions, keyed by agent id.
// At most one session per id exists at any time.
//
// The zero value is not usable — create instances with New.
type Transport struct {
	mu    sync.RWMutex
	conns map[string]*Conn

	handler Handler
	secret  string
	logger  *zap.Logger
}

// New creates a Transport. secret, when non-empty, is required as a bearer
// token on every agent handshake. Call SetHandler before serving upgrades.
func New(secret string, logger *zap.Logger) *Transport {
	return &Transport{
		conns:  make(map[string]*Conn),
		secret: secret,
		logger: logger.Named("transport"),
	}
}

// SetHandler installs the frame handler. Must be called once, before the
// first handshake is served.
func (t *Transport) SetHandler(h Handler) {
	t.handler = h
}

// ServeAgent handles the agent WebSocket endpoint. The handshake carries the
// agent's identity in headers:
//
//	agent-id:               unique id (required)
//	agent-name:             human-readable label (required)
//	agent-installed-models: comma-separated internal model names (optional)
//	Authorization:          "Bearer <secret>" when a secret is configured
//
// Handshakes that fail policy (missing identity, bad secret, duplicate id)
// are upgraded and then immediately closed with close code 1008 (policy
// violation) so the agent sees a definite protocol-level rejection rather
// than an opaque HTTP error.
//
// The handler blocks until the session ends, running the read pump on the
// request goroutine — the same shape as any long-lived WebSocket handler.
func (t *Transport) ServeAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.Header.Get("agent-id")
	agentName := r.Header.Get("agent-name")
	installedModels := splitModels(r.Header.Get("agent-installed-models"))

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error response.
		t.logger.Warn("agent upgrade failed", zap.Error(err))
		return
	}

	if agentID == "" || agentName == "" {
		t.rejectPolicy(wsConn, "missing agent identity headers")
		return
	}
	if !t.checkSecret(r) {
		t.rejectPolicy(wsConn, "invalid agent secret")
		return
	}

	conn := newConn(agentID, wsConn, t.logger)

	t.mu.Lock()
	if _, exists := t.conns[agentID]; exists {
		t.mu.Unlock()
		t.logger.Warn("rejecting duplicate agent id", zap.String("agent_id", agentID))
		t.rejectPolicy(wsConn, "agent id already connected")
		return
	}
	t.conns[agentID] = conn
	t.mu.Unlock()

	t.handler.HandleOpen(agentID, agentName, installedModels)

	go conn.writePump()
	readErr := conn.readPump(t.handler)

	// HandleClose runs while the dead session still occupies the conn map:
	// a racing reconnect with the same id is rejected as a duplicate instead
	// of registering against the half-torn-down state.
	t.handler.HandleClose(agentID, readErr)
	t.remove(agentID, conn)
}

// Send queues a frame for delivery to one agent. It never blocks: if the
// agent's send buffer is full the session is considered stalled and is torn
// down, and the send fails with ErrNotConnected.
func (t *Transport) Send(agentID string, frame protocol.Frame) error {
	t.mu.RLock()
	conn, exists := t.conns[agentID]
	t.mu.RUnlock()

	if !exists {
		return ErrNotConnected
	}
	if !conn.enqueue(frame) {
		t.logger.Warn("agent send buffer full, dropping connection",
			zap.String("agent_id", agentID),
		)
		conn.shutdown()
		return ErrNotConnected
	}
	return nil
}

// Broadcast queues a frame for every connected agent. Stalled sessions are
// dropped the same way as in Send; there is no per-agent error reporting.
func (t *Transport) Broadcast(frame protocol.Frame) {
	t.mu.RLock()
	conns := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.RUnlock()

	for _, c := range conns {
		if !c.enqueue(frame) {
			c.shutdown()
		}
	}
}

// CloseAll sends a normal close frame to every agent and tears the sessions
// down. Called during graceful shutdown.
func (t *Transport) CloseAll() {
	t.mu.Lock()
	conns := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.closeNormal()
	}
}

// remove deletes the session for agentID if it is still the given conn.
// A reconnect may have raced in a replacement session — never remove that.
func (t *Transport) remove(agentID string, conn *Conn) {
	t.mu.Lock()
	if current, exists := t.conns[agentID]; exists && current == conn {
		delete(t.conns, agentID)
	}
	t.mu.Unlock()
}

// checkSecret compares the bearer token against the configured secret in
// constant time. Always true when no secret is configured.
func (t *Transport) checkSecret(r *http.Request) bool {
	if t.secret == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(t.secret)) == 1
}

// rejectPolicy closes a just-upgraded connection with close code 1008.
func (t *Transport) rejectPolicy(wsConn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = wsConn.WriteMessage(websocket.CloseMessage, msg)
	_ = wsConn.Close()
}

// splitModels parses the comma-separated installed-models header, dropping
// empty entries and surrounding whitespace.
func splitModels(raw string) []string {
	if raw == "" {
		return nil
	}
	var models []string
	for _, m := range strings.Split(raw, ",") {
		if m = strings.TrimSpace(m); m != "" {
			models = append(models, m)
		}
	}
	return models
}
