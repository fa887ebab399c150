// Package rpc multiplexes bidirectional request/response calls and one-way
// notifications over the per-agent frame transport. Outbound calls are
// correlated by a gateway-chosen uuid; inbound calls and notifications are
// dispatched to registered handlers by method name.
//
// Ordering: notifications from one agent are delivered to their handler
// synchronously from that agent's read goroutine, preserving wire order —
// this is what makes chunk streaming deterministic. Inbound calls run on
// their own goroutine so a slow handler cannot stall the agent's stream.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/modelgate-io/modelgate/internal/protocol"
	"github.com/modelgate-io/modelgate/internal/transport"
)

var (
	// ErrCallTimeout is returned when an outbound call receives no reply
	// within the configured call timeout.
	ErrCallTimeout = errors.New("rpc: call timed out")

	// ErrTransportClosed is returned for outbound calls whose agent session
	// closed before a reply arrived.
	ErrTransportClosed = errors.New("rpc: transport closed")
)

// RemoteError is a failure reported by the agent for a specific call.
type RemoteError struct {
	Method  string
	Message string
	Code    string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("rpc: %s failed: %s (%s)", e.Method, e.Message, e.Code)
	}
	return fmt.Sprintf("rpc: %s failed: %s", e.Method, e.Message)
}

// HandlerFunc serves an inbound call from an agent. The returned value is
// serialized as the result frame; a non-nil error produces an error frame.
type HandlerFunc func(ctx context.Context, agentID string, args json.RawMessage) (any, error)

// NotifyFunc serves an inbound notification. No reply is sent.
type NotifyFunc func(agentID string, args json.RawMessage)

// SessionListener observes agent session lifecycle. Installed after
// construction (two-phase wire-up) because the dispatcher that implements it
// also needs the Mux to issue calls.
type SessionListener interface {
	AgentConnected(agentID, name string, installedModels []string)
	AgentDisconnected(agentID string, err error)
}

// pendingCall tracks one in-flight outbound call.
type pendingCall struct {
	agentID string
	method  string
	done    chan callOutcome
}

type callOutcome struct {
	value json.RawMessage
	err   error
}

// Mux is the RPC multiplexer. It implements transport.Handler.
// The zero value is not usable — create instances with New.
type Mux struct {
	transport *transport.Transport

	mu      sync.Mutex
	pending map[string]*pendingCall // frame id → call

	handlers map[string]HandlerFunc
	notifies map[string]NotifyFunc

	listener    SessionListener
	callTimeout time.Duration
	logger      *zap.Logger
}

// New creates a Mux bound to the transport. callTimeout bounds every
// outbound call; zero disables the timeout. Handlers and the session
// listener must be registered before the transport accepts connections.
func New(t *transport.Transport, callTimeout time.Duration, logger *zap.Logger) *Mux {
	return &Mux{
		transport:   t,
		pending:     make(map[string]*pendingCall),
		handlers:    make(map[string]HandlerFunc),
		notifies:    make(map[string]NotifyFunc),
		callTimeout: callTimeout,
		logger:      logger.Named("rpc"),
	}
}

// SetSessionListener installs the session lifecycle listener.
func (m *Mux) SetSessionListener(l SessionListener) {
	m.listener = l
}

// HandleMethod registers the handler for an inbound call method.
func (m *Mux) HandleMethod(method string, h HandlerFunc) {
	m.handlers[method] = h
}

// HandleNotify registers the handler for an inbound notification method.
func (m *Mux) HandleNotify(method string, h NotifyFunc) {
	m.notifies[method] = h
}

// Call invokes method on the agent and decodes the reply into result.
// result may be nil for void methods. Returns a *RemoteError when the agent
// reports failure, ErrCallTimeout on timeout, ErrTransportClosed when the
// session dies mid-call, and transport errors when the frame cannot be sent.
func (m *Mux) Call(ctx context.Context, agentID, method string, args, result any) error {
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("rpc: marshal %s args: %w", method, err)
	}

	id := uuid.NewString()
	call := &pendingCall{
		agentID: agentID,
		method:  method,
		done:    make(chan callOutcome, 1),
	}

	m.mu.Lock()
	m.pending[id] = call
	m.mu.Unlock()

	frame := protocol.Frame{
		Type:   protocol.FrameCall,
		ID:     id,
		Method: method,
		Args:   rawArgs,
	}
	if err := m.transport.Send(agentID, frame); err != nil {
		m.removePending(id)
		return fmt.Errorf("rpc: send %s: %w", method, err)
	}

	var timeout <-chan time.Time
	if m.callTimeout > 0 {
		timer := time.NewTimer(m.callTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case outcome := <-call.done:
		if outcome.err != nil {
			return outcome.err
		}
		if result != nil && len(outcome.value) > 0 {
			if err := json.Unmarshal(outcome.value, result); err != nil {
				return fmt.Errorf("rpc: decode %s result: %w", method, err)
			}
		}
		return nil

	case <-timeout:
		m.removePending(id)
		return fmt.Errorf("%w: %s", ErrCallTimeout, method)

	case <-ctx.Done():
		m.removePending(id)
		return ctx.Err()
	}
}

// Notify sends a fire-and-forget notification to the agent.
func (m *Mux) Notify(agentID, method string, args any) error {
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("rpc: marshal %s args: %w", method, err)
	}
	frame := protocol.Frame{
		Type:   protocol.FrameNotify,
		Method: method,
		Args:   rawArgs,
	}
	if err := m.transport.Send(agentID, frame); err != nil {
		return fmt.Errorf("rpc: notify %s: %w", method, err)
	}
	return nil
}

// ─── transport.Handler ───────────────────────────────────────────────────────

// HandleOpen implements transport.Handler.
func (m *Mux) HandleOpen(agentID, name string, installedModels []string) {
	if m.listener != nil {
		m.listener.AgentConnected(agentID, name, installedModels)
	}
}

// HandleFrame implements transport.Handler. Dispatches by frame type.
func (m *Mux) HandleFrame(agentID string, frame protocol.Frame) {
	switch frame.Type {
	case protocol.FrameResult, protocol.FrameError:
		m.resolve(agentID, frame)

	case protocol.FrameCall:
		// Inbound calls run on their own goroutine so a slow handler does
		// not stall the agent's notification stream.
		go m.serveCall(agentID, frame)

	case protocol.FrameNotify:
		if h, ok := m.notifies[frame.Method]; ok {
			h(agentID, frame.Args)
			return
		}
		m.logger.Debug("unhandled notification",
			zap.String("agent_id", agentID),
			zap.String("method", frame.Method),
		)

	default:
		m.logger.Warn("dropping frame with unknown type",
			zap.String("agent_id", agentID),
			zap.String("type", string(frame.Type)),
		)
	}
}

// HandleClose implements transport.Handler. Every call still pending against
// the agent fails with ErrTransportClosed; replies for in-flight inbound
// calls are silently discarded by the transport's dead session.
func (m *Mux) HandleClose(agentID string, err error) {
	m.mu.Lock()
	var failed []*pendingCall
	for id, call := range m.pending {
		if call.agentID == agentID {
			failed = append(failed, call)
			delete(m.pending, id)
		}
	}
	m.mu.Unlock()

	for _, call := range failed {
		call.done <- callOutcome{err: fmt.Errorf("%w: %s", ErrTransportClosed, call.method)}
	}

	if m.listener != nil {
		m.listener.AgentDisconnected(agentID, err)
	}
}

// resolve delivers a result or error frame to its pending call.
func (m *Mux) resolve(agentID string, frame protocol.Frame) {
	m.mu.Lock()
	call, ok := m.pending[frame.ID]
	if ok {
		delete(m.pending, frame.ID)
	}
	m.mu.Unlock()

	if !ok {
		// Late reply after timeout or disconnect — nothing to deliver to.
		m.logger.Debug("reply for unknown call id",
			zap.String("agent_id", agentID),
			zap.String("call_id", frame.ID),
		)
		return
	}

	if frame.Type == protocol.FrameError {
		msg := "unknown error"
		code := ""
		if frame.Error != nil {
			msg = frame.Error.Message
			code = frame.Error.Code
		}
		call.done <- callOutcome{err: &RemoteError{Method: call.method, Message: msg, Code: code}}
		return
	}
	call.done <- callOutcome{value: frame.Value}
}

// serveCall runs an inbound call handler and sends the reply frame.
func (m *Mux) serveCall(agentID string, frame protocol.Frame) {
	h, ok := m.handlers[frame.Method]
	if !ok {
		m.reply(agentID, protocol.Frame{
			Type:  protocol.FrameError,
			ID:    frame.ID,
			Error: &protocol.FrameErrorBody{Message: "unknown method: " + frame.Method, Code: "unknown_method"},
		})
		return
	}

	value, err := h(context.Background(), agentID, frame.Args)
	if err != nil {
		m.reply(agentID, protocol.Frame{
			Type:  protocol.FrameError,
			ID:    frame.ID,
			Error: &protocol.FrameErrorBody{Message: err.Error()},
		})
		return
	}

	rawValue, err := json.Marshal(value)
	if err != nil {
		m.logger.Error("failed to marshal call result",
			zap.String("method", frame.Method),
			zap.Error(err),
		)
		return
	}
	m.reply(agentID, protocol.Frame{
		Type:  protocol.FrameResult,
		ID:    frame.ID,
		Value: rawValue,
	})
}

func (m *Mux) reply(agentID string, frame protocol.Frame) {
	if err := m.transport.Send(agentID, frame); err != nil {
		m.logger.Debug("failed to send reply",
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
	}
}

func (m *Mux) removePending(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}
