package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/modelgate-io/modelgate/internal/protocol"
)

// recordingHandler collects transport events on channels so tests can wait
// for them without polling.
type recordingHandler struct {
	opens  chan openEvent
	frames chan protocol.Frame
	closes chan error
}

type openEvent struct {
	agentID string
	name    string
	models  []string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		opens:  make(chan openEvent, 8),
		frames: make(chan protocol.Frame, 64),
		closes: make(chan error, 8),
	}
}

func (h *recordingHandler) HandleOpen(agentID, name string, installedModels []string) {
	h.opens <- openEvent{agentID: agentID, name: name, models: installedModels}
}

func (h *recordingHandler) HandleFrame(agentID string, frame protocol.Frame) {
	h.frames <- frame
}

func (h *recordingHandler) HandleClose(agentID string, err error) {
	h.closes <- err
}

func startTransport(t *testing.T, secret string) (*Transport, *recordingHandler, string) {
	t.Helper()

	tr := New(secret, zap.NewNop())
	h := newRecordingHandler()
	tr.SetHandler(h)

	srv := httptest.NewServer(http.HandlerFunc(tr.ServeAgent))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return tr, h, wsURL
}

func dialAgent(t *testing.T, wsURL, id, name, models string, extra http.Header) *websocket.Conn {
	t.Helper()

	header := http.Header{}
	if id != "" {
		header.Set("agent-id", id)
	}
	if name != "" {
		header.Set("agent-name", name)
	}
	if models != "" {
		header.Set("agent-installed-models", models)
	}
	for k, v := range extra {
		header[k] = v
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// expectPolicyClose reads until the connection fails with close code 1008.
func expectPolicyClose(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
		"expected close 1008, got %v", err)
}

func TestHandshakeDeliversOpenEvent(t *testing.T) {
	_, h, wsURL := startTransport(t, "")

	dialAgent(t, wsURL, "a1", "worker-1", "m1, m2 ,", nil)

	ev := <-h.opens
	assert.Equal(t, "a1", ev.agentID)
	assert.Equal(t, "worker-1", ev.name)
	assert.Equal(t, []string{"m1", "m2"}, ev.models)
}

func TestMissingIdentityHeadersRejected(t *testing.T) {
	_, h, wsURL := startTransport(t, "")

	conn := dialAgent(t, wsURL, "", "", "", nil)
	expectPolicyClose(t, conn)

	select {
	case <-h.opens:
		t.Fatal("open event for rejected handshake")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSecretEnforced(t *testing.T) {
	_, h, wsURL := startTransport(t, "s3cret")

	// Wrong secret is rejected after upgrade.
	bad := dialAgent(t, wsURL, "a1", "w", "", http.Header{"Authorization": {"Bearer nope"}})
	expectPolicyClose(t, bad)

	// Correct secret connects.
	dialAgent(t, wsURL, "a2", "w", "", http.Header{"Authorization": {"Bearer s3cret"}})
	ev := <-h.opens
	assert.Equal(t, "a2", ev.agentID)
}

func TestDuplicateAgentIDRejected(t *testing.T) {
	_, h, wsURL := startTransport(t, "")

	dialAgent(t, wsURL, "a1", "first", "", nil)
	<-h.opens

	second := dialAgent(t, wsURL, "a1", "second", "", nil)
	expectPolicyClose(t, second)

	select {
	case <-h.opens:
		t.Fatal("duplicate handshake produced an open event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFramesFlowBothWays(t *testing.T) {
	tr, h, wsURL := startTransport(t, "")

	conn := dialAgent(t, wsURL, "a1", "w", "", nil)
	<-h.opens

	// Agent → gateway.
	inbound := protocol.Frame{
		Type:   protocol.FrameNotify,
		Method: protocol.MethodReceiveCompletion,
		Args:   json.RawMessage(`{"requestId":"r1","data":"x"}`),
	}
	require.NoError(t, conn.WriteJSON(inbound))

	got := <-h.frames
	assert.Equal(t, protocol.FrameNotify, got.Type)
	assert.Equal(t, protocol.MethodReceiveCompletion, got.Method)

	// Gateway → agent.
	outbound := protocol.Frame{
		Type:   protocol.FrameCall,
		ID:     "call-1",
		Method: protocol.MethodStatus,
	}
	require.NoError(t, tr.Send("a1", outbound))

	var received protocol.Frame
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&received))
	assert.Equal(t, "call-1", received.ID)
	assert.Equal(t, protocol.MethodStatus, received.Method)
}

func TestMalformedFrameDoesNotCloseSession(t *testing.T) {
	_, h, wsURL := startTransport(t, "")

	conn := dialAgent(t, wsURL, "a1", "w", "", nil)
	<-h.opens

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteJSON(protocol.Frame{Type: protocol.FrameNotify, Method: "ping"}))

	// The well-formed frame after the garbage still arrives.
	got := <-h.frames
	assert.Equal(t, "ping", got.Method)
}

func TestSendToUnknownAgent(t *testing.T) {
	tr, _, _ := startTransport(t, "")
	err := tr.Send("ghost", protocol.Frame{Type: protocol.FrameCall})
	assert.ErrorIs(t, err, ErrNotConnected)
}

// blockingCloseHandler parks inside HandleClose until released, holding the
// session teardown mid-flight so tests can exercise the reconnect window.
type blockingCloseHandler struct {
	*recordingHandler
	closing chan struct{}
	release chan struct{}
}

func (h *blockingCloseHandler) HandleClose(agentID string, err error) {
	h.closing <- struct{}{}
	<-h.release
	h.recordingHandler.HandleClose(agentID, err)
}

func TestReconnectDuringTeardownRejectedAsDuplicate(t *testing.T) {
	tr := New("", zap.NewNop())
	h := &blockingCloseHandler{
		recordingHandler: newRecordingHandler(),
		closing:          make(chan struct{}, 8),
		release:          make(chan struct{}),
	}
	tr.SetHandler(h)

	srv := httptest.NewServer(http.HandlerFunc(tr.ServeAgent))
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	first := dialAgent(t, wsURL, "a1", "w", "", nil)
	<-h.opens

	_ = first.Close()
	<-h.closing // teardown started, the old session still occupies the id

	// A reconnect racing the teardown must see the duplicate rejection, not
	// register against the dying session's state.
	second := dialAgent(t, wsURL, "a1", "w", "", nil)
	expectPolicyClose(t, second)
	select {
	case <-h.opens:
		t.Fatal("reconnect registered while the old session was closing")
	case <-time.After(100 * time.Millisecond):
	}

	close(h.release)
	<-h.closes

	// Once teardown completed the id is free again.
	dialAgent(t, wsURL, "a1", "w", "", nil)
	ev := <-h.opens
	assert.Equal(t, "a1", ev.agentID)
}

func TestBroadcastReachesAllAgents(t *testing.T) {
	tr, h, wsURL := startTransport(t, "")

	first := dialAgent(t, wsURL, "a1", "w", "", nil)
	<-h.opens
	second := dialAgent(t, wsURL, "a2", "w", "", nil)
	<-h.opens

	tr.Broadcast(protocol.Frame{
		Type:   protocol.FrameNotify,
		Method: protocol.MethodCancel,
		Args:   json.RawMessage(`{"requestId":"r1"}`),
	})

	for _, conn := range []*websocket.Conn{first, second} {
		var got protocol.Frame
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		require.NoError(t, conn.ReadJSON(&got))
		assert.Equal(t, protocol.FrameNotify, got.Type)
		assert.Equal(t, protocol.MethodCancel, got.Method)
	}
}

func TestCloseEventOnDisconnect(t *testing.T) {
	_, h, wsURL := startTransport(t, "")

	conn := dialAgent(t, wsURL, "a1", "w", "", nil)
	<-h.opens

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
	_ = conn.Close()

	select {
	case err := <-h.closes:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("no close event after agent disconnect")
	}
}
