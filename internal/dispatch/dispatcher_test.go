package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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
	"github.com/modelgate-io/modelgate/internal/registry"
	"github.com/modelgate-io/modelgate/internal/rpc"
	"github.com/modelgate-io/modelgate/internal/transport"
)

// testGateway is a fully wired transport + mux + registry + dispatcher stack
// listening on an httptest server.
type testGateway struct {
	reg        *registry.Registry
	dispatcher *Dispatcher
	wsURL      string
}

func newTestGateway(t *testing.T, deadline time.Duration) *testGateway {
	t.Helper()

	logger := zap.NewNop()
	reg := registry.New(nil, logger)
	tr := transport.New("", logger)
	mux := rpc.New(tr, 2*time.Second, logger)
	tr.SetHandler(mux)

	d := New(reg, mux, deadline, logger)
	mux.SetSessionListener(d)

	srv := httptest.NewServer(http.HandlerFunc(tr.ServeAgent))
	t.Cleanup(srv.Close)

	return &testGateway{
		reg:        reg,
		dispatcher: d,
		wsURL:      "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

// fakeAgent is a scripted agent connected over a real WebSocket. Its run loop
// answers startModel and generate calls and streams the configured chunks.
type fakeAgent struct {
	t    *testing.T
	conn *websocket.Conn
	id   string

	// methods received, in wire order.
	methods chan string

	// chunks streamed after a chat/completion call, before the done marker.
	chunks []string

	// startModelErr, when non-empty, makes startModel fail.
	startModelErr string

	// holdStream suppresses chunk streaming so deadline tests can fire.
	holdStream bool
}

// withStartModelError scripts a startModel failure.
func withStartModelError(msg string) func(*fakeAgent) {
	return func(a *fakeAgent) { a.startModelErr = msg }
}

// withHeldStream suppresses chunk streaming so tests control the timeline.
func withHeldStream() func(*fakeAgent) {
	return func(a *fakeAgent) { a.holdStream = true }
}

func connectAgent(t *testing.T, gw *testGateway, id string, installed []string, chunks []string, opts ...func(*fakeAgent)) *fakeAgent {
	t.Helper()

	header := http.Header{}
	header.Set("agent-id", id)
	header.Set("agent-name", "fake-"+id)
	header.Set("agent-installed-models", strings.Join(installed, ","))

	conn, _, err := websocket.DefaultDialer.Dial(gw.wsURL, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	a := &fakeAgent{
		t:       t,
		conn:    conn,
		id:      id,
		methods: make(chan string, 16),
		chunks:  chunks,
	}
	for _, opt := range opts {
		opt(a)
	}
	go a.run()

	require.Eventually(t, func() bool {
		_, ok := gw.reg.Get(id)
		return ok
	}, 2*time.Second, 10*time.Millisecond, "agent never registered")
	return a
}

func (a *fakeAgent) run() {
	for {
		var frame protocol.Frame
		if err := a.conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Type != protocol.FrameCall {
			continue
		}
		a.methods <- frame.Method

		switch frame.Method {
		case protocol.MethodStartModel:
			if a.startModelErr != "" {
				_ = a.conn.WriteJSON(protocol.Frame{
					Type:  protocol.FrameError,
					ID:    frame.ID,
					Error: &protocol.FrameErrorBody{Message: a.startModelErr},
				})
				continue
			}
			var args protocol.StartModelArgs
			_ = json.Unmarshal(frame.Args, &args)
			value, _ := json.Marshal(protocol.ModelsResult{Models: []string{args.Model}})
			_ = a.conn.WriteJSON(protocol.Frame{Type: protocol.FrameResult, ID: frame.ID, Value: value})

		case protocol.MethodChat, protocol.MethodCompletion:
			_ = a.conn.WriteJSON(protocol.Frame{Type: protocol.FrameResult, ID: frame.ID})
			if a.holdStream {
				continue
			}
			var args protocol.GenerateArgs
			_ = json.Unmarshal(frame.Args, &args)
			for _, chunk := range a.chunks {
				a.sendChunk(args.RequestID, json.RawMessage(chunk))
			}
			done, _ := json.Marshal(protocol.DoneMarker)
			a.sendChunk(args.RequestID, done)

		default:
			_ = a.conn.WriteJSON(protocol.Frame{Type: protocol.FrameResult, ID: frame.ID})
		}
	}
}

func (a *fakeAgent) sendChunk(requestID string, data json.RawMessage) {
	args, _ := json.Marshal(protocol.ReceiveCompletionArgs{
		AgentID:   a.id,
		RequestID: requestID,
		Data:      data,
	})
	_ = a.conn.WriteJSON(protocol.Frame{
		Type:   protocol.FrameNotify,
		Method: protocol.MethodReceiveCompletion,
		Args:   args,
	})
}

// collect drains the broker until its terminal event, returning the chunks.
func collect(t *testing.T, b *Broker) ([]string, error) {
	t.Helper()

	var chunks []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-b.Events():
			chunks = append(chunks, string(ev.Data))
		case <-b.Done():
			for {
				select {
				case ev := <-b.Events():
					chunks = append(chunks, string(ev.Data))
					continue
				default:
				}
				break
			}
			return chunks, b.Err()
		case <-timeout:
			t.Fatal("broker never terminated")
		}
	}
}

func TestDispatchStreamsChunksInOrder(t *testing.T) {
	gw := newTestGateway(t, time.Minute)
	chunks := []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}
	agent := connectAgent(t, gw, "a1", []string{"m1"}, chunks)

	b, err := gw.dispatcher.Dispatch(context.Background(), KindChat, ModeStream, "m1", protocol.GenerateArgs{})
	require.NoError(t, err)

	got, err := collect(t, b)
	require.NoError(t, err)
	assert.Equal(t, chunks, got)

	// Model was not loaded, so startModel preceded chat on the wire.
	assert.Equal(t, protocol.MethodStartModel, <-agent.methods)
	assert.Equal(t, protocol.MethodChat, <-agent.methods)

	// Terminal cleanup released all per-request state.
	s, _ := gw.reg.Get("a1")
	assert.Zero(t, s.Pending)
	_, bound := gw.reg.AgentForRequest(b.CallID)
	assert.False(t, bound)
}

func TestDispatchSkipsStartModelWhenLoaded(t *testing.T) {
	gw := newTestGateway(t, time.Minute)
	agent := connectAgent(t, gw, "a1", []string{"m1"}, []string{`{"n":1}`})

	// First request loads the model.
	b1, err := gw.dispatcher.Dispatch(context.Background(), KindCompletion, ModeBuffered, "m1", protocol.GenerateArgs{})
	require.NoError(t, err)
	_, err = collect(t, b1)
	require.NoError(t, err)
	assert.Equal(t, protocol.MethodStartModel, <-agent.methods)
	assert.Equal(t, protocol.MethodCompletion, <-agent.methods)

	// Second request goes straight to the generate call.
	b2, err := gw.dispatcher.Dispatch(context.Background(), KindCompletion, ModeBuffered, "m1", protocol.GenerateArgs{})
	require.NoError(t, err)
	_, err = collect(t, b2)
	require.NoError(t, err)
	assert.Equal(t, protocol.MethodCompletion, <-agent.methods)
}

func TestDispatchNoAvailableAgents(t *testing.T) {
	gw := newTestGateway(t, time.Minute)

	_, err := gw.dispatcher.Dispatch(context.Background(), KindChat, ModeStream, "m1", protocol.GenerateArgs{})
	assert.ErrorIs(t, err, ErrNoAvailableAgents)
}

func TestDispatchModelLoadFailure(t *testing.T) {
	gw := newTestGateway(t, time.Minute)
	connectAgent(t, gw, "a1", []string{"m1"}, nil, withStartModelError("no space left on device"))

	_, err := gw.dispatcher.Dispatch(context.Background(), KindChat, ModeStream, "m1", protocol.GenerateArgs{})
	assert.ErrorIs(t, err, ErrModelLoadFailed)

	// The failed dispatch left no pending load behind.
	s, _ := gw.reg.Get("a1")
	assert.Zero(t, s.Pending)
}

func TestAgentDisconnectFailsBroker(t *testing.T) {
	gw := newTestGateway(t, time.Minute)
	agent := connectAgent(t, gw, "a1", []string{"m1"}, nil, withHeldStream())

	b, err := gw.dispatcher.Dispatch(context.Background(), KindChat, ModeStream, "m1", protocol.GenerateArgs{})
	require.NoError(t, err)

	// Two chunks arrive, then the agent dies mid-stream.
	agent.sendChunk(b.CallID, json.RawMessage(`{"n":1}`))
	agent.sendChunk(b.CallID, json.RawMessage(`{"n":2}`))
	require.Eventually(t, func() bool {
		return len(b.Events()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	_ = agent.conn.Close()

	got, err := collect(t, b)
	assert.ErrorIs(t, err, ErrAgentDisconnected)
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, got)

	// Registry removal zeroed the agent's state entirely.
	_, ok := gw.reg.Get("a1")
	assert.False(t, ok)
	_, bound := gw.reg.AgentForRequest(b.CallID)
	assert.False(t, bound)
}

func TestBrokerDeadline(t *testing.T) {
	gw := newTestGateway(t, 100*time.Millisecond)
	connectAgent(t, gw, "a1", []string{"m1"}, nil, withHeldStream())

	b, err := gw.dispatcher.Dispatch(context.Background(), KindChat, ModeStream, "m1", protocol.GenerateArgs{})
	require.NoError(t, err)

	_, err = collect(t, b)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestCancelTerminatesOnce(t *testing.T) {
	gw := newTestGateway(t, time.Minute)
	connectAgent(t, gw, "a1", []string{"m1"}, nil, withHeldStream())

	b, err := gw.dispatcher.Dispatch(context.Background(), KindChat, ModeStream, "m1", protocol.GenerateArgs{})
	require.NoError(t, err)

	b.Cancel()
	b.Cancel() // idempotent

	_, err = collect(t, b)
	assert.ErrorIs(t, err, ErrClientCancelled)

	s, _ := gw.reg.Get("a1")
	assert.Zero(t, s.Pending)
}

func TestShutdownFailsInFlightBrokers(t *testing.T) {
	gw := newTestGateway(t, time.Minute)
	connectAgent(t, gw, "a1", []string{"m1"}, nil, withHeldStream())

	b, err := gw.dispatcher.Dispatch(context.Background(), KindChat, ModeStream, "m1", protocol.GenerateArgs{})
	require.NoError(t, err)

	gw.dispatcher.Shutdown()

	_, err = collect(t, b)
	assert.ErrorIs(t, err, ErrServerShutdown)
}

func TestPendingCountsLoadingRequests(t *testing.T) {
	gw := newTestGateway(t, time.Minute)
	connectAgent(t, gw, "a1", []string{"m1"}, nil, withHeldStream())

	b, err := gw.dispatcher.Dispatch(context.Background(), KindChat, ModeStream, "m1", protocol.GenerateArgs{})
	require.NoError(t, err)

	s, _ := gw.reg.Get("a1")
	assert.Equal(t, 1, s.Pending)

	b.Cancel()
	_, _ = collect(t, b)

	s, _ = gw.reg.Get("a1")
	assert.Zero(t, s.Pending)
}

func TestDoneMarkerIsNotDelivered(t *testing.T) {
	gw := newTestGateway(t, time.Minute)
	connectAgent(t, gw, "a1", []string{"m1"}, nil) // zero chunks, immediate done

	b, err := gw.dispatcher.Dispatch(context.Background(), KindChat, ModeStream, "m1", protocol.GenerateArgs{})
	require.NoError(t, err)

	got, err := collect(t, b)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestErrKindNames(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrNoAvailableAgents, "no_available_agents"},
		{fmt.Errorf("%w: disk full", ErrModelLoadFailed), "model_load_failed"},
		{ErrAgentDisconnected, "agent_disconnected"},
		{ErrTimeout, "timeout"},
		{ErrClientCancelled, "client_cancelled"},
		{ErrServerShutdown, "server_shutdown"},
		{ErrEmptyResponse, "empty_response"},
		{errors.New("mystery"), "server_error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrKind(tt.err))
	}
}
