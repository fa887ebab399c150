// Package dispatch routes inference requests to connected agents. It owns
// agent selection, the per-request broker lifecycle, and the stream table that
// connects inbound completion chunks back to the HTTP handler waiting on them.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/modelgate-io/modelgate/internal/metrics"
	"github.com/modelgate-io/modelgate/internal/protocol"
	"github.com/modelgate-io/modelgate/internal/registry"
	"github.com/modelgate-io/modelgate/internal/rpc"
)

// DefaultDeadline bounds a dispatched request end to end, from broker creation
// to the terminal [DONE]. Local inference on large models is slow, so the
// default is generous.
const DefaultDeadline = 5 * time.Minute

// Dispatcher coordinates the full life of an inference request: pick an agent,
// ensure the model is loaded, issue the generate call, and hand back a Broker
// the HTTP layer consumes chunks from. It also implements rpc.SessionListener,
// so agent connects feed the registry and agent disconnects fail the brokers
// bound to them.
type Dispatcher struct {
	reg *registry.Registry
	mux *rpc.Mux

	mu      sync.Mutex
	streams map[string]*Broker // call_id → broker

	deadline time.Duration
	logger   *zap.Logger
}

// New creates a Dispatcher and registers its notification handlers on the
// mux. deadline caps each request; zero selects DefaultDeadline. The caller
// must also install the Dispatcher as the mux's session listener.
func New(reg *registry.Registry, mux *rpc.Mux, deadline time.Duration, logger *zap.Logger) *Dispatcher {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	d := &Dispatcher{
		reg:      reg,
		mux:      mux,
		streams:  make(map[string]*Broker),
		deadline: deadline,
		logger:   logger.Named("dispatch"),
	}
	mux.HandleNotify(protocol.MethodReceiveCompletion, d.handleCompletionChunk)
	mux.HandleNotify(protocol.MethodAgentError, d.handleAgentError)
	return d
}

// Dispatch runs the selection and call phases for one inference request and
// returns a live Broker. args.RequestID, args.Model and args.Stream are set
// here — agents always stream, and the gateway buffers when the client asked
// for a single envelope.
//
// On error the broker never becomes visible to the caller and all registry
// state is already released.
func (d *Dispatcher) Dispatch(ctx context.Context, kind Kind, mode Mode, internalModel string, args protocol.GenerateArgs) (*Broker, error) {
	chosen, err := SelectAgent(d.reg.List(), internalModel)
	if err != nil {
		return nil, err
	}

	b := &Broker{
		CallID:  uuid.NewString(),
		AgentID: chosen.ID,
		Kind:    kind,
		Mode:    mode,
		events:  make(chan Event, eventBufferSize),
		done:    make(chan struct{}),
		started: time.Now(),
		d:       d,
		logger:  d.logger.With(zap.String("agent_id", chosen.ID)),
	}
	args.RequestID = b.CallID
	args.Model = internalModel
	args.Stream = true

	// The broker is load-visible from this point: pending counts requests
	// that are loading a model as well as ones already generating.
	d.reg.IncrementPending(chosen.ID)
	d.reg.BindRequest(b.CallID, chosen.ID)
	d.mu.Lock()
	d.streams[b.CallID] = b
	d.mu.Unlock()

	metrics.BrokersInFlight.Inc()
	metrics.RequestsTotal.WithLabelValues(string(kind), string(mode)).Inc()
	b.timer = time.AfterFunc(d.deadline, func() { b.terminate(ErrTimeout) })

	if _, loaded := chosen.Loaded[internalModel]; !loaded {
		if err := d.ensureLoaded(ctx, chosen.ID, internalModel); err != nil {
			b.terminate(fmt.Errorf("%w: %v", ErrModelLoadFailed, err))
			return nil, fmt.Errorf("%w: %v", ErrModelLoadFailed, err)
		}
	}

	method := protocol.MethodCompletion
	if kind == KindChat {
		method = protocol.MethodChat
	}
	if err := d.mux.Call(ctx, chosen.ID, method, args, nil); err != nil {
		b.terminate(err)
		return nil, fmt.Errorf("dispatch: %s call: %w", method, err)
	}

	d.logger.Debug("request dispatched",
		zap.String("call_id", b.CallID),
		zap.String("agent_id", chosen.ID),
		zap.String("model", internalModel),
		zap.String("kind", string(kind)),
		zap.String("mode", string(mode)),
	)
	return b, nil
}

// ensureLoaded asks the agent to bring the model into memory and merges the
// reported loaded set into the registry.
func (d *Dispatcher) ensureLoaded(ctx context.Context, agentID, model string) error {
	var result protocol.ModelsResult
	if err := d.mux.Call(ctx, agentID, protocol.MethodStartModel, protocol.StartModelArgs{Model: model}, &result); err != nil {
		return err
	}
	for _, m := range result.Models {
		d.reg.AddLoaded(agentID, m)
	}
	// Belt and braces: some agents reply with an empty list on success.
	d.reg.AddLoaded(agentID, model)
	return nil
}

// Shutdown terminates every in-flight broker. Called during graceful gateway
// shutdown, before agent sessions are closed.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	brokers := make([]*Broker, 0, len(d.streams))
	for _, b := range d.streams {
		brokers = append(brokers, b)
	}
	d.mu.Unlock()

	for _, b := range brokers {
		b.terminate(ErrServerShutdown)
	}
}

// removeStream drops a broker from the stream table. Called from terminate.
func (d *Dispatcher) removeStream(callID string) {
	d.mu.Lock()
	delete(d.streams, callID)
	d.mu.Unlock()
}

// broker returns the live broker for a call id.
func (d *Dispatcher) broker(callID string) (*Broker, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.streams[callID]
	return b, ok
}

// ─── rpc.SessionListener ─────────────────────────────────────────────────────

// AgentConnected implements rpc.SessionListener.
func (d *Dispatcher) AgentConnected(agentID, name string, installedModels []string) {
	if err := d.reg.Register(context.Background(), agentID, name, installedModels); err != nil {
		d.logger.Warn("agent registration failed",
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
	}
}

// AgentDisconnected implements rpc.SessionListener. Every broker bound to the
// agent fails; its pending counter dies with the registry entry.
func (d *Dispatcher) AgentDisconnected(agentID string, err error) {
	bound := d.reg.Remove(agentID)
	if err != nil {
		d.logger.Warn("agent session error",
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
	}
	for _, callID := range bound {
		if b, ok := d.broker(callID); ok {
			b.terminate(ErrAgentDisconnected)
		}
	}
}

// ─── Notification handlers ───────────────────────────────────────────────────

// handleCompletionChunk routes a receiveCompletion notification to its broker.
// Runs on the agent's read goroutine, so chunk order is wire order.
func (d *Dispatcher) handleCompletionChunk(agentID string, args json.RawMessage) {
	var payload protocol.ReceiveCompletionArgs
	if err := json.Unmarshal(args, &payload); err != nil {
		d.logger.Warn("malformed completion chunk",
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
		return
	}

	b, ok := d.broker(payload.RequestID)
	if !ok {
		// Chunk for a request that already terminated — expected after
		// timeouts and cancels until the agent processes the cancel notify.
		d.logger.Debug("chunk for unknown request",
			zap.String("agent_id", agentID),
			zap.String("call_id", payload.RequestID),
		)
		return
	}
	if b.AgentID != agentID {
		d.logger.Warn("chunk from non-owning agent dropped",
			zap.String("agent_id", agentID),
			zap.String("owner", b.AgentID),
			zap.String("call_id", payload.RequestID),
		)
		return
	}
	b.deliver(payload.Data)
}

// handleAgentError logs an agent-reported problem. These are advisory and do
// not terminate requests; a failing request surfaces through its own stream.
func (d *Dispatcher) handleAgentError(agentID string, args json.RawMessage) {
	var payload protocol.AgentErrorArgs
	if err := json.Unmarshal(args, &payload); err != nil {
		d.logger.Warn("malformed agent error notification",
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
		return
	}
	d.logger.Error("agent reported error",
		zap.String("agent_id", agentID),
		zap.String("error", payload.Error),
		zap.String("context", payload.Context),
	)
}
