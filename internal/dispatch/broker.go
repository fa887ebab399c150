package dispatch

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/modelgate-io/modelgate/internal/metrics"
	"github.com/modelgate-io/modelgate/internal/protocol"
)

// Kind distinguishes the two inference request shapes.
type Kind string

const (
	KindCompletion Kind = "completion"
	KindChat       Kind = "chat"
)

// Mode distinguishes how the response leaves the gateway.
type Mode string

const (
	// ModeStream relays chunks to the client as SSE events as they arrive.
	ModeStream Mode = "stream"

	// ModeBuffered accumulates chunks and returns one final JSON envelope.
	ModeBuffered Mode = "buffered"
)

// Event is one streaming chunk delivered to the broker's consumer. Data is
// the chunk object exactly as the agent sent it — unknown fields pass through
// to the client verbatim.
type Event struct {
	Data json.RawMessage
}

// eventBufferSize is the capacity of the broker's chunk channel. When it
// fills, the agent's read goroutine blocks on delivery, which is genuine
// per-agent backpressure; the block is released if the broker terminates.
const eventBufferSize = 64

// Broker is the per-request coordinator between one dispatched agent call
// and one HTTP response. It owns the single-consumer chunk channel the HTTP
// task reads, enforces the request deadline, and guarantees exactly one
// terminal event no matter how many failure paths race.
//
// Chunk producer: the bound agent's read goroutine (wire order preserved).
// Chunk consumer: the HTTP handler goroutine.
// Terminators: the producer ([DONE]), the deadline timer, the HTTP handler
// (client cancel), and the dispatcher (agent disconnect, shutdown).
type Broker struct {
	// CallID is the gateway-chosen request id, echoed by the agent on
	// every chunk. Distinct from the per-frame RPC correlation ids.
	CallID  string
	AgentID string
	Kind    Kind
	Mode    Mode

	events chan Event
	done   chan struct{}
	once   sync.Once

	// err is the terminal error; nil means a clean [DONE]. Written before
	// done is closed, read only after observing the close.
	err error

	timer   *time.Timer
	started time.Time
	d       *Dispatcher
	logger  *zap.Logger
}

// Events returns the chunk channel. The channel is never closed; consumers
// must select against Done.
func (b *Broker) Events() <-chan Event { return b.events }

// Done is closed when the broker reaches its terminal state.
func (b *Broker) Done() <-chan struct{} { return b.done }

// Err reports the terminal error. Only valid after Done is closed; nil means
// the stream completed with [DONE].
func (b *Broker) Err() error { return b.err }

// Cancel terminates the broker because the HTTP client went away.
// Idempotent, like every path into the terminal state.
func (b *Broker) Cancel() {
	b.terminate(ErrClientCancelled)
}

// deliver routes one receiveCompletion payload into the broker. Called only
// from the bound agent's read goroutine, so chunk order matches wire order.
// The [DONE] marker terminates instead of being delivered.
func (b *Broker) deliver(data json.RawMessage) {
	var marker string
	if err := json.Unmarshal(data, &marker); err == nil && marker == protocol.DoneMarker {
		b.terminate(nil)
		return
	}

	metrics.ChunksTotal.Inc()
	select {
	case b.events <- Event{Data: data}:
	case <-b.done:
		// Terminated while the consumer was gone — drop the chunk.
	}
}

// terminate moves the broker to its terminal state exactly once: record the
// outcome, release registry and stream-table resources, then close done so
// both the consumer and any blocked producer unwind. Every exit path funnels
// through here.
func (b *Broker) terminate(err error) {
	b.once.Do(func() {
		b.err = err
		if b.timer != nil {
			b.timer.Stop()
		}

		b.d.removeStream(b.CallID)
		b.d.reg.UnbindRequest(b.CallID)
		b.d.reg.DecrementPending(b.AgentID)

		metrics.BrokersInFlight.Dec()
		metrics.RequestDuration.Observe(time.Since(b.started).Seconds())
		if err != nil {
			metrics.DispatchErrors.WithLabelValues(ErrKind(err)).Inc()
		}

		// Tell the agent to stop generating when the gateway gave up
		// first. Best effort — the agent may already be gone.
		if errors.Is(err, ErrTimeout) || errors.Is(err, ErrClientCancelled) || errors.Is(err, ErrServerShutdown) {
			if nerr := b.d.mux.Notify(b.AgentID, protocol.MethodCancel, protocol.CancelArgs{RequestID: b.CallID}); nerr != nil {
				b.logger.Debug("cancel notify failed", zap.Error(nerr))
			}
		}

		if err != nil {
			b.logger.Info("request terminated",
				zap.String("call_id", b.CallID),
				zap.String("agent_id", b.AgentID),
				zap.String("kind", ErrKind(err)),
				zap.Duration("elapsed", time.Since(b.started)),
			)
		}

		close(b.done)
	})
}
