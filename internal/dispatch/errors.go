package dispatch

import "errors"

// Terminal error kinds for dispatched requests. Exactly one of these (or nil,
// for a clean [DONE]) is observable via Broker.Err after the broker
// terminates. The api layer maps them onto HTTP statuses and OpenAI error
// codes; the metrics label uses ErrKind.
var (
	// ErrNoAvailableAgents means no connected agent has the requested
	// model installed. Raised before any dispatch happens.
	ErrNoAvailableAgents = errors.New("no connected agent has the requested model installed")

	// ErrModelLoadFailed means the chosen agent rejected startModel.
	ErrModelLoadFailed = errors.New("agent failed to load the requested model")

	// ErrAgentDisconnected means the bound agent's session closed while
	// the request was in flight.
	ErrAgentDisconnected = errors.New("agent disconnected mid-request")

	// ErrTimeout means the broker deadline expired before [DONE].
	ErrTimeout = errors.New("request deadline exceeded")

	// ErrClientCancelled means the HTTP client went away. No response body
	// is emitted past cancellation.
	ErrClientCancelled = errors.New("client cancelled the request")

	// ErrServerShutdown means the gateway is shutting down.
	ErrServerShutdown = errors.New("server is shutting down")

	// ErrEmptyResponse means the stream terminated with [DONE] before any
	// chunk arrived, leaving nothing to assemble a response from.
	ErrEmptyResponse = errors.New("agent produced no output before [DONE]")
)

// ErrKind returns the stable machine-readable name of a terminal error, or
// "server_error" for anything unrecognized.
func ErrKind(err error) string {
	switch {
	case errors.Is(err, ErrNoAvailableAgents):
		return "no_available_agents"
	case errors.Is(err, ErrModelLoadFailed):
		return "model_load_failed"
	case errors.Is(err, ErrAgentDisconnected):
		return "agent_disconnected"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrClientCancelled):
		return "client_cancelled"
	case errors.Is(err, ErrServerShutdown):
		return "server_shutdown"
	case errors.Is(err, ErrEmptyResponse):
		return "empty_response"
	default:
		return "server_error"
	}
}
