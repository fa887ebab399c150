// Package protocol defines the wire contract spoken between the gateway and
// its agents over the per-agent WebSocket session. Every WebSocket text frame
// carries exactly one JSON-encoded Frame; the Frame type field selects between
// correlated calls (call/result/error) and fire-and-forget notifications.
//
// The gateway calls agent methods (startModel, chat, completion, ...) and the
// agent calls back into the gateway (receiveCompletion, error). Streaming
// output rides on notify frames so chunks never block on a reply.
package protocol

import "encoding/json"

// FrameType discriminates the four kinds of frames on the wire.
type FrameType string

const (
	// FrameCall requests that the peer invoke Method with Args and reply
	// with a result or error frame carrying the same ID.
	FrameCall FrameType = "call"

	// FrameResult carries the successful return value of a prior call.
	FrameResult FrameType = "result"

	// FrameError carries the failure outcome of a prior call.
	FrameError FrameType = "error"

	// FrameNotify invokes Method on the peer without expecting a reply.
	// This is the push channel used for streaming completion chunks.
	FrameNotify FrameType = "notify"
)

// Frame is the envelope for every message exchanged with an agent.
//
// JSON examples:
//
//	{"type":"call","id":"<uuid>","method":"startModel","args":{"model":"m1"}}
//	{"type":"result","id":"<uuid>","value":{"models":["m1"]}}
//	{"type":"error","id":"<uuid>","error":{"message":"out of memory"}}
//	{"type":"notify","method":"receiveCompletion","args":{"requestId":"...","data":"..."}}
type Frame struct {
	Type FrameType `json:"type"`

	// ID correlates result/error frames with their originating call.
	// Empty for notify frames.
	ID string `json:"id,omitempty"`

	// Method names the remote procedure for call and notify frames.
	Method string `json:"method,omitempty"`

	// Args is the raw argument payload for call and notify frames. Kept as
	// raw JSON so each handler decodes into its own typed struct and unknown
	// fields survive a round trip through the gateway untouched.
	Args json.RawMessage `json:"args,omitempty"`

	// Value is the raw return payload for result frames.
	Value json.RawMessage `json:"value,omitempty"`

	// Error is set on error frames only.
	Error *FrameErrorBody `json:"error,omitempty"`
}

// FrameErrorBody is the error object carried by error frames.
type FrameErrorBody struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ─── Gateway-callable agent methods ──────────────────────────────────────────

const (
	// MethodLoadModel loads a model file into memory with explicit options.
	// Admin path — core dispatch uses MethodStartModel instead.
	MethodLoadModel = "loadModel"

	// MethodStartModel asks the agent to ensure a model is resident in
	// memory. The reply lists the agent's full loaded set afterwards.
	MethodStartModel = "startModel"

	// MethodCompletion starts a text completion. The call returns no value;
	// output is streamed back via receiveCompletion notifications.
	MethodCompletion = "completion"

	// MethodChat starts a chat completion. Streams like MethodCompletion.
	MethodChat = "chat"

	// MethodListModels lists models installed on the agent's disk.
	MethodListModels = "listModels"

	// MethodCurrentModels lists models currently loaded in memory.
	MethodCurrentModels = "currentModels"

	// MethodDownloadModel asks the agent to fetch a model file from a URL.
	MethodDownloadModel = "downloadModel"

	// MethodStatus reports the agent's own health.
	MethodStatus = "status"

	// MethodCancel notifies the agent that the gateway no longer wants
	// output for a request id, so generation can be aborted.
	MethodCancel = "cancel"
)

// ─── Agent-callable gateway methods ──────────────────────────────────────────

const (
	// MethodReceiveCompletion delivers one streaming chunk, or the literal
	// terminal marker, for an in-flight completion or chat request.
	MethodReceiveCompletion = "receiveCompletion"

	// MethodAgentError reports an agent-side problem not tied to a specific
	// call. Logged by the gateway; never terminates a request by itself.
	MethodAgentError = "error"
)

// DoneMarker is the sentinel chunk payload that terminates a stream.
const DoneMarker = "[DONE]"

// ─── Method payloads ─────────────────────────────────────────────────────────

// LoadModelArgs are the arguments for loadModel.
type LoadModelArgs struct {
	ModelPath   string `json:"modelPath"`
	ContextSize int    `json:"contextSize,omitempty"`
}

// LoadModelResult is the reply to loadModel.
type LoadModelResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// StartModelArgs are the arguments for startModel.
type StartModelArgs struct {
	Model string `json:"model"`
}

// ModelsResult is the reply shape shared by startModel, listModels and
// currentModels: a plain list of internal model names.
type ModelsResult struct {
	Models []string `json:"models"`
}

// GenerateArgs is the argument object for both completion and chat calls.
// RequestID is chosen by the gateway and echoed back on every chunk. The
// remaining fields mirror the OpenAI request body; pointer fields are omitted
// from the wire when the client did not send them so agent-side defaults
// apply.
type GenerateArgs struct {
	RequestID   string          `json:"requestId"`
	Model       string          `json:"model"`
	Prompt      string          `json:"prompt,omitempty"`
	Messages    json.RawMessage `json:"messages,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stop        json.RawMessage `json:"stop,omitempty"`
	Stream      bool            `json:"stream"`
	LogitBias   json.RawMessage `json:"logit_bias,omitempty"`
	Logprobs    *int            `json:"logprobs,omitempty"`
}

// ReceiveCompletionArgs are the arguments of a receiveCompletion notification.
// Data is either the JSON chunk object (kept raw so unknown fields pass
// through to clients verbatim) or the quoted DoneMarker string.
type ReceiveCompletionArgs struct {
	AgentID   string          `json:"agentId"`
	RequestID string          `json:"requestId"`
	Data      json.RawMessage `json:"data"`
}

// AgentErrorArgs are the arguments of an agent error notification.
type AgentErrorArgs struct {
	AgentID string `json:"agentId"`
	Error   string `json:"error"`
	Context string `json:"context,omitempty"`
}

// CancelArgs are the arguments of a cancel notification sent to agents.
type CancelArgs struct {
	RequestID string `json:"requestId"`
}

// DownloadModelArgs are the arguments for downloadModel.
type DownloadModelArgs struct {
	ModelURL string `json:"model_url"`
	Filename string `json:"filename"`
}

// StatusResult is the reply to status.
type StatusResult struct {
	Status string `json:"status"`
}
