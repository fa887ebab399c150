package api

import (
	"encoding/json"
	"fmt"
)

// completionRequest is the body of POST /v1/completions. Fields the gateway
// does not interpret (stop, logit_bias) stay raw and are forwarded to the
// agent verbatim. Pointer fields distinguish "absent" from zero so agent-side
// defaults apply when the client did not send a value.
type completionRequest struct {
	Model            string          `json:"model"`
	Prompt           string          `json:"prompt"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	N                *int            `json:"n,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	Stop             json.RawMessage `json:"stop,omitempty"`
	Stream           bool            `json:"stream"`
	LogitBias        json.RawMessage `json:"logit_bias,omitempty"`
	Logprobs         *int            `json:"logprobs,omitempty"`
}

// chatRequest is the body of POST /v1/chat/completions. Messages stay raw:
// the gateway only checks the array is present and non-empty, everything else
// (roles, tool calls, content parts) is the agent's business.
type chatRequest struct {
	Model            string          `json:"model"`
	Messages         json.RawMessage `json:"messages"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	N                *int            `json:"n,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	Stop             json.RawMessage `json:"stop,omitempty"`
	Stream           bool            `json:"stream"`
	LogitBias        json.RawMessage `json:"logit_bias,omitempty"`
	Logprobs         *int            `json:"logprobs,omitempty"`
}

// validate checks required fields and numeric ranges. Validation failures
// never reach the dispatcher — the agent is not contacted for a bad request.
func (r *completionRequest) validate() *apiError {
	if r.Model == "" {
		return missingParam("model")
	}
	if r.Prompt == "" {
		return missingParam("prompt")
	}
	return validateSampling(r.MaxTokens, r.Temperature, r.TopP, r.N, r.PresencePenalty, r.FrequencyPenalty)
}

func (r *chatRequest) validate() *apiError {
	if r.Model == "" {
		return missingParam("model")
	}
	if len(r.Messages) == 0 {
		return missingParam("messages")
	}
	var messages []json.RawMessage
	if err := json.Unmarshal(r.Messages, &messages); err != nil {
		return invalidParam("messages", "messages must be an array of message objects")
	}
	if len(messages) == 0 {
		return invalidParam("messages", "messages must not be empty")
	}
	return validateSampling(r.MaxTokens, r.Temperature, r.TopP, r.N, r.PresencePenalty, r.FrequencyPenalty)
}

// validateSampling enforces the numeric ranges shared by both request shapes.
func validateSampling(maxTokens *int, temperature, topP *float64, n *int, presence, frequency *float64) *apiError {
	if maxTokens != nil && *maxTokens < 0 {
		return invalidParam("max_tokens", "max_tokens must be a non-negative integer")
	}
	if temperature != nil && (*temperature < 0 || *temperature > 2) {
		return invalidParam("temperature", fmt.Sprintf("temperature must be between 0 and 2, got %g", *temperature))
	}
	if topP != nil && (*topP < 0 || *topP > 1) {
		return invalidParam("top_p", fmt.Sprintf("top_p must be between 0 and 1, got %g", *topP))
	}
	if n != nil && (*n < 1 || *n > 10) {
		return invalidParam("n", fmt.Sprintf("n must be between 1 and 10, got %d", *n))
	}
	if presence != nil && (*presence < -2 || *presence > 2) {
		return invalidParam("presence_penalty", fmt.Sprintf("presence_penalty must be between -2 and 2, got %g", *presence))
	}
	if frequency != nil && (*frequency < -2 || *frequency > 2) {
		return invalidParam("frequency_penalty", fmt.Sprintf("frequency_penalty must be between -2 and 2, got %g", *frequency))
	}
	return nil
}

// ─── Response envelopes (buffered mode) ──────────────────────────────────────

// usage is the token accounting block of a buffered response. Counts are
// approximate when chunks carry no usage of their own.
type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// chatMessage is the assembled assistant message of a buffered chat response.
type chatMessage struct {
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// chatCompletionResponse is the buffered envelope of POST /v1/chat/completions.
type chatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   usage        `json:"usage"`
}

type completionChoice struct {
	Index        int    `json:"index"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
}

// completionResponse is the buffered envelope of POST /v1/completions.
type completionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Usage   usage              `json:"usage"`
}

// modelEntry is one item of GET /v1/models.
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// modelList is the envelope of GET /v1/models.
type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// chunkEnvelope is the subset of a streamed chunk the gateway reads for
// buffered assembly. Unknown fields are not modelled on purpose — buffered
// assembly only needs id/created/model, the delta text and finish_reason.
type chunkEnvelope struct {
	ID      string        `json:"id"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
	Usage   *usage        `json:"usage"`
}

type chunkChoice struct {
	Text         string     `json:"text"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Content   string          `json:"content"`
	ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
}
