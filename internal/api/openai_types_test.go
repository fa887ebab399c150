package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgate-io/modelgate/internal/dispatch"
)

func f64(v float64) *float64 { return &v }
func i(v int) *int           { return &v }

func TestChatRequestValidation(t *testing.T) {
	valid := func() chatRequest {
		return chatRequest{
			Model:    "m1",
			Messages: json.RawMessage(`[{"role":"user","content":"hi"}]`),
		}
	}

	tests := []struct {
		name      string
		mutate    func(*chatRequest)
		wantCode  string
		wantParam string
	}{
		{
			name:   "valid request passes",
			mutate: func(r *chatRequest) {},
		},
		{
			name:      "missing model",
			mutate:    func(r *chatRequest) { r.Model = "" },
			wantCode:  "missing_required_parameter",
			wantParam: "model",
		},
		{
			name:      "missing messages",
			mutate:    func(r *chatRequest) { r.Messages = nil },
			wantCode:  "missing_required_parameter",
			wantParam: "messages",
		},
		{
			name:      "messages not an array",
			mutate:    func(r *chatRequest) { r.Messages = json.RawMessage(`"hi"`) },
			wantCode:  "invalid_parameter_value",
			wantParam: "messages",
		},
		{
			name:      "empty messages array",
			mutate:    func(r *chatRequest) { r.Messages = json.RawMessage(`[]`) },
			wantCode:  "invalid_parameter_value",
			wantParam: "messages",
		},
		{
			name:      "temperature above range",
			mutate:    func(r *chatRequest) { r.Temperature = f64(3.0) },
			wantCode:  "invalid_parameter_value",
			wantParam: "temperature",
		},
		{
			name:   "temperature at upper bound",
			mutate: func(r *chatRequest) { r.Temperature = f64(2.0) },
		},
		{
			name:      "negative temperature",
			mutate:    func(r *chatRequest) { r.Temperature = f64(-0.1) },
			wantCode:  "invalid_parameter_value",
			wantParam: "temperature",
		},
		{
			name:      "top_p above range",
			mutate:    func(r *chatRequest) { r.TopP = f64(1.5) },
			wantCode:  "invalid_parameter_value",
			wantParam: "top_p",
		},
		{
			name:      "presence_penalty below range",
			mutate:    func(r *chatRequest) { r.PresencePenalty = f64(-2.5) },
			wantCode:  "invalid_parameter_value",
			wantParam: "presence_penalty",
		},
		{
			name:      "frequency_penalty above range",
			mutate:    func(r *chatRequest) { r.FrequencyPenalty = f64(2.5) },
			wantCode:  "invalid_parameter_value",
			wantParam: "frequency_penalty",
		},
		{
			name:      "n of zero",
			mutate:    func(r *chatRequest) { r.N = i(0) },
			wantCode:  "invalid_parameter_value",
			wantParam: "n",
		},
		{
			name:      "n above range",
			mutate:    func(r *chatRequest) { r.N = i(11) },
			wantCode:  "invalid_parameter_value",
			wantParam: "n",
		},
		{
			name:      "negative max_tokens",
			mutate:    func(r *chatRequest) { r.MaxTokens = i(-1) },
			wantCode:  "invalid_parameter_value",
			wantParam: "max_tokens",
		},
		{
			name:   "zero max_tokens allowed",
			mutate: func(r *chatRequest) { r.MaxTokens = i(0) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid()
			tt.mutate(&req)
			aerr := req.validate()
			if tt.wantCode == "" {
				assert.Nil(t, aerr)
				return
			}
			require.NotNil(t, aerr)
			assert.Equal(t, http.StatusBadRequest, aerr.Status)
			assert.Equal(t, tt.wantCode, aerr.Code)
			assert.Equal(t, tt.wantParam, aerr.Param)
		})
	}
}

func TestCompletionRequestValidation(t *testing.T) {
	req := completionRequest{Model: "m1", Prompt: "hi"}
	assert.Nil(t, req.validate())

	req.Prompt = ""
	aerr := req.validate()
	require.NotNil(t, aerr)
	assert.Equal(t, "prompt", aerr.Param)

	req = completionRequest{Prompt: "hi"}
	aerr = req.validate()
	require.NotNil(t, aerr)
	assert.Equal(t, "model", aerr.Param)
}

func TestDispatchErrorMapping(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{dispatch.ErrNoAvailableAgents, http.StatusServiceUnavailable, "no_available_agents"},
		{dispatch.ErrModelLoadFailed, http.StatusServiceUnavailable, "model_load_failed"},
		{dispatch.ErrAgentDisconnected, http.StatusServiceUnavailable, "agent_disconnected"},
		{dispatch.ErrTimeout, http.StatusGatewayTimeout, "timeout"},
		{dispatch.ErrEmptyResponse, http.StatusInternalServerError, "empty_response"},
		{assert.AnError, http.StatusInternalServerError, "server_error"},
	}

	for _, tt := range tests {
		aerr := dispatchError(tt.err)
		assert.Equal(t, tt.wantStatus, aerr.Status, tt.wantCode)
		assert.Equal(t, tt.wantCode, aerr.Code)
	}
}
