package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/modelgate-io/modelgate/internal/dispatch"
	"github.com/modelgate-io/modelgate/internal/mapping"
	"github.com/modelgate-io/modelgate/internal/protocol"
	"github.com/modelgate-io/modelgate/internal/registry"
)

// InferenceDispatcher is the dispatch surface the OpenAI façade depends on.
// Satisfied by *dispatch.Dispatcher.
type InferenceDispatcher interface {
	Dispatch(ctx context.Context, kind dispatch.Kind, mode dispatch.Mode, internalModel string, args protocol.GenerateArgs) (*dispatch.Broker, error)
}

// OpenAIHandler serves the OpenAI-compatible endpoints under /v1.
type OpenAIHandler struct {
	dispatcher InferenceDispatcher
	mapper     *mapping.Service
	registry   *registry.Registry
	logger     *zap.Logger
}

// NewOpenAIHandler creates the /v1 handler set.
func NewOpenAIHandler(d InferenceDispatcher, mapper *mapping.Service, reg *registry.Registry, logger *zap.Logger) *OpenAIHandler {
	return &OpenAIHandler{
		dispatcher: d,
		mapper:     mapper,
		registry:   reg,
		logger:     logger.Named("api.openai"),
	}
}

// Completions handles POST /v1/completions.
func (h *OpenAIHandler) Completions(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	if !decodeOpenAI(w, r, &req) {
		return
	}
	if aerr := req.validate(); aerr != nil {
		writeOpenAIError(w, aerr)
		return
	}

	args := protocol.GenerateArgs{
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		LogitBias:   req.LogitBias,
		Logprobs:    req.Logprobs,
	}
	h.serve(w, r, dispatch.KindCompletion, req.Model, req.Stream, args, len(req.Prompt))
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *OpenAIHandler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeOpenAI(w, r, &req) {
		return
	}
	if aerr := req.validate(); aerr != nil {
		writeOpenAIError(w, aerr)
		return
	}

	args := protocol.GenerateArgs{
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		LogitBias:   req.LogitBias,
		Logprobs:    req.Logprobs,
	}
	h.serve(w, r, dispatch.KindChat, req.Model, req.Stream, args, len(req.Messages))
}

// Models handles GET /v1/models. The list is the union of every connected
// agent's installed models, translated to public names, merged with all
// persisted mappings so a mapped model shows up even while no agent carries
// it.
func (h *OpenAIHandler) Models(w http.ResponseWriter, r *http.Request) {
	now := time.Now().Unix()
	seen := make(map[string]struct{})
	list := modelList{Object: "list", Data: []modelEntry{}}

	add := func(publicName string) {
		if _, dup := seen[publicName]; dup {
			return
		}
		seen[publicName] = struct{}{}
		list.Data = append(list.Data, modelEntry{
			ID:      publicName,
			Object:  "model",
			Created: now,
			OwnedBy: "modelgate",
		})
	}

	mappings, err := h.mapper.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list model mappings", zap.Error(err))
		writeOpenAIError(w, dispatchError(err))
		return
	}
	for _, m := range mappings {
		add(m.PublicName)
	}
	for _, agent := range h.registry.List() {
		for _, internal := range agent.InstalledList() {
			add(h.mapper.InternalToPublic(internal))
		}
	}

	JSON(w, http.StatusOK, list)
}

// serve runs the shared dispatch-and-render path of both inference endpoints.
// promptLen feeds the approximate usage accounting of buffered responses.
func (h *OpenAIHandler) serve(w http.ResponseWriter, r *http.Request, kind dispatch.Kind, publicModel string, stream bool, args protocol.GenerateArgs, promptLen int) {
	mode := dispatch.ModeBuffered
	if stream {
		mode = dispatch.ModeStream
	}
	internalModel := h.mapper.PublicToInternal(publicModel)

	broker, err := h.dispatcher.Dispatch(r.Context(), kind, mode, internalModel, args)
	if err != nil {
		writeOpenAIError(w, dispatchError(err))
		return
	}

	if stream {
		h.streamResponse(w, r, broker)
		return
	}
	h.bufferedResponse(w, r, broker, kind, publicModel, promptLen)
}

// streamResponse relays broker chunks to the client as SSE events. The
// response is committed with 200 before the first chunk, so a mid-stream
// failure surfaces as a final error event rather than an HTTP status.
func (h *OpenAIHandler) streamResponse(w http.ResponseWriter, r *http.Request, b *dispatch.Broker) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		b.Cancel()
		writeOpenAIError(w, &apiError{
			Status:  http.StatusInternalServerError,
			Message: "streaming unsupported by connection",
			Type:    "server_error",
			Code:    "server_error",
		})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case ev := <-b.Events():
			fmt.Fprintf(w, "data: %s\n\n", ev.Data)
			flusher.Flush()

		case <-r.Context().Done():
			b.Cancel()
			return

		case <-b.Done():
			// The events channel is buffered; flush chunks that arrived
			// before the terminal event so the client sees the full prefix.
			for {
				select {
				case ev := <-b.Events():
					fmt.Fprintf(w, "data: %s\n\n", ev.Data)
					flusher.Flush()
					continue
				default:
				}
				break
			}

			if err := b.Err(); err != nil {
				if errors.Is(err, dispatch.ErrClientCancelled) {
					return
				}
				aerr := dispatchError(err)
				fmt.Fprintf(w, "data: {\"error\":{\"message\":%q,\"type\":%q,\"code\":%q}}\n\n",
					aerr.Message, aerr.Type, aerr.Code)
				flusher.Flush()
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", protocol.DoneMarker)
			flusher.Flush()
			return
		}
	}
}

// bufferedResponse accumulates the whole stream, then renders one OpenAI
// envelope.
func (h *OpenAIHandler) bufferedResponse(w http.ResponseWriter, r *http.Request, b *dispatch.Broker, kind dispatch.Kind, publicModel string, promptLen int) {
	asm := newAssembler(kind, b.CallID, publicModel, promptLen)

	for {
		select {
		case ev := <-b.Events():
			asm.add(ev.Data)

		case <-r.Context().Done():
			b.Cancel()
			return

		case <-b.Done():
			for {
				select {
				case ev := <-b.Events():
					asm.add(ev.Data)
					continue
				default:
				}
				break
			}

			if err := b.Err(); err != nil {
				if errors.Is(err, dispatch.ErrClientCancelled) {
					return
				}
				writeOpenAIError(w, dispatchError(err))
				return
			}
			if asm.empty() {
				writeOpenAIError(w, dispatchError(dispatch.ErrEmptyResponse))
				return
			}
			JSON(w, http.StatusOK, asm.envelope())
			return
		}
	}
}

// decodeOpenAI decodes a /v1 request body, writing the OpenAI-shaped 400 on
// failure.
func decodeOpenAI(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := jsonDecode(r, dst); err != nil {
		writeOpenAIError(w, &apiError{
			Status:  http.StatusBadRequest,
			Message: "invalid request body: " + err.Error(),
			Type:    "invalid_request_error",
			Code:    "invalid_request_error",
		})
		return false
	}
	return true
}
