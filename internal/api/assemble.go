package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelgate-io/modelgate/internal/dispatch"
)

// assembler collapses a chunk stream into one buffered OpenAI envelope.
// The first chunk seeds id/created from the agent's own values; the model
// field always reports the public name the client asked for.
type assembler struct {
	kind dispatch.Kind

	id      string
	created int64
	model   string

	text         string // completion text or chat message content
	toolCalls    json.RawMessage
	finishReason string

	chunks    int
	promptLen int
	usage     *usage // agent-reported, wins over the heuristic
}

func newAssembler(kind dispatch.Kind, callID, publicModel string, promptLen int) *assembler {
	return &assembler{
		kind:      kind,
		id:        fallbackID(kind, callID),
		created:   time.Now().Unix(),
		model:     publicModel,
		promptLen: promptLen,
	}
}

// add folds one chunk into the accumulated state. Chunks that do not decode
// are skipped — a malformed chunk should not void the text already gathered.
func (a *assembler) add(data json.RawMessage) {
	var chunk chunkEnvelope
	if err := json.Unmarshal(data, &chunk); err != nil {
		return
	}
	a.chunks++

	if a.chunks == 1 {
		if chunk.ID != "" {
			a.id = chunk.ID
		}
		if chunk.Created != 0 {
			a.created = chunk.Created
		}
	}
	if chunk.Usage != nil {
		a.usage = chunk.Usage
	}
	if len(chunk.Choices) == 0 {
		return
	}

	choice := chunk.Choices[0]
	switch a.kind {
	case dispatch.KindChat:
		a.text += choice.Delta.Content
		if len(choice.Delta.ToolCalls) > 0 {
			a.toolCalls = choice.Delta.ToolCalls
		}
	default:
		a.text += choice.Text
	}
	if choice.FinishReason != nil && *choice.FinishReason != "" {
		a.finishReason = *choice.FinishReason
	}
}

// empty reports whether no chunk ever arrived.
func (a *assembler) empty() bool { return a.chunks == 0 }

// envelope renders the final response object.
func (a *assembler) envelope() any {
	finish := a.finishReason
	if finish == "" {
		finish = "stop"
	}

	if a.kind == dispatch.KindChat {
		return chatCompletionResponse{
			ID:      a.id,
			Object:  "chat.completion",
			Created: a.created,
			Model:   a.model,
			Choices: []chatChoice{{
				Message: chatMessage{
					Role:      "assistant",
					Content:   a.text,
					ToolCalls: a.toolCalls,
				},
				FinishReason: finish,
			}},
			Usage: a.computeUsage(),
		}
	}
	return completionResponse{
		ID:      a.id,
		Object:  "text_completion",
		Created: a.created,
		Model:   a.model,
		Choices: []completionChoice{{
			Text:         a.text,
			FinishReason: finish,
		}},
		Usage: a.computeUsage(),
	}
}

// computeUsage prefers agent-reported usage; otherwise approximates with the
// four-characters-per-token heuristic.
func (a *assembler) computeUsage() usage {
	if a.usage != nil {
		return *a.usage
	}
	prompt := a.promptLen / 4
	completion := len(a.text) / 4
	return usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

func fallbackID(kind dispatch.Kind, callID string) string {
	if kind == dispatch.KindChat {
		return fmt.Sprintf("chatcmpl-%s", callID)
	}
	return fmt.Sprintf("cmpl-%s", callID)
}
