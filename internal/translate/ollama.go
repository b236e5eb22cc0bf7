package translate

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/relayproxy/relay/internal/canonical"
	"github.com/relayproxy/relay/internal/providers"
)

// ErrNoMessage is returned when an Ollama response has no message.
var ErrNoMessage = errors.New("no message in ollama response")

// Ollama native /api/chat wire types. Content is always a plain string and
// tool-call arguments arrive as a JSON object, not a serialized string.

type OllamaRequest struct {
	Model    string                `json:"model"`
	Messages []OllamaMessage       `json:"messages"`
	Tools    []providers.OllamaTool `json:"tools,omitempty"`
	Stream   bool                  `json:"stream"`
	Options  *OllamaOptions        `json:"options,omitempty"`
}

type OllamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []OllamaToolCall `json:"tool_calls,omitempty"`
}

type OllamaToolCall struct {
	Function OllamaFuncCall `json:"function"`
}

type OllamaFuncCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type OllamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type OllamaResponse struct {
	Model           string         `json:"model"`
	Message         *OllamaMessage `json:"message"`
	Done            bool           `json:"done"`
	DoneReason      string         `json:"done_reason"`
	PromptEvalCount int            `json:"prompt_eval_count"`
	EvalCount       int            `json:"eval_count"`
}

// ToOllamaRequest translates a canonical request to the native shape. Tool
// results become plain user content since /api/chat has no tool role for
// every model; the sequence is then compacted so no two consecutive messages
// share a role.
func ToOllamaRequest(req *canonical.Request, model string) *OllamaRequest {
	out := &OllamaRequest{
		Model:  model,
		Tools:  providers.ToOllamaTools(req.Tools),
		Stream: false,
	}
	if req.Temperature != nil || req.TopP != nil || req.MaxTokens > 0 {
		out.Options = &OllamaOptions{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			NumPredict:  req.MaxTokens,
		}
	}

	if system := req.SystemText(); system != "" {
		out.Messages = append(out.Messages, OllamaMessage{Role: "system", Content: system})
	}

	for _, msg := range req.Messages {
		if msg.IsPlain {
			out.Messages = append(out.Messages, OllamaMessage{Role: msg.Role, Content: msg.Text})
			continue
		}

		om := OllamaMessage{Role: msg.Role}
		for _, b := range msg.Blocks {
			switch b.Type {
			case canonical.BlockText:
				om.Content = joinLine(om.Content, b.Text)
			case canonical.BlockToolUse:
				input := b.Input
				if input == nil {
					input = map[string]any{}
				}
				om.ToolCalls = append(om.ToolCalls, OllamaToolCall{Function: OllamaFuncCall{
					Name:      b.Name,
					Arguments: input,
				}})
			case canonical.BlockToolResult:
				om.Content = joinLine(om.Content, b.ResultText())
			}
		}
		out.Messages = append(out.Messages, om)
	}

	return out
}

// FromOllamaResponse maps the native response back to canonical blocks. The
// same JSON-leakage filtering as the OpenAI path applies since the same
// local models sit behind both.
func FromOllamaResponse(raw []byte, requestedModel string) (*canonical.Response, error) {
	var resp OllamaResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal ollama response: %w", err)
	}
	if resp.Message == nil {
		return nil, ErrNoMessage
	}

	out := &canonical.Response{
		ID:    NewMessageID(),
		Type:  "message",
		Role:  canonical.RoleAssistant,
		Model: requestedModel,
		Usage: canonical.Usage{
			InputTokens:  resp.PromptEvalCount,
			OutputTokens: resp.EvalCount,
		},
	}

	hasCalls := len(resp.Message.ToolCalls) > 0
	leak := looksLikeToolJSON(resp.Message.Content)

	switch {
	case leak && hasCalls:
		// Drop the echoed call text.
	case leak && !hasCalls:
		out.Content = append(out.Content, canonical.TextBlock(""))
	default:
		out.Content = append(out.Content, canonical.TextBlock(resp.Message.Content))
	}

	for _, call := range resp.Message.ToolCalls {
		input := call.Function.Arguments
		if input == nil {
			input = map[string]any{}
		}
		out.Content = append(out.Content, canonical.ToolUseBlock(NewToolUseID(), call.Function.Name, input))
	}

	if hasCalls {
		out.StopReason = canonical.StopToolUse
	} else {
		out.StopReason = mapOllamaDoneReason(resp.DoneReason)
	}

	return out, nil
}

func mapOllamaDoneReason(reason string) string {
	switch reason {
	case "length":
		return canonical.StopMaxTokens
	default:
		return canonical.StopEndTurn
	}
}

func joinLine(base, add string) string {
	if add == "" {
		return base
	}
	if base == "" {
		return add
	}
	return base + "\n" + add
}
