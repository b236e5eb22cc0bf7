// Package translate converts between the canonical Messages shape and each
// provider family's wire format. Conversions are pure and lossy in known,
// documented ways.
package translate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/relayproxy/relay/internal/canonical"
	"github.com/relayproxy/relay/internal/providers"
)

// ErrNoChoices is returned when an OpenAI-shape response has a missing or
// empty choices array.
var ErrNoChoices = errors.New("no choices in upstream response")

// OpenAIMessage is one chat-completions message.
type OpenAIMessage struct {
	Role       string           `json:"role"`
	Content    *string          `json:"content"`
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

// OpenAIToolCall is a chat-completions function call.
type OpenAIToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function OpenAIFuncCall `json:"function"`
}

type OpenAIFuncCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// OpenAIRequest is the chat-completions request body.
type OpenAIRequest struct {
	Model               string                `json:"model"`
	Messages            []OpenAIMessage       `json:"messages"`
	Tools               []providers.OpenAITool `json:"tools,omitempty"`
	Temperature         *float64              `json:"temperature,omitempty"`
	TopP                *float64              `json:"top_p,omitempty"`
	MaxTokens           int                   `json:"max_tokens,omitempty"`
	MaxCompletionTokens int                   `json:"max_completion_tokens,omitempty"`
	Stream              bool                  `json:"stream,omitempty"`
}

// OpenAIResponse is the chat-completions response body.
type OpenAIResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   *OpenAIUsage   `json:"usage,omitempty"`
}

type OpenAIChoice struct {
	Index        int           `json:"index"`
	Message      OpenAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// OpenAIOptions tune request translation per family variant.
type OpenAIOptions struct {
	// UseMaxCompletionTokens emits max_completion_tokens in place of
	// max_tokens (Azure Responses-era deployments).
	UseMaxCompletionTokens bool
}

// ToOpenAIRequest translates a canonical request to the chat-completions
// shape. Orphan tool_result blocks are dropped; ordering is preserved.
func ToOpenAIRequest(req *canonical.Request, model string, opts OpenAIOptions) *OpenAIRequest {
	out := &OpenAIRequest{
		Model:       model,
		Messages:    ToOpenAIMessages(req),
		Tools:       providers.ToOpenAITools(req.Tools),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
	if opts.UseMaxCompletionTokens {
		out.MaxCompletionTokens = req.MaxTokens
	} else {
		out.MaxTokens = req.MaxTokens
	}
	return out
}

// ToOpenAIMessages converts the system prompt and canonical messages to a
// chat-completions message sequence.
func ToOpenAIMessages(req *canonical.Request) []OpenAIMessage {
	out := make([]OpenAIMessage, 0, len(req.Messages)+1)

	if system := req.SystemText(); system != "" {
		out = append(out, OpenAIMessage{Role: "system", Content: strPtr(system)})
	}

	emittedToolUse := make(map[string]bool)

	for _, msg := range req.Messages {
		if msg.IsPlain {
			out = append(out, OpenAIMessage{Role: msg.Role, Content: strPtr(msg.Text)})
			continue
		}

		switch msg.Role {
		case canonical.RoleAssistant:
			out = append(out, assistantToOpenAI(msg, emittedToolUse))
		default:
			out = append(out, userToOpenAI(msg, emittedToolUse)...)
		}
	}

	return out
}

// assistantToOpenAI folds text blocks into a single content string and
// tool_use blocks into a tool_calls array.
func assistantToOpenAI(msg canonical.Message, emitted map[string]bool) OpenAIMessage {
	var texts []string
	var calls []OpenAIToolCall

	for _, b := range msg.Blocks {
		switch b.Type {
		case canonical.BlockText:
			if b.Text != "" {
				texts = append(texts, b.Text)
			}
		case canonical.BlockToolUse:
			args := "{}"
			if b.Input != nil {
				if raw, err := json.Marshal(b.Input); err == nil {
					args = string(raw)
				}
			}
			calls = append(calls, OpenAIToolCall{
				ID:   b.ID,
				Type: "function",
				Function: OpenAIFuncCall{
					Name:      b.Name,
					Arguments: args,
				},
			})
			emitted[b.ID] = true
		}
	}

	return OpenAIMessage{
		Role:      canonical.RoleAssistant,
		Content:   strPtr(strings.Join(texts, "\n")),
		ToolCalls: calls,
	}
}

// userToOpenAI emits tool_result blocks as standalone tool-role messages and
// the remaining text as a user message, preserving block order. Results that
// answer no previously emitted tool_use are dropped.
func userToOpenAI(msg canonical.Message, emitted map[string]bool) []OpenAIMessage {
	var out []OpenAIMessage
	var texts []string

	flush := func() {
		if len(texts) > 0 {
			out = append(out, OpenAIMessage{Role: msg.Role, Content: strPtr(strings.Join(texts, "\n"))})
			texts = nil
		}
	}

	for _, b := range msg.Blocks {
		switch b.Type {
		case canonical.BlockText:
			if b.Text != "" {
				texts = append(texts, b.Text)
			}
		case canonical.BlockToolResult:
			if !emitted[b.ToolUseID] {
				continue // orphan result, nothing upstream to answer
			}
			flush()
			out = append(out, OpenAIMessage{
				Role:       "tool",
				Content:    strPtr(b.ResultText()),
				ToolCallID: b.ToolUseID,
			})
		}
	}
	flush()

	return out
}

// FromOpenAIResponse translates a chat-completions response back to the
// canonical shape. requestedModel is echoed regardless of the upstream's own
// model field.
func FromOpenAIResponse(raw []byte, requestedModel string) (*canonical.Response, error) {
	var resp OpenAIResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal upstream response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}

	choice := resp.Choices[0]
	msg := choice.Message

	out := &canonical.Response{
		ID:         NewMessageID(),
		Type:       "message",
		Role:       canonical.RoleAssistant,
		Model:      requestedModel,
		StopReason: MapFinishReason(choice.FinishReason),
	}
	if resp.Usage != nil {
		out.Usage = canonical.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	hasCalls := len(msg.ToolCalls) > 0
	jsonLeak := msg.Content != nil && looksLikeToolJSON(*msg.Content)

	switch {
	case jsonLeak && hasCalls:
		// Local model echoed its tool call as text alongside real
		// tool_calls. Drop the leaked text entirely.
	case jsonLeak && !hasCalls:
		// Malformed tool hallucination: keep a single empty text block.
		out.Content = append(out.Content, canonical.TextBlock(""))
	case msg.Content != nil:
		out.Content = append(out.Content, canonical.TextBlock(*msg.Content))
	default:
		// Null content: content array must never be empty.
		out.Content = append(out.Content, canonical.TextBlock(""))
	}

	for _, call := range msg.ToolCalls {
		id := call.ID
		if id == "" {
			id = NewToolUseID()
		}
		input := map[string]any{}
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &input); err != nil {
				input = map[string]any{}
			}
		}
		out.Content = append(out.Content, canonical.ToolUseBlock(id, call.Function.Name, input))
	}

	return out, nil
}

// MapFinishReason maps chat-completions finish reasons to canonical stop
// reasons. The mapping is total; unknown values become end_turn.
func MapFinishReason(reason string) string {
	switch reason {
	case "tool_calls", "function_call":
		return canonical.StopToolUse
	case "length":
		return canonical.StopMaxTokens
	case "content_filter":
		return canonical.StopContentFilter
	default:
		return canonical.StopEndTurn
	}
}

// looksLikeToolJSON reports whether the whole string parses to a JSON object
// resembling a function call: {"function": …} or {"type": "function", …}.
// Local models leak these into content instead of (or alongside) tool_calls.
func looksLikeToolJSON(content string) bool {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return false
	}
	if _, ok := obj["function"]; ok {
		return true
	}
	if t, ok := obj["type"].(string); ok && t == "function" {
		return true
	}
	return false
}

// NewMessageID generates a canonical response id.
func NewMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewToolUseID generates an id for tool calls the upstream left unnamed.
func NewToolUseID() string {
	return "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

func strPtr(s string) *string {
	return &s
}
