package translate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/relayproxy/relay/internal/canonical"
)

// ErrNoValidMessages is returned when a Responses-shape input yields zero
// usable messages after filtering.
var ErrNoValidMessages = errors.New("no valid messages in responses input")

// ResponsesRequest is the alternate input shape accepted on /v1/responses.
// It carries an `input` field (string or item array) instead of `messages`.
type ResponsesRequest struct {
	Model        string          `json:"model"`
	Input        json.RawMessage `json:"input"`
	Instructions string          `json:"instructions,omitempty"`
	Temperature  *float64        `json:"temperature,omitempty"`
	TopP         *float64        `json:"top_p,omitempty"`
	MaxTokens    int             `json:"max_output_tokens,omitempty"`
	Stream       bool            `json:"stream,omitempty"`
}

type responsesItem struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type responsesContentPart struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	InputText string `json:"input_text,omitempty"`
}

// FromResponsesRequest maps the Responses input shape onto a canonical
// request so it can flow through the normal dispatch pipeline. A string
// input becomes a single user message; an array is filtered item by item and
// items with no salvageable role+payload are dropped.
func FromResponsesRequest(req *ResponsesRequest) (*canonical.Request, error) {
	out := &canonical.Request{
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
	}
	if req.Instructions != "" {
		out.SetSystemText(req.Instructions)
	}

	if len(req.Input) == 0 {
		return nil, ErrNoValidMessages
	}

	var s string
	if err := json.Unmarshal(req.Input, &s); err == nil {
		out.Messages = []canonical.Message{canonical.PlainMessage(canonical.RoleUser, s)}
		return out, nil
	}

	var items []responsesItem
	if err := json.Unmarshal(req.Input, &items); err != nil {
		return nil, fmt.Errorf("responses input is neither string nor array: %w", err)
	}

	for _, item := range items {
		if !validResponsesRole(item.Role) {
			continue
		}
		text, hasContent := flattenResponsesContent(item.Content)
		hasPayload := hasContent || len(item.ToolCalls) > 0 || item.ToolCallID != ""
		if !hasPayload {
			continue
		}
		role := item.Role
		if role == "tool" {
			// Tool outputs fold into the conversation as user turns; the
			// canonical model has no bare tool role.
			role = canonical.RoleUser
		}
		out.Messages = append(out.Messages, canonical.PlainMessage(role, text))
	}

	if len(out.Messages) == 0 {
		return nil, ErrNoValidMessages
	}
	return out, nil
}

func validResponsesRole(role string) bool {
	switch role {
	case "user", "assistant", "system", "developer", "tool":
		return true
	default:
		return false
	}
}

// flattenResponsesContent joins {type: text|input_text} parts with blank
// lines. A plain string passes through unchanged.
func flattenResponsesContent(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, s != ""
	}

	var parts []responsesContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", false
	}

	var texts []string
	for _, p := range parts {
		switch p.Type {
		case "text", "input_text", "output_text":
			if p.Text != "" {
				texts = append(texts, p.Text)
			} else if p.InputText != "" {
				texts = append(texts, p.InputText)
			}
		}
	}
	if len(texts) == 0 {
		return "", false
	}
	return strings.Join(texts, "\n\n"), true
}
