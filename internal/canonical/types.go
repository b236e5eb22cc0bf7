// Package canonical defines the Anthropic-style Messages shape used as the
// gateway's internal lingua franca. Every provider family is translated to
// and from these types.
package canonical

import (
	"encoding/json"
	"fmt"
)

// Roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Content block types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Stop reasons.
const (
	StopEndTurn       = "end_turn"
	StopToolUse       = "tool_use"
	StopMaxTokens     = "max_tokens"
	StopContentFilter = "content_filter"
)

// ContentBlock is one element of a message's content array. Type selects
// which of the remaining fields are meaningful.
type ContentBlock struct {
	Type string `json:"type"`

	// BlockText
	Text string `json:"text,omitempty"`

	// BlockToolUse
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// BlockToolResult
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ResultText returns the tool_result payload as plain text. Structured
// payloads are returned as their JSON encoding.
func (b ContentBlock) ResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	// Array-of-blocks form: concatenate text parts.
	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		out := ""
		for _, cb := range blocks {
			if cb.Type == BlockText {
				if out != "" {
					out += "\n"
				}
				out += cb.Text
			}
		}
		return out
	}
	return string(b.Content)
}

// Message is one conversation turn. Content is either a bare string or an
// ordered list of blocks; both forms round-trip through JSON.
type Message struct {
	Role    string
	Text    string         // set when content arrived as a plain string
	Blocks  []ContentBlock // set when content arrived as an array
	IsPlain bool           // true when Text carries the content
}

// PlainMessage builds a string-content message.
func PlainMessage(role, text string) Message {
	return Message{Role: role, Text: text, IsPlain: true}
}

// BlockMessage builds a block-content message.
func BlockMessage(role string, blocks ...ContentBlock) Message {
	return Message{Role: role, Blocks: blocks}
}

type messageJSON struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// UnmarshalJSON accepts both the string and the block-array content forms.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw messageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role

	var s string
	if err := json.Unmarshal(raw.Content, &s); err == nil {
		m.Text = s
		m.IsPlain = true
		return nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(raw.Content, &blocks); err != nil {
		return fmt.Errorf("message content is neither string nor block array: %w", err)
	}
	m.Blocks = blocks
	return nil
}

// MarshalJSON re-emits the original content form.
func (m Message) MarshalJSON() ([]byte, error) {
	var content any
	if m.IsPlain {
		content = m.Text
	} else {
		content = m.Blocks
	}
	return json.Marshal(struct {
		Role    string `json:"role"`
		Content any    `json:"content"`
	}{Role: m.Role, Content: content})
}

// FlatText returns all text content of the message joined with newlines.
func (m Message) FlatText() string {
	if m.IsPlain {
		return m.Text
	}
	out := ""
	for _, b := range m.Blocks {
		if b.Type == BlockText && b.Text != "" {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}

// Tool is a canonical tool declaration.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// Request is the canonical request body accepted on /v1/messages.
type Request struct {
	Model       string          `json:"model"`
	System      json.RawMessage `json:"system,omitempty"`
	Messages    []Message       `json:"messages"`
	Tools       []Tool          `json:"tools,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// SystemText parses the system field, which may be a string or an array of
// text blocks.
func (r *Request) SystemText() string {
	if len(r.System) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.System, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(r.System, &blocks); err == nil {
		out := ""
		for _, b := range blocks {
			if b.Type == BlockText {
				if out != "" {
					out += "\n"
				}
				out += b.Text
			}
		}
		return out
	}
	return ""
}

// SetSystemText replaces the system prompt with a plain string.
func (r *Request) SetSystemText(text string) {
	if text == "" {
		r.System = nil
		return
	}
	raw, _ := json.Marshal(text)
	r.System = raw
}

// Usage is the canonical token accounting record.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the canonical assistant response.
type Response struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      Usage          `json:"usage"`
}

// Normalize drops orphan tool_result blocks: any tool_result whose
// tool_use_id was not produced by a preceding assistant tool_use. The message
// sequence itself is preserved.
func Normalize(messages []Message) []Message {
	seen := make(map[string]bool)
	out := make([]Message, 0, len(messages))

	for _, msg := range messages {
		if msg.IsPlain {
			out = append(out, msg)
			continue
		}

		kept := make([]ContentBlock, 0, len(msg.Blocks))
		for _, b := range msg.Blocks {
			switch b.Type {
			case BlockToolUse:
				seen[b.ID] = true
				kept = append(kept, b)
			case BlockToolResult:
				if seen[b.ToolUseID] {
					kept = append(kept, b)
				}
			default:
				kept = append(kept, b)
			}
		}
		msg.Blocks = kept
		out = append(out, msg)
	}
	return out
}
