package translate

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/relayproxy/relay/internal/canonical"
)

// ErrNoOutput is returned when a Converse response carries no output message.
var ErrNoOutput = errors.New("no output message in converse response")

// Converse request/response wire types.

type BedrockRequest struct {
	System          []BedrockSystemBlock   `json:"system,omitempty"`
	Messages        []BedrockMessage       `json:"messages"`
	ToolConfig      *BedrockToolConfig     `json:"toolConfig,omitempty"`
	InferenceConfig *BedrockInferenceConfig `json:"inferenceConfig,omitempty"`
}

type BedrockSystemBlock struct {
	Text string `json:"text"`
}

type BedrockMessage struct {
	Role    string               `json:"role"`
	Content []BedrockContentPart `json:"content"`
}

// BedrockContentPart is a tagged union; exactly one field is set.
type BedrockContentPart struct {
	Text       string             `json:"text,omitempty"`
	ToolUse    *BedrockToolUse    `json:"toolUse,omitempty"`
	ToolResult *BedrockToolResult `json:"toolResult,omitempty"`
}

type BedrockToolUse struct {
	ToolUseID string         `json:"toolUseId"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
}

type BedrockToolResult struct {
	ToolUseID string               `json:"toolUseId"`
	Content   []BedrockResultBlock `json:"content"`
}

type BedrockResultBlock struct {
	Text string `json:"text"`
}

type BedrockToolConfig struct {
	Tools []BedrockTool `json:"tools"`
}

type BedrockTool struct {
	ToolSpec BedrockToolSpec `json:"toolSpec"`
}

type BedrockToolSpec struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	InputSchema BedrockInputSchema `json:"inputSchema"`
}

type BedrockInputSchema struct {
	JSON map[string]any `json:"json"`
}

type BedrockInferenceConfig struct {
	MaxTokens   int      `json:"maxTokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"topP,omitempty"`
}

type BedrockResponse struct {
	Output struct {
		Message *BedrockMessage `json:"message"`
	} `json:"output"`
	StopReason string `json:"stopReason"`
	Usage      struct {
		InputTokens  int `json:"inputTokens"`
		OutputTokens int `json:"outputTokens"`
	} `json:"usage"`
}

// ToBedrockRequest translates a canonical request to Converse. System
// messages are lifted out of the message array into the top-level system
// field.
func ToBedrockRequest(req *canonical.Request) *BedrockRequest {
	out := &BedrockRequest{}

	if system := req.SystemText(); system != "" {
		out.System = append(out.System, BedrockSystemBlock{Text: system})
	}

	for _, msg := range req.Messages {
		if msg.Role == canonical.RoleSystem {
			if text := msg.FlatText(); text != "" {
				out.System = append(out.System, BedrockSystemBlock{Text: text})
			}
			continue
		}

		bm := BedrockMessage{Role: msg.Role}
		if msg.IsPlain {
			bm.Content = []BedrockContentPart{{Text: msg.Text}}
		} else {
			for _, b := range msg.Blocks {
				switch b.Type {
				case canonical.BlockText:
					bm.Content = append(bm.Content, BedrockContentPart{Text: b.Text})
				case canonical.BlockToolUse:
					input := b.Input
					if input == nil {
						input = map[string]any{}
					}
					bm.Content = append(bm.Content, BedrockContentPart{ToolUse: &BedrockToolUse{
						ToolUseID: b.ID,
						Name:      b.Name,
						Input:     input,
					}})
				case canonical.BlockToolResult:
					bm.Content = append(bm.Content, BedrockContentPart{ToolResult: &BedrockToolResult{
						ToolUseID: b.ToolUseID,
						Content:   []BedrockResultBlock{{Text: b.ResultText()}},
					}})
				}
			}
		}
		if len(bm.Content) == 0 {
			continue
		}
		out.Messages = append(out.Messages, bm)
	}

	if len(req.Tools) > 0 {
		cfg := &BedrockToolConfig{}
		for _, t := range req.Tools {
			cfg.Tools = append(cfg.Tools, BedrockTool{ToolSpec: BedrockToolSpec{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: BedrockInputSchema{JSON: t.InputSchema},
			}})
		}
		out.ToolConfig = cfg
	}

	if req.MaxTokens > 0 || req.Temperature != nil || req.TopP != nil {
		out.InferenceConfig = &BedrockInferenceConfig{
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
			TopP:        req.TopP,
		}
	}

	return out
}

// FromBedrockResponse maps the Converse output message back to canonical
// blocks.
func FromBedrockResponse(raw []byte, requestedModel string) (*canonical.Response, error) {
	var resp BedrockResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal converse response: %w", err)
	}
	if resp.Output.Message == nil {
		return nil, ErrNoOutput
	}

	out := &canonical.Response{
		ID:         NewMessageID(),
		Type:       "message",
		Role:       canonical.RoleAssistant,
		Model:      requestedModel,
		StopReason: mapBedrockStopReason(resp.StopReason),
		Usage: canonical.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}

	for _, part := range resp.Output.Message.Content {
		switch {
		case part.ToolUse != nil:
			id := part.ToolUse.ToolUseID
			if id == "" {
				id = NewToolUseID()
			}
			out.Content = append(out.Content, canonical.ToolUseBlock(id, part.ToolUse.Name, part.ToolUse.Input))
		default:
			out.Content = append(out.Content, canonical.TextBlock(part.Text))
		}
	}
	if len(out.Content) == 0 {
		out.Content = append(out.Content, canonical.TextBlock(""))
	}

	return out, nil
}

func mapBedrockStopReason(reason string) string {
	switch reason {
	case "tool_use":
		return canonical.StopToolUse
	case "max_tokens":
		return canonical.StopMaxTokens
	case "content_filtered":
		return canonical.StopContentFilter
	default:
		return canonical.StopEndTurn
	}
}
