package translate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayproxy/relay/internal/canonical"
)

func TestToOpenAIMessages_PlainConversation(t *testing.T) {
	req := &canonical.Request{
		Messages: []canonical.Message{
			canonical.PlainMessage("user", "Hello"),
		},
	}
	req.SetSystemText("You are helpful")

	msgs := ToOpenAIMessages(req)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "You are helpful", *msgs[0].Content)
	assert.Equal(t, "user", msgs[1].Role)
	assert.Equal(t, "Hello", *msgs[1].Content)
}

func TestToOpenAIMessages_ToolUseAndResult(t *testing.T) {
	req := &canonical.Request{
		Messages: []canonical.Message{
			canonical.PlainMessage("user", "read /a"),
			canonical.BlockMessage("assistant",
				canonical.ToolUseBlock("toolu_1", "Read", map[string]any{"file_path": "/a"}),
			),
			canonical.BlockMessage("user",
				canonical.ContentBlock{Type: canonical.BlockToolResult, ToolUseID: "toolu_1", Content: json.RawMessage(`"contents"`)},
			),
		},
	}

	msgs := ToOpenAIMessages(req)
	require.Len(t, msgs, 3)

	assistant := msgs[1]
	assert.Equal(t, "assistant", assistant.Role)
	assert.Equal(t, "", *assistant.Content)
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "toolu_1", assistant.ToolCalls[0].ID)
	assert.Equal(t, "Read", assistant.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"file_path":"/a"}`, assistant.ToolCalls[0].Function.Arguments)

	result := msgs[2]
	assert.Equal(t, "tool", result.Role)
	assert.Equal(t, "toolu_1", result.ToolCallID)
	assert.Equal(t, "contents", *result.Content)
}

func TestToOpenAIMessages_DropsOrphanToolResult(t *testing.T) {
	req := &canonical.Request{
		Messages: []canonical.Message{
			canonical.BlockMessage("user",
				canonical.TextBlock("here you go"),
				canonical.ContentBlock{Type: canonical.BlockToolResult, ToolUseID: "toolu_missing", Content: json.RawMessage(`"x"`)},
			),
		},
	}

	msgs := ToOpenAIMessages(req)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "here you go", *msgs[0].Content)
}

func TestFromOpenAIResponse_PlainText(t *testing.T) {
	raw := []byte(`{
		"choices":[{"message":{"role":"assistant","content":"Hi"},"finish_reason":"stop"}],
		"usage":{"prompt_tokens":1,"completion_tokens":1},
		"model":"upstream-name"
	}`)

	resp, err := FromOpenAIResponse(raw, "requested-model")
	require.NoError(t, err)

	assert.Equal(t, "assistant", resp.Role)
	assert.Equal(t, "requested-model", resp.Model, "model echoes the caller's request")
	assert.Equal(t, canonical.StopEndTurn, resp.StopReason)
	assert.Equal(t, 1, resp.Usage.InputTokens)
	assert.Equal(t, 1, resp.Usage.OutputTokens)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, canonical.BlockText, resp.Content[0].Type)
	assert.Equal(t, "Hi", resp.Content[0].Text)
}

func TestFromOpenAIResponse_ToolCallsWithText(t *testing.T) {
	raw := []byte(`{
		"choices":[{"message":{
			"role":"assistant",
			"content":"Let me read that file.",
			"tool_calls":[
				{"id":"call_1","type":"function","function":{"name":"Read","arguments":"{\"file_path\":\"/a\"}"}},
				{"id":"call_2","type":"function","function":{"name":"Grep","arguments":"{\"pattern\":\"x\"}"}}
			]
		},"finish_reason":"tool_calls"}]
	}`)

	resp, err := FromOpenAIResponse(raw, "m")
	require.NoError(t, err)

	require.Len(t, resp.Content, 3, "one text block then one tool_use per call")
	assert.Equal(t, canonical.BlockText, resp.Content[0].Type)
	assert.Equal(t, "Let me read that file.", resp.Content[0].Text)
	assert.Equal(t, canonical.BlockToolUse, resp.Content[1].Type)
	assert.Equal(t, "call_1", resp.Content[1].ID)
	assert.Equal(t, "Read", resp.Content[1].Name)
	assert.Equal(t, "/a", resp.Content[1].Input["file_path"])
	assert.Equal(t, canonical.BlockToolUse, resp.Content[2].Type)
	assert.Equal(t, canonical.StopToolUse, resp.StopReason)
}

func TestFromOpenAIResponse_JSONLeakWithCalls(t *testing.T) {
	// Local model echoed its tool call as text alongside real tool_calls.
	raw := []byte(`{
		"choices":[{"message":{
			"role":"assistant",
			"content":"{\"type\":\"function\",\"function\":{\"name\":\"Write\",\"parameters\":{\"file_path\":\"t.c\",\"content\":\"x\"}}}",
			"tool_calls":[{"id":"c1","type":"function","function":{"name":"Write","arguments":"{\"file_path\":\"t.c\",\"content\":\"x\"}"}}]
		},"finish_reason":"tool_calls"}]
	}`)

	resp, err := FromOpenAIResponse(raw, "m")
	require.NoError(t, err)

	require.Len(t, resp.Content, 1, "leaked text is dropped, only the tool_use remains")
	assert.Equal(t, canonical.BlockToolUse, resp.Content[0].Type)
	assert.Equal(t, "Write", resp.Content[0].Name)
	assert.Equal(t, canonical.StopToolUse, resp.StopReason)
}

func TestFromOpenAIResponse_JSONLeakWithoutCalls(t *testing.T) {
	raw := []byte(`{
		"choices":[{"message":{
			"role":"assistant",
			"content":"{\"function\":{\"name\":\"Write\"}}"
		},"finish_reason":"stop"}]
	}`)

	resp, err := FromOpenAIResponse(raw, "m")
	require.NoError(t, err)

	require.Len(t, resp.Content, 1)
	assert.Equal(t, canonical.BlockText, resp.Content[0].Type)
	assert.Equal(t, "", resp.Content[0].Text, "hallucinated call collapses to an empty text block")
}

func TestFromOpenAIResponse_NullContent(t *testing.T) {
	raw := []byte(`{"choices":[{"message":{"role":"assistant","content":null},"finish_reason":"stop"}]}`)

	resp, err := FromOpenAIResponse(raw, "m")
	require.NoError(t, err)
	require.Len(t, resp.Content, 1, "content array is never empty")
	assert.Equal(t, "", resp.Content[0].Text)
}

func TestFromOpenAIResponse_NoChoices(t *testing.T) {
	_, err := FromOpenAIResponse([]byte(`{"choices":[]}`), "m")
	assert.ErrorIs(t, err, ErrNoChoices)

	_, err = FromOpenAIResponse([]byte(`{}`), "m")
	assert.ErrorIs(t, err, ErrNoChoices)
}

func TestFromOpenAIResponse_MissingUsage(t *testing.T) {
	raw := []byte(`{"choices":[{"message":{"role":"assistant","content":"x"},"finish_reason":"stop"}]}`)

	resp, err := FromOpenAIResponse(raw, "m")
	require.NoError(t, err)
	assert.Zero(t, resp.Usage.InputTokens)
	assert.Zero(t, resp.Usage.OutputTokens)
}

func TestFromOpenAIResponse_GeneratesMissingToolCallID(t *testing.T) {
	raw := []byte(`{
		"choices":[{"message":{
			"role":"assistant","content":null,
			"tool_calls":[{"type":"function","function":{"name":"Read","arguments":"not json"}}]
		},"finish_reason":"tool_calls"}]
	}`)

	resp, err := FromOpenAIResponse(raw, "m")
	require.NoError(t, err)
	require.Len(t, resp.Content, 2)

	use := resp.Content[1]
	assert.Equal(t, canonical.BlockToolUse, use.Type)
	assert.Contains(t, use.ID, "toolu_")
	assert.Empty(t, use.Input, "unparseable arguments become the empty object")
}

func TestMapFinishReason(t *testing.T) {
	tests := []struct {
		reason string
		want   string
	}{
		{"stop", canonical.StopEndTurn},
		{"tool_calls", canonical.StopToolUse},
		{"length", canonical.StopMaxTokens},
		{"content_filter", canonical.StopContentFilter},
		{"weird_upstream_value", canonical.StopEndTurn},
		{"", canonical.StopEndTurn},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			assert.Equal(t, tt.want, MapFinishReason(tt.reason))
		})
	}
}

func TestRoundTrip_TextOnly(t *testing.T) {
	// A text-only request translated out and a text-only upstream reply
	// translated back preserves the text verbatim.
	req := &canonical.Request{
		Model: "m",
		Messages: []canonical.Message{
			canonical.PlainMessage("user", "What is a mutex?"),
		},
	}
	out := ToOpenAIRequest(req, "upstream-model", OpenAIOptions{})
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "What is a mutex?", *out.Messages[0].Content)

	upstream := OpenAIResponse{
		Choices: []OpenAIChoice{{
			Message:      OpenAIMessage{Role: "assistant", Content: strPtr("A mutex is a lock.")},
			FinishReason: "stop",
		}},
	}
	raw, err := json.Marshal(upstream)
	require.NoError(t, err)

	resp, err := FromOpenAIResponse(raw, "m")
	require.NoError(t, err)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "A mutex is a lock.", resp.Content[0].Text)
}

func TestLooksLikeToolJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    bool
	}{
		{"function key", `{"function":{"name":"Read"}}`, true},
		{"type function", `{"type":"function","function":{}}`, true},
		{"whitespace padded", `  {"function":{}}  `, true},
		{"plain text", "hello", false},
		{"json but not a call", `{"type":"message"}`, false},
		{"json array", `[{"function":{}}]`, false},
		{"invalid json", `{"function":`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, looksLikeToolJSON(tt.content))
		})
	}
}

func TestToOpenAIRequest_MaxCompletionTokens(t *testing.T) {
	req := &canonical.Request{
		MaxTokens: 512,
		Messages:  []canonical.Message{canonical.PlainMessage("user", "hi")},
	}

	out := ToOpenAIRequest(req, "m", OpenAIOptions{})
	assert.Equal(t, 512, out.MaxTokens)
	assert.Zero(t, out.MaxCompletionTokens)

	out = ToOpenAIRequest(req, "m", OpenAIOptions{UseMaxCompletionTokens: true})
	assert.Zero(t, out.MaxTokens)
	assert.Equal(t, 512, out.MaxCompletionTokens)
}
