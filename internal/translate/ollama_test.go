package translate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayproxy/relay/internal/canonical"
)

func TestToOllamaRequest_ToolResultBecomesUserContent(t *testing.T) {
	req := &canonical.Request{
		Messages: []canonical.Message{
			canonical.PlainMessage("user", "list files"),
			canonical.BlockMessage("assistant",
				canonical.ToolUseBlock("toolu_1", "Bash", map[string]any{"command": "ls"}),
			),
			canonical.BlockMessage("user",
				canonical.ContentBlock{Type: canonical.BlockToolResult, ToolUseID: "toolu_1", Content: json.RawMessage(`"a.txt\nb.txt"`)},
			),
		},
	}

	out := ToOllamaRequest(req, "qwen2.5-coder")
	require.Len(t, out.Messages, 3)
	assert.False(t, out.Stream, "native requests always run batch")

	assistant := out.Messages[1]
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "Bash", assistant.ToolCalls[0].Function.Name)
	assert.Equal(t, "ls", assistant.ToolCalls[0].Function.Arguments["command"])

	result := out.Messages[2]
	assert.Equal(t, "user", result.Role)
	assert.Equal(t, "a.txt\nb.txt", result.Content)
	assert.Empty(t, result.ToolCalls)
}

func TestToOllamaRequest_Options(t *testing.T) {
	temp := 0.2
	req := &canonical.Request{
		Temperature: &temp,
		MaxTokens:   256,
		Messages:    []canonical.Message{canonical.PlainMessage("user", "hi")},
	}

	out := ToOllamaRequest(req, "m")
	require.NotNil(t, out.Options)
	assert.Equal(t, 0.2, *out.Options.Temperature)
	assert.Equal(t, 256, out.Options.NumPredict)

	out = ToOllamaRequest(&canonical.Request{
		Messages: []canonical.Message{canonical.PlainMessage("user", "hi")},
	}, "m")
	assert.Nil(t, out.Options, "no sampling params, no options object")
}

func TestFromOllamaResponse_Text(t *testing.T) {
	raw := []byte(`{
		"model":"qwen2.5-coder",
		"message":{"role":"assistant","content":"done"},
		"done":true,"done_reason":"stop",
		"prompt_eval_count":10,"eval_count":3
	}`)

	resp, err := FromOllamaResponse(raw, "requested")
	require.NoError(t, err)
	assert.Equal(t, "requested", resp.Model)
	assert.Equal(t, canonical.StopEndTurn, resp.StopReason)
	assert.Equal(t, 10, resp.Usage.InputTokens)
	assert.Equal(t, 3, resp.Usage.OutputTokens)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "done", resp.Content[0].Text)
}

func TestFromOllamaResponse_ToolCalls(t *testing.T) {
	raw := []byte(`{
		"message":{"role":"assistant","content":"",
			"tool_calls":[{"function":{"name":"Read","arguments":{"file_path":"/a"}}}]},
		"done":true,"done_reason":"stop"
	}`)

	resp, err := FromOllamaResponse(raw, "m")
	require.NoError(t, err)
	assert.Equal(t, canonical.StopToolUse, resp.StopReason, "tool calls win over done_reason")

	require.Len(t, resp.Content, 2)
	assert.Equal(t, canonical.BlockText, resp.Content[0].Type)
	use := resp.Content[1]
	assert.Equal(t, canonical.BlockToolUse, use.Type)
	assert.Equal(t, "Read", use.Name)
	assert.Equal(t, "/a", use.Input["file_path"])
	assert.Contains(t, use.ID, "toolu_", "native calls carry no id, one is generated")
}

func TestFromOllamaResponse_JSONLeak(t *testing.T) {
	raw := []byte(`{
		"message":{"role":"assistant",
			"content":"{\"function\":{\"name\":\"Write\"}}",
			"tool_calls":[{"function":{"name":"Write","arguments":{}}}]},
		"done":true
	}`)

	resp, err := FromOllamaResponse(raw, "m")
	require.NoError(t, err)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, canonical.BlockToolUse, resp.Content[0].Type)
}

func TestFromOllamaResponse_NoMessage(t *testing.T) {
	_, err := FromOllamaResponse([]byte(`{"done":true}`), "m")
	assert.ErrorIs(t, err, ErrNoMessage)
}

func TestFromOllamaResponse_LengthDoneReason(t *testing.T) {
	raw := []byte(`{"message":{"role":"assistant","content":"trunc"},"done":true,"done_reason":"length"}`)

	resp, err := FromOllamaResponse(raw, "m")
	require.NoError(t, err)
	assert.Equal(t, canonical.StopMaxTokens, resp.StopReason)
}
