package translate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayproxy/relay/internal/canonical"
)

func TestFromResponsesRequest_StringInput(t *testing.T) {
	req := &ResponsesRequest{
		Model:        "m",
		Input:        json.RawMessage(`"summarize this"`),
		Instructions: "be brief",
		MaxTokens:    100,
	}

	out, err := FromResponsesRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "be brief", out.SystemText())
	assert.Equal(t, 100, out.MaxTokens)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, canonical.RoleUser, out.Messages[0].Role)
	assert.Equal(t, "summarize this", out.Messages[0].Text)
}

func TestFromResponsesRequest_ItemArray(t *testing.T) {
	req := &ResponsesRequest{
		Model: "m",
		Input: json.RawMessage(`[
			{"role":"developer","content":"house rules"},
			{"role":"user","content":[{"type":"input_text","text":"first"},{"type":"text","text":"second"}]},
			{"role":"narrator","content":"invalid role, dropped"},
			{"role":"assistant","content":""},
			{"role":"tool","content":"tool output","tool_call_id":"c1"}
		]`),
	}

	out, err := FromResponsesRequest(req)
	require.NoError(t, err)
	require.Len(t, out.Messages, 3)

	assert.Equal(t, "developer", out.Messages[0].Role)
	assert.Equal(t, "user", out.Messages[1].Role)
	assert.Equal(t, "first\n\nsecond", out.Messages[1].Text)
	assert.Equal(t, canonical.RoleUser, out.Messages[2].Role, "tool items fold into user turns")
	assert.Equal(t, "tool output", out.Messages[2].Text)
}

func TestFromResponsesRequest_NoValidMessages(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty input", ``},
		{"all invalid roles", `[{"role":"x","content":"y"}]`},
		{"empty array", `[]`},
		{"items without payload", `[{"role":"user","content":""}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromResponsesRequest(&ResponsesRequest{Input: json.RawMessage(tt.input)})
			assert.ErrorIs(t, err, ErrNoValidMessages)
		})
	}
}

func TestFromResponsesRequest_MalformedInput(t *testing.T) {
	_, err := FromResponsesRequest(&ResponsesRequest{Input: json.RawMessage(`42`)})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoValidMessages)
}
