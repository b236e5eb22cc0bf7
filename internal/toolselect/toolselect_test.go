package toolselect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayproxy/relay/internal/analyzer"
	"github.com/relayproxy/relay/internal/canonical"
	"github.com/relayproxy/relay/internal/config"
	"github.com/relayproxy/relay/internal/providers"
)

func tools(names ...string) []canonical.Tool {
	out := make([]canonical.Tool, 0, len(names))
	for _, n := range names {
		out = append(out, canonical.Tool{Name: n})
	}
	return out
}

func names(tools []canonical.Tool) []string {
	out := make([]string, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.Name)
	}
	return out
}

var fullSet = tools("Read", "Edit", "Write", "Grep", "Glob", "Bash", "WebFetch", "Task", "TodoWrite", "NotebookEdit")

func TestSelect_ByClassification(t *testing.T) {
	tests := []struct {
		class analyzer.Classification
		want  []string
	}{
		{analyzer.ClassConversational, []string{}},
		{analyzer.ClassFileReading, []string{"Read", "Grep", "Glob"}},
		{analyzer.ClassFileEditing, []string{"Read", "Edit", "Write", "Grep", "Glob"}},
		{analyzer.ClassSearch, []string{"Read", "Grep", "Glob"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.class), func(t *testing.T) {
			got := Select(fullSet, analyzer.Result{Classification: tt.class}, providers.OpenAI, config.ModeHeuristic, 0)
			assert.ElementsMatch(t, tt.want, names(got))
		})
	}
}

func TestSelect_ComplexTaskKeepsEverything(t *testing.T) {
	got := Select(fullSet, analyzer.Result{Classification: analyzer.ClassComplexTask}, providers.OpenAI, config.ModeHeuristic, 0)
	assert.Len(t, got, len(fullSet))
}

func TestSelect_AggressiveDropsAmbiguous(t *testing.T) {
	set := tools("Read", "Bash", "WebFetch", "Grep")

	got := Select(set, analyzer.Result{Classification: analyzer.ClassFileReading}, providers.OpenAI, config.ModeAggressive, 0)
	assert.ElementsMatch(t, []string{"Read", "Grep"}, names(got))

	got = Select(set, analyzer.Result{Classification: analyzer.ClassComplexTask}, providers.OpenAI, config.ModeAggressive, 0)
	assert.Contains(t, names(got), "Bash", "complex tasks keep ambiguous tools even in aggressive mode")
}

func TestSelect_ConservativeAddsSafetyRead(t *testing.T) {
	set := tools("Read", "Edit", "Write", "Grep", "Glob")

	// Editing selection already carries Read; nothing is added twice.
	got := Select(set, analyzer.Result{Classification: analyzer.ClassFileEditing}, providers.OpenAI, config.ModeConservative, 0)
	count := 0
	for _, n := range names(got) {
		if n == "Read" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestSelect_OllamaCap(t *testing.T) {
	got := Select(fullSet, analyzer.Result{Classification: analyzer.ClassComplexTask}, providers.Ollama, config.ModeHeuristic, 0)
	assert.Len(t, got, OllamaMaxTools)

	got = Select(fullSet, analyzer.Result{Classification: analyzer.ClassComplexTask}, providers.OpenAI, config.ModeHeuristic, 0)
	assert.Len(t, got, len(fullSet), "the cap is ollama-family only")
}

func TestSelect_TokenBudget(t *testing.T) {
	got := Select(fullSet, analyzer.Result{Classification: analyzer.ClassComplexTask}, providers.OpenAI, config.ModeHeuristic, 700)
	require.NotEmpty(t, got)
	assert.LessOrEqual(t, len(got)*TokensPerTool, 700)
	assert.Len(t, got, 4)
}

func TestSelect_EmptyInput(t *testing.T) {
	got := Select(nil, analyzer.Result{Classification: analyzer.ClassComplexTask}, providers.OpenAI, config.ModeHeuristic, 0)
	assert.Empty(t, got)
}
