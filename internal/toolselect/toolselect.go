// Package toolselect prunes the injected tool catalog per request so small
// models are not drowned in schemas they will never call.
package toolselect

import (
	"github.com/relayproxy/relay/internal/analyzer"
	"github.com/relayproxy/relay/internal/canonical"
	"github.com/relayproxy/relay/internal/config"
	"github.com/relayproxy/relay/internal/providers"
)

// TokensPerTool is the rough schema cost of one tool declaration.
const TokensPerTool = 175

// OllamaMaxTools is the hard cap for Ollama dispatches.
const OllamaMaxTools = 8

// selections maps a request classification to the tool names worth carrying.
var selections = map[analyzer.Classification][]string{
	analyzer.ClassConversational: {},
	analyzer.ClassFileReading:    {"Read", "Grep", "Glob"},
	analyzer.ClassFileEditing:    {"Read", "Edit", "Write", "Grep", "Glob"},
	analyzer.ClassSearch:         {"Grep", "Glob", "Read"},
	// ClassComplexTask keeps the full set.
}

// ambiguous tools are dropped in aggressive mode when the classification is
// not a complex task.
var ambiguous = map[string]bool{
	"WebFetch": true,
	"Bash":     true,
}

// safetyTool is added in conservative mode so a misclassified request can
// still inspect its surroundings.
const safetyTool = "Read"

// Select prunes tools for one dispatch. Caller-provided tools pass through
// selection like injected ones; provider caps and the token budget always
// apply.
func Select(tools []canonical.Tool, result analyzer.Result, provider string, mode config.RoutingMode, tokenBudget int) []canonical.Tool {
	selected := byClassification(tools, result.Classification, mode)

	if mode == config.ModeAggressive && result.Classification != analyzer.ClassComplexTask {
		kept := selected[:0]
		for _, t := range selected {
			if !ambiguous[t.Name] {
				kept = append(kept, t)
			}
		}
		selected = kept
	}

	if mode == config.ModeConservative && len(selected) > 0 && !contains(selected, safetyTool) {
		if t, ok := find(tools, safetyTool); ok {
			selected = append(selected, t)
		}
	}

	if providers.FamilyOf(provider) == providers.FamilyOllama && len(selected) > OllamaMaxTools {
		selected = selected[:OllamaMaxTools]
	}

	if tokenBudget > 0 {
		for len(selected)*TokensPerTool > tokenBudget {
			selected = selected[:len(selected)-1]
		}
	}

	return selected
}

func byClassification(tools []canonical.Tool, class analyzer.Classification, mode config.RoutingMode) []canonical.Tool {
	names, ok := selections[class]
	if !ok {
		// Complex tasks keep everything.
		return append([]canonical.Tool(nil), tools...)
	}

	allowed := make(map[string]bool, len(names))
	for _, n := range names {
		allowed[n] = true
	}

	out := make([]canonical.Tool, 0, len(names))
	for _, t := range tools {
		if allowed[t.Name] {
			out = append(out, t)
		}
	}
	return out
}

func contains(tools []canonical.Tool, name string) bool {
	for _, t := range tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

func find(tools []canonical.Tool, name string) (canonical.Tool, bool) {
	for _, t := range tools {
		if t.Name == name {
			return t, true
		}
	}
	return canonical.Tool{}, false
}
