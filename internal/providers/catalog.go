package providers

import (
	"github.com/relayproxy/relay/internal/canonical"
)

// DefaultCatalog is the built-in tool set injected into requests that arrive
// without tool declarations. The schemas mirror the coding-agent CLI surface.
func DefaultCatalog() []canonical.Tool {
	return []canonical.Tool{
		{
			Name:        "Read",
			Description: "Read a file from the local filesystem",
			InputSchema: objectSchema(map[string]any{
				"file_path": map[string]any{"type": "string", "description": "Absolute path to the file"},
			}, "file_path"),
		},
		{
			Name:        "Write",
			Description: "Write content to a file, creating or overwriting it",
			InputSchema: objectSchema(map[string]any{
				"file_path": map[string]any{"type": "string"},
				"content":   map[string]any{"type": "string"},
			}, "file_path", "content"),
		},
		{
			Name:        "Edit",
			Description: "Replace an exact string in a file",
			InputSchema: objectSchema(map[string]any{
				"file_path":  map[string]any{"type": "string"},
				"old_string": map[string]any{"type": "string"},
				"new_string": map[string]any{"type": "string"},
			}, "file_path", "old_string", "new_string"),
		},
		{
			Name:        "Bash",
			Description: "Execute a shell command and return its output",
			InputSchema: objectSchema(map[string]any{
				"command": map[string]any{"type": "string"},
				"timeout": map[string]any{"type": "number"},
			}, "command"),
		},
		{
			Name:        "Grep",
			Description: "Search file contents with a regular expression",
			InputSchema: objectSchema(map[string]any{
				"pattern": map[string]any{"type": "string"},
				"path":    map[string]any{"type": "string"},
			}, "pattern"),
		},
		{
			Name:        "Glob",
			Description: "Find files matching a glob pattern",
			InputSchema: objectSchema(map[string]any{
				"pattern": map[string]any{"type": "string"},
			}, "pattern"),
		},
		{
			Name:        "WebFetch",
			Description: "Fetch a URL and return the page content",
			InputSchema: objectSchema(map[string]any{
				"url": map[string]any{"type": "string"},
			}, "url"),
		},
	}
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// ShouldInjectCatalog reports whether the default catalog should be added to
// a request that carries zero tools. Cloud families always accept injection;
// local families are gated behind a config toggle.
func ShouldInjectCatalog(d *Descriptor, requestTools int, localInjection bool) bool {
	if requestTools > 0 {
		return false // passthrough: caller brought its own tools
	}
	if d.Local() {
		return localInjection
	}
	return true
}

// OpenAITool is the chat-completions function-tool wrapper.
type OpenAITool struct {
	Type     string         `json:"type"`
	Function OpenAIFunction `json:"function"`
}

type OpenAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToOpenAITools converts canonical declarations to the OpenAI function shape.
func ToOpenAITools(tools []canonical.Tool) []OpenAITool {
	out := make([]OpenAITool, 0, len(tools))
	for _, t := range tools {
		out = append(out, OpenAITool{
			Type: "function",
			Function: OpenAIFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return out
}

// OllamaTool is the native Ollama tool schema. It nests the same data under
// different key names than the OpenAI shape.
type OllamaTool struct {
	Type     string         `json:"type"`
	Function OllamaFunction `json:"function"`
}

type OllamaFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToOllamaTools converts canonical declarations to Ollama's native schema.
func ToOllamaTools(tools []canonical.Tool) []OllamaTool {
	out := make([]OllamaTool, 0, len(tools))
	for _, t := range tools {
		params := t.InputSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, OllamaTool{
			Type: "function",
			Function: OllamaFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
