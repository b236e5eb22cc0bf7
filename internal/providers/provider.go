// Package providers describes the upstream model providers the gateway can
// dispatch to. Providers are grouped into families that share a wire format;
// all per-family behavior (endpoint shape, auth headers, request/response
// translation) is keyed off the family identifier.
package providers

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Family identifies a wire format shared by one or more providers.
type Family string

const (
	FamilyOpenAIChat     Family = "openai-chat"
	FamilyAzureResponses Family = "azure-responses"
	FamilyAnthropic      Family = "anthropic-native"
	FamilyBedrock        Family = "bedrock-converse"
	FamilyOllama         Family = "ollama-native"
	FamilyTinyFish       Family = "tinyfish-sse"
)

// Provider identifiers accepted in configuration.
const (
	OpenAI         = "openai"
	AzureOpenAI    = "azure-openai"
	AzureResponses = "azure-responses"
	OpenRouter     = "openrouter"
	Anthropic      = "anthropic"
	Bedrock        = "bedrock"
	Ollama         = "ollama"
	LlamaCpp       = "llamacpp"
	LMStudio       = "lmstudio"
	TinyFish       = "tinyfish"
)

// families maps every known provider identifier to its wire family.
var families = map[string]Family{
	OpenAI:         FamilyOpenAIChat,
	AzureOpenAI:    FamilyOpenAIChat,
	AzureResponses: FamilyAzureResponses,
	OpenRouter:     FamilyOpenAIChat,
	Anthropic:      FamilyAnthropic,
	Bedrock:        FamilyBedrock,
	Ollama:         FamilyOllama,
	LlamaCpp:       FamilyOpenAIChat,
	LMStudio:       FamilyOpenAIChat,
	TinyFish:       FamilyTinyFish,
}

// localProviders run on the operator's own hardware. They are eligible for
// fallback-to-cloud on failure and are forbidden as fallback targets.
var localProviders = map[string]bool{
	Ollama:   true,
	LlamaCpp: true,
	LMStudio: true,
}

// Known returns all valid provider identifiers, sorted.
func Known() []string {
	names := make([]string, 0, len(families))
	for name := range families {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsKnown reports whether name is a recognized provider identifier.
func IsKnown(name string) bool {
	_, ok := families[name]
	return ok
}

// IsLocal reports whether the provider runs locally.
func IsLocal(name string) bool {
	return localProviders[name]
}

// FamilyOf returns the wire family for a provider identifier.
func FamilyOf(name string) Family {
	return families[name]
}

// Descriptor carries the dial information for one configured provider.
type Descriptor struct {
	Name       string
	Family     Family
	BaseURL    string
	APIKey     string
	Model      string
	Deployment string // Azure deployment name
	APIVersion string // Azure api-version query parameter
	Region     string // Bedrock region, informational
	Timeout    time.Duration
}

// Local reports whether the descriptor points at a local provider.
func (d *Descriptor) Local() bool {
	return IsLocal(d.Name)
}

// SupportsStreaming reports whether the family's upstream SSE can be passed
// through to the caller without translation. OpenAI-family SSE differs from
// the canonical event shape, so streaming is forced off for those families.
func (d *Descriptor) SupportsStreaming() bool {
	return d.Family == FamilyAnthropic || d.Family == FamilyTinyFish
}

// EndpointURL builds the dispatch URL for the descriptor's family.
func (d *Descriptor) EndpointURL() (string, error) {
	if d.BaseURL == "" {
		return "", fmt.Errorf("provider %s: no endpoint configured", d.Name)
	}
	base := strings.TrimRight(d.BaseURL, "/")

	switch d.Family {
	case FamilyOpenAIChat:
		if d.Deployment != "" {
			// Azure deployment-scoped chat completions.
			u := fmt.Sprintf("%s/openai/deployments/%s/chat/completions", base, url.PathEscape(d.Deployment))
			if d.APIVersion != "" {
				u += "?api-version=" + url.QueryEscape(d.APIVersion)
			}
			return u, nil
		}
		return base + "/v1/chat/completions", nil
	case FamilyAzureResponses:
		u := base + "/openai/responses"
		if d.APIVersion != "" {
			u += "?api-version=" + url.QueryEscape(d.APIVersion)
		}
		return u, nil
	case FamilyAnthropic:
		return base + "/v1/messages", nil
	case FamilyBedrock:
		if d.Model == "" {
			return "", fmt.Errorf("provider %s: bedrock requires a model id", d.Name)
		}
		return fmt.Sprintf("%s/model/%s/converse", base, url.PathEscape(d.Model)), nil
	case FamilyOllama:
		return base + "/api/chat", nil
	case FamilyTinyFish:
		return base, nil
	default:
		return "", fmt.Errorf("provider %s: unknown family %q", d.Name, d.Family)
	}
}

// BuildHeaders returns the auth and content headers for the descriptor's
// family.
func (d *Descriptor) BuildHeaders() map[string]string {
	headers := map[string]string{
		"Content-Type": "application/json",
	}

	switch d.Family {
	case FamilyOpenAIChat:
		if d.APIKey == "" {
			break
		}
		if d.Deployment != "" && !strings.Contains(d.BaseURL, "services.ai.azure.com") {
			headers["api-key"] = d.APIKey
		} else {
			headers["Authorization"] = "Bearer " + d.APIKey
		}
	case FamilyAzureResponses:
		if d.APIKey == "" {
			break
		}
		if strings.Contains(d.BaseURL, "services.ai.azure.com") {
			headers["Authorization"] = "Bearer " + d.APIKey
		} else {
			headers["api-key"] = d.APIKey
		}
	case FamilyAnthropic:
		headers["x-api-key"] = d.APIKey
		headers["anthropic-version"] = "2023-06-01"
	case FamilyBedrock:
		// Bedrock API-key style bearer auth, not SigV4.
		headers["Authorization"] = "Bearer " + d.APIKey
	case FamilyOllama:
		// No auth.
	case FamilyTinyFish:
		headers["X-API-Key"] = d.APIKey
		headers["Accept"] = "text/event-stream"
	}

	return headers
}
