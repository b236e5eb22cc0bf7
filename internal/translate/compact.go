package translate

import "log/slog"

// CompactOpenAIMessages merges consecutive same-role messages by joining
// their content with a newline. Local chat servers reject sequences with two
// adjacent messages of the same role; merging preserves the text where a
// drop would lose it. Tool-role messages are never merged since each one
// answers a distinct call.
func CompactOpenAIMessages(messages []OpenAIMessage, logger *slog.Logger) []OpenAIMessage {
	if len(messages) < 2 {
		return messages
	}

	out := make([]OpenAIMessage, 0, len(messages))
	merged := 0

	for _, msg := range messages {
		if len(out) > 0 {
			prev := &out[len(out)-1]
			if prev.Role == msg.Role && msg.Role != "tool" && len(prev.ToolCalls) == 0 && len(msg.ToolCalls) == 0 {
				prev.Content = strPtr(joinLine(deref(prev.Content), deref(msg.Content)))
				merged++
				continue
			}
		}
		out = append(out, msg)
	}

	if merged > 0 && logger != nil {
		logger.Warn("merged consecutive same-role messages for local provider", "merged", merged)
	}
	return out
}

// CompactOllamaMessages is the native-shape twin of CompactOpenAIMessages.
func CompactOllamaMessages(messages []OllamaMessage, logger *slog.Logger) []OllamaMessage {
	if len(messages) < 2 {
		return messages
	}

	out := make([]OllamaMessage, 0, len(messages))
	merged := 0

	for _, msg := range messages {
		if len(out) > 0 {
			prev := &out[len(out)-1]
			if prev.Role == msg.Role && len(prev.ToolCalls) == 0 && len(msg.ToolCalls) == 0 {
				prev.Content = joinLine(prev.Content, msg.Content)
				merged++
				continue
			}
		}
		out = append(out, msg)
	}

	if merged > 0 && logger != nil {
		logger.Warn("merged consecutive same-role messages for local provider", "merged", merged)
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
