// Package usage extracts token-usage metrics from Anthropic Messages API
// response bodies. Parsing is pure and never fails: malformed input
// degrades to a nil result.
package usage

import (
	"encoding/json"
	"strings"
)

// TokenUsage holds the token counts reported by the upstream for one call.
type TokenUsage struct {
	Model               string
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
}

// IsAnthropicMessagesCall reports whether a request targets the Messages
// endpoint: POST to a path whose last segment (query stripped) is
// "messages". "/v1/messages-extended" does not match.
func IsAnthropicMessagesCall(path, method string) bool {
	if !strings.EqualFold(method, "POST") {
		return false
	}
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	path = strings.ToLower(path)
	return strings.HasSuffix(path, "/messages")
}

// Parse extracts token usage from a Messages response body. streaming selects
// the SSE scan; otherwise the body is parsed as a single JSON document.
// Returns nil when no usage information is present.
func Parse(body string, streaming bool) *TokenUsage {
	if strings.TrimSpace(body) == "" {
		return nil
	}
	if streaming {
		return parseEventStream(body)
	}
	return parseJSON(body)
}

// usagePayload mirrors the Messages API usage object. Absent fields default
// to zero.
type usagePayload struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
}

func (u *usagePayload) toTokenUsage(model string) *TokenUsage {
	return &TokenUsage{
		Model:               model,
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheReadTokens:     u.CacheReadInputTokens,
		CacheCreationTokens: u.CacheCreationInputTokens,
	}
}

func parseJSON(body string) *TokenUsage {
	var doc struct {
		Model string        `json:"model"`
		Usage *usagePayload `json:"usage"`
	}
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil
	}
	if doc.Usage == nil {
		return nil
	}
	return doc.Usage.toTokenUsage(doc.Model)
}

// streamEvent covers the fields of the SSE event types we care about.
type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Model string        `json:"model"`
		Usage *usagePayload `json:"usage"`
	} `json:"message"`
	Usage *usagePayload `json:"usage"`
}

// parseEventStream scans the SSE body line by line. message_start provides
// the model and a preliminary usage snapshot; message_delta provides the
// final counts. The delta wins when both are present, carrying the model
// captured from message_start.
func parseEventStream(body string) *TokenUsage {
	var (
		startModel string
		lastModel  string
		startUsage *usagePayload
		deltaUsage *usagePayload
	)

	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}
		if ev.Message != nil && ev.Message.Model != "" {
			lastModel = ev.Message.Model
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				startModel = ev.Message.Model
				if ev.Message.Usage != nil {
					startUsage = ev.Message.Usage
				}
			}
		case "message_delta":
			if ev.Usage != nil {
				deltaUsage = ev.Usage
			}
		}
	}

	model := startModel
	if model == "" {
		model = lastModel
	}
	if deltaUsage != nil {
		return deltaUsage.toTokenUsage(model)
	}
	if startUsage != nil {
		return startUsage.toTokenUsage(model)
	}
	return nil
}
