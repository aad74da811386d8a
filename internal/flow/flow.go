// Package flow implements the StagePipe message-processing pipeline: stage
// selection, data extraction, response generation, and the processor that
// sequences them inside one storage transaction per inbound message.
package flow

import (
	"context"
	"encoding/json"
	"strings"
)

// CompletionClient is the language-completion capability the pipeline
// components depend on. genai.Client satisfies it.
type CompletionClient interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Context is the per-call pipeline context: a small closed set of well-known
// fields plus an open extension area for resolved template variables. It is
// owned by exactly one Process call and never shared across requests.
type Context struct {
	BusinessID     string
	UserID         string
	ConversationID string
	Content        string
	StageID        string
	StageName      string
	Extracted      map[string]string
	Vars           map[string]string
}

// TemplateVars flattens the context into the mapping handed to the template
// renderer. Resolved variables never shadow the well-known fields.
func (c *Context) TemplateVars() map[string]any {
	vars := make(map[string]any, len(c.Vars)+8)
	for k, v := range c.Vars {
		vars[k] = v
	}
	vars["business_id"] = c.BusinessID
	vars["user_id"] = c.UserID
	vars["conversation_id"] = c.ConversationID
	vars["message"] = c.Content
	vars["current_stage"] = c.StageName
	extracted := c.Extracted
	if extracted == nil {
		extracted = map[string]string{}
	}
	vars["extracted_data"] = extracted
	return vars
}

// parseJSONObject pulls a JSON object out of an LLM reply. It tolerates
// markdown code fences and prose surrounding the object. Returns false when
// no object can be decoded.
func parseJSONObject(raw string) (map[string]any, bool) {
	cleaned := strings.TrimSpace(raw)
	cleaned = stripCodeFence(cleaned)

	var obj map[string]any
	if err := json.Unmarshal([]byte(cleaned), &obj); err == nil {
		return obj, true
	}

	candidate, ok := firstJSONObject(cleaned)
	if !ok {
		return nil, false
	}
	if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// stripCodeFence removes a surrounding ``` or ```json fence if present.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		s = s[idx+1:]
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// firstJSONObject scans for the first balanced {...} span, respecting
// string literals and escapes.
func firstJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// stringifyValue renders a decoded JSON value as a flat string.
func stringifyValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}
