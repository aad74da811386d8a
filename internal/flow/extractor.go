package flow

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

// DataExtractor pulls structured fields out of a user message. The primary
// path asks the completion client with a rendered extraction prompt; the
// fallback path applies pattern rules per requested field. Both paths are
// best-effort and never fail the request.
type DataExtractor struct {
	client CompletionClient
}

// NewDataExtractor creates a data extractor using the given completion client.
func NewDataExtractor(client CompletionClient) *DataExtractor {
	return &DataExtractor{client: client}
}

// Extract sends the rendered extraction prompt and parses a flat field map
// from the reply. Completion failures and malformed replies degrade to an
// empty map.
func (e *DataExtractor) Extract(ctx context.Context, systemPrompt, renderedPrompt string) map[string]string {
	reply, err := e.client.Complete(ctx, systemPrompt, renderedPrompt)
	if err != nil {
		slog.Warn("DataExtractor.Extract: completion failed, returning empty extraction", "error", err)
		return map[string]string{}
	}
	obj, ok := parseJSONObject(reply)
	if !ok {
		slog.Warn("DataExtractor.Extract: no parseable JSON in reply, returning empty extraction", "replyLength", len(reply))
		return map[string]string{}
	}
	fields := make(map[string]string, len(obj))
	for k, v := range obj {
		fields[k] = stringifyValue(v)
	}
	slog.Debug("DataExtractor.Extract: extracted fields", "count", len(fields))
	return fields
}

// Pattern rules for the template-less fallback path. The generic labeled
// rule below covers fields with no dedicated pattern.
var fieldPatterns = map[string]*regexp.Regexp{
	"email":  regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
	"phone":  regexp.MustCompile(`\+?\d[\d\s().\-]{6,}\d`),
	"date":   regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{2,4})\b`),
	"number": regexp.MustCompile(`-?\d+(?:\.\d+)?`),
	"amount": regexp.MustCompile(`-?\d+(?:\.\d+)?`),
	"name":   regexp.MustCompile(`(?i)(?:my name is|i am|i'm)\s+([A-Z][a-zA-Z]+(?:\s+[A-Z][a-zA-Z]+)*)`),
}

// ExtractPatterns applies the pattern rules for each requested field against
// the raw message content. Fields with no match are omitted.
func ExtractPatterns(content string, fields []string) map[string]string {
	out := make(map[string]string)
	for _, field := range fields {
		key := strings.ToLower(strings.TrimSpace(field))
		if key == "" {
			continue
		}
		if re, ok := fieldPatterns[key]; ok {
			if m := re.FindStringSubmatch(content); m != nil {
				value := m[0]
				if len(m) > 1 && m[1] != "" {
					value = m[1]
				}
				out[key] = strings.TrimSpace(value)
			}
			continue
		}
		// Generic "field: value" label match for unknown fields.
		re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(key) + `\s*[:=]\s*([^\n,.;]+)`)
		if m := re.FindStringSubmatch(content); m != nil {
			out[key] = strings.TrimSpace(m[1])
		}
	}
	return out
}
