// Package template renders prompt bodies by substituting {name} placeholders.
//
// Both {name} and {{name}} are accepted as equivalent single-variable
// markers; bodies are normalized to the single-brace form before
// substitution. Rendering is pure: no I/O, no errors. Placeholders with no
// value in the context are left as literal {name} text so missing-variable
// bugs show up in the rendered prompt instead of crashing the pipeline.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
)

var (
	doubleBraceRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)
	placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)
)

// Normalize rewrites {{name}} markers to the canonical {name} form.
func Normalize(body string) string {
	return doubleBraceRe.ReplaceAllString(body, "{$1}")
}

// Placeholders returns the distinct placeholder names in body, in order of
// first appearance. Both brace forms are recognized.
func Placeholders(body string) []string {
	normalized := Normalize(body)
	seen := make(map[string]bool)
	var names []string
	for _, m := range placeholderRe.FindAllStringSubmatch(normalized, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// Render substitutes context values into body. Non-string values are
// JSON-encoded before substitution; values that cannot be JSON-encoded fall
// back to fmt formatting. Unresolvable placeholders remain literal.
func Render(body string, context map[string]any) string {
	normalized := Normalize(body)
	return placeholderRe.ReplaceAllStringFunc(normalized, func(match string) string {
		name := match[1 : len(match)-1]
		value, ok := context[name]
		if !ok {
			return match
		}
		return stringify(value)
	})
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}
