package flow

import (
	"testing"
)

func TestParseJSONObject(t *testing.T) {
	cases := []struct {
		name  string
		raw   string
		ok    bool
		stage string
	}{
		{"plain object", `{"stage": "booking"}`, true, "booking"},
		{"fenced object", "```json\n{\"stage\": \"booking\"}\n```", true, "booking"},
		{"bare fence", "```\n{\"stage\": \"booking\"}\n```", true, "booking"},
		{"prose around object", `Sure! Here you go: {"stage": "booking"} hope that helps`, true, "booking"},
		{"nested braces", `{"stage": "booking", "meta": {"score": 1}}`, true, "booking"},
		{"brace inside string", `{"stage": "booking", "note": "use {curly} text"}`, true, "booking"},
		{"no json at all", "I could not decide.", false, ""},
		{"unbalanced", `{"stage": "booking"`, false, ""},
		{"array not object", `["booking"]`, false, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			obj, ok := parseJSONObject(tc.raw)
			if ok != tc.ok {
				t.Fatalf("parseJSONObject(%q): ok=%v, want %v", tc.raw, ok, tc.ok)
			}
			if !tc.ok {
				return
			}
			if got, _ := obj["stage"].(string); got != tc.stage {
				t.Errorf("stage: got %q, want %q", got, tc.stage)
			}
		})
	}
}

func TestTemplateVars(t *testing.T) {
	pctx := &Context{
		BusinessID:     "biz",
		UserID:         "usr",
		ConversationID: "conv",
		Content:        "hello",
		StageName:      "greeting",
		Vars:           map[string]string{"business_name": "Acme"},
	}
	vars := pctx.TemplateVars()
	if vars["message"] != "hello" {
		t.Errorf("message: got %v", vars["message"])
	}
	if vars["current_stage"] != "greeting" {
		t.Errorf("current_stage: got %v", vars["current_stage"])
	}
	if vars["business_name"] != "Acme" {
		t.Errorf("business_name: got %v", vars["business_name"])
	}
	if vars["extracted_data"] == nil {
		t.Error("extracted_data should never be nil")
	}
}

func TestTemplateVars_ResolvedDoesNotShadowFixed(t *testing.T) {
	pctx := &Context{
		Content: "real message",
		Vars:    map[string]string{"message": "spoofed"},
	}
	vars := pctx.TemplateVars()
	if vars["message"] != "real message" {
		t.Errorf("fixed field shadowed: got %v", vars["message"])
	}
}

func TestStringifyValue(t *testing.T) {
	if got := stringifyValue("text"); got != "text" {
		t.Errorf("string: got %q", got)
	}
	if got := stringifyValue(nil); got != "" {
		t.Errorf("nil: got %q", got)
	}
	if got := stringifyValue(float64(3)); got != "3" {
		t.Errorf("number: got %q", got)
	}
	if got := stringifyValue([]any{"a", "b"}); got != `["a","b"]` {
		t.Errorf("array: got %q", got)
	}
}
