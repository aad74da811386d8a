package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/stagepipe/stagepipe/internal/testutil"
)

func TestExtract_FlatFields(t *testing.T) {
	client := testutil.NewScriptedClient(testutil.Turn{Reply: `{"email": "a@b.com", "party_size": 4}`})
	e := NewDataExtractor(client)
	fields := e.Extract(context.Background(), "sys", "prompt")
	if fields["email"] != "a@b.com" {
		t.Errorf("email: got %q", fields["email"])
	}
	if fields["party_size"] != "4" {
		t.Errorf("party_size: got %q", fields["party_size"])
	}
}

func TestExtract_FencedReply(t *testing.T) {
	client := testutil.NewScriptedClient(testutil.Turn{Reply: "```json\n{\"phone\": \"+1 555 0100\"}\n```"})
	e := NewDataExtractor(client)
	fields := e.Extract(context.Background(), "", "")
	if fields["phone"] != "+1 555 0100" {
		t.Errorf("phone: got %q", fields["phone"])
	}
}

func TestExtract_CompletionErrorYieldsEmptyMap(t *testing.T) {
	client := testutil.NewScriptedClient(testutil.Turn{Err: errors.New("provider down")})
	e := NewDataExtractor(client)
	fields := e.Extract(context.Background(), "", "")
	if fields == nil {
		t.Fatal("expected non-nil map")
	}
	if len(fields) != 0 {
		t.Errorf("expected empty map, got %v", fields)
	}
}

func TestExtract_GarbageReplyYieldsEmptyMap(t *testing.T) {
	client := testutil.NewScriptedClient(testutil.Turn{Reply: "no structured data here"})
	e := NewDataExtractor(client)
	fields := e.Extract(context.Background(), "", "")
	if len(fields) != 0 {
		t.Errorf("expected empty map, got %v", fields)
	}
}

func TestExtractPatterns(t *testing.T) {
	content := "Hi, my name is Maria Lopez, reach me at maria@example.com or +1 (555) 010-0199. Budget: 250 dollars"
	fields := ExtractPatterns(content, []string{"name", "email", "phone", "budget", "missing_field"})
	if fields["email"] != "maria@example.com" {
		t.Errorf("email: got %q", fields["email"])
	}
	if fields["name"] != "Maria Lopez" {
		t.Errorf("name: got %q", fields["name"])
	}
	if fields["phone"] == "" {
		t.Error("expected a phone match")
	}
	if fields["budget"] != "250 dollars" {
		t.Errorf("budget: got %q", fields["budget"])
	}
	if _, ok := fields["missing_field"]; ok {
		t.Error("expected no match for missing_field")
	}
}

func TestExtractPatterns_Date(t *testing.T) {
	fields := ExtractPatterns("see you on 2025-04-02 then", []string{"date"})
	if fields["date"] != "2025-04-02" {
		t.Errorf("date: got %q", fields["date"])
	}
}
