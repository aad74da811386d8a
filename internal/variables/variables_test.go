package variables

import (
	"context"
	"testing"
	"time"

	"github.com/stagepipe/stagepipe/internal/models"
	"github.com/stagepipe/stagepipe/internal/testutil"
)

func fixedNow() time.Time {
	return time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
}

func TestResolve_UnknownVariable(t *testing.T) {
	f := testutil.NewFixture(t)
	reg := NewRegistry(f.Store)
	values := reg.Resolve(context.Background(), []string{"no_such_variable"}, Ref{})
	if values["no_such_variable"] != "" {
		t.Errorf("expected empty value for unknown variable, got %q", values["no_such_variable"])
	}
}

func TestResolve_ResolverErrorYieldsEmpty(t *testing.T) {
	f := testutil.NewFixture(t)
	reg := NewRegistry(f.Store)
	values := reg.Resolve(context.Background(), []string{"business_name"}, Ref{BusinessID: "missing-biz"})
	if values["business_name"] != "" {
		t.Errorf("expected empty value on resolver error, got %q", values["business_name"])
	}
}

func TestResolve_TimeAndDate(t *testing.T) {
	f := testutil.NewFixture(t)
	reg := NewRegistry(f.Store, WithClock(fixedNow))
	values := reg.Resolve(context.Background(), []string{"current_time", "current_date"}, Ref{})
	if values["current_time"] != "09:26:53" {
		t.Errorf("current_time: got %q", values["current_time"])
	}
	if values["current_date"] != "2025-03-14" {
		t.Errorf("current_date: got %q", values["current_date"])
	}
}

func TestResolve_BusinessAndUser(t *testing.T) {
	f := testutil.NewFixture(t)
	reg := NewRegistry(f.Store)
	ref := Ref{BusinessID: f.BusinessID, UserID: f.UserID}
	values := reg.Resolve(context.Background(), []string{"business_name", "user_name"}, ref)
	if values["business_name"] != "Acme Dental" {
		t.Errorf("business_name: got %q", values["business_name"])
	}
	if values["user_name"] != "Jordan" {
		t.Errorf("user_name: got %q", values["user_name"])
	}
}

func TestResolve_StageVariables(t *testing.T) {
	f := testutil.NewFixture(t)
	reg := NewRegistry(f.Store)
	ref := Ref{BusinessID: f.BusinessID}
	values := reg.Resolve(context.Background(), []string{"stage_list", "stage_descriptions"}, ref)
	if values["stage_list"] != "booking, greeting" {
		t.Errorf("stage_list: got %q", values["stage_list"])
	}
	want := "- booking: collect appointment details\n- greeting: welcome new users"
	if values["stage_descriptions"] != want {
		t.Errorf("stage_descriptions: got %q, want %q", values["stage_descriptions"], want)
	}
}

func TestResolve_ConversationHistory(t *testing.T) {
	f := testutil.NewFixture(t)
	ctx := context.Background()

	tx, err := f.Store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	conv := &models.Conversation{
		ID:             "conv-hist",
		BusinessID:     f.BusinessID,
		UserID:         f.UserID,
		CurrentStageID: f.GreetingStageID,
		Status:         models.ConversationStatusActive,
		StartedAt:      fixedNow(),
		LastUpdated:    fixedNow(),
	}
	if err := tx.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	at := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	msgs := []models.Message{
		{ID: "m1", ConversationID: conv.ID, Content: "hello", Sender: models.SenderUser, CreatedAt: at},
		{ID: "m2", ConversationID: conv.ID, Content: "hi, how can I help?", Sender: models.SenderAssistant, CreatedAt: at.Add(time.Minute)},
	}
	for i := range msgs {
		if err := tx.CreateMessage(ctx, &msgs[i]); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	reg := NewRegistry(f.Store)
	values := reg.Resolve(ctx, []string{"conversation_history"}, Ref{
		BusinessID:     f.BusinessID,
		UserID:         f.UserID,
		ConversationID: conv.ID,
	})
	want := "[2025-03-14 09:30] user: hello\n[2025-03-14 09:31] assistant: hi, how can I help?"
	if values["conversation_history"] != want {
		t.Errorf("conversation_history: got %q, want %q", values["conversation_history"], want)
	}
}

func TestResolve_HistoryLimit(t *testing.T) {
	f := testutil.NewFixture(t)
	ctx := context.Background()

	tx, err := f.Store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	conv := &models.Conversation{
		ID:             "conv-limit",
		BusinessID:     f.BusinessID,
		UserID:         f.UserID,
		CurrentStageID: f.GreetingStageID,
		Status:         models.ConversationStatusActive,
		StartedAt:      fixedNow(),
		LastUpdated:    fixedNow(),
	}
	if err := tx.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	base := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		m := models.Message{
			ID:             "msg-" + string(rune('a'+i)),
			ConversationID: conv.ID,
			Content:        "turn " + string(rune('a'+i)),
			Sender:         models.SenderUser,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}
		if err := tx.CreateMessage(ctx, &m); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	reg := NewRegistry(f.Store, WithHistoryLimit(2))
	values := reg.Resolve(ctx, []string{"conversation_history"}, Ref{ConversationID: conv.ID})
	want := "[2025-03-14 10:03] user: turn d\n[2025-03-14 10:04] user: turn e"
	if values["conversation_history"] != want {
		t.Errorf("conversation_history with limit: got %q, want %q", values["conversation_history"], want)
	}
}

func TestKnown(t *testing.T) {
	f := testutil.NewFixture(t)
	reg := NewRegistry(f.Store)
	if !reg.Known("business_name") {
		t.Error("expected business_name to be known")
	}
	if reg.Known("made_up") {
		t.Error("expected made_up to be unknown")
	}
	reg.Register("made_up", func(ctx context.Context, ref Ref) (string, error) { return "x", nil })
	if !reg.Known("made_up") {
		t.Error("expected made_up to be known after Register")
	}
}
