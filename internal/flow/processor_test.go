package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stagepipe/stagepipe/internal/models"
	"github.com/stagepipe/stagepipe/internal/store"
	"github.com/stagepipe/stagepipe/internal/testutil"
	"github.com/stagepipe/stagepipe/internal/variables"
)

func newProcessor(f *testutil.Fixture, client CompletionClient, opts ...ProcessorOption) *Processor {
	registry := variables.NewRegistry(f.Store)
	return NewProcessor(f.Store, client, registry, opts...)
}

func TestProcess_HappyPathCreatesConversation(t *testing.T) {
	f := testutil.NewFixture(t)
	client := testutil.NewScriptedClient(
		testutil.Turn{Reply: `{"stage": "greeting"}`},
		testutil.Turn{Reply: `{"email": "jordan@example.com"}`},
		testutil.Turn{Reply: "Welcome to Acme Dental! How can I help?"},
	)
	p := newProcessor(f, client)

	result, err := p.Process(context.Background(), models.ProcessRequest{
		BusinessID: f.BusinessID,
		UserID:     f.UserID,
		Content:    "hi there",
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Response != "Welcome to Acme Dental! How can I help?" {
		t.Errorf("response: got %q", result.Response)
	}
	if result.ConversationID == "" || result.MessageID == "" || result.ProcessLogID == "" {
		t.Errorf("expected populated ids, got %+v", result)
	}

	ctx := context.Background()
	conv, err := f.Store.GetConversation(ctx, result.ConversationID)
	if err != nil || conv == nil {
		t.Fatalf("conversation not persisted: %v", err)
	}
	if conv.CurrentStageID != f.GreetingStageID {
		t.Errorf("stage: got %s, want %s", conv.CurrentStageID, f.GreetingStageID)
	}
	msgs, err := f.Store.ListMessages(ctx, result.ConversationID, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Sender != models.SenderUser || msgs[0].Content != "hi there" {
		t.Errorf("user message wrong: %+v", msgs[0])
	}
	if msgs[1].Sender != models.SenderAssistant || msgs[1].Content != result.Response {
		t.Errorf("assistant message wrong: %+v", msgs[1])
	}

	logs := f.Store.ProcessLogs()
	if len(logs) != 1 || logs[0].Status != "succeeded" {
		t.Errorf("expected one succeeded process log, got %+v", logs)
	}
}

func TestProcess_StageTransitionUsesNewStageTemplates(t *testing.T) {
	f := testutil.NewFixture(t)
	ctx := context.Background()

	// A destination stage with a custom response prompt, so the generation
	// call reveals which stage's prompt was used.
	if err := f.Store.CreateStage(ctx, &models.Stage{
		ID:             "stage-quote",
		BusinessID:     f.BusinessID,
		Name:           "quote",
		Description:    "price quotes",
		Type:           models.StageTypeConversation,
		ResponsePrompt: "Quote flow reply for: {message}",
	}); err != nil {
		t.Fatalf("CreateStage: %v", err)
	}

	client := testutil.NewScriptedClient(
		testutil.Turn{Reply: `{"stage": "quote", "justification": "asked for pricing"}`},
		testutil.Turn{Reply: "A cleaning is $120."},
	)
	p := newProcessor(f, client)

	result, err := p.Process(ctx, models.ProcessRequest{
		BusinessID: f.BusinessID,
		UserID:     f.UserID,
		Content:    "how much is a cleaning?",
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	conv, err := f.Store.GetConversation(ctx, result.ConversationID)
	if err != nil || conv == nil {
		t.Fatalf("conversation not persisted: %v", err)
	}
	if conv.CurrentStageID != "stage-quote" {
		t.Errorf("stage not updated: got %s", conv.CurrentStageID)
	}

	calls := client.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 completion calls, got %d", len(calls))
	}
	wantPrompt := "Quote flow reply for: how much is a cleaning?"
	if calls[1].UserPrompt != wantPrompt {
		t.Errorf("generation used wrong stage's prompt: got %q, want %q", calls[1].UserPrompt, wantPrompt)
	}

	msgs, _ := f.Store.ListMessages(ctx, result.ConversationID, 0)
	for _, m := range msgs {
		if m.StageID != "stage-quote" {
			t.Errorf("message tagged with wrong stage: %+v", m)
		}
	}
}

func TestProcess_GenerationFailureRollsBackEverything(t *testing.T) {
	f := testutil.NewFixture(t)
	client := testutil.NewScriptedClient(
		testutil.Turn{Reply: `{"stage": "booking"}`},
		testutil.Turn{Err: &models.CompletionError{Attempts: 3, Err: errors.New("provider down")}},
	)
	p := newProcessor(f, client)

	result, err := p.Process(context.Background(), models.ProcessRequest{
		BusinessID: f.BusinessID,
		UserID:     f.UserID,
		Content:    "book me in",
	})
	var compErr *models.CompletionError
	if !errors.As(err, &compErr) {
		t.Fatalf("expected *models.CompletionError, got %v", err)
	}
	if result.Success {
		t.Error("expected failure result")
	}
	if result.ProcessLogID == "" {
		t.Error("expected process log id on failure payload")
	}

	// Nothing from the transaction may be visible: no conversation row (so
	// no stage-pointer update either) and no messages.
	ctx := context.Background()
	convs, err := f.Store.ListUserConversations(ctx, f.BusinessID, f.UserID)
	if err != nil {
		t.Fatalf("ListUserConversations: %v", err)
	}
	if len(convs) != 0 {
		t.Errorf("expected no conversations after rollback, got %d", len(convs))
	}

	logs := f.Store.ProcessLogs()
	if len(logs) != 1 {
		t.Fatalf("expected one process log, got %d", len(logs))
	}
	if logs[0].Status != "failed" || logs[0].Step != string(StepGeneration) {
		t.Errorf("process log: got status=%s step=%s", logs[0].Status, logs[0].Step)
	}
}

func TestProcess_AdvisoryFailuresDoNotAbort(t *testing.T) {
	f := testutil.NewFixture(t)
	// Selection and extraction both misbehave; generation still succeeds.
	client := testutil.NewScriptedClient(
		testutil.Turn{Err: errors.New("selection provider down")},
		testutil.Turn{Reply: "not json at all"},
		testutil.Turn{Reply: "Still here to help!"},
	)
	p := newProcessor(f, client)

	result, err := p.Process(context.Background(), models.ProcessRequest{
		BusinessID: f.BusinessID,
		UserID:     f.UserID,
		Content:    "hello?",
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Response != "Still here to help!" {
		t.Errorf("response: got %q", result.Response)
	}
	conv, _ := f.Store.GetConversation(context.Background(), result.ConversationID)
	if conv == nil || conv.CurrentStageID != f.GreetingStageID {
		t.Errorf("expected stage unchanged, got %+v", conv)
	}
}

func TestProcess_ValidationError(t *testing.T) {
	f := testutil.NewFixture(t)
	client := testutil.NewScriptedClient()
	p := newProcessor(f, client)

	_, err := p.Process(context.Background(), models.ProcessRequest{
		BusinessID: f.BusinessID,
		UserID:     f.UserID,
	})
	var valErr *models.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("expected *models.ValidationError, got %v", err)
	}
	if valErr.Field != "content" {
		t.Errorf("field: got %s", valErr.Field)
	}
	if calls := client.Calls(); len(calls) != 0 {
		t.Errorf("expected no completion calls, got %d", len(calls))
	}
}

func TestProcess_UnknownConversationID(t *testing.T) {
	f := testutil.NewFixture(t)
	p := newProcessor(f, testutil.NewScriptedClient())

	_, err := p.Process(context.Background(), models.ProcessRequest{
		BusinessID:     f.BusinessID,
		UserID:         f.UserID,
		Content:        "hi",
		ConversationID: "no-such-conversation",
	})
	var valErr *models.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("expected *models.ValidationError, got %v", err)
	}
}

func TestProcess_ConversationOwnershipEnforced(t *testing.T) {
	f := testutil.NewFixture(t)
	client := testutil.NewScriptedClient(
		testutil.Turn{Reply: `{"stage": "greeting"}`},
		testutil.Turn{Reply: `{}`},
		testutil.Turn{Reply: "hello!"},
	)
	p := newProcessor(f, client)
	result, err := p.Process(context.Background(), models.ProcessRequest{
		BusinessID: f.BusinessID,
		UserID:     f.UserID,
		Content:    "hi",
	})
	if err != nil {
		t.Fatalf("setup Process: %v", err)
	}

	_, err = p.Process(context.Background(), models.ProcessRequest{
		BusinessID:     f.BusinessID,
		UserID:         "someone-else",
		Content:        "hi",
		ConversationID: result.ConversationID,
	})
	var valErr *models.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("expected ownership rejection, got %v", err)
	}
}

func TestProcess_AIPausedSkipsGeneration(t *testing.T) {
	f := testutil.NewFixture(t)
	ctx := context.Background()

	// Seed a conversation on the booking stage (no selection/extraction), so
	// a paused run should make zero completion calls.
	tx, err := f.Store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	conv := &models.Conversation{
		ID:             "conv-paused",
		BusinessID:     f.BusinessID,
		UserID:         f.UserID,
		CurrentStageID: f.BookingStageID,
		Status:         models.ConversationStatusActive,
		StartedAt:      time.Now(),
		LastUpdated:    time.Now(),
	}
	if err := tx.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := f.Store.SetConversationAIPaused(ctx, conv.ID, true); err != nil {
		t.Fatalf("SetConversationAIPaused: %v", err)
	}

	client := testutil.NewScriptedClient()
	p := newProcessor(f, client)
	result, err := p.Process(ctx, models.ProcessRequest{
		BusinessID:     f.BusinessID,
		UserID:         f.UserID,
		Content:        "anyone there?",
		ConversationID: conv.ID,
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Response != DefaultPausedMarker {
		t.Errorf("response: got %q, want paused marker", result.Response)
	}
	if calls := client.Calls(); len(calls) != 0 {
		t.Errorf("expected no completion calls while paused, got %d", len(calls))
	}

	// Both turns are still recorded so the transcript stays complete.
	msgs, _ := f.Store.ListMessages(ctx, conv.ID, 0)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[1].Content != DefaultPausedMarker {
		t.Errorf("assistant message: got %q", msgs[1].Content)
	}
}

func TestProcess_DedupeReplaysRecordedResult(t *testing.T) {
	f := testutil.NewFixture(t)
	client := testutil.NewScriptedClient(
		testutil.Turn{Reply: `{"stage": "greeting"}`},
		testutil.Turn{Reply: `{}`},
		testutil.Turn{Reply: "First answer."},
	)
	p := newProcessor(f, client)

	req := models.ProcessRequest{
		BusinessID: f.BusinessID,
		UserID:     f.UserID,
		Content:    "hi",
		DedupeKey:  "delivery-42",
	}
	first, err := p.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("first Process: %v", err)
	}

	// The script is exhausted; a reprocess would fail, a replay will not.
	second, err := p.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if !second.Duplicate {
		t.Error("expected duplicate flag on replay")
	}
	if second.Response != first.Response || second.ConversationID != first.ConversationID {
		t.Errorf("replay mismatch: first=%+v second=%+v", first, second)
	}

	msgs, _ := f.Store.ListMessages(context.Background(), first.ConversationID, 0)
	if len(msgs) != 2 {
		t.Errorf("replay must not append messages: got %d", len(msgs))
	}
}

func TestProcess_FailedRunRecordsNoDedupe(t *testing.T) {
	f := testutil.NewFixture(t)
	client := testutil.NewScriptedClient(
		testutil.Turn{Err: errors.New("selection down")},
		testutil.Turn{Reply: "{}"},
		testutil.Turn{Err: &models.CompletionError{Attempts: 1, Err: errors.New("generation down")}},
		// Turns for the retry after the failure.
		testutil.Turn{Reply: `{"stage": "greeting"}`},
		testutil.Turn{Reply: "{}"},
		testutil.Turn{Reply: "Recovered answer."},
	)
	p := newProcessor(f, client)

	req := models.ProcessRequest{
		BusinessID: f.BusinessID,
		UserID:     f.UserID,
		Content:    "hi",
		DedupeKey:  "delivery-7",
	}
	if _, err := p.Process(context.Background(), req); err == nil {
		t.Fatal("expected first attempt to fail")
	}

	result, err := p.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("retry Process: %v", err)
	}
	if result.Duplicate {
		t.Error("retry after failure must reprocess, not replay")
	}
	if result.Response != "Recovered answer." {
		t.Errorf("response: got %q", result.Response)
	}
}

func TestProcess_PoolExhaustion(t *testing.T) {
	f := testutil.NewFixture(t, store.WithAcquireTimeout(20*time.Millisecond))
	ctx := context.Background()

	// Hold every transaction slot.
	var held []store.Tx
	for i := 0; i < store.DefaultMemoryTxSlots; i++ {
		tx, err := f.Store.BeginTx(ctx)
		if err != nil {
			t.Fatalf("BeginTx %d: %v", i, err)
		}
		held = append(held, tx)
	}
	defer func() {
		for _, tx := range held {
			tx.Rollback()
		}
	}()

	p := newProcessor(f, testutil.NewScriptedClient())
	_, err := p.Process(ctx, models.ProcessRequest{
		BusinessID: f.BusinessID,
		UserID:     f.UserID,
		Content:    "hi",
	})
	var poolErr *models.PoolExhaustedError
	if !errors.As(err, &poolErr) {
		t.Fatalf("expected *models.PoolExhaustedError, got %v", err)
	}
}

func TestProcess_PatternFallbackExtraction(t *testing.T) {
	f := testutil.NewFixture(t)
	ctx := context.Background()

	if err := f.Store.CreateStage(ctx, &models.Stage{
		ID:             "stage-contact",
		BusinessID:     f.BusinessID,
		Name:           "contact",
		Type:           models.StageTypeConversation,
		FallbackFields: []string{"email"},
		ResponsePrompt: "Got: {extracted_data}",
	}); err != nil {
		t.Fatalf("CreateStage: %v", err)
	}

	tx, err := f.Store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	conv := &models.Conversation{
		ID:             "conv-contact",
		BusinessID:     f.BusinessID,
		UserID:         f.UserID,
		CurrentStageID: "stage-contact",
		Status:         models.ConversationStatusActive,
		StartedAt:      time.Now(),
		LastUpdated:    time.Now(),
	}
	if err := tx.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	client := testutil.NewScriptedClient(testutil.Turn{Reply: "Thanks, noted."})
	p := newProcessor(f, client)
	if _, err := p.Process(ctx, models.ProcessRequest{
		BusinessID:     f.BusinessID,
		UserID:         f.UserID,
		Content:        "reach me at pat@example.com please",
		ConversationID: conv.ID,
	}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	calls := client.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 completion call, got %d", len(calls))
	}
	want := `Got: {"email":"pat@example.com"}`
	if calls[0].UserPrompt != want {
		t.Errorf("generation prompt: got %q, want %q", calls[0].UserPrompt, want)
	}
}

func TestProcess_TimestampsFromClock(t *testing.T) {
	f := testutil.NewFixture(t)
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	client := testutil.NewScriptedClient(
		testutil.Turn{Reply: `{"stage": "greeting"}`},
		testutil.Turn{Reply: "{}"},
		testutil.Turn{Reply: "hello"},
	)
	p := newProcessor(f, client, WithClock(testutil.FixedClock(at)))

	result, err := p.Process(context.Background(), models.ProcessRequest{
		BusinessID: f.BusinessID,
		UserID:     f.UserID,
		Content:    "hi",
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	conv, _ := f.Store.GetConversation(context.Background(), result.ConversationID)
	if !conv.StartedAt.Equal(at) || !conv.LastUpdated.Equal(at) {
		t.Errorf("conversation timestamps: %+v", conv)
	}
	msgs, _ := f.Store.ListMessages(context.Background(), result.ConversationID, 0)
	for _, m := range msgs {
		if !m.CreatedAt.Equal(at) {
			t.Errorf("message timestamp: %+v", m)
		}
	}
}
