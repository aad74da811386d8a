package store

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stagepipe/stagepipe/internal/models"
)

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}

// TestPostgresStore_RoundTrip requires a running PostgreSQL instance; set
// DATABASE_URL to run it.
func TestPostgresStore_RoundTrip(t *testing.T) {
	connStr := getenvOrSkip(t, "DATABASE_URL")
	pg, err := NewPostgresStore(WithDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer pg.Close()
	ctx := context.Background()

	// Clean up from previous runs; businesses cascade to everything else.
	if err := pg.DeleteBusiness(ctx, "it-biz"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	if err := pg.CreateBusiness(ctx, &models.Business{ID: "it-biz", Name: "IT Biz"}); err != nil {
		t.Fatalf("CreateBusiness: %v", err)
	}
	if err := pg.CreateUser(ctx, &models.User{ID: "it-usr", BusinessID: "it-biz", DisplayName: "Tester"}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := pg.CreateTemplate(ctx, &models.Template{
		ID:         "it-tpl",
		BusinessID: "it-biz",
		Type:       models.TemplateTypeResponse,
		Body:       "Reply to {message}",
	}); err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	if err := pg.CreateStage(ctx, &models.Stage{
		ID:                 "it-stage",
		BusinessID:         "it-biz",
		Name:               "greeting",
		Type:               models.StageTypeConversation,
		ResponseTemplateID: "it-tpl",
		FallbackFields:     []string{"email"},
	}); err != nil {
		t.Fatalf("CreateStage: %v", err)
	}

	stage, err := pg.GetStage(ctx, "it-stage")
	if err != nil || stage == nil {
		t.Fatalf("GetStage: %v", err)
	}
	if stage.ResponseTemplateID != "it-tpl" || len(stage.FallbackFields) != 1 {
		t.Errorf("stage round trip mismatch: %+v", stage)
	}

	now := time.Now().UTC().Truncate(time.Second)
	tx, err := pg.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	conv := &models.Conversation{
		ID:             "it-conv",
		BusinessID:     "it-biz",
		UserID:         "it-usr",
		CurrentStageID: "it-stage",
		Status:         models.ConversationStatusActive,
		StartedAt:      now,
		LastUpdated:    now,
	}
	if err := tx.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if err := tx.CreateMessage(ctx, &models.Message{
		ID: "it-msg", ConversationID: "it-conv", Content: "hello",
		Sender: models.SenderUser, StageID: "it-stage", CreatedAt: now,
	}); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := pg.GetConversation(ctx, "it-conv")
	if err != nil || got == nil {
		t.Fatalf("GetConversation: %v", err)
	}
	msgs, err := pg.ListMessages(ctx, "it-conv", 0)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("ListMessages: %v (%d)", err, len(msgs))
	}
}

// TestPostgresStore_RollbackLeavesNoTrace requires DATABASE_URL.
func TestPostgresStore_RollbackLeavesNoTrace(t *testing.T) {
	connStr := getenvOrSkip(t, "DATABASE_URL")
	pg, err := NewPostgresStore(WithDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer pg.Close()
	ctx := context.Background()

	if err := pg.DeleteBusiness(ctx, "rb-biz"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if err := pg.CreateBusiness(ctx, &models.Business{ID: "rb-biz", Name: "RB"}); err != nil {
		t.Fatalf("CreateBusiness: %v", err)
	}
	if err := pg.CreateUser(ctx, &models.User{ID: "rb-usr", BusinessID: "rb-biz", DisplayName: "RB"}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	tx, err := pg.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	now := time.Now().UTC()
	if err := tx.CreateConversation(ctx, &models.Conversation{
		ID: "rb-conv", BusinessID: "rb-biz", UserID: "rb-usr",
		Status: models.ConversationStatusActive, StartedAt: now, LastUpdated: now,
	}); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	got, err := pg.GetConversation(ctx, "rb-conv")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got != nil {
		t.Error("conversation visible after rollback")
	}
}
