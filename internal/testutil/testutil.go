// Package testutil provides shared test fixtures: a scripted completion
// client and seed data for the in-memory store.
package testutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stagepipe/stagepipe/internal/models"
	"github.com/stagepipe/stagepipe/internal/store"
)

// ScriptedClient satisfies the pipeline's completion client interface with a
// queue of canned turns. Each Complete call consumes one turn and records
// the prompts it was given.
type ScriptedClient struct {
	mu    sync.Mutex
	turns []Turn
	calls []Call
}

// Turn is one scripted completion outcome.
type Turn struct {
	Reply string
	Err   error
}

// Call records the prompts passed to one Complete invocation.
type Call struct {
	SystemPrompt string
	UserPrompt   string
}

// NewScriptedClient creates a client that replays the given turns in order.
func NewScriptedClient(turns ...Turn) *ScriptedClient {
	return &ScriptedClient{turns: turns}
}

// Complete consumes the next scripted turn. Running past the script is an
// error so tests notice unexpected completion calls.
func (c *ScriptedClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{SystemPrompt: systemPrompt, UserPrompt: userPrompt})
	if len(c.turns) == 0 {
		return "", errors.New("scripted client: no turns left")
	}
	turn := c.turns[0]
	c.turns = c.turns[1:]
	return turn.Reply, turn.Err
}

// Calls returns the recorded Complete invocations.
func (c *ScriptedClient) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}

// Fixture is a seeded in-memory store with the IDs tests need.
type Fixture struct {
	Store      *store.InMemoryStore
	BusinessID string
	UserID     string

	GreetingStageID string
	BookingStageID  string

	SelectionTemplateID  string
	ExtractionTemplateID string
	ResponseTemplateID   string
}

// NewFixture seeds an in-memory store with one business, one user, two
// stages (greeting with all three templates, booking with its own response
// template) and the templates they reference.
func NewFixture(t *testing.T, opts ...store.Option) *Fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewInMemoryStore(opts...)

	f := &Fixture{
		Store:                st,
		BusinessID:           "biz-1",
		UserID:               "user-1",
		GreetingStageID:      "stage-greeting",
		BookingStageID:       "stage-booking",
		SelectionTemplateID:  "tpl-selection",
		ExtractionTemplateID: "tpl-extraction",
		ResponseTemplateID:   "tpl-response",
	}

	if err := st.CreateBusiness(ctx, &models.Business{
		ID:             f.BusinessID,
		Name:           "Acme Dental",
		DefaultStageID: f.GreetingStageID,
	}); err != nil {
		t.Fatalf("seed business: %v", err)
	}
	if err := st.CreateUser(ctx, &models.User{
		ID:          f.UserID,
		BusinessID:  f.BusinessID,
		DisplayName: "Jordan",
	}); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	templates := []models.Template{
		{
			ID:           f.SelectionTemplateID,
			BusinessID:   f.BusinessID,
			Type:         models.TemplateTypeSelection,
			SystemPrompt: "You route conversations between stages.",
			Body:         "Stages:\n{stage_descriptions}\nCurrent: {current_stage}\nMessage: {message}",
		},
		{
			ID:           f.ExtractionTemplateID,
			BusinessID:   f.BusinessID,
			Type:         models.TemplateTypeExtraction,
			SystemPrompt: "You extract fields as JSON.",
			Body:         "Extract contact fields from: {message}",
		},
		{
			ID:           f.ResponseTemplateID,
			BusinessID:   f.BusinessID,
			Type:         models.TemplateTypeResponse,
			SystemPrompt: "You are a helpful receptionist.",
			Body:         "Business: {business_name}\nUser said: {message}\nReply warmly.",
		},
	}
	for i := range templates {
		if err := st.CreateTemplate(ctx, &templates[i]); err != nil {
			t.Fatalf("seed template %s: %v", templates[i].ID, err)
		}
	}

	stages := []models.Stage{
		{
			ID:                   f.GreetingStageID,
			BusinessID:           f.BusinessID,
			Name:                 "greeting",
			Description:          "welcome new users",
			Type:                 models.StageTypeConversation,
			SelectionTemplateID:  f.SelectionTemplateID,
			ExtractionTemplateID: f.ExtractionTemplateID,
			ResponseTemplateID:   f.ResponseTemplateID,
		},
		{
			ID:                 f.BookingStageID,
			BusinessID:         f.BusinessID,
			Name:               "booking",
			Description:        "collect appointment details",
			Type:               models.StageTypeConversation,
			ResponseTemplateID: f.ResponseTemplateID,
		},
	}
	for i := range stages {
		if err := st.CreateStage(ctx, &stages[i]); err != nil {
			t.Fatalf("seed stage %s: %v", stages[i].ID, err)
		}
	}

	return f
}

// FixedClock returns a clock function pinned to a stable instant.
func FixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}
