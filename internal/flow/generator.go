package flow

import (
	"context"
	"log/slog"
	"strings"
)

// ResponseGenerator produces the final reply text. It is the only pipeline
// component whose completion failure is fatal to the request: without a
// response there is nothing to return to the user.
type ResponseGenerator struct {
	client CompletionClient
}

// NewResponseGenerator creates a response generator using the given
// completion client.
func NewResponseGenerator(client CompletionClient) *ResponseGenerator {
	return &ResponseGenerator{client: client}
}

// Generate sends the rendered response prompt and returns the reply text.
// A *models.CompletionError from the client propagates unchanged.
func (g *ResponseGenerator) Generate(ctx context.Context, systemPrompt, renderedPrompt string) (string, error) {
	reply, err := g.client.Complete(ctx, systemPrompt, renderedPrompt)
	if err != nil {
		slog.Error("ResponseGenerator.Generate: completion failed", "error", err)
		return "", err
	}
	return strings.TrimSpace(reply), nil
}
