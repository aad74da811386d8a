package flow

import (
	"context"
	"log/slog"
	"strings"

	"github.com/stagepipe/stagepipe/internal/models"
)

// StageResolver asks the completion client which stage best matches the
// current message. It is purely advisory: every failure mode collapses to
// "no change", never to an error that fails the request.
type StageResolver struct {
	client CompletionClient
}

// NewStageResolver creates a stage resolver using the given completion client.
func NewStageResolver(client CompletionClient) *StageResolver {
	return &StageResolver{client: client}
}

// SelectStage sends the rendered selection prompt (which already embeds the
// candidate stage names and descriptions) and parses the reply, expected as
// {"stage": "<name>", "justification": "<text>"}. The first exact
// case-insensitive match against the known stage names wins; a reply with no
// recognizable or known stage name means no change.
func (r *StageResolver) SelectStage(ctx context.Context, current *models.Stage, systemPrompt, renderedPrompt string, known []models.Stage) models.StageDecision {
	reply, err := r.client.Complete(ctx, systemPrompt, renderedPrompt)
	if err != nil {
		slog.Warn("StageResolver.SelectStage: completion failed, keeping current stage", "error", err)
		return models.StageUnchanged()
	}

	obj, ok := parseJSONObject(reply)
	if !ok {
		slog.Warn("StageResolver.SelectStage: no parseable JSON in reply, keeping current stage", "replyLength", len(reply))
		return models.StageUnchanged()
	}
	name, _ := obj["stage"].(string)
	name = strings.TrimSpace(name)
	if name == "" {
		slog.Debug("StageResolver.SelectStage: reply has no stage field, keeping current stage")
		return models.StageUnchanged()
	}
	justification, _ := obj["justification"].(string)

	for i := range known {
		if strings.EqualFold(known[i].Name, name) {
			if current != nil && known[i].ID == current.ID {
				slog.Debug("StageResolver.SelectStage: selected stage equals current stage", "stage", name)
				return models.StageUnchanged()
			}
			stage := known[i]
			slog.Info("StageResolver.SelectStage: stage transition selected", "from", currentName(current), "to", stage.Name)
			return models.StageChangedTo(&stage, justification)
		}
	}
	slog.Warn("StageResolver.SelectStage: selected stage not in known set, keeping current stage", "stage", name)
	return models.StageUnchanged()
}

func currentName(s *models.Stage) string {
	if s == nil {
		return ""
	}
	return s.Name
}
