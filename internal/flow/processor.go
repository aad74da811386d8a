package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/stagepipe/stagepipe/internal/models"
	"github.com/stagepipe/stagepipe/internal/store"
	"github.com/stagepipe/stagepipe/internal/template"
	"github.com/stagepipe/stagepipe/internal/variables"
)

// Step names the pipeline stations, recorded on process logs so a failure
// can be correlated to how far the run got.
type Step string

const (
	StepValidate     Step = "validate"
	StepBegin        Step = "begin"
	StepConversation Step = "conversation"
	StepLoadStage    Step = "load_stage"
	StepSelection    Step = "stage_selection"
	StepRefresh      Step = "template_refresh"
	StepExtraction   Step = "extraction"
	StepGeneration   Step = "generation"
	StepPersist      Step = "persist"
	StepCommit       Step = "commit"
)

// DefaultPausedMarker is persisted as the assistant message when the
// conversation's AI-pause flag is set, so transcripts stay complete.
const DefaultPausedMarker = "The assistant is paused for this conversation. A staff member will follow up."

// ProcessorOpts holds processor configuration.
type ProcessorOpts struct {
	PausedMarker string
	Now          func() time.Time
	NewID        func() string
}

// ProcessorOption configures processor construction.
type ProcessorOption func(*ProcessorOpts)

// WithPausedMarker overrides the canned reply used while AI is paused.
func WithPausedMarker(marker string) ProcessorOption {
	return func(o *ProcessorOpts) { o.PausedMarker = marker }
}

// WithClock substitutes the time source (for tests).
func WithClock(now func() time.Time) ProcessorOption {
	return func(o *ProcessorOpts) { o.Now = now }
}

// WithIDGenerator substitutes the ID source (for tests).
func WithIDGenerator(newID func() string) ProcessorOption {
	return func(o *ProcessorOpts) { o.NewID = newID }
}

// Processor sequences stage selection, data extraction and response
// generation inside one storage transaction per inbound message. All
// dependencies are injected at construction; a Processor holds no global
// state and is safe for concurrent use.
type Processor struct {
	store        store.Store
	resolver     *StageResolver
	extractor    *DataExtractor
	generator    *ResponseGenerator
	registry     *variables.Registry
	pausedMarker string
	now          func() time.Time
	newID        func() string
}

// NewProcessor creates a message processor with its dependencies.
func NewProcessor(st store.Store, client CompletionClient, registry *variables.Registry, opts ...ProcessorOption) *Processor {
	cfg := ProcessorOpts{
		PausedMarker: DefaultPausedMarker,
		Now:          time.Now,
		NewID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Processor{
		store:        st,
		resolver:     NewStageResolver(client),
		extractor:    NewDataExtractor(client),
		generator:    NewResponseGenerator(client),
		registry:     registry,
		pausedMarker: cfg.PausedMarker,
		now:          cfg.Now,
		newID:        cfg.NewID,
	}
}

// Process runs the pipeline for one inbound message. Steps between
// transaction begin and commit are all-or-nothing: any fatal error rolls
// back the stage-pointer update and message inserts together. The returned
// result always carries a process log id for correlation; the error mirrors
// result.Error for callers that switch on type.
func (p *Processor) Process(ctx context.Context, req models.ProcessRequest) (*models.ProcessResult, error) {
	logID := p.newID()
	slog.Debug("Processor.Process: starting", "processLogID", logID, "businessID", req.BusinessID, "userID", req.UserID, "hasConversationID", req.ConversationID != "")

	if err := req.Validate(); err != nil {
		return p.fail(ctx, logID, req, "", StepValidate, err)
	}

	if req.DedupeKey != "" {
		rec, err := p.store.LookupDedupe(ctx, req.DedupeKey)
		if err != nil {
			return p.fail(ctx, logID, req, "", StepValidate, err)
		}
		if rec != nil {
			slog.Info("Processor.Process: duplicate delivery, replaying recorded result", "dedupeKey", req.DedupeKey, "processLogID", rec.ProcessLogID)
			return &models.ProcessResult{
				Success:        true,
				Response:       rec.Response,
				ConversationID: rec.ConversationID,
				MessageID:      rec.MessageID,
				ProcessLogID:   rec.ProcessLogID,
				Duplicate:      true,
			}, nil
		}
	}

	tx, err := p.store.BeginTx(ctx)
	if err != nil {
		return p.fail(ctx, logID, req, "", StepBegin, err)
	}
	// Rollback is a no-op once Commit ran; the connection is released
	// exactly once either way.
	defer tx.Rollback()

	result, convID, step, err := p.run(ctx, tx, req)
	if err != nil {
		tx.Rollback()
		return p.fail(ctx, logID, req, convID, step, err)
	}

	if err := tx.Commit(); err != nil {
		return p.fail(ctx, logID, req, convID, StepCommit, err)
	}

	result.Success = true
	result.ProcessLogID = logID
	p.record(ctx, logID, req, convID, "succeeded", StepCommit, nil)

	if req.DedupeKey != "" {
		// Recorded after commit: a redelivery while the first attempt is
		// still in flight reprocesses rather than replaying a result that
		// might yet roll back.
		if err := p.store.RecordDedupe(ctx, models.DedupRecord{
			Key:            req.DedupeKey,
			ConversationID: result.ConversationID,
			MessageID:      result.MessageID,
			ProcessLogID:   logID,
			Response:       result.Response,
			CreatedAt:      p.now(),
		}); err != nil {
			slog.Warn("Processor.Process: failed to record dedupe key", "error", err, "dedupeKey", req.DedupeKey)
		}
	}

	slog.Info("Processor.Process: completed", "processLogID", logID, "conversationID", result.ConversationID)
	return result, nil
}

// run executes pipeline steps 2-9 on the open transaction and reports the
// furthest step reached on failure.
func (p *Processor) run(ctx context.Context, tx store.Tx, req models.ProcessRequest) (*models.ProcessResult, string, Step, error) {
	// Step 2: resolve or create the conversation. The row is locked for the
	// remainder of the transaction, serializing concurrent runs on it.
	conv, err := p.resolveConversation(ctx, tx, req)
	if err != nil {
		return nil, "", StepConversation, err
	}

	// Step 3: load the conversation's current stage.
	if conv.CurrentStageID == "" {
		return nil, conv.ID, StepLoadStage, &models.ValidationError{Field: "conversation_id", Reason: "conversation has no stage and business has no default stage"}
	}
	stage, err := tx.GetStage(ctx, conv.CurrentStageID)
	if err != nil {
		return nil, conv.ID, StepLoadStage, err
	}
	if stage == nil {
		return nil, conv.ID, StepLoadStage, &models.ValidationError{Field: "conversation_id", Reason: "conversation references an unknown stage"}
	}

	// Step 4: build the per-call context.
	pctx := &Context{
		BusinessID:     req.BusinessID,
		UserID:         req.UserID,
		ConversationID: conv.ID,
		Content:        req.Content,
		StageID:        stage.ID,
		StageName:      stage.Name,
		Vars:           make(map[string]string),
	}

	// Step 5: stage selection, advisory only. A changed decision updates
	// the conversation row inside the open transaction.
	if stage.HasSelection() {
		body, system, err := p.promptFor(ctx, tx, stage, models.TemplateTypeSelection)
		if err != nil {
			return nil, conv.ID, StepSelection, err
		}
		known, err := p.store.ListStages(ctx, req.BusinessID)
		if err != nil {
			return nil, conv.ID, StepSelection, err
		}
		rendered := p.render(ctx, body, pctx)
		decision := p.resolver.SelectStage(ctx, stage, system, rendered, known)
		if decision.Changed {
			stage = decision.Stage
			pctx.StageID = stage.ID
			pctx.StageName = stage.Name
			if err := tx.UpdateConversationStage(ctx, conv.ID, stage.ID); err != nil {
				return nil, conv.ID, StepSelection, err
			}
		}
	}

	// Step 6: template refresh. Re-fetch the (possibly just-changed) stage
	// so extraction and generation use the destination stage's templates
	// within this same message.
	refreshed, err := tx.GetStage(ctx, stage.ID)
	if err != nil {
		return nil, conv.ID, StepRefresh, err
	}
	if refreshed != nil {
		stage = refreshed
	}

	// Step 7: data extraction, best-effort.
	if stage.HasExtraction() {
		body, system, err := p.promptFor(ctx, tx, stage, models.TemplateTypeExtraction)
		if err != nil {
			return nil, conv.ID, StepExtraction, err
		}
		rendered := p.render(ctx, body, pctx)
		pctx.Extracted = p.extractor.Extract(ctx, system, rendered)
	} else if len(stage.FallbackFields) > 0 {
		pctx.Extracted = ExtractPatterns(req.Content, stage.FallbackFields)
	}

	// Step 8: response generation, gated by the AI-pause flag which is read
	// fresh here and nowhere earlier.
	paused, err := tx.GetConversationAIPaused(ctx, conv.ID)
	if err != nil {
		return nil, conv.ID, StepGeneration, err
	}
	var reply string
	if paused {
		slog.Info("Processor.run: AI paused, using paused marker", "conversationID", conv.ID)
		reply = p.pausedMarker
	} else {
		body, system, err := p.promptFor(ctx, tx, stage, models.TemplateTypeResponse)
		if err != nil {
			return nil, conv.ID, StepGeneration, err
		}
		if body == "" {
			return nil, conv.ID, StepGeneration, &models.ValidationError{Field: "conversation_id", Reason: "stage has no response template"}
		}
		rendered := p.render(ctx, body, pctx)
		reply, err = p.generator.Generate(ctx, system, rendered)
		if err != nil {
			return nil, conv.ID, StepGeneration, err
		}
	}

	// Step 9: persist both turns and touch the conversation.
	userMsg := &models.Message{
		ID:             p.newID(),
		ConversationID: conv.ID,
		Content:        req.Content,
		Sender:         models.SenderUser,
		StageID:        stage.ID,
		CreatedAt:      p.now(),
	}
	if err := tx.CreateMessage(ctx, userMsg); err != nil {
		return nil, conv.ID, StepPersist, err
	}
	assistantMsg := &models.Message{
		ID:             p.newID(),
		ConversationID: conv.ID,
		Content:        reply,
		Sender:         models.SenderAssistant,
		StageID:        stage.ID,
		CreatedAt:      p.now(),
	}
	if err := tx.CreateMessage(ctx, assistantMsg); err != nil {
		return nil, conv.ID, StepPersist, err
	}
	if err := tx.TouchConversation(ctx, conv.ID, assistantMsg.CreatedAt); err != nil {
		return nil, conv.ID, StepPersist, err
	}

	return &models.ProcessResult{
		Response:       reply,
		ConversationID: conv.ID,
		MessageID:      assistantMsg.ID,
	}, conv.ID, StepPersist, nil
}

// resolveConversation loads and locks the conversation named by the
// request, or lazily creates one on the business's default stage.
func (p *Processor) resolveConversation(ctx context.Context, tx store.Tx, req models.ProcessRequest) (*models.Conversation, error) {
	if req.ConversationID != "" {
		conv, err := tx.GetConversationForUpdate(ctx, req.ConversationID)
		if err != nil {
			return nil, err
		}
		if conv == nil || conv.BusinessID != req.BusinessID || conv.UserID != req.UserID {
			return nil, &models.ValidationError{Field: "conversation_id", Reason: "not found for this business and user"}
		}
		return conv, nil
	}

	business, err := p.store.GetBusiness(ctx, req.BusinessID)
	if err != nil {
		return nil, err
	}
	if business == nil {
		return nil, &models.ValidationError{Field: "business_id", Reason: "unknown business"}
	}
	now := p.now()
	conv := &models.Conversation{
		ID:             p.newID(),
		BusinessID:     req.BusinessID,
		UserID:         req.UserID,
		CurrentStageID: business.DefaultStageID,
		Status:         models.ConversationStatusActive,
		StartedAt:      now,
		LastUpdated:    now,
	}
	if err := tx.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	slog.Debug("Processor.resolveConversation: created conversation", "conversationID", conv.ID, "stageID", conv.CurrentStageID)
	return conv, nil
}

// promptFor returns the prompt body and system prompt for one of the
// stage's three roles. A stage-level custom prompt overrides the referenced
// template's body; the template's system prompt still applies.
func (p *Processor) promptFor(ctx context.Context, tx store.Tx, stage *models.Stage, kind models.TemplateType) (body, system string, err error) {
	var templateID, custom string
	switch kind {
	case models.TemplateTypeSelection:
		templateID, custom = stage.SelectionTemplateID, stage.SelectionPrompt
	case models.TemplateTypeExtraction:
		templateID, custom = stage.ExtractionTemplateID, stage.ExtractionPrompt
	case models.TemplateTypeResponse:
		templateID, custom = stage.ResponseTemplateID, stage.ResponsePrompt
	}
	if templateID != "" {
		tpl, err := tx.GetTemplate(ctx, templateID)
		if err != nil {
			return "", "", err
		}
		if tpl != nil {
			body, system = tpl.Body, tpl.SystemPrompt
		} else {
			slog.Warn("Processor.promptFor: stage references missing template", "stageID", stage.ID, "templateID", templateID, "kind", kind)
		}
	}
	if custom != "" {
		body = custom
	}
	return body, system, nil
}

// render resolves the placeholders a body actually uses and substitutes
// them. Resolved variables are cached on the context, so rendering the same
// body twice in one call yields identical output.
func (p *Processor) render(ctx context.Context, body string, pctx *Context) string {
	fixed := pctx.TemplateVars()
	var missing []string
	for _, name := range template.Placeholders(body) {
		if _, ok := fixed[name]; ok {
			continue
		}
		if p.registry.Known(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		resolved := p.registry.Resolve(ctx, missing, variables.Ref{
			BusinessID:     pctx.BusinessID,
			UserID:         pctx.UserID,
			ConversationID: pctx.ConversationID,
		})
		for name, value := range resolved {
			pctx.Vars[name] = value
		}
		fixed = pctx.TemplateVars()
	}
	return template.Render(body, fixed)
}

// fail records a failed process log and shapes the error payload.
func (p *Processor) fail(ctx context.Context, logID string, req models.ProcessRequest, convID string, step Step, cause error) (*models.ProcessResult, error) {
	slog.Error("Processor.Process: failed", "processLogID", logID, "step", step, "error", cause)
	p.record(ctx, logID, req, convID, "failed", step, cause)
	return &models.ProcessResult{
		Success:        false,
		ConversationID: convID,
		ProcessLogID:   logID,
		Error:          cause.Error(),
	}, cause
}

// record writes the process log outside the pipeline transaction so failure
// logs survive rollback. A logging failure is itself only logged.
func (p *Processor) record(ctx context.Context, logID string, req models.ProcessRequest, convID, status string, step Step, cause error) {
	entry := models.ProcessLog{
		ID:             logID,
		BusinessID:     req.BusinessID,
		UserID:         req.UserID,
		ConversationID: convID,
		Status:         status,
		Step:           string(step),
		CreatedAt:      p.now(),
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	if err := p.store.RecordProcessLog(ctx, entry); err != nil {
		slog.Warn("Processor.record: failed to persist process log", "error", err, "processLogID", logID)
	}
}
