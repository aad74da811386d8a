// Package models defines core data types for StagePipe.
//
// It contains the tenant entities (Business, Stage, Template, Conversation,
// Message, User), the message-processing request/result payloads, and the
// standard API response envelope.
package models

import (
	"fmt"
	"time"
)

// TemplateType identifies what a prompt template is used for.
type TemplateType string

const (
	// TemplateTypeSelection marks templates used to pick the next stage.
	TemplateTypeSelection TemplateType = "selection"
	// TemplateTypeExtraction marks templates used to pull structured fields
	// out of a user message.
	TemplateTypeExtraction TemplateType = "extraction"
	// TemplateTypeResponse marks templates used to generate the reply.
	TemplateTypeResponse TemplateType = "response"
)

// StageType categorizes a stage within a business's conversation flow.
type StageType string

const (
	StageTypeConversation StageType = "conversation"
	StageTypeRouting      StageType = "routing"
	StageTypeToolUse      StageType = "tool-use"
)

// ConversationStatus enumerates conversation lifecycle states.
type ConversationStatus string

const (
	ConversationStatusActive    ConversationStatus = "active"
	ConversationStatusPaused    ConversationStatus = "paused"
	ConversationStatusCompleted ConversationStatus = "completed"
	ConversationStatusError     ConversationStatus = "error"
)

// SenderType identifies who produced a message.
type SenderType string

const (
	SenderUser      SenderType = "user"
	SenderAssistant SenderType = "assistant"
	SenderStaff     SenderType = "staff"
)

// Business is the tenant root entity. It owns stages, templates,
// conversations and users.
type Business struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	ContactEmail   string `json:"contact_email,omitempty"`
	ContactPhone   string `json:"contact_phone,omitempty"`
	DefaultStageID string `json:"default_stage_id,omitempty"`
}

// Stage is a named step in a business's conversation flow. Template
// references are optional: a stage with no selection template never triggers
// reclassification, and a stage with no extraction template skips extraction.
// A custom prompt, when set, overrides the referenced template's body.
type Stage struct {
	ID          string    `json:"id"`
	BusinessID  string    `json:"business_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Type        StageType `json:"type"`

	SelectionTemplateID  string `json:"selection_template_id,omitempty"`
	ExtractionTemplateID string `json:"extraction_template_id,omitempty"`
	ResponseTemplateID   string `json:"response_template_id,omitempty"`

	SelectionPrompt  string `json:"selection_prompt,omitempty"`
	ExtractionPrompt string `json:"extraction_prompt,omitempty"`
	ResponsePrompt   string `json:"response_prompt,omitempty"`

	// FallbackFields lists field names the pattern-based extractor should
	// attempt when the stage has no extraction template or custom prompt.
	FallbackFields []string `json:"fallback_fields,omitempty"`
}

// HasSelection reports whether this stage can trigger stage reclassification.
func (s *Stage) HasSelection() bool {
	return s.SelectionTemplateID != "" || s.SelectionPrompt != ""
}

// HasExtraction reports whether this stage runs LLM-based data extraction.
func (s *Stage) HasExtraction() bool {
	return s.ExtractionTemplateID != "" || s.ExtractionPrompt != ""
}

// Template is a reusable prompt body with {variable} placeholders.
// Templates are fetched and never mutated during pipeline execution.
type Template struct {
	ID           string       `json:"id"`
	BusinessID   string       `json:"business_id"`
	Type         TemplateType `json:"type"`
	Body         string       `json:"body"`
	SystemPrompt string       `json:"system_prompt,omitempty"`
	IsDefault    bool         `json:"is_default,omitempty"`
}

// Conversation is one ongoing exchange between a user and a business.
// CurrentStageID is the only field the pipeline mutates mid-flight.
type Conversation struct {
	ID             string             `json:"id"`
	BusinessID     string             `json:"business_id"`
	UserID         string             `json:"user_id"`
	CurrentStageID string             `json:"current_stage_id,omitempty"`
	Status         ConversationStatus `json:"status"`
	AIPaused       bool               `json:"ai_paused"`
	StartedAt      time.Time          `json:"started_at"`
	LastUpdated    time.Time          `json:"last_updated"`
}

// Message is one turn in a conversation. Messages are append-only.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Content        string     `json:"content"`
	Sender         SenderType `json:"sender"`
	StageID        string     `json:"stage_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// User is an end user associated with a business.
type User struct {
	ID          string `json:"id"`
	BusinessID  string `json:"business_id"`
	DisplayName string `json:"display_name"`
	Phone       string `json:"phone,omitempty"`
}

// ProcessLog records one pipeline run for log correlation. Both successful
// and failed runs are recorded, with the furthest step the run reached.
type ProcessLog struct {
	ID             string    `json:"id"`
	BusinessID     string    `json:"business_id"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Status         string    `json:"status"`
	Step           string    `json:"step"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// DedupRecord ties an inbound dedupe key to the result it produced, so
// webhook redeliveries can replay the original response.
type DedupRecord struct {
	Key            string    `json:"key"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	ProcessLogID   string    `json:"process_log_id"`
	Response       string    `json:"response"`
	CreatedAt      time.Time `json:"created_at"`
}

// ProcessRequest is the transport-agnostic inbound message request.
type ProcessRequest struct {
	BusinessID     string `json:"business_id"`
	UserID         string `json:"user_id"`
	Content        string `json:"content"`
	ConversationID string `json:"conversation_id,omitempty"`
	DedupeKey      string `json:"dedupe_key,omitempty"`
}

// Validate checks required fields before any transaction is opened.
func (r *ProcessRequest) Validate() error {
	if r.BusinessID == "" {
		return &ValidationError{Field: "business_id", Reason: "required"}
	}
	if r.UserID == "" {
		return &ValidationError{Field: "user_id", Reason: "required"}
	}
	if r.Content == "" {
		return &ValidationError{Field: "content", Reason: "required"}
	}
	return nil
}

// ProcessResult is the payload returned for every pipeline run.
type ProcessResult struct {
	Success        bool   `json:"success"`
	Response       string `json:"response,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	ProcessLogID   string `json:"process_log_id,omitempty"`
	Error          string `json:"error,omitempty"`
	Duplicate      bool   `json:"duplicate,omitempty"`
}

// StageDecision is the tagged outcome of stage selection. "No change" is a
// normal value, never an error.
type StageDecision struct {
	Changed       bool
	Stage         *Stage
	Justification string
}

// StageUnchanged returns a decision that leaves the stage as-is.
func StageUnchanged() StageDecision {
	return StageDecision{}
}

// StageChangedTo returns a decision transitioning to the given stage.
func StageChangedTo(stage *Stage, justification string) StageDecision {
	return StageDecision{Changed: true, Stage: stage, Justification: justification}
}

func (d StageDecision) String() string {
	if !d.Changed {
		return "unchanged"
	}
	return fmt.Sprintf("changed to %s", d.Stage.Name)
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithResult(result).Build()
}

// SuccessWithMessage creates a successful API response with a message and result.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithMessage(message).WithResult(result).Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusError).WithMessage(message).Build()
}
