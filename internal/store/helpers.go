package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/stagepipe/stagepipe/internal/models"
)

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// encodeFallbackFields serializes a stage's fallback field list for storage.
func encodeFallbackFields(fields []string) (interface{}, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode fallback fields: %w", err)
	}
	return string(encoded), nil
}

func scanBusiness(sc scanner) (*models.Business, error) {
	var b models.Business
	var description, email, phone, defaultStage sql.NullString
	if err := sc.Scan(&b.ID, &b.Name, &description, &email, &phone, &defaultStage); err != nil {
		return nil, err
	}
	b.Description = description.String
	b.ContactEmail = email.String
	b.ContactPhone = phone.String
	b.DefaultStageID = defaultStage.String
	return &b, nil
}

func scanUser(sc scanner) (*models.User, error) {
	var u models.User
	var phone sql.NullString
	if err := sc.Scan(&u.ID, &u.BusinessID, &u.DisplayName, &phone); err != nil {
		return nil, err
	}
	u.Phone = phone.String
	return &u, nil
}

func scanStage(sc scanner) (*models.Stage, error) {
	var s models.Stage
	var description, selTpl, extTpl, respTpl, selPrompt, extPrompt, respPrompt, fallback sql.NullString
	err := sc.Scan(
		&s.ID, &s.BusinessID, &s.Name, &description, &s.Type,
		&selTpl, &extTpl, &respTpl,
		&selPrompt, &extPrompt, &respPrompt, &fallback,
	)
	if err != nil {
		return nil, err
	}
	s.Description = description.String
	s.SelectionTemplateID = selTpl.String
	s.ExtractionTemplateID = extTpl.String
	s.ResponseTemplateID = respTpl.String
	s.SelectionPrompt = selPrompt.String
	s.ExtractionPrompt = extPrompt.String
	s.ResponsePrompt = respPrompt.String
	if fallback.Valid && fallback.String != "" {
		if err := json.Unmarshal([]byte(fallback.String), &s.FallbackFields); err != nil {
			return nil, fmt.Errorf("decode fallback fields for stage %s: %w", s.ID, err)
		}
	}
	return &s, nil
}

func scanTemplate(sc scanner) (*models.Template, error) {
	var t models.Template
	var systemPrompt sql.NullString
	if err := sc.Scan(&t.ID, &t.BusinessID, &t.Type, &t.Body, &systemPrompt, &t.IsDefault); err != nil {
		return nil, err
	}
	t.SystemPrompt = systemPrompt.String
	return &t, nil
}

func scanConversation(sc scanner) (*models.Conversation, error) {
	var c models.Conversation
	var stageID sql.NullString
	err := sc.Scan(&c.ID, &c.BusinessID, &c.UserID, &stageID, &c.Status, &c.AIPaused, &c.StartedAt, &c.LastUpdated)
	if err != nil {
		return nil, err
	}
	c.CurrentStageID = stageID.String
	return &c, nil
}

func scanMessage(sc scanner) (*models.Message, error) {
	var m models.Message
	var stageID sql.NullString
	if err := sc.Scan(&m.ID, &m.ConversationID, &m.Content, &m.Sender, &stageID, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.StageID = stageID.String
	return &m, nil
}
