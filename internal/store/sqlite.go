// Package store provides storage backends for StagePipe.
//
// This file implements the SQLite-backed store. SQLite's single-writer
// transaction model already serializes concurrent pipeline runs, so the
// row lock taken by the Postgres backend has no SQLite equivalent here.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stagepipe/stagepipe/internal/models"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a Store backed by a local SQLite database file.
type SQLiteStore struct {
	db             *sql.DB
	acquireTimeout time.Duration
}

// NewSQLiteStore creates a new SQLite store based on provided options.
// The DSN is the database file path.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: creating SQLite store", "path_set", cfg.DSN != "")
	if cfg.DSN == "" {
		slog.Error("SQLiteStore database path not set")
		return nil, fmt.Errorf("database path not set")
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}

	db, err := sql.Open("sqlite3", cfg.DSN+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		slog.Error("SQLiteStore failed to open database", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLiteStore ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("SQLiteStore failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLiteStore migrations applied")
	return &SQLiteStore{db: db, acquireTimeout: cfg.AcquireTimeout}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateBusiness(ctx context.Context, b *models.Business) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO businesses (id, name, description, contact_email, contact_phone, default_stage_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.Name, nilIfEmpty(b.Description), nilIfEmpty(b.ContactEmail), nilIfEmpty(b.ContactPhone), nilIfEmpty(b.DefaultStageID))
	if err != nil {
		slog.Error("SQLiteStore CreateBusiness failed", "error", err, "businessID", b.ID)
		return &models.PersistenceError{Op: "create business", Err: err}
	}
	return nil
}

func (s *SQLiteStore) GetBusiness(ctx context.Context, id string) (*models.Business, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, contact_email, contact_phone, default_stage_id
		 FROM businesses WHERE id = ?`, id)
	b, err := scanBusiness(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetBusiness failed", "error", err, "businessID", id)
		return nil, &models.PersistenceError{Op: "get business", Err: err}
	}
	return b, nil
}

func (s *SQLiteStore) DeleteBusiness(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM businesses WHERE id = ?`, id)
	if err != nil {
		slog.Error("SQLiteStore DeleteBusiness failed", "error", err, "businessID", id)
		return &models.PersistenceError{Op: "delete business", Err: err}
	}
	return nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, u *models.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, business_id, display_name, phone) VALUES (?, ?, ?, ?)`,
		u.ID, u.BusinessID, u.DisplayName, nilIfEmpty(u.Phone))
	if err != nil {
		slog.Error("SQLiteStore CreateUser failed", "error", err, "userID", u.ID)
		return &models.PersistenceError{Op: "create user", Err: err}
	}
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, business_id, display_name, phone FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetUser failed", "error", err, "userID", id)
		return nil, &models.PersistenceError{Op: "get user", Err: err}
	}
	return u, nil
}

func (s *SQLiteStore) CreateStage(ctx context.Context, st *models.Stage) error {
	fallback, err := encodeFallbackFields(st.FallbackFields)
	if err != nil {
		return &models.PersistenceError{Op: "create stage", Err: err}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO stages (id, business_id, name, description, type,
			selection_template_id, extraction_template_id, response_template_id,
			selection_prompt, extraction_prompt, response_prompt, fallback_fields)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.BusinessID, st.Name, nilIfEmpty(st.Description), st.Type,
		nilIfEmpty(st.SelectionTemplateID), nilIfEmpty(st.ExtractionTemplateID), nilIfEmpty(st.ResponseTemplateID),
		nilIfEmpty(st.SelectionPrompt), nilIfEmpty(st.ExtractionPrompt), nilIfEmpty(st.ResponsePrompt), fallback)
	if err != nil {
		slog.Error("SQLiteStore CreateStage failed", "error", err, "stageID", st.ID)
		return &models.PersistenceError{Op: "create stage", Err: err}
	}
	return nil
}

func (s *SQLiteStore) GetStage(ctx context.Context, id string) (*models.Stage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE id = ?`, id)
	st, err := scanStage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetStage failed", "error", err, "stageID", id)
		return nil, &models.PersistenceError{Op: "get stage", Err: err}
	}
	return st, nil
}

func (s *SQLiteStore) ListStages(ctx context.Context, businessID string) ([]models.Stage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stageColumns+` FROM stages WHERE business_id = ? ORDER BY name`, businessID)
	if err != nil {
		slog.Error("SQLiteStore ListStages query failed", "error", err, "businessID", businessID)
		return nil, &models.PersistenceError{Op: "list stages", Err: err}
	}
	defer rows.Close()
	var stages []models.Stage
	for rows.Next() {
		st, err := scanStage(rows)
		if err != nil {
			return nil, &models.PersistenceError{Op: "list stages", Err: err}
		}
		stages = append(stages, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, &models.PersistenceError{Op: "list stages", Err: err}
	}
	return stages, nil
}

func (s *SQLiteStore) CreateTemplate(ctx context.Context, t *models.Template) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO templates (id, business_id, type, body, system_prompt, is_default)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.BusinessID, t.Type, t.Body, nilIfEmpty(t.SystemPrompt), t.IsDefault)
	if err != nil {
		slog.Error("SQLiteStore CreateTemplate failed", "error", err, "templateID", t.ID)
		return &models.PersistenceError{Op: "create template", Err: err}
	}
	return nil
}

func (s *SQLiteStore) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, business_id, type, body, system_prompt, is_default FROM templates WHERE id = ?`, id)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetTemplate failed", "error", err, "templateID", id)
		return nil, &models.PersistenceError{Op: "get template", Err: err}
	}
	return t, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetConversation failed", "error", err, "conversationID", id)
		return nil, &models.PersistenceError{Op: "get conversation", Err: err}
	}
	return c, nil
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		slog.Error("SQLiteStore DeleteConversation failed", "error", err, "conversationID", id)
		return &models.PersistenceError{Op: "delete conversation", Err: err}
	}
	return nil
}

func (s *SQLiteStore) SetConversationAIPaused(ctx context.Context, id string, paused bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET ai_paused = ? WHERE id = ?`, paused, id)
	if err != nil {
		slog.Error("SQLiteStore SetConversationAIPaused failed", "error", err, "conversationID", id)
		return &models.PersistenceError{Op: "set ai paused", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &models.PersistenceError{Op: "set ai paused", Err: sql.ErrNoRows}
	}
	return nil
}

func (s *SQLiteStore) ListUserConversations(ctx context.Context, businessID, userID string) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE business_id = ? AND user_id = ? ORDER BY started_at`, businessID, userID)
	if err != nil {
		slog.Error("SQLiteStore ListUserConversations query failed", "error", err, "businessID", businessID, "userID", userID)
		return nil, &models.PersistenceError{Op: "list conversations", Err: err}
	}
	defer rows.Close()
	var convs []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, &models.PersistenceError{Op: "list conversations", Err: err}
		}
		convs = append(convs, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, &models.PersistenceError{Op: "list conversations", Err: err}
	}
	return convs, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	query := `SELECT id, conversation_id, content, sender, stage_id, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at`
	args := []any{conversationID}
	if limit > 0 {
		query = `SELECT id, conversation_id, content, sender, stage_id, created_at FROM (
			SELECT id, conversation_id, content, sender, stage_id, created_at
			FROM messages WHERE conversation_id = ? ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("SQLiteStore ListMessages query failed", "error", err, "conversationID", conversationID)
		return nil, &models.PersistenceError{Op: "list messages", Err: err}
	}
	defer rows.Close()
	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, &models.PersistenceError{Op: "list messages", Err: err}
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, &models.PersistenceError{Op: "list messages", Err: err}
	}
	return messages, nil
}

func (s *SQLiteStore) RecordProcessLog(ctx context.Context, log models.ProcessLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO process_logs (id, business_id, user_id, conversation_id, status, step, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.BusinessID, log.UserID, nilIfEmpty(log.ConversationID), log.Status, log.Step, nilIfEmpty(log.Error), log.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore RecordProcessLog failed", "error", err, "processLogID", log.ID)
		return &models.PersistenceError{Op: "record process log", Err: err}
	}
	return nil
}

func (s *SQLiteStore) LookupDedupe(ctx context.Context, key string) (*models.DedupRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, conversation_id, message_id, process_log_id, response, created_at
		 FROM inbound_dedup WHERE key = ?`, key)
	var rec models.DedupRecord
	err := row.Scan(&rec.Key, &rec.ConversationID, &rec.MessageID, &rec.ProcessLogID, &rec.Response, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore LookupDedupe failed", "error", err, "key", key)
		return nil, &models.PersistenceError{Op: "lookup dedupe", Err: err}
	}
	return &rec, nil
}

func (s *SQLiteStore) RecordDedupe(ctx context.Context, rec models.DedupRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO inbound_dedup (key, conversation_id, message_id, process_log_id, response, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Key, rec.ConversationID, rec.MessageID, rec.ProcessLogID, rec.Response, rec.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore RecordDedupe failed", "error", err, "key", rec.Key)
		return &models.PersistenceError{Op: "record dedupe", Err: err}
	}
	return nil
}

// BeginTx checks a connection out of the pool and opens a transaction on it.
func (s *SQLiteStore) BeginTx(ctx context.Context) (Tx, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, s.acquireTimeout)
	defer cancel()
	conn, err := s.db.Conn(acquireCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			slog.Warn("SQLiteStore BeginTx: pool exhausted", "timeout", s.acquireTimeout)
			return nil, &models.PoolExhaustedError{Timeout: s.acquireTimeout}
		}
		return nil, &models.PersistenceError{Op: "acquire connection", Err: err}
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		conn.Close()
		return nil, &models.PersistenceError{Op: "begin transaction", Err: err}
	}
	return &sqliteTx{conn: conn, tx: tx}, nil
}

type sqliteTx struct {
	conn *sql.Conn
	tx   *sql.Tx
	done bool
}

func (t *sqliteTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	err := t.tx.Commit()
	t.conn.Close()
	if err != nil {
		return &models.PersistenceError{Op: "commit", Err: err}
	}
	return nil
}

func (t *sqliteTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	err := t.tx.Rollback()
	t.conn.Close()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return &models.PersistenceError{Op: "rollback", Err: err}
	}
	return nil
}

func (t *sqliteTx) GetConversationForUpdate(ctx context.Context, id string) (*models.Conversation, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &models.PersistenceError{Op: "get conversation for update", Err: err}
	}
	return c, nil
}

func (t *sqliteTx) CreateConversation(ctx context.Context, c *models.Conversation) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO conversations (id, business_id, user_id, current_stage_id, status, ai_paused, started_at, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.BusinessID, c.UserID, nilIfEmpty(c.CurrentStageID), c.Status, c.AIPaused, c.StartedAt, c.LastUpdated)
	if err != nil {
		return &models.PersistenceError{Op: "create conversation", Err: err}
	}
	return nil
}

func (t *sqliteTx) UpdateConversationStage(ctx context.Context, id, stageID string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE conversations SET current_stage_id = ? WHERE id = ?`, nilIfEmpty(stageID), id)
	if err != nil {
		return &models.PersistenceError{Op: "update conversation stage", Err: err}
	}
	return nil
}

func (t *sqliteTx) TouchConversation(ctx context.Context, id string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE conversations SET last_updated = ? WHERE id = ?`, at, id)
	if err != nil {
		return &models.PersistenceError{Op: "touch conversation", Err: err}
	}
	return nil
}

func (t *sqliteTx) GetConversationAIPaused(ctx context.Context, id string) (bool, error) {
	var paused bool
	err := t.tx.QueryRowContext(ctx, `SELECT ai_paused FROM conversations WHERE id = ?`, id).Scan(&paused)
	if err != nil {
		return false, &models.PersistenceError{Op: "get ai paused", Err: err}
	}
	return paused, nil
}

func (t *sqliteTx) GetStage(ctx context.Context, id string) (*models.Stage, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE id = ?`, id)
	st, err := scanStage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &models.PersistenceError{Op: "get stage", Err: err}
	}
	return st, nil
}

func (t *sqliteTx) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT id, business_id, type, body, system_prompt, is_default FROM templates WHERE id = ?`, id)
	tpl, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &models.PersistenceError{Op: "get template", Err: err}
	}
	return tpl, nil
}

func (t *sqliteTx) CreateMessage(ctx context.Context, m *models.Message) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, content, sender, stage_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Content, m.Sender, nilIfEmpty(m.StageID), m.CreatedAt)
	if err != nil {
		return &models.PersistenceError{Op: "create message", Err: err}
	}
	return nil
}
