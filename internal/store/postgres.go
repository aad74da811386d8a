// Package store provides storage backends for StagePipe.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
	"github.com/stagepipe/stagepipe/internal/models"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a Store backed by PostgreSQL via lib/pq.
type PostgresStore struct {
	db             *sql.DB
	acquireTimeout time.Duration
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("PostgresStore failed to open connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("PostgresStore ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("PostgresStore failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgresStore migrations applied")
	return &PostgresStore{db: db, acquireTimeout: cfg.AcquireTimeout}, nil
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateBusiness(ctx context.Context, b *models.Business) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO businesses (id, name, description, contact_email, contact_phone, default_stage_id)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID, b.Name, nilIfEmpty(b.Description), nilIfEmpty(b.ContactEmail), nilIfEmpty(b.ContactPhone), nilIfEmpty(b.DefaultStageID))
	if err != nil {
		slog.Error("PostgresStore CreateBusiness failed", "error", err, "businessID", b.ID)
		return &models.PersistenceError{Op: "create business", Err: err}
	}
	return nil
}

func (s *PostgresStore) GetBusiness(ctx context.Context, id string) (*models.Business, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, contact_email, contact_phone, default_stage_id
		 FROM businesses WHERE id = $1`, id)
	b, err := scanBusiness(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetBusiness failed", "error", err, "businessID", id)
		return nil, &models.PersistenceError{Op: "get business", Err: err}
	}
	return b, nil
}

func (s *PostgresStore) DeleteBusiness(ctx context.Context, id string) error {
	// Stages, templates, conversations and messages go with it via
	// ON DELETE CASCADE.
	_, err := s.db.ExecContext(ctx, `DELETE FROM businesses WHERE id = $1`, id)
	if err != nil {
		slog.Error("PostgresStore DeleteBusiness failed", "error", err, "businessID", id)
		return &models.PersistenceError{Op: "delete business", Err: err}
	}
	return nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *models.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, business_id, display_name, phone) VALUES ($1, $2, $3, $4)`,
		u.ID, u.BusinessID, u.DisplayName, nilIfEmpty(u.Phone))
	if err != nil {
		slog.Error("PostgresStore CreateUser failed", "error", err, "userID", u.ID)
		return &models.PersistenceError{Op: "create user", Err: err}
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, business_id, display_name, phone FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetUser failed", "error", err, "userID", id)
		return nil, &models.PersistenceError{Op: "get user", Err: err}
	}
	return u, nil
}

func (s *PostgresStore) CreateStage(ctx context.Context, st *models.Stage) error {
	fallback, err := encodeFallbackFields(st.FallbackFields)
	if err != nil {
		return &models.PersistenceError{Op: "create stage", Err: err}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO stages (id, business_id, name, description, type,
			selection_template_id, extraction_template_id, response_template_id,
			selection_prompt, extraction_prompt, response_prompt, fallback_fields)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		st.ID, st.BusinessID, st.Name, nilIfEmpty(st.Description), st.Type,
		nilIfEmpty(st.SelectionTemplateID), nilIfEmpty(st.ExtractionTemplateID), nilIfEmpty(st.ResponseTemplateID),
		nilIfEmpty(st.SelectionPrompt), nilIfEmpty(st.ExtractionPrompt), nilIfEmpty(st.ResponsePrompt), fallback)
	if err != nil {
		slog.Error("PostgresStore CreateStage failed", "error", err, "stageID", st.ID)
		return &models.PersistenceError{Op: "create stage", Err: err}
	}
	return nil
}

const stageColumns = `id, business_id, name, description, type,
	selection_template_id, extraction_template_id, response_template_id,
	selection_prompt, extraction_prompt, response_prompt, fallback_fields`

func (s *PostgresStore) GetStage(ctx context.Context, id string) (*models.Stage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE id = $1`, id)
	st, err := scanStage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetStage failed", "error", err, "stageID", id)
		return nil, &models.PersistenceError{Op: "get stage", Err: err}
	}
	return st, nil
}

func (s *PostgresStore) ListStages(ctx context.Context, businessID string) ([]models.Stage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stageColumns+` FROM stages WHERE business_id = $1 ORDER BY name`, businessID)
	if err != nil {
		slog.Error("PostgresStore ListStages query failed", "error", err, "businessID", businessID)
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

func (s *PostgresStore) CreateTemplate(ctx context.Context, t *models.Template) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO templates (id, business_id, type, body, system_prompt, is_default)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.BusinessID, t.Type, t.Body, nilIfEmpty(t.SystemPrompt), t.IsDefault)
	if err != nil {
		slog.Error("PostgresStore CreateTemplate failed", "error", err, "templateID", t.ID)
		return &models.PersistenceError{Op: "create template", Err: err}
	}
	return nil
}

func (s *PostgresStore) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, business_id, type, body, system_prompt, is_default FROM templates WHERE id = $1`, id)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetTemplate failed", "error", err, "templateID", id)
		return nil, &models.PersistenceError{Op: "get template", Err: err}
	}
	return t, nil
}

const conversationColumns = `id, business_id, user_id, current_stage_id, status, ai_paused, started_at, last_updated`

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetConversation failed", "error", err, "conversationID", id)
		return nil, &models.PersistenceError{Op: "get conversation", Err: err}
	}
	return c, nil
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		slog.Error("PostgresStore DeleteConversation failed", "error", err, "conversationID", id)
		return &models.PersistenceError{Op: "delete conversation", Err: err}
	}
	return nil
}

func (s *PostgresStore) SetConversationAIPaused(ctx context.Context, id string, paused bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET ai_paused = $1 WHERE id = $2`, paused, id)
	if err != nil {
		slog.Error("PostgresStore SetConversationAIPaused failed", "error", err, "conversationID", id)
		return &models.PersistenceError{Op: "set ai paused", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &models.PersistenceError{Op: "set ai paused", Err: sql.ErrNoRows}
	}
	return nil
}

func (s *PostgresStore) ListUserConversations(ctx context.Context, businessID, userID string) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE business_id = $1 AND user_id = $2 ORDER BY started_at`, businessID, userID)
	if err != nil {
		slog.Error("PostgresStore ListUserConversations query failed", "error", err, "businessID", businessID, "userID", userID)
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

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	query := `SELECT id, conversation_id, content, sender, stage_id, created_at
		 FROM messages WHERE conversation_id = $1 ORDER BY created_at`
	args := []any{conversationID}
	if limit > 0 {
		// Last N messages, still returned in chronological order.
		query = `SELECT id, conversation_id, content, sender, stage_id, created_at FROM (
			SELECT id, conversation_id, content, sender, stage_id, created_at
			FROM messages WHERE conversation_id = $1 ORDER BY created_at DESC LIMIT $2
		) recent ORDER BY created_at`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("PostgresStore ListMessages query failed", "error", err, "conversationID", conversationID)
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

func (s *PostgresStore) RecordProcessLog(ctx context.Context, log models.ProcessLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO process_logs (id, business_id, user_id, conversation_id, status, step, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		log.ID, log.BusinessID, log.UserID, nilIfEmpty(log.ConversationID), log.Status, log.Step, nilIfEmpty(log.Error), log.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore RecordProcessLog failed", "error", err, "processLogID", log.ID)
		return &models.PersistenceError{Op: "record process log", Err: err}
	}
	return nil
}

func (s *PostgresStore) LookupDedupe(ctx context.Context, key string) (*models.DedupRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, conversation_id, message_id, process_log_id, response, created_at
		 FROM inbound_dedup WHERE key = $1`, key)
	var rec models.DedupRecord
	err := row.Scan(&rec.Key, &rec.ConversationID, &rec.MessageID, &rec.ProcessLogID, &rec.Response, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore LookupDedupe failed", "error", err, "key", key)
		return nil, &models.PersistenceError{Op: "lookup dedupe", Err: err}
	}
	return &rec, nil
}

func (s *PostgresStore) RecordDedupe(ctx context.Context, rec models.DedupRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO inbound_dedup (key, conversation_id, message_id, process_log_id, response, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (key) DO NOTHING`,
		rec.Key, rec.ConversationID, rec.MessageID, rec.ProcessLogID, rec.Response, rec.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore RecordDedupe failed", "error", err, "key", rec.Key)
		return &models.PersistenceError{Op: "record dedupe", Err: err}
	}
	return nil
}

// BeginTx checks a connection out of the pool and opens a transaction on it.
// Waiting is bounded by the acquire timeout; exhaustion surfaces as
// *models.PoolExhaustedError rather than an indefinite block.
func (s *PostgresStore) BeginTx(ctx context.Context) (Tx, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, s.acquireTimeout)
	defer cancel()
	conn, err := s.db.Conn(acquireCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			slog.Warn("PostgresStore BeginTx: pool exhausted", "timeout", s.acquireTimeout)
			return nil, &models.PoolExhaustedError{Timeout: s.acquireTimeout}
		}
		return nil, &models.PersistenceError{Op: "acquire connection", Err: err}
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		conn.Close()
		return nil, &models.PersistenceError{Op: "begin transaction", Err: err}
	}
	return &postgresTx{conn: conn, tx: tx}, nil
}

// postgresTx implements Tx on a dedicated pooled connection. The connection
// is returned to the pool exactly once, by Commit or Rollback.
type postgresTx struct {
	conn *sql.Conn
	tx   *sql.Tx
	done bool
}

func (t *postgresTx) Commit() error {
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

func (t *postgresTx) Rollback() error {
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

// GetConversationForUpdate locks the conversation row for the duration of
// the transaction, serializing concurrent pipeline runs on the same
// conversation.
func (t *postgresTx) GetConversationForUpdate(ctx context.Context, id string) (*models.Conversation, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1 FOR UPDATE`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &models.PersistenceError{Op: "get conversation for update", Err: err}
	}
	return c, nil
}

func (t *postgresTx) CreateConversation(ctx context.Context, c *models.Conversation) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO conversations (id, business_id, user_id, current_stage_id, status, ai_paused, started_at, last_updated)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.BusinessID, c.UserID, nilIfEmpty(c.CurrentStageID), c.Status, c.AIPaused, c.StartedAt, c.LastUpdated)
	if err != nil {
		return &models.PersistenceError{Op: "create conversation", Err: err}
	}
	return nil
}

func (t *postgresTx) UpdateConversationStage(ctx context.Context, id, stageID string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE conversations SET current_stage_id = $1 WHERE id = $2`, nilIfEmpty(stageID), id)
	if err != nil {
		return &models.PersistenceError{Op: "update conversation stage", Err: err}
	}
	return nil
}

func (t *postgresTx) TouchConversation(ctx context.Context, id string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE conversations SET last_updated = $1 WHERE id = $2`, at, id)
	if err != nil {
		return &models.PersistenceError{Op: "touch conversation", Err: err}
	}
	return nil
}

func (t *postgresTx) GetConversationAIPaused(ctx context.Context, id string) (bool, error) {
	var paused bool
	err := t.tx.QueryRowContext(ctx, `SELECT ai_paused FROM conversations WHERE id = $1`, id).Scan(&paused)
	if err != nil {
		return false, &models.PersistenceError{Op: "get ai paused", Err: err}
	}
	return paused, nil
}

func (t *postgresTx) GetStage(ctx context.Context, id string) (*models.Stage, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stages WHERE id = $1`, id)
	st, err := scanStage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &models.PersistenceError{Op: "get stage", Err: err}
	}
	return st, nil
}

func (t *postgresTx) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT id, business_id, type, body, system_prompt, is_default FROM templates WHERE id = $1`, id)
	tpl, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &models.PersistenceError{Op: "get template", Err: err}
	}
	return tpl, nil
}

func (t *postgresTx) CreateMessage(ctx context.Context, m *models.Message) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, content, sender, stage_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.ConversationID, m.Content, m.Sender, nilIfEmpty(m.StageID), m.CreatedAt)
	if err != nil {
		return &models.PersistenceError{Op: "create message", Err: err}
	}
	return nil
}
