// Package store provides storage backends for StagePipe.
//
// It defines the Store interface consumed by the pipeline and its variable
// resolvers, plus three implementations: PostgreSQL, SQLite, and an
// in-memory store used by tests and local runs. Pipeline writes go through
// the transactional Tx interface so a failed run leaves no partial state.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/stagepipe/stagepipe/internal/models"
)

// Default connection pool configuration.
const (
	// DefaultMaxOpenConns is the default maximum number of open connections
	// to the database.
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections
	// in the pool.
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a
	// connection may be reused.
	DefaultConnMaxLifetime = 5 * time.Minute
	// DefaultAcquireTimeout bounds how long BeginTx waits for a free
	// connection before reporting pool exhaustion.
	DefaultAcquireTimeout = 5 * time.Second
)

// Opts holds configuration for store construction.
type Opts struct {
	DSN            string
	AcquireTimeout time.Duration
}

// Option configures store construction.
type Option func(*Opts)

// WithDSN sets the database connection string (or file path for SQLite).
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithAcquireTimeout overrides the connection acquire timeout used by BeginTx.
func WithAcquireTimeout(d time.Duration) Option {
	return func(o *Opts) { o.AcquireTimeout = d }
}

// NewStoreFromOptions selects a backend from the configured DSN: a
// postgres:// or postgresql:// URL opens PostgreSQL, an empty DSN opens the
// in-memory store, anything else is treated as a SQLite file path.
func NewStoreFromOptions(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.DSN == "":
		return NewInMemoryStore(opts...), nil
	case strings.HasPrefix(cfg.DSN, "postgres://") || strings.HasPrefix(cfg.DSN, "postgresql://"):
		st, err := NewPostgresStore(opts...)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		st, err := NewSQLiteStore(opts...)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
}

// Store is the data-access interface for StagePipe entities. Reads outside
// a pipeline transaction (variable resolvers, dedup lookups, admin
// surfaces) go through Store directly; all pipeline writes go through Tx.
type Store interface {
	CreateBusiness(ctx context.Context, b *models.Business) error
	GetBusiness(ctx context.Context, id string) (*models.Business, error)
	DeleteBusiness(ctx context.Context, id string) error

	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)

	CreateStage(ctx context.Context, s *models.Stage) error
	GetStage(ctx context.Context, id string) (*models.Stage, error)
	ListStages(ctx context.Context, businessID string) ([]models.Stage, error)

	CreateTemplate(ctx context.Context, t *models.Template) error
	GetTemplate(ctx context.Context, id string) (*models.Template, error)

	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	SetConversationAIPaused(ctx context.Context, id string, paused bool) error
	ListUserConversations(ctx context.Context, businessID, userID string) ([]models.Conversation, error)

	// ListMessages returns a conversation's messages in chronological order.
	// A limit of 0 or less returns all of them; otherwise the last limit
	// messages are returned.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)

	// BeginTx acquires a transactional connection. When the pool has no
	// free connection within the acquire timeout, it returns
	// *models.PoolExhaustedError instead of blocking indefinitely.
	BeginTx(ctx context.Context) (Tx, error)

	RecordProcessLog(ctx context.Context, log models.ProcessLog) error

	// LookupDedupe returns the recorded result for an inbound dedupe key,
	// or nil when the key has not been seen.
	LookupDedupe(ctx context.Context, key string) (*models.DedupRecord, error)
	RecordDedupe(ctx context.Context, rec models.DedupRecord) error

	Close() error
}

// Tx is one pipeline transaction. All methods operate inside the open
// transaction; nothing is visible to other readers until Commit. Rollback
// after Commit is a no-op so callers can defer it unconditionally.
type Tx interface {
	// GetConversationForUpdate loads a conversation and locks its row for
	// the duration of the transaction, serializing concurrent pipeline
	// runs on the same conversation.
	GetConversationForUpdate(ctx context.Context, id string) (*models.Conversation, error)
	CreateConversation(ctx context.Context, c *models.Conversation) error
	UpdateConversationStage(ctx context.Context, id, stageID string) error
	TouchConversation(ctx context.Context, id string, at time.Time) error
	GetConversationAIPaused(ctx context.Context, id string) (bool, error)

	GetStage(ctx context.Context, id string) (*models.Stage, error)
	GetTemplate(ctx context.Context, id string) (*models.Template, error)

	CreateMessage(ctx context.Context, m *models.Message) error

	Commit() error
	Rollback() error
}
