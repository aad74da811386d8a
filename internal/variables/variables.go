// Package variables resolves the named variables available to prompt
// templates: user identity, business metadata, stage lists, conversation
// history, and current time.
//
// Resolution is deliberately forgiving: an unknown variable resolves to an
// empty string, and a resolver error is logged and likewise yields an empty
// string. A bad variable must never abort a render; the missing value shows
// up in the rendered prompt instead.
package variables

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stagepipe/stagepipe/internal/models"
	"github.com/stagepipe/stagepipe/internal/store"
)

// DefaultHistoryLimit is how many trailing messages conversation_history
// includes.
const DefaultHistoryLimit = 20

const timestampLayout = "2006-01-02 15:04"

// Ref identifies the scope a variable is resolved in.
type Ref struct {
	BusinessID     string
	UserID         string
	ConversationID string
}

// ResolverFunc produces a variable's value for the given scope. Resolvers
// must not mutate state and should perform at most one store read.
type ResolverFunc func(ctx context.Context, ref Ref) (string, error)

// Opts holds registry configuration.
type Opts struct {
	HistoryLimit int
	Now          func() time.Time
}

// Option configures registry construction.
type Option func(*Opts)

// WithHistoryLimit overrides how many messages conversation_history includes.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) { o.HistoryLimit = n }
}

// WithClock substitutes the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Registry maps variable names to resolvers.
type Registry struct {
	store        store.Store
	historyLimit int
	now          func() time.Time
	resolvers    map[string]ResolverFunc
}

// NewRegistry creates a registry with the built-in resolvers registered.
func NewRegistry(st store.Store, opts ...Option) *Registry {
	cfg := Opts{HistoryLimit: DefaultHistoryLimit, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	r := &Registry{
		store:        st,
		historyLimit: cfg.HistoryLimit,
		now:          cfg.Now,
		resolvers:    make(map[string]ResolverFunc),
	}
	r.Register("current_time", r.resolveCurrentTime)
	r.Register("current_date", r.resolveCurrentDate)
	r.Register("business_name", r.resolveBusinessName)
	r.Register("stage_list", r.resolveStageList)
	r.Register("stage_descriptions", r.resolveStageDescriptions)
	r.Register("user_name", r.resolveUserName)
	r.Register("conversation_history", r.resolveConversationHistory)
	r.Register("full_history", r.resolveFullHistory)
	return r
}

// Register adds or replaces a resolver.
func (r *Registry) Register(name string, fn ResolverFunc) {
	r.resolvers[name] = fn
}

// Known reports whether a resolver exists for name.
func (r *Registry) Known(name string) bool {
	_, ok := r.resolvers[name]
	return ok
}

// Resolve returns a value for each requested name. Unknown names and
// resolver failures resolve to empty strings; Resolve itself never fails.
func (r *Registry) Resolve(ctx context.Context, names []string, ref Ref) map[string]string {
	values := make(map[string]string, len(names))
	for _, name := range names {
		fn, ok := r.resolvers[name]
		if !ok {
			values[name] = ""
			continue
		}
		value, err := fn(ctx, ref)
		if err != nil {
			slog.Warn("variables.Resolve: resolver failed, using empty value", "variable", name, "error", err, "conversationID", ref.ConversationID)
			values[name] = ""
			continue
		}
		values[name] = value
	}
	return values
}

func (r *Registry) resolveCurrentTime(ctx context.Context, ref Ref) (string, error) {
	return r.now().Format("15:04:05"), nil
}

func (r *Registry) resolveCurrentDate(ctx context.Context, ref Ref) (string, error) {
	return r.now().Format("2006-01-02"), nil
}

func (r *Registry) resolveBusinessName(ctx context.Context, ref Ref) (string, error) {
	b, err := r.store.GetBusiness(ctx, ref.BusinessID)
	if err != nil {
		return "", err
	}
	if b == nil {
		return "", fmt.Errorf("business %s not found", ref.BusinessID)
	}
	return b.Name, nil
}

func (r *Registry) resolveStageList(ctx context.Context, ref Ref) (string, error) {
	stages, err := r.store.ListStages(ctx, ref.BusinessID)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(stages))
	for _, s := range stages {
		names = append(names, s.Name)
	}
	return strings.Join(names, ", "), nil
}

func (r *Registry) resolveStageDescriptions(ctx context.Context, ref Ref) (string, error) {
	stages, err := r.store.ListStages(ctx, ref.BusinessID)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, s := range stages {
		sb.WriteString("- ")
		sb.WriteString(s.Name)
		if s.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(s.Description)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (r *Registry) resolveUserName(ctx context.Context, ref Ref) (string, error) {
	u, err := r.store.GetUser(ctx, ref.UserID)
	if err != nil {
		return "", err
	}
	if u == nil {
		return "", fmt.Errorf("user %s not found", ref.UserID)
	}
	return u.DisplayName, nil
}

func (r *Registry) resolveConversationHistory(ctx context.Context, ref Ref) (string, error) {
	if ref.ConversationID == "" {
		return "", nil
	}
	msgs, err := r.store.ListMessages(ctx, ref.ConversationID, r.historyLimit)
	if err != nil {
		return "", err
	}
	return formatMessages(msgs, true), nil
}

func (r *Registry) resolveFullHistory(ctx context.Context, ref Ref) (string, error) {
	convs, err := r.store.ListUserConversations(ctx, ref.BusinessID, ref.UserID)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, conv := range convs {
		msgs, err := r.store.ListMessages(ctx, conv.ID, 0)
		if err != nil {
			return "", err
		}
		if len(msgs) == 0 {
			continue
		}
		sb.WriteString(fmt.Sprintf("conversation %s:\n", conv.ID))
		sb.WriteString(formatMessages(msgs, false))
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// formatMessages renders messages chronologically, one per line.
func formatMessages(msgs []models.Message, withTimestamps bool) string {
	var sb strings.Builder
	for _, m := range msgs {
		if withTimestamps {
			sb.WriteString("[")
			sb.WriteString(m.CreatedAt.Format(timestampLayout))
			sb.WriteString("] ")
		}
		sb.WriteString(string(m.Sender))
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
