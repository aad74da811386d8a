// Package store provides storage backends for StagePipe.
//
// This file implements an in-memory store used by tests and local runs. It
// mirrors the SQL backends' transaction semantics: Tx writes are buffered
// and only become visible on Commit, a per-conversation lock stands in for
// the Postgres row lock, and transaction slots are bounded so pool
// exhaustion is observable.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stagepipe/stagepipe/internal/models"
)

// DefaultMemoryTxSlots bounds concurrent in-memory transactions, mirroring
// the SQL pools' max open connections.
const DefaultMemoryTxSlots = 25

// InMemoryStore is a Store kept entirely in process memory.
type InMemoryStore struct {
	mu            sync.RWMutex
	businesses    map[string]models.Business
	users         map[string]models.User
	stages        map[string]models.Stage
	templates     map[string]models.Template
	conversations map[string]models.Conversation
	messages      map[string][]models.Message
	processLogs   []models.ProcessLog
	dedup         map[string]models.DedupRecord

	convLocks      map[string]*sync.Mutex
	txSlots        chan struct{}
	acquireTimeout time.Duration
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	return &InMemoryStore{
		businesses:     make(map[string]models.Business),
		users:          make(map[string]models.User),
		stages:         make(map[string]models.Stage),
		templates:      make(map[string]models.Template),
		conversations:  make(map[string]models.Conversation),
		messages:       make(map[string][]models.Message),
		dedup:          make(map[string]models.DedupRecord),
		convLocks:      make(map[string]*sync.Mutex),
		txSlots:        make(chan struct{}, DefaultMemoryTxSlots),
		acquireTimeout: cfg.AcquireTimeout,
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) CreateBusiness(ctx context.Context, b *models.Business) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.businesses[b.ID]; exists {
		return &models.PersistenceError{Op: "create business", Err: fmt.Errorf("business %s already exists", b.ID)}
	}
	s.businesses[b.ID] = *b
	return nil
}

func (s *InMemoryStore) GetBusiness(ctx context.Context, id string) (*models.Business, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.businesses[id]; ok {
		return &b, nil
	}
	return nil, nil
}

func (s *InMemoryStore) DeleteBusiness(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.businesses, id)
	for sid, st := range s.stages {
		if st.BusinessID == id {
			delete(s.stages, sid)
		}
	}
	for tid, t := range s.templates {
		if t.BusinessID == id {
			delete(s.templates, tid)
		}
	}
	for cid, c := range s.conversations {
		if c.BusinessID == id {
			delete(s.conversations, cid)
			delete(s.messages, cid)
		}
	}
	return nil
}

func (s *InMemoryStore) CreateUser(ctx context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = *u
	return nil
}

func (s *InMemoryStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.users[id]; ok {
		return &u, nil
	}
	return nil, nil
}

func (s *InMemoryStore) CreateStage(ctx context.Context, st *models.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages[st.ID] = *st
	return nil
}

func (s *InMemoryStore) GetStage(ctx context.Context, id string) (*models.Stage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.stages[id]; ok {
		return &st, nil
	}
	return nil, nil
}

func (s *InMemoryStore) ListStages(ctx context.Context, businessID string) ([]models.Stage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stages []models.Stage
	for _, st := range s.stages {
		if st.BusinessID == businessID {
			stages = append(stages, st)
		}
	}
	sortStagesByName(stages)
	return stages, nil
}

func (s *InMemoryStore) CreateTemplate(ctx context.Context, t *models.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = *t
	return nil
}

func (s *InMemoryStore) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.templates[id]; ok {
		return &t, nil
	}
	return nil, nil
}

func (s *InMemoryStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.conversations[id]; ok {
		return &c, nil
	}
	return nil, nil
}

func (s *InMemoryStore) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
	delete(s.messages, id)
	return nil
}

func (s *InMemoryStore) SetConversationAIPaused(ctx context.Context, id string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return &models.PersistenceError{Op: "set ai paused", Err: fmt.Errorf("conversation %s not found", id)}
	}
	c.AIPaused = paused
	s.conversations[id] = c
	return nil
}

func (s *InMemoryStore) ListUserConversations(ctx context.Context, businessID, userID string) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var convs []models.Conversation
	for _, c := range s.conversations {
		if c.BusinessID == businessID && c.UserID == userID {
			convs = append(convs, c)
		}
	}
	sortConversationsByStart(convs)
	return convs, nil
}

func (s *InMemoryStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *InMemoryStore) RecordProcessLog(ctx context.Context, log models.ProcessLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processLogs = append(s.processLogs, log)
	return nil
}

// ProcessLogs returns a copy of all recorded process logs (test helper).
func (s *InMemoryStore) ProcessLogs() []models.ProcessLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ProcessLog, len(s.processLogs))
	copy(out, s.processLogs)
	return out
}

func (s *InMemoryStore) LookupDedupe(ctx context.Context, key string) (*models.DedupRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.dedup[key]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (s *InMemoryStore) RecordDedupe(ctx context.Context, rec models.DedupRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.dedup[rec.Key]; !exists {
		s.dedup[rec.Key] = rec
	}
	return nil
}

func (s *InMemoryStore) convLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.convLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.convLocks[id] = l
	}
	return l
}

// BeginTx acquires one of the bounded transaction slots.
func (s *InMemoryStore) BeginTx(ctx context.Context) (Tx, error) {
	select {
	case s.txSlots <- struct{}{}:
		return &memTx{
			store:        s,
			stageUpdates: make(map[string]string),
			touches:      make(map[string]time.Time),
		}, nil
	case <-ctx.Done():
		return nil, &models.PersistenceError{Op: "acquire transaction", Err: ctx.Err()}
	case <-time.After(s.acquireTimeout):
		return nil, &models.PoolExhaustedError{Timeout: s.acquireTimeout}
	}
}

// memTx buffers writes until Commit. Rollback discards them, so a failed
// pipeline run leaves no trace, matching the SQL backends.
type memTx struct {
	store *InMemoryStore
	done  bool

	heldLocks   []*sync.Mutex
	lockedConvs map[string]bool

	created      []models.Conversation
	stageUpdates map[string]string
	touches      map[string]time.Time
	newMessages  []models.Message
}

func (t *memTx) lockConversation(id string) {
	if t.lockedConvs == nil {
		t.lockedConvs = make(map[string]bool)
	}
	if t.lockedConvs[id] {
		return
	}
	l := t.store.convLock(id)
	l.Lock()
	t.heldLocks = append(t.heldLocks, l)
	t.lockedConvs[id] = true
}

func (t *memTx) release() {
	for _, l := range t.heldLocks {
		l.Unlock()
	}
	t.heldLocks = nil
	<-t.store.txSlots
}

func (t *memTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	s := t.store
	s.mu.Lock()
	for _, c := range t.created {
		s.conversations[c.ID] = c
	}
	for id, stageID := range t.stageUpdates {
		if c, ok := s.conversations[id]; ok {
			c.CurrentStageID = stageID
			s.conversations[id] = c
		}
	}
	for id, at := range t.touches {
		if c, ok := s.conversations[id]; ok {
			c.LastUpdated = at
			s.conversations[id] = c
		}
	}
	for _, m := range t.newMessages {
		s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
	}
	s.mu.Unlock()
	t.release()
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.release()
	return nil
}

func (t *memTx) GetConversationForUpdate(ctx context.Context, id string) (*models.Conversation, error) {
	// Lock first, then read, so a concurrent transaction's commit is fully
	// visible or not at all.
	t.lockConversation(id)
	s := t.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.conversations[id]; ok {
		return &c, nil
	}
	return nil, nil
}

func (t *memTx) CreateConversation(ctx context.Context, c *models.Conversation) error {
	t.lockConversation(c.ID)
	t.created = append(t.created, *c)
	return nil
}

func (t *memTx) UpdateConversationStage(ctx context.Context, id, stageID string) error {
	for i := range t.created {
		if t.created[i].ID == id {
			t.created[i].CurrentStageID = stageID
			return nil
		}
	}
	t.stageUpdates[id] = stageID
	return nil
}

func (t *memTx) TouchConversation(ctx context.Context, id string, at time.Time) error {
	for i := range t.created {
		if t.created[i].ID == id {
			t.created[i].LastUpdated = at
			return nil
		}
	}
	t.touches[id] = at
	return nil
}

func (t *memTx) GetConversationAIPaused(ctx context.Context, id string) (bool, error) {
	for i := range t.created {
		if t.created[i].ID == id {
			return t.created[i].AIPaused, nil
		}
	}
	s := t.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.conversations[id]; ok {
		return c.AIPaused, nil
	}
	return false, &models.PersistenceError{Op: "get ai paused", Err: fmt.Errorf("conversation %s not found", id)}
}

func (t *memTx) GetStage(ctx context.Context, id string) (*models.Stage, error) {
	return t.store.GetStage(ctx, id)
}

func (t *memTx) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	return t.store.GetTemplate(ctx, id)
}

func (t *memTx) CreateMessage(ctx context.Context, m *models.Message) error {
	t.newMessages = append(t.newMessages, *m)
	return nil
}

func sortStagesByName(stages []models.Stage) {
	sort.Slice(stages, func(i, j int) bool { return stages[i].Name < stages[j].Name })
}

func sortConversationsByStart(convs []models.Conversation) {
	sort.Slice(convs, func(i, j int) bool { return convs[i].StartedAt.Before(convs[j].StartedAt) })
}
