package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/membot/membot-backend/internal/models"
	"github.com/membot/membot-backend/internal/providers"
	"github.com/membot/membot-backend/internal/repository"
	"github.com/membot/membot-backend/internal/retrieval"
	"github.com/membot/membot-backend/internal/taskqueue"
)

// memStore is an in-memory implementation of all repository interfaces with
// the same semantics as the postgres ones: active-pair uniqueness, per
// session seq assignment, CAS on the summarizing flag, unique summary
// versions with atomic counter decrement.
type memStore struct {
	mu         sync.Mutex
	sessions   map[uuid.UUID]*models.Session
	messages   map[uuid.UUID][]models.Message
	summaries  map[uuid.UUID][]models.Summary
	embeddings []models.EmbeddingRecord

	// conflictNextCreate simulates another process winning the creation
	// race: the session appears, but this caller sees ErrConflict.
	conflictNextCreate bool
	// afterGetCurrent runs between a job reading the current summary and
	// writing the next one, to stage watermark races.
	afterGetCurrent func()
}

func newMemStore() *memStore {
	return &memStore{
		sessions:  make(map[uuid.UUID]*models.Session),
		messages:  make(map[uuid.UUID][]models.Message),
		summaries: make(map[uuid.UUID][]models.Summary),
	}
}

func copySession(s *models.Session) *models.Session {
	c := *s
	return &c
}

func (m *memStore) Create(_ context.Context, userID, chatID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		if s.UserID == userID && s.ChatID == chatID && s.IsActive {
			return nil, repository.ErrConflict
		}
	}

	s := &models.Session{
		ID:        uuid.New(),
		UserID:    userID,
		ChatID:    chatID,
		IsActive:  true,
		CreatedAt: time.Now(),
	}
	m.sessions[s.ID] = s

	if m.conflictNextCreate {
		m.conflictNextCreate = false
		return nil, repository.ErrConflict
	}

	return copySession(s), nil
}

func (m *memStore) FindActive(_ context.Context, userID, chatID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		if s.UserID == userID && s.ChatID == chatID && s.IsActive {
			return copySession(s), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memStore) Get(_ context.Context, id uuid.UUID) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copySession(s), nil
}

func (m *memStore) CloseByChat(_ context.Context, chatID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var closed int64
	now := time.Now()
	for _, s := range m.sessions {
		if s.ChatID == chatID && s.IsActive {
			s.IsActive = false
			s.ClosedAt = &now
			closed++
		}
	}
	return closed, nil
}

func (m *memStore) CloseByID(_ context.Context, id uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || !s.IsActive {
		return 0, nil
	}
	now := time.Now()
	s.IsActive = false
	s.ClosedAt = &now
	return 1, nil
}

func (m *memStore) IncrementCounter(_ context.Context, id uuid.UUID, n int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return 0, repository.ErrNotFound
	}
	s.MessagesSinceSummary += n
	return s.MessagesSinceSummary, nil
}

func (m *memStore) TrySetSummarizing(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if s.Summarizing {
		return false, nil
	}
	s.Summarizing = true
	return true, nil
}

func (m *memStore) ClearSummarizing(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[id]; ok {
		s.Summarizing = false
	}
	return nil
}

func (m *memStore) Append(_ context.Context, sessionID uuid.UUID, role models.MessageRole, content string, tokens int) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	s.LastSeq++

	msg := models.Message{
		ID:        uuid.New(),
		SessionID: sessionID,
		Seq:       s.LastSeq,
		Role:      role,
		Content:   content,
		Tokens:    tokens,
		CreatedAt: time.Now(),
	}
	m.messages[sessionID] = append(m.messages[sessionID], msg)

	out := msg
	return &out, nil
}

func (m *memStore) ListRecent(_ context.Context, sessionID uuid.UUID, limit int) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.messages[sessionID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]models.Message(nil), msgs...), nil
}

func (m *memStore) ListAfter(_ context.Context, sessionID uuid.UUID, afterSeq int64, limit int) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Message
	for _, msg := range m.messages[sessionID] {
		if msg.Seq > afterSeq {
			out = append(out, msg)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) GetCurrent(_ context.Context, sessionID uuid.UUID) (*models.Summary, error) {
	m.mu.Lock()
	var current *models.Summary
	for i := range m.summaries[sessionID] {
		s := &m.summaries[sessionID][i]
		if current == nil || s.Version > current.Version {
			current = s
		}
	}
	var out *models.Summary
	if current != nil {
		c := *current
		out = &c
	}
	hook := m.afterGetCurrent
	m.afterGetCurrent = nil
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	if out == nil {
		return nil, repository.ErrNotFound
	}
	return out, nil
}

func (m *memStore) Write(_ context.Context, w repository.SummaryWrite) (*models.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.summaries[w.SessionID] {
		if s.Version == w.Version {
			return nil, repository.ErrConflict
		}
	}

	lastID := w.LastMessageID
	summary := models.Summary{
		ID:             uuid.New(),
		SessionID:      w.SessionID,
		Version:        w.Version,
		Content:        w.Content,
		LastMessageID:  &lastID,
		LastMessageSeq: w.LastMessageSeq,
		CreatedAt:      time.Now(),
	}
	m.summaries[w.SessionID] = append(m.summaries[w.SessionID], summary)

	if s, ok := m.sessions[w.SessionID]; ok {
		s.MessagesSinceSummary -= w.MessagesConsumed
		if s.MessagesSinceSummary < 0 {
			s.MessagesSinceSummary = 0
		}
	}

	out := summary
	return &out, nil
}

func (m *memStore) CreateEmbedding(_ context.Context, rec *models.EmbeddingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.embeddings = append(m.embeddings, *rec)
	return nil
}

// embeddingRepo adapts memStore to repository.EmbeddingRepository without
// colliding with the session Create method.
type embeddingRepo struct{ store *memStore }

func (r embeddingRepo) Create(ctx context.Context, rec *models.EmbeddingRecord) error {
	return r.store.CreateEmbedding(ctx, rec)
}

func (r embeddingRepo) ListBySession(_ context.Context, sessionID uuid.UUID) ([]models.EmbeddingRecord, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var out []models.EmbeddingRecord
	for _, rec := range r.store.embeddings {
		if rec.SessionID != nil && *rec.SessionID == sessionID {
			out = append(out, rec)
		}
	}
	return out, nil
}

type summarizeCall struct {
	previous   string
	transcript string
}

// fakeProvider is a scripted CompletionProvider.
type fakeProvider struct {
	mu             sync.Mutex
	reply          string
	completeErr    error
	summarizeErr   error
	embedErr       error
	completeCalls  [][]providers.PromptBlock
	summarizeCalls []summarizeCall
}

func (f *fakeProvider) Complete(_ context.Context, blocks []providers.PromptBlock) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.completeCalls = append(f.completeCalls, append([]providers.PromptBlock(nil), blocks...))
	if f.completeErr != nil {
		return "", f.completeErr
	}
	if f.reply == "" {
		return "fake reply", nil
	}
	return f.reply, nil
}

func (f *fakeProvider) Summarize(_ context.Context, previous, transcript string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.summarizeCalls = append(f.summarizeCalls, summarizeCall{previous: previous, transcript: transcript})
	if f.summarizeErr != nil {
		return "", f.summarizeErr
	}
	return fmt.Sprintf("summary #%d", len(f.summarizeCalls)), nil
}

func (f *fakeProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.embedErr != nil {
		return nil, f.embedErr
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = []float32{float32(len(text)), 1, 0}
	}
	return vectors, nil
}

func (f *fakeProvider) lastBlocks() []providers.PromptBlock {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.completeCalls) == 0 {
		return nil
	}
	return f.completeCalls[len(f.completeCalls)-1]
}

// fakeIndex is a scripted retrieval.Provider.
type fakeIndex struct {
	mu       sync.Mutex
	upserts  map[string]retrieval.Metadata
	facts    []retrieval.Fact
	queryErr error
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{upserts: make(map[string]retrieval.Metadata)}
}

func (f *fakeIndex) Upsert(_ context.Context, id string, _ []float32, meta retrieval.Metadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts[id] = meta
	return nil
}

func (f *fakeIndex) Query(_ context.Context, _ string, _ []float32, k int) ([]retrieval.Fact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if len(f.facts) > k {
		return f.facts[:k], nil
	}
	return f.facts, nil
}

// manualQueue collects jobs so a test controls exactly when compaction
// runs relative to the appends that triggered it.
type manualQueue struct {
	mu   sync.Mutex
	jobs []taskqueue.Job
}

func (q *manualQueue) Submit(job taskqueue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *manualQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// runAll drains the backlog, including jobs submitted by jobs.
func (q *manualQueue) runAll() {
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			q.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		_ = job.Run(context.Background())
	}
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}
