package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/membot/membot-backend/internal/config"
	"github.com/membot/membot-backend/internal/models"
	"github.com/membot/membot-backend/internal/providers"
	"github.com/membot/membot-backend/internal/repository"
	"github.com/membot/membot-backend/internal/retrieval"
)

// ContextAssembler orchestrates one conversational turn: append the inbound
// message, possibly trigger compaction, gather the three memory tiers,
// call the model, persist the reply.
type ContextAssembler struct {
	sessions  *SessionManager
	scheduler *SummarizationScheduler
	indexer   *SemanticIndexer
	summaries repository.SummaryRepository
	messages  repository.MessageRepository
	provider  providers.CompletionProvider
	cfg       config.MemoryConfig
	topK      int
	logger    *logrus.Logger
}

// NewContextAssembler creates a new assembler
func NewContextAssembler(
	sessions *SessionManager,
	scheduler *SummarizationScheduler,
	indexer *SemanticIndexer,
	summaries repository.SummaryRepository,
	messages repository.MessageRepository,
	provider providers.CompletionProvider,
	cfg config.MemoryConfig,
	topK int,
	logger *logrus.Logger,
) *ContextAssembler {
	return &ContextAssembler{
		sessions:  sessions,
		scheduler: scheduler,
		indexer:   indexer,
		summaries: summaries,
		messages:  messages,
		provider:  provider,
		cfg:       cfg,
		topK:      topK,
		logger:    logger,
	}
}

// Handle processes one inbound message and returns the assistant reply.
//
// The appended user message and any compaction it triggered stand even when
// a later step fails or the caller disconnects: the message log records
// what was actually said, and partial progress is never rolled back. Only a
// completion failure is fatal to the turn; retrieval and indexing degrade
// to an unenriched but functioning reply.
func (a *ContextAssembler) Handle(ctx context.Context, userID, chatID, text string) (string, error) {
	session, err := a.sessions.GetOrCreateActive(ctx, userID, chatID)
	if err != nil {
		return "", err
	}

	userMsg, counter, err := a.sessions.AppendMessage(ctx, session.ID, models.RoleUser, text, estimateTokens(text))
	if err != nil {
		return "", err
	}
	a.triggerScheduler(ctx, session, counter)

	facts := a.indexer.Search(ctx, session.ID, text, a.topK)

	blocks, err := a.assemble(ctx, session, facts)
	if err != nil {
		return "", err
	}

	reply, err := a.provider.Complete(ctx, blocks)
	if err != nil {
		return "", fmt.Errorf("failed to generate reply: %w", err)
	}

	assistantMsg, counter, err := a.sessions.AppendMessage(ctx, session.ID, models.RoleAssistant, reply, estimateTokens(reply))
	if err != nil {
		return "", err
	}
	a.triggerScheduler(ctx, session, counter)

	if a.indexer.Enabled() {
		go a.indexer.IndexTurn(userMsg, assistantMsg)
	}

	return reply, nil
}

// assemble builds the ordered prompt: system instruction, current summary,
// recent history, retrieved facts. The order is fixed; facts keep the score
// order the retrieval tier returned them in.
func (a *ContextAssembler) assemble(ctx context.Context, session *models.Session, facts []retrieval.Fact) ([]providers.PromptBlock, error) {
	blocks := []providers.PromptBlock{
		{Role: "system", Content: a.cfg.SystemPrompt},
	}

	summary, err := a.summaries.GetCurrent(ctx, session.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to load summary: %w", err)
	}
	if summary != nil && summary.Content != "" {
		blocks = append(blocks, providers.PromptBlock{
			Role:    "system",
			Content: "Summary of the conversation so far:\n" + summary.Content,
		})
	}

	recent, err := a.messages.ListRecent(ctx, session.ID, a.cfg.ShortHistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent messages: %w", err)
	}
	for _, msg := range recent {
		blocks = append(blocks, providers.PromptBlock{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	if len(facts) > 0 {
		var sb strings.Builder
		sb.WriteString("Relevant facts from semantic memory:\n")
		for _, fact := range facts {
			sb.WriteString("- ")
			sb.WriteString(fact.Content)
			sb.WriteString("\n")
		}
		blocks = append(blocks, providers.PromptBlock{
			Role:    "system",
			Content: sb.String(),
		})
	}

	return blocks, nil
}

// triggerScheduler hands the updated counter to the scheduler. Trigger
// errors are logged and swallowed: a missed compaction retries on the next
// qualifying append, and the turn itself must not fail over it.
func (a *ContextAssembler) triggerScheduler(ctx context.Context, session *models.Session, counter int) {
	if err := a.scheduler.MaybeCompact(ctx, session.ID, counter); err != nil {
		a.logger.WithField("session_id", session.ID).WithError(err).Error("failed to trigger compaction")
	}
}

// estimateTokens is the rough chars/4 heuristic, good enough for the
// stored token column.
func estimateTokens(text string) int {
	return len(text) / 4
}
