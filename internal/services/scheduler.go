package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/membot/membot-backend/internal/config"
	"github.com/membot/membot-backend/internal/providers"
	"github.com/membot/membot-backend/internal/repository"
	"github.com/membot/membot-backend/internal/taskqueue"
)

// ErrStaleWatermark means a compaction job found the watermark had moved
// past the state it was scheduled on. The stale job aborts; nothing is
// surfaced to the conversation.
var ErrStaleWatermark = errors.New("stale watermark")

// SummarizationScheduler decides when a session's history is compacted into
// the next summary version.
//
// Per session the lifecycle is: idle → threshold reached (counter crossed
// SummaryThreshold on an append) → summarizing (the summarizing flag was
// claimed and a job is in flight) → idle (flag cleared on commit or
// failure). The flag claim is a single conditional update, so at most one
// job per session is ever in flight; appends that cross the threshold while
// a job runs are no-ops and the grown counter is caught by the next chunk.
type SummarizationScheduler struct {
	sessions  repository.SessionRepository
	messages  repository.MessageRepository
	summaries repository.SummaryRepository
	provider  providers.CompletionProvider
	queue     taskqueue.Queue
	cfg       config.MemoryConfig
	logger    *logrus.Logger
}

// NewSummarizationScheduler creates a new scheduler
func NewSummarizationScheduler(
	sessions repository.SessionRepository,
	messages repository.MessageRepository,
	summaries repository.SummaryRepository,
	provider providers.CompletionProvider,
	queue taskqueue.Queue,
	cfg config.MemoryConfig,
	logger *logrus.Logger,
) *SummarizationScheduler {
	return &SummarizationScheduler{
		sessions:  sessions,
		messages:  messages,
		summaries: summaries,
		provider:  provider,
		queue:     queue,
		cfg:       cfg,
		logger:    logger,
	}
}

// MaybeCompact is called after every append with the updated counter. Below
// the threshold it does nothing. At or above it, it claims the in-flight
// flag and hands the compaction job to the queue (or runs it inline when
// background execution is disabled). Losing the flag claim means a job is
// already in flight and this crossing is deliberately dropped.
func (s *SummarizationScheduler) MaybeCompact(ctx context.Context, sessionID uuid.UUID, counter int) error {
	if counter < s.cfg.SummaryThreshold {
		return nil
	}

	won, err := s.sessions.TrySetSummarizing(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to claim compaction flag: %w", err)
	}
	if !won {
		return nil
	}

	job := taskqueue.Job{
		Name: "summarize:" + sessionID.String(),
		Run: func(jobCtx context.Context) error {
			err := s.runCompaction(jobCtx, sessionID)
			if errors.Is(err, ErrStaleWatermark) {
				// Already logged; not a failure of the queue run.
				return nil
			}
			return err
		},
	}

	if s.cfg.UseQueueForSummary {
		if err := s.queue.Submit(job); err != nil {
			// Could not enqueue; release the flag so the next
			// threshold crossing retries.
			s.clearFlag(sessionID)
			return fmt.Errorf("failed to submit compaction job: %w", err)
		}
		return nil
	}

	if err := job.Run(ctx); err != nil {
		s.logger.WithField("session_id", sessionID).WithError(err).Error("inline compaction failed")
	}
	return nil
}

// runCompaction is the compaction job body. It always re-reads the current
// summary, so a job delivered late (or twice) operates on the fresh
// watermark rather than the state it was scheduled on. The summary insert
// and the counter decrement commit in one transaction; a version conflict
// on that commit is the stale-job signal.
func (s *SummarizationScheduler) runCompaction(ctx context.Context, sessionID uuid.UUID) (err error) {
	defer s.clearFlag(sessionID)

	var (
		previousContent string
		version         = 1
		watermark       int64
	)

	current, err := s.summaries.GetCurrent(ctx, sessionID)
	switch {
	case err == nil:
		previousContent = current.Content
		version = current.Version + 1
		watermark = current.LastMessageSeq
	case errors.Is(err, repository.ErrNotFound):
		// First compaction for the session.
	default:
		return fmt.Errorf("failed to load current summary: %w", err)
	}

	batch, err := s.messages.ListAfter(ctx, sessionID, watermark, s.cfg.SummaryNewMessagesLimit)
	if err != nil {
		return fmt.Errorf("failed to load unsummarized messages: %w", err)
	}
	if len(batch) == 0 {
		// Duplicate delivery after another job consumed the backlog.
		return nil
	}

	var transcript strings.Builder
	for _, msg := range batch {
		transcript.WriteString(string(msg.Role))
		transcript.WriteString(": ")
		transcript.WriteString(msg.Content)
		transcript.WriteString("\n")
	}

	content, err := s.provider.Summarize(ctx, previousContent, transcript.String())
	if err != nil {
		return fmt.Errorf("failed to summarize session %s: %w", sessionID, err)
	}

	last := batch[len(batch)-1]
	summary, err := s.summaries.Write(ctx, repository.SummaryWrite{
		SessionID:        sessionID,
		Version:          version,
		Content:          content,
		LastMessageID:    last.ID,
		LastMessageSeq:   last.Seq,
		MessagesConsumed: len(batch),
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// Another job committed this version first; the
			// watermark moved underneath us. Abort without
			// touching the counter.
			s.logger.WithFields(logrus.Fields{
				"session_id": sessionID,
				"version":    version,
			}).Warn("compaction aborted: watermark advanced")
			return ErrStaleWatermark
		}
		return fmt.Errorf("failed to commit summary: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"version":    summary.Version,
		"watermark":  summary.LastMessageSeq,
		"messages":   len(batch),
	}).Info("compacted session history")

	return nil
}

// clearFlag releases the in-flight flag on a fresh context: the flag must
// come down even when the triggering request has gone away.
func (s *SummarizationScheduler) clearFlag(sessionID uuid.UUID) {
	if err := s.sessions.ClearSummarizing(context.Background(), sessionID); err != nil {
		s.logger.WithField("session_id", sessionID).WithError(err).Error("failed to clear compaction flag")
	}
}
