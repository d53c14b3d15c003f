package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/membot/membot-backend/internal/config"
	"github.com/membot/membot-backend/internal/models"
	"github.com/membot/membot-backend/internal/repository"
)

func newSchedulerFixture(t *testing.T, cfg config.MemoryConfig) (*memStore, *fakeProvider, *manualQueue, *SessionManager, *SummarizationScheduler) {
	t.Helper()

	store := newMemStore()
	provider := &fakeProvider{}
	queue := &manualQueue{}
	logger := testLogger()

	manager := NewSessionManager(store, store, logger)
	scheduler := NewSummarizationScheduler(store, store, store, provider, queue, cfg, logger)
	return store, provider, queue, manager, scheduler
}

// appendTurns appends n alternating user/assistant messages and reports each
// new counter to the scheduler, the way a live conversation does. Message
// numbering continues across calls for the same session.
func appendTurns(t *testing.T, store *memStore, manager *SessionManager, scheduler *SummarizationScheduler, session *models.Session, n int) {
	t.Helper()

	ctx := context.Background()
	fresh, err := store.Get(ctx, session.ID)
	require.NoError(t, err)
	start := int(fresh.LastSeq)
	for i := 0; i < n; i++ {
		role := models.RoleUser
		if (start+i)%2 == 1 {
			role = models.RoleAssistant
		}
		_, counter, err := manager.AppendMessage(ctx, session.ID, role, fmt.Sprintf("message %d", start+i+1), 1)
		require.NoError(t, err)
		require.NoError(t, scheduler.MaybeCompact(ctx, session.ID, counter))
	}
}

func TestMaybeCompact_BelowThresholdIsNoOp(t *testing.T) {
	cfg := config.MemoryConfig{SummaryThreshold: 4, SummaryNewMessagesLimit: 200, UseQueueForSummary: true}
	store, _, queue, manager, scheduler := newSchedulerFixture(t, cfg)

	ctx := context.Background()
	session, err := manager.GetOrCreateActive(ctx, "u1", "c1")
	require.NoError(t, err)

	appendTurns(t, store, manager, scheduler, session, 3)

	assert.Equal(t, 0, queue.len())
	fresh, err := store.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, fresh.Summarizing)
	assert.Equal(t, 3, fresh.MessagesSinceSummary)
}

func TestCompaction_ConsumesWholeBacklog(t *testing.T) {
	cfg := config.MemoryConfig{SummaryThreshold: 4, SummaryNewMessagesLimit: 200, UseQueueForSummary: true}
	store, provider, queue, manager, scheduler := newSchedulerFixture(t, cfg)

	ctx := context.Background()
	session, err := manager.GetOrCreateActive(ctx, "u1", "c1")
	require.NoError(t, err)

	// Four full turns cross the threshold five times, but the in-flight
	// flag collapses them into one deferred job.
	appendTurns(t, store, manager, scheduler, session, 8)
	require.Equal(t, 1, queue.len())

	queue.runAll()

	// The deferred job reads fresh state and consumes all 8 messages.
	require.Len(t, provider.summarizeCalls, 1)
	assert.Empty(t, provider.summarizeCalls[0].previous)
	assert.Contains(t, provider.summarizeCalls[0].transcript, "message 1")
	assert.Contains(t, provider.summarizeCalls[0].transcript, "message 8")

	summary, err := store.GetCurrent(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Version)
	assert.Equal(t, int64(8), summary.LastMessageSeq)

	msgs, err := store.ListRecent(ctx, session.ID, 100)
	require.NoError(t, err)
	require.NotNil(t, summary.LastMessageID)
	assert.Equal(t, msgs[len(msgs)-1].ID, *summary.LastMessageID)

	fresh, err := store.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.MessagesSinceSummary)
	assert.False(t, fresh.Summarizing)
}

func TestCompaction_ProgressiveSecondChunk(t *testing.T) {
	cfg := config.MemoryConfig{SummaryThreshold: 4, SummaryNewMessagesLimit: 200, UseQueueForSummary: true}
	store, provider, queue, manager, scheduler := newSchedulerFixture(t, cfg)

	ctx := context.Background()
	session, err := manager.GetOrCreateActive(ctx, "u1", "c1")
	require.NoError(t, err)

	appendTurns(t, store, manager, scheduler, session, 8)
	queue.runAll()

	appendTurns(t, store, manager, scheduler, session, 4)
	require.Equal(t, 1, queue.len())
	queue.runAll()

	// The second job folds only the new chunk into the prior summary.
	require.Len(t, provider.summarizeCalls, 2)
	second := provider.summarizeCalls[1]
	assert.Equal(t, "summary #1", second.previous)
	assert.NotContains(t, second.transcript, "message 8")
	assert.Contains(t, second.transcript, "message 9")
	assert.Contains(t, second.transcript, "message 12")

	summary, err := store.GetCurrent(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Version)
	assert.Equal(t, int64(12), summary.LastMessageSeq)

	fresh, err := store.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.MessagesSinceSummary)
}

func TestMaybeCompact_AtMostOneInFlight(t *testing.T) {
	cfg := config.MemoryConfig{SummaryThreshold: 4, SummaryNewMessagesLimit: 200, UseQueueForSummary: true}
	store, _, queue, manager, scheduler := newSchedulerFixture(t, cfg)

	ctx := context.Background()
	session, err := manager.GetOrCreateActive(ctx, "u1", "c1")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, _, err := manager.AppendMessage(ctx, session.ID, models.RoleUser, "m", 1)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = scheduler.MaybeCompact(ctx, session.ID, 10)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, queue.len())

	fresh, err := store.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, fresh.Summarizing)
}

func TestCompaction_FailureReleasesFlagKeepsCounter(t *testing.T) {
	cfg := config.MemoryConfig{SummaryThreshold: 4, SummaryNewMessagesLimit: 200, UseQueueForSummary: false}
	store, provider, _, manager, scheduler := newSchedulerFixture(t, cfg)
	provider.summarizeErr = errors.New("model unavailable")

	ctx := context.Background()
	session, err := manager.GetOrCreateActive(ctx, "u1", "c1")
	require.NoError(t, err)

	appendTurns(t, store, manager, scheduler, session, 4)

	_, err = store.GetCurrent(ctx, session.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	fresh, err := store.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, fresh.Summarizing, "flag must come down after a failed job")
	assert.Equal(t, 4, fresh.MessagesSinceSummary, "failed compaction must not consume the counter")

	// With the flag released the next crossing retries.
	provider.summarizeErr = nil
	appendTurns(t, store, manager, scheduler, session, 1)

	summary, err := store.GetCurrent(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Version)
	assert.Equal(t, int64(5), summary.LastMessageSeq)
}

func TestCompaction_StaleJobAbortsQuietly(t *testing.T) {
	cfg := config.MemoryConfig{SummaryThreshold: 4, SummaryNewMessagesLimit: 200, UseQueueForSummary: true}
	store, provider, queue, manager, scheduler := newSchedulerFixture(t, cfg)

	ctx := context.Background()
	session, err := manager.GetOrCreateActive(ctx, "u1", "c1")
	require.NoError(t, err)
	appendTurns(t, store, manager, scheduler, session, 4)
	require.Equal(t, 1, queue.len())

	// A competing commit lands between the job's summary read and its own
	// write, claiming the same version.
	store.afterGetCurrent = func() {
		msgs, err := store.ListRecent(ctx, session.ID, 100)
		require.NoError(t, err)
		last := msgs[len(msgs)-1]
		_, err = store.Write(ctx, repository.SummaryWrite{
			SessionID:        session.ID,
			Version:          1,
			Content:          "competing summary",
			LastMessageID:    last.ID,
			LastMessageSeq:   last.Seq,
			MessagesConsumed: len(msgs),
		})
		require.NoError(t, err)
	}

	queue.runAll()

	// The stale job aborted: the competing summary stands untouched and
	// the counter was only decremented once.
	summary, err := store.GetCurrent(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Version)
	assert.Equal(t, "competing summary", summary.Content)
	require.Len(t, provider.summarizeCalls, 1)

	fresh, err := store.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.MessagesSinceSummary)
	assert.False(t, fresh.Summarizing)
}

func TestCompaction_DuplicateDeliveryIsNoOp(t *testing.T) {
	cfg := config.MemoryConfig{SummaryThreshold: 4, SummaryNewMessagesLimit: 200, UseQueueForSummary: true}
	store, provider, queue, manager, scheduler := newSchedulerFixture(t, cfg)

	ctx := context.Background()
	session, err := manager.GetOrCreateActive(ctx, "u1", "c1")
	require.NoError(t, err)
	appendTurns(t, store, manager, scheduler, session, 4)
	queue.runAll()

	// A second delivery finds nothing past the watermark and commits
	// nothing.
	require.NoError(t, scheduler.runCompaction(ctx, session.ID))

	require.Len(t, provider.summarizeCalls, 1)
	summary, err := store.GetCurrent(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Version)
}

func TestCompaction_ChunkLimitBoundsBatch(t *testing.T) {
	cfg := config.MemoryConfig{SummaryThreshold: 4, SummaryNewMessagesLimit: 5, UseQueueForSummary: true}
	store, provider, queue, manager, scheduler := newSchedulerFixture(t, cfg)

	ctx := context.Background()
	session, err := manager.GetOrCreateActive(ctx, "u1", "c1")
	require.NoError(t, err)
	appendTurns(t, store, manager, scheduler, session, 8)
	queue.runAll()

	// Only the first 5 messages fit the chunk; the rest stay counted for
	// the next crossing.
	require.Len(t, provider.summarizeCalls, 1)
	assert.Contains(t, provider.summarizeCalls[0].transcript, "message 5")
	assert.NotContains(t, provider.summarizeCalls[0].transcript, "message 6")

	summary, err := store.GetCurrent(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), summary.LastMessageSeq)

	fresh, err := store.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, fresh.MessagesSinceSummary)
}
