package services

import (
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/membot/membot-backend/internal/config"
	"github.com/membot/membot-backend/internal/providers"
	"github.com/membot/membot-backend/internal/repository/postgres"
	"github.com/membot/membot-backend/internal/retrieval"
	"github.com/membot/membot-backend/internal/taskqueue"
)

// Services holds all service instances
type Services struct {
	Sessions  *SessionManager
	Scheduler *SummarizationScheduler
	Indexer   *SemanticIndexer
	Assembler *ContextAssembler

	queue *taskqueue.WorkerPool
}

// NewServices wires repositories, providers and the task queue into the
// service graph. index may be nil when the retrieval tier is disabled.
func NewServices(
	db *sqlx.DB,
	cfg *config.Config,
	provider providers.CompletionProvider,
	index retrieval.Provider,
	logger *logrus.Logger,
) *Services {
	sessionRepo := postgres.NewSessionRepository(db)
	messageRepo := postgres.NewMessageRepository(db)
	summaryRepo := postgres.NewSummaryRepository(db)
	embeddingRepo := postgres.NewEmbeddingRepository(db)

	pool := taskqueue.NewWorkerPool(cfg.Memory.QueueWorkers, cfg.Memory.QueueDepth, logger)

	sessions := NewSessionManager(sessionRepo, messageRepo, logger)
	scheduler := NewSummarizationScheduler(sessionRepo, messageRepo, summaryRepo, provider, pool, cfg.Memory, logger)
	indexer := NewSemanticIndexer(cfg.Retrieval, embeddingRepo, provider, index, logger)
	assembler := NewContextAssembler(sessions, scheduler, indexer, summaryRepo, messageRepo, provider, cfg.Memory, cfg.Retrieval.TopK, logger)

	return &Services{
		Sessions:  sessions,
		Scheduler: scheduler,
		Indexer:   indexer,
		Assembler: assembler,
		queue:     pool,
	}
}

// Shutdown drains the background queue.
func (s *Services) Shutdown() {
	if s.queue != nil {
		s.queue.Stop()
	}
}
