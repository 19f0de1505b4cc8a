/*
Package jobqueue runs background work on River, backed by the same Postgres
database as the conversation store.

The only job today generates a conversation title once the first turn of a
conversation has been committed. See queue_config.go for tunables.
*/
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/salon/internal/chat"
)

// GenerateTitleArgs represents the arguments for a title generation job
type GenerateTitleArgs struct {
	ConversationID string `json:"conversation_id"`
	OwnerID        string `json:"user_id"`
}

// Kind returns the job kind for River
func (GenerateTitleArgs) Kind() string {
	return "generate_conversation_title"
}

// TitleGenerator is satisfied by *chat.Titler.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, conversationID, ownerID string) (string, error, error)
}

// GenerateTitleWorker handles title generation jobs
type GenerateTitleWorker struct {
	river.WorkerDefaults[GenerateTitleArgs]
	titler TitleGenerator
	config *QueueConfig
}

func (w *GenerateTitleWorker) Timeout(*river.Job[GenerateTitleArgs]) time.Duration {
	return w.config.JobTimeout
}

func (w *GenerateTitleWorker) Work(ctx context.Context, job *river.Job[GenerateTitleArgs]) error {
	return w.generate(ctx, job.Args)
}

// generate stores a title for the conversation. A conversation that no
// longer exists cancels the job; a failed model call is retried.
func (w *GenerateTitleWorker) generate(ctx context.Context, args GenerateTitleArgs) error {
	logger := log.With().Str("conversation_id", args.ConversationID).Str("user_id", args.OwnerID).Logger()
	ctx = logger.WithContext(ctx)

	title, genErr, err := w.titler.GenerateTitle(ctx, args.ConversationID, args.OwnerID)
	if errors.Is(err, chat.ErrNotFound) {
		logger.Info().Msg("Conversation gone, dropping title job")
		return river.JobCancel(err)
	}
	if err != nil {
		return fmt.Errorf("failed to store title: %w", err)
	}
	if genErr != nil {
		logger.Warn().Err(genErr).Msg("Title generation failed, default title stored")
		return genErr
	}

	logger.Debug().Str("title", title).Msg("Conversation title generated")
	return nil
}

// JobQueue manages the River job queue
type JobQueue struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
	config *QueueConfig
}

// NewJobQueue creates a new job queue instance
func NewJobQueue(ctx context.Context, databaseURL string, titler TitleGenerator) (*JobQueue, error) {
	config := DefaultQueueConfig()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &GenerateTitleWorker{titler: titler, config: config})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:      config.RiverQueueConfig(),
		Workers:     workers,
		MaxAttempts: config.MaxAttempts,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &JobQueue{
		client: client,
		pool:   pool,
		config: config,
	}, nil
}

// Migrate installs or upgrades River's tables.
func Migrate(ctx context.Context, databaseURL string) error {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("failed to create River migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("failed to migrate River schema: %w", err)
	}
	for _, v := range res.Versions {
		log.Info().Int("version", v.Version).Msg("Applied River migration")
	}
	return nil
}

// Start starts the job queue workers
func (jq *JobQueue) Start(ctx context.Context) error {
	return jq.client.Start(ctx)
}

// Stop stops the job queue workers and releases the pool.
func (jq *JobQueue) Stop(ctx context.Context) error {
	defer jq.pool.Close()
	return jq.client.Stop(ctx)
}

// QueueTitleJob queues a title generation job
func (jq *JobQueue) QueueTitleJob(ctx context.Context, conversationID, ownerID string) error {
	_, err := jq.client.Insert(ctx, GenerateTitleArgs{ConversationID: conversationID, OwnerID: ownerID}, &river.InsertOpts{
		Queue:      QueueTitles,
		UniqueOpts: river.UniqueOpts{ByArgs: true},
	})
	if err != nil {
		return fmt.Errorf("failed to queue title job: %w", err)
	}
	return nil
}

// TitleObserver enqueues a title job after the first turn of a conversation.
type TitleObserver struct {
	enqueue func(ctx context.Context, conversationID, ownerID string) error
}

var _ chat.TurnObserver = (*TitleObserver)(nil)

func NewTitleObserver(jq *JobQueue) *TitleObserver {
	return &TitleObserver{enqueue: jq.QueueTitleJob}
}

func (o *TitleObserver) TurnCompleted(ctx context.Context, ev chat.TurnCompleted) error {
	if ev.Position != 0 || ev.Regenerated {
		return nil
	}
	zerolog.Ctx(ctx).Debug().Str("conversation_id", ev.ConversationID).Msg("Queueing title job")
	return o.enqueue(ctx, ev.ConversationID, ev.OwnerID)
}
