package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/salon/internal/agents"
	"github.com/salon/internal/api"
	"github.com/salon/internal/api/auth"
	"github.com/salon/internal/chat"
	"github.com/salon/internal/config"
	"github.com/salon/internal/conversation"
	"github.com/salon/internal/database"
	"github.com/salon/internal/deployment"
	"github.com/salon/internal/jobqueue"
	"github.com/salon/internal/study"
	"github.com/salon/internal/turnevents"
)

// APICommand returns the CLI command for starting the API server
func APICommand() *cli.Command {
	return &cli.Command{
		Name:  "api",
		Usage: "Start the Salon API server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the API server (overrides server.port)",
			},
		},
		Action: runAPI,
	}
}

func runAPI(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewDB(ctx, database.Options{URL: cfg.Database.URL, MaxOpenConns: cfg.Database.MaxOpenConns})
	if err != nil {
		return err
	}
	defer db.Close()

	catalogue, err := agents.Load(cfg.Agents.File)
	if err != nil {
		return err
	}
	log.Info().Int("agents", catalogue.Len()).Msg("Agent catalogue loaded")

	dep, err := deployment.NewConnector(ctx, deploymentOptions(cfg), catalogue)
	if err != nil {
		return fmt.Errorf("failed to create deployment: %w", err)
	}

	store := conversation.NewPostgresStore(db)
	titler := chat.NewTitler(store, dep)

	bus, err := turnevents.NewBus(ctx, turnevents.Options{
		RedisEnabled:  cfg.Events.RedisEnabled,
		RedisAddr:     cfg.Events.RedisAddr,
		Topic:         cfg.Events.Topic,
		ConsumerGroup: cfg.Events.ConsumerGroup,
	})
	if err != nil {
		return err
	}
	defer bus.Close()

	observers := []chat.TurnObserver{bus}

	var jq *jobqueue.JobQueue
	if cfg.Chat.TitleJobs {
		jq, err = jobqueue.NewJobQueue(ctx, cfg.Database.URL, titler)
		if err != nil {
			return err
		}
		observers = append(observers, jobqueue.NewTitleObserver(jq))
	}

	service := chat.NewService(store, dep, chat.NewFinalizer(store, observers...), chat.Options{
		PersistOnCancel: cfg.Chat.PersistOnCancel,
	})

	var tokens *auth.TokenService
	if cfg.Auth.JWTSecret != "" {
		tokens = auth.NewTokenService(cfg.Auth.JWTSecret)
	} else {
		log.Warn().Msg("No JWT secret configured, trusting the User-Id header")
	}

	server := api.NewServer(cfg.Server.Port, cfg.Server.CORS, api.StreamConfig{
		SendTimeout:  cfg.Chat.SendTimeout,
		PingInterval: cfg.Chat.PingInterval,
	}, api.Deps{
		Chat:          service,
		Titler:        titler,
		Conversations: store,
		Studies:       study.NewPostgresStore(db),
		Agents:        catalogue,
		Tokens:        tokens,
		DB:            db,
	})

	msgs, err := bus.Listen(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		err := turnevents.Consume(log.Logger.WithContext(gctx), msgs, turnevents.LogTurn)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if jq != nil {
		g.Go(func() error {
			if err := jq.Start(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			return jq.Stop(context.Background())
		})
	}

	fmt.Printf("Salon API server listening on port %d\n", cfg.Server.Port)
	return g.Wait()
}

func deploymentOptions(cfg *config.Config) deployment.Options {
	d := cfg.Deployment
	return deployment.Options{
		Provider:          deployment.Provider(d.Provider),
		APIKey:            d.APIKey,
		BaseURL:           d.BaseURL,
		Model:             d.Model,
		Temperature:       d.Temperature,
		MaxTokens:         d.MaxTokens,
		RequestsPerSecond: d.RequestsPerSecond,
		Burst:             d.Burst,
		Retry:             cfg.RetryConfig(),
	}
}
