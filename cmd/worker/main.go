package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/EchoScribe/internal/config"
	"github.com/dharsanguruparan/EchoScribe/internal/database"
	"github.com/dharsanguruparan/EchoScribe/internal/notify"
	"github.com/dharsanguruparan/EchoScribe/internal/repository"
	"github.com/dharsanguruparan/EchoScribe/internal/s3storage"
	"github.com/dharsanguruparan/EchoScribe/internal/transcribe"
	"github.com/dharsanguruparan/EchoScribe/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatalf("SCRIBE_DATABASE_URL is required for a standalone worker")
	}

	if err := database.Migrate(ctx, cfg.DatabaseURL); err != nil {
		log.Fatalf("migrate database: %v", err)
	}
	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()
	repo := repository.NewJobRepository(pool)

	store, err := s3storage.New(cfg)
	if err != nil {
		log.Fatalf("init storage: %v", err)
	}
	if err := store.EnsureBuckets(ctx); err != nil {
		log.Fatalf("ensure buckets: %v", err)
	}

	transcriber, err := transcribe.NewCommand(cfg.TranscribeCommand)
	if err != nil {
		log.Fatalf("init transcriber: %v", err)
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	notifier := asynq.NewClient(redisOpt)
	defer notifier.Close()

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
	})
	processor := worker.NewProcessor(repo, store, transcriber, notifier, nil)
	mux := processor.Handler()
	notify.NewSender(repo, store, notify.NewMailer(cfg, nil), cfg.DownloadURLTTL, nil).Register(mux)

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	log.Printf("worker running %q with concurrency %d", cfg.TranscribeCommand, cfg.WorkerConcurrency)
	if err := server.Run(mux); err != nil {
		log.Printf("worker stopped: %v", err)
		os.Exit(1)
	}
}
