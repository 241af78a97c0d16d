package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/dharsanguruparan/EchoScribe/internal/api"
	"github.com/dharsanguruparan/EchoScribe/internal/auth"
	"github.com/dharsanguruparan/EchoScribe/internal/config"
	"github.com/dharsanguruparan/EchoScribe/internal/database"
	"github.com/dharsanguruparan/EchoScribe/internal/ingest"
	"github.com/dharsanguruparan/EchoScribe/internal/notify"
	"github.com/dharsanguruparan/EchoScribe/internal/repository"
	"github.com/dharsanguruparan/EchoScribe/internal/s3storage"
	"github.com/dharsanguruparan/EchoScribe/internal/storage"
	"github.com/dharsanguruparan/EchoScribe/internal/transcribe"
	"github.com/dharsanguruparan/EchoScribe/internal/worker"
)

// jobStore is what the API, the ingest listener and an embedded worker need.
type jobStore interface {
	api.JobStore
	ingest.JobStore
	worker.JobStore
	notify.JobStore
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if os.Getenv("SCRIBE_SIGNING_SECRET") == "" {
		log.Printf("SCRIBE_SIGNING_SECRET not set; using a random secret, tokens will not survive a restart")
	}

	var jobs jobStore
	if cfg.DatabaseURL != "" {
		if err := database.Migrate(ctx, cfg.DatabaseURL); err != nil {
			log.Fatalf("migrate database: %v", err)
		}
		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("connect database: %v", err)
		}
		defer pool.Close()
		jobs = repository.NewJobRepository(pool)
	} else {
		log.Printf("SCRIBE_DATABASE_URL not set; keeping jobs in memory with an embedded worker")
		jobs = storage.NewMemoryStore()
	}

	objects, err := s3storage.New(cfg)
	if err != nil {
		log.Fatalf("init storage: %v", err)
	}
	if err := objects.EnsureBuckets(ctx); err != nil {
		log.Fatalf("ensure buckets: %v", err)
	}

	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	queueClient := asynq.NewClient(redisOpt)
	defer queueClient.Close()

	var limiter api.Limiter
	if cfg.RateLimitPerMinute > 0 {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		limiter = api.NewRedisLimiter(rdb, cfg.RateLimitPerMinute)
	}

	listener := ingest.NewListener(jobs, queueClient, nil)
	go func() {
		if err := listener.Run(ctx, objects); err != nil && ctx.Err() == nil {
			log.Printf("ingest stopped: %v", err)
			stop()
		}
	}()

	if cfg.DatabaseURL == "" {
		// In-memory jobs are only visible to this process, so it also
		// consumes the transcription queue.
		cmd, err := transcribe.NewCommand(cfg.TranscribeCommand)
		if err != nil {
			log.Fatalf("transcriber: %v", err)
		}
		srv := asynq.NewServer(redisOpt, asynq.Config{Concurrency: cfg.WorkerConcurrency})
		mux := worker.NewProcessor(jobs, objects, cmd, queueClient, nil).Handler()
		notify.NewSender(jobs, objects, notify.NewMailer(cfg, nil), cfg.DownloadURLTTL, nil).Register(mux)
		if err := srv.Start(mux); err != nil {
			log.Fatalf("start embedded worker: %v", err)
		}
		defer srv.Shutdown()
	}

	signer := auth.NewSigner(cfg.SigningSecret, cfg.TokenTTL)
	server := api.New(cfg, jobs, objects, signer, limiter)
	if err := server.Run(ctx); err != nil {
		log.Printf("server stopped: %v", err)
		os.Exit(1)
	}
}
