package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/ssuji15/ciwatch/internal/classifier"
	"github.com/ssuji15/ciwatch/internal/collector"
	"github.com/ssuji15/ciwatch/internal/component"
	"github.com/ssuji15/ciwatch/internal/config"
	"github.com/ssuji15/ciwatch/internal/fetcher"
	"github.com/ssuji15/ciwatch/internal/service/logger"
	"github.com/ssuji15/ciwatch/internal/tracer"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	gh, err := config.GetGitHubConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	cc, err := config.GetCollectorConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	hc, err := config.GetHealthConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger.Init(cfg.SERVICE_NAME, cfg.LOG_LEVEL)

	shutdownTracer, err := tracer.InitTracer(ctx, cfg.SERVICE_NAME, cfg.TRACE_URL)
	if err != nil {
		log.Fatalf("error initialising trace: %v", err)
	}
	defer shutdownTracer()

	rules, err := classifier.Load(hc.RUNNER_CONFIG)
	if err != nil {
		log.Fatalf("runner config error: %v", err)
	}

	cache, err := component.GetCache(ctx, cfg.CACHE_TYPE)
	if err != nil {
		log.Fatalf("cache initialization error: %v", err)
	}
	if cache != nil {
		defer cache.ShutDown(context.Background())
	}

	client, err := component.GetProvider(gh, cache)
	if err != nil {
		log.Fatalf("provider initialization error: %v", err)
	}

	if _, err := client.Repository(ctx); err != nil {
		log.Fatalf("repository %s is not reachable: %v", gh.REPO, err)
	}

	store, err := component.GetStore(ctx, cfg)
	if err != nil {
		log.Fatalf("storage initialization error: %v", err)
	}
	defer store.Close()

	c := collector.New(client, store, rules, collector.Options{
		Repo:       gh.REPO,
		Days:       cc.DAYS,
		AllHistory: cc.ALL_HISTORY,
		Fetch: fetcher.Options{
			Cap:             cc.PAGINATION_CAP,
			MinWindow:       cc.MIN_WINDOW,
			Workers:         cc.FETCH_WORKERS,
			CheckpointEvery: cc.CHECKPOINT_EVERY,
			Workflow:        cc.WORKFLOW,
		},
	})

	if _, err := c.Run(ctx, time.Now()); err != nil {
		level := zerolog.ErrorLevel
		if errors.Is(err, context.Canceled) {
			level = zerolog.WarnLevel
		}
		logger.Log.WithLevel(level).Err(err).Str("repo", gh.REPO).Msg("collection stopped")
		store.Close()
		shutdownTracer()
		os.Exit(1)
	}
}
