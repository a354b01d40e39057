package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ssuji15/ciwatch/internal/aggregator"
	"github.com/ssuji15/ciwatch/internal/classifier"
	"github.com/ssuji15/ciwatch/internal/component"
	"github.com/ssuji15/ciwatch/internal/config"
	"github.com/ssuji15/ciwatch/internal/queuestatus"
	"github.com/ssuji15/ciwatch/internal/service/logger"
	"github.com/ssuji15/ciwatch/internal/snapshot"
	"github.com/ssuji15/ciwatch/internal/tracer"
	"github.com/ssuji15/ciwatch/internal/web"
)

func main() {
	_ = godotenv.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	sc, err := config.GetServerConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	ac, err := config.GetAggregatorConfig()
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

	rules, err := classifier.Load(sc.RUNNER_CONFIG)
	if err != nil {
		log.Fatalf("runner config error: %v", err)
	}

	cache, err := component.GetCache(ctx, cfg.CACHE_TYPE)
	if err != nil {
		log.Fatalf("cache initialization error: %v", err)
	}

	store, err := component.GetStore(ctx, cfg)
	if err != nil {
		log.Fatalf("storage initialization error: %v", err)
	}

	queue, err := component.GetQueue(cfg.QUEUE_TYPE)
	if err != nil {
		log.Fatalf("queue initialization error: %v", err)
	}

	deps := web.Deps{
		Store:     store,
		Rules:     rules,
		Snapshots: snapshot.NewLog(sc.SNAPSHOT_PATH),
		Aggregate: func(now time.Time) aggregator.Options {
			opts := aggregator.DefaultOptions(now)
			opts.PrimaryWorkflow = ac.PRIMARY_WORKFLOW
			opts.RerunThreshold = ac.RERUN_THRESHOLD
			opts.RecentDays = ac.RECENT_DAYS
			return opts
		},
		Cache:          cache,
		Queue:          queue,
		MaxInflight:    sc.MAX_INFLIGHT,
		MaxQueue:       sc.MAX_QUEUE,
		RequestTimeout: sc.REQUEST_TIMEOUT,
	}

	// the live view needs a repository; without CI_REPO the server only serves stored data
	if gh, err := config.GetGitHubConfig(); err == nil {
		client, err := component.GetProvider(gh, nil)
		if err != nil {
			log.Fatalf("provider initialization error: %v", err)
		}
		liveOpts := queuestatus.DefaultOptions()
		liveOpts.GroupWorkers = hc.GROUP_WORKERS
		liveOpts.FailuresWorkflow = ac.PRIMARY_WORKFLOW
		liveOpts.FailuresWindow = hc.FAILURES_WINDOW
		liveOpts.FailuresLimit = hc.FAILURES_LIMIT
		deps.Live = client
		deps.Repo = gh.REPO
		deps.LiveOpts = liveOpts
	} else {
		logger.Log.Warn().Err(err).Msg("live queue view disabled")
	}

	server, err := web.NewServer(ctx, deps)
	if err != nil {
		log.Fatalf("server initialization error: %v", err)
	}

	srv := &http.Server{
		Addr:              sc.ADDR,
		Handler:           server.Router(),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      sc.REQUEST_TIMEOUT + 5*time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Log.Info().Str("addr", sc.ADDR).Msg("HTTP server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Log.Info().Msg("trying to shutdown server gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error().Err(err).Msg("graceful shutdown failed")
	}
	server.Close()
	cancel()

	var wg sync.WaitGroup
	shutdown := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	shutdown(func() { _ = store.Close() })
	if cache != nil {
		shutdown(func() { cache.ShutDown(shutdownCtx) })
	}
	if queue != nil {
		shutdown(queue.Shutdown)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Log.Info().Msg("server shutdown gracefully.")
	case <-shutdownCtx.Done():
		logger.Log.Info().Msg("server graceful shutdown timedout..")
	}
}
