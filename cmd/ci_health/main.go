package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ssuji15/ciwatch/internal/classifier"
	"github.com/ssuji15/ciwatch/internal/component"
	"github.com/ssuji15/ciwatch/internal/config"
	"github.com/ssuji15/ciwatch/internal/queuestatus"
	"github.com/ssuji15/ciwatch/internal/service/logger"
	"github.com/ssuji15/ciwatch/internal/snapshot"
	"github.com/ssuji15/ciwatch/internal/tracer"
)

// ci_health takes one sample of the live queue, appends it to the snapshot
// log, publishes it when a queue is configured and prints the status as JSON.
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
	hc, err := config.GetHealthConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	ac, err := config.GetAggregatorConfig()
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

	// live data must not come from a response cache
	client, err := component.GetProvider(gh, nil)
	if err != nil {
		log.Fatalf("provider initialization error: %v", err)
	}

	q, err := component.GetQueue(cfg.QUEUE_TYPE)
	if err != nil {
		log.Fatalf("queue initialization error: %v", err)
	}
	if q != nil {
		defer q.Shutdown()
	}

	opts := queuestatus.DefaultOptions()
	opts.GroupWorkers = hc.GROUP_WORKERS
	opts.FailuresWorkflow = ac.PRIMARY_WORKFLOW
	opts.FailuresWindow = hc.FAILURES_WINDOW
	opts.FailuresLimit = hc.FAILURES_LIMIT

	now := time.Now()
	live := queuestatus.Fetch(ctx, client, opts)
	status := queuestatus.Build(live, rules, gh.REPO, now, opts.TopWaiting)
	status.RecentFailures = queuestatus.RecentFailures(ctx, client, opts, now)

	snap := status.Snapshot(now)
	if err := snapshot.NewLog(hc.SNAPSHOT_PATH).Append(snap); err != nil {
		logger.Log.Warn().Err(err).Str("path", hc.SNAPSHOT_PATH).Msg("failed to append snapshot")
	}
	if q != nil {
		if err := q.PublishSnapshot(ctx, snap); err != nil {
			logger.Log.Warn().Err(err).Msg("failed to publish snapshot")
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(status); err != nil {
		logger.Log.Error().Err(err).Msg("failed to write status")
	}
}
