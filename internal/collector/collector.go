package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ssuji15/ciwatch/internal/classifier"
	"github.com/ssuji15/ciwatch/internal/dataset"
	"github.com/ssuji15/ciwatch/internal/fetcher"
	"github.com/ssuji15/ciwatch/internal/service/logger"
	"github.com/ssuji15/ciwatch/internal/tracer"
	"github.com/ssuji15/ciwatch/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Options struct {
	Repo string
	// Days of history to fetch when the dataset is empty; ignored with AllHistory.
	Days       int
	AllHistory bool
	Fetch      fetcher.Options
}

type Result struct {
	RunID     string
	Since     time.Time
	Until     time.Time
	Runs      int
	RunErrors int
	Added     int
	Total     int
}

// Collector performs one incremental pull: load the dataset, resume at the
// start of its newest day, fetch runs and their jobs, then save.
type Collector struct {
	src   fetcher.Source
	store dataset.Store
	rules classifier.Rules
	opts  Options

	merged metric.Int64Counter
}

func New(src fetcher.Source, store dataset.Store, rules classifier.Rules, opts Options) *Collector {
	return &Collector{
		src:    src,
		store:  store,
		rules:  rules,
		opts:   opts,
		merged: tracer.Counter("ciwatch.dataset.merged", "job records added to the dataset"),
	}
}

// Run collects up to now. Fetch failures only reduce what is added; the
// dataset is still saved. A cancelled ctx saves the progress made so far.
func (c *Collector) Run(ctx context.Context, now time.Time) (Result, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Result{}, err
	}
	log := logger.Log.With().Str("collection_id", id.String()).Str("repo", c.opts.Repo).Logger()
	ctx = logger.WithContext(ctx, log)

	ctx, span := tracer.GetTracer().Start(ctx, "Collector/Run")
	defer span.End()
	span.SetAttributes(attribute.String("collection_id", id.String()), attribute.String("repo", c.opts.Repo))

	ds, err := c.store.Load(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load dataset: %w", err)
	}
	existing := ds.Len()

	since := dataset.ResumeCursor(ds, dataset.Lookback(now, c.opts.Days, c.opts.AllHistory))
	res := Result{RunID: id.String(), Since: since, Until: now}
	log.Info().
		Int("existing_jobs", existing).
		Time("since", since).
		Time("until", now).
		Msg("starting collection")

	f := fetcher.New(c.src, c.opts.Fetch)
	runs := f.FetchSince(ctx, since, now)

	sink := &checkpointSink{ds: ds, store: c.store, rules: c.rules, merged: c.merged}
	stats, collectErr := f.CollectJobs(ctx, runs, sink)
	res.Runs = stats.Runs
	res.RunErrors = stats.RunErrors
	res.Added = stats.Added

	// persist whatever was gathered even if ctx was cancelled
	if err := c.store.Save(context.WithoutCancel(ctx), ds); err != nil {
		return res, fmt.Errorf("save dataset: %w", err)
	}
	res.Total = ds.Len()

	log.Info().
		Int("runs", res.Runs).
		Int("run_errors", res.RunErrors).
		Int("new_jobs", res.Added).
		Int("total_jobs", res.Total).
		Msg("collection finished")
	span.SetAttributes(attribute.Int("added", res.Added), attribute.Int("total", res.Total))

	return res, collectErr
}

// checkpointSink tags incoming jobs with their pool and merges them into the
// dataset. It is only called under the fetcher's progress lock.
type checkpointSink struct {
	ds     *dataset.Dataset
	store  dataset.Store
	rules  classifier.Rules
	merged metric.Int64Counter
}

func (s *checkpointSink) Add(jobs []model.JobRecord) int {
	for i := range jobs {
		s.rules.Tag(&jobs[i])
	}
	n := dataset.Merge(s.ds, jobs)
	if n > 0 {
		s.merged.Add(context.Background(), int64(n))
	}
	return n
}

func (s *checkpointSink) Checkpoint(ctx context.Context) error {
	return s.store.Save(ctx, s.ds)
}
