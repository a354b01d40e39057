package fetcher

import (
	"context"
	"sync"
	"time"

	"github.com/ssuji15/ciwatch/internal/provider"
	"github.com/ssuji15/ciwatch/internal/service/logger"
	"github.com/ssuji15/ciwatch/internal/tracer"
	"github.com/ssuji15/ciwatch/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultCap             = 1000
	DefaultMinWindow       = time.Hour
	DefaultWorkers         = 8
	DefaultCheckpointEvery = 500
	progressEvery          = 50
)

// Source is the slice of the provider API the fetcher needs.
type Source interface {
	ListRuns(ctx context.Context, q provider.RunQuery) ([]model.RunRecord, error)
	ListJobsForRun(ctx context.Context, run model.RunRecord) ([]model.JobRecord, error)
}

// Sink receives completed jobs as they are collected.
type Sink interface {
	// Add stores jobs and returns how many were new.
	Add(jobs []model.JobRecord) int
	Checkpoint(ctx context.Context) error
}

type Options struct {
	// Cap is the provider's maximum result count per query.
	Cap       int
	MinWindow time.Duration
	Workers   int
	// CheckpointEvery asks the sink to persist after this many runs; 0 disables.
	CheckpointEvery int
	// Workflow keeps only runs of this workflow name when set.
	Workflow string
}

func (o *Options) applyDefaults() {
	if o.Cap <= 0 {
		o.Cap = DefaultCap
	}
	if o.MinWindow <= 0 {
		o.MinWindow = DefaultMinWindow
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
}

type Fetcher struct {
	src  Source
	opts Options

	windowsSplit  metric.Int64Counter
	fetchWarnings metric.Int64Counter
}

func New(src Source, opts Options) *Fetcher {
	opts.applyDefaults()
	return &Fetcher{
		src:           src,
		opts:          opts,
		windowsSplit:  tracer.Counter("ciwatch.fetch.windows_split", "time windows bisected after hitting the result cap"),
		fetchWarnings: tracer.Counter("ciwatch.fetch.warnings", "upstream errors downgraded to warnings"),
	}
}

// FetchWindow lists completed runs created in [start, end). A window whose result
// count reaches the cap is bisected and both halves refetched, down to MinWindow.
// Upstream errors are logged and the window contributes nothing.
func (f *Fetcher) FetchWindow(ctx context.Context, start, end time.Time, seen *Seen) []model.RunRecord {
	return f.fetchWindow(ctx, start, end, seen, 0)
}

func (f *Fetcher) fetchWindow(ctx context.Context, start, end time.Time, seen *Seen, depth int) []model.RunRecord {
	if ctx.Err() != nil || !start.Before(end) {
		return nil
	}

	runs, err := f.src.ListRuns(ctx, provider.RunQuery{
		Status: "completed",
		From:   start,
		To:     end,
	})
	if err != nil {
		f.fetchWarnings.Add(ctx, 1)
		logger.FromContext(ctx).Warn().
			Err(err).
			Time("from", start).
			Time("to", end).
			Msg("failed to list runs for window")
		return nil
	}
	if len(runs) == 0 {
		return nil
	}

	fresh := seen.Claim(runs)

	span := end.Sub(start)
	if len(runs) >= f.opts.Cap && span > f.opts.MinWindow {
		mid := start.Add(span / 2)
		f.windowsSplit.Add(ctx, 1, metric.WithAttributes(attribute.Int("depth", depth)))
		logger.FromContext(ctx).Info().
			Time("from", start).
			Time("to", end).
			Int("results", len(runs)).
			Int("depth", depth).
			Msg("window hit result cap, splitting")
		fresh = append(fresh, f.fetchWindow(ctx, start, mid, seen, depth+1)...)
		fresh = append(fresh, f.fetchWindow(ctx, mid, end, seen, depth+1)...)
	}
	return fresh
}

// FetchSince walks day sized windows from since up to now, the last one clipped at now.
func (f *Fetcher) FetchSince(ctx context.Context, since, now time.Time) []model.RunRecord {
	ctx, span := tracer.GetTracer().Start(ctx, "Fetcher/FetchSince")
	defer span.End()

	seen := NewSeen()
	var all []model.RunRecord
	for cur := since; cur.Before(now); {
		if ctx.Err() != nil {
			break
		}
		next := cur.Add(24 * time.Hour)
		if next.After(now) {
			next = now
		}
		day := f.FetchWindow(ctx, cur, next, seen)
		logger.FromContext(ctx).Info().
			Str("day", cur.UTC().Format(time.DateOnly)).
			Int("runs", len(day)).
			Msg("fetched runs")
		all = append(all, day...)
		cur = next
	}

	if f.opts.Workflow != "" {
		before := len(all)
		all = FilterWorkflow(all, f.opts.Workflow)
		logger.FromContext(ctx).Info().
			Str("workflow", f.opts.Workflow).
			Int("kept", len(all)).
			Int("total", before).
			Msg("filtered runs by workflow")
	}
	span.SetAttributes(attribute.Int("runs", len(all)))
	return all
}

func FilterWorkflow(runs []model.RunRecord, workflow string) []model.RunRecord {
	out := runs[:0:0]
	for _, r := range runs {
		if r.Name == workflow {
			out = append(out, r)
		}
	}
	return out
}

type CollectStats struct {
	Runs      int
	Added     int
	RunErrors int
}

// CollectJobs fetches the jobs of every run on a bounded worker pool and hands
// completed ones to sink. A failing run is logged and skipped.
func (f *Fetcher) CollectJobs(ctx context.Context, runs []model.RunRecord, sink Sink) (CollectStats, error) {
	ctx, span := tracer.GetTracer().Start(ctx, "Fetcher/CollectJobs")
	defer span.End()

	log := logger.FromContext(ctx)
	total := len(runs)
	stats := CollectStats{Runs: total}
	log.Info().Int("runs", total).Msg("fetching jobs for runs")

	var mu sync.Mutex
	done := 0

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(f.opts.Workers)

	for _, run := range runs {
		if gCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			jobs, err := f.src.ListJobsForRun(gCtx, run)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				stats.RunErrors++
				f.fetchWarnings.Add(gCtx, 1)
				log.Warn().Err(err).Int64("run_id", run.ID).Msg("failed to list jobs for run")
			} else {
				stats.Added += sink.Add(completedOnly(jobs))
			}

			done++
			if done%progressEvery == 0 || done == total {
				log.Info().
					Int("done", done).
					Int("total", total).
					Int("new_jobs", stats.Added).
					Msg("progress")
			}
			if f.opts.CheckpointEvery > 0 && done%f.opts.CheckpointEvery == 0 {
				if err := sink.Checkpoint(gCtx); err != nil {
					log.Warn().Err(err).Int("done", done).Msg("checkpoint failed")
				} else {
					log.Info().Int("done", done).Msg("checkpoint saved")
				}
			}
			return nil
		})
	}

	_ = g.Wait()
	span.SetAttributes(
		attribute.Int("runs", total),
		attribute.Int("added", stats.Added),
		attribute.Int("run_errors", stats.RunErrors),
	)
	return stats, ctx.Err()
}

func completedOnly(jobs []model.JobRecord) []model.JobRecord {
	out := jobs[:0:0]
	for _, j := range jobs {
		if j.IsCompleted() {
			out = append(out, j)
		}
	}
	return out
}
