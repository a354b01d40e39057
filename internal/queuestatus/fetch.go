package queuestatus

import (
	"context"
	"time"

	"github.com/ssuji15/ciwatch/internal/provider"
	"github.com/ssuji15/ciwatch/internal/service/logger"
	"github.com/ssuji15/ciwatch/model"
	"golang.org/x/sync/errgroup"
)

// Source is the slice of the provider API the live view needs.
type Source interface {
	ListRuns(ctx context.Context, q provider.RunQuery) ([]model.RunRecord, error)
	RecentRuns(ctx context.Context, status string, limit int) ([]model.RunRecord, error)
	ListJobsForRun(ctx context.Context, run model.RunRecord) ([]model.JobRecord, error)
	ListRepoRunners(ctx context.Context) ([]model.Runner, error)
	ListRunnerGroups(ctx context.Context) ([]model.RunnerGroup, error)
	GroupSharedWithRepo(ctx context.Context, g model.RunnerGroup) (bool, error)
	ListGroupRunners(ctx context.Context, groupID int64) ([]model.Runner, error)
}

type Options struct {
	JobWorkers   int
	GroupWorkers int
	// TopWaiting caps LongestWaiting; 0 keeps every queued job.
	TopWaiting int

	FailuresWorkflow string
	FailuresWindow   time.Duration
	FailuresLimit    int
}

func DefaultOptions() Options {
	return Options{
		JobWorkers:       8,
		GroupWorkers:     6,
		FailuresWorkflow: "CI",
		FailuresWindow:   3 * time.Hour,
		FailuresLimit:    10,
	}
}

// Live is the raw state of the queue at one instant.
type Live struct {
	QueuedRuns     []model.RunRecord
	InProgressRuns []model.RunRecord
	// Jobs holds every job of the live runs that has not completed yet.
	Jobs             []model.JobRecord
	Runners          []model.Runner
	RunnersAvailable bool
}

// Fetch reads queued and in-progress runs, their pending jobs and the runners
// visible to the repository. Upstream errors are logged and leave the
// corresponding part empty.
func Fetch(ctx context.Context, src Source, opts Options) *Live {
	live := &Live{}

	var g errgroup.Group
	g.Go(func() error {
		live.QueuedRuns = fetchRuns(ctx, src, "queued")
		return nil
	})
	g.Go(func() error {
		live.InProgressRuns = fetchRuns(ctx, src, "in_progress")
		return nil
	})
	g.Go(func() error {
		live.Runners, live.RunnersAvailable = FetchRunners(ctx, src, opts.GroupWorkers)
		return nil
	})
	_ = g.Wait()

	runs := make([]model.RunRecord, 0, len(live.QueuedRuns)+len(live.InProgressRuns))
	runs = append(runs, live.QueuedRuns...)
	runs = append(runs, live.InProgressRuns...)
	if len(runs) == 0 {
		return live
	}
	logger.FromContext(ctx).Info().Int("runs", len(runs)).Msg("fetching jobs for active runs")

	perRun := make([][]model.JobRecord, len(runs))
	jg := errgroup.Group{}
	jg.SetLimit(max(1, opts.JobWorkers))
	for i, run := range runs {
		jg.Go(func() error {
			jobs, err := src.ListJobsForRun(ctx, run)
			if err != nil {
				logger.FromContext(ctx).Warn().Err(err).Int64("run_id", run.ID).Msg("failed to list jobs for active run")
				return nil
			}
			perRun[i] = jobs
			return nil
		})
	}
	_ = jg.Wait()

	for _, jobs := range perRun {
		for _, j := range jobs {
			if !j.IsCompleted() {
				live.Jobs = append(live.Jobs, j)
			}
		}
	}
	return live
}

func fetchRuns(ctx context.Context, src Source, status string) []model.RunRecord {
	runs, err := src.ListRuns(ctx, provider.RunQuery{Status: status})
	if err != nil {
		logger.FromContext(ctx).Warn().Err(err).Str("status", status).Msg("failed to fetch runs")
		return nil
	}
	return runs
}

// FetchRunners combines repository runners with runners of organisation groups
// shared with the repository. The second result is false when neither endpoint
// was readable, which usually means the token lacks admin access.
func FetchRunners(ctx context.Context, src Source, workers int) ([]model.Runner, bool) {
	var (
		runners   []model.Runner
		seen      = map[int64]bool{}
		available bool
	)
	add := func(rs []model.Runner) {
		for _, r := range rs {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			runners = append(runners, r)
		}
	}

	repoRunners, err := src.ListRepoRunners(ctx)
	if err != nil {
		logger.FromContext(ctx).Debug().Err(err).Msg("repository runners not readable")
	} else {
		add(repoRunners)
		available = true
	}

	groups, err := src.ListRunnerGroups(ctx)
	if err != nil {
		logger.FromContext(ctx).Debug().Err(err).Msg("organisation runner groups not readable")
		return runners, available
	}
	available = true

	perGroup := make([][]model.Runner, len(groups))
	g := errgroup.Group{}
	g.SetLimit(max(1, workers))
	for i, group := range groups {
		g.Go(func() error {
			shared, err := src.GroupSharedWithRepo(ctx, group)
			if err != nil || !shared {
				return nil
			}
			rs, err := src.ListGroupRunners(ctx, group.ID)
			if err != nil {
				logger.FromContext(ctx).Warn().Err(err).Str("group", group.Name).Msg("failed to list group runners")
				return nil
			}
			perGroup[i] = rs
			return nil
		})
	}
	_ = g.Wait()

	// group order keeps the result deterministic
	for _, rs := range perGroup {
		add(rs)
	}
	return runners, available
}

// Failure is a recently failed run of the watched workflow.
type Failure struct {
	Branch    string    `json:"branch"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
	Actor     string    `json:"actor"`
}

const recentRunsPage = 20

// RecentFailures lists failed runs of opts.FailuresWorkflow updated within
// opts.FailuresWindow, newest page only.
func RecentFailures(ctx context.Context, src Source, opts Options, now time.Time) []Failure {
	runs, err := src.RecentRuns(ctx, "completed", recentRunsPage)
	if err != nil {
		logger.FromContext(ctx).Warn().Err(err).Msg("failed to fetch recent runs")
		return nil
	}
	cutoff := now.Add(-opts.FailuresWindow)

	out := []Failure{}
	for _, r := range runs {
		if r.Name != opts.FailuresWorkflow || r.Conclusion != model.ConclusionFailure {
			continue
		}
		at := r.UpdatedAt
		if at == nil {
			at = r.CreatedAt
		}
		if at == nil || at.Before(cutoff) {
			continue
		}
		out = append(out, Failure{Branch: r.HeadBranch, URL: r.HTMLURL, CreatedAt: at.UTC(), Actor: r.Actor})
	}
	if opts.FailuresLimit > 0 && len(out) > opts.FailuresLimit {
		out = out[:opts.FailuresLimit]
	}
	return out
}
