package aggregator

import (
	"sort"
	"time"

	"github.com/ssuji15/ciwatch/internal/classifier"
	"github.com/ssuji15/ciwatch/internal/service/logger"
	"github.com/ssuji15/ciwatch/internal/util"
	"github.com/ssuji15/ciwatch/model"
)

const (
	secondsPerDay     = 86400
	movingAverageDays = 7
)

// DefaultPlatforms are the platform tokens accepted in build-/test- job names.
// Other tokens (test categories such as rtx or slangpy) follow the same pattern.
var DefaultPlatforms = map[string]bool{"linux": true, "macos": true, "windows": true}

type Options struct {
	PrimaryWorkflow string
	RerunThreshold  time.Duration
	ValidPlatforms  map[string]bool
	// RecentDays is the window of the summary figures.
	RecentDays int
	// Now decides which day is still in progress.
	Now time.Time
}

func DefaultOptions(now time.Time) Options {
	return Options{
		PrimaryWorkflow: "CI",
		RerunThreshold:  10 * time.Minute,
		ValidPlatforms:  DefaultPlatforms,
		RecentDays:      3,
		Now:             now,
	}
}

// Day holds the figures of one UTC calendar day. Durations are in minutes.
type Day struct {
	Date        string  `json:"date"`
	Jobs        int     `json:"jobs"`
	Success     int     `json:"success"`
	Failure     int     `json:"failure"`
	Cancelled   int     `json:"cancelled"`
	FailureRate float64 `json:"failure_rate"`
	Runs        int     `json:"runs"`
	PRBranches  int     `json:"pr_branches"`

	Duration          Stats   `json:"duration"`
	DurationMA7       float64 `json:"duration_ma7"`
	QueueWait         Stats   `json:"queue_wait"`
	Turnaround        Stats   `json:"turnaround"`
	PrimaryTurnaround Stats   `json:"primary_turnaround"`
	SpeedOfLight      Stats   `json:"speed_of_light"`
	BuildWait         Stats   `json:"build_wait"`
	TestWait          Stats   `json:"test_wait"`

	// PlatformDurations is the mean primary-workflow job duration keyed "<platform>_<phase>".
	PlatformDurations map[string]float64 `json:"platform_durations,omitempty"`
	// Utilization is the average number of busy agents per self-managed pool.
	Utilization map[string]float64 `json:"utilization,omitempty"`
}

// Recent averages the last RecentDays complete days.
type Recent struct {
	Days              int     `json:"days"`
	PrimaryTurnaround float64 `json:"primary_turnaround"`
	PRsPerDay         float64 `json:"prs_per_day"`
	QueueWait         float64 `json:"queue_wait"`
	BuildWait         float64 `json:"build_wait"`
	TestWait          float64 `json:"test_wait"`
}

// Capacity summarises the utilization series of one self-managed pool.
type Capacity struct {
	Pool        string  `json:"pool"`
	RunnerCount int     `json:"runner_count"`
	Average     float64 `json:"average_concurrent"`
	Peak        float64 `json:"peak_concurrent"`
}

type Report struct {
	GeneratedAt time.Time  `json:"generated_at"`
	From        string     `json:"from,omitempty"`
	To          string     `json:"to,omitempty"`
	TotalJobs   int        `json:"total_jobs"`
	SuccessRate float64    `json:"success_rate"`
	Days        []Day      `json:"days"`
	Recent      Recent     `json:"recent"`
	Capacity    []Capacity `json:"capacity"`
}

type dayBucket struct {
	jobs []*model.JobRecord

	turnaround, primary, sol, buildWait, testWait []float64
}

func minutes(d time.Duration) float64 { return d.Minutes() }

// Aggregate turns the completed job records into per-day series. Skipped jobs
// and the current UTC day are excluded. Jobs are grouped by the UTC day of
// created_at, runs by the day of their trigger time.
func Aggregate(jobs []model.JobRecord, rules classifier.Rules, opts Options) Report {
	if opts.ValidPlatforms == nil {
		opts.ValidPlatforms = DefaultPlatforms
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	today := util.DayKey(opts.Now)

	active := make([]model.JobRecord, 0, len(jobs))
	for _, j := range jobs {
		if j.Conclusion == model.ConclusionSkipped {
			continue
		}
		active = append(active, j)
	}

	buckets := map[string]*dayBucket{}
	bucket := func(day string) *dayBucket {
		b := buckets[day]
		if b == nil {
			b = &dayBucket{}
			buckets[day] = b
		}
		return b
	}

	runs := map[int64][]model.JobRecord{}
	var runOrder []int64
	for i := range active {
		j := &active[i]
		if j.RunID != 0 {
			if _, ok := runs[j.RunID]; !ok {
				runOrder = append(runOrder, j.RunID)
			}
			runs[j.RunID] = append(runs[j.RunID], *j)
		}
		if j.CreatedAt == nil {
			continue
		}
		day := util.DayKey(*j.CreatedAt)
		if day == today {
			continue
		}
		bucket(day).jobs = append(bucket(day).jobs, j)
	}

	buildTestSeen := false
	for _, id := range runOrder {
		m, ok := AnalyzeRun(runs[id], opts)
		if !ok {
			continue
		}
		day := util.DayKey(m.Trigger)
		if day == today {
			continue
		}
		b := bucket(day)
		b.turnaround = append(b.turnaround, minutes(m.Turnaround))
		if !m.PrimaryWorkflow {
			continue
		}
		b.primary = append(b.primary, minutes(m.Turnaround))
		if m.SpeedOfLight != nil {
			buildTestSeen = true
			b.sol = append(b.sol, minutes(*m.SpeedOfLight))
		}
		if m.BuildWait != nil {
			b.buildWait = append(b.buildWait, minutes(*m.BuildWait))
		}
		if m.TestWait != nil {
			b.testWait = append(b.testWait, minutes(*m.TestWait))
		}
	}
	if !buildTestSeen && len(runs) > 0 {
		logger.Log.Warn().
			Str("workflow", opts.PrimaryWorkflow).
			Msg("no jobs matched build-*/test-* naming, build and test breakdowns are empty")
	}

	// a run triggered on a day without jobs of its own does not create that day
	dates := make([]string, 0, len(buckets))
	for d, b := range buckets {
		if len(b.jobs) == 0 {
			continue
		}
		dates = append(dates, d)
	}
	sort.Strings(dates)

	pools := rules.SelfManagedPools()
	report := Report{
		GeneratedAt: opts.Now.UTC(),
		Days:        make([]Day, 0, len(dates)),
	}

	success := 0
	for _, date := range dates {
		b := buckets[date]
		day := buildDay(date, b, rules, pools, opts)
		report.TotalJobs += day.Jobs
		success += day.Success
		report.Days = append(report.Days, day)
	}
	if report.TotalJobs > 0 {
		report.SuccessRate = float64(success) / float64(report.TotalJobs) * 100
	}
	if len(dates) > 0 {
		report.From = dates[0]
		report.To = dates[len(dates)-1]
	}

	means := make([]float64, len(report.Days))
	for i := range report.Days {
		means[i] = report.Days[i].Duration.Mean
	}
	for i, ma := range MovingAverage(means, movingAverageDays) {
		report.Days[i].DurationMA7 = ma
	}

	report.Recent = recent(dates, buckets, opts.RecentDays)
	report.Capacity = capacity(report.Days, pools)
	return report
}

func buildDay(date string, b *dayBucket, rules classifier.Rules, pools []model.Pool, opts Options) Day {
	day := Day{Date: date, Jobs: len(b.jobs)}

	runIDs := map[int64]struct{}{}
	branches := map[string]struct{}{}
	var durations, queues []float64
	platform := map[string][]float64{}
	busy := map[string]float64{}
	selfManaged := map[string]bool{}
	for _, p := range pools {
		selfManaged[p.Name] = true
	}

	for _, j := range b.jobs {
		switch j.Conclusion {
		case model.ConclusionSuccess:
			day.Success++
		case model.ConclusionFailure:
			day.Failure++
		case model.ConclusionCancelled:
			day.Cancelled++
		}
		if j.RunID != 0 {
			runIDs[j.RunID] = struct{}{}
		}
		if j.Event == "pull_request" && j.HeadBranch != "" {
			branches[j.HeadBranch] = struct{}{}
		}
		if q, ok := j.QueuedDuration(); ok && q >= 0 {
			queues = append(queues, minutes(q))
		}

		d, ok := j.Duration()
		if !ok || d <= 0 {
			continue
		}
		durations = append(durations, minutes(d))

		if j.WorkflowName == opts.PrimaryWorkflow {
			if phase, p, ok := Platform(j.Name, opts.ValidPlatforms); ok {
				key := p + "_" + string(phase)
				platform[key] = append(platform[key], minutes(d))
			}
		}

		pool, _ := rules.Classify(j.Labels, j.RunnerName)
		if selfManaged[pool] {
			busy[pool] += d.Seconds()
		}
	}

	if total := day.Success + day.Failure + day.Cancelled; total > 0 {
		day.FailureRate = float64(day.Failure) / float64(total) * 100
	}
	day.Runs = len(runIDs)
	day.PRBranches = len(branches)
	day.Duration = Summarize(durations)
	day.QueueWait = Summarize(queues)
	day.Turnaround = Summarize(b.turnaround)
	day.PrimaryTurnaround = Summarize(b.primary)
	day.SpeedOfLight = Summarize(b.sol)
	day.BuildWait = Summarize(b.buildWait)
	day.TestWait = Summarize(b.testWait)

	if len(platform) > 0 {
		day.PlatformDurations = make(map[string]float64, len(platform))
		for k, v := range platform {
			day.PlatformDurations[k] = Mean(v)
		}
	}
	if len(pools) > 0 {
		day.Utilization = make(map[string]float64, len(pools))
		for _, p := range pools {
			day.Utilization[p.Name] = busy[p.Name] / secondsPerDay
		}
	}
	return day
}

func recent(dates []string, buckets map[string]*dayBucket, n int) Recent {
	if n <= 0 || len(dates) == 0 {
		return Recent{}
	}
	last := dates[max(0, len(dates)-n):]

	var primary, queues, bw, tw []float64
	branches := map[string]struct{}{}
	for _, d := range last {
		b := buckets[d]
		primary = append(primary, b.primary...)
		bw = append(bw, b.buildWait...)
		tw = append(tw, b.testWait...)

		for _, j := range b.jobs {
			if j.Event == "pull_request" && j.HeadBranch != "" {
				branches[j.HeadBranch] = struct{}{}
			}
			if q, ok := j.QueuedDuration(); ok && q >= 0 {
				queues = append(queues, minutes(q))
			}
		}
	}
	return Recent{
		Days:              len(last),
		PrimaryTurnaround: Mean(primary),
		PRsPerDay:         float64(len(branches)) / float64(len(last)),
		QueueWait:         Mean(queues),
		BuildWait:         Mean(bw),
		TestWait:          Mean(tw),
	}
}

func capacity(days []Day, pools []model.Pool) []Capacity {
	out := make([]Capacity, 0, len(pools))
	for _, p := range pools {
		c := Capacity{Pool: p.Name, RunnerCount: p.RunnerCount}
		var series []float64
		for _, d := range days {
			v := d.Utilization[p.Name]
			series = append(series, v)
			c.Peak = max(c.Peak, v)
		}
		c.Average = Mean(series)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pool < out[j].Pool })
	return out
}
