package aggregator

import (
	"strings"
	"time"

	"github.com/ssuji15/ciwatch/model"
)

type Phase string

const (
	PhaseBuild Phase = "build"
	PhaseTest  Phase = "test"
)

// Platform parses build-<platform>-... and test-<platform>-... job names. Platforms missing
// from valid are rejected.
func Platform(name string, valid map[string]bool) (Phase, string, bool) {
	var phase Phase
	switch {
	case strings.HasPrefix(name, "build-"):
		phase = PhaseBuild
	case strings.HasPrefix(name, "test-"):
		phase = PhaseTest
	default:
		return "", "", false
	}
	parts := strings.SplitN(name, "-", 3)
	if len(parts) < 2 || !valid[parts[1]] {
		return "", "", false
	}
	return phase, parts[1], true
}

// TriggerTime is when the developer started waiting for the run: the run's
// dispatch time, unless the earliest job was created more than threshold later,
// in which case the run was re-triggered and the earliest job creation is used.
func TriggerTime(jobs []model.JobRecord, threshold time.Duration) (trigger time.Time, rerun bool, ok bool) {
	var earliest, dispatch *time.Time
	for i := range jobs {
		j := &jobs[i]
		if j.CreatedAt != nil && (earliest == nil || j.CreatedAt.Before(*earliest)) {
			earliest = j.CreatedAt
		}
		if dispatch == nil && j.RunCreatedAt != nil {
			dispatch = j.RunCreatedAt
		}
	}
	switch {
	case dispatch == nil && earliest == nil:
		return time.Time{}, false, false
	case dispatch == nil:
		return *earliest, false, true
	case earliest == nil:
		return *dispatch, false, true
	}
	if earliest.Sub(*dispatch) > threshold {
		return *earliest, true, true
	}
	return *dispatch, false, true
}

func lastCompletion(jobs []model.JobRecord) (time.Time, bool) {
	var latest time.Time
	found := false
	for _, j := range jobs {
		if j.CompletedAt != nil && (!found || j.CompletedAt.After(latest)) {
			latest = *j.CompletedAt
			found = true
		}
	}
	return latest, found
}

// SpeedOfLight is the critical path of a run if every platform built and tested
// in parallel: max over platforms of (longest build + longest test).
func SpeedOfLight(jobs []model.JobRecord, valid map[string]bool) (time.Duration, bool) {
	type phases struct{ build, test time.Duration }
	byPlatform := map[string]*phases{}
	for i := range jobs {
		d, ok := jobs[i].Duration()
		if !ok || d <= 0 {
			continue
		}
		phase, platform, ok := Platform(jobs[i].Name, valid)
		if !ok {
			continue
		}
		p := byPlatform[platform]
		if p == nil {
			p = &phases{}
			byPlatform[platform] = p
		}
		if phase == PhaseBuild {
			p.build = max(p.build, d)
		} else {
			p.test = max(p.test, d)
		}
	}
	if len(byPlatform) == 0 {
		return 0, false
	}
	var sol time.Duration
	for _, p := range byPlatform {
		sol = max(sol, p.build+p.test)
	}
	return sol, true
}

// BuildWait is the gap between the trigger and the first build job starting.
func BuildWait(jobs []model.JobRecord, trigger time.Time, valid map[string]bool) (time.Duration, bool) {
	var first *time.Time
	for i := range jobs {
		j := &jobs[i]
		if j.StartedAt == nil {
			continue
		}
		if phase, _, ok := Platform(j.Name, valid); !ok || phase != PhaseBuild {
			continue
		}
		if first == nil || j.StartedAt.Before(*first) {
			first = j.StartedAt
		}
	}
	if first == nil {
		return 0, false
	}
	w := first.Sub(trigger)
	if w < 0 {
		return 0, false
	}
	return w, true
}

// TestWait is the worst platform gap between its last build finishing and its
// first test starting. Negative gaps are dropped.
func TestWait(jobs []model.JobRecord, valid map[string]bool) (time.Duration, bool) {
	lastBuild := map[string]time.Time{}
	firstTest := map[string]time.Time{}
	for i := range jobs {
		j := &jobs[i]
		if j.StartedAt == nil {
			continue
		}
		phase, platform, ok := Platform(j.Name, valid)
		if !ok {
			continue
		}
		switch phase {
		case PhaseBuild:
			if j.CompletedAt == nil {
				continue
			}
			if cur, ok := lastBuild[platform]; !ok || j.CompletedAt.After(cur) {
				lastBuild[platform] = *j.CompletedAt
			}
		case PhaseTest:
			if cur, ok := firstTest[platform]; !ok || j.StartedAt.Before(cur) {
				firstTest[platform] = *j.StartedAt
			}
		}
	}

	var worst time.Duration
	found := false
	for platform, test := range firstTest {
		build, ok := lastBuild[platform]
		if !ok {
			continue
		}
		w := test.Sub(build)
		if w < 0 {
			continue
		}
		if !found || w > worst {
			worst = w
			found = true
		}
	}
	return worst, found
}

// RunMetrics holds the per-run figures derived from a run's jobs.
type RunMetrics struct {
	RunID      int64
	Workflow   string
	Trigger    time.Time
	Rerun      bool
	Turnaround time.Duration

	// Only set for the primary workflow.
	SpeedOfLight    *time.Duration
	BuildWait       *time.Duration
	TestWait        *time.Duration
	PrimaryWorkflow bool
}

// AnalyzeRun returns false when the run has no usable trigger or completion,
// or finished no later than it started.
func AnalyzeRun(jobs []model.JobRecord, opts Options) (RunMetrics, bool) {
	if len(jobs) == 0 {
		return RunMetrics{}, false
	}
	trigger, rerun, ok := TriggerTime(jobs, opts.RerunThreshold)
	if !ok {
		return RunMetrics{}, false
	}
	end, ok := lastCompletion(jobs)
	if !ok || !end.After(trigger) {
		return RunMetrics{}, false
	}

	m := RunMetrics{
		RunID:      jobs[0].RunID,
		Workflow:   jobs[0].WorkflowName,
		Trigger:    trigger,
		Rerun:      rerun,
		Turnaround: end.Sub(trigger),
	}
	if m.Workflow != opts.PrimaryWorkflow {
		return m, true
	}
	m.PrimaryWorkflow = true
	if sol, ok := SpeedOfLight(jobs, opts.ValidPlatforms); ok {
		m.SpeedOfLight = &sol
	}
	if bw, ok := BuildWait(jobs, trigger, opts.ValidPlatforms); ok {
		m.BuildWait = &bw
	}
	if tw, ok := TestWait(jobs, opts.ValidPlatforms); ok {
		m.TestWait = &tw
	}
	return m, true
}
