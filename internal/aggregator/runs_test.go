package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssuji15/ciwatch/model"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

var nextID int64

func ptr(t time.Time) *time.Time { return &t }

// mkJob builds a completed job created at t0+created that ran for [start, start+dur).
func mkJob(runID int64, name string, created, start, dur time.Duration) model.JobRecord {
	nextID++
	j := model.JobRecord{
		ID:           nextID,
		RunID:        runID,
		Name:         name,
		WorkflowName: "CI",
		Status:       model.StatusCompleted,
		Conclusion:   model.ConclusionSuccess,
		CreatedAt:    ptr(t0.Add(created)),
		StartedAt:    ptr(t0.Add(start)),
		CompletedAt:  ptr(t0.Add(start + dur)),
		RunCreatedAt: ptr(t0),
	}
	j.FillDerived()
	return j
}

func TestPlatform(t *testing.T) {
	tests := []struct {
		name      string
		wantPhase Phase
		wantOS    string
		wantOK    bool
	}{
		{name: "build-linux-debug-gcc-x86_64 / build", wantPhase: PhaseBuild, wantOS: "linux", wantOK: true},
		{name: "test-windows-release-cl-x86_64-gpu / test-slang", wantPhase: PhaseTest, wantOS: "windows", wantOK: true},
		{name: "test-macos", wantPhase: PhaseTest, wantOS: "macos", wantOK: true},
		{name: "test-rtx-nightly", wantOK: false},
		{name: "lint", wantOK: false},
		{name: "build-", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			phase, platform, ok := Platform(tt.name, DefaultPlatforms)
			require.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantPhase, phase)
			assert.Equal(t, tt.wantOS, platform)
		})
	}
}

func TestTriggerTime(t *testing.T) {
	tests := []struct {
		name        string
		firstJob    time.Duration
		wantTrigger time.Time
		wantRerun   bool
	}{
		{name: "first job 20 minutes after dispatch is a rerun", firstJob: 20 * time.Minute, wantTrigger: t0.Add(20 * time.Minute), wantRerun: true},
		{name: "first job 5 minutes after dispatch keeps dispatch", firstJob: 5 * time.Minute, wantTrigger: t0},
		{name: "exactly at threshold keeps dispatch", firstJob: 10 * time.Minute, wantTrigger: t0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := []model.JobRecord{
				mkJob(1, "build-linux", tt.firstJob+time.Minute, tt.firstJob+2*time.Minute, time.Minute),
				mkJob(1, "build-windows", tt.firstJob, tt.firstJob+time.Minute, time.Minute),
			}
			trigger, rerun, ok := TriggerTime(jobs, 10*time.Minute)
			require.True(t, ok)
			require.Equal(t, tt.wantRerun, rerun)
			require.True(t, tt.wantTrigger.Equal(trigger), "want %s got %s", tt.wantTrigger, trigger)
		})
	}
}

func TestTriggerTime_MissingTimestamps(t *testing.T) {
	_, _, ok := TriggerTime([]model.JobRecord{{ID: 1}}, 10*time.Minute)
	require.False(t, ok)

	j := model.JobRecord{ID: 1, CreatedAt: ptr(t0)}
	trigger, rerun, ok := TriggerTime([]model.JobRecord{j}, 10*time.Minute)
	require.True(t, ok)
	require.False(t, rerun)
	require.True(t, t0.Equal(trigger))
}

func TestSpeedOfLight(t *testing.T) {
	jobs := []model.JobRecord{
		mkJob(1, "build-linux-release", 0, 0, 600*time.Second),
		mkJob(1, "build-linux-debug", 0, 0, 200*time.Second),
		mkJob(1, "test-linux-release", 0, 600*time.Second, 300*time.Second),
		mkJob(1, "build-windows-release", 0, 0, 400*time.Second),
		mkJob(1, "test-windows-release", 0, 400*time.Second, 700*time.Second),
		// not a platform, must not count
		mkJob(1, "test-slangpy-linux", 0, 0, 5000*time.Second),
	}

	sol, ok := SpeedOfLight(jobs, DefaultPlatforms)
	require.True(t, ok)
	require.Equal(t, 1100*time.Second, sol)

	_, ok = SpeedOfLight([]model.JobRecord{mkJob(1, "lint", 0, 0, time.Minute)}, DefaultPlatforms)
	require.False(t, ok)
}

func TestBuildAndTestWait(t *testing.T) {
	jobs := []model.JobRecord{
		mkJob(1, "build-linux", 0, 3*time.Minute, 10*time.Minute),
		mkJob(1, "build-windows", 0, 2*time.Minute, 20*time.Minute),
		// linux: last build ends at 13m, first test at 15m
		mkJob(1, "test-linux", 13*time.Minute, 15*time.Minute, 5*time.Minute),
		mkJob(1, "test-linux-gpu", 13*time.Minute, 17*time.Minute, 5*time.Minute),
		// windows: last build ends at 22m, first test at 30m
		mkJob(1, "test-windows", 22*time.Minute, 30*time.Minute, 5*time.Minute),
	}

	bw, ok := BuildWait(jobs, t0, DefaultPlatforms)
	require.True(t, ok)
	require.Equal(t, 2*time.Minute, bw)

	tw, ok := TestWait(jobs, DefaultPlatforms)
	require.True(t, ok)
	require.Equal(t, 8*time.Minute, tw)

	_, ok = BuildWait(jobs, t0.Add(time.Hour), DefaultPlatforms)
	require.False(t, ok, "negative build wait is discarded")
}

func TestTestWait_NegativeGapsDropped(t *testing.T) {
	jobs := []model.JobRecord{
		mkJob(1, "build-macos", 0, 0, 10*time.Minute),
		mkJob(1, "test-macos", 0, 5*time.Minute, time.Minute),
	}
	_, ok := TestWait(jobs, DefaultPlatforms)
	require.False(t, ok)
}

func TestAnalyzeRun(t *testing.T) {
	opts := DefaultOptions(t0.Add(48 * time.Hour))

	t.Run("primary workflow gets critical path", func(t *testing.T) {
		jobs := []model.JobRecord{
			mkJob(1, "build-linux", time.Minute, 2*time.Minute, 10*time.Minute),
			mkJob(1, "test-linux", 12*time.Minute, 13*time.Minute, 5*time.Minute),
		}
		m, ok := AnalyzeRun(jobs, opts)
		require.True(t, ok)
		require.True(t, m.PrimaryWorkflow)
		require.Equal(t, 18*time.Minute, m.Turnaround)
		require.NotNil(t, m.SpeedOfLight)
		require.Equal(t, 15*time.Minute, *m.SpeedOfLight)
		require.NotNil(t, m.BuildWait)
		require.Equal(t, 2*time.Minute, *m.BuildWait)
		require.NotNil(t, m.TestWait)
		require.Equal(t, time.Minute, *m.TestWait)
	})

	t.Run("other workflow only gets turnaround", func(t *testing.T) {
		j := mkJob(2, "build-linux", 0, time.Minute, time.Minute)
		j.WorkflowName = "Docs"
		m, ok := AnalyzeRun([]model.JobRecord{j}, opts)
		require.True(t, ok)
		require.False(t, m.PrimaryWorkflow)
		require.Nil(t, m.SpeedOfLight)
		require.Equal(t, 2*time.Minute, m.Turnaround)
	})

	t.Run("end before start is discarded", func(t *testing.T) {
		j := mkJob(3, "build-linux", 0, 0, time.Minute)
		j.RunCreatedAt = ptr(t0.Add(time.Hour))
		j.CreatedAt = ptr(t0.Add(time.Hour))
		_, ok := AnalyzeRun([]model.JobRecord{j}, opts)
		require.False(t, ok)
	})

	t.Run("no completion is discarded", func(t *testing.T) {
		j := mkJob(4, "build-linux", 0, 0, time.Minute)
		j.CompletedAt = nil
		_, ok := AnalyzeRun([]model.JobRecord{j}, opts)
		require.False(t, ok)
	})
}
