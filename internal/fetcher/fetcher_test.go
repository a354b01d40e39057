package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/ssuji15/ciwatch/internal/provider"
	"github.com/ssuji15/ciwatch/internal/service/logger"
	"github.com/ssuji15/ciwatch/model"
	"github.com/stretchr/testify/require"
)

var day0 = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

// fakeSource holds runs and answers like the provider: created range inclusive
// on both ends, newest first, truncated at cap.
type fakeSource struct {
	mu       sync.Mutex
	runs     []model.RunRecord
	cap      int
	failFrom map[time.Time]bool
	queries  []provider.RunQuery

	jobs     map[int64][]model.JobRecord
	jobErrs  map[int64]error
	inflight int32
	peak     int32
}

func (s *fakeSource) ListRuns(_ context.Context, q provider.RunQuery) ([]model.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, q)
	if s.failFrom[q.From] {
		return nil, errors.New("502 bad gateway")
	}
	var out []model.RunRecord
	for _, r := range s.runs {
		if !r.CreatedAt.Before(q.From) && !r.CreatedAt.After(q.To) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(*out[j].CreatedAt) })
	if s.cap > 0 && len(out) > s.cap {
		out = out[:s.cap]
	}
	return out, nil
}

func (s *fakeSource) ListJobsForRun(_ context.Context, run model.RunRecord) ([]model.JobRecord, error) {
	n := atomic.AddInt32(&s.inflight, 1)
	defer atomic.AddInt32(&s.inflight, -1)
	for {
		p := atomic.LoadInt32(&s.peak)
		if n <= p || atomic.CompareAndSwapInt32(&s.peak, p, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	if err := s.jobErrs[run.ID]; err != nil {
		return nil, err
	}
	return s.jobs[run.ID], nil
}

func runAt(id int64, t time.Time) model.RunRecord {
	return model.RunRecord{ID: id, Name: "CI", CreatedAt: &t}
}

// spread places n runs evenly over [from, from+span).
func spread(startID int64, n int, from time.Time, span time.Duration) []model.RunRecord {
	out := make([]model.RunRecord, 0, n)
	step := span / time.Duration(n)
	for i := 0; i < n; i++ {
		out = append(out, runAt(startID+int64(i), from.Add(time.Duration(i)*step)))
	}
	return out
}

func ids(runs []model.RunRecord) []int64 {
	out := make([]int64, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.ID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func requireUnique(t *testing.T, runs []model.RunRecord) {
	t.Helper()
	seen := map[int64]bool{}
	for _, r := range runs {
		require.False(t, seen[r.ID], "run %d returned twice", r.ID)
		seen[r.ID] = true
	}
}

func TestFetchWindow(t *testing.T) {
	tests := []struct {
		name        string
		runs        []model.RunRecord
		cap         int
		minWindow   time.Duration
		failFrom    []time.Time
		wantRuns    int
		wantQueries int
	}{
		{
			name:        "under cap is a single query",
			runs:        spread(1, 5, day0, 24*time.Hour),
			cap:         10,
			wantRuns:    5,
			wantQueries: 1,
		},
		{
			name:        "exactly cap results triggers a split",
			runs:        spread(1, 10, day0, 24*time.Hour),
			cap:         10,
			wantRuns:    10,
			wantQueries: 3,
		},
		{
			name:      "dense day recovers every run through bisection",
			runs:      spread(1, 40, day0, 24*time.Hour),
			cap:       10,
			wantRuns:  40,
			minWindow: time.Hour,
		},
		{
			name:        "failed window contributes nothing",
			runs:        spread(1, 5, day0, 24*time.Hour),
			cap:         10,
			failFrom:    []time.Time{day0},
			wantRuns:    0,
			wantQueries: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{runs: tt.runs, cap: tt.cap, failFrom: map[time.Time]bool{}}
			for _, f := range tt.failFrom {
				src.failFrom[f] = true
			}
			f := New(src, Options{Cap: tt.cap, MinWindow: tt.minWindow})

			got := f.FetchWindow(context.Background(), day0, day0.Add(24*time.Hour), NewSeen())
			requireUnique(t, got)
			require.Len(t, got, tt.wantRuns)
			if tt.wantQueries > 0 {
				require.Len(t, src.queries, tt.wantQueries)
			}
		})
	}
}

func TestFetchWindow_SplitTerminates(t *testing.T) {
	// 50 runs in the same minute can never drop under the cap of 10.
	burst := make([]model.RunRecord, 0, 50)
	for i := 0; i < 50; i++ {
		burst = append(burst, runAt(int64(i+1), day0.Add(3*time.Hour)))
	}
	src := &fakeSource{runs: burst, cap: 10}
	f := New(src, Options{Cap: 10, MinWindow: time.Hour})

	got := f.FetchWindow(context.Background(), day0, day0.Add(24*time.Hour), NewSeen())
	requireUnique(t, got)
	require.Len(t, got, 10)

	// depth is bounded by log2(24h/1h) < 5, so at most 2^6-1 queries
	require.LessOrEqual(t, len(src.queries), 63)
	for _, q := range src.queries {
		require.True(t, q.To.Sub(q.From) >= 30*time.Minute, "split below the minimum window: %v", q.To.Sub(q.From))
	}
}

func TestFetchWindow_BoundaryRunReturnedOnce(t *testing.T) {
	mid := day0.Add(12 * time.Hour)
	runs := spread(1, 9, day0, 24*time.Hour)
	runs = append(runs, runAt(100, mid))
	src := &fakeSource{runs: runs, cap: 10}
	f := New(src, Options{Cap: 10, MinWindow: time.Hour})

	got := f.FetchWindow(context.Background(), day0, day0.Add(24*time.Hour), NewSeen())
	requireUnique(t, got)
	require.Contains(t, ids(got), int64(100))
	require.Len(t, got, 10)
}

func TestFetchWindow_SharedSeenAcrossCalls(t *testing.T) {
	runs := spread(1, 4, day0, 24*time.Hour)
	src := &fakeSource{runs: runs, cap: 10}
	f := New(src, Options{Cap: 10})
	seen := NewSeen()

	first := f.FetchWindow(context.Background(), day0, day0.Add(24*time.Hour), seen)
	second := f.FetchWindow(context.Background(), day0, day0.Add(24*time.Hour), seen)
	require.Len(t, first, 4)
	require.Empty(t, second)
	require.Equal(t, 4, seen.Len())
}

func TestFetchSince(t *testing.T) {
	now := day0.Add(2*24*time.Hour + 5*time.Hour)
	runs := []model.RunRecord{
		runAt(1, day0.Add(time.Hour)),
		runAt(2, day0.Add(24*time.Hour)), // on the day boundary
		runAt(3, day0.Add(49*time.Hour)),
		{ID: 4, Name: "Docs", CreatedAt: ptr(day0.Add(50 * time.Hour))},
	}

	tests := []struct {
		name     string
		workflow string
		want     []int64
	}{
		{"all workflows", "", []int64{1, 2, 3, 4}},
		{"filtered", "CI", []int64{1, 2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{runs: runs, cap: 10}
			f := New(src, Options{Cap: 10, Workflow: tt.workflow})

			got := f.FetchSince(context.Background(), day0, now)
			require.Equal(t, tt.want, ids(got))

			require.Len(t, src.queries, 3)
			require.True(t, src.queries[0].From.Equal(day0))
			last := src.queries[len(src.queries)-1]
			require.True(t, last.To.Equal(now), "last window must be clipped at now")
			require.Equal(t, 5*time.Hour, last.To.Sub(last.From))
		})
	}
}

func TestFetchSince_EmptyRange(t *testing.T) {
	src := &fakeSource{cap: 10}
	f := New(src, Options{})
	require.Empty(t, f.FetchSince(context.Background(), day0, day0))
	require.Empty(t, src.queries)
}

type memSink struct {
	mu          sync.Mutex
	jobs        map[int64]model.JobRecord
	checkpoints int
}

func (m *memSink) Add(jobs []model.JobRecord) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range jobs {
		if _, ok := m.jobs[j.ID]; ok {
			continue
		}
		m.jobs[j.ID] = j
		n++
	}
	return n
}

func (m *memSink) Checkpoint(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints++
	return nil
}

func TestCollectJobs(t *testing.T) {
	runs := spread(1, 20, day0, 24*time.Hour)
	jobs := map[int64][]model.JobRecord{}
	for _, r := range runs {
		jobs[r.ID] = []model.JobRecord{
			{ID: r.ID * 10, RunID: r.ID, Status: model.StatusCompleted},
			{ID: r.ID*10 + 1, RunID: r.ID, Status: model.StatusInProgress},
		}
	}
	src := &fakeSource{jobs: jobs, jobErrs: map[int64]error{7: fmt.Errorf("timeout")}}
	sink := &memSink{jobs: map[int64]model.JobRecord{}}
	f := New(src, Options{Workers: 3, CheckpointEvery: 5})

	stats, err := f.CollectJobs(context.Background(), runs, sink)
	require.NoError(t, err)

	require.Equal(t, 20, stats.Runs)
	require.Equal(t, 1, stats.RunErrors)
	require.Equal(t, 19, stats.Added)
	require.Len(t, sink.jobs, 19)
	for id, j := range sink.jobs {
		require.Equal(t, model.StatusCompleted, j.Status, "job %d", id)
	}
	require.Equal(t, 4, sink.checkpoints)
	require.LessOrEqual(t, atomic.LoadInt32(&src.peak), int32(3))
}

func TestCollectJobs_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &fakeSource{jobs: map[int64][]model.JobRecord{}}
	sink := &memSink{jobs: map[int64]model.JobRecord{}}

	_, err := New(src, Options{}).CollectJobs(ctx, spread(1, 5, day0, time.Hour), sink)
	require.ErrorIs(t, err, context.Canceled)
}

func ptr(t time.Time) *time.Time { return &t }

func TestCollectJobs_CheckpointsDisabled(t *testing.T) {
	runs := spread(1, 10, day0, time.Hour)
	jobs := map[int64][]model.JobRecord{}
	for _, r := range runs {
		jobs[r.ID] = []model.JobRecord{{ID: r.ID, RunID: r.ID, Status: model.StatusCompleted}}
	}
	sink := &memSink{jobs: map[int64]model.JobRecord{}}

	stats, err := New(&fakeSource{jobs: jobs}, Options{Workers: 2, CheckpointEvery: 0}).CollectJobs(context.Background(), runs, sink)
	require.NoError(t, err)
	require.Equal(t, 10, stats.Added)
	require.Zero(t, sink.checkpoints)
}

func TestWarningsCarryContextLogger(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf).With().Str("collection_id", "c-1").Logger()
	ctx := logger.WithContext(context.Background(), log)

	src := &fakeSource{
		failFrom: map[time.Time]bool{day0: true},
		jobErrs:  map[int64]error{1: errors.New("502 bad gateway")},
	}
	f := New(src, Options{Workers: 1})

	require.Empty(t, f.FetchWindow(ctx, day0, day0.Add(time.Hour), NewSeen()))
	stats, err := f.CollectJobs(ctx, []model.RunRecord{runAt(1, day0)}, &memSink{jobs: map[int64]model.JobRecord{}})
	require.NoError(t, err)
	require.Equal(t, 1, stats.RunErrors)

	warnings := 0
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		require.Equal(t, "c-1", entry["collection_id"], line)
		if entry["level"] == "warn" {
			warnings++
		}
	}
	require.Equal(t, 2, warnings)
}
