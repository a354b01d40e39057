package queuestatus

import (
	"sort"
	"time"

	"github.com/ssuji15/ciwatch/internal/classifier"
	"github.com/ssuji15/ciwatch/model"
)

const fetchedAtLayout = "2006-01-02 15:04:05 UTC"

type Summary struct {
	RunsQueued     int `json:"runs_queued"`
	RunsInProgress int `json:"runs_in_progress"`
	// JobsQueued counts jobs that still need a runner, waiting ones included.
	JobsQueued  int `json:"jobs_queued"`
	JobsRunning int `json:"jobs_running"`
	JobsWaiting int `json:"jobs_waiting"`
}

type RunnerCounts struct {
	Idle  int `json:"idle"`
	Total int `json:"total"`
}

type Group struct {
	Name       string        `json:"name"`
	Queued     int           `json:"queued"`
	Running    int           `json:"running"`
	SelfHosted bool          `json:"self_hosted"`
	Runners    *RunnerCounts `json:"runners,omitempty"`
}

type WaitingJob struct {
	WaitSeconds int64      `json:"wait_seconds"`
	Name        string     `json:"name"`
	Labels      []string   `json:"labels"`
	Branch      string     `json:"branch"`
	Workflow    string     `json:"workflow"`
	CreatedAt   *time.Time `json:"created_at"`
	RunnerName  string     `json:"runner_name,omitempty"`
	HTMLURL     string     `json:"html_url"`
}

type ActiveRun struct {
	ID           int64      `json:"id"`
	Branch       string     `json:"branch"`
	Workflow     string     `json:"workflow"`
	Event        string     `json:"event"`
	Actor        string     `json:"actor"`
	RunStartedAt *time.Time `json:"run_started_at"`
	CreatedAt    *time.Time `json:"created_at"`
}

type RunnerJob struct {
	Name     string `json:"name"`
	Branch   string `json:"branch"`
	Workflow string `json:"workflow"`
	HTMLURL  string `json:"html_url"`
}

type RunnerStatus struct {
	Name   string     `json:"name"`
	Status string     `json:"status"`
	Busy   bool       `json:"busy"`
	Group  string     `json:"group"`
	Labels []string   `json:"labels"`
	Job    *RunnerJob `json:"job,omitempty"`
}

// Status is the live queue view served to dashboards.
type Status struct {
	FetchedAt         string         `json:"fetched_at"`
	Repo              string         `json:"repo"`
	Summary           Summary        `json:"summary"`
	QueueByGroup      []Group        `json:"queue_by_group"`
	LongestWaiting    []WaitingJob   `json:"longest_waiting_jobs"`
	InProgressRuns    []ActiveRun    `json:"in_progress_runs"`
	SelfHostedRunners []RunnerStatus `json:"self_hosted_runners"`
	RunnersAvailable  bool           `json:"runners_available"`
	RecentFailures    []Failure      `json:"recent_failures,omitempty"`
}

func needsRunner(s model.JobStatus) bool {
	return s == model.StatusQueued || s == model.StatusWaiting
}

// Build derives the queue view from live state. It does no I/O.
func Build(live *Live, rules classifier.Rules, repo string, now time.Time, topWaiting int) Status {
	now = now.UTC()
	st := Status{
		FetchedAt:         now.Format(fetchedAtLayout),
		Repo:              repo,
		QueueByGroup:      []Group{},
		LongestWaiting:    []WaitingJob{},
		InProgressRuns:    []ActiveRun{},
		SelfHostedRunners: []RunnerStatus{},
		RunnersAvailable:  live.RunnersAvailable,
	}
	st.Summary.RunsQueued = len(live.QueuedRuns)
	st.Summary.RunsInProgress = len(live.InProgressRuns)

	type counts struct {
		queued, running int
		selfHosted      bool
	}
	byGroup := map[string]*counts{}
	var firstSeen []string
	for _, j := range live.Jobs {
		name, selfHosted := rules.Classify(j.Labels, j.RunnerName)
		c := byGroup[name]
		if c == nil {
			c = &counts{}
			byGroup[name] = c
			firstSeen = append(firstSeen, name)
		}
		c.selfHosted = selfHosted
		switch {
		case needsRunner(j.Status):
			c.queued++
			st.Summary.JobsQueued++
		case j.Status == model.StatusInProgress:
			c.running++
			st.Summary.JobsRunning++
		}
	}

	idle := map[string]int{}
	total := map[string]int{}
	if live.RunnersAvailable {
		for _, r := range live.Runners {
			name, selfHosted := rules.Classify(r.Labels, r.Name)
			if selfHosted && r.Online() {
				total[name]++
				if !r.Busy {
					idle[name]++
				}
			}
		}
	}

	// configured order first, then groups in the order jobs revealed them
	var ordered []string
	placed := map[string]bool{}
	for _, name := range rules.Order() {
		if byGroup[name] != nil && !placed[name] {
			ordered = append(ordered, name)
			placed[name] = true
		}
	}
	for _, name := range firstSeen {
		if !placed[name] {
			ordered = append(ordered, name)
			placed[name] = true
		}
	}
	for _, name := range ordered {
		c := byGroup[name]
		g := Group{Name: name, Queued: c.queued, Running: c.running, SelfHosted: c.selfHosted}
		if live.RunnersAvailable {
			g.Runners = &RunnerCounts{Idle: idle[name], Total: total[name]}
		}
		st.QueueByGroup = append(st.QueueByGroup, g)
	}

	for _, j := range live.Jobs {
		if !needsRunner(j.Status) || j.CreatedAt == nil {
			continue
		}
		labels := j.Labels
		if labels == nil {
			labels = []string{}
		}
		st.LongestWaiting = append(st.LongestWaiting, WaitingJob{
			WaitSeconds: int64(now.Sub(*j.CreatedAt).Seconds()),
			Name:        j.Name,
			Labels:      labels,
			Branch:      j.HeadBranch,
			Workflow:    j.WorkflowName,
			CreatedAt:   j.CreatedAt,
			RunnerName:  j.RunnerName,
			HTMLURL:     j.HTMLURL,
		})
	}
	sort.SliceStable(st.LongestWaiting, func(a, b int) bool {
		return st.LongestWaiting[a].WaitSeconds > st.LongestWaiting[b].WaitSeconds
	})
	if topWaiting > 0 && len(st.LongestWaiting) > topWaiting {
		st.LongestWaiting = st.LongestWaiting[:topWaiting]
	}

	runs := append([]model.RunRecord(nil), live.InProgressRuns...)
	sort.SliceStable(runs, func(a, b int) bool {
		ta, tb := runStart(runs[a]), runStart(runs[b])
		if ta.IsZero() != tb.IsZero() {
			return ta.IsZero()
		}
		return ta.Before(tb)
	})
	for _, r := range runs {
		st.InProgressRuns = append(st.InProgressRuns, ActiveRun{
			ID:           r.ID,
			Branch:       r.HeadBranch,
			Workflow:     r.Name,
			Event:        r.Event,
			Actor:        r.Actor,
			RunStartedAt: r.RunStartedAt,
			CreatedAt:    r.CreatedAt,
		})
	}

	if live.RunnersAvailable {
		onRunner := map[string]model.JobRecord{}
		for _, j := range live.Jobs {
			if j.Status == model.StatusInProgress && j.RunnerName != "" {
				onRunner[j.RunnerName] = j
			}
		}
		for _, r := range live.Runners {
			name, selfHosted := rules.Classify(r.Labels, r.Name)
			if !selfHosted {
				continue
			}
			rs := RunnerStatus{Name: r.Name, Status: r.Status, Busy: r.Busy, Group: name, Labels: r.Labels}
			if rs.Labels == nil {
				rs.Labels = []string{}
			}
			if j, ok := onRunner[r.Name]; ok {
				rs.Job = &RunnerJob{Name: j.Name, Branch: j.HeadBranch, Workflow: j.WorkflowName, HTMLURL: j.HTMLURL}
			}
			st.SelfHostedRunners = append(st.SelfHostedRunners, rs)
		}
	}
	return st
}

func runStart(r model.RunRecord) time.Time {
	if r.RunStartedAt != nil {
		return *r.RunStartedAt
	}
	if r.CreatedAt != nil {
		return *r.CreatedAt
	}
	return time.Time{}
}

// Snapshot condenses the view into one sample for the snapshot log.
func (s Status) Snapshot(at time.Time) model.Snapshot {
	snap := model.Snapshot{
		Timestamp:      at.UTC(),
		JobsQueued:     s.Summary.JobsQueued,
		JobsRunning:    s.Summary.JobsRunning,
		RunsQueued:     s.Summary.RunsQueued,
		RunsInProgress: s.Summary.RunsInProgress,
		RunnerGroups:   map[string]model.GroupLoad{},
		QueueByGroup:   map[string]model.GroupQueue{},
	}
	for _, r := range s.SelfHostedRunners {
		load := snap.RunnerGroups[r.Group]
		if r.Status == "online" {
			load.Total++
			if r.Busy {
				load.Busy++
			}
		}
		snap.RunnerGroups[r.Group] = load
	}
	for _, g := range s.QueueByGroup {
		snap.QueueByGroup[g.Name] = model.GroupQueue{Queued: g.Queued, Running: g.Running}
	}
	return snap
}
