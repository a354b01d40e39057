package model

import (
	"time"
)

type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusWaiting    JobStatus = "waiting"
	StatusInProgress JobStatus = "in_progress"
	StatusCompleted  JobStatus = "completed"
)

const (
	ConclusionSuccess   = "success"
	ConclusionFailure   = "failure"
	ConclusionCancelled = "cancelled"
	ConclusionSkipped   = "skipped"
)

// JobRecord is one completed (or, for live views, pending) job of a workflow run.
// Run metadata is copied onto the job so a record is self-contained once persisted.
type JobRecord struct {
	ID              int64      `db:"id" json:"id"`
	RunID           int64      `db:"run_id" json:"run_id"`
	Name            string     `db:"name" json:"name"`
	WorkflowName    string     `db:"workflow_name" json:"workflow_name"`
	WorkflowPath    string     `db:"workflow_path" json:"workflow_path"`
	Status          JobStatus  `db:"status" json:"status"`
	Conclusion      string     `db:"conclusion" json:"conclusion"`
	CreatedAt       *time.Time `db:"created_at" json:"created_at,omitempty"`
	StartedAt       *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	DurationSeconds *float64   `db:"duration_seconds" json:"duration_seconds"`
	QueuedSeconds   *float64   `db:"queued_seconds" json:"queued_seconds"`
	RunnerName      string     `db:"runner_name" json:"runner_name"`
	RunnerID        int64      `db:"runner_id" json:"runner_id"`
	RunnerGroupName string     `db:"runner_group_name" json:"runner_group_name"`
	Labels          []string   `db:"labels" json:"labels"`
	HeadBranch      string     `db:"head_branch" json:"head_branch"`
	Event           string     `db:"event" json:"event"`
	Actor           string     `db:"actor" json:"actor"`
	HTMLURL         string     `db:"html_url" json:"html_url"`
	RunCreatedAt    *time.Time `db:"run_created_at" json:"run_created_at,omitempty"`

	Pool        string `db:"pool" json:"pool,omitempty"`
	SelfManaged bool   `db:"self_managed" json:"self_managed,omitempty"`
}

// Duration is completed_at - started_at.
func (j *JobRecord) Duration() (time.Duration, bool) {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0, false
	}
	return j.CompletedAt.Sub(*j.StartedAt), true
}

// QueuedDuration is started_at - created_at.
func (j *JobRecord) QueuedDuration() (time.Duration, bool) {
	if j.CreatedAt == nil || j.StartedAt == nil {
		return 0, false
	}
	return j.StartedAt.Sub(*j.CreatedAt), true
}

// FillDerived recomputes DurationSeconds and QueuedSeconds from the timestamps.
func (j *JobRecord) FillDerived() {
	j.DurationSeconds = nil
	j.QueuedSeconds = nil
	if d, ok := j.Duration(); ok {
		s := d.Seconds()
		j.DurationSeconds = &s
	}
	if q, ok := j.QueuedDuration(); ok {
		s := q.Seconds()
		j.QueuedSeconds = &s
	}
}

func (j *JobRecord) IsCompleted() bool {
	return j.Status == StatusCompleted
}

// RunRecord is a triggered workflow execution.
type RunRecord struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	Path         string     `json:"path"`
	HeadBranch   string     `json:"head_branch"`
	Event        string     `json:"event"`
	Actor        string     `json:"actor"`
	Status       string     `json:"status"`
	Conclusion   string     `json:"conclusion"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
	RunStartedAt *time.Time `json:"run_started_at,omitempty"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
	HTMLURL      string     `json:"html_url"`
}

// Runner is an execution agent as reported by the provider.
type Runner struct {
	ID     int64    `json:"id"`
	Name   string   `json:"name"`
	Status string   `json:"status"`
	Busy   bool     `json:"busy"`
	Labels []string `json:"labels"`
}

func (r *Runner) Online() bool {
	return r.Status == "online"
}

// RunnerGroup is an organisation level runner group.
type RunnerGroup struct {
	ID                      int64  `json:"id"`
	Name                    string `json:"name"`
	Visibility              string `json:"visibility"`
	SelectedRepositoriesURL string `json:"selected_repositories_url"`
}

// Pool is a named capacity grouping of runners and jobs.
type Pool struct {
	Name        string `json:"name"`
	SelfManaged bool   `json:"self_managed"`
	RunnerCount int    `json:"runner_count,omitempty"`
}

// GroupLoad counts online runners of a pool.
type GroupLoad struct {
	Busy  int `json:"busy" msgpack:"busy"`
	Total int `json:"total" msgpack:"total"`
}

// GroupQueue counts pending jobs of a pool.
type GroupQueue struct {
	Queued  int `json:"queued" msgpack:"queued"`
	Running int `json:"running" msgpack:"running"`
}

// Snapshot is a point-in-time sample of queue depth and runner load.
type Snapshot struct {
	Timestamp      time.Time             `json:"timestamp" msgpack:"timestamp"`
	JobsQueued     int                   `json:"jobs_queued" msgpack:"jobs_queued"`
	JobsRunning    int                   `json:"jobs_running" msgpack:"jobs_running"`
	RunsQueued     int                   `json:"runs_queued" msgpack:"runs_queued"`
	RunsInProgress int                   `json:"runs_in_progress" msgpack:"runs_in_progress"`
	RunnerGroups   map[string]GroupLoad  `json:"runner_groups" msgpack:"runner_groups"`
	QueueByGroup   map[string]GroupQueue `json:"queue_by_group" msgpack:"queue_by_group"`
}
