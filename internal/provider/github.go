package provider

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/ssuji15/ciwatch/internal/tracer"
	"github.com/ssuji15/ciwatch/internal/util"
	"github.com/ssuji15/ciwatch/model"
	"go.opentelemetry.io/otel/attribute"
)

const timeLayout = "2006-01-02T15:04:05Z"

type apiActor struct {
	Login string `json:"login"`
}

type apiRun struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	Path         string     `json:"path"`
	HeadBranch   string     `json:"head_branch"`
	Event        string     `json:"event"`
	Status       string     `json:"status"`
	Conclusion   *string    `json:"conclusion"`
	CreatedAt    *time.Time `json:"created_at"`
	RunStartedAt *time.Time `json:"run_started_at"`
	UpdatedAt    *time.Time `json:"updated_at"`
	HTMLURL      string     `json:"html_url"`
	Actor        *apiActor  `json:"actor"`
}

type apiJob struct {
	ID              int64      `json:"id"`
	RunID           int64      `json:"run_id"`
	Name            string     `json:"name"`
	Status          string     `json:"status"`
	Conclusion      *string    `json:"conclusion"`
	CreatedAt       *time.Time `json:"created_at"`
	StartedAt       *time.Time `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	RunnerName      *string    `json:"runner_name"`
	RunnerID        *int64     `json:"runner_id"`
	RunnerGroupName *string    `json:"runner_group_name"`
	Labels          []string   `json:"labels"`
	HTMLURL         string     `json:"html_url"`
}

type apiLabel struct {
	Name string `json:"name"`
}

type apiRunner struct {
	ID     int64      `json:"id"`
	Name   string     `json:"name"`
	Status string     `json:"status"`
	Busy   bool       `json:"busy"`
	Labels []apiLabel `json:"labels"`
}

type apiRunnerGroup struct {
	ID                      int64  `json:"id"`
	Name                    string `json:"name"`
	Visibility              string `json:"visibility"`
	SelectedRepositoriesURL string `json:"selected_repositories_url"`
}

type apiRepository struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
}

func str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func (r apiRun) toModel() model.RunRecord {
	rec := model.RunRecord{
		ID:           r.ID,
		Name:         r.Name,
		Path:         r.Path,
		HeadBranch:   r.HeadBranch,
		Event:        r.Event,
		Status:       r.Status,
		Conclusion:   str(r.Conclusion),
		CreatedAt:    r.CreatedAt,
		RunStartedAt: r.RunStartedAt,
		UpdatedAt:    r.UpdatedAt,
		HTMLURL:      r.HTMLURL,
	}
	if r.Actor != nil {
		rec.Actor = r.Actor.Login
	}
	return rec
}

// toModel copies run metadata onto the job so the record stands alone.
func (j apiJob) toModel(run model.RunRecord) model.JobRecord {
	rec := model.JobRecord{
		ID:              j.ID,
		RunID:           run.ID,
		Name:            j.Name,
		WorkflowName:    run.Name,
		WorkflowPath:    run.Path,
		Status:          model.JobStatus(j.Status),
		Conclusion:      str(j.Conclusion),
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
		RunnerName:      str(j.RunnerName),
		RunnerGroupName: str(j.RunnerGroupName),
		Labels:          j.Labels,
		HeadBranch:      run.HeadBranch,
		Event:           run.Event,
		Actor:           run.Actor,
		HTMLURL:         j.HTMLURL,
		RunCreatedAt:    run.CreatedAt,
	}
	if j.RunnerID != nil {
		rec.RunnerID = *j.RunnerID
	}
	if rec.Labels == nil {
		rec.Labels = []string{}
	}
	rec.FillDerived()
	return rec
}

func (r apiRunner) toModel() model.Runner {
	labels := make([]string, 0, len(r.Labels))
	for _, l := range r.Labels {
		labels = append(labels, l.Name)
	}
	return model.Runner{
		ID:     r.ID,
		Name:   r.Name,
		Status: r.Status,
		Busy:   r.Busy,
		Labels: labels,
	}
}

// RunQuery selects workflow runs. Zero From/To disable the created filter.
type RunQuery struct {
	Status string
	From   time.Time
	To     time.Time
}

func (q RunQuery) values() url.Values {
	v := url.Values{}
	if q.Status != "" {
		v.Set("status", q.Status)
	}
	v.Set("per_page", "100")
	if !q.From.IsZero() && !q.To.IsZero() {
		v.Set("created", q.From.UTC().Format(timeLayout)+".."+q.To.UTC().Format(timeLayout))
	}
	return v
}

// ListRuns returns every run matching q across all pages.
func (c *Client) ListRuns(ctx context.Context, q RunQuery) ([]model.RunRecord, error) {
	ctx, span := tracer.GetTracer().Start(ctx, "GitHub/ListRuns")
	defer span.End()

	endpoint := fmt.Sprintf("repos/%s/actions/runs?%s", c.Repo(), q.values().Encode())
	runs, err := c.runs(ctx, endpoint, maxPages)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("runs", len(runs)))
	return runs, nil
}

// RecentRuns returns the newest runs with the given status from the first page only.
func (c *Client) RecentRuns(ctx context.Context, status string, limit int) ([]model.RunRecord, error) {
	v := url.Values{}
	v.Set("status", status)
	v.Set("per_page", fmt.Sprint(limit))
	return c.runs(ctx, fmt.Sprintf("repos/%s/actions/runs?%s", c.Repo(), v.Encode()), 1)
}

func (c *Client) runs(ctx context.Context, endpoint string, pages int) ([]model.RunRecord, error) {
	items, err := c.list(ctx, endpoint, "workflow_runs", pages, false)
	if err != nil {
		return nil, err
	}
	api, err := decodeAll[apiRun](items)
	if err != nil {
		return nil, err
	}
	out := make([]model.RunRecord, 0, len(api))
	for _, r := range api {
		out = append(out, r.toModel())
	}
	return out, nil
}

// ListJobsForRun returns all jobs of run, whatever their status. Jobs of a
// completed run are final, so their pages may come from the response cache.
func (c *Client) ListJobsForRun(ctx context.Context, run model.RunRecord) ([]model.JobRecord, error) {
	ctx, span := tracer.GetTracer().Start(ctx, "GitHub/ListJobsForRun")
	defer span.End()
	span.SetAttributes(attribute.Int64("run_id", run.ID))

	endpoint := fmt.Sprintf("repos/%s/actions/runs/%d/jobs?per_page=100", c.Repo(), run.ID)
	items, err := c.list(ctx, endpoint, "jobs", maxPages, run.Status == "completed")
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	api, err := decodeAll[apiJob](items)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	out := make([]model.JobRecord, 0, len(api))
	for _, j := range api {
		out = append(out, j.toModel(run))
	}
	return out, nil
}

func (c *Client) runners(ctx context.Context, endpoint string) ([]model.Runner, error) {
	items, err := c.ListQuery(ctx, endpoint, "runners")
	if err != nil {
		return nil, err
	}
	api, err := decodeAll[apiRunner](items)
	if err != nil {
		return nil, err
	}
	out := make([]model.Runner, 0, len(api))
	for _, r := range api {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (c *Client) ListRepoRunners(ctx context.Context) ([]model.Runner, error) {
	return c.runners(ctx, fmt.Sprintf("repos/%s/actions/runners?per_page=100", c.Repo()))
}

func (c *Client) ListGroupRunners(ctx context.Context, groupID int64) ([]model.Runner, error) {
	return c.runners(ctx, fmt.Sprintf("orgs/%s/actions/runner-groups/%d/runners?per_page=100", c.owner, groupID))
}

func (c *Client) ListRunnerGroups(ctx context.Context) ([]model.RunnerGroup, error) {
	items, err := c.ListQuery(ctx, fmt.Sprintf("orgs/%s/actions/runner-groups?per_page=100", c.owner), "runner_groups")
	if err != nil {
		return nil, err
	}
	api, err := decodeAll[apiRunnerGroup](items)
	if err != nil {
		return nil, err
	}
	out := make([]model.RunnerGroup, 0, len(api))
	for _, g := range api {
		out = append(out, model.RunnerGroup(g))
	}
	return out, nil
}

// Repository confirms the configured repository is reachable and returns its full name.
func (c *Client) Repository(ctx context.Context) (string, error) {
	var r apiRepository
	if err := c.Get(ctx, "repos/"+c.Repo(), &r); err != nil {
		return "", err
	}
	return r.FullName, nil
}

// GroupSharedWithRepo reports whether runners of g may pick up this repository's jobs.
func (c *Client) GroupSharedWithRepo(ctx context.Context, g model.RunnerGroup) (bool, error) {
	if g.Visibility == "all" {
		return true, nil
	}
	if g.SelectedRepositoriesURL == "" {
		return false, nil
	}
	items, err := c.ListQuery(ctx, fmt.Sprintf("orgs/%s/actions/runner-groups/%d/repositories?per_page=100", c.owner, g.ID), "repositories")
	if err != nil {
		return false, err
	}
	repos, err := decodeAll[apiRepository](items)
	if err != nil {
		return false, err
	}
	for _, r := range repos {
		if r.Name == c.name {
			return true, nil
		}
	}
	return false, nil
}
