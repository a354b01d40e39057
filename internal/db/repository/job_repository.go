package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/ssuji15/ciwatch/internal/db"
	"github.com/ssuji15/ciwatch/internal/tracer"
	"github.com/ssuji15/ciwatch/internal/util"
	"github.com/ssuji15/ciwatch/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// insertBatchSize bounds the statements queued in one pgx.Batch round trip.
const insertBatchSize = 500

type JobRepository struct {
	db *db.DB
}

func NewJobRepository(db *db.DB) *JobRepository {
	return &JobRepository{db: db}
}

const selectColumns = `
	id, run_id, name, workflow_name, workflow_path, status, conclusion,
	created_at, started_at, completed_at, duration_seconds, queued_seconds,
	runner_name, runner_id, runner_group_name, labels, head_branch, event,
	actor, html_url, run_created_at, pool, self_managed`

// ListJobs returns every stored job ordered by created_at.
func (r *JobRepository) ListJobs(ctx context.Context) ([]model.JobRecord, error) {
	ctx, span := tracer.GetTracer().Start(ctx, "Postgres/ListJobs")
	defer span.End()

	rows, err := r.db.Pool.Query(ctx, `SELECT `+selectColumns+` FROM ci_jobs ORDER BY created_at NULLS FIRST, id`)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	defer rows.Close()

	var jobs []model.JobRecord
	for rows.Next() {
		var j model.JobRecord
		var status string
		err := rows.Scan(
			&j.ID,
			&j.RunID,
			&j.Name,
			&j.WorkflowName,
			&j.WorkflowPath,
			&status,
			&j.Conclusion,
			&j.CreatedAt,
			&j.StartedAt,
			&j.CompletedAt,
			&j.DurationSeconds,
			&j.QueuedSeconds,
			&j.RunnerName,
			&j.RunnerID,
			&j.RunnerGroupName,
			&j.Labels,
			&j.HeadBranch,
			&j.Event,
			&j.Actor,
			&j.HTMLURL,
			&j.RunCreatedAt,
			&j.Pool,
			&j.SelfManaged,
		)
		if err != nil {
			util.RecordSpanError(span, err)
			return nil, err
		}
		j.Status = model.JobStatus(status)
		jobs = append(jobs, j)
	}

	if err := rows.Err(); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("rows", len(jobs)))
	return jobs, nil
}

// InsertJobs stores jobs in batches. Rows whose id is already present are left untouched.
// It returns the number of rows actually inserted.
func (r *JobRepository) InsertJobs(ctx context.Context, jobs []model.JobRecord) (int, error) {
	if len(jobs) == 0 {
		return 0, nil
	}

	ctx, span := tracer.GetTracer().Start(ctx, "Postgres/InsertJobs")
	defer span.End()
	span.AddEvent("jobs.context",
		trace.WithAttributes(attribute.Int("count", len(jobs))),
	)

	inserted := 0
	for start := 0; start < len(jobs); start += insertBatchSize {
		end := min(start+insertBatchSize, len(jobs))
		n, err := r.insertBatch(ctx, jobs[start:end])
		inserted += n
		if err != nil {
			util.RecordSpanError(span, err)
			return inserted, err
		}
	}
	return inserted, nil
}

func (r *JobRepository) insertBatch(ctx context.Context, jobs []model.JobRecord) (int, error) {
	const q = `
		INSERT INTO ci_jobs (` + selectColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
		ON CONFLICT (id) DO NOTHING`

	b := &pgx.Batch{}
	for _, j := range jobs {
		labels := j.Labels
		if labels == nil {
			labels = []string{}
		}
		b.Queue(q,
			j.ID, j.RunID, j.Name, j.WorkflowName, j.WorkflowPath, string(j.Status), j.Conclusion,
			j.CreatedAt, j.StartedAt, j.CompletedAt, j.DurationSeconds, j.QueuedSeconds,
			j.RunnerName, j.RunnerID, j.RunnerGroupName, labels, j.HeadBranch, j.Event,
			j.Actor, j.HTMLURL, j.RunCreatedAt, j.Pool, j.SelfManaged,
		)
	}

	br := r.db.Pool.SendBatch(ctx, b)
	defer br.Close()

	inserted := 0
	for range jobs {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("insert ci_jobs: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func (r *JobRepository) CountJobs(ctx context.Context) (int, error) {
	ctx, span := tracer.GetTracer().Start(ctx, "Postgres/CountJobs")
	defer span.End()

	var n int
	if err := r.db.Pool.QueryRow(ctx, `SELECT count(*) FROM ci_jobs`).Scan(&n); err != nil {
		util.RecordSpanError(span, err)
		return 0, err
	}
	return n, nil
}

// TruncateJobs empties ci_jobs. Used by tests and full re-collections.
func (r *JobRepository) TruncateJobs(ctx context.Context) error {
	_, err := r.db.Pool.Exec(ctx, `TRUNCATE ci_jobs`)
	return err
}
