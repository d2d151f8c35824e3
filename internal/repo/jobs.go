package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"journeyline/internal/domain"
)

const jobColumns = `id,user_id,job_type,status,progress,COALESCE(progress_message,''),input_data,result_data,COALESCE(error_message,''),COALESCE(error_stack,''),COALESCE(session_id,''),COALESCE(related_entity_id,''),COALESCE(related_entity_type,''),created_at,updated_at,started_at,completed_at,failed_at`

func scanJob(row rowScanner) (domain.BackgroundJob, error) {
	var (
		j                          domain.BackgroundJob
		input, result              sql.NullString
		started, completed, failed sql.NullString
	)
	err := row.Scan(&j.ID, &j.UserID, &j.JobType, &j.Status, &j.Progress, &j.ProgressMessage, &input, &result,
		&j.ErrorMessage, &j.ErrorStack, &j.SessionID, &j.RelatedEntityID, &j.RelatedEntityType,
		&j.CreatedAt, &j.UpdatedAt, &started, &completed, &failed)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.InputData = rawJSON(input)
	j.ResultData = rawJSON(result)
	j.StartedAt = optionalString(started)
	j.CompletedAt = optionalString(completed)
	j.FailedAt = optionalString(failed)
	return j, nil
}

func (r Repo) InsertJob(ctx context.Context, j domain.BackgroundJob) error {
	_, err := r.Q.ExecContext(ctx, `INSERT INTO background_jobs(id,user_id,job_type,status,progress,progress_message,input_data,session_id,related_entity_id,related_entity_type,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.UserID, j.JobType, j.Status, j.Progress, nullable(j.ProgressMessage), nullableJSON(j.InputData),
		nullable(j.SessionID), nullable(j.RelatedEntityID), nullable(j.RelatedEntityType), j.CreatedAt, j.UpdatedAt)
	return err
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.BackgroundJob, error) {
	return scanJob(r.Q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM background_jobs WHERE id=?`, id))
}

// JobFilter narrows ListJobs. Zero fields are ignored.
type JobFilter struct {
	UserID            string
	Statuses          []domain.JobStatus
	JobType           string
	SessionID         string
	RelatedEntityID   string
	RelatedEntityType string
	CreatedAfter      string
	Limit             int
	// Oldest orders by creation ascending instead of newest first.
	Oldest bool
}

func (r Repo) ListJobs(ctx context.Context, f JobFilter) ([]domain.BackgroundJob, error) {
	var (
		clauses []string
		args    []any
	)
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, s)
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ",")+")")
	}
	if f.JobType != "" {
		clauses = append(clauses, "job_type=?")
		args = append(args, f.JobType)
	}
	if f.SessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, f.SessionID)
	}
	if f.RelatedEntityID != "" {
		clauses = append(clauses, "related_entity_id=?")
		args = append(args, f.RelatedEntityID)
	}
	if f.RelatedEntityType != "" {
		clauses = append(clauses, "related_entity_type=?")
		args = append(args, f.RelatedEntityType)
	}
	if f.CreatedAfter != "" {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.CreatedAfter)
	}
	query := `SELECT ` + jobColumns + ` FROM background_jobs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	if f.Oldest {
		query += ` ORDER BY created_at ASC, id ASC`
	} else {
		query += ` ORDER BY created_at DESC, id DESC`
	}
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.Q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BackgroundJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// ClaimJob moves a pending job to running. It reports false when another
// worker already claimed it.
func (r Repo) ClaimJob(ctx context.Context, id, now string) (bool, error) {
	res, err := r.Q.ExecContext(ctx, `UPDATE background_jobs SET status='running', started_at=COALESCE(started_at, ?), updated_at=? WHERE id=? AND status='pending'`, now, now, id)
	if err != nil {
		return false, err
	}
	return rowsAffected(res) == 1, nil
}

// JobUpdate lists the fields UpdateJob may change. Nil fields are left alone.
type JobUpdate struct {
	Status          *domain.JobStatus
	Progress        *int
	ProgressMessage *string
	ResultData      json.RawMessage
	ErrorMessage    *string
	ErrorStack      *string
}

// UpdateJob applies u to a job that has not yet finished. While a job runs its
// progress never decreases. Entering running, completed or failed stamps the
// matching timestamp. Finished jobs are left untouched and yield ErrConflict.
func (r Repo) UpdateJob(ctx context.Context, id string, u JobUpdate, now string) error {
	fields := []string{"updated_at=?"}
	args := []any{now}
	if u.Status != nil {
		fields = append(fields, "status=?")
		args = append(args, *u.Status)
		switch *u.Status {
		case domain.JobRunning:
			fields = append(fields, "started_at=COALESCE(started_at, ?)")
			args = append(args, now)
		case domain.JobCompleted:
			fields = append(fields, "completed_at=?", "error_message=NULL", "error_stack=NULL")
			args = append(args, now)
		case domain.JobFailed:
			fields = append(fields, "failed_at=?", "result_data=NULL")
			args = append(args, now)
		}
	}
	if u.Progress != nil {
		p := clampProgress(*u.Progress)
		fields = append(fields, "progress=CASE WHEN status='running' THEN MAX(progress, ?) ELSE ? END")
		args = append(args, p, p)
	}
	if u.ProgressMessage != nil {
		fields = append(fields, "progress_message=?")
		args = append(args, nullable(*u.ProgressMessage))
	}
	if len(u.ResultData) > 0 {
		fields = append(fields, "result_data=?")
		args = append(args, string(u.ResultData))
	}
	if u.ErrorMessage != nil {
		fields = append(fields, "error_message=?")
		args = append(args, nullable(*u.ErrorMessage))
	}
	if u.ErrorStack != nil {
		fields = append(fields, "error_stack=?")
		args = append(args, nullable(*u.ErrorStack))
	}
	args = append(args, id)
	res, err := r.Q.ExecContext(ctx, fmt.Sprintf(`UPDATE background_jobs SET %s WHERE id=? AND status IN ('pending','running')`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if rowsAffected(res) == 0 {
		return r.missingOrConflict(ctx, "background_jobs", id)
	}
	return nil
}

// CancelJob soft-cancels a pending or running job owned by userID by marking
// it failed. It reports false when the job is missing, owned by someone else
// or already finished.
func (r Repo) CancelJob(ctx context.Context, id, userID, message, now string) (bool, error) {
	res, err := r.Q.ExecContext(ctx, `UPDATE background_jobs
SET status='failed', error_message=?, failed_at=?, updated_at=?
WHERE id=? AND user_id=? AND status IN ('pending','running')`, message, now, now, id, userID)
	if err != nil {
		return false, err
	}
	return rowsAffected(res) == 1, nil
}

// DeleteFinishedJobsBefore removes completed and failed jobs created before cutoff.
func (r Repo) DeleteFinishedJobsBefore(ctx context.Context, cutoff string) (int64, error) {
	res, err := r.Q.ExecContext(ctx, `DELETE FROM background_jobs WHERE status IN ('completed','failed') AND created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res), nil
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
