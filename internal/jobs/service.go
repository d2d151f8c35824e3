// Package jobs tracks long-running work in background_jobs and dispatches
// pending jobs to registered workers.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"journeyline/internal/db"
	"journeyline/internal/domain"
	"journeyline/internal/events"
	"journeyline/internal/observability"
	"journeyline/internal/repo"
)

// CancelledMessage is stored as the error message of a cancelled job.
const CancelledMessage = "cancelled by user"

var ErrForbidden = errors.New("job belongs to another user")

// Update lists the fields UpdateJob may change. Nil fields are left alone.
type Update = repo.JobUpdate

type CreateParams struct {
	UserID            string
	JobType           string
	InputData         any
	SessionID         string
	RelatedEntityID   string
	RelatedEntityType string
}

// Service is the store-backed job tracker.
type Service struct {
	Gateway db.Gateway
	Events  events.Writer
	Logger  *slog.Logger
	Now     func() time.Time
	NewID   func() string
}

func NewService(g db.Gateway) Service {
	return Service{Gateway: g, Now: time.Now, NewID: uuid.NewString}
}

func (s Service) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s Service) newID() string {
	if s.NewID == nil {
		return uuid.NewString()
	}
	return s.NewID()
}

func (s Service) stamp() string { return domain.FormatTime(s.now()) }

func (s Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return observability.Logger()
}

// CreateJob inserts a pending job and returns its id. Jobs need an owner:
// without a user id nothing is written and the id is empty.
func (s Service) CreateJob(ctx context.Context, p CreateParams) (string, error) {
	if strings.TrimSpace(p.UserID) == "" {
		s.logger().Warn("job not created: missing user", "job_type", p.JobType)
		return "", nil
	}
	if strings.TrimSpace(p.JobType) == "" {
		return "", fmt.Errorf("job type is required")
	}
	var input json.RawMessage
	if p.InputData != nil {
		b, err := json.Marshal(p.InputData)
		if err != nil {
			return "", fmt.Errorf("encode job input: %w", err)
		}
		input = b
	}
	id := s.newID()
	ts := s.stamp()
	job := domain.BackgroundJob{
		ID:                id,
		UserID:            p.UserID,
		JobType:           p.JobType,
		Status:            domain.JobPending,
		InputData:         input,
		SessionID:         p.SessionID,
		RelatedEntityID:   p.RelatedEntityID,
		RelatedEntityType: p.RelatedEntityType,
		CreatedAt:         ts,
		UpdatedAt:         ts,
	}
	if err := s.Gateway.RetryWithBackoff(ctx, func(ctx context.Context, q db.Querier) error {
		return repo.New(q).InsertJob(ctx, job)
	}); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	s.appendEvent(ctx, events.JobCreated, job, events.EventPayload{"job_type": job.JobType})
	s.logger().Info("job created", "job_id", id, "job_type", job.JobType, "user_id", job.UserID)
	return id, nil
}

// CreateJobForSession returns the active job of p.SessionID when one exists
// and creates a new job otherwise.
func (s Service) CreateJobForSession(ctx context.Context, p CreateParams) (string, bool, error) {
	if p.SessionID == "" {
		return "", false, fmt.Errorf("session id is required")
	}
	active, err := db.RetryValue(ctx, s.Gateway, func(ctx context.Context, q db.Querier) ([]domain.BackgroundJob, error) {
		return repo.New(q).ListJobs(ctx, repo.JobFilter{
			SessionID: p.SessionID,
			JobType:   p.JobType,
			Statuses:  []domain.JobStatus{domain.JobPending, domain.JobRunning},
			Limit:     1,
		})
	})
	if err != nil {
		return "", false, err
	}
	if len(active) > 0 {
		return active[0].ID, false, nil
	}
	id, err := s.CreateJob(ctx, p)
	return id, id != "", err
}

// UpdateJob applies u to an unfinished job. Updates to finished jobs return
// repo.ErrConflict.
func (s Service) UpdateJob(ctx context.Context, id string, u Update) error {
	return s.Gateway.RetryWithBackoff(ctx, func(ctx context.Context, q db.Querier) error {
		return repo.New(q).UpdateJob(ctx, id, u, s.stamp())
	})
}

// ReportProgress records percent and message for a running job.
func (s Service) ReportProgress(ctx context.Context, id string, percent int, message string) error {
	return s.UpdateJob(ctx, id, Update{Progress: &percent, ProgressMessage: &message})
}

// CompleteJob marks the job completed. A nil result is stored as an empty
// object so a completed job always carries result data.
func (s Service) CompleteJob(ctx context.Context, id string, result any) error {
	data := json.RawMessage(`{}`)
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode job result: %w", err)
		}
		if string(b) != "null" {
			data = b
		}
	}
	status := domain.JobCompleted
	progress := 100
	if err := s.UpdateJob(ctx, id, Update{Status: &status, Progress: &progress, ResultData: data}); err != nil {
		return err
	}
	if job, err := s.GetJob(ctx, id); err == nil {
		s.appendEvent(ctx, events.JobCompleted, job, nil)
	}
	return nil
}

// FailJob marks the job failed with the error message and its stack.
func (s Service) FailJob(ctx context.Context, id string, cause error) error {
	status := domain.JobFailed
	msg := cause.Error()
	stack := errorStack(cause)
	if err := s.UpdateJob(ctx, id, Update{Status: &status, ErrorMessage: &msg, ErrorStack: &stack}); err != nil {
		return err
	}
	if job, err := s.GetJob(ctx, id); err == nil {
		s.appendEvent(ctx, events.JobFailed, job, events.EventPayload{"error": msg})
	}
	return nil
}

func (s Service) GetJob(ctx context.Context, id string) (domain.BackgroundJob, error) {
	return db.RetryValue(ctx, s.Gateway, func(ctx context.Context, q db.Querier) (domain.BackgroundJob, error) {
		return repo.New(q).GetJob(ctx, id)
	})
}

// GetJobForUser returns the job only when userID owns it.
func (s Service) GetJobForUser(ctx context.Context, id, userID string) (domain.BackgroundJob, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return job, err
	}
	if job.UserID != userID {
		return domain.BackgroundJob{}, fmt.Errorf("job %s: %w", id, ErrForbidden)
	}
	return job, nil
}

func (s Service) list(ctx context.Context, f repo.JobFilter) ([]domain.BackgroundJob, error) {
	return db.RetryValue(ctx, s.Gateway, func(ctx context.Context, q db.Querier) ([]domain.BackgroundJob, error) {
		return repo.New(q).ListJobs(ctx, f)
	})
}

// ListJobsByUser returns a user's jobs, newest first. An empty status lists
// every status.
func (s Service) ListJobsByUser(ctx context.Context, userID string, status domain.JobStatus, limit int) ([]domain.BackgroundJob, error) {
	f := repo.JobFilter{UserID: userID, Limit: limit}
	if status != "" {
		f.Statuses = []domain.JobStatus{status}
	}
	return s.list(ctx, f)
}

// RunningJobsForUser returns the user's pending and running jobs.
func (s Service) RunningJobsForUser(ctx context.Context, userID string) ([]domain.BackgroundJob, error) {
	return s.list(ctx, repo.JobFilter{UserID: userID, Statuses: []domain.JobStatus{domain.JobPending, domain.JobRunning}})
}

// LatestJobForSession returns the newest job attached to a session.
func (s Service) LatestJobForSession(ctx context.Context, sessionID string) (domain.BackgroundJob, error) {
	jobs, err := s.list(ctx, repo.JobFilter{SessionID: sessionID, Limit: 1})
	if err != nil {
		return domain.BackgroundJob{}, err
	}
	if len(jobs) == 0 {
		return domain.BackgroundJob{}, fmt.Errorf("job for session %s: %w", sessionID, repo.ErrNotFound)
	}
	return jobs[0], nil
}

// RecentJobs returns the user's jobs created in the last 24 hours.
func (s Service) RecentJobs(ctx context.Context, userID string) ([]domain.BackgroundJob, error) {
	since := domain.FormatTime(s.now().Add(-24 * time.Hour))
	return s.list(ctx, repo.JobFilter{UserID: userID, CreatedAfter: since})
}

func (s Service) JobsByRelatedEntity(ctx context.Context, entityType, entityID string) ([]domain.BackgroundJob, error) {
	return s.list(ctx, repo.JobFilter{RelatedEntityType: entityType, RelatedEntityID: entityID})
}

// PendingJobs returns up to limit pending jobs, oldest first.
func (s Service) PendingJobs(ctx context.Context, limit int) ([]domain.BackgroundJob, error) {
	return s.list(ctx, repo.JobFilter{Statuses: []domain.JobStatus{domain.JobPending}, Limit: limit, Oldest: true})
}

// ClaimJob moves a pending job to running. It reports false when another
// worker got there first.
func (s Service) ClaimJob(ctx context.Context, id string) (bool, error) {
	return db.RetryValue(ctx, s.Gateway, func(ctx context.Context, q db.Querier) (bool, error) {
		return repo.New(q).ClaimJob(ctx, id, s.stamp())
	})
}

// CancelJob marks a pending or running job owned by userID as failed. The
// worker is not interrupted; it can poll IsCancelled. It reports false when
// the job is not the user's or has already finished.
func (s Service) CancelJob(ctx context.Context, jobID, userID string) (bool, error) {
	ok, err := db.RetryValue(ctx, s.Gateway, func(ctx context.Context, q db.Querier) (bool, error) {
		return repo.New(q).CancelJob(ctx, jobID, userID, CancelledMessage, s.stamp())
	})
	if err != nil || !ok {
		return ok, err
	}
	if job, err := s.GetJob(ctx, jobID); err == nil {
		s.appendEvent(ctx, events.JobCancelled, job, nil)
	}
	s.logger().Info("job cancelled", "job_id", jobID, "user_id", userID)
	return true, nil
}

// IsCancelled reports whether the job was cancelled by its owner.
func (s Service) IsCancelled(ctx context.Context, id string) (bool, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return false, err
	}
	return job.Status == domain.JobFailed && job.ErrorMessage == CancelledMessage, nil
}

// CleanupOldJobs deletes finished jobs created more than daysOld days ago.
func (s Service) CleanupOldJobs(ctx context.Context, daysOld int) (int64, error) {
	if daysOld < 0 {
		return 0, fmt.Errorf("days must not be negative")
	}
	cutoff := domain.FormatTime(s.now().AddDate(0, 0, -daysOld))
	n, err := db.RetryValue(ctx, s.Gateway, func(ctx context.Context, q db.Querier) (int64, error) {
		return repo.New(q).DeleteFinishedJobsBefore(ctx, cutoff)
	})
	if err != nil {
		return 0, err
	}
	s.logger().Info("old jobs removed", "deleted", n, "days_old", daysOld)
	return n, nil
}

func (s Service) appendEvent(ctx context.Context, typ string, job domain.BackgroundJob, payload events.EventPayload) {
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["job_id"] = job.ID
	payload["status"] = job.Status
	w := s.Events
	if w.Now == nil {
		w.Now = s.now
	}
	err := s.Gateway.WithFreshConnection(context.WithoutCancel(ctx), func(ctx context.Context, q db.Querier) error {
		return w.Append(ctx, q, events.Event{Type: typ, SessionID: job.SessionID, UserID: job.UserID, Payload: payload})
	})
	if err != nil {
		s.logger().Warn("append event failed", "type", typ, "job_id", job.ID, "error", err)
	}
}

// errorStack renders the wrap chain of err, outermost first. Panics carry
// their goroutine stack instead.
func errorStack(err error) string {
	var p *PanicError
	if errors.As(err, &p) {
		return p.Stack
	}
	var lines []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		lines = append(lines, fmt.Sprintf("%T: %s", e, e.Error()))
	}
	return strings.Join(lines, "\n")
}

// PanicError wraps a recovered worker panic.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("worker panic: %v", e.Value) }
