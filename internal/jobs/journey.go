package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"journeyline/internal/domain"
	"journeyline/internal/journey"
)

// JourneyInput is the input_data of a journey_execution job.
type JourneyInput struct {
	SessionID string `json:"session_id"`
	Resume    bool   `json:"resume,omitempty"`
}

// JourneyResult is stored as result_data once the run stops.
type JourneyResult struct {
	SessionID             string               `json:"session_id"`
	Status                domain.SessionStatus `json:"status"`
	CurrentFrameworkIndex int                  `json:"current_framework_index"`
	CompletedFrameworks   []string             `json:"completed_frameworks"`
	CompletedAt           *string              `json:"completed_at,omitempty"`
}

// JourneyRunner is the part of the orchestrator the worker drives.
type JourneyRunner interface {
	ExecuteJourney(ctx context.Context, id string, progress journey.ProgressFunc) (domain.JourneySession, error)
	ResumeJourney(ctx context.Context, id string, progress journey.ProgressFunc) (domain.JourneySession, error)
}

// JourneyWorker executes or resumes the session named in the job input and
// maps journey progress onto the job.
func JourneyWorker(runner JourneyRunner) WorkerFunc {
	return func(ctx context.Context, job domain.BackgroundJob, progress ProgressFunc) (any, error) {
		var in JourneyInput
		if len(job.InputData) > 0 {
			if err := json.Unmarshal(job.InputData, &in); err != nil {
				return nil, Permanent(fmt.Errorf("decode journey input: %w", err))
			}
		}
		if in.SessionID == "" {
			in.SessionID = job.SessionID
		}
		if in.SessionID == "" {
			return nil, Permanent(errors.New("journey job has no session id"))
		}
		report := func(p domain.JourneyProgress) {
			progress(p.PercentComplete, progressMessage(p))
		}
		run := runner.ExecuteJourney
		if in.Resume {
			run = runner.ResumeJourney
		}
		s, err := run(ctx, in.SessionID, report)
		if err != nil {
			if retryableJourneyError(err) {
				return nil, err
			}
			return nil, Permanent(err)
		}
		return JourneyResult{
			SessionID:             s.ID,
			Status:                s.Status,
			CurrentFrameworkIndex: s.CurrentFrameworkIndex,
			CompletedFrameworks:   s.CompletedFrameworks,
			CompletedAt:           s.CompletedAt,
		}, nil
	}
}

// retryableJourneyError reports errors another attempt may get past: a lease
// still held by a dying executor.
func retryableJourneyError(err error) bool {
	return errors.Is(err, journey.ErrSessionBusy)
}

func progressMessage(p domain.JourneyProgress) string {
	switch p.Status {
	case domain.SessionCompleted:
		return fmt.Sprintf("Completed %d frameworks", p.TotalFrameworks)
	case domain.SessionPaused:
		return fmt.Sprintf("Paused after %d of %d frameworks", p.FrameworkIndex, p.TotalFrameworks)
	}
	return fmt.Sprintf("Running %s (%d/%d)", p.CurrentFramework, p.FrameworkIndex+1, p.TotalFrameworks)
}

// SessionLister finds sessions whose executor lease ran out.
type SessionLister interface {
	ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]domain.JourneySession, error)
}

// RequeueStalled creates a resume job for every in-progress session whose
// executor stopped renewing its lease. A session that already has an active
// job is left alone.
func RequeueStalled(svc Service, sessions SessionLister, limit int) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		stalled, err := sessions.ExpiredLeases(ctx, svc.now(), limit)
		if err != nil {
			return err
		}
		for _, s := range stalled {
			id, created, err := svc.CreateJobForSession(ctx, CreateParams{
				UserID:            s.UserID,
				JobType:           domain.JobTypeJourneyExecution,
				InputData:         JourneyInput{SessionID: s.ID, Resume: true},
				SessionID:         s.ID,
				RelatedEntityID:   s.ID,
				RelatedEntityType: "journey_session",
			})
			if err != nil {
				return fmt.Errorf("requeue session %s: %w", s.ID, err)
			}
			if created {
				svc.logger().Info("stalled session requeued", "session_id", s.ID, "job_id", id)
			}
		}
		return nil
	}
}
