package domain

import "encoding/json"

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobTypeJourneyExecution runs or resumes a journey session in the background.
const JobTypeJourneyExecution = "journey_execution"

type BackgroundJob struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	JobType           string          `json:"job_type"`
	Status            JobStatus       `json:"status" enum:"pending,running,completed,failed"`
	Progress          int             `json:"progress" minimum:"0" maximum:"100"`
	ProgressMessage   string          `json:"progress_message,omitempty"`
	InputData         json.RawMessage `json:"input_data,omitempty"`
	ResultData        json.RawMessage `json:"result_data,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	ErrorStack        string          `json:"error_stack,omitempty"`
	SessionID         string          `json:"session_id,omitempty"`
	RelatedEntityID   string          `json:"related_entity_id,omitempty"`
	RelatedEntityType string          `json:"related_entity_type,omitempty"`
	CreatedAt         string          `json:"created_at" format:"date-time"`
	UpdatedAt         string          `json:"updated_at" format:"date-time"`
	StartedAt         *string         `json:"started_at,omitempty" format:"date-time"`
	CompletedAt       *string         `json:"completed_at,omitempty" format:"date-time"`
	FailedAt          *string         `json:"failed_at,omitempty" format:"date-time"`
}
