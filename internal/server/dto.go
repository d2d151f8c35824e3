package server

import (
	"encoding/json"

	"journeyline/internal/config"
	"journeyline/internal/domain"
)

// Request payloads

type CreateUnderstandingRequest struct {
	ID        *string `json:"id,omitempty"`
	Title     string  `json:"title,omitempty"`
	UserInput string  `json:"user_input" minLength:"1"`
}

type StartJourneyRequest struct {
	UnderstandingID string `json:"understanding_id"`
	JourneyType     string `json:"journey_type"`
	// Execute queues a background job right away.
	Execute bool `json:"execute,omitempty"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type MeResponse struct {
	UserID string `json:"user_id"`
	Source string `json:"source"`
}

type UnderstandingResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Title     string `json:"title,omitempty"`
	UserInput string `json:"user_input"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type SessionResponse struct {
	ID                    string                   `json:"id"`
	UnderstandingID       string                   `json:"understanding_id"`
	UserID                string                   `json:"user_id"`
	JourneyType           string                   `json:"journey_type"`
	Status                string                   `json:"status" enum:"initializing,in_progress,paused,completed,failed"`
	CurrentFrameworkIndex int                      `json:"current_framework_index"`
	CompletedFrameworks   []string                 `json:"completed_frameworks"`
	ErrorMessage          string                   `json:"error_message,omitempty"`
	Context               *domain.StrategicContext `json:"accumulated_context,omitempty"`
	CreatedAt             string                   `json:"created_at" format:"date-time"`
	UpdatedAt             string                   `json:"updated_at" format:"date-time"`
	CompletedAt           *string                  `json:"completed_at,omitempty" format:"date-time"`
}

type StartJourneyResponse struct {
	Session SessionResponse `json:"session"`
	JobID   string          `json:"job_id,omitempty"`
}

type JobQueuedResponse struct {
	JobID     string `json:"job_id"`
	SessionID string `json:"session_id"`
	// Created is false when an active job for the session already existed.
	Created bool `json:"created"`
}

type JobResponse struct {
	ID                string         `json:"id"`
	UserID            string         `json:"user_id"`
	JobType           string         `json:"job_type"`
	Status            string         `json:"status" enum:"pending,running,completed,failed"`
	Progress          int            `json:"progress" minimum:"0" maximum:"100"`
	ProgressMessage   string         `json:"progress_message,omitempty"`
	InputData         map[string]any `json:"input_data,omitempty"`
	ResultData        map[string]any `json:"result_data,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	SessionID         string         `json:"session_id,omitempty"`
	RelatedEntityID   string         `json:"related_entity_id,omitempty"`
	RelatedEntityType string         `json:"related_entity_type,omitempty"`
	CreatedAt         string         `json:"created_at" format:"date-time"`
	UpdatedAt         string         `json:"updated_at" format:"date-time"`
	StartedAt         *string        `json:"started_at,omitempty" format:"date-time"`
	CompletedAt       *string        `json:"completed_at,omitempty" format:"date-time"`
	FailedAt          *string        `json:"failed_at,omitempty" format:"date-time"`
}

type JobResultResponse struct {
	JobID        string         `json:"job_id"`
	Status       string         `json:"status" enum:"pending,running,completed,failed"`
	Progress     int            `json:"progress"`
	ResultData   map[string]any `json:"result_data,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

type CancelJobResponse struct {
	JobID     string `json:"job_id"`
	Cancelled bool   `json:"cancelled"`
}

type JourneyTypeResponse struct {
	Type        string   `json:"type"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Frameworks  []string `json:"frameworks"`
	Available   bool     `json:"available"`
	Reason      string   `json:"reason"`
}

type InsightResponse struct {
	ID            string         `json:"id"`
	FrameworkName string         `json:"framework_name"`
	Insight       map[string]any `json:"insight,omitempty"`
	Errors        []string       `json:"errors,omitempty"`
	DurationMS    int64          `json:"duration_ms"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts" format:"date-time"`
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Framework string         `json:"framework,omitempty"`
	Payload   map[string]any `json:"payload"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

// Conversion helpers

func understandingResponse(u domain.Understanding) UnderstandingResponse {
	return UnderstandingResponse(u)
}

func sessionResponse(s domain.JourneySession, withContext bool) SessionResponse {
	res := SessionResponse{
		ID:                    s.ID,
		UnderstandingID:       s.UnderstandingID,
		UserID:                s.UserID,
		JourneyType:           s.JourneyType,
		Status:                string(s.Status),
		CurrentFrameworkIndex: s.CurrentFrameworkIndex,
		CompletedFrameworks:   nonNilSlice(s.CompletedFrameworks),
		ErrorMessage:          s.ErrorMessage,
		CreatedAt:             s.CreatedAt,
		UpdatedAt:             s.UpdatedAt,
		CompletedAt:           s.CompletedAt,
	}
	if withContext {
		c := s.Context
		res.Context = &c
	}
	return res
}

func jobResponse(j domain.BackgroundJob) JobResponse {
	return JobResponse{
		ID:                j.ID,
		UserID:            j.UserID,
		JobType:           j.JobType,
		Status:            string(j.Status),
		Progress:          j.Progress,
		ProgressMessage:   j.ProgressMessage,
		InputData:         decodeJSONMap(j.InputData),
		ResultData:        decodeJSONMap(j.ResultData),
		ErrorMessage:      j.ErrorMessage,
		SessionID:         j.SessionID,
		RelatedEntityID:   j.RelatedEntityID,
		RelatedEntityType: j.RelatedEntityType,
		CreatedAt:         j.CreatedAt,
		UpdatedAt:         j.UpdatedAt,
		StartedAt:         j.StartedAt,
		CompletedAt:       j.CompletedAt,
		FailedAt:          j.FailedAt,
	}
}

func mapJobs(items []domain.BackgroundJob) []JobResponse {
	out := make([]JobResponse, 0, len(items))
	for _, j := range items {
		out = append(out, jobResponse(j))
	}
	return out
}

func insightResponse(rec domain.InsightRecord) InsightResponse {
	return InsightResponse{
		ID:            rec.ID,
		FrameworkName: rec.FrameworkName,
		Insight:       decodeJSONMap(rec.Insight),
		Errors:        rec.Errors,
		DurationMS:    rec.DurationMS,
		CreatedAt:     rec.CreatedAt,
	}
}

func eventResponse(e domain.JourneyEvent) EventResponse {
	payload := decodeJSONMap(json.RawMessage(e.Payload))
	if payload == nil {
		payload = map[string]any{}
	}
	return EventResponse{
		ID:        e.ID,
		TS:        e.TS,
		Type:      e.Type,
		SessionID: e.SessionID,
		UserID:    e.UserID,
		Framework: e.Framework,
		Payload:   payload,
	}
}

func journeyTypeResponse(journeyType string, j config.Journey, available bool, reason string) JourneyTypeResponse {
	return JourneyTypeResponse{
		Type:        journeyType,
		Name:        j.Name,
		Description: j.Description,
		Frameworks:  nonNilSlice(j.Frameworks),
		Available:   available,
		Reason:      reason,
	}
}

// JSON helpers

func decodeJSONMap(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var tmp any
	if err := json.Unmarshal(raw, &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
