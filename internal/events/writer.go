package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"journeyline/internal/db"
	"journeyline/internal/domain"
)

const (
	JourneyStarted       = "journey.started"
	JourneyResumed       = "journey.resumed"
	JourneyPaused        = "journey.paused"
	JourneyCompleted     = "journey.completed"
	JourneyFailed        = "journey.failed"
	StepCompleted        = "journey.step_completed"
	StepFailed           = "journey.step_failed"
	BridgeApplied        = "journey.bridge_applied"
	InsightPersistFailed = "insight.persist_failed"
	JobCreated           = "job.created"
	JobCompleted         = "job.completed"
	JobFailed            = "job.failed"
	JobCancelled         = "job.cancelled"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Event is one row appended to journey_events.
type Event struct {
	Type      string
	SessionID string
	UserID    string
	Framework string
	Payload   EventPayload
}

func (w Writer) Append(ctx context.Context, q db.Querier, e Event) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if e.Type == "" {
		return fmt.Errorf("event type required")
	}
	payload := e.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = q.ExecContext(ctx, `INSERT INTO journey_events(ts,type,session_id,user_id,framework,payload_json) VALUES (?,?,?,?,?,?)`,
		domain.FormatTime(w.Now()), e.Type, nullable(e.SessionID), nullable(e.UserID), nullable(e.Framework), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
