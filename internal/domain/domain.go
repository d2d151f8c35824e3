package domain

import (
	"encoding/json"
	"time"
)

// TimeLayout is fixed width so stored timestamps compare lexicographically.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses timestamps written by FormatTime (or any RFC3339 value).
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

type SessionStatus string

const (
	SessionInitializing SessionStatus = "initializing"
	SessionInProgress   SessionStatus = "in_progress"
	SessionPaused       SessionStatus = "paused"
	SessionCompleted    SessionStatus = "completed"
	SessionFailed       SessionStatus = "failed"
)

// Terminal reports whether no further steps may run for the session.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

type Understanding struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Title     string `json:"title,omitempty"`
	UserInput string `json:"user_input"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type JourneySession struct {
	ID                    string           `json:"id"`
	UnderstandingID       string           `json:"understanding_id"`
	UserID                string           `json:"user_id"`
	JourneyType           string           `json:"journey_type"`
	Status                SessionStatus    `json:"status" enum:"initializing,in_progress,paused,completed,failed"`
	CurrentFrameworkIndex int              `json:"current_framework_index"`
	CompletedFrameworks   []string         `json:"completed_frameworks"`
	Context               StrategicContext `json:"accumulated_context"`
	ErrorMessage          string           `json:"error_message,omitempty"`
	ExecutorID            *string          `json:"executor_id,omitempty"`
	LeaseExpiresAt        *string          `json:"lease_expires_at,omitempty" format:"date-time"`
	CreatedAt             string           `json:"created_at" format:"date-time"`
	UpdatedAt             string           `json:"updated_at" format:"date-time"`
	CompletedAt           *string          `json:"completed_at,omitempty" format:"date-time"`
}

type ContextStatus string

const (
	ContextInitializing ContextStatus = "initializing"
	ContextInProgress   ContextStatus = "in_progress"
	ContextCompleted    ContextStatus = "completed"
)

// StrategicContext is the state threaded through a journey. Values are
// replaced wholesale after each step, never edited in place.
type StrategicContext struct {
	UnderstandingID       string          `json:"understanding_id"`
	SessionID             string          `json:"session_id"`
	UserInput             string          `json:"user_input"`
	JourneyType           string          `json:"journey_type"`
	CurrentFrameworkIndex int             `json:"current_framework_index"`
	CompletedFrameworks   []string        `json:"completed_frameworks"`
	Insights              map[string]any  `json:"insights"`
	// BridgedKeys lists the insights written by bridges rather than frameworks.
	BridgedKeys           []string        `json:"bridged_keys,omitempty"`
	MarketResearch        *MarketResearch `json:"market_research,omitempty"`
	Decisions             []Decision      `json:"decisions,omitempty"`
	Status                ContextStatus   `json:"status"`
	CreatedAt             string          `json:"created_at" format:"date-time"`
	UpdatedAt             string          `json:"updated_at" format:"date-time"`
}

type FrameworkResult struct {
	FrameworkName string         `json:"framework_name"`
	ExecutedAt    string         `json:"executed_at" format:"date-time"`
	DurationMS    int64          `json:"duration_ms"`
	Data          map[string]any `json:"data"`
	Errors        []string       `json:"errors,omitempty"`
}

// Failed reports whether the executor raised instead of returning data.
func (r FrameworkResult) Failed() bool {
	return len(r.Errors) > 0
}

type MarketResearch struct {
	Findings       []ResearchFinding `json:"findings"`
	Sources        []ResearchSource  `json:"sources"`
	Contradictions []string          `json:"contradictions"`
}

type ResearchFinding struct {
	Fact       string  `json:"fact"`
	Citation   string  `json:"citation,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

type ResearchSource struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

type Decision struct {
	ID        string `json:"id"`
	Topic     string `json:"topic"`
	Decision  string `json:"decision"`
	Rationale string `json:"rationale,omitempty"`
	MadeBy    string `json:"made_by,omitempty"`
}

// CriticalItems is a read-only projection of a context's insights.
type CriticalItems struct {
	Risks         []string `json:"risks"`
	Opportunities []string `json:"opportunities"`
	Constraints   []string `json:"constraints"`
}

type JourneyProgress struct {
	SessionID        string        `json:"session_id"`
	CurrentFramework string        `json:"current_framework,omitempty"`
	FrameworkIndex   int           `json:"framework_index"`
	TotalFrameworks  int           `json:"total_frameworks"`
	PercentComplete  int           `json:"percent_complete" minimum:"0" maximum:"100"`
	Status           SessionStatus `json:"status"`
}

type InsightRecord struct {
	ID            string          `json:"id"`
	SessionID     string          `json:"session_id"`
	FrameworkName string          `json:"framework_name"`
	Insight       json.RawMessage `json:"insight"`
	Errors        []string        `json:"errors,omitempty"`
	DurationMS    int64           `json:"duration_ms"`
	CreatedAt     string          `json:"created_at" format:"date-time"`
}

type JourneyEvent struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Framework string `json:"framework,omitempty"`
	Payload   string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
