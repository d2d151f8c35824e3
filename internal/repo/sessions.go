package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"journeyline/internal/domain"
)

type rowScanner interface {
	Scan(dest ...any) error
}

const sessionColumns = `id,understanding_id,user_id,journey_type,status,current_framework_index,completed_frameworks,accumulated_context,COALESCE(error_message,''),executor_id,lease_expires_at,created_at,updated_at,completed_at`

func scanSession(row rowScanner) (domain.JourneySession, error) {
	var (
		s                       domain.JourneySession
		completed, ctxJSON      string
		executor, lease, doneAt sql.NullString
	)
	err := row.Scan(&s.ID, &s.UnderstandingID, &s.UserID, &s.JourneyType, &s.Status, &s.CurrentFrameworkIndex,
		&completed, &ctxJSON, &s.ErrorMessage, &executor, &lease, &s.CreatedAt, &s.UpdatedAt, &doneAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if s.CompletedFrameworks, err = unmarshalStrings(completed); err != nil {
		return s, fmt.Errorf("decode completed_frameworks for %s: %w", s.ID, err)
	}
	if ctxJSON != "" {
		if err := json.Unmarshal([]byte(ctxJSON), &s.Context); err != nil {
			return s, fmt.Errorf("decode accumulated_context for %s: %w", s.ID, err)
		}
	}
	s.ExecutorID = optionalString(executor)
	s.LeaseExpiresAt = optionalString(lease)
	s.CompletedAt = optionalString(doneAt)
	return s, nil
}

func encodeContext(c domain.StrategicContext) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode accumulated_context: %w", err)
	}
	return string(b), nil
}

func (r Repo) InsertSession(ctx context.Context, s domain.JourneySession) error {
	completed, err := marshalStrings(s.CompletedFrameworks)
	if err != nil {
		return err
	}
	ctxJSON, err := encodeContext(s.Context)
	if err != nil {
		return err
	}
	_, err = r.Q.ExecContext(ctx, `INSERT INTO journey_sessions(id,understanding_id,user_id,journey_type,status,current_framework_index,completed_frameworks,accumulated_context,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.UnderstandingID, s.UserID, s.JourneyType, s.Status, s.CurrentFrameworkIndex, completed, ctxJSON, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.JourneySession, error) {
	return scanSession(r.Q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM journey_sessions WHERE id=?`, id))
}

type SessionFilter struct {
	UserID          string
	UnderstandingID string
	Status          domain.SessionStatus
	Limit           int
}

func (r Repo) ListSessions(ctx context.Context, f SessionFilter) ([]domain.JourneySession, error) {
	query := `SELECT ` + sessionColumns + ` FROM journey_sessions WHERE 1=1`
	var args []any
	if f.UserID != "" {
		query += ` AND user_id=?`
		args = append(args, f.UserID)
	}
	if f.UnderstandingID != "" {
		query += ` AND understanding_id=?`
		args = append(args, f.UnderstandingID)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.Q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JourneySession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// AcquireSessionLease claims the session for executorID and marks it
// in_progress. It fails with ErrConflict while another executor holds an
// unexpired lease or when the session is already terminal.
func (r Repo) AcquireSessionLease(ctx context.Context, id, executorID, now, expiresAt string) error {
	res, err := r.Q.ExecContext(ctx, `UPDATE journey_sessions
SET status='in_progress', executor_id=?, lease_expires_at=?, updated_at=?
WHERE id=? AND status IN ('initializing','in_progress','paused')
  AND (executor_id IS NULL OR executor_id=? OR lease_expires_at IS NULL OR lease_expires_at < ?)`,
		executorID, expiresAt, now, id, executorID, now)
	if err != nil {
		return err
	}
	if rowsAffected(res) == 0 {
		return r.missingOrConflict(ctx, "journey_sessions", id)
	}
	return nil
}

// Checkpoint is the state persisted after one framework step.
type Checkpoint struct {
	SessionID           string
	ExecutorID          string
	FromIndex           int
	CompletedFrameworks []string
	Context             domain.StrategicContext
	LeaseExpiresAt      string
	Now                 string
}

// CheckpointSession records one finished step. The update only applies while
// ExecutorID still owns the lease and the stored index equals FromIndex, so
// a step is never recorded twice. It returns the session status after the
// write so the caller can notice a pause requested mid-step.
func (r Repo) CheckpointSession(ctx context.Context, c Checkpoint) (domain.SessionStatus, error) {
	completed, err := marshalStrings(c.CompletedFrameworks)
	if err != nil {
		return "", err
	}
	ctxJSON, err := encodeContext(c.Context)
	if err != nil {
		return "", err
	}
	res, err := r.Q.ExecContext(ctx, `UPDATE journey_sessions
SET current_framework_index=?, completed_frameworks=?, accumulated_context=?, lease_expires_at=?, updated_at=?
WHERE id=? AND executor_id=? AND current_framework_index=? AND status IN ('in_progress','paused')`,
		len(c.CompletedFrameworks), completed, ctxJSON, c.LeaseExpiresAt, c.Now,
		c.SessionID, c.ExecutorID, c.FromIndex)
	if err != nil {
		return "", err
	}
	if rowsAffected(res) == 0 {
		return "", r.missingOrConflict(ctx, "journey_sessions", c.SessionID)
	}
	var status domain.SessionStatus
	if err := r.Q.QueryRowContext(ctx, `SELECT status FROM journey_sessions WHERE id=?`, c.SessionID).Scan(&status); err != nil {
		return "", err
	}
	return status, nil
}

// CompleteSession finalises a session whose steps have all been recorded.
func (r Repo) CompleteSession(ctx context.Context, id, executorID string, c domain.StrategicContext, now string) error {
	ctxJSON, err := encodeContext(c)
	if err != nil {
		return err
	}
	res, err := r.Q.ExecContext(ctx, `UPDATE journey_sessions
SET status='completed', accumulated_context=?, completed_at=?, updated_at=?, executor_id=NULL, lease_expires_at=NULL
WHERE id=? AND executor_id=? AND status='in_progress'`,
		ctxJSON, now, now, id, executorID)
	if err != nil {
		return err
	}
	if rowsAffected(res) == 0 {
		return r.missingOrConflict(ctx, "journey_sessions", id)
	}
	return nil
}

// FailSession marks a non-terminal session failed and drops its lease.
// An empty executorID skips the ownership check.
func (r Repo) FailSession(ctx context.Context, id, executorID, message, now string) error {
	query := `UPDATE journey_sessions
SET status='failed', error_message=?, updated_at=?, executor_id=NULL, lease_expires_at=NULL
WHERE id=? AND status NOT IN ('completed','failed')`
	args := []any{message, now, id}
	if executorID != "" {
		query += ` AND executor_id=?`
		args = append(args, executorID)
	}
	res, err := r.Q.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if rowsAffected(res) == 0 {
		return r.missingOrConflict(ctx, "journey_sessions", id)
	}
	return nil
}

// PauseSession flags a running or not-yet-started session as paused. The
// executor holding the lease notices at its next checkpoint.
func (r Repo) PauseSession(ctx context.Context, id, now string) error {
	res, err := r.Q.ExecContext(ctx, `UPDATE journey_sessions SET status='paused', updated_at=? WHERE id=? AND status IN ('initializing','in_progress')`, now, id)
	if err != nil {
		return err
	}
	if rowsAffected(res) == 0 {
		return r.missingOrConflict(ctx, "journey_sessions", id)
	}
	return nil
}

// RenewSessionLease pushes executorID's lease out to expiresAt. It fails with
// ErrConflict once another executor has taken the session or it finished.
func (r Repo) RenewSessionLease(ctx context.Context, id, executorID, now, expiresAt string) error {
	res, err := r.Q.ExecContext(ctx, `UPDATE journey_sessions SET lease_expires_at=?, updated_at=?
WHERE id=? AND executor_id=? AND status IN ('in_progress','paused')`, expiresAt, now, id, executorID)
	if err != nil {
		return err
	}
	if rowsAffected(res) == 0 {
		return r.missingOrConflict(ctx, "journey_sessions", id)
	}
	return nil
}

// ReleaseSessionLease drops executorID's lease without changing status.
func (r Repo) ReleaseSessionLease(ctx context.Context, id, executorID, now string) error {
	_, err := r.Q.ExecContext(ctx, `UPDATE journey_sessions SET executor_id=NULL, lease_expires_at=NULL, updated_at=? WHERE id=? AND executor_id=?`, now, id, executorID)
	return err
}

// ExpiredLeases lists in-progress sessions that no executor holds: the lease
// ran out or was released by an interrupted run.
func (r Repo) ExpiredLeases(ctx context.Context, now string, limit int) ([]domain.JourneySession, error) {
	query := `SELECT ` + sessionColumns + ` FROM journey_sessions WHERE status='in_progress' AND (lease_expires_at IS NULL OR lease_expires_at < ?) ORDER BY updated_at ASC`
	args := []any{now}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.Q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JourneySession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
