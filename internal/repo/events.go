package repo

import (
	"context"
	"fmt"
	"strings"

	"journeyline/internal/domain"
)

const eventColumns = `id,ts,type,COALESCE(session_id,''),COALESCE(user_id,''),COALESCE(framework,''),payload_json`

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.JourneyEvent, error) {
	rows, err := r.Q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JourneyEvent
	for rows.Next() {
		var e domain.JourneyEvent
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.SessionID, &e.UserID, &e.Framework, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// SessionEvents returns the newest events of one session, newest first.
func (r Repo) SessionEvents(ctx context.Context, sessionID, evtType string, limit int) ([]domain.JourneyEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"session_id=?"}
	args := []any{sessionID}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM journey_events WHERE %s ORDER BY id DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.JourneyEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT `+eventColumns+` FROM journey_events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.Q.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM journey_events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
