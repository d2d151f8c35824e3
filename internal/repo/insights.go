package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"journeyline/internal/domain"
)

func (r Repo) InsertInsight(ctx context.Context, rec domain.InsightRecord) error {
	var errs any
	if len(rec.Errors) > 0 {
		b, err := json.Marshal(rec.Errors)
		if err != nil {
			return err
		}
		errs = string(b)
	}
	insight := rec.Insight
	if len(insight) == 0 {
		insight = json.RawMessage(`{}`)
	}
	_, err := r.Q.ExecContext(ctx, `INSERT OR IGNORE INTO framework_insights(id,session_id,framework_name,insight_json,errors_json,duration_ms,created_at) VALUES (?,?,?,?,?,?,?)`,
		rec.ID, rec.SessionID, rec.FrameworkName, string(insight), errs, rec.DurationMS, rec.CreatedAt)
	return err
}

func (r Repo) ListInsights(ctx context.Context, sessionID string) ([]domain.InsightRecord, error) {
	rows, err := r.Q.QueryContext(ctx, `SELECT id,session_id,framework_name,insight_json,errors_json,duration_ms,created_at FROM framework_insights WHERE session_id=? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.InsightRecord
	for rows.Next() {
		var (
			rec     domain.InsightRecord
			insight string
			errs    sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.FrameworkName, &insight, &errs, &rec.DurationMS, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Insight = json.RawMessage(insight)
		if errs.Valid && errs.String != "" {
			if err := json.Unmarshal([]byte(errs.String), &rec.Errors); err != nil {
				return nil, err
			}
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
