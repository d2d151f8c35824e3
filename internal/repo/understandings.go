package repo

import (
	"context"
	"database/sql"

	"journeyline/internal/domain"
)

const understandingColumns = `id,user_id,COALESCE(title,''),user_input,created_at`

func (r Repo) InsertUnderstanding(ctx context.Context, u domain.Understanding) error {
	_, err := r.Q.ExecContext(ctx, `INSERT INTO understandings(id,user_id,title,user_input,created_at) VALUES (?,?,?,?,?)`,
		u.ID, u.UserID, nullable(u.Title), u.UserInput, u.CreatedAt)
	return err
}

func (r Repo) GetUnderstanding(ctx context.Context, id string) (domain.Understanding, error) {
	var u domain.Understanding
	err := r.Q.QueryRowContext(ctx, `SELECT `+understandingColumns+` FROM understandings WHERE id=?`, id).
		Scan(&u.ID, &u.UserID, &u.Title, &u.UserInput, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) ListUnderstandings(ctx context.Context, userID string, limit int) ([]domain.Understanding, error) {
	query := `SELECT ` + understandingColumns + ` FROM understandings`
	var args []any
	if userID != "" {
		query += ` WHERE user_id=?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.Q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Understanding
	for rows.Next() {
		var u domain.Understanding
		if err := rows.Scan(&u.ID, &u.UserID, &u.Title, &u.UserInput, &u.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}
