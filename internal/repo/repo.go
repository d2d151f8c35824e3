package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"journeyline/internal/db"
)

// Repo runs row operations against whatever connection the gateway handed out.
type Repo struct {
	Q db.Querier
}

func New(q db.Querier) Repo {
	return Repo{Q: q}
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a conditional update that lost its race.
	ErrConflict = errors.New("conflict")
)

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableJSON(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

func optionalString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func rawJSON(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalStrings(in []string) (string, error) {
	if in == nil {
		in = []string{}
	}
	b, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalStrings(s string) ([]string, error) {
	out := []string{}
	if s == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// exists distinguishes a missing row from a lost conditional update.
func (r Repo) exists(ctx context.Context, table, id string) (bool, error) {
	var n int
	err := r.Q.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id=? LIMIT 1`, id).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// missingOrConflict maps a zero-row conditional update to the right sentinel.
func (r Repo) missingOrConflict(ctx context.Context, table, id string) error {
	ok, err := r.exists(ctx, table, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return ErrConflict
}

func rowsAffected(res sql.Result) int64 {
	n, _ := res.RowsAffected()
	return n
}
