package repo

import (
	"context"
	"database/sql"
	"errors"

	"formline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const sessionColumns = `id,form_id,current_step,highest_completed_step,submit_attempted,status,csrf_hash,transition_until,created_at,updated_at`

func scanSession(row *sql.Row) (domain.FormSession, string, error) {
	var s domain.FormSession
	var csrfHash string
	var attempted int
	var until sql.NullString
	err := row.Scan(&s.ID, &s.FormID, &s.CurrentStep, &s.HighestCompleted, &attempted, &s.Status, &csrfHash, &until, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, "", ErrNotFound
	}
	if err != nil {
		return s, "", err
	}
	s.SubmitAttempted = attempted != 0
	if until.Valid {
		s.TransitionUntil = &until.String
	}
	return s, csrfHash, nil
}

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.FormSession, csrfHash string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sessions(id,form_id,current_step,highest_completed_step,submit_attempted,status,csrf_hash,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.FormID, s.CurrentStep, s.HighestCompleted, boolInt(s.SubmitAttempted), s.Status, csrfHash, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.FormSession, error) {
	s, _, err := scanSession(r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id))
	return s, err
}

// GetSessionCSRFHash returns the stored anti-forgery token hash for a session.
func (r Repo) GetSessionCSRFHash(ctx context.Context, id string) (string, error) {
	_, hash, err := scanSession(r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id))
	return hash, err
}

func (r Repo) ListSessions(ctx context.Context) ([]domain.FormSession, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FormSession
	for rows.Next() {
		var s domain.FormSession
		var csrfHash string
		var attempted int
		var until sql.NullString
		if err := rows.Scan(&s.ID, &s.FormID, &s.CurrentStep, &s.HighestCompleted, &attempted, &s.Status, &csrfHash, &until, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		s.SubmitAttempted = attempted != 0
		if until.Valid {
			s.TransitionUntil = &until.String
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// UpdateSessionNav persists the navigation fields of a session.
func (r Repo) UpdateSessionNav(ctx context.Context, tx *sql.Tx, s domain.FormSession) error {
	var until any
	if s.TransitionUntil != nil {
		until = *s.TransitionUntil
	}
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET current_step=?, highest_completed_step=?, submit_attempted=?, transition_until=?, updated_at=? WHERE id=?`,
		s.CurrentStep, s.HighestCompleted, boolInt(s.SubmitAttempted), until, s.UpdatedAt, s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetSessionStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteSession(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
