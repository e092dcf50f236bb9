package repo

import (
	"context"
	"database/sql"

	"formline/internal/domain"
)

func (r Repo) UpsertDraft(ctx context.Context, sessionID, fieldsJSON, savedAt string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO drafts(session_id,fields_json,saved_at) VALUES (?,?,?)
		ON CONFLICT(session_id) DO UPDATE SET fields_json=excluded.fields_json, saved_at=excluded.saved_at`,
		sessionID, fieldsJSON, savedAt)
	return err
}

// GetDraftRaw returns the serialized draft payload and its save timestamp.
func (r Repo) GetDraftRaw(ctx context.Context, sessionID string) (string, string, error) {
	var fieldsJSON, savedAt string
	err := r.DB.QueryRowContext(ctx, `SELECT fields_json,saved_at FROM drafts WHERE session_id=?`, sessionID).
		Scan(&fieldsJSON, &savedAt)
	if err == sql.ErrNoRows {
		return "", "", ErrNotFound
	}
	return fieldsJSON, savedAt, err
}

func (r Repo) DeleteDraft(ctx context.Context, sessionID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM drafts WHERE session_id=?`, sessionID)
	return err
}

func (r Repo) DraftExists(ctx context.Context, sessionID string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM drafts WHERE session_id=? LIMIT 1`, sessionID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) InsertSubmission(ctx context.Context, tx *sql.Tx, s domain.Submission) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO submissions(id,session_id,document_bytes,payload_bytes,compressed,mail_delivered,mail_error,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.SessionID, s.DocumentBytes, s.PayloadBytes, boolInt(s.Compressed), boolInt(s.MailDelivered), nullable(s.MailError), s.CreatedAt)
	return err
}

func (r Repo) ListSubmissions(ctx context.Context, sessionID string) ([]domain.Submission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,session_id,document_bytes,payload_bytes,compressed,mail_delivered,COALESCE(mail_error,''),created_at FROM submissions WHERE session_id=? ORDER BY created_at DESC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Submission
	for rows.Next() {
		var s domain.Submission
		var compressed, delivered int
		if err := rows.Scan(&s.ID, &s.SessionID, &s.DocumentBytes, &s.PayloadBytes, &compressed, &delivered, &s.MailError, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.Compressed = compressed != 0
		s.MailDelivered = delivered != 0
		res = append(res, s)
	}
	return res, rows.Err()
}

// LatestEvents returns up to n events, newest first, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, n int, sessionID, evtType string) ([]domain.Event, error) {
	if n <= 0 {
		n = 20
	}
	query := `SELECT id,ts,type,COALESCE(session_id,''),entity_kind,COALESCE(entity_id,''),payload_json FROM events`
	var (
		clauses []string
		args    []any
	)
	if sessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, sessionID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, n)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.SessionID, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
