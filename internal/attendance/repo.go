package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository persists sessions, marks and audit events in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Migrate creates the attendance tables if they do not exist. The DDL
// runs statement by statement: pgx's extended protocol rejects
// multi-statement execs.
func (r *Repository) Migrate(ctx context.Context) error {
	stmts := []string{`
		CREATE TABLE IF NOT EXISTS attendance_sessions (
			id                    TEXT PRIMARY KEY,
			class_id              TEXT NOT NULL,
			subject_id            TEXT,
			created_by            TEXT NOT NULL,
			status                TEXT NOT NULL DEFAULT 'open',
			rotation_seconds      INT  NOT NULL,
			strict_device_binding BOOLEAN NOT NULL DEFAULT TRUE,
			current_token         TEXT NOT NULL DEFAULT '',
			token_issued_at       TIMESTAMPTZ,
			end_at                TIMESTAMPTZ NOT NULL,
			created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, `
		CREATE TABLE IF NOT EXISTS attendance_marks (
			session_id    TEXT NOT NULL REFERENCES attendance_sessions(id),
			uid           TEXT NOT NULL,
			status        TEXT NOT NULL,
			device_hash   TEXT,
			reason        TEXT,
			note          TEXT,
			marked_at     TIMESTAMPTZ NOT NULL,
			manual        BOOLEAN NOT NULL DEFAULT FALSE,
			overridden_by TEXT,
			overridden_at TIMESTAMPTZ,
			PRIMARY KEY (session_id, uid)
		)`, `
		CREATE TABLE IF NOT EXISTS attendance_events (
			id                TEXT PRIMARY KEY,
			session_id        TEXT NOT NULL REFERENCES attendance_sessions(id),
			type              TEXT NOT NULL,
			uid               TEXT NOT NULL,
			saved_device_hash TEXT,
			device_hash       TEXT,
			status            TEXT,
			actor             TEXT,
			reason            TEXT,
			note              TEXT,
			at                TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, `
		CREATE INDEX IF NOT EXISTS idx_attendance_events_session ON attendance_events (session_id, at DESC)`, `
		CREATE TABLE IF NOT EXISTS staff_profiles (
			uid         TEXT PRIMARY KEY,
			email       TEXT NOT NULL DEFAULT '',
			hr          BOOLEAN NOT NULL DEFAULT FALSE,
			instructor  BOOLEAN NOT NULL DEFAULT FALSE,
			super_admin BOOLEAN NOT NULL DEFAULT FALSE
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// InsertSession writes a new session row.
func (r *Repository) InsertSession(ctx context.Context, s Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_sessions
			(id, class_id, subject_id, created_by, status, rotation_seconds, strict_device_binding, current_token, token_issued_at, end_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, s.ID, s.ClassID, s.SubjectID, s.CreatedBy, s.Status, s.RotationSeconds, s.StrictDeviceBinding, s.CurrentToken, s.TokenIssuedAt, s.EndAt, s.CreatedAt)
	return err
}

// GetSession returns a session by id, nil when absent.
func (r *Repository) GetSession(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, class_id, subject_id, created_by, status, rotation_seconds, strict_device_binding, current_token, token_issued_at, end_at, created_at
		FROM attendance_sessions WHERE id = $1
	`, id)
	var s Session
	if err := row.Scan(&s.ID, &s.ClassID, &s.SubjectID, &s.CreatedBy, &s.Status, &s.RotationSeconds, &s.StrictDeviceBinding, &s.CurrentToken, &s.TokenIssuedAt, &s.EndAt, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// ListOpenSessions returns every session still accepting scans.
func (r *Repository) ListOpenSessions(ctx context.Context) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, class_id, subject_id, created_by, status, rotation_seconds, strict_device_binding, current_token, token_issued_at, end_at, created_at
		FROM attendance_sessions WHERE status = 'open'
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.ClassID, &s.SubjectID, &s.CreatedBy, &s.Status, &s.RotationSeconds, &s.StrictDeviceBinding, &s.CurrentToken, &s.TokenIssuedAt, &s.EndAt, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// UpdateSessionToken overwrites the live token of an open session.
func (r *Repository) UpdateSessionToken(ctx context.Context, id, tok string, issuedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_sessions
		SET current_token = $2, token_issued_at = $3
		WHERE id = $1 AND status = 'open'
	`, id, tok, issuedAt)
	return err
}

// CloseSession marks a session closed. Closing a closed session is a no-op.
func (r *Repository) CloseSession(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE attendance_sessions SET status = 'closed' WHERE id = $1`, id)
	return err
}

// CloseExpired closes open sessions whose end_at horizon has passed and
// returns how many were closed.
func (r *Repository) CloseExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_sessions SET status = 'closed'
		WHERE status = 'open' AND end_at <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetMark returns the current mark for (session, user), nil when absent.
func (r *Repository) GetMark(ctx context.Context, sessionID, uid string) (*Mark, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT session_id, uid, status, device_hash, reason, note, marked_at, manual, overridden_by, overridden_at
		FROM attendance_marks WHERE session_id = $1 AND uid = $2
	`, sessionID, uid)
	var m Mark
	if err := row.Scan(&m.SessionID, &m.UID, &m.Status, &m.DeviceHash, &m.Reason, &m.Note, &m.MarkedAt, &m.Manual, &m.OverriddenBy, &m.OverriddenAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// UpsertMark writes a scan mark. With enforceDevice the update arm
// refuses to fire when a different device hash is already bound, so the
// binding check and the write are one atomic statement; a false return
// means the scan was blocked.
func (r *Repository) UpsertMark(ctx context.Context, m Mark, enforceDevice bool) (bool, error) {
	query := `
		INSERT INTO attendance_marks (session_id, uid, status, device_hash, reason, note, marked_at, manual, overridden_by, overridden_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,FALSE,NULL,NULL)
		ON CONFLICT (session_id, uid) DO UPDATE SET
			status        = EXCLUDED.status,
			device_hash   = COALESCE(EXCLUDED.device_hash, attendance_marks.device_hash),
			reason        = EXCLUDED.reason,
			note          = EXCLUDED.note,
			marked_at     = EXCLUDED.marked_at,
			manual        = FALSE,
			overridden_by = NULL,
			overridden_at = NULL`
	if enforceDevice {
		query += `
		WHERE attendance_marks.device_hash IS NULL
		   OR EXCLUDED.device_hash IS NULL
		   OR attendance_marks.device_hash = EXCLUDED.device_hash`
	}
	res, err := r.db.ExecContext(ctx, query, m.SessionID, m.UID, m.Status, m.DeviceHash, m.Reason, m.Note, m.MarkedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpsertOverride writes a manual correction, keeping any device hash a
// prior scan bound.
func (r *Repository) UpsertOverride(ctx context.Context, m Mark) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_marks (session_id, uid, status, device_hash, reason, note, marked_at, manual, overridden_by, overridden_at)
		VALUES ($1,$2,$3,NULL,$4,$5,$6,TRUE,$7,$8)
		ON CONFLICT (session_id, uid) DO UPDATE SET
			status        = EXCLUDED.status,
			reason        = EXCLUDED.reason,
			note          = EXCLUDED.note,
			marked_at     = EXCLUDED.marked_at,
			manual        = TRUE,
			overridden_by = EXCLUDED.overridden_by,
			overridden_at = EXCLUDED.overridden_at
	`, m.SessionID, m.UID, m.Status, m.Reason, m.Note, m.MarkedAt, m.OverriddenBy, m.OverriddenAt)
	return err
}

// ListMarks returns all marks of a session.
func (r *Repository) ListMarks(ctx context.Context, sessionID string) ([]Mark, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, uid, status, device_hash, reason, note, marked_at, manual, overridden_by, overridden_at
		FROM attendance_marks WHERE session_id = $1
		ORDER BY uid
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Mark
	for rows.Next() {
		var m Mark
		if err := rows.Scan(&m.SessionID, &m.UID, &m.Status, &m.DeviceHash, &m.Reason, &m.Note, &m.MarkedAt, &m.Manual, &m.OverriddenBy, &m.OverriddenAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// InsertEvent appends an audit event. Events are never updated or deleted.
func (r *Repository) InsertEvent(ctx context.Context, e Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_events (id, session_id, type, uid, saved_device_hash, device_hash, status, actor, reason, note, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, e.ID, e.SessionID, e.Type, e.UID, e.Saved, e.DeviceHash, e.Status, e.Actor, e.Reason, e.Note, e.At)
	return err
}

// ListEvents returns a session's audit trail, newest first.
func (r *Repository) ListEvents(ctx context.Context, sessionID string, limit, offset int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, type, uid, saved_device_hash, device_hash, status, actor, reason, note, at
		FROM attendance_events WHERE session_id = $1
		ORDER BY at DESC LIMIT $2 OFFSET $3
	`, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.UID, &e.Saved, &e.DeviceHash, &e.Status, &e.Actor, &e.Reason, &e.Note, &e.At); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// GetStaffProfile returns a staff record by uid, nil when absent.
func (r *Repository) GetStaffProfile(ctx context.Context, uid string) (*StaffProfile, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT uid, email, hr, instructor, super_admin
		FROM staff_profiles WHERE uid = $1
	`, uid)
	var p StaffProfile
	if err := row.Scan(&p.UID, &p.Email, &p.HR, &p.Instructor, &p.SuperAdmin); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}
