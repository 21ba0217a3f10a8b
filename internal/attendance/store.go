package attendance

import (
	"context"
	"time"
)

// SessionStore persists attendance sessions and their current token.
type SessionStore interface {
	InsertSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListOpenSessions(ctx context.Context) ([]Session, error)
	UpdateSessionToken(ctx context.Context, id, tok string, issuedAt time.Time) error
	CloseSession(ctx context.Context, id string) error
	CloseExpired(ctx context.Context, now time.Time) (int64, error)
}

// MarkStore persists per-student marks and the append-only audit log.
type MarkStore interface {
	GetMark(ctx context.Context, sessionID, uid string) (*Mark, error)
	// UpsertMark writes the mark for (m.SessionID, m.UID). When
	// enforceDevice is true the write and the device-binding check are
	// one atomic statement: it returns false, without writing, if a
	// different device hash is already bound to the mark.
	UpsertMark(ctx context.Context, m Mark, enforceDevice bool) (bool, error)
	// UpsertOverride writes a manual mark, preserving any bound device
	// hash.
	UpsertOverride(ctx context.Context, m Mark) error
	ListMarks(ctx context.Context, sessionID string) ([]Mark, error)
	InsertEvent(ctx context.Context, e Event) error
	ListEvents(ctx context.Context, sessionID string, limit, offset int) ([]Event, error)
}

// StaffStore resolves staff profile flags for override authorization.
type StaffStore interface {
	GetStaffProfile(ctx context.Context, uid string) (*StaffProfile, error)
}

// StaffProfile carries the privilege flags kept on a staff record.
type StaffProfile struct {
	UID        string `json:"uid"`
	Email      string `json:"email"`
	HR         bool   `json:"hr"`
	Instructor bool   `json:"instructor"`
	SuperAdmin bool   `json:"super_admin"`
}
