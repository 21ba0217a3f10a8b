package attendance

import "time"

// Session statuses.
const (
	SessionOpen   = "open"
	SessionClosed = "closed"
)

// Mark statuses.
const (
	StatusPresent = "present"
	StatusAbsent  = "absent"
	StatusLate    = "late"
	StatusLeave   = "leave"
)

// Audit event types.
const (
	EventDeviceChange   = "anomaly_device_change"
	EventManualOverride = "manual_override"
)

// MinRotationSeconds is the floor for per-session token TTL. The
// rotation worker ticks at this cadence, so any shorter TTL would leave
// gaps with no valid token on display.
const MinRotationSeconds = 30

// Session is one class meeting's attendance-collection window.
type Session struct {
	ID                  string     `json:"id"`
	ClassID             string     `json:"class_id"`
	SubjectID           *string    `json:"subject_id,omitempty"`
	CreatedBy           string     `json:"created_by"`
	Status              string     `json:"status"`
	RotationSeconds     int        `json:"rotation_seconds"`
	StrictDeviceBinding bool       `json:"strict_device_binding"`
	CurrentToken        string     `json:"current_token,omitempty"`
	TokenIssuedAt       *time.Time `json:"token_issued_at,omitempty"`
	EndAt               time.Time  `json:"end_at"`
	CreatedAt           time.Time  `json:"created_at"`
}

// Mark is the recorded attendance outcome for one user in one session.
// There is at most one per (session, user); scans and overrides upsert it.
type Mark struct {
	SessionID    string     `json:"session_id"`
	UID          string     `json:"uid"`
	Status       string     `json:"status"`
	DeviceHash   *string    `json:"device_hash,omitempty"`
	Reason       *string    `json:"reason,omitempty"`
	Note         *string    `json:"note,omitempty"`
	MarkedAt     time.Time  `json:"at"`
	Manual       bool       `json:"manual,omitempty"`
	OverriddenBy *string    `json:"overridden_by,omitempty"`
	OverriddenAt *time.Time `json:"overridden_at,omitempty"`
}

// Event is an append-only audit record scoped to a session. Saved and
// DeviceHash are set on device-change anomalies: the hash bound to the
// mark and the differing hash that was rejected. Status, Actor, Reason
// and Note are set on manual overrides.
type Event struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Type       string    `json:"type"`
	UID        string    `json:"uid"`
	Saved      *string   `json:"saved,omitempty"`
	DeviceHash *string   `json:"device_hash,omitempty"`
	Status     *string   `json:"status,omitempty"`
	Actor      *string   `json:"actor,omitempty"`
	Reason     *string   `json:"reason,omitempty"`
	Note       *string   `json:"note,omitempty"`
	At         time.Time `json:"at"`
}

// Identity is the authenticated caller as supplied by the identity
// provider: subject, coarse role, email, and an optional admin claim.
type Identity struct {
	UID   string
	Role  string
	Email string
	Admin bool
}

// ValidStatus reports whether s is one of the accepted mark statuses.
func ValidStatus(s string) bool {
	switch s {
	case StatusPresent, StatusAbsent, StatusLate, StatusLeave:
		return true
	}
	return false
}
