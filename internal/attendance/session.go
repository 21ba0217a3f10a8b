package attendance

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"qrollcall/internal/token"
)

// SessionConfig is the rotation policy applied to new sessions.
type SessionConfig struct {
	RotationSeconds     int
	SessionMinutes      int
	StrictDeviceBinding bool
}

// SessionManager creates sessions, issues and rotates their tokens, and
// closes them.
type SessionManager struct {
	store SessionStore
	codec *token.Codec
	cfg   SessionConfig
	log   *logrus.Logger
	now   func() time.Time
}

// NewSessionManager wires a manager to its store and codec.
func NewSessionManager(store SessionStore, codec *token.Codec, cfg SessionConfig, log *logrus.Logger) *SessionManager {
	if cfg.RotationSeconds < MinRotationSeconds {
		cfg.RotationSeconds = MinRotationSeconds
	}
	if cfg.SessionMinutes <= 0 {
		cfg.SessionMinutes = 60
	}
	return &SessionManager{store: store, codec: codec, cfg: cfg, log: log, now: time.Now}
}

// CreateSession opens a session for a class and seeds its first token.
// The caller renders the returned token, typically as a QR code.
func (m *SessionManager) CreateSession(ctx context.Context, classID string, subjectID *string, createdBy string) (Session, error) {
	now := m.now().UTC()
	s := Session{
		ID:                  uuid.NewString(),
		ClassID:             classID,
		SubjectID:           subjectID,
		CreatedBy:           createdBy,
		Status:              SessionOpen,
		RotationSeconds:     m.cfg.RotationSeconds,
		StrictDeviceBinding: m.cfg.StrictDeviceBinding,
		EndAt:               now.Add(time.Duration(m.cfg.SessionMinutes) * time.Minute),
		CreatedAt:           now,
	}
	tok, err := m.codec.Sign(token.Payload{SessionID: s.ID, ClassID: s.ClassID}, time.Duration(s.RotationSeconds)*time.Second)
	if err != nil {
		return Session{}, err
	}
	s.CurrentToken = tok
	s.TokenIssuedAt = &now
	if err := m.store.InsertSession(ctx, s); err != nil {
		return Session{}, err
	}
	return s, nil
}

// RotateTokens signs a fresh token for every open session. A failure on
// one session is logged and does not abort the rest; the worker calls
// this on every tick, so a skipped session catches up on the next one.
func (m *SessionManager) RotateTokens(ctx context.Context) {
	sessions, err := m.store.ListOpenSessions(ctx)
	if err != nil {
		m.log.WithError(err).Error("rotate: list open sessions failed")
		return
	}
	for _, s := range sessions {
		tok, err := m.codec.Sign(token.Payload{SessionID: s.ID, ClassID: s.ClassID}, time.Duration(s.RotationSeconds)*time.Second)
		if err != nil {
			m.log.WithError(err).WithField("session_id", s.ID).Error("rotate: sign failed")
			continue
		}
		if err := m.store.UpdateSessionToken(ctx, s.ID, tok, m.now().UTC()); err != nil {
			m.log.WithError(err).WithField("session_id", s.ID).Error("rotate: token update failed")
			continue
		}
		tokensRotated.Inc()
	}
}

// CloseExpired closes open sessions past their end_at horizon.
func (m *SessionManager) CloseExpired(ctx context.Context) {
	n, err := m.store.CloseExpired(ctx, m.now().UTC())
	if err != nil {
		m.log.WithError(err).Error("close expired sessions failed")
		return
	}
	if n > 0 {
		m.log.WithField("count", n).Info("closed sessions past end_at")
	}
}

// CloseSession marks a session closed. Idempotent; closing a session
// that is already closed succeeds. Missing sessions are reported.
func (m *SessionManager) CloseSession(ctx context.Context, id string) error {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if s == nil {
		return ErrSessionNotFound
	}
	return m.store.CloseSession(ctx, id)
}

// GetSession returns a session for staff inspection (QR re-render).
func (m *SessionManager) GetSession(ctx context.Context, id string) (Session, error) {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if s == nil {
		return Session{}, ErrSessionNotFound
	}
	return *s, nil
}
