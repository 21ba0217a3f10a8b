package attendance

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// memStore is an in-memory SessionStore/MarkStore/StaffStore honoring
// the same upsert semantics as the Postgres repository.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	marks    map[string]Mark
	events   []Event
	staff    map[string]StaffProfile
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[string]Session),
		marks:    make(map[string]Mark),
		staff:    make(map[string]StaffProfile),
	}
}

func (s *memStore) InsertSession(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *memStore) GetSession(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		cp := sess
		return &cp, nil
	}
	return nil, nil
}

func (s *memStore) ListOpenSessions(_ context.Context) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []Session
	for _, sess := range s.sessions {
		if sess.Status == SessionOpen {
			res = append(res, sess)
		}
	}
	return res, nil
}

func (s *memStore) UpdateSessionToken(_ context.Context, id, tok string, issuedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.Status != SessionOpen {
		return nil
	}
	sess.CurrentToken = tok
	sess.TokenIssuedAt = &issuedAt
	s.sessions[id] = sess
	return nil
}

func (s *memStore) CloseSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.Status = SessionClosed
		s.sessions[id] = sess
	}
	return nil
}

func (s *memStore) CloseExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, sess := range s.sessions {
		if sess.Status == SessionOpen && !sess.EndAt.After(now) {
			sess.Status = SessionClosed
			s.sessions[id] = sess
			n++
		}
	}
	return n, nil
}

func markKey(sessionID, uid string) string { return sessionID + "/" + uid }

func (s *memStore) GetMark(_ context.Context, sessionID, uid string) (*Mark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.marks[markKey(sessionID, uid)]; ok {
		cp := m
		return &cp, nil
	}
	return nil, nil
}

func (s *memStore) UpsertMark(_ context.Context, m Mark, enforceDevice bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := markKey(m.SessionID, m.UID)
	if prev, ok := s.marks[key]; ok {
		if enforceDevice && prev.DeviceHash != nil && m.DeviceHash != nil && *prev.DeviceHash != *m.DeviceHash {
			return false, nil
		}
		if m.DeviceHash == nil {
			m.DeviceHash = prev.DeviceHash
		}
	}
	m.Manual = false
	m.OverriddenBy = nil
	m.OverriddenAt = nil
	s.marks[key] = m
	return true, nil
}

func (s *memStore) UpsertOverride(_ context.Context, m Mark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := markKey(m.SessionID, m.UID)
	if prev, ok := s.marks[key]; ok {
		m.DeviceHash = prev.DeviceHash
	}
	s.marks[key] = m
	return nil
}

func (s *memStore) ListMarks(_ context.Context, sessionID string) ([]Mark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []Mark
	for _, m := range s.marks {
		if m.SessionID == sessionID {
			res = append(res, m)
		}
	}
	return res, nil
}

func (s *memStore) InsertEvent(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	s.events = append(s.events, e)
	return nil
}

func (s *memStore) ListEvents(_ context.Context, sessionID string, _, _ int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []Event
	for _, e := range s.events {
		if e.SessionID == sessionID {
			res = append(res, e)
		}
	}
	return res, nil
}

func (s *memStore) GetStaffProfile(_ context.Context, uid string) (*StaffProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.staff[uid]; ok {
		cp := p
		return &cp, nil
	}
	return nil, nil
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func str(s string) *string { return &s }
