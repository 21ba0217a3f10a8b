package attendance

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// RoleResolver decides whether an actor may issue manual overrides.
type RoleResolver interface {
	IsPrivileged(ctx context.Context, actor Identity) (bool, error)
}

// CompositeResolver grants override privilege when any of three sources
// says yes: an admin claim on the caller's token, an hr/instructor/
// super_admin flag on the staff profile, or membership in the
// configured admin email allowlist.
type CompositeResolver struct {
	staff     StaffStore
	allowlist map[string]struct{}
}

// NewCompositeResolver builds the production resolver.
func NewCompositeResolver(staff StaffStore, adminEmails []string) *CompositeResolver {
	allow := make(map[string]struct{}, len(adminEmails))
	for _, e := range adminEmails {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			allow[e] = struct{}{}
		}
	}
	return &CompositeResolver{staff: staff, allowlist: allow}
}

// IsPrivileged checks claim, profile flags, then the allowlist.
func (r *CompositeResolver) IsPrivileged(ctx context.Context, actor Identity) (bool, error) {
	if actor.Admin || actor.Role == "admin" {
		return true, nil
	}
	if r.staff != nil {
		p, err := r.staff.GetStaffProfile(ctx, actor.UID)
		if err != nil {
			return false, err
		}
		if p != nil && (p.HR || p.Instructor || p.SuperAdmin) {
			return true, nil
		}
	}
	_, ok := r.allowlist[strings.ToLower(actor.Email)]
	return ok, nil
}

// OverrideService applies privileged manual corrections to marks.
type OverrideService struct {
	sessions SessionStore
	marks    MarkStore
	roles    RoleResolver
	log      *logrus.Logger
	now      func() time.Time
}

// NewOverrideService wires the service to its stores and resolver.
func NewOverrideService(sessions SessionStore, marks MarkStore, roles RoleResolver, log *logrus.Logger) *OverrideService {
	return &OverrideService{sessions: sessions, marks: marks, roles: roles, log: log, now: time.Now}
}

// Override writes a manual mark for targetUID and appends a
// manual_override audit event. Corrections happen after the fact, so a
// closed session is accepted; only a missing one is not.
func (s *OverrideService) Override(ctx context.Context, sessionID, targetUID, status string, actor Identity, reason, note string) (Mark, error) {
	if actor.UID == "" {
		return Mark{}, ErrAuthRequired
	}
	if !ValidStatus(status) {
		return Mark{}, ErrInvalidStatus
	}
	ok, err := s.roles.IsPrivileged(ctx, actor)
	if err != nil {
		return Mark{}, err
	}
	if !ok {
		return Mark{}, ErrPermissionDenied
	}
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return Mark{}, err
	}
	if sess == nil {
		return Mark{}, ErrSessionNotFound
	}

	now := s.now().UTC()
	m := Mark{
		SessionID:    sessionID,
		UID:          targetUID,
		Status:       status,
		Note:         optional(note),
		MarkedAt:     now,
		Manual:       true,
		OverriddenBy: &actor.UID,
		OverriddenAt: &now,
	}
	if status == StatusLeave {
		m.Reason = optional(reason)
	}
	if err := s.marks.UpsertOverride(ctx, m); err != nil {
		return Mark{}, err
	}
	evt := Event{
		SessionID: sessionID,
		Type:      EventManualOverride,
		UID:       targetUID,
		Status:    &status,
		Actor:     &actor.UID,
		Reason:    m.Reason,
		Note:      m.Note,
		At:        now,
	}
	if err := s.marks.InsertEvent(ctx, evt); err != nil {
		return Mark{}, err
	}
	overridesTotal.Inc()
	s.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"uid":        targetUID,
		"actor":      actor.UID,
		"status":     status,
	}).Info("manual override applied")
	return m, nil
}
