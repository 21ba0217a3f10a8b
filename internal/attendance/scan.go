package attendance

import (
	"context"
	"time"

	"qrollcall/internal/token"
)

// ScanInput carries one student check-in attempt.
type ScanInput struct {
	SessionID  string
	Token      string
	UID        string
	DeviceHash string
	Status     string
	Reason     string
	Note       string
}

// ScanProcessor validates a scanned token, applies the device-binding
// policy and records the mark.
type ScanProcessor struct {
	sessions SessionStore
	marks    MarkStore
	codec    *token.Codec
	now      func() time.Time
}

// NewScanProcessor wires a processor to its stores and codec.
func NewScanProcessor(sessions SessionStore, marks MarkStore, codec *token.Codec) *ScanProcessor {
	return &ScanProcessor{sessions: sessions, marks: marks, codec: codec, now: time.Now}
}

// Scan verifies the token, checks the session is open, enforces device
// binding and upserts the caller's mark. Repeated scans from the bound
// device overwrite the mark; a scan from a different device is rejected
// and recorded as an anomaly event.
func (p *ScanProcessor) Scan(ctx context.Context, in ScanInput) (Mark, error) {
	if in.UID == "" {
		return Mark{}, ErrAuthRequired
	}
	payload, err := p.codec.Verify(in.Token)
	if err != nil {
		scansTotal.WithLabelValues(errLabel(err)).Inc()
		return Mark{}, err
	}
	if payload.SessionID != in.SessionID {
		scansTotal.WithLabelValues("bad_token").Inc()
		return Mark{}, token.ErrBadToken
	}
	s, err := p.sessions.GetSession(ctx, in.SessionID)
	if err != nil {
		return Mark{}, err
	}
	if s == nil {
		scansTotal.WithLabelValues("session_not_found").Inc()
		return Mark{}, ErrSessionNotFound
	}
	if s.Status != SessionOpen {
		scansTotal.WithLabelValues("session_closed").Inc()
		return Mark{}, ErrSessionClosed
	}

	status := in.Status
	if status == "" {
		status = StatusPresent
	}
	if !ValidStatus(status) {
		return Mark{}, ErrInvalidStatus
	}
	m := Mark{
		SessionID:  in.SessionID,
		UID:        in.UID,
		Status:     status,
		DeviceHash: optional(in.DeviceHash),
		Note:       optional(in.Note),
		MarkedAt:   p.now().UTC(),
	}
	if status == StatusLeave {
		m.Reason = optional(in.Reason)
	}

	wrote, err := p.marks.UpsertMark(ctx, m, s.StrictDeviceBinding)
	if err != nil {
		return Mark{}, err
	}
	if !wrote {
		// Blocked by the binding: one device must not check in many
		// identities, nor silently replace an existing binding.
		var saved *string
		if prev, err := p.marks.GetMark(ctx, in.SessionID, in.UID); err == nil && prev != nil {
			saved = prev.DeviceHash
		}
		evt := Event{
			SessionID:  in.SessionID,
			Type:       EventDeviceChange,
			UID:        in.UID,
			Saved:      saved,
			DeviceHash: m.DeviceHash,
			At:         p.now().UTC(),
		}
		if err := p.marks.InsertEvent(ctx, evt); err != nil {
			return Mark{}, err
		}
		anomaliesTotal.Inc()
		scansTotal.WithLabelValues("device_change_blocked").Inc()
		return Mark{}, ErrDeviceChangeBlocked
	}
	scansTotal.WithLabelValues("ok").Inc()
	return m, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func errLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return err.Error()
}
