package attendance

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"qrollcall/internal/token"
)

type scanFixture struct {
	store   *memStore
	codec   *token.Codec
	proc    *ScanProcessor
	session Session
	token   string
}

func newScanFixture(t *testing.T, strict bool) *scanFixture {
	t.Helper()
	store := newMemStore()
	codec := token.NewCodec("secret")
	m := NewSessionManager(store, codec, SessionConfig{
		RotationSeconds:     60,
		SessionMinutes:      45,
		StrictDeviceBinding: strict,
	}, testLogger())
	s, err := m.CreateSession(context.Background(), "C1", nil, "teacher-1")
	assert.NoError(t, err)
	return &scanFixture{
		store:   store,
		codec:   codec,
		proc:    NewScanProcessor(store, store, codec),
		session: s,
		token:   s.CurrentToken,
	}
}

func (f *scanFixture) scan(uid, device, status string) (Mark, error) {
	return f.proc.Scan(context.Background(), ScanInput{
		SessionID:  f.session.ID,
		Token:      f.token,
		UID:        uid,
		DeviceHash: device,
		Status:     status,
	})
}

func TestScanRequiresAuth(t *testing.T) {
	f := newScanFixture(t, true)
	_, err := f.scan("", "d1", "")
	assert.ErrorIs(t, err, ErrAuthRequired)
}

func TestScanDeviceBinding(t *testing.T) {
	f := newScanFixture(t, true)
	ctx := context.Background()

	// first scan binds device A
	m, err := f.scan("u1", "d1", "")
	assert.NoError(t, err)
	assert.Equal(t, StatusPresent, m.Status)

	// device B for the same user is blocked and audited once
	_, err = f.scan("u1", "d2", "")
	assert.ErrorIs(t, err, ErrDeviceChangeBlocked)

	events, _ := f.store.ListEvents(ctx, f.session.ID, 0, 0)
	if assert.Len(t, events, 1) {
		e := events[0]
		assert.Equal(t, EventDeviceChange, e.Type)
		assert.Equal(t, "u1", e.UID)
		assert.Equal(t, "d1", *e.Saved)
		assert.Equal(t, "d2", *e.DeviceHash)
	}

	// the blocked scan must not have touched the mark
	saved, _ := f.store.GetMark(ctx, f.session.ID, "u1")
	assert.Equal(t, "d1", *saved.DeviceHash)

	// a repeat from the bound device overwrites
	m, err = f.scan("u1", "d1", StatusLate)
	assert.NoError(t, err)
	assert.Equal(t, StatusLate, m.Status)
	saved, _ = f.store.GetMark(ctx, f.session.ID, "u1")
	assert.Equal(t, StatusLate, saved.Status)
}

func TestScanWithoutDeviceHashKeepsBinding(t *testing.T) {
	f := newScanFixture(t, true)
	_, err := f.scan("u1", "d1", "")
	assert.NoError(t, err)

	_, err = f.scan("u1", "", StatusLate)
	assert.NoError(t, err)

	saved, _ := f.store.GetMark(context.Background(), f.session.ID, "u1")
	assert.Equal(t, "d1", *saved.DeviceHash)
	assert.Equal(t, StatusLate, saved.Status)
}

func TestScanLenientBindingAllowsDeviceChange(t *testing.T) {
	f := newScanFixture(t, false)
	_, err := f.scan("u1", "d1", "")
	assert.NoError(t, err)
	_, err = f.scan("u1", "d2", "")
	assert.NoError(t, err)

	saved, _ := f.store.GetMark(context.Background(), f.session.ID, "u1")
	assert.Equal(t, "d2", *saved.DeviceHash)
}

func TestScanClosedSession(t *testing.T) {
	f := newScanFixture(t, true)
	assert.NoError(t, f.store.CloseSession(context.Background(), f.session.ID))

	// the token is still cryptographically valid; the session state wins
	_, err := f.scan("u1", "d1", "")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestScanSessionNotFound(t *testing.T) {
	f := newScanFixture(t, true)
	tok, err := f.codec.Sign(token.Payload{SessionID: "ghost", ClassID: "C1"}, time.Minute)
	assert.NoError(t, err)
	_, err = f.proc.Scan(context.Background(), ScanInput{SessionID: "ghost", Token: tok, UID: "u1"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestScanTokenSessionMismatch(t *testing.T) {
	f := newScanFixture(t, true)
	tok, err := f.codec.Sign(token.Payload{SessionID: "other", ClassID: "C1"}, time.Minute)
	assert.NoError(t, err)
	_, err = f.proc.Scan(context.Background(), ScanInput{SessionID: f.session.ID, Token: tok, UID: "u1"})
	assert.ErrorIs(t, err, token.ErrBadToken)
}

func TestScanPropagatesVerifyErrors(t *testing.T) {
	f := newScanFixture(t, true)

	// corrupt the data segment; the signature no longer covers it
	head := "B"
	if strings.HasPrefix(f.token, "B") {
		head = "C"
	}
	tampered := head + f.token[1:]
	_, err := f.proc.Scan(context.Background(), ScanInput{SessionID: f.session.ID, Token: tampered, UID: "u1"})
	assert.ErrorIs(t, err, token.ErrSigMismatch)

	_, err = f.proc.Scan(context.Background(), ScanInput{SessionID: f.session.ID, Token: "garbage", UID: "u1"})
	assert.ErrorIs(t, err, token.ErrBadToken)
}

func TestScanRejectsUnknownStatus(t *testing.T) {
	f := newScanFixture(t, true)
	_, err := f.scan("u1", "d1", "vacationing")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestScanLeaveReason(t *testing.T) {
	f := newScanFixture(t, true)

	// reason is only meaningful for leave
	_, err := f.proc.Scan(context.Background(), ScanInput{
		SessionID: f.session.ID, Token: f.token, UID: "u1",
		DeviceHash: "d1", Status: StatusLate, Reason: "medical",
	})
	assert.NoError(t, err)
	saved, _ := f.store.GetMark(context.Background(), f.session.ID, "u1")
	assert.Nil(t, saved.Reason)

	_, err = f.proc.Scan(context.Background(), ScanInput{
		SessionID: f.session.ID, Token: f.token, UID: "u1",
		DeviceHash: "d1", Status: StatusLeave, Reason: "medical",
	})
	assert.NoError(t, err)
	saved, _ = f.store.GetMark(context.Background(), f.session.ID, "u1")
	if assert.NotNil(t, saved.Reason) {
		assert.Equal(t, "medical", *saved.Reason)
	}
}
