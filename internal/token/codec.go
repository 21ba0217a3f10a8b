package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Verification failures. Callers must not retry a token that failed
// with any of these; expired tokens require a fresh scan.
var (
	ErrBadToken    = errors.New("bad_token")
	ErrSigMismatch = errors.New("sig_mismatch")
	ErrExpired     = errors.New("expired")
)

// Payload is the signed content of a check-in token.
type Payload struct {
	SessionID string `json:"sid"`
	ClassID   string `json:"classId"`
	Exp       int64  `json:"exp"`
}

// Codec signs and verifies compact check-in tokens. The wire format is
// base64url(JSON payload) + "." + base64url(HMAC-SHA256(secret, data)).
type Codec struct {
	secret []byte
	now    func() time.Time
}

// NewCodec builds a codec around the given signing secret.
func NewCodec(secret string) *Codec {
	return &Codec{secret: []byte(secret), now: time.Now}
}

// Sign serializes the payload with exp = now + ttl and signs it.
func (c *Codec) Sign(p Payload, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	p.Exp = c.now().Add(ttl).Unix()
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	data := base64.RawURLEncoding.EncodeToString(raw)
	return data + "." + base64.RawURLEncoding.EncodeToString(c.sign(data)), nil
}

// Verify checks signature and expiry and returns the decoded payload.
func (c *Codec) Verify(tok string) (Payload, error) {
	var p Payload
	dot := strings.LastIndexByte(tok, '.')
	if dot <= 0 || dot == len(tok)-1 {
		return p, ErrBadToken
	}
	data, sigPart := tok[:dot], tok[dot+1:]
	// Strict decoding rejects non-canonical trailing bits, so every
	// single-bit corruption of the token is detected.
	sig, err := base64.RawURLEncoding.Strict().DecodeString(sigPart)
	if err != nil {
		return p, ErrBadToken
	}
	if !hmac.Equal(sig, c.sign(data)) {
		return p, ErrSigMismatch
	}
	raw, err := base64.RawURLEncoding.Strict().DecodeString(data)
	if err != nil {
		return p, ErrBadToken
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, ErrBadToken
	}
	if p.Exp < c.now().Unix() {
		return Payload{}, ErrExpired
	}
	return p, nil
}

func (c *Codec) sign(data string) []byte {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}
