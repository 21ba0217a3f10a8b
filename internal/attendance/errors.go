package attendance

import "errors"

// Protocol errors surfaced to callers. Token verification errors
// (bad_token, sig_mismatch, expired) live in the token package and are
// propagated as-is.
var (
	ErrAuthRequired        = errors.New("auth_required")
	ErrInvalidStatus       = errors.New("invalid_status")
	ErrSessionNotFound     = errors.New("session_not_found")
	ErrSessionClosed       = errors.New("session_closed")
	ErrDeviceChangeBlocked = errors.New("device_change_blocked")
	ErrPermissionDenied    = errors.New("permission_denied")
)
