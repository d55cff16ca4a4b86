package license

import (
	"time"

	"github.com/google/uuid"
)

// newToken mints an opaque unguessable bearer credential. Tokens are never
// reused or renewed in place: each successful activation or trial issuance
// mints a fresh one, implicitly invalidating the previous session.
func newToken() string {
	return uuid.NewString()
}

// newSession binds a fresh token to a device. The session expiry mirrors the
// record's expiresAt; nil means the grant never expires.
func newSession(token, deviceID string, now time.Time, expiresAt *time.Time) *Session {
	seen := now
	return &Session{
		Token:      token,
		DeviceID:   deviceID,
		IssuedAt:   now,
		ExpiresAt:  expiresAt,
		LastSeenAt: &seen,
	}
}
