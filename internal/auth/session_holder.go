package auth

import (
	"sync"
	"time"
)

// SessionHolder remembers the most recent valid session token so background drains can
// authenticate against the remote endpoint after the citizen's request has returned.
type SessionHolder struct {
	mu        sync.RWMutex
	token     string
	expiresAt time.Time
	clock     func() time.Time
}

// NewSessionHolder constructs an empty holder.
func NewSessionHolder(clock func() time.Time) *SessionHolder {
	if clock == nil {
		clock = time.Now
	}
	return &SessionHolder{clock: clock}
}

// Remember stores token if it expires later than the one already held. It reports whether
// the holder went from having no usable token to having one.
func (h *SessionHolder) Remember(token string, claims SessionClaims) bool {
	if token == "" {
		return false
	}
	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	hadToken := h.usable()
	if h.token != "" && !expiresAt.IsZero() && !h.expiresAt.IsZero() && expiresAt.Before(h.expiresAt) {
		return false
	}
	h.token = token
	h.expiresAt = expiresAt
	return !hadToken && h.usable()
}

// Token returns the held token, or an empty string once it has expired.
func (h *SessionHolder) Token() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.usable() {
		return ""
	}
	return h.token
}

func (h *SessionHolder) usable() bool {
	if h.token == "" {
		return false
	}
	return h.expiresAt.IsZero() || h.clock().Before(h.expiresAt)
}

// Forget drops the held token.
func (h *SessionHolder) Forget() {
	h.mu.Lock()
	h.token = ""
	h.expiresAt = time.Time{}
	h.mu.Unlock()
}
