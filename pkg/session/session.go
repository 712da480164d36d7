// Package session implements the Session Fabric (spec §4.8): issuing the
// opaque DPSESSION cookie, resolving a request's identity through the
// cookie/us_hash/oauth_hash chain, and recording the hash trail that lets
// later requests bearing the same upstream cookie or bearer token resolve
// back to the same session.
package session

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fihtony/dproxy/pkg/store"
)

const (
	// CookieName is the proxy-issued session cookie (spec §4.8 "DPSESSION").
	CookieName = "DPSESSION"

	// DefaultLifetime is the default session cookie and row lifetime.
	DefaultLifetime = 24 * time.Hour
)

// Manager issues and resolves sessions.
type Manager struct {
	store    store.RecordStore
	lifetime time.Duration
}

// New creates a Manager with the given session lifetime; zero uses
// DefaultLifetime.
func New(s store.RecordStore, lifetime time.Duration) *Manager {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	return &Manager{store: s, lifetime: lifetime}
}

// Identity is the resolved session identity for a request.
type Identity struct {
	Session *store.Session
	// Anonymous is true when no DPSESSION cookie, us_hash, or oauth_hash
	// match was found. A new session is created for such a request only
	// if a session-creation trigger rule matches it.
	Anonymous bool
}

// Resolve runs the identity resolution chain (spec §4.8 "Identity
// resolution"): DPSESSION cookie, then us_hash cookie-hash lookup, then
// oauth_hash bearer-hash lookup, first hit wins.
func (m *Manager) Resolve(ctx context.Context, r *http.Request) (*Identity, error) {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		sess, err := m.store.GetSessionByPSession(ctx, c.Value)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			return &Identity{Session: sess}, nil
		}
	}

	if cookieHeader := upstreamCookieValue(r); cookieHeader != "" {
		hash := store.HashToken(cookieHeader)
		sess, err := m.store.GetSessionByUSHash(ctx, hash)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			return &Identity{Session: sess}, nil
		}
	}

	if bearer := bearerToken(r); bearer != "" {
		hash := store.HashToken(bearer)
		sess, err := m.store.GetSessionByOAuthHash(ctx, hash)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			return &Identity{Session: sess}, nil
		}
	}

	return &Identity{Anonymous: true}, nil
}

// upstreamCookieValue returns the raw Cookie header value the upstream
// application set (not the DPSESSION cookie itself), used as the
// us_hash lookup key.
func upstreamCookieValue(r *http.Request) string {
	raw := r.Header.Get("Cookie")
	if raw == "" {
		return ""
	}
	var parts []string
	for _, p := range strings.Split(raw, ";") {
		p = strings.TrimSpace(p)
		if strings.HasPrefix(p, CookieName+"=") {
			continue
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, "; ")
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimPrefix(auth, prefix)
}

// GetOrCreateUser resolves (or auto-creates) the user row for an external
// identifier extracted by a session-creation trigger rule (spec §4.8
// "Creation triggers").
func (m *Manager) GetOrCreateUser(ctx context.Context, externalUserID string) (*store.User, error) {
	return m.store.GetOrCreateUser(ctx, externalUserID)
}

// Create issues a brand new session row for a request carrying no
// resolvable identity.
func (m *Manager) Create(ctx context.Context, userID *string) (*store.Session, error) {
	now := time.Now()
	sess := &store.Session{
		UserID:         userID,
		PSession:       uuid.NewString(),
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.lifetime),
		LastActivityAt: now,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// RecordUpstreamCookie appends the hash of an upstream Set-Cookie value
// to the session's us_hash list and stores the value as u_session (spec
// §4.8 "create/update trigger rules"). A value already in the list is
// appended again.
func (m *Manager) RecordUpstreamCookie(ctx context.Context, sessionID int64, cookieValue string) error {
	if cookieValue == "" {
		return nil
	}
	hash := store.HashToken(cookieValue)
	return m.store.AppendUSHash(ctx, sessionID, hash, cookieValue)
}

// RecordOAuthToken appends a new oauth_hash entry for a bearer token
// observed in an upstream Authorization-bearing exchange.
func (m *Manager) RecordOAuthToken(ctx context.Context, sessionID int64, token string) error {
	if token == "" {
		return nil
	}
	hash := store.HashToken(token)
	return m.store.AppendOAuthHash(ctx, sessionID, hash, token)
}

// Touch updates last_activity_at for a resolved session.
func (m *Manager) Touch(ctx context.Context, sessionID int64) error {
	return m.store.TouchSession(ctx, sessionID)
}

// IssueCookie builds the Set-Cookie header value for a monitored domain
// (spec §4.8: "Domain=<d>; Path=/; HttpOnly; SameSite=None[; Secure]").
func IssueCookie(pSession, domain string, secure bool, lifetime time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    pSession,
		Domain:   domain,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteNoneMode,
		Secure:   secure,
		Expires:  time.Now().Add(lifetime),
	}
}
