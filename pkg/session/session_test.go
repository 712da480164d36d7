package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fihtony/dproxy/pkg/store"
)

func TestResolve_ByDPSessionCookie(t *testing.T) {
	s := store.NewMemoryRecordStore()
	m := New(s, time.Hour)

	sess, err := m.Create(context.Background(), nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "http://api.example.com/v1/profile", nil)
	r.AddCookie(&http.Cookie{Name: CookieName, Value: sess.PSession})

	id, err := m.Resolve(context.Background(), r)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id.Anonymous {
		t.Fatal("expected resolved identity, got anonymous")
	}
	if id.Session.PSession != sess.PSession {
		t.Fatalf("expected session %s, got %s", sess.PSession, id.Session.PSession)
	}
}

func TestResolve_ByUpstreamCookieHash(t *testing.T) {
	s := store.NewMemoryRecordStore()
	m := New(s, time.Hour)

	sess, err := m.Create(context.Background(), nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.RecordUpstreamCookie(context.Background(), sess.ID, "upstream=abc123"); err != nil {
		t.Fatalf("record upstream cookie: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "http://api.example.com/v1/profile", nil)
	r.Header.Set("Cookie", "upstream=abc123")

	id, err := m.Resolve(context.Background(), r)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id.Anonymous {
		t.Fatal("expected resolved identity via us_hash, got anonymous")
	}
	if id.Session.ID != sess.ID {
		t.Fatalf("expected session id %d, got %d", sess.ID, id.Session.ID)
	}
}

func TestResolve_ByBearerOAuthHash(t *testing.T) {
	s := store.NewMemoryRecordStore()
	m := New(s, time.Hour)

	sess, err := m.Create(context.Background(), nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.RecordOAuthToken(context.Background(), sess.ID, "secret-token"); err != nil {
		t.Fatalf("record oauth token: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "http://api.example.com/v1/profile", nil)
	r.Header.Set("Authorization", "Bearer secret-token")

	id, err := m.Resolve(context.Background(), r)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id.Anonymous {
		t.Fatal("expected resolved identity via oauth_hash, got anonymous")
	}
	if id.Session.ID != sess.ID {
		t.Fatalf("expected session id %d, got %d", sess.ID, id.Session.ID)
	}
}

func TestResolve_NoMatch_IsAnonymous(t *testing.T) {
	s := store.NewMemoryRecordStore()
	m := New(s, time.Hour)

	r := httptest.NewRequest(http.MethodGet, "http://api.example.com/v1/profile", nil)

	id, err := m.Resolve(context.Background(), r)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !id.Anonymous {
		t.Fatal("expected anonymous identity for request with no identifying data")
	}
}

func TestUpstreamCookieValue_StripsDPSessionCookie(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://api.example.com/v1/profile", nil)
	r.Header.Set("Cookie", CookieName+"=abc; upstream=xyz")

	got := upstreamCookieValue(r)
	if got != "upstream=xyz" {
		t.Fatalf("expected DPSESSION stripped, got %q", got)
	}
}

func TestIssueReplayToken_RoundTripsClaims(t *testing.T) {
	signer := NewJWTSigner([]byte("key-material"))
	token, err := signer.IssueReplayToken("user-42", "session-7", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	claims := &replayClaims{}
	if _, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte("key-material"), nil
	}, jwt.WithValidMethods([]string{"HS256"})); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "user-user-42" {
		t.Fatalf("expected sub %q, got %q", "user-user-42", claims.Subject)
	}
	if claims.SessionID != "session-7" {
		t.Fatalf("expected sessionId %q, got %q", "session-7", claims.SessionID)
	}
	if claims.Issuer != replayIssuer {
		t.Fatalf("expected iss %q, got %q", replayIssuer, claims.Issuer)
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != replayAudience {
		t.Fatalf("expected aud [%q], got %v", replayAudience, claims.Audience)
	}
}
