package mode

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fihtony/dproxy/pkg/matcher"
	"github.com/fihtony/dproxy/pkg/reqctx"
	"github.com/fihtony/dproxy/pkg/session"
	"github.com/fihtony/dproxy/pkg/store"
	"github.com/fihtony/dproxy/pkg/trafficconfig"
)

func newReplayContext(t *testing.T, path string) *reqctx.Context {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "http://api.example.com"+path, nil)
	rc := reqctx.New(r)
	rc.Mode = reqctx.ModeReplay
	return rc
}

func seedProxyConfig(t *testing.T, s *store.MemoryRecordStore) {
	t.Helper()
	cfg := map[string]any{
		"sessionUpdateRules": []map[string]any{
			{"endpoint": "/v1/*", "method": "*", "type": "auth", "key": "token"},
			{"endpoint": "/v1/*", "method": "*", "type": "cookie", "key": "session"},
		},
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := s.PutConfig(context.Background(), &store.ConfigRow{Type: store.ConfigTypeProxy, Config: data}); err != nil {
		t.Fatalf("put config: %v", err)
	}
}

func buildReplayService(t *testing.T) (*Service, *store.MemoryRecordStore) {
	t.Helper()
	s := store.NewMemoryRecordStore()
	s.SeedRules([]store.EndpointMatchingConfig{{
		ID:              1,
		HTTPMethod:      "*",
		EndpointPattern: "/v1/profile",
		Priority:        10,
		Enabled:         true,
		Type:            "replay",
	}})
	seedProxyConfig(t, s)

	id, err := s.UpsertRequest(context.Background(), &store.APIRequest{
		Method:       "GET",
		EndpointPath: "/v1/profile",
	}, nil)
	if err != nil {
		t.Fatalf("upsert request: %v", err)
	}
	if err := s.PutResponse(context.Background(), id, &store.APIResponse{
		ResponseStatus: 200,
		ResponseHeaders: map[string][]string{
			"Content-Type": {"application/json"},
			"Set-Cookie":   {"session=stale-value; Path=/; HttpOnly"},
		},
		ResponseBody: []byte(`{"token":"stale-token","user":"bob"}`),
	}); err != nil {
		t.Fatalf("put response: %v", err)
	}

	if err := s.CreateSession(context.Background(), &store.Session{
		PSession: "ps-1",
		USession: "fresh-upstream-session",
	}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	cache := trafficconfig.New(s, nil)
	if err := cache.RefreshAll(context.Background()); err != nil {
		t.Fatalf("refresh cache: %v", err)
	}

	eng := matcher.New(s)
	if err := eng.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh matcher: %v", err)
	}

	svc := &Service{
		Cache:   cache,
		Store:   s,
		Matcher: eng,
		Signer:  session.NewJWTSigner([]byte("test-signing-key")),
	}
	return svc, s
}

func TestHandleReplay_SubstitutesTokenAndCookie(t *testing.T) {
	svc, _ := buildReplayService(t)
	rc := newReplayContext(t, "/v1/profile")
	rc.SetMeta("session-psession", "ps-1")
	rc.SessionID = "7"

	if err := svc.Handle(context.Background(), rc); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if rc.Response == nil {
		t.Fatal("expected a response")
	}
	if rc.Response.StatusCode != 200 {
		t.Fatalf("expected status 200, got %d", rc.Response.StatusCode)
	}

	setCookie := rc.Response.Header.Get("Set-Cookie")
	if setCookie == "" || setCookie == "session=stale-value; Path=/; HttpOnly" {
		t.Fatalf("expected rewritten Set-Cookie, got %q", setCookie)
	}
	if got := extractCookieValue(setCookie); got != "fresh-upstream-session" {
		t.Fatalf("expected cookie value fresh-upstream-session, got %q", got)
	}

	body, err := io.ReadAll(rc.Response.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	token, _ := decoded["token"].(string)
	if token == "" || token == "stale-token" {
		t.Fatalf("expected rewritten token, got %q", token)
	}
	if decoded["user"] != "bob" {
		t.Fatalf("expected untouched sibling field, got %v", decoded["user"])
	}
}

func TestHandleReplay_NoSessionMeta_LeavesResponseUntouched(t *testing.T) {
	svc, _ := buildReplayService(t)
	rc := newReplayContext(t, "/v1/profile")

	if err := svc.Handle(context.Background(), rc); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	setCookie := rc.Response.Header.Get("Set-Cookie")
	if setCookie != "session=stale-value; Path=/; HttpOnly" {
		t.Fatalf("expected original Set-Cookie preserved, got %q", setCookie)
	}
}

func TestHandleReplay_NoMatch_ReturnsBadGatewayWithMissMarker(t *testing.T) {
	svc, _ := buildReplayService(t)
	rc := newReplayContext(t, "/v1/does-not-exist")

	if err := svc.Handle(context.Background(), rc); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if rc.Response.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rc.Response.StatusCode)
	}
	if rc.Meta("source") != "replay-miss" {
		t.Fatalf("expected source=replay-miss, got %q", rc.Meta("source"))
	}
}

func extractCookieValue(setCookie string) string {
	for i := 0; i < len(setCookie); i++ {
		if setCookie[i] == '=' {
			rest := setCookie[i+1:]
			for j := 0; j < len(rest); j++ {
				if rest[j] == ';' {
					return rest[:j]
				}
			}
			return rest
		}
	}
	return ""
}
