// Package mode implements the Mode Service (spec §4.5 "Mode Service"):
// dispatches a request to passthrough, recording, or replay handling
// depending on ctx.Mode, which the HTTPS interceptor sets to the proxy's
// current operating mode for monitored requests and to passthrough for
// all others.
package mode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fihtony/dproxy/pkg/forwarder"
	"github.com/fihtony/dproxy/pkg/matcher"
	"github.com/fihtony/dproxy/pkg/observability"
	"github.com/fihtony/dproxy/pkg/reqctx"
	"github.com/fihtony/dproxy/pkg/session"
	"github.com/fihtony/dproxy/pkg/store"
	"github.com/fihtony/dproxy/pkg/trafficconfig"
)

// Service dispatches requests according to the active mode.
type Service struct {
	Forwarder *forwarder.Forwarder
	Cache     *trafficconfig.Cache
	Store     store.RecordStore
	Matcher   *matcher.Engine
	Sessions  *session.Manager
	Signer    *session.JWTSigner

	// Metrics is optional; nil is a no-op (spec §4.10 mode-dispatch
	// instrumentation is off the hot-path error return, never required).
	Metrics *observability.Metrics
}

// Handle dispatches ctx per ctx.Mode and populates ctx.Response.
func (s *Service) Handle(ctx context.Context, rc *reqctx.Context) error {
	if s.Metrics != nil {
		s.Metrics.RecordModeDispatch(ctx, string(rc.Mode))
	}
	switch rc.Mode {
	case reqctx.ModeRecording:
		return s.handleRecording(ctx, rc)
	case reqctx.ModeReplay:
		return s.handleReplay(ctx, rc)
	default:
		return s.handlePassthrough(ctx, rc)
	}
}

func (s *Service) targetURL(rc *reqctx.Context) string {
	secure := s.Cache.IsSecureDomain(rc.Current.Host)
	return forwarder.TargetURL(rc.Current, rc.Current.Host, secure)
}

func (s *Service) handlePassthrough(ctx context.Context, rc *reqctx.Context) error {
	result := s.Forwarder.Forward(ctx, rc.Current, s.targetURL(rc))
	if result.Err != nil {
		rc.Response = errorResponse(result.Status, result.Err.Error())
		return nil
	}
	rc.Response = result.Response
	rc.SetMeta("source", "upstream")
	return nil
}

func (s *Service) handleRecording(ctx context.Context, rc *reqctx.Context) error {
	start := time.Now()
	result := s.Forwarder.Forward(ctx, rc.Current, s.targetURL(rc))
	rc.LatencyMs = time.Since(start).Milliseconds()

	if result.Err != nil {
		rc.Response = errorResponse(result.Status, result.Err.Error())
		return nil
	}
	rc.Response = result.Response
	rc.SetMeta("source", "upstream")

	// Recording only persists non-error exchanges (spec §4.5 "upserts
	// happen on non-error responses"); a 4xx/5xx upstream response is
	// forwarded to the client but never written to the record store.
	if result.Response.StatusCode < 400 {
		s.recordExchange(ctx, rc, result.Response)
	}
	return nil
}

func (s *Service) recordExchange(ctx context.Context, rc *reqctx.Context, resp *http.Response) {
	var reqBody []byte
	if rc.Current.Body != nil {
		reqBody, _ = io.ReadAll(rc.Current.Body)
	}

	var respBody []byte
	if resp.Body != nil {
		respBody, _ = io.ReadAll(resp.Body)
		resp.Body = io.NopCloser(bytes.NewReader(respBody))
	}

	var userID *string
	if rc.UserID != "" {
		uid := rc.UserID
		userID = &uid
	}

	req := &store.APIRequest{
		UserID:         userID,
		Method:         rc.Current.Method,
		Host:           rc.Current.Host,
		EndpointPath:   rc.Current.URL.Path,
		QueryParams:    flattenQuery(rc.Current.URL.Query()),
		RequestHeaders: map[string][]string(rc.Current.Header),
		RequestBody:    reqBody,
		AppVersion:     rc.AppVersion,
		AppPlatform:    rc.AppPlatform,
		AppEnvironment: rc.AppEnvironment,
		AppLanguage:    rc.AppLanguage,
		EndpointType:   rc.EndpointType,
	}

	var bodyMatchFields []string
	if s.Matcher != nil {
		bodyMatchFields = s.Matcher.MatchBodyFields(req.Method, req.EndpointPath)
	}

	id, err := s.Store.UpsertRequest(ctx, req, bodyMatchFields)
	if err != nil {
		return
	}

	s.Store.PutResponse(ctx, id, &store.APIResponse{
		ResponseStatus:  resp.StatusCode,
		ResponseHeaders: map[string][]string(resp.Header),
		ResponseBody:    respBody,
		ResponseSource:  "upstream",
		LatencyMs:       rc.LatencyMs,
	})
}

func (s *Service) handleReplay(ctx context.Context, rc *reqctx.Context) error {
	var body []byte
	if rc.Current.Body != nil {
		body, _ = io.ReadAll(rc.Current.Body)
	}

	req := matcher.Request{
		Method:         rc.Current.Method,
		Path:           rc.Current.URL.Path,
		UserID:         rc.UserID,
		AppVersion:     rc.AppVersion,
		AppPlatform:    rc.AppPlatform,
		AppEnvironment: rc.AppEnvironment,
		AppLanguage:    rc.AppLanguage,
		EndpointType:   rc.EndpointType,
		QueryParams:    flattenQuery(rc.Current.URL.Query()),
		Headers:        rc.Current.Header,
		Body:           body,
	}

	candidate, err := s.Matcher.Match(ctx, req)
	if err != nil {
		if errors.Is(err, matcher.ErrNoMatch) {
			if s.Metrics != nil {
				s.Metrics.RecordMatchAttempt(ctx, "")
			}
			rc.Response = noMatchResponse()
			rc.SetMeta("source", "replay-miss")
			return nil
		}
		rc.Response = errorResponse(http.StatusBadGateway, err.Error())
		return nil
	}
	if s.Metrics != nil {
		s.Metrics.RecordMatchAttempt(ctx, candidate.Strategy)
	}

	rule := s.Cache.GetReplayLatency(rc.Current.Host, rc.Current.URL.Path)
	session.ApplyLatency(ctx, rule, candidate.Response.LatencyMs)

	respBody := append([]byte(nil), candidate.Response.ResponseBody...)
	rc.Response = &http.Response{
		StatusCode: candidate.Response.ResponseStatus,
		Header:     cloneHeader(candidate.Response.ResponseHeaders),
		Body:       io.NopCloser(bytes.NewReader(respBody)),
	}
	if rc.Response.Header == nil {
		rc.Response.Header = make(http.Header)
	}
	rc.SetMeta("source", "replay")

	s.substituteReplayIdentity(ctx, rc)
	return nil
}

// substituteReplayIdentity rewrites the recorded bearer token and
// upstream session cookie in a replayed response so the client sees a
// self-consistent identity instead of a stale recorded one (spec §4.8
// "Replay-mode substitutions"). It is a no-op unless the request resolved
// to a session and the endpoint matches a configured update rule.
func (s *Service) substituteReplayIdentity(ctx context.Context, rc *reqctx.Context) {
	if s.Signer == nil {
		return
	}
	pSession := rc.Meta("session-psession")
	if pSession == "" {
		return
	}
	sess, err := s.Store.GetSessionByPSession(ctx, pSession)
	if err != nil || sess == nil {
		return
	}

	for _, rule := range s.Cache.MatchSessionUpdateRules(rc.Current.Method, rc.Current.URL.Path) {
		switch rule.Type {
		case "auth":
			userID := ""
			if sess.UserID != nil {
				userID = *sess.UserID
			}
			token, err := s.Signer.IssueReplayToken(userID, rc.SessionID, time.Hour)
			if err != nil {
				continue
			}
			setJSONBodyField(rc.Response, rule.Key, token)
		case "cookie":
			if sess.USession != "" {
				rewriteSetCookieValue(rc.Response, rule.Key, sess.USession)
			}
		}
	}
}

func cloneHeader(h map[string][]string) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		vv := make([]string, len(v))
		copy(vv, v)
		out[k] = vv
	}
	return out
}

// setJSONBodyField rewrites a dotted JSON field in resp's body in place,
// recomputing Content-Length. Missing intermediate objects and the leaf
// field are created; non-JSON bodies, and paths that cross a non-object
// value, are left untouched.
func setJSONBodyField(resp *http.Response, path, value string) {
	if resp.Body == nil {
		return
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		resp.Body = io.NopCloser(bytes.NewReader(data))
		return
	}

	var decoded map[string]any
	if json.Unmarshal(data, &decoded) != nil {
		resp.Body = io.NopCloser(bytes.NewReader(data))
		return
	}
	if !setDotPath(decoded, path, value) {
		resp.Body = io.NopCloser(bytes.NewReader(data))
		return
	}

	encoded, err := json.Marshal(decoded)
	if err != nil {
		resp.Body = io.NopCloser(bytes.NewReader(data))
		return
	}
	resp.Body = io.NopCloser(bytes.NewReader(encoded))
	resp.ContentLength = int64(len(encoded))
	if resp.Header != nil {
		resp.Header.Set("Content-Length", itoaLen(len(encoded)))
	}
}

// setDotPath sets value at a dotted path into m, creating intermediate
// maps as needed; it refuses to overwrite a non-object intermediate node.
func setDotPath(m map[string]any, path, value string) bool {
	parts := splitDot(path)
	cur := m
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part]
		if !ok {
			nm := map[string]any{}
			cur[part] = nm
			cur = nm
			continue
		}
		nm, ok := next.(map[string]any)
		if !ok {
			return false
		}
		cur = nm
	}
	cur[parts[len(parts)-1]] = value
	return true
}

func splitDot(path string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			parts = append(parts, path[start:i])
			start = i + 1
		}
	}
	parts = append(parts, path[start:])
	return parts
}

func itoaLen(n int) string {
	if n == 0 {
		return "0"
	}
	buf := make([]byte, 0, 8)
	for n > 0 {
		buf = append([]byte{byte('0' + n%10)}, buf...)
		n /= 10
	}
	return string(buf)
}

// rewriteSetCookieValue replaces the value of the named cookie in every
// Set-Cookie header line on resp.
func rewriteSetCookieValue(resp *http.Response, name, value string) {
	existing := resp.Header.Values("Set-Cookie")
	if len(existing) == 0 {
		return
	}
	resp.Header.Del("Set-Cookie")
	for _, sc := range existing {
		resp.Header.Add("Set-Cookie", replaceCookieValue(sc, name, value))
	}
}

func replaceCookieValue(setCookie, name, value string) string {
	semi := strings.IndexByte(setCookie, ';')
	head := setCookie
	rest := ""
	if semi >= 0 {
		head = setCookie[:semi]
		rest = setCookie[semi:]
	}
	eq := strings.IndexByte(head, '=')
	if eq < 0 || !strings.EqualFold(strings.TrimSpace(head[:eq]), name) {
		return setCookie
	}
	return head[:eq+1] + value + rest
}

func flattenQuery(values map[string][]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func errorResponse(status int, message string) *http.Response {
	body, _ := json.Marshal(map[string]any{
		"error":     true,
		"status":    status,
		"message":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &http.Response{StatusCode: status, Header: h, Body: io.NopCloser(bytes.NewReader(body))}
}

func noMatchResponse() *http.Response {
	return errorResponse(http.StatusBadGateway, "no-match")
}
