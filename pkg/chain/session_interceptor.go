package chain

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fihtony/dproxy/pkg/observability"
	"github.com/fihtony/dproxy/pkg/reqctx"
	"github.com/fihtony/dproxy/pkg/session"
	"github.com/fihtony/dproxy/pkg/trafficconfig"
)

// SessionRequestInterceptor resolves the caller's identity through the
// DPSESSION cookie / us_hash / oauth_hash chain and, failing that,
// evaluates the session-creation trigger rules (spec §4.8 "Identity
// resolution" / "Creation triggers"). Priority 97: after user-id
// extraction (100) so a manually supplied X-User-ID still wins, but
// before mobile-dimension extraction (95) and logging (10).
type SessionRequestInterceptor struct {
	Sessions *session.Manager
	Cache    *trafficconfig.Cache

	// Metrics is optional; nil is a no-op.
	Metrics *observability.Metrics
}

func (i *SessionRequestInterceptor) Name() string  { return "session" }
func (i *SessionRequestInterceptor) Priority() int { return 97 }

func (i *SessionRequestInterceptor) HandleRequest(ctx *reqctx.Context) error {
	c := ctx.Current
	hadCookie := hasDPSessionCookie(c)

	identity, err := i.Sessions.Resolve(c.Context(), c)
	if err != nil {
		return err
	}

	if !identity.Anonymous {
		sess := identity.Session
		ctx.SessionID = strconv.FormatInt(sess.ID, 10)
		if ctx.UserID == "" && sess.UserID != nil {
			ctx.UserID = *sess.UserID
		}
		ctx.SetMeta("session-psession", sess.PSession)
		if !hadCookie {
			// Resolved purely via us_hash/oauth_hash: the client never
			// presented our cookie for this domain, so the response
			// interceptor must project one (spec §4.8 "Cross-domain
			// projection").
			ctx.SetMeta("session-project", "true")
		}
		if i.Metrics != nil {
			path := "dpsession"
			if !hadCookie {
				path = "hash"
			}
			i.Metrics.RecordSessionResolved(c.Context(), path)
		}
		i.Sessions.Touch(c.Context(), sess.ID)
		return nil
	}

	rule := i.Cache.MatchSessionCreateRule(c.Method, c.URL.Path)
	if rule == nil {
		return nil
	}

	value := extractTriggerValue(c, rule.Source, rule.Key, rule.CompiledPattern())
	if value == "" {
		return nil
	}

	user, err := i.Sessions.GetOrCreateUser(c.Context(), value)
	if err != nil {
		return nil
	}
	sess, err := i.Sessions.Create(c.Context(), &user.UserID)
	if err != nil {
		return nil
	}
	ctx.UserID = user.UserID
	ctx.SessionID = strconv.FormatInt(sess.ID, 10)
	ctx.SetMeta("session-psession", sess.PSession)
	ctx.SetMeta("session-new", "true")
	if i.Metrics != nil {
		i.Metrics.RecordSessionCreated(c.Context())
	}
	return nil
}

// SessionResponseInterceptor projects the DPSESSION cookie onto every
// configured monitored domain when a new session was created or identity
// was resolved cross-domain, and absorbs upstream session cookies/bearer
// tokens per the session-update trigger rules (spec §4.8 "Update
// triggers"). Priority 70: after CORS/security headers are set, before
// stats and logging so the log line reflects the final header set.
type SessionResponseInterceptor struct {
	Sessions *session.Manager
	Cache    *trafficconfig.Cache
	TTL      time.Duration
}

func (i *SessionResponseInterceptor) Name() string  { return "session" }
func (i *SessionResponseInterceptor) Priority() int { return 70 }

func (i *SessionResponseInterceptor) HandleResponse(ctx *reqctx.Context) error {
	if ctx.Response == nil {
		return nil
	}

	if psession := ctx.Meta("session-psession"); psession != "" &&
		(ctx.Meta("session-new") == "true" || ctx.Meta("session-project") == "true") {
		for _, d := range i.Cache.MonitoredDomainHosts() {
			cookie := session.IssueCookie(psession, d.Host, d.Secure, i.TTL)
			ctx.Response.Header.Add("Set-Cookie", cookie.String())
		}
	}

	// Replay-mode responses are synthesized from a recording, not a real
	// upstream exchange: substitution (not hash-recording) applies there,
	// and mode.Service performs it directly since it alone knows the
	// matched candidate. Skip update-trigger absorption here to avoid
	// recording a replayed token as if freshly observed.
	if ctx.Mode == reqctx.ModeReplay || ctx.SessionID == "" {
		return nil
	}

	sessID, err := strconv.ParseInt(ctx.SessionID, 10, 64)
	if err != nil {
		return nil
	}

	for _, rule := range i.Cache.MatchSessionUpdateRules(ctx.Current.Method, ctx.Current.URL.Path) {
		switch rule.Type {
		case "cookie":
			for _, sc := range ctx.Response.Header.Values("Set-Cookie") {
				if v := extractSetCookieValue(sc, rule.Key); v != "" {
					i.Sessions.RecordUpstreamCookie(ctx.Current.Context(), sessID, v)
				}
			}
		case "auth":
			body, ok := peekJSONBody(ctx.Response)
			if !ok {
				continue
			}
			if v, ok := dotPathValue(body, rule.Key); ok {
				if s, ok := v.(string); ok && s != "" {
					i.Sessions.RecordOAuthToken(ctx.Current.Context(), sessID, s)
				}
			}
		}
	}
	return nil
}

func hasDPSessionCookie(r *http.Request) bool {
	c, err := r.Cookie(session.CookieName)
	return err == nil && c.Value != ""
}

// extractTriggerValue pulls a create/update rule's source value from a
// request: body (JSON dot path), header, or query; when pattern is set,
// its first capture group becomes the value instead of the raw match
// (spec §4.8).
func extractTriggerValue(r *http.Request, source, key string, pattern *regexp.Regexp) string {
	var raw string
	switch source {
	case "body":
		body, ok := peekJSONRequestBody(r)
		if !ok {
			return ""
		}
		v, ok := dotPathValue(body, key)
		if !ok {
			return ""
		}
		s, ok := v.(string)
		if !ok {
			return ""
		}
		raw = s
	case "query":
		raw = r.URL.Query().Get(key)
	default:
		raw = r.Header.Get(key)
	}
	return applyCapture(raw, pattern)
}

// applyCapture narrows raw to pattern's first capture group, if pattern
// is set; a pattern with no capture group returns the whole match; a nil
// pattern passes raw straight through (no pattern means "use the raw
// value", spec §4.8). A raw value the pattern does not match yields "",
// which callers treat as "no value".
func applyCapture(raw string, pattern *regexp.Regexp) string {
	if pattern == nil {
		return raw
	}
	groups := pattern.FindStringSubmatch(raw)
	if len(groups) > 1 {
		return groups[1]
	}
	if len(groups) == 1 {
		return groups[0]
	}
	return ""
}

func peekJSONRequestBody(r *http.Request) (any, bool) {
	if r.Body == nil {
		return nil, false
	}
	data, err := io.ReadAll(r.Body)
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(data))
	if err != nil || len(data) == 0 {
		return nil, false
	}
	var v any
	if json.Unmarshal(data, &v) != nil {
		return nil, false
	}
	return v, true
}

func peekJSONBody(resp *http.Response) (any, bool) {
	if resp.Body == nil {
		return nil, false
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(data))
	if err != nil || len(data) == 0 {
		return nil, false
	}
	var v any
	if json.Unmarshal(data, &v) != nil {
		return nil, false
	}
	return v, true
}

// dotPathValue resolves a dotted field path like "token.access" against a
// decoded JSON value.
func dotPathValue(v any, path string) (any, bool) {
	cur := v
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// extractSetCookieValue returns the value of the named cookie from a raw
// Set-Cookie header line, or "" if it isn't that cookie.
func extractSetCookieValue(setCookie, name string) string {
	parts := strings.SplitN(setCookie, ";", 2)
	kv := strings.SplitN(strings.TrimSpace(parts[0]), "=", 2)
	if len(kv) != 2 || !strings.EqualFold(kv[0], name) {
		return ""
	}
	return kv[1]
}
