package chain

import (
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fihtony/dproxy/pkg/reqctx"
	"github.com/fihtony/dproxy/pkg/trafficconfig"
)

// UserIDInterceptor extracts the user identifier from the mapping rules
// compiled into the traffic config cache and stores it on the context.
// Priority 100: it must run before every other interceptor, since
// downstream recording/matching keys off UserID.
type UserIDInterceptor struct {
	Cache *trafficconfig.Cache
}

func (i *UserIDInterceptor) Name() string  { return "user-id" }
func (i *UserIDInterceptor) Priority() int { return 100 }

func (i *UserIDInterceptor) HandleRequest(ctx *reqctx.Context) error {
	values := i.Cache.ExtractAllMappedValues(
		func(name string) string { return ctx.Current.Header.Get(name) },
		func(name string) string { return ctx.Current.URL.Query().Get(name) },
	)
	ctx.UserID = values["user_id"]
	return nil
}

// MobileHeaderInterceptor extracts the app-dimension fields (version,
// platform, environment, language) that the matching engine and record
// store key recordings on. Priority 95: runs right after user
// identification, before anything that logs or normalizes headers.
type MobileHeaderInterceptor struct {
	Cache *trafficconfig.Cache
}

func (i *MobileHeaderInterceptor) Name() string  { return "mobile-header" }
func (i *MobileHeaderInterceptor) Priority() int { return 95 }

func (i *MobileHeaderInterceptor) HandleRequest(ctx *reqctx.Context) error {
	values := i.Cache.ExtractAllMappedValues(
		func(name string) string { return ctx.Current.Header.Get(name) },
		func(name string) string { return ctx.Current.URL.Query().Get(name) },
	)
	ctx.AppVersion = values["app_version"]
	ctx.AppPlatform = values["app_platform"]
	ctx.AppEnvironment = values["app_environment"]
	ctx.AppLanguage = values["app_language"]
	ctx.HasJWT = hasBearerJWT(ctx.Current.Header.Get("Authorization"))
	return nil
}

func hasBearerJWT(authHeader string) bool {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return false
	}
	token := strings.TrimPrefix(authHeader, prefix)
	return strings.Count(token, ".") == 2
}

// HeaderNormalizationInterceptor strips hop-by-hop headers a client
// should never have forwarded in the first place; it leaves header name
// casing as net/http canonicalized it. Priority 90.
type HeaderNormalizationInterceptor struct{}

func (i *HeaderNormalizationInterceptor) Name() string  { return "header-normalization" }
func (i *HeaderNormalizationInterceptor) Priority() int { return 90 }

var clientHopByHop = []string{"Connection", "Keep-Alive", "Proxy-Connection", "Proxy-Authorization"}

func (i *HeaderNormalizationInterceptor) HandleRequest(ctx *reqctx.Context) error {
	for _, h := range clientHopByHop {
		ctx.Current.Header.Del(h)
	}
	return nil
}

// LoggingRequestInterceptor emits one structured log line per request,
// monitored or not. Priority 10: it runs last among request interceptors, after
// every field it logs has been populated.
type LoggingRequestInterceptor struct {
	Logger *slog.Logger
}

func (i *LoggingRequestInterceptor) Name() string  { return "logging" }
func (i *LoggingRequestInterceptor) Priority() int { return 10 }

func (i *LoggingRequestInterceptor) HandleRequest(ctx *reqctx.Context) error {
	i.Logger.Info("request",
		"request_id", ctx.RequestID,
		"method", ctx.Current.Method,
		"host", ctx.Current.Host,
		"path", ctx.Current.URL.Path,
		"mode", ctx.Mode,
		"user_id", ctx.UserID,
	)
	return nil
}

// SecurityHeadersInterceptor sets X-Content-Type-Options and
// X-Frame-Options when the response lacks them. It does not rewrite
// error response bodies: a 4xx/5xx body reaches the client exactly as the
// mode handler produced it. Priority 100: must run before any
// interceptor that might assume headers are already final.
type SecurityHeadersInterceptor struct{}

func (i *SecurityHeadersInterceptor) Name() string  { return "security-headers" }
func (i *SecurityHeadersInterceptor) Priority() int { return 100 }

func (i *SecurityHeadersInterceptor) HandleResponse(ctx *reqctx.Context) error {
	if ctx.Response == nil {
		return nil
	}
	h := ctx.Response.Header
	if h.Get("X-Content-Type-Options") == "" {
		h.Set("X-Content-Type-Options", "nosniff")
	}
	if h.Get("X-Frame-Options") == "" {
		h.Set("X-Frame-Options", "DENY")
	}
	return nil
}

// CORSInterceptor reflects the inbound Origin header for monitored
// traffic so a browser-based client driving recording/replay does not
// need a separate CORS proxy. Priority 90.
type CORSInterceptor struct{}

func (i *CORSInterceptor) Name() string  { return "cors" }
func (i *CORSInterceptor) Priority() int { return 90 }

func (i *CORSInterceptor) HandleResponse(ctx *reqctx.Context) error {
	if ctx.Response == nil {
		return nil
	}
	origin := ctx.Original.Header.Get("Origin")
	if origin == "" {
		return nil
	}
	h := ctx.Response.Header
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	return nil
}

// JSONResponseInterceptor ensures synthesized error bodies declare the
// correct content type. It does not touch bodies proxied verbatim from
// an upstream. Priority 80.
type JSONResponseInterceptor struct{}

func (i *JSONResponseInterceptor) Name() string  { return "json-response" }
func (i *JSONResponseInterceptor) Priority() int { return 80 }

func (i *JSONResponseInterceptor) HandleResponse(ctx *reqctx.Context) error {
	if ctx.Response == nil {
		return nil
	}
	if ctx.Meta("synthetic-error") == "true" {
		ctx.Response.Header.Set("Content-Type", "application/json")
	}
	return nil
}

// LoggingResponseInterceptor emits one structured log line per monitored
// response, including latency. Priority 10: runs after stats recording
// (50), so the log line and the stats row are based on the same final
// response; only the traffic logger (5) runs after it.
type LoggingResponseInterceptor struct {
	Logger *slog.Logger
}

func (i *LoggingResponseInterceptor) Name() string  { return "logging" }
func (i *LoggingResponseInterceptor) Priority() int { return 10 }

func (i *LoggingResponseInterceptor) HandleResponse(ctx *reqctx.Context) error {
	status := 0
	if ctx.Response != nil {
		status = ctx.Response.StatusCode
	}
	i.Logger.Info("response",
		"request_id", ctx.RequestID,
		"status", status,
		"mode", ctx.Mode,
		"latency_ms", ctx.LatencyMs,
	)
	return nil
}

// newErrorResponse builds the standard error body (spec §7 "Error
// response shape"): {error:true, status, message, timestamp}.
func newErrorResponse(status int, message string) *http.Response {
	body := `{"error":true,"status":` + itoa(status) + `,"message":"` + jsonEscape(message) + `","timestamp":"` + time.Now().UTC().Format(time.RFC3339) + `"}`
	resp := &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       newBodyReader(body),
	}
	resp.Header.Set("Content-Type", "application/json")
	return resp
}

func newBodyReader(body string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(body))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf []byte
	for n > 0 {
		buf = append([]byte{byte('0' + n%10)}, buf...)
		n /= 10
	}
	if neg {
		buf = append([]byte{'-'}, buf...)
	}
	return string(buf)
}

func jsonEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
