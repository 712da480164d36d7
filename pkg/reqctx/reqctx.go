// Package reqctx carries the per-request metadata bag threaded through the
// interceptor chain and the mode service: the original and current
// request/response, plus the extracted identity and app-dimension fields
// every downstream component reads instead of re-parsing headers.
package reqctx

import (
	"net/http"
	"sync"
)

// Mode is the dispatch mode the proxy is currently operating in.
type Mode string

const (
	ModePassthrough Mode = "passthrough"
	ModeRecording   Mode = "recording"
	ModeReplay      Mode = "replay"
)

// Context is the request/response context threaded through the
// interceptor chain (spec §4.6 "Request/Response Contexts"). Original
// holds the inbound request exactly as received; Current is the mutable
// view interceptors and the mode handler operate on.
type Context struct {
	Original *http.Request
	Current  *http.Request
	Response *http.Response

	mu       sync.Mutex
	metadata map[string]string

	UserID         string
	SessionID      string
	AppVersion     string
	AppPlatform    string
	AppEnvironment string
	AppLanguage    string
	Mode           Mode
	RequestID      string
	HasJWT         bool

	Monitored    bool
	EndpointType string

	// Err, when non-nil, short-circuits the remaining request
	// interceptors and the mode handler; the HTTPS interceptor answers
	// with a 400 response instead.
	Err error

	// LatencyMs is the mode handler's elapsed time, set by the HTTPS
	// interceptor; the logging interceptor, the stats recorder, and the
	// traffic logger all read this one value.
	LatencyMs int64
}

// New creates a Context wrapping an inbound request. Current starts as a
// shallow clone of Original so interceptors may mutate headers/URL
// without disturbing the pristine copy callers may still need (e.g. for
// exact upstream forwarding decisions).
func New(r *http.Request) *Context {
	cur := r.Clone(r.Context())
	return &Context{
		Original: r,
		Current:  cur,
		metadata: make(map[string]string),
		RequestID: newRequestID(),
	}
}

// Meta returns an arbitrary metadata value, defaulting to "" (never nil)
// per the config cache's "never returns null" convention carried through
// to request metadata as well.
func (c *Context) Meta(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metadata[key]
}

// SetMeta stores an arbitrary metadata value for later interceptors.
func (c *Context) SetMeta(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

var requestIDCounter uint64
var requestIDMu sync.Mutex

// newRequestID mints a process-local, monotonically increasing request
// identifier. It does not need to be globally unique, only unique enough
// to correlate one connection's log lines.
func newRequestID() string {
	requestIDMu.Lock()
	defer requestIDMu.Unlock()
	requestIDCounter++
	return formatRequestID(requestIDCounter)
}

func formatRequestID(n uint64) string {
	const hextable = "0123456789abcdef"
	if n == 0 {
		return "req-0"
	}
	buf := make([]byte, 0, 16)
	for n > 0 {
		buf = append([]byte{hextable[n%16]}, buf...)
		n /= 16
	}
	return "req-" + string(buf)
}
