// Package forwarder implements the upstream forwarding transport (spec
// §4.10 "Forwarder" / SPEC_FULL.md §4.13): composes the target URL,
// applies timeouts and bounded retries, strips hop-by-hop headers, and
// translates transport failures into the proxy's synthesized error
// responses rather than letting them escape as Go errors.
package forwarder

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

// Config configures one Forwarder instance.
type Config struct {
	ConnectTimeout  time.Duration
	TotalTimeout    time.Duration
	RetryCount      int
	RetryDelay      time.Duration
	RetryOnTimeout  bool
	MaxRedirects    int
	InsecureTLS     bool
}

// DefaultConfig matches SPEC_FULL.md §4.13's stated defaults.
func DefaultConfig() *Config {
	return &Config{
		ConnectTimeout: 5 * time.Second,
		TotalTimeout:   30 * time.Second,
		RetryCount:     3,
		RetryDelay:     200 * time.Millisecond,
		RetryOnTimeout: false,
		MaxRedirects:   5,
		InsecureTLS:    false,
	}
}

// Forwarder sends requests upstream and normalizes transport failures.
type Forwarder struct {
	cfg    *Config
	client *http.Client
}

// New builds a Forwarder. A nil cfg uses DefaultConfig.
func New(cfg *Config) *Forwarder {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.InsecureTLS},
		DialContext:     dialer.DialContext,
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   cfg.TotalTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}

	return &Forwarder{cfg: cfg, client: client}
}

var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Transfer-Encoding", "Content-Encoding", "Upgrade",
}

// Result is the outcome of forwarding one request: either a response or
// a classified error the caller turns into a synthesized 502/504.
type Result struct {
	Response *http.Response
	// Status is the HTTP status the caller should synthesize when Err is
	// non-nil: 502 for connect/DNS failures, 504 for timeouts.
	Status int
	Err     error
}

// TargetURL composes the upstream URL for req against host, honoring
// secure (TLS) when true and the inbound scheme otherwise.
func TargetURL(req *http.Request, host string, secure bool) string {
	scheme := "http"
	if secure {
		scheme = "https"
	} else if req.TLS != nil {
		scheme = "https"
	}
	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}
	return scheme + "://" + host + path
}

// Forward sends req upstream to targetURL, retrying transient failures
// up to cfg.RetryCount times with a constant delay.
func (f *Forwarder) Forward(ctx context.Context, req *http.Request, targetURL string) Result {
	var bodyBytes []byte
	if req.Body != nil {
		bodyBytes, _ = io.ReadAll(req.Body)
		req.Body.Close()
		// Restore req.Body so later stages (recording, logging) can still
		// read the same bytes; Forward is not the only reader of req.
		req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}

	var lastErr error
	attempts := f.cfg.RetryCount + 1
	for attempt := 0; attempt < attempts; attempt++ {
		outReq, err := http.NewRequestWithContext(ctx, req.Method, targetURL, bytes.NewReader(bodyBytes))
		if err != nil {
			return Result{Err: err, Status: http.StatusBadGateway}
		}
		outReq.Header = cloneHeader(req.Header)
		stripHopByHop(outReq.Header)

		resp, err := f.client.Do(outReq)
		if err == nil {
			decompressBody(resp)
			return Result{Response: resp}
		}
		lastErr = err

		if isTimeout(err) {
			if !f.cfg.RetryOnTimeout {
				return Result{Err: err, Status: http.StatusGatewayTimeout}
			}
		}
		if attempt < attempts-1 {
			select {
			case <-time.After(f.cfg.RetryDelay):
			case <-ctx.Done():
				return Result{Err: ctx.Err(), Status: http.StatusGatewayTimeout}
			}
		}
	}

	status := http.StatusBadGateway
	if isTimeout(lastErr) {
		status = http.StatusGatewayTimeout
	}
	return Result{Err: lastErr, Status: status}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok {
		return te.Timeout()
	}
	return strings.Contains(err.Error(), "timeout") || strings.Contains(err.Error(), "deadline exceeded")
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		vv := make([]string, len(v))
		copy(vv, v)
		out[k] = vv
	}
	return out
}

func stripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
	for name := range h {
		if strings.HasPrefix(strings.ToLower(name), "proxy-") {
			h.Del(name)
		}
	}
}

// decompressBody transparently decodes gzip/deflate/br response bodies
// so downstream recording/matching always sees cleartext content,
// replacing Content-Encoding with the decoded length.
func decompressBody(resp *http.Response) {
	enc := strings.ToLower(resp.Header.Get("Content-Encoding"))
	if enc == "" {
		return
	}

	var reader io.ReadCloser
	var err error
	switch enc {
	case "gzip":
		reader, err = gzip.NewReader(resp.Body)
	case "deflate":
		reader = io.NopCloser(flate.NewReader(resp.Body))
	case "br":
		reader = io.NopCloser(brotli.NewReader(resp.Body))
	default:
		return
	}
	if err != nil {
		return
	}

	data, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		return
	}

	resp.Body = io.NopCloser(bytes.NewReader(data))
	resp.Header.Del("Content-Encoding")
	resp.ContentLength = int64(len(data))
	resp.Header.Set("Content-Length", fmt.Sprintf("%d", len(data)))
}
