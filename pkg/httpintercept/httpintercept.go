// Package httpintercept implements the HTTPS Interceptor (spec §4.5):
// once the CONNECT Dispatcher has MITM'd a monitored domain, goproxy
// hands this package cleartext, already-parsed HTTP requests and
// responses (decrypted from the TLS stream); this package is where they
// enter the request/response context, the interceptor chain, and the
// mode service.
package httpintercept

import (
	"net/http"
	"time"

	"github.com/elazarl/goproxy"

	"github.com/fihtony/dproxy/pkg/chain"
	"github.com/fihtony/dproxy/pkg/mode"
	"github.com/fihtony/dproxy/pkg/reqctx"
	"github.com/fihtony/dproxy/pkg/trafficconfig"
)

// goproxyUserData carries the reqctx.Context from the request handler to
// the response handler through goproxy's per-connection ctx.UserData.
type goproxyUserData struct {
	rc *reqctx.Context
}

// Interceptor wires a reqctx/chain/mode stack into goproxy's request and
// response hook points.
type Interceptor struct {
	Cache      *trafficconfig.Cache
	Chain      *chain.Chain
	Mode       *mode.Service
	ModeLookup func() reqctx.Mode
}

// New creates an Interceptor.
func New(cache *trafficconfig.Cache, interceptorChain *chain.Chain, modeService *mode.Service, modeLookup func() reqctx.Mode) *Interceptor {
	return &Interceptor{Cache: cache, Chain: interceptorChain, Mode: modeService, ModeLookup: modeLookup}
}

// OnRequest is goproxy's request hook: builds the context, runs the
// request-side interceptor chain for every request, and dispatches
// to the mode service. Returning a non-nil response here short-circuits
// goproxy's own upstream forwarding, since the mode service already
// performed it (or synthesized an error).
func (i *Interceptor) OnRequest(req *http.Request, gctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	rc := reqctx.New(req)
	rc.Mode = i.currentMode()
	rc.Monitored = i.Cache.IsMonitoredRequest(req.Host,
		func(name string) string { return req.Header.Get(name) },
		func(name string) string { return req.URL.Query().Get(name) },
	)
	// Non-monitored traffic is forwarded as passthrough in every mode, so
	// it is never recorded or answered from a recording.
	if !rc.Monitored {
		rc.Mode = reqctx.ModePassthrough
	}
	rc.EndpointType = i.Cache.GetEndpointType(req.URL.Path)

	gctx.UserData = &goproxyUserData{rc: rc}

	// Request interceptors (header normalization, logging, …) run for
	// every request regardless of monitoring status; only the response
	// chain is gated on rc.Monitored (spec §9 Open Questions: "this
	// specification mandates skip for all non-monitored requests" refers
	// to the response chain only).
	if err := i.Chain.RunRequest(rc); err != nil {
		return req, protocolErrorResponse(req)
	}

	start := time.Now()
	if err := i.Mode.Handle(req.Context(), rc); err != nil {
		return req, protocolErrorResponse(req)
	}
	rc.LatencyMs = time.Since(start).Milliseconds()

	return req, rc.Response
}

// OnResponse is goproxy's response hook. Because OnRequest always
// supplies a response (the mode service never falls through to
// goproxy's own forwarding), resp here is always the one OnRequest
// returned; this hook exists to run the response-side interceptor chain
// against it before it reaches the client.
func (i *Interceptor) OnResponse(resp *http.Response, gctx *goproxy.ProxyCtx) *http.Response {
	data, ok := gctx.UserData.(*goproxyUserData)
	if !ok || data.rc == nil {
		return resp
	}
	rc := data.rc
	rc.Response = resp

	if rc.Monitored {
		i.Chain.RunResponse(rc)
	}

	return rc.Response
}

func (i *Interceptor) currentMode() reqctx.Mode {
	if i.ModeLookup != nil {
		return i.ModeLookup()
	}
	return reqctx.ModePassthrough
}

// protocolErrorResponse synthesizes the 400 response spec §7 mandates
// for protocol errors detected while parsing or dispatching a request.
func protocolErrorResponse(req *http.Request) *http.Response {
	return goproxy.NewResponse(req, goproxy.ContentTypeText, http.StatusBadRequest, "bad request")
}
