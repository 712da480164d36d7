// Package chain implements the ordered, priority-based interceptor chain
// (spec §4.6 "Interceptor Chain") that request and response contexts flow
// through before and after the mode service handles them. Request
// interceptors run for every request; response interceptors are skipped
// entirely for requests the traffic config cache does not consider
// monitored (spec §9 Open Questions).
package chain

import (
	"sort"

	"github.com/fihtony/dproxy/pkg/reqctx"
)

// RequestInterceptor runs, in descending priority order, before the mode
// handler dispatches a request, monitored or not.
type RequestInterceptor interface {
	Name() string
	Priority() int
	HandleRequest(ctx *reqctx.Context) error
}

// ResponseInterceptor runs, in descending priority order, after the mode
// handler produces a response for a monitored request.
type ResponseInterceptor interface {
	Name() string
	Priority() int
	HandleResponse(ctx *reqctx.Context) error
}

// Chain holds both halves of the interceptor pipeline, sorted once at
// construction so the hot path never re-sorts.
type Chain struct {
	request  []RequestInterceptor
	response []ResponseInterceptor
}

// New builds a Chain from unordered interceptor lists, sorting each by
// descending priority (ties broken by registration order).
func New(request []RequestInterceptor, response []ResponseInterceptor) *Chain {
	req := append([]RequestInterceptor(nil), request...)
	sort.SliceStable(req, func(i, j int) bool { return req[i].Priority() > req[j].Priority() })

	resp := append([]ResponseInterceptor(nil), response...)
	sort.SliceStable(resp, func(i, j int) bool { return resp[i].Priority() > resp[j].Priority() })

	return &Chain{request: req, response: resp}
}

// RunRequest runs every request interceptor in priority order, for every
// request regardless of monitoring status. A non-nil ctx.Err set by any
// interceptor (including one it returns directly) stops the chain early;
// the caller treats ctx.Err as a protocol/transport error rather than
// forwarding.
func (c *Chain) RunRequest(ctx *reqctx.Context) error {
	for _, ic := range c.request {
		if err := ic.HandleRequest(ctx); err != nil {
			ctx.Err = err
			return err
		}
		if ctx.Err != nil {
			return ctx.Err
		}
	}
	return nil
}

// RunResponse runs every response interceptor in priority order. Unlike
// RunRequest, an individual interceptor error is recorded but does not
// stop later interceptors: headers, CORS, stats, and logging are
// independent concerns and one failing (e.g. a stats insert) must not
// suppress the others.
func (c *Chain) RunResponse(ctx *reqctx.Context) []error {
	if !ctx.Monitored {
		return nil
	}
	var errs []error
	for _, ic := range c.response {
		if err := ic.HandleResponse(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
