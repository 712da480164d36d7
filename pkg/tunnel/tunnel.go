// Package tunnel implements the CONNECT Dispatcher and Blind Tunnel
// (spec §4.3 "CONNECT Dispatcher" / §4.4 "Blind Tunnel"): for each
// CONNECT request it decides, per the traffic config cache, whether the
// domain should be MITM'd (so the HTTPS Interceptor can parse the
// decrypted stream) or tunneled blindly byte-for-byte.
package tunnel

import (
	"crypto/tls"

	"github.com/elazarl/goproxy"

	"github.com/fihtony/dproxy/pkg/ca"
	"github.com/fihtony/dproxy/pkg/trafficconfig"
)

// Dispatcher decides MITM vs blind tunneling for CONNECT requests.
type Dispatcher struct {
	CA    *ca.CA
	Cache *trafficconfig.Cache
}

// New creates a Dispatcher.
func New(authority *ca.CA, cache *trafficconfig.Cache) *Dispatcher {
	return &Dispatcher{CA: authority, Cache: cache}
}

// HTTPSHandler returns a goproxy.HttpsHandler implementing the CONNECT
// Dispatcher: monitored domains get MITM'd with a per-host certificate
// minted (or served from cache) by CA; every other domain is tunneled
// blindly, so non-monitored traffic (including hosts using certificate
// pinning) is never touched. With no CA (HTTPS interception disabled),
// every domain is tunneled blindly.
func (d *Dispatcher) HTTPSHandler() goproxy.FuncHttpsHandler {
	return func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		if d.CA == nil || !d.Cache.IsMonitoredDomain(host) {
			return goproxy.OkConnect, host
		}

		tlsConfig := func(tlsHost string, _ *goproxy.ProxyCtx) (*tls.Config, error) {
			return &tls.Config{
				GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
					name := hello.ServerName
					if name == "" {
						name = stripPort(tlsHost)
					}
					return d.CA.GetCertificateForHost(name)
				},
			}, nil
		}

		return &goproxy.ConnectAction{
			Action:    goproxy.ConnectMitm,
			TLSConfig: tlsConfig,
		}, host
	}
}

func stripPort(host string) string {
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
		if host[i] < '0' || host[i] > '9' {
			return host
		}
	}
	return host
}
