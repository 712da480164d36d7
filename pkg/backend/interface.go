// Package backend provides pluggable cache, metrics, and database-URL
// helpers shared by the certificate authority, the record store, and the
// async stats/traffic-log sinks.
package backend

import (
	"crypto/tls"
	"time"
)

// CertCache is the interface for caching generated TLS certificates.
// Implementations must be safe for concurrent use.
type CertCache interface {
	// Get retrieves a certificate for the given hostname.
	// Returns nil, false if not found or expired.
	Get(host string) (*tls.Certificate, bool)

	// Set stores a certificate for the given hostname.
	Set(host string, cert *tls.Certificate, expiresAt time.Time)

	// Delete removes a certificate from the cache.
	Delete(host string)

	// Close releases any resources held by the cache.
	Close() error
}

// Metrics provides observability for backend operations: certificate
// minting, record-store writes, and async queue depth.
type Metrics interface {
	IncStoreSuccess()
	IncStoreError()
	ObserveStoreDuration(d time.Duration)
	IncCacheHit()
	IncCacheMiss()
	SetQueueDepth(n int)
}

// NoopMetrics is a Metrics implementation that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) IncStoreSuccess()                   {}
func (NoopMetrics) IncStoreError()                     {}
func (NoopMetrics) ObserveStoreDuration(time.Duration) {}
func (NoopMetrics) IncCacheHit()                       {}
func (NoopMetrics) IncCacheMiss()                      {}
func (NoopMetrics) SetQueueDepth(int)                  {}
