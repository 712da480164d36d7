// Package ca provides the dynamic certificate authority that backs the
// MITM proxy's HTTPS interception: a persisted self-signed root and an
// on-demand, host-keyed leaf certificate cache.
package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fihtony/dproxy/pkg/backend"
)

// leafLifetime is the validity period baked into every minted host
// certificate (spec §4.1).
const leafLifetime = 365 * 24 * time.Hour

// cacheLifetime is how long a minted certificate is served from cache
// before CA re-mints it — distinct from, and shorter than, the
// certificate's own validity window.
const cacheLifetime = 364 * 24 * time.Hour

// CA represents the proxy's certificate authority: a root keypair plus a
// cache of minted leaf certificates, one per intercepted host.
type CA struct {
	Certificate *x509.Certificate
	PrivateKey  *rsa.PrivateKey
	certPEM     []byte
	keyPEM      []byte

	cache   backend.CertCache
	metrics backend.Metrics

	mintMu  sync.Mutex
	minting map[string]chan struct{}
}

// Config holds root CA configuration options.
type Config struct {
	// Organization name for the CA certificate.
	Organization string
	// CommonName for the CA certificate.
	CommonName string
	// ValidFor is how long the root CA is valid (default: 10 years).
	ValidFor time.Duration
}

// DefaultConfig returns default CA configuration.
func DefaultConfig() *Config {
	return &Config{
		Organization: "DeepProxy",
		CommonName:   "DeepProxy Root CA",
		ValidFor:     10 * 365 * 24 * time.Hour,
	}
}

// New creates a new root CA keypair and self-signed certificate.
func New(cfg *Config) (*CA, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	notBefore := time.Now()
	notAfter := notBefore.Add(cfg.ValidFor)

	ski, err := subjectKeyID(&privateKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to compute subject key identifier: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{cfg.Organization},
			CommonName:   cfg.CommonName,
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		SubjectKeyId:          ski,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	keyDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	return &CA{
		Certificate: cert,
		PrivateKey:  privateKey,
		certPEM:     certPEM,
		keyPEM:      keyPEM,
		minting:     make(map[string]chan struct{}),
	}, nil
}

// Load loads an existing root CA from PEM files.
func Load(certPath, keyPath string) (*CA, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	return LoadFromPEM(certPEM, keyPEM)
}

// LoadFromPEM loads a root CA from PEM-encoded data. Both PKCS#1 and
// PKCS#8 private-key encodings are accepted.
func LoadFromPEM(certPEM, keyPEM []byte) (*CA, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}

	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		key, err2 := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
		privateKey = rsaKey
	}

	return &CA{
		Certificate: cert,
		PrivateKey:  privateKey,
		certPEM:     certPEM,
		keyPEM:      keyPEM,
		minting:     make(map[string]chan struct{}),
	}, nil
}

// Save saves the root CA certificate and private key to files.
func (ca *CA) Save(certPath, keyPath string) error {
	if err := os.MkdirAll(filepath.Dir(certPath), 0755); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	if err := os.WriteFile(certPath, ca.certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}

	if err := os.WriteFile(keyPath, ca.keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	return nil
}

// CertPEM returns the root CA certificate in PEM format.
func (ca *CA) CertPEM() []byte {
	return ca.certPEM
}

// KeyPEM returns the root CA private key in PEM format.
func (ca *CA) KeyPEM() []byte {
	return ca.keyPEM
}

// TLSCertificate returns the root CA as a tls.Certificate.
func (ca *CA) TLSCertificate() (tls.Certificate, error) {
	return tls.X509KeyPair(ca.certPEM, ca.keyPEM)
}

// WithCache attaches a certificate cache and metrics sink. Must be called
// before GetCertificateForHost is used concurrently.
func (ca *CA) WithCache(cache backend.CertCache, metrics backend.Metrics) *CA {
	ca.cache = cache
	if metrics == nil {
		metrics = backend.NoopMetrics{}
	}
	ca.metrics = metrics
	return ca
}

// GetCertificateForHost returns a cached leaf certificate for host if the
// cache entry has not expired, otherwise mints a new one. A second
// concurrent caller for the same host joins the in-progress mint instead
// of racing a duplicate (spec §4.1 concurrency contract).
func (ca *CA) GetCertificateForHost(host string) (*tls.Certificate, error) {
	if ca.cache != nil {
		if cert, ok := ca.cache.Get(host); ok {
			ca.metricsOrNoop().IncCacheHit()
			return cert, nil
		}
	}
	ca.metricsOrNoop().IncCacheMiss()

	ca.mintMu.Lock()
	if ch, inFlight := ca.minting[host]; inFlight {
		ca.mintMu.Unlock()
		<-ch
		if ca.cache != nil {
			if cert, ok := ca.cache.Get(host); ok {
				return cert, nil
			}
		}
		return nil, fmt.Errorf("certificate mint for %s failed in another goroutine", host)
	}

	done := make(chan struct{})
	ca.minting[host] = done
	ca.mintMu.Unlock()

	defer func() {
		ca.mintMu.Lock()
		delete(ca.minting, host)
		ca.mintMu.Unlock()
		close(done)
	}()

	cert, err := ca.mintCertificate(host)
	if err != nil {
		return nil, err
	}

	if ca.cache != nil {
		ca.cache.Set(host, cert, time.Now().Add(cacheLifetime))
	}

	return cert, nil
}

// metricsOrNoop returns ca.metrics, or a no-op sink if WithCache was never
// called.
func (ca *CA) metricsOrNoop() backend.Metrics {
	if ca.metrics == nil {
		return backend.NoopMetrics{}
	}
	return ca.metrics
}

// mintCertificate issues a fresh SAN-complete leaf certificate for host,
// signed by this CA.
func (ca *CA) mintCertificate(host string) (*tls.Certificate, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate leaf private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	notBefore := time.Now().Add(-1 * time.Hour)
	notAfter := notBefore.Add(leafLifetime)

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: host,
		},
		NotBefore:   notBefore,
		NotAfter:    notAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	template.DNSNames = append(template.DNSNames, host)
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = append(template.IPAddresses, ip)
	}
	if wildcard := wildcardDomain(host); wildcard != "" {
		template.DNSNames = append(template.DNSNames, wildcard)
	}

	if len(ca.Certificate.SubjectKeyId) > 0 {
		template.AuthorityKeyId = ca.Certificate.SubjectKeyId
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.Certificate, &privateKey.PublicKey, ca.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate for %s: %w", host, err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal leaf private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to build tls certificate for %s: %w", host, err)
	}

	return &tlsCert, nil
}

// wildcardDomain returns "*.example.com" for "api.example.com", or "" if
// host is an IP address or already has two or fewer labels.
func wildcardDomain(host string) string {
	if net.ParseIP(host) != nil {
		return ""
	}
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return ""
	}
	return "*." + strings.Join(labels[len(labels)-2:], ".")
}

func subjectKeyID(pub *rsa.PublicKey) ([]byte, error) {
	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	sum := sha1.Sum(pubBytes)
	return sum[:], nil
}

// DefaultCADir returns the default directory for storing CA files.
func DefaultCADir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dproxy"
	}
	return filepath.Join(home, ".dproxy", "ca")
}

// DefaultCertPath returns the default path for the CA certificate.
func DefaultCertPath() string {
	return filepath.Join(DefaultCADir(), "ca.cert.pem")
}

// DefaultKeyPath returns the default path for the CA private key.
func DefaultKeyPath() string {
	return filepath.Join(DefaultCADir(), "ca.key.pem")
}

// LoadOrCreate loads an existing CA or creates and persists a new one.
func LoadOrCreate(certPath, keyPath string, cfg *Config) (*CA, error) {
	if _, err := os.Stat(certPath); err == nil {
		if _, err := os.Stat(keyPath); err == nil {
			return Load(certPath, keyPath)
		}
	}

	ca, err := New(cfg)
	if err != nil {
		return nil, err
	}

	if err := ca.Save(certPath, keyPath); err != nil {
		return nil, err
	}

	return ca, nil
}
