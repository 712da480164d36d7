package ca

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fihtony/dproxy/pkg/backend"
)

func TestNew(t *testing.T) {
	ca, err := New(nil)
	if err != nil {
		t.Fatalf("failed to create CA: %v", err)
	}

	if ca.Certificate == nil {
		t.Error("expected certificate")
	}

	if ca.PrivateKey == nil {
		t.Error("expected private key")
	}

	if !ca.Certificate.IsCA {
		t.Error("expected IsCA to be true")
	}

	if ca.Certificate.Subject.CommonName != "DeepProxy Root CA" {
		t.Errorf("expected CommonName 'DeepProxy Root CA', got %s", ca.Certificate.Subject.CommonName)
	}

	if len(ca.Certificate.SubjectKeyId) == 0 {
		t.Error("expected subject key identifier")
	}
}

func TestNewWithConfig(t *testing.T) {
	cfg := &Config{
		Organization: "TestOrg",
		CommonName:   "Test CA",
		ValidFor:     24 * time.Hour,
	}

	ca, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create CA: %v", err)
	}

	if ca.Certificate.Subject.Organization[0] != "TestOrg" {
		t.Errorf("expected Organization 'TestOrg', got %v", ca.Certificate.Subject.Organization)
	}

	if ca.Certificate.Subject.CommonName != "Test CA" {
		t.Errorf("expected CommonName 'Test CA', got %s", ca.Certificate.Subject.CommonName)
	}

	expectedExpiry := time.Now().Add(24 * time.Hour)
	if ca.Certificate.NotAfter.Before(expectedExpiry.Add(-1*time.Minute)) ||
		ca.Certificate.NotAfter.After(expectedExpiry.Add(1*time.Minute)) {
		t.Errorf("unexpected expiry time: %v", ca.Certificate.NotAfter)
	}
}

func TestSaveAndLoad(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "dproxy-test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	certPath := filepath.Join(tmpDir, "ca.cert.pem")
	keyPath := filepath.Join(tmpDir, "ca.key.pem")

	ca1, err := New(nil)
	if err != nil {
		t.Fatalf("failed to create CA: %v", err)
	}

	if err := ca1.Save(certPath, keyPath); err != nil {
		t.Fatalf("failed to save CA: %v", err)
	}

	keyInfo, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("failed to stat key file: %v", err)
	}
	if keyInfo.Mode().Perm() != 0600 {
		t.Errorf("expected key file permissions 0600, got %o", keyInfo.Mode().Perm())
	}

	ca2, err := Load(certPath, keyPath)
	if err != nil {
		t.Fatalf("failed to load CA: %v", err)
	}

	if ca2.Certificate.Subject.CommonName != ca1.Certificate.Subject.CommonName {
		t.Errorf("CommonName mismatch: %s vs %s",
			ca2.Certificate.Subject.CommonName, ca1.Certificate.Subject.CommonName)
	}

	if ca2.Certificate.SerialNumber.Cmp(ca1.Certificate.SerialNumber) != 0 {
		t.Error("SerialNumber mismatch")
	}
}

func TestGetCertificateForHost(t *testing.T) {
	root, err := New(nil)
	if err != nil {
		t.Fatalf("failed to create CA: %v", err)
	}
	root.WithCache(backend.NewMemoryCertCache(nil), nil)

	host := "api.example.com"
	cert, err := root.GetCertificateForHost(host)
	if err != nil {
		t.Fatalf("failed to mint cert: %v", err)
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse leaf cert: %v", err)
	}

	if leaf.Subject.CommonName != host {
		t.Errorf("expected CommonName %s, got %s", host, leaf.Subject.CommonName)
	}

	found := false
	for _, dns := range leaf.DNSNames {
		if dns == host {
			found = true
		}
	}
	if !found {
		t.Errorf("expected DNSNames to include %s, got %v", host, leaf.DNSNames)
	}

	wantWildcard := "*.example.com"
	foundWildcard := false
	for _, dns := range leaf.DNSNames {
		if dns == wantWildcard {
			foundWildcard = true
		}
	}
	if !foundWildcard {
		t.Errorf("expected DNSNames to include wildcard %s, got %v", wantWildcard, leaf.DNSNames)
	}

	roots := x509.NewCertPool()
	roots.AddCert(root.Certificate)
	opts := x509.VerifyOptions{
		Roots:     roots,
		DNSName:   host,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if _, err := leaf.Verify(opts); err != nil {
		t.Errorf("certificate verification failed: %v", err)
	}

	// Second call must return the cached certificate, not mint a new one.
	cert2, err := root.GetCertificateForHost(host)
	if err != nil {
		t.Fatalf("failed to fetch cached cert: %v", err)
	}
	if cert2.Certificate[0] == nil || string(cert2.Certificate[0]) != string(cert.Certificate[0]) {
		t.Error("expected cached certificate to be byte-identical on second fetch")
	}
}

func TestGetCertificateForHostConcurrentJoinsMint(t *testing.T) {
	root, err := New(nil)
	if err != nil {
		t.Fatalf("failed to create CA: %v", err)
	}
	root.WithCache(backend.NewMemoryCertCache(nil), nil)

	host := "concurrent.example.com"

	var wg sync.WaitGroup
	results := make([]*x509.Certificate, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			cert, err := root.GetCertificateForHost(host)
			if err != nil {
				t.Errorf("mint %d failed: %v", idx, err)
				return
			}
			leaf, err := x509.ParseCertificate(cert.Certificate[0])
			if err != nil {
				t.Errorf("parse %d failed: %v", idx, err)
				return
			}
			results[idx] = leaf
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(results); i++ {
		if results[i] == nil || results[0] == nil {
			continue
		}
		if results[i].SerialNumber.Cmp(results[0].SerialNumber) != 0 {
			t.Error("expected all concurrent callers to observe the same minted certificate")
		}
	}
}

func TestCertPEM(t *testing.T) {
	ca, err := New(nil)
	if err != nil {
		t.Fatalf("failed to create CA: %v", err)
	}

	certPEM := ca.CertPEM()
	if len(certPEM) == 0 {
		t.Error("expected cert PEM data")
	}

	if string(certPEM[:27]) != "-----BEGIN CERTIFICATE-----" {
		t.Error("expected PEM header")
	}
}

func TestLoadOrCreate(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "dproxy-test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	certPath := filepath.Join(tmpDir, "ca.cert.pem")
	keyPath := filepath.Join(tmpDir, "ca.key.pem")

	ca1, err := LoadOrCreate(certPath, keyPath, nil)
	if err != nil {
		t.Fatalf("failed to load or create CA: %v", err)
	}

	ca2, err := LoadOrCreate(certPath, keyPath, nil)
	if err != nil {
		t.Fatalf("failed to load or create CA: %v", err)
	}

	if ca2.Certificate.SerialNumber.Cmp(ca1.Certificate.SerialNumber) != 0 {
		t.Error("expected same CA to be loaded")
	}
}

func TestLoadFromPEM(t *testing.T) {
	ca1, err := New(nil)
	if err != nil {
		t.Fatalf("failed to create CA: %v", err)
	}

	ca2, err := LoadFromPEM(ca1.CertPEM(), ca1.KeyPEM())
	if err != nil {
		t.Fatalf("failed to load from PEM: %v", err)
	}

	if ca2.Certificate.Subject.CommonName != ca1.Certificate.Subject.CommonName {
		t.Error("CommonName mismatch")
	}
}
