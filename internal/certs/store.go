// Package certs owns the local trust anchor and mints per-host leaf
// certificates for the interception proxy. The CA certificate lives on disk
// under a 0700 directory; the CA private key lives in the OS keyring with an
// on-disk placeholder pointing at it.
package certs

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zalando/go-keyring"
	"go.uber.org/zap"

	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/orchestrator"
)

const (
	keyringService = "trafficd"
	keyringUser    = "ca-private-key"

	caCertFile       = "ca.pem"
	caKeyPlaceholder = "ca.key.location"
	caKeyFile        = "ca.key"

	caLifetime   = 10 * 365 * 24 * time.Hour
	leafLifetime = 7 * 24 * time.Hour
)

// Store manages the CA pair and a cache of minted leaf certificates.
type Store struct {
	dir    string
	logger *zap.Logger

	mu     sync.RWMutex
	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey
	caPEM  []byte
	leaves map[string]*tls.Certificate

	useKeyring bool
}

// NewStore builds a store rooted at dir.
func NewStore(dir string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		dir:    dir,
		logger: logger,
		leaves: make(map[string]*tls.Certificate),
	}
}

// Dir returns the trust-anchor directory.
func (s *Store) Dir() string { return s.dir }

// CACertPath returns the path of the CA certificate for client install.
func (s *Store) CACertPath() string { return filepath.Join(s.dir, caCertFile) }

// Start ensures the trust-anchor directory and a valid CA pair exist. An
// existing CA that has expired is a security failure; the operator must
// rotate it explicitly rather than have it silently replaced.
func (s *Store) Start(_ context.Context) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return orchestrator.NewError(orchestrator.KindConfiguration,
			fmt.Sprintf("ensure %s is writable", s.dir),
			fmt.Errorf("create cert dir: %w", err))
	}

	certPath := s.CACertPath()
	if _, err := os.Stat(certPath); err == nil {
		return s.loadCA(certPath)
	}
	return s.generateCA(certPath)
}

// Stop clears the in-memory leaf cache and key material.
func (s *Store) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaves = make(map[string]*tls.Certificate)
	s.caKey = nil
	return nil
}

func (s *Store) loadCA(certPath string) error {
	pemBytes, err := os.ReadFile(certPath)
	if err != nil {
		return fmt.Errorf("read CA cert: %w", err)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return orchestrator.NewError(orchestrator.KindSecurity,
			fmt.Sprintf("remove the corrupt CA files under %s and restart to regenerate", s.dir),
			errors.New("CA certificate is not valid PEM"))
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return orchestrator.NewError(orchestrator.KindSecurity,
			fmt.Sprintf("remove the corrupt CA files under %s and restart to regenerate", s.dir),
			fmt.Errorf("parse CA certificate: %w", err))
	}
	if time.Now().After(cert.NotAfter) {
		return orchestrator.NewError(orchestrator.KindSecurity,
			"the trust anchor has expired; remove the CA files and re-provision clients",
			fmt.Errorf("CA certificate expired %s", cert.NotAfter.Format(time.RFC3339)))
	}

	key, err := s.loadCAKey()
	if err != nil {
		return orchestrator.NewError(orchestrator.KindSecurity,
			"CA private key is missing; remove the CA files and restart to regenerate",
			err)
	}

	s.mu.Lock()
	s.caCert = cert
	s.caKey = key
	s.caPEM = pemBytes
	s.mu.Unlock()

	s.logger.Info("loaded trust anchor",
		zap.String("subject", cert.Subject.CommonName),
		zap.Time("not_after", cert.NotAfter))
	return nil
}

func (s *Store) loadCAKey() (*ecdsa.PrivateKey, error) {
	keyPEM, err := keyring.Get(keyringService, keyringUser)
	if err == nil {
		s.useKeyring = true
		return parseKeyPEM([]byte(keyPEM))
	}

	// Keyring unavailable or empty; fall back to the on-disk key written by
	// a previous run in the same situation.
	raw, ferr := os.ReadFile(filepath.Join(s.dir, caKeyFile))
	if ferr != nil {
		return nil, fmt.Errorf("CA key in keyring: %v; on disk: %w", err, ferr)
	}
	return parseKeyPEM(raw)
}

func (s *Store) generateCA(certPath string) error {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate CA key: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial(),
		Subject:               pkix.Name{CommonName: "trafficd gateway CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(caLifetime),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return fmt.Errorf("create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("parse generated CA: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		return fmt.Errorf("write CA certificate: %w", err)
	}
	if err := s.storeCAKey(priv); err != nil {
		return err
	}

	s.mu.Lock()
	s.caCert = cert
	s.caKey = priv
	s.caPEM = certPEM
	s.mu.Unlock()

	s.logger.Info("generated trust anchor",
		zap.String("path", certPath),
		zap.Bool("key_in_keyring", s.useKeyring))
	return nil
}

func (s *Store) storeCAKey(priv *ecdsa.PrivateKey) error {
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal CA key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if err := keyring.Set(keyringService, keyringUser, string(keyPEM)); err == nil {
		s.useKeyring = true
		placeholder := fmt.Sprintf("private key stored in OS keyring (%s/%s)\n", keyringService, keyringUser)
		if werr := os.WriteFile(filepath.Join(s.dir, caKeyPlaceholder), []byte(placeholder), 0o600); werr != nil {
			s.logger.Warn("write key placeholder failed", zap.Error(werr))
		}
		return nil
	}

	s.logger.Warn("OS keyring unavailable, storing CA key on disk")
	if err := os.WriteFile(filepath.Join(s.dir, caKeyFile), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write CA key: %w", err)
	}
	return nil
}

// CAPool returns a pool containing the trust anchor, for clients that need
// to verify minted leaves.
func (s *Store) CAPool() (*x509.CertPool, error) {
	s.mu.RLock()
	pemBytes := s.caPEM
	s.mu.RUnlock()
	if pemBytes == nil {
		return nil, errors.New("certificate store not started")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, errors.New("append CA to pool")
	}
	return pool, nil
}

// IssueLeaf mints (or returns a cached) certificate for the given host,
// signed by the trust anchor. host may be a DNS name or an IP literal.
func (s *Store) IssueLeaf(host string) (*tls.Certificate, error) {
	s.mu.RLock()
	cached, ok := s.leaves[host]
	caCert, caKey := s.caCert, s.caKey
	s.mu.RUnlock()

	if ok && time.Now().Before(cached.Leaf.NotAfter.Add(-time.Hour)) {
		return cached, nil
	}
	if caCert == nil || caKey == nil {
		return nil, errors.New("certificate store not started")
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial(),
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(leafLifetime),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, &leafKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("sign leaf for %s: %w", host, err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse leaf: %w", err)
	}

	cert := &tls.Certificate{
		Certificate: [][]byte{der, caCert.Raw},
		PrivateKey:  leafKey,
		Leaf:        leaf,
	}

	s.mu.Lock()
	s.leaves[host] = cert
	s.mu.Unlock()

	s.logger.Debug("minted leaf certificate", zap.String("host", host))
	return cert, nil
}

func parseKeyPEM(pemBytes []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("CA key is not valid PEM")
	}
	return x509.ParseECPrivateKey(block.Bytes)
}

func serial() *big.Int { return new(big.Int).SetInt64(time.Now().UnixNano()) }
