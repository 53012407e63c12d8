package certs

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
	"go.uber.org/zap"

	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/orchestrator"
)

func TestMain(m *testing.M) {
	keyring.MockInit()
	os.Exit(m.Run())
}

func TestStore_GenerateAndReload(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	s := NewStore(dir, zap.NewNop())
	require.NoError(t, s.Start(context.Background()))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())

	_, err = os.Stat(s.CACertPath())
	require.NoError(t, err)

	// A second store over the same directory loads the existing anchor.
	s2 := NewStore(dir, zap.NewNop())
	require.NoError(t, s2.Start(context.Background()))

	pool, err := s2.CAPool()
	require.NoError(t, err)
	require.NotNil(t, pool)
}

func TestStore_IssueLeaf(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "certs"), zap.NewNop())
	require.NoError(t, s.Start(context.Background()))

	leaf, err := s.IssueLeaf("example.com")
	require.NoError(t, err)
	require.NotNil(t, leaf.Leaf)
	assert.Equal(t, "example.com", leaf.Leaf.Subject.CommonName)
	assert.Contains(t, leaf.Leaf.DNSNames, "example.com")

	// The minted chain verifies against the trust anchor.
	pool, err := s.CAPool()
	require.NoError(t, err)
	_, err = leaf.Leaf.Verify(x509.VerifyOptions{Roots: pool, DNSName: "example.com"})
	require.NoError(t, err)

	// Same host returns the cached certificate.
	again, err := s.IssueLeaf("example.com")
	require.NoError(t, err)
	assert.Same(t, leaf, again)

	// IP literals mint with an IP SAN.
	ipLeaf, err := s.IssueLeaf("10.0.0.1")
	require.NoError(t, err)
	require.Len(t, ipLeaf.Leaf.IPAddresses, 1)
	assert.Equal(t, "10.0.0.1", ipLeaf.Leaf.IPAddresses[0].String())
}

func TestStore_ExpiredCAIsSecurityError(t *testing.T) {
	dir := t.TempDir()
	writeExpiredCA(t, dir)

	s := NewStore(dir, zap.NewNop())
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, orchestrator.KindSecurity, orchestrator.KindOf(err))
	assert.NotEmpty(t, orchestrator.RemediationOf(err))
}

func TestStore_IssueBeforeStart(t *testing.T) {
	s := NewStore(t.TempDir(), zap.NewNop())
	_, err := s.IssueLeaf("example.com")
	require.Error(t, err)
}

// writeExpiredCA plants a CA certificate whose validity ended in the past.
func writeExpiredCA(t *testing.T, dir string) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "stale CA"},
		NotBefore:             time.Now().Add(-48 * time.Hour),
		NotAfter:              time.Now().Add(-24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	require.NoError(t, os.WriteFile(filepath.Join(dir, caCertFile), certPEM, 0o600))
}
