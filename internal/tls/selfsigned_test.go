package tls

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readCert(t *testing.T, path string) *x509.Certificate {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

func TestEnsureCertificate(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "certs", "server.crt")
	keyPath := filepath.Join(dir, "certs", "server.key")
	hosts := []string{"localhost", "127.0.0.1"}

	created, err := EnsureCertificate(certPath, keyPath, hosts)
	require.NoError(t, err)
	assert.True(t, created)

	cert := readCert(t, certPath)
	assert.Contains(t, cert.DNSNames, "localhost")
	require.Len(t, cert.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", cert.IPAddresses[0].String())
	assert.WithinDuration(t, time.Now().Add(certLifetime), cert.NotAfter, time.Hour)

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	created, err = EnsureCertificate(certPath, keyPath, hosts)
	require.NoError(t, err)
	assert.False(t, created, "a valid pair is reused")
	assert.Equal(t, cert.SerialNumber, readCert(t, certPath).SerialNumber)

	created, err = EnsureCertificate(certPath, keyPath, []string{"localhost", "stageflow.internal"})
	require.NoError(t, err)
	assert.True(t, created, "a pair missing a host is regenerated")
	assert.Contains(t, readCert(t, certPath).DNSNames, "stageflow.internal")
}

func TestCheckExistingRenewsNearExpiry(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")
	require.NoError(t, GenerateSelfSignedCert(certPath, keyPath, []string{"localhost"}))

	assert.NoError(t, checkExisting(certPath, keyPath, []string{"localhost"}, time.Now()))
	assert.Error(t, checkExisting(certPath, keyPath, []string{"localhost"}, time.Now().Add(certLifetime-time.Hour)))
}

func TestCheckExistingMissingFiles(t *testing.T) {
	dir := t.TempDir()
	assert.Error(t, checkExisting(filepath.Join(dir, "a.crt"), filepath.Join(dir, "a.key"), nil, time.Now()))
}
