package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageflow/backend/internal/config"
	"stageflow/backend/internal/logging"
)

func TestRootCommandWiring(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"serve", "migrate", "inspect"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
	inspectCmd, _, err := root.Find([]string{"inspect"})
	require.NoError(t, err)
	assert.Error(t, inspectCmd.Args(inspectCmd, nil), "a process id is required")
	assert.NotNil(t, inspectCmd.Flags().Lookup("format"))
}

func TestNewBlobStoreSigningKey(t *testing.T) {
	cfg := &config.Config{Environment: "PROD"}
	cfg.Blob.Root = t.TempDir()
	cfg.Blob.Bucket = "documents"

	_, err := newBlobStore(cfg, logging.Discard())
	assert.EqualError(t, err, "blob.signing_key is required outside DEV")

	cfg.Environment = "DEV"
	store, err := newBlobStore(cfg, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, "documents", store.Bucket())

	cfg.Environment = "PROD"
	cfg.Blob.SigningKey = "s3cret"
	_, err = newBlobStore(cfg, logging.Discard())
	assert.NoError(t, err)
}

func TestPrepareTLS(t *testing.T) {
	cfg := &config.Config{Environment: "DEV"}
	assert.Error(t, prepareTLS(cfg, logging.Discard()))

	dir := t.TempDir()
	cfg.TLS.CertFile = filepath.Join(dir, "server.crt")
	cfg.TLS.KeyFile = filepath.Join(dir, "server.key")
	cfg.TLS.Hostnames = []string{"localhost"}
	require.NoError(t, prepareTLS(cfg, logging.Discard()))
	_, err := os.Stat(cfg.TLS.CertFile)
	assert.NoError(t, err)

	// outside DEV nothing is generated
	prod := &config.Config{Environment: "PROD"}
	prod.TLS.CertFile = filepath.Join(dir, "prod.crt")
	prod.TLS.KeyFile = filepath.Join(dir, "prod.key")
	require.NoError(t, prepareTLS(prod, logging.Discard()))
	_, err = os.Stat(prod.TLS.CertFile)
	assert.True(t, os.IsNotExist(err))
}
