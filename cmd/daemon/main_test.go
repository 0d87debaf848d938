package main

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-vault/internal/config"
	"github.com/i5heu/ouroboros-vault/internal/testutil"
)

func freeAddr(t *testing.T) string { // A
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestRunServesAndShutsDown(t *testing.T) {
	cfg := config.Default()
	cfg.Listen = freeAddr(t)
	cfg.Keys.Dir = t.TempDir()
	cfg.Keys.Bits = testutil.KeyBits
	cfg.Backend.Badger.InMemory = true
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, testutil.Logger()) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		r, err := http.Get("http://" + cfg.Listen + "/healthz")
		if err != nil {
			return false
		}
		resp = r
		return true
	}, 30*time.Second, 50*time.Millisecond)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestRunFailsWithoutKeyDir(t *testing.T) {
	cfg := config.Default()
	cfg.Keys.Dir = "/dev/null/keys"
	cfg.Keys.Bits = testutil.KeyBits
	cfg.Backend.Badger.InMemory = true

	err := run(context.Background(), cfg, testutil.Logger())
	assert.Error(t, err)
}
