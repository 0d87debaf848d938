package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"flag"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-vault/internal/keyValStore"
	"github.com/i5heu/ouroboros-vault/pkg/logging"
)

// KeyBits is large enough to wrap 64 characters of key text under OAEP-SHA256.
const KeyBits = 2048

var RunLong = flag.Bool("long", false, "run long/heavy tests")

func RequireLong(t *testing.T) {
	t.Helper()
	if !*RunLong {
		t.Skip("skipping long test (use -long to enable)")
	}
}

func IsLongEnabled() bool { // A
	return *RunLong
}

var (
	keyOnce sync.Once
	keys    [2]*rsa.PrivateKey
	keyErr  error
)

// Key returns one of two 2048-bit keys shared by the test binary. Key
// generation is the slow part of most tests, so it happens once.
func Key(t testing.TB, n int) *rsa.PrivateKey { // A
	t.Helper()
	keyOnce.Do(func() {
		for i := range keys {
			if keys[i], keyErr = rsa.GenerateKey(rand.Reader, KeyBits); keyErr != nil {
				return
			}
		}
	})
	require.NoError(t, keyErr)
	return keys[n%len(keys)]
}

// Logger discards everything.
func Logger() *logrus.Logger {
	return logging.Discard()
}

// Badger opens an in-memory badger gateway that is closed with the test.
func Badger(t testing.TB) *keyValStore.KeyValStore { // AC
	t.Helper()
	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		InMemory: true,
		Logger:   Logger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

// BadgerDir opens a disk backed badger gateway in a temp dir.
func BadgerDir(t testing.TB) *keyValStore.KeyValStore { // A
	t.Helper()
	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		Paths:  []string{t.TempDir()},
		Logger: Logger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}
