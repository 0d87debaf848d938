package vault_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vault "github.com/i5heu/ouroboros-vault"
	"github.com/i5heu/ouroboros-vault/internal/config"
	"github.com/i5heu/ouroboros-vault/internal/testutil"
	"github.com/i5heu/ouroboros-vault/pkg/envelope"
	"github.com/i5heu/ouroboros-vault/pkg/keystore"
)

func TestOpenGateway(t *testing.T) { // A
	ctx := context.Background()

	backends := map[string]func(c *config.Config){
		"badger in memory": func(c *config.Config) { c.Backend.Badger.InMemory = true },
		"badger on disk":   func(c *config.Config) { c.Backend.Badger.Path = t.TempDir() },
		"sqlite": func(c *config.Config) {
			c.Backend.Type = config.BackendSQLite
			c.Backend.SQLite.DSN = filepath.Join(t.TempDir(), "vault.db")
		},
	}
	for name, mutate := range backends {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			mutate(&cfg)
			require.NoError(t, cfg.Validate())

			gw, err := vault.OpenGateway(ctx, cfg, testutil.Logger())
			require.NoError(t, err)

			v, err := vault.New(keystore.FromKeys(testutil.Key(t, 0)), gw, vault.Config{
				Root:   cfg.Root,
				Scheme: envelope.NewScheme(testutil.KeyBits, false),
				Logger: testutil.Logger(),
			})
			require.NoError(t, err)
			defer v.Close()

			_, err = v.StoreBytes(ctx, "/docs/a.txt", []byte("hello world"))
			require.NoError(t, err)
			got, err := v.Retrieve(ctx, "/docs/a.txt")
			require.NoError(t, err)
			assert.Equal(t, "hello world", string(got))
		})
	}
}

func TestOpenGatewayUnknownBackend(t *testing.T) { // AC
	cfg := config.Default()
	cfg.Backend.Type = "floppy"
	gw, err := vault.OpenGateway(context.Background(), cfg, testutil.Logger())
	assert.Error(t, err)
	assert.Nil(t, gw)
}

func TestOpenGatewayFailureIsNilInterface(t *testing.T) { // A
	cfg := config.Default()
	cfg.Backend.Type = config.BackendSQLite
	cfg.Backend.SQLite.DSN = ""
	gw, err := vault.OpenGateway(context.Background(), cfg, testutil.Logger())
	assert.Error(t, err)
	assert.True(t, gw == nil)
}

func TestOpen(t *testing.T) { // A
	ctx := context.Background()
	cfg := config.Default()
	cfg.Keys.Dir = t.TempDir()
	cfg.Keys.Bits = testutil.KeyBits
	cfg.Envelope.Authenticated = true
	cfg.Backend.Badger.InMemory = true

	v, keys, err := vault.Open(ctx, cfg, testutil.Logger())
	require.NoError(t, err)
	defer v.Close()

	assert.FileExists(t, filepath.Join(cfg.Keys.Dir, keystore.PublicKeyFile))
	assert.FileExists(t, filepath.Join(cfg.Keys.Dir, keystore.PrivateKeyFile))
	assert.Equal(t, testutil.KeyBits, v.Scheme().ModulusBits)
	assert.True(t, v.Scheme().Authenticated)

	pub, err := keys.PublicKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, testutil.KeyBits, pub.Size()*8)

	_, err = v.StoreBytes(ctx, "a.txt", []byte("opened"))
	require.NoError(t, err)
	got, err := v.Retrieve(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "opened", string(got))
}
