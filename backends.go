package vault

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-vault/internal/config"
	"github.com/i5heu/ouroboros-vault/internal/gcsStore"
	"github.com/i5heu/ouroboros-vault/internal/ipfsStore"
	"github.com/i5heu/ouroboros-vault/internal/keyValStore"
	"github.com/i5heu/ouroboros-vault/internal/s3Store"
	"github.com/i5heu/ouroboros-vault/internal/sqlStore"
	"github.com/i5heu/ouroboros-vault/pkg/envelope"
	"github.com/i5heu/ouroboros-vault/pkg/gateway"
	"github.com/i5heu/ouroboros-vault/pkg/keystore"
)

// Open builds a vault from cfg: it makes sure a keypair exists in
// cfg.Keys.Dir, connects the backend and sizes the scheme to the persisted key.
func Open(ctx context.Context, cfg config.Config, log *logrus.Logger) (*Vault, *keystore.Store, error) { // A
	if log == nil {
		log = logrus.New()
	}
	keys := keystore.New(keystore.Config{
		Dir:        cfg.Keys.Dir,
		Passphrase: cfg.Keys.Passphrase,
		Bits:       cfg.Keys.Bits,
		Logger:     log,
	})
	if err := keys.EnsureKeyPair(ctx); err != nil {
		return nil, nil, err
	}
	pub, err := keys.PublicKey(ctx)
	if err != nil {
		return nil, nil, err
	}

	gw, err := OpenGateway(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}

	v, err := New(keys, gw, Config{
		Root:       cfg.Root,
		Scheme:     envelope.NewScheme(pub.Size()*8, cfg.Envelope.Authenticated),
		LegacyRead: cfg.Envelope.LegacyRead,
		Logger:     log,
	})
	if err != nil {
		_ = gw.Close()
		return nil, nil, err
	}
	return v, keys, nil
}

// OpenGateway connects to the backend selected by cfg.Backend.Type.
func OpenGateway(ctx context.Context, cfg config.Config, log *logrus.Logger) (gateway.Gateway, error) { // A
	if log == nil {
		log = logrus.New()
	}
	b := cfg.Backend
	log.WithField("backend", b.Type).Info("opening storage gateway")

	switch b.Type {
	case config.BackendBadger:
		return opened(keyValStore.NewKeyValStore(keyValStore.StoreConfig{
			Paths:            []string{b.Badger.Path},
			MinimumFreeSpace: cfg.MinimumFreeGB,
			InMemory:         b.Badger.InMemory,
			Logger:           log,
		}))
	case config.BackendSQLite:
		return opened(sqlStore.Open(ctx, sqlStore.Config{Dialect: sqlStore.SQLite, DSN: b.SQLite.DSN, Logger: log}))
	case config.BackendPostgres:
		return opened(sqlStore.Open(ctx, sqlStore.Config{Dialect: sqlStore.Postgres, DSN: b.Postgres.DSN, Logger: log}))
	case config.BackendS3:
		return opened(s3Store.New(ctx, s3Store.Config{
			Bucket:          b.S3.Bucket,
			Region:          b.S3.Region,
			Endpoint:        b.S3.Endpoint,
			Prefix:          b.S3.Prefix,
			AccessKeyID:     b.S3.AccessKeyID,
			SecretAccessKey: b.S3.SecretAccessKey,
			Logger:          log,
		}))
	case config.BackendGCS:
		return opened(gcsStore.New(ctx, gcsStore.Config{
			Bucket:          b.GCS.Bucket,
			Prefix:          b.GCS.Prefix,
			Endpoint:        b.GCS.Endpoint,
			CredentialsFile: b.GCS.CredentialsFile,
			Logger:          log,
		}))
	case config.BackendIPFS:
		s := ipfsStore.New(ipfsStore.Config{API: b.IPFS.API, Logger: log})
		if err := s.Ping(ctx); err != nil {
			log.WithError(err).Warn("ipfs node did not answer; requests will fail until it does")
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", b.Type)
	}
}

// opened keeps a failed constructor from returning a non-nil interface that
// wraps a nil pointer.
func opened[G gateway.Gateway](g G, err error) (gateway.Gateway, error) { // A
	if err != nil {
		return nil, err
	}
	return g, nil
}
