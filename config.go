package vault

import (
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-vault/pkg/envelope"
)

// DefaultRoot is the directory all envelopes live under.
const DefaultRoot = "/encrypted"

// Config configures a Vault.
type Config struct {
	// Root is the gateway directory that holds every stored file. Defaults
	// to DefaultRoot.
	Root string
	// Scheme is used for every write and is tried first on reads. The zero
	// value means envelope.DefaultScheme().
	Scheme envelope.Scheme
	// LegacyRead lets Retrieve fall back to envelope.LegacyScheme for
	// envelopes written by the first deployment.
	LegacyRead bool
	// Logger is optional. If nil, logrus.New() is used.
	Logger *logrus.Logger
}

func (c Config) withDefaults() Config { // A
	if c.Root == "" {
		c.Root = DefaultRoot
	}
	if c.Scheme.ModulusBits == 0 {
		c.Scheme = envelope.DefaultScheme()
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
	return c
}
