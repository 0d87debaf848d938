// Package keystore owns the deployment's single RSA keypair: it generates the
// pair once, persists it as PEM files and loads it on demand.
package keystore

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	PublicKeyFile  = "public.pem"
	PrivateKeyFile = "private.pem"

	DefaultBits = 4096

	publicPEMType  = "RSA PUBLIC KEY"
	privatePEMType = "RSA PRIVATE KEY"
)

var (
	// ErrKeyMaterialMissing is returned when a key is requested before a
	// keypair was ever persisted.
	ErrKeyMaterialMissing = errors.New("keystore: key material missing")

	// ErrKeyMaterialCorrupt is returned when a persisted key cannot be parsed,
	// cannot be decrypted with the passphrase, or does not match its partner.
	ErrKeyMaterialCorrupt = errors.New("keystore: key material corrupt")
)

// Config configures a Store.
type Config struct {
	// Dir holds public.pem and private.pem.
	Dir string
	// Passphrase protects private.pem. The empty default leaves the key
	// effectively unprotected at rest.
	Passphrase string
	// Bits is the modulus size for newly generated keys.
	Bits int
	// Logger defaults to logrus.New().
	Logger *logrus.Logger
	// Rand defaults to crypto/rand.
	Rand io.Reader
}

// Store hands out the keypair. The zero value is not usable; use New or FromKeys.
type Store struct {
	config Config
	log    *logrus.Logger

	mu     sync.Mutex
	pub    *rsa.PublicKey
	priv   *rsa.PrivateKey
	static bool
}

// New returns a Store backed by files in cfg.Dir. It does no I/O.
func New(cfg Config) *Store { // A
	if cfg.Bits == 0 {
		cfg.Bits = DefaultBits
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	return &Store{config: cfg, log: cfg.Logger}
}

// FromKeys returns a Store that serves priv from memory and never touches disk.
func FromKeys(priv *rsa.PrivateKey) *Store { // A
	return &Store{
		config: Config{Bits: priv.Size() * 8},
		log:    logrus.New(),
		pub:    &priv.PublicKey,
		priv:   priv,
		static: true,
	}
}

// Bits is the modulus size of generated keys, or of the in-memory key.
func (s *Store) Bits() int { return s.config.Bits }

// Dir is the directory holding the key files.
func (s *Store) Dir() string { return s.config.Dir }

func (s *Store) publicPath() string  { return filepath.Join(s.config.Dir, PublicKeyFile) }
func (s *Store) privatePath() string { return filepath.Join(s.config.Dir, PrivateKeyFile) }

// EnsureKeyPair generates and persists a keypair unless one exists. It is safe
// to call on every start and from concurrent processes sharing Dir: files are
// published with create-if-absent semantics and the first writer wins.
func (s *Store) EnsureKeyPair(ctx context.Context) error { // A
	if s.static {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pubExists, err := exists(s.publicPath())
	if err != nil {
		return err
	}
	privExists, err := exists(s.privatePath())
	if err != nil {
		return err
	}

	switch {
	case pubExists && privExists:
		return nil
	case pubExists && !privExists:
		return fmt.Errorf("%w: %s exists without %s", ErrKeyMaterialCorrupt, PublicKeyFile, PrivateKeyFile)
	case privExists:
		return s.repairPublic()
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.config.Dir, 0o700); err != nil {
		return fmt.Errorf("keystore: create key dir: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"dir":  s.config.Dir,
		"bits": s.config.Bits,
	}).Info("generating keypair")

	priv, err := rsa.GenerateKey(s.config.Rand, s.config.Bits)
	if err != nil {
		return fmt.Errorf("keystore: generate key: %w", err)
	}

	privPEM, err := encodePrivatePEM(s.config.Rand, priv, s.config.Passphrase)
	if err != nil {
		return err
	}

	won, err := createExclusive(s.privatePath(), privPEM, 0o600)
	if err != nil {
		return err
	}
	if !won {
		// Another writer published its key first; derive the public half from it.
		s.log.WithField("dir", s.config.Dir).Info("keypair created concurrently, keeping existing key")
		return s.repairPublic()
	}

	if _, err := createExclusive(s.publicPath(), EncodePublicPEM(&priv.PublicKey), 0o644); err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"dir":         s.config.Dir,
		"fingerprint": Fingerprint(&priv.PublicKey),
	}).Info("keypair persisted")
	return nil
}

// repairPublic writes public.pem derived from the persisted private key.
func (s *Store) repairPublic() error {
	priv, err := s.readPrivate()
	if err != nil {
		return err
	}
	if _, err := createExclusive(s.publicPath(), EncodePublicPEM(&priv.PublicKey), 0o644); err != nil {
		return err
	}
	return nil
}

// PublicKey returns the public key, loading it on first use.
func (s *Store) PublicKey(_ context.Context) (*rsa.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pub != nil {
		return s.pub, nil
	}

	pub, err := s.readPublic()
	if err != nil {
		return nil, err
	}
	if s.priv != nil && !pub.Equal(&s.priv.PublicKey) {
		return nil, fmt.Errorf("%w: public key does not match private key", ErrKeyMaterialCorrupt)
	}
	s.pub = pub
	return pub, nil
}

// PrivateKey returns the private key, loading and decrypting it on first use.
func (s *Store) PrivateKey(_ context.Context) (*rsa.PrivateKey, error) { // A
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.priv != nil {
		return s.priv, nil
	}

	priv, err := s.readPrivate()
	if err != nil {
		return nil, err
	}
	if s.pub != nil && !s.pub.Equal(&priv.PublicKey) {
		return nil, fmt.Errorf("%w: private key does not match public key", ErrKeyMaterialCorrupt)
	}
	s.priv = priv
	return priv, nil
}

// PublicPEM returns the persisted public key in PEM form.
func (s *Store) PublicPEM(ctx context.Context) ([]byte, error) {
	pub, err := s.PublicKey(ctx)
	if err != nil {
		return nil, err
	}
	return EncodePublicPEM(pub), nil
}

func (s *Store) readPublic() (*rsa.PublicKey, error) { // A
	data, err := readKeyFile(s.publicPath())
	if err != nil {
		return nil, err
	}
	return ParsePublicPEM(data)
}

func (s *Store) readPrivate() (*rsa.PrivateKey, error) { // A
	data, err := readKeyFile(s.privatePath())
	if err != nil {
		return nil, err
	}
	return ParsePrivatePEM(data, s.config.Passphrase)
}

// Fingerprint is the hex SHA-256 of the PKCS#1 encoding of pub.
func Fingerprint(pub *rsa.PublicKey) string { // A
	sum := sha256.Sum256(x509.MarshalPKCS1PublicKey(pub))
	return hex.EncodeToString(sum[:])
}

func readKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrKeyMaterialMissing, filepath.Base(path))
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: read %s: %w", path, err)
	}
	return data, nil
}

func exists(path string) (bool, error) { // A
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("keystore: stat %s: %w", path, err)
}

// createExclusive writes data to a temp file and links it to path. It reports
// false without error when path already exists.
func createExclusive(path string, data []byte, perm os.FileMode) (bool, error) { // A
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return false, fmt.Errorf("keystore: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, fmt.Errorf("keystore: write %s: %w", path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return false, fmt.Errorf("keystore: chmod %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return false, fmt.Errorf("keystore: sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("keystore: close %s: %w", path, err)
	}

	if err := os.Link(tmp.Name(), path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("keystore: publish %s: %w", path, err)
	}
	return true, nil
}

// EncodePublicPEM encodes pub as a PKCS#1 "RSA PUBLIC KEY" block.
func EncodePublicPEM(pub *rsa.PublicKey) []byte { // A
	return pem.EncodeToMemory(&pem.Block{
		Type:  publicPEMType,
		Bytes: x509.MarshalPKCS1PublicKey(pub),
	})
}
