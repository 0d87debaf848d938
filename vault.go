// Package vault stores files in a content-addressed blob store as hybrid
// RSA/AES envelopes, so the store never sees plaintext.
package vault

import (
	"bytes"
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"iter"
	"path"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-vault/pkg/envelope"
	"github.com/i5heu/ouroboros-vault/pkg/gateway"
)

var (
	// ErrStorageWrite wraps gateway failures while storing an envelope.
	ErrStorageWrite = errors.New("vault: storage write failure")
	// ErrStorageRead wraps gateway failures while reading or listing.
	ErrStorageRead = errors.New("vault: storage read failure")
	// ErrNotFound matches lookups of paths that were never stored.
	ErrNotFound = gateway.ErrNotFound
	// ErrInvalidPath is returned for empty paths, paths with "..", and the
	// root directory itself.
	ErrInvalidPath = gateway.ErrInvalidPath
)

// KeySource supplies the deployment keypair. *keystore.Store implements it.
type KeySource interface {
	PublicKey(ctx context.Context) (*rsa.PublicKey, error)
	PrivateKey(ctx context.Context) (*rsa.PrivateKey, error)
}

// StoredObject describes one stored envelope.
type StoredObject struct {
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	ContentID string `json:"cid"`
}

// Vault encrypts files into a Gateway and decrypts them back out. It holds no
// per-request state; all methods are safe for concurrent use.
type Vault struct {
	log         *logrus.Logger
	keys        KeySource
	gw          gateway.Gateway
	root        string
	scheme      envelope.Scheme
	readSchemes []envelope.Scheme
}

// New returns a Vault that owns gw and closes it on Close.
func New(keys KeySource, gw gateway.Gateway, cfg Config) (*Vault, error) {
	cfg = cfg.withDefaults()
	if keys == nil || gw == nil {
		return nil, errors.New("vault: key source and gateway are required")
	}
	if err := cfg.Scheme.Validate(); err != nil {
		return nil, err
	}
	root, err := gateway.Clean(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("vault: root %q: %w", cfg.Root, err)
	}

	readSchemes := []envelope.Scheme{cfg.Scheme}
	if cfg.LegacyRead {
		legacy := envelope.LegacyScheme()
		legacy.ModulusBits = cfg.Scheme.ModulusBits
		readSchemes = append(readSchemes, legacy)
	}

	return &Vault{
		log:         cfg.Logger,
		keys:        keys,
		gw:          gw,
		root:        root,
		scheme:      cfg.Scheme,
		readSchemes: readSchemes,
	}, nil
}

// Root is the directory every stored path lives under.
func (v *Vault) Root() string { return v.root }

// Scheme is the scheme new envelopes are written with.
func (v *Vault) Scheme() envelope.Scheme { return v.scheme }

// Gateway returns the underlying store.
func (v *Vault) Gateway() gateway.Gateway { return v.gw }

// Close closes the gateway.
func (v *Vault) Close() error { return v.gw.Close() }

// Resolve maps a caller supplied path onto the gateway. Paths already below
// Root are kept, anything else is placed below Root.
func (v *Vault) Resolve(p string) (string, error) { // A
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	clean, err := gateway.Clean("/" + strings.TrimLeft(p, "/"))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	if v.root == "/" || clean == v.root || strings.HasPrefix(clean, v.root+"/") {
		return clean, nil
	}
	return path.Join(v.root, clean), nil
}

func (v *Vault) resolveObject(p string) (string, error) {
	resolved, err := v.Resolve(p)
	if err != nil {
		return "", err
	}
	if resolved == v.root {
		return "", fmt.Errorf("%w: %q is the vault root", ErrInvalidPath, p)
	}
	return resolved, nil
}

// Store encrypts everything read from r and writes the envelope to the path
// derived from pathHint. A later Store to the same path replaces the earlier one.
func (v *Vault) Store(ctx context.Context, pathHint string, r io.Reader) (StoredObject, error) { // A
	p, err := v.resolveObject(pathHint)
	if err != nil {
		return StoredObject{}, err
	}

	pub, err := v.keys.PublicKey(ctx)
	if err != nil {
		return StoredObject{}, fmt.Errorf("%w: %w", envelope.ErrKeyUnavailable, err)
	}

	var env bytes.Buffer
	n, err := v.scheme.EncodeTo(&env, pub, r)
	if err != nil {
		return StoredObject{}, fmt.Errorf("vault: encode %s: %w", p, err)
	}

	if err := v.gw.Write(ctx, p, env.Bytes()); err != nil {
		return StoredObject{}, fmt.Errorf("%w: %s: %w", ErrStorageWrite, p, err)
	}
	entry, err := v.gw.Stat(ctx, p)
	if err != nil {
		return StoredObject{}, fmt.Errorf("%w: stat %s: %w", ErrStorageWrite, p, err)
	}

	obj := StoredObject{Path: p, Size: entry.Size, ContentID: entry.ContentID}
	v.log.WithFields(logrus.Fields{
		"path":      obj.Path,
		"plaintext": n,
		"stored":    obj.Size,
		"cid":       obj.ContentID,
	}).Debug("stored envelope")
	return obj, nil
}

// StoreBytes is Store for an in-memory plaintext.
func (v *Vault) StoreBytes(ctx context.Context, pathHint string, plaintext []byte) (StoredObject, error) {
	return v.Store(ctx, pathHint, bytes.NewReader(plaintext))
}

// Retrieve reads the envelope at p and returns its plaintext. A path that was
// never stored matches both ErrStorageRead and ErrNotFound.
func (v *Vault) Retrieve(ctx context.Context, p string) ([]byte, error) {
	resolved, err := v.resolveObject(p)
	if err != nil {
		return nil, err
	}

	env, err := v.gw.Read(ctx, resolved)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrStorageRead, resolved, err)
	}

	priv, err := v.keys.PrivateKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", envelope.ErrKeyUnavailable, err)
	}

	plaintext, err := envelope.DecodeAny(priv, env, v.readSchemes...)
	if err != nil {
		v.log.WithFields(logrus.Fields{
			"path":  resolved,
			"error": err,
		}).Warn("could not decode envelope")
		return nil, fmt.Errorf("vault: decode %s: %w", resolved, err)
	}
	return plaintext, nil
}

// List walks the gateway below prefix and yields every stored file, depth
// first and sorted by name within a directory. A prefix that does not exist
// yields nothing. Iteration stops at the first error.
func (v *Vault) List(ctx context.Context, prefix string) iter.Seq2[StoredObject, error] { // A
	return func(yield func(StoredObject, error) bool) {
		start := v.root
		if strings.Trim(prefix, "/") != "" {
			resolved, err := v.Resolve(prefix)
			if err != nil {
				yield(StoredObject{}, err)
				return
			}
			start = resolved
		}
		v.walk(ctx, start, yield)
	}
}

func (v *Vault) walk(ctx context.Context, dir string, yield func(StoredObject, error) bool) bool { // A
	if err := ctx.Err(); err != nil {
		yield(StoredObject{}, err)
		return false
	}

	entries, err := v.gw.List(ctx, dir)
	if errors.Is(err, gateway.ErrNotFound) {
		return true
	}
	if err != nil {
		yield(StoredObject{}, fmt.Errorf("%w: list %s: %w", ErrStorageRead, dir, err))
		return false
	}

	for _, e := range entries {
		child := path.Join(dir, e.Name)
		if e.IsDir {
			if !v.walk(ctx, child, yield) {
				return false
			}
			continue
		}
		if !yield(StoredObject{Path: child, Size: e.Size, ContentID: e.ContentID}, nil) {
			return false
		}
	}
	return true
}

// Collect drains List into a slice. An empty vault gives an empty, non-nil slice.
func (v *Vault) Collect(ctx context.Context, prefix string) ([]StoredObject, error) { // AC
	out := []StoredObject{}
	for obj, err := range v.List(ctx, prefix) {
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}
