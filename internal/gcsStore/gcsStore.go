// Package gcsStore keeps envelopes as objects in a Google Cloud Storage bucket.
package gcsStore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/i5heu/ouroboros-vault/pkg/gateway"
)

const cidMetadata = "cid"

type Config struct {
	Bucket string
	Prefix string // optional object name prefix

	// Endpoint points the client at an emulator. It implies no authentication.
	Endpoint        string
	CredentialsFile string

	Logger *logrus.Logger
}

// GCSStore is a gateway over one bucket.
type GCSStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
	log    *logrus.Logger
}

func New(ctx context.Context, cfg Config) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	opts := []option.ClientOption{storage.WithJSONReads()}
	switch {
	case cfg.Endpoint != "":
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSStore{
		client: client,
		bucket: client.Bucket(cfg.Bucket),
		prefix: cfg.Prefix,
		log:    cfg.Logger,
	}, nil
}

func (s *GCSStore) name(p string) (string, error) { // A
	p, err := gateway.Clean(p)
	if err != nil {
		return "", err
	}
	return s.prefix + strings.TrimPrefix(p, "/"), nil
}

func (s *GCSStore) Write(ctx context.Context, p string, content []byte) error { // AC
	name, err := s.name(p)
	if err != nil {
		return err
	}

	w := s.bucket.Object(name).NewWriter(ctx)
	w.ChunkSize = 0 // single request upload
	w.ContentType = "text/plain"
	w.Metadata = map[string]string{cidMetadata: gateway.ContentID(content)}

	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write failed for %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close failed for %s: %w", name, err)
	}
	return nil
}

func (s *GCSStore) Read(ctx context.Context, p string) ([]byte, error) {
	name, err := s.name(p)
	if err != nil {
		return nil, err
	}

	r, err := s.bucket.Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", gateway.ErrNotFound, p)
	}
	if err != nil {
		return nil, fmt.Errorf("gcs get failed for %s: %w", name, err)
	}
	defer func() { _ = r.Close() }()

	return io.ReadAll(r)
}

func (s *GCSStore) Stat(ctx context.Context, p string) (gateway.Entry, error) { // A
	name, err := s.name(p)
	if err != nil {
		return gateway.Entry{}, err
	}

	attrs, err := s.bucket.Object(name).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return gateway.Entry{}, fmt.Errorf("%w: %s", gateway.ErrNotFound, p)
	}
	if err != nil {
		return gateway.Entry{}, fmt.Errorf("gcs attrs failed for %s: %w", name, err)
	}
	return s.entry(ctx, attrs)
}

func (s *GCSStore) entry(ctx context.Context, attrs *storage.ObjectAttrs) (gateway.Entry, error) { // A
	e := gateway.Entry{
		Name:      path.Base(attrs.Name),
		Size:      attrs.Size,
		ContentID: attrs.Metadata[cidMetadata],
	}
	if e.ContentID == "" {
		content, err := s.Read(ctx, "/"+strings.TrimPrefix(attrs.Name, s.prefix))
		if err != nil {
			return gateway.Entry{}, err
		}
		e.ContentID = gateway.ContentID(content)
	}
	return e, nil
}

func (s *GCSStore) List(ctx context.Context, dir string) ([]gateway.Entry, error) { // A
	name, err := s.name(dir)
	if err != nil {
		return nil, err
	}
	prefix := name
	if prefix != s.prefix {
		prefix += "/"
	}

	var entries []gateway.Entry
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs list failed for %s: %w", prefix, err)
		}

		if attrs.Prefix != "" {
			child := strings.TrimSuffix(strings.TrimPrefix(attrs.Prefix, prefix), "/")
			if child != "" {
				entries = append(entries, gateway.Entry{Name: child, IsDir: true})
			}
			continue
		}
		if attrs.Name == prefix {
			continue
		}
		e, err := s.entry(ctx, attrs)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", gateway.ErrNotFound, dir)
	}
	gateway.SortEntries(entries)
	return entries, nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}

var _ gateway.Gateway = (*GCSStore)(nil)
