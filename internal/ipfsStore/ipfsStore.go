// Package ipfsStore keeps envelopes in the mutable file system (MFS) of an IPFS
// node, talking to the Kubo RPC API through go-ipfs-api.
package ipfsStore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-vault/pkg/gateway"
)

// DefaultAPI is the RPC address of a local Kubo node.
const DefaultAPI = "http://127.0.0.1:5001"

const mfsDirectory = "directory"

type Config struct {
	API    string
	Client *http.Client
	Logger *logrus.Logger
}

// IPFSStore is a gateway over MFS paths. Files are written with raw leaves and
// CIDv1, so small envelopes carry the same content id gateway.ContentID gives.
type IPFSStore struct {
	sh     *shell.Shell
	client *http.Client
	log    *logrus.Logger
}

func New(cfg Config) *IPFSStore { // A
	if cfg.API == "" {
		cfg.API = DefaultAPI
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{
			Timeout:   5 * time.Minute,
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &IPFSStore{
		sh:     shell.NewShellWithClient(strings.TrimSuffix(cfg.API, "/"), cfg.Client),
		client: cfg.Client,
		log:    cfg.Logger,
	}
}

// translate maps Kubo's "does not exist" answers onto gateway.ErrNotFound.
func translate(p string, err error) error {
	var rpcErr *shell.Error
	if errors.As(err, &rpcErr) && strings.Contains(rpcErr.Message, "does not exist") {
		return fmt.Errorf("%w: %s", gateway.ErrNotFound, p)
	}
	return err
}

func (s *IPFSStore) Write(ctx context.Context, p string, content []byte) error { // A
	p, err := gateway.Clean(p)
	if err != nil {
		return err
	}

	err = s.sh.FilesWrite(ctx, p, bytes.NewReader(content),
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Parents(true),
		shell.FilesWrite.Truncate(true),
		shell.FilesWrite.RawLeaves(true),
		shell.FilesWrite.CidVersion(1),
	)
	if err != nil {
		return fmt.Errorf("ipfs write failed for %s: %w", p, err)
	}
	return nil
}

func (s *IPFSStore) Read(ctx context.Context, p string) ([]byte, error) { // A
	p, err := gateway.Clean(p)
	if err != nil {
		return nil, err
	}

	r, err := s.sh.FilesRead(ctx, p)
	if err != nil {
		return nil, translate(p, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (s *IPFSStore) Stat(ctx context.Context, p string) (gateway.Entry, error) { // A
	p, err := gateway.Clean(p)
	if err != nil {
		return gateway.Entry{}, err
	}

	st, err := s.sh.FilesStat(ctx, p)
	if err != nil {
		return gateway.Entry{}, translate(p, err)
	}
	return gateway.Entry{
		Name:      path.Base(p),
		IsDir:     st.Type == mfsDirectory,
		Size:      int64(st.Size),
		ContentID: st.Hash,
	}, nil
}

// List returns the children of dir. Kubo answers files/ls on a file with the
// file itself, so dir is checked to be a directory first.
func (s *IPFSStore) List(ctx context.Context, dir string) ([]gateway.Entry, error) { // A
	dir, err := gateway.Clean(dir)
	if err != nil {
		return nil, err
	}

	st, err := s.sh.FilesStat(ctx, dir)
	if err != nil {
		return nil, translate(dir, err)
	}
	if st.Type != mfsDirectory {
		return nil, fmt.Errorf("%w: %s is not a directory", gateway.ErrNotFound, dir)
	}

	ls, err := s.sh.FilesLs(ctx, dir)
	if err != nil {
		return nil, translate(dir, err)
	}

	entries := make([]gateway.Entry, 0, len(ls))
	for _, e := range ls {
		entry, err := s.Stat(ctx, path.Join(dir, e.Name))
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	gateway.SortEntries(entries)
	return entries, nil
}

// Ping checks that the node answers.
func (s *IPFSStore) Ping(ctx context.Context) error { // A
	var id struct{ ID string }
	if err := s.sh.Request("id").Exec(ctx, &id); err != nil {
		return fmt.Errorf("ipfs id: %w", err)
	}
	if id.ID == "" {
		return errors.New("ipfs: node returned no peer id")
	}
	s.log.WithField("peer", id.ID).Debug("connected to ipfs node")
	return nil
}

func (s *IPFSStore) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

var _ gateway.Gateway = (*IPFSStore)(nil)
