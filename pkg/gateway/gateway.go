// Package gateway defines the blob store abstraction the vault writes
// envelopes to, plus helpers shared by the backends.
package gateway

import (
	"context"
	"errors"
	"path"
	"sort"
	"strings"

	"github.com/ipfs/boxo/ipld/merkledag"
)

var (
	// ErrNotFound is returned when a path does not exist in the store.
	ErrNotFound = errors.New("gateway: not found")

	// ErrInvalidPath is returned for paths that are not absolute or escape the root.
	ErrInvalidPath = errors.New("gateway: invalid path")
)

// Entry describes one name in a directory listing.
type Entry struct {
	Name      string
	IsDir     bool
	Size      int64
	ContentID string
}

// Gateway is a hierarchical, content-addressed blob store. Paths are absolute
// and '/'-separated. Writing a path replaces its previous content.
type Gateway interface {
	// Write stores data at p, creating parent directories as needed.
	Write(ctx context.Context, p string, data []byte) error
	// Read returns the bytes stored at p, or ErrNotFound.
	Read(ctx context.Context, p string) ([]byte, error)
	// Stat describes the object at p, or returns ErrNotFound.
	Stat(ctx context.Context, p string) (Entry, error)
	// List returns the immediate children of dir. An absent dir is ErrNotFound.
	List(ctx context.Context, dir string) ([]Entry, error)
	Close() error
}

// ContentID returns the CIDv1 (raw codec, sha2-256) of data, which is what an
// IPFS node assigns to a single raw block with the same bytes.
func ContentID(data []byte) string {
	return merkledag.NewRawNode(data).Cid().String()
}

// Clean validates p and returns its canonical form: absolute, no trailing
// slash, no dot segments.
func Clean(p string) (string, error) { // A
	if p == "" || !strings.HasPrefix(p, "/") {
		return "", ErrInvalidPath
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", ErrInvalidPath
		}
	}
	return path.Clean(p), nil
}

// DirPrefix returns dir as a key prefix ending in '/'.
func DirPrefix(dir string) string {
	if dir == "/" {
		return "/"
	}
	return dir + "/"
}

// Object is a leaf in a flat key space.
type Object struct {
	Path      string
	Size      int64
	ContentID string
}

// Children collapses the objects below dir into its immediate children: files
// directly in dir, and one directory entry per deeper first segment. Objects
// outside dir are ignored. The result is sorted by name.
func Children(dir string, objects []Object) []Entry { // A
	prefix := DirPrefix(dir)
	seen := make(map[string]bool)
	var out []Entry
	for _, o := range objects {
		if !strings.HasPrefix(o.Path, prefix) {
			continue
		}
		rest := o.Path[len(prefix):]
		if rest == "" {
			continue
		}
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			name := rest[:i]
			if !seen[name] {
				seen[name] = true
				out = append(out, Entry{Name: name, IsDir: true})
			}
			continue
		}
		out = append(out, Entry{Name: rest, Size: o.Size, ContentID: o.ContentID})
	}
	SortEntries(out)
	return out
}

// SortEntries orders entries by name.
func SortEntries(entries []Entry) { // AC
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
}
