// Package backup moves envelopes between gateways as an xz compressed tar
// stream. Only ciphertext is copied; a backup is as safe as the vault itself.
package backup

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"

	vault "github.com/i5heu/ouroboros-vault"
	"github.com/i5heu/ouroboros-vault/pkg/gateway"
	workerpool "github.com/i5heu/ouroboros-vault/pkg/workerPool"
)

// ManifestName is the first entry of every backup.
const ManifestName = "MANIFEST.pb"

const hashWorkers = 8

// ErrCorruptBackup is returned when the archive does not match its manifest.
var ErrCorruptBackup = errors.New("backup: corrupt archive")

// Source is what Export reads from. *vault.Vault implements it.
type Source interface {
	Collect(ctx context.Context, prefix string) ([]vault.StoredObject, error)
	Gateway() gateway.Gateway
}

// Export writes every envelope below the vault root to w.
func Export(ctx context.Context, src Source, w io.Writer, log *logrus.Logger) (Manifest, error) {
	if log == nil {
		log = logrus.New()
	}

	objects, err := src.Collect(ctx, "")
	if err != nil {
		return Manifest{}, err
	}

	xw, err := xz.NewWriter(w)
	if err != nil {
		return Manifest{}, fmt.Errorf("backup: %w", err)
	}
	tw := tar.NewWriter(xw)

	// the manifest leads the archive, so a first pass hashes every envelope
	pool := workerpool.NewWorkerPool(workerpool.Config{WorkerCount: hashWorkers})
	defer pool.Close()
	room := workerpool.CreateRoom[Record](pool, len(objects))
	for _, obj := range objects {
		room.NewTaskWaitForFreeSlot(func() (Record, error) {
			env, err := src.Gateway().Read(ctx, obj.Path)
			if err != nil {
				return Record{}, fmt.Errorf("backup: reading %s: %w", obj.Path, err)
			}
			return Record{Path: obj.Path, Size: int64(len(env)), ContentID: gateway.ContentID(env)}, nil
		})
	}
	records, err := room.Collect()
	if err != nil {
		return Manifest{}, err
	}
	manifest := Manifest{Version: ManifestVersion, Records: records}

	if err := writeEntry(tw, ManifestName, manifest.Marshal()); err != nil {
		return Manifest{}, err
	}
	for _, rec := range manifest.Records {
		env, err := src.Gateway().Read(ctx, rec.Path)
		if err != nil {
			return Manifest{}, fmt.Errorf("backup: reading %s: %w", rec.Path, err)
		}
		if gateway.ContentID(env) != rec.ContentID {
			return Manifest{}, fmt.Errorf("backup: %s changed during export", rec.Path)
		}
		if err := writeEntry(tw, strings.TrimPrefix(rec.Path, "/"), env); err != nil {
			return Manifest{}, err
		}
		log.WithFields(logrus.Fields{"path": rec.Path, "size": rec.Size}).Debug("exported envelope")
	}

	if err := tw.Close(); err != nil {
		return Manifest{}, fmt.Errorf("backup: %w", err)
	}
	if err := xw.Close(); err != nil {
		return Manifest{}, fmt.Errorf("backup: %w", err)
	}
	log.WithField("envelopes", len(manifest.Records)).Info("backup written")
	return manifest, nil
}

func writeEntry(tw *tar.Writer, name string, data []byte) error { // A
	hdr := &tar.Header{
		Name:     name,
		Mode:     0o600,
		Size:     int64(len(data)),
		ModTime:  time.Unix(0, 0),
		Typeflag: tar.TypeReg,
		Format:   tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("backup: %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("backup: %s: %w", name, err)
	}
	return nil
}

// Import reads an archive written by Export and writes its envelopes to dst
// under their original paths. Each envelope is checked against the manifest
// before it is written.
func Import(ctx context.Context, dst gateway.Gateway, r io.Reader, log *logrus.Logger) (Manifest, error) {
	if log == nil {
		log = logrus.New()
	}

	xr, err := xz.NewReader(r)
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrCorruptBackup, err)
	}
	tr := tar.NewReader(xr)

	hdr, err := tr.Next()
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrCorruptBackup, err)
	}
	if hdr.Name != ManifestName {
		return Manifest{}, fmt.Errorf("%w: first entry is %q, want %s", ErrCorruptBackup, hdr.Name, ManifestName)
	}
	raw, err := io.ReadAll(tr)
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrCorruptBackup, err)
	}
	manifest, err := UnmarshalManifest(raw)
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: manifest: %v", ErrCorruptBackup, err)
	}

	pending := make(map[string]Record, len(manifest.Records))
	for _, rec := range manifest.Records {
		pending[rec.Path] = rec
	}

	for {
		if err := ctx.Err(); err != nil {
			return Manifest{}, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Manifest{}, fmt.Errorf("%w: %v", ErrCorruptBackup, err)
		}

		p := "/" + hdr.Name
		rec, ok := pending[p]
		if !ok {
			return Manifest{}, fmt.Errorf("%w: %s is not in the manifest", ErrCorruptBackup, p)
		}
		if hdr.Size != rec.Size {
			return Manifest{}, fmt.Errorf("%w: %s is %d bytes, manifest says %d", ErrCorruptBackup, p, hdr.Size, rec.Size)
		}
		env, err := io.ReadAll(tr)
		if err != nil {
			return Manifest{}, fmt.Errorf("%w: %v", ErrCorruptBackup, err)
		}
		if gateway.ContentID(env) != rec.ContentID {
			return Manifest{}, fmt.Errorf("%w: content id mismatch for %s", ErrCorruptBackup, p)
		}

		if err := dst.Write(ctx, p, env); err != nil {
			return Manifest{}, fmt.Errorf("backup: writing %s: %w", p, err)
		}
		delete(pending, p)
		log.WithField("path", p).Debug("restored envelope")
	}

	if len(pending) > 0 {
		return Manifest{}, fmt.Errorf("%w: %d envelopes missing from archive", ErrCorruptBackup, len(pending))
	}
	log.WithField("envelopes", len(manifest.Records)).Info("backup restored")
	return manifest, nil
}
