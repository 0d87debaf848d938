package keyValStore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-vault/pkg/gateway"
)

const (
	blobPrefix = "blob:"
	metaPrefix = "meta:"

	// chunkSize stays below badger's 1 MiB value threshold, which in-memory
	// mode enforces as a hard limit per value.
	chunkSize = 512 << 10
)

type StoreConfig struct {
	Paths            []string // absolute path at the moment only first path is supported
	MinimumFreeSpace int      // in GB
	InMemory         bool     // ignores Paths, used by tests
	Logger           *logrus.Logger
}

// KeyValStore is a badger backed gateway. The envelope of a path is split into
// chunks under blob:<path>\x00<generation>/<index>; meta:<path> names the
// current generation together with size and content id.
type KeyValStore struct {
	config       StoreConfig
	log          *logrus.Logger
	badgerDB     *badger.DB
	readCounter  uint64
	writeCounter uint64
}

type objectMeta struct {
	Size       int64  `json:"size"`
	ContentID  string `json:"cid"`
	Generation string `json:"gen"`
	Chunks     int    `json:"chunks"`
}

func chunkPrefix(p, gen string) []byte {
	return []byte(blobPrefix + p + "\x00" + gen + "/")
}

func chunkKey(p, gen string, i int) []byte { // A
	return fmt.Appendf(chunkPrefix(p, gen), "%08d", i)
}

func NewKeyValStore(config StoreConfig) (*KeyValStore, error) { // A
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	log := config.Logger

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithMemTableSize(256 << 20)
	} else {
		if err := config.checkConfig(); err != nil {
			return nil, fmt.Errorf("error checking config for KeyValStore: %w", err)
		}
		opts = badger.DefaultOptions(config.Paths[0])
		opts.SyncWrites = true
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("error opening badger: %w", err)
	}

	if !config.InMemory {
		if err := displayDiskUsage(log, config.Paths); err != nil {
			log.WithError(err).Warn("could not determine disk usage")
		}
	}

	return &KeyValStore{
		config:   config,
		log:      log,
		badgerDB: db,
	}, nil
}

// StartTransactionCounter logs read and write rates until ctx is done.
func (k *KeyValStore) StartTransactionCounter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				readOps := atomic.SwapUint64(&k.readCounter, 0)
				writeOps := atomic.SwapUint64(&k.writeCounter, 0)
				if readOps == 0 && writeOps == 0 {
					continue
				}
				k.log.WithFields(logrus.Fields{
					"reads":    readOps,
					"writes":   writeOps,
					"interval": interval.String(),
				}).Debug("gateway operations")
			}
		}
	}()
}

// Write stores content under a fresh generation and then swaps the metadata
// in one transaction, so readers see either the old or the new envelope.
func (k *KeyValStore) Write(ctx context.Context, p string, content []byte) error { // A
	p, err := gateway.Clean(p)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	atomic.AddUint64(&k.writeCounter, 1)

	meta := objectMeta{
		Size:       int64(len(content)),
		ContentID:  gateway.ContentID(content),
		Generation: uuid.NewString(),
		Chunks:     (len(content) + chunkSize - 1) / chunkSize,
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	wb := k.badgerDB.NewWriteBatch()
	for i := 0; i < meta.Chunks; i++ {
		end := min((i+1)*chunkSize, len(content))
		if err := wb.Set(chunkKey(p, meta.Generation, i), content[i*chunkSize:end]); err != nil {
			wb.Cancel()
			return fmt.Errorf("error writing %s: %w", p, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("error writing %s: %w", p, err)
	}

	var previous *objectMeta
	for {
		previous = nil
		err = k.badgerDB.Update(func(txn *badger.Txn) error {
			item, err := txn.Get([]byte(metaPrefix + p))
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
			case err != nil:
				return err
			default:
				previous = &objectMeta{}
				if err := item.Value(func(val []byte) error { return json.Unmarshal(val, previous) }); err != nil {
					return err
				}
			}
			return txn.Set([]byte(metaPrefix+p), raw)
		})
		// a concurrent write to the same path won; ours replaces it
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		k.dropGeneration(p, meta.Generation, meta.Chunks)
		return fmt.Errorf("error writing %s: %w", p, err)
	}

	if previous != nil {
		k.dropGeneration(p, previous.Generation, previous.Chunks)
	}
	return nil
}

func (k *KeyValStore) dropGeneration(p, gen string, chunks int) {
	wb := k.badgerDB.NewWriteBatch()
	for i := 0; i < chunks; i++ {
		if err := wb.Delete(chunkKey(p, gen, i)); err != nil {
			wb.Cancel()
			k.log.WithError(err).WithField("path", p).Warn("could not drop stale chunks")
			return
		}
	}
	if err := wb.Flush(); err != nil {
		k.log.WithError(err).WithField("path", p).Warn("could not drop stale chunks")
	}
}

func (k *KeyValStore) Read(ctx context.Context, p string) ([]byte, error) { // A
	p, err := gateway.Clean(p)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	atomic.AddUint64(&k.readCounter, 1)

	var value []byte
	err = k.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaPrefix + p))
		if err != nil {
			return err
		}
		var meta objectMeta
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &meta) }); err != nil {
			return err
		}

		value = make([]byte, 0, meta.Size)
		for i := 0; i < meta.Chunks; i++ {
			chunk, err := txn.Get(chunkKey(p, meta.Generation, i))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("chunk %d of generation %s is missing", i, meta.Generation)
			}
			if err != nil {
				return err
			}
			if err := chunk.Value(func(val []byte) error {
				value = append(value, val...)
				return nil
			}); err != nil {
				return err
			}
		}
		if int64(len(value)) != meta.Size {
			return fmt.Errorf("assembled %d bytes, metadata says %d", len(value), meta.Size)
		}
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", gateway.ErrNotFound, p)
	}
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", p, err)
	}
	return value, nil
}

func (k *KeyValStore) Stat(ctx context.Context, p string) (gateway.Entry, error) {
	p, err := gateway.Clean(p)
	if err != nil {
		return gateway.Entry{}, err
	}
	if err := ctx.Err(); err != nil {
		return gateway.Entry{}, err
	}
	atomic.AddUint64(&k.readCounter, 1)

	var meta objectMeta
	err = k.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaPrefix + p))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return gateway.Entry{}, fmt.Errorf("%w: %s", gateway.ErrNotFound, p)
	}
	if err != nil {
		return gateway.Entry{}, fmt.Errorf("error reading metadata of %s: %w", p, err)
	}
	return gateway.Entry{Name: path.Base(p), Size: meta.Size, ContentID: meta.ContentID}, nil
}

func (k *KeyValStore) List(ctx context.Context, dir string) ([]gateway.Entry, error) { // A
	dir, err := gateway.Clean(dir)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	items, err := k.GetItemsWithPrefix([]byte(metaPrefix + gateway.DirPrefix(dir)))
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: %s", gateway.ErrNotFound, dir)
	}

	objects := make([]gateway.Object, 0, len(items))
	for _, kv := range items {
		var meta objectMeta
		if err := json.Unmarshal(kv[1], &meta); err != nil {
			return nil, fmt.Errorf("error decoding metadata of %s: %w", kv[0], err)
		}
		objects = append(objects, gateway.Object{
			Path:      string(kv[0][len(metaPrefix):]),
			Size:      meta.Size,
			ContentID: meta.ContentID,
		})
	}
	return gateway.Children(dir, objects), nil
}

func (k *KeyValStore) Close() error { // A
	if !k.config.InMemory {
		if err := k.Clean(); err != nil {
			k.log.WithError(err).Warn("error cleaning db on close")
		}
	}
	return k.badgerDB.Close()
}

func (k *KeyValStore) Clean() error {
	err := k.badgerDB.Sync()
	if err != nil {
		return fmt.Errorf("error syncing db: %w", err)
	}

	// flatten the db
	err = k.badgerDB.Flatten(runtime.NumCPU()) // The parameter is the number of concurrent compactions
	if err != nil {
		return fmt.Errorf("error flattening db: %w", err)
	}
	k.log.Debug("DB Flattened")

	// rewritten envelopes leave stale values in the value log
	err = k.badgerDB.RunValueLogGC(0.1)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("error cleaning db: %w", err)
	}

	return nil
}

// will return all keys and values with the given prefix
func (k *KeyValStore) GetItemsWithPrefix(prefix []byte) ([][][]byte, error) { // A
	var keysAndValues [][][]byte
	atomic.AddUint64(&k.readCounter, 1)
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			k := item.KeyCopy(nil)
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			keysAndValues = append(keysAndValues, [][]byte{k, v})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error iterating prefix %q: %w", prefix, err)
	}
	return keysAndValues, nil
}

var _ gateway.Gateway = (*KeyValStore)(nil)
