package blockstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/i5heu/ouroboros-rdfs/pkg/logging"
	"github.com/i5heu/ouroboros-rdfs/pkg/model"
	"github.com/sirupsen/logrus"
)

var keyPrefix = []byte("block/")

type BadgerConfig struct {
	Path        string // ignored when InMemory
	InMemory    bool
	Compression Compression
	SyncWrites  bool
	Logger      *logrus.Logger
}

// BadgerStore keeps blocks in a badger database under "block/" followed by
// the big-endian id, so iteration yields ids in ascending order.
type BadgerStore struct {
	config       BadgerConfig
	db           *badger.DB
	comp         *compressor
	log          *logrus.Logger
	readCounter  uint64
	writeCounter uint64
}

func NewBadgerStore(config BadgerConfig) (*BadgerStore, error) {
	log := logging.OrDefault(config.Logger)
	if !config.InMemory && config.Path == "" {
		return nil, errors.New("blockstore: badger path is required")
	}

	opts := badger.DefaultOptions(config.Path)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100
	opts.SyncWrites = config.SyncWrites

	comp, err := newCompressor(config.Compression)
	if err != nil {
		return nil, err
	}
	db, err := badger.Open(opts)
	if err != nil {
		comp.close()
		return nil, fmt.Errorf("blockstore: open badger at %q: %w", config.Path, err)
	}

	log.WithFields(logrus.Fields{
		"path":        config.Path,
		"in_memory":   config.InMemory,
		"compression": config.Compression.String(),
	}).Debug("blockstore: opened badger store")

	return &BadgerStore{
		config: config,
		db:     db,
		comp:   comp,
		log:    log,
	}, nil
}

func blockKey(id model.BlockID) []byte {
	key := make([]byte, len(keyPrefix)+8)
	copy(key, keyPrefix)
	binary.BigEndian.PutUint64(key[len(keyPrefix):], uint64(id))
	return key
}

func (k *BadgerStore) Put(id model.BlockID, data []byte) error {
	atomic.AddUint64(&k.writeCounter, 1)
	value, err := k.comp.pack(data)
	if err != nil {
		return err
	}
	err = k.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blockKey(id), value)
	})
	if err != nil {
		return fmt.Errorf("blockstore: put %d: %w", id, err)
	}
	return nil
}

func (k *BadgerStore) PutBatch(blocks map[model.BlockID][]byte) error {
	wb := k.db.NewWriteBatch()
	defer wb.Cancel()

	for id, data := range blocks {
		atomic.AddUint64(&k.writeCounter, 1)
		value, err := k.comp.pack(data)
		if err != nil {
			return err
		}
		if err := wb.Set(blockKey(id), value); err != nil {
			return fmt.Errorf("blockstore: batch put %d: %w", id, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("blockstore: flush batch: %w", err)
	}
	return nil
}

func (k *BadgerStore) Get(id model.BlockID) ([]byte, error) {
	atomic.AddUint64(&k.readCounter, 1)
	var value []byte
	err := k.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(id))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("blockstore: get %d: %w", id, err)
	}
	return k.comp.unpack(value)
}

func (k *BadgerStore) Has(id model.BlockID) (bool, error) {
	atomic.AddUint64(&k.readCounter, 1)
	err := k.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(blockKey(id))
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("blockstore: has %d: %w", id, err)
	}
}

// Delete removes blocks; missing ids are ignored.
func (k *BadgerStore) Delete(ids ...model.BlockID) error {
	wb := k.db.NewWriteBatch()
	defer wb.Cancel()

	for _, id := range ids {
		atomic.AddUint64(&k.writeCounter, 1)
		if err := wb.Delete(blockKey(id)); err != nil {
			return fmt.Errorf("blockstore: delete %d: %w", id, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("blockstore: flush deletes: %w", err)
	}
	return nil
}

// IDs returns the stored ids in ascending order.
func (k *BadgerStore) IDs() ([]model.BlockID, error) {
	var ids []model.BlockID
	err := k.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(keyPrefix); it.ValidForPrefix(keyPrefix); it.Next() {
			key := it.Item().Key()
			ids = append(ids, model.BlockID(binary.BigEndian.Uint64(key[len(keyPrefix):])))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("blockstore: list ids: %w", err)
	}
	return ids, nil
}

// Stats returns the read and write operations since the last call.
func (k *BadgerStore) Stats() (reads, writes uint64) {
	return atomic.SwapUint64(&k.readCounter, 0), atomic.SwapUint64(&k.writeCounter, 0)
}

// Clean syncs, flattens and garbage collects the value log.
func (k *BadgerStore) Clean() error {
	if k.config.InMemory {
		return nil
	}
	if err := k.db.Sync(); err != nil {
		return fmt.Errorf("blockstore: sync: %w", err)
	}
	if err := k.db.Flatten(runtime.NumCPU()); err != nil {
		return fmt.Errorf("blockstore: flatten: %w", err)
	}
	if err := k.db.RunValueLogGC(0.1); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("blockstore: value log gc: %w", err)
	}
	k.log.Debug("blockstore: cleaned")
	return nil
}

func (k *BadgerStore) Close() error {
	defer k.comp.close()
	if err := k.Clean(); err != nil {
		k.log.WithError(err).Warn("blockstore: clean before close failed")
	}
	if err := k.db.Close(); err != nil {
		return fmt.Errorf("blockstore: close: %w", err)
	}
	return nil
}

var _ Store = (*BadgerStore)(nil)
