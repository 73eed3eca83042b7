// Package volume is an open RDFS volume: the SuperBlock, AddressesBlock and
// BitmapsBlock of one volume, its allocator, inode tree and coding engine,
// and the block table they are persisted in.
//
// Every piece of volume state hangs off a *Volume; nothing is global, so a
// process can hold any number of volumes open at once.
package volume

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-rdfs/pkg/allocator"
	"github.com/i5heu/ouroboros-rdfs/pkg/binaryCoder"
	"github.com/i5heu/ouroboros-rdfs/pkg/blockstore"
	"github.com/i5heu/ouroboros-rdfs/pkg/erasure"
	"github.com/i5heu/ouroboros-rdfs/pkg/inode"
	"github.com/i5heu/ouroboros-rdfs/pkg/logging"
	"github.com/i5heu/ouroboros-rdfs/pkg/model"
	"github.com/i5heu/ouroboros-rdfs/pkg/signature"
	workerpool "github.com/i5heu/ouroboros-rdfs/pkg/workerPool"
	"github.com/sirupsen/logrus"
)

var (
	ErrClosed           = errors.New("volume: closed")
	ErrAlreadyFormatted = errors.New("volume: store already holds a volume")
	ErrInvalidConfig    = errors.New("volume: invalid configuration")
	ErrNotRegularFile   = errors.New("volume: not a regular file")
	ErrNotSymlink       = errors.New("volume: not a symlink")
	ErrInconsistent     = errors.New("volume: inconsistent")
	ErrForeignBlock     = errors.New("volume: block stored under another id")

	// ErrInsufficientFragments is returned by Retrieve and GrowRedundancy
	// when some source block has fewer than k valid fragments.
	ErrInsufficientFragments = erasure.ErrInsufficientFragments
)

// MinTotalBlocks is the smallest volume: the reserved blocks plus one.
const MinTotalBlocks = uint64(model.FirstFreeID) + 1

type Config struct {
	Store  blockstore.Store
	Signer signature.Signer

	// Format only; Open reads them from the SuperBlock.
	BlockSize   uint32
	TotalBlocks uint64
	Threshold   uint32
	Redundancy  model.Ratio
	Addresses   []model.Address

	// Pool is shared between volumes when set. Otherwise the volume runs
	// its own pool of Workers goroutines (0 means one per CPU).
	Pool    *workerpool.WorkerPool
	Workers int

	Logger *logrus.Logger   // optional
	Now    func() time.Time // optional
}

type Volume struct {
	store  blockstore.Store
	codec  *binaryCoder.Codec
	engine *erasure.Engine
	alloc  *allocator.Allocator
	tree   *inode.Tree
	pool   *workerpool.WorkerPool
	log    *logrus.Logger
	now    func() time.Time

	ownsPool bool
	super    *model.SuperBlock

	// life is held shared by every operation and exclusively by Close.
	life   sync.RWMutex
	closed bool

	mu        sync.RWMutex
	addresses *model.AddressesBlock

	fileMu    sync.Mutex
	fileLocks map[model.BlockID]*fileLock
}

type fileLock struct {
	mu    sync.Mutex
	users int
}

func newVolume(cfg Config) (*Volume, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("%w: signer is required", ErrInvalidConfig)
	}
	v := &Volume{
		store:     cfg.Store,
		pool:      cfg.Pool,
		log:       logging.OrDefault(cfg.Logger),
		now:       cfg.Now,
		fileLocks: make(map[model.BlockID]*fileLock),
	}
	if v.pool == nil {
		v.pool = workerpool.NewWorkerPool(workerpool.Config{WorkerCount: cfg.Workers})
		v.ownsPool = true
	}
	if v.now == nil {
		v.now = time.Now
	}
	return v, nil
}

// setup builds codec and engine for sb.
func (v *Volume) setup(sb *model.SuperBlock, signer signature.Signer) error {
	scheme := signature.Scheme(sb.Version.Scheme())
	symbolSize, err := binaryCoder.SymbolSize(sb.BlockSize, scheme)
	if err != nil {
		return err
	}
	v.codec, err = binaryCoder.NewSigningCodec(sb.Version, signer, binaryCoder.WithSymbolSize(symbolSize))
	if err != nil {
		return err
	}
	v.engine, err = erasure.New(erasure.Params{
		Threshold:  sb.Threshold,
		Redundancy: sb.Redundancy,
		SymbolSize: symbolSize,
	}, erasure.WithWorkerPool(v.pool), erasure.WithLogger(v.log))
	if err != nil {
		return err
	}
	v.super = sb
	return nil
}

// Format writes a fresh volume into an empty store and returns it open.
func Format(cfg Config) (*Volume, error) { // A
	if cfg.TotalBlocks < MinTotalBlocks {
		return nil, fmt.Errorf("%w: total blocks %d, need at least %d", ErrInvalidConfig, cfg.TotalBlocks, MinTotalBlocks)
	}
	v, err := newVolume(cfg)
	if err != nil {
		return nil, err
	}
	if exists, err := cfg.Store.Has(model.SuperBlockID); err != nil {
		return nil, v.abort(fmt.Errorf("volume: probe store: %w", err))
	} else if exists {
		return nil, v.abort(ErrAlreadyFormatted)
	}

	sb := &model.SuperBlock{
		Version:        model.NewVersion(model.FormatRevision, uint8(cfg.Signer.Scheme())),
		BlockSize:      cfg.BlockSize,
		TotalBlocks:    cfg.TotalBlocks,
		RootInode:      model.RootInodeID,
		AddressesBlock: model.AddressesBlockID,
		BitmapsBlock:   model.BitmapsBlockID,
		Redundancy:     cfg.Redundancy,
		Threshold:      cfg.Threshold,
	}
	if err := v.setup(sb, cfg.Signer); err != nil {
		return nil, v.abort(fmt.Errorf("%w: %w", ErrInvalidConfig, err))
	}

	v.alloc = allocator.New(cfg.TotalBlocks)
	for id := model.SuperBlockID; id < model.FirstFreeID; id++ {
		if err := v.alloc.MarkAllocated(id); err != nil {
			return nil, v.abort(err)
		}
	}
	v.addresses = &model.AddressesBlock{Addresses: dedupe(cfg.Addresses)}
	if err := v.writeAddresses(v.addresses); err != nil {
		return nil, v.abort(err)
	}

	v.tree, err = inode.New(inode.Config{
		Allocator: v.alloc,
		Store:     inodeStore{v},
		Now:       v.now,
		Logger:    v.log,
	})
	if err != nil {
		return nil, v.abort(err)
	}
	if err := v.sync(); err != nil {
		return nil, v.abort(err)
	}

	v.log.WithFields(logrus.Fields{
		"block_size":   sb.BlockSize,
		"total_blocks": sb.TotalBlocks,
		"k":            sb.Threshold,
		"redundancy":   sb.Redundancy.String(),
		"scheme":       cfg.Signer.Scheme().String(),
	}).Info("volume: formatted")
	return v, nil
}

// Open loads a formatted volume. A SuperBlock that fails verification is an
// integrity breach and is returned as is.
func Open(cfg Config) (*Volume, error) { // A
	v, err := newVolume(cfg)
	if err != nil {
		return nil, err
	}

	raw, err := v.store.Get(model.SuperBlockID)
	if err != nil {
		return nil, v.abort(fmt.Errorf("volume: read super block: %w", err))
	}
	sb, err := binaryCoder.DecodeSuperBlock(raw, cfg.Signer)
	if err != nil {
		v.log.WithError(err).Error("volume: super block rejected")
		return nil, v.abort(fmt.Errorf("volume: super block: %w", err))
	}
	if sb.RootInode != model.RootInodeID || sb.AddressesBlock != model.AddressesBlockID || sb.BitmapsBlock != model.BitmapsBlockID {
		return nil, v.abort(fmt.Errorf("%w: super block places metadata at %d/%d/%d",
			ErrInconsistent, sb.RootInode, sb.AddressesBlock, sb.BitmapsBlock))
	}
	if err := v.setup(sb, cfg.Signer); err != nil {
		return nil, v.abort(err)
	}

	if raw, err = v.store.Get(model.AddressesBlockID); err != nil {
		return nil, v.abort(fmt.Errorf("volume: read addresses block: %w", err))
	}
	if v.addresses, err = v.codec.DecodeAddressesBlock(raw); err != nil {
		return nil, v.abort(fmt.Errorf("volume: addresses block: %w", err))
	}

	if raw, err = v.store.Get(model.BitmapsBlockID); err != nil {
		return nil, v.abort(fmt.Errorf("volume: read bitmaps block: %w", err))
	}
	bm, err := v.codec.DecodeBitmapsBlock(raw)
	if err != nil {
		return nil, v.abort(fmt.Errorf("volume: bitmaps block: %w", err))
	}
	if bm.BitCount != sb.TotalBlocks {
		return nil, v.abort(fmt.Errorf("%w: bitmap covers %d blocks, volume has %d", ErrInconsistent, bm.BitCount, sb.TotalBlocks))
	}
	if v.alloc, err = allocator.FromBitmaps(bm); err != nil {
		return nil, v.abort(err)
	}

	// Load marks whatever the tree references but the bitmap lost.
	free := v.alloc.FreeCount()
	v.tree, err = inode.Load(inode.Config{
		Allocator: v.alloc,
		Store:     inodeStore{v},
		Now:       v.now,
		Logger:    v.log,
	}, v.fetchInode)
	if err != nil {
		return nil, v.abort(fmt.Errorf("volume: load inode tree: %w", err))
	}
	marked := free - v.alloc.FreeCount()
	freed, err := v.freeOrphans()
	if err != nil {
		return nil, v.abort(err)
	}
	if marked > 0 || freed > 0 {
		if err := v.sync(); err != nil {
			return nil, v.abort(err)
		}
	}

	v.log.WithFields(logrus.Fields{
		"total_blocks": sb.TotalBlocks,
		"free_blocks":  v.alloc.FreeCount(),
		"inodes":       v.tree.Len(),
		"marked":       marked,
		"orphans":      freed,
	}).Info("volume: opened")
	return v, nil
}

// freeOrphans releases allocated blocks that nothing references, left
// behind by a crash between persisting blocks and linking them.
func (v *Volume) freeOrphans() (int, error) {
	used, err := v.referenced(nil)
	if err != nil {
		return 0, err
	}
	var orphans []model.BlockID
	for id := model.FirstFreeID; uint64(id) < v.alloc.Total(); id++ {
		if _, ok := used[id]; !ok && v.alloc.IsAllocated(id) {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) == 0 {
		return 0, nil
	}
	if err := v.store.Delete(orphans...); err != nil {
		return 0, fmt.Errorf("volume: delete orphaned blocks: %w", err)
	}
	if err := v.alloc.FreeN(orphans); err != nil {
		return 0, fmt.Errorf("volume: free orphaned blocks: %w", err)
	}
	v.log.WithField("blocks", len(orphans)).Warn("volume: freed orphaned blocks")
	return len(orphans), nil
}

// abort releases what newVolume created when Format or Open fails. The
// store belongs to the caller and stays open.
func (v *Volume) abort(err error) error {
	if v.ownsPool {
		v.pool.Close()
	}
	return err
}

// Close waits for running operations, persists the allocation state and
// closes the store.
func (v *Volume) Close() error {
	v.life.Lock()
	defer v.life.Unlock()

	if v.closed {
		return nil
	}
	v.closed = true
	syncErr := v.sync()

	if v.ownsPool {
		v.pool.Close()
	}
	if err := v.store.Close(); err != nil {
		return errors.Join(syncErr, fmt.Errorf("volume: close store: %w", err))
	}
	return syncErr
}

// begin keeps the volume open until done is called. Exported methods call
// it once and use unexported helpers from then on.
func (v *Volume) begin() (done func(), err error) {
	v.life.RLock()
	if v.closed {
		v.life.RUnlock()
		return nil, ErrClosed
	}
	return v.life.RUnlock, nil
}

// Sync writes the SuperBlock and the current BitmapsBlock.
func (v *Volume) Sync() error {
	done, err := v.begin()
	if err != nil {
		return err
	}
	defer done()
	return v.sync()
}

func (v *Volume) sync() error {
	raw, err := v.codec.EncodeBitmapsBlock(v.alloc.Snapshot())
	if err != nil {
		return fmt.Errorf("volume: encode bitmaps: %w", err)
	}
	if err := v.store.Put(model.BitmapsBlockID, raw); err != nil {
		return fmt.Errorf("volume: write bitmaps: %w", err)
	}
	return v.writeSuper()
}

func (v *Volume) writeSuper() error {
	sb := *v.super
	raw, err := v.codec.EncodeSuperBlock(&sb)
	if err != nil {
		return fmt.Errorf("volume: encode super block: %w", err)
	}
	if err := v.store.Put(model.SuperBlockID, raw); err != nil {
		return fmt.Errorf("volume: write super block: %w", err)
	}
	return nil
}

// SuperBlock returns a copy of the volume's SuperBlock.
func (v *Volume) SuperBlock() model.SuperBlock {
	sb := *v.super
	sb.Signature = append([]byte(nil), v.super.Signature...)
	return sb
}

// Params returns the coding parameters of the volume.
func (v *Volume) Params() erasure.Params { return v.engine.Params() }

// FreeBlocks returns the number of unallocated blocks.
func (v *Volume) FreeBlocks() uint64 { return v.alloc.FreeCount() }

// lockFile serializes content changes of one file. Entries leave the
// table with their last user.
func (v *Volume) lockFile(id model.BlockID) func() {
	v.fileMu.Lock()
	l, ok := v.fileLocks[id]
	if !ok {
		l = &fileLock{}
		v.fileLocks[id] = l
	}
	l.users++
	v.fileMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		v.fileMu.Lock()
		if l.users--; l.users == 0 {
			delete(v.fileLocks, id)
		}
		v.fileMu.Unlock()
	}
}

func (v *Volume) fetchInode(id model.BlockID) (*model.InodeBlock, error) {
	raw, err := v.store.Get(id)
	if err != nil {
		return nil, err
	}
	return v.codec.DecodeInodeBlock(raw)
}

// inodeStore persists the inode tree into the block table.
type inodeStore struct{ v *Volume }

func (s inodeStore) PutInode(b *model.InodeBlock) error {
	raw, err := s.v.codec.EncodeInodeBlock(b)
	if err != nil {
		return err
	}
	return s.v.store.Put(b.ID, raw)
}

func (s inodeStore) DeleteInode(id model.BlockID) error {
	return s.v.store.Delete(id)
}

func (s inodeStore) DeleteData(ids []model.BlockID) error {
	return s.v.store.Delete(ids...)
}
