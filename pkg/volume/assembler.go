package volume

import (
	"errors"
	"fmt"
	"sort"

	"github.com/i5heu/ouroboros-rdfs/pkg/erasure"
	"github.com/i5heu/ouroboros-rdfs/pkg/inode"
	"github.com/i5heu/ouroboros-rdfs/pkg/model"
	workerpool "github.com/i5heu/ouroboros-rdfs/pkg/workerPool"
	"github.com/sirupsen/logrus"
)

// Store writes data as the content of the regular file at path, creating
// it if needed. The content is encoded into symbols, each symbol is
// wrapped into a signed DataBlock at a freshly allocated id, and the file's
// pointer list is replaced in one step. Blocks of the previous content are
// freed once no inode references them.
//
// Either every DataBlock is allocated and persisted or none is.
func (v *Volume) Store(path string, data []byte) (model.BlockID, error) { // A
	done, err := v.begin()
	if err != nil {
		return 0, err
	}
	defer done()
	fileID, created, err := v.resolveOrCreate(path, model.TypeFile)
	if err != nil {
		return 0, err
	}
	if err := v.writeContent(fileID, data); err != nil {
		if created {
			v.undoCreate(path, err)
		}
		return 0, err
	}
	return fileID, nil
}

// Symlink creates a symlink at path whose content is target.
func (v *Volume) Symlink(target, path string) (model.BlockID, error) {
	done, err := v.begin()
	if err != nil {
		return 0, err
	}
	defer done()
	id, err := v.tree.Create(path, model.TypeSymlink)
	if err != nil {
		return 0, err
	}
	if err := v.writeContent(id, []byte(target)); err != nil {
		v.undoCreate(path, err)
		return 0, err
	}
	return id, nil
}

// Readlink returns the target of the symlink at path from local blocks.
func (v *Volume) Readlink(path string) (string, error) {
	done, err := v.begin()
	if err != nil {
		return "", err
	}
	defer done()

	node, err := v.statPath(path)
	if err != nil {
		return "", err
	}
	if node.Type != model.TypeSymlink {
		return "", fmt.Errorf("%w: %q is a %s", ErrNotSymlink, path, node.Type)
	}
	data, err := v.decode(node, v.localBlocks(node.Pointers))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (v *Volume) resolveOrCreate(path string, typ model.InodeType) (model.BlockID, bool, error) {
	id, err := v.tree.Resolve(path)
	switch {
	case err == nil:
		node, err := v.tree.Stat(id)
		if err != nil {
			return 0, false, err
		}
		if node.Type != typ {
			return 0, false, fmt.Errorf("%w: %q is a %s", ErrNotRegularFile, path, node.Type)
		}
		return id, false, nil
	case errors.Is(err, inode.ErrNotFound):
		id, err := v.tree.Create(path, typ)
		if errors.Is(err, inode.ErrAlreadyExists) {
			// lost a race against another Store of the same path
			return v.resolveOrCreate(path, typ)
		}
		return id, err == nil, err
	default:
		return 0, false, err
	}
}

func (v *Volume) undoCreate(path string, cause error) {
	if err := v.tree.Remove(path, false); err != nil {
		v.log.WithError(err).WithFields(logrus.Fields{
			"path":  path,
			"cause": cause.Error(),
		}).Error("volume: could not remove inode after failed write")
	}
}

// writeContent encodes data and links it to fileID.
func (v *Volume) writeContent(fileID model.BlockID, data []byte) error {
	unlock := v.lockFile(fileID)
	defer unlock()

	fragments, err := v.engine.Encode(data)
	if err != nil {
		return err
	}
	ids, err := v.persistFragments(fragments)
	if err != nil {
		return err
	}
	if err := v.tree.LinkData(fileID, ids, uint64(len(data))); err != nil {
		v.rollback(ids, err)
		return err
	}

	v.log.WithFields(logrus.Fields{
		"inode":   fileID,
		"bytes":   len(data),
		"symbols": len(ids),
	}).Debug("volume: stored content")
	return nil
}

// persistFragments allocates one id per fragment, wraps every fragment into
// a signed DataBlock and writes them in one batch. The returned ids are in
// the order of fragments.
func (v *Volume) persistFragments(fragments []model.Fragment) ([]model.BlockID, error) {
	if len(fragments) == 0 {
		return nil, nil
	}
	ids, err := v.alloc.AllocateN(len(fragments))
	if err != nil {
		return nil, fmt.Errorf("volume: allocate %d data blocks: %w", len(fragments), err)
	}

	now := v.now().UnixNano()
	encoded, err := workerpool.Map(v.pool, len(fragments), func(i int) ([]byte, error) {
		return v.codec.EncodeDataBlock(&model.DataBlock{
			ID:        ids[i],
			Timestamp: now,
			Payload:   fragments[i].Payload,
		})
	})
	if err != nil {
		v.rollback(ids, err)
		return nil, fmt.Errorf("volume: encode data blocks: %w", err)
	}

	batch := make(map[model.BlockID][]byte, len(ids))
	for i, id := range ids {
		batch[id] = encoded[i]
	}
	if err := v.store.PutBatch(batch); err != nil {
		v.rollback(ids, err)
		return nil, fmt.Errorf("volume: write data blocks: %w", err)
	}
	return ids, nil
}

// rollback undoes persistFragments.
func (v *Volume) rollback(ids []model.BlockID, cause error) {
	log := v.log.WithField("blocks", len(ids)).WithField("cause", cause.Error())
	if err := v.store.Delete(ids...); err != nil {
		log.WithError(err).Warn("volume: could not delete data blocks during rollback")
	}
	if err := v.alloc.FreeN(ids); err != nil {
		log.WithError(err).Error("volume: could not free data blocks during rollback")
	}
}

// Retrieve rebuilds the content of the file at path from available, a set
// of encoded DataBlocks keyed by id, for instance gathered from remote
// nodes. Blocks that fail verification or do not belong to the file are
// skipped. Fewer than k valid blocks for any source block yield
// ErrInsufficientFragments.
func (v *Volume) Retrieve(path string, available map[model.BlockID][]byte) ([]byte, error) { // A
	done, err := v.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	node, err := v.statContent(path)
	if err != nil {
		return nil, err
	}
	return v.decode(node, available)
}

// Read is Retrieve over the blocks held in the local store.
func (v *Volume) Read(path string) ([]byte, error) {
	done, err := v.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	node, err := v.statContent(path)
	if err != nil {
		return nil, err
	}
	return v.decode(node, v.localBlocks(node.Pointers))
}

func (v *Volume) statContent(path string) (*model.InodeBlock, error) {
	node, err := v.statPath(path)
	if err != nil {
		return nil, err
	}
	if node.IsDir() {
		return nil, fmt.Errorf("%w: %q", inode.ErrIsDirectory, path)
	}
	return node, nil
}

func (v *Volume) localBlocks(ids []model.BlockID) map[model.BlockID][]byte {
	out := make(map[model.BlockID][]byte, len(ids))
	for _, id := range ids {
		raw, err := v.store.Get(id)
		if err != nil {
			v.log.WithError(err).WithField("block", id).Debug("volume: local block unavailable")
			continue
		}
		out[id] = raw
	}
	return out
}

func (v *Volume) decode(node *model.InodeBlock, available map[model.BlockID][]byte) ([]byte, error) {
	fragments, err := v.validate(node, available)
	if err != nil {
		return nil, err
	}
	data, err := v.engine.Decode(fragments, node.Size)
	if err != nil {
		return nil, fmt.Errorf("volume: inode %d: %w", node.ID, err)
	}
	return data, nil
}

// validate turns the blocks of available that belong to node into
// fragments. Signatures are checked concurrently; invalid blocks are
// logged and dropped.
func (v *Volume) validate(node *model.InodeBlock, available map[model.BlockID][]byte) ([]model.Fragment, error) {
	positions := make(map[model.BlockID]int, len(node.Pointers))
	for pos, id := range node.Pointers {
		positions[id] = pos
	}

	ids := make([]model.BlockID, 0, len(available))
	for id := range available {
		if _, ok := positions[id]; !ok {
			v.log.WithFields(logrus.Fields{"inode": node.ID, "block": id}).
				Debug("volume: ignoring block outside the file")
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	S := v.engine.Params().SourceBlockCount(node.Size)
	results, err := workerpool.Map(v.pool, len(ids), func(i int) (*model.Fragment, error) {
		id := ids[i]
		db, err := v.verifyDataBlock(id, available[id])
		if err != nil {
			v.log.WithError(err).WithFields(logrus.Fields{
				"inode": node.ID,
				"block": id,
			}).Warn("volume: skipping invalid data block")
			return nil, nil
		}
		sbn, esi := erasure.FragmentAt(positions[id], S)
		return &model.Fragment{
			SourceBlock: sbn,
			Index:       esi,
			Threshold:   v.super.Threshold,
			Redundancy:  v.super.Redundancy,
			Payload:     db.Payload,
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("volume: verify data blocks: %w", err)
	}

	out := make([]model.Fragment, 0, len(results))
	for _, f := range results {
		if f != nil {
			out = append(out, *f)
		}
	}
	return out, nil
}

// VerifyDataBlock checks that raw is a DataBlock of this volume stored
// under id. It fits transport.Collector.Accept.
func (v *Volume) VerifyDataBlock(id model.BlockID, raw []byte) error {
	_, err := v.verifyDataBlock(id, raw)
	return err
}

func (v *Volume) verifyDataBlock(id model.BlockID, raw []byte) (*model.DataBlock, error) {
	db, err := v.codec.DecodeDataBlock(raw)
	if err != nil {
		return nil, err
	}
	if db.ID != id {
		return nil, fmt.Errorf("%w: block %d carries id %d", ErrForeignBlock, id, db.ID)
	}
	return db, nil
}

// GrowRedundancy adds additional repair symbols per source block to the
// file at path and appends their DataBlocks to its pointer list. The new
// symbols are computed from available, or from the local store when
// available is nil, and the new ids are returned.
func (v *Volume) GrowRedundancy(path string, additional int, available map[model.BlockID][]byte) ([]model.BlockID, error) { // A
	done, err := v.begin()
	if err != nil {
		return nil, err
	}
	defer done()
	if additional <= 0 {
		return nil, fmt.Errorf("%w: additional symbols %d", ErrInvalidConfig, additional)
	}
	id, err := v.tree.Resolve(path)
	if err != nil {
		return nil, err
	}
	unlock := v.lockFile(id)
	defer unlock()

	node, err := v.tree.Stat(id)
	if err != nil {
		return nil, err
	}
	if node.IsDir() {
		return nil, fmt.Errorf("%w: %q", inode.ErrIsDirectory, path)
	}
	S := v.engine.Params().SourceBlockCount(node.Size)
	if S == 0 {
		return nil, nil
	}
	if available == nil {
		available = v.localBlocks(node.Pointers)
	}

	fragments, err := v.validate(node, available)
	if err != nil {
		return nil, err
	}
	fromIndex := len(node.Pointers) / S
	repair, err := v.engine.Repair(fragments, node.Size, fromIndex, additional)
	if err != nil {
		return nil, fmt.Errorf("volume: inode %d: %w", id, err)
	}
	ids, err := v.persistFragments(repair)
	if err != nil {
		return nil, err
	}
	pointers := append(append([]model.BlockID(nil), node.Pointers...), ids...)
	if err := v.tree.LinkData(id, pointers, node.Size); err != nil {
		v.rollback(ids, err)
		return nil, err
	}

	v.log.WithFields(logrus.Fields{
		"inode":      id,
		"from_index": fromIndex,
		"added":      len(ids),
	}).Info("volume: grew redundancy")
	return ids, nil
}

// EncodedBlock is a DataBlock in its signed wire form.
type EncodedBlock struct {
	ID   model.BlockID
	Data []byte
}

// EncodedFragments returns the locally held DataBlocks of the file at path
// in pointer order, ready to be published. Blocks missing locally are left
// out.
func (v *Volume) EncodedFragments(path string) ([]EncodedBlock, error) {
	done, err := v.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	node, err := v.statContent(path)
	if err != nil {
		return nil, err
	}
	out := make([]EncodedBlock, 0, len(node.Pointers))
	for _, id := range node.Pointers {
		raw, err := v.store.Get(id)
		if err != nil {
			continue
		}
		out = append(out, EncodedBlock{ID: id, Data: raw})
	}
	return out, nil
}
