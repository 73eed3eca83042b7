package volume

import (
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-rdfs/pkg/model"
)

// Check verifies the volume: the inode tree invariants, that every block
// the tree references is allocated, and that no allocated block is
// unreferenced. Open frees blocks leaked by a crash, so on an open volume
// leaks point at a bug.
func (v *Volume) Check() error {
	done, err := v.begin()
	if err != nil {
		return err
	}
	defer done()

	var errs []error
	if err := v.tree.Check(); err != nil {
		errs = append(errs, err)
	}

	S := v.engine.Params().SourceBlockCount
	used, err := v.referenced(func(path string, node *model.InodeBlock) {
		if node.IsDir() {
			return
		}
		if s := S(node.Size); s > 0 && (len(node.Pointers)%s != 0 || len(node.Pointers)/s < int(v.super.Threshold)) {
			errs = append(errs, fmt.Errorf("volume: %s has %d blocks for %d source blocks", path, len(node.Pointers), s))
		}
	})
	if err != nil {
		errs = append(errs, err)
	}

	bm := v.alloc.Snapshot()
	var leaked int
	for id := model.BlockID(0); uint64(id) < bm.BitCount; id++ {
		if _, ok := used[id]; !ok && bm.Bits[id/8]&(1<<(id%8)) != 0 {
			leaked++
		}
	}
	if leaked > 0 {
		errs = append(errs, fmt.Errorf("volume: %d allocated blocks are not referenced", leaked))
	}
	if allocated := bm.BitCount - bm.FreeCount; allocated < uint64(len(used)) {
		errs = append(errs, fmt.Errorf("volume: %d blocks referenced, %d allocated", len(used), allocated))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInconsistent, errors.Join(errs...))
}

// referenced returns the reserved blocks, every inode reachable from the
// root and every DataBlock those inodes point at. visit, when set, sees
// each inode once per path.
func (v *Volume) referenced(visit func(path string, node *model.InodeBlock)) (map[model.BlockID]struct{}, error) {
	used := map[model.BlockID]struct{}{
		model.SuperBlockID:     {},
		model.AddressesBlockID: {},
		model.BitmapsBlockID:   {},
		model.RootInodeID:      {},
	}
	err := v.walk(v.tree.Root(), "", func(path string, node *model.InodeBlock) error {
		used[node.ID] = struct{}{}
		for _, p := range node.Pointers {
			used[p] = struct{}{}
		}
		if visit != nil {
			visit(path, node)
		}
		return nil
	})
	return used, err
}
