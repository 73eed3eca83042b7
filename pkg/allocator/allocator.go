// Package allocator tracks which logical blocks of a volume are in use.
//
// The allocator is the only mutator of a volume's allocation bitmap. All
// calls serialize through one mutex, so no two Allocate calls can return
// the same identifier and no Free can race an Allocate of the same id.
package allocator

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/i5heu/ouroboros-rdfs/pkg/model"
)

var (
	ErrOutOfSpace      = errors.New("allocator: out of space")
	ErrDoubleFree      = errors.New("allocator: block is already free")
	ErrDoubleAllocate  = errors.New("allocator: block is already allocated")
	ErrOutOfRange      = errors.New("allocator: block id outside address space")
	ErrInvalidSnapshot = errors.New("allocator: inconsistent bitmap")
)

// Allocator is a bitmap allocator over [0, total).
type Allocator struct {
	mu    sync.Mutex
	bits  []byte
	total uint64
	free  uint64
	hint  uint64
}

// New returns an allocator with every block free.
func New(total uint64) *Allocator {
	return &Allocator{
		bits:  make([]byte, model.BitmapLen(total)),
		total: total,
		free:  total,
	}
}

// FromBitmaps rebuilds an allocator from a decoded BitmapsBlock. The free
// count is recomputed from the bits and must agree with the stored one.
func FromBitmaps(b *model.BitmapsBlock) (*Allocator, error) {
	if uint64(len(b.Bits)) != model.BitmapLen(b.BitCount) {
		return nil, fmt.Errorf("%w: %d bits in %d bytes", ErrInvalidSnapshot, b.BitCount, len(b.Bits))
	}
	a := &Allocator{
		bits:  append(make([]byte, 0, len(b.Bits)), b.Bits...),
		total: b.BitCount,
	}
	var set uint64
	for _, v := range a.bits {
		set += uint64(bits.OnesCount8(v))
	}
	if set > a.total || a.total-set != b.FreeCount {
		return nil, fmt.Errorf("%w: free_count %d, %d bits set of %d",
			ErrInvalidSnapshot, b.FreeCount, set, a.total)
	}
	a.free = b.FreeCount
	return a, nil
}

// Allocate returns the lowest free id at or after the rotating hint,
// wrapping around once.
func (a *Allocator) Allocate() (model.BlockID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.allocate()
}

// AllocateN returns n ids or none at all.
func (a *Allocator) AllocateN(n int) ([]model.BlockID, error) {
	if n < 0 {
		return nil, fmt.Errorf("allocator: negative count %d", n)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if uint64(n) > a.free {
		return nil, fmt.Errorf("%w: need %d blocks, %d free", ErrOutOfSpace, n, a.free)
	}
	ids := make([]model.BlockID, 0, n)
	for i := 0; i < n; i++ {
		id, err := a.allocate()
		if err != nil {
			// free was checked above; reaching this means the bitmap is broken
			for _, got := range ids {
				a.clear(uint64(got))
			}
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (a *Allocator) allocate() (model.BlockID, error) {
	if a.free == 0 {
		return 0, ErrOutOfSpace
	}
	for scanned := uint64(0); scanned < a.total; {
		i := (a.hint + scanned) % a.total
		// skip full bytes
		if i%8 == 0 && a.bits[i/8] == 0xFF && scanned+8 <= a.total {
			scanned += 8
			continue
		}
		if !a.test(i) {
			a.set(i)
			a.hint = (i + 1) % a.total
			return model.BlockID(i), nil
		}
		scanned++
	}
	return 0, fmt.Errorf("%w: free count %d but no clear bit", ErrInvalidSnapshot, a.free)
}

// Free releases id.
func (a *Allocator) Free(id model.BlockID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkFree(id); err != nil {
		return err
	}
	a.clear(uint64(id))
	return nil
}

// FreeN releases every id, or none if any of them is out of range,
// already free, or listed twice.
func (a *Allocator) FreeN(ids []model.BlockID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	seen := make(map[model.BlockID]struct{}, len(ids))
	for _, id := range ids {
		if err := a.checkFree(id); err != nil {
			return err
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: id %d listed twice", ErrDoubleFree, id)
		}
		seen[id] = struct{}{}
	}
	for _, id := range ids {
		a.clear(uint64(id))
	}
	return nil
}

func (a *Allocator) checkFree(id model.BlockID) error {
	if uint64(id) >= a.total {
		return fmt.Errorf("%w: id %d, total %d", ErrOutOfRange, id, a.total)
	}
	if !a.test(uint64(id)) {
		return fmt.Errorf("%w: id %d", ErrDoubleFree, id)
	}
	return nil
}

// MarkAllocated sets the bit of a specific id. It is used for reserved ids
// at format time.
func (a *Allocator) MarkAllocated(id model.BlockID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if uint64(id) >= a.total {
		return fmt.Errorf("%w: id %d, total %d", ErrOutOfRange, id, a.total)
	}
	if a.test(uint64(id)) {
		return fmt.Errorf("%w: id %d", ErrDoubleAllocate, id)
	}
	a.set(uint64(id))
	return nil
}

// IsAllocated reports whether id is in use. Ids outside the address space
// are never allocated.
func (a *Allocator) IsAllocated(id model.BlockID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return uint64(id) < a.total && a.test(uint64(id))
}

// FreeCount returns the number of free blocks.
func (a *Allocator) FreeCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.free
}

// Total returns the size of the address space.
func (a *Allocator) Total() uint64 { return a.total }

// Snapshot copies the current state into an unsigned BitmapsBlock.
func (a *Allocator) Snapshot() *model.BitmapsBlock {
	a.mu.Lock()
	defer a.mu.Unlock()

	b := &model.BitmapsBlock{BitCount: a.total, FreeCount: a.free}
	if len(a.bits) > 0 {
		b.Bits = append([]byte(nil), a.bits...)
	}
	return b
}

func (a *Allocator) test(i uint64) bool { return a.bits[i/8]&(1<<(i%8)) != 0 }

func (a *Allocator) set(i uint64) {
	a.bits[i/8] |= 1 << (i % 8)
	a.free--
}

func (a *Allocator) clear(i uint64) {
	a.bits[i/8] &^= 1 << (i % 8)
	a.free++
}
