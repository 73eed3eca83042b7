package model

import "fmt"

// BlockID identifies a logical block inside a volume's address space
// [0, TotalBlocks). Blocks never reference each other through memory; every
// relation (parent, child, content) is a BlockID resolved through the
// volume's block table.
type BlockID uint64

// Reserved identifiers. They are marked allocated when a volume is
// formatted and are never handed out by the allocator afterwards.
const (
	SuperBlockID     BlockID = 0
	AddressesBlockID BlockID = 1
	BitmapsBlockID   BlockID = 2
	RootInodeID      BlockID = 3

	// FirstFreeID is the lowest identifier available for data and inodes.
	FirstFreeID BlockID = 4
)

// Kind is the closed tag of the block variant.
//
// The five block types are a tagged union rather than a type hierarchy:
// every dispatch on the kind of a block is a switch over Kind, which keeps
// decoding total and exhaustive.
type Kind uint8

const (
	KindSuper Kind = iota + 1
	KindAddresses
	KindBitmaps
	KindData
	KindInode
)

func (k Kind) String() string {
	switch k {
	case KindSuper:
		return "super"
	case KindAddresses:
		return "addresses"
	case KindBitmaps:
		return "bitmaps"
	case KindData:
		return "data"
	case KindInode:
		return "inode"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the known variants.
func (k Kind) Valid() bool {
	return k >= KindSuper && k <= KindInode
}

// Block is implemented by the five block types of a volume and nothing
// else. The unexported method seals the set.
type Block interface {
	Kind() Kind
	// SignatureBytes returns the block's signature field.
	SignatureBytes() []byte
	sealed()
}

func (*SuperBlock) sealed()     {}
func (*AddressesBlock) sealed() {}
func (*BitmapsBlock) sealed()   {}
func (*DataBlock) sealed()      {}
func (*InodeBlock) sealed()     {}

func (*SuperBlock) Kind() Kind     { return KindSuper }
func (*AddressesBlock) Kind() Kind { return KindAddresses }
func (*BitmapsBlock) Kind() Kind   { return KindBitmaps }
func (*DataBlock) Kind() Kind      { return KindData }
func (*InodeBlock) Kind() Kind     { return KindInode }

func (b *SuperBlock) SignatureBytes() []byte     { return b.Signature }
func (b *AddressesBlock) SignatureBytes() []byte { return b.Signature }
func (b *BitmapsBlock) SignatureBytes() []byte   { return b.Signature }
func (b *DataBlock) SignatureBytes() []byte      { return b.Signature }
func (b *InodeBlock) SignatureBytes() []byte     { return b.Signature }
