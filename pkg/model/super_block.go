package model

// Magic identifies an RDFS volume. It is the first four bytes of every
// encoded SuperBlock.
var Magic = [4]byte{'R', 'D', 'F', 'S'}

// FormatRevision is the only on-disk layout revision this module reads and
// writes.
const FormatRevision uint8 = 1

// Version packs the format revision (low byte) and the signature scheme id
// (high byte). The scheme fixes the signature length of every block in the
// volume, so a reader learns N from the SuperBlock alone.
type Version uint16

// NewVersion builds a Version from a layout revision and scheme id.
func NewVersion(revision uint8, scheme uint8) Version {
	return Version(uint16(scheme)<<8 | uint16(revision))
}

// Revision returns the layout revision.
func (v Version) Revision() uint8 { return uint8(v) }

// Scheme returns the signature scheme id.
func (v Version) Scheme() uint8 { return uint8(v >> 8) }

// SuperBlock anchors a volume. There is exactly one per volume and it is
// stored at SuperBlockID.
//
// # Coding parameters
//
// Threshold is the decoding threshold k: the number of distinct valid
// symbols needed to rebuild one source block. Redundancy is measured over
// k, so every source block is encoded into
//
//	n = k + ceil(k * Redundancy)
//
// symbols. With k=10 and Redundancy=1/2 a source block yields 15 symbols and
// survives the loss of any 5.
//
// # Symbol size
//
// DataBlocks have a fixed encoded size of BlockSize bytes; the symbol
// carried by each DataBlock is therefore BlockSize minus the DataBlock
// header and signature (see binaryCoder.SymbolSize).
type SuperBlock struct {
	Version Version

	// BlockSize is the encoded size of a DataBlock in bytes.
	BlockSize uint32

	// TotalBlocks is the size of the logical address space.
	TotalBlocks uint64

	RootInode      BlockID
	AddressesBlock BlockID
	BitmapsBlock   BlockID

	Redundancy Ratio
	Threshold  uint32

	Signature []byte
}
