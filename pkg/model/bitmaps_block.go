package model

// BitmapsBlock is the persisted allocation map of a volume: one bit per
// logical block, least significant bit first inside each byte.
//
// Bit i set means block i is allocated and FreeCount equals the number of
// cleared bits among the first BitCount bits. Only the allocator mutates
// the live bitmap; this type is its serialized snapshot.
type BitmapsBlock struct {
	BitCount  uint64
	FreeCount uint64
	Bits      []byte
	Signature []byte
}

// BitmapLen returns the number of bytes needed for bitCount bits.
func BitmapLen(bitCount uint64) uint64 {
	return (bitCount + 7) / 8
}
