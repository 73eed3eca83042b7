package model

// DataBlock carries one coded symbol of a file.
//
// The signature covers the identifier, the timestamp and the payload, so a
// DataBlock cannot be replayed under another identifier: its position in
// the owning inode's pointer list, and therefore its symbol index, is bound
// to the signed ID.
type DataBlock struct {
	ID BlockID

	// Timestamp is the creation time in unix nanoseconds.
	Timestamp int64

	// Payload is exactly one symbol; its length equals the volume's symbol
	// size.
	Payload []byte

	Signature []byte
}
