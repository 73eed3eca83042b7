package model

// Fragment is one coded symbol annotated with its role in the encoding.
//
// Fragments are never persisted as their own block type: on disk a
// fragment is the payload of a DataBlock, and its SourceBlock and Index are
// implied by the DataBlock's position in the owning inode's pointer list.
// The type exists so the coding engine can be used without a volume.
//
// # Source blocks
//
// Content larger than Threshold symbols is split into source blocks, each
// encoded on its own. SourceBlock selects the source block, Index the
// symbol inside it:
//
//   - Indices 0 to Threshold-1: source symbols (the content itself)
//   - Indices Threshold and above: repair symbols
//
// Any Threshold distinct fragments of the same source block rebuild it,
// whatever mix of source and repair symbols they are. Repair symbols issued
// later (erasure.Engine.Repair) combine freely with earlier ones.
//
// # Example
//
// For k=4 and Redundancy=3/4 one source block yields 7 fragments (indices
// 0-6). Any 4 of them reconstruct it; a later repair round can add indices
// 7, 8, ... without touching 0-6.
type Fragment struct {
	SourceBlock uint32
	Index       uint32

	// Threshold is k; Redundancy is the ratio the stripe was encoded with.
	Threshold  uint32
	Redundancy Ratio

	// Payload is one symbol. All fragments of a stripe share its length.
	Payload []byte
}

// IsRepair reports whether the fragment is a repair symbol.
func (f *Fragment) IsRepair() bool {
	return f.Index >= f.Threshold
}
