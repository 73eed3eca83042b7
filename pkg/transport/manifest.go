package transport

import (
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-rdfs/pkg/codec"
	"github.com/i5heu/ouroboros-rdfs/pkg/model"
)

var ErrInvalidManifest = errors.New("transport: invalid manifest")

// Manifest describes one file well enough for a remote node to gather its
// fragments: the ordered DataBlock ids and the coding parameters.
type Manifest struct {
	Version    model.Version   `cbor:"1,keyasint"`
	Inode      model.BlockID   `cbor:"2,keyasint"`
	Size       uint64          `cbor:"3,keyasint"`
	Threshold  uint32          `cbor:"4,keyasint"`
	Redundancy [2]uint32       `cbor:"5,keyasint"`
	SymbolSize uint32          `cbor:"6,keyasint"`
	Blocks     []model.BlockID `cbor:"7,keyasint"`
}

// SourceBlocks returns S, the number of source blocks of the file.
func (m *Manifest) SourceBlocks() int {
	per := uint64(m.Threshold) * uint64(m.SymbolSize)
	if per == 0 {
		return 0
	}
	return int((m.Size + per - 1) / per)
}

// SourceBlockOf returns the source block of the i-th listed block.
func (m *Manifest) SourceBlockOf(i int) int {
	return i % m.SourceBlocks()
}

// Validate checks the manifest is self-consistent.
func (m *Manifest) Validate() error {
	if m.Threshold == 0 || m.SymbolSize == 0 || m.Redundancy[1] == 0 {
		return fmt.Errorf("%w: coding parameters k=%d symbol=%d r=%d/%d",
			ErrInvalidManifest, m.Threshold, m.SymbolSize, m.Redundancy[0], m.Redundancy[1])
	}
	S := m.SourceBlocks()
	if S == 0 {
		if len(m.Blocks) != 0 {
			return fmt.Errorf("%w: empty file lists %d blocks", ErrInvalidManifest, len(m.Blocks))
		}
		return nil
	}
	if len(m.Blocks)%S != 0 || len(m.Blocks)/S < int(m.Threshold) {
		return fmt.Errorf("%w: %d blocks for %d source blocks of k=%d",
			ErrInvalidManifest, len(m.Blocks), S, m.Threshold)
	}
	return nil
}

// MarshalManifest encodes m as deterministic CBOR.
func MarshalManifest(m *Manifest) ([]byte, error) {
	data, err := codec.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("transport: encode manifest: %w", err)
	}
	return data, nil
}

// UnmarshalManifest decodes and validates a manifest.
func UnmarshalManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := codec.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
