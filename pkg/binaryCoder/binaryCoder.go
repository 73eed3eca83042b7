// Package binaryCoder turns RDFS blocks into their exact on-disk byte
// layout and back.
//
// Every layout ends with a signature of N bytes covering all preceding
// bytes; N is fixed by the signature scheme recorded in the SuperBlock
// version. All integers are little-endian.
//
// Decoding always checks integrity before interpreting a single field:
//
//  1. the buffer is long enough to hold the fixed header and a signature
//     (ErrMalformedBlock);
//  2. the signature verifies over the preceding bytes (ErrCorrupted);
//  3. the structure parses: magic, declared lengths against the actual
//     length, type tags, bitmap counts (ErrMalformedBlock), UTF-32 code
//     points (ErrInvalidEncoding) and the layout version
//     (ErrVersionUnsupported).
//
// A flipped byte anywhere in an encoded block is therefore reported as
// ErrCorrupted or ErrMalformedBlock.
package binaryCoder

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-rdfs/pkg/model"
	"github.com/i5heu/ouroboros-rdfs/pkg/signature"
)

// ByteOrder is the byte order of every multi-byte integer in a volume.
var ByteOrder = binary.LittleEndian

var (
	ErrMalformedBlock     = errors.New("binaryCoder: malformed block")
	ErrCorrupted          = errors.New("binaryCoder: signature mismatch")
	ErrVersionUnsupported = errors.New("binaryCoder: unsupported version")
	ErrInvalidEncoding    = errors.New("binaryCoder: invalid UTF-32 code point")
	ErrReadOnly           = errors.New("binaryCoder: codec has no signer")
)

// Fixed header sizes, signature excluded.
const (
	superBlockSize      = 4 + 2 + 4 + 8 + 8 + 8 + 8 + 4 + 4 + 4
	addressesHeaderSize = 4
	bitmapsHeaderSize   = 8 + 8
	dataHeaderSize      = 8 + 8 + 4
	inodeFixedSize      = 8 + 1 + 4 + 8 + 8 + 8 + 8 + 4
)

// SymbolSize returns the payload capacity of a DataBlock of blockSize
// encoded bytes under scheme.
func SymbolSize(blockSize uint32, scheme signature.Scheme) (int, error) {
	n := scheme.Size()
	if n == 0 {
		return 0, fmt.Errorf("%w: signature scheme %d", ErrVersionUnsupported, uint8(scheme))
	}
	size := int(blockSize) - dataHeaderSize - n
	if size <= 0 {
		return 0, fmt.Errorf("binaryCoder: block size %d leaves no room for a payload", blockSize)
	}
	return size, nil
}

// DataBlockSize is the inverse of SymbolSize.
func DataBlockSize(symbolSize int, scheme signature.Scheme) int {
	return dataHeaderSize + symbolSize + scheme.Size()
}

// Option configures a Codec.
type Option func(*Codec)

// WithSigner lets the codec encode blocks. Without a signer the codec only
// decodes.
func WithSigner(s signature.Signer) Option {
	return func(c *Codec) { c.signer = s }
}

// WithSymbolSize makes DecodeDataBlock reject payloads of any other length.
func WithSymbolSize(n int) Option {
	return func(c *Codec) { c.symbolSize = n }
}

// Codec encodes and decodes the blocks of one volume.
type Codec struct {
	version    model.Version
	verifier   signature.Verifier
	signer     signature.Signer
	sigSize    int
	symbolSize int
}

// NewCodec builds a codec for volumes of the given version. The version's
// scheme must match the verifier's.
func NewCodec(version model.Version, verifier signature.Verifier, opts ...Option) (*Codec, error) {
	if verifier == nil {
		return nil, errors.New("binaryCoder: verifier is required")
	}
	if err := checkVersion(version, verifier.Scheme()); err != nil {
		return nil, err
	}
	c := &Codec{
		version:  version,
		verifier: verifier,
		sigSize:  verifier.Scheme().Size(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.signer != nil && c.signer.Scheme() != verifier.Scheme() {
		return nil, fmt.Errorf("%w: signer scheme %s, verifier scheme %s",
			ErrVersionUnsupported, c.signer.Scheme(), verifier.Scheme())
	}
	return c, nil
}

// NewSigningCodec is NewCodec with signer as both signer and verifier.
func NewSigningCodec(version model.Version, signer signature.Signer, opts ...Option) (*Codec, error) {
	return NewCodec(version, signer, append([]Option{WithSigner(signer)}, opts...)...)
}

func checkVersion(version model.Version, scheme signature.Scheme) error {
	if version.Revision() != model.FormatRevision {
		return fmt.Errorf("%w: layout revision %d", ErrVersionUnsupported, version.Revision())
	}
	if signature.Scheme(version.Scheme()) != scheme {
		return fmt.Errorf("%w: volume scheme %d, verifier scheme %s",
			ErrVersionUnsupported, version.Scheme(), scheme)
	}
	return nil
}

// Version returns the volume version the codec was built for.
func (c *Codec) Version() model.Version { return c.version }

// SignatureSize returns N.
func (c *Codec) SignatureSize() int { return c.sigSize }

// CanSign reports whether the codec has a signer.
func (c *Codec) CanSign() bool { return c.signer != nil }

// Encode dispatches on the block kind. The block's Signature field is
// replaced by the freshly computed signature.
func (c *Codec) Encode(b model.Block) ([]byte, error) {
	switch blk := b.(type) {
	case *model.SuperBlock:
		return c.EncodeSuperBlock(blk)
	case *model.AddressesBlock:
		return c.EncodeAddressesBlock(blk)
	case *model.BitmapsBlock:
		return c.EncodeBitmapsBlock(blk)
	case *model.DataBlock:
		return c.EncodeDataBlock(blk)
	case *model.InodeBlock:
		return c.EncodeInodeBlock(blk)
	default:
		return nil, fmt.Errorf("binaryCoder: unsupported block type %T", b)
	}
}

// Decode parses data as a block of the given kind.
func (c *Codec) Decode(kind model.Kind, data []byte) (model.Block, error) {
	switch kind {
	case model.KindSuper:
		return c.DecodeSuperBlock(data)
	case model.KindAddresses:
		return c.DecodeAddressesBlock(data)
	case model.KindBitmaps:
		return c.DecodeBitmapsBlock(data)
	case model.KindData:
		return c.DecodeDataBlock(data)
	case model.KindInode:
		return c.DecodeInodeBlock(data)
	default:
		return nil, fmt.Errorf("%w: unknown block kind %s", ErrMalformedBlock, kind)
	}
}

// seal appends the signature over body and returns the complete encoding
// together with a copy of the signature.
func (c *Codec) seal(body []byte) ([]byte, []byte, error) {
	if c.signer == nil {
		return nil, nil, ErrReadOnly
	}
	sig, err := c.signer.Sign(body)
	if err != nil {
		return nil, nil, fmt.Errorf("binaryCoder: sign: %w", err)
	}
	if len(sig) != c.sigSize {
		return nil, nil, fmt.Errorf("binaryCoder: signer produced %d bytes, want %d", len(sig), c.sigSize)
	}
	return append(body, sig...), append([]byte(nil), sig...), nil
}

// open checks the minimum length and the signature and returns the signed
// body and a copy of the signature.
func open(v signature.Verifier, data []byte, minBody int) ([]byte, []byte, error) {
	n := v.Scheme().Size()
	if len(data) < minBody+n {
		return nil, nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedBlock, len(data), minBody+n)
	}
	body, sig := data[:len(data)-n], data[len(data)-n:]
	if !v.Verify(body, sig) {
		return nil, nil, ErrCorrupted
	}
	return body, append([]byte(nil), sig...), nil
}

// reader walks a signed body. Reads past the end set short and return
// zero values; callers check short once per field group.
type reader struct {
	buf   []byte
	off   int
	short bool
}

func (r *reader) next(n int) []byte {
	if r.short || n < 0 || len(r.buf)-r.off < n {
		r.short = true
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	if b := r.next(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.next(2); b != nil {
		return ByteOrder.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.next(4); b != nil {
		return ByteOrder.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.next(8); b != nil {
		return ByteOrder.Uint64(b)
	}
	return 0
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

// bytes copies n bytes. Zero length yields nil.
func (r *reader) bytes(n int) []byte {
	b := r.next(n)
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrMalformedBlock}, args...)...)
}
