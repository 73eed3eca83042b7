package binaryCoder

import (
	"bytes"
	"fmt"
	"math/bits"
	"unicode/utf8"

	"github.com/i5heu/ouroboros-rdfs/pkg/model"
	"github.com/i5heu/ouroboros-rdfs/pkg/signature"
)

// EncodeSuperBlock writes
// [magic:4][version:2][block_size:4][total_blocks:8][root_inode_id:8]
// [addresses_block_id:8][bitmaps_block_id:8][redundancy_num:4]
// [redundancy_den:4][threshold_k:4][signature:N].
func (c *Codec) EncodeSuperBlock(b *model.SuperBlock) ([]byte, error) {
	if err := checkVersion(b.Version, c.verifier.Scheme()); err != nil {
		return nil, err
	}
	if !b.Redundancy.Valid() || b.Threshold == 0 {
		return nil, malformed("super block coding parameters k=%d r=%s", b.Threshold, b.Redundancy)
	}

	buf := make([]byte, 0, superBlockSize+c.sigSize)
	buf = append(buf, model.Magic[:]...)
	buf = ByteOrder.AppendUint16(buf, uint16(b.Version))
	buf = ByteOrder.AppendUint32(buf, b.BlockSize)
	buf = ByteOrder.AppendUint64(buf, b.TotalBlocks)
	buf = ByteOrder.AppendUint64(buf, uint64(b.RootInode))
	buf = ByteOrder.AppendUint64(buf, uint64(b.AddressesBlock))
	buf = ByteOrder.AppendUint64(buf, uint64(b.BitmapsBlock))
	buf = ByteOrder.AppendUint32(buf, b.Redundancy.Num)
	buf = ByteOrder.AppendUint32(buf, b.Redundancy.Den)
	buf = ByteOrder.AppendUint32(buf, b.Threshold)

	out, sig, err := c.seal(buf)
	if err != nil {
		return nil, err
	}
	b.Signature = sig
	return out, nil
}

// DecodeSuperBlock decodes with the codec's verifier and additionally
// requires the block to carry the codec's version.
func (c *Codec) DecodeSuperBlock(data []byte) (*model.SuperBlock, error) {
	sb, err := DecodeSuperBlock(data, c.verifier)
	if err != nil {
		return nil, err
	}
	if sb.Version != c.version {
		return nil, fmt.Errorf("%w: super block version %#04x, codec version %#04x",
			ErrVersionUnsupported, uint16(sb.Version), uint16(c.version))
	}
	return sb, nil
}

// DecodeSuperBlock parses a SuperBlock before any codec exists: it is the
// block that tells a reader which codec to build.
func DecodeSuperBlock(data []byte, v signature.Verifier) (*model.SuperBlock, error) {
	if len(data) != superBlockSize+v.Scheme().Size() {
		return nil, malformed("super block has %d bytes, want %d", len(data), superBlockSize+v.Scheme().Size())
	}
	body, sig, err := open(v, data, superBlockSize)
	if err != nil {
		return nil, err
	}

	r := &reader{buf: body}
	if !bytes.Equal(r.next(4), model.Magic[:]) {
		return nil, malformed("bad magic")
	}
	sb := &model.SuperBlock{
		Version:        model.Version(r.u16()),
		BlockSize:      r.u32(),
		TotalBlocks:    r.u64(),
		RootInode:      model.BlockID(r.u64()),
		AddressesBlock: model.BlockID(r.u64()),
		BitmapsBlock:   model.BlockID(r.u64()),
		Redundancy:     model.Ratio{Num: r.u32(), Den: r.u32()},
		Threshold:      r.u32(),
		Signature:      sig,
	}
	if r.short {
		return nil, malformed("truncated super block")
	}
	if err := checkVersion(sb.Version, v.Scheme()); err != nil {
		return nil, err
	}
	if !sb.Redundancy.Valid() || sb.Threshold == 0 {
		return nil, malformed("super block coding parameters k=%d r=%s", sb.Threshold, sb.Redundancy)
	}
	return sb, nil
}

// EncodeAddressesBlock writes [count:4]([len:4][address])*[signature:N].
func (c *Codec) EncodeAddressesBlock(b *model.AddressesBlock) ([]byte, error) {
	size := addressesHeaderSize
	for i, a := range b.Addresses {
		if len(a) == 0 {
			return nil, malformed("address %d is empty", i)
		}
		for j := 0; j < i; j++ {
			if a.Equal(b.Addresses[j]) {
				return nil, malformed("address %d duplicates address %d", i, j)
			}
		}
		size += 4 + len(a)
	}

	buf := make([]byte, 0, size+c.sigSize)
	buf = ByteOrder.AppendUint32(buf, uint32(len(b.Addresses)))
	for _, a := range b.Addresses {
		buf = ByteOrder.AppendUint32(buf, uint32(len(a)))
		buf = append(buf, a...)
	}

	out, sig, err := c.seal(buf)
	if err != nil {
		return nil, err
	}
	b.Signature = sig
	return out, nil
}

// DecodeAddressesBlock parses an AddressesBlock. Duplicate or empty
// addresses are malformed.
func (c *Codec) DecodeAddressesBlock(data []byte) (*model.AddressesBlock, error) {
	body, sig, err := open(c.verifier, data, addressesHeaderSize)
	if err != nil {
		return nil, err
	}

	r := &reader{buf: body}
	count := r.u32()
	// Every address needs at least its length prefix and one byte.
	if uint64(count)*5 > uint64(r.remaining()) {
		return nil, malformed("address count %d exceeds block length", count)
	}

	var addrs []model.Address
	seen := make(map[string]struct{}, count)
	for i := uint32(0); i < count; i++ {
		n := r.u32()
		if r.short || uint64(n) > uint64(r.remaining()) {
			return nil, malformed("address %d overruns block", i)
		}
		if n == 0 {
			return nil, malformed("address %d is empty", i)
		}
		a := model.Address(r.bytes(int(n)))
		if _, dup := seen[string(a)]; dup {
			return nil, malformed("address %d is a duplicate", i)
		}
		seen[string(a)] = struct{}{}
		addrs = append(addrs, a)
	}
	if r.remaining() != 0 {
		return nil, malformed("%d trailing bytes after addresses", r.remaining())
	}
	return &model.AddressesBlock{Addresses: addrs, Signature: sig}, nil
}

// EncodeBitmapsBlock writes [bit_count:8][free_count:8][bits][signature:N].
func (c *Codec) EncodeBitmapsBlock(b *model.BitmapsBlock) ([]byte, error) {
	if err := checkBitmap(b.BitCount, b.FreeCount, b.Bits); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, bitmapsHeaderSize+len(b.Bits)+c.sigSize)
	buf = ByteOrder.AppendUint64(buf, b.BitCount)
	buf = ByteOrder.AppendUint64(buf, b.FreeCount)
	buf = append(buf, b.Bits...)

	out, sig, err := c.seal(buf)
	if err != nil {
		return nil, err
	}
	b.Signature = sig
	return out, nil
}

// DecodeBitmapsBlock parses a BitmapsBlock and checks that free_count
// matches the cleared bits.
func (c *Codec) DecodeBitmapsBlock(data []byte) (*model.BitmapsBlock, error) {
	body, sig, err := open(c.verifier, data, bitmapsHeaderSize)
	if err != nil {
		return nil, err
	}

	r := &reader{buf: body}
	bitCount := r.u64()
	freeCount := r.u64()
	if model.BitmapLen(bitCount) != uint64(r.remaining()) {
		return nil, malformed("bitmap of %d bits needs %d bytes, block has %d",
			bitCount, model.BitmapLen(bitCount), r.remaining())
	}
	bm := r.bytes(r.remaining())
	if err := checkBitmap(bitCount, freeCount, bm); err != nil {
		return nil, err
	}
	return &model.BitmapsBlock{
		BitCount:  bitCount,
		FreeCount: freeCount,
		Bits:      bm,
		Signature: sig,
	}, nil
}

func checkBitmap(bitCount, freeCount uint64, bm []byte) error {
	if uint64(len(bm)) != model.BitmapLen(bitCount) {
		return malformed("bitmap of %d bits has %d bytes", bitCount, len(bm))
	}
	if rem := bitCount % 8; rem != 0 && bm[len(bm)-1]>>rem != 0 {
		return malformed("bits set past bit_count")
	}
	var set uint64
	for _, v := range bm {
		set += uint64(bits.OnesCount8(v))
	}
	if bitCount-set != freeCount {
		return malformed("free_count %d, bitmap has %d cleared bits", freeCount, bitCount-set)
	}
	return nil
}

// EncodeDataBlock writes [id:8][timestamp:8][payload_len:4][payload][signature:N].
func (c *Codec) EncodeDataBlock(b *model.DataBlock) ([]byte, error) {
	if c.symbolSize > 0 && len(b.Payload) != c.symbolSize {
		return nil, malformed("payload has %d bytes, symbol size is %d", len(b.Payload), c.symbolSize)
	}

	buf := make([]byte, 0, dataHeaderSize+len(b.Payload)+c.sigSize)
	buf = ByteOrder.AppendUint64(buf, uint64(b.ID))
	buf = ByteOrder.AppendUint64(buf, uint64(b.Timestamp))
	buf = ByteOrder.AppendUint32(buf, uint32(len(b.Payload)))
	buf = append(buf, b.Payload...)

	out, sig, err := c.seal(buf)
	if err != nil {
		return nil, err
	}
	b.Signature = sig
	return out, nil
}

// DecodeDataBlock parses a DataBlock. The declared payload length must
// match the bytes present and, when configured, the volume symbol size.
func (c *Codec) DecodeDataBlock(data []byte) (*model.DataBlock, error) {
	body, sig, err := open(c.verifier, data, dataHeaderSize)
	if err != nil {
		return nil, err
	}

	r := &reader{buf: body}
	b := &model.DataBlock{
		ID:        model.BlockID(r.u64()),
		Timestamp: int64(r.u64()),
		Signature: sig,
	}
	n := r.u32()
	if uint64(n) != uint64(r.remaining()) {
		return nil, malformed("payload_len %d, %d payload bytes present", n, r.remaining())
	}
	if c.symbolSize > 0 && int(n) != c.symbolSize {
		return nil, malformed("payload has %d bytes, symbol size is %d", n, c.symbolSize)
	}
	b.Payload = r.bytes(int(n))
	return b, nil
}

// EncodeInodeBlock writes
// [id:8][type_tag:1][name_len:4][name:4*name_len][size:8][ctime:8]
// [mtime:8][parent_id:8][pointer_count:4][pointer:8]*[signature:N].
func (c *Codec) EncodeInodeBlock(b *model.InodeBlock) ([]byte, error) {
	if !b.Type.Valid() {
		return nil, malformed("inode type tag %d", uint8(b.Type))
	}
	name, err := EncodeName(b.Name)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, inodeFixedSize+4*len(name)+8*len(b.Pointers)+c.sigSize)
	buf = ByteOrder.AppendUint64(buf, uint64(b.ID))
	buf = append(buf, byte(b.Type))
	buf = ByteOrder.AppendUint32(buf, uint32(len(name)))
	for _, cp := range name {
		buf = ByteOrder.AppendUint32(buf, cp)
	}
	buf = ByteOrder.AppendUint64(buf, b.Size)
	buf = ByteOrder.AppendUint64(buf, uint64(b.Created))
	buf = ByteOrder.AppendUint64(buf, uint64(b.Modified))
	buf = ByteOrder.AppendUint64(buf, uint64(b.Parent))
	buf = ByteOrder.AppendUint32(buf, uint32(len(b.Pointers)))
	for _, p := range b.Pointers {
		buf = ByteOrder.AppendUint64(buf, uint64(p))
	}

	out, sig, err := c.seal(buf)
	if err != nil {
		return nil, err
	}
	b.Signature = sig
	return out, nil
}

// DecodeInodeBlock parses an InodeBlock.
func (c *Codec) DecodeInodeBlock(data []byte) (*model.InodeBlock, error) {
	body, sig, err := open(c.verifier, data, inodeFixedSize)
	if err != nil {
		return nil, err
	}

	r := &reader{buf: body}
	b := &model.InodeBlock{
		ID:        model.BlockID(r.u64()),
		Type:      model.InodeType(r.u8()),
		Signature: sig,
	}
	if !b.Type.Valid() {
		return nil, malformed("inode type tag %d", uint8(b.Type))
	}

	nameLen := r.u32()
	if nameLen > model.MaxNameLength {
		return nil, malformed("name_len %d exceeds %d", nameLen, model.MaxNameLength)
	}
	if uint64(nameLen)*4 > uint64(r.remaining()) {
		return nil, malformed("name_len %d overruns block", nameLen)
	}
	name := make([]uint32, nameLen)
	for i := range name {
		name[i] = r.u32()
	}
	if b.Name, err = DecodeName(name); err != nil {
		return nil, err
	}

	b.Size = r.u64()
	b.Created = int64(r.u64())
	b.Modified = int64(r.u64())
	b.Parent = model.BlockID(r.u64())
	count := r.u32()
	if r.short {
		return nil, malformed("truncated inode header")
	}
	if uint64(count)*8 != uint64(r.remaining()) {
		return nil, malformed("pointer_count %d, %d pointer bytes present", count, r.remaining())
	}
	if count > 0 {
		b.Pointers = make([]model.BlockID, count)
		for i := range b.Pointers {
			b.Pointers[i] = model.BlockID(r.u64())
		}
	}
	return b, nil
}

// EncodeName converts a name to UTF-32 code points.
func EncodeName(name string) ([]uint32, error) {
	if !utf8.ValidString(name) {
		return nil, fmt.Errorf("%w: name is not valid UTF-8", ErrInvalidEncoding)
	}
	cps := make([]uint32, 0, utf8.RuneCountInString(name))
	for _, r := range name {
		cps = append(cps, uint32(r))
	}
	if len(cps) > model.MaxNameLength {
		return nil, malformed("name has %d code points, limit %d", len(cps), model.MaxNameLength)
	}
	return cps, nil
}

// DecodeName converts UTF-32 code points to a string. Surrogates and values
// above U+10FFFF are rejected.
func DecodeName(cps []uint32) (string, error) {
	var sb bytes.Buffer
	sb.Grow(len(cps))
	for i, cp := range cps {
		if cp > utf8.MaxRune || (cp >= 0xD800 && cp <= 0xDFFF) {
			return "", fmt.Errorf("%w: %#x at position %d", ErrInvalidEncoding, cp, i)
		}
		sb.WriteRune(rune(cp))
	}
	return sb.String(), nil
}
