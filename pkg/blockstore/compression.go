package blockstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz/lzma"
)

// Compression selects how values are stored on disk. The first byte of
// every stored value records the compression it was written with, so the
// setting can change between runs.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionLZMA
)

var ErrUnknownCompression = errors.New("blockstore: unknown compression")

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZMA:
		return "lzma"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression maps a configuration name to a Compression.
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lzma", "xz":
		return CompressionLZMA, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCompression, name)
	}
}

type compressor struct {
	kind Compression
	enc  *zstd.Encoder
	dec  *zstd.Decoder
}

func newCompressor(kind Compression) (*compressor, error) {
	c := &compressor{kind: kind}
	var err error
	if c.enc, err = zstd.NewWriter(nil); err != nil {
		return nil, fmt.Errorf("blockstore: zstd writer: %w", err)
	}
	if c.dec, err = zstd.NewReader(nil); err != nil {
		_ = c.enc.Close()
		return nil, fmt.Errorf("blockstore: zstd reader: %w", err)
	}
	return c, nil
}

func (c *compressor) close() {
	_ = c.enc.Close()
	c.dec.Close()
}

// pack prefixes the compression tag. Values that do not shrink are
// stored raw.
func (c *compressor) pack(data []byte) ([]byte, error) {
	var out []byte
	switch c.kind {
	case CompressionNone:
	case CompressionZstd:
		out = c.enc.EncodeAll(data, []byte{byte(CompressionZstd)})
	case CompressionLZMA:
		var buf bytes.Buffer
		buf.WriteByte(byte(CompressionLZMA))
		w, err := lzma.NewWriter(&buf)
		if err != nil {
			return nil, fmt.Errorf("blockstore: lzma writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("blockstore: lzma write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("blockstore: lzma close: %w", err)
		}
		out = buf.Bytes()
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCompression, uint8(c.kind))
	}
	if out != nil && len(out) < len(data)+1 {
		return out, nil
	}
	return append([]byte{byte(CompressionNone)}, data...), nil
}

func (c *compressor) unpack(value []byte) ([]byte, error) {
	if len(value) == 0 {
		return nil, fmt.Errorf("blockstore: empty stored value")
	}
	body := value[1:]
	switch Compression(value[0]) {
	case CompressionNone:
		return append([]byte(nil), body...), nil
	case CompressionZstd:
		out, err := c.dec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("blockstore: zstd decode: %w", err)
		}
		return out, nil
	case CompressionLZMA:
		r, err := lzma.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("blockstore: lzma reader: %w", err)
		}
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("blockstore: lzma decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: stored tag %d", ErrUnknownCompression, value[0])
	}
}
