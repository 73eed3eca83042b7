// Package erasure turns content into threshold-recoverable symbols.
//
// The code is a systematic Reed-Solomon code over GF(2^8) with a Cauchy
// generator matrix. Symbols 0 to k-1 of a source block are the content,
// symbols k and above are repair symbols. Row r of a Cauchy matrix only
// depends on r and the column, so repair symbol r is the same whether it
// was produced with the first encode or by a later Repair call, and any k
// distinct symbols of a source block rebuild it.
//
// Content longer than k symbols is split into source blocks of k symbols
// each. Position p of a fragment in the file-level order belongs to source
// block p mod S and has index p div S, S being the source block count.
// Appending a repair round therefore never moves an existing position.
package erasure

import (
	"errors"
	"fmt"
	"sort"

	"github.com/i5heu/ouroboros-rdfs/pkg/model"
	workerpool "github.com/i5heu/ouroboros-rdfs/pkg/workerPool"
	rs "github.com/klauspost/reedsolomon"
	"github.com/sirupsen/logrus"
)

// MaxSymbols is the largest number of distinct symbols per source block.
const MaxSymbols = 256

var (
	ErrInsufficientFragments = errors.New("erasure: insufficient fragments")
	ErrInvalidParams         = errors.New("erasure: invalid coding parameters")
)

// InsufficientFragmentsError reports the first source block that could not
// be rebuilt.
type InsufficientFragmentsError struct {
	SourceBlock uint32
	Have        int
	Need        int
}

func (e *InsufficientFragmentsError) Error() string {
	return fmt.Sprintf("erasure: insufficient fragments: source block %d has %d valid symbols, need %d",
		e.SourceBlock, e.Have, e.Need)
}

func (e *InsufficientFragmentsError) Is(target error) bool {
	return target == ErrInsufficientFragments
}

// Params are the coding parameters of a volume.
//
// The redundancy factor is measured over k: a source block gets
// ceil(k * Redundancy) repair symbols, so k=10 and 1/2 give 15 symbols.
type Params struct {
	Threshold  uint32
	Redundancy model.Ratio
	SymbolSize int
}

// Validate checks that the parameters describe a usable code.
func (p Params) Validate() error {
	switch {
	case p.Threshold == 0:
		return fmt.Errorf("%w: threshold must be > 0", ErrInvalidParams)
	case !p.Redundancy.Valid():
		return fmt.Errorf("%w: redundancy %s", ErrInvalidParams, p.Redundancy)
	case p.SymbolSize <= 0:
		return fmt.Errorf("%w: symbol size %d", ErrInvalidParams, p.SymbolSize)
	case uint64(p.Threshold)+p.Redundancy.CeilMul(p.Threshold) > MaxSymbols:
		return fmt.Errorf("%w: k=%d with redundancy %s exceeds %d symbols",
			ErrInvalidParams, p.Threshold, p.Redundancy, MaxSymbols)
	}
	return nil
}

// RepairCount is the number of repair symbols per source block.
func (p Params) RepairCount() int { return int(p.Redundancy.CeilMul(p.Threshold)) }

// SymbolCount is n, the symbols per source block produced by Encode.
func (p Params) SymbolCount() int { return int(p.Threshold) + p.RepairCount() }

// SourceBlockBytes is the content carried by one source block.
func (p Params) SourceBlockBytes() uint64 { return uint64(p.Threshold) * uint64(p.SymbolSize) }

// SourceBlockCount returns S for content of the given length. Empty content
// has no source blocks.
func (p Params) SourceBlockCount(length uint64) int {
	per := p.SourceBlockBytes()
	if per == 0 {
		return 0
	}
	return int((length + per - 1) / per)
}

// PositionOf maps a symbol to its position in the file-level order.
func PositionOf(sourceBlock, index uint32, sourceBlocks int) int {
	return int(index)*sourceBlocks + int(sourceBlock)
}

// FragmentAt is the inverse of PositionOf.
func FragmentAt(position, sourceBlocks int) (sourceBlock, index uint32) {
	return uint32(position % sourceBlocks), uint32(position / sourceBlocks)
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkerPool shares a pool across engines. Without it the engine
// starts its own.
func WithWorkerPool(wp *workerpool.WorkerPool) Option {
	return func(e *Engine) { e.pool = wp }
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// Engine encodes and decodes content for one set of parameters. It is safe
// for concurrent use.
type Engine struct {
	params Params
	pool   *workerpool.WorkerPool
	log    *logrus.Logger
}

// New returns an engine for params.
func New(params Params, opts ...Option) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{params: params}
	for _, opt := range opts {
		opt(e)
	}
	if e.pool == nil {
		e.pool = workerpool.NewWorkerPool(workerpool.Config{})
	}
	if e.log == nil {
		e.log = logrus.New()
	}
	return e, nil
}

// Params returns the engine's coding parameters.
func (e *Engine) Params() Params { return e.params }

func (e *Engine) coder(total int) (rs.Encoder, error) {
	k := int(e.params.Threshold)
	enc, err := rs.New(k, total-k, rs.WithCauchyMatrix(), rs.WithAutoGoroutines(e.params.SymbolSize))
	if err != nil {
		return nil, fmt.Errorf("erasure: new encoder k=%d n=%d: %w", k, total, err)
	}
	return enc, nil
}

func (e *Engine) fragment(sbn, esi uint32, payload []byte) model.Fragment {
	return model.Fragment{
		SourceBlock: sbn,
		Index:       esi,
		Threshold:   e.params.Threshold,
		Redundancy:  e.params.Redundancy,
		Payload:     payload,
	}
}

// Encode splits data into source blocks and returns S*n fragments in
// file-level position order. The last source block is zero padded; the
// caller keeps len(data) to strip the padding after decoding.
func (e *Engine) Encode(data []byte) ([]model.Fragment, error) { // A
	S := e.params.SourceBlockCount(uint64(len(data)))
	n := e.params.SymbolCount()

	blocks, err := workerpool.Map(e.pool, S, func(sbn int) ([][]byte, error) {
		return e.encodeSourceBlock(data, sbn)
	})
	if err != nil {
		return nil, err
	}

	out := make([]model.Fragment, S*n)
	for sbn, shards := range blocks {
		for esi, payload := range shards {
			out[PositionOf(uint32(sbn), uint32(esi), S)] = e.fragment(uint32(sbn), uint32(esi), payload)
		}
	}

	e.log.WithFields(logrus.Fields{
		"bytes":         len(data),
		"source_blocks": S,
		"symbols":       len(out),
	}).Debug("erasure: encoded")
	return out, nil
}

func (e *Engine) encodeSourceBlock(data []byte, sbn int) ([][]byte, error) {
	k := int(e.params.Threshold)
	ss := e.params.SymbolSize
	n := e.params.SymbolCount()
	per := k * ss

	start := sbn * per
	end := start + per
	if end > len(data) {
		end = len(data)
	}
	buf := make([]byte, n*ss)
	copy(buf, data[start:end])

	shards := make([][]byte, n)
	for i := range shards {
		shards[i] = buf[i*ss : (i+1)*ss : (i+1)*ss]
	}
	if n == k {
		return shards, nil
	}

	enc, err := e.coder(n)
	if err != nil {
		return nil, err
	}
	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("erasure: encode source block %d: %w", sbn, err)
	}
	return shards, nil
}

// Decode rebuilds length bytes of content from any fragments. Fragments
// with a foreign threshold, a wrong payload size, an out of range source
// block or index, or a duplicate index are ignored. When a source block has
// fewer than k usable fragments Decode returns an
// *InsufficientFragmentsError.
func (e *Engine) Decode(fragments []model.Fragment, length uint64) ([]byte, error) { // A
	S := e.params.SourceBlockCount(length)
	groups := e.group(fragments, S)

	out := make([]byte, 0, uint64(S)*e.params.SourceBlockBytes())
	for sbn := 0; sbn < S; sbn++ {
		data, err := e.recoverSourceBlock(uint32(sbn), groups[sbn])
		if err != nil {
			return nil, err
		}
		for _, shard := range data {
			out = append(out, shard...)
		}
	}
	return out[:length], nil
}

// Repair produces count new symbols per source block, with indices
// fromIndex to fromIndex+count-1, from any k valid fragments of each
// source block. The result is in file-level position order, so appending
// it to a pointer list that holds fromIndex symbols per source block keeps
// the position mapping intact.
func (e *Engine) Repair(fragments []model.Fragment, length uint64, fromIndex, count int) ([]model.Fragment, error) {
	if fromIndex < 0 || count < 0 {
		return nil, fmt.Errorf("%w: repair range %d+%d", ErrInvalidParams, fromIndex, count)
	}
	total := fromIndex + count
	if total > MaxSymbols {
		return nil, fmt.Errorf("%w: repair up to index %d exceeds %d symbols", ErrInvalidParams, total-1, MaxSymbols)
	}
	S := e.params.SourceBlockCount(length)
	if count == 0 || S == 0 {
		return nil, nil
	}
	groups := e.group(fragments, S)

	k := int(e.params.Threshold)
	out := make([]model.Fragment, S*count)
	for sbn := 0; sbn < S; sbn++ {
		data, err := e.recoverSourceBlock(uint32(sbn), groups[sbn])
		if err != nil {
			return nil, err
		}

		shards := make([][]byte, max(total, k))
		copy(shards, data)
		for i := k; i < len(shards); i++ {
			shards[i] = make([]byte, e.params.SymbolSize)
		}
		if len(shards) > k {
			enc, err := e.coder(len(shards))
			if err != nil {
				return nil, err
			}
			if err := enc.Encode(shards); err != nil {
				return nil, fmt.Errorf("erasure: repair source block %d: %w", sbn, err)
			}
		}

		for esi := fromIndex; esi < total; esi++ {
			payload := append([]byte(nil), shards[esi]...)
			out[PositionOf(uint32(sbn), uint32(esi-fromIndex), S)] = e.fragment(uint32(sbn), uint32(esi), payload)
		}
	}

	e.log.WithFields(logrus.Fields{
		"source_blocks": S,
		"from_index":    fromIndex,
		"count":         count,
	}).Debug("erasure: generated repair symbols")
	return out, nil
}

// group sorts usable fragments by source block and index. The first
// fragment seen for an index wins.
func (e *Engine) group(fragments []model.Fragment, S int) []map[uint32][]byte {
	groups := make([]map[uint32][]byte, S)
	for i := range groups {
		groups[i] = make(map[uint32][]byte)
	}
	for _, f := range fragments {
		if f.Threshold != e.params.Threshold ||
			len(f.Payload) != e.params.SymbolSize ||
			int(f.SourceBlock) >= S ||
			f.Index >= MaxSymbols {
			continue
		}
		if _, dup := groups[f.SourceBlock][f.Index]; dup {
			continue
		}
		groups[f.SourceBlock][f.Index] = f.Payload
	}
	return groups
}

// recoverSourceBlock returns the k source symbols of one source block.
// The lowest k indices available are used.
func (e *Engine) recoverSourceBlock(sbn uint32, symbols map[uint32][]byte) ([][]byte, error) {
	k := int(e.params.Threshold)
	if len(symbols) < k {
		return nil, &InsufficientFragmentsError{SourceBlock: sbn, Have: len(symbols), Need: k}
	}

	indices := make([]int, 0, len(symbols))
	for idx := range symbols {
		indices = append(indices, int(idx))
	}
	sort.Ints(indices)
	indices = indices[:k]

	highest := indices[k-1]
	shards := make([][]byte, highest+1)
	for _, idx := range indices {
		shards[idx] = append([]byte(nil), symbols[uint32(idx)]...)
	}
	if highest < k {
		return shards, nil
	}

	dec, err := e.coder(highest + 1)
	if err != nil {
		return nil, err
	}
	if err := dec.ReconstructData(shards); err != nil {
		return nil, fmt.Errorf("erasure: reconstruct source block %d: %w", sbn, err)
	}
	return shards[:k], nil
}
