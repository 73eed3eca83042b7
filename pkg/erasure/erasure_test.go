package erasure

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/i5heu/ouroboros-rdfs/pkg/logging"
	"github.com/i5heu/ouroboros-rdfs/pkg/model"
	workerpool "github.com/i5heu/ouroboros-rdfs/pkg/workerPool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var testPool = workerpool.NewWorkerPool(workerpool.Config{WorkerCount: 4})

func newEngine(t testing.TB, k uint32, r model.Ratio, symbolSize int) *Engine {
	e, err := New(Params{Threshold: k, Redundancy: r, SymbolSize: symbolSize},
		WithWorkerPool(testPool), WithLogger(logging.Discard()))
	require.NoError(t, err)
	return e
}

func randomBytes(seed int64, n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func TestScenarioTenThousandBytes(t *testing.T) { // A
	data := randomBytes(1, 10_000)
	e := newEngine(t, 10, model.Ratio{Num: 1, Den: 2}, 1_000)

	frags, err := e.Encode(data)
	require.NoError(t, err)
	require.Len(t, frags, 15)
	for i, f := range frags {
		assert.Equal(t, uint32(i), f.Index)
		assert.Equal(t, uint32(0), f.SourceBlock)
		assert.Len(t, f.Payload, 1_000)
	}
	// systematic: the first k symbols are the content
	assert.Equal(t, data[:1_000], frags[0].Payload)

	// symbols are numbered from 1 in this selection
	var subset []model.Fragment
	for _, n := range []int{2, 4, 6, 8, 10, 12, 13, 14, 15, 1} {
		subset = append(subset, frags[n-1])
	}
	got, err := e.Decode(subset, uint64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = e.Decode(subset[:9], uint64(len(data)))
	assert.ErrorIs(t, err, ErrInsufficientFragments)
	var insufficient *InsufficientFragmentsError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, 9, insufficient.Have)
	assert.Equal(t, 10, insufficient.Need)
}

func TestInvalidFragmentsAreIgnored(t *testing.T) {
	data := randomBytes(2, 300)
	e := newEngine(t, 3, model.Ratio{Num: 1, Den: 1}, 100)
	frags, err := e.Encode(data)
	require.NoError(t, err)

	short := frags[4]
	short.Payload = short.Payload[:50]
	foreign := frags[5]
	foreign.Threshold = 2
	outOfRange := frags[3]
	outOfRange.SourceBlock = 7

	// two good symbols, one duplicate and three unusable ones
	in := []model.Fragment{frags[0], frags[1], frags[1], short, foreign, outOfRange}
	_, err = e.Decode(in, uint64(len(data)))
	assert.ErrorIs(t, err, ErrInsufficientFragments)

	got, err := e.Decode(append(in, frags[3]), uint64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPaddingAndMultipleSourceBlocks(t *testing.T) {
	e := newEngine(t, 4, model.Ratio{Num: 1, Den: 2}, 16)
	data := randomBytes(3, 4*16*3+5) // four source blocks, the last mostly padding
	require.Equal(t, 4, e.Params().SourceBlockCount(uint64(len(data))))

	frags, err := e.Encode(data)
	require.NoError(t, err)
	require.Len(t, frags, 4*6)
	for pos, f := range frags {
		sbn, esi := FragmentAt(pos, 4)
		assert.Equal(t, sbn, f.SourceBlock)
		assert.Equal(t, esi, f.Index)
		assert.Equal(t, pos, PositionOf(f.SourceBlock, f.Index, 4))
	}

	// drop the first two symbols of every source block
	got, err := e.Decode(frags[2*4:], uint64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// dropping three leaves k-1 in every block
	_, err = e.Decode(frags[3*4:], uint64(len(data)))
	assert.ErrorIs(t, err, ErrInsufficientFragments)
}

func TestEmptyContent(t *testing.T) {
	e := newEngine(t, 2, model.Ratio{Num: 1, Den: 1}, 8)
	frags, err := e.Encode(nil)
	require.NoError(t, err)
	assert.Empty(t, frags)

	got, err := e.Decode(nil, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestNoRedundancy(t *testing.T) {
	e := newEngine(t, 3, model.Ratio{Num: 0, Den: 1}, 4)
	data := []byte("0123456789")
	frags, err := e.Encode(data)
	require.NoError(t, err)
	require.Len(t, frags, 3)

	got, err := e.Decode(frags, uint64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestRepairMatchesWiderEncode(t *testing.T) { // A
	data := randomBytes(4, 2*5*32)
	narrow := newEngine(t, 5, model.Ratio{Num: 1, Den: 5}, 32) // n = 6
	wide := newEngine(t, 5, model.Ratio{Num: 2, Den: 1}, 32)   // n = 15

	frags, err := narrow.Encode(data)
	require.NoError(t, err)
	require.Len(t, frags, 2*6)

	// repair from a subset that is mostly repair symbols already
	var subset []model.Fragment
	for _, f := range frags {
		if f.Index != 0 {
			subset = append(subset, f)
		}
	}
	extra, err := narrow.Repair(subset, uint64(len(data)), 6, 4)
	require.NoError(t, err)
	require.Len(t, extra, 2*4)

	full, err := wide.Encode(data)
	require.NoError(t, err)
	for pos, f := range extra {
		sbn, esi := FragmentAt(pos, 2)
		assert.Equal(t, sbn, f.SourceBlock)
		assert.Equal(t, esi+6, f.Index)
		ref := full[PositionOf(f.SourceBlock, f.Index, 2)]
		assert.True(t, bytes.Equal(ref.Payload, f.Payload), "symbol %d/%d", f.SourceBlock, f.Index)
	}

	// old positions stay put after appending
	all := append(append([]model.Fragment(nil), frags...), extra...)
	for pos, f := range all {
		sbn, esi := FragmentAt(pos, 2)
		assert.Equal(t, sbn, f.SourceBlock)
		assert.Equal(t, esi, f.Index)
	}

	// new repair symbols mix with old ones
	var mixed []model.Fragment
	for _, f := range all {
		if f.Index == 1 || f.Index == 5 || f.Index >= 7 {
			mixed = append(mixed, f)
		}
	}
	got, err := narrow.Decode(mixed, uint64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestRepairNeedsThreshold(t *testing.T) {
	e := newEngine(t, 4, model.Ratio{Num: 1, Den: 1}, 8)
	data := randomBytes(5, 32)
	frags, err := e.Encode(data)
	require.NoError(t, err)

	_, err = e.Repair(frags[:3], uint64(len(data)), 8, 2)
	assert.ErrorIs(t, err, ErrInsufficientFragments)

	_, err = e.Repair(frags, uint64(len(data)), 250, 10)
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestParamsValidate(t *testing.T) {
	cases := []struct {
		name string
		p    Params
		ok   bool
	}{
		{"valid", Params{Threshold: 10, Redundancy: model.Ratio{Num: 1, Den: 2}, SymbolSize: 1}, true},
		{"zero k", Params{Threshold: 0, Redundancy: model.Ratio{Num: 1, Den: 2}, SymbolSize: 1}, false},
		{"zero den", Params{Threshold: 1, Redundancy: model.Ratio{Num: 1, Den: 0}, SymbolSize: 1}, false},
		{"zero symbol", Params{Threshold: 1, Redundancy: model.Ratio{Num: 1, Den: 2}}, false},
		{"too many symbols", Params{Threshold: 200, Redundancy: model.Ratio{Num: 1, Den: 2}, SymbolSize: 1}, false},
		{"exactly 256", Params{Threshold: 128, Redundancy: model.Ratio{Num: 1, Den: 1}, SymbolSize: 1}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.p.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidParams)
			}
		})
	}

	p := Params{Threshold: 10, Redundancy: model.Ratio{Num: 1, Den: 2}, SymbolSize: 1000}
	assert.Equal(t, 5, p.RepairCount())
	assert.Equal(t, 15, p.SymbolCount())
	assert.Equal(t, 1, p.SourceBlockCount(10_000))
	assert.Equal(t, 2, p.SourceBlockCount(10_001))
}

// Any k symbols of every source block decode, whichever they are; k-1
// symbols of any one source block never do.
func TestAnyThresholdSubsetDecodes(t *testing.T) { // A
	rapid.Check(t, func(t *rapid.T) {
		k := rapid.Uint32Range(1, 12).Draw(t, "k")
		r := model.Ratio{
			Num: rapid.Uint32Range(0, 3).Draw(t, "num"),
			Den: rapid.Uint32Range(1, 3).Draw(t, "den"),
		}
		ss := rapid.IntRange(1, 48).Draw(t, "symbolSize")
		data := rapid.SliceOfN(rapid.Byte(), 0, 600).Draw(t, "data")

		e, err := New(Params{Threshold: k, Redundancy: r, SymbolSize: ss},
			WithWorkerPool(testPool), WithLogger(logging.Discard()))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		frags, err := e.Encode(data)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		S := e.Params().SourceBlockCount(uint64(len(data)))
		n := e.Params().SymbolCount()
		if len(frags) != S*n {
			t.Fatalf("got %d fragments, want %d", len(frags), S*n)
		}

		var subset []model.Fragment
		for sbn := 0; sbn < S; sbn++ {
			perm := rapid.Permutation(makeRange(n)).Draw(t, "perm")
			for _, esi := range perm[:k] {
				subset = append(subset, frags[PositionOf(uint32(sbn), uint32(esi), S)])
			}
		}
		got, err := e.Decode(subset, uint64(len(data)))
		if err != nil {
			t.Fatalf("Decode with %d symbols per block: %v", k, err)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("decoded content differs")
		}

		if S == 0 {
			return
		}
		victim := rapid.IntRange(0, S-1).Draw(t, "victim")
		var short []model.Fragment
		dropped := false
		for _, f := range subset {
			if !dropped && int(f.SourceBlock) == victim {
				dropped = true
				continue
			}
			short = append(short, f)
		}
		_, err = e.Decode(short, uint64(len(data)))
		if !errors.Is(err, ErrInsufficientFragments) {
			t.Fatalf("expected ErrInsufficientFragments with k-1 symbols, got %v", err)
		}
	})
}

func makeRange(n int) []int {
	r := make([]int, n)
	for i := range r {
		r[i] = i
	}
	return r
}
