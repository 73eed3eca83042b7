package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/i5heu/ouroboros-rdfs/pkg/logging"
	"github.com/i5heu/ouroboros-rdfs/pkg/model"
	workerpool "github.com/i5heu/ouroboros-rdfs/pkg/workerPool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPool = workerpool.NewWorkerPool(workerpool.Config{WorkerCount: 4})

func testManifest(size uint64, perSourceBlock int) *Manifest {
	m := &Manifest{
		Version:    model.NewVersion(model.FormatRevision, 1),
		Inode:      42,
		Size:       size,
		Threshold:  3,
		Redundancy: [2]uint32{1, 1},
		SymbolSize: 10,
	}
	for i := 0; i < m.SourceBlocks()*perSourceBlock; i++ {
		m.Blocks = append(m.Blocks, model.BlockID(100+i))
	}
	return m
}

func TestManifestRoundTrip(t *testing.T) {
	m := testManifest(45, 6)
	require.Equal(t, 2, m.SourceBlocks())
	require.Len(t, m.Blocks, 12)

	data, err := MarshalManifest(m)
	require.NoError(t, err)
	again, err := MarshalManifest(m)
	require.NoError(t, err)
	assert.Equal(t, data, again)

	got, err := UnmarshalManifest(data)
	require.NoError(t, err)
	assert.Equal(t, m, got)
	assert.Equal(t, 1, got.SourceBlockOf(3))
}

func TestManifestValidate(t *testing.T) {
	empty := testManifest(0, 6)
	assert.NoError(t, empty.Validate())

	empty.Blocks = []model.BlockID{1}
	assert.ErrorIs(t, empty.Validate(), ErrInvalidManifest)

	uneven := testManifest(45, 6)
	uneven.Blocks = uneven.Blocks[:11]
	assert.ErrorIs(t, uneven.Validate(), ErrInvalidManifest)

	short := testManifest(45, 2)
	assert.ErrorIs(t, short.Validate(), ErrInvalidManifest)

	noK := testManifest(45, 6)
	noK.Threshold = 0
	assert.ErrorIs(t, noK.Validate(), ErrInvalidManifest)

	_, err := UnmarshalManifest([]byte{0xff, 0x00})
	assert.ErrorIs(t, err, ErrInvalidManifest)
}

func block(id model.BlockID) []byte {
	return []byte(fmt.Sprintf("block-%d", id))
}

func publishAll(t *testing.T, tr *MemoryTransport, node model.Address, ids []model.BlockID) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, tr.Publish(context.Background(), node, id, block(id)))
	}
}

func TestCollectStopsAtThreshold(t *testing.T) {
	m := testManifest(45, 6)
	tr := NewMemoryTransport()
	a, b := model.Address("a"), model.Address("b")
	publishAll(t, tr, a, m.Blocks)
	publishAll(t, tr, b, m.Blocks)

	c := &Collector{Transport: tr, Pool: testPool, Logger: logging.Discard()}
	got, err := c.Collect(context.Background(), m, []model.Address{a, b})
	require.NoError(t, err)
	assert.Len(t, got, 12)

	tr.SetDown(a, true)
	got, err = c.Collect(context.Background(), m, []model.Address{a, b})
	require.NoError(t, err)
	assert.Len(t, got, 12)
	for id, data := range got {
		assert.Equal(t, block(id), data)
	}
}

func TestCollectAcrossNodes(t *testing.T) {
	m := testManifest(45, 6)
	tr := NewMemoryTransport()
	nodes := []model.Address{model.Address("a"), model.Address("b"), model.Address("c")}
	// every node holds a third of the blocks
	for i, id := range m.Blocks {
		require.NoError(t, tr.Publish(context.Background(), nodes[i%3], id, block(id)))
	}

	rejected := m.Blocks[0]
	c := &Collector{
		Transport: tr,
		Accept: func(id model.BlockID, data []byte) error {
			if id == rejected {
				return errors.New("bad signature")
			}
			return nil
		},
		Pool:   testPool,
		Logger: logging.Discard(),
	}
	got, err := c.Collect(context.Background(), m, nodes)
	require.NoError(t, err)
	assert.NotContains(t, got, rejected)

	perSourceBlock := make([]int, m.SourceBlocks())
	for pos, id := range m.Blocks {
		if _, ok := got[id]; ok {
			perSourceBlock[m.SourceBlockOf(pos)]++
		}
	}
	for _, n := range perSourceBlock {
		assert.GreaterOrEqual(t, n, int(m.Threshold))
	}
}

func TestCollectUnavailable(t *testing.T) {
	m := testManifest(45, 6)
	tr := NewMemoryTransport()
	a := model.Address("a")
	publishAll(t, tr, a, m.Blocks[:4])

	c := &Collector{Transport: tr, Pool: testPool, Logger: logging.Discard()}
	got, err := c.Collect(context.Background(), m, []model.Address{a})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Len(t, got, 4)

	_, err = c.Collect(context.Background(), m, nil)
	assert.ErrorIs(t, err, ErrUnavailable)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Collect(ctx, m, []model.Address{a})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCollectClosedPool(t *testing.T) {
	m := testManifest(45, 6)
	tr := NewMemoryTransport()
	a := model.Address("a")
	publishAll(t, tr, a, m.Blocks)

	pool := workerpool.NewWorkerPool(workerpool.Config{WorkerCount: 1})
	pool.Close()

	c := &Collector{Transport: tr, Pool: pool, Logger: logging.Discard()}
	_, err := c.Collect(context.Background(), m, []model.Address{a})
	assert.ErrorIs(t, err, workerpool.ErrClosed)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestMemoryTransport(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTransport()
	n := model.Address("n")

	require.NoError(t, tr.Publish(ctx, n, 7, []byte("abc")))
	got, err := tr.Fetch(ctx, n, 7)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)

	got[0] = 'x'
	again, err := tr.Fetch(ctx, n, 7)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)

	assert.True(t, tr.Corrupt(n, 7, 1))
	assert.False(t, tr.Corrupt(n, 7, 10))
	corrupted, err := tr.Fetch(ctx, n, 7)
	require.NoError(t, err)
	assert.NotEqual(t, []byte("abc"), corrupted)

	_, err = tr.Fetch(ctx, n, 8)
	assert.ErrorIs(t, err, ErrUnavailable)

	tr.SetDown(n, true)
	_, err = tr.Fetch(ctx, n, 7)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, tr.Publish(ctx, n, 9, nil), ErrUnavailable)
}

func TestStaticMembership(t *testing.T) {
	m := StaticMembership{model.Address("a"), model.Address("b")}
	nodes, err := m.CurrentNodes(context.Background())
	require.NoError(t, err)
	nodes[0] = model.Address("z")
	assert.Equal(t, model.Address("a"), m[0])
}
