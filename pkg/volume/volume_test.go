package volume

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"testing"

	"github.com/i5heu/ouroboros-rdfs/pkg/allocator"
	"github.com/i5heu/ouroboros-rdfs/pkg/binaryCoder"
	"github.com/i5heu/ouroboros-rdfs/pkg/blockstore"
	"github.com/i5heu/ouroboros-rdfs/pkg/erasure"
	"github.com/i5heu/ouroboros-rdfs/pkg/inode"
	"github.com/i5heu/ouroboros-rdfs/pkg/logging"
	"github.com/i5heu/ouroboros-rdfs/pkg/model"
	"github.com/i5heu/ouroboros-rdfs/pkg/signature"
	"github.com/i5heu/ouroboros-rdfs/pkg/transport"
	workerpool "github.com/i5heu/ouroboros-rdfs/pkg/workerPool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPool = workerpool.NewWorkerPool(workerpool.Config{WorkerCount: 4})

// 1000 byte symbols under Ed25519.
const testBlockSize = 1000 + 20 + 64

func testSigner(t *testing.T, seed byte) signature.Signer {
	t.Helper()
	key := bytes.Repeat([]byte{seed}, signature.KeySize)
	s, err := signature.NewSigner(signature.SchemeEd25519, key)
	require.NoError(t, err)
	return s
}

func testConfig(t *testing.T, store blockstore.Store) Config {
	t.Helper()
	return Config{
		Store:       store,
		Signer:      testSigner(t, 7),
		BlockSize:   testBlockSize,
		TotalBlocks: 4096,
		Threshold:   10,
		Redundancy:  model.Ratio{Num: 1, Den: 2},
		Pool:        testPool,
		Logger:      logging.Discard(),
	}
}

func formatTestVolume(t *testing.T, mutate ...func(*Config)) *Volume {
	t.Helper()
	cfg := testConfig(t, blockstore.NewMemoryStore())
	for _, m := range mutate {
		m(&cfg)
	}
	v, err := Format(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })
	return v
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func pick(v *Volume, node *model.InodeBlock, positions ...int) map[model.BlockID][]byte {
	out := make(map[model.BlockID][]byte, len(positions))
	for _, p := range positions {
		id := node.Pointers[p]
		raw, err := v.store.Get(id)
		if err == nil {
			out[id] = raw
		}
	}
	return out
}

func TestStoreAndRetrieve(t *testing.T) { // A
	v := formatTestVolume(t)
	data := randomBytes(t, 10000)

	id, err := v.Store("/a.bin", data)
	require.NoError(t, err)

	node, err := v.Stat("/a.bin")
	require.NoError(t, err)
	assert.Equal(t, id, node.ID)
	assert.Equal(t, uint64(10000), node.Size)
	require.Len(t, node.Pointers, 15)

	got, err := v.Read("/a.bin")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// symbols 2,4,6,8,10,12,13,14,15,1 counted from one
	subset := []int{1, 3, 5, 7, 9, 11, 12, 13, 14, 0}
	got, err = v.Retrieve("/a.bin", pick(v, node, subset...))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = v.Retrieve("/a.bin", pick(v, node, subset[:9]...))
	require.ErrorIs(t, err, ErrInsufficientFragments)
	var insufficient *erasure.InsufficientFragmentsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 9, insufficient.Have)
	assert.Equal(t, 10, insufficient.Need)

	require.NoError(t, v.Check())
}

func TestRetrieveSkipsInvalidBlocks(t *testing.T) {
	v := formatTestVolume(t)
	data := randomBytes(t, 4321)
	_, err := v.Store("/f", data)
	require.NoError(t, err)
	node, err := v.Stat("/f")
	require.NoError(t, err)

	available := pick(v, node, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10)
	corrupt := append([]byte(nil), available[node.Pointers[3]]...)
	corrupt[30] ^= 0x01
	available[node.Pointers[3]] = corrupt

	got, err := v.Retrieve("/f", available)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// block 10 presented under the id of block 4
	available[node.Pointers[4]] = available[node.Pointers[10]]
	_, err = v.Retrieve("/f", available)
	require.ErrorIs(t, err, ErrInsufficientFragments)

	// blocks of other files do not count
	other, err := v.Store("/g", data)
	require.NoError(t, err)
	otherNode, err := v.tree.Stat(other)
	require.NoError(t, err)
	for id, raw := range pick(v, otherNode, 0, 1, 2, 3, 4) {
		available[id] = raw
	}
	_, err = v.Retrieve("/f", available)
	require.ErrorIs(t, err, ErrInsufficientFragments)
}

func TestVerifyDataBlock(t *testing.T) {
	v := formatTestVolume(t)
	_, err := v.Store("/f", []byte("hello"))
	require.NoError(t, err)
	node, err := v.Stat("/f")
	require.NoError(t, err)

	raw, err := v.store.Get(node.Pointers[0])
	require.NoError(t, err)
	require.NoError(t, v.VerifyDataBlock(node.Pointers[0], raw))
	assert.ErrorIs(t, v.VerifyDataBlock(node.Pointers[1], raw), ErrForeignBlock)

	raw[len(raw)-1] ^= 0xFF
	assert.ErrorIs(t, v.VerifyDataBlock(node.Pointers[0], raw), binaryCoder.ErrCorrupted)
}

func TestRewriteFreesSupersededBlocks(t *testing.T) {
	v := formatTestVolume(t)
	free := v.FreeBlocks()

	_, err := v.Store("/f", randomBytes(t, 25000))
	require.NoError(t, err)
	first, err := v.Stat("/f")
	require.NoError(t, err)
	require.Len(t, first.Pointers, 3*15)
	assert.Equal(t, free-1-45, v.FreeBlocks())

	data := randomBytes(t, 100)
	_, err = v.Store("/f", data)
	require.NoError(t, err)
	second, err := v.Stat("/f")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, second.Pointers, 15)
	assert.Equal(t, free-1-15, v.FreeBlocks())

	for _, id := range first.Pointers {
		assert.False(t, v.alloc.IsAllocated(id))
		ok, err := v.store.Has(id)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	got, err := v.Read("/f")
	require.NoError(t, err)
	assert.Equal(t, data, got)
	require.NoError(t, v.Check())
}

func TestStoreEmptyFile(t *testing.T) {
	v := formatTestVolume(t)
	_, err := v.Store("/empty", nil)
	require.NoError(t, err)

	node, err := v.Stat("/empty")
	require.NoError(t, err)
	assert.Empty(t, node.Pointers)

	got, err := v.Read("/empty")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStoreOutOfSpaceRollsBack(t *testing.T) {
	v := formatTestVolume(t, func(c *Config) { c.TotalBlocks = 30 })

	_, err := v.Store("/one", []byte("fits"))
	require.NoError(t, err)
	free := v.FreeBlocks()
	require.Equal(t, uint64(30-4-16), free)

	_, err = v.Store("/two", []byte("does not fit"))
	require.ErrorIs(t, err, allocator.ErrOutOfSpace)
	assert.Equal(t, free, v.FreeBlocks())
	_, err = v.Stat("/two")
	assert.ErrorIs(t, err, inode.ErrNotFound)

	// a failed rewrite keeps the old content
	_, err = v.Store("/one", bytes.Repeat([]byte("x"), 20000))
	require.ErrorIs(t, err, allocator.ErrOutOfSpace)
	got, err := v.Read("/one")
	require.NoError(t, err)
	assert.Equal(t, []byte("fits"), got)

	ids, err := v.store.IDs()
	require.NoError(t, err)
	assert.Len(t, ids, 4+16)
	require.NoError(t, v.Check())
}

func TestStoreRejectsNonFiles(t *testing.T) {
	v := formatTestVolume(t)
	_, err := v.Mkdir("/d")
	require.NoError(t, err)

	_, err = v.Store("/d", []byte("x"))
	assert.ErrorIs(t, err, ErrNotRegularFile)
	_, err = v.Store("/missing/f", []byte("x"))
	assert.ErrorIs(t, err, inode.ErrNotFound)
	_, err = v.Read("/d")
	assert.ErrorIs(t, err, inode.ErrIsDirectory)
}

func TestGrowRedundancy(t *testing.T) { // A
	v := formatTestVolume(t)
	data := randomBytes(t, 25000)
	_, err := v.Store("/f", data)
	require.NoError(t, err)

	ids, err := v.GrowRedundancy("/f", 2, nil)
	require.NoError(t, err)
	require.Len(t, ids, 3*2)

	node, err := v.Stat("/f")
	require.NoError(t, err)
	require.Len(t, node.Pointers, 3*17)
	assert.Equal(t, ids, node.Pointers[45:])

	// only the highest ten symbols of every source block
	var positions []int
	for p := range node.Pointers {
		if _, esi := erasure.FragmentAt(p, 3); esi >= 7 {
			positions = append(positions, p)
		}
	}
	require.Len(t, positions, 30)
	got, err := v.Retrieve("/f", pick(v, node, positions...))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// growth from remote blocks only
	more, err := v.GrowRedundancy("/f", 1, pick(v, node, positions...))
	require.NoError(t, err)
	assert.Len(t, more, 3)
	require.NoError(t, v.Check())

	_, err = v.GrowRedundancy("/f", 1, pick(v, node, positions[:5]...))
	assert.ErrorIs(t, err, ErrInsufficientFragments)
	_, err = v.GrowRedundancy("/f", 0, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = v.GrowRedundancy("/f", 300, nil)
	assert.ErrorIs(t, err, erasure.ErrInvalidParams)
}

func TestNamespace(t *testing.T) {
	v := formatTestVolume(t)

	_, err := v.MkdirAll("/a/b/c")
	require.NoError(t, err)
	_, err = v.MkdirAll("/a/b")
	require.NoError(t, err)
	_, err = v.Mkdir("/a")
	assert.ErrorIs(t, err, inode.ErrAlreadyExists)

	_, err = v.Store("/a/b/café🎉", []byte("data"))
	require.NoError(t, err)
	_, err = v.MkdirAll("/a/b/café🎉/x")
	assert.ErrorIs(t, err, inode.ErrNotDirectory)

	entries, err := v.List("/a/b")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "c", entries[0].Name)
	assert.Equal(t, "café🎉", entries[1].Name)
	assert.Equal(t, model.TypeFile, entries[1].Type)

	var paths []string
	require.NoError(t, v.Walk(func(path string, _ *model.InodeBlock) error {
		paths = append(paths, path)
		return nil
	}))
	assert.Equal(t, []string{"/a", "/a/b", "/a/b/c", "/a/b/café🎉"}, paths)

	assert.ErrorIs(t, v.Remove("/a", false), inode.ErrDirectoryNotEmpty)
	free := v.FreeBlocks()
	require.NoError(t, v.Remove("/a", true))
	assert.Equal(t, free+3+1+15, v.FreeBlocks())
	entries, err = v.List("/")
	require.NoError(t, err)
	assert.Empty(t, entries)
	require.NoError(t, v.Check())
}

func TestSymlink(t *testing.T) {
	v := formatTestVolume(t)
	_, err := v.Symlink("/some/where/else", "/ln")
	require.NoError(t, err)

	target, err := v.Readlink("/ln")
	require.NoError(t, err)
	assert.Equal(t, "/some/where/else", target)

	_, err = v.Store("/f", []byte("x"))
	require.NoError(t, err)
	_, err = v.Readlink("/f")
	assert.ErrorIs(t, err, ErrNotSymlink)
	_, err = v.Store("/ln", []byte("x"))
	assert.ErrorIs(t, err, ErrNotRegularFile)
	_, err = v.Symlink("x", "/f")
	assert.ErrorIs(t, err, inode.ErrAlreadyExists)
}

func TestHardLink(t *testing.T) {
	v := formatTestVolume(t)
	data := randomBytes(t, 3000)
	_, err := v.Store("/orig", data)
	require.NoError(t, err)
	_, err = v.Link("/orig", "/copy")
	require.NoError(t, err)

	require.NoError(t, v.Remove("/orig", false))
	got, err := v.Read("/copy")
	require.NoError(t, err)
	assert.Equal(t, data, got)
	require.NoError(t, v.Check())

	free := v.FreeBlocks()
	require.NoError(t, v.Remove("/copy", false))
	assert.Equal(t, free+1+15, v.FreeBlocks())
	require.NoError(t, v.Check())
}

func TestCheckReportsLeakedBlocks(t *testing.T) {
	v := formatTestVolume(t)
	_, err := v.Store("/f", []byte("x"))
	require.NoError(t, err)
	require.NoError(t, v.Check())

	_, err = v.alloc.Allocate()
	require.NoError(t, err)
	assert.ErrorIs(t, v.Check(), ErrInconsistent)
}

func TestFormatErrors(t *testing.T) {
	store := blockstore.NewMemoryStore()
	cfg := testConfig(t, store)
	v, err := Format(cfg)
	require.NoError(t, err)

	_, err = Format(cfg)
	assert.ErrorIs(t, err, ErrAlreadyFormatted)
	require.NoError(t, v.Close())

	cfg = testConfig(t, blockstore.NewMemoryStore())
	cfg.TotalBlocks = 4
	_, err = Format(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = testConfig(t, blockstore.NewMemoryStore())
	cfg.Threshold = 200
	_, err = Format(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = testConfig(t, blockstore.NewMemoryStore())
	cfg.BlockSize = 50
	_, err = Format(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = testConfig(t, nil)
	_, err = Format(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestClosedVolume(t *testing.T) {
	v := formatTestVolume(t)
	require.NoError(t, v.Close())
	require.NoError(t, v.Close())

	_, err := v.Store("/f", []byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = v.Read("/f")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, v.Sync(), ErrClosed)
	assert.ErrorIs(t, v.Check(), ErrClosed)
}

func openBadger(t *testing.T, dir string) blockstore.Store {
	t.Helper()
	s, err := blockstore.NewBadgerStore(blockstore.BadgerConfig{
		Path:        dir,
		Compression: blockstore.CompressionZstd,
		Logger:      logging.Discard(),
	})
	require.NoError(t, err)
	return s
}

func TestReopenPersistsVolume(t *testing.T) { // A
	dir := t.TempDir()
	data := randomBytes(t, 12345)

	cfg := testConfig(t, openBadger(t, dir))
	cfg.Addresses = []model.Address{model.Address("n1"), model.Address("n2")}
	v, err := Format(cfg)
	require.NoError(t, err)
	_, err = v.MkdirAll("/docs/2024")
	require.NoError(t, err)
	_, err = v.Store("/docs/2024/report", data)
	require.NoError(t, err)
	_, err = v.Symlink("/docs/2024/report", "/latest")
	require.NoError(t, err)
	_, err = v.RebuildAddresses(context.Background(), transport.StaticMembership{
		model.Address("n2"), model.Address("n3"),
	})
	require.NoError(t, err)
	free := v.FreeBlocks()
	require.NoError(t, v.Close())

	cfg = testConfig(t, openBadger(t, dir))
	v, err = Open(cfg)
	require.NoError(t, err)
	defer v.Close()

	assert.Equal(t, free, v.FreeBlocks())
	got, err := v.Read("/docs/2024/report")
	require.NoError(t, err)
	assert.Equal(t, data, got)
	target, err := v.Readlink("/latest")
	require.NoError(t, err)
	assert.Equal(t, "/docs/2024/report", target)
	assert.Equal(t, []model.Address{model.Address("n2"), model.Address("n3")}, v.Addresses())

	sb := v.SuperBlock()
	assert.Equal(t, uint32(testBlockSize), sb.BlockSize)
	assert.Equal(t, uint32(10), sb.Threshold)
	assert.Equal(t, 1000, v.Params().SymbolSize)
	require.NoError(t, v.Check())
}

func TestOpenRejectsForeignKey(t *testing.T) {
	dir := t.TempDir()
	v, err := Format(testConfig(t, openBadger(t, dir)))
	require.NoError(t, err)
	require.NoError(t, v.Close())

	cfg := testConfig(t, openBadger(t, dir))
	cfg.Signer = testSigner(t, 8)
	_, err = Open(cfg)
	assert.ErrorIs(t, err, binaryCoder.ErrCorrupted)
	require.NoError(t, cfg.Store.Close())

	cfg = testConfig(t, blockstore.NewMemoryStore())
	_, err = Open(cfg)
	assert.ErrorIs(t, err, blockstore.ErrNotFound)
}

func TestRebuildAddresses(t *testing.T) {
	v := formatTestVolume(t, func(c *Config) {
		c.Addresses = []model.Address{model.Address("a"), model.Address("b"), model.Address("a"), model.Address("c")}
	})
	assert.Equal(t, []model.Address{model.Address("a"), model.Address("b"), model.Address("c")}, v.Addresses())

	got, err := v.RebuildAddresses(context.Background(), transport.StaticMembership{
		model.Address("c"), model.Address("d"), model.Address("a"),
	})
	require.NoError(t, err)
	want := []model.Address{model.Address("a"), model.Address("c"), model.Address("d")}
	assert.Equal(t, want, got)
	assert.Equal(t, want, v.Addresses())

	raw, err := v.store.Get(model.AddressesBlockID)
	require.NoError(t, err)
	block, err := v.codec.DecodeAddressesBlock(raw)
	require.NoError(t, err)
	assert.Equal(t, want, block.Addresses)
}

type failingMembership struct{}

func (failingMembership) CurrentNodes(context.Context) ([]model.Address, error) {
	return nil, errors.New("gossip down")
}

func TestRebuildAddressesMembershipError(t *testing.T) {
	v := formatTestVolume(t, func(c *Config) { c.Addresses = []model.Address{model.Address("a")} })
	_, err := v.RebuildAddresses(context.Background(), failingMembership{})
	require.Error(t, err)
	assert.Equal(t, []model.Address{model.Address("a")}, v.Addresses())
}

func TestConcurrentStores(t *testing.T) {
	v := formatTestVolume(t)
	contents := make([][]byte, 16)
	for i := range contents {
		contents[i] = randomBytes(t, 500*(i+1))
	}

	var wg sync.WaitGroup
	for i := range contents {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := v.Store(fileName(i), contents[i])
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for i, want := range contents {
		got, err := v.Read(fileName(i))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	require.NoError(t, v.Check())
	assert.Empty(t, v.fileLocks)
}

func fileName(i int) string {
	return "/file-" + string(rune('a'+i))
}

// Blocks published to nodes come back through the collector, skipping a
// down node and a corrupted copy.
func TestCollectAndRetrieve(t *testing.T) { // A
	ctx := context.Background()
	nodes := []model.Address{model.Address("n1"), model.Address("n2"), model.Address("n3")}
	v := formatTestVolume(t, func(c *Config) { c.Addresses = nodes })

	data := randomBytes(t, 17000)
	_, err := v.Store("/f", data)
	require.NoError(t, err)

	net := transport.NewMemoryTransport()
	blocks, err := v.EncodedFragments("/f")
	require.NoError(t, err)
	require.Len(t, blocks, 2*15)
	for i, b := range blocks {
		require.NoError(t, net.Publish(ctx, nodes[i%3], b.ID, b.Data))
		require.NoError(t, net.Publish(ctx, nodes[(i+1)%3], b.ID, b.Data))
	}
	net.SetDown(nodes[1], true)
	for _, b := range blocks[:4] {
		net.Corrupt(nodes[0], b.ID, 25)
	}

	m, err := v.Manifest("/f")
	require.NoError(t, err)
	wire, err := transport.MarshalManifest(m)
	require.NoError(t, err)
	m, err = transport.UnmarshalManifest(wire)
	require.NoError(t, err)

	c := &transport.Collector{
		Transport: net,
		Accept:    v.VerifyDataBlock,
		Pool:      testPool,
		Logger:    logging.Discard(),
	}
	available, err := c.Collect(ctx, m, v.Addresses())
	require.NoError(t, err)

	got, err := v.Retrieve("/f", available)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	net.SetDown(nodes[2], true)
	_, err = c.Collect(ctx, m, v.Addresses())
	assert.ErrorIs(t, err, transport.ErrUnavailable)
}

// A volume that was never closed left a bitmap without its last writes.
// Reopening must not hand out the blocks those writes used.
func TestReopenAfterCrash(t *testing.T) { // A
	store := blockstore.NewMemoryStore()
	crashed, err := Format(testConfig(t, store))
	require.NoError(t, err)

	first := randomBytes(t, 9000)
	_, err = crashed.Store("/a", first)
	require.NoError(t, err)
	before, err := crashed.Stat("/a")
	require.NoError(t, err)

	v, err := Open(testConfig(t, store))
	require.NoError(t, err)
	assert.Equal(t, crashed.FreeBlocks(), v.FreeBlocks())

	second := randomBytes(t, 9000)
	_, err = v.Store("/b", second)
	require.NoError(t, err)

	got, err := v.Read("/a")
	require.NoError(t, err)
	assert.Equal(t, first, got)
	got, err = v.Read("/b")
	require.NoError(t, err)
	assert.Equal(t, second, got)

	entries, err := v.List("/")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.NotEqual(t, entries[0].ID, entries[1].ID)

	after, err := v.Stat("/b")
	require.NoError(t, err)
	assert.NotContains(t, before.Pointers, after.ID)
	for _, id := range after.Pointers {
		assert.NotContains(t, before.Pointers, id)
		assert.NotEqual(t, before.ID, id)
	}
	require.NoError(t, v.Check())
	require.NoError(t, v.Close())
}

func TestOpenFreesOrphanedBlocks(t *testing.T) {
	store := blockstore.NewMemoryStore()
	crashed, err := Format(testConfig(t, store))
	require.NoError(t, err)
	_, err = crashed.Store("/a", randomBytes(t, 3000))
	require.NoError(t, err)
	free := crashed.FreeBlocks()

	// persisted and synced, never linked
	orphans, err := crashed.alloc.AllocateN(3)
	require.NoError(t, err)
	for _, id := range orphans {
		require.NoError(t, store.Put(id, []byte("stray")))
	}
	require.NoError(t, crashed.Sync())

	v, err := Open(testConfig(t, store))
	require.NoError(t, err)
	assert.Equal(t, free, v.FreeBlocks())
	for _, id := range orphans {
		ok, err := store.Has(id)
		require.NoError(t, err)
		assert.False(t, ok, "block %d", id)
	}
	require.NoError(t, v.Check())
	_, err = v.Read("/a")
	require.NoError(t, err)
	require.NoError(t, v.Close())
}

func TestCloseWaitsForOperations(t *testing.T) {
	cfg := testConfig(t, blockstore.NewMemoryStore())
	cfg.Pool = nil
	cfg.Workers = 2
	v, err := Format(cfg)
	require.NoError(t, err)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			<-start
			for i := 0; i < 10; i++ {
				_, err := v.Store(fileName(g), randomBytes(t, 2000))
				if err != nil {
					assert.ErrorIs(t, err, ErrClosed)
					return
				}
				_, err = v.Read(fileName(g))
				if err != nil {
					assert.ErrorIs(t, err, ErrClosed)
					return
				}
			}
		}(g)
	}
	close(start)
	require.NoError(t, v.Close())
	wg.Wait()

	_, err = v.Store("/late", []byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, v.Walk(func(string, *model.InodeBlock) error { return nil }), ErrClosed)
}

func TestSharedPoolClosed(t *testing.T) {
	pool := workerpool.NewWorkerPool(workerpool.Config{WorkerCount: 2})
	v := formatTestVolume(t, func(c *Config) { c.Pool = pool })
	data := randomBytes(t, 5000)
	_, err := v.Store("/f", data)
	require.NoError(t, err)

	pool.Close()

	_, err = v.Read("/f")
	require.ErrorIs(t, err, workerpool.ErrClosed)
	assert.NotErrorIs(t, err, ErrInsufficientFragments)

	_, err = v.Store("/g", data)
	assert.ErrorIs(t, err, workerpool.ErrClosed)
	_, err = v.Stat("/g")
	assert.ErrorIs(t, err, inode.ErrNotFound)
	_, err = v.GrowRedundancy("/f", 1, nil)
	assert.ErrorIs(t, err, workerpool.ErrClosed)
	require.NoError(t, v.Check())
}
