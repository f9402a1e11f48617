package buffercache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kcache/src/bdev"
	"kcache/src/defs"
	"kcache/src/mem"
)

func newTestPool(t *testing.T, nbufs int) (*Pool_t, *bdev.MemDisk_t) {
	t.Helper()
	disk := bdev.NewMemDisk()
	reg := bdev.NewRegistry()
	reg.Register(1, disk)
	tun := defs.Tunables_t{NrBufs: nbufs, NrBufHash: 8, NrBufReclaim: 4}
	p := NewPool(tun, mem.NewPool(nbufs), reg, nil, nil)
	return p, disk
}

func TestBreadCacheHit(t *testing.T) {
	p, disk := newTestPool(t, 4)

	b1, err := p.Bread(1, 10, 512)
	require.Equal(t, defs.Err_t(0), err)
	p.Brelse(b1)
	require.Equal(t, 1, disk.Reads)

	b2, err := p.Bread(1, 10, 512)
	require.Equal(t, defs.Err_t(0), err)
	p.Brelse(b2)

	assert.Equal(t, 1, disk.Reads, "second bread for the same id must hit the cache, not re-read the device")
}

func TestLRUEvictionReusesOldestFreeBuffer(t *testing.T) {
	p, _ := newTestPool(t, 2)

	b1, _ := p.Bread(1, 1, 512)
	p.Brelse(b1)
	b2, _ := p.Bread(1, 2, 512)
	p.Brelse(b2)

	// Pool has only 2 slots; both are now free (id=1, id=2). A third
	// distinct block must evict the least-recently-released one (id=1).
	b3, _ := p.Bread(1, 3, 512)
	p.Brelse(b3)

	if _, ok := p.hashFindPublic(ID_t{Dev: 1, Block: 1, Size: 512}); ok {
		t.Fatalf("block 1 should have been evicted to make room for block 3")
	}
	if _, ok := p.hashFindPublic(ID_t{Dev: 1, Block: 2, Size: 512}); !ok {
		t.Fatalf("block 2 should still be cached, it was released more recently than block 1")
	}
}

func TestBwriteMarksDirtyAndSyncFlushes(t *testing.T) {
	p, disk := newTestPool(t, 4)

	b, _ := p.Bread(1, 5, 512)
	copy(b.Data(), []byte("hello"))
	p.Bwrite(b)

	assert.Equal(t, 0, disk.Writes, "bwrite must not synchronously flush")

	p.SyncBuffers(1)
	assert.Equal(t, 1, disk.Writes, "sync_buffers must flush the dirty buffer")

	b2, _ := p.Bread(1, 5, 512)
	assert.Equal(t, "hello", string(b2.Data()[:5]))
	p.Brelse(b2)
}

func TestInvalidateBuffersDiscardsDirtyData(t *testing.T) {
	p, _ := newTestPool(t, 4)

	b, _ := p.Bread(1, 7, 512)
	copy(b.Data(), []byte("dirty"))
	p.Bwrite(b)

	p.InvalidateBuffers(1)

	if _, ok := p.hashFindPublic(ID_t{Dev: 1, Block: 7, Size: 512}); ok {
		t.Fatalf("invalidate_buffers must remove the buffer from the hash")
	}
}

func TestReclaimBuffersFreesDataAreas(t *testing.T) {
	p, _ := newTestPool(t, 4)

	for i := 0; i < 4; i++ {
		b, _ := p.Bread(1, i, 512)
		p.Brelse(b)
	}

	freed := p.ReclaimBuffers()
	assert.Greater(t, freed, 0)
	assert.Equal(t, 4, p.mem.NumFree())
}

// hashFindPublic lets tests observe hash membership without exporting the
// underlying arena-link machinery.
func (p *Pool_t) hashFindPublic(id ID_t) (*Buffer_t, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.hashFind(id)
	if i == nilIdx {
		return nil, false
	}
	return &p.bufs[i], true
}
