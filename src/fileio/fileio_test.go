package fileio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kcache/src/bdev"
	"kcache/src/buffercache"
	"kcache/src/defs"
	"kcache/src/inode"
	"kcache/src/mem"
	"kcache/src/oommsg"
	"kcache/src/pagecache"
)

const blockSize = 512
const pageSize = 2048 // four blocks per page, exercises the errgroup fan-out

func newTestGlue(t *testing.T) (*Glue_t, *inode.Inode_t) {
	t.Helper()
	disk := bdev.NewMemDisk()
	reg := bdev.NewRegistry()
	reg.Register(1, disk)

	tun := defs.Tunables_t{NrBufs: 32, NrBufHash: 8, NrBufReclaim: 4, NrPages: 8, NrPageHash: 4}
	m := mem.NewPool(tun.NrBufs + tun.NrPages)
	bc := buffercache.NewPool(tun, m, reg, nil, nil)
	pc := pagecache.NewPool(tun, 0, m, oommsg.New(), nil, nil)

	g := New(bc, pc, pageSize, blockSize)
	ino := inode.New(7, 1, blockSize)
	return g, ino
}

func TestFileWriteThenFileReadRoundTrips(t *testing.T) {
	g, ino := newTestGlue(t)

	msg := []byte("the quick brown fox jumps over the lazy dog")
	n, err := g.FileWrite(ino, &Fd_t{}, msg)
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, len(msg), n)

	got := make([]byte, len(msg))
	n, err = g.FileRead(ino, &Fd_t{}, got)
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, len(msg), n)
	assert.Equal(t, msg, got)
}

func TestFileReadAroundHoleZeroFills(t *testing.T) {
	g, ino := newTestGlue(t)

	// Write only the tail block of the page; the leading blocks are holes.
	tail := []byte("tail-data")
	_, err := g.FileWrite(ino, &Fd_t{Offset: int64(3 * blockSize)}, tail)
	require.Equal(t, defs.Err_t(0), err)

	buf := make([]byte, pageSize)
	n, err := g.FileRead(ino, &Fd_t{}, buf)
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, 3*blockSize+len(tail), n)

	for i := 0; i < 3*blockSize; i++ {
		if buf[i] != 0 {
			t.Fatalf("expected hole byte %d to be zero, got %d", i, buf[i])
		}
	}
	assert.Equal(t, "tail-data", string(buf[3*blockSize:3*blockSize+len(tail)]))
}

func TestFileWriteUpdatesAlreadyCachedPage(t *testing.T) {
	g, ino := newTestGlue(t)

	_, err := g.FileWrite(ino, &Fd_t{}, []byte("v1"))
	require.Equal(t, defs.Err_t(0), err)

	// Populate the page cache with a read.
	buf := make([]byte, 2)
	_, err = g.FileRead(ino, &Fd_t{}, buf)
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, "v1", string(buf))

	// A second write must push its bytes into the now-cached page too.
	_, err = g.FileWrite(ino, &Fd_t{}, []byte("v2"))
	require.Equal(t, defs.Err_t(0), err)

	buf2 := make([]byte, 2)
	_, err = g.FileRead(ino, &Fd_t{}, buf2)
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, "v2", string(buf2))
}

func TestFileWriteGrowsSizeAndAdvancesOffset(t *testing.T) {
	g, ino := newTestGlue(t)

	fd := &Fd_t{}
	_, err := g.FileWrite(ino, fd, []byte("hello"))
	require.Equal(t, defs.Err_t(0), err)
	assert.EqualValues(t, 5, ino.Size())
	assert.EqualValues(t, 5, fd.Offset)

	_, err = g.FileWrite(ino, fd, []byte(" world"))
	require.Equal(t, defs.Err_t(0), err)
	assert.EqualValues(t, 11, ino.Size())
	assert.EqualValues(t, 11, fd.Offset)

	got := make([]byte, 11)
	n, err := g.FileRead(ino, &Fd_t{}, got)
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, 11, n)
	assert.Equal(t, "hello world", string(got))
}

// TestFileWriteAppendIgnoresCallerOffset exercises scenario S6: a write
// against an Fd_t with Append set must write at the inode's current size
// regardless of whatever offset the caller left in fd.Offset, and must
// leave fd.Offset positioned after the appended bytes.
func TestFileWriteAppendIgnoresCallerOffset(t *testing.T) {
	g, ino := newTestGlue(t)

	_, err := g.FileWrite(ino, &Fd_t{}, []byte("0123456789")) // size = 10
	require.Equal(t, defs.Err_t(0), err)
	require.EqualValues(t, 10, ino.Size())

	before := ino.MTime()
	time.Sleep(time.Millisecond)

	fd := &Fd_t{Offset: 0, Append: true} // stale caller-supplied offset
	n, err := g.FileWrite(ino, fd, []byte("abc"))
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, 3, n)

	assert.EqualValues(t, 13, ino.Size())
	assert.EqualValues(t, 13, fd.Offset)
	assert.True(t, ino.MTime().After(before))
	assert.True(t, ino.CTime().After(before))

	got := make([]byte, 13)
	n, err = g.FileRead(ino, &Fd_t{}, got)
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, 13, n)
	assert.Equal(t, "0123456789abc", string(got))
}
