// Package inode is the filesystem-specific external collaborator
// spec.md §6 describes: an opaque inode identity, its size and device, and
// the bmap computation that turns a byte offset into a device block
// number. This package is deliberately minimal — an in-memory extent map
// sufficient to drive src/fileio's read/write glue — standing in for a
// real on-disk inode layer the way spec.md §1 calls for.
//
// Grounded on the teacher's ufs.Ufs_inode_t/Imemnode_t shape
// (biscuit/src/ufs/ufs.go): an inode id, a device, a size, and a mutex
// guarding mutable fields, with bmap delegated to a per-filesystem
// extent/indirect-block lookup.
package inode

import (
	"sync"
	"time"

	"kcache/src/defs"
)

// Inode_i is the contract src/fileio depends on. A concrete filesystem
// would implement it against its own on-disk layout; Inode_t below is the
// in-memory stand-in used by this module's tests and demo.
type Inode_i interface {
	ID() uint64
	Dev() uint
	Size() int64
	BlockSize() int
	Bmap(off int64, mode defs.Bmode_t) (block int, err defs.Err_t)
	Lock()
	Unlock()
	MarkDirty()
	SetSize(n int64)
	Touch()
}

// Inode_t is an in-memory inode backed by a sparse extent map: offsets are
// rounded down to the inode's block size and looked up directly, so reads
// past any block that was never written surface as holes (spec.md §4.5's
// "file_read zero-fills unmapped ranges").
type Inode_t struct {
	mu sync.Mutex // guards the fields below against concurrent access

	// opMu is the inode-level lock spec.md §4.5 calls "Lock the inode":
	// held by a whole file_read/file_write call, across the several
	// field-mutex-guarded field accesses (Bmap, SetSize, Touch, ...) that
	// call makes. Kept separate from mu so those calls don't self-deadlock
	// against the lock their own caller is holding.
	opMu sync.Mutex

	id        uint64
	dev       uint
	blockSize int
	size      int64
	dirty     bool
	ctime     time.Time
	mtime     time.Time

	extents map[int64]int // block-aligned offset -> device block number
	nextblk int
}

// New returns an empty inode with the given id, device, and block size.
func New(id uint64, dev uint, blockSize int) *Inode_t {
	now := time.Now()
	return &Inode_t{
		id:        id,
		dev:       dev,
		blockSize: blockSize,
		ctime:     now,
		mtime:     now,
		extents:   make(map[int64]int),
		nextblk:   1, // block 0 reserved, matching the teacher's superblock convention
	}
}

func (i *Inode_t) ID() uint64     { return i.id }
func (i *Inode_t) Dev() uint      { return i.dev }
func (i *Inode_t) BlockSize() int { return i.blockSize }

func (i *Inode_t) Size() int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.size
}

func (i *Inode_t) SetSize(n int64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if n > i.size {
		i.size = n
	}
}

func (i *Inode_t) MarkDirty() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.dirty = true
}

// Touch updates mtime and ctime to now, per spec.md §4.5 step 3 ("touch
// mtime/ctime") on every completed write, independent of whether the
// write extended the inode's size.
func (i *Inode_t) Touch() {
	i.mu.Lock()
	defer i.mu.Unlock()
	now := time.Now()
	i.mtime = now
	i.ctime = now
}

func (i *Inode_t) Dirty() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.dirty
}

func (i *Inode_t) CTime() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ctime
}

func (i *Inode_t) MTime() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.mtime
}

func (i *Inode_t) Lock()   { i.opMu.Lock() }
func (i *Inode_t) Unlock() { i.opMu.Unlock() }

// Bmap resolves off to a device block number, allocating a fresh block on
// FOR_WRITING if none is mapped yet (spec.md §4.5's write path: "bmap may
// allocate a new block"). FOR_READING against an unmapped offset returns a
// successful 0, per spec.md §6/GLOSSARY's bmap contract ("0 meaning
// hole") — callers (src/fileio) must check the returned block, not the
// error, to detect a hole. Block 0 is otherwise never allocated (nextblk
// starts at 1), so a 0 return is unambiguous.
func (i *Inode_t) Bmap(off int64, mode defs.Bmode_t) (int, defs.Err_t) {
	i.mu.Lock()
	defer i.mu.Unlock()
	key := (off / int64(i.blockSize)) * int64(i.blockSize)
	if b, ok := i.extents[key]; ok {
		return b, 0
	}
	if mode == defs.FOR_READING {
		return 0, 0
	}
	b := i.nextblk
	i.nextblk++
	i.extents[key] = b
	i.dirty = true
	return b, 0
}
