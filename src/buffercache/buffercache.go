// Package buffercache is the buffer pool of spec.md §4.2: a fixed array of
// buffer descriptors keyed by (device, block number, block size), with a
// free list, a hash chain, and a dirty list, grounded on the teacher's
// fs.Bdev_block_t (biscuit/src/fs/blk.go) but reshaped from that file's
// per-request channel plumbing into the lock/sleep/retry cache described
// by the specification: getblk, bread, bwrite, brelse, sync_buffers,
// invalidate_buffers, reclaim_buffers.
//
// List links are index-based arena links into the fixed bufs array
// (spec.md's Design Notes §9 prefers this over reference-counted heap
// nodes), not the teacher's container/list-based BlkList_t: the point of
// the fixed pool is that membership changes without allocation.
package buffercache

import (
	"sync"

	"github.com/sirupsen/logrus"

	"kcache/src/bdev"
	"kcache/src/defs"
	"kcache/src/mem"
	"kcache/src/proc"
	"kcache/src/stats"
)

const nilIdx = -1

// ID_t identifies a cached block. Size is part of equality but not of the
// hash index, per spec.md §3.1 and §4.2.3.
type ID_t struct {
	Dev   uint
	Block int
	Size  int
}

// Buffer_t is one cached disk block. Fields are only safe to read/write
// while the owning Pool_t's critical section is held, except for Data,
// which is only safe to touch by whoever currently holds the LOCKED bit
// (spec.md §5: "within a single (dev, block, size), all readers and
// writers are serialized by the LOCKED bit").
type Buffer_t struct {
	id      ID_t
	data    []byte
	pa      mem.Pa_t
	hasData bool
	flags   uint32

	lock    *proc.Lock_t // the LOCKED bit of spec.md §4.1
	onDirty bool
	hashed  bool

	freePrev, freeNext   int
	hashPrev, hashNext   int
	dirtyPrev, dirtyNext int
}

// ID returns the buffer's current (dev, block, size) identity.
func (b *Buffer_t) ID() ID_t { return b.id }

// Valid reports whether the BUFFER_VALID flag is set.
func (b *Buffer_t) Valid() bool { return b.flags&defs.BUFFER_VALID != 0 }

// Dirty reports whether the BUFFER_DIRTY flag is set.
func (b *Buffer_t) Dirty() bool { return b.flags&defs.BUFFER_DIRTY != 0 }

// Data returns the buffer's contents, sized to its identity's block size.
// Valid only while the caller holds the buffer locked.
func (b *Buffer_t) Data() []byte { return b.data[:b.id.Size] }

// Pool_t is the fixed-size buffer cache described by spec.md §4.2.
type Pool_t struct {
	mu proc.Cli_t // the interrupt-disable-equivalent critical section of spec.md §5

	bufs      []Buffer_t
	hashHeads []int
	freeHead  int
	dirtyHead int
	dirtyTail int

	mem *mem.Pool_t
	reg *bdev.Registry_t

	bufwait  *proc.Waitchan_t // a locked buffer became unlocked
	freewait *proc.Waitchan_t // the free list gained an entry

	syncmu sync.Mutex // serializes sync_buffers per spec.md §5

	nrBufReclaim int
	log          *logrus.Entry
	st           *stats.Cache_t
}

// NewPool constructs a buffer pool with t.NrBufs descriptors, all
// initially free and un-hashed, matching spec.md §3.4's buffer lifecycle:
// "created once at init with no data area, inserted on the free list."
func NewPool(t defs.Tunables_t, m *mem.Pool_t, reg *bdev.Registry_t, log *logrus.Entry, st *stats.Cache_t) *Pool_t {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if st == nil {
		st = &stats.Cache_t{}
	}
	p := &Pool_t{
		bufs:         make([]Buffer_t, t.NrBufs),
		hashHeads:    make([]int, t.NrBufHash),
		freeHead:     nilIdx,
		dirtyHead:    nilIdx,
		dirtyTail:    nilIdx,
		mem:          m,
		reg:          reg,
		bufwait:      proc.NewWaitchan(),
		freewait:     proc.NewWaitchan(),
		nrBufReclaim: t.NrBufReclaim,
		log:          log.WithField("pool", "buffercache"),
		st:           st,
	}
	for i := range p.hashHeads {
		p.hashHeads[i] = nilIdx
	}
	for i := range p.bufs {
		p.bufs[i] = Buffer_t{lock: proc.NewLock(), freePrev: nilIdx, freeNext: nilIdx, hashPrev: nilIdx, hashNext: nilIdx, dirtyPrev: nilIdx, dirtyNext: nilIdx}
		p.freeListInsertTail(i)
	}
	return p
}

// --- intrusive list helpers; callers must hold p.mu ---

func (p *Pool_t) freeListInsertTail(i int) {
	b := &p.bufs[i]
	if p.freeHead == nilIdx {
		b.freeNext, b.freePrev = i, i
		p.freeHead = i
		return
	}
	head := &p.bufs[p.freeHead]
	tailIdx := head.freePrev
	tail := &p.bufs[tailIdx]
	b.freeNext = p.freeHead
	b.freePrev = tailIdx
	tail.freeNext = i
	head.freePrev = i
}

func (p *Pool_t) freeListInsertHead(i int) {
	p.freeListInsertTail(i)
	p.freeHead = i
}

func (p *Pool_t) freeListRemove(i int) {
	b := &p.bufs[i]
	if b.freeNext == i {
		// sole element
		p.freeHead = nilIdx
	} else {
		p.bufs[b.freePrev].freeNext = b.freeNext
		p.bufs[b.freeNext].freePrev = b.freePrev
		if p.freeHead == i {
			p.freeHead = b.freeNext
		}
	}
	b.freeNext, b.freePrev = nilIdx, nilIdx
}

func (p *Pool_t) hashBucket(dev uint, block int) int {
	return int((dev ^ uint(block)) % uint(len(p.hashHeads)))
}

func (p *Pool_t) hashFind(id ID_t) int {
	bi := p.hashBucket(id.Dev, id.Block)
	for i := p.hashHeads[bi]; i != nilIdx; i = p.bufs[i].hashNext {
		if p.bufs[i].id == id {
			return i
		}
	}
	return nilIdx
}

func (p *Pool_t) hashInsert(i int) {
	b := &p.bufs[i]
	bi := p.hashBucket(b.id.Dev, b.id.Block)
	b.hashNext = p.hashHeads[bi]
	b.hashPrev = nilIdx
	if b.hashNext != nilIdx {
		p.bufs[b.hashNext].hashPrev = i
	}
	p.hashHeads[bi] = i
	b.hashed = true
}

func (p *Pool_t) hashRemove(i int) {
	b := &p.bufs[i]
	if !b.hashed {
		return
	}
	bi := p.hashBucket(b.id.Dev, b.id.Block)
	if b.hashPrev != nilIdx {
		p.bufs[b.hashPrev].hashNext = b.hashNext
	} else {
		p.hashHeads[bi] = b.hashNext
	}
	if b.hashNext != nilIdx {
		p.bufs[b.hashNext].hashPrev = b.hashPrev
	}
	b.hashNext, b.hashPrev = nilIdx, nilIdx
	b.hashed = false
}

func (p *Pool_t) dirtyInsert(i int) {
	b := &p.bufs[i]
	if b.onDirty {
		return
	}
	b.dirtyNext = nilIdx
	b.dirtyPrev = p.dirtyTail
	if p.dirtyTail != nilIdx {
		p.bufs[p.dirtyTail].dirtyNext = i
	} else {
		p.dirtyHead = i
	}
	p.dirtyTail = i
	b.onDirty = true
}

func (p *Pool_t) dirtyRemove(i int) {
	b := &p.bufs[i]
	if !b.onDirty {
		return
	}
	if b.dirtyPrev != nilIdx {
		p.bufs[b.dirtyPrev].dirtyNext = b.dirtyNext
	} else {
		p.dirtyHead = b.dirtyNext
	}
	if b.dirtyNext != nilIdx {
		p.bufs[b.dirtyNext].dirtyPrev = b.dirtyPrev
	} else {
		p.dirtyTail = b.dirtyPrev
	}
	b.dirtyNext, b.dirtyPrev = nilIdx, nilIdx
	b.onDirty = false
}

// --- public cache contract ---

// getblk returns a locked buffer identified by id, per spec.md §4.2.1.
func (p *Pool_t) getblk(id ID_t) *Buffer_t {
	for {
		p.mu.Lock()
		if i := p.hashFind(id); i != nilIdx {
			b := &p.bufs[i]
			if !b.lock.TryLock() {
				p.mu.Unlock()
				p.bufwait.Sleep()
				continue
			}
			p.freeListRemove(i)
			p.mu.Unlock()
			return b
		}

		victim := p.freeHead
		if victim == nilIdx {
			p.mu.Unlock()
			p.freewait.Sleep()
			continue
		}
		vb := &p.bufs[victim]
		vb.lock.TryLock() // a free-list member is always unlocked; see the free-list/lock invariant
		p.freeListRemove(victim)
		wasDirty := vb.flags&defs.BUFFER_DIRTY != 0
		p.mu.Unlock()

		if wasDirty {
			p.flushOne(victim) // best-effort; see flushOne's doc for the failure case
		}

		if !p.bufs[victim].hasData {
			pa, data, ok := p.mem.Alloc()
			if !ok {
				p.log.WithField("id", id).Warn("out of memory allocating buffer data area")
				p.releaseLocked(victim)
				return nil
			}
			p.bufs[victim].pa = pa
			p.bufs[victim].data = data
			p.bufs[victim].hasData = true
		}

		p.mu.Lock()
		p.hashRemove(victim)
		vb.id = id
		vb.flags &^= defs.BUFFER_VALID
		p.hashInsert(victim)
		p.mu.Unlock()
		return vb
	}
}

// flushOne synchronously writes a dirty victim buffer back to its current
// device before it is repurposed. Per spec.md §4.2.1 step 3: on success
// DIRTY is cleared and the buffer leaves the dirty list; on failure the
// flag and dirty-list membership are left untouched even though the
// buffer's identity is about to be overwritten — the acknowledged
// data-loss window spec.md calls out (the old contents are lost; the
// reclaimer alone is careful enough to flush-before-evict with a
// retryable outcome).
func (p *Pool_t) flushOne(i int) {
	b := &p.bufs[i]
	drv, ok := p.reg.Lookup(b.id.Dev)
	if !ok {
		p.log.WithField("dev", b.id.Dev).Error("flush of evicted dirty buffer: no driver registered")
		return
	}
	_, err := drv.WriteBlock(b.id.Block, b.Data(), b.id.Size)
	if err == 0 {
		p.mu.Lock()
		b.flags &^= defs.BUFFER_DIRTY
		p.dirtyRemove(i)
		p.mu.Unlock()
		p.st.BufferWrites.Inc()
		return
	}
	p.log.WithFields(logrus.Fields{"dev": b.id.Dev, "block": b.id.Block, "err": err}).
		Error("evicting dirty buffer: write_block failed, data loss window")
}

// releaseLocked puts a locked-but-unidentified buffer back on the free
// list (head if not VALID, tail if VALID) and unlocks it (used only on the
// OOM path of getblk, before the buffer is re-identified).
func (p *Pool_t) releaseLocked(i int) {
	p.mu.Lock()
	b := &p.bufs[i]
	b.lock.Unlock()
	if b.flags&defs.BUFFER_VALID != 0 {
		p.freeListInsertTail(i)
	} else {
		p.freeListInsertHead(i)
	}
	p.mu.Unlock()
	p.bufwait.Wakeall()
	p.freewait.Wakeall()
}

// Bread returns a locked, valid buffer containing dev's block's current
// on-device contents, per spec.md §4.2.
func (p *Pool_t) Bread(dev uint, block int, size int) (*Buffer_t, defs.Err_t) {
	id := ID_t{Dev: dev, Block: block, Size: size}
	b := p.getblk(id)
	if b == nil {
		return nil, defs.ENOMEM
	}
	if b.Valid() {
		p.st.BufferHits.Inc()
		return b, 0
	}
	p.st.BufferMisses.Inc()

	drv, ok := p.reg.Lookup(dev)
	if !ok {
		p.log.WithField("dev", dev).Error("read_block: no driver registered")
		p.Brelse(b)
		return nil, defs.EIO
	}
	_, err := drv.ReadBlock(block, b.Data(), size)
	p.st.BufferReads.Inc()
	if err != 0 {
		p.log.WithFields(logrus.Fields{"dev": dev, "block": block, "err": err}).Error("read_block failed")
		p.Brelse(b)
		return nil, err
	}
	p.mu.Lock()
	b.flags |= defs.BUFFER_VALID
	p.mu.Unlock()
	return b, 0
}

// Bwrite marks buf DIRTY|VALID and releases it. Per spec.md §4.2, the
// write is not synchronous: buf joins the dirty list and is flushed by a
// later sync_buffers or reclaim_buffers.
func (p *Pool_t) Bwrite(buf *Buffer_t) {
	p.mu.Lock()
	buf.flags |= defs.BUFFER_DIRTY | defs.BUFFER_VALID
	p.mu.Unlock()
	p.Brelse(buf)
}

// Brelse releases a locked buffer per spec.md §4.2: joins the dirty list
// if dirty and not already there, rejoins the free list (tail if VALID,
// head if not — spec.md §4.2.2's "fresh buffer reused first" exception),
// clears LOCKED, and wakes both wait channels.
func (p *Pool_t) Brelse(buf *Buffer_t) {
	p.mu.Lock()
	i := p.indexOf(buf)
	if buf.flags&defs.BUFFER_DIRTY != 0 {
		p.dirtyInsert(i)
	}
	if buf.flags&defs.BUFFER_VALID != 0 {
		p.freeListInsertTail(i)
	} else {
		p.freeListInsertHead(i)
	}
	buf.lock.Unlock()
	p.mu.Unlock()
	p.bufwait.Wakeall()
	p.freewait.Wakeall()
}

func (p *Pool_t) indexOf(b *Buffer_t) int {
	for i := range p.bufs {
		if &p.bufs[i] == b {
			return i
		}
	}
	panic("buffercache: buffer does not belong to this pool")
}

// SyncBuffers flushes every dirty buffer matching dev (or all buffers if
// dev == 0) to its device, per spec.md §4.2 and §5's happens-before
// guarantee. Concurrent callers are serialized by syncmu; per spec.md's
// Design Notes §9 Open Question, this implementation resolves the
// concurrent-traversal question by snapshotting the dirty set up front
// rather than re-finding a live "next" pointer after each wait, since
// only one sync_buffers may run at a time anyway.
func (p *Pool_t) SyncBuffers(dev uint) {
	p.syncmu.Lock()
	defer p.syncmu.Unlock()

	p.mu.Lock()
	snapshot := make([]int, 0, 16)
	for i := p.dirtyHead; i != nilIdx; i = p.bufs[i].dirtyNext {
		snapshot = append(snapshot, i)
	}
	p.mu.Unlock()

	for _, i := range snapshot {
		b := &p.bufs[i]

		p.mu.Lock()
		if !b.onDirty || (dev != 0 && b.id.Dev != dev) {
			p.mu.Unlock()
			continue
		}
		p.mu.Unlock()

		p.lockBuffer(i)

		p.mu.Lock()
		stillDirty := b.onDirty && (dev == 0 || b.id.Dev == dev)
		id := b.id
		p.mu.Unlock()
		if !stillDirty {
			p.unlockBuffer(i)
			continue
		}

		drv, ok := p.reg.Lookup(id.Dev)
		var err defs.Err_t = defs.EIO
		if ok {
			_, err = drv.WriteBlock(id.Block, b.Data(), id.Size)
		}
		p.mu.Lock()
		if err == 0 {
			b.flags &^= defs.BUFFER_DIRTY
			p.dirtyRemove(i)
			p.st.SyncFlushed.Inc()
		} else {
			p.log.WithFields(logrus.Fields{"dev": id.Dev, "block": id.Block, "err": err}).
				Warn("sync_buffers: write_block failed, left dirty for retry")
			p.st.SyncErrored.Inc()
		}
		p.mu.Unlock()
		p.unlockBuffer(i)
	}
}

// lockBuffer waits for bufs[i]'s LOCKED bit to clear and sets it, without
// touching the free/hash/dirty lists (used by sync_buffers, which must
// not disturb the lists it is not iterating with ownership of).
func (p *Pool_t) lockBuffer(i int) {
	for {
		p.mu.Lock()
		b := &p.bufs[i]
		if b.lock.TryLock() {
			// sync_buffers locks a buffer it found on the dirty list,
			// which (per spec.md §3.3) means it is also on the free
			// list; remove it so the invariant "locked => not on free
			// list" holds while we write it back.
			p.freeListRemove(i)
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		p.bufwait.Sleep()
	}
}

func (p *Pool_t) unlockBuffer(i int) {
	p.mu.Lock()
	b := &p.bufs[i]
	b.lock.Unlock()
	if b.flags&defs.BUFFER_VALID != 0 {
		p.freeListInsertTail(i)
	} else {
		p.freeListInsertHead(i)
	}
	p.mu.Unlock()
	p.bufwait.Wakeall()
	p.freewait.Wakeall()
}

// InvalidateBuffers discards every unlocked buffer belonging to dev: it is
// unhashed and its VALID, DIRTY, and LOCKED flags are cleared, per
// spec.md §4.2 ("Dirty data is discarded — callers are expected to
// sync_buffers first if they care").
func (p *Pool_t) InvalidateBuffers(dev uint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.bufs {
		b := &p.bufs[i]
		if b.id.Dev != dev || b.lock.Locked() {
			continue
		}
		if b.hashed {
			p.hashRemove(i)
		}
		if b.onDirty {
			p.dirtyRemove(i)
		}
		b.flags &^= defs.BUFFER_VALID | defs.BUFFER_LOCKED | defs.BUFFER_DIRTY
	}
}

// ReclaimBuffers returns buffer data areas to the page allocator under
// memory pressure, per spec.md §4.2: walk the free list from the head in
// LRU order, flushing dirty buffers first, freeing and unhashing any that
// own a data area, stopping after NrBufReclaim data areas are freed or one
// full free-list traversal, whichever comes first. A buffer whose flush
// failed is still DIRTY and keeps its data area and its place on the dirty
// list, so a later sync_buffers can retry it. Marking a visited
// buffer VALID and moving it to the tail is how spec.md's "migrates to the
// tail, preventing revisit" is realized with a physical free-list
// reinsertion (see spec.md's Design Notes §9 Open Question on reclaim
// termination).
func (p *Pool_t) ReclaimBuffers() int {
	p.st.ReclaimRuns.Inc()

	p.mu.Lock()
	bound := 0
	for i := p.freeHead; i != nilIdx; i = p.bufs[i].freeNext {
		bound++
		if p.bufs[i].freeNext == p.freeHead {
			break
		}
	}
	p.mu.Unlock()

	freed := 0
	for step := 0; step < bound && freed < p.nrBufReclaim; step++ {
		p.mu.Lock()
		cur := p.freeHead
		if cur == nilIdx {
			p.mu.Unlock()
			break
		}
		b := &p.bufs[cur]
		wasDirty := b.flags&defs.BUFFER_DIRTY != 0
		p.mu.Unlock()

		if wasDirty {
			p.flushOne(cur)
		}

		p.mu.Lock()
		b.flags |= defs.BUFFER_VALID
		p.freeListRemove(cur)
		p.freeListInsertTail(cur)
		hadData := b.hasData && b.flags&defs.BUFFER_DIRTY == 0
		pa := b.pa
		if hadData {
			b.hasData = false
			if b.hashed {
				p.hashRemove(cur)
			}
		}
		p.mu.Unlock()

		if hadData {
			p.mem.Free(pa)
			freed++
			p.st.ReclaimFreed.Inc()
		}
	}

	if freed > 0 {
		p.freewait.Wakeall()
	}
	return freed
}

// FreeWait exposes the free-list wait channel. ReclaimBuffers and every
// release already wake it; kswapd does not use it.
func (p *Pool_t) FreeWait() *proc.Waitchan_t { return p.freewait }
