// Package pagecache is the page pool of spec.md §4.3: a fixed array of
// page descriptors covering a slice of physical memory, keyed by (inode
// id, file offset, device), with a free list and a hash chain. It mirrors
// buffercache's arena-link design but with reference counting in place of
// a single LOCKED-implies-owned model: a page is on the free list iff its
// reference count is zero and it is not RESERVED (spec.md §3.3).
//
// Grounded on the teacher's mem.Physmem_t (biscuit/src/mem/mem.go), which
// is the closest analogue in the pack to a fixed, refcounted physical page
// table, reshaped into the file-offset-keyed cache spec.md describes.
package pagecache

import (
	xxhash "github.com/OneOfOne/xxhash"
	"github.com/sirupsen/logrus"

	"kcache/src/defs"
	"kcache/src/mem"
	"kcache/src/oommsg"
	"kcache/src/proc"
	"kcache/src/stats"
)

const nilIdx = -1

// ID_t identifies a cached page. A page whose cached flag is false is anonymous
// (spec.md §3.2: "absent values... mean not currently cached").
type ID_t struct {
	Ino uint64
	Off int
	Dev uint
}

// Page_t is one page-sized slot of the cache's backing memory. Data is
// fixed for the lifetime of the pool once allocated at construction
// (spec.md §3.2: "fixed for non-reserved pages; established at init");
// only the identity, refcount, and flags change as the page cycles
// between anonymous and cached.
type Page_t struct {
	idx    int
	data   []byte
	pa     mem.Pa_t
	id     ID_t
	cached bool
	refcnt int32
	flags  uint32

	lock *proc.Lock_t // the PAGE_LOCKED bit of spec.md §4.1

	freePrev, freeNext int
	hashPrev, hashNext int
}

// Index returns the page's stable position in the pool's array.
func (pg *Page_t) Index() int { return pg.idx }

// Data returns the page's backing storage (always PAGE_SIZE bytes).
func (pg *Page_t) Data() []byte { return pg.data }

// Reserved reports whether the page is permanently unavailable for
// caching (kernel image, BIOS-reserved ranges).
func (pg *Page_t) Reserved() bool { return pg.flags&defs.PAGE_RESERVED != 0 }

// Pool_t is the fixed-size page cache described by spec.md §4.3.
type Pool_t struct {
	mu proc.Cli_t

	pages     []Page_t
	hashHeads []int
	freeHead  int
	freeCount int

	mem *mem.Pool_t

	pagewait *proc.Waitchan_t // a locked page became unlocked
	freewait *proc.Waitchan_t // get_free_page sleeps here; ReleasePage wakes it
	oom      oommsg.Chan_t    // wakes the reclaimer (src/kswapd)

	log *logrus.Entry
	st  *stats.Cache_t
}

// NewPool allocates t.NrPages page descriptors, each permanently bound to
// one slot of m, with the first nReserved marked RESERVED and withheld
// from the free list (spec.md §3.2/§3.4).
func NewPool(t defs.Tunables_t, nReserved int, m *mem.Pool_t, oom oommsg.Chan_t, log *logrus.Entry, st *stats.Cache_t) *Pool_t {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if st == nil {
		st = &stats.Cache_t{}
	}
	p := &Pool_t{
		pages:     make([]Page_t, t.NrPages),
		hashHeads: make([]int, t.NrPageHash),
		freeHead:  nilIdx,
		mem:       m,
		pagewait:  proc.NewWaitchan(),
		freewait:  proc.NewWaitchan(),
		oom:       oom,
		log:       log.WithField("pool", "pagecache"),
		st:        st,
	}
	for i := range p.hashHeads {
		p.hashHeads[i] = nilIdx
	}
	for i := range p.pages {
		pg := &p.pages[i]
		*pg = Page_t{idx: i, lock: proc.NewLock(), freePrev: nilIdx, freeNext: nilIdx, hashPrev: nilIdx, hashNext: nilIdx}
		pa, data, ok := m.Alloc()
		if !ok {
			panic("pagecache: not enough physical memory for the configured page pool size")
		}
		pg.pa, pg.data = pa, data
		if i < nReserved {
			pg.flags |= defs.PAGE_RESERVED
			continue
		}
		p.freeListInsertTail(i)
		p.freeCount++
	}
	return p
}

// --- intrusive list helpers; callers must hold p.mu ---

func (p *Pool_t) freeListInsertTail(i int) {
	pg := &p.pages[i]
	if p.freeHead == nilIdx {
		pg.freeNext, pg.freePrev = i, i
		p.freeHead = i
		return
	}
	head := &p.pages[p.freeHead]
	tail := &p.pages[head.freePrev]
	pg.freeNext = p.freeHead
	pg.freePrev = head.freePrev
	tail.freeNext = i
	head.freePrev = i
}

func (p *Pool_t) freeListInsertHead(i int) {
	p.freeListInsertTail(i)
	p.freeHead = i
}

func (p *Pool_t) freeListRemove(i int) {
	pg := &p.pages[i]
	if pg.freeNext == i {
		p.freeHead = nilIdx
	} else {
		p.pages[pg.freePrev].freeNext = pg.freeNext
		p.pages[pg.freeNext].freePrev = pg.freePrev
		if p.freeHead == i {
			p.freeHead = pg.freeNext
		}
	}
	pg.freeNext, pg.freePrev = nilIdx, nilIdx
}

func (p *Pool_t) hashBucket(id ID_t) int {
	h := xxhash.New64()
	var b [20]byte
	putUint64(b[0:8], id.Ino)
	putUint64(b[8:16], uint64(id.Off))
	putUint64(b[16:20], uint64(id.Dev))
	h.Write(b[:])
	return int(h.Sum64() % uint64(len(p.hashHeads)))
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < len(b) && i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}

func (p *Pool_t) hashFind(id ID_t) int {
	bi := p.hashBucket(id)
	for i := p.hashHeads[bi]; i != nilIdx; i = p.pages[i].hashNext {
		if p.pages[i].id == id {
			return i
		}
	}
	return nilIdx
}

func (p *Pool_t) hashInsert(i int) {
	pg := &p.pages[i]
	bi := p.hashBucket(pg.id)
	pg.hashNext = p.hashHeads[bi]
	pg.hashPrev = nilIdx
	if pg.hashNext != nilIdx {
		p.pages[pg.hashNext].hashPrev = i
	}
	p.hashHeads[bi] = i
	pg.cached = true
}

func (p *Pool_t) hashRemove(i int) {
	pg := &p.pages[i]
	if !pg.cached {
		return
	}
	bi := p.hashBucket(pg.id)
	if pg.hashPrev != nilIdx {
		p.pages[pg.hashPrev].hashNext = pg.hashNext
	} else {
		p.hashHeads[bi] = pg.hashNext
	}
	if pg.hashNext != nilIdx {
		p.pages[pg.hashNext].hashPrev = pg.hashPrev
	}
	pg.hashNext, pg.hashPrev = nilIdx, nilIdx
	pg.cached = false
}

// --- public cache contract ---

// GetFreePage pops the head of the free list. If the free list is empty it
// wakes the memory reclaimer and blocks on the free-page channel, per
// spec.md §4.3/§4.4; if still empty on resumption it logs OOM and returns
// nil.
func (p *Pool_t) GetFreePage() (*Page_t, defs.Err_t) {
	p.mu.Lock()
	if p.freeHead == nilIdx {
		p.mu.Unlock()
		resume := make(chan bool, 1)
		if p.oom != nil {
			p.oom <- oommsg.Oommsg_t{Need: 1, Resume: resume}
			<-resume
		}
		p.freewait.Sleep()
		p.mu.Lock()
		if p.freeHead == nilIdx {
			p.mu.Unlock()
			p.st.PageAllocFails.Inc()
			p.log.Warn("get_free_page: out of memory after reclaim attempt")
			return nil, defs.ENOMEM
		}
	}
	i := p.freeHead
	pg := &p.pages[i]
	p.freeListRemove(i)
	p.freeCount--
	if pg.cached {
		p.hashRemove(i)
	}
	pg.id = ID_t{}
	pg.refcnt = 1
	p.mu.Unlock()
	return pg, 0
}

// SearchPageHash returns the cached page matching (ino, off, dev) with its
// reference count incremented, removing it from the free list first if it
// was idle there.
func (p *Pool_t) SearchPageHash(ino uint64, off int, dev uint) (*Page_t, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.hashFind(ID_t{Ino: ino, Off: off, Dev: dev})
	if i == nilIdx {
		p.st.PageMisses.Inc()
		return nil, false
	}
	pg := &p.pages[i]
	if pg.refcnt == 0 {
		p.freeListRemove(i)
		p.freeCount--
	}
	pg.refcnt++
	p.st.PageHits.Inc()
	return pg, true
}

// InsertPage hashes a freshly-populated anonymous page under (ino, off,
// dev), making it cacheable by future SearchPageHash lookups. Callers
// retain their existing reference.
func (p *Pool_t) InsertPage(pg *Page_t, ino uint64, off int, dev uint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pg.id = ID_t{Ino: ino, Off: off, Dev: dev}
	p.hashInsert(pg.idx)
}

// ReleasePage decrements a page's reference count; at zero it rejoins the
// free list (head if anonymous, for immediate reuse; tail if cached, to
// stay around for reuse — spec.md §4.3.1). Releasing an unreferenced page
// is an invariant violation and panics.
func (p *Pool_t) ReleasePage(idx int) {
	p.mu.Lock()
	if idx < 0 || idx >= len(p.pages) {
		p.mu.Unlock()
		panic("pagecache: release of out-of-range page index")
	}
	pg := &p.pages[idx]
	if pg.refcnt <= 0 {
		p.mu.Unlock()
		panic("pagecache: release of unreferenced page")
	}
	pg.refcnt--
	if pg.refcnt != 0 {
		p.mu.Unlock()
		return
	}
	if pg.cached {
		p.freeListInsertTail(idx)
	} else {
		p.freeListInsertHead(idx)
	}
	p.freeCount++
	p.mu.Unlock()
	p.freewait.Wakeall()
}

// PageLock sets a page's LOCKED bit, sleeping on the page wait channel if
// it is already set (spec.md §4.1).
func (p *Pool_t) PageLock(idx int) {
	for {
		if p.pages[idx].lock.TryLock() {
			return
		}
		p.pagewait.Sleep()
	}
}

// PageUnlock clears a page's LOCKED bit and wakes waiters.
func (p *Pool_t) PageUnlock(idx int) {
	p.pages[idx].lock.Unlock()
	p.pagewait.Wakeall()
}

// FreeWait exposes the free-page wait channel. ReleasePage wakes it;
// kswapd does not use it and answers an OOM request on its Resume channel
// instead.
func (p *Pool_t) FreeWait() *proc.Waitchan_t { return p.freewait }

// FreeCount reports the current free-page count (observability only).
func (p *Pool_t) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freeCount
}
