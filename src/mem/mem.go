// Package mem is the physical page allocator that backs both the buffer
// cache and the page cache's data areas, standing in for the teacher
// kernel's mem package (Physmem_t / Pa_t / Bytepg_t) and the kmalloc/kfree
// contract spec.md §1 lists as an external collaborator.
//
// Unlike the teacher's Physmem_t, which manages real physical address
// ranges discovered from the boot-time memory map, this Pool_t backs a
// single fixed-size arena allocated once at construction (via mmap on
// platforms that support it, see mem_unix.go/mem_other.go) and hands out
// page-sized slices from it. Both caches only ever need page-sized data
// areas (spec.md §9: "Avoid reference-counted heap nodes — the fixed pool
// is the point"), so there is no general-purpose sizing here.
package mem

import (
	"sync"

	"github.com/pkg/errors"
)

// Pa_t is an opaque handle to one page-sized slot in the arena, the
// equivalent of a physical address in the teacher's mem package.
type Pa_t uintptr

// PageSize is the size in bytes of every slot the pool hands out.
const PageSize = 4096

// ErrOOM is the error value for an exhausted pool. Alloc does not return
// it; Alloc reports exhaustion through its boolean result.
var ErrOOM = errors.New("mem: out of pages")

// Pool_t is a fixed arena of page-sized slots with a simple free list.
// Refcounting is left to callers (buffercache and pagecache both track
// their own liveness); Pool_t only knows "allocated" vs "free".
type Pool_t struct {
	mu    sync.Mutex
	arena []byte
	free  []Pa_t // stack of free slot indices, encoded as byte offsets
	inUse map[Pa_t]bool
}

// NewPool allocates an arena of npages page-sized slots.
func NewPool(npages int) *Pool_t {
	if npages <= 0 {
		npages = 1
	}
	arena := allocArena(npages * PageSize)
	p := &Pool_t{
		arena: arena,
		free:  make([]Pa_t, 0, npages),
		inUse: make(map[Pa_t]bool, npages),
	}
	for i := npages - 1; i >= 0; i-- {
		p.free = append(p.free, Pa_t(i*PageSize))
	}
	return p
}

// Alloc returns a free page-sized slot, or false if the pool is exhausted.
// The returned slice aliases the pool's backing arena; it is not zeroed
// (matching spec.md §3.4: "a newly allocated data area starts non-VALID;
// contents are undefined until populated by a read or write").
func (p *Pool_t) Alloc() (Pa_t, []byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n == 0 {
		return 0, nil, false
	}
	pa := p.free[n-1]
	p.free = p.free[:n-1]
	p.inUse[pa] = true
	return pa, p.arena[pa : pa+PageSize], true
}

// Free returns a slot to the pool. Freeing an address not currently
// allocated is an invariant violation and panics, mirroring the kernel's
// treatment of double-frees as programmer error rather than a runtime
// condition.
func (p *Pool_t) Free(pa Pa_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inUse[pa] {
		panic("mem: double free or free of unallocated page")
	}
	delete(p.inUse, pa)
	p.free = append(p.free, pa)
}

// Bytes returns the slice backing an already-allocated page.
func (p *Pool_t) Bytes(pa Pa_t) []byte {
	return p.arena[pa : pa+PageSize]
}

// NumFree reports how many slots remain unallocated, used by tests to
// observe pool pressure.
func (p *Pool_t) NumFree() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
