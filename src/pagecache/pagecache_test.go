package pagecache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kcache/src/defs"
	"kcache/src/mem"
	"kcache/src/oommsg"
)

func newTestPool(t *testing.T, npages int) *Pool_t {
	t.Helper()
	tun := defs.Tunables_t{NrPages: npages, NrPageHash: 8, NrBufReclaim: 2}
	return NewPool(tun, 0, mem.NewPool(npages), oommsg.New(), nil, nil)
}

func TestGetFreePageThenSearchHit(t *testing.T) {
	p := newTestPool(t, 4)

	pg, err := p.GetFreePage()
	require.Equal(t, defs.Err_t(0), err)
	copy(pg.Data(), []byte("page0"))
	p.InsertPage(pg, 42, 0, 1)

	found, ok := p.SearchPageHash(42, 0, 1)
	require.True(t, ok)
	assert.Equal(t, pg.Index(), found.Index())
	assert.Equal(t, "page0", string(found.Data()[:5]))

	p.ReleasePage(pg.Index())
	p.ReleasePage(found.Index())
}

func TestReleaseUnreferencedPagePanics(t *testing.T) {
	p := newTestPool(t, 2)
	pg, _ := p.GetFreePage()
	p.ReleasePage(pg.Index())

	assert.Panics(t, func() { p.ReleasePage(pg.Index()) })
}

func TestAnonymousReleaseGoesToHeadForImmediateReuse(t *testing.T) {
	p := newTestPool(t, 2)

	pg, _ := p.GetFreePage()
	idx := pg.Index()
	p.ReleasePage(idx)

	pg2, err := p.GetFreePage()
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, idx, pg2.Index(), "an anonymous release must go ahead of the never-used page at the head of the free list")
}

func TestSearchMissIncrementsMissCounter(t *testing.T) {
	p := newTestPool(t, 2)
	_, ok := p.SearchPageHash(1, 0, 1)
	assert.False(t, ok)
	assert.EqualValues(t, 1, p.st.PageMisses.Get())
}
