package kswapd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kcache/src/bdev"
	"kcache/src/buffercache"
	"kcache/src/defs"
	"kcache/src/mem"
	"kcache/src/oommsg"
	"kcache/src/pagecache"
	"kcache/src/stats"
)

func TestRunAcknowledgesRequestAndReclaims(t *testing.T) {
	disk := bdev.NewMemDisk()
	reg := bdev.NewRegistry()
	reg.Register(1, disk)
	tun := defs.Tunables_t{NrBufs: 4, NrBufHash: 4, NrBufReclaim: 4}
	st := &stats.Cache_t{}
	bc := buffercache.NewPool(tun, mem.NewPool(tun.NrBufs), reg, nil, st)

	b, _ := bc.Bread(1, 1, 512)
	bc.Bwrite(b) // one dirty, releasable buffer to reclaim

	oom := oommsg.New()
	r := New(bc, oom, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	resume := make(chan bool, 1)
	oom <- oommsg.Oommsg_t{Need: 1, Resume: resume}

	select {
	case ok := <-resume:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("reclaimer never acknowledged the OOM request")
	}

	assert.EqualValues(t, 1, st.ReclaimRuns.Get())
	assert.Greater(t, st.ReclaimFreed.Get(), int64(0))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	disk := bdev.NewMemDisk()
	reg := bdev.NewRegistry()
	reg.Register(1, disk)
	tun := defs.Tunables_t{NrBufs: 2, NrBufHash: 2, NrBufReclaim: 2}
	bc := buffercache.NewPool(tun, mem.NewPool(tun.NrBufs), reg, nil, nil)

	r := New(bc, oommsg.New(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

// TestGetFreePageSignalsReclaimerUnderExhaustion drives the spec.md §4.4
// back-pressure contract end to end: a page pool with its only page
// checked out sends an OOM request, a live kswapd.Reclaimer answers it
// (reclaiming from the buffer cache, acknowledging Resume), and once the
// checked-out page is finally released, GetFreePage's own free-page wait
// wakes and returns it — demonstrating that the task calls reclaim_buffers
// and acknowledges the requester, per spec.md §4.3/§4.4. Per this module's own
// DESIGN.md, the buffer-cache reclaim pass cannot itself hand back a page
// descriptor (pagecache pages are permanently bound to their memory slot),
// so the eventual wakeup here comes from the release, not the reclaim.
func TestGetFreePageSignalsReclaimerUnderExhaustion(t *testing.T) {
	disk := bdev.NewMemDisk()
	reg := bdev.NewRegistry()
	reg.Register(1, disk)
	bufTun := defs.Tunables_t{NrBufs: 2, NrBufHash: 2, NrBufReclaim: 2}
	bcSt := &stats.Cache_t{}
	bc := buffercache.NewPool(bufTun, mem.NewPool(bufTun.NrBufs), reg, nil, bcSt)

	oom := oommsg.New()
	r := New(bc, oom, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	pageTun := defs.Tunables_t{NrPages: 1, NrPageHash: 1, NrBufReclaim: 2}
	pc := pagecache.NewPool(pageTun, 0, mem.NewPool(pageTun.NrPages), oom, nil, nil)

	held, err := pc.GetFreePage()
	require.Equal(t, defs.Err_t(0), err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		pc.ReleasePage(held.Index())
	}()

	got, err := pc.GetFreePage()
	require.Equal(t, defs.Err_t(0), err, "GetFreePage must eventually recover once the held page is released")
	assert.Equal(t, held.Index(), got.Index())
	assert.GreaterOrEqual(t, bcSt.ReclaimRuns.Get(), int64(1), "exhaustion must have signalled the reclaimer at least once")
}
