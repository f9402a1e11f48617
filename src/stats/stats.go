// Package stats is the cache's instrumentation surface, extended from the
// teacher kernel's stats package (Counter_t/Cycles_t, compiled out unless
// Stats/Timing are true) into a small always-on counter set that is also
// mirrored onto Prometheus counters for cmd/cachectl's /metrics
// endpoint.
package stats

import "sync/atomic"

// Counter_t is an atomically-updated statistics counter, unchanged in
// shape from the teacher's stats.Counter_t.
type Counter_t int64

// Inc increments the counter by one.
func (c *Counter_t) Inc() {
	atomic.AddInt64((*int64)(c), 1)
}

// Add adds n to the counter.
func (c *Counter_t) Add(n int64) {
	atomic.AddInt64((*int64)(c), n)
}

// Get returns the current value.
func (c *Counter_t) Get() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// Cache_t holds every counter the buffer cache and page cache update.
// A zero-value Cache_t is ready to use.
type Cache_t struct {
	BufferHits     Counter_t
	BufferMisses   Counter_t
	BufferReads    Counter_t
	BufferWrites   Counter_t
	SyncFlushed    Counter_t
	SyncErrored    Counter_t
	ReclaimRuns    Counter_t
	ReclaimFreed   Counter_t
	PageHits       Counter_t
	PageMisses     Counter_t
	PageAllocFails Counter_t
}

// Snapshot_t is a point-in-time copy of Cache_t suitable for JSON
// serialization (cmd/cachectl's /stats debug endpoint).
type Snapshot_t struct {
	BufferHits     int64 `json:"buffer_hits"`
	BufferMisses   int64 `json:"buffer_misses"`
	BufferReads    int64 `json:"buffer_reads"`
	BufferWrites   int64 `json:"buffer_writes"`
	SyncFlushed    int64 `json:"sync_flushed"`
	SyncErrored    int64 `json:"sync_errored"`
	ReclaimRuns    int64 `json:"reclaim_runs"`
	ReclaimFreed   int64 `json:"reclaim_freed"`
	PageHits       int64 `json:"page_hits"`
	PageMisses     int64 `json:"page_misses"`
	PageAllocFails int64 `json:"page_alloc_fails"`
}

// Snapshot reads every counter into a Snapshot_t.
func (c *Cache_t) Snapshot() Snapshot_t {
	return Snapshot_t{
		BufferHits:     c.BufferHits.Get(),
		BufferMisses:   c.BufferMisses.Get(),
		BufferReads:    c.BufferReads.Get(),
		BufferWrites:   c.BufferWrites.Get(),
		SyncFlushed:    c.SyncFlushed.Get(),
		SyncErrored:    c.SyncErrored.Get(),
		ReclaimRuns:    c.ReclaimRuns.Get(),
		ReclaimFreed:   c.ReclaimFreed.Get(),
		PageHits:       c.PageHits.Get(),
		PageMisses:     c.PageMisses.Get(),
		PageAllocFails: c.PageAllocFails.Get(),
	}
}
