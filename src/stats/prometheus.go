package stats

import "github.com/prometheus/client_golang/prometheus"

// Collector adapts a Cache_t to prometheus.Collector, so cmd/cachectl can
// register it once and expose every counter above as a Prometheus metric
// without the cache packages themselves importing client_golang.
type Collector struct {
	c *Cache_t
}

// NewCollector wraps c for Prometheus registration.
func NewCollector(c *Cache_t) *Collector {
	return &Collector{c: c}
}

var descs = map[string]*prometheus.Desc{
	"buffer_hits":      prometheus.NewDesc("kcache_buffer_hits_total", "Buffer cache hash hits.", nil, nil),
	"buffer_misses":    prometheus.NewDesc("kcache_buffer_misses_total", "Buffer cache hash misses.", nil, nil),
	"buffer_reads":     prometheus.NewDesc("kcache_buffer_reads_total", "Blocks fetched from a device driver.", nil, nil),
	"buffer_writes":    prometheus.NewDesc("kcache_buffer_writes_total", "Dirty buffers flushed to a device driver on eviction or reclaim.", nil, nil),
	"sync_flushed":     prometheus.NewDesc("kcache_sync_flushed_total", "Dirty buffers successfully written back by sync_buffers.", nil, nil),
	"sync_errored":     prometheus.NewDesc("kcache_sync_errored_total", "sync_buffers write-backs that failed and were left dirty.", nil, nil),
	"reclaim_runs":     prometheus.NewDesc("kcache_reclaim_runs_total", "reclaim_buffers invocations.", nil, nil),
	"reclaim_freed":    prometheus.NewDesc("kcache_reclaim_freed_total", "Buffer data areas freed by reclaim_buffers.", nil, nil),
	"page_hits":        prometheus.NewDesc("kcache_page_hits_total", "Page cache hash hits.", nil, nil),
	"page_misses":      prometheus.NewDesc("kcache_page_misses_total", "Page cache hash misses.", nil, nil),
	"page_alloc_fails": prometheus.NewDesc("kcache_page_alloc_fails_total", "get_free_page calls that returned OOM.", nil, nil),
}

// Describe implements prometheus.Collector.
func (col *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descs {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (col *Collector) Collect(ch chan<- prometheus.Metric) {
	s := col.c.Snapshot()
	emit := func(name string, v int64) {
		ch <- prometheus.MustNewConstMetric(descs[name], prometheus.CounterValue, float64(v))
	}
	emit("buffer_hits", s.BufferHits)
	emit("buffer_misses", s.BufferMisses)
	emit("buffer_reads", s.BufferReads)
	emit("buffer_writes", s.BufferWrites)
	emit("sync_flushed", s.SyncFlushed)
	emit("sync_errored", s.SyncErrored)
	emit("reclaim_runs", s.ReclaimRuns)
	emit("reclaim_freed", s.ReclaimFreed)
	emit("page_hits", s.PageHits)
	emit("page_misses", s.PageMisses)
	emit("page_alloc_fails", s.PageAllocFails)
}
