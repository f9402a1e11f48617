package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounterIncAndAdd(t *testing.T) {
	var c Counter_t
	c.Inc()
	c.Add(4)
	assert.EqualValues(t, 5, c.Get())
}

func TestSnapshotReflectsCounters(t *testing.T) {
	var s Cache_t
	s.BufferHits.Inc()
	s.BufferHits.Inc()
	s.PageMisses.Add(3)

	snap := s.Snapshot()
	assert.EqualValues(t, 2, snap.BufferHits)
	assert.EqualValues(t, 3, snap.PageMisses)
	assert.Zero(t, snap.ReclaimRuns)
}
