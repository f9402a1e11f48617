// Package oommsg carries the wake signal from a starved allocator to the
// memory reclaimer, adapted from the teacher kernel's oommsg package
// (OomCh/Oommsg_t) to the (buffer cache, page cache, kswapd) triangle of
// spec.md §4.4.
package oommsg

// Oommsg_t is sent on a Chan_t when get_free_page finds the free list
// empty. Need is advisory (how many pages the caller wants); the reclaimer
// sends true on Resume once it has made a reclaim attempt, so the sender
// can stop waiting on it specifically and fall back to its own free-page
// wait channel.
type Oommsg_t struct {
	Need   int
	Resume chan bool
}

// Chan_t is an unbuffered OOM notification channel shared between exactly
// one starved allocator and one reclaimer goroutine.
type Chan_t chan Oommsg_t

// New returns an unbuffered OOM channel, mirroring the teacher's
// package-level OomCh but instantiable per cache instance rather than
// global.
func New() Chan_t {
	return make(chan Oommsg_t)
}
