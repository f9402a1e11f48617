//go:build linux

package mem

import "golang.org/x/sys/unix"

// allocArena backs the page pool with an anonymous mmap region, the way a
// kernel's page allocator ultimately carves its pool out of physical
// memory discovered at boot. golang.org/x/sys is one of the teacher's own
// go.mod dependencies; mmap-backed pool storage is the closest a
// user-space reimplementation gets to "physical" pages.
func allocArena(size int) []byte {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		// Fall back to a plain heap allocation rather than failing pool
		// construction outright; this only happens under unusual sandboxing
		// that forbids anonymous mmap.
		return make([]byte, size)
	}
	return b
}
