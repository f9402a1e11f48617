//go:build !linux

package mem

// allocArena falls back to a plain heap allocation on platforms without
// the mmap-based path in mem_unix.go.
func allocArena(size int) []byte {
	return make([]byte, size)
}
