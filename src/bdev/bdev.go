// Package bdev is the block-device driver contract spec.md §6 describes:
// registered per (major, minor), exposing ReadBlock/WriteBlock callbacks.
// It is an external collaborator of the buffer cache, grounded on the
// teacher's fs.Disk_i interface (biscuit/src/fs/blk.go) and its file-backed
// mock implementation in biscuit/src/ufs/driver.go (ahci_disk_t).
package bdev

import (
	"os"
	"sync"

	"github.com/pkg/errors"

	"kcache/src/defs"
	"kcache/src/hashtable"
)

// Driver_i is the per-device read/write contract. Returned ints are bytes
// transferred; Err_t is EIO or EROFS on failure, matching spec.md §6.
type Driver_i interface {
	ReadBlock(block int, dst []byte, size int) (int, defs.Err_t)
	WriteBlock(block int, src []byte, size int) (int, defs.Err_t)
}

// Registry_t maps a device id (defs.Mkdev-encoded) to its registered
// driver. Built on the teacher's hashtable package, which is exactly
// sized for this kind of small, rarely-mutated keyed lookup.
type Registry_t struct {
	ht *hashtable.Hashtable_t
}

// NewRegistry returns an empty device registry.
func NewRegistry() *Registry_t {
	return &Registry_t{ht: hashtable.MkHash(16)}
}

// Register associates dev with drv. Registering the same device twice
// panics: that is a boot-time configuration error, not a runtime one.
func (r *Registry_t) Register(dev uint, drv Driver_i) {
	if _, added := r.ht.Set(dev, drv); !added {
		panic("bdev: device already registered")
	}
}

// Lookup returns the driver registered for dev, if any.
func (r *Registry_t) Lookup(dev uint) (Driver_i, bool) {
	v, ok := r.ht.Get(dev)
	if !ok {
		return nil, false
	}
	return v.(Driver_i), true
}

// MemDisk_t is an in-memory block device, useful for unit tests that don't
// want filesystem side effects. Blocks not yet written read as zero.
type MemDisk_t struct {
	mu     sync.Mutex
	blocks map[int][]byte
	Fail   bool // when true, every op fails with EIO, for fault injection
	ROfs   bool // when true, every write fails with EROFS
	Reads  int  // read_block invocation count, for cache-hit assertions
	Writes int
}

// NewMemDisk returns an empty in-memory disk.
func NewMemDisk() *MemDisk_t {
	return &MemDisk_t{blocks: make(map[int][]byte)}
}

func (d *MemDisk_t) ReadBlock(block int, dst []byte, size int) (int, defs.Err_t) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Reads++
	if d.Fail {
		return 0, defs.EIO
	}
	b, ok := d.blocks[block]
	if !ok {
		for i := 0; i < size; i++ {
			dst[i] = 0
		}
		return size, 0
	}
	copy(dst[:size], b)
	return size, 0
}

func (d *MemDisk_t) WriteBlock(block int, src []byte, size int) (int, defs.Err_t) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Writes++
	if d.Fail {
		return 0, defs.EIO
	}
	if d.ROfs {
		return 0, defs.EROFS
	}
	cp := make([]byte, size)
	copy(cp, src[:size])
	d.blocks[block] = cp
	return size, 0
}

// FileDisk_t is a file-backed block device, the user-space equivalent of
// the teacher's ahci_disk_t: a single os.File whose seek+read/write pair
// must be atomic, so every operation holds the embedded mutex for its
// whole duration (matching ufs/driver.go's ahci_disk_t.Start).
type FileDisk_t struct {
	sync.Mutex
	f *os.File
}

// OpenFileDisk opens a disk image for read/write, creating it if absent.
func OpenFileDisk(path string) (*FileDisk_t, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "bdev: open %s", path)
	}
	return &FileDisk_t{f: f}, nil
}

func (d *FileDisk_t) ReadBlock(block int, dst []byte, size int) (int, defs.Err_t) {
	d.Lock()
	defer d.Unlock()
	if _, err := d.f.Seek(int64(block*size), 0); err != nil {
		return 0, defs.EIO
	}
	n, err := d.f.Read(dst[:size])
	if err != nil || n != size {
		return n, defs.EIO
	}
	return n, 0
}

func (d *FileDisk_t) WriteBlock(block int, src []byte, size int) (int, defs.Err_t) {
	d.Lock()
	defer d.Unlock()
	if _, err := d.f.Seek(int64(block*size), 0); err != nil {
		return 0, defs.EIO
	}
	n, err := d.f.Write(src[:size])
	if err != nil || n != size {
		return n, defs.EIO
	}
	return n, 0
}

// Close closes the backing file.
func (d *FileDisk_t) Close() error {
	return d.f.Close()
}
