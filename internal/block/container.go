// Package block provides the byte-addressable container abstraction that
// every higher layer (virtual-disk engine, partition view, FAT volume) reads
// and writes through. A Container is always sector-aligned: every offset and
// length passed to Read or Write must be a multiple of the sector size.
package block

import (
	"errors"
	"io"
	"os"

	"github.com/gofatfs/gofat/checkpoint"
)

// Mode selects whether a Container may be mutated.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

// These errors may occur while operating on a Container.
var (
	ErrNotAligned  = errors.New("offset or length is not a multiple of the sector size")
	ErrOutOfRange  = errors.New("access outside of the container bounds")
	ErrReadOnly    = errors.New("container is opened read-only")
	ErrInvalidSize = errors.New("invalid sector size")
)

// Container is the unified interface every block-addressable backing store
// implements: a raw disk image, a physical block device, or a virtual-disk
// engine translating guest offsets into host offsets.
// Generated mock using mockgen:
//  mockgen -source=container.go -destination=container_mock.go -package block
type Container interface {
	// ReadAt reads len(p) bytes starting at byte offset off. off and len(p)
	// must both be multiples of SectorSize.
	ReadAt(p []byte, off int64) (int, error)

	// WriteAt writes p at byte offset off. off and len(p) must both be
	// multiples of SectorSize. Returns ErrReadOnly if the container was
	// opened read-only.
	WriteAt(p []byte, off int64) (int, error)

	// Size returns the total addressable size in bytes.
	Size() int64

	// SectorSize returns the container's native sector size in bytes.
	SectorSize() int

	// Flush persists any buffered state to the underlying medium.
	Flush() error

	// Close flushes and releases the container. Further use is undefined.
	Close() error
}

// checkAligned validates that off and n are sector-size multiples and that
// the range [off, off+n) lies within size (size < 0 disables the upper
// bound check, used while a container is still growing).
func checkAligned(off, n int64, sectorSize int, size int64) error {
	ss := int64(sectorSize)
	if off%ss != 0 || n%ss != 0 {
		return ErrNotAligned
	}
	if off < 0 || (size >= 0 && off+n > size) {
		return ErrOutOfRange
	}
	return nil
}

// FileContainer is a Container backed by an *os.File: a raw disk image on a
// regular filesystem, or (on platforms where the OS exposes them as regular
// files, e.g. Linux's /dev/sdX) a physical block device.
type FileContainer struct {
	f          *os.File
	mode       Mode
	sectorSize int
	size       int64
}

// Open opens path as a Container. sectorSize must be 512 or 4096; pass 0 to
// default to 512. In ReadWrite mode the file is created if it does not
// exist; growth beyond the current size is permitted (extension), used by
// mkfs-style callers building a fresh image.
func Open(path string, mode Mode, sectorSize int) (*FileContainer, error) {
	if sectorSize == 0 {
		sectorSize = 512
	}
	if sectorSize != 512 && sectorSize != 4096 {
		return nil, checkpoint.Wrap(ErrInvalidSize, errors.New(path))
	}

	flag := os.O_RDONLY
	if mode == ReadWrite {
		flag = os.O_RDWR | os.O_CREATE
	}

	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, checkpoint.From(err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, checkpoint.From(err)
	}

	return &FileContainer{
		f:          f,
		mode:       mode,
		sectorSize: sectorSize,
		size:       info.Size(),
	}, nil
}

func (c *FileContainer) ReadAt(p []byte, off int64) (int, error) {
	if err := checkAligned(off, int64(len(p)), c.sectorSize, c.size); err != nil {
		// Misaligned ranges and ranges past the current size are hard
		// errors, including a final partial sector of a device whose
		// reported size is not sector-aligned.
		return 0, checkpoint.Wrap(err, ErrOutOfRange)
	}

	n, err := c.f.ReadAt(p, off)
	if err != nil && err != io.EOF {
		return n, checkpoint.From(err)
	}
	return n, nil
}

func (c *FileContainer) WriteAt(p []byte, off int64) (int, error) {
	if c.mode != ReadWrite {
		return 0, checkpoint.Wrap(ErrReadOnly, errors.New("write attempted"))
	}
	if err := checkAligned(off, int64(len(p)), c.sectorSize, -1); err != nil {
		return 0, checkpoint.Wrap(err, ErrOutOfRange)
	}

	n, err := c.f.WriteAt(p, off)
	if err != nil {
		return n, checkpoint.From(err)
	}
	if end := off + int64(n); end > c.size {
		c.size = end
	}
	return n, nil
}

func (c *FileContainer) Size() int64      { return c.size }
func (c *FileContainer) SectorSize() int  { return c.sectorSize }
func (c *FileContainer) Flush() error     { return checkpoint.From(c.f.Sync()) }
func (c *FileContainer) Close() error {
	if err := c.Flush(); err != nil {
		c.f.Close()
		return err
	}
	return checkpoint.From(c.f.Close())
}
