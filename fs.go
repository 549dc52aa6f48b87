package gofat

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/spf13/afero"

	"github.com/gofatfs/gofat/checkpoint"
	"github.com/gofatfs/gofat/internal/block"
)

// ErrUnsupported is returned by Fs methods this package does not implement
// because the underlying medium has no equivalent concept (ownership,
// arbitrary mode bits).
var ErrUnsupported = errors.New("gofat: operation not supported on a FAT/exFAT volume")

// readSeekerContainer adapts an io.ReadSeeker (afero.New's traditional
// entry point) to a read-only block.Container, the interface Mount expects.
// Writes always fail; callers that need a writable Fs should mount a
// block.Container directly via NewFromContainer.
type readSeekerContainer struct {
	r          io.ReadSeeker
	size       int64
	sectorSize int
}

func (c *readSeekerContainer) ReadAt(p []byte, off int64) (int, error) {
	if _, err := c.r.Seek(off, io.SeekStart); err != nil {
		return 0, checkpoint.From(err)
	}
	n, err := io.ReadFull(c.r, p)
	if err != nil && err != io.ErrUnexpectedEOF {
		return n, checkpoint.From(err)
	}
	return n, nil
}

func (c *readSeekerContainer) WriteAt(p []byte, off int64) (int, error) {
	return 0, checkpoint.Wrap(block.ErrReadOnly, errors.New("Fs opened from an io.ReadSeeker is read-only"))
}

func (c *readSeekerContainer) Size() int64      { return c.size }
func (c *readSeekerContainer) SectorSize() int  { return c.sectorSize }
func (c *readSeekerContainer) Flush() error     { return nil }
func (c *readSeekerContainer) Close() error     { return nil }

// Fs adapts a mounted Volume to afero.Fs, the virtual filesystem interface
// the rest of this ecosystem's tooling (afero.Afero helpers, http.FileSystem
// bridges, testing harnesses) already knows how to consume.
type Fs struct {
	vol *Volume
}

// New mounts a FAT/exFAT volume from reader (a whole raw image, read-only)
// as an afero.Fs, matching this package's original entry point.
func New(reader io.ReadSeeker) (*Fs, error) {
	size, err := reader.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, checkpoint.From(err)
	}
	c := &readSeekerContainer{r: reader, size: size, sectorSize: 512}

	vol, err := Mount(c, ReadOnly())
	if err != nil {
		return nil, err
	}
	return &Fs{vol: vol}, nil
}

// NewSkipChecks behaves exactly like New and is kept for source
// compatibility: New already mounts without strict checks, so a volume whose
// consistency flags are not clean is still opened read-only. Use with
// caution: a dirty volume's directory and allocation structures may be
// mid-update.
func NewSkipChecks(reader io.ReadSeeker) (*Fs, error) {
	return New(reader)
}

// NewFromContainer mounts back (any block.Container: a raw image opened via
// internal/block.Open, a partition view, or a virtual-disk engine) as an
// afero.Fs, applying opts the same way Mount does.
func NewFromContainer(back block.Container, opts ...OpenOption) (*Fs, error) {
	vol, err := Mount(back, opts...)
	if err != nil {
		return nil, err
	}
	return &Fs{vol: vol}, nil
}

var _ afero.Fs = (*Fs)(nil)

func (fs *Fs) Create(name string) (afero.File, error) {
	if err := fs.vol.WriteFile(name, nil, time.Now()); err != nil {
		return nil, err
	}
	return fs.Open(name)
}

func (fs *Fs) Mkdir(name string, perm os.FileMode) error {
	return fs.vol.Mkdir(name, time.Now())
}

func (fs *Fs) MkdirAll(p string, perm os.FileMode) error {
	parts := split(p)
	cur := ""
	for _, part := range parts {
		cur += "/" + part
		if _, err := fs.vol.Stat(cur); err == nil {
			continue
		}
		if err := fs.vol.Mkdir(cur, time.Now()); err != nil && !errors.Is(err, ErrExist) {
			return err
		}
	}
	return nil
}

func (fs *Fs) Open(name string) (afero.File, error) {
	return fs.OpenFile(name, os.O_RDONLY, 0)
}

func (fs *Fs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	n, err := fs.vol.Stat(name)
	if err != nil {
		if !errors.Is(err, ErrNotExist) || flag&os.O_CREATE == 0 {
			return nil, err
		}
		if err := fs.vol.WriteFile(name, nil, time.Now()); err != nil {
			return nil, err
		}
		n, err = fs.vol.Stat(name)
		if err != nil {
			return nil, err
		}
	}
	f, err := openFile(fs.vol, name, *n)
	if err != nil {
		return nil, err
	}
	if flag&os.O_TRUNC != 0 && !n.isDir() {
		if err := f.Truncate(0); err != nil {
			return nil, err
		}
	}
	if flag&os.O_APPEND != 0 && !n.isDir() {
		f.offset = f.size
	}
	return f, nil
}

func (fs *Fs) Remove(name string) error {
	return fs.vol.Remove(name)
}

func (fs *Fs) RemoveAll(p string) error {
	n, err := fs.vol.Stat(p)
	if err != nil {
		if errors.Is(err, ErrNotExist) {
			return nil
		}
		return err
	}
	if n.isDir() {
		entries, err := fs.vol.ReadDir(p)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := fs.RemoveAll(p + "/" + e.name); err != nil {
				return err
			}
		}
	}
	return fs.vol.Remove(p)
}

func (fs *Fs) Rename(oldname, newname string) error {
	return fs.vol.Rename(oldname, newname)
}

func (fs *Fs) Stat(name string) (os.FileInfo, error) {
	n, err := fs.vol.Stat(name)
	if err != nil {
		return nil, err
	}
	return nodeFileInfo{*n}, nil
}

func (fs *Fs) Name() string { return "gofat" }

// Label returns the mounted volume's label, or "" if it has none.
func (fs *Fs) Label() string { return fs.vol.Label() }

// FSType returns the name of the recognized on-disk format.
func (fs *Fs) FSType() string { return fs.vol.FSType() }

func (fs *Fs) Chmod(name string, mode os.FileMode) error {
	return checkpoint.Wrap(ErrUnsupported, errors.New("Chmod"))
}

func (fs *Fs) Chown(name string, uid, gid int) error {
	return checkpoint.Wrap(ErrUnsupported, errors.New("Chown"))
}

func (fs *Fs) Chtimes(name string, atime time.Time, mtime time.Time) error {
	data, err := fs.vol.ReadFile(name)
	if err != nil {
		return err
	}
	return fs.vol.WriteFile(name, data, mtime)
}
