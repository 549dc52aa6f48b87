package gofat

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/gofatfs/gofat/checkpoint"
	"github.com/gofatfs/gofat/internal/bpb"
	"github.com/gofatfs/gofat/internal/dirent"
)

// These errors may occur while processing a file.
var (
	ErrReadFile = errors.New("could not read file completely")
	ErrSeekFile = errors.New("could not seek inside of the file")
	ErrReadDir  = errors.New("could not read the directory")
)

// File is an open handle to a file or directory on a mounted Volume. A
// regular file streams reads and writes directly against a dirent.Region
// positioned over its cluster chain: the chain is resolved once at open
// time (the FAT is walked O(1) amortized per cluster on sequential access,
// never re-walked per byte), writes past the current size extend the chain
// lazily one cluster at a time, and Truncate frees only the clusters beyond
// the new size. Directory listings are still read in full on first touch,
// since afero.File's directory operations have no partial-read concept.
type File struct {
	vol  *Volume
	path string
	n    node

	region    dirent.Region
	size      int64
	metaDirty bool

	entries   []node
	dirLoaded bool

	offset int64
}

func openFile(vol *Volume, path string, n node) (*File, error) {
	f := &File{vol: vol, path: path, n: n}
	if !n.isDir() {
		region, err := vol.newChainRegion(n.firstCluster, n.size, n.noFatChain)
		if err != nil {
			return nil, err
		}
		f.region = region
		f.size = int64(n.size)
	}
	return f, nil
}

func (f *File) ensureDirLoaded() error {
	if f.dirLoaded {
		return nil
	}
	entries, err := f.vol.ReadDir(f.path)
	if err != nil {
		return err
	}
	f.entries = entries
	f.dirLoaded = true
	return nil
}

func (f *File) Close() error {
	if f.metaDirty {
		if err := f.flushMeta(); err != nil {
			return err
		}
		f.metaDirty = false
	}
	return nil
}

func (f *File) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.offset)
	f.offset += int64(n)
	return n, err
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if p == nil {
		return 0, nil
	}
	if f.n.isDir() {
		return 0, checkpoint.Wrap(ErrIsDir, errors.New(f.path))
	}
	if off >= f.size {
		return 0, io.EOF
	}
	end := off + int64(len(p))
	if end > f.size {
		end = f.size
	}
	n, err := f.region.ReadAt(p[:end-off], off)
	if err != nil {
		return n, checkpoint.Wrap(err, ErrReadFile)
	}
	if end < off+int64(len(p)) {
		return n, io.EOF
	}
	return n, nil
}

// Seek jumps to a specific offset in the file. This affects all Read
// operations except ReadAt. May return a syscall.EINVAL error if the
// whence value is invalid, or an afero.ErrOutOfRange error if the offset
// is out of range.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	size := f.size
	if f.n.isDir() {
		if err := f.ensureDirLoaded(); err != nil {
			return 0, err
		}
		size = int64(len(f.entries))
	}

	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset = f.offset + offset
	case io.SeekEnd:
		offset = size + offset
	default:
		return 0, checkpoint.Wrap(ErrSeekFile, fmt.Errorf("%w, offset: %v, whence: %v", syscall.EINVAL, offset, whence))
	}

	if offset < 0 || offset > size {
		return 0, checkpoint.Wrap(afero.ErrOutOfRange, fmt.Errorf("%w, offset: %v, whence: %v", ErrSeekFile, offset, whence))
	}

	f.offset = offset
	return offset, nil
}

func (f *File) Write(p []byte) (int, error) {
	n, err := f.WriteAt(p, f.offset)
	f.offset += int64(n)
	return n, err
}

// WriteAt extends the cluster chain lazily (one cluster at a time, via
// Region.Grow) if off+len(p) reaches past the chain's current capacity,
// then writes in place. It never rewrites clusters the write doesn't touch.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if f.n.isDir() {
		return 0, checkpoint.Wrap(ErrIsDir, errors.New(f.path))
	}
	if f.vol.cfg.readOnly {
		return 0, checkpoint.Wrap(ErrReadOnlyFs, errors.New(f.path))
	}
	if len(p) == 0 {
		return 0, nil
	}

	end := off + int64(len(p))
	for end > f.region.Size() {
		if _, err := f.region.Grow(); err != nil {
			return 0, err
		}
	}
	if err := f.region.WriteAt(p, off); err != nil {
		return 0, err
	}

	if end > f.size {
		f.size = end
		f.n.size = uint64(f.size)
	}
	f.metaDirty = true
	return len(p), nil
}

func (f *File) Name() string { return f.n.name }

// Readdir reads the contents of a directory. May return syscall.ENOTDIR if
// the current File is not a directory.
func (f *File) Readdir(count int) ([]os.FileInfo, error) {
	if !f.n.isDir() {
		return nil, checkpoint.Wrap(syscall.ENOTDIR, ErrReadDir)
	}
	if err := f.ensureDirLoaded(); err != nil {
		return nil, checkpoint.Wrap(err, ErrReadDir)
	}

	content := f.entries
	var err error
	end := len(content)

	if count > 0 {
		if int64(len(content)) < f.offset+int64(count) {
			count = len(content) - int(f.offset)
			err = io.EOF
		}
		end = int(f.offset) + count
	}
	if f.offset > int64(len(content)) {
		return nil, io.EOF
	}
	content = content[f.offset:end]
	f.offset = int64(end)

	result := make([]os.FileInfo, len(content))
	for i, n := range content {
		result[i] = nodeFileInfo{n}
	}
	return result, err
}

func (f *File) Readdirnames(count int) ([]string, error) {
	content, err := f.Readdir(count)
	if err != nil && err != io.EOF {
		return nil, checkpoint.Wrap(err, ErrReadDir)
	}
	names := make([]string, len(content))
	for i, entry := range content {
		names[i] = entry.Name()
	}
	return names, err
}

func (f *File) Stat() (os.FileInfo, error) {
	if !f.n.isDir() {
		f.n.size = uint64(f.size)
	}
	return nodeFileInfo{f.n}, nil
}

func (f *File) Sync() error {
	if !f.metaDirty {
		return nil
	}
	if err := f.flushMeta(); err != nil {
		return err
	}
	f.metaDirty = false
	return nil
}

// Truncate grows the chain (zero-filling new clusters) or frees every
// cluster beyond the one containing the new size, per spec's chain
// truncation model, rather than slicing an in-memory buffer.
func (f *File) Truncate(size int64) error {
	if f.n.isDir() {
		return checkpoint.Wrap(ErrIsDir, errors.New(f.path))
	}
	if f.vol.cfg.readOnly {
		return checkpoint.Wrap(ErrReadOnlyFs, errors.New(f.path))
	}
	switch {
	case size < f.size:
		if err := f.region.Truncate(size); err != nil {
			return err
		}
	case size > f.size:
		for size > f.region.Size() {
			if _, err := f.region.Grow(); err != nil {
				return err
			}
		}
	default:
		return nil
	}
	f.size = size
	f.n.size = uint64(size)
	f.metaDirty = true
	return nil
}

func (f *File) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}

// flushMeta persists the file's current size, start cluster, and (for
// exFAT) contiguous-run status to its directory entry. The chain itself is
// already correct on disk — WriteAt and Truncate maintain it incrementally
// as they run — so this only ever rewrites the file's small directory
// slot(s), never its data.
func (f *File) flushMeta() error {
	dir, base, err := f.vol.dirOf(f.path)
	if err != nil {
		return err
	}
	if _, ok, _ := dir.find(base); ok {
		if err := dir.remove(base); err != nil {
			return err
		}
	}

	first := f.region.StartCluster()
	noFatChain := false
	if r, ok := f.region.(interface{ NoFatChain() bool }); ok {
		noFatChain = r.NoFatChain()
	}

	mtime := time.Now()
	if f.vol.geo.Kind == bpb.ExFAT {
		if ed, ok := dir.(*exfatDirBackend); ok {
			return ed.addWithChain(base, f.n.attr, first, uint32(f.size), mtime, noFatChain)
		}
	}
	return dir.add(base, f.n.attr, first, uint32(f.size), mtime)
}
