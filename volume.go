package gofat

import (
	"errors"
	"path"
	"strings"
	"time"

	"github.com/gofatfs/gofat/checkpoint"
	"github.com/gofatfs/gofat/internal/bpb"
	"github.com/gofatfs/gofat/internal/dirent"
	"github.com/gofatfs/gofat/internal/dirent/exfat"
	"github.com/gofatfs/gofat/internal/fat"
	"github.com/gofatfs/gofat/internal/block"
)

// dirBackend is the operation set both the FAT (fatDirBackend) and exFAT
// (exfatDirBackend) directory encodings expose to Volume, so the rest of
// the package never needs a type switch on the mounted Kind. It also exists
// so Volume's path-resolution logic can be exercised against a mock instead
// of a full mounted image.
// Generated mock using mockgen:
//  mockgen -source=volume.go -destination=dirbackend_mock.go -package gofat
type dirBackend interface {
	list() ([]node, error)
	find(name string) (*node, bool, error)
	add(name string, attr uint16, cluster uint32, size uint32, mtime time.Time) error
	remove(name string) error
	rename(oldName, newName string) error
	sort() error
}

// Volume is a mounted FAT12/16/32 or exFAT filesystem, positioned on top of
// whatever block.Container the caller handed to Mount (a raw image, a
// physical device, a partition view, or a virtual-disk engine).
type Volume struct {
	back        block.Container
	geo         *bpb.Geometry
	table       *fat.Table   // FAT chain links (exFAT too, alongside bitmap)
	bitmap      *fat.Bitmap  // exFAT only
	upcase      *exfat.UpcaseTable // exFAT only
	clusterSize int64
	dataOffset  int64
	root        dirBackend
	label       string
	fsInfoHint  *FSInfoHint
	cfg         config
	closer      func() error
}

// FSInfoHint is the diagnostic content of a FAT32 volume's FSInfo sector:
// the free-cluster count and next-free-cluster hint a previous mounter left
// behind. Neither value is trusted for allocation (this driver always
// rebuilds its free-space map from a full table scan at mount), but they are
// surfaced for callers comparing against what other tools reported.
type FSInfoHint struct {
	FreeClusterCount uint32
	NextFreeCluster  uint32
}

// FSInfoHint returns the FAT32 volume's FSInfo sector hint, or nil if the
// volume is not FAT32 or the sector's signatures did not validate.
func (v *Volume) FSInfoHint() *FSInfoHint { return v.fsInfoHint }

// Label returns the volume label recorded in the boot sector's reserved
// root directory entry (FAT) or Volume Label directory entry (exFAT), or ""
// if the volume has none.
func (v *Volume) Label() string { return v.label }

// FSType returns the name of the recognized on-disk format ("FAT12",
// "FAT16", "FAT32", or "exFAT").
func (v *Volume) FSType() string { return v.geo.Kind.String() }

func (v *Volume) newChainRegion(startCluster uint32, dataLength uint64, noFatChain bool) (dirent.Region, error) {
	if v.geo.Kind == bpb.ExFAT {
		return newExfatChainRegion(v.back, v.table, v.bitmap, v.clusterSize, v.dataOffset, startCluster, dataLength, noFatChain)
	}
	return dirent.NewChainRegion(v.back, v.table, v.clusterSize, v.dataOffset, startCluster)
}

func (v *Volume) openDir(startCluster uint32, dataLength uint64, noFatChain bool) (dirBackend, error) {
	if v.geo.Kind == bpb.ExFAT {
		r, err := newExfatChainRegion(v.back, v.table, v.bitmap, v.clusterSize, v.dataOffset, startCluster, dataLength, noFatChain)
		if err != nil {
			return nil, err
		}
		return openExFATDir(r, v.upcase)
	}
	region, err := v.newChainRegion(startCluster, dataLength, false)
	if err != nil {
		return nil, err
	}
	return openFATDir(region)
}

// split breaks an absolute slash-separated path into its component names,
// ignoring empty segments produced by leading/trailing/doubled slashes.
func split(p string) []string {
	clean := path.Clean("/" + p)
	if clean == "/" {
		return nil
	}
	parts := strings.Split(strings.TrimPrefix(clean, "/"), "/")
	return parts
}

// resolve walks from the root directory to the directory backend and node
// for the named entry. For the root itself, node is nil.
func (v *Volume) resolve(name string) (dirBackend, *node, error) {
	parts := split(name)
	dir := v.root
	if len(parts) == 0 {
		return dir, nil, nil
	}

	var n *node
	for i, part := range parts {
		found, ok, err := dir.find(part)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return nil, nil, checkpoint.Wrap(ErrNotExist, errors.New(name))
		}
		n = found
		if i == len(parts)-1 {
			break
		}
		if !n.isDir() {
			return nil, nil, checkpoint.Wrap(ErrNotDir, errors.New(name))
		}
		dir, err = v.openDir(n.firstCluster, n.size, n.noFatChain)
		if err != nil {
			return nil, nil, err
		}
	}
	return dir, n, nil
}

// Stat returns the node describing name, or ErrNotExist.
func (v *Volume) Stat(name string) (*node, error) {
	_, n, err := v.resolve(name)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return &node{name: "/", attr: attrDirectory}, nil
	}
	return n, nil
}

// ReadDir lists the contents of the directory at name.
func (v *Volume) ReadDir(name string) ([]node, error) {
	parent, n, err := v.resolve(name)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return v.root.list()
	}
	if !n.isDir() {
		return nil, checkpoint.Wrap(ErrNotDir, errors.New(name))
	}
	dir, err := v.openDir(n.firstCluster, n.size, n.noFatChain)
	if err != nil {
		return nil, err
	}
	_ = parent
	return dir.list()
}

// ReadFile reads the entire contents of the file at name.
func (v *Volume) ReadFile(name string) ([]byte, error) {
	_, n, err := v.resolve(name)
	if err != nil {
		return nil, err
	}
	if n == nil || n.isDir() {
		return nil, checkpoint.Wrap(ErrIsDir, errors.New(name))
	}
	if n.firstCluster == 0 || n.size == 0 {
		return nil, nil
	}
	region, err := v.newChainRegion(n.firstCluster, n.size, n.noFatChain)
	if err != nil {
		return nil, err
	}
	raw, err := region.ReadAll()
	if err != nil {
		return nil, err
	}
	if uint64(len(raw)) > n.size {
		raw = raw[:n.size]
	}
	return raw, nil
}

// dirOf resolves the directory backend that should contain a new
// entry named base, given the full path.
func (v *Volume) dirOf(p string) (dirBackend, string, error) {
	dirPath, base := path.Split(path.Clean("/" + p))
	if base == "" || base == "/" {
		return nil, "", checkpoint.Wrap(ErrInvalidPath, errors.New(p))
	}
	_, n, err := v.resolve(dirPath)
	if err != nil {
		return nil, "", err
	}
	if n == nil {
		return v.root, base, nil
	}
	if !n.isDir() {
		return nil, "", checkpoint.Wrap(ErrNotDir, errors.New(dirPath))
	}
	dir, err := v.openDir(n.firstCluster, n.size, n.noFatChain)
	if err != nil {
		return nil, "", err
	}
	return dir, base, nil
}

// allocClusters allocates n clusters, using the FAT allocator or the exFAT
// bitmap depending on the mounted Kind, and returns the first cluster.
func (v *Volume) allocClusters(n uint32) (uint32, bool, error) {
	if n == 0 {
		return 0, false, nil
	}
	if v.geo.Kind == bpb.ExFAT {
		runs, err := v.bitmap.Alloc(n)
		if err != nil {
			return 0, false, err
		}
		contiguous := fat.Contiguous(runs)
		if !contiguous {
			// link non-contiguous runs into a real FAT chain
			var chain []uint32
			for _, r := range runs {
				for i := uint32(0); i < r.Length; i++ {
					chain = append(chain, r.Start+i)
				}
			}
			for i := 0; i < len(chain)-1; i++ {
				if err := v.table.Set(chain[i], chain[i+1]); err != nil {
					return 0, false, err
				}
			}
			if err := v.table.SetEnd(chain[len(chain)-1]); err != nil {
				return 0, false, err
			}
			return chain[0], false, nil
		}
		return runs[0].Start, true, nil
	}

	chain, err := v.table.Alloc(n)
	if err != nil {
		return 0, false, err
	}
	return chain[0], false, nil
}

func (v *Volume) zeroClusters(start uint32, n uint32) error {
	zero := make([]byte, v.clusterSize)
	cur := start
	for i := uint32(0); i < n; i++ {
		if _, err := v.back.WriteAt(zero, v.dataOffset+int64(cur-2)*v.clusterSize); err != nil {
			return checkpoint.From(err)
		}
		next, err := v.table.Get(cur)
		if err != nil || v.table.IsEOC(next) {
			break
		}
		cur = next
	}
	return nil
}

// WriteFile creates or truncates the file at name with the given contents,
// replacing it in one shot (the whole-buffer counterpart to the streaming
// File handle Open/OpenFile return). Any cluster chain the file previously
// held is freed before the replacement is allocated, so overwriting a file
// never leaks its old clusters.
func (v *Volume) WriteFile(name string, data []byte, mtime time.Time) error {
	if v.cfg.readOnly {
		return checkpoint.Wrap(ErrReadOnlyFs, errors.New(name))
	}
	dir, base, err := v.dirOf(name)
	if err != nil {
		return err
	}
	if existing, ok, _ := dir.find(base); ok {
		if existing.isDir() {
			return checkpoint.Wrap(ErrIsDir, errors.New(name))
		}
		if err := v.freeChain(existing); err != nil {
			return err
		}
		if err := dir.remove(base); err != nil {
			return err
		}
	}

	region, err := v.newChainRegion(0, 0, false)
	if err != nil {
		return err
	}
	for int64(len(data)) > region.Size() {
		if _, err := region.Grow(); err != nil {
			return err
		}
	}
	if len(data) > 0 {
		if err := region.WriteAt(data, 0); err != nil {
			return err
		}
	}

	first := region.StartCluster()
	var noFatChain bool
	if r, ok := region.(interface{ NoFatChain() bool }); ok {
		noFatChain = r.NoFatChain()
	}

	if v.geo.Kind == bpb.ExFAT {
		if ed, ok := dir.(*exfatDirBackend); ok {
			return ed.addWithChain(base, attrArchive, first, uint32(len(data)), mtime, noFatChain)
		}
	}
	return dir.add(base, attrArchive, first, uint32(len(data)), mtime)
}

// Rename changes the entry at oldName to newName, working for either a file
// or a directory (spec §4.G's directory-table rename has no such
// restriction). A rename within the same directory is a single
// dirBackend.rename call (in-place if the new short-form/LFN slot count
// matches the old, else a fresh slot group in that same table, per §4.G); a
// rename across directories adds the entry to the destination table and
// removes it from the source, since that is a move, not a table-local
// rewrite.
func (v *Volume) Rename(oldName, newName string) error {
	if v.cfg.readOnly {
		return checkpoint.Wrap(ErrReadOnlyFs, errors.New(oldName))
	}

	oldDirPath, oldBase := path.Split(path.Clean("/" + oldName))
	newDirPath, newBase := path.Split(path.Clean("/" + newName))
	if oldBase == "" || newBase == "" {
		return checkpoint.Wrap(ErrInvalidPath, errors.New(oldName))
	}

	if oldDirPath == newDirPath {
		dir, base, err := v.dirOf(oldName)
		if err != nil {
			return err
		}
		return dir.rename(base, newBase)
	}

	oldDir, _, err := v.dirOf(oldName)
	if err != nil {
		return err
	}
	n, ok, err := oldDir.find(oldBase)
	if err != nil {
		return err
	}
	if !ok {
		return checkpoint.Wrap(ErrNotExist, errors.New(oldName))
	}

	newDir, _, err := v.dirOf(newName)
	if err != nil {
		return err
	}
	if _, exists, _ := newDir.find(newBase); exists {
		return checkpoint.Wrap(ErrExist, errors.New(newName))
	}

	if v.geo.Kind == bpb.ExFAT {
		if ed, ok := newDir.(*exfatDirBackend); ok {
			if err := ed.addWithChain(newBase, n.attr, n.firstCluster, uint32(n.size), n.modTime, n.noFatChain); err != nil {
				return err
			}
			return oldDir.remove(oldBase)
		}
	}
	if err := newDir.add(newBase, n.attr, n.firstCluster, uint32(n.size), n.modTime); err != nil {
		return err
	}
	return oldDir.remove(oldBase)
}

// Mkdir creates an empty directory at name.
func (v *Volume) Mkdir(name string, mtime time.Time) error {
	if v.cfg.readOnly {
		return checkpoint.Wrap(ErrReadOnlyFs, errors.New(name))
	}
	dir, base, err := v.dirOf(name)
	if err != nil {
		return err
	}
	if _, ok, _ := dir.find(base); ok {
		return checkpoint.Wrap(ErrExist, errors.New(name))
	}

	first, noFatChain, err := v.allocClusters(1)
	if err != nil {
		return err
	}
	if err := v.zeroClusters(first, 1); err != nil {
		return err
	}

	if v.geo.Kind == bpb.ExFAT {
		if ed, ok := dir.(*exfatDirBackend); ok {
			return ed.addWithChain(base, attrDirectory, first, 0, mtime, noFatChain)
		}
	}
	return dir.add(base, attrDirectory, first, 0, mtime)
}

// Remove deletes the file or empty directory at name.
func (v *Volume) Remove(name string) error {
	if v.cfg.readOnly {
		return checkpoint.Wrap(ErrReadOnlyFs, errors.New(name))
	}
	dir, base, err := v.dirOf(name)
	if err != nil {
		return err
	}
	n, ok, err := dir.find(base)
	if err != nil {
		return err
	}
	if !ok {
		return checkpoint.Wrap(ErrNotExist, errors.New(name))
	}
	if n.isDir() {
		sub, err := v.openDir(n.firstCluster, n.size, n.noFatChain)
		if err != nil {
			return err
		}
		children, err := sub.list()
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return checkpoint.Wrap(ErrDirNotEmpty, errors.New(name))
		}
	}
	if err := v.freeChain(n); err != nil {
		return err
	}
	return dir.remove(base)
}

// freeChain returns every cluster n's data occupies to the allocator (the
// FAT free-space map, or the exFAT bitmap), a no-op for an empty file.
func (v *Volume) freeChain(n *node) error {
	if n.firstCluster == 0 {
		return nil
	}
	if v.geo.Kind == bpb.ExFAT {
		return v.bitmap.Free(v.chainRuns(n))
	}
	return v.table.Free(n.firstCluster)
}

// chainRuns reduces an exFAT file's cluster chain to Run form so it can be
// handed to Bitmap.Free, walking the FAT chain when the file already
// fragmented out of its NoFatChain contiguous run.
func (v *Volume) chainRuns(n *node) []fat.Run {
	count := (n.size + uint64(v.clusterSize) - 1) / uint64(v.clusterSize)
	if n.noFatChain {
		if count == 0 {
			return nil
		}
		return []fat.Run{{Start: n.firstCluster, Length: uint32(count)}}
	}
	chain, err := v.table.Chain(n.firstCluster)
	if err != nil {
		return nil
	}
	return fat.CompactRuns(chain)
}

// Flush persists any buffered writes to the backing container.
func (v *Volume) Flush() error { return v.back.Flush() }

// Close flushes the sector cache and closes the container beneath it. When
// Mount selected a partition, the partition view's Close does not close the
// disk the view was cut from.
func (v *Volume) Close() error {
	if v.closer != nil {
		return v.closer()
	}
	return v.back.Close()
}
