package dirent

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/gofatfs/gofat/checkpoint"
	"github.com/gofatfs/gofat/internal/block"
	"github.com/gofatfs/gofat/internal/fat"
)

var (
	ErrNotFound   = errors.New("dirent: name not found in directory")
	ErrExists     = errors.New("dirent: name already exists in directory")
	ErrDirFull    = errors.New("dirent: fixed root directory has no free slots")
	ErrNotEmpty   = errors.New("dirent: directory is not empty")
)

// Region is the byte extent backing either a directory table (fixed FAT12/16
// root, or an ordinary cluster chain) or a regular file's data, giving both
// the same seek/read/write/grow/truncate surface over a cluster chain.
type Region interface {
	// ReadAll returns the full current contents of the region.
	ReadAll() ([]byte, error)
	// ReadAt reads len(p) bytes starting at byte offset off.
	ReadAt(p []byte, off int64) (int, error)
	// WriteAt overwrites len(p) bytes at byte offset off.
	WriteAt(p []byte, off int64) error
	// Grow appends one cluster's worth of zeroed bytes and returns the new
	// total size, or ErrDirFull if the region cannot grow (fixed root).
	Grow() (int64, error)
	// Truncate frees every cluster beyond the one containing byte newSize-1,
	// or is a no-op if newSize does not shrink the region.
	Truncate(newSize int64) error
	// StartCluster returns the region's first cluster, or 0 if it has none
	// (an empty file, or the fixed FAT12/16 root, which isn't cluster-based).
	StartCluster() uint32
	Size() int64
}

// FixedRoot is the Region implementation for the FAT12/16 root directory: a
// fixed-size run of sectors right after the FAT copies that can never grow.
type FixedRoot struct {
	back block.Container
	off  int64
	size int64
}

func NewFixedRoot(back block.Container, off, size int64) *FixedRoot {
	return &FixedRoot{back: back, off: off, size: size}
}

func (r *FixedRoot) ReadAll() ([]byte, error) {
	buf := make([]byte, r.size)
	if _, err := r.back.ReadAt(buf, r.off); err != nil {
		return nil, checkpoint.From(err)
	}
	return buf, nil
}

func (r *FixedRoot) ReadAt(p []byte, off int64) (int, error) {
	n, err := r.back.ReadAt(p, r.off+off)
	return n, checkpoint.From(err)
}

func (r *FixedRoot) WriteAt(p []byte, off int64) error {
	_, err := r.back.WriteAt(p, r.off+off)
	return checkpoint.From(err)
}

func (r *FixedRoot) Grow() (int64, error) {
	return 0, checkpoint.Wrap(ErrDirFull, errors.New(""))
}

// Truncate never shrinks the fixed root: its size is dictated by the boot
// sector's RootEntryCount, not by how much of it is in use.
func (r *FixedRoot) Truncate(newSize int64) error {
	if newSize >= r.size {
		return nil
	}
	return checkpoint.Wrap(ErrDirFull, errors.New("fixed root directory cannot be resized"))
}

// StartCluster always returns 0: the FAT12/16 root lives at a fixed sector
// offset, not on a cluster chain.
func (r *FixedRoot) StartCluster() uint32 { return 0 }

func (r *FixedRoot) Size() int64 { return r.size }

// ChainRegion is the Region implementation for a directory living on an
// ordinary cluster chain (subdirectories, and the FAT32 root).
type ChainRegion struct {
	back        block.Container
	table       *fat.Table
	clusterSize int64
	dataOffset  int64 // byte offset of cluster #2
	chain       []uint32
}

// NewChainRegion opens the cluster chain starting at startCluster, or an
// empty region ready to Grow if startCluster is 0 (a file with no data yet).
func NewChainRegion(back block.Container, table *fat.Table, clusterSize int64, dataOffset int64, startCluster uint32) (*ChainRegion, error) {
	r := &ChainRegion{back: back, table: table, clusterSize: clusterSize, dataOffset: dataOffset}
	if startCluster == 0 {
		return r, nil
	}
	chain, err := table.Chain(startCluster)
	if err != nil {
		return nil, err
	}
	r.chain = chain
	return r, nil
}

func (r *ChainRegion) clusterOffset(cluster uint32) int64 {
	return r.dataOffset + int64(cluster-2)*r.clusterSize
}

func (r *ChainRegion) ReadAll() ([]byte, error) {
	buf := make([]byte, int64(len(r.chain))*r.clusterSize)
	for i, c := range r.chain {
		if _, err := r.back.ReadAt(buf[int64(i)*r.clusterSize:int64(i+1)*r.clusterSize], r.clusterOffset(c)); err != nil {
			return nil, checkpoint.From(err)
		}
	}
	return buf, nil
}

// ReadAt reads len(p) bytes from the chain starting at byte offset off,
// walking only the already-loaded chain slice (no extra FAT lookups) so
// sequential reads cost one back.ReadAt per cluster crossed.
func (r *ChainRegion) ReadAt(p []byte, off int64) (int, error) {
	remaining := p
	cur := off
	total := 0
	for len(remaining) > 0 {
		idx := cur / r.clusterSize
		if int(idx) >= len(r.chain) {
			break
		}
		inCluster := cur % r.clusterSize
		n := r.clusterSize - inCluster
		if n > int64(len(remaining)) {
			n = int64(len(remaining))
		}
		if _, err := r.back.ReadAt(remaining[:n], r.clusterOffset(r.chain[idx])+inCluster); err != nil {
			return total, checkpoint.From(err)
		}
		remaining = remaining[n:]
		cur += n
		total += int(n)
	}
	return total, nil
}

func (r *ChainRegion) WriteAt(p []byte, off int64) error {
	remaining := p
	cur := off
	for len(remaining) > 0 {
		idx := cur / r.clusterSize
		if int(idx) >= len(r.chain) {
			return checkpoint.Wrap(ErrDirFull, errors.New("write past end of directory chain"))
		}
		inCluster := cur % r.clusterSize
		n := r.clusterSize - inCluster
		if n > int64(len(remaining)) {
			n = int64(len(remaining))
		}
		if _, err := r.back.WriteAt(remaining[:n], r.clusterOffset(r.chain[idx])+inCluster); err != nil {
			return checkpoint.From(err)
		}
		remaining = remaining[n:]
		cur += n
	}
	return nil
}

func (r *ChainRegion) Grow() (int64, error) {
	clustersNeeded := uint32(1)
	newClusters, err := r.table.Alloc(clustersNeeded)
	if err != nil {
		return 0, err
	}
	zero := make([]byte, r.clusterSize)
	for _, c := range newClusters {
		if _, err := r.back.WriteAt(zero, r.clusterOffset(c)); err != nil {
			return 0, checkpoint.From(err)
		}
	}
	r.chain = append(r.chain, newClusters...)
	return r.Size(), nil
}

func (r *ChainRegion) Size() int64 { return int64(len(r.chain)) * r.clusterSize }

// StartCluster returns the chain's first cluster, or 0 if it is empty.
func (r *ChainRegion) StartCluster() uint32 {
	if len(r.chain) == 0 {
		return 0
	}
	return r.chain[0]
}

// Truncate cuts the chain at the cluster containing byte newSize-1 and
// frees every cluster beyond it, updating the new last cluster's FAT entry
// to end-of-chain first so nothing still points into the freed tail.
func (r *ChainRegion) Truncate(newSize int64) error {
	if newSize < 0 {
		newSize = 0
	}
	keep := (newSize + r.clusterSize - 1) / r.clusterSize
	if keep >= int64(len(r.chain)) {
		return nil
	}
	if keep == 0 {
		if len(r.chain) > 0 {
			if err := r.table.Free(r.chain[0]); err != nil {
				return err
			}
		}
		r.chain = nil
		return nil
	}
	tailStart := r.chain[keep]
	if err := r.table.SetEnd(r.chain[keep-1]); err != nil {
		return err
	}
	if err := r.table.Free(tailStart); err != nil {
		return err
	}
	r.chain = r.chain[:keep]
	return nil
}

// Table is a mounted directory: parsed entries plus the machinery to
// re-serialize them back to their Region after a mutation.
type Table struct {
	region  Region
	entries []Entry
}

// Load parses every entry currently in region.
func Load(region Region) (*Table, error) {
	raw, err := region.ReadAll()
	if err != nil {
		return nil, err
	}
	return &Table{region: region, entries: DecodeSlots(raw)}, nil
}

// Entries returns the live (non-deleted) entries in on-disk order.
func (t *Table) Entries() []Entry { return t.entries }

// Find looks up name case-insensitively against both the long and short
// names of every entry.
func (t *Table) Find(name string) (*Entry, bool) {
	lower := strings.ToLower(name)
	for i := range t.entries {
		if strings.ToLower(t.entries[i].DisplayName()) == lower {
			return &t.entries[i], true
		}
	}
	return nil, false
}

func (t *Table) shortNameSet() map[[11]byte]bool {
	set := make(map[[11]byte]bool, len(t.entries))
	for _, e := range t.entries {
		set[e.Short.Name] = true
	}
	return set
}

// Add appends a new entry (allocating a short-name alias and encoding an
// LFN chain when longName needs one), growing the region if the existing
// slots are exhausted, and rewrites the whole table.
func (t *Table) Add(longName string, attr byte, cluster uint32, size uint32, mtime time.Time) (*Entry, error) {
	if _, exists := t.Find(longName); exists {
		return nil, checkpoint.Wrap(ErrExists, errors.New(longName))
	}

	short, err := GenerateShortName(longName, t.shortNameSet())
	if err != nil {
		return nil, err
	}

	needsLFN := joinShortName(short, 0) != longName
	var raw []byte
	if needsLFN {
		raw, err = EncodeLongName(short, longName, attr, cluster, size, mtime)
		if err != nil {
			return nil, err
		}
	} else {
		raw, err = EncodeLongName(short, "", attr, cluster, size, mtime)
		if err != nil {
			return nil, err
		}
		raw = raw[len(raw)-EntrySize:] // strip the (empty) LFN chain, keep just the short slot
	}

	if err := t.writeSlots(raw); err != nil {
		return nil, err
	}

	entry := Entry{Short: decodeShort(raw[len(raw)-EntrySize:]), LongName: ""}
	if needsLFN {
		entry.LongName = longName
	}
	t.entries = append(t.entries, entry)
	return &t.entries[len(t.entries)-1], nil
}

// writeSlots finds enough consecutive free (deleted or past-end) slots to
// hold raw and writes it there, growing the region as needed.
func (t *Table) writeSlots(raw []byte) error {
	needed := len(raw) / EntrySize

	full, err := t.region.ReadAll()
	if err != nil {
		return err
	}

	run := 0
	runStart := -1
	total := int(t.region.Size()) / EntrySize
	for i := 0; i < total; i++ {
		off := i * EntrySize
		marker := full[off]
		if marker == freeMarker || marker == endMarker {
			if runStart < 0 {
				runStart = i
			}
			run++
			if run == needed {
				return t.region.WriteAt(raw, int64(runStart)*EntrySize)
			}
		} else {
			run = 0
			runStart = -1
		}
	}

	// Not enough room: grow and retry once per new cluster until it fits.
	for {
		if _, err := t.region.Grow(); err != nil {
			return err
		}
		full, err = t.region.ReadAll()
		if err != nil {
			return err
		}
		total = int(t.region.Size()) / EntrySize
		run, runStart = 0, -1
		for i := 0; i < total; i++ {
			off := i * EntrySize
			marker := full[off]
			if marker == freeMarker || marker == endMarker {
				if runStart < 0 {
					runStart = i
				}
				run++
				if run == needed {
					return t.region.WriteAt(raw, int64(runStart)*EntrySize)
				}
			} else {
				run = 0
				runStart = -1
			}
		}
	}
}

// Remove marks name's slot(s) deleted (0xE5) in place, without shrinking
// the table (freed slots are recycled by later Add calls).
func (t *Table) Remove(name string) error {
	idx := -1
	lower := strings.ToLower(name)
	for i := range t.entries {
		if strings.ToLower(t.entries[i].DisplayName()) == lower {
			idx = i
			break
		}
	}
	if idx < 0 {
		return checkpoint.Wrap(ErrNotFound, errors.New(name))
	}

	full, err := t.region.ReadAll()
	if err != nil {
		return err
	}
	target := t.entries[idx].Short.Name
	targetChecksum := checksum(target)

	for off := 0; off+EntrySize <= len(full); off += EntrySize {
		slot := full[off : off+EntrySize]
		if slot[0] == endMarker {
			break
		}
		if isLFNSlot(slot) && slot[13] == targetChecksum {
			// Only mark the immediately-preceding chain: verified precisely
			// enough by requiring the very next non-LFN slot to match.
			nextOff := off + EntrySize
			for nextOff+EntrySize <= len(full) && isLFNSlot(full[nextOff:nextOff+EntrySize]) {
				nextOff += EntrySize
			}
			if nextOff+EntrySize <= len(full) {
				var name11 [11]byte
				copy(name11[:], full[nextOff:nextOff+11])
				if name11 == target {
					full[off] = freeMarker
				}
			}
			continue
		}
		var name11 [11]byte
		copy(name11[:], slot[0:11])
		if name11 == target {
			full[off] = freeMarker
		}
	}

	if err := t.region.WriteAt(full, 0); err != nil {
		return err
	}
	t.entries = append(t.entries[:idx], t.entries[idx+1:]...)
	return nil
}

// slotRange locates the on-disk slot group (LFN chain, if any, plus the
// short entry) whose short name is target, returning its starting slot
// index and slot count. Lifted out of the scan Remove already performs so
// Rename can decide whether a renamed entry's new encoding fits in the same
// slot group without duplicating the LFN-chain-matching logic.
func slotRange(full []byte, target [11]byte) (startSlot, count int, ok bool) {
	targetChecksum := checksum(target)
	for off := 0; off+EntrySize <= len(full); off += EntrySize {
		slot := full[off : off+EntrySize]
		if slot[0] == endMarker {
			break
		}
		if isLFNSlot(slot) && slot[13] == targetChecksum {
			lfnStart := off
			nextOff := off + EntrySize
			for nextOff+EntrySize <= len(full) && isLFNSlot(full[nextOff:nextOff+EntrySize]) {
				nextOff += EntrySize
			}
			if nextOff+EntrySize <= len(full) {
				var name11 [11]byte
				copy(name11[:], full[nextOff:nextOff+11])
				if name11 == target {
					return lfnStart / EntrySize, (nextOff-lfnStart)/EntrySize + 1, true
				}
			}
			continue
		}
		if slot[0] != freeMarker {
			var name11 [11]byte
			copy(name11[:], slot[0:11])
			if name11 == target {
				return off / EntrySize, 1, true
			}
		}
	}
	return 0, 0, false
}

// Rename changes name's entry to newName, keeping its attributes, cluster,
// size, and write time (create time and access date are rewritten from the
// write time). If newName's encoding (short name plus, if needed,
// LFN chain) occupies exactly as many slots as the old entry did, the
// rewrite happens in place at the existing slot group; otherwise the old
// slots are freed and a new group is allocated for the renamed entry, per
// spec §4.G's "in-place if short-form fits; else allocates a new slot group
// and frees the old".
func (t *Table) Rename(name, newName string) error {
	lower := strings.ToLower(name)
	idx := -1
	for i := range t.entries {
		if strings.ToLower(t.entries[i].DisplayName()) == lower {
			idx = i
			break
		}
	}
	if idx < 0 {
		return checkpoint.Wrap(ErrNotFound, errors.New(name))
	}
	if strings.ToLower(newName) != lower {
		if _, exists := t.Find(newName); exists {
			return checkpoint.Wrap(ErrExists, errors.New(newName))
		}
	}

	old := t.entries[idx]
	existing := t.shortNameSet()
	delete(existing, old.Short.Name)
	short, err := GenerateShortName(newName, existing)
	if err != nil {
		return err
	}
	needsLFN := joinShortName(short, 0) != newName

	var raw []byte
	if needsLFN {
		raw, err = EncodeLongName(short, newName, old.Short.Attr, old.Short.FirstCluster, old.Short.FileSize, old.Short.WriteTime)
	} else {
		raw, err = EncodeLongName(short, "", old.Short.Attr, old.Short.FirstCluster, old.Short.FileSize, old.Short.WriteTime)
		raw = raw[len(raw)-EntrySize:]
	}
	if err != nil {
		return err
	}
	newSlots := len(raw) / EntrySize

	full, err := t.region.ReadAll()
	if err != nil {
		return err
	}
	if startSlot, oldSlots, ok := slotRange(full, old.Short.Name); ok && newSlots == oldSlots {
		if err := t.region.WriteAt(raw, int64(startSlot)*EntrySize); err != nil {
			return err
		}
		entry := Entry{Short: decodeShort(raw[len(raw)-EntrySize:])}
		if needsLFN {
			entry.LongName = newName
		}
		t.entries[idx] = entry
		return nil
	}

	if err := t.Remove(name); err != nil {
		return err
	}
	_, err = t.Add(newName, old.Short.Attr, old.Short.FirstCluster, old.Short.FileSize, old.Short.WriteTime)
	return err
}

// Sort rewrites the table with entries ordered by DisplayName, used by the
// volume-level "sort" bulk operation (spec §7). Deleted slots and free
// space are dropped, compacting the table; a volume label slot is kept
// first.
func (t *Table) Sort() error {
	sorted := append([]Entry(nil), t.entries...)
	sort.Slice(sorted, func(i, j int) bool {
		return strings.ToLower(sorted[i].DisplayName()) < strings.ToLower(sorted[j].DisplayName())
	})

	full, err := t.region.ReadAll()
	if err != nil {
		return err
	}
	var raw []byte
	for off := 0; off+EntrySize <= len(full) && full[off] != endMarker; off += EntrySize {
		if slot := full[off : off+EntrySize]; slot[0] != freeMarker && !isLFNSlot(slot) && slot[11]&attrVolumeID != 0 {
			raw = append(raw, slot...)
			break
		}
	}

	// Re-encode each entry from its already-decoded Short fields directly,
	// keeping the original write time rather than stamping "now" (create
	// time and access date are rewritten from it).
	for _, e := range sorted {
		raw = append(raw, encodeExisting(e)...)
	}

	for len(raw) < len(full) {
		raw = append(raw, make([]byte, EntrySize)...)
	}
	if err := t.region.WriteAt(raw, 0); err != nil {
		return err
	}
	t.entries = sorted
	return nil
}

// encodeExisting re-serializes an already-parsed Entry (short fields and,
// if present, its long name), keeping its write time; create time and
// access date are rewritten from the write time.
func encodeExisting(e Entry) []byte {
	raw, _ := EncodeLongName(e.Short.Name, e.LongName, e.Short.Attr, e.Short.FirstCluster, e.Short.FileSize, e.Short.WriteTime)
	if e.LongName == "" {
		raw = raw[len(raw)-EntrySize:]
	}
	return raw
}
