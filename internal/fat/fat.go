// Package fat implements the FAT12/16/32 allocation table: cluster
// get/set, chain walking, and a run-length free-space map used for
// allocation and freeing, per spec §4.F. exFAT's separate allocation
// bitmap lives alongside it in bitmap.go since both are the same
// "which clusters are free" concern, just encoded differently on disk.
package fat

import (
	"bytes"
	"errors"
	"sort"

	"github.com/gofatfs/gofat/checkpoint"
	"github.com/gofatfs/gofat/internal/block"
)

var (
	ErrOutOfRange     = errors.New("fat: cluster index out of range")
	ErrNoSpace        = errors.New("fat: not enough free clusters")
	ErrInvalidValue   = errors.New("fat: value not representable in this table's cluster width")
)

// Table decodes and mutates an on-disk FAT12, FAT16 or FAT32 table,
// including the mirrored second copy that non-exFAT volumes keep in sync.
type Table struct {
	back   block.Container
	bits   int // 12, 16 or 32
	exfat  bool
	offset  int64 // byte offset of FAT#1
	offset2 int64 // byte offset of FAT#2, 0 if there is none (exFAT, or NumFATs==1)

	size     uint32 // data-area cluster count
	realLast uint32 // highest addressable cluster index

	reserved uint32
	bad      uint32
	last     uint32 // lowest "end of chain" marker; last..last+7 all mean EOC

	freeMap      map[uint32]uint32 // start cluster -> run length
	freeClusters uint32
	lastAlloc    uint32
}

// Params describes the geometry needed to interpret a FAT table, filled in
// by the caller from a recognized bpb.Geometry.
type Params struct {
	Bits           int
	ExFAT          bool
	Offset         int64
	Offset2        int64 // 0 disables the mirrored write
	DataClusters   uint32
}

// Open decodes the free-space map of a FAT table already positioned at
// Offset in back and returns a Table ready for Get/Set/Alloc/Free.
func Open(back block.Container, p Params) (*Table, error) {
	t := &Table{
		back:    back,
		bits:    p.Bits,
		exfat:   p.ExFAT,
		offset:  p.Offset,
		offset2: p.Offset2,
		size:    p.DataClusters,
	}

	switch p.Bits {
	case 12:
		t.reserved, t.bad, t.last = 0x0FF7, 0x0FF7, 0x0FF8
	case 16:
		t.reserved, t.bad, t.last = 0xFFF7, 0xFFF7, 0xFFF8
	case 32:
		if p.ExFAT {
			t.reserved, t.bad, t.last = 0xFFFFFFF7, 0xFFFFFFF7, 0xFFFFFFF8
		} else {
			t.reserved, t.bad, t.last = 0x0FFFFFF7, 0x0FFFFFF7, 0x0FFFFFF8
		}
	default:
		return nil, checkpoint.Wrap(ErrInvalidValue, errors.New("unsupported bit width"))
	}

	if t.reserved-1 < t.size+2-1 {
		t.realLast = t.reserved - 1
	} else {
		t.realLast = t.size + 2 - 1
	}

	if !p.ExFAT {
		if err := t.mapFreeSpace(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Table) slotByteOffset(index uint32) int64 {
	return t.offset + int64(index)*int64(t.bits)/8
}

// Get retrieves the raw value stored at a cluster index. Out-of-range reads
// return the end-of-chain marker rather than an error, matching how FAT
// drivers treat a dangling reference defensively.
func (t *Table) Get(index uint32) (uint32, error) {
	if index < 2 || index > t.realLast {
		return t.last, nil
	}

	switch t.bits {
	case 12:
		pos := t.offset + int64(index)*3/2
		raw := make([]byte, 2)
		if _, err := t.back.ReadAt(raw, pos); err != nil {
			return 0, checkpoint.From(err)
		}
		slot := uint32(raw[0]) | uint32(raw[1])<<8
		if index%2 == 1 {
			slot >>= 4
		} else {
			slot &= 0x0FFF
		}
		return slot, nil
	case 16:
		raw := make([]byte, 2)
		if _, err := t.back.ReadAt(raw, t.slotByteOffset(index)); err != nil {
			return 0, checkpoint.From(err)
		}
		return uint32(raw[0]) | uint32(raw[1])<<8, nil
	default: // 32
		raw := make([]byte, 4)
		if _, err := t.back.ReadAt(raw, t.slotByteOffset(index)); err != nil {
			return 0, checkpoint.From(err)
		}
		v := uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24
		if !t.exfat {
			v &= 0x0FFFFFFF
		}
		return v, nil
	}
}

// Set stores value at index, mirroring the write to the second FAT copy
// when one exists.
func (t *Table) Set(index uint32, value uint32) error {
	if index < 2 || index > t.realLast {
		return checkpoint.Wrap(ErrOutOfRange, errors.New(""))
	}

	var raw []byte
	switch t.bits {
	case 12:
		pos := t.offset + int64(index)*3/2
		existing := make([]byte, 2)
		if _, err := t.back.ReadAt(existing, pos); err != nil {
			return checkpoint.From(err)
		}
		slot := uint32(existing[0]) | uint32(existing[1])<<8
		if index%2 == 1 {
			slot = (value << 4) | (slot & 0xF)
		} else {
			slot = (slot & 0xF000) | (value & 0x0FFF)
		}
		raw = []byte{byte(slot), byte(slot >> 8)}
		if _, err := t.back.WriteAt(raw, pos); err != nil {
			return checkpoint.From(err)
		}
		if t.offset2 != 0 {
			if _, err := t.back.WriteAt(raw, t.offset2+pos-t.offset); err != nil {
				return checkpoint.From(err)
			}
		}
		return nil
	case 16:
		raw = []byte{byte(value), byte(value >> 8)}
	default: // 32
		raw = []byte{byte(value), byte(value >> 8), byte(value >> 16), byte(value >> 24)}
	}

	pos := t.slotByteOffset(index)
	if _, err := t.back.WriteAt(raw, pos); err != nil {
		return checkpoint.From(err)
	}
	if t.offset2 != 0 {
		if _, err := t.back.WriteAt(raw, t.offset2+pos-t.offset); err != nil {
			return checkpoint.From(err)
		}
	}
	return nil
}

// SetEnd marks index as the last cluster in its chain. Exposed so callers
// composing chains cluster-by-cluster (e.g. exFAT materializing a
// previously implicit contiguous run into a real FAT chain) don't need to
// know the table's internal end-of-chain encoding.
func (t *Table) SetEnd(index uint32) error { return t.Set(index, t.last) }

// IsEOC reports whether value marks the end of a cluster chain.
func (t *Table) IsEOC(value uint32) bool { return value >= t.last && value <= t.last+7 }

// IsBad reports whether value marks a cluster the driver must never
// allocate.
func (t *Table) IsBad(value uint32) bool { return value == t.bad }

// FreeClusters returns the free-space map's current count.
func (t *Table) FreeClusters() uint32 { return t.freeClusters }

// FreeRuns returns the current free-cluster runs, ordered by start cluster.
// Callers use this to walk unallocated space (e.g. to zero it) without
// disturbing the allocator's own map.
func (t *Table) FreeRuns() []Run {
	starts := t.sortedFreeStarts()
	runs := make([]Run, 0, len(starts))
	for _, s := range starts {
		runs = append(runs, Run{Start: s, Length: t.freeMap[s]})
	}
	return runs
}

// Chain returns every cluster index in the chain starting at start, in
// order.
func (t *Table) Chain(start uint32) ([]uint32, error) {
	var chain []uint32
	cur := start
	for {
		chain = append(chain, cur)
		next, err := t.Get(cur)
		if err != nil {
			return nil, err
		}
		if t.IsEOC(next) || t.IsBad(next) {
			break
		}
		cur = next
	}
	return chain, nil
}

// mapFreeSpace scans the whole table once, building an ordered
// {start: runLength} map of contiguous free-cluster runs, mirroring the
// scan FATtools performs at mount time rather than tracking free space
// incrementally from the superblock (FAT has no free-cluster counter of
// its own; FAT32's FSInfo hint is advisory only, per spec §9).
func (t *Table) mapFreeSpace() error {
	t.freeMap = make(map[uint32]uint32)
	t.freeClusters = 0

	var runStart uint32
	inRun := false
	var flushRun = func(end uint32) {
		if inRun {
			t.freeMap[runStart] = end - runStart
			t.freeClusters += end - runStart
			inRun = false
		}
	}

	for idx := uint32(2); idx <= t.realLast; idx++ {
		v, err := t.Get(idx)
		if err != nil {
			return err
		}
		if v == 0 {
			if !inRun {
				runStart = idx
				inRun = true
			}
		} else {
			flushRun(idx)
		}
	}
	flushRun(t.realLast + 1)
	return nil
}

// sortedFreeStarts returns free-run start clusters in ascending order, used
// only to make map iteration deterministic (Go map order isn't); allocation
// itself picks by run length, not by start, per findFree below.
func (t *Table) sortedFreeStarts() []uint32 {
	starts := make([]uint32, 0, len(t.freeMap))
	for k := range t.freeMap {
		starts = append(starts, k)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	return starts
}

// findFree removes (or shrinks) the best-fitting free run for count
// clusters: the shortest run that is still >= count, minimizing leftover
// fragmentation, or the largest available run if none is big enough. Ties
// are broken by lowest start cluster for deterministic layouts.
func (t *Table) findFree(count uint32) (start, n uint32, ok bool) {
	starts := t.sortedFreeStarts()
	if len(starts) == 0 {
		return 0, 0, false
	}

	var bestFit, largest uint32
	bestFitLen := ^uint32(0)
	largestLen := uint32(0)
	haveBestFit := false
	for _, s := range starts {
		runLen := t.freeMap[s]
		if runLen >= count && runLen < bestFitLen {
			bestFit, bestFitLen = s, runLen
			haveBestFit = true
		}
		if runLen > largestLen {
			largest, largestLen = s, runLen
		}
	}

	i := largest
	if haveBestFit {
		i = bestFit
	}

	runLen := t.freeMap[i]
	taken := runLen
	if taken > count {
		taken = count
	}
	delete(t.freeMap, i)
	if runLen > taken {
		t.freeMap[i+taken] = runLen - taken
	}
	t.freeClusters -= taken
	return i, taken, true
}

// markRun sets count consecutive clusters starting at start to either a
// contiguous chain (clear=false) or zero (clear=true, i.e. freed).
func (t *Table) markRun(start, count uint32, clear bool) error {
	if count == 0 {
		return nil
	}
	if clear {
		for i := uint32(0); i < count; i++ {
			if err := t.Set(start+i, 0); err != nil {
				return err
			}
		}
		return nil
	}
	for i := uint32(0); i < count-1; i++ {
		if err := t.Set(start+i, start+i+1); err != nil {
			return err
		}
	}
	return t.Set(start+count-1, t.last)
}

// Alloc reserves count free clusters, links them into one or more runs
// forming a single chain, and returns the ordered list of cluster indices
// (spec §4.F alloc). Each run is chosen best-fit by findFree and linked to
// the next as it's taken.
func (t *Table) Alloc(count uint32) ([]uint32, error) {
	if t.exfat {
		return nil, checkpoint.Wrap(ErrInvalidValue, errors.New("exFAT clusters are allocated via the allocation bitmap"))
	}
	if count == 0 {
		return nil, nil
	}
	if t.freeClusters < count {
		return nil, checkpoint.Wrap(ErrNoSpace, errors.New(""))
	}

	var chain []uint32
	remaining := count
	var prevRunEnd uint32

	for remaining > 0 {
		start, n, ok := t.findFree(remaining)
		if !ok {
			return nil, checkpoint.Wrap(ErrNoSpace, errors.New("free map exhausted"))
		}
		if err := t.markRun(start, n, false); err != nil {
			return nil, err
		}
		if len(chain) > 0 {
			if err := t.Set(prevRunEnd, start); err != nil {
				return nil, err
			}
		}
		for i := uint32(0); i < n; i++ {
			chain = append(chain, start+i)
		}
		prevRunEnd = start + n - 1
		remaining -= n
	}

	t.lastAlloc = chain[len(chain)-1]
	return chain, nil
}

// MirrorsConsistent compares the primary FAT against its mirror copy byte
// for byte over sizeBytes (the on-disk size of one FAT copy, sector-aligned)
// and reports whether they agree. It always reports consistent if the table
// was opened without a mirror (Offset2 == 0, per spec §4.F only volumes with
// NumFATs > 1 keep one). A crash between the two mirrored writes Table.Set
// performs is exactly what this catches on the next mount.
func (t *Table) MirrorsConsistent(sizeBytes int64) (bool, error) {
	if t.offset2 == 0 {
		return true, nil
	}
	const chunk = 4096
	buf1 := make([]byte, chunk)
	buf2 := make([]byte, chunk)
	for off := int64(0); off < sizeBytes; off += chunk {
		n := chunk
		if off+int64(n) > sizeBytes {
			n = int(sizeBytes - off)
		}
		if _, err := t.back.ReadAt(buf1[:n], t.offset+off); err != nil {
			return false, checkpoint.From(err)
		}
		if _, err := t.back.ReadAt(buf2[:n], t.offset2+off); err != nil {
			return false, checkpoint.From(err)
		}
		if !bytes.Equal(buf1[:n], buf2[:n]) {
			return false, nil
		}
	}
	return true, nil
}

// insertFreeRun adds a newly-freed [start, start+length) run to the free
// map, folding it into an adjacent existing run on either side so the map
// keeps its maximal/disjoint invariant (spec §3) instead of accumulating
// runs that a later findFree can't see as one contiguous span.
func (t *Table) insertFreeRun(start, length uint32) {
	for s, l := range t.freeMap {
		if s+l == start {
			delete(t.freeMap, s)
			start, length = s, l+length
			break
		}
	}
	if next, ok := t.freeMap[start+length]; ok {
		delete(t.freeMap, start+length)
		length += next
	}
	t.freeMap[start] = length
}

// Free walks the chain starting at start and returns every cluster in it to
// the free map, zeroing their FAT entries a contiguous run at a time.
func (t *Table) Free(start uint32) error {
	if start < 2 || start > t.realLast {
		return checkpoint.Wrap(ErrOutOfRange, errors.New(""))
	}
	cur := start
	for {
		runStart := cur
		runLen := uint32(1)
		for {
			next, err := t.Get(cur)
			if err != nil {
				return err
			}
			if t.IsEOC(next) || t.IsBad(next) {
				if err := t.markRun(runStart, runLen, true); err != nil {
					return err
				}
				t.insertFreeRun(runStart, runLen)
				t.freeClusters += runLen
				return nil
			}
			if next != cur+1 {
				if err := t.markRun(runStart, runLen, true); err != nil {
					return err
				}
				t.insertFreeRun(runStart, runLen)
				t.freeClusters += runLen
				cur = next
				break
			}
			cur = next
			runLen++
		}
	}
}
