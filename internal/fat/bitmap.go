package fat

import (
	"errors"
	"sort"

	"github.com/gofatfs/gofat/checkpoint"
	"github.com/gofatfs/gofat/internal/block"
)

// Bitmap is the exFAT Allocation Bitmap: one bit per data-area cluster,
// stored as its own cluster chain rather than an implicit region. A file
// whose extents are fully contiguous can skip the FAT chain entirely
// (NoFatChain) and rely on the bitmap alone plus its start cluster and
// length; anything fragmented still needs a FAT chain too, so Bitmap is
// consulted for free-space bookkeeping regardless.
type Bitmap struct {
	back         block.Container
	offset       int64 // byte offset of the bitmap's cluster chain, linearized
	clusterCount uint32

	freeMap      map[uint32]uint32 // start cluster (>=2) -> run length
	freeClusters uint32
}

// OpenBitmap loads the free-space map from an exFAT allocation bitmap
// occupying clusterCount bits starting at byte offset in back (the caller
// is responsible for resolving the bitmap's cluster chain into a flat
// region, since the bitmap is itself stored as file data).
func OpenBitmap(back block.Container, offset int64, clusterCount uint32) (*Bitmap, error) {
	b := &Bitmap{back: back, offset: offset, clusterCount: clusterCount}
	if err := b.mapFreeSpace(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bitmap) byteAndBit(cluster uint32) (int64, uint8) {
	bit := cluster - 2
	return b.offset + int64(bit/8), uint8(bit % 8)
}

// IsSet reports whether cluster is marked allocated.
func (b *Bitmap) IsSet(cluster uint32) (bool, error) {
	pos, bit := b.byteAndBit(cluster)
	buf := make([]byte, 1)
	if _, err := b.back.ReadAt(buf, pos); err != nil {
		return false, checkpoint.From(err)
	}
	return buf[0]&(1<<bit) != 0, nil
}

// set marks count consecutive clusters starting at cluster allocated
// (clear=false) or free (clear=true), byte at a time.
func (b *Bitmap) set(cluster, count uint32, clear bool) error {
	for count > 0 {
		pos, bit := b.byteAndBit(cluster)
		buf := make([]byte, 1)
		if _, err := b.back.ReadAt(buf, pos); err != nil {
			return checkpoint.From(err)
		}
		todo := uint32(8 - bit)
		if todo > count {
			todo = count
		}
		mask := byte(((1 << todo) - 1) << bit)
		if clear {
			buf[0] &^= mask
		} else {
			buf[0] |= mask
		}
		if _, err := b.back.WriteAt(buf, pos); err != nil {
			return checkpoint.From(err)
		}
		cluster += todo
		count -= todo
	}
	return nil
}

// mapFreeSpace scans the whole bitmap once, building an ordered
// {start: runLength} map of contiguous free-cluster runs.
func (b *Bitmap) mapFreeSpace() error {
	b.freeMap = make(map[uint32]uint32)
	b.freeClusters = 0

	totalBytes := (b.clusterCount + 7) / 8
	buf := make([]byte, totalBytes)
	if _, err := b.back.ReadAt(buf, b.offset); err != nil {
		return checkpoint.From(err)
	}

	var runStart uint32
	inRun := false
	flush := func(end uint32) {
		if inRun {
			b.freeMap[runStart] = end - runStart
			b.freeClusters += end - runStart
			inRun = false
		}
	}

	for i := uint32(0); i < b.clusterCount; i++ {
		cluster := i + 2
		set := buf[i/8]&(1<<(i%8)) != 0
		if !set {
			if !inRun {
				runStart = cluster
				inRun = true
			}
		} else {
			flush(cluster)
		}
	}
	flush(b.clusterCount + 2)
	return nil
}

func (b *Bitmap) sortedFreeStarts() []uint32 {
	starts := make([]uint32, 0, len(b.freeMap))
	for k := range b.freeMap {
		starts = append(starts, k)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	return starts
}

// findFree removes (or shrinks) the best-fitting free run for count
// clusters: the shortest run that is still >= count, or the largest
// available run if none is big enough, matching Table.findFree.
func (b *Bitmap) findFree(count uint32) (start, n uint32, ok bool) {
	starts := b.sortedFreeStarts()
	if len(starts) == 0 {
		return 0, 0, false
	}

	var bestFit, largest uint32
	bestFitLen := ^uint32(0)
	largestLen := uint32(0)
	haveBestFit := false
	for _, s := range starts {
		runLen := b.freeMap[s]
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

	runLen := b.freeMap[i]
	taken := runLen
	if taken > count {
		taken = count
	}
	delete(b.freeMap, i)
	if runLen > taken {
		b.freeMap[i+taken] = runLen - taken
	}
	b.freeClusters -= taken
	return i, taken, true
}

// FreeClusters returns the map's current free-cluster count.
func (b *Bitmap) FreeClusters() uint32 { return b.freeClusters }

// FreeRuns returns the current free-cluster runs, ordered by start cluster.
func (b *Bitmap) FreeRuns() []Run {
	starts := b.sortedFreeStarts()
	runs := make([]Run, 0, len(starts))
	for _, s := range starts {
		runs = append(runs, Run{Start: s, Length: b.freeMap[s]})
	}
	return runs
}

// Alloc reserves count clusters (possibly across multiple runs) and marks
// them allocated in the bitmap; runs are returned in allocation order so
// the caller can build the FAT chain for any run beyond the first
// (a single contiguous run needs no FAT chain at all under NoFatChain).
func (b *Bitmap) Alloc(count uint32) ([]Run, error) {
	if b.freeClusters < count {
		return nil, checkpoint.Wrap(ErrNoSpace, errors.New(""))
	}
	var runs []Run
	remaining := count
	for remaining > 0 {
		start, n, ok := b.findFree(remaining)
		if !ok {
			return nil, checkpoint.Wrap(ErrNoSpace, errors.New("bitmap free map exhausted"))
		}
		if err := b.set(start, n, false); err != nil {
			return nil, err
		}
		runs = append(runs, Run{Start: start, Length: n})
		remaining -= n
	}
	return runs, nil
}

// insertFreeRun adds a newly-freed [start, start+length) run to the free
// map, folding it into an adjacent existing run on either side, matching
// Table.insertFreeRun's invariant (spec §3: runs are maximal and disjoint).
func (b *Bitmap) insertFreeRun(start, length uint32) {
	for s, l := range b.freeMap {
		if s+l == start {
			delete(b.freeMap, s)
			start, length = s, l+length
			break
		}
	}
	if next, ok := b.freeMap[start+length]; ok {
		delete(b.freeMap, start+length)
		length += next
	}
	b.freeMap[start] = length
}

// Free returns every cluster covered by runs to the free map and clears
// their bitmap bits.
func (b *Bitmap) Free(runs []Run) error {
	for _, r := range runs {
		if err := b.set(r.Start, r.Length, true); err != nil {
			return err
		}
		b.insertFreeRun(r.Start, r.Length)
		b.freeClusters += r.Length
	}
	return nil
}

// Run is one contiguous span of clusters, [Start, Start+Length).
type Run struct {
	Start  uint32
	Length uint32
}

// Contiguous reports whether runs forms a single unbroken span, the
// condition under which exFAT's NoFatChain optimization applies.
func Contiguous(runs []Run) bool {
	return len(runs) == 1
}

// CompactRuns folds an explicit cluster-by-cluster chain (as returned by
// Table.Chain) back into the run-length form Bitmap.Free expects.
func CompactRuns(chain []uint32) []Run {
	if len(chain) == 0 {
		return nil
	}
	var runs []Run
	start := chain[0]
	prev := chain[0]
	for _, c := range chain[1:] {
		if c == prev+1 {
			prev = c
			continue
		}
		runs = append(runs, Run{Start: start, Length: prev - start + 1})
		start, prev = c, c
	}
	runs = append(runs, Run{Start: start, Length: prev - start + 1})
	return runs
}
