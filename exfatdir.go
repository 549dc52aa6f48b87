package gofat

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/gofatfs/gofat/checkpoint"
	"github.com/gofatfs/gofat/internal/block"
	"github.com/gofatfs/gofat/internal/dirent"
	"github.com/gofatfs/gofat/internal/dirent/exfat"
	"github.com/gofatfs/gofat/internal/fat"
)

// exfatChainRegion is the exFAT counterpart of dirent.ChainRegion: a
// directory table (or any other cluster-backed data stream) whose cluster
// list may be either implicit (a contiguous run under NoFatChain) or an
// explicit FAT chain. Growing an implicit run materializes it into a real
// FAT chain the moment a non-contiguous cluster is appended, matching how
// Windows treats a fragmented NoFatChain stream as a driver bug it must
// route around rather than reproduce.
type exfatChainRegion struct {
	back        block.Container
	table       *fat.Table
	bitmap      *fat.Bitmap
	clusterSize int64
	dataOffset  int64
	chain       []uint32
	noFatChain  bool
}

func newExfatChainRegion(back block.Container, table *fat.Table, bitmap *fat.Bitmap, clusterSize, dataOffset int64, startCluster uint32, dataLength uint64, noFatChain bool) (*exfatChainRegion, error) {
	r := &exfatChainRegion{back: back, table: table, bitmap: bitmap, clusterSize: clusterSize, dataOffset: dataOffset, noFatChain: noFatChain}

	if startCluster == 0 {
		return r, nil
	}

	if noFatChain {
		n := (dataLength + uint64(clusterSize) - 1) / uint64(clusterSize)
		for i := uint64(0); i < n; i++ {
			r.chain = append(r.chain, startCluster+uint32(i))
		}
		return r, nil
	}

	chain, err := table.Chain(startCluster)
	if err != nil {
		return nil, err
	}
	r.chain = chain
	return r, nil
}

func (r *exfatChainRegion) clusterOffset(c uint32) int64 {
	return r.dataOffset + int64(c-2)*r.clusterSize
}

func (r *exfatChainRegion) ReadAll() ([]byte, error) {
	buf := make([]byte, int64(len(r.chain))*r.clusterSize)
	for i, c := range r.chain {
		if _, err := r.back.ReadAt(buf[int64(i)*r.clusterSize:int64(i+1)*r.clusterSize], r.clusterOffset(c)); err != nil {
			return nil, checkpoint.From(err)
		}
	}
	return buf, nil
}

// ReadAt reads len(p) bytes from the chain starting at byte offset off,
// walking only the already-resolved chain slice so sequential reads cost
// one back.ReadAt per cluster crossed rather than a FAT/bitmap lookup.
func (r *exfatChainRegion) ReadAt(p []byte, off int64) (int, error) {
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

func (r *exfatChainRegion) WriteAt(p []byte, off int64) error {
	remaining := p
	cur := off
	for len(remaining) > 0 {
		idx := cur / r.clusterSize
		if int(idx) >= len(r.chain) {
			return checkpoint.Wrap(dirent.ErrDirFull, errors.New("write past end of exfat directory chain"))
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

// Grow appends one cluster from the bitmap. If the new cluster does not
// continue an implicit contiguous run, the run is materialized into a real
// FAT chain first.
func (r *exfatChainRegion) Grow() (int64, error) {
	runs, err := r.bitmap.Alloc(1)
	if err != nil {
		return 0, err
	}
	next := runs[0].Start

	contiguous := len(r.chain) > 0 && next == r.chain[len(r.chain)-1]+1
	if r.noFatChain && !contiguous && len(r.chain) > 0 {
		if err := r.materialize(); err != nil {
			return 0, err
		}
	}
	if len(r.chain) > 0 && !r.noFatChain {
		if err := r.table.Set(r.chain[len(r.chain)-1], next); err != nil {
			return 0, err
		}
	}
	if !r.noFatChain || len(r.chain) == 0 {
		if err := r.table.SetEnd(next); err != nil {
			return 0, err
		}
	}
	if len(r.chain) == 0 {
		r.noFatChain = true
	}
	r.chain = append(r.chain, next)

	zero := make([]byte, r.clusterSize)
	if _, err := r.back.WriteAt(zero, r.clusterOffset(next)); err != nil {
		return 0, checkpoint.From(err)
	}
	return r.Size(), nil
}

// materialize writes real FAT links for a chain that was, until now, only
// implicitly contiguous.
func (r *exfatChainRegion) materialize() error {
	for i := 0; i < len(r.chain)-1; i++ {
		if err := r.table.Set(r.chain[i], r.chain[i+1]); err != nil {
			return err
		}
	}
	if len(r.chain) > 0 {
		if err := r.table.SetEnd(r.chain[len(r.chain)-1]); err != nil {
			return err
		}
	}
	r.noFatChain = false
	return nil
}

func (r *exfatChainRegion) Size() int64 { return int64(len(r.chain)) * r.clusterSize }

// Truncate frees every cluster beyond the one containing byte newSize-1.
// A truncation to a length that is not a whole number of clusters first
// materializes the FAT chain and clears NoFatChain. Under NoFatChain the
// tail is still one contiguous run, so it goes back to the bitmap directly;
// a materialized chain also clears each freed cluster's FAT entry (the
// bitmap alone doesn't track chain links) before returning the run to the
// bitmap, and caps the new tail with SetEnd so nothing still points into
// freed space.
func (r *exfatChainRegion) Truncate(newSize int64) error {
	if newSize < 0 {
		newSize = 0
	}
	if r.noFatChain && newSize%r.clusterSize != 0 {
		if err := r.materialize(); err != nil {
			return err
		}
	}
	keep := (newSize + r.clusterSize - 1) / r.clusterSize
	if keep >= int64(len(r.chain)) {
		return nil
	}
	tail := r.chain[keep:]
	if len(tail) == 0 {
		return nil
	}

	if r.noFatChain {
		if err := r.bitmap.Free([]fat.Run{{Start: tail[0], Length: uint32(len(tail))}}); err != nil {
			return err
		}
	} else {
		if keep > 0 {
			if err := r.table.SetEnd(r.chain[keep-1]); err != nil {
				return err
			}
		}
		for _, c := range tail {
			if err := r.table.Set(c, 0); err != nil {
				return err
			}
		}
		if err := r.bitmap.Free(fat.CompactRuns(tail)); err != nil {
			return err
		}
	}

	if keep == 0 {
		r.chain = nil
	} else {
		r.chain = r.chain[:keep]
	}
	return nil
}

// StartCluster and NoFatChain report the region's current allocation shape,
// used to fill a Stream Extension slot after a mutation.
func (r *exfatChainRegion) StartCluster() uint32 {
	if len(r.chain) == 0 {
		return 0
	}
	return r.chain[0]
}
func (r *exfatChainRegion) NoFatChain() bool { return r.noFatChain }

var _ dirent.Region = (*exfatChainRegion)(nil)

// exfatDirBackend adapts a directory stored in the exFAT File Entry /
// Stream Extension / FileName Extension slot format to the volume-level
// dirBackend interface.
type exfatDirBackend struct {
	region *exfatChainRegion
	upcase *exfat.UpcaseTable
	nodes  []node
}

func openExFATDir(region *exfatChainRegion, upcase *exfat.UpcaseTable) (*exfatDirBackend, error) {
	d := &exfatDirBackend{region: region, upcase: upcase}
	if err := d.reload(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *exfatDirBackend) reload() error {
	raw, err := d.region.ReadAll()
	if err != nil {
		return err
	}
	d.nodes = nil
	for off := 0; off+exfat.EntrySize <= len(raw); {
		marker := raw[off]
		if marker == 0 {
			break
		}
		if !exfat.IsFileEntryMarker(marker) {
			off += exfat.EntrySize
			continue
		}
		span := exfat.Span(raw[off:])
		end := off + span*exfat.EntrySize
		if end > len(raw) {
			break
		}
		fs, err := exfat.Decode(raw[off:end])
		if err == nil {
			d.nodes = append(d.nodes, nodeFromExFATSet(*fs))
		}
		off = end
	}
	return nil
}

func (d *exfatDirBackend) list() ([]node, error) { return d.nodes, nil }

func (d *exfatDirBackend) find(name string) (*node, bool, error) {
	lower := strings.ToLower(name)
	for i := range d.nodes {
		if strings.ToLower(d.nodes[i].name) == lower {
			return &d.nodes[i], true, nil
		}
	}
	return nil, false, nil
}

// add creates a new entry whose data is assumed contiguous (true for any
// freshly allocated single-run file or directory).
func (d *exfatDirBackend) add(name string, attr uint16, cluster uint32, size uint32, mtime time.Time) error {
	return d.addWithChain(name, attr, cluster, size, mtime, true)
}

// addWithChain creates a new entry, recording noFatChain accurately for
// callers (Volume.allocClusters) that may have had to fall back to a real
// FAT chain because the bitmap could not satisfy the request with one
// contiguous run.
func (d *exfatDirBackend) addWithChain(name string, attr uint16, cluster uint32, size uint32, mtime time.Time, noFatChain bool) error {
	if _, exists, _ := d.find(name); exists {
		return checkpoint.Wrap(ErrExist, errors.New(name))
	}

	raw, err := exfat.Encode(name, attr, cluster, uint64(size), noFatChain, mtime, d.upcase.Upcase)
	if err != nil {
		return err
	}

	slots := len(raw) / exfat.EntrySize
	full, err := d.region.ReadAll()
	if err != nil {
		return err
	}
	run, runStart := 0, -1
	total := len(full) / exfat.EntrySize
	for i := 0; i < total; i++ {
		marker := full[i*exfat.EntrySize]
		if marker == 0 || !exfat.InUse(marker) {
			if runStart < 0 {
				runStart = i
			}
			run++
			if run == slots {
				if err := d.region.WriteAt(raw, int64(runStart)*exfat.EntrySize); err != nil {
					return err
				}
				return d.reload()
			}
		} else {
			run, runStart = 0, -1
		}
	}

	if _, err := d.region.Grow(); err != nil {
		return err
	}
	return d.addWithChain(name, attr, cluster, size, mtime, noFatChain)
}

// sort rewrites the directory's entries in ascending name order, re-encoding
// each from its already-decoded node fields: allocation and modification
// time are kept, while create and access times are rewritten to the
// modification time. In-use primary entries that are not File entries
// (Allocation Bitmap, Up-case Table, Volume Label) are copied unchanged
// ahead of the sorted files.
func (d *exfatDirBackend) sort() error {
	sorted := append([]node(nil), d.nodes...)
	sort.Slice(sorted, func(i, j int) bool {
		return strings.ToLower(sorted[i].name) < strings.ToLower(sorted[j].name)
	})

	full, err := d.region.ReadAll()
	if err != nil {
		return err
	}
	var raw []byte
	for off := 0; off+exfat.EntrySize <= len(full) && full[off] != 0; off += exfat.EntrySize {
		// Bit 0x40 of the entry type marks a secondary entry.
		if m := full[off]; exfat.InUse(m) && m&0x40 == 0 && !exfat.IsFileEntryMarker(m) {
			raw = append(raw, full[off:off+exfat.EntrySize]...)
		}
	}
	for _, n := range sorted {
		enc, err := exfat.Encode(n.name, n.attr, n.firstCluster, n.size, n.noFatChain, n.modTime, d.upcase.Upcase)
		if err != nil {
			return err
		}
		raw = append(raw, enc...)
	}

	for len(raw) < len(full) {
		raw = append(raw, make([]byte, exfat.EntrySize)...)
	}
	if err := d.region.WriteAt(raw, 0); err != nil {
		return err
	}
	return d.reload()
}

// rename changes oldName's entry to newName in place if the new name's
// encoded entry-set span (File entry plus Stream Extension plus however
// many FileName Extension slots the name needs) matches the old span;
// otherwise it frees the old slot group and allocates a fresh one for the
// renamed entry, per spec §4.G's "in-place if short-form fits; else
// allocates a new slot group and frees the old".
func (d *exfatDirBackend) rename(oldName, newName string) error {
	lower := strings.ToLower(oldName)
	n, ok, err := d.find(oldName)
	if err != nil {
		return err
	}
	if !ok {
		return checkpoint.Wrap(ErrNotExist, errors.New(oldName))
	}
	if strings.ToLower(newName) != lower {
		if _, exists, _ := d.find(newName); exists {
			return checkpoint.Wrap(ErrExist, errors.New(newName))
		}
	}

	raw, err := exfat.Encode(newName, n.attr, n.firstCluster, n.size, n.noFatChain, n.modTime, d.upcase.Upcase)
	if err != nil {
		return err
	}
	newSlots := len(raw) / exfat.EntrySize

	full, err := d.region.ReadAll()
	if err != nil {
		return err
	}
	for off := 0; off+exfat.EntrySize <= len(full); {
		marker := full[off]
		if marker == 0 {
			break
		}
		if !exfat.IsFileEntryMarker(marker) {
			off += exfat.EntrySize
			continue
		}
		span := exfat.Span(full[off:])
		end := off + span*exfat.EntrySize
		if end > len(full) {
			break
		}
		fs, decErr := exfat.Decode(full[off:end])
		if decErr == nil && strings.ToLower(fs.Name) == lower {
			if span == newSlots {
				copy(full[off:end], raw)
				if err := d.region.WriteAt(full[off:end], int64(off)); err != nil {
					return err
				}
				return d.reload()
			}
			break
		}
		off = end
	}

	if err := d.remove(oldName); err != nil {
		return err
	}
	return d.addWithChain(newName, n.attr, n.firstCluster, uint32(n.size), n.modTime, n.noFatChain)
}

func (d *exfatDirBackend) remove(name string) error {
	lower := strings.ToLower(name)
	full, err := d.region.ReadAll()
	if err != nil {
		return err
	}
	for off := 0; off+exfat.EntrySize <= len(full); {
		marker := full[off]
		if marker == 0 {
			break
		}
		if !exfat.IsFileEntryMarker(marker) {
			off += exfat.EntrySize
			continue
		}
		span := exfat.Span(full[off:])
		end := off + span*exfat.EntrySize
		if end > len(full) {
			break
		}
		fs, decErr := exfat.Decode(full[off:end])
		if decErr == nil && strings.ToLower(fs.Name) == lower {
			for i := off; i < end; i += exfat.EntrySize {
				full[i] &^= 0x80 // clear in-use bit across the whole slot group
			}
			if err := d.region.WriteAt(full, 0); err != nil {
				return err
			}
			return d.reload()
		}
		off = end
	}
	return checkpoint.Wrap(ErrNotExist, errors.New(name))
}
