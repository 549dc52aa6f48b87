// Package vmdk implements the monolithic sparse VMDK extent format: a Sparse
// Extent Header, a Grain Directory of Grain Table sector offsets, and Grain
// Tables of 512 Grain Table Entries each addressing a fixed-size Grain.
package vmdk

import (
	"encoding/binary"
	"errors"

	"github.com/gofatfs/gofat/checkpoint"
	"github.com/gofatfs/gofat/internal/block"
)

const (
	magicNumber = 0x564d444b // "KDMV" little-endian

	gtEntriesPerTable = 512
	gdEntrySize       = 4
	gtEntrySize       = 4

	// A GTE of 0 means unallocated; a GTE of 1 means the grain is allocated
	// but still all-zero (kept distinct so a later real write can allocate
	// storage exactly once).
	gteUnallocated = 0
	gteZero        = 1
)

var (
	ErrBadMagic            = errors.New("vmdk: bad extent magic (expected KDMV)")
	ErrUnsupportedVersion  = errors.New("vmdk: unsupported extent version")
	ErrGrainSizeInvalid    = errors.New("vmdk: grain size must be a power of two >= 8 sectors")
)

// header is the Sparse Extent Header (first 512-byte sector of the extent).
type header struct {
	MagicNumber        uint32
	Version            uint32
	Flags              uint32
	Capacity           uint64 // sectors
	GrainSize          uint64 // sectors
	DescriptorOffset   uint64 // sectors
	DescriptorSize     uint64 // sectors
	NumGTEsPerGT       uint32
	RGDOffset          uint64 // sectors
	GDOffset           uint64 // sectors
	OverHead           uint64 // sectors
	UncleanShutdown    byte
}

const sectorSize = 512

// Image is a mounted single-extent monolithic-sparse VMDK, exposed as a
// block.Container. Multi-extent descriptor files are composed by the
// caller (each extent opened independently and concatenated), matching how
// FATtools treats the descriptor's extent list.
type Image struct {
	back      block.Container
	capacity  int64 // bytes
	grainSize int64 // bytes

	gdOffset  int64 // bytes, primary Grain Directory
	numGTs    int
	grainTables [][]uint32 // decoded copy of every grain table, indexed by GD entry
}

// alignedRead reads n bytes at byte offset off from a Container that only
// accepts sector-aligned access, by rounding the request out to sector
// boundaries and slicing the answer back down. The Grain Directory and
// individual Grain Table Entries are packed at 4-byte granularity, unlike
// the header and grain data, which the format itself keeps sector aligned.
func alignedRead(back block.Container, off int64, n int) ([]byte, error) {
	ss := int64(back.SectorSize())
	start := off - off%ss
	end := off + int64(n)
	if rem := end % ss; rem != 0 {
		end += ss - rem
	}
	buf := make([]byte, end-start)
	if _, err := back.ReadAt(buf, start); err != nil {
		return nil, checkpoint.From(err)
	}
	return buf[off-start : off-start+int64(n)], nil
}

// alignedWrite writes data at byte offset off via read-modify-write over
// whole sectors, for the same reason alignedRead exists.
func alignedWrite(back block.Container, off int64, data []byte) error {
	ss := int64(back.SectorSize())
	start := off - off%ss
	end := off + int64(len(data))
	if rem := end % ss; rem != 0 {
		end += ss - rem
	}
	buf := make([]byte, end-start)
	if _, err := back.ReadAt(buf, start); err != nil {
		return checkpoint.From(err)
	}
	copy(buf[off-start:], data)
	if _, err := back.WriteAt(buf, start); err != nil {
		return checkpoint.From(err)
	}
	return nil
}

// Open mounts a single VMDK extent already positioned at its header sector.
func Open(back block.Container) (*Image, error) {
	raw := make([]byte, sectorSize)
	if _, err := back.ReadAt(raw, 0); err != nil {
		return nil, checkpoint.From(err)
	}

	h := header{
		MagicNumber:      binary.LittleEndian.Uint32(raw[0:4]),
		Version:          binary.LittleEndian.Uint32(raw[4:8]),
		Flags:            binary.LittleEndian.Uint32(raw[8:12]),
		Capacity:         binary.LittleEndian.Uint64(raw[12:20]),
		GrainSize:        binary.LittleEndian.Uint64(raw[20:28]),
		DescriptorOffset: binary.LittleEndian.Uint64(raw[28:36]),
		DescriptorSize:   binary.LittleEndian.Uint64(raw[36:44]),
		NumGTEsPerGT:     binary.LittleEndian.Uint32(raw[44:48]),
		RGDOffset:        binary.LittleEndian.Uint64(raw[48:56]),
		GDOffset:         binary.LittleEndian.Uint64(raw[56:64]),
		OverHead:         binary.LittleEndian.Uint64(raw[64:72]),
	}

	if h.MagicNumber != magicNumber {
		return nil, checkpoint.Wrap(ErrBadMagic, errors.New(""))
	}
	if h.Version != 1 && h.Version != 3 {
		return nil, checkpoint.Wrap(ErrUnsupportedVersion, errors.New(""))
	}
	if h.GrainSize < 8 || h.GrainSize&(h.GrainSize-1) != 0 {
		return nil, checkpoint.Wrap(ErrGrainSizeInvalid, errors.New(""))
	}

	img := &Image{
		back:      back,
		capacity:  int64(h.Capacity) * sectorSize,
		grainSize: int64(h.GrainSize) * sectorSize,
		gdOffset:  int64(h.GDOffset) * sectorSize,
	}

	grains := (img.capacity + img.grainSize - 1) / img.grainSize
	gtesPerTable := int64(h.NumGTEsPerGT)
	if gtesPerTable == 0 {
		gtesPerTable = gtEntriesPerTable
	}
	img.numGTs = int((grains + gtesPerTable - 1) / gtesPerTable)

	gdRaw, err := alignedRead(back, img.gdOffset, img.numGTs*gdEntrySize)
	if err != nil {
		return nil, err
	}

	img.grainTables = make([][]uint32, img.numGTs)
	for i := 0; i < img.numGTs; i++ {
		gtSectorOffset := binary.LittleEndian.Uint32(gdRaw[i*gdEntrySize:])
		gtRaw, err := alignedRead(back, int64(gtSectorOffset)*sectorSize, int(gtesPerTable)*gtEntrySize)
		if err != nil {
			return nil, err
		}
		gt := make([]uint32, gtesPerTable)
		for j := range gt {
			gt[j] = binary.LittleEndian.Uint32(gtRaw[j*4:])
		}
		img.grainTables[i] = gt
	}

	return img, nil
}

func (img *Image) locate(off int64) (gtIdx, gteIdx int, grainOff int64) {
	grain := off / img.grainSize
	gtesPerTable := int64(len(img.grainTables[0]))
	gtIdx = int(grain / gtesPerTable)
	gteIdx = int(grain % gtesPerTable)
	grainOff = off % img.grainSize
	return
}

func (img *Image) ReadAt(p []byte, off int64) (int, error) {
	total := 0
	for total < len(p) {
		cur := off + int64(total)
		gtIdx, gteIdx, grainOff := img.locate(cur)
		n := int64(len(p) - total)
		if grainOff+n > img.grainSize {
			n = img.grainSize - grainOff
		}

		gte := img.grainTables[gtIdx][gteIdx]
		if gte == gteUnallocated || gte == gteZero {
			for i := int64(0); i < n; i++ {
				p[int64(total)+i] = 0
			}
		} else {
			hostOff := int64(gte)*sectorSize + grainOff
			if _, err := img.back.ReadAt(p[total:int64(total)+n], hostOff); err != nil {
				return total, checkpoint.From(err)
			}
		}
		total += int(n)
	}
	return total, nil
}

func (img *Image) WriteAt(p []byte, off int64) (int, error) {
	total := 0
	for total < len(p) {
		cur := off + int64(total)
		gtIdx, gteIdx, grainOff := img.locate(cur)
		n := int64(len(p) - total)
		if grainOff+n > img.grainSize {
			n = img.grainSize - grainOff
		}

		gte := img.grainTables[gtIdx][gteIdx]
		if gte == gteUnallocated || gte == gteZero {
			var err error
			gte, err = img.allocateGrain(gtIdx, gteIdx)
			if err != nil {
				return total, err
			}
		}

		hostOff := int64(gte)*sectorSize + grainOff
		if _, err := img.back.WriteAt(p[total:int64(total)+n], hostOff); err != nil {
			return total, checkpoint.From(err)
		}
		total += int(n)
	}
	return total, nil
}

func (img *Image) allocateGrain(gtIdx, gteIdx int) (uint32, error) {
	sector := uint32(img.back.Size() / sectorSize)

	zeroed := make([]byte, img.grainSize)
	if _, err := img.back.WriteAt(zeroed, int64(sector)*sectorSize); err != nil {
		return 0, checkpoint.From(err)
	}

	img.grainTables[gtIdx][gteIdx] = sector

	// Persist the GTE. The grain table's own sector offset was read from
	// the Grain Directory at Open; recompute it from the GD to avoid
	// caching a second copy.
	gdRaw, err := alignedRead(img.back, img.gdOffset+int64(gtIdx)*gdEntrySize, gdEntrySize)
	if err != nil {
		return 0, err
	}
	gtSectorOffset := binary.LittleEndian.Uint32(gdRaw)

	entryBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(entryBytes, sector)
	gteOffset := int64(gtSectorOffset)*sectorSize + int64(gteIdx)*gtEntrySize
	if err := alignedWrite(img.back, gteOffset, entryBytes); err != nil {
		return 0, err
	}

	return sector, nil
}

func (img *Image) Size() int64     { return img.capacity }
func (img *Image) SectorSize() int { return sectorSize }
func (img *Image) Flush() error    { return img.back.Flush() }
func (img *Image) Close() error    { return img.back.Close() }

var _ block.Container = (*Image)(nil)
