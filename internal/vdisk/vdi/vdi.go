// Package vdi implements the VirtualBox VDI virtual-disk format: a single
// header plus a flat per-block offset map (1 MiB blocks by default).
package vdi

import (
	"encoding/binary"
	"errors"

	"github.com/gofatfs/gofat/checkpoint"
	"github.com/gofatfs/gofat/internal/block"
)

const (
	signature   = 0xBEDA107F
	unallocated = ^uint32(0) // -1: never written
	zeroBlock   = ^uint32(0) - 1 // -2: reads as zero, no storage
)

var (
	ErrBadSignature = errors.New("vdi: bad header signature")
	ErrUnsupportedVersion = errors.New("vdi: unsupported header version")
)

// Image is a mounted VDI, exposed as a block.Container.
type Image struct {
	back        block.Container
	virtualSize int64
	blockSize   uint32
	dataOffset  int64
	mapOffset   int64
	blockMap    []uint32
}

// header mirrors the fixed portion of the VDI header used by every 1.1
// image (the comment/UUID sections vary and are skipped over by absolute
// offsets read from the header itself rather than assumed fixed).
type header struct {
	Signature      uint32
	Version        uint32 // major<<16 | minor, 0x00010001 expected
	HeaderSize     uint32
	ImageType      uint32
	ImageFlags     uint32
	DescriptionLen [256]byte
	OffsetBlocks   uint32
	OffsetData     uint32
	Cylinders      uint32
	Heads          uint32
	Sectors        uint32
	SectorSize     uint32
	Unused1        uint32
	DiskSize       uint64
	BlockSize      uint32
	BlockExtra     uint32
	BlocksInHDD    uint32
	BlocksAllocated uint32
	UUIDCreate     [16]byte
	UUIDModify     [16]byte
	UUIDLinkage    [16]byte
	UUIDParentMod  [16]byte
}

// alignedRead reads n bytes starting at byte offset off from a Container
// that only accepts sector-aligned access, by rounding the request out to
// sector boundaries and slicing the answer back down. VDI's own header and
// block-map offsets are not sector-aligned by format, so anything touching
// them needs this rather than a direct Container.ReadAt.
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

// Open mounts a VDI image already positioned at offset 0.
func Open(back block.Container) (*Image, error) {
	// The pre-header cookie ("<<< ... >>>") occupies the first 64 bytes;
	// the real header starts right after it.
	const preHeader = 64
	raw, err := alignedRead(back, preHeader, 512)
	if err != nil {
		return nil, err
	}

	sig := binary.LittleEndian.Uint32(raw[0:4])
	if sig != signature {
		return nil, checkpoint.Wrap(ErrBadSignature, errors.New(""))
	}
	version := binary.LittleEndian.Uint32(raw[4:8])
	if version>>16 != 1 {
		return nil, checkpoint.Wrap(ErrUnsupportedVersion, errors.New(""))
	}

	// Fixed offsets for the "1.1" on-disk layout (description string is
	// fixed-width at 256 bytes, so numeric fields have constant offsets
	// from preHeader: ...DescriptionLen[256]@20, OffsetBlocks@276,
	// OffsetData@280, Cylinders/Heads/Sectors/SectorSize/Unused1@284..304,
	// DiskSize@304 (8 bytes), BlockSize@312, BlockExtra@316,
	// BlocksInHDD@320.
	offsetBlocks := int64(binary.LittleEndian.Uint32(raw[276:280]))
	offsetData := int64(binary.LittleEndian.Uint32(raw[280:284]))
	diskSize := int64(binary.LittleEndian.Uint64(raw[304:312]))
	blockSize := binary.LittleEndian.Uint32(raw[312:316])
	blocksInHDD := binary.LittleEndian.Uint32(raw[320:324])

	img := &Image{
		back:        back,
		virtualSize: diskSize,
		blockSize:   blockSize,
		dataOffset:  offsetData,
		mapOffset:   offsetBlocks,
	}

	mapRaw, err := alignedRead(back, img.mapOffset, int(blocksInHDD)*4)
	if err != nil {
		return nil, err
	}
	blockMap := make([]uint32, blocksInHDD)
	for i := range blockMap {
		blockMap[i] = binary.LittleEndian.Uint32(mapRaw[i*4:])
	}
	img.blockMap = blockMap
	return img, nil
}

func (img *Image) ReadAt(p []byte, off int64) (int, error) {
	total := 0
	for total < len(p) {
		cur := off + int64(total)
		blockIdx := cur / int64(img.blockSize)
		blockOff := cur % int64(img.blockSize)
		n := int64(len(p) - total)
		if blockOff+n > int64(img.blockSize) {
			n = int64(img.blockSize) - blockOff
		}

		entry := img.blockMap[blockIdx]
		switch entry {
		case unallocated, zeroBlock:
			for i := int64(0); i < n; i++ {
				p[int64(total)+i] = 0
			}
		default:
			hostOff := img.dataOffset + int64(entry)*int64(img.blockSize) + blockOff
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
		blockIdx := cur / int64(img.blockSize)
		blockOff := cur % int64(img.blockSize)
		n := int64(len(p) - total)
		if blockOff+n > int64(img.blockSize) {
			n = int64(img.blockSize) - blockOff
		}

		entry := img.blockMap[blockIdx]
		if entry == unallocated || entry == zeroBlock {
			if err := img.allocateBlock(blockIdx); err != nil {
				return total, err
			}
			entry = img.blockMap[blockIdx]
		}

		hostOff := img.dataOffset + int64(entry)*int64(img.blockSize) + blockOff
		if _, err := img.back.WriteAt(p[total:int64(total)+n], hostOff); err != nil {
			return total, checkpoint.From(err)
		}
		total += int(n)
	}
	return total, nil
}

func (img *Image) allocateBlock(blockIdx int64) error {
	// New blocks are appended after the last allocated one; the data region
	// grows monotonically so "highest allocated index + 1" gives the next
	// free slot without needing a separate free list.
	next := uint32(0)
	for _, e := range img.blockMap {
		if e != unallocated && e != zeroBlock && e+1 > next {
			next = e + 1
		}
	}

	zeroed := make([]byte, img.blockSize)
	if _, err := img.back.WriteAt(zeroed, img.dataOffset+int64(next)*int64(img.blockSize)); err != nil {
		return checkpoint.From(err)
	}

	img.blockMap[blockIdx] = next
	entryBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(entryBytes, next)
	if err := alignedWrite(img.back, img.mapOffset+blockIdx*4, entryBytes); err != nil {
		return err
	}
	return nil
}

func (img *Image) Size() int64     { return img.virtualSize }
func (img *Image) SectorSize() int { return 512 }
func (img *Image) Flush() error    { return img.back.Flush() }
func (img *Image) Close() error    { return img.back.Close() }

var _ block.Container = (*Image)(nil)
