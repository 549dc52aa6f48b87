// Package vhd implements the classic (VHD, "connectix") virtual-disk format:
// fixed, dynamic and differencing images, addressed through the block.Container
// interface so higher layers never need to know which kind they mounted.
package vhd

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/gofatfs/gofat/checkpoint"
	"github.com/gofatfs/gofat/internal/block"
)

const (
	footerCookie = "conectix"
	headerCookie = "cxsparse"
	footerSize   = 512
	headerSize   = 1024
	sectorSize   = 512

	// unallocated BAT entries are stored as all-ones.
	unallocatedBAT = 0xFFFFFFFF
)

// DiskType mirrors the footer's DiskType field.
type DiskType uint32

const (
	TypeFixed        DiskType = 2
	TypeDynamic      DiskType = 3
	TypeDifferencing DiskType = 4
)

var (
	ErrBadCookie       = errors.New("vhd: bad footer or header cookie")
	ErrBadChecksum     = errors.New("vhd: footer or header checksum mismatch")
	ErrUnsupportedType = errors.New("vhd: unsupported disk type")
	ErrParentMismatch  = errors.New("vhd: differencing disk parent identity mismatch")
	ErrInvalid         = errors.New("vhd: image invalidated by a prior merge")
)

// footer is the 512-byte trailer (and, for expanding disks, also the leading
// copy) described in external interface §6. Field order matches the on-disk
// layout so it can be decoded with a single binary.Read.
type footer struct {
	Cookie             [8]byte
	Features           uint32
	FileFormatVersion  uint32
	DataOffset         uint64
	TimeStamp          uint32
	CreatorApplication [4]byte
	CreatorVersion     uint32
	CreatorHostOS      [4]byte
	OriginalSize       uint64
	CurrentSize        uint64
	DiskGeometry       uint32
	DiskType           uint32
	Checksum           uint32
	UniqueID           [16]byte
	SavedState         byte
	Reserved           [427]byte
}

// alignedRead reads n bytes at byte offset off from a Container that only
// accepts sector-aligned access, by rounding the request out to sector
// boundaries and slicing the answer back down. The BAT and parent-locator
// strings are packed at arbitrary byte granularity by the format, unlike the
// footer, header and per-block data, which the format itself keeps sector or
// block aligned.
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

// checksum computes the one's-complement sum of the footer with the
// checksum field itself zeroed, per external interface §6.
func checksumOf(raw [footerSize]byte) uint32 {
	var sum uint32
	for i, b := range raw {
		if i >= 64 && i < 68 {
			continue
		}
		sum += uint32(b)
	}
	return ^sum
}

// dynHeader is the 1024-byte dynamic-disk header, present for dynamic and
// differencing disks only.
type dynHeader struct {
	Cookie            [8]byte
	DataOffset        uint64
	TableOffset       uint64
	HeaderVersion     uint32
	MaxTableEntries   uint32
	BlockSize         uint32
	Checksum          uint32
	ParentUniqueID    [16]byte
	ParentTimeStamp   uint32
	Reserved1         uint32
	ParentUnicodeName [512]byte
	ParentLocators    [8]parentLocatorEntry
	Reserved2         [256]byte
}

type parentLocatorEntry struct {
	PlatformCode       [4]byte
	PlatformDataSpace  uint32
	PlatformDataLength uint32
	Reserved           uint32
	PlatformDataOffset uint64
}

// Image is a mounted VHD of any subtype, exposed as a block.Container of the
// guest's virtual size.
type Image struct {
	back      block.Container
	diskType  DiskType
	virtualSz int64

	blockSize             uint32 // dynamic/differencing only
	bat                   []uint32
	batOffset             int64
	sectorsPerBlockBitmap int64 // bitmap sectors preceding each block's data

	parentLocators    [8]parentLocatorEntry
	parentUnicodeName [512]byte

	parent   *Image // nil unless differencing
	readOnly bool
	invalid  bool
}

// Open mounts back (a whole VHD image, footer included) as a virtual disk.
// openParent is invoked to recursively open a differencing disk's parent by
// path; it may be nil if the caller knows the image is not differencing.
func Open(back block.Container, openParent func(path string) (block.Container, error)) (*Image, error) {
	var raw [footerSize]byte
	if _, err := back.ReadAt(raw[:], back.Size()-footerSize); err != nil {
		return nil, checkpoint.From(err)
	}

	var f footer
	if err := binary.Read(bytes.NewReader(raw[:]), binary.BigEndian, &f); err != nil {
		return nil, checkpoint.From(err)
	}
	if string(f.Cookie[:]) != footerCookie {
		return nil, checkpoint.Wrap(ErrBadCookie, errors.New(string(f.Cookie[:])))
	}
	if f.Checksum != checksumOf(raw) {
		return nil, checkpoint.Wrap(ErrBadChecksum, errors.New("footer"))
	}

	img := &Image{
		back:      back,
		diskType:  DiskType(f.DiskType),
		virtualSz: int64(f.CurrentSize),
	}

	switch img.diskType {
	case TypeFixed:
		return img, nil
	case TypeDynamic, TypeDifferencing:
		if err := img.loadDynamicHeader(int64(f.DataOffset)); err != nil {
			return nil, err
		}
		if img.diskType == TypeDifferencing {
			if openParent == nil {
				return nil, checkpoint.Wrap(ErrParentMismatch, errors.New("no parent opener supplied"))
			}
			path, err := img.parentPath()
			if err != nil {
				return nil, err
			}
			parentBack, err := openParent(path)
			if err != nil {
				return nil, checkpoint.From(err)
			}
			parent, err := Open(parentBack, openParent)
			if err != nil {
				return nil, err
			}
			parent.readOnly = true
			img.parent = parent
		}
		return img, nil
	default:
		return nil, checkpoint.Wrap(ErrUnsupportedType, errors.New(""))
	}
}

func (img *Image) loadDynamicHeader(offset int64) error {
	var raw [headerSize]byte
	if _, err := img.back.ReadAt(raw[:], offset); err != nil {
		return checkpoint.From(err)
	}
	var h dynHeader
	if err := binary.Read(bytes.NewReader(raw[:]), binary.BigEndian, &h); err != nil {
		return checkpoint.From(err)
	}
	if string(h.Cookie[:]) != headerCookie {
		return checkpoint.Wrap(ErrBadCookie, errors.New(string(h.Cookie[:])))
	}

	img.blockSize = h.BlockSize
	img.batOffset = int64(h.TableOffset)

	// Each block is preceded by a sector-aligned bitmap covering it; the VHD
	// spec sizes this at one bit per 512-byte sector of the block, rounded
	// up to a full sector.
	sectorsPerBlock := int64(h.BlockSize) / sectorSize
	bitmapBytes := (sectorsPerBlock + 7) / 8
	img.sectorsPerBlockBitmap = (bitmapBytes + sectorSize - 1) / sectorSize

	bat := make([]uint32, h.MaxTableEntries)
	batBytes, err := alignedRead(img.back, img.batOffset, len(bat)*4)
	if err != nil {
		return err
	}
	for i := range bat {
		bat[i] = binary.BigEndian.Uint32(batBytes[i*4:])
	}
	img.bat = bat
	img.parentLocators = h.ParentLocators
	img.parentUnicodeName = h.ParentUnicodeName
	return nil
}

func (img *Image) parentPath() (string, error) {
	// Prefer the Windows-relative-path parent locator (platform code "W2ru"
	// or "W2ku"); fall back to the legacy UTF-16 ParentUnicodeName field.
	for _, pl := range img.parentLocators {
		code := string(pl.PlatformCode[:])
		if code != "W2ru" && code != "W2ku" {
			continue
		}
		if pl.PlatformDataLength == 0 {
			continue
		}
		buf, err := alignedRead(img.back, int64(pl.PlatformDataOffset), int(pl.PlatformDataLength))
		if err != nil {
			return "", err
		}
		return utf16ToString(buf), nil
	}
	return utf16ToString(img.parentUnicodeName[:]), nil
}

func utf16ToString(b []byte) string {
	runes := make([]rune, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		v := binary.BigEndian.Uint16(b[i:])
		if v == 0 {
			break
		}
		runes = append(runes, rune(v))
	}
	return string(runes)
}

// ReadAt implements block.Container over the guest's virtual address space.
func (img *Image) ReadAt(p []byte, off int64) (int, error) {
	switch img.diskType {
	case TypeFixed:
		return img.back.ReadAt(p, off)
	default:
		return img.readDynamic(p, off)
	}
}

func (img *Image) readDynamic(p []byte, off int64) (int, error) {
	total := 0
	for total < len(p) {
		blockIdx := (off + int64(total)) / int64(img.blockSize)
		blockOff := (off + int64(total)) % int64(img.blockSize)
		n := int64(len(p) - total)
		if blockOff+n > int64(img.blockSize) {
			n = int64(img.blockSize) - blockOff
		}

		if int(blockIdx) >= len(img.bat) || img.bat[blockIdx] == unallocatedBAT {
			if img.parent != nil {
				if _, err := img.parent.ReadAt(p[total:int64(total)+n], off+int64(total)); err != nil {
					return total, err
				}
			} else {
				for i := int64(0); i < n; i++ {
					p[int64(total)+i] = 0
				}
			}
		} else {
			hostOff := int64(img.bat[blockIdx])*sectorSize + img.sectorsPerBlockBitmap*sectorSize + blockOff
			if _, err := img.back.ReadAt(p[total:int64(total)+n], hostOff); err != nil {
				return total, checkpoint.From(err)
			}
		}
		total += int(n)
	}
	return total, nil
}

// WriteAt implements block.Container. Differencing writes always allocate in
// this image (never the parent); dynamic writes allocate lazily on first
// touch of a block.
func (img *Image) WriteAt(p []byte, off int64) (int, error) {
	if img.invalid {
		return 0, checkpoint.Wrap(ErrInvalid, errors.New("write after merge"))
	}
	if img.readOnly {
		return 0, checkpoint.Wrap(block.ErrReadOnly, errors.New("vhd parent"))
	}
	if img.diskType == TypeFixed {
		return img.back.WriteAt(p, off)
	}

	total := 0
	for total < len(p) {
		blockIdx := (off + int64(total)) / int64(img.blockSize)
		blockOff := (off + int64(total)) % int64(img.blockSize)
		n := int64(len(p) - total)
		if blockOff+n > int64(img.blockSize) {
			n = int64(img.blockSize) - blockOff
		}

		if int(blockIdx) >= len(img.bat) {
			return total, checkpoint.Wrap(block.ErrOutOfRange, errors.New("block index beyond BAT"))
		}
		if img.bat[blockIdx] == unallocatedBAT {
			if err := img.allocateBlock(blockIdx); err != nil {
				return total, err
			}
		}

		hostOff := int64(img.bat[blockIdx])*sectorSize + img.sectorsPerBlockBitmap*sectorSize + blockOff
		if _, err := img.back.WriteAt(p[total:int64(total)+n], hostOff); err != nil {
			return total, checkpoint.From(err)
		}
		total += int(n)
	}
	return total, nil
}

// allocateBlock appends a new (bitmap + data) block at end-of-file, marks
// the whole per-sector bitmap "in use", and writes the BAT entry back to the
// container before any payload write (BAT updates precede data writes).
func (img *Image) allocateBlock(blockIdx int64) error {
	sector := img.back.Size() / sectorSize
	fullBlockSectors := img.sectorsPerBlockBitmap + int64(img.blockSize)/sectorSize

	zeroed := make([]byte, fullBlockSectors*sectorSize)
	for i := int64(0); i < img.sectorsPerBlockBitmap*sectorSize; i++ {
		zeroed[i] = 0xFF
	}
	if _, err := img.back.WriteAt(zeroed, sector*sectorSize); err != nil {
		return checkpoint.From(err)
	}

	img.bat[blockIdx] = uint32(sector)
	batEntry := make([]byte, 4)
	binary.BigEndian.PutUint32(batEntry, uint32(sector))
	if err := alignedWrite(img.back, img.batOffset+blockIdx*4, batEntry); err != nil {
		return err
	}
	return nil
}

func (img *Image) Size() int64     { return img.virtualSz }
func (img *Image) SectorSize() int { return sectorSize }
func (img *Image) Flush() error    { return img.back.Flush() }
func (img *Image) Close() error {
	if img.parent != nil {
		img.parent.Close()
	}
	return img.back.Close()
}

var _ block.Container = (*Image)(nil)

// Merge walks the differencing child's populated blocks in ascending order
// and writes each into the parent, then marks this open child image invalid
// so further writes through it fail. The mark is held in memory only; the
// child file on disk is not changed.
func (img *Image) Merge() error {
	if img.parent == nil || img.diskType != TypeDifferencing {
		return checkpoint.Wrap(ErrUnsupportedType, errors.New("merge requires a differencing image"))
	}

	buf := make([]byte, img.blockSize)
	for blockIdx, entry := range img.bat {
		if entry == unallocatedBAT {
			continue
		}
		off := int64(blockIdx) * int64(img.blockSize)
		if _, err := img.readDynamic(buf, off); err != nil {
			return err
		}
		if _, err := img.parent.mergeWriteAt(buf, off); err != nil {
			return err
		}
	}
	img.invalid = true
	return nil
}

// mergeWriteAt writes into a parent image during a merge, bypassing the
// read-only guard that otherwise protects a shared differencing parent from
// direct mutation by its children.
func (img *Image) mergeWriteAt(p []byte, off int64) (int, error) {
	saved := img.readOnly
	img.readOnly = false
	defer func() { img.readOnly = saved }()
	return img.WriteAt(p, off)
}
