// Package bpb parses the boot sector / BIOS Parameter Block of a mounted
// (sub-)container and recognizes which of FAT12, FAT16, FAT32 or exFAT it
// holds, per spec §4.E. Recognition fills exactly one of the Geometry
// variant's fields, mirroring the "dynamic typing of BPB/VBR variants maps
// to a tagged variant" design note.
package bpb

import (
	"encoding/binary"
	"errors"

	"github.com/gofatfs/gofat/checkpoint"
	"github.com/gofatfs/gofat/internal/block"
)

// Kind tags which FAT/exFAT variant a Geometry describes.
type Kind int

const (
	FAT12 Kind = iota
	FAT16
	FAT32
	ExFAT
)

func (k Kind) String() string {
	switch k {
	case FAT12:
		return "FAT12"
	case FAT16:
		return "FAT16"
	case FAT32:
		return "FAT32"
	case ExFAT:
		return "exFAT"
	default:
		return "unknown"
	}
}

var (
	ErrBadJump        = errors.New("bpb: invalid jump instruction at boot sector start")
	ErrBadSectorSize  = errors.New("bpb: sector size must be 512, 1024, 2048, or 4096")
	ErrBadClusterSize = errors.New("bpb: sectors per cluster must be a power of two and cluster size <= 256KiB")
	ErrInconsistent   = errors.New("bpb: inconsistent volume geometry")
)

const exfatSignature = "EXFAT   "

// Geometry is the tagged-union volume geometry filled by Identify: exactly
// one FAT-family field set is meaningful, selected by Kind.
type Geometry struct {
	Kind Kind

	BytesPerSector      uint16
	SectorsPerCluster   uint8
	ReservedSectorCount uint32
	NumFATs             uint8
	TotalSectors        uint64
	FATSizeSectors      uint32

	// FAT12/16 only.
	RootEntryCount uint16
	RootDirLBA     uint32 // first LBA of the fixed root region

	// FAT32 only.
	RootCluster  uint32
	FSInfoSector uint16

	// exFAT only.
	ClusterHeapOffset uint64 // sectors
	ClusterCount      uint32
	FirstClusterOfRootDir uint32
	VolumeFlags       uint16
	BitsPerSectorShift  uint8
	SectorsPerClusterShift uint8
}

// clusterCountFAT returns the data-cluster count used to disambiguate
// FAT12/16/32 (spec §4.E): total data sectors divided by sectors per
// cluster.
func (g *Geometry) clusterCountFAT() uint64 {
	rootDirSectors := (uint64(g.RootEntryCount)*32 + uint64(g.BytesPerSector) - 1) / uint64(g.BytesPerSector)
	dataSectors := g.TotalSectors - uint64(g.ReservedSectorCount) - uint64(g.NumFATs)*uint64(g.FATSizeSectors) - rootDirSectors
	return dataSectors / uint64(g.SectorsPerCluster)
}

// DataClusters returns the number of addressable data-area clusters, the
// value fat.Params.DataClusters needs regardless of which variant Kind
// names.
func (g *Geometry) DataClusters() uint32 {
	if g.Kind == ExFAT {
		return g.ClusterCount
	}
	return uint32(g.clusterCountFAT())
}

// RootDirSectors returns the fixed FAT12/16 root directory's size in
// sectors (0 for FAT32 and exFAT, whose root lives in an ordinary cluster
// chain).
func (g *Geometry) RootDirSectors() uint32 {
	if g.Kind == FAT32 || g.Kind == ExFAT {
		return 0
	}
	return (uint32(g.RootEntryCount)*32 + uint32(g.BytesPerSector) - 1) / uint32(g.BytesPerSector)
}

// DataOffset returns the byte offset of cluster #2, the base every cluster
// index in a FAT chain or exFAT cluster heap is relative to.
func (g *Geometry) DataOffset() int64 {
	if g.Kind == ExFAT {
		return int64(g.ClusterHeapOffset) * int64(g.BytesPerSector)
	}
	reserved := int64(g.ReservedSectorCount) + int64(g.NumFATs)*int64(g.FATSizeSectors) + int64(g.RootDirSectors())
	return reserved * int64(g.BytesPerSector)
}

// ClusterSize returns the size in bytes of one cluster.
func (g *Geometry) ClusterSize() int64 {
	return int64(g.BytesPerSector) * int64(g.SectorsPerCluster)
}

// Identify inspects the first sector(s) of c and returns its recognized
// Geometry, or an error if the signatures/checksums don't correspond to any
// supported filesystem or the geometry is internally inconsistent.
func Identify(c block.Container) (*Geometry, error) {
	sec0 := make([]byte, 512)
	if _, err := c.ReadAt(sec0, 0); err != nil {
		return nil, checkpoint.From(err)
	}

	if string(sec0[3:11]) == exfatSignature {
		return identifyExFAT(c, sec0)
	}
	return identifyFAT(sec0)
}

func identifyFAT(sec0 []byte) (*Geometry, error) {
	if !((sec0[0] == 0xEB && sec0[2] == 0x90) || sec0[0] == 0xE9) {
		return nil, checkpoint.Wrap(ErrBadJump, errors.New(""))
	}

	bytesPerSector := binary.LittleEndian.Uint16(sec0[11:13])
	switch bytesPerSector {
	case 512, 1024, 2048, 4096:
	default:
		return nil, checkpoint.Wrap(ErrBadSectorSize, errors.New(""))
	}

	sectorsPerCluster := sec0[13]
	clusterBytes := uint32(bytesPerSector) * uint32(sectorsPerCluster)
	if sectorsPerCluster == 0 || sectorsPerCluster&(sectorsPerCluster-1) != 0 || clusterBytes > 256*1024 {
		return nil, checkpoint.Wrap(ErrBadClusterSize, errors.New(""))
	}

	g := &Geometry{
		BytesPerSector:      bytesPerSector,
		SectorsPerCluster:   sectorsPerCluster,
		ReservedSectorCount: uint32(binary.LittleEndian.Uint16(sec0[14:16])),
		NumFATs:             sec0[16],
		RootEntryCount:      binary.LittleEndian.Uint16(sec0[17:19]),
	}
	if g.ReservedSectorCount == 0 || g.NumFATs == 0 {
		return nil, checkpoint.Wrap(ErrInconsistent, errors.New("reserved sectors or FAT count is zero"))
	}

	totalSectors16 := binary.LittleEndian.Uint16(sec0[19:21])
	fatSize16 := binary.LittleEndian.Uint16(sec0[22:24])
	totalSectors32 := binary.LittleEndian.Uint32(sec0[32:36])

	if totalSectors16 != 0 {
		g.TotalSectors = uint64(totalSectors16)
	} else {
		g.TotalSectors = uint64(totalSectors32)
	}

	if fatSize16 != 0 {
		g.FATSizeSectors = uint32(fatSize16)
		// FAT12/16 root directory is a fixed region right after the FATs.
		rootDirSectors := (uint32(g.RootEntryCount)*32 + uint32(g.BytesPerSector) - 1) / uint32(g.BytesPerSector)
		g.RootDirLBA = g.ReservedSectorCount + uint32(g.NumFATs)*g.FATSizeSectors
		_ = rootDirSectors

		count := g.clusterCountFAT()
		switch {
		case count < 4085:
			g.Kind = FAT12
		case count < 65525:
			g.Kind = FAT16
		default:
			return nil, checkpoint.Wrap(ErrInconsistent, errors.New("FAT16 geometry describes a FAT32-sized volume"))
		}
		return g, nil
	}

	// FAT32 extended BPB.
	g.Kind = FAT32
	g.FATSizeSectors = binary.LittleEndian.Uint32(sec0[36:40])
	g.RootCluster = binary.LittleEndian.Uint32(sec0[44:48])
	g.FSInfoSector = binary.LittleEndian.Uint16(sec0[48:50])
	if g.RootEntryCount != 0 {
		return nil, checkpoint.Wrap(ErrInconsistent, errors.New("FAT32 must have RootEntryCount == 0"))
	}
	return g, nil
}

func identifyExFAT(c block.Container, sec0 []byte) (*Geometry, error) {
	g := &Geometry{Kind: ExFAT}

	g.ClusterHeapOffset = binary.LittleEndian.Uint64(sec0[88:96])
	g.ClusterCount = binary.LittleEndian.Uint32(sec0[96:100])
	g.FirstClusterOfRootDir = binary.LittleEndian.Uint32(sec0[100:104])
	g.VolumeFlags = binary.LittleEndian.Uint16(sec0[106:108])
	g.BitsPerSectorShift = sec0[108]
	g.SectorsPerClusterShift = sec0[109]
	g.NumFATs = sec0[110]

	g.BytesPerSector = uint16(1) << g.BitsPerSectorShift
	g.SectorsPerCluster = uint8(1) << g.SectorsPerClusterShift
	fatOffset := binary.LittleEndian.Uint32(sec0[80:84])
	fatLength := binary.LittleEndian.Uint32(sec0[84:88])
	g.ReservedSectorCount = fatOffset
	g.FATSizeSectors = fatLength
	g.TotalSectors = binary.LittleEndian.Uint64(sec0[72:80])

	if g.BytesPerSector < 512 || g.BytesPerSector > 4096 {
		return nil, checkpoint.Wrap(ErrBadSectorSize, errors.New(""))
	}
	clusterBytes := uint32(g.BytesPerSector) * uint32(g.SectorsPerCluster)
	if clusterBytes > 256*1024 {
		return nil, checkpoint.Wrap(ErrBadClusterSize, errors.New(""))
	}

	if checksum, err := verifyBootChecksum(c, int(g.BytesPerSector)); err != nil || !checksum {
		if err != nil {
			return nil, err
		}
		return nil, checkpoint.Wrap(ErrInconsistent, errors.New("exFAT boot checksum mismatch"))
	}

	return g, nil
}

// verifyBootChecksum recomputes the exFAT BootChecksum (rotate-right-add
// over sectors 0-10) and compares it against the value stored redundantly
// across sector 11.
func verifyBootChecksum(c block.Container, sectorSize int) (bool, error) {
	buf := make([]byte, sectorSize*11)
	if _, err := c.ReadAt(buf, 0); err != nil {
		return false, checkpoint.From(err)
	}

	var sum uint32
	for i, b := range buf {
		// Bytes 106-107 (VolumeFlags) and 112 (PercentInUse) are excluded
		// from the checksum since they may legitimately change without a
		// corresponding checksum update; boot-sector byte 11 offsets are
		// relative to this 11-sector buffer.
		if i == 106 || i == 107 || i == 112 {
			continue
		}
		sum = rotr32(sum) + uint32(b)
	}

	checkSector := make([]byte, sectorSize)
	if _, err := c.ReadAt(checkSector, int64(sectorSize)*11); err != nil {
		return false, checkpoint.From(err)
	}
	stored := binary.LittleEndian.Uint32(checkSector[0:4])
	return stored == sum, nil
}

func rotr32(v uint32) uint32 {
	if v&1 != 0 {
		return (v >> 1) | 0x80000000
	}
	return v >> 1
}
