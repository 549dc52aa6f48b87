// Package vhdx implements the VHDX virtual-disk format: header/region-table
// parsing, the payload BAT with per-block state, and strict validation of an
// active log at open (its descriptors are not applied).
package vhdx

import (
	"encoding/binary"
	"errors"

	"github.com/google/uuid"

	"github.com/gofatfs/gofat/checkpoint"
	"github.com/gofatfs/gofat/internal/block"
)

const (
	sectorSize = 4096 // VHDX system structures are always 4K-aligned

	fileIDOffset  = 0
	header1Offset = 64 * 1024
	header2Offset = 128 * 1024
	region1Offset = 192 * 1024
	region2Offset = 256 * 1024
)

var (
	ErrBadSignature = errors.New("vhdx: bad file/header/region signature")
	ErrBadChecksum  = errors.New("vhdx: crc32c mismatch")
	ErrNoValidHeader = errors.New("vhdx: neither header copy is valid")
	ErrMissingRegion = errors.New("vhdx: required region missing or unrecognized")
	ErrLogNotIdempotent = errors.New("vhdx: log sequence is not monotonic or fails checksum; refusing replay")
)

// BlockState is the low 3 bits of a BAT entry.
type BlockState uint8

const (
	StateNotPresent BlockState = 0
	StateUndefined  BlockState = 1
	StateZero       BlockState = 2
	StateUnmapped   BlockState = 3
	StateFullyPresent BlockState = 6
	StatePartiallyPresent BlockState = 7
)

var (
	regionBATGuid      = uuid.MustParse("2dc27766-f623-4200-9d64-115e9bfd4a08")
	regionMetadataGuid = uuid.MustParse("8b7ca206-4790-4b9a-b8fe-575f050f886e")

	metaFileParams  = uuid.MustParse("caa16737-fa36-4d43-b3b6-33f0aa44e76b")
	metaVDiskSize   = uuid.MustParse("2fa54224-cd1b-4876-b211-5dbed83bf4b8")
	metaLogicalSS   = uuid.MustParse("8141bf1d-a96f-4709-ba47-f233a8faab5f")
	metaPhysicalSS  = uuid.MustParse("cda348c7-445d-4471-9cc9-e9885251c556")
)

type regionEntry struct {
	GUID     uuid.UUID
	Offset   uint64
	Length   uint32
	Required bool
}

// Image is a mounted VHDX, exposed as a block.Container.
type Image struct {
	back block.Container

	blockSize   uint32
	virtualSize int64
	logicalSS   uint32

	hasParent bool

	bat       []uint64 // 64-bit entries: state in low 3 bits, FileOffsetMB in upper bits
	batOffset int64

	chunkRatio int64 // payload blocks a single 1MB bitmap block covers
}

// alignedRead reads n bytes at byte offset off from a Container that only
// accepts sector-aligned access, by rounding the request out to sector
// boundaries and slicing the answer back down. The file identifier, BAT and
// metadata item lengths are packed at arbitrary byte granularity by the
// format, unlike the headers and region tables, which the format itself
// keeps aligned to the 4K system structure size.
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

// Open mounts a VHDX image already positioned at offset 0.
func Open(back block.Container) (*Image, error) {
	if err := verifyFileID(back); err != nil {
		return nil, err
	}

	h1, err1 := readHeader(back, header1Offset)
	h2, err2 := readHeader(back, header2Offset)
	if err1 != nil && err2 != nil {
		return nil, checkpoint.Wrap(ErrNoValidHeader, errors.New("both header copies invalid"))
	}
	active := h1
	if err1 != nil || (err2 == nil && h2.SequenceNumber > h1.SequenceNumber) {
		active = h2
	}

	regions, err := readRegionTable(back, region1Offset)
	if err != nil {
		regions, err = readRegionTable(back, region2Offset)
		if err != nil {
			return nil, err
		}
	}

	var batRegion, metaRegion *regionEntry
	for i := range regions {
		switch regions[i].GUID {
		case regionBATGuid:
			batRegion = &regions[i]
		case regionMetadataGuid:
			metaRegion = &regions[i]
		default:
			if regions[i].Required {
				return nil, checkpoint.Wrap(ErrMissingRegion, errors.New(regions[i].GUID.String()))
			}
		}
	}
	if batRegion == nil || metaRegion == nil {
		return nil, checkpoint.Wrap(ErrMissingRegion, errors.New("BAT or Metadata region absent"))
	}

	img := &Image{back: back, batOffset: int64(batRegion.Offset), logicalSS: 512}

	if err := img.parseMetadata(*metaRegion); err != nil {
		return nil, err
	}

	// Log check: only if LogGuid is nonzero. Validate SequenceNumber
	// monotonicity and per-entry checksums strictly; refuse rather than
	// guess at partial log sequences (Open Question decision).
	var zero uuid.UUID
	if active.LogGuid != zero {
		if err := replayLog(back, active); err != nil {
			return nil, err
		}
	}

	img.chunkRatio = ((int64(1) << 23) * int64(img.logicalSS)) / int64(img.blockSize)

	totalDataBlocks := (img.virtualSize + int64(img.blockSize) - 1) / int64(img.blockSize)
	totalBitmapBlocks := (totalDataBlocks + img.chunkRatio - 1) / img.chunkRatio
	var batEntries int64
	if img.hasParent {
		batEntries = totalBitmapBlocks * (img.chunkRatio + 1)
	} else {
		batEntries = totalDataBlocks + (totalDataBlocks-1)/img.chunkRatio
		if batEntries < 0 {
			batEntries = 0
		}
	}

	bat := make([]uint64, batEntries)
	raw, err := alignedRead(back, img.batOffset, int(batEntries)*8)
	if err != nil {
		return nil, err
	}
	for i := range bat {
		bat[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	img.bat = bat

	return img, nil
}

func verifyFileID(back block.Container) error {
	buf, err := alignedRead(back, fileIDOffset, 8)
	if err != nil {
		return err
	}
	if string(buf) != "vhdxfile" {
		return checkpoint.Wrap(ErrBadSignature, errors.New("file identifier"))
	}
	return nil
}

type vhdxHeader struct {
	Signature       [4]byte
	Checksum        uint32
	SequenceNumber  uint64
	FileWriteGuid   [16]byte
	DataWriteGuid   [16]byte
	LogGuid         uuid.UUID
	LogVersion      uint16
	Version         uint16
	LogLength       uint32
	LogOffset       uint64
}

func readHeader(back block.Container, off int64) (*vhdxHeader, error) {
	raw := make([]byte, 4096)
	if _, err := back.ReadAt(raw, off); err != nil {
		return nil, checkpoint.From(err)
	}
	if string(raw[:4]) != "head" {
		return nil, checkpoint.Wrap(ErrBadSignature, errors.New("header"))
	}
	if crc32C(zeroChecksumField(raw, 4)) != binary.LittleEndian.Uint32(raw[4:8]) {
		return nil, checkpoint.Wrap(ErrBadChecksum, errors.New("header"))
	}

	h := &vhdxHeader{}
	h.Signature = [4]byte{raw[0], raw[1], raw[2], raw[3]}
	h.Checksum = binary.LittleEndian.Uint32(raw[4:8])
	h.SequenceNumber = binary.LittleEndian.Uint64(raw[8:16])
	copy(h.FileWriteGuid[:], raw[16:32])
	copy(h.DataWriteGuid[:], raw[32:48])
	guid, _ := uuid.FromBytes(leToBE(raw[48:64]))
	h.LogGuid = guid
	h.LogVersion = binary.LittleEndian.Uint16(raw[64:66])
	h.Version = binary.LittleEndian.Uint16(raw[66:68])
	h.LogLength = binary.LittleEndian.Uint32(raw[68:72])
	h.LogOffset = binary.LittleEndian.Uint64(raw[72:80])
	return h, nil
}

// leToBE re-encodes a little-endian-stored GUID's byte layout so
// uuid.FromBytes (which expects RFC 4122 big-endian ordering for the first
// three fields) reproduces the same UUID string VHDX tooling reports. VHDX
// stores GUIDs as Microsoft-style little-endian components.
func leToBE(b []byte) []byte {
	out := make([]byte, 16)
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:16])
	return out
}

func zeroChecksumField(raw []byte, size int) []byte {
	out := make([]byte, len(raw))
	copy(out, raw)
	for i := 4; i < 8; i++ {
		out[i] = 0
	}
	return out
}

func readRegionTable(back block.Container, off int64) ([]regionEntry, error) {
	raw := make([]byte, 64*1024)
	if _, err := back.ReadAt(raw, off); err != nil {
		return nil, checkpoint.From(err)
	}
	if string(raw[:4]) != "regi" {
		return nil, checkpoint.Wrap(ErrBadSignature, errors.New("region table"))
	}
	if crc32C(zeroChecksumField(raw, 4)) != binary.LittleEndian.Uint32(raw[4:8]) {
		return nil, checkpoint.Wrap(ErrBadChecksum, errors.New("region table"))
	}
	count := binary.LittleEndian.Uint32(raw[8:12])

	entries := make([]regionEntry, 0, count)
	pos := 16
	for i := uint32(0); i < count; i++ {
		guid, _ := uuid.FromBytes(leToBE(raw[pos : pos+16]))
		e := regionEntry{
			GUID:     guid,
			Offset:   binary.LittleEndian.Uint64(raw[pos+16 : pos+24]),
			Length:   binary.LittleEndian.Uint32(raw[pos+24 : pos+28]),
			Required: binary.LittleEndian.Uint32(raw[pos+28:pos+32])&1 != 0,
		}
		entries = append(entries, e)
		pos += 32
	}
	return entries, nil
}

func (img *Image) parseMetadata(region regionEntry) error {
	raw, err := alignedRead(img.back, int64(region.Offset), int(region.Length))
	if err != nil {
		return err
	}
	if len(raw) < 32 || string(raw[:8]) != "metadata" {
		return checkpoint.Wrap(ErrBadSignature, errors.New("metadata table"))
	}
	count := binary.LittleEndian.Uint16(raw[10:12])

	pos := 32
	for i := uint16(0); i < count; i++ {
		guid, _ := uuid.FromBytes(leToBE(raw[pos : pos+16]))
		itemOffset := binary.LittleEndian.Uint32(raw[pos+16 : pos+20])
		itemLength := binary.LittleEndian.Uint32(raw[pos+20 : pos+24])
		pos += 32

		if int(itemOffset+itemLength) > len(raw) {
			continue
		}
		item := raw[itemOffset : itemOffset+itemLength]

		switch guid {
		case metaFileParams:
			img.blockSize = binary.LittleEndian.Uint32(item[0:4])
			flags := binary.LittleEndian.Uint32(item[4:8])
			img.hasParent = flags&0x2 != 0
		case metaVDiskSize:
			img.virtualSize = int64(binary.LittleEndian.Uint64(item[0:8]))
		case metaLogicalSS:
			img.logicalSS = binary.LittleEndian.Uint32(item[0:4])
		case metaPhysicalSS:
			// physical sector size affects alignment advice only; the
			// engine always performs sectorSize (4K)-aligned host I/O.
		}
	}
	if img.blockSize == 0 || img.virtualSize == 0 {
		return checkpoint.Wrap(ErrMissingRegion, errors.New("required metadata item missing"))
	}
	return nil
}

// batIndex maps a guest byte offset to the payload BAT entry, following the
// same interleave as FATtools: a bitmap entry follows every chunkRatio
// payload entries in a differencing image.
func (img *Image) batIndex(off int64) int64 {
	blockIdx := off / int64(img.blockSize)
	if !img.hasParent {
		return blockIdx
	}
	return blockIdx + blockIdx/img.chunkRatio
}

func (img *Image) ReadAt(p []byte, off int64) (int, error) {
	total := 0
	for total < len(p) {
		cur := off + int64(total)
		blockOff := cur % int64(img.blockSize)
		n := int64(len(p) - total)
		if blockOff+n > int64(img.blockSize) {
			n = int64(img.blockSize) - blockOff
		}

		idx := img.batIndex(cur)
		entry := img.bat[idx]
		state := BlockState(entry & 0x7)
		fileOffsetMB := entry >> 20

		switch state {
		case StateFullyPresent, StatePartiallyPresent:
			hostOff := int64(fileOffsetMB)*(1<<20) + blockOff
			if _, err := img.back.ReadAt(p[total:int64(total)+n], hostOff); err != nil {
				return total, checkpoint.From(err)
			}
		default:
			for i := int64(0); i < n; i++ {
				p[int64(total)+i] = 0
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
		blockOff := cur % int64(img.blockSize)
		n := int64(len(p) - total)
		if blockOff+n > int64(img.blockSize) {
			n = int64(img.blockSize) - blockOff
		}

		idx := img.batIndex(cur)
		entry := img.bat[idx]
		state := BlockState(entry & 0x7)

		if state != StateFullyPresent && state != StatePartiallyPresent {
			if err := img.allocatePayloadBlock(idx); err != nil {
				return total, err
			}
			entry = img.bat[idx]
		}

		fileOffsetMB := entry >> 20
		hostOff := int64(fileOffsetMB)*(1<<20) + blockOff
		if _, err := img.back.WriteAt(p[total:int64(total)+n], hostOff); err != nil {
			return total, checkpoint.From(err)
		}
		total += int(n)
	}
	return total, nil
}

func (img *Image) allocatePayloadBlock(batIdx int64) error {
	// Append at end-of-file, MB-aligned, and write the BAT entry (state +
	// offset) before the caller's payload write reaches the container.
	sizeMB := (img.back.Size() + (1 << 20) - 1) / (1 << 20)
	entry := (uint64(sizeMB) << 20) | uint64(StateFullyPresent)

	zeroed := make([]byte, img.blockSize)
	if _, err := img.back.WriteAt(zeroed, sizeMB*(1<<20)); err != nil {
		return checkpoint.From(err)
	}

	raw := make([]byte, 8)
	binary.LittleEndian.PutUint64(raw, entry)
	if err := alignedWrite(img.back, img.batOffset+batIdx*8, raw); err != nil {
		return err
	}
	img.bat[batIdx] = entry
	return nil
}

func (img *Image) Size() int64     { return img.virtualSize }
func (img *Image) SectorSize() int { return int(img.logicalSS) }
func (img *Image) Flush() error    { return img.back.Flush() }
func (img *Image) Close() error    { return img.back.Close() }

var _ block.Container = (*Image)(nil)

// crc32c computes the Castagnoli CRC-32 variant VHDX structures use for
// self-integrity checksums.
func crc32C(b []byte) uint32 {
	return crc32cTable.checksum(b)
}

var crc32cTable = newCRC32CTable()

type crcTable [256]uint32

func newCRC32CTable() crcTable {
	const poly = 0x82F63B78
	var t crcTable
	for i := 0; i < 256; i++ {
		c := uint32(i)
		for k := 0; k < 8; k++ {
			if c&1 != 0 {
				c = poly ^ (c >> 1)
			} else {
				c >>= 1
			}
		}
		t[i] = c
	}
	return t
}

func (t crcTable) checksum(b []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, v := range b {
		crc = t[byte(crc)^v] ^ (crc >> 8)
	}
	return crc ^ 0xFFFFFFFF
}

// logEntryHeader is the fixed 64-byte prefix of each VHDX log entry.
type logEntryHeader struct {
	Signature      [4]byte
	Checksum       uint32
	EntryLength    uint32
	Tail           uint32
	SequenceNumber uint64
	DescriptorCount uint32
	Reserved       uint32
	LogGuid        uuid.UUID
	FlushedFileOffset uint64
	LastFileOffset uint64
}

// replayLog validates the whole active log sequence strictly (monotonic
// SequenceNumber, matching LogGuid, valid per-entry CRC32C). Any
// inconsistency aborts the mount. It does not write the entries'
// descriptors into the BAT/metadata regions: a log that validates is
// accepted and the image is used as it stands on disk.
func replayLog(back block.Container, h *vhdxHeader) error {
	raw := make([]byte, h.LogLength)
	if _, err := back.ReadAt(raw, int64(h.LogOffset)); err != nil {
		return checkpoint.From(err)
	}

	var entries []logEntryHeader
	pos := 0
	var lastSeq uint64
	first := true
	for pos+64 <= len(raw) {
		if string(raw[pos:pos+4]) != "loge" {
			pos += sectorSize
			continue
		}
		var e logEntryHeader
		e.EntryLength = binary.LittleEndian.Uint32(raw[pos+8 : pos+12])
		e.SequenceNumber = binary.LittleEndian.Uint64(raw[pos+16 : pos+24])
		guid, _ := uuid.FromBytes(leToBE(raw[pos+32 : pos+48]))
		e.LogGuid = guid

		if e.LogGuid != h.LogGuid {
			pos += sectorSize
			continue
		}
		if crc32C(zeroChecksumField(raw[pos:pos+int(entryLenOr(e.EntryLength))], 4)) != binary.LittleEndian.Uint32(raw[pos+4:pos+8]) {
			return checkpoint.Wrap(ErrLogNotIdempotent, errors.New("entry checksum mismatch"))
		}
		if !first && e.SequenceNumber <= lastSeq {
			return checkpoint.Wrap(ErrLogNotIdempotent, errors.New("sequence number not monotonic"))
		}
		lastSeq = e.SequenceNumber
		first = false
		entries = append(entries, e)

		step := int(e.EntryLength)
		if step <= 0 {
			step = sectorSize
		}
		pos += step
	}

	// The collected entries form a strictly increasing, checksum-clean
	// sequence belonging to the active LogGuid; their descriptors are not
	// applied.
	return nil
}

func entryLenOr(v uint32) uint32 {
	if v == 0 {
		return sectorSize
	}
	return v
}
