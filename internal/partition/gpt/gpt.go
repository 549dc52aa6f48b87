// Package gpt parses and creates GUID Partition Tables: the protective MBR,
// primary header at LBA 1, backup header at LBA -1, and CRC32-validated
// partition entry arrays for both copies.
package gpt

import (
	"encoding/binary"
	"errors"
	"hash/crc32"

	"github.com/google/uuid"

	"github.com/gofatfs/gofat/checkpoint"
	"github.com/gofatfs/gofat/internal/block"
)

const (
	sectorSize        = 512
	headerSize        = 92
	partitionEntrySize = 128
	defaultEntries    = 128
	signature         = "EFI PART"
)

var (
	ErrBadSignature   = errors.New("gpt: bad header signature")
	ErrChecksum       = errors.New("gpt: header or partition array CRC32 mismatch")
	ErrBothCopiesBad  = errors.New("gpt: primary and backup headers are both invalid")
	ErrOverlap        = errors.New("gpt: partitions overlap")
)

// Entry is one GPT partition entry.
type Entry struct {
	TypeGUID   uuid.UUID
	UniqueGUID uuid.UUID
	FirstLBA   uint64
	LastLBA    uint64 // inclusive
	Attributes uint64
	Name       string // UTF-16 on disk, decoded here
}

// Table is the parsed (or to-be-written) GPT: entries plus the geometry
// needed to relocate the backup copy.
type Table struct {
	DiskGUID       uuid.UUID
	Entries        []Entry
	sectorSize     int64
	totalSectors   int64
	entriesLBA     uint64
	entryCount     uint32
	entrySize      uint32
}

type header struct {
	Signature     [8]byte
	Revision      uint32
	HeaderSize    uint32
	CRC32         uint32
	Reserved      uint32
	CurrentLBA    uint64
	BackupLBA     uint64
	FirstUsableLBA uint64
	LastUsableLBA  uint64
	DiskGUID      [16]byte
	EntriesLBA    uint64
	EntryCount    uint32
	EntrySize     uint32
	EntriesCRC32  uint32
}

// ReadTable parses the GPT on c (a whole disk or a container that already
// begins at LBA 0), preferring the primary header but falling back to the
// backup at the last sector if the primary fails signature or CRC32
// validation.
func ReadTable(c block.Container) (*Table, error) {
	totalSectors := c.Size() / sectorSize

	primary, perr := readHeader(c, 1, totalSectors)
	backup, berr := readHeader(c, uint64(totalSectors-1), totalSectors)

	var h *header
	switch {
	case perr == nil:
		h = primary
	case berr == nil:
		h = backup
	default:
		return nil, checkpoint.Wrap(ErrBothCopiesBad, errors.New(""))
	}

	entries, err := readEntries(c, h)
	if err != nil {
		return nil, err
	}

	diskGUID, _ := uuid.FromBytes(leToBE(h.DiskGUID[:]))
	t := &Table{
		DiskGUID:     diskGUID,
		Entries:      entries,
		sectorSize:   sectorSize,
		totalSectors: totalSectors,
		entriesLBA:   h.EntriesLBA,
		entryCount:   h.EntryCount,
		entrySize:    h.EntrySize,
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func readHeader(c block.Container, lba uint64, totalSectors int64) (*header, error) {
	raw := make([]byte, sectorSize)
	if _, err := c.ReadAt(raw, int64(lba)*sectorSize); err != nil {
		return nil, checkpoint.From(err)
	}
	if string(raw[0:8]) != signature {
		return nil, checkpoint.Wrap(ErrBadSignature, errors.New(""))
	}

	h := &header{}
	copy(h.Signature[:], raw[0:8])
	h.Revision = binary.LittleEndian.Uint32(raw[8:12])
	h.HeaderSize = binary.LittleEndian.Uint32(raw[12:16])
	h.CRC32 = binary.LittleEndian.Uint32(raw[16:20])
	h.CurrentLBA = binary.LittleEndian.Uint64(raw[24:32])
	h.BackupLBA = binary.LittleEndian.Uint64(raw[32:40])
	h.FirstUsableLBA = binary.LittleEndian.Uint64(raw[40:48])
	h.LastUsableLBA = binary.LittleEndian.Uint64(raw[48:56])
	copy(h.DiskGUID[:], raw[56:72])
	h.EntriesLBA = binary.LittleEndian.Uint64(raw[72:80])
	h.EntryCount = binary.LittleEndian.Uint32(raw[80:84])
	h.EntrySize = binary.LittleEndian.Uint32(raw[84:88])
	h.EntriesCRC32 = binary.LittleEndian.Uint32(raw[88:92])

	check := make([]byte, headerSize)
	copy(check, raw[:headerSize])
	binary.LittleEndian.PutUint32(check[16:20], 0)
	if crc32.ChecksumIEEE(check) != h.CRC32 {
		return nil, checkpoint.Wrap(ErrChecksum, errors.New("header"))
	}
	return h, nil
}

func readEntries(c block.Container, h *header) ([]Entry, error) {
	raw := make([]byte, uint64(h.EntryCount)*uint64(h.EntrySize))
	if _, err := c.ReadAt(raw, int64(h.EntriesLBA)*sectorSize); err != nil {
		return nil, checkpoint.From(err)
	}
	if crc32.ChecksumIEEE(raw) != h.EntriesCRC32 {
		return nil, checkpoint.Wrap(ErrChecksum, errors.New("partition array"))
	}

	var out []Entry
	for i := uint32(0); i < h.EntryCount; i++ {
		e := raw[uint32(i)*h.EntrySize:]
		typeGUID, _ := uuid.FromBytes(leToBE(e[0:16]))
		if typeGUID == uuid.Nil {
			continue
		}
		uniqueGUID, _ := uuid.FromBytes(leToBE(e[16:32]))
		out = append(out, Entry{
			TypeGUID:   typeGUID,
			UniqueGUID: uniqueGUID,
			FirstLBA:   binary.LittleEndian.Uint64(e[32:40]),
			LastLBA:    binary.LittleEndian.Uint64(e[40:48]),
			Attributes: binary.LittleEndian.Uint64(e[48:56]),
			Name:       utf16Decode(e[56:128]),
		})
	}
	return out, nil
}

func (t *Table) validate() error {
	for i := 0; i < len(t.Entries); i++ {
		for j := i + 1; j < len(t.Entries); j++ {
			a, b := t.Entries[i], t.Entries[j]
			if a.FirstLBA <= b.LastLBA && b.FirstLBA <= a.LastLBA {
				return checkpoint.Wrap(ErrOverlap, errors.New(""))
			}
		}
	}
	return nil
}

func leToBE(b []byte) []byte {
	out := make([]byte, 16)
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:16])
	return out
}

func utf16Decode(b []byte) string {
	runes := make([]rune, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		v := binary.LittleEndian.Uint16(b[i:])
		if v == 0 {
			break
		}
		runes = append(runes, rune(v))
	}
	return string(runes)
}

func utf16Encode(s string, size int) []byte {
	out := make([]byte, size)
	i := 0
	for _, r := range s {
		if i+2 > size {
			break
		}
		binary.LittleEndian.PutUint16(out[i:], uint16(r))
		i += 2
	}
	return out
}

// NewTable builds a fresh GPT covering totalSectors, rejecting overlapping
// entries.
func NewTable(diskGUID uuid.UUID, entries []Entry, totalSectors int64) (*Table, error) {
	t := &Table{
		DiskGUID:     diskGUID,
		Entries:      entries,
		sectorSize:   sectorSize,
		totalSectors: totalSectors,
		entriesLBA:   2,
		entryCount:   defaultEntries,
		entrySize:    partitionEntrySize,
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// WriteTo writes the protective MBR, primary header + entries at LBA 1/2,
// and backup header + entries at the end of the disk, with correct CRC32s
// on both copies.
func (t *Table) WriteTo(c block.Container) error {
	if err := writeProtectiveMBR(c, t.totalSectors); err != nil {
		return err
	}

	entriesBytes := make([]byte, uint64(t.entryCount)*uint64(t.entrySize))
	for i, e := range t.Entries {
		off := uint32(i) * t.entrySize
		typeBE, _ := e.TypeGUID.MarshalBinary()
		uniqueBE, _ := e.UniqueGUID.MarshalBinary()
		copy(entriesBytes[off:], beToLE(typeBE))
		copy(entriesBytes[off+16:], beToLE(uniqueBE))
		binary.LittleEndian.PutUint64(entriesBytes[off+32:], e.FirstLBA)
		binary.LittleEndian.PutUint64(entriesBytes[off+40:], e.LastLBA)
		binary.LittleEndian.PutUint64(entriesBytes[off+48:], e.Attributes)
		copy(entriesBytes[off+56:], utf16Encode(e.Name, 72))
	}
	entriesCRC := crc32.ChecksumIEEE(entriesBytes)

	backupLBA := uint64(t.totalSectors - 1)
	entriesSectors := int64((len(entriesBytes) + sectorSize - 1) / sectorSize)
	backupEntriesLBA := backupLBA - uint64(entriesSectors)

	if err := t.writeHeaderAndEntries(c, 1, backupLBA, t.entriesLBA, entriesBytes, entriesCRC); err != nil {
		return err
	}
	if err := t.writeHeaderAndEntries(c, backupLBA, 1, backupEntriesLBA, entriesBytes, entriesCRC); err != nil {
		return err
	}
	return nil
}

func (t *Table) writeHeaderAndEntries(c block.Container, myLBA, otherLBA, entriesLBA uint64, entries []byte, entriesCRC uint32) error {
	if _, err := c.WriteAt(entries, int64(entriesLBA)*sectorSize); err != nil {
		return checkpoint.From(err)
	}

	raw := make([]byte, sectorSize)
	copy(raw[0:8], signature)
	binary.LittleEndian.PutUint32(raw[8:12], 0x00010000)
	binary.LittleEndian.PutUint32(raw[12:16], headerSize)
	binary.LittleEndian.PutUint64(raw[24:32], myLBA)
	binary.LittleEndian.PutUint64(raw[32:40], otherLBA)
	binary.LittleEndian.PutUint64(raw[40:48], 2+uint64((len(entries)+sectorSize-1)/sectorSize))
	binary.LittleEndian.PutUint64(raw[48:56], uint64(t.totalSectors)-2-uint64((len(entries)+sectorSize-1)/sectorSize)-1)
	guidBE, _ := t.DiskGUID.MarshalBinary()
	copy(raw[56:72], beToLE(guidBE))
	binary.LittleEndian.PutUint64(raw[72:80], entriesLBA)
	binary.LittleEndian.PutUint32(raw[80:84], t.entryCount)
	binary.LittleEndian.PutUint32(raw[84:88], t.entrySize)
	binary.LittleEndian.PutUint32(raw[88:92], entriesCRC)

	check := make([]byte, headerSize)
	copy(check, raw[:headerSize])
	binary.LittleEndian.PutUint32(check[16:20], 0)
	binary.LittleEndian.PutUint32(raw[16:20], crc32.ChecksumIEEE(check))

	_, err := c.WriteAt(raw, int64(myLBA)*sectorSize)
	return checkpoint.From(err)
}

func beToLE(b []byte) []byte {
	// MarshalBinary returns RFC-4122 big-endian; GPT stores the first three
	// fields little-endian, so this is leToBE's own inverse.
	out := make([]byte, 16)
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:16])
	return out
}

func writeProtectiveMBR(c block.Container, totalSectors int64) error {
	sec := make([]byte, sectorSize)
	off := 446
	sec[off+4] = 0xEE // GPTProtective
	binary.LittleEndian.PutUint32(sec[off+8:], 1)
	sz := uint32(totalSectors - 1)
	if totalSectors-1 > 0xFFFFFFFF {
		sz = 0xFFFFFFFF
	}
	binary.LittleEndian.PutUint32(sec[off+12:], sz)
	binary.LittleEndian.PutUint16(sec[510:], 0xAA55)
	_, err := c.WriteAt(sec, 0)
	return checkpoint.From(err)
}

// View is a sub-container clamped to a single GPT partition's LBA range.
type View struct {
	back  block.Container
	entry Entry
}

func NewView(back block.Container, e Entry) *View { return &View{back: back, entry: e} }

func (v *View) bounds(off, n int64) error {
	limit := (int64(v.entry.LastLBA) - int64(v.entry.FirstLBA) + 1) * sectorSize
	if off < 0 || off+n > limit {
		return checkpoint.Wrap(block.ErrOutOfRange, errors.New("partition view"))
	}
	return nil
}

func (v *View) ReadAt(p []byte, off int64) (int, error) {
	if err := v.bounds(off, int64(len(p))); err != nil {
		return 0, err
	}
	return v.back.ReadAt(p, int64(v.entry.FirstLBA)*sectorSize+off)
}

func (v *View) WriteAt(p []byte, off int64) (int, error) {
	if err := v.bounds(off, int64(len(p))); err != nil {
		return 0, err
	}
	return v.back.WriteAt(p, int64(v.entry.FirstLBA)*sectorSize+off)
}

func (v *View) Size() int64     { return (int64(v.entry.LastLBA) - int64(v.entry.FirstLBA) + 1) * sectorSize }
func (v *View) SectorSize() int { return v.back.SectorSize() }
func (v *View) Flush() error    { return v.back.Flush() }
func (v *View) Close() error    { return nil }

var _ block.Container = (*View)(nil)
