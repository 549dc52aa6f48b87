// Package mbr parses and creates classical MBR partition tables, including
// the extended-partition (EBR) chain, and produces sub-container views
// clamped to each partition's boundaries.
package mbr

import (
	"encoding/binary"
	"errors"

	"github.com/gofatfs/gofat/checkpoint"
	"github.com/gofatfs/gofat/internal/block"
)

const (
	sectorSize            = 512
	partitionEntriesStart = 446
	partitionEntryCount   = 4
	partitionEntrySize    = 16
	signatureOffset       = 510
)

var (
	ErrBadSignature = errors.New("mbr: missing 0x55AA boot signature")
	ErrOverlap      = errors.New("mbr: partitions overlap")
)

// Type is the one-byte MBR partition type code.
type Type byte

const (
	Empty     Type = 0x00
	Fat12     Type = 0x01
	Fat16     Type = 0x04
	Extended  Type = 0x05
	Fat16B    Type = 0x06
	NTFS      Type = 0x07
	Fat32CHS  Type = 0x0B
	Fat32LBA  Type = 0x0C
	Fat16BLBA Type = 0x0E
	ExtendedLBA Type = 0x0F
	GPTProtective Type = 0xEE
)

func isExtended(t Type) bool { return t == Extended || t == ExtendedLBA }

// Entry is one parsed partition table entry (primary or logical, from an EBR
// chain), flattened into a single ordered list by ReadTable.
type Entry struct {
	Bootable bool
	Type     Type
	StartLBA uint32
	Sectors  uint32
}

// Table is an ordered list of partition entries as read from (or to be
// written to) sector 0 of a container.
type Table struct {
	Entries []Entry
}

// ReadTable parses the MBR at sector 0 of c, following the EBR chain to
// enumerate logical partitions inside any extended partition.
func ReadTable(c block.Container) (*Table, error) {
	sec := make([]byte, sectorSize)
	if _, err := c.ReadAt(sec, 0); err != nil {
		return nil, checkpoint.From(err)
	}
	if binary.LittleEndian.Uint16(sec[signatureOffset:]) != 0xAA55 {
		return nil, checkpoint.Wrap(ErrBadSignature, errors.New(""))
	}

	t := &Table{}
	for i := 0; i < partitionEntryCount; i++ {
		e := parseEntry(sec[partitionEntriesStart+i*partitionEntrySize:])
		if e.Type == Empty {
			continue
		}
		t.Entries = append(t.Entries, e)

		if isExtended(e.Type) {
			logical, err := readEBRChain(c, e.StartLBA)
			if err != nil {
				return nil, err
			}
			t.Entries = append(t.Entries, logical...)
		}
	}

	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func parseEntry(b []byte) Entry {
	return Entry{
		Bootable: b[0] == 0x80,
		Type:     Type(b[4]),
		StartLBA: binary.LittleEndian.Uint32(b[8:12]),
		Sectors:  binary.LittleEndian.Uint32(b[12:16]),
	}
}

// readEBRChain walks the linked list of Extended Boot Records starting at
// extendedStart (an absolute LBA), returning every logical partition found.
func readEBRChain(c block.Container, extendedStart uint32) ([]Entry, error) {
	var out []Entry
	ebrLBA := extendedStart

	for {
		sec := make([]byte, sectorSize)
		if _, err := c.ReadAt(sec, int64(ebrLBA)*sectorSize); err != nil {
			return nil, checkpoint.From(err)
		}
		if binary.LittleEndian.Uint16(sec[signatureOffset:]) != 0xAA55 {
			return nil, checkpoint.Wrap(ErrBadSignature, errors.New("EBR"))
		}

		logical := parseEntry(sec[partitionEntriesStart:])
		if logical.Type == Empty {
			break
		}
		// A logical partition's StartLBA in the EBR is relative to the EBR
		// itself, not the disk.
		logical.StartLBA += ebrLBA
		out = append(out, logical)

		next := parseEntry(sec[partitionEntriesStart+partitionEntrySize:])
		if next.Type == Empty {
			break
		}
		ebrLBA = extendedStart + next.StartLBA
	}
	return out, nil
}

func (t *Table) validate() error {
	type span struct{ start, end uint64 }
	var spans []span
	for _, e := range t.Entries {
		if isExtended(e.Type) {
			continue
		}
		spans = append(spans, span{uint64(e.StartLBA), uint64(e.StartLBA) + uint64(e.Sectors)})
	}
	for i := 0; i < len(spans); i++ {
		for j := i + 1; j < len(spans); j++ {
			if spans[i].start < spans[j].end && spans[j].start < spans[i].end {
				return checkpoint.Wrap(ErrOverlap, errors.New(""))
			}
		}
	}
	return nil
}

// clampCHS returns the defensive CHS triple written into a created MBR
// entry's legacy CHS fields, clamped at the maximum representable geometry
// (1023 cylinders / 254 heads / 63 sectors) — modern tooling reads LBA
// fields only, but the CHS bytes must still be well-formed.
func clampCHS(lba uint32) (head, sector, cylinder byte) {
	const (
		headsPerCyl = 254
		secsPerTrk  = 63
	)
	cyl := lba / (headsPerCyl * secsPerTrk)
	h := (lba / secsPerTrk) % headsPerCyl
	s := (lba % secsPerTrk) + 1

	if cyl > 1023 {
		cyl = 1023
		h = headsPerCyl - 1
		s = secsPerTrk
	}
	cylByte := byte(cyl & 0xFF)
	sectorByte := byte(s&0x3F) | byte((cyl>>8)&0x3)<<6
	return byte(h), sectorByte, cylByte
}

// NewTable builds a fresh MBR from entries and validates it (no overlaps,
// sorted by LBA — FATtools' partutils.py rejects out-of-order creation even
// though foreign tables are read as-is).
func NewTable(entries []Entry) (*Table, error) {
	for i := 1; i < len(entries); i++ {
		if entries[i].StartLBA < entries[i-1].StartLBA {
			return nil, checkpoint.Wrap(ErrOverlap, errors.New("entries must be supplied in ascending LBA order"))
		}
	}
	t := &Table{Entries: entries}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// WriteTo serializes t into sector 0 of c, using universal boot code
// supplied by the caller (an external artifact per spec §4.D — this package
// only ever fills the partition-table bytes at 0x1BE and the trailing
// signature, never the code area).
func (t *Table) WriteTo(c block.Container, bootCode [446]byte) error {
	sec := make([]byte, sectorSize)
	copy(sec, bootCode[:])

	for i := 0; i < partitionEntryCount && i < len(t.Entries); i++ {
		e := t.Entries[i]
		off := partitionEntriesStart + i*partitionEntrySize
		if e.Bootable {
			sec[off] = 0x80
		}
		headStart, secStart, cylStart := clampCHS(e.StartLBA)
		headEnd, secEnd, cylEnd := clampCHS(e.StartLBA + e.Sectors - 1)
		sec[off+1] = headStart
		sec[off+2] = secStart
		sec[off+3] = cylStart
		sec[off+4] = byte(e.Type)
		sec[off+5] = headEnd
		sec[off+6] = secEnd
		sec[off+7] = cylEnd
		binary.LittleEndian.PutUint32(sec[off+8:], e.StartLBA)
		binary.LittleEndian.PutUint32(sec[off+12:], e.Sectors)
	}
	binary.LittleEndian.PutUint16(sec[signatureOffset:], 0xAA55)

	_, err := c.WriteAt(sec, 0)
	return checkpoint.From(err)
}

// View is a sub-container clamped to a single partition's LBA range.
type View struct {
	back  block.Container
	entry Entry
}

// NewView wraps back so that offset 0 corresponds to the partition's first
// sector; I/O outside [0, Sectors*sectorSize) fails with ErrOutOfRange.
func NewView(back block.Container, e Entry) *View {
	return &View{back: back, entry: e}
}

func (v *View) bounds(off, n int64) error {
	limit := int64(v.entry.Sectors) * sectorSize
	if off < 0 || off+n > limit {
		return checkpoint.Wrap(block.ErrOutOfRange, errors.New("partition view"))
	}
	return nil
}

func (v *View) ReadAt(p []byte, off int64) (int, error) {
	if err := v.bounds(off, int64(len(p))); err != nil {
		return 0, err
	}
	return v.back.ReadAt(p, int64(v.entry.StartLBA)*sectorSize+off)
}

func (v *View) WriteAt(p []byte, off int64) (int, error) {
	if err := v.bounds(off, int64(len(p))); err != nil {
		return 0, err
	}
	return v.back.WriteAt(p, int64(v.entry.StartLBA)*sectorSize+off)
}

func (v *View) Size() int64     { return int64(v.entry.Sectors) * sectorSize }
func (v *View) SectorSize() int { return v.back.SectorSize() }
func (v *View) Flush() error    { return v.back.Flush() }
func (v *View) Close() error    { return nil } // the partition does not own back's lifecycle

var _ block.Container = (*View)(nil)
