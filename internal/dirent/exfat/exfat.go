// Package exfat implements the exFAT directory entry set: a File Entry
// primary slot followed by a Stream Extension slot and one or more
// FileName Extension slots, plus the set checksum and name hash exFAT uses
// in place of FAT's LFN chain + 8.3 alias scheme.
package exfat

import (
	"errors"
	"time"
	"unicode/utf16"

	"github.com/gofatfs/gofat/checkpoint"
)

const (
	EntrySize = 32

	inUseBit = 0x80

	TypeAllocationBitmap    = 0x81
	TypeUpcaseTable         = 0x82
	TypeVolumeLabel         = 0x83
	TypeFile                = 0x85
	TypeStreamExtension     = 0xC0
	TypeFileName            = 0xC1

	AttrDirectory = 0x10

	secondaryFlagAllocationPossible = 0x01
	secondaryFlagNoFatChain         = 0x02

	charsPerNameSlot = 15
)

var ErrNameTooLong = errors.New("exfat: name exceeds 255 UTF-16 characters")

// FileSet is the decoded contents of one File Entry + Stream Extension +
// FileName Extension* group.
type FileSet struct {
	Attributes    uint16
	CreateTime    time.Time
	ModifyTime    time.Time
	AccessTime    time.Time
	NoFatChain    bool
	ValidDataLength uint64
	DataLength      uint64
	FirstCluster    uint32
	Name            string
}

func (f *FileSet) IsDir() bool { return f.Attributes&AttrDirectory != 0 }

// NameHash computes the Stream Extension's upper-cased name hash. upcase
// maps a rune to its volume-defined upper-case form; callers pass the
// mounted Upcase Table's lookup (falling back to Unicode default casing for
// code points it doesn't cover).
func NameHash(name string, upcase func(rune) rune) uint16 {
	units := utf16.Encode([]rune(mapRunes(name, upcase)))
	var hash uint16
	for _, u := range units {
		for _, b := range [2]byte{byte(u), byte(u >> 8)} {
			hash = (hash<<15 | hash>>1) + uint16(b)
		}
	}
	return hash
}

func mapRunes(s string, upcase func(rune) rune) string {
	runes := []rune(s)
	for i, r := range runes {
		if upcase != nil {
			runes[i] = upcase(r)
		}
	}
	return string(runes)
}

// SetChecksum computes the checksum covering every byte of a slot group
// except the File Entry's own checksum field (offsets 2-3).
func SetChecksum(raw []byte) uint16 {
	var hash uint16
	for i, b := range raw {
		if i == 2 || i == 3 {
			continue
		}
		hash = (hash<<15 | hash>>1) + uint16(b)
	}
	return hash
}

func dosDateTime(t time.Time) (uint32, byte) {
	year := t.Year()
	if year < 1980 {
		year = 1980
	}
	date := uint16(year-1980)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
	clock := uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
	tenMs := byte((t.Nanosecond() / 10_000_000) % 100)
	if t.Second()%2 == 1 {
		tenMs += 100
	}
	return uint32(date)<<16 | uint32(clock), tenMs
}

func fromDOSDateTime(v uint32) time.Time {
	date := uint16(v >> 16)
	clock := uint16(v)
	year := int(date>>9) + 1980
	month := int((date >> 5) & 0xF)
	if month == 0 {
		month = 1
	}
	day := int(date & 0x1F)
	if day == 0 {
		day = 1
	}
	return time.Date(year, time.Month(month), day, int(clock>>11), int((clock>>5)&0x3F), int(clock&0x1F)*2, 0, time.UTC)
}

// Encode builds the on-disk slot group for a file or directory, without
// requiring a pre-existing short-name alias since exFAT has none.
func Encode(name string, attr uint16, cluster uint32, dataLength uint64, contiguous bool, mtime time.Time, upcase func(rune) rune) ([]byte, error) {
	utf16Name := utf16.Encode([]rune(name))
	if len(utf16Name) > 255 {
		return nil, ErrNameTooLong
	}

	nameSlots := (len(utf16Name) + charsPerNameSlot - 1) / charsPerNameSlot
	if nameSlots == 0 {
		nameSlots = 1
	}
	secondaryCount := 1 + nameSlots
	raw := make([]byte, (2+nameSlots)*EntrySize)

	// File Entry (primary).
	fe := raw[0:EntrySize]
	fe[0] = TypeFile | inUseBit
	fe[1] = byte(secondaryCount)
	putU16(fe[4:6], attr)
	dt, tenMs := dosDateTime(mtime)
	putU32(fe[8:12], dt)
	putU32(fe[12:16], dt)
	putU32(fe[16:20], dt)
	fe[20] = tenMs
	fe[21] = tenMs

	// Stream Extension.
	se := raw[EntrySize : 2*EntrySize]
	se[0] = TypeStreamExtension | inUseBit
	flags := byte(secondaryFlagAllocationPossible)
	if contiguous {
		flags |= secondaryFlagNoFatChain
	}
	se[1] = flags
	se[3] = byte(len(utf16Name))
	putU16(se[4:6], NameHash(name, upcase))
	putU64(se[8:16], dataLength)
	putU32(se[20:24], cluster)
	putU64(se[24:32], dataLength)

	// FileName Extension(s).
	for i := 0; i < nameSlots; i++ {
		slot := raw[(2+i)*EntrySize : (3+i)*EntrySize]
		slot[0] = TypeFileName | inUseBit
		start := i * charsPerNameSlot
		end := start + charsPerNameSlot
		if end > len(utf16Name) {
			end = len(utf16Name)
		}
		for j, u := range utf16Name[start:end] {
			putU16(slot[2+j*2:4+j*2], u)
		}
	}

	checksum := SetChecksum(raw)
	putU16(fe[2:4], checksum)

	return raw, nil
}

// Decode parses a full File Entry slot group starting at raw[0]; raw must
// contain at least (1+SecondaryCount)*EntrySize bytes.
func Decode(raw []byte) (*FileSet, error) {
	if len(raw) < 2*EntrySize || raw[0] != TypeFile {
		return nil, checkpoint.Wrap(errors.New("exfat: not a File Entry"), errors.New(""))
	}
	secondaryCount := int(raw[1])
	if len(raw) < (1+secondaryCount)*EntrySize {
		return nil, checkpoint.Wrap(errors.New("exfat: truncated slot group"), errors.New(""))
	}

	fe := raw[0:EntrySize]
	se := raw[EntrySize : 2*EntrySize]
	if se[0] != TypeStreamExtension {
		return nil, checkpoint.Wrap(errors.New("exfat: missing Stream Extension slot"), errors.New(""))
	}

	fs := &FileSet{
		Attributes:      uint16(fe[4]) | uint16(fe[5])<<8,
		CreateTime:      fromDOSDateTime(u32(fe[8:12])),
		ModifyTime:      fromDOSDateTime(u32(fe[12:16])),
		AccessTime:      fromDOSDateTime(u32(fe[16:20])),
		NoFatChain:      se[1]&secondaryFlagNoFatChain != 0,
		ValidDataLength: u64(se[8:16]),
		DataLength:      u64(se[24:32]),
		FirstCluster:    u32(se[20:24]),
	}

	nameLen := int(se[3])
	var units []uint16
	for i := 2; i <= secondaryCount; i++ {
		slot := raw[i*EntrySize : (i+1)*EntrySize]
		if slot[0] != TypeFileName {
			continue
		}
		for j := 2; j+1 < EntrySize; j += 2 {
			units = append(units, uint16(slot[j])|uint16(slot[j+1])<<8)
		}
	}
	if nameLen < len(units) {
		units = units[:nameLen]
	}
	fs.Name = string(utf16.Decode(units))

	return fs, nil
}

// Span returns the total number of 32-byte slots (File Entry + Stream
// Extension + FileName Extension*) a decoded group occupies on disk.
func Span(raw []byte) int { return 1 + int(raw[1]) }

// InUse reports whether an entry's type byte has the InUse bit set. A slot
// with the bit cleared is a deleted (or never-written) entry of the same
// kind, per exFAT's convention of toggling one bit rather than zeroing the
// whole slot on delete.
func InUse(marker byte) bool { return marker&inUseBit != 0 }

// IsFileEntryMarker reports whether marker (with its InUse bit still set)
// is a File Entry, the primary slot of a directory entry set.
func IsFileEntryMarker(marker byte) bool { return marker == TypeFile }

// DecodeVolumeLabel decodes a Volume Label entry's UTF-16 text (up to 11
// characters, per the CharacterCount byte at raw[1]).
func DecodeVolumeLabel(raw []byte) string {
	count := int(raw[1])
	if count > 11 {
		count = 11
	}
	units := make([]uint16, count)
	for i := 0; i < count; i++ {
		units[i] = uint16(raw[2+i*2]) | uint16(raw[3+i*2])<<8
	}
	return string(utf16.Decode(units))
}

func putU16(dst []byte, v uint16) { dst[0], dst[1] = byte(v), byte(v>>8) }
func putU32(dst []byte, v uint32) {
	dst[0], dst[1], dst[2], dst[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}
func putU64(dst []byte, v uint64) {
	for i := 0; i < 8; i++ {
		dst[i] = byte(v >> (8 * i))
	}
}
func u32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func u64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
