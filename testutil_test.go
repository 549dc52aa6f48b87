package gofat

import (
	"testing"

	"github.com/gofatfs/gofat/internal/block"
)

func putU16(b []byte, v uint16) { b[0], b[1] = byte(v), byte(v>>8) }

// blankFAT12Image builds a minimal blank FAT12 volume image in memory: a
// valid boot sector, zeroed FAT copies, and an empty fixed root directory.
// The layout leaves 64 one-sector data clusters, comfortably inside FAT12's
// range for the "cluster count < 4085" recognition test in bpb.Identify.
func blankFAT12Image(t *testing.T) *block.MemContainer {
	t.Helper()

	const (
		sectorSize  = 512
		reserved    = 1
		numFATs     = 2
		rootEntries = 16
		fatSectors  = 1
		dataSectors = 64
	)
	rootSectors := uint32(rootEntries*32) / sectorSize
	total := reserved + numFATs*fatSectors + rootSectors + dataSectors

	back := block.NewMemContainer(int64(total)*sectorSize, sectorSize, block.ReadWrite)

	boot := make([]byte, sectorSize)
	boot[0], boot[1], boot[2] = 0xEB, 0x3C, 0x90
	copy(boot[3:11], []byte("MSWIN4.1"))
	putU16(boot[11:13], sectorSize)
	boot[13] = 1 // sectors per cluster
	putU16(boot[14:16], reserved)
	boot[16] = numFATs
	putU16(boot[17:19], rootEntries)
	putU16(boot[19:21], uint16(total))
	boot[21] = 0xF8 // media descriptor
	putU16(boot[22:24], fatSectors)
	putU16(boot[24:26], 32) // sectors per track, unused by this driver
	putU16(boot[26:28], 2)  // heads, unused
	if _, err := back.WriteAt(boot, 0); err != nil {
		t.Fatalf("write boot sector: %v", err)
	}

	// FAT12 reserves cluster 0/1's entries as the media descriptor + EOC.
	fat0 := make([]byte, sectorSize)
	fat0[0], fat0[1], fat0[2] = boot[21], 0xFF, 0xFF
	if _, err := back.WriteAt(fat0, int64(reserved)*sectorSize); err != nil {
		t.Fatalf("write FAT#1: %v", err)
	}
	if _, err := back.WriteAt(fat0, int64(reserved+fatSectors)*sectorSize); err != nil {
		t.Fatalf("write FAT#2: %v", err)
	}

	return back
}

// mountBlankFAT12 mounts a fresh blank FAT12 volume read-write for tests
// that exercise Volume/Fs behavior end-to-end.
func mountBlankFAT12(t *testing.T) *Volume {
	t.Helper()
	v, err := Mount(blankFAT12Image(t))
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	t.Cleanup(func() { _ = v.Close() })
	return v
}
