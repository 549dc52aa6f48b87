package gofat

import (
	"encoding/binary"
	"testing"

	"github.com/gofatfs/gofat/internal/bpb"
	"github.com/gofatfs/gofat/internal/block"
)

func TestReadFSInfoHint(t *testing.T) {
	const sectorSize = 512
	back := block.NewMemContainer(2*sectorSize, sectorSize, block.ReadWrite)

	sec := make([]byte, sectorSize)
	binary.LittleEndian.PutUint32(sec[0:4], 0x41615252)
	binary.LittleEndian.PutUint32(sec[484:488], 0x61417272)
	binary.LittleEndian.PutUint32(sec[488:492], 1234)
	binary.LittleEndian.PutUint32(sec[492:496], 5678)
	binary.LittleEndian.PutUint32(sec[508:512], 0xAA550000)
	if _, err := back.WriteAt(sec, sectorSize); err != nil {
		t.Fatalf("WriteAt() error = %v", err)
	}

	geo := &bpb.Geometry{BytesPerSector: sectorSize, FSInfoSector: 1}
	hint := readFSInfoHint(back, geo)
	if hint == nil {
		t.Fatal("readFSInfoHint() = nil, want a hint")
	}
	if hint.FreeClusterCount != 1234 || hint.NextFreeCluster != 5678 {
		t.Errorf("hint = %+v, want {1234 5678}", hint)
	}
}

func TestReadFSInfoHint_BadSignature(t *testing.T) {
	const sectorSize = 512
	back := block.NewMemContainer(2*sectorSize, sectorSize, block.ReadWrite)

	geo := &bpb.Geometry{BytesPerSector: sectorSize, FSInfoSector: 1}
	if hint := readFSInfoHint(back, geo); hint != nil {
		t.Errorf("readFSInfoHint() = %+v, want nil for an all-zero sector", hint)
	}
}
