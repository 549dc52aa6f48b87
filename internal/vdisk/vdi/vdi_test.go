package vdi

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/gofatfs/gofat/internal/block"
)

// buildImage writes a minimal VDI image with a header at the standard
// 64-byte pre-header offset and a block map deliberately placed at a
// non-sector-aligned byte offset, so Open exercises the aligned-access
// helpers rather than a Container's native sector-aligned ReadAt.
func buildImage(t *testing.T, mapOffset, dataOffset int64, blockSize uint32, blocksInHDD uint32) *block.MemContainer {
	t.Helper()
	const sectorSize = 512
	total := dataOffset + int64(blocksInHDD)*int64(blockSize)
	if total%sectorSize != 0 {
		total += sectorSize - total%sectorSize
	}
	back := block.NewMemContainer(total, sectorSize, block.ReadWrite)

	raw := make([]byte, 512)
	binary.LittleEndian.PutUint32(raw[0:4], signature)
	binary.LittleEndian.PutUint32(raw[4:8], 0x00010001)
	binary.LittleEndian.PutUint32(raw[276:280], uint32(mapOffset))
	binary.LittleEndian.PutUint32(raw[280:284], uint32(dataOffset))
	binary.LittleEndian.PutUint64(raw[304:312], uint64(blocksInHDD)*uint64(blockSize))
	binary.LittleEndian.PutUint32(raw[312:316], blockSize)
	binary.LittleEndian.PutUint32(raw[320:324], blocksInHDD)
	if err := alignedWrite(back, 64, raw); err != nil {
		t.Fatalf("write header: %v", err)
	}

	mapRaw := make([]byte, blocksInHDD*4)
	for i := uint32(0); i < blocksInHDD; i++ {
		binary.LittleEndian.PutUint32(mapRaw[i*4:], unallocated)
	}
	if err := alignedWrite(back, mapOffset, mapRaw); err != nil {
		t.Fatalf("write block map: %v", err)
	}
	return back
}

func TestOpen_MisalignedBlockMap(t *testing.T) {
	// mapOffset=400 is not a multiple of the 512-byte sector size; Open must
	// still succeed by rounding through alignedRead rather than calling
	// back.ReadAt directly.
	back := buildImage(t, 400, 1024, 512, 2)
	img, err := Open(back)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if img.Size() != 1024 {
		t.Errorf("Size() = %d, want 1024", img.Size())
	}
}

func TestReadAt_UnallocatedReadsZero(t *testing.T) {
	back := buildImage(t, 400, 1024, 512, 2)
	img, err := Open(back)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	buf := make([]byte, 512)
	for i := range buf {
		buf[i] = 0xAA
	}
	if _, err := img.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	if !bytes.Equal(buf, make([]byte, 512)) {
		t.Errorf("ReadAt() of unallocated block = %x, want all zero", buf)
	}
}

func TestWriteAt_AllocatesAndPersists(t *testing.T) {
	back := buildImage(t, 400, 1024, 512, 2)
	img, err := Open(back)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	want := bytes.Repeat([]byte{0xCD}, 512)
	if _, err := img.WriteAt(want, 0); err != nil {
		t.Fatalf("WriteAt() error = %v", err)
	}

	got := make([]byte, 512)
	if _, err := img.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("ReadAt() after WriteAt() = %x, want %x", got, want)
	}

	// A freshly opened image over the same backing store must see the write,
	// proving the block-map entry update at the misaligned mapOffset landed.
	reopened, err := Open(back)
	if err != nil {
		t.Fatalf("re-Open() error = %v", err)
	}
	got2 := make([]byte, 512)
	if _, err := reopened.ReadAt(got2, 0); err != nil {
		t.Fatalf("re-Open ReadAt() error = %v", err)
	}
	if !bytes.Equal(got2, want) {
		t.Errorf("after reopen, ReadAt() = %x, want %x", got2, want)
	}
}

func TestOpen_BadSignature(t *testing.T) {
	back := block.NewMemContainer(4096, 512, block.ReadWrite)
	if _, err := Open(back); err == nil {
		t.Error("Open() error = nil, want ErrBadSignature")
	}
}
