package cache

import (
	"bytes"
	"testing"

	"github.com/golang/mock/gomock"

	"github.com/gofatfs/gofat/internal/block"
)

func TestCache_ReadWriteRoundTrip(t *testing.T) {
	back := block.NewMemContainer(4096, 512, block.ReadWrite)
	c := New(back, 4)

	want := bytes.Repeat([]byte{0xAB}, 512)
	if _, err := c.WriteAt(want, 512); err != nil {
		t.Fatalf("WriteAt() error = %v", err)
	}

	got := make([]byte, 512)
	if _, err := c.ReadAt(got, 512); err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("ReadAt() = %x, want %x", got, want)
	}

	// The container itself must not see the write until Flush.
	raw := make([]byte, 512)
	if _, err := back.ReadAt(raw, 512); err != nil {
		t.Fatalf("back.ReadAt() error = %v", err)
	}
	if bytes.Equal(raw, want) {
		t.Error("write reached the container before Flush")
	}

	if err := c.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if _, err := back.ReadAt(raw, 512); err != nil {
		t.Fatalf("back.ReadAt() error = %v", err)
	}
	if !bytes.Equal(raw, want) {
		t.Errorf("after Flush() container = %x, want %x", raw, want)
	}
}

func TestCache_BypassesLargeTransfers(t *testing.T) {
	back := block.NewMemContainer(4096, 512, block.ReadWrite)
	c := New(back, 4)

	// A transfer larger than half a sector but not exactly one sector must
	// bypass the cache and hit the container directly, so it is visible
	// without a Flush.
	data := bytes.Repeat([]byte{0xCD}, 1024)
	if _, err := c.WriteAt(data, 0); err != nil {
		t.Fatalf("WriteAt() error = %v", err)
	}

	raw := make([]byte, 1024)
	if _, err := back.ReadAt(raw, 0); err != nil {
		t.Fatalf("back.ReadAt() error = %v", err)
	}
	if !bytes.Equal(raw, data) {
		t.Error("large transfer did not bypass the cache")
	}
}

func TestCache_CapacityTriggersFlush(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	back := block.NewMockContainer(ctrl)
	back.EXPECT().SectorSize().Return(512).AnyTimes()

	c := New(back, 2)
	sector := make([]byte, 512)

	// Two misses populate the cache to capacity without any writes reaching
	// the container.
	back.EXPECT().ReadAt(gomock.Any(), int64(0)).Return(512, nil)
	back.EXPECT().ReadAt(gomock.Any(), int64(512)).Return(512, nil)
	if _, err := c.WriteAt(sector, 0); err != nil {
		t.Fatalf("WriteAt() error = %v", err)
	}
	if _, err := c.WriteAt(sector, 512); err != nil {
		t.Fatalf("WriteAt() error = %v", err)
	}

	// A third miss pushes the cache over capacity: the third sector is read,
	// then the two dirty slots flush, in ascending LBA order, before it is
	// inserted.
	gomock.InOrder(
		back.EXPECT().WriteAt(gomock.Any(), int64(0)).Return(512, nil),
		back.EXPECT().WriteAt(gomock.Any(), int64(512)).Return(512, nil),
	)
	back.EXPECT().ReadAt(gomock.Any(), int64(1024)).Return(512, nil)
	if _, err := c.WriteAt(sector, 1024); err != nil {
		t.Fatalf("WriteAt() error = %v", err)
	}
}

func TestCache_Close_FlushesAndClosesContainer(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	back := block.NewMockContainer(ctrl)
	back.EXPECT().SectorSize().Return(512).AnyTimes()
	back.EXPECT().ReadAt(gomock.Any(), int64(0)).Return(512, nil)

	c := New(back, 4)
	sector := make([]byte, 512)
	if _, err := c.WriteAt(sector, 0); err != nil {
		t.Fatalf("WriteAt() error = %v", err)
	}

	gomock.InOrder(
		back.EXPECT().WriteAt(gomock.Any(), int64(0)).Return(512, nil),
		back.EXPECT().Close().Return(nil),
	)
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
