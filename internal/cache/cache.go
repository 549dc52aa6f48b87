// Package cache implements the write-back sector cache that sits between the
// FAT/directory/file-handle layers and a block.Container.
package cache

import (
	"sort"

	"github.com/gofatfs/gofat/checkpoint"
	"github.com/gofatfs/gofat/internal/block"
)

// DefaultCapacity is the default number of sector slots held by a Cache.
const DefaultCapacity = 128

type slot struct {
	lba   int64
	data  []byte
	dirty bool
}

// Cache is a write-back cache of fixed capacity, one sector per slot.
//
// I/O that is sector-aligned and either no larger than half a sector or
// exactly one sector is cached; anything else (large sequential transfers) bypasses the
// cache and hits the container directly, since coalescing offers it nothing.
// On reaching capacity the whole cache is flushed (dirty entries written out
// in ascending LBA order) and cleared, rather than evicting one slot at a
// time — this keeps the "a flush batch is LBA-sorted" invariant simple to
// reason about.
type Cache struct {
	container  block.Container
	sectorSize int
	capacity   int
	slots      map[int64]*slot
}

// New wraps container with a sector cache of the given slot capacity (0 uses
// DefaultCapacity).
func New(container block.Container, capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		container:  container,
		sectorSize: container.SectorSize(),
		capacity:   capacity,
		slots:      make(map[int64]*slot, capacity),
	}
}

func (c *Cache) lba(off int64) int64 { return off / int64(c.sectorSize) }

// bypasses reports whether an I/O of this size should skip the cache
// entirely: it must be sector-aligned to even be considered.
func (c *Cache) bypasses(off, n int64) bool {
	if off%int64(c.sectorSize) != 0 {
		return true
	}
	return n > int64(c.sectorSize)/2 && n != int64(c.sectorSize)
}

// ReadAt satisfies reads through the cache, pulling missed sectors from the
// container one at a time.
func (c *Cache) ReadAt(p []byte, off int64) (int, error) {
	if c.bypasses(off, int64(len(p))) {
		return c.container.ReadAt(p, off)
	}

	s, err := c.fetch(c.lba(off))
	if err != nil {
		return 0, err
	}
	start := off - s.lba*int64(c.sectorSize)
	return copy(p, s.data[start:start+int64(len(p))]), nil
}

// WriteAt writes p into the cache, marking the touched sector dirty. The
// write is not guaranteed to reach the container until Flush.
func (c *Cache) WriteAt(p []byte, off int64) (int, error) {
	if c.bypasses(off, int64(len(p))) {
		return c.container.WriteAt(p, off)
	}

	s, err := c.fetch(c.lba(off))
	if err != nil {
		return 0, err
	}
	start := off - s.lba*int64(c.sectorSize)
	n := copy(s.data[start:start+int64(len(p))], p)
	s.dirty = true

	if len(c.slots) > c.capacity {
		if err := c.flushDirty(); err != nil {
			return n, err
		}
		// A capacity flush zeroes the whole table (see fetch); re-seat the
		// slot we just wrote as the sole entry of the new epoch.
		c.slots[c.lba(off)] = s
	}
	return n, nil
}

func (c *Cache) fetch(lba int64) (*slot, error) {
	if s, ok := c.slots[lba]; ok {
		return s, nil
	}

	data := make([]byte, c.sectorSize)
	if _, err := c.container.ReadAt(data, lba*int64(c.sectorSize)); err != nil {
		return nil, checkpoint.From(err)
	}

	s := &slot{lba: lba, data: data}

	if len(c.slots) >= c.capacity {
		if err := c.flushDirty(); err != nil {
			return nil, err
		}
	}
	c.slots[lba] = s
	return s, nil
}

// flushDirty writes every dirty slot in ascending LBA order, then discards
// the whole table (capacity-triggered eviction: the cache never evicts one
// slot at a time, so it drops all of them at once rather than picking a
// victim).
func (c *Cache) flushDirty() error {
	if err := c.writeDirty(); err != nil {
		return err
	}
	c.slots = make(map[int64]*slot, c.capacity)
	return nil
}

func (c *Cache) writeDirty() error {
	dirty := make([]*slot, 0, len(c.slots))
	for _, s := range c.slots {
		if s.dirty {
			dirty = append(dirty, s)
		}
	}
	sort.Slice(dirty, func(i, j int) bool { return dirty[i].lba < dirty[j].lba })

	for _, s := range dirty {
		if _, err := c.container.WriteAt(s.data, s.lba*int64(c.sectorSize)); err != nil {
			return checkpoint.From(err)
		}
		s.dirty = false
	}
	return nil
}

// Flush writes every dirty slot to the container in ascending LBA order and
// clears the dirty bit on each. Unlike the capacity-triggered eviction, an
// explicit Flush keeps clean (and now-clean) entries resident.
func (c *Cache) Flush() error {
	return c.writeDirty()
}

// Size and SectorSize simply delegate, so a Cache can itself satisfy
// block.Container and be layered transparently under another consumer.
func (c *Cache) Size() int64     { return c.container.Size() }
func (c *Cache) SectorSize() int { return c.sectorSize }

func (c *Cache) Close() error {
	if err := c.Flush(); err != nil {
		return err
	}
	return c.container.Close()
}

var _ block.Container = (*Cache)(nil)
