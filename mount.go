package gofat

import (
	"encoding/binary"
	"errors"

	"github.com/gofatfs/gofat/checkpoint"
	"github.com/gofatfs/gofat/internal/bpb"
	"github.com/gofatfs/gofat/internal/cache"
	"github.com/gofatfs/gofat/internal/dirent"
	"github.com/gofatfs/gofat/internal/dirent/exfat"
	"github.com/gofatfs/gofat/internal/fat"
	"github.com/gofatfs/gofat/internal/block"
	"github.com/gofatfs/gofat/internal/partition/gpt"
	"github.com/gofatfs/gofat/internal/partition/mbr"
	"github.com/gofatfs/gofat/internal/vdisk/vdi"
	"github.com/gofatfs/gofat/internal/vdisk/vhd"
	"github.com/gofatfs/gofat/internal/vdisk/vhdx"
	"github.com/gofatfs/gofat/internal/vdisk/vmdk"
)

// unwrapVirtualDisk tries each supported virtual-disk engine against back in
// turn and returns the innermost block.Container exposing the guest's raw
// sectors, or back itself unchanged if none of their signatures match.
func unwrapVirtualDisk(back block.Container, openParent func(path string) (block.Container, error)) (block.Container, error) {
	if img, err := vhdx.Open(back); err == nil {
		return img, nil
	}
	if img, err := vdi.Open(back); err == nil {
		return img, nil
	}
	if img, err := vmdk.Open(back); err == nil {
		return img, nil
	}
	if img, err := vhd.Open(back, openParent); err == nil {
		return img, nil
	}
	return back, nil
}

// selectPartition picks which region of back holds the filesystem: the
// first usable GPT entry, else the first usable MBR entry, else the whole
// container (an unpartitioned floppy or superfloppy image).
func selectPartition(back block.Container) (block.Container, error) {
	if gt, err := gpt.ReadTable(back); err == nil {
		for _, e := range gt.Entries {
			if e.FirstLBA != 0 || e.LastLBA != 0 {
				return gpt.NewView(back, e), nil
			}
		}
	}
	if mt, err := mbr.ReadTable(back); err == nil {
		for _, e := range mt.Entries {
			switch e.Type {
			case mbr.Empty, mbr.Extended, mbr.ExtendedLBA:
				continue
			}
			return mbr.NewView(back, e), nil
		}
	}
	return back, nil
}

// Mount opens a FAT12/16/32 or exFAT volume from back, which may be a raw
// disk image, a physical block device, or any block.Container wrapping a
// virtual-disk format (VHD, VHDX, VDI, VMDK) or a partitioned disk (MBR or
// GPT). Mount transparently unwraps virtual-disk containers, selects the
// first usable partition (falling back to treating the whole container as
// unpartitioned), wraps the result in a sector cache, and recognizes the
// filesystem geometry before constructing the returned Volume.
func Mount(back block.Container, opts ...OpenOption) (*Volume, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	unwrapped, err := unwrapVirtualDisk(back, cfg.openParent)
	if err != nil {
		return nil, err
	}
	partition, err := selectPartition(unwrapped)
	if err != nil {
		return nil, err
	}

	cached := cache.New(partition, cfg.capacity)

	geo, err := bpb.Identify(cached)
	if err != nil {
		return nil, err
	}

	if geo.Kind == bpb.ExFAT && geo.VolumeFlags&0x0002 != 0 {
		if cfg.strict {
			return nil, checkpoint.Wrap(ErrInconsistent, errors.New("exFAT VolumeDirty flag is set"))
		}
		logger.Printf("exFAT VolumeDirty flag is set; falling back to read-only mount")
		cfg.readOnly = true
	}

	v := &Volume{
		back:        cached,
		geo:         geo,
		clusterSize: geo.ClusterSize(),
		dataOffset:  geo.DataOffset(),
		cfg:         cfg,
		closer:      cached.Close,
	}

	fatOffset := int64(geo.ReservedSectorCount) * int64(geo.BytesPerSector)
	var fatOffset2 int64
	if geo.NumFATs > 1 {
		fatOffset2 = fatOffset + int64(geo.FATSizeSectors)*int64(geo.BytesPerSector)
	}

	bits := 32
	switch geo.Kind {
	case bpb.FAT12:
		bits = 12
	case bpb.FAT16:
		bits = 16
	}

	v.table, err = fat.Open(cached, fat.Params{
		Bits:         bits,
		ExFAT:        geo.Kind == bpb.ExFAT,
		Offset:       fatOffset,
		Offset2:      fatOffset2,
		DataClusters: geo.DataClusters(),
	})
	if err != nil {
		return nil, err
	}

	if geo.Kind != bpb.ExFAT && fatOffset2 != 0 {
		fatSizeBytes := int64(geo.FATSizeSectors) * int64(geo.BytesPerSector)
		consistent, err := v.table.MirrorsConsistent(fatSizeBytes)
		if err != nil {
			return nil, err
		}
		if !consistent {
			if cfg.strict {
				return nil, checkpoint.Wrap(ErrInconsistent, errors.New("FAT mirrors disagree"))
			}
			logger.Printf("FAT mirrors disagree; falling back to read-only mount")
			cfg.readOnly = true
			v.cfg = cfg
		}
	}

	if geo.Kind == bpb.ExFAT {
		if err := mountExFAT(v); err != nil {
			return nil, err
		}
		return v, nil
	}

	if geo.Kind == bpb.FAT32 {
		root, err := dirent.NewChainRegion(cached, v.table, v.clusterSize, v.dataOffset, geo.RootCluster)
		if err != nil {
			return nil, err
		}
		v.root, err = openFATDir(root)
		if err != nil {
			return nil, err
		}
		if raw, err := root.ReadAll(); err == nil {
			v.label = dirent.FindLabel(raw)
		}
		v.fsInfoHint = readFSInfoHint(cached, geo)
		return v, nil
	}

	rootOffset := (int64(geo.ReservedSectorCount) + int64(geo.NumFATs)*int64(geo.FATSizeSectors)) * int64(geo.BytesPerSector)
	rootSize := int64(geo.RootEntryCount) * 32
	root := dirent.NewFixedRoot(cached, rootOffset, rootSize)
	v.root, err = openFATDir(root)
	if err != nil {
		return nil, err
	}
	if raw, err := root.ReadAll(); err == nil {
		v.label = dirent.FindLabel(raw)
	}
	return v, nil
}

// mountExFAT walks the root directory's raw slots to find the Allocation
// Bitmap and Upcase Table special entries (spec §4.G exFAT), which are
// required to interpret every other directory in the volume, then replaces
// v.root with the decoded root directory.
func mountExFAT(v *Volume) error {
	rootChain, err := v.table.Chain(v.geo.FirstClusterOfRootDir)
	if err != nil {
		return err
	}
	raw := make([]byte, int64(len(rootChain))*v.clusterSize)
	for i, c := range rootChain {
		off := v.dataOffset + int64(c-2)*v.clusterSize
		if _, err := v.back.ReadAt(raw[int64(i)*v.clusterSize:int64(i+1)*v.clusterSize], off); err != nil {
			return checkpoint.From(err)
		}
	}

	var bitmapCluster, upcaseCluster uint32
	var bitmapLength, upcaseLength uint64

	for off := 0; off+exfat.EntrySize <= len(raw); off += exfat.EntrySize {
		marker := raw[off]
		if !exfat.InUse(marker) {
			continue
		}
		switch marker {
		case exfat.TypeAllocationBitmap:
			bitmapCluster = binary.LittleEndian.Uint32(raw[off+20 : off+24])
			bitmapLength = binary.LittleEndian.Uint64(raw[off+24 : off+32])
		case exfat.TypeUpcaseTable:
			upcaseCluster = binary.LittleEndian.Uint32(raw[off+20 : off+24])
			upcaseLength = binary.LittleEndian.Uint64(raw[off+24 : off+32])
		case exfat.TypeVolumeLabel:
			v.label = exfat.DecodeVolumeLabel(raw[off : off+exfat.EntrySize])
		}
	}

	if bitmapCluster == 0 {
		return checkpoint.Wrap(ErrInconsistent, errors.New("exfat: root directory has no Allocation Bitmap entry"))
	}
	bitmapChain, err := v.table.Chain(bitmapCluster)
	if err != nil {
		return err
	}
	if len(bitmapChain) == 0 || bitmapChain[0] != bitmapCluster {
		return checkpoint.Wrap(ErrInconsistent, errors.New("exfat: allocation bitmap chain is empty"))
	}
	bitmapOffset := v.dataOffset + int64(bitmapCluster-2)*v.clusterSize
	if !fat.Contiguous(fat.CompactRuns(bitmapChain)) {
		// Fragmented bitmaps are legal per the format but never produced by
		// this package's own allocator; reading through the FAT chain
		// cluster by cluster would need a Region, which the bitmap doesn't
		// otherwise need. Uncommon enough in the wild to note rather than
		// implement.
		return checkpoint.Wrap(ErrInconsistent, errors.New("exfat: fragmented allocation bitmap is not supported"))
	}

	v.bitmap, err = fat.OpenBitmap(v.back, bitmapOffset, v.geo.ClusterCount)
	if err != nil {
		return err
	}
	_ = bitmapLength

	if upcaseCluster == 0 {
		v.upcase = exfat.DefaultUpcaseTable()
	} else {
		upcaseChain, err := v.table.Chain(upcaseCluster)
		if err != nil {
			return err
		}
		upcaseRaw := make([]byte, int64(len(upcaseChain))*v.clusterSize)
		for i, c := range upcaseChain {
			off := v.dataOffset + int64(c-2)*v.clusterSize
			if _, err := v.back.ReadAt(upcaseRaw[int64(i)*v.clusterSize:int64(i+1)*v.clusterSize], off); err != nil {
				return checkpoint.From(err)
			}
		}
		if uint64(len(upcaseRaw)) > upcaseLength {
			upcaseRaw = upcaseRaw[:upcaseLength]
		}
		v.upcase = exfat.LoadUpcaseTable(upcaseRaw)
	}

	root, err := newExfatChainRegion(v.back, v.table, v.bitmap, v.clusterSize, v.dataOffset, v.geo.FirstClusterOfRootDir, uint64(len(rootChain))*uint64(v.clusterSize), false)
	if err != nil {
		return err
	}
	v.root, err = openExFATDir(root, v.upcase)
	return err
}

// readFSInfoHint reads a FAT32 volume's FSInfo sector for diagnostic
// purposes. It returns nil if the sector's lead/struct/trail signatures
// don't validate, since a hint this driver cannot trust is worse than no
// hint at all.
func readFSInfoHint(back block.Container, geo *bpb.Geometry) *FSInfoHint {
	if geo.FSInfoSector == 0 {
		return nil
	}
	sec := make([]byte, geo.BytesPerSector)
	off := int64(geo.FSInfoSector) * int64(geo.BytesPerSector)
	if _, err := back.ReadAt(sec, off); err != nil {
		return nil
	}
	if binary.LittleEndian.Uint32(sec[0:4]) != 0x41615252 {
		return nil
	}
	if binary.LittleEndian.Uint32(sec[484:488]) != 0x61417272 {
		return nil
	}
	if binary.LittleEndian.Uint32(sec[508:512]) != 0xAA550000 {
		return nil
	}
	return &FSInfoHint{
		FreeClusterCount: binary.LittleEndian.Uint32(sec[488:492]),
		NextFreeCluster:  binary.LittleEndian.Uint32(sec[492:496]),
	}
}
