package gofat

import (
	"time"

	"github.com/gofatfs/gofat/internal/dirent"
)

// fatDirBackend adapts an internal/dirent.Table (FAT12/16/32 short+LFN
// entries) to the volume-level dirBackend interface.
type fatDirBackend struct {
	region dirent.Region
	table  *dirent.Table
}

func openFATDir(region dirent.Region) (*fatDirBackend, error) {
	t, err := dirent.Load(region)
	if err != nil {
		return nil, err
	}
	return &fatDirBackend{region: region, table: t}, nil
}

func (d *fatDirBackend) list() ([]node, error) {
	entries := d.table.Entries()
	out := make([]node, 0, len(entries))
	for _, e := range entries {
		out = append(out, nodeFromFATEntry(e))
	}
	return out, nil
}

func (d *fatDirBackend) find(name string) (*node, bool, error) {
	e, ok := d.table.Find(name)
	if !ok {
		return nil, false, nil
	}
	n := nodeFromFATEntry(*e)
	return &n, true, nil
}

func (d *fatDirBackend) add(name string, attr uint16, cluster uint32, size uint32, mtime time.Time) error {
	_, err := d.table.Add(name, byte(attr), cluster, size, mtime)
	return err
}

func (d *fatDirBackend) remove(name string) error {
	return d.table.Remove(name)
}

func (d *fatDirBackend) rename(oldName, newName string) error {
	return d.table.Rename(oldName, newName)
}

func (d *fatDirBackend) sort() error {
	return d.table.Sort()
}
