// File model contains the structs bridging the on-disk FAT and exFAT
// directory encodings (internal/dirent, internal/dirent/exfat) into one
// representation the rest of the package works with.

package gofat

import (
	"time"

	"github.com/gofatfs/gofat/internal/dirent"
	"github.com/gofatfs/gofat/internal/dirent/exfat"
)

const (
	attrReadOnly  = 0x01
	attrHidden    = 0x02
	attrSystem    = 0x04
	attrDirectory = 0x10
	attrArchive   = 0x20
)

// node is one directory entry, decoded from either a FAT short+LFN pair or
// an exFAT File Entry slot group.
type node struct {
	name         string
	attr         uint16
	firstCluster uint32
	size         uint64
	noFatChain   bool // exFAT only; always false for FAT12/16/32
	createTime   time.Time
	modTime      time.Time
	accessTime   time.Time
}

func (n *node) isDir() bool { return n.attr&attrDirectory != 0 }

func nodeFromFATEntry(e dirent.Entry) node {
	return node{
		name:         e.DisplayName(),
		attr:         uint16(e.Short.Attr),
		firstCluster: e.Short.FirstCluster,
		size:         uint64(e.Short.FileSize),
		createTime:   e.Short.CreateTime,
		modTime:      e.Short.WriteTime,
		accessTime:   e.Short.AccessDate,
	}
}

func nodeFromExFATSet(fs exfat.FileSet) node {
	return node{
		name:         fs.Name,
		attr:         fs.Attributes,
		firstCluster: fs.FirstCluster,
		size:         fs.DataLength,
		noFatChain:   fs.NoFatChain,
		createTime:   fs.CreateTime,
		modTime:      fs.ModifyTime,
		accessTime:   fs.AccessTime,
	}
}
