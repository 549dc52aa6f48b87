package gofat

import (
	"os"
	"time"
)

// nodeFileInfo adapts a node to os.FileInfo, the type every afero.File.Stat
// and afero.Fs.Stat caller expects back.
type nodeFileInfo struct {
	n node
}

func (f nodeFileInfo) Name() string { return f.n.name }
func (f nodeFileInfo) Size() int64  { return int64(f.n.size) }

func (f nodeFileInfo) Mode() os.FileMode {
	if f.IsDir() {
		return os.ModeDir | 0o755
	}
	mode := os.FileMode(0o644)
	if f.n.attr&attrReadOnly != 0 {
		mode = 0o444
	}
	return mode
}

func (f nodeFileInfo) ModTime() time.Time { return f.n.modTime }
func (f nodeFileInfo) IsDir() bool        { return f.n.isDir() }
func (f nodeFileInfo) Sys() interface{}   { return f.n }
