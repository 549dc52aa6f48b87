package gofat

import (
	"os"
	"testing"
	"time"
)

func TestNodeFileInfo(t *testing.T) {
	mtime := time.Date(2020, 12, 26, 20, 30, 32, 0, time.UTC)

	tests := []struct {
		name     string
		n        node
		wantName string
		wantSize int64
		wantDir  bool
		wantMode os.FileMode
	}{
		{
			name:     "regular file",
			n:        node{name: "HELLO.TXT", size: 9, attr: attrArchive, modTime: mtime},
			wantName: "HELLO.TXT",
			wantSize: 9,
			wantDir:  false,
			wantMode: 0o644,
		},
		{
			name:     "read-only file",
			n:        node{name: "RO.TXT", size: 3, attr: attrArchive | attrReadOnly, modTime: mtime},
			wantName: "RO.TXT",
			wantSize: 3,
			wantDir:  false,
			wantMode: 0o444,
		},
		{
			name:     "directory",
			n:        node{name: "SUBDIR", attr: attrDirectory, modTime: mtime},
			wantName: "SUBDIR",
			wantSize: 0,
			wantDir:  true,
			wantMode: os.ModeDir | 0o755,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fi := nodeFileInfo{tt.n}
			if got := fi.Name(); got != tt.wantName {
				t.Errorf("Name() = %v, want %v", got, tt.wantName)
			}
			if got := fi.Size(); got != tt.wantSize {
				t.Errorf("Size() = %v, want %v", got, tt.wantSize)
			}
			if got := fi.IsDir(); got != tt.wantDir {
				t.Errorf("IsDir() = %v, want %v", got, tt.wantDir)
			}
			if got := fi.Mode(); got != tt.wantMode {
				t.Errorf("Mode() = %v, want %v", got, tt.wantMode)
			}
			if got := fi.ModTime(); !got.Equal(mtime) {
				t.Errorf("ModTime() = %v, want %v", got, mtime)
			}
			if got := fi.Sys().(node); got.name != tt.n.name {
				t.Errorf("Sys() = %v, want %v", got, tt.n)
			}
		})
	}
}
