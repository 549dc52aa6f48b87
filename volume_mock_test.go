package gofat

import (
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
)

func TestVolume_Resolve_NotExist(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	root := NewMockdirBackend(ctrl)
	root.EXPECT().find("ghost.txt").Return(nil, false, nil)

	v := &Volume{root: root}
	if _, _, err := v.resolve("/ghost.txt"); !errors.Is(err, ErrNotExist) {
		t.Errorf("resolve() error = %v, want ErrNotExist", err)
	}
}

func TestVolume_Resolve_NotDir(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	root := NewMockdirBackend(ctrl)
	root.EXPECT().find("file.txt").Return(&node{name: "file.txt", attr: attrArchive}, true, nil)

	v := &Volume{root: root}
	if _, _, err := v.resolve("/file.txt/sub"); !errors.Is(err, ErrNotDir) {
		t.Errorf("resolve() error = %v, want ErrNotDir", err)
	}
}

func TestVolume_Stat_Root(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	// No calls are expected: resolving "/" itself never touches the backend.
	root := NewMockdirBackend(ctrl)

	v := &Volume{root: root}
	n, err := v.Stat("/")
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if !n.isDir() {
		t.Error("Stat(\"/\") did not report a directory")
	}
}

func TestVolume_Mkdir_AlreadyExists(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	root := NewMockdirBackend(ctrl)
	root.EXPECT().find("existing").Return(&node{name: "existing"}, true, nil)

	v := &Volume{root: root}
	if err := v.Mkdir("/existing", time.Time{}); !errors.Is(err, ErrExist) {
		t.Errorf("Mkdir() error = %v, want ErrExist", err)
	}
}

func TestVolume_Remove_NotExist(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	root := NewMockdirBackend(ctrl)
	root.EXPECT().find("ghost.txt").Return(nil, false, nil)

	v := &Volume{root: root}
	if err := v.Remove("/ghost.txt"); !errors.Is(err, ErrNotExist) {
		t.Errorf("Remove() error = %v, want ErrNotExist", err)
	}
}

func TestVolume_DirOf_InvalidPath(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	// No calls expected: dirOf rejects the path before touching the backend.
	root := NewMockdirBackend(ctrl)

	v := &Volume{root: root}
	if _, _, err := v.dirOf("/"); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("dirOf() error = %v, want ErrInvalidPath", err)
	}
}
