package gofat

import "github.com/gofatfs/gofat/internal/block"

// config accumulates the effect of every OpenOption passed to Mount/New.
type config struct {
	strict     bool
	readOnly   bool
	openParent func(path string) (block.Container, error)
	capacity   int
}

const defaultCacheCapacity = 128

func defaultConfig() config {
	return config{capacity: defaultCacheCapacity}
}

// OpenOption configures how Mount/New interprets and reacts to a volume.
type OpenOption func(*config)

// WithStrict refuses to mount a volume that reports INCONSISTENT_FS (the
// exFAT VolumeDirty flag, or FAT copies that disagree with each other),
// instead of the default behavior of logging the problem and falling back
// to read-only.
func WithStrict() OpenOption {
	return func(c *config) { c.strict = true }
}

// ReadOnly mounts the volume without permitting any mutation, regardless of
// its on-disk consistency state.
func ReadOnly() OpenOption {
	return func(c *config) { c.readOnly = true }
}

// WithCacheCapacity overrides the sector cache's default capacity (in
// sectors) used for the volume's block I/O.
func WithCacheCapacity(n int) OpenOption {
	return func(c *config) { c.capacity = n }
}

// WithParentOpener supplies the callback used to resolve a VHD
// differencing disk's parent locator into an open block.Container. Without
// it, mounting a differencing VHD fails as soon as a parent is referenced.
func WithParentOpener(open func(path string) (block.Container, error)) OpenOption {
	return func(c *config) { c.openParent = open }
}
