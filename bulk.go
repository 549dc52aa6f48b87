package gofat

import (
	"errors"
	"os"
	"path"
	"sort"
	"time"

	"github.com/gofatfs/gofat/checkpoint"
	"github.com/gofatfs/gofat/internal/bpb"
	"github.com/gofatfs/gofat/internal/fat"
)

// List returns the entries of the directory at name, sorted by name. It is
// ReadDir with a stable, human-friendly order applied on top, matching what
// a directory-listing tool expects rather than whatever order the on-disk
// slots happen to be in.
func (v *Volume) List(name string) ([]node, error) {
	entries, err := v.ReadDir(name)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	return entries, nil
}

// Cat reads the entire contents of the file at name. It is ReadFile under a
// name that matches the rest of the bulk-operation vocabulary.
func (v *Volume) Cat(name string) ([]byte, error) { return v.ReadFile(name) }

// CopyFromHost reads hostPath off the local filesystem and writes it into
// the volume at volPath, creating or truncating as WriteFile does.
func (v *Volume) CopyFromHost(hostPath, volPath string) error {
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return checkpoint.From(err)
	}
	return v.WriteFile(volPath, data, time.Now())
}

// CopyToHost reads volPath out of the volume and writes it to hostPath on
// the local filesystem, creating or truncating the destination.
func (v *Volume) CopyToHost(volPath, hostPath string) error {
	data, err := v.ReadFile(volPath)
	if err != nil {
		return err
	}
	if err := os.WriteFile(hostPath, data, 0o644); err != nil {
		return checkpoint.From(err)
	}
	return nil
}

// Sort rewrites the directory at name in ascending name order. Erased slots
// are dropped by the underlying table/region encoder as a side effect of the
// rewrite; the operation buffers the whole directory in memory before
// writing it back, so it is atomic per directory.
func (v *Volume) Sort(name string) error {
	_, n, err := v.resolve(name)
	if err != nil {
		return err
	}
	dir := v.root
	if n != nil {
		if !n.isDir() {
			return checkpoint.Wrap(ErrNotDir, errors.New(name))
		}
		dir, err = v.openDir(n.firstCluster, n.size, n.noFatChain)
		if err != nil {
			return err
		}
	}
	return dir.sort()
}

// ProgressFunc reports done/total progress for a long-running bulk
// operation. Returning true requests cancellation: the operation finishes
// the cluster or sector already in flight, flushes, and returns without
// completing the remainder.
type ProgressFunc func(done, total int) (cancel bool)

// freeRuns returns the volume's current free-cluster runs regardless of
// whether it is backed by a FAT table or an exFAT bitmap.
func (v *Volume) freeRuns() []fat.Run {
	if v.geo.Kind == bpb.ExFAT {
		return v.bitmap.FreeRuns()
	}
	return v.table.FreeRuns()
}

// Wipe overwrites every free cluster's data region with zeros, skipping
// allocated regions by walking the free-run map rather than scanning the
// whole data area. It returns true if the wipe ran to completion, or false
// if progress requested cancellation partway through; either way the
// clusters already zeroed stay zeroed and the volume remains consistent,
// since Wipe never touches FAT entries or directory structures.
func (v *Volume) Wipe(progress ProgressFunc) (bool, error) {
	if v.cfg.readOnly {
		return false, checkpoint.Wrap(ErrReadOnlyFs, errors.New("wipe"))
	}
	runs := v.freeRuns()

	total := 0
	for _, r := range runs {
		total += int(r.Length)
	}

	zero := make([]byte, v.clusterSize)
	done := 0
	for _, r := range runs {
		for i := uint32(0); i < r.Length; i++ {
			cluster := r.Start + i
			if _, err := v.back.WriteAt(zero, v.dataOffset+int64(cluster-2)*v.clusterSize); err != nil {
				return false, checkpoint.From(err)
			}
			done++
			if progress != nil && progress(done, total) {
				if err := v.Flush(); err != nil {
					return false, err
				}
				return false, nil
			}
		}
	}
	if err := v.Flush(); err != nil {
		return false, err
	}
	return true, nil
}

// FileFragmentation reports how many contiguous extents a single file
// occupies on disk.
type FileFragmentation struct {
	Path    string
	Extents int
}

// FragmentationReport summarizes fragmentation across every file in the
// volume: the per-file extent count and the fraction of files that occupy
// more than one extent.
type FragmentationReport struct {
	Files           []FileFragmentation
	TotalFiles      int
	FragmentedFiles int
	Ratio           float64
}

// walk visits every entry under dirPath depth-first, calling fn with each
// entry's full path.
func (v *Volume) walk(dirPath string, fn func(p string, n node) error) error {
	entries, err := v.ReadDir(dirPath)
	if err != nil {
		return err
	}
	for _, e := range entries {
		full := path.Join(dirPath, e.name)
		if err := fn(full, e); err != nil {
			return err
		}
		if e.isDir() {
			if err := v.walk(full, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// extentCount returns the number of contiguous cluster runs backing n's
// data, 0 for an empty file.
func (v *Volume) extentCount(n node) int {
	if n.firstCluster == 0 {
		return 0
	}
	return len(v.chainRuns(&n))
}

// FragmentationReport walks the whole volume and reports, per file, how
// many extents it occupies, plus the overall fragmented-file ratio.
func (v *Volume) FragmentationReport() (*FragmentationReport, error) {
	report := &FragmentationReport{}
	err := v.walk("/", func(p string, n node) error {
		if n.isDir() {
			return nil
		}
		report.TotalFiles++
		extents := v.extentCount(n)
		report.Files = append(report.Files, FileFragmentation{Path: p, Extents: extents})
		if extents > 1 {
			report.FragmentedFiles++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if report.TotalFiles > 0 {
		report.Ratio = float64(report.FragmentedFiles) / float64(report.TotalFiles)
	}
	return report, nil
}
