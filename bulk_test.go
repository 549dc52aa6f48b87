package gofat

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestVolume_List(t *testing.T) {
	v := mountBlankFAT12(t)
	for _, name := range []string{"/banana.txt", "/apple.txt", "/cherry.txt"} {
		if err := v.WriteFile(name, []byte("x"), time.Now()); err != nil {
			t.Fatalf("WriteFile(%s) error = %v", name, err)
		}
	}

	entries, err := v.List("/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("List() returned %d entries, want 3", len(entries))
	}
	want := []string{"apple.txt", "banana.txt", "cherry.txt"}
	for i, w := range want {
		if entries[i].name != w {
			t.Errorf("entries[%d].name = %q, want %q", i, entries[i].name, w)
		}
	}
}

func TestVolume_Cat(t *testing.T) {
	v := mountBlankFAT12(t)
	if err := v.WriteFile("/hello.txt", []byte("hi there"), time.Now()); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	data, err := v.Cat("/hello.txt")
	if err != nil {
		t.Fatalf("Cat() error = %v", err)
	}
	if string(data) != "hi there" {
		t.Errorf("Cat() = %q, want %q", data, "hi there")
	}
}

func TestVolume_CopyHostRoundTrip(t *testing.T) {
	v := mountBlankFAT12(t)
	src := filepath.Join(t.TempDir(), "in.txt")
	if err := os.WriteFile(src, []byte("host payload"), 0o644); err != nil {
		t.Fatalf("os.WriteFile() error = %v", err)
	}

	if err := v.CopyFromHost(src, "/in.txt"); err != nil {
		t.Fatalf("CopyFromHost() error = %v", err)
	}

	dst := filepath.Join(t.TempDir(), "out.txt")
	if err := v.CopyToHost("/in.txt", dst); err != nil {
		t.Fatalf("CopyToHost() error = %v", err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("os.ReadFile() error = %v", err)
	}
	if string(got) != "host payload" {
		t.Errorf("round trip = %q, want %q", got, "host payload")
	}
}

func TestVolume_Sort(t *testing.T) {
	v := mountBlankFAT12(t)
	for _, name := range []string{"/z.txt", "/a.txt", "/m.txt"} {
		if err := v.WriteFile(name, []byte("x"), time.Now()); err != nil {
			t.Fatalf("WriteFile(%s) error = %v", name, err)
		}
	}
	if err := v.Sort("/"); err != nil {
		t.Fatalf("Sort() error = %v", err)
	}

	entries, err := v.ReadDir("/")
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("ReadDir() returned %d entries, want 3", len(entries))
	}
	want := []string{"a.txt", "m.txt", "z.txt"}
	for i, w := range want {
		if entries[i].name != w {
			t.Errorf("entries[%d].name = %q, want %q", i, entries[i].name, w)
		}
	}
}

func TestVolume_Wipe(t *testing.T) {
	v := mountBlankFAT12(t)
	if err := v.WriteFile("/keep.txt", []byte("do not touch"), time.Now()); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	completed, err := v.Wipe(nil)
	if err != nil {
		t.Fatalf("Wipe() error = %v", err)
	}
	if !completed {
		t.Error("Wipe() completed = false, want true")
	}

	data, err := v.ReadFile("/keep.txt")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "do not touch" {
		t.Errorf("allocated file corrupted by Wipe(): got %q", data)
	}
}

func TestVolume_Wipe_Cancel(t *testing.T) {
	v := mountBlankFAT12(t)

	calls := 0
	completed, err := v.Wipe(func(done, total int) bool {
		calls++
		return true
	})
	if err != nil {
		t.Fatalf("Wipe() error = %v", err)
	}
	if completed {
		t.Error("Wipe() completed = true, want false after immediate cancel")
	}
	if calls != 1 {
		t.Errorf("progress called %d times, want 1", calls)
	}
}

func TestVolume_FragmentationReport(t *testing.T) {
	v := mountBlankFAT12(t)
	if err := v.WriteFile("/a.txt", []byte("small"), time.Now()); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := v.Mkdir("/dir", time.Now()); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}
	if err := v.WriteFile("/dir/b.txt", []byte("also small"), time.Now()); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	report, err := v.FragmentationReport()
	if err != nil {
		t.Fatalf("FragmentationReport() error = %v", err)
	}
	if report.TotalFiles != 2 {
		t.Errorf("TotalFiles = %d, want 2", report.TotalFiles)
	}
	if report.FragmentedFiles != 0 {
		t.Errorf("FragmentedFiles = %d, want 0", report.FragmentedFiles)
	}
	if report.Ratio != 0 {
		t.Errorf("Ratio = %v, want 0", report.Ratio)
	}
}
