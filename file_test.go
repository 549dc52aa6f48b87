package gofat

import (
	"io"
	"testing"
	"time"
)

func TestFile_ReadWriteRoundTrip(t *testing.T) {
	v := mountBlankFAT12(t)
	if err := v.WriteFile("/hello.txt", []byte("Hello, World!"), time.Now()); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	n, err := v.Stat("/hello.txt")
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	f, err := openFile(v, "/hello.txt", *n)
	if err != nil {
		t.Fatalf("openFile() error = %v", err)
	}

	buf := make([]byte, 5)
	nRead, err := f.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if nRead != 5 || string(buf) != "Hello" {
		t.Errorf("Read() = %q, want %q", buf[:nRead], "Hello")
	}

	rest, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(rest) != ", World!" {
		t.Errorf("remaining read = %q, want %q", rest, ", World!")
	}
}

func TestFile_Seek(t *testing.T) {
	v := mountBlankFAT12(t)
	if err := v.WriteFile("/hello.txt", []byte("0123456789"), time.Now()); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	n, err := v.Stat("/hello.txt")
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	f, err := openFile(v, "/hello.txt", *n)
	if err != nil {
		t.Fatalf("openFile() error = %v", err)
	}

	tests := []struct {
		name    string
		offset  int64
		whence  int
		want    int64
		wantErr bool
	}{
		{name: "from start", offset: 5, whence: io.SeekStart, want: 5},
		{name: "from current", offset: 2, whence: io.SeekCurrent, want: 7},
		{name: "from end", offset: -3, whence: io.SeekEnd, want: 7},
		{name: "past end is an error", offset: 1000, whence: io.SeekStart, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.Seek(tt.offset, tt.whence)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Seek() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got != tt.want {
				t.Errorf("Seek() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFile_WriteAt_Truncate(t *testing.T) {
	v := mountBlankFAT12(t)
	if err := v.WriteFile("/hello.txt", []byte("0123456789"), time.Now()); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	n, err := v.Stat("/hello.txt")
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	f, err := openFile(v, "/hello.txt", *n)
	if err != nil {
		t.Fatalf("openFile() error = %v", err)
	}

	if _, err := f.WriteAt([]byte("XY"), 2); err != nil {
		t.Fatalf("WriteAt() error = %v", err)
	}
	if err := f.Truncate(5); err != nil {
		t.Fatalf("Truncate() error = %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := v.ReadFile("/hello.txt")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "01XY4" {
		t.Errorf("ReadFile() = %q, want %q", data, "01XY4")
	}
}

func TestFile_Readdir(t *testing.T) {
	v := mountBlankFAT12(t)
	for _, name := range []string{"/a.txt", "/b.txt", "/c.txt"} {
		if err := v.WriteFile(name, []byte("x"), time.Now()); err != nil {
			t.Fatalf("WriteFile(%s) error = %v", name, err)
		}
	}
	root, err := v.Stat("/")
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	f, err := openFile(v, "/", *root)
	if err != nil {
		t.Fatalf("openFile() error = %v", err)
	}

	entries, err := f.Readdir(-1)
	if err != nil {
		t.Fatalf("Readdir() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Readdir() returned %d entries, want 3", len(entries))
	}
}

func TestFile_ReadOnDirectory(t *testing.T) {
	v := mountBlankFAT12(t)
	if err := v.Mkdir("/dir", time.Now()); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}
	n, err := v.Stat("/dir")
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	f, err := openFile(v, "/dir", *n)
	if err != nil {
		t.Fatalf("openFile() error = %v", err)
	}
	if _, err := f.Read(make([]byte, 1)); err == nil {
		t.Error("Read() on a directory: want error, got nil")
	}
}
