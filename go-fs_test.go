package gofat

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"
)

func TestNewGoFS(t *testing.T) {
	img := blankFAT12Image(t)

	tests := []struct {
		name       string
		reader     io.ReadSeeker
		wantNotNil bool
		wantErr    bool
	}{
		{
			name:       "blank FAT12 image",
			reader:     bytes.NewReader(img.Bytes()),
			wantNotNil: true,
		},
		{
			name:    "no FAT signature",
			reader:  strings.NewReader("This is no FAT file"),
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewGoFS(tt.reader)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewGoFS() error = %v, wantErr %v", err, tt.wantErr)
			}
			if (got != nil) != tt.wantNotNil {
				t.Errorf("NewGoFS() = %v, wantNotNil %v", got, tt.wantNotNil)
			}
		})
	}
}

func TestNewGoFSSkipChecks(t *testing.T) {
	img := blankFAT12Image(t)

	got, err := NewGoFSSkipChecks(bytes.NewReader(img.Bytes()))
	if err != nil {
		t.Fatalf("NewGoFSSkipChecks() error = %v", err)
	}
	if got == nil {
		t.Fatal("NewGoFSSkipChecks() = nil")
	}
}

func TestGoFs_Open(t *testing.T) {
	img := blankFAT12Image(t)
	v, err := Mount(img)
	if err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	if err := v.WriteFile("/hello.txt", []byte("hi"), time.Now()); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	gofs := GoFs{Fs{vol: v}}
	f, err := gofs.Open("hello.txt")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(data) != "hi" {
		t.Errorf("read %q, want %q", data, "hi")
	}
}
