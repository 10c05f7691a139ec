package sink

import (
	"context"
	"encoding/csv"
	"errors"
	"image"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/image/tiff"
)

func fixedNow() time.Time {
	return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
}

func decode(t *testing.T, path string) *image.Gray16 {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	img, err := tiff.Decode(f)
	if err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	gray, ok := img.(*image.Gray16)
	if !ok {
		t.Fatalf("decoded %T, want *image.Gray16", img)
	}
	return gray
}

func TestTIFFWrite(t *testing.T) {
	base := t.TempDir()
	s, err := NewTIFF(Config{Dir: base, Now: fixedNow})
	if err != nil {
		t.Fatalf("NewTIFF: %v", err)
	}
	defer s.Close()

	wantDir := filepath.Join(base, "2026-03-14")
	if s.Dir() != wantDir {
		t.Fatalf("Dir = %q, want %q", s.Dir(), wantDir)
	}

	frame := &Frame{
		Index: 1, Sequence: 7, Width: 3, Height: 2,
		Samples:   []uint16{0, 1, 1023, 40, 80, 120},
		Timestamp: fixedNow(),
	}
	path, err := s.Write(context.Background(), frame)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if want := filepath.Join(wantDir, "000007.tiff"); path != want {
		t.Errorf("path = %q, want %q", path, want)
	}

	img := decode(t, path)
	if img.Bounds() != image.Rect(0, 0, 3, 2) {
		t.Fatalf("bounds = %v", img.Bounds())
	}
	for i, want := range frame.Samples {
		if got := img.Gray16At(i%3, i/3).Y; got != want {
			t.Errorf("pixel %d = %d, want %d", i, got, want)
		}
	}

	entries, err := os.ReadDir(wantDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("leftover files in output dir: %v", entries)
	}
}

func TestTIFFKeepsEarlierSession(t *testing.T) {
	base := t.TempDir()
	first, err := NewTIFF(Config{Dir: base, Now: fixedNow})
	if err != nil {
		t.Fatal(err)
	}
	path, err := first.Write(context.Background(), &Frame{Sequence: 0, Width: 1, Height: 1, Samples: []uint16{100}})
	if err != nil {
		t.Fatal(err)
	}

	// Sequence numbers restart with every session.
	second, err := NewTIFF(Config{Dir: base, Now: fixedNow})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := second.Write(context.Background(), &Frame{Sequence: 0, Width: 1, Height: 1, Samples: []uint16{200}}); !errors.Is(err, fs.ErrExist) {
		t.Fatalf("err = %v, want fs.ErrExist", err)
	}
	if got := decode(t, path).Gray16At(0, 0).Y; got != 100 {
		t.Errorf("earlier frame replaced: pixel = %d, want 100", got)
	}

	entries, err := os.ReadDir(second.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("leftover files in output dir: %v", entries)
	}
}

func TestTIFFFailedWriteFreesName(t *testing.T) {
	s, err := NewTIFF(Config{Dir: t.TempDir(), Now: fixedNow})
	if err != nil {
		t.Fatal(err)
	}
	// A failed write leaves nothing under the frame's name.
	if _, err := s.Write(context.Background(), &Frame{Sequence: 3, Width: 2, Height: 2, Samples: []uint16{1}}); err == nil {
		t.Fatal("expected error for short sample slice")
	}
	if _, err := os.Stat(s.Path(3)); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("stat after failed write: %v", err)
	}
}

func TestTIFFLeftJustify(t *testing.T) {
	s, err := NewTIFF(Config{Dir: t.TempDir(), Now: fixedNow, LeftJustify: true})
	if err != nil {
		t.Fatal(err)
	}
	path, err := s.Write(context.Background(), &Frame{Sequence: 1, Width: 2, Height: 1, Samples: []uint16{1023, 1}})
	if err != nil {
		t.Fatal(err)
	}
	img := decode(t, path)
	if got := img.Gray16At(0, 0).Y; got != 0xFFC0 {
		t.Errorf("pixel 0 = %#x, want 0xffc0", got)
	}
	if got := img.Gray16At(1, 0).Y; got != 64 {
		t.Errorf("pixel 1 = %d, want 64", got)
	}
}

func TestTIFFWriteFailure(t *testing.T) {
	s, err := NewTIFF(Config{Dir: t.TempDir(), Now: fixedNow, Metadata: true})
	if err != nil {
		t.Fatal(err)
	}
	frame := &Frame{Index: 1, Sequence: 1, Width: 1, Height: 1, Samples: []uint16{5}, Timestamp: fixedNow()}
	if _, err := s.Write(context.Background(), frame); err != nil {
		t.Fatal(err)
	}

	// Replace the output directory with a plain file.
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(s.Dir()); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.Dir(), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write(context.Background(), frame); err == nil {
		t.Fatal("expected write into a file path to fail")
	}
}

func TestTIFFWriteCancelled(t *testing.T) {
	s, err := NewTIFF(Config{Dir: t.TempDir(), Now: fixedNow})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Write(ctx, &Frame{Width: 1, Height: 1, Samples: []uint16{1}}); err == nil {
		t.Error("expected error on cancelled context")
	}
}

func TestTIFFShortSamples(t *testing.T) {
	s, err := NewTIFF(Config{Dir: t.TempDir(), Now: fixedNow})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write(context.Background(), &Frame{Width: 4, Height: 4, Samples: []uint16{1}}); err == nil {
		t.Error("expected error for short sample slice")
	}
}

func TestMetadataLog(t *testing.T) {
	s, err := NewTIFF(Config{Dir: t.TempDir(), Now: fixedNow, Metadata: true})
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 2; i++ {
		f := &Frame{
			Index: i, Sequence: uint64(i - 1), Width: 2, Height: 2,
			Samples:   []uint16{1, 2, 3, uint16(10 * i)},
			Timestamp: fixedNow().Add(time.Duration(i) * 500 * time.Millisecond),
		}
		if _, err := s.Write(context.Background(), f); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(filepath.Join(s.Dir(), MetadataFile))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want header + 2", len(records))
	}
	if records[0][0] != "timestamp" || records[0][9] != "written" {
		t.Errorf("header = %v", records[0])
	}
	row := records[2]
	want := []string{"2", "1", "1.000000", "20", "1", "6.500", "2.5", "000001.tiff", "true"}
	for i, w := range want {
		if row[i+1] != w {
			t.Errorf("column %s = %q, want %q", records[0][i+1], row[i+1], w)
		}
	}
}

func TestComputeStats(t *testing.T) {
	tests := []struct {
		in   []uint16
		want Stats
	}{
		{nil, Stats{}},
		{[]uint16{7}, Stats{Min: 7, Max: 7, Mean: 7, Median: 7}},
		{[]uint16{4, 1, 3}, Stats{Min: 1, Max: 4, Mean: 8.0 / 3, Median: 3}},
		{[]uint16{1023, 0, 0, 1023}, Stats{Min: 0, Max: 1023, Mean: 511.5, Median: 511.5}},
	}
	for _, tt := range tests {
		if got := ComputeStats(tt.in); got != tt.want {
			t.Errorf("ComputeStats(%v) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}
