package bufpool

import (
	"errors"
	"testing"

	"github.com/video-system/go-raw-capture/pkg/device"
)

type fakeAllocator struct {
	count   int // buffers actually returned; -1 means as requested
	size    int
	err     error
	freeErr error

	allocated int
	freed     int
}

func (f *fakeAllocator) AllocateBuffers(count int) ([]*device.Buffer, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.allocated++
	n := count
	if f.count >= 0 {
		n = f.count
	}
	bufs := make([]*device.Buffer, n)
	for i := range bufs {
		bufs[i] = &device.Buffer{Index: i, Data: make([]byte, f.size)}
	}
	return bufs, nil
}

func (f *fakeAllocator) FreeBuffers() error {
	f.freed++
	return f.freeErr
}

func TestAllocateRelease(t *testing.T) {
	alloc := &fakeAllocator{count: -1, size: 10}
	p, err := Allocate(alloc, 3, 10)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if p.Len() != 3 || p.Size() != 10 {
		t.Errorf("Len %d Size %d", p.Len(), p.Size())
	}
	for i := 0; i < p.Len(); i++ {
		if p.Buffer(i).Index != i {
			t.Errorf("buffer %d has index %d", i, p.Buffer(i).Index)
		}
	}

	if err := p.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := p.Release(); !errors.Is(err, ErrReleased) {
		t.Errorf("second Release err = %v, want ErrReleased", err)
	}
	if alloc.freed != 1 {
		t.Errorf("FreeBuffers called %d times, want 1", alloc.freed)
	}
}

func TestAllocateErrors(t *testing.T) {
	tests := []struct {
		name      string
		alloc     *fakeAllocator
		count     int
		size      int
		wantFreed int
	}{
		{"device error", &fakeAllocator{err: errors.New("ENOMEM")}, 4, 10, 0},
		{"short count", &fakeAllocator{count: 2, size: 10}, 4, 10, 1},
		{"small buffers", &fakeAllocator{count: -1, size: 5}, 2, 10, 1},
		{"zero count", &fakeAllocator{count: -1, size: 10}, 0, 10, 0},
		{"zero size", &fakeAllocator{count: -1, size: 10}, 2, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Allocate(tt.alloc, tt.count, tt.size)
			if !errors.Is(err, ErrAllocation) {
				t.Fatalf("err = %v, want ErrAllocation", err)
			}
			if tt.alloc.freed != tt.wantFreed {
				t.Errorf("freed %d times, want %d", tt.alloc.freed, tt.wantFreed)
			}
		})
	}
}

func TestReleaseError(t *testing.T) {
	alloc := &fakeAllocator{count: -1, size: 4, freeErr: errors.New("busy")}
	p, err := Allocate(alloc, 1, 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Release(); err == nil {
		t.Error("expected free error")
	}
	if err := p.Release(); !errors.Is(err, ErrReleased) {
		t.Errorf("err = %v, want ErrReleased", err)
	}
}
