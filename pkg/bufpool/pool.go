// Package bufpool holds the fixed set of frame buffers a capture session
// cycles through. Buffers are obtained from the device once, addressed by a
// small integer index for the whole session and returned to the device once.
package bufpool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/video-system/go-raw-capture/pkg/device"
)

var (
	// ErrAllocation is returned when the device cannot supply the buffers.
	ErrAllocation = errors.New("buffer allocation failed")
	// ErrReleased is returned when a pool is released a second time.
	ErrReleased = errors.New("buffer pool already released")
)

// Allocator is the part of a device.Camera that owns buffer memory.
type Allocator interface {
	AllocateBuffers(count int) ([]*device.Buffer, error)
	FreeBuffers() error
}

// Pool is an allocate-once, release-once set of buffers.
type Pool struct {
	alloc   Allocator
	size    int
	buffers []*device.Buffer

	mu       sync.Mutex
	released bool
}

// Allocate obtains count buffers of at least size bytes from alloc.
func Allocate(alloc Allocator, count, size int) (*Pool, error) {
	if count <= 0 || size <= 0 {
		return nil, fmt.Errorf("%w: invalid request for %d buffers of %d bytes", ErrAllocation, count, size)
	}
	bufs, err := alloc.AllocateBuffers(count)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocation, err)
	}

	fail := func(format string, args ...any) (*Pool, error) {
		if ferr := alloc.FreeBuffers(); ferr != nil {
			return nil, fmt.Errorf("%w: %s (free: %v)", ErrAllocation, fmt.Sprintf(format, args...), ferr)
		}
		return nil, fmt.Errorf("%w: %s", ErrAllocation, fmt.Sprintf(format, args...))
	}
	if len(bufs) != count {
		return fail("device returned %d buffers, want %d", len(bufs), count)
	}
	for i, b := range bufs {
		if b == nil || len(b.Data) < size {
			return fail("buffer %d smaller than %d bytes", i, size)
		}
	}

	return &Pool{alloc: alloc, size: size, buffers: bufs}, nil
}

// Len returns the number of buffers.
func (p *Pool) Len() int { return len(p.buffers) }

// Size returns the per-buffer frame size the pool was allocated for.
func (p *Pool) Size() int { return p.size }

// Buffer returns buffer i.
func (p *Pool) Buffer(i int) *device.Buffer { return p.buffers[i] }

// Release hands every buffer back to the device. Only the first call does
// anything; later calls return ErrReleased.
func (p *Pool) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return ErrReleased
	}
	p.released = true
	if err := p.alloc.FreeBuffers(); err != nil {
		return fmt.Errorf("free buffers: %w", err)
	}
	return nil
}
