// Package device defines the boundary to the camera hardware layer: camera
// discovery, stream configuration, sensor controls, buffer allocation and
// asynchronous request completion.
//
// Backends register a factory under a name (see Register) and are selected
// at runtime with Open.
package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotStarted is returned when requests are queued on a stopped camera.
	ErrNotStarted = errors.New("device: camera not started")
	// ErrUnknownBackend is returned by Open for unregistered backend names.
	ErrUnknownBackend = errors.New("device: unknown backend")
	// ErrUnsupportedFormat is returned by Configure for pixel formats the
	// backend cannot deliver.
	ErrUnsupportedFormat = errors.New("device: unsupported pixel format")
)

// Manager owns process-wide camera state. Start must be paired with Stop.
type Manager interface {
	Start(ctx context.Context) error
	Cameras() []Camera
	Stop() error
}

// Camera is a single sensor. The call order is Acquire, Configure,
// SetControls, AllocateBuffers, OnRequestCompleted, Start, QueueRequest...,
// Stop, FreeBuffers, Release.
type Camera interface {
	ID() string
	Acquire() error
	Release() error

	// Configure validates cfg and returns the configuration the camera will
	// actually deliver (stride, frame size and buffer count filled in).
	Configure(cfg StreamConfig) (StreamConfig, error)
	SetControls(ctrl Controls) error

	AllocateBuffers(count int) ([]*Buffer, error)
	FreeBuffers() error

	// OnRequestCompleted installs the completion handler. It is invoked from
	// a goroutine owned by the backend and must not block.
	OnRequestCompleted(fn func(*Request))

	Start() error
	// QueueRequest hands a request to the camera. It never blocks on frame
	// delivery; completion is reported through the handler.
	QueueRequest(req *Request) error
	// Stop halts streaming. Requests still pending are completed with
	// StatusCancelled before Stop returns.
	Stop() error
}

// SensorInfo describes a camera for listings.
type SensorInfo struct {
	Model  string
	Width  int // full sensor size
	Height int
	Modes  []string
}

// Describer is implemented by cameras that can report what sensor they are.
type Describer interface {
	Describe() SensorInfo
}

// StreamConfig describes the single raw stream.
type StreamConfig struct {
	PixelFormat string
	Width       int
	Height      int
	Stride      int // bytes per row; 0 lets the backend choose
	FrameSize   int // bytes per frame, filled by Configure
	BufferCount int // buffers the backend wants allocated, filled by Configure
}

func (c StreamConfig) String() string {
	return fmt.Sprintf("%dx%d-%s stride=%d", c.Width, c.Height, c.PixelFormat, c.Stride)
}

// Controls are the sensor controls applied before streaming.
type Controls struct {
	ExposureTime     time.Duration
	AnalogueGain     float64
	FrameDurationMin time.Duration
	FrameDurationMax time.Duration
}

// Buffer is one hardware-addressable frame region. The backend writes the
// frame fields before completing the request that carries the buffer.
type Buffer struct {
	Index int
	Data  []byte

	BytesUsed int
	Sequence  uint64
	Timestamp time.Time
}

// RequestStatus reports how a request finished.
type RequestStatus int

const (
	StatusPending RequestStatus = iota
	StatusComplete
	StatusCancelled
)

func (s RequestStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusComplete:
		return "complete"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Request binds a buffer to one capture. Requests are created once per
// buffer and reused.
type Request struct {
	Cookie uint64
	Buffer *Buffer
	Status RequestStatus
}

// NewRequest returns a pending request for buf. The cookie is opaque to the
// backend and comes back untouched on completion.
func NewRequest(cookie uint64, buf *Buffer) *Request {
	return &Request{Cookie: cookie, Buffer: buf}
}

// Reuse resets the request for another submission.
func (r *Request) Reuse() {
	r.Status = StatusPending
}

// Options configure a backend.
type Options struct {
	Device string // backend specific camera selector
	Binary string // external helper binary, if the backend uses one
	Logger *zap.Logger
}

// Factory builds a backend manager.
type Factory func(opts Options) (Manager, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a backend available under name.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Open builds the manager for the named backend.
func Open(name string, opts Options) (Manager, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (have %v)", ErrUnknownBackend, name, Backends())
	}
	return factory(opts)
}

// Backends lists registered backend names.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
