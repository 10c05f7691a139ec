// Package sim is a virtual camera backend. It accepts packed 10-bit Bayer
// formats, allocates mmap-backed buffers and fills every queued buffer with a
// deterministic RAW10 test pattern from its own goroutine, so completions
// arrive asynchronously exactly as they do from real hardware.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/video-system/go-raw-capture/internal/logging"
	"github.com/video-system/go-raw-capture/internal/mmap"
	"github.com/video-system/go-raw-capture/pkg/device"
	"github.com/video-system/go-raw-capture/pkg/raw10"
)

// BackendName is the registry name of this backend.
const BackendName = "sim"

func init() {
	device.Register(BackendName, func(opts device.Options) (device.Manager, error) {
		return NewManager(Config{Realtime: true, Logger: opts.Logger}), nil
	})
}

// Pattern returns the 10-bit value of pixel (x, y) in frame seq.
type Pattern func(seq uint64, x, y int) uint16

// Gradient is the default pattern: a diagonal ramp that shifts by one code
// per frame.
func Gradient(seq uint64, x, y int) uint16 {
	return uint16((uint64(x+y) + seq) & raw10.MaxValue)
}

// Config tunes the virtual sensor.
type Config struct {
	Cameras      int  // number of cameras reported, default 1
	BufferCount  int  // buffers Configure suggests when the caller asks for none, default 4
	MaxBuffers   int  // allocation limit, default 16
	SensorWidth  int  // largest frame accepted, default 1456
	SensorHeight int  // default 1088
	Realtime     bool // pace frames by the FrameDurationMax control
	Pattern      Pattern
	Logger       *zap.Logger
}

func (c *Config) setDefaults() {
	if c.Cameras <= 0 {
		c.Cameras = 1
	}
	if c.BufferCount <= 0 {
		c.BufferCount = 4
	}
	if c.MaxBuffers <= 0 {
		c.MaxBuffers = 16
	}
	if c.SensorWidth <= 0 || c.SensorHeight <= 0 {
		c.SensorWidth, c.SensorHeight = 1456, 1088
	}
	if c.Pattern == nil {
		c.Pattern = Gradient
	}
	c.Logger = logging.OrNop(c.Logger)
}

// Manager enumerates virtual cameras.
type Manager struct {
	cfg Config
	log *zap.Logger

	mu      sync.Mutex
	started bool
	cameras []*Camera
}

// NewManager creates a manager; cameras appear after Start.
func NewManager(cfg Config) *Manager {
	cfg.setDefaults()
	return &Manager{cfg: cfg, log: cfg.Logger.Named("sim")}
}

// Start brings up the virtual cameras.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("sim: manager already started")
	}
	m.cameras = make([]*Camera, m.cfg.Cameras)
	for i := range m.cameras {
		m.cameras[i] = newCamera(fmt.Sprintf("sim%d", i), m.cfg, m.log)
	}
	m.started = true
	m.log.Debug("manager started", zap.Int("cameras", len(m.cameras)))
	return nil
}

// Cameras returns the cameras found by Start.
func (m *Manager) Cameras() []device.Camera {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]device.Camera, len(m.cameras))
	for i, c := range m.cameras {
		out[i] = c
	}
	return out
}

// Stop shuts the manager down. Cameras must already be released.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	for _, c := range m.cameras {
		if c.isAcquired() {
			return fmt.Errorf("sim: camera %s still acquired", c.id)
		}
	}
	m.started = false
	m.cameras = nil
	m.log.Debug("manager stopped")
	return nil
}

// Camera is one virtual sensor.
type Camera struct {
	id  string
	cfg Config
	log *zap.Logger

	mu         sync.Mutex
	acquired   bool
	configured bool
	stream     device.StreamConfig
	controls   device.Controls
	buffers    []*device.Buffer
	onComplete func(*device.Request)
	running    bool
	queue      chan *device.Request
	stop       chan struct{}
	done       chan struct{}

	// owned by the worker goroutine
	sequence uint64
	samples  []uint16
}

func newCamera(id string, cfg Config, log *zap.Logger) *Camera {
	return &Camera{id: id, cfg: cfg, log: log.With(zap.String("camera", id))}
}

func (c *Camera) ID() string { return c.id }

// Describe reports the virtual sensor size and its one packed mode.
func (c *Camera) Describe() device.SensorInfo {
	return device.SensorInfo{
		Model:  BackendName,
		Width:  c.cfg.SensorWidth,
		Height: c.cfg.SensorHeight,
		Modes:  []string{fmt.Sprintf("SBGGR10_CSI2P %dx%d", c.cfg.SensorWidth, c.cfg.SensorHeight)},
	}
}

func (c *Camera) isAcquired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquired
}

func (c *Camera) Acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acquired {
		return fmt.Errorf("sim: camera %s busy", c.id)
	}
	c.acquired = true
	return nil
}

func (c *Camera) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("sim: camera %s still streaming", c.id)
	}
	if len(c.buffers) > 0 {
		return fmt.Errorf("sim: camera %s still holds %d buffers", c.id, len(c.buffers))
	}
	c.acquired = false
	c.configured = false
	return nil
}

func (c *Camera) Configure(cfg device.StreamConfig) (device.StreamConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.acquired {
		return cfg, fmt.Errorf("sim: camera %s not acquired", c.id)
	}
	if c.running {
		return cfg, fmt.Errorf("sim: camera %s is streaming", c.id)
	}
	if !raw10.IsPacked(cfg.PixelFormat) {
		return cfg, fmt.Errorf("%w: %q", device.ErrUnsupportedFormat, cfg.PixelFormat)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return cfg, fmt.Errorf("sim: invalid size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Width > c.cfg.SensorWidth || cfg.Height > c.cfg.SensorHeight {
		return cfg, fmt.Errorf("sim: %dx%d exceeds sensor %dx%d", cfg.Width, cfg.Height, c.cfg.SensorWidth, c.cfg.SensorHeight)
	}
	if cfg.Stride == 0 {
		cfg.Stride = raw10.Stride(cfg.Width)
	}
	if cfg.Stride < raw10.Stride(cfg.Width) {
		return cfg, fmt.Errorf("sim: stride %d below row size %d", cfg.Stride, raw10.Stride(cfg.Width))
	}
	cfg.FrameSize = cfg.Stride * cfg.Height
	if cfg.BufferCount <= 0 {
		cfg.BufferCount = c.cfg.BufferCount
	}
	c.stream = cfg
	c.configured = true
	c.log.Debug("configured", zap.Stringer("stream", cfg))
	return cfg, nil
}

func (c *Camera) SetControls(ctrl device.Controls) error {
	if ctrl.ExposureTime < 0 || ctrl.AnalogueGain < 0 {
		return fmt.Errorf("sim: negative control value")
	}
	if ctrl.FrameDurationMax > 0 && ctrl.FrameDurationMin > ctrl.FrameDurationMax {
		return fmt.Errorf("sim: frame duration min %v above max %v", ctrl.FrameDurationMin, ctrl.FrameDurationMax)
	}
	c.mu.Lock()
	c.controls = ctrl
	c.mu.Unlock()
	return nil
}

func (c *Camera) AllocateBuffers(count int) ([]*device.Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.configured {
		return nil, fmt.Errorf("sim: camera %s not configured", c.id)
	}
	if len(c.buffers) > 0 {
		return nil, fmt.Errorf("sim: camera %s already has buffers", c.id)
	}
	if count <= 0 {
		count = c.stream.BufferCount
	}
	if count > c.cfg.MaxBuffers {
		return nil, fmt.Errorf("sim: %d buffers requested, limit %d", count, c.cfg.MaxBuffers)
	}

	bufs := make([]*device.Buffer, 0, count)
	for i := 0; i < count; i++ {
		data, err := mmap.Map(c.stream.FrameSize)
		if err != nil {
			for _, b := range bufs {
				_ = mmap.Unmap(b.Data)
			}
			return nil, fmt.Errorf("sim: buffer %d: %w", i, err)
		}
		bufs = append(bufs, &device.Buffer{Index: i, Data: data})
	}
	c.buffers = bufs
	c.log.Debug("buffers allocated", zap.Int("count", count), zap.Int("size", c.stream.FrameSize))
	return bufs, nil
}

func (c *Camera) FreeBuffers() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("sim: camera %s still streaming", c.id)
	}
	var errs []error
	for _, b := range c.buffers {
		errs = append(errs, mmap.Unmap(b.Data))
		b.Data = nil
	}
	c.buffers = nil
	return errors.Join(errs...)
}

func (c *Camera) OnRequestCompleted(fn func(*device.Request)) {
	c.mu.Lock()
	c.onComplete = fn
	c.mu.Unlock()
}

func (c *Camera) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("sim: camera %s already started", c.id)
	}
	if len(c.buffers) == 0 {
		return fmt.Errorf("sim: camera %s has no buffers", c.id)
	}
	if c.onComplete == nil {
		return fmt.Errorf("sim: camera %s has no completion handler", c.id)
	}

	var interval time.Duration
	if c.cfg.Realtime {
		interval = c.controls.FrameDurationMax
	}
	c.queue = make(chan *device.Request, len(c.buffers))
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.samples = make([]uint16, c.stream.Width*c.stream.Height)
	c.running = true
	go c.run(c.stream, c.onComplete, interval)
	c.log.Debug("started", zap.Duration("interval", interval))
	return nil
}

func (c *Camera) QueueRequest(req *device.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return device.ErrNotStarted
	}
	if req == nil || req.Buffer == nil || !c.owns(req.Buffer) {
		return fmt.Errorf("sim: request does not carry a buffer of camera %s", c.id)
	}
	req.Status = device.StatusPending
	select {
	case c.queue <- req:
		return nil
	default:
		return fmt.Errorf("sim: camera %s queue full", c.id)
	}
}

func (c *Camera) owns(b *device.Buffer) bool {
	for _, own := range c.buffers {
		if own == b {
			return true
		}
	}
	return false
}

func (c *Camera) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	close(c.stop)
	done, queue, onComplete := c.done, c.queue, c.onComplete
	c.mu.Unlock()

	<-done

	cancelled := 0
	for {
		select {
		case req := <-queue:
			req.Status = device.StatusCancelled
			onComplete(req)
			cancelled++
		default:
			c.log.Debug("stopped", zap.Int("cancelled", cancelled))
			return nil
		}
	}
}

func (c *Camera) run(stream device.StreamConfig, onComplete func(*device.Request), interval time.Duration) {
	defer close(c.done)

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.stop:
			return
		case req := <-c.queue:
			if tick != nil {
				select {
				case <-tick:
				case <-c.stop:
					req.Status = device.StatusCancelled
					onComplete(req)
					return
				}
			}
			if err := c.expose(req.Buffer, stream); err != nil {
				c.log.Error("expose failed", zap.Error(err))
				req.Status = device.StatusCancelled
			} else {
				req.Status = device.StatusComplete
			}
			onComplete(req)
		}
	}
}

func (c *Camera) expose(buf *device.Buffer, stream device.StreamConfig) error {
	seq := c.sequence
	c.sequence++
	for y := 0; y < stream.Height; y++ {
		row := c.samples[y*stream.Width : (y+1)*stream.Width]
		for x := range row {
			row[x] = c.cfg.Pattern(seq, x, y)
		}
	}
	if err := raw10.PackInto(buf.Data, c.samples, stream.Width, stream.Height, stream.Stride); err != nil {
		return err
	}
	buf.BytesUsed = stream.FrameSize
	buf.Sequence = seq
	buf.Timestamp = time.Now()
	return nil
}
