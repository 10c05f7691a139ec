package rpicam

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/video-system/go-raw-capture/internal/mmap"
	"github.com/video-system/go-raw-capture/pkg/device"
	"github.com/video-system/go-raw-capture/pkg/raw10"
)

// Camera is one sensor driven by a helper process.
type Camera struct {
	mgr  *Manager
	info CameraInfo
	log  *zap.Logger

	mu         sync.Mutex
	acquired   bool
	configured bool
	stream     device.StreamConfig
	controls   device.Controls
	buffers    []*device.Buffer
	onComplete func(*device.Request)

	running bool
	failed  error // set when the helper's output ended before Stop
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	queue   chan *device.Request
	stop    chan struct{}
	done    chan struct{}
}

func newCamera(m *Manager, info CameraInfo) *Camera {
	return &Camera{
		mgr:  m,
		info: info,
		log:  m.log.With(zap.Int("camera", info.Index), zap.String("sensor", info.Sensor)),
	}
}

func (c *Camera) ID() string {
	if c.info.Path != "" {
		return c.info.Path
	}
	return strconv.Itoa(c.info.Index)
}

// Describe reports what --list-cameras printed for this camera.
func (c *Camera) Describe() device.SensorInfo {
	modes := make([]string, len(c.info.Modes))
	for i, m := range c.info.Modes {
		modes[i] = m.String()
	}
	return device.SensorInfo{Model: c.info.Sensor, Width: c.info.Width, Height: c.info.Height, Modes: modes}
}

func (c *Camera) Acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acquired {
		return fmt.Errorf("rpicam: camera %d busy", c.info.Index)
	}
	c.acquired = true
	return nil
}

func (c *Camera) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("rpicam: camera %d still streaming", c.info.Index)
	}
	if len(c.buffers) > 0 {
		return fmt.Errorf("rpicam: camera %d still holds %d buffers", c.info.Index, len(c.buffers))
	}
	c.acquired = false
	c.configured = false
	return nil
}

func (c *Camera) Configure(cfg device.StreamConfig) (device.StreamConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.acquired {
		return cfg, fmt.Errorf("rpicam: camera %d not acquired", c.info.Index)
	}
	if !raw10.IsPacked(cfg.PixelFormat) {
		return cfg, fmt.Errorf("%w: %q", device.ErrUnsupportedFormat, cfg.PixelFormat)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return cfg, fmt.Errorf("rpicam: invalid size %dx%d", cfg.Width, cfg.Height)
	}
	if c.info.Width > 0 && (cfg.Width > c.info.Width || cfg.Height > c.info.Height) {
		return cfg, fmt.Errorf("rpicam: %dx%d exceeds sensor %dx%d", cfg.Width, cfg.Height, c.info.Width, c.info.Height)
	}
	if cfg.Stride == 0 {
		cfg.Stride = raw10.Stride(cfg.Width)
	}
	if cfg.Stride < raw10.Stride(cfg.Width) {
		return cfg, fmt.Errorf("rpicam: stride %d below row size %d", cfg.Stride, raw10.Stride(cfg.Width))
	}
	cfg.FrameSize = cfg.Stride * cfg.Height
	if cfg.BufferCount <= 0 {
		cfg.BufferCount = 4
	}
	c.stream = cfg
	c.configured = true
	return cfg, nil
}

func (c *Camera) SetControls(ctrl device.Controls) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("rpicam: controls must be set before Start")
	}
	if ctrl.FrameDurationMax > 0 && ctrl.FrameDurationMin > ctrl.FrameDurationMax {
		return fmt.Errorf("rpicam: frame duration min %v above max %v", ctrl.FrameDurationMin, ctrl.FrameDurationMax)
	}
	c.controls = ctrl
	return nil
}

func (c *Camera) AllocateBuffers(count int) ([]*device.Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.configured {
		return nil, fmt.Errorf("rpicam: camera %d not configured", c.info.Index)
	}
	if len(c.buffers) > 0 {
		return nil, fmt.Errorf("rpicam: camera %d already has buffers", c.info.Index)
	}
	if count <= 0 {
		count = c.stream.BufferCount
	}
	bufs := make([]*device.Buffer, 0, count)
	for i := 0; i < count; i++ {
		data, err := mmap.Map(c.stream.FrameSize)
		if err != nil {
			for _, b := range bufs {
				_ = mmap.Unmap(b.Data)
			}
			return nil, fmt.Errorf("rpicam: buffer %d: %w", i, err)
		}
		bufs = append(bufs, &device.Buffer{Index: i, Data: data})
	}
	c.buffers = bufs
	return bufs, nil
}

func (c *Camera) FreeBuffers() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("rpicam: camera %d still streaming", c.info.Index)
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

// Args returns the helper command line for a stream and its controls.
func Args(index int, stream device.StreamConfig, ctrl device.Controls) []string {
	args := []string{
		"--timeout", "0",
		"--nopreview",
		"--camera", strconv.Itoa(index),
		"--width", strconv.Itoa(stream.Width),
		"--height", strconv.Itoa(stream.Height),
		"--mode", fmt.Sprintf("%d:%d:10:P", stream.Width, stream.Height),
	}
	if ctrl.ExposureTime > 0 {
		args = append(args, "--shutter", strconv.FormatInt(ctrl.ExposureTime.Microseconds(), 10))
	}
	if ctrl.AnalogueGain > 0 {
		args = append(args, "--gain", strconv.FormatFloat(ctrl.AnalogueGain, 'f', -1, 64))
	}
	if d := ctrl.FrameDurationMax; d > 0 {
		fps := float64(time.Second) / float64(d)
		args = append(args, "--framerate", strconv.FormatFloat(math.Round(fps*1000)/1000, 'f', -1, 64))
	}
	return append(args, "--flush", "--output", "-")
}

func (c *Camera) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("rpicam: camera %d already started", c.info.Index)
	}
	if len(c.buffers) == 0 || c.onComplete == nil {
		return fmt.Errorf("rpicam: camera %d needs buffers and a completion handler before Start", c.info.Index)
	}

	ctx, cancel := context.WithCancel(c.mgr.ctx)
	args := Args(c.info.Index, c.stream, c.controls)
	cmd := exec.CommandContext(ctx, c.mgr.binaryPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("get stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start %s: %w", c.mgr.binaryPath, err)
	}
	c.log.Info("helper started", zap.Strings("args", args), zap.Int("pid", cmd.Process.Pid))

	c.cmd = cmd
	c.cancel = cancel
	c.queue = make(chan *device.Request, len(c.buffers))
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.failed = nil
	c.running = true

	go c.logStderr(stderr)
	go c.readLoop(stdout, c.stream, c.onComplete)
	return nil
}

func (c *Camera) logStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		c.log.Debug(sc.Text())
	}
}

// readLoop fills queued buffers from the helper's stdout in queue order.
func (c *Camera) readLoop(stdout io.Reader, stream device.StreamConfig, onComplete func(*device.Request)) {
	defer close(c.done)
	var seq uint64
	for {
		var req *device.Request
		select {
		case <-c.stop:
			return
		case req = <-c.queue:
		}

		buf := req.Buffer
		if _, err := io.ReadFull(stdout, buf.Data[:stream.FrameSize]); err != nil {
			req.Status = device.StatusCancelled
			onComplete(req)
			c.fail(err, onComplete)
			return
		}
		buf.BytesUsed = stream.FrameSize
		buf.Sequence = seq
		buf.Timestamp = time.Now()
		seq++
		req.Status = device.StatusComplete
		onComplete(req)
	}
}

// fail stops QueueRequest from accepting more requests and cancels the ones
// the helper will never fill.
func (c *Camera) fail(err error, onComplete func(*device.Request)) {
	select {
	case <-c.stop:
		return
	default:
	}

	c.mu.Lock()
	c.failed = err
	c.mu.Unlock()
	cancelled := 0
	for {
		select {
		case req := <-c.queue:
			req.Status = device.StatusCancelled
			onComplete(req)
			cancelled++
		default:
			c.log.Error("helper output ended", zap.Error(err), zap.Int("cancelled", cancelled))
			return
		}
	}
}

func (c *Camera) QueueRequest(req *device.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return device.ErrNotStarted
	}
	if c.failed != nil {
		return fmt.Errorf("%w: camera %d helper output ended: %v", device.ErrNotStarted, c.info.Index, c.failed)
	}
	if req == nil || req.Buffer == nil || len(req.Buffer.Data) < c.stream.FrameSize {
		return fmt.Errorf("rpicam: request buffer missing or smaller than %d bytes", c.stream.FrameSize)
	}
	req.Status = device.StatusPending
	select {
	case c.queue <- req:
		return nil
	default:
		return fmt.Errorf("rpicam: camera %d queue full", c.info.Index)
	}
}

func (c *Camera) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	close(c.stop)
	c.cancel()
	cmd, done, queue, onComplete := c.cmd, c.done, c.queue, c.onComplete
	c.mu.Unlock()

	<-done
drain:
	for {
		select {
		case req := <-queue:
			req.Status = device.StatusCancelled
			onComplete(req)
		default:
			break drain
		}
	}

	// The helper was killed through its context; its exit status is noise.
	if err := cmd.Wait(); err != nil {
		c.log.Debug("helper exited", zap.Error(err))
	}
	return nil
}
