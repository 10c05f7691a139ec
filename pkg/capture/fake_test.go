package capture

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/video-system/go-raw-capture/pkg/device"
	"github.com/video-system/go-raw-capture/pkg/raw10"
	"github.com/video-system/go-raw-capture/pkg/sink"
)

// recorder keeps the order of device calls.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// fakeManager serves a fixed list of cameras.
type fakeManager struct {
	rec     *recorder
	cameras []*fakeCamera
}

func newFakeManager(cams ...*fakeCamera) *fakeManager {
	m := &fakeManager{rec: &recorder{}, cameras: cams}
	for _, c := range cams {
		c.rec = m.rec
	}
	return m
}

func (m *fakeManager) Start(ctx context.Context) error {
	m.rec.add("manager.start")
	return nil
}

func (m *fakeManager) Cameras() []device.Camera {
	out := make([]device.Camera, len(m.cameras))
	for i, c := range m.cameras {
		out[i] = c
	}
	return out
}

func (m *fakeManager) Stop() error {
	m.rec.add("manager.stop")
	for _, c := range m.cameras {
		if c.acquired {
			return errors.New("camera still acquired")
		}
	}
	return nil
}

// fakeCamera completes queued requests from its own goroutine, copying frame
// into each buffer.
type fakeCamera struct {
	rec *recorder

	frame        []byte // packed frame delivered for every request
	bufferCount  int
	configureErr error
	allocErr     error
	queueLimit   int  // QueueRequest fails after this many calls; 0 means never
	hold         bool // never complete requests until Stop
	short        int  // report BytesUsed this much below the frame size

	mu       sync.Mutex
	acquired bool
	running  bool
	stream   device.StreamConfig
	buffers  []*device.Buffer
	handler  func(*device.Request)
	queued   int
	pending  chan *device.Request
	stop     chan struct{}
	done     chan struct{}
	writeErr error // set if buffers were freed while streaming
}

func (c *fakeCamera) ID() string { return "fake0" }

func (c *fakeCamera) Acquire() error {
	c.rec.add("acquire")
	c.acquired = true
	return nil
}

func (c *fakeCamera) Release() error {
	c.rec.add("release")
	if len(c.buffers) > 0 {
		return errors.New("buffers still allocated")
	}
	c.acquired = false
	return nil
}

func (c *fakeCamera) Configure(cfg device.StreamConfig) (device.StreamConfig, error) {
	c.rec.add("configure")
	if c.configureErr != nil {
		return cfg, c.configureErr
	}
	cfg.Stride = raw10.Stride(cfg.Width)
	cfg.FrameSize = cfg.Stride * cfg.Height
	cfg.BufferCount = c.bufferCount
	c.stream = cfg
	return cfg, nil
}

func (c *fakeCamera) SetControls(device.Controls) error {
	c.rec.add("controls")
	return nil
}

func (c *fakeCamera) AllocateBuffers(count int) ([]*device.Buffer, error) {
	c.rec.add("allocate")
	if c.allocErr != nil {
		return nil, c.allocErr
	}
	for i := 0; i < count; i++ {
		c.buffers = append(c.buffers, &device.Buffer{Index: i, Data: make([]byte, c.stream.FrameSize)})
	}
	return c.buffers, nil
}

func (c *fakeCamera) FreeBuffers() error {
	c.rec.add("free")
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		c.writeErr = errors.New("buffers freed while streaming")
		return c.writeErr
	}
	c.buffers = nil
	return nil
}

func (c *fakeCamera) OnRequestCompleted(fn func(*device.Request)) { c.handler = fn }

func (c *fakeCamera) Start() error {
	c.rec.add("start")
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = make(chan *device.Request, len(c.buffers))
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.running = true
	go c.run()
	return nil
}

func (c *fakeCamera) run() {
	defer close(c.done)
	var seq uint64
	for {
		if c.hold {
			<-c.stop
			return
		}
		select {
		case <-c.stop:
			return
		case req := <-c.pending:
			buf := req.Buffer
			copy(buf.Data, c.frame)
			buf.BytesUsed = c.stream.FrameSize - c.short
			buf.Sequence = seq
			buf.Timestamp = time.Now()
			seq++
			req.Status = device.StatusComplete
			c.handler(req)
		}
	}
}

func (c *fakeCamera) QueueRequest(req *device.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return device.ErrNotStarted
	}
	c.queued++
	if c.queueLimit > 0 && c.queued > c.queueLimit {
		return errors.New("queue rejected")
	}
	c.pending <- req
	return nil
}

func (c *fakeCamera) Stop() error {
	c.rec.add("stop")
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	close(c.stop)
	c.mu.Unlock()
	<-c.done

	for {
		select {
		case req := <-c.pending:
			req.Status = device.StatusCancelled
			c.handler(req)
		default:
			c.mu.Lock()
			c.running = false
			c.mu.Unlock()
			return nil
		}
	}
}

// memSink keeps copies of written frames.
type memSink struct {
	mu     sync.Mutex
	frames []sink.Frame
	fail   func(f *sink.Frame) bool
	closed bool
}

func (s *memSink) Write(ctx context.Context, f *sink.Frame) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil && s.fail(f) {
		return "", errors.New("disk full")
	}
	cp := *f
	cp.Samples = slices.Clone(f.Samples)
	s.frames = append(s.frames, cp)
	return "mem", nil
}

func (s *memSink) Close() error {
	s.closed = true
	return nil
}

func (s *memSink) written() []sink.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.frames)
}
