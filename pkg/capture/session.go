package capture

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/video-system/go-raw-capture/internal/logging"
	"github.com/video-system/go-raw-capture/pkg/bufpool"
	"github.com/video-system/go-raw-capture/pkg/device"
	"github.com/video-system/go-raw-capture/pkg/raw10"
	"github.com/video-system/go-raw-capture/pkg/sink"
)

// Session captures cfg.Session.MaxFrames frames from the first camera of a
// device manager and writes them to a sink. A Session runs once.
type Session struct {
	id   string
	cfg  *Config
	mgr  device.Manager
	sink sink.Sink
	log  *zap.Logger

	started   atomic.Bool
	stopping  atomic.Bool
	stop      chan struct{}
	processed atomic.Int64
	failed    atomic.Int64
	lc        atomic.Pointer[Lifecycle]

	// owned by the capture loop
	stream  device.StreamConfig
	samples []uint16
	queue   *CompletionQueue
}

// NewSession prepares a session. Nothing touches the device until Run.
func NewSession(cfg *Config, mgr device.Manager, out sink.Sink, logger *zap.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		id:   id,
		cfg:  cfg,
		mgr:  mgr,
		sink: out,
		stop: make(chan struct{}),
		log:  logging.OrNop(logger).Named("session").With(zap.String("session", id)),
	}
}

// ID returns the session id carried by every log line.
func (s *Session) ID() string { return s.id }

// Stop asks a running session to finish early. Frames already queued are
// drained before buffers are released. Safe to call more than once and from
// any goroutine.
func (s *Session) Stop() {
	if s.stopping.CompareAndSwap(false, true) {
		close(s.stop)
	}
}

// Progress reports how far the session has come. Safe to call concurrently
// with Run.
func (s *Session) Progress() Progress {
	p := Progress{
		Processed:    int(s.processed.Load()),
		MaxFrames:    s.cfg.Session.MaxFrames,
		FailedWrites: int(s.failed.Load()),
	}
	if lc := s.lc.Load(); lc != nil {
		p.InFlight = lc.Outstanding()
	}
	return p
}

// Run executes the session: it brings up the camera, cycles the buffer pool
// until the quota is met, the context is cancelled or Stop is called, and
// tears everything down in the order camera stop, drain, pool release,
// camera release, manager stop. The result is filled in on every path.
func (s *Session) Run(ctx context.Context) (res *Result, err error) {
	res = &Result{SessionID: s.id, Started: time.Now()}
	if !s.started.CompareAndSwap(false, true) {
		return res, errors.New("session already run")
	}
	if d, ok := s.sink.(interface{ Dir() string }); ok {
		res.OutputDir = d.Dir()
	}
	defer func() {
		res.Processed = int(s.processed.Load())
		res.FailedWrites = int(s.failed.Load())
		res.Written = res.Processed - res.FailedWrites
		res.Finished = time.Now()
		res.Duration = res.Finished.Sub(res.Started)
		if err != nil {
			s.log.Error("session failed", zap.Error(err), zap.Int("processed", res.Processed))
			return
		}
		s.log.Info("session finished",
			zap.Int("processed", res.Processed),
			zap.Int("written", res.Written),
			zap.Int("failed_writes", res.FailedWrites),
			zap.Duration("duration", res.Duration))
	}()

	if err := s.mgr.Start(ctx); err != nil {
		return res, fmt.Errorf("start camera manager: %w", err)
	}
	defer func() {
		if serr := s.mgr.Stop(); serr != nil {
			err = errors.Join(err, fmt.Errorf("stop camera manager: %w", serr))
		}
		s.log.Debug("camera manager stopped")
	}()

	cams := s.mgr.Cameras()
	if len(cams) == 0 {
		return res, ErrNoCamera
	}
	cam := cams[0]
	if err := cam.Acquire(); err != nil {
		return res, fmt.Errorf("acquire camera %s: %w", cam.ID(), err)
	}
	defer func() {
		if rerr := cam.Release(); rerr != nil {
			err = errors.Join(err, fmt.Errorf("release camera %s: %w", cam.ID(), rerr))
		}
		s.log.Debug("camera released")
	}()
	s.log.Info("camera acquired", zap.String("camera", cam.ID()))

	stream, err := cam.Configure(s.cfg.Camera.StreamConfig())
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if err := cam.SetControls(s.cfg.Camera.Controls()); err != nil {
		return res, fmt.Errorf("%w: controls: %v", ErrConfiguration, err)
	}
	s.stream = stream
	s.log.Info("stream configured", zap.Stringer("stream", stream), zap.Int("buffers", stream.BufferCount))

	pool, err := bufpool.Allocate(cam, stream.BufferCount, stream.FrameSize)
	if err != nil {
		return res, err
	}
	defer func() {
		if perr := pool.Release(); perr != nil {
			err = errors.Join(err, fmt.Errorf("release buffer pool: %w", perr))
		}
		s.log.Debug("buffer pool released")
	}()
	s.log.Debug("buffer pool allocated", zap.Int("buffers", pool.Len()), zap.Int("size", pool.Size()))

	lc := NewLifecycle(pool, cam)
	s.lc.Store(lc)
	s.queue = NewCompletionQueue(lc.Len())
	s.samples = make([]uint16, stream.Width*stream.Height)
	cam.OnRequestCompleted(func(req *device.Request) {
		if i, ok := lc.Complete(req); ok {
			s.queue.Push(i)
		}
	})

	if err := cam.Start(); err != nil {
		return res, fmt.Errorf("start camera: %w", err)
	}
	defer func() {
		if serr := cam.Stop(); serr != nil {
			err = errors.Join(err, fmt.Errorf("stop camera: %w", serr))
		}
		res.Cancelled += s.drain(lc)
	}()

	// Stop cancels the wait on the completion queue.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-runCtx.Done():
		}
	}()
	return res, s.loop(runCtx, ctx, lc, res)
}

// loop is the capture loop. It returns nil when the quota is met or Stop is
// called, and the parent context's error when that is cancelled.
func (s *Session) loop(ctx, parent context.Context, lc *Lifecycle, res *Result) error {
	quota := s.cfg.Session.MaxFrames
	if err := s.fill(lc); err != nil {
		return err
	}

	last := time.Now()
	for int(s.processed.Load()) < quota {
		if s.stopping.Load() || ctx.Err() != nil {
			s.log.Info("capture stopped early",
				zap.Int64("processed", s.processed.Load()), zap.Int("max_frames", quota))
			return parent.Err()
		}

		i, ok := s.queue.Next(ctx, s.cfg.Session.PollInterval)
		if !ok {
			if idle := time.Since(last); idle > s.cfg.Session.FrameTimeout {
				return fmt.Errorf("%w: no frame for %v with %d requests queued", ErrStalled, idle.Round(time.Millisecond), lc.Outstanding())
			}
			continue
		}
		last = time.Now()

		slot := lc.Slot(i)
		var perr error
		switch slot.Request().Status {
		case device.StatusComplete:
			perr = s.process(ctx, slot)
		default:
			res.Cancelled++
			s.log.Debug("request cancelled", zap.Int("slot", i), zap.Stringer("status", slot.Request().Status))
		}

		if err := errors.Join(perr, lc.Recycle(i)); err != nil {
			return err
		}
		if err := s.fill(lc); err != nil {
			return err
		}
	}
	s.log.Info("quota reached", zap.Int("frames", quota))
	return nil
}

// fill submits idle slots while the quota leaves room for them.
func (s *Session) fill(lc *Lifecycle) error {
	quota := int64(s.cfg.Session.MaxFrames)
	for lc.Idle() > 0 && !s.stopping.Load() && s.processed.Load()+int64(lc.Outstanding()) < quota {
		slot, err := lc.Submit()
		if err != nil {
			return err
		}
		s.log.Debug("request queued", zap.Int("slot", slot.Index()))
	}
	return nil
}

// process unpacks a completed slot and hands the frame to the sink. Only a
// short buffer is fatal; sink failures are counted and the frame still
// counts against the quota.
func (s *Session) process(ctx context.Context, slot *Slot) error {
	buf := slot.Buffer()
	data := buf.Data
	if buf.BytesUsed > 0 && buf.BytesUsed <= len(data) {
		data = data[:buf.BytesUsed]
	}
	if err := raw10.UnpackInto(s.samples, data, s.stream.Width, s.stream.Height, s.stream.Stride); err != nil {
		return fmt.Errorf("frame %d (slot %d): %w", buf.Sequence, slot.Index(), err)
	}

	n := s.processed.Add(1)
	frame := &sink.Frame{
		Index:     int(n),
		Sequence:  buf.Sequence,
		Width:     s.stream.Width,
		Height:    s.stream.Height,
		Samples:   s.samples,
		Timestamp: buf.Timestamp,
	}
	// A frame already in hand is written even if the session is cancelled.
	path, err := s.sink.Write(context.WithoutCancel(ctx), frame)
	if err != nil {
		s.failed.Add(1)
		s.log.Warn("frame not written",
			zap.Int64("frame", n), zap.Uint64("sequence", buf.Sequence),
			zap.Error(fmt.Errorf("%w: %v", ErrSink, err)))
		return nil
	}
	s.log.Debug("frame written", zap.Int64("frame", n), zap.Uint64("sequence", buf.Sequence), zap.String("path", path))
	return nil
}

// drain waits for every outstanding slot to come back after the camera has
// stopped and returns how many were discarded. The camera completes pending
// requests before Stop returns, so this normally finds them all queued.
func (s *Session) drain(lc *Lifecycle) int {
	discarded := 0
	deadline := time.Now().Add(s.cfg.Session.DrainTimeout)
	for lc.Outstanding() > 0 {
		wait := time.Until(deadline)
		if wait <= 0 {
			s.log.Error("drain timed out", zap.Int("outstanding", lc.Outstanding()))
			break
		}
		i, ok := s.queue.Next(context.Background(), wait)
		if !ok {
			continue
		}
		if err := lc.Recycle(i); err != nil {
			s.log.Error("drain", zap.Error(err))
			continue
		}
		discarded++
	}
	if discarded > 0 {
		s.log.Debug("drained", zap.Int("discarded", discarded))
	}
	return discarded
}
