package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/video-system/go-raw-capture/internal/logging"
	"github.com/video-system/go-raw-capture/pkg/capture"
	"github.com/video-system/go-raw-capture/pkg/device"
	"github.com/video-system/go-raw-capture/pkg/sink"

	_ "github.com/video-system/go-raw-capture/pkg/device/rpicam"
	_ "github.com/video-system/go-raw-capture/pkg/device/sim"
)

const version = "1.0.0"

const progressInterval = 2 * time.Second

type options struct {
	configPath string
	backend    string
	device     string
	frames     int
	logLevel   string
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Capture packed 10-bit Bayer frames to 16-bit TIFF",
		Long: `Capture runs one session against the first camera of the selected backend:
it captures the configured number of RAW10 frames, writes each one to
<output.dir>/<date>/<sequence>.tiff and exits.`,
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file (built-in defaults when empty)")
	flags.StringVar(&opts.backend, "backend", "", fmt.Sprintf("camera backend %v", device.Backends()))
	flags.StringVar(&opts.device, "device", "", "camera index or sensor name")
	flags.IntVarP(&opts.frames, "frames", "n", 0, "number of frames to capture")
	flags.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")

	cmd.AddCommand(newCamerasCmd(opts))
	return cmd
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(opts *options) (*capture.Config, error) {
	cfg := capture.DefaultConfig()
	if opts.configPath != "" {
		var err error
		if cfg, err = capture.LoadConfig(opts.configPath); err != nil {
			return nil, err
		}
	}
	if opts.backend != "" {
		cfg.Camera.Backend = opts.backend
	}
	if opts.device != "" {
		cfg.Camera.Device = opts.device
	}
	if opts.frames != 0 {
		cfg.Session.MaxFrames = opts.frames
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openBackend(cfg *capture.Config, logger *zap.Logger) (device.Manager, error) {
	return device.Open(cfg.Camera.Backend, device.Options{
		Device: cfg.Camera.Device,
		Binary: cfg.Camera.Binary,
		Logger: logger,
	})
}

func run(ctx context.Context, opts *options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	mgr, err := openBackend(cfg, logger)
	if err != nil {
		logger.Error("open camera backend", zap.Error(err))
		return err
	}

	sinkCfg := cfg.Output.SinkConfig()
	sinkCfg.Logger = logger
	out, err := sink.NewTIFF(sinkCfg)
	if err != nil {
		logger.Error("open output", zap.Error(err))
		return err
	}
	defer func() {
		if err := out.Close(); err != nil {
			logger.Warn("close output", zap.Error(err))
		}
	}()

	session := capture.NewSession(cfg, mgr, out, logger)
	logger.Info("capture starting",
		zap.String("version", version),
		zap.String("session", session.ID()),
		zap.String("backend", cfg.Camera.Backend),
		zap.Int("width", cfg.Camera.Width),
		zap.Int("height", cfg.Camera.Height),
		zap.Int("max_frames", cfg.Session.MaxFrames))

	// The first signal drains the session; a second one abandons the wait.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
		case <-ctx.Done():
			return
		}
		logger.Info("shutdown signal received, draining")
		session.Stop()
		select {
		case <-sigChan:
			logger.Warn("second signal, cancelling")
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	var res *capture.Result
	g.Go(func() error {
		defer close(done)
		var err error
		res, err = session.Run(gctx)
		return err
	})
	g.Go(func() error {
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				p := session.Progress()
				logger.Info("progress",
					zap.Int("processed", p.Processed),
					zap.Int("max_frames", p.MaxFrames),
					zap.Int("in_flight", p.InFlight),
					zap.Int("failed_writes", p.FailedWrites))
			}
		}
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if res.FailedWrites > 0 {
		return fmt.Errorf("%w: %d of %d frames not written", capture.ErrSink, res.FailedWrites, res.Processed)
	}
	return nil
}
