package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/image/tiff"

	"github.com/video-system/go-raw-capture/internal/logging"
	"github.com/video-system/go-raw-capture/pkg/raw10"
)

// Defaults for Config.
const (
	DefaultDir        = "./out"
	DefaultDateLayout = "2006-01-02"
)

// Config configures the TIFF sink.
type Config struct {
	Dir         string // base directory, files go to Dir/<date>/
	DateLayout  string // time layout of the date directory
	LeftJustify bool   // scale 10-bit samples to the full 16-bit range
	Metadata    bool   // keep a metadata.csv of per-frame statistics
	Now         func() time.Time
	Logger      *zap.Logger
}

// TIFF writes each frame as an uncompressed single-channel 16-bit TIFF named
// <sequence>.tiff inside a per-day directory.
type TIFF struct {
	cfg  Config
	dir  string
	meta *MetadataLog
	log  *zap.Logger
}

// NewTIFF resolves the output directory for the current day and creates it.
func NewTIFF(cfg Config) (*TIFF, error) {
	if cfg.Dir == "" {
		cfg.Dir = DefaultDir
	}
	if cfg.DateLayout == "" {
		cfg.DateLayout = DefaultDateLayout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	start := cfg.Now()
	dir := filepath.Join(cfg.Dir, start.Format(cfg.DateLayout))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	t := &TIFF{cfg: cfg, dir: dir, log: logging.OrNop(cfg.Logger).Named("sink")}
	if cfg.Metadata {
		meta, err := OpenMetadata(filepath.Join(dir, MetadataFile), start)
		if err != nil {
			return nil, err
		}
		t.meta = meta
	}
	t.log.Info("writing frames", zap.String("dir", dir), zap.Bool("left_justify", cfg.LeftJustify))
	return t, nil
}

// Dir returns the directory frames are written to.
func (t *TIFF) Dir() string { return t.dir }

// Path returns the file a frame with the given sequence is written to.
// Backends restart their sequence at zero on every start, so a second session
// on the same day maps onto the same names; Write refuses to replace them.
func (t *TIFF) Path(sequence uint64) string {
	return filepath.Join(t.dir, fmt.Sprintf("%06d.tiff", sequence))
}

// Write encodes f to its file. The file appears under its final name only
// once it is complete. An existing file is never replaced; the write fails
// with an error matching fs.ErrExist.
func (t *TIFF) Write(ctx context.Context, f *Frame) (string, error) {
	path := t.Path(f.Sequence)
	err := t.write(ctx, path, f)
	if t.meta != nil {
		row := Row{
			Timestamp: f.Timestamp,
			Frame:     f.Index,
			Sequence:  f.Sequence,
			Stats:     ComputeStats(f.Samples),
			File:      filepath.Base(path),
			Written:   err == nil,
		}
		if merr := t.meta.Record(row); merr != nil {
			t.log.Warn("metadata row dropped", zap.Uint64("sequence", f.Sequence), zap.Error(merr))
		}
	}
	if err != nil {
		return "", err
	}
	return path, nil
}

func (t *TIFF) write(ctx context.Context, path string, f *Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	img, err := raw10.ToGray16(f.Samples, f.Width, f.Height, t.cfg.LeftJustify)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	// Claim the final name first; the rename below replaces only our own
	// empty placeholder.
	placeholder, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("reserve %s: %w", filepath.Base(path), err)
	}
	placeholder.Close()
	committed := false
	defer func() {
		if !committed {
			os.Remove(path)
		}
	}()

	tmp, err := os.CreateTemp(t.dir, ".frame-*.tiff")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tiff.Encode(tmp, img, &tiff.Options{Compression: tiff.Uncompressed}); err != nil {
		tmp.Close()
		return fmt.Errorf("encode tiff: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename to %s: %w", path, err)
	}
	committed = true
	return nil
}

// Close flushes the metadata log.
func (t *TIFF) Close() error {
	if t.meta == nil {
		return nil
	}
	return t.meta.Close()
}
