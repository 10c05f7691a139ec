// Package rpicam drives Raspberry Pi cameras through the rpicam-raw (formerly
// libcamera-raw) application. The helper streams packed raw frames to stdout;
// each frame is read into the buffer of the next queued request.
package rpicam

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/video-system/go-raw-capture/internal/logging"
	"github.com/video-system/go-raw-capture/pkg/device"
)

// BackendName is the registry name of this backend.
const BackendName = "rpicam"

// binaries are tried in order when no explicit binary is configured.
var binaries = []string{"rpicam-raw", "libcamera-raw"}

func init() {
	device.Register(BackendName, func(opts device.Options) (device.Manager, error) {
		return New(opts)
	})
}

// Manager enumerates the cameras the helper binary reports.
type Manager struct {
	binaryPath string
	selector   string
	log        *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	cameras []*Camera
}

// New locates the helper binary.
func New(opts device.Options) (*Manager, error) {
	path := opts.Binary
	if path == "" {
		var err error
		path, err = findBinary(binaries...)
		if err != nil {
			return nil, err
		}
	}
	return &Manager{
		binaryPath: path,
		selector:   opts.Device,
		log:        logging.OrNop(opts.Logger).Named("rpicam"),
	}, nil
}

// findBinary locates the first of names in PATH or the usual install
// locations.
func findBinary(names ...string) (string, error) {
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	for _, name := range names {
		for _, dir := range []string{"/usr/bin/", "/usr/local/bin/"} {
			if _, err := os.Stat(dir + name); err == nil {
				return dir + name, nil
			}
		}
	}
	return "", fmt.Errorf("none of %v found in PATH or common locations", names)
}

// Version returns the helper's version line.
func (m *Manager) Version(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, m.binaryPath, "--version").Output()
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line, nil
		}
	}
	return "", fmt.Errorf("no version output")
}

// Start lists the attached cameras.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return fmt.Errorf("rpicam: manager already started")
	}

	out, err := exec.CommandContext(ctx, m.binaryPath, "--list-cameras").CombinedOutput()
	if err != nil {
		return fmt.Errorf("rpicam: list cameras: %w\noutput: %s", err, out)
	}
	infos := ParseCameraList(string(out))

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.cameras = m.cameras[:0]
	for _, info := range infos {
		if m.selector != "" && m.selector != strconv.Itoa(info.Index) && m.selector != info.Sensor {
			continue
		}
		m.cameras = append(m.cameras, newCamera(m, info))
	}
	if version, err := m.Version(ctx); err != nil {
		m.log.Warn("helper version unknown", zap.Error(err))
	} else {
		m.log.Info("helper version", zap.String("version", version))
	}
	m.log.Info("cameras found", zap.Int("count", len(m.cameras)), zap.String("binary", m.binaryPath))
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

// Stop cancels every helper process started through this manager.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	m.cancel = nil
	m.cameras = nil
	return nil
}

// CameraInfo is one entry of the --list-cameras output.
type CameraInfo struct {
	Index    int
	Sensor   string
	Width    int
	Height   int
	BitDepth int
	Bayer    string
	Path     string
	Modes    []Mode
}

// Mode is a sensor mode advertised for a camera.
type Mode struct {
	PixelFormat string
	Width       int
	Height      int
}

func (m Mode) String() string {
	return fmt.Sprintf("%s %dx%d", m.PixelFormat, m.Width, m.Height)
}

var (
	cameraLine = regexp.MustCompile(`^\s*(\d+)\s*:\s*(\S+)\s*\[(\d+)x(\d+)(?:\s+(\d+)-bit)?\s*(\w*)\]\s*(?:\((.*)\))?`)
	formatTag  = regexp.MustCompile(`'(\w+)'\s*:`)
	modeSize   = regexp.MustCompile(`(\d+)x(\d+)\s*\[`)
)

// ParseCameraList parses the output of `rpicam-raw --list-cameras`.
func ParseCameraList(out string) []CameraInfo {
	var infos []CameraInfo
	var format string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if m := cameraLine.FindStringSubmatch(line); m != nil {
			info := CameraInfo{Sensor: m[2], Bayer: m[6], Path: m[7]}
			info.Index, _ = strconv.Atoi(m[1])
			info.Width, _ = strconv.Atoi(m[3])
			info.Height, _ = strconv.Atoi(m[4])
			info.BitDepth, _ = strconv.Atoi(m[5])
			infos = append(infos, info)
			format = ""
			continue
		}
		if len(infos) == 0 {
			continue
		}
		if m := formatTag.FindStringSubmatch(line); m != nil {
			format = m[1]
		}
		if format == "" {
			continue
		}
		for _, sz := range modeSize.FindAllStringSubmatch(line, -1) {
			w, _ := strconv.Atoi(sz[1])
			h, _ := strconv.Atoi(sz[2])
			last := &infos[len(infos)-1]
			last.Modes = append(last.Modes, Mode{PixelFormat: format, Width: w, Height: h})
		}
	}
	return infos
}
