// Package capture runs a still-capture session: it cycles a fixed pool of
// frame buffers through the camera, unpacks each completed RAW10 frame and
// hands it to a sink until the frame quota is reached.
//
// Completions arrive on a goroutine owned by the device backend. They are
// handed to the session loop through a CompletionQueue; every other piece of
// session state is touched by the loop alone.
package capture

import (
	"errors"
	"time"

	"github.com/video-system/go-raw-capture/pkg/bufpool"
	"github.com/video-system/go-raw-capture/pkg/raw10"
)

var (
	// ErrConfiguration is returned when the camera rejects the requested
	// format, geometry or controls. No buffers have been allocated yet.
	ErrConfiguration = errors.New("camera configuration rejected")
	// ErrAllocation is returned when the buffer pool cannot be sized.
	ErrAllocation = bufpool.ErrAllocation
	// ErrSubmission is returned when a request does not reach the device queue.
	ErrSubmission = errors.New("request submission failed")
	// ErrSink wraps image write failures. They do not end the session.
	ErrSink = errors.New("image write failed")
	// ErrNoCamera is returned when the backend reports no cameras.
	ErrNoCamera = errors.New("no camera found")
	// ErrStalled is returned when no completion arrives within the frame timeout.
	ErrStalled = errors.New("capture stalled")
	// ErrShortFrame is returned when a completed buffer holds fewer bytes than
	// the stream geometry needs.
	ErrShortFrame = raw10.ErrShortBuffer
)

// Result summarises a session. It is returned even when Run fails.
type Result struct {
	SessionID    string        `json:"session_id"`
	Processed    int           `json:"processed"`     // frames counted against the quota
	Written      int           `json:"written"`       // frames persisted by the sink
	FailedWrites int           `json:"failed_writes"` // frames the sink rejected
	Cancelled    int           `json:"cancelled"`     // completions without a usable frame, including those drained at teardown
	OutputDir    string        `json:"output_dir,omitempty"`
	Started      time.Time     `json:"started"`
	Finished     time.Time     `json:"finished"`
	Duration     time.Duration `json:"duration"`
}

// Progress is a point-in-time view of a running session.
type Progress struct {
	Processed    int `json:"processed"`
	MaxFrames    int `json:"max_frames"`
	FailedWrites int `json:"failed_writes"`
	InFlight     int `json:"in_flight"`
}
