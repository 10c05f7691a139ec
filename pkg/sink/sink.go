// Package sink persists unpacked frames.
package sink

import (
	"context"
	"time"
)

// Frame is one unpacked capture handed to a Sink.
type Frame struct {
	Index     int    // 1-based position in the session
	Sequence  uint64 // frame sequence number reported by the camera
	Width     int
	Height    int
	Samples   []uint16
	Timestamp time.Time
}

// Sink writes frames somewhere durable.
type Sink interface {
	// Write persists f and returns where it went.
	Write(ctx context.Context, f *Frame) (string, error)
	Close() error
}
