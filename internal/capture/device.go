// Package capture owns the camera/microphone session: device
// acquisition, chunked recording, preview artifacts and teardown.
package capture

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied means the device exists but access was refused.
	ErrPermissionDenied = errors.New("capture: device permission denied")
	// ErrDeviceUnavailable means no usable capture device was found.
	ErrDeviceUnavailable = errors.New("capture: no capture device available")
	// ErrSessionActive means a capture session already holds the device.
	ErrSessionActive = errors.New("capture: a session is already active")
)

// Chunk is one recorded container segment, numbered in emit order.
type Chunk struct {
	Sequence int
	Data     []byte
}

// Capability is the result of probing a backend once at session start.
type Capability struct {
	Available bool
	Reason    string
}

// Stream is a live device hold. Chunks carries recorded container
// segments; PCM carries the raw audio tap for speech recognition. Both
// channels close when the stream stops. Stop releases the device and is
// safe to call more than once.
type Stream interface {
	Chunks() <-chan Chunk
	PCM() <-chan []byte
	Stop() error
}

// Device abstracts a capture backend.
type Device interface {
	Probe() Capability
	Open(ctx context.Context) (Stream, error)
}
