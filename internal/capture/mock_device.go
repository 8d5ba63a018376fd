package capture

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type mockDevice struct {
	chunkEvery time.Duration
}

// NewMockDevice returns a device that emits synthetic container segments
// and silent PCM frames at the configured cadence.
func NewMockDevice(chunkEvery time.Duration) Device {
	if chunkEvery <= 0 {
		chunkEvery = 250 * time.Millisecond
	}
	return &mockDevice{chunkEvery: chunkEvery}
}

func (d *mockDevice) Probe() Capability {
	return Capability{Available: true}
}

func (d *mockDevice) Open(ctx context.Context) (Stream, error) {
	s := &mockStream{
		chunks: make(chan Chunk, 8),
		pcm:    make(chan []byte, 8),
		done:   make(chan struct{}),
	}
	go s.run(ctx, d.chunkEvery)
	return s, nil
}

type mockStream struct {
	chunks   chan Chunk
	pcm      chan []byte
	done     chan struct{}
	stopOnce sync.Once
}

func (s *mockStream) Chunks() <-chan Chunk { return s.chunks }
func (s *mockStream) PCM() <-chan []byte   { return s.pcm }

func (s *mockStream) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })
	return nil
}

func (s *mockStream) run(ctx context.Context, every time.Duration) {
	defer close(s.chunks)
	defer close(s.pcm)

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	sequence := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			chunk := Chunk{
				Sequence: sequence,
				Data:     []byte(fmt.Sprintf("webm-segment-%04d", sequence)),
			}
			sequence++
			select {
			case s.chunks <- chunk:
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
			// silent frame, enough for downstream plumbing
			frame := make([]byte, 640)
			select {
			case s.pcm <- frame:
			default:
			}
		}
	}
}
