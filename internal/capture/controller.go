package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tokenbridge-labs/kyc-core/internal/config"
)

// NewDevice builds the configured capture backend.
func NewDevice(cfg config.CaptureConfig, log *slog.Logger) (Device, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockDevice(time.Duration(cfg.ChunkEveryMS) * time.Millisecond), nil
	case "exec":
		return NewExecDevice(cfg, log)
	default:
		return nil, fmt.Errorf("unknown capture mode %q", cfg.Mode)
	}
}

// Controller enforces the single-session discipline over the capture
// device: exactly one session may hold the hardware, and every exit path
// releases it.
type Controller struct {
	cfg config.CaptureConfig
	dev Device
	log *slog.Logger

	mu      sync.Mutex
	current *Session
}

func NewController(cfg config.CaptureConfig, dev Device, log *slog.Logger) *Controller {
	return &Controller{
		cfg: cfg,
		dev: dev,
		log: log.With(slog.String("component", "capture")),
	}
}

// Session is one capture attempt's recorded state.
type Session struct {
	ID       string
	MimeType string

	mu          sync.Mutex
	active      bool
	stream      Stream
	chunks      [][]byte
	previewPath string
	pcm         <-chan []byte
	collected   chan struct{}
}

// Start acquires the device and begins recording. A second start while a
// session is active is refused without touching the running session.
func (c *Controller) Start(ctx context.Context, id string) (*Session, error) {
	sess := &Session{
		ID:        id,
		MimeType:  c.cfg.MimeType,
		active:    true,
		collected: make(chan struct{}),
	}

	// Reserve the device slot before touching hardware so concurrent
	// starts cannot both pass the check.
	c.mu.Lock()
	if c.current != nil && c.current.Active() {
		c.mu.Unlock()
		return nil, ErrSessionActive
	}
	c.current = sess
	c.mu.Unlock()

	cap := c.dev.Probe()
	if !cap.Available {
		c.release(sess)
		return nil, fmt.Errorf("%w: %s", ErrDeviceUnavailable, cap.Reason)
	}

	stream, err := c.dev.Open(ctx)
	if err != nil {
		c.release(sess)
		return nil, err
	}

	sess.mu.Lock()
	sess.stream = stream
	sess.pcm = stream.PCM()
	sess.mu.Unlock()

	go sess.collect(stream.Chunks())

	c.log.Info("capture session started", slog.String("attempt_id", id))
	return sess, nil
}

// release rolls back a reserved session whose device never opened.
func (c *Controller) release(sess *Session) {
	sess.mu.Lock()
	sess.active = false
	sess.mu.Unlock()
	close(sess.collected)

	c.mu.Lock()
	if c.current == sess {
		c.current = nil
	}
	c.mu.Unlock()
}

// Stop finalizes the session: the device is released, the collector
// drains, and recorded segments concatenate into a preview artifact.
// Calling it on an inactive session is a no-op.
func (c *Controller) Stop(sess *Session) error {
	if sess == nil {
		return nil
	}
	sess.mu.Lock()
	if !sess.active {
		sess.mu.Unlock()
		return nil
	}
	sess.active = false
	stream := sess.stream
	sess.stream = nil
	sess.mu.Unlock()

	if stream != nil {
		_ = stream.Stop()
	}
	<-sess.collected

	if err := c.writePreview(sess); err != nil {
		c.log.Warn("preview artifact not written", slog.String("error", err.Error()))
	}

	c.log.Info("capture session stopped",
		slog.String("attempt_id", sess.ID),
		slog.Int("chunks", sess.ChunkCount()))
	return nil
}

// Reset discards recorded data and the preview, returning to a clean
// pre-capture state. It stops the session first if still active.
func (c *Controller) Reset(sess *Session) {
	if sess == nil {
		return
	}
	_ = c.Stop(sess)

	sess.mu.Lock()
	sess.chunks = nil
	preview := sess.previewPath
	sess.previewPath = ""
	sess.mu.Unlock()

	if preview != "" {
		if err := os.Remove(preview); err != nil && !os.IsNotExist(err) {
			c.log.Warn("failed to remove preview artifact", slog.String("error", err.Error()))
		}
	}

	c.mu.Lock()
	if c.current == sess {
		c.current = nil
	}
	c.mu.Unlock()
}

func (c *Controller) writePreview(sess *Session) error {
	artifact := sess.Artifact()
	if len(artifact) == 0 {
		return nil
	}
	path := filepath.Join(c.cfg.PreviewDir, fmt.Sprintf("kyc_%s.webm", sess.ID))
	if err := os.WriteFile(path, artifact, 0o600); err != nil {
		return fmt.Errorf("write preview: %w", err)
	}
	sess.mu.Lock()
	sess.previewPath = path
	sess.mu.Unlock()
	return nil
}

// collect appends chunks strictly in arrival order until the stream's
// channel closes. Segments the backend emitted before the stop are
// still drained here; Reset is what discards recorded data.
func (s *Session) collect(chunks <-chan Chunk) {
	defer close(s.collected)
	for chunk := range chunks {
		if len(chunk.Data) == 0 {
			continue
		}
		s.mu.Lock()
		s.chunks = append(s.chunks, chunk.Data)
		s.mu.Unlock()
	}
}

func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) ChunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

// Artifact concatenates all recorded segments into one playable blob.
func (s *Session) Artifact() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var size int
	for _, c := range s.chunks {
		size += len(c)
	}
	out := make([]byte, 0, size)
	for _, c := range s.chunks {
		out = append(out, c...)
	}
	return out
}

func (s *Session) PreviewPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.previewPath
}

// PCMTap exposes the live audio feed for the recognizer. The channel
// closes when the device stream stops.
func (s *Session) PCMTap() <-chan []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pcm
}
