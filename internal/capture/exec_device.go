package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/tokenbridge-labs/kyc-core/internal/config"
)

// execDevice shells out to a configured capture command (typically an
// ffmpeg wrapper) that writes container bytes to stdout. An optional
// second command supplies the raw PCM audio tap for recognition.
type execDevice struct {
	cmd       []string
	audioCmd  []string
	chunkSize int
	log       *slog.Logger
}

func NewExecDevice(cfg config.CaptureConfig, log *slog.Logger) (Device, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	var audioArgs []string
	if cfg.AudioCommand != "" {
		audioArgs, err = parser.Parse(cfg.AudioCommand)
		if err != nil {
			return nil, fmt.Errorf("parse capture audio command: %w", err)
		}
	}
	return &execDevice{cmd: args, audioCmd: audioArgs, chunkSize: 32 * 1024, log: log}, nil
}

func (d *execDevice) Probe() Capability {
	if _, err := exec.LookPath(d.cmd[0]); err != nil {
		return Capability{Reason: fmt.Sprintf("capture command %q not found", d.cmd[0])}
	}
	if len(d.audioCmd) > 0 {
		if _, err := exec.LookPath(d.audioCmd[0]); err != nil {
			return Capability{Reason: fmt.Sprintf("audio command %q not found", d.audioCmd[0])}
		}
	}
	return Capability{Available: true}
}

func (d *execDevice) Open(ctx context.Context) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)

	command := exec.CommandContext(ctx, d.cmd[0], d.cmd[1:]...)
	stdout, err := command.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("capture stdout pipe: %w", err)
	}
	if err := command.Start(); err != nil {
		cancel()
		if os.IsPermission(err) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("%w: start capture command: %v", ErrDeviceUnavailable, err)
	}

	s := &execStream{
		cancel: cancel,
		chunks: make(chan Chunk, 8),
		pcm:    make(chan []byte, 8),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(s.chunks)
		s.readChunks(stdout, d.chunkSize)
		_ = command.Wait()
	}()

	if len(d.audioCmd) > 0 {
		audio := exec.CommandContext(ctx, d.audioCmd[0], d.audioCmd[1:]...)
		audioOut, err := audio.StdoutPipe()
		if err == nil {
			err = audio.Start()
		}
		if err != nil {
			d.log.Warn("audio capture unavailable, attempt continues without recognition input",
				slog.String("command", d.audioCmd[0]),
				slog.String("error", err.Error()))
			close(s.pcm)
		} else {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer close(s.pcm)
				s.readPCM(audioOut, d.chunkSize)
				_ = audio.Wait()
			}()
		}
	} else {
		close(s.pcm)
	}

	return s, nil
}

type execStream struct {
	cancel   context.CancelFunc
	chunks   chan Chunk
	pcm      chan []byte
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func (s *execStream) Chunks() <-chan Chunk { return s.chunks }
func (s *execStream) PCM() <-chan []byte   { return s.pcm }

func (s *execStream) Stop() error {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

func (s *execStream) readChunks(r io.Reader, size int) {
	sequence := 0
	buf := make([]byte, size)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.chunks <- Chunk{Sequence: sequence, Data: data}
			sequence++
		}
		if err != nil {
			return
		}
	}
}

func (s *execStream) readPCM(r io.Reader, size int) {
	buf := make([]byte, size)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			frame := make([]byte, n)
			copy(frame, buf[:n])
			select {
			case s.pcm <- frame:
			default:
				// recognition tap is best effort, drop when nobody reads
			}
		}
		if err != nil {
			return
		}
	}
}
