package recognizer

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"

	"github.com/tokenbridge-labs/kyc-core/internal/config"
)

// execRecognizer shells out to a whisper-style CLI. Audio buffers while
// the session listens; the command runs once over the accumulated take
// and its output becomes the final transcript event.
type execRecognizer struct {
	cmd []string
	cfg config.RecognizerConfig
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecRecognizer(cfg config.RecognizerConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse recognizer command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("recognizer command is empty")
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return nil, fmt.Errorf("%w: command %q not found", ErrUnavailable, args[0])
	}
	return &execRecognizer{cmd: args, cfg: cfg}, nil
}

func (r *execRecognizer) Start(ctx context.Context, language string, pcm <-chan []byte) (Session, error) {
	s := &execSession{
		results: make(chan Result, 1),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(s.results)
		var buffer []byte
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case frame, ok := <-pcm:
				if !ok {
					if len(buffer) == 0 {
						return
					}
					result, err := r.transcribe(ctx, buffer, language)
					if err == nil && result.Text != "" {
						s.results <- Result{Text: result.Text, Final: true, Confidence: result.Confidence}
					}
					return
				}
				buffer = append(buffer, frame...)
			}
		}
	}()
	return s, nil
}

func (r *execRecognizer) transcribe(ctx context.Context, pcm []byte, language string) (execResult, error) {
	file, err := os.CreateTemp(os.TempDir(), "kyc_stt_*.wav")
	if err != nil {
		return execResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, r.cfg.SampleRate, r.cfg.Channels); err != nil {
		return execResult{}, err
	}

	args := append([]string{}, r.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if r.cfg.ModelPath != "" {
		args = append(args, "--model", r.cfg.ModelPath)
	}
	if language != "" {
		args = append(args, "--language", language)
	}

	command := exec.CommandContext(ctx, r.cmd[0], args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return execResult{}, fmt.Errorf("recognizer command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return execResult{}, fmt.Errorf("decode recognizer response: %w", err)
	}
	return resp, nil
}

type execSession struct {
	results  chan Result
	done     chan struct{}
	stopOnce sync.Once
}

func (s *execSession) Results() <-chan Result { return s.results }

func (s *execSession) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
