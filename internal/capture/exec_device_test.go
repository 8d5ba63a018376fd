package capture

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestExecOpenWarnsWhenAudioTapFails(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	dev := &execDevice{
		cmd:       []string{"cat"},
		audioCmd:  []string{"/nonexistent/audio-tap"},
		chunkSize: 1024,
		log:       logger,
	}

	stream, err := dev.Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Stop()

	// the attempt degrades to video-only: pcm closed, failure logged
	if _, ok := <-stream.PCM(); ok {
		t.Fatal("pcm channel must be closed when the audio tap cannot start")
	}
	if !strings.Contains(buf.String(), "audio capture unavailable") {
		t.Fatalf("expected a warning about the audio tap, got %q", buf.String())
	}
}
