// Package recognizer wraps continuous speech-to-text engines behind one
// adapter. Availability is platform-dependent and always optional: a
// missing engine degrades the attempt to video-only capture.
package recognizer

import (
	"context"
	"errors"
	"fmt"

	"github.com/tokenbridge-labs/kyc-core/internal/config"
)

// ErrUnavailable means no speech engine could be opened. Non-fatal by
// contract; callers log it and continue without a transcript.
var ErrUnavailable = errors.New("recognizer: no speech engine available")

// Result is one recognition event. Final text is permanent; interim
// text is advisory only.
type Result struct {
	Text       string
	Final      bool
	Confidence float64
}

// Session is one continuous listening run. Results closes when
// listening halts. Stop is safe to call more than once.
type Session interface {
	Results() <-chan Result
	Stop()
}

// Recognizer abstracts STT backends. The pcm channel is the audio tap
// of the live capture stream; a session listens until it closes or Stop
// is called.
type Recognizer interface {
	Start(ctx context.Context, language string, pcm <-chan []byte) (Session, error)
}

// New builds the configured backend.
func New(ctx context.Context, cfg config.RecognizerConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockRecognizer(""), nil
	case "exec":
		return NewExecRecognizer(cfg)
	case "google":
		return NewGoogleRecognizer(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown recognizer mode %q", cfg.Mode)
	}
}
