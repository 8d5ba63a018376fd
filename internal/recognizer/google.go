package recognizer

import (
	"context"
	"fmt"
	"io"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "google.golang.org/genproto/googleapis/cloud/speech/v1"

	"github.com/tokenbridge-labs/kyc-core/internal/config"
)

// googleRecognizer streams audio to Google Cloud Speech-to-Text.
// Requires GOOGLE_APPLICATION_CREDENTIALS in the environment.
type googleRecognizer struct {
	client *speech.Client
	cfg    config.RecognizerConfig
}

func NewGoogleRecognizer(ctx context.Context, cfg config.RecognizerConfig) (Recognizer, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &googleRecognizer{client: c, cfg: cfg}, nil
}

func (g *googleRecognizer) Start(ctx context.Context, language string, pcm <-chan []byte) (Session, error) {
	stream, err := g.client.StreamingRecognize(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: open stream: %v", ErrUnavailable, err)
	}

	if language == "" {
		language = g.cfg.Language
	}
	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:        speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz: int32(g.cfg.SampleRate),
					LanguageCode:    language,
				},
				InterimResults: g.cfg.Interim,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("send streaming config: %w", err)
	}

	s := &googleSession{
		results: make(chan Result, 8),
		done:    make(chan struct{}),
	}

	// feed audio until the tap closes, then half-close the stream
	go func() {
		for {
			select {
			case <-ctx.Done():
				_ = stream.CloseSend()
				return
			case <-s.done:
				_ = stream.CloseSend()
				return
			case frame, ok := <-pcm:
				if !ok {
					_ = stream.CloseSend()
					return
				}
				req := &speechpb.StreamingRecognizeRequest{
					StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
						AudioContent: frame,
					},
				}
				if err := stream.Send(req); err != nil {
					_ = stream.CloseSend()
					return
				}
			}
		}
	}()

	// receive transcripts until the server closes the stream
	go func() {
		defer close(s.results)
		for {
			resp, err := stream.Recv()
			if err == io.EOF {
				return
			}
			if err != nil {
				return
			}
			for _, r := range resp.Results {
				if len(r.Alternatives) == 0 {
					continue
				}
				alt := r.Alternatives[0]
				select {
				case s.results <- Result{
					Text:       alt.Transcript,
					Final:      r.IsFinal,
					Confidence: float64(alt.Confidence),
				}:
				case <-s.done:
					return
				}
			}
		}
	}()

	return s, nil
}

type googleSession struct {
	results  chan Result
	done     chan struct{}
	stopOnce sync.Once
}

func (s *googleSession) Results() <-chan Result { return s.results }

func (s *googleSession) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}
