package recognizer

import (
	"context"
	"sync"
)

type mockRecognizer struct {
	phrase string
}

// NewMockRecognizer returns a recognizer that emits the given phrase as
// a single final result once the audio tap closes. An empty phrase
// emits a fixed placeholder.
func NewMockRecognizer(phrase string) Recognizer {
	if phrase == "" {
		phrase = "mock transcript"
	}
	return &mockRecognizer{phrase: phrase}
}

func (m *mockRecognizer) Start(ctx context.Context, _ string, pcm <-chan []byte) (Session, error) {
	s := &mockSession{
		results: make(chan Result, 1),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(s.results)
		frames := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case _, ok := <-pcm:
				if !ok {
					if frames > 0 {
						s.results <- Result{Text: m.phrase, Final: true, Confidence: 1}
					}
					return
				}
				frames++
			}
		}
	}()
	return s, nil
}

type mockSession struct {
	results  chan Result
	done     chan struct{}
	stopOnce sync.Once
}

func (s *mockSession) Results() <-chan Result { return s.results }

func (s *mockSession) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}
