package recognizer

import (
	"strings"
	"sync"
)

// Transcript accumulates recognition results for one attempt. Final
// phrases append in event-arrival order and are never overwritten;
// interim text is kept only as the latest advisory value. Once detached
// the transcript ignores further events, so in-flight results arriving
// after teardown cannot mutate it.
type Transcript struct {
	mu       sync.Mutex
	finals   []string
	interim  string
	detached bool
}

func NewTranscript() *Transcript {
	return &Transcript{}
}

// Apply records a recognition event and reports whether it was
// accepted. Detached transcripts and blank text are dropped.
func (t *Transcript) Apply(r Result) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.detached {
		return false
	}
	text := strings.TrimSpace(r.Text)
	if text == "" {
		return false
	}
	if r.Final {
		t.finals = append(t.finals, text)
		t.interim = ""
		return true
	}
	t.interim = text
	return true
}

// Detach stops the transcript from accepting further events.
func (t *Transcript) Detach() {
	t.mu.Lock()
	t.detached = true
	t.mu.Unlock()
}

// Discard wipes accumulated text while staying detached, so results
// still in flight from a torn-down session cannot repopulate it. Reset
// re-attaches for the next session.
func (t *Transcript) Discard() {
	t.mu.Lock()
	t.finals = nil
	t.interim = ""
	t.detached = true
	t.mu.Unlock()
}

// Reset clears all state for a fresh capture session.
func (t *Transcript) Reset() {
	t.mu.Lock()
	t.finals = nil
	t.interim = ""
	t.detached = false
	t.mu.Unlock()
}

// Text returns the permanent transcript: finalized phrases joined in
// arrival order.
func (t *Transcript) Text() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.finals, " ")
}

func (t *Transcript) Interim() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interim
}

// HasFinal reports whether at least one finalized phrase arrived.
func (t *Transcript) HasFinal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.finals) > 0
}
