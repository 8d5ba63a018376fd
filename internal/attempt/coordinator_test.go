package attempt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tokenbridge-labs/kyc-core/internal/attemptstore"
	"github.com/tokenbridge-labs/kyc-core/internal/capture"
	"github.com/tokenbridge-labs/kyc-core/internal/config"
	"github.com/tokenbridge-labs/kyc-core/internal/recognizer"
	"github.com/tokenbridge-labs/kyc-core/internal/verify"
)

const testReference = "I accept the terms and conditions, understand the risks, and take full responsibility for my investment."

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testCoordinatorConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Attempt.Reference = testReference
	cfg.Capture.PreviewDir = t.TempDir()
	cfg.Capture.MaxDurationMS = 60000
	return cfg
}

// fakeDevice emits one chunk immediately, then holds the stream open
// until stopped.
type fakeDevice struct {
	mu     sync.Mutex
	opened int
}

func (d *fakeDevice) Probe() capture.Capability { return capture.Capability{Available: true} }

func (d *fakeDevice) Open(ctx context.Context) (capture.Stream, error) {
	d.mu.Lock()
	d.opened++
	d.mu.Unlock()
	s := &fakeStream{
		chunks: make(chan capture.Chunk, 4),
		pcm:    make(chan []byte, 4),
	}
	s.chunks <- capture.Chunk{Sequence: 0, Data: []byte("recorded-webm-bytes")}
	s.pcm <- make([]byte, 320)
	return s, nil
}

type fakeStream struct {
	chunks   chan capture.Chunk
	pcm      chan []byte
	stopOnce sync.Once
}

func (s *fakeStream) Chunks() <-chan capture.Chunk { return s.chunks }
func (s *fakeStream) PCM() <-chan []byte           { return s.pcm }
func (s *fakeStream) Stop() error {
	s.stopOnce.Do(func() {
		close(s.chunks)
		close(s.pcm)
	})
	return nil
}

// scriptedRecognizer emits the scripted results as soon as the session
// starts, simulating finals arriving while recording is still live.
type scriptedRecognizer struct {
	results []recognizer.Result
}

func (r *scriptedRecognizer) Start(ctx context.Context, _ string, pcm <-chan []byte) (recognizer.Session, error) {
	s := &scriptedRecSession{results: make(chan recognizer.Result, len(r.results))}
	go func() {
		defer close(s.results)
		for _, result := range r.results {
			s.results <- result
		}
		// keep draining the tap so the capture side never blocks
		for range pcm {
		}
	}()
	return s, nil
}

type scriptedRecSession struct {
	results chan recognizer.Result
}

func (s *scriptedRecSession) Results() <-chan recognizer.Result { return s.results }
func (s *scriptedRecSession) Stop()                             {}

// unavailableRecognizer always fails to open.
type unavailableRecognizer struct{}

func (unavailableRecognizer) Start(context.Context, string, <-chan []byte) (recognizer.Session, error) {
	return nil, recognizer.ErrUnavailable
}

// manualRecognizer hands out a session whose results the test injects,
// so events can be timed around coordinator transitions.
type manualRecognizer struct {
	sess *manualRecSession
}

func (r *manualRecognizer) Start(ctx context.Context, _ string, pcm <-chan []byte) (recognizer.Session, error) {
	go func() {
		for range pcm {
		}
	}()
	return r.sess, nil
}

type manualRecSession struct {
	results chan recognizer.Result
}

func (s *manualRecSession) Results() <-chan recognizer.Result { return s.results }
func (s *manualRecSession) Stop()                             {}

// fakeVerifier records submissions and replies per script.
type fakeVerifier struct {
	mu       sync.Mutex
	subs     []verify.Submission
	resp     verify.Response
	err      error
	delay    time.Duration
	inflight atomic.Int32
	maxSeen  atomic.Int32
}

func (v *fakeVerifier) Submit(ctx context.Context, sub verify.Submission) (verify.Response, error) {
	cur := v.inflight.Add(1)
	if cur > v.maxSeen.Load() {
		v.maxSeen.Store(cur)
	}
	defer v.inflight.Add(-1)
	if v.delay > 0 {
		select {
		case <-time.After(v.delay):
		case <-ctx.Done():
			return verify.Response{}, ctx.Err()
		}
	}
	v.mu.Lock()
	v.subs = append(v.subs, sub)
	v.mu.Unlock()
	if v.err != nil {
		return verify.Response{}, v.err
	}
	return v.resp, nil
}

func (v *fakeVerifier) submissions() []verify.Submission {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]verify.Submission, len(v.subs))
	copy(out, v.subs)
	return out
}

func newTestCoordinator(t *testing.T, rec recognizer.Recognizer, verifier Verifier) *Coordinator {
	cfg := testCoordinatorConfig(t)
	ctrl := capture.NewController(cfg.Capture, &fakeDevice{}, newLogger())
	c := NewCoordinator(context.Background(), cfg, ctrl, rec, verifier, nil, nil, newLogger())
	t.Cleanup(c.Close)
	return c
}

func waitForState(t *testing.T, c *Coordinator, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %q, want %q", c.State(), want)
}

func TestVerbatimSpeechVerifiedEndToEnd(t *testing.T) {
	rec := &scriptedRecognizer{results: []recognizer.Result{
		{Text: testReference, Final: true, Confidence: 0.97},
	}}
	verifier := &fakeVerifier{resp: verify.Response{Status: verify.StatusCompleted, Message: "ok"}}
	c := newTestCoordinator(t, rec, verifier)

	id, err := c.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// the final transcript auto-finalizes: Recording -> Scoring ->
	// Uploading -> Verified without an explicit stop
	waitForState(t, c, StateVerified)

	subs := verifier.submissions()
	if len(subs) != 1 {
		t.Fatalf("expected exactly one submission, got %d", len(subs))
	}
	sub := subs[0]
	if sub.SpokenText != testReference {
		t.Fatalf("spoken text = %q", sub.SpokenText)
	}
	if sub.Accuracy == nil || *sub.Accuracy != 100 {
		t.Fatalf("accuracy = %v, want 100 for verbatim speech", sub.Accuracy)
	}
	if sub.OriginalText != testReference {
		t.Fatalf("original text = %q", sub.OriginalText)
	}
	if len(sub.Video) == 0 {
		t.Fatal("submission must carry the recorded artifact")
	}

	snap, err := c.Snapshot(id)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.State != StateVerified {
		t.Fatalf("snapshot state = %q, want Verified", snap.State)
	}
}

func TestLowScoreStillSubmits(t *testing.T) {
	rec := &scriptedRecognizer{results: []recognizer.Result{
		{Text: "completely unrelated words about the weather today", Final: true},
	}}
	verifier := &fakeVerifier{resp: verify.Response{Status: verify.StatusCompleted}}
	c := newTestCoordinator(t, rec, verifier)

	if _, err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, c, StateVerified)

	subs := verifier.submissions()
	if len(subs) != 1 {
		t.Fatalf("low score must not block submission, got %d submissions", len(subs))
	}
	if subs[0].Accuracy == nil || *subs[0].Accuracy >= 60 {
		t.Fatalf("accuracy = %v, expected a low score below 60", subs[0].Accuracy)
	}
}

func TestSecondStartRejected(t *testing.T) {
	verifier := &fakeVerifier{resp: verify.Response{Status: verify.StatusCompleted}}
	c := newTestCoordinator(t, &scriptedRecognizer{}, verifier)

	id, err := c.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := c.Start(); !errors.Is(err, ErrAttemptActive) {
		t.Fatalf("expected ErrAttemptActive, got %v", err)
	}
	if c.State() != StateRecording {
		t.Fatalf("first attempt must survive a rejected second start, state = %q", c.State())
	}
	_ = c.Reset(id)
}

func TestFailedUploadReturnsToIdleWithClearedData(t *testing.T) {
	rec := &scriptedRecognizer{results: []recognizer.Result{
		{Text: testReference, Final: true},
	}}
	verifier := &fakeVerifier{err: verify.ErrUploadFailed}
	c := newTestCoordinator(t, rec, verifier)

	id, err := c.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, c, StateIdle)

	snap, err := c.Snapshot(id)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.State != StateIdle {
		t.Fatalf("state = %q, want Idle after failed upload", snap.State)
	}
	if snap.ChunkCount != 0 {
		t.Fatalf("recorded chunks = %d, want 0 after failure", snap.ChunkCount)
	}
	if snap.Transcript != "" {
		t.Fatalf("transcript = %q, want empty after failure", snap.Transcript)
	}
	if snap.Score != nil {
		t.Fatalf("score = %v, want nil after failure", snap.Score)
	}
	if snap.Message == "" {
		t.Fatal("failure must leave an explanatory message")
	}

	// the flow is retryable from here
	if _, err := c.Start(); err != nil {
		t.Fatalf("start after failure: %v", err)
	}
}

func TestRejectionStatusTreatedAsFailure(t *testing.T) {
	rec := &scriptedRecognizer{results: []recognizer.Result{{Text: testReference, Final: true}}}
	verifier := &fakeVerifier{resp: verify.Response{Status: "REJECTED", Message: "face mismatch"}}
	c := newTestCoordinator(t, rec, verifier)

	id, err := c.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, c, StateIdle)

	snap, _ := c.Snapshot(id)
	if snap.Message != "face mismatch" {
		t.Fatalf("message = %q, want the endpoint's rejection message", snap.Message)
	}
}

func TestRecognizerUnavailableStillUploads(t *testing.T) {
	verifier := &fakeVerifier{resp: verify.Response{Status: verify.StatusCompleted}}
	c := newTestCoordinator(t, unavailableRecognizer{}, verifier)

	id, err := c.Start()
	if err != nil {
		t.Fatalf("start must tolerate a missing speech engine: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := c.Stop(id); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitForState(t, c, StateVerified)

	subs := verifier.submissions()
	if len(subs) != 1 {
		t.Fatalf("expected one submission, got %d", len(subs))
	}
	if subs[0].Accuracy != nil {
		t.Fatalf("accuracy = %v, want nil without a recognizer", subs[0].Accuracy)
	}
	if subs[0].SpokenText != "" {
		t.Fatalf("spoken text = %q, want empty without a recognizer", subs[0].SpokenText)
	}
}

func TestStopTwiceIsNoOp(t *testing.T) {
	verifier := &fakeVerifier{resp: verify.Response{Status: verify.StatusCompleted}}
	c := newTestCoordinator(t, unavailableRecognizer{}, verifier)

	id, err := c.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := c.Stop(id); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	waitForState(t, c, StateVerified)
	if err := c.Stop(id); err != nil {
		t.Fatalf("second stop must be a no-op, got %v", err)
	}
	if got := len(verifier.submissions()); got != 1 {
		t.Fatalf("double stop produced %d submissions, want 1", got)
	}
}

func TestSingleSubmissionInFlight(t *testing.T) {
	rec := &scriptedRecognizer{results: []recognizer.Result{{Text: testReference, Final: true}}}
	verifier := &fakeVerifier{
		resp:  verify.Response{Status: verify.StatusCompleted},
		delay: 100 * time.Millisecond,
	}
	c := newTestCoordinator(t, rec, verifier)

	id, err := c.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, c, StateUploading)

	// a racing "Continue" press while the upload is outstanding
	if err := c.submit(id); !errors.Is(err, ErrSubmissionInFlight) {
		t.Fatalf("expected ErrSubmissionInFlight, got %v", err)
	}

	waitForState(t, c, StateVerified)
	if got := verifier.maxSeen.Load(); got != 1 {
		t.Fatalf("observed %d concurrent submissions, want 1", got)
	}
	if got := len(verifier.submissions()); got != 1 {
		t.Fatalf("got %d submissions, want 1", got)
	}
}

func TestResetFromRecording(t *testing.T) {
	verifier := &fakeVerifier{resp: verify.Response{Status: verify.StatusCompleted}}
	c := newTestCoordinator(t, &scriptedRecognizer{}, verifier)

	id, err := c.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := c.Reset(id); err != nil {
		t.Fatalf("reset: %v", err)
	}

	snap, err := c.Snapshot(id)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.State != StateIdle || snap.ChunkCount != 0 || snap.Transcript != "" || snap.Score != nil {
		t.Fatalf("reset must leave a clean Idle state, got %+v", snap)
	}
	if got := len(verifier.submissions()); got != 0 {
		t.Fatalf("reset attempt must not upload, got %d submissions", got)
	}

	// a fresh attempt can start without re-granting the device
	if _, err := c.Start(); err != nil {
		t.Fatalf("start after reset: %v", err)
	}
}

func TestFinalArrivingAfterResetIsIgnored(t *testing.T) {
	rec := &manualRecognizer{sess: &manualRecSession{results: make(chan recognizer.Result, 1)}}
	verifier := &fakeVerifier{resp: verify.Response{Status: verify.StatusCompleted}}
	c := newTestCoordinator(t, rec, verifier)
	t.Cleanup(func() { close(rec.sess.results) })

	id, err := c.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Reset(id); err != nil {
		t.Fatalf("reset: %v", err)
	}

	// a buffered final the engine flushes after the user cancelled
	rec.sess.results <- recognizer.Result{Text: "late phrase", Final: true}
	time.Sleep(30 * time.Millisecond)

	snap, err := c.Snapshot(id)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.State != StateIdle {
		t.Fatalf("state = %q, want Idle after reset", snap.State)
	}
	if snap.Transcript != "" {
		t.Fatalf("transcript = %q, a late final must not repopulate cleared state", snap.Transcript)
	}
	if snap.Score != nil {
		t.Fatalf("score = %v, want nil after reset", snap.Score)
	}
	if got := len(verifier.submissions()); got != 0 {
		t.Fatalf("late final triggered %d submissions, want 0", got)
	}
}

func TestConcurrentAttemptStartsAdmitOne(t *testing.T) {
	verifier := &fakeVerifier{resp: verify.Response{Status: verify.StatusCompleted}}
	c := newTestCoordinator(t, unavailableRecognizer{}, verifier)

	var started atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Start()
			switch {
			case err == nil:
				started.Add(1)
			case !errors.Is(err, ErrAttemptActive):
				t.Errorf("unexpected start error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := started.Load(); got != 1 {
		t.Fatalf("%d simultaneous starts succeeded, want exactly 1", got)
	}
	if c.State() != StateRecording {
		t.Fatalf("state = %q, want Recording for the surviving attempt", c.State())
	}
}

func TestFailureTimelineRecordsReturnToIdle(t *testing.T) {
	cfg := testCoordinatorConfig(t)
	cfg.Store.Path = filepath.Join(t.TempDir(), "attempts.db")
	store, err := attemptstore.Open(context.Background(), cfg.Store, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctrl := capture.NewController(cfg.Capture, &fakeDevice{}, newLogger())
	rec := &scriptedRecognizer{results: []recognizer.Result{{Text: testReference, Final: true}}}
	verifier := &fakeVerifier{err: verify.ErrUploadFailed}
	c := NewCoordinator(context.Background(), cfg, ctrl, rec, verifier, nil, store, newLogger())
	t.Cleanup(c.Close)

	id, err := c.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, c, StateIdle)

	// the coordinator flips to Idle before the row lands, so poll
	var transitions []attemptstore.Transition
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		transitions, err = store.ListTransitions(context.Background(), id, 20)
		if err != nil {
			t.Fatalf("list transitions: %v", err)
		}
		if n := len(transitions); n > 0 && transitions[n-1].State == string(StateIdle) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	states := make([]string, 0, len(transitions))
	for _, tr := range transitions {
		states = append(states, tr.State)
	}
	n := len(states)
	if n < 2 || states[n-1] != string(StateIdle) || states[n-2] != string(StateFailed) {
		t.Fatalf("timeline = %v, want it to end Failed, Idle", states)
	}
}

func TestMaxDurationAutoStops(t *testing.T) {
	cfg := testCoordinatorConfig(t)
	cfg.Capture.MaxDurationMS = 30
	ctrl := capture.NewController(cfg.Capture, &fakeDevice{}, newLogger())
	verifier := &fakeVerifier{resp: verify.Response{Status: verify.StatusCompleted}}
	c := NewCoordinator(context.Background(), cfg, ctrl, unavailableRecognizer{}, verifier, nil, nil, newLogger())
	t.Cleanup(c.Close)

	if _, err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, c, StateVerified)
	if got := len(verifier.submissions()); got != 1 {
		t.Fatalf("auto-stop produced %d submissions, want 1", got)
	}
}
