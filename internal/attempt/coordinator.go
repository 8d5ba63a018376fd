// Package attempt drives a video-KYC verification attempt through its
// state machine: Idle -> Recording -> Scoring -> Uploading -> Verified
// or Failed.
package attempt

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tokenbridge-labs/kyc-core/internal/attemptstore"
	"github.com/tokenbridge-labs/kyc-core/internal/bus"
	"github.com/tokenbridge-labs/kyc-core/internal/capture"
	"github.com/tokenbridge-labs/kyc-core/internal/config"
	"github.com/tokenbridge-labs/kyc-core/internal/protocol"
	"github.com/tokenbridge-labs/kyc-core/internal/recognizer"
	"github.com/tokenbridge-labs/kyc-core/internal/score"
	"github.com/tokenbridge-labs/kyc-core/internal/verify"
)

// State names an attempt's position in the verification flow.
type State string

const (
	StateIdle      State = "Idle"
	StateRecording State = "Recording"
	StateScoring   State = "Scoring"
	StateUploading State = "Uploading"
	StateVerified  State = "Verified"
	StateFailed    State = "Failed"
)

var (
	// ErrAttemptActive means an attempt is already in progress.
	ErrAttemptActive = errors.New("attempt: an attempt is already active")
	// ErrUnknownAttempt means the given id matches no current attempt.
	ErrUnknownAttempt = errors.New("attempt: unknown attempt id")
	// ErrSubmissionInFlight guards against re-entrant uploads.
	ErrSubmissionInFlight = errors.New("attempt: a submission is already in flight")
)

// Verifier is the outward verification call.
type Verifier interface {
	Submit(ctx context.Context, sub verify.Submission) (verify.Response, error)
}

// Snapshot is the attempt state exposed to the host UI.
type Snapshot struct {
	AttemptID   string   `json:"attempt_id"`
	State       State    `json:"state"`
	Transcript  string   `json:"transcript,omitempty"`
	Interim     string   `json:"interim,omitempty"`
	Score       *float64 `json:"score,omitempty"`
	Message     string   `json:"message,omitempty"`
	PreviewPath string   `json:"preview_path,omitempty"`
	ChunkCount  int      `json:"chunk_count"`
}

// Coordinator owns the single active attempt. It packages the recorded
// artifact with transcript and score, submits it, and signals terminal
// states over the bus.
type Coordinator struct {
	reference  string
	language   string
	maxRecord  time.Duration
	capture    *capture.Controller
	recognizer recognizer.Recognizer
	verifier   Verifier
	bus        *bus.Client
	store      *attemptstore.Store
	log        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	state      State
	attemptID  string
	sess       *capture.Session
	recSess    recognizer.Session
	transcript *recognizer.Transcript
	scoreVal   *float64
	message    string
	uploading  bool
	finalized  bool
	watchDone  chan struct{}
	recTimer   *time.Timer

	meter            metric.Meter
	attemptsStarted  metric.Int64Counter
	attemptsSettled  metric.Int64Counter
	uploadDurationMS metric.Float64Histogram
}

func NewCoordinator(
	parent context.Context,
	cfg config.Config,
	captureCtrl *capture.Controller,
	rec recognizer.Recognizer,
	verifier Verifier,
	busClient *bus.Client,
	store *attemptstore.Store,
	log *slog.Logger,
) *Coordinator {
	ctx, cancel := context.WithCancel(parent)
	c := &Coordinator{
		reference:  cfg.Attempt.Reference,
		language:   cfg.Recognizer.Language,
		maxRecord:  time.Duration(cfg.Capture.MaxDurationMS) * time.Millisecond,
		capture:    captureCtrl,
		recognizer: rec,
		verifier:   verifier,
		bus:        busClient,
		store:      store,
		log:        log.With(slog.String("component", "attempt")),
		ctx:        ctx,
		cancel:     cancel,
		state:      StateIdle,
		transcript: recognizer.NewTranscript(),
		meter:      otel.Meter("github.com/tokenbridge-labs/kyc-core/attempt"),
	}
	c.initMetrics()
	return c
}

func (c *Coordinator) initMetrics() {
	var err error
	c.attemptsStarted, err = c.meter.Int64Counter("kyc.attempts.started")
	if err == nil {
		c.attemptsSettled, err = c.meter.Int64Counter("kyc.attempts.settled")
	}
	if err == nil {
		c.uploadDurationMS, err = c.meter.Float64Histogram("kyc.upload.duration_ms")
	}
	if err != nil {
		c.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
}

// Close aborts any in-progress attempt and waits for workers.
func (c *Coordinator) Close() {
	c.mu.Lock()
	id := c.attemptID
	c.mu.Unlock()
	if id != "" {
		_ = c.Reset(id)
	}
	c.cancel()
	c.wg.Wait()
}

// Start opens a new attempt: acquires the capture device, begins
// recording and speech recognition, and enters Recording. A second
// start while an attempt is active is refused without touching it.
func (c *Coordinator) Start() (string, error) {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateVerified && c.state != StateFailed {
		c.mu.Unlock()
		return "", ErrAttemptActive
	}
	c.mu.Unlock()

	id := uuid.NewString()

	sess, err := c.capture.Start(c.ctx, id)
	if err != nil {
		if errors.Is(err, capture.ErrSessionActive) {
			return "", ErrAttemptActive
		}
		return "", err
	}

	c.mu.Lock()
	c.attemptID = id
	c.sess = sess
	c.scoreVal = nil
	c.message = ""
	c.uploading = false
	c.finalized = false
	c.recSess = nil
	c.transcript.Reset()
	c.watchDone = nil
	c.mu.Unlock()

	if c.store != nil {
		c.record(func(ctx context.Context) error {
			return c.store.AppendAttempt(ctx, id, c.reference)
		})
	}

	if c.recognizer != nil {
		recSess, err := c.recognizer.Start(c.ctx, c.language, sess.PCMTap())
		if err != nil {
			// degraded attempt: video only, no transcript or score
			c.log.Warn("speech recognizer unavailable, continuing video-only",
				slog.String("attempt_id", id),
				slog.String("error", err.Error()))
		} else {
			done := make(chan struct{})
			c.mu.Lock()
			c.recSess = recSess
			c.watchDone = done
			c.mu.Unlock()
			c.wg.Add(1)
			go c.watch(id, recSess, done)
		}
	}

	c.mu.Lock()
	c.recTimer = time.AfterFunc(c.maxRecord, func() {
		c.log.Info("max recording duration reached", slog.String("attempt_id", id))
		_ = c.Stop(id)
	})
	c.mu.Unlock()

	c.setState(StateRecording, nil, "")
	if c.attemptsStarted != nil {
		c.attemptsStarted.Add(c.ctx, 1)
	}
	return id, nil
}

// watch consumes recognition events in arrival order. The first final
// result computes a score and auto-finalizes the attempt, matching the
// portal's submit-on-score behavior. Events for an attempt that is no
// longer current, or that arrive after a reset detached the transcript,
// are dropped: only a live Recording attempt may take a score.
func (c *Coordinator) watch(id string, sess recognizer.Session, done chan struct{}) {
	defer c.wg.Done()
	defer close(done)
	for result := range sess.Results() {
		c.mu.Lock()
		current := c.attemptID == id
		c.mu.Unlock()
		if !current {
			continue
		}
		if !c.transcript.Apply(result) {
			continue
		}
		c.publishTranscript(id, result)
		if !result.Final {
			continue
		}
		pct := score.Accuracy(c.transcript.Text(), c.reference)
		c.mu.Lock()
		shouldFinalize := c.attemptID == id && c.state == StateRecording && !c.finalized
		if shouldFinalize {
			c.scoreVal = &pct
		}
		c.mu.Unlock()
		if shouldFinalize {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				_ = c.Stop(id)
			}()
		}
	}
}

// Stop finalizes the attempt: Recording -> Scoring, device released,
// transcript flushed, score computed, then the submission uploads.
// Calling it again once finalization began is a no-op.
func (c *Coordinator) Stop(id string) error {
	c.mu.Lock()
	if c.attemptID != id {
		c.mu.Unlock()
		return ErrUnknownAttempt
	}
	if c.finalized || c.state != StateRecording {
		c.mu.Unlock()
		return nil
	}
	c.finalized = true
	sess := c.sess
	timer := c.recTimer
	watchDone := c.watchDone
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}

	c.setState(StateScoring, c.currentScore(), "")

	// releasing the device closes the audio tap, which lets the
	// recognizer flush its trailing final result
	_ = c.capture.Stop(sess)
	if watchDone != nil {
		select {
		case <-watchDone:
		case <-c.ctx.Done():
			return c.ctx.Err()
		}
	}

	// recompute over the full transcript: a trailing final flushed
	// during the stop may have extended it past the auto-finalize score
	c.mu.Lock()
	if c.transcript.HasFinal() {
		pct := score.Accuracy(c.transcript.Text(), c.reference)
		c.scoreVal = &pct
	}
	c.mu.Unlock()

	return c.submit(id)
}

// submit uploads the packaged attempt. Exactly one submission may be in
// flight; a low score never blocks the upload.
func (c *Coordinator) submit(id string) error {
	c.mu.Lock()
	if c.attemptID != id {
		c.mu.Unlock()
		return ErrUnknownAttempt
	}
	if c.uploading {
		c.mu.Unlock()
		return ErrSubmissionInFlight
	}
	sess := c.sess
	c.uploading = true
	c.mu.Unlock()

	artifact := sess.Artifact()
	if len(artifact) == 0 {
		c.mu.Lock()
		c.uploading = false
		c.mu.Unlock()
		c.fail(id, "nothing was recorded")
		return nil
	}

	scoreVal := c.currentScore()
	sub := verify.Submission{
		AttemptID:    id,
		Video:        artifact,
		MimeType:     sess.MimeType,
		OriginalText: c.reference,
		SpokenText:   c.transcript.Text(),
		Accuracy:     scoreVal,
	}
	c.setState(StateUploading, scoreVal, "")

	started := time.Now()
	resp, err := c.verifier.Submit(c.ctx, sub)
	elapsed := time.Since(started)
	if c.uploadDurationMS != nil {
		c.uploadDurationMS.Record(c.ctx, float64(elapsed.Milliseconds()))
	}

	c.mu.Lock()
	c.uploading = false
	stillCurrent := c.attemptID == id && c.state == StateUploading
	c.mu.Unlock()
	if !stillCurrent {
		// the user reset mid-upload; the outcome no longer matters
		return nil
	}

	if err != nil {
		c.log.Warn("verification upload failed",
			slog.String("attempt_id", id),
			slog.String("error", err.Error()))
		c.fail(id, humanMessage(err))
		return nil
	}
	if resp.Status != verify.StatusCompleted {
		c.fail(id, rejectionMessage(resp))
		return nil
	}

	message := resp.Message
	if scoreVal != nil {
		message = fmt.Sprintf("%s (accuracy %s)", message, score.Band(*scoreVal))
	}
	c.setState(StateVerified, scoreVal, message)
	if c.attemptsSettled != nil {
		c.attemptsSettled.Add(c.ctx, 1, metric.WithAttributes(attribute.String("outcome", "verified")))
	}

	// recorded media is not kept once the backend verdict is in
	c.capture.Reset(c.sessFor(id))
	return nil
}

// fail publishes the Failed state, discards recorded data and the
// transcript, and returns the coordinator to a usable Idle state. The
// transcript stays detached until the next start so in-flight results
// cannot repopulate it.
func (c *Coordinator) fail(id, message string) {
	c.setState(StateFailed, c.currentScore(), message)
	if c.attemptsSettled != nil {
		c.attemptsSettled.Add(c.ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
	}

	c.transcript.Detach()
	c.capture.Reset(c.sessFor(id))

	c.mu.Lock()
	c.scoreVal = nil
	c.transcript.Discard()
	c.mu.Unlock()

	c.setState(StateIdle, nil, message)
}

// Reset forces the attempt back to Idle from any state, aborting
// capture and recognition. In-flight asynchronous events arriving after
// the reset are ignored rather than mutating torn-down state.
func (c *Coordinator) Reset(id string) error {
	c.mu.Lock()
	if c.attemptID != id {
		c.mu.Unlock()
		return ErrUnknownAttempt
	}
	sess := c.sess
	recSess := c.recSess
	timer := c.recTimer
	c.finalized = true
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	c.transcript.Detach()
	if recSess != nil {
		recSess.Stop()
	}
	c.capture.Reset(sess)

	c.mu.Lock()
	c.scoreVal = nil
	c.message = ""
	c.transcript.Discard()
	c.recSess = nil
	c.uploading = false
	c.mu.Unlock()

	c.setState(StateIdle, nil, "cancelled")
	return nil
}

// Snapshot returns the current attempt state for the host UI.
func (c *Coordinator) Snapshot(id string) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attemptID != id {
		return Snapshot{}, ErrUnknownAttempt
	}
	snap := Snapshot{
		AttemptID:  c.attemptID,
		State:      c.state,
		Transcript: c.transcript.Text(),
		Interim:    c.transcript.Interim(),
		Score:      c.scoreVal,
		Message:    c.message,
	}
	if c.sess != nil {
		snap.PreviewPath = c.sess.PreviewPath()
		snap.ChunkCount = c.sess.ChunkCount()
	}
	return snap, nil
}

// State returns the coordinator's current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) sessFor(id string) *capture.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attemptID != id {
		return nil
	}
	return c.sess
}

func (c *Coordinator) currentScore() *float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scoreVal
}

func (c *Coordinator) setState(state State, scoreVal *float64, message string) {
	c.mu.Lock()
	c.state = state
	c.message = message
	id := c.attemptID
	c.mu.Unlock()

	c.log.Info("attempt state changed",
		slog.String("attempt_id", id),
		slog.String("state", string(state)))

	if c.store != nil {
		t := attemptstore.Transition{AttemptID: id, State: string(state), Message: message}
		if scoreVal != nil {
			t.Score = sql.NullFloat64{Float64: *scoreVal, Valid: true}
		}
		c.record(func(ctx context.Context) error {
			return c.store.AppendTransition(ctx, t)
		})
	}

	c.publishStatus(protocol.AttemptStatus{
		AttemptID: id,
		State:     string(state),
		Score:     scoreVal,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

func (c *Coordinator) record(fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		c.log.Warn("attempt store write failed", slog.String("error", err.Error()))
	}
}

func (c *Coordinator) publishTranscript(id string, result recognizer.Result) {
	if c.bus == nil || result.Text == "" {
		return
	}
	msg := protocol.Transcript{
		AttemptID:  id,
		Text:       result.Text,
		Partial:    !result.Final,
		Timestamp:  time.Now().UTC(),
		Confidence: result.Confidence,
	}
	subject := protocol.SubjectTranscriptPartial
	if result.Final {
		subject = protocol.SubjectTranscriptFinal
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Warn("failed to marshal transcript", slog.String("error", err.Error()))
		return
	}
	if err := c.bus.Conn().Publish(subject, data); err != nil {
		c.log.Warn("failed to publish transcript", slog.String("error", err.Error()))
	}
}

func (c *Coordinator) publishStatus(status protocol.AttemptStatus) {
	if c.bus == nil {
		return
	}
	data, err := json.Marshal(status)
	if err != nil {
		c.log.Warn("failed to marshal attempt status", slog.String("error", err.Error()))
		return
	}
	if err := c.bus.Conn().Publish(protocol.SubjectAttemptStatus, data); err != nil {
		c.log.Warn("failed to publish attempt status", slog.String("error", err.Error()))
	}
}

func humanMessage(err error) string {
	switch {
	case errors.Is(err, verify.ErrMalformedResponse):
		return "verification service returned an unexpected reply, please try again"
	case errors.Is(err, verify.ErrUploadFailed):
		return "video upload failed, please try again"
	default:
		return err.Error()
	}
}

func rejectionMessage(resp verify.Response) string {
	if resp.Message != "" {
		return resp.Message
	}
	return fmt.Sprintf("verification rejected with status %s", resp.Status)
}
