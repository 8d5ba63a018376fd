package protocol

import "time"

// Transcript represents recognizer output broadcast on the bus.
type Transcript struct {
	AttemptID  string    `json:"attempt_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// AttemptStatus announces a state transition of a verification attempt.
// Terminal states carry the outcome the host UI acts on.
type AttemptStatus struct {
	AttemptID string    `json:"attempt_id"`
	State     string    `json:"state"`
	Score     *float64  `json:"score,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial = "kyc.transcript.partial"
	SubjectTranscriptFinal   = "kyc.transcript.final"
	SubjectAttemptStatus     = "kyc.attempt.status"
)
