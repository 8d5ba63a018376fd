// Package verify talks to the remote video-verification endpoint.
package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/tokenbridge-labs/kyc-core/internal/config"
)

var (
	// ErrUploadFailed covers network errors, timeouts and non-2xx replies.
	ErrUploadFailed = errors.New("verify: upload failed")
	// ErrMalformedResponse means the endpoint replied with an
	// undecodable payload. Treated the same as an upload failure.
	ErrMalformedResponse = errors.New("verify: malformed response")
)

// StatusCompleted is the endpoint's success marker.
const StatusCompleted = "COMPLETED"

// Submission is the packaged attempt: recorded artifact, reference
// text, spoken transcript and computed accuracy.
type Submission struct {
	AttemptID    string
	Video        []byte
	MimeType     string
	OriginalText string
	SpokenText   string
	Accuracy     *float64
}

// Response is the endpoint's verdict.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type Client struct {
	endpoint  string
	authToken string
	http      *http.Client
	log       *slog.Logger
}

func NewClient(cfg config.VerifyConfig, log *slog.Logger) *Client {
	return &Client{
		endpoint:  cfg.Endpoint,
		authToken: cfg.AuthToken,
		http: &http.Client{
			Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		},
		log: log.With(slog.String("component", "verify")),
	}
}

// Submit uploads the attempt as a multipart form. Field names follow
// the verification backend's contract: video, originalText, spokenText,
// accuracy.
func (c *Client) Submit(ctx context.Context, sub Submission) (Response, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)

	part, err := form.CreateFormFile("video", "recorded_video.webm")
	if err != nil {
		return Response{}, fmt.Errorf("create video part: %w", err)
	}
	if _, err := part.Write(sub.Video); err != nil {
		return Response{}, fmt.Errorf("write video part: %w", err)
	}
	if err := form.WriteField("originalText", sub.OriginalText); err != nil {
		return Response{}, fmt.Errorf("write originalText: %w", err)
	}
	if err := form.WriteField("spokenText", sub.SpokenText); err != nil {
		return Response{}, fmt.Errorf("write spokenText: %w", err)
	}
	accuracy := "0"
	if sub.Accuracy != nil {
		accuracy = strconv.FormatFloat(*sub.Accuracy, 'f', 2, 64)
	}
	if err := form.WriteField("accuracy", accuracy); err != nil {
		return Response{}, fmt.Errorf("write accuracy: %w", err)
	}
	if err := form.Close(); err != nil {
		return Response{}, fmt.Errorf("close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &body)
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer resp.Body.Close()

	c.log.Info("verification endpoint responded",
		slog.String("attempt_id", sub.AttemptID),
		slog.Int("status_code", resp.StatusCode),
		slog.Duration("elapsed", time.Since(started)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, fmt.Errorf("%w: endpoint returned %s", ErrUploadFailed, resp.Status)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Response{}, fmt.Errorf("%w: read body: %v", ErrUploadFailed, err)
	}

	var decoded Response
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if decoded.Status == "" {
		return Response{}, fmt.Errorf("%w: missing status field", ErrMalformedResponse)
	}
	return decoded, nil
}
