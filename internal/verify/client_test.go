package verify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tokenbridge-labs/kyc-core/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newClient(endpoint string, timeoutMS int) *Client {
	return NewClient(config.VerifyConfig{Endpoint: endpoint, TimeoutMS: timeoutMS}, newLogger())
}

func sampleSubmission() Submission {
	accuracy := 92.5
	return Submission{
		AttemptID:    "attempt-1",
		Video:        []byte("webm-bytes"),
		MimeType:     "video/webm",
		OriginalText: "reference statement",
		SpokenText:   "spoken statement",
		Accuracy:     &accuracy,
	}
}

func TestSubmitCompleted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if r.FormValue("originalText") != "reference statement" {
			t.Errorf("originalText = %q", r.FormValue("originalText"))
		}
		if r.FormValue("spokenText") != "spoken statement" {
			t.Errorf("spokenText = %q", r.FormValue("spokenText"))
		}
		if r.FormValue("accuracy") != "92.50" {
			t.Errorf("accuracy = %q, want 92.50", r.FormValue("accuracy"))
		}
		file, header, err := r.FormFile("video")
		if err != nil {
			t.Errorf("video part: %v", err)
		} else {
			defer file.Close()
			if header.Filename != "recorded_video.webm" {
				t.Errorf("filename = %q", header.Filename)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"COMPLETED","message":"verified"}`))
	}))
	defer srv.Close()

	resp, err := newClient(srv.URL, 5000).Submit(context.Background(), sampleSubmission())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.Status != StatusCompleted {
		t.Fatalf("status = %q, want COMPLETED", resp.Status)
	}
}

func TestSubmitNilAccuracySendsZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseMultipartForm(1 << 20)
		if r.FormValue("accuracy") != "0" {
			t.Errorf("accuracy = %q, want 0 when no score exists", r.FormValue("accuracy"))
		}
		_, _ = w.Write([]byte(`{"status":"COMPLETED"}`))
	}))
	defer srv.Close()

	sub := sampleSubmission()
	sub.Accuracy = nil
	if _, err := newClient(srv.URL, 5000).Submit(context.Background(), sub); err != nil {
		t.Fatalf("submit: %v", err)
	}
}

func TestSubmitNon2xxIsUploadFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL, 5000).Submit(context.Background(), sampleSubmission())
	if !errors.Is(err, ErrUploadFailed) {
		t.Fatalf("expected ErrUploadFailed, got %v", err)
	}
}

func TestSubmitMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	_, err := newClient(srv.URL, 5000).Submit(context.Background(), sampleSubmission())
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestSubmitMissingStatusField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":"fine but no status"}`))
	}))
	defer srv.Close()

	_, err := newClient(srv.URL, 5000).Submit(context.Background(), sampleSubmission())
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestSubmitTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write([]byte(`{"status":"COMPLETED"}`))
	}))
	defer srv.Close()

	_, err := newClient(srv.URL, 50).Submit(context.Background(), sampleSubmission())
	if !errors.Is(err, ErrUploadFailed) {
		t.Fatalf("expected ErrUploadFailed on timeout, got %v", err)
	}
}
