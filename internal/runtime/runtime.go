package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tokenbridge-labs/kyc-core/internal/attempt"
	"github.com/tokenbridge-labs/kyc-core/internal/attemptstore"
	"github.com/tokenbridge-labs/kyc-core/internal/bus"
	"github.com/tokenbridge-labs/kyc-core/internal/capability"
	"github.com/tokenbridge-labs/kyc-core/internal/capture"
	"github.com/tokenbridge-labs/kyc-core/internal/config"
	"github.com/tokenbridge-labs/kyc-core/internal/natsserver"
	"github.com/tokenbridge-labs/kyc-core/internal/recognizer"
	"github.com/tokenbridge-labs/kyc-core/internal/verify"
)

// Runtime owns the process lifecycle: telemetry, the message bus, the
// attempt store, the capture and recognition backends, and the HTTP
// control surface that drives verification attempts.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	coordinator *attempt.Coordinator
	registry    *capability.Registry
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS server: %w", err)
	}
	defer embedded.Shutdown()

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer busClient.Close()

	store, err := attemptstore.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open attempt store: %w", err)
	}
	defer store.Close()
	if err := store.Prune(ctx); err != nil {
		r.logger.Warn("attempt store prune failed", slog.String("error", err.Error()))
	}

	device, err := capture.NewDevice(r.cfg.Capture, r.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize capture backend: %w", err)
	}
	captureCtrl := capture.NewController(r.cfg.Capture, device, r.logger)

	var rec recognizer.Recognizer
	if r.cfg.Recognizer.Enabled {
		rec, err = recognizer.New(ctx, r.cfg.Recognizer)
		if err != nil {
			// Attempts still run without transcripts; the submission
			// carries an empty spoken text and a zero accuracy.
			r.logger.Warn("speech recognizer unavailable, continuing without scoring",
				slog.String("mode", r.cfg.Recognizer.Mode),
				slog.String("error", err.Error()))
			rec = nil
		}
	}

	verifier := verify.NewClient(r.cfg.Verify, r.logger)

	r.coordinator = attempt.NewCoordinator(ctx, r.cfg, captureCtrl, rec, verifier, busClient, store, r.logger)
	defer r.coordinator.Close()

	registry, err := capability.NewRegistry(ctx, r.cfg.Node, r.localCapabilities(device, rec), busClient, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start capability registry: %w", err)
	}
	r.registry = registry
	defer registry.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	mux.HandleFunc("POST /v1/attempts", r.handleStartAttempt)
	mux.HandleFunc("POST /v1/attempts/{id}/stop", r.handleStopAttempt)
	mux.HandleFunc("POST /v1/attempts/{id}/reset", r.handleResetAttempt)
	mux.HandleFunc("GET /v1/attempts/{id}", r.handleGetAttempt)
	mux.HandleFunc("GET /v1/capabilities", r.handleCapabilities)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStartAttempt(w http.ResponseWriter, _ *http.Request) {
	id, err := r.coordinator.Start()
	if err != nil {
		r.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	r.writeJSON(w, map[string]string{"attempt_id": id, "state": string(attempt.StateRecording)})
}

func (r *Runtime) handleStopAttempt(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if err := r.coordinator.Stop(id); err != nil {
		r.writeError(w, err)
		return
	}
	snap, err := r.coordinator.Snapshot(id)
	if err != nil {
		r.writeError(w, err)
		return
	}
	r.writeJSON(w, snap)
}

func (r *Runtime) handleResetAttempt(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if err := r.coordinator.Reset(id); err != nil {
		r.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Runtime) localCapabilities(device capture.Device, rec recognizer.Recognizer) []capability.Capability {
	var caps []capability.Capability
	if probe := device.Probe(); probe.Available {
		caps = append(caps, capability.Capability{
			Name: "capture",
			Attributes: map[string]string{
				"mode":      r.cfg.Capture.Mode,
				"mime_type": r.cfg.Capture.MimeType,
			},
		})
	}
	if rec != nil {
		caps = append(caps, capability.Capability{
			Name: "recognizer",
			Attributes: map[string]string{
				"mode":     r.cfg.Recognizer.Mode,
				"language": r.cfg.Recognizer.Language,
			},
		})
	}
	return caps
}

func (r *Runtime) handleCapabilities(w http.ResponseWriter, _ *http.Request) {
	nodes := r.registry.Query(nil)
	if nodes == nil {
		nodes = []capability.NodeInfo{}
	}
	r.writeJSON(w, nodes)
}

func (r *Runtime) handleGetAttempt(w http.ResponseWriter, req *http.Request) {
	snap, err := r.coordinator.Snapshot(req.PathValue("id"))
	if err != nil {
		r.writeError(w, err)
		return
	}
	r.writeJSON(w, snap)
}

func (r *Runtime) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		r.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

func (r *Runtime) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, attempt.ErrAttemptActive), errors.Is(err, attempt.ErrSubmissionInFlight):
		status = http.StatusConflict
	case errors.Is(err, attempt.ErrUnknownAttempt):
		status = http.StatusNotFound
	case errors.Is(err, capture.ErrDeviceUnavailable), errors.Is(err, capture.ErrPermissionDenied):
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
