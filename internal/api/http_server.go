// Package api exposes the local status and control endpoint of the daemon.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"trialsync/internal/config"
	"trialsync/internal/engine"
	"trialsync/internal/models"
	"trialsync/internal/optimistic"
	"trialsync/internal/syncerr"

	"github.com/rs/zerolog"
)

// Engine is what the API needs from the sync engine.
type Engine interface {
	Status() engine.Status
	QueueItems() []*models.QueueItem
	PendingOverlays() []models.Overlay
	Submit(ctx context.Context, u optimistic.Update) (optimistic.Result, error)
	RetryFailed(ctx context.Context) error
	Discard(ctx context.Context, id string) error
	Focus(ctx context.Context) int
}

// HTTPServer serves status views and operator actions on the queue.
type HTTPServer struct {
	cfg     config.APIConfig
	engine  Engine
	server  *http.Server
	limiter *rateLimiter
	logger  *zerolog.Logger
	// background work started by handlers runs under baseCtx
	baseCtx context.Context
}

func NewHTTPServer(ctx context.Context, cfg config.APIConfig, eng Engine, logger *zerolog.Logger) *HTTPServer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	srv := &HTTPServer{
		cfg:     cfg,
		engine:  eng,
		limiter: newRateLimiter(cfg.RateLimit),
		logger:  logger,
		baseCtx: ctx,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", srv.handleStatus)
	mux.HandleFunc("GET /api/v1/queue", srv.handleQueue)
	mux.HandleFunc("POST /api/v1/queue/retry", srv.handleRetry)
	mux.HandleFunc("DELETE /api/v1/queue/{id}", srv.handleDiscard)
	mux.HandleFunc("GET /api/v1/overlays", srv.handleOverlays)
	mux.HandleFunc("POST /api/v1/mutations", srv.handleSubmit)
	mux.HandleFunc("POST /api/v1/focus", srv.handleFocus)

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.loggingMiddleware(srv.wrap(mux)),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	return srv
}

// Handler returns the routed handler with auth and rate limiting.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("control API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *HTTPServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	items := s.engine.QueueItems()
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		filtered := items[:0]
		for _, item := range items {
			if string(item.Status) == status {
				filtered = append(filtered, item)
			}
		}
		items = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	go func() {
		if err := s.engine.RetryFailed(s.baseCtx); err != nil && !syncerr.IsCancelled(err) {
			s.logger.Warn().Err(err).Msg("retry failed mutations")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"retrying": s.engine.Status().Queue.Failed})
}

func (s *HTTPServer) handleDiscard(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if err := s.engine.Discard(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleOverlays(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"overlays": s.engine.PendingOverlays()})
}

type submitRequest struct {
	TargetID string          `json:"target_id"`
	Payload  json.RawMessage `json:"payload"`
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.TargetID) == "" {
		writeError(w, http.StatusBadRequest, "target_id is required")
		return
	}

	res, err := s.engine.Submit(r.Context(), optimistic.Update{TargetID: body.TargetID, Payload: body.Payload})
	resp := map[string]any{
		"outcome":      res.Outcome.String(),
		"operation_id": res.OperationID,
		"attempts":     res.Attempts,
	}
	if err != nil {
		resp["error"] = err.Error()
		writeJSON(w, statusFor(err), resp)
		return
	}

	code := http.StatusOK
	if res.Outcome == optimistic.OutcomeQueued {
		code = http.StatusAccepted
	}
	writeJSON(w, code, resp)
}

func (s *HTTPServer) handleFocus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"revalidated": s.engine.Focus(r.Context())})
}

// wrap applies API-key auth and per-client rate limiting.
func (s *HTTPServer) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" {
			got := strings.TrimSpace(r.Header.Get(s.headerName()))
			if got == "" {
				writeError(w, http.StatusUnauthorized, "missing api key header")
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.APIKey)) != 1 {
				writeError(w, http.StatusForbidden, "invalid api key")
				return
			}
		}

		if !s.limiter.allow(clientKey(r, s.headerName())) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) headerName() string {
	if h := strings.TrimSpace(s.cfg.HeaderAPIKey); h != "" {
		return h
	}
	return "x-api-key"
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, syncerr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, syncerr.ErrAlreadySyncing):
		return http.StatusConflict
	case syncerr.IsCancelled(err):
		return http.StatusRequestTimeout
	case syncerr.IsNetwork(err):
		return http.StatusBadGateway
	case errors.Is(err, syncerr.ErrStorage):
		return http.StatusInternalServerError
	default:
		return http.StatusUnprocessableEntity
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
