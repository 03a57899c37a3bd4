// Package server exposes the flag management and evaluation API over HTTP.
// Response envelopes follow the {"success": true, ...} shape on success and
// {"error": "...", "message": "..."} on failure.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shiv-0101/featureflags/internal/core"
	"github.com/shiv-0101/featureflags/internal/repository"
	"github.com/shiv-0101/featureflags/internal/service"
)

const defaultMaxJSONBodyBytes = 1 << 20

var errJSONBodyTooLarge = errors.New("json request body too large")

// Options configures the HTTP handler. All fields are optional.
type Options struct {
	// AdminAuth wraps the flag management routes (bearer-token auth).
	AdminAuth func(http.Handler) http.Handler
	// EvalLimiter wraps the evaluation routes (per-IP rate limiting).
	EvalLimiter func(http.Handler) http.Handler
	// Instrument wraps every API route, inside the mux so r.Pattern is
	// populated (request logging, latency metrics).
	Instrument func(http.Handler) http.Handler
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	// MaxBodyBytes caps JSON request bodies; defaults to 1 MiB.
	MaxBodyBytes int64
}

type HTTPServer struct {
	service      Service
	maxBodyBytes int64
}

type evaluateRequest struct {
	FlagKey    string         `json:"flagKey,omitempty"`
	FlagKeys   []string       `json:"flagKeys,omitempty"`
	UserID     string         `json:"userId,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type evaluateResponse struct {
	Success bool        `json:"success"`
	FlagKey string      `json:"flagKey"`
	Enabled bool        `json:"enabled"`
	Reason  core.Reason `json:"reason"`
	Bucket  *int        `json:"bucket,omitempty"`
}

// NewHTTPHandler builds the API routes around svc.
func NewHTTPHandler(svc Service, opts Options) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:      svc,
		maxBodyBytes: opts.MaxBodyBytes,
	}
	if server.maxBodyBytes <= 0 {
		server.maxBodyBytes = defaultMaxJSONBodyBytes
	}

	instrument := func(h http.Handler) http.Handler {
		if opts.Instrument == nil {
			return h
		}
		return opts.Instrument(h)
	}
	admin := func(h http.HandlerFunc) http.Handler {
		if opts.AdminAuth == nil {
			return instrument(h)
		}
		return instrument(opts.AdminAuth(h))
	}
	open := func(h http.HandlerFunc) http.Handler {
		if opts.EvalLimiter == nil {
			return instrument(h)
		}
		return instrument(opts.EvalLimiter(h))
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/flags", admin(server.handleCreateFlag))
	mux.Handle("GET /api/flags", admin(server.handleListFlags))
	mux.Handle("GET /api/flags/{key}", admin(server.handleGetFlag))
	mux.Handle("PUT /api/flags/{key}", admin(server.handleUpdateFlag))
	mux.Handle("DELETE /api/flags/{key}", admin(server.handleDeleteFlag))
	mux.Handle("PATCH /api/flags/{key}/toggle", admin(server.handleToggleFlag))
	mux.Handle("POST /api/evaluate", open(server.handleEvaluate))
	mux.Handle("POST /api/evaluate/bulk", open(server.handleEvaluateBulk))
	mux.Handle("POST /api/evaluate/all", open(server.handleEvaluateAll))
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	return mux
}

func (s *HTTPServer) handleCreateFlag(w http.ResponseWriter, r *http.Request) {
	var flag repository.Flag
	if err := s.decodeJSONBody(w, r, &flag); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	created, err := s.service.CreateFlag(r.Context(), flag)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"data":    created,
	})
}

func (s *HTTPServer) handleListFlags(w http.ResponseWriter, r *http.Request) {
	var enabled *bool
	if raw := r.URL.Query().Get("enabled"); raw != "" {
		switch raw {
		case "true":
			enabled = boolPtr(true)
		case "false":
			enabled = boolPtr(false)
		default:
			writeJSONError(w, http.StatusBadRequest, `query parameter "enabled" must be true or false`)
			return
		}
	}

	flags, err := s.service.ListFlags(r.Context(), enabled)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(flags),
		"data":    flags,
	})
}

func (s *HTTPServer) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	flag, err := s.service.GetFlag(r.Context(), key)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    flag,
	})
}

func (s *HTTPServer) handleUpdateFlag(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	var flag repository.Flag
	if err := s.decodeJSONBody(w, r, &flag); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(flag.Key) != "" && flag.Key != key {
		writeJSONError(w, http.StatusBadRequest, "path key and body key must match")
		return
	}
	flag.Key = key

	updated, err := s.service.UpdateFlag(r.Context(), flag)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    updated,
	})
}

func (s *HTTPServer) handleDeleteFlag(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	if err := s.service.DeleteFlag(r.Context(), key); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Flag %q deleted successfully", key),
	})
}

func (s *HTTPServer) handleToggleFlag(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	toggled, err := s.service.ToggleFlag(r.Context(), key)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	state := "disabled"
	if toggled.Enabled {
		state = "enabled"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    toggled,
		"message": fmt.Sprintf("Flag %q %s", key, state),
	})
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var request evaluateRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(request.FlagKey) == "" {
		writeJSONError(w, http.StatusBadRequest, `field "flagKey" is required`)
		return
	}

	result, err := s.service.Evaluate(r.Context(), request.FlagKey, request.userContext())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, evaluateResponse{
		Success: true,
		FlagKey: request.FlagKey,
		Enabled: result.Enabled,
		Reason:  result.Reason,
		Bucket:  result.Bucket,
	})
}

func (s *HTTPServer) handleEvaluateBulk(w http.ResponseWriter, r *http.Request) {
	var request evaluateRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if len(request.FlagKeys) == 0 {
		writeJSONError(w, http.StatusBadRequest, `field "flagKeys" must be a non-empty array`)
		return
	}

	results, err := s.service.EvaluateBulk(r.Context(), request.FlagKeys, request.userContext())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"results": results,
	})
}

func (s *HTTPServer) handleEvaluateAll(w http.ResponseWriter, r *http.Request) {
	// An empty body means an anonymous user context.
	var request evaluateRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil && !errors.Is(err, io.EOF) {
		writeJSONDecodeError(w, err)
		return
	}

	results, err := s.service.EvaluateAllEnabled(r.Context(), request.userContext())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	flags := make(map[string]bool, len(results))
	for key, result := range results {
		flags[key] = result.Enabled
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"flags":   flags,
	})
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r evaluateRequest) userContext() core.UserContext {
	return core.UserContext{
		UserID:     r.UserID,
		Attributes: r.Attributes,
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidFlag), errors.Is(err, service.ErrTooManyKeys):
		writeJSONError(w, http.StatusBadRequest, serviceErrorMessage(err))
	case errors.Is(err, service.ErrFlagNotFound):
		writeJSONError(w, http.StatusNotFound, serviceErrorMessage(err))
	case errors.Is(err, service.ErrFlagExists):
		writeJSONError(w, http.StatusConflict, serviceErrorMessage(err))
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, serviceErrorMessage(err))
	default:
		writeJSONError(w, http.StatusInternalServerError, serviceErrorMessage(err))
	}
}

func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidFlag), errors.Is(err, service.ErrTooManyKeys):
		return err.Error()
	case errors.Is(err, service.ErrFlagNotFound):
		return "flag not found"
	case errors.Is(err, service.ErrFlagExists):
		return "flag already exists"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "internal server error"
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error":   http.StatusText(status),
		"message": message,
	})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}

func boolPtr(v bool) *bool { return &v }
