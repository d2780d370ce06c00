package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/mistakeknot/envbook/internal/auth"
	"github.com/mistakeknot/envbook/internal/booking"
	"github.com/mistakeknot/envbook/internal/conflict"
	"github.com/mistakeknot/envbook/internal/core"
	"github.com/mistakeknot/envbook/internal/metrics"
	"github.com/mistakeknot/envbook/internal/notify"
	"github.com/mistakeknot/envbook/internal/storage"
)

// HealthChecker reports store liveness for /healthz.
type HealthChecker interface {
	Ping(ctx context.Context) error
	CircuitBreakerState() string
}

type Service struct {
	bookings      *booking.Service
	conflicts     *conflict.Service
	notifications *notify.Emitter
	envs          storage.EnvironmentStore
	health        HealthChecker
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

func NewService(b *booking.Service, c *conflict.Service, n *notify.Emitter, envs storage.EnvironmentStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{bookings: b, conflicts: c, notifications: n, envs: envs, logger: logger}
}

func (s *Service) WithHealth(h HealthChecker) *Service {
	s.health = h
	return s
}

func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.metrics = m
	return s
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorMessage(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

// writeError maps core error kinds to status codes. Unexpected errors are
// logged and reported without detail.
func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *core.ValidationError
		ae *core.AuthorizationError
		ce *core.ConflictError
	)
	switch {
	case errors.As(err, &ve), errors.As(err, &ce):
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &ae):
		writeErrorMessage(w, http.StatusForbidden, err.Error())
	case errors.Is(err, core.ErrNotFound):
		writeErrorMessage(w, http.StatusNotFound, err.Error())
	case core.IsTransient(err):
		s.logger.Warn("store unavailable", "method", r.Method, "path", r.URL.Path, "err", err)
		writeErrorMessage(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeErrorMessage(w, http.StatusInternalServerError, "internal server error")
	}
}

// requireActor returns the caller or writes 401.
func requireActor(w http.ResponseWriter, r *http.Request) (core.Actor, bool) {
	actor, ok := auth.ActorFrom(r.Context())
	if !ok {
		writeErrorMessage(w, http.StatusUnauthorized, "authentication required")
	}
	return actor, ok
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// splitPath turns "/api/bookings/12/status" with prefix "/api/bookings/" into
// id 12 and the remaining segments.
func splitPath(path, prefix string) (int64, []string, bool) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(path, prefix), "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return 0, nil, false
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, nil, false
	}
	return id, parts[1:], true
}

func queryInt64(r *http.Request, key string) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, core.Invalid(key, "must be a positive integer")
	}
	return v, nil
}

func queryBool(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}
