package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/CoePress/coesco-web-sub012/internal/bridge"
	"github.com/CoePress/coesco-web-sub012/internal/connectivity"
	"github.com/CoePress/coesco-web-sub012/internal/outbox"
)

type ServerConfig struct {
	// JWTSecret enables bearer auth on /v1 routes. Empty disables it.
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	MaxAttempts     int
}

// Flusher accepts explicit flush requests. *wake.Controller satisfies it.
type Flusher interface {
	RequestFlush()
}

// Retrier resets a record so it is due now. *outbox.Replayer satisfies it.
type Retrier interface {
	Retry(ctx context.Context, id string) (outbox.Operation, error)
}

// Counters reports session counters. *bridge.Bridge satisfies it.
type Counters interface {
	Stats() bridge.Stats
}

type Deps struct {
	Store    outbox.Store
	Retrier  Retrier
	Flusher  Flusher
	Signals  bridge.SignalSource
	Status   connectivity.StatusSource
	Counters Counters
	Logger   *zap.Logger
}

type Server struct {
	deps        Deps
	cfg         ServerConfig
	logger      *zap.Logger
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(deps Deps) *Server {
	return NewServerWithConfig(deps, ServerConfig{})
}

func NewServerWithConfig(deps Deps, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = outbox.DefaultMaxAttempts
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		deps:        deps,
		cfg:         cfg,
		logger:      logger,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" || parts[1] != "outbox" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 3 && parts[2] == "stats" && r.Method == http.MethodGet:
		requiredScope = "outbox:read"
		route = "stats"
	case len(parts) == 3 && parts[2] == "items" && r.Method == http.MethodGet:
		requiredScope = "outbox:read"
		route = "items"
	case len(parts) == 3 && parts[2] == "items" && r.Method == http.MethodDelete:
		requiredScope = "outbox:write"
		route = "clear"
	case len(parts) == 5 && parts[2] == "items" && parts[4] == "retry" && r.Method == http.MethodPost:
		requiredScope = "outbox:flush"
		route = "retry"
	case len(parts) == 3 && parts[2] == "flush" && r.Method == http.MethodPost:
		requiredScope = "outbox:flush"
		route = "flush"
	case len(parts) == 3 && parts[2] == "operations" && r.Method == http.MethodPost:
		requiredScope = "outbox:write"
		route = "enqueue"
	case len(parts) == 3 && parts[2] == "events" && r.Method == http.MethodGet:
		requiredScope = "outbox:read"
		route = "events"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	clientID := remoteKey(r)
	if s.cfg.JWTSecret != "" {
		claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
			return
		}
		clientID = claims.ClientID
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", correlationID)
	if s.rateLimiter != nil && route != "events" {
		if !s.rateLimiter.allow(clientID, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "stats":
		s.handleStats(w, r, correlationID)
	case "items":
		s.handleItems(w, r, correlationID)
	case "clear":
		s.handleClear(w, r, correlationID)
	case "retry":
		s.handleRetry(w, r, parts[3], correlationID)
	case "flush":
		s.handleFlush(w, r, correlationID)
	case "enqueue":
		s.handleEnqueue(w, r, correlationID)
	case "events":
		s.handleEvents(w, r, correlationID)
	}
}

// StatsResponse is the body of GET /v1/outbox/stats.
type StatsResponse struct {
	Queued       int                  `json:"queued"`
	Pending      int                  `json:"pending"`
	Failed       int                  `json:"failed"`
	NextWake     *time.Time           `json:"nextWake,omitempty"`
	Session      *bridge.Stats        `json:"session,omitempty"`
	Connectivity *connectivity.Status `json:"connectivity,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, correlationID string) {
	items, err := s.deps.Store.GetAll(r.Context())
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	resp := StatsResponse{Queued: len(items)}
	for _, op := range items {
		if op.Terminal() {
			resp.Failed++
		} else {
			resp.Pending++
		}
	}
	if next, ok := outbox.NextWake(items); ok {
		resp.NextWake = &next
	}
	if s.deps.Counters != nil {
		session := s.deps.Counters.Stats()
		resp.Session = &session
	}
	if s.deps.Status != nil {
		status := s.deps.Status.Status()
		resp.Connectivity = &status
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request, correlationID string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 200, 1, 1000)
	items, err := s.deps.Store.GetAll(r.Context())
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		filtered := items[:0]
		for _, op := range items {
			if op.Status == status {
				filtered = append(filtered, op)
			}
		}
		items = filtered
	}
	if len(items) > limit {
		items = items[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request, correlationID string) {
	if err := s.deps.Store.Clear(r.Context()); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	s.logger.Warn("outbox cleared", zap.String("correlation_id", correlationID))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	if s.deps.Retrier == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "retry is not available", correlationID)
		return
	}
	op, err := s.deps.Retrier.Retry(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if s.deps.Flusher != nil {
		s.deps.Flusher.RequestFlush()
	}
	writeJSON(w, http.StatusAccepted, op)
}

func (s *Server) handleFlush(w http.ResponseWriter, _ *http.Request, correlationID string) {
	if s.deps.Flusher == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "flush is not available", correlationID)
		return
	}
	s.deps.Flusher.RequestFlush()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "flush_requested"})
}

// EnqueueResponse acknowledges a stored operation.
type EnqueueResponse struct {
	ID             string `json:"id"`
	IdempotencyKey string `json:"idempotencyKey"`
	Status         string `json:"status"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	req, err := outbox.DecodeEnqueueRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.MaxAttempts
	}
	op, err := outbox.NewOperation(outbox.NewOperationRequest{
		Method:         req.Method,
		URL:            req.URL,
		Body:           req.Body,
		Options:        outbox.Sanitize(req.RequestOptions),
		IdempotencyKey: req.IdempotencyKey,
		MaxAttempts:    maxAttempts,
	}, time.Now().UTC())
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if err := s.deps.Store.Enqueue(r.Context(), op); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	s.logger.Info("operation enqueued",
		zap.String("operation_id", op.ID),
		zap.String("method", op.Method),
		zap.String("url", op.URL),
		zap.String("correlation_id", correlationID),
	)
	if s.deps.Flusher != nil {
		s.deps.Flusher.RequestFlush()
	}
	writeJSON(w, http.StatusAccepted, EnqueueResponse{ID: op.ID, IdempotencyKey: op.IdempotencyKey, Status: op.Status})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, outbox.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, outbox.ErrInvalidInput), errors.Is(err, outbox.ErrReadMethod):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, outbox.ErrDuplicate):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	case errors.Is(err, outbox.ErrClaimed):
		writeError(w, http.StatusConflict, "invalid_state", err.Error(), correlationID)
	default:
		s.logger.Error("store request failed", zap.String("correlation_id", correlationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func remoteKey(r *http.Request) string {
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
