package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentacademy/workregistry/internal/catalog"
)

type ServerConfig struct {
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
}

type Server struct {
	delivery           *catalog.Delivery
	reconciler         *catalog.Reconciler
	cfg                ServerConfig
	rateLimiter        *rateLimiter
	runs               *runRegistry
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
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

func NewServer(delivery *catalog.Delivery, reconciler *catalog.Reconciler) *Server {
	return NewServerWithConfig(delivery, reconciler, ServerConfig{})
}

func NewServerWithConfig(delivery *catalog.Delivery, reconciler *catalog.Reconciler, cfg ServerConfig) *Server {
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = "dev-internal-secret"
	}
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
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
		delivery:           delivery,
		reconciler:         reconciler,
		cfg:                cfg,
		rateLimiter:        limiter,
		runs:               newRunRegistry(),
		internalReplaySeen: map[string]time.Time{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if r.URL.Path == "/v1/internal/reconcile" && r.Method == http.MethodPost {
		s.handleReconcileTrigger(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "internal" && parts[2] == "reconcile" && parts[3] == "runs" && r.Method == http.MethodGet:
		s.handleRunStatus(w, r, parts[4])
	case len(parts) == 6 && parts[0] == "v1" && parts[1] == "internal" && parts[2] == "reconcile" && parts[3] == "runs" && parts[5] == "events" && r.Method == http.MethodGet:
		s.handleRunEvents(w, r, parts[4])
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "agents" && parts[3] == "works" && r.Method == http.MethodGet:
		s.handleListWorks(w, r, parts[2])
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	}
}

func (s *Server) handleListWorks(w http.ResponseWriter, r *http.Request, handle string) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		key := handle + "|" + clientHost(r)
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 0, 1, 1000)
	page, err := s.delivery.ListWorks(r.Context(), handle, cursor, limit)
	if err != nil {
		switch {
		case errors.Is(err, catalog.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", "agent not found", correlationID)
		case errors.Is(err, catalog.ErrInvalidCursor):
			writeError(w, http.StatusBadRequest, "invalid_cursor", "cursor token is not valid", correlationID)
		case errors.Is(err, catalog.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type reconcileRequest struct {
	AgentID       string `json:"agentId"`
	ExpectedCount int    `json:"expectedCount"`
}

func (s *Server) handleReconcileTrigger(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := time.Now().UTC()
	if authErr := verifyInternalHMAC(
		s.cfg.InternalHMACSecret,
		r.Header.Get("X-Registry-Timestamp"),
		r.Header.Get("X-Registry-Signature"),
		body,
		now,
		s.cfg.InternalMaxSkew,
	); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markInternalReplaySeen(r.Header.Get("X-Registry-Timestamp"), r.Header.Get("X-Registry-Signature"), now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return
	}
	if s.reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "reconcile_unconfigured", "no object source configured for reconciliation", correlationID)
		return
	}
	if err := validateReconcileRequest(body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	var req reconcileRequest
	if !decodeJSON(body, &req) {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}

	runID := uuid.NewString()
	s.runs.start(runID, req.AgentID, req.ExpectedCount, now)
	go func() {
		summary, err := s.reconciler.ReconcileWithProgress(context.Background(), req.AgentID, req.ExpectedCount, func(progress catalog.ReconcileProgress) {
			s.runs.publish(runID, progress)
		})
		s.runs.finish(runID, summary, err, time.Now())
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"runId": runID, "status": runStatusRunning})
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request, runID string) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if !s.authorizeInternalRead(w, r, correlationID) {
		return
	}
	status, ok := s.runs.get(runID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown run", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request, runID string) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if !s.authorizeInternalRead(w, r, correlationID) {
		return
	}
	events, cancelSub, ok := s.runs.subscribe(runID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown run", correlationID)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		cancelSub()
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			cancelSub()
			return
		case event, open := <-events:
			if !open {
				_ = conn.Close(websocket.StatusNormalClosure, "run finished")
				return
			}
			if err := wsjson.Write(ctx, conn, event); err != nil {
				cancelSub()
				return
			}
		}
	}
}

// Internal GETs carry the same HMAC headers as the trigger, signed over
// an empty body. Replay of a read is harmless, so no replay marking.
func (s *Server) authorizeInternalRead(w http.ResponseWriter, r *http.Request, correlationID string) bool {
	if authErr := verifyInternalHMAC(
		s.cfg.InternalHMACSecret,
		r.Header.Get("X-Registry-Timestamp"),
		r.Header.Get("X-Registry-Signature"),
		nil,
		time.Now().UTC(),
		s.cfg.InternalMaxSkew,
	); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return false
	}
	return true
}

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.InternalMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(window)
	return true
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

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decodeJSON(body []byte, dst any) bool {
	return json.Unmarshal(body, dst) == nil
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
