package runtime

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/szaher/mcpagent/internal/failure"
	"github.com/szaher/mcpagent/internal/llm"
	"github.com/szaher/mcpagent/internal/loop"
	"github.com/szaher/mcpagent/internal/session"
	"github.com/szaher/mcpagent/internal/telemetry"
)

// Server exposes a runtime over HTTP: health, metrics, the tool snapshot,
// direct tool calls, one-shot conversations and stored sessions.
type Server struct {
	rt        *Runtime
	mux       *http.ServeMux
	server    *http.Server
	logger    *slog.Logger
	sessions  session.Store
	apiKey    string
	startTime time.Time
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithAPIKey requires the key on every request except /healthz and /metrics.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) { s.apiKey = key }
}

func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithSessionStore sets where session histories are kept. The default is
// an in-memory store with session.DefaultExpiry.
func WithSessionStore(store session.Store) ServerOption {
	return func(s *Server) { s.sessions = store }
}

// NewServer creates an HTTP server for rt.
func NewServer(rt *Runtime, opts ...ServerOption) *Server {
	s := &Server{
		rt:        rt,
		logger:    slog.Default(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sessions == nil {
		s.sessions = session.NewMemoryStore(session.DefaultExpiry)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", rt.Metrics().Handler())
	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("GET /v1/servers", s.handleServers)
	mux.HandleFunc("POST /v1/servers/{server}/tools/{tool}", s.handleCallTool)
	mux.HandleFunc("POST /v1/ask", s.handleAsk)
	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /v1/sessions/{id}/ask", s.handleSessionAsk)
	s.mux = mux
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler for use with httptest or custom servers.
func (s *Server) Handler() http.Handler {
	return s.authMiddleware(s.mux)
}

// ListenAndServe serves on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.server.Addr = addr
	s.logger.Info("http server starting", "addr", addr)
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" || r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	servers := s.rt.Servers()
	status := "healthy"
	for _, srv := range servers {
		if srv.State != "ready" {
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"uptime":  time.Since(s.startTime).String(),
		"servers": servers,
		"tools":   len(s.rt.Tools()),
		"version": Version,
	})
}

func (s *Server) handleServers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"servers": s.rt.Servers()})
}

type toolInfo struct {
	Name        string         `json:"name"`
	Server      string         `json:"server"`
	Description string         `json:"description,omitempty"`
	Signature   string         `json:"signature"`
	InputSchema map[string]any `json:"input_schema"`
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	snap := s.rt.Tools()
	out := make([]toolInfo, len(snap))
	for i, d := range snap {
		out[i] = toolInfo{
			Name:        d.Name,
			Server:      d.Server,
			Description: d.Description,
			Signature:   d.Schema.Signature(),
			InputSchema: d.Definition().InputSchema,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	ctx := telemetry.WithCorrelationID(r.Context(), r.Header.Get("X-Correlation-ID"))
	res := s.rt.CallTool(ctx, r.PathValue("server"), r.PathValue("tool"), req.Arguments)

	status := http.StatusOK
	switch res.Kind {
	case failure.KindUnknownTool:
		status = http.StatusNotFound
	case failure.KindProtocol:
		status = http.StatusBadRequest
	case failure.KindToolUnavailable, failure.KindConnectionLost, failure.KindConnection:
		status = http.StatusServiceUnavailable
	case failure.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]any{
		"call_id":     res.CallID,
		"server":      res.Server,
		"content":     res.Content,
		"structured":  res.Structured,
		"kind":        res.Kind,
		"message":     res.Message,
		"duration_ms": res.Duration.Milliseconds(),
	})
}

type askRequest struct {
	Message string        `json:"message"`
	History []llm.Message `json:"history,omitempty"`
}

func decodeAsk(w http.ResponseWriter, r *http.Request) (askRequest, bool) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "Body must carry a message")
		return req, false
	}
	return req, true
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAsk(w, r)
	if !ok {
		return
	}
	ctx := telemetry.WithCorrelationID(r.Context(), r.Header.Get("X-Correlation-ID"))
	conv, resp, err := s.rt.Ask(ctx, req.History, req.Message, nil)
	if resp == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	writeAsk(ctx, w, conv, resp, err, nil)
}

func (s *Server) handleSessionAsk(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	req, ok := decodeAsk(w, r)
	if !ok {
		return
	}
	if len(req.History) > 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "A session carries its own history")
		return
	}
	ctx := telemetry.WithCorrelationID(r.Context(), r.Header.Get("X-Correlation-ID"))

	release, err := s.sessions.Acquire(ctx, id)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	defer release()
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}

	conv, resp, err := s.rt.Ask(ctx, sess.Messages, req.Message, nil)
	if resp == nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if serr := s.sessions.Save(ctx, id, conv.History()); serr != nil {
		s.writeSessionError(w, serr)
		return
	}
	writeAsk(ctx, w, conv, resp, err, map[string]any{"session_id": id})
}

// writeAsk reports a finished conversation. A conversation that failed is
// still reported in full, with status 422.
func writeAsk(ctx context.Context, w http.ResponseWriter, conv *loop.Conversation, resp *loop.Response, err error, extra map[string]any) {
	status := http.StatusOK
	if err != nil {
		status = http.StatusUnprocessableEntity
	}
	body := map[string]any{
		"conversation_id":  resp.ConversationID,
		"correlation_id":   telemetry.CorrelationID(ctx),
		"state":            resp.State.String(),
		"output":           resp.Output,
		"tool_calls":       resp.ToolCalls,
		"tokens":           resp.Tokens,
		"turns":            resp.Turns,
		"duration_ms":      resp.Duration.Milliseconds(),
		"failure_kind":     resp.FailureKind,
		"error":            resp.Error,
		"degraded":         resp.Degraded,
		"history":          conv.History(),
		"budget_remaining": resp.BudgetRemaining,
	}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Metadata map[string]string `json:"metadata,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	sess, err := s.sessions.Create(r.Context(), req.Metadata)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.sessions.List(r.Context())
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	type summary struct {
		ID         string    `json:"id"`
		CreatedAt  time.Time `json:"created_at"`
		LastActive time.Time `json:"last_active"`
		Messages   int       `json:"messages"`
	}
	out := make([]summary, len(list))
	for i, sess := range list {
		out[i] = summary{ID: sess.ID, CreatedAt: sess.CreatedAt, LastActive: sess.LastActive, Messages: len(sess.Messages)}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, session.ErrBusy):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		s.logger.Error("session store failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "Session store failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
