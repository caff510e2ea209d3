package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/threadagent/internal/observability"
	"github.com/harun/threadagent/internal/tracing"
	"github.com/harun/threadagent/pkg/agent"
	"github.com/harun/threadagent/pkg/checkpoint"
	"github.com/harun/threadagent/pkg/conversation"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	// Banner is the body of GET /
	Banner = "threadagent server"

	DefaultRequestTimeout = 2 * time.Minute
	maxBodyBytes          = 1 << 20
	shutdownWait          = 30 * time.Second
)

// ChatService runs conversations. *agent.Runner implements it.
type ChatService interface {
	Start(ctx context.Context, message string) (agent.StartResult, error)
	Continue(ctx context.Context, threadID, message string) (agent.ContinueResult, error)
	History(ctx context.Context, threadID string) (conversation.State, error)
	Threads(ctx context.Context) ([]checkpoint.ThreadInfo, error)
	Abort(threadID string) bool
}

// Server exposes a ChatService over HTTP and WebSocket
type Server struct {
	host           string
	port           int
	requestTimeout time.Duration
	chat           ChatService
	limiter        *RateLimiter
	router         *RPCRouter
	clients        *clientSet
	upgrader       websocket.Upgrader
	logger         zerolog.Logger

	server         *http.Server
	listener       net.Listener
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host               string
	Port               int
	Chat               ChatService
	RateLimitPerMinute int
	RequestTimeout     time.Duration
	Logger             zerolog.Logger
}

// NewServer creates a new gateway server. Port 0 picks a free port on Start.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Chat == nil {
		return nil, fmt.Errorf("chat service is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	s := &Server{
		host:           cfg.Host,
		port:           cfg.Port,
		requestTimeout: cfg.RequestTimeout,
		chat:           cfg.Chat,
		limiter:        NewRateLimiter(cfg.RateLimitPerMinute),
		router:         NewRPCRouter(),
		clients:        newClientSet(),
		logger:         cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.registerBuiltinMethods()
	observability.EnsureRegistered()

	return s, nil
}

// Handler returns the HTTP handler with every route mounted
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /{$}", s.instrument("GET /", false, s.handleRoot))
	mux.Handle("POST /chat", s.instrument("POST /chat", true, s.handleChatStart))
	mux.Handle("POST /chat/{threadId}", s.instrument("POST /chat/{threadId}", true, s.handleChatContinue))
	mux.Handle("POST /chat/{threadId}/abort", s.instrument("POST /chat/{threadId}/abort", true, s.handleChatAbort))
	mux.Handle("GET /threads", s.instrument("GET /threads", true, s.handleThreads))
	mux.Handle("GET /threads/{threadId}", s.instrument("GET /threads/{threadId}", true, s.handleHistory))
	mux.Handle("GET /health", s.instrument("GET /health", false, s.handleHealth))
	mux.Handle("GET /metrics", observability.MetricsHandler())
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	return mux
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Addr returns the listening address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop rejects new requests, waits for in-flight ones and shuts down
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")
	defer s.limiter.Stop()

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(shutdownWait):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown cancelled, forcing close")
	}

	s.clients.closeAll()

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

// GetConnectedClients returns information about all WebSocket clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.snapshot()
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument tags the request with trace and request ids, applies the rate
// limit when limited is set and records the response code.
func (s *Server) instrument(route string, limited bool, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			observability.RecordHTTPRequest(route, rec.status)
		}()

		r = r.WithContext(s.requestContext(r))
		w.Header().Set("X-Request-Id", tracing.GetRequestID(r.Context()))
		logger := tracing.LoggerFromContext(r.Context(), s.logger)

		if s.shuttingDown() {
			writeError(rec, logger, errShuttingDown, ErrorResponse{})
			return
		}

		if limited {
			ip := clientIP(r)
			if !s.limiter.Allow(ip) {
				rec.Header().Set("Retry-After", strconv.Itoa(s.limiter.RetryAfter(ip)))
				writeError(rec, logger, errRateLimited, ErrorResponse{})
				return
			}
		}

		s.inFlightReqs.Add(1)
		defer s.inFlightReqs.Done()

		logger.Debug().Str("route", route).Str("ip", clientIP(r)).Msg("Gateway received request")
		next(rec, r)
	})
}

func (s *Server) requestContext(r *http.Request) context.Context {
	ctx := r.Context()
	if traceID := r.Header.Get("X-Trace-Id"); traceID != "" {
		ctx = tracing.WithTraceID(ctx, traceID)
	} else {
		ctx = tracing.NewRequestContext(ctx)
	}

	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID, _ = gonanoid.New()
	}
	return tracing.WithRequestID(ctx, requestID)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, Banner)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChatStart(w http.ResponseWriter, r *http.Request) {
	logger := tracing.LoggerFromContext(r.Context(), s.logger)

	req, err := decodeChatRequest(w, r)
	if err != nil {
		writeError(w, logger, err, ErrorResponse{})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	result, err := s.chat.Start(ctx, req.Message)
	if err != nil {
		// a rejected request never created a thread
		body := ErrorResponse{}
		if status, _ := classify(err); status >= http.StatusInternalServerError {
			body = ErrorResponse{ThreadID: result.ThreadID, Response: result.Response}
		}
		writeError(w, logger, err, body)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleChatContinue(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("threadId")
	logger := tracing.LoggerFromContext(tracing.WithThreadID(r.Context(), threadID), s.logger)

	req, err := decodeChatRequest(w, r)
	if err != nil {
		writeError(w, logger, err, ErrorResponse{})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	result, err := s.chat.Continue(ctx, threadID, req.Message)
	if err != nil {
		writeError(w, logger, err, ErrorResponse{ThreadID: threadID, Response: result.Response})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleChatAbort(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("threadId")
	logger := tracing.LoggerFromContext(tracing.WithThreadID(r.Context(), threadID), s.logger)

	result, err := s.abort(threadID)
	if err != nil {
		writeError(w, logger, err, ErrorResponse{})
		return
	}
	logger.Info().Bool("aborted", result.Aborted).Msg("Abort requested")
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) abort(threadID string) (AbortResponse, error) {
	if err := checkpoint.ValidateThreadID(threadID); err != nil {
		return AbortResponse{}, err
	}
	return AbortResponse{ThreadID: threadID, Aborted: s.chat.Abort(threadID)}, nil
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("threadId")
	logger := tracing.LoggerFromContext(tracing.WithThreadID(r.Context(), threadID), s.logger)

	history, err := s.history(r.Context(), threadID)
	if err != nil {
		writeError(w, logger, err, ErrorResponse{ThreadID: threadID})
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := s.chat.Threads(r.Context())
	if err != nil {
		writeError(w, tracing.LoggerFromContext(r.Context(), s.logger), err, ErrorResponse{})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"threads": threads})
}

func (s *Server) history(ctx context.Context, threadID string) (HistoryResponse, error) {
	state, err := s.chat.History(ctx, threadID)
	if err != nil {
		return HistoryResponse{}, err
	}
	if state.Len() == 0 {
		return HistoryResponse{}, fmt.Errorf("%w: %s", errThreadNotFound, threadID)
	}
	return HistoryResponse{ThreadID: threadID, Messages: state}, nil
}

func decodeChatRequest(w http.ResponseWriter, r *http.Request) (ChatRequest, error) {
	var req ChatRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		return ChatRequest{}, fmt.Errorf("%w: %v", errInvalidBody, err)
	}
	return req, nil
}
