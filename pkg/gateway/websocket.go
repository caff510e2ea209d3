package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/threadagent/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const maxMessageBytes = 1 << 20

// registerBuiltinMethods registers the chat methods served over /ws
func (s *Server) registerBuiltinMethods() {
	_ = s.router.RegisterMethod("chat.start", s.handleRPCChatStart, Replayable())
	_ = s.router.RegisterMethod("chat.continue", s.handleRPCChatContinue, Replayable())
	_ = s.router.RegisterMethod("chat.abort", s.handleRPCChatAbort)
	_ = s.router.RegisterMethod("thread.history", s.handleRPCHistory)
	_ = s.router.RegisterMethod("threads.list", s.handleRPCThreads)
}

func (s *Server) handleRPCChatStart(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	message, err := stringParam(params, "message")
	if err != nil {
		return nil, err
	}
	result, err := s.chat.Start(ctx, message)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Server) handleRPCChatContinue(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	threadID, err := stringParam(params, "threadId")
	if err != nil {
		return nil, err
	}
	message, err := stringParam(params, "message")
	if err != nil {
		return nil, err
	}
	result, err := s.chat.Continue(ctx, threadID, message)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Server) handleRPCChatAbort(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	threadID, err := stringParam(params, "threadId")
	if err != nil {
		return nil, err
	}
	result, err := s.abort(threadID)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Server) handleRPCHistory(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	threadID, err := stringParam(params, "threadId")
	if err != nil {
		return nil, err
	}
	return s.history(ctx, threadID)
}

func (s *Server) handleRPCThreads(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	threads, err := s.chat.Threads(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"threads": threads}, nil
}

func stringParam(params map[string]interface{}, key string) (string, error) {
	value, ok := params[key].(string)
	if !ok {
		return "", &RPCError{
			Code:    InvalidParams,
			Message: fmt.Sprintf("%s parameter is required and must be a string", key),
		}
	}
	return value, nil
}

// handleWebSocket upgrades the connection and serves JSON-RPC requests on it
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:          clientID,
		Conn:        conn,
		ConnectedAt: time.Now(),
		IPAddress:   clientIP(r),
	}
	s.clients.add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", client.IPAddress).
		Msg("Client connected")

	go s.handleClient(client)
}

// handleClient reads requests until the connection closes. Runs started by a
// client are cancelled when it disconnects; completed steps are still saved.
func (s *Server) handleClient(client *Client) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		client.Conn.Close()
		s.clients.remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		client.touch()
		s.handleMessage(ctx, client, message)
	}
}

func (s *Server) handleMessage(ctx context.Context, client *Client, message []byte) {
	req, err := s.router.ParseRequest(message)
	if err != nil {
		s.sendError(client, "", toRPCError(err))
		return
	}

	if s.shuttingDown() {
		s.sendError(client, req.ID, &RPCError{Code: InternalError, Message: errShuttingDown.Error()})
		return
	}
	if !s.limiter.Allow(client.IPAddress) {
		s.sendError(client, req.ID, &RPCError{
			Code:    RateLimitExceeded,
			Message: errRateLimited.Error(),
			Data:    map[string]int{"retryAfter": s.limiter.RetryAfter(client.IPAddress)},
		})
		return
	}

	reqID, _ := gonanoid.New()
	ctx = tracing.WithRequestID(tracing.NewRequestContext(ctx), reqID)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().
		Str("clientId", client.ID).
		Str("rpcId", req.ID).
		Str("method", req.Method).
		Msg("Gateway received RPC request")

	s.inFlightReqs.Add(1)
	client.inFlight.Add(1)
	go func() {
		defer s.inFlightReqs.Done()
		defer client.inFlight.Add(-1)

		reqCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()

		response := s.router.RouteRequest(reqCtx, req)
		if err := client.WriteJSON(response); err != nil {
			logger.Error().
				Err(err).
				Str("clientId", client.ID).
				Str("rpcId", req.ID).
				Msg("Failed to send response")
		}
	}()
}

func (s *Server) sendError(client *Client, requestID string, rpcErr *RPCError) {
	response := RPCResponse{
		ID:      requestID,
		JSONRPC: "2.0",
		Error:   rpcErr,
	}

	if err := client.WriteJSON(response); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Msg("Failed to send error response")
	}
}
