package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/harun/threadagent/pkg/agent"
	"github.com/harun/threadagent/pkg/checkpoint"
	"github.com/rs/zerolog"
)

// Error kinds reported in ErrorResponse.Kind
const (
	KindInvalidRequest = "invalid_request"
	KindRateLimited    = "rate_limited"
	KindTimeout        = "timeout"
	KindConflict       = "conflict"
	KindRecursionLimit = "recursion_limit"
	KindModel          = "model_error"
	KindCheckpoint     = "checkpoint_error"
	KindCancelled      = "cancelled"
	KindNotFound       = "not_found"
	KindUnavailable    = "unavailable"
	KindInternal       = "internal"
)

var (
	errInvalidBody    = errors.New("request body must be a JSON object with a non-empty message")
	errRateLimited    = errors.New("rate limit exceeded")
	errShuttingDown   = errors.New("server is shutting down")
	errThreadNotFound = errors.New("thread not found")
)

// classify maps a chat error to an HTTP status and an error kind
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errInvalidBody),
		errors.Is(err, agent.ErrEmptyMessage),
		errors.Is(err, checkpoint.ErrInvalidThreadID):
		return http.StatusBadRequest, KindInvalidRequest
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests, KindRateLimited
	case errors.Is(err, errShuttingDown):
		return http.StatusServiceUnavailable, KindUnavailable
	case errors.Is(err, errThreadNotFound):
		return http.StatusNotFound, KindNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, KindTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusInternalServerError, KindCancelled
	case errors.Is(err, checkpoint.ErrVersionConflict):
		return http.StatusConflict, KindConflict
	case errors.Is(err, agent.ErrRecursionLimit):
		return http.StatusInternalServerError, KindRecursionLimit
	case errors.Is(err, agent.ErrModelInvocation):
		return http.StatusInternalServerError, KindModel
	case errors.Is(err, agent.ErrCheckpoint):
		return http.StatusInternalServerError, KindCheckpoint
	default:
		return http.StatusInternalServerError, KindInternal
	}
}

// rpcCode maps an error kind to a JSON-RPC error code
func rpcCode(kind string) int {
	switch kind {
	case KindInvalidRequest:
		return InvalidParams
	case KindTimeout:
		return RequestTimeout
	case KindRateLimited:
		return RateLimitExceeded
	case KindConflict:
		return VersionConflict
	default:
		return InternalError
	}
}

// toRPCError converts a handler error, keeping RPCErrors as they are
func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	_, kind := classify(err)
	return &RPCError{
		Code:    rpcCode(kind),
		Message: err.Error(),
		Data:    map[string]string{"kind": kind},
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the error body for err; body may carry a thread id and a
// salvaged answer. It returns the status used.
func writeError(w http.ResponseWriter, logger zerolog.Logger, err error, body ErrorResponse) int {
	status, kind := classify(err)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("kind", kind).Msg("Chat request failed")
	} else {
		logger.Debug().Err(err).Str("kind", kind).Msg("Chat request rejected")
	}

	body.Error = errorTitle(status)
	body.Details = err.Error()
	body.Kind = kind
	writeJSON(w, status, body)
	return status
}

func errorTitle(status int) string {
	if status == http.StatusInternalServerError {
		return "Internal server error"
	}
	return http.StatusText(status)
}
