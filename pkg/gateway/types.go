package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/threadagent/pkg/conversation"
)

// RPCRequest represents a JSON-RPC 2.0 request
type RPCRequest struct {
	ID             string                 `json:"id"`
	Method         string                 `json:"method"`
	Params         map[string]interface{} `json:"params,omitempty"`
	JSONRPC        string                 `json:"jsonrpc"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
}

// RPCResponse represents a JSON-RPC 2.0 response
type RPCResponse struct {
	ID      string      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	JSONRPC string      `json:"jsonrpc"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return e.Message
}

// ErrorResponse is the HTTP error body. Response carries an answer that was
// produced but could not be persisted.
type ErrorResponse struct {
	Error    string `json:"error"`
	Details  string `json:"details,omitempty"`
	Kind     string `json:"kind"`
	ThreadID string `json:"threadId,omitempty"`
	Response string `json:"response,omitempty"`
}

// AbortResponse reports whether a running turn was cancelled
type AbortResponse struct {
	ThreadID string `json:"threadId"`
	Aborted  bool   `json:"aborted"`
}

// ChatRequest is the body of POST /chat and POST /chat/{threadId}
type ChatRequest struct {
	Message string `json:"message"`
}

// HistoryResponse is returned by GET /threads/{threadId} and thread.history
type HistoryResponse struct {
	ThreadID string             `json:"threadId"`
	Messages conversation.State `json:"messages"`
}

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID           string    `json:"id"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	IPAddress    string    `json:"ipAddress"`
	InFlight     int       `json:"inFlight"`
	Idle         bool      `json:"idle"`
}

// RequestHandler is a function that handles RPC requests
type RequestHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// RPC error codes
const (
	ParseError        = -32700
	InvalidRequest    = -32600
	MethodNotFound    = -32601
	InvalidParams     = -32602
	InternalError     = -32603
	RequestTimeout    = -32004
	RateLimitExceeded = -32005
	VersionConflict   = -32009
)

// Client is one WebSocket connection. Requests on a client run
// concurrently; inFlight counts the ones still running.
type Client struct {
	ID          string
	Conn        *websocket.Conn
	ConnectedAt time.Time
	IPAddress   string

	writeMu  sync.Mutex
	activity atomic.Int64
	inFlight atomic.Int32
}

func (c *Client) touch() {
	c.activity.Store(time.Now().UnixNano())
}

func (c *Client) lastActivity() time.Time {
	if ns := c.activity.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return c.ConnectedAt
}

// WriteJSON serializes writes; gorilla connections allow one writer at a time
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(v)
}
