package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	defaultReplayTTL = 5 * time.Minute
	maxReplayEntries = 1024
)

// MethodOption configures a registered RPC method
type MethodOption func(*method)

// Replayable marks a method whose responses are replayed for repeated
// idempotency keys. Use it for methods that change thread state.
func Replayable() MethodOption {
	return func(m *method) { m.replayable = true }
}

type method struct {
	handler    RequestHandler
	replayable bool
}

// RPCRouter maps JSON-RPC method names to handlers
type RPCRouter struct {
	mu      sync.RWMutex
	methods map[string]method
	replay  *replayCache
}

// NewRPCRouter creates a new RPC router
func NewRPCRouter() *RPCRouter {
	return &RPCRouter{
		methods: make(map[string]method),
		replay:  newReplayCache(defaultReplayTTL, maxReplayEntries),
	}
}

// RegisterMethod registers or replaces the handler for name
func (r *RPCRouter) RegisterMethod(name string, handler RequestHandler, opts ...MethodOption) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	if name == "" {
		return fmt.Errorf("method name cannot be empty")
	}

	m := method{handler: handler}
	for _, opt := range opts {
		opt(&m)
	}

	r.mu.Lock()
	r.methods[name] = m
	r.mu.Unlock()
	return nil
}

// ParseRequest decodes a JSON-RPC request frame
func (r *RPCRouter) ParseRequest(data []byte) (*RPCRequest, error) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}

	switch {
	case req.ID == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing id field"}
	case req.Method == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing method field"}
	case req.JSONRPC != "" && req.JSONRPC != "2.0":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: unsupported jsonrpc version " + req.JSONRPC}
	}

	req.JSONRPC = "2.0"
	return &req, nil
}

// RouteRequest runs the handler for req. For replayable methods a request
// carrying an idempotency key reuses the outcome of the first request with
// that key; a repeat that arrives while the first is running waits for it.
func (r *RPCRouter) RouteRequest(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req == nil {
		return &RPCResponse{
			JSONRPC: "2.0",
			Error:   &RPCError{Code: InvalidRequest, Message: "invalid request"},
		}
	}

	r.mu.RLock()
	m, ok := r.methods[req.Method]
	r.mu.RUnlock()
	if !ok {
		return errorResponse(req.ID, &RPCError{
			Code:    MethodNotFound,
			Message: fmt.Sprintf("Method not found: %s", req.Method),
		})
	}

	if !m.replayable || req.IdempotencyKey == "" {
		return call(ctx, m.handler, req)
	}

	key := req.Method + ":" + req.IdempotencyKey
	entry, owner := r.replay.claim(key)
	if !owner {
		select {
		case <-entry.done:
		case <-ctx.Done():
			return errorResponse(req.ID, toRPCError(ctx.Err()))
		}
		if entry.response == nil {
			// the first request failed; run this one afresh
			return call(ctx, m.handler, req)
		}
		resp := *entry.response
		resp.ID = req.ID
		return &resp
	}

	resp := call(ctx, m.handler, req)
	r.replay.settle(key, entry, resp)
	return resp
}

// HasMethod reports whether name is registered
func (r *RPCRouter) HasMethod(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.methods[name]
	return ok
}

// GetMethods returns the registered method names in sorted order
func (r *RPCRouter) GetMethods() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

func call(ctx context.Context, handler RequestHandler, req *RPCRequest) *RPCResponse {
	result, err := handler(ctx, req.Params)
	if err != nil {
		return errorResponse(req.ID, toRPCError(err))
	}
	return &RPCResponse{ID: req.ID, JSONRPC: "2.0", Result: result}
}

func errorResponse(id string, rpcErr *RPCError) *RPCResponse {
	return &RPCResponse{ID: id, JSONRPC: "2.0", Error: rpcErr}
}

// replayEntry is the outcome of the first request for a key. response stays
// nil when that request failed, so failures are never replayed.
type replayEntry struct {
	done      chan struct{}
	response  *RPCResponse
	expiresAt time.Time
}

type replayCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	now     func() time.Time
	entries map[string]*replayEntry
}

func newReplayCache(ttl time.Duration, max int) *replayCache {
	return &replayCache{
		ttl:     ttl,
		max:     max,
		now:     time.Now,
		entries: make(map[string]*replayEntry),
	}
}

// claim returns the live entry for key. owner is true when the caller created
// it and must settle it.
func (c *replayCache) claim(key string) (entry *replayEntry, owner bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.entries[key]; ok && (e.expiresAt.IsZero() || now.Before(e.expiresAt)) {
		return e, false
	}

	c.evict(now)
	e := &replayEntry{done: make(chan struct{})}
	c.entries[key] = e
	return e, true
}

func (c *replayCache) settle(key string, e *replayEntry, resp *RPCResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if resp.Error == nil {
		e.response = resp
		e.expiresAt = c.now().Add(c.ttl)
	} else if c.entries[key] == e {
		delete(c.entries, key)
	}
	close(e.done)
}

// evict drops expired entries and, past the size bound, the oldest settled
// ones. In-flight entries are never evicted. Callers hold mu.
func (c *replayCache) evict(now time.Time) {
	for key, e := range c.entries {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(c.entries, key)
		}
	}
	for len(c.entries) >= c.max {
		oldestKey := ""
		var oldest time.Time
		for key, e := range c.entries {
			if e.expiresAt.IsZero() {
				continue
			}
			if oldestKey == "" || e.expiresAt.Before(oldest) {
				oldestKey, oldest = key, e.expiresAt
			}
		}
		if oldestKey == "" {
			return
		}
		delete(c.entries, oldestKey)
	}
}
