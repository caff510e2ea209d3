// Package gateway serves conversations over HTTP and a JSON-RPC WebSocket.
//
// Routes:
//
//	GET  /                      banner
//	POST /chat                  {"message"} -> {"threadId","response"}
//	POST /chat/{threadId}       {"message"} -> {"response"}
//	GET  /threads               stored threads
//	GET  /threads/{threadId}    full message history
//	GET  /health, /metrics
//	GET  /ws                    chat.start, chat.continue, thread.history, threads.list
//
// Failures are returned as {"error","details","kind"} with 400 for bad input,
// 429 when the per-IP rate limit is hit, 504 on deadline, 409 on a version
// conflict and 500 otherwise.
package gateway
