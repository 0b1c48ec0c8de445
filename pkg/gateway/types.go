package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RPCRequest is a JSON-RPC 2.0 request.
type RPCRequest struct {
	ID      string                 `json:"id"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params,omitempty"`
	JSONRPC string                 `json:"jsonrpc"`
}

// RPCResponse is a JSON-RPC 2.0 response.
type RPCResponse struct {
	ID      string      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	JSONRPC string      `json:"jsonrpc"`
}

// RPCError is a JSON-RPC 2.0 error.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return e.Message
}

// RPC error codes.
const (
	ParseError             = -32700
	InvalidRequest         = -32600
	MethodNotFound         = -32601
	InvalidParams          = -32602
	InternalError          = -32603
	AuthenticationRequired = -32001
	RateLimitExceeded      = -32005
)

// EventMessage wraps a run event for delivery to clients.
type EventMessage struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Data      interface{} `json:"data"`
	Seq       int64       `json:"seq"`
	Timestamp int64       `json:"timestamp"`
}

// AuthChallenge is the server's opening message on a new connection.
type AuthChallenge struct {
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
}

// AuthResult reports the outcome of an authentication attempt.
type AuthResult struct {
	Event   string `json:"event"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Client is one connected websocket peer. Writes are serialized through
// the client's own mutex since gorilla connections allow one concurrent
// writer.
type Client struct {
	ID            string
	Conn          *websocket.Conn
	Authenticated bool
	Challenge     string
	AuthAttempts  int
	ConnectedAt   time.Time
	RemoteAddr    string
	Limiter       *RateLimiter

	writeMu sync.Mutex
}

// WriteJSON sends one JSON message, serialized with concurrent writers.
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(v)
}
