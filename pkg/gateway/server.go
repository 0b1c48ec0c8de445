package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/marcin/weft/pkg/orchestrator"
	"github.com/marcin/weft/pkg/provider"
	"github.com/marcin/weft/pkg/store"
)

// requestsPerMinute is the per-client RPC budget.
const requestsPerMinute = 60

// Config holds server configuration.
type Config struct {
	Port         int
	SharedSecret string
	Store    *store.Store
	Registry provider.Builder
	// Runs may be set after construction via SetRuns; the server's
	// broadcaster is typically the orchestrator's event sink, so the
	// two are built in that order.
	Runs *orchestrator.Orchestrator
	// MetricsHandler, when set, is mounted at /metrics.
	MetricsHandler http.Handler
	Logger         zerolog.Logger
}

// Server exposes run, session, and provider operations over a
// websocket RPC surface and fans the normalized event stream out to
// authenticated clients.
type Server struct {
	port     int
	server   *http.Server
	upgrader websocket.Upgrader

	clients     *ClientRegistry
	auth        *AuthHandler
	broadcaster *Broadcaster

	store          *store.Store
	registry       provider.Builder
	runs           *orchestrator.Orchestrator
	metricsHandler http.Handler
	logger         zerolog.Logger

	inFlight sync.WaitGroup
}

// NewServer creates a gateway server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.Store == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("store and registry are required")
	}

	clients := NewClientRegistry()

	return &Server{
		port:        cfg.Port,
		clients:     clients,
		auth:        NewAuthHandler(cfg.SharedSecret),
		broadcaster: NewBroadcaster(clients, cfg.Logger),
		store:          cfg.Store,
		registry:       cfg.Registry,
		runs:           cfg.Runs,
		metricsHandler: cfg.MetricsHandler,
		logger:         cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Auth is challenge-response, not origin-based.
				return true
			},
		},
	}, nil
}

// Broadcaster returns the event sink clients subscribe to. Wire it as
// the orchestrator's outward emitter.
func (s *Server) Broadcaster() *Broadcaster {
	return s.broadcaster
}

// SetRuns installs the orchestrator. Must be called before Start.
func (s *Server) SetRuns(runs *orchestrator.Orchestrator) {
	s.runs = runs
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.metricsHandler != nil {
		mux.Handle("/metrics", s.metricsHandler)
	}

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	s.logger.Info().Int("port", s.port).Msg("Gateway listening")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight
// requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	err := s.server.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	return err
}

// handleWebSocket upgrades one connection and runs its session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	id, err := gonanoid.New()
	if err != nil {
		id = fmt.Sprintf("client-%d", time.Now().UnixNano())
	}

	client := &Client{
		ID:          id,
		Conn:        conn,
		ConnectedAt: time.Now(),
		RemoteAddr:  r.RemoteAddr,
		Limiter:     NewRateLimiter(requestsPerMinute),
	}
	s.clients.Add(client)
	defer func() {
		s.clients.Remove(client.ID)
		conn.Close()
	}()

	challenge, err := s.auth.GenerateChallenge()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate auth challenge")
		return
	}
	client.Challenge = challenge
	if err := client.WriteJSON(AuthChallenge{Event: "auth.challenge", Challenge: challenge}); err != nil {
		return
	}

	s.logger.Debug().Str("clientId", client.ID).Str("remote", client.RemoteAddr).Msg("Client connected")
	s.readLoop(r.Context(), client)
	s.logger.Debug().Str("clientId", client.ID).Msg("Client disconnected")
}

// readLoop processes client requests until the connection drops.
func (s *Server) readLoop(ctx context.Context, client *Client) {
	for {
		var req RPCRequest
		if err := client.Conn.ReadJSON(&req); err != nil {
			return
		}

		if req.Method == "auth" {
			if !s.handleAuth(client, req) {
				return
			}
			continue
		}

		if !client.Authenticated {
			s.respondError(client, req.ID, AuthenticationRequired, "authentication required")
			continue
		}
		if !client.Limiter.Allow() {
			s.respondError(client, req.ID, RateLimitExceeded, "rate limit exceeded")
			continue
		}

		s.inFlight.Add(1)
		result, rpcErr := s.dispatch(ctx, client, req)
		s.inFlight.Done()

		if rpcErr != nil {
			s.respondError(client, req.ID, rpcErr.Code, rpcErr.Message)
			continue
		}
		s.respond(client, req.ID, result)
	}
}

// handleAuth processes one authentication attempt. Returns false when
// the connection must be dropped.
func (s *Server) handleAuth(client *Client, req RPCRequest) bool {
	signature, _ := req.Params["signature"].(string)
	result := s.auth.Authenticate(client, signature)

	if err := client.WriteJSON(result); err != nil {
		return false
	}
	if !result.Success && client.AuthAttempts >= maxAuthAttempts {
		s.logger.Warn().Str("clientId", client.ID).Msg("Dropping client after failed authentication")
		return false
	}

	if result.Success {
		s.logger.Info().Str("clientId", client.ID).Msg("Client authenticated")
	}
	return true
}

func (s *Server) respond(client *Client, id string, result interface{}) {
	_ = client.WriteJSON(RPCResponse{ID: id, Result: result, JSONRPC: "2.0"})
}

func (s *Server) respondError(client *Client, id string, code int, message string) {
	_ = client.WriteJSON(RPCResponse{
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
		JSONRPC: "2.0",
	})
}
