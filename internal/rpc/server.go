package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"
)

const (
	maxRequestSize  = 1 << 20
	maxBatchSize    = 100
	shutdownTimeout = 5 * time.Second
)

// Config holds the listener settings of the RPC endpoints. An empty
// address disables that endpoint.
type Config struct {
	HTTPAddr    string   `yaml:"http_addr"`
	WSAddr      string   `yaml:"ws_addr"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// DefaultConfig returns the local development listeners.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    "127.0.0.1:8545",
		WSAddr:      "127.0.0.1:8546",
		CORSOrigins: []string{"*"},
	}
}

// Server is the JSON-RPC HTTP and WebSocket server.
type Server struct {
	cfg     Config
	handler *Handler
	ws      *WSSubscriptionManager
	logger  log.Logger
}

// NewServer creates a new RPC server. ws may be nil when no WebSocket
// listener is configured.
func NewServer(cfg Config, handler *Handler, ws *WSSubscriptionManager) *Server {
	return &Server{
		cfg:     cfg,
		handler: handler,
		ws:      ws,
		logger:  log.New("module", "rpc"),
	}
}

// HTTPHandler returns the CORS-wrapped JSON-RPC HTTP handler.
func (s *Server) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHTTP)
	mux.HandleFunc("/health", s.handleHealth)

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodPost, http.MethodGet},
		AllowedHeaders: []string{"*"},
		MaxAge:         600,
	})
	return c.Handler(mux)
}

// Run serves the configured endpoints until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	var servers []*http.Server
	if s.cfg.HTTPAddr != "" {
		servers = append(servers, s.serve(ctx, g, "http", s.cfg.HTTPAddr, s.HTTPHandler(), 30*time.Second))
	}
	if s.cfg.WSAddr != "" && s.ws != nil {
		servers = append(servers, s.serve(ctx, g, "ws", s.cfg.WSAddr, s.ws, 0))
	}

	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("Shutting down RPC servers")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		if s.ws != nil {
			s.ws.Close()
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

func (s *Server) serve(ctx context.Context, g *errgroup.Group, name, addr string, h http.Handler, timeout time.Duration) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	g.Go(func() error {
		s.logger.Info("JSON-RPC server starting", "transport", name, "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	})
	return srv
}

// handleHTTP processes single and batched JSON-RPC HTTP requests.
func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize+1))
	if err != nil {
		writeJSON(w, newErrorResponse(nil, codeParseError, "parse error"))
		return
	}
	if len(body) > maxRequestSize {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}
	writeJSON(w, s.dispatch(r.Context(), body))
}

// dispatch decodes body as a single request or a batch and returns the
// value to encode.
func (s *Server) dispatch(ctx context.Context, body []byte) interface{} {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return newErrorResponse(nil, codeParseError, "parse error")
		}
		if len(batch) == 0 {
			return newErrorResponse(nil, codeInvalidRequest, "empty batch")
		}
		if len(batch) > maxBatchSize {
			return newErrorResponse(nil, codeInvalidRequest, fmt.Sprintf("batch too large, limit %d", maxBatchSize))
		}
		responses := make([]*JSONRPCResponse, len(batch))
		for i, msg := range batch {
			responses[i] = s.handleMessage(ctx, msg)
		}
		return responses
	}
	return s.handleMessage(ctx, trimmed)
}

func (s *Server) handleMessage(ctx context.Context, msg []byte) *JSONRPCResponse {
	var req JSONRPCRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return newErrorResponse(nil, codeParseError, "parse error")
	}
	return s.handler.Handle(ctx, &req)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	head := s.handler.chain.CurrentHeader()
	writeJSON(w, map[string]interface{}{
		"status":  "ok",
		"service": "ethnode",
		"head":    head.Number.Uint64(),
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
