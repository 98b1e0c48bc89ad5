// internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ThinkInAIXYZ/go-mcp/protocol"
	"github.com/ThinkInAIXYZ/go-mcp/server"
	"github.com/ThinkInAIXYZ/go-mcp/transport"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"silk-kcal/internal/app"
	"silk-kcal/internal/logger"
)

const Version = "1.0.0"

type Config struct {
	Host string
	Port int
	// PublicURL is the base URL SSE clients post messages to. Defaults to
	// http://host:port.
	PublicURL string
}

type toolHandler func(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error)

// KcalServer exposes the app state as MCP tools. Clients either speak MCP over
// SSE (/sse and /message) or post a single tool call to /mcp.
type KcalServer struct {
	server     *server.Server
	sse        *transport.SSEHandler
	httpServer *http.Server
	app        *app.App
	config     *Config
	tools      map[string]toolHandler

	// ctx bounds tool calls arriving through the MCP transport.
	ctx    context.Context
	cancel context.CancelFunc
}

func NewKcalServer(cfg *Config, a *app.App) (*KcalServer, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &KcalServer{
		app:    a,
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	t, handler, err := transport.NewSSEServerTransportAndHandler(
		messageURL(cfg),
		transport.WithSSEServerTransportAndHandlerOptionLogger(mcpLogger{}),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create MCP transport: %w", err)
	}
	s.sse = handler

	mcpServer, err := server.NewServer(t,
		server.WithServerInfo(protocol.Implementation{
			Name:    "silk-kcal",
			Version: Version,
		}),
		server.WithLogger(mcpLogger{}),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create MCP server: %w", err)
	}
	s.server = mcpServer

	s.registerTools()

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// messageURL is the endpoint SSE clients are told to post messages to.
func messageURL(cfg *Config) string {
	if cfg.PublicURL != "" {
		return strings.TrimRight(cfg.PublicURL, "/") + "/message"
	}
	host := cfg.Host
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d/message", host, cfg.Port)
}

// Handler returns the routed HTTP handler with CORS and request logging.
func (s *KcalServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/mcp", s.handleMCP).Methods(http.MethodPost)
	r.Handle("/sse", s.sse.HandleSSE()).Methods(http.MethodGet)
	r.Handle("/message", s.sse.HandleMessage()).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(loggingMiddleware(r))
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		logger.Debug("%d %s %s %v", wrapper.statusCode, r.Method, r.URL.Path, time.Since(start))
	})
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE streaming working through the wrapper.
func (rw *responseWrapper) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *KcalServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": Version})
}

func (s *KcalServer) handleMCP(w http.ResponseWriter, r *http.Request) {
	var request protocol.CallToolRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	handler, ok := s.tools[request.Name]
	if !ok {
		http.Error(w, fmt.Sprintf("Unknown tool: %s", request.Name), http.StatusNotFound)
		return
	}

	result, err := handler(r.Context(), &request)
	if err != nil {
		logger.Debug("Tool %s failed: %v", request.Name, err)
		result, err = s.createErrorResponse(err)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		logger.Error("Failed to encode response: %v", err)
	}
}

func (s *KcalServer) Start(ctx context.Context) error {
	go func() {
		// Blocks until Shutdown; the HTTP side is served below.
		if err := s.server.Run(); err != nil {
			logger.Error("MCP server stopped: %v", err)
		}
	}()

	logger.Info("Starting silk-kcal server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop closes the SSE sessions first so open streams do not hold up the
// HTTP shutdown.
func (s *KcalServer) Stop(ctx context.Context) error {
	s.cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		logger.Error("MCP server shutdown: %v", err)
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// mcpLogger routes go-mcp log output through the app logger.
type mcpLogger struct{}

func (mcpLogger) Debugf(format string, a ...any) { logger.Debug(format, a...) }
func (mcpLogger) Infof(format string, a ...any)  { logger.Info(format, a...) }
func (mcpLogger) Warnf(format string, a ...any)  { logger.Info("warning: "+format, a...) }
func (mcpLogger) Errorf(format string, a ...any) { logger.Error(format, a...) }

func (s *KcalServer) createJSONResponse(data interface{}) (*protocol.CallToolResult, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}

	return &protocol.CallToolResult{
		Content: []protocol.Content{
			protocol.TextContent{
				Type: "text",
				Text: string(jsonBytes),
			},
		},
	}, nil
}

// toolError is the inline body of a failed tool call.
type toolError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *KcalServer) createErrorResponse(err error) (*protocol.CallToolResult, error) {
	return s.createJSONResponse(toolError{Error: err.Error(), Code: errorCode(err)})
}
