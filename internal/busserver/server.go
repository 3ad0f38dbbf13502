// Package busserver exposes a session's coordination bus over HTTP so that
// worker processes can lock files, exchange messages and share context while
// they run. /mcp speaks the Model Context Protocol; /feed is a read-only
// websocket stream of every bus message.
package busserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/ShayCichocki/squad/internal/bus"
	"github.com/ShayCichocki/squad/internal/logging"
)

const (
	serverName      = "squad-bus"
	shutdownTimeout = 5 * time.Second
)

// Server serves one bus.
type Server struct {
	bus             *bus.Bus
	logger          *slog.Logger
	version         string
	insecureOrigins bool

	mcp     *server.MCPServer
	handler http.Handler

	done     chan struct{}
	stopOnce sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = logging.OrNop(l) }
}

// WithVersion sets the version reported to MCP clients.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithInsecureOrigins disables the websocket origin check.
func WithInsecureOrigins(insecure bool) Option {
	return func(s *Server) { s.insecureOrigins = insecure }
}

// New builds a server for b.
func New(b *bus.Bus, opts ...Option) *Server {
	s := &Server{
		bus:     b,
		logger:  logging.Nop(),
		version: "dev",
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mcp = server.NewMCPServer(serverName, s.version, server.WithToolCapabilities(false))
	s.registerTools(s.mcp)

	mux := http.NewServeMux()
	mux.Handle("/mcp", server.NewStreamableHTTPServer(s.mcp))
	mux.Handle("/feed", feedHandler{s: s})
	s.handler = mux
	return s
}

// Handler returns the HTTP handler serving /mcp and /feed.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// MCP returns the underlying MCP server.
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// Stop ends open feeds. It is safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// Serve listens on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is done.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("bus server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		s.Stop()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown bus server: %w", err)
	}
	s.logger.Info("bus server stopped")
	return nil
}
