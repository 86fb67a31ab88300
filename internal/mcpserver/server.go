// Package mcpserver exposes the dispatcher operations as MCP tools over
// stdio.
package mcpserver

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/tOgg1/ssh-liaison/internal/dispatch"
	"github.com/tOgg1/ssh-liaison/internal/logging"
)

// ServerName is the implementation name announced during initialize.
const ServerName = "ssh-liaison"

// Server is the MCP front end of a Dispatcher.
type Server struct {
	dispatcher *dispatch.Dispatcher
	mcpServer  *server.MCPServer
	logger     zerolog.Logger
}

// New creates a Server with every tool registered.
func New(d *dispatch.Dispatcher, version string) *Server {
	s := &Server{
		dispatcher: d,
		logger:     logging.Component("mcp"),
	}
	s.mcpServer = server.NewMCPServer(ServerName, version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio serves JSON-RPC on in and out until ctx ends or in is closed.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcpServer)
	stdio.SetErrorLogger(log.New(zerologWriter{s.logger}, "", 0))

	s.logger.Info().Msg("serving MCP on stdio")
	if err := stdio.Listen(ctx, in, out); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp stdio: %w", err)
	}
	return nil
}

// zerologWriter adapts the stdlib logger mcp-go expects onto zerolog.
type zerologWriter struct {
	logger zerolog.Logger
}

func (w zerologWriter) Write(p []byte) (int, error) {
	msg := string(p)
	if n := len(msg); n > 0 && msg[n-1] == '\n' {
		msg = msg[:n-1]
	}
	w.logger.Error().Msg(logging.Redact(msg))
	return len(p), nil
}
