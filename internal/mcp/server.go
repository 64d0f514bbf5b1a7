// Package mcp exposes the signal engine as MCP tools for AI assistants.
package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/ae-signal-engine/internal/domain"
	"github.com/ae-signal-engine/internal/review"
	"github.com/ae-signal-engine/internal/service"
)

// Server is the MCP tool server of the signal engine.
type Server struct {
	info      domain.MCPConfig
	service   *service.SignalService
	results   *service.ResultCache
	reviews   review.Store
	exportDir string
	logger    *logrus.Logger
	mcpServer *mcp.Server
}

// ServerOption is a functional option for Server.
type ServerOption func(*Server) error

// WithReviewStore enables the duplicate-review tools.
func WithReviewStore(store review.Store) ServerOption {
	return func(s *Server) error {
		s.reviews = store
		return nil
	}
}

// WithExportDir sets the directory review exports are written to.
func WithExportDir(dir string) ServerOption {
	return func(s *Server) error {
		if dir == "" {
			return fmt.Errorf("export directory must not be empty")
		}
		s.exportDir = dir
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *logrus.Logger) ServerOption {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// NewServer creates a new MCP server over svc and registers its tools.
func NewServer(info domain.MCPConfig, svc *service.SignalService, opts ...ServerOption) (*Server, error) {
	server := &Server{
		info:    info,
		service: svc,
		results: service.NewResultCache(svc),
		logger:  logrus.New(),
	}
	server.logger.SetFormatter(&logrus.JSONFormatter{})

	for _, opt := range opts {
		if err := opt(server); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if info.ServerName == "" {
		info.ServerName = "ae-signal-engine"
	}
	if info.ServerVersion == "" {
		info.ServerVersion = "1.0.0"
	}
	server.info = info

	server.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    info.ServerName,
		Version: info.ServerVersion,
	}, nil)
	server.registerTools()

	server.logger.WithFields(logrus.Fields{
		"server_name": info.ServerName,
		"tools":       len(server.toolNames()),
		"reviews":     server.reviews != nil,
	}).Info("MCP server initialized")
	return server, nil
}

// Run serves MCP over stdin/stdout until ctx is cancelled or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting MCP server on stdio")
	if err := s.mcpServer.Run(ctx, mcp.NewStdioTransport()); err != nil && ctx.Err() == nil {
		return fmt.Errorf("MCP server failed: %w", err)
	}
	return nil
}

// Close releases the review store.
func (s *Server) Close() error {
	if s.reviews != nil {
		if err := s.reviews.Close(); err != nil {
			s.logger.WithError(err).Error("Failed to close review store")
			return err
		}
	}
	return nil
}
