package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/heimdex/render-agent/internal/discovery"
	"github.com/heimdex/render-agent/internal/export"
	"github.com/heimdex/render-agent/internal/history"
	"github.com/heimdex/render-agent/internal/preview"
)

// Exporter is the part of export.Manager the API drives.
type Exporter interface {
	Start(b export.Batch) (string, error)
	Cancel(id string) error
	Active() (string, bool)
	Snapshot(id string) (export.Snapshot, error)
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Port       int
	LogDir     string // only logs under this directory may be opened
	Repository history.Repository
	Exporter   Exporter
	Discoverer discovery.Discoverer
	OpenPath   func(path string) error
	Preview    preview.Previewer
	Logger     *slog.Logger
	StartTime  time.Time
	Version    string
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
