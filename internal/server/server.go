// Package server exposes the file manager over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/vonshlovens/drivesync-pg/internal/config"
	"github.com/vonshlovens/drivesync-pg/internal/manager"
	"github.com/vonshlovens/drivesync-pg/internal/sync"
	"github.com/vonshlovens/drivesync-pg/internal/upload"
)

const shutdownTimeout = 10 * time.Second

// Uploader runs the dual-write upload
type Uploader interface {
	Upload(ctx context.Context, req upload.Request) (*upload.Result, error)
}

// Syncer runs full and folder syncs
type Syncer interface {
	FullSync(ctx context.Context) (*sync.Report, error)
	QuickSync(ctx context.Context, folderRemoteID string) error
}

// Server is the HTTP front end
type Server struct {
	app      *fiber.App
	addr     string
	tokens   map[string]string
	manager  *manager.Manager
	uploader Uploader
	syncer   Syncer
	logger   *slog.Logger
}

var (
	metricsOnce gosync.Once
	metrics     *fiberprometheus.FiberPrometheus
)

// sharedMetrics registers the collectors once per process
func sharedMetrics() *fiberprometheus.FiberPrometheus {
	metricsOnce.Do(func() {
		metrics = fiberprometheus.New("drivesync")
	})
	return metrics
}

// New creates a server and registers its routes
func New(cfg *config.ServerConfig, mgr *manager.Manager, uploader Uploader, syncer Syncer, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		addr:     cfg.Addr,
		tokens:   cfg.APITokens,
		manager:  mgr,
		uploader: uploader,
		syncer:   syncer,
		logger:   log,
	}

	fcfg := fiber.Config{
		ErrorHandler:          s.handleError,
		DisableStartupMessage: true,
		UnescapePath:          true,
	}
	if cfg.BodyLimitMB > 0 {
		fcfg.BodyLimit = cfg.BodyLimitMB * 1024 * 1024
	}
	s.app = fiber.New(fcfg)

	s.app.Use(recover.New())
	s.app.Use(logger.New())

	prom := sharedMetrics()
	prom.RegisterAt(s.app, "/metrics")
	s.app.Use(prom.Middleware)

	s.routes()
	return s
}

// App returns the underlying fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) routes() {
	api := s.app.Group("/api", s.authenticate)

	api.Get("/status", s.getStatus)
	api.Post("/sync", s.requirePrincipal, s.fullSync)

	api.Post("/upload", s.requirePrincipal, s.upload)

	api.Get("/folders", s.getFolder)
	api.Get("/favorites", s.listFavorites)
	api.Post("/folders", s.requirePrincipal, s.createFolder)
	api.Get("/folders/:folderId", s.getFolder)
	api.Patch("/folders/:folderId", s.requirePrincipal, s.updateFolder)
	api.Delete("/folders/:folderId", s.requirePrincipal, s.deleteFolder)
	api.Post("/folders/:folderId/sync", s.requirePrincipal, s.quickSync)
	api.Post("/folders/:folderId/favorite", s.requirePrincipal, s.toggleFavorite)

	api.Get("/files", s.searchFiles)
	api.Post("/files/delete", s.requirePrincipal, s.bulkDeleteFiles)
	api.Get("/files/:id", s.getFile)
	api.Patch("/files/:id", s.requirePrincipal, s.updateFile)
	api.Post("/files/:id/move", s.requirePrincipal, s.moveFile)
	api.Delete("/files/:id", s.requirePrincipal, s.deleteFile)

	api.Get("/tags", s.listTags)
	api.Post("/tags", s.requirePrincipal, s.createTag)
	api.Put("/tags/:name", s.requirePrincipal, s.renameTag)
	api.Delete("/tags/:name", s.requirePrincipal, s.deleteTag)

	s.app.Use(func(c *fiber.Ctx) error {
		return fiber.ErrNotFound
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.addr)
		errCh <- s.app.Listen(s.addr)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.logger.Info("shutting down http server")
		if err := s.app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			return fmt.Errorf("failed to shut down: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	}
}
