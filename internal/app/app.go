// Package app wires the tabledeck server: storage, catalog, event bus,
// project registry and the HTTP, websocket and gRPC front ends.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	grpcapi "github.com/arkilian/tabledeck/internal/api/grpc"
	httpapi "github.com/arkilian/tabledeck/internal/api/http"
	wsapi "github.com/arkilian/tabledeck/internal/api/ws"
	"github.com/arkilian/tabledeck/internal/cache"
	"github.com/arkilian/tabledeck/internal/catalog"
	"github.com/arkilian/tabledeck/internal/config"
	"github.com/arkilian/tabledeck/internal/observability"
	"github.com/arkilian/tabledeck/internal/projects"
	"github.com/arkilian/tabledeck/internal/render"
	"github.com/arkilian/tabledeck/internal/router"
	"github.com/arkilian/tabledeck/internal/server"
	"github.com/arkilian/tabledeck/internal/storage"
	"github.com/arkilian/tabledeck/internal/telemetry"
)

// statsPruneInterval is how often idle project statistics are dropped.
const statsPruneInterval = 10 * time.Minute

// App manages the lifecycle of every tabledeck component.
type App struct {
	cfg *config.Config

	// Shared resources
	storage  storage.ObjectStorage
	catalog  *catalog.SQLiteCatalog
	bus      *router.Bus
	renderer *render.DeckRenderer
	stats    *observability.PassStats
	projects *projects.Manager
	shutdown *server.ShutdownManager

	// Front ends
	httpServer   *http.Server
	httpListener net.Listener
	grpcServer   *grpc.Server
	grpcListener net.Listener

	// Lifecycle
	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	group    *errgroup.Group
	groupCtx context.Context
}

// New creates a new App with the given configuration.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &App{
		cfg:      cfg,
		shutdown: server.NewShutdownManager(server.DefaultShutdownConfig()),
	}, nil
}

// Start initializes shared resources, restores persisted projects and starts
// the configured servers. It returns once every listener is bound.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.group, a.groupCtx = errgroup.WithContext(ctx)

	if err := a.initTelemetry(ctx); err != nil {
		a.abort()
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	if err := a.initSharedResources(ctx); err != nil {
		a.abort()
		return fmt.Errorf("failed to initialize shared resources: %w", err)
	}

	if err := a.initProjects(ctx); err != nil {
		a.abort()
		return fmt.Errorf("failed to initialize projects: %w", err)
	}

	if err := a.startHTTP(); err != nil {
		a.abort()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if a.cfg.GRPC.Enabled {
		if err := a.startGRPC(); err != nil {
			a.abort()
			return fmt.Errorf("failed to start gRPC server: %w", err)
		}
	}

	a.startStatsPruner()

	log.Printf("tabledeck started: http=%s grpc_enabled=%v storage=%s",
		a.httpListener.Addr(), a.cfg.GRPC.Enabled, a.cfg.Storage.Type)
	return nil
}

func (a *App) initTelemetry(ctx context.Context) error {
	shutdown, err := telemetry.Setup(ctx, telemetry.Options{
		Enabled:     a.cfg.Telemetry.Enabled,
		Endpoint:    a.cfg.Telemetry.Endpoint,
		ServiceName: a.cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return err
	}
	a.shutdown.RegisterCloser("telemetry", server.CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(ctx)
	}))
	if a.cfg.Telemetry.Enabled {
		log.Printf("Tracing enabled: endpoint=%s", a.cfg.Telemetry.Endpoint)
	}
	return nil
}

// initSharedResources initializes storage, the catalog, the event bus and the
// renderer.
func (a *App) initSharedResources(ctx context.Context) error {
	var err error

	switch a.cfg.Storage.Type {
	case "local":
		a.storage, err = storage.NewLocalStorage(a.cfg.Storage.Path)
	case "s3":
		s3Cfg := storage.DefaultS3Config()
		if a.cfg.Storage.S3.Region != "" {
			s3Cfg.Region = a.cfg.Storage.S3.Region
		}
		s3Cfg.Endpoint = a.cfg.Storage.S3.Endpoint
		s3Cfg.UsePathStyle = a.cfg.Storage.S3.UsePathStyle
		s3Cfg.Prefix = a.cfg.Storage.S3.Prefix
		a.storage, err = storage.NewS3Storage(ctx, a.cfg.Storage.S3.Bucket, s3Cfg)
	default:
		return fmt.Errorf("unsupported storage type: %s", a.cfg.Storage.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	log.Printf("Storage initialized: type=%s", a.cfg.Storage.Type)
	if a.cfg.Storage.Type == "s3" {
		log.Printf("S3 Config: Bucket=%s, Region=%s, Endpoint=%s",
			a.cfg.Storage.S3.Bucket, a.cfg.Storage.S3.Region, a.cfg.Storage.S3.Endpoint)
	}

	a.catalog, err = catalog.NewCatalog(a.cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize catalog: %w", err)
	}
	a.shutdown.RegisterCloser("catalog", a.catalog)
	log.Printf("Catalog initialized: %s", a.cfg.Catalog.Path)

	a.bus = router.NewBus(a.cfg.Notifier.BufferSize)
	a.renderer = render.NewDeckRenderer(a.storage)
	if a.cfg.Storage.DeckCacheMB > 0 {
		decks, err := cache.NewDeckCache(int64(a.cfg.Storage.DeckCacheMB) * 1024 * 1024)
		if err != nil {
			return fmt.Errorf("failed to initialize deck cache: %w", err)
		}
		a.renderer.WithCache(decks)
		a.shutdown.RegisterCloser("deck cache", decks)
		log.Printf("Deck cache initialized: %dMB", a.cfg.Storage.DeckCacheMB)
	}
	a.stats = observability.NewPassStats(a.cfg.Projects.StatsWindow)
	return nil
}

// initProjects creates the project registry and brings persisted projects
// back.
func (a *App) initProjects(ctx context.Context) error {
	m, err := projects.NewManager(projects.Options{
		Store:       a.catalog,
		Renderer:    a.renderer,
		Notifier:    a.bus,
		Observer:    a.stats,
		PlanDir:     a.cfg.Projects.PlanDir,
		AutoAnalyze: a.cfg.Projects.AutoAnalyze,
	})
	if err != nil {
		return err
	}
	a.projects = m
	a.shutdown.RegisterCloser("projects", m)

	n, err := m.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore projects: %w", err)
	}
	log.Printf("Projects restored: %d", n)
	return nil
}

// startHTTP serves the REST API and the websocket channel on one listener.
func (a *App) startHTTP() error {
	handler := httpapi.NewHandler(httpapi.Options{
		Projects:   a.projects,
		History:    a.catalog,
		Decks:      a.renderer,
		Stats:      a.stats,
		UploadDir:  a.cfg.Projects.UploadDir,
		DatasetDir: a.cfg.Projects.DatasetDir,
		PlanDir:    a.cfg.Projects.PlanDir,
	})
	ws := wsapi.NewServer(wsapi.Options{
		Projects:         a.projects,
		Events:           a.bus,
		AnalyzeOnConnect: true,
		AllowedOrigins:   a.cfg.HTTP.AllowedOrigins,
	})
	routes := httpapi.NewRouter(handler, a.cfg.HTTP.AllowedOrigins, ws.Mount)

	a.httpServer = &http.Server{
		Handler:      server.ShutdownMiddleware(a.shutdown)(routes),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}

	lis, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on HTTP address: %w", err)
	}
	a.httpListener = lis
	a.shutdown.RegisterCloser("http", server.HTTPCloser(a.httpServer, 10*time.Second))

	a.group.Go(func() error {
		log.Printf("HTTP server listening on %s", lis.Addr())
		if err := a.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	return nil
}

func (a *App) startGRPC() error {
	a.grpcServer = grpcapi.NewGRPCServer(grpcapi.NewServer(a.projects, a.bus))

	lis, err := net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC address: %w", err)
	}
	a.grpcListener = lis
	a.shutdown.RegisterCloser("grpc", server.GRPCCloser(a.grpcServer, 10*time.Second))

	a.group.Go(func() error {
		log.Printf("gRPC server listening on %s", lis.Addr())
		if err := a.grpcServer.Serve(lis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	return nil
}

// startStatsPruner periodically drops statistics of idle projects.
func (a *App) startStatsPruner() {
	ctx := a.groupCtx
	done := a.shutdown.ShutdownCh()
	a.group.Go(func() error {
		ticker := time.NewTicker(statsPruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-done:
				return nil
			case <-ticker.C:
				a.stats.Prune()
			}
		}
	})
}

// HTTPAddr returns the bound HTTP address.
func (a *App) HTTPAddr() string {
	if a.httpListener == nil {
		return ""
	}
	return a.httpListener.Addr().String()
}

// GRPCAddr returns the bound gRPC address, or "" when gRPC is disabled.
func (a *App) GRPCAddr() string {
	if a.grpcListener == nil {
		return ""
	}
	return a.grpcListener.Addr().String()
}

// Projects returns the project registry.
func (a *App) Projects() *projects.Manager {
	return a.projects
}

// WaitForShutdown blocks until a shutdown signal arrives or a server fails,
// then shuts everything down.
func (a *App) WaitForShutdown(ctx context.Context) error {
	a.mu.Lock()
	running := a.running
	a.mu.Unlock()
	if !running {
		return nil
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-a.groupCtx.Done():
			cancel()
		case <-waitCtx.Done():
		}
	}()

	err := a.shutdown.ListenForSignals(waitCtx)
	if serveErr := a.finish(); serveErr != nil {
		return serveErr
	}
	return err
}

// Stop gracefully stops all servers and releases resources.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	running := a.running
	a.mu.Unlock()
	if !running {
		return nil
	}

	err := a.shutdown.Shutdown(ctx, "stop requested")
	if serveErr := a.finish(); serveErr != nil {
		return serveErr
	}
	return err
}

// finish waits for the server goroutines and marks the app stopped.
func (a *App) finish() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return nil
	}
	a.running = false
	a.cancel()
	err := a.group.Wait()
	log.Printf("tabledeck stopped")
	return err
}

// abort releases whatever Start managed to set up.
func (a *App) abort() {
	if err := a.shutdown.Shutdown(context.Background(), "startup failed"); err != nil {
		log.Printf("[WARN] app: cleanup after failed start: %v", err)
	}
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	a.cancel()
	if err := a.group.Wait(); err != nil {
		log.Printf("[WARN] app: %v", err)
	}
}
