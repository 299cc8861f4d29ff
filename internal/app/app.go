package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/replica-server/internal/auth"
	"github.com/vovakirdan/replica-server/internal/bus"
	"github.com/vovakirdan/replica-server/internal/config"
	"github.com/vovakirdan/replica-server/internal/core"
	"github.com/vovakirdan/replica-server/internal/store"
	"github.com/vovakirdan/replica-server/internal/store/filestore"
	"github.com/vovakirdan/replica-server/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/replica-server/internal/transport/http"
	"github.com/vovakirdan/replica-server/internal/worker"
)

// operatorTokenTTL is how long operator API tokens stay valid.
const operatorTokenTTL = 24 * time.Hour

// App wires together storage, the engine and its transports.
type App struct {
	cfg             *config.Config
	hub             *core.Hub
	bus             *bus.Server
	server          *stdhttp.Server
	sched           *worker.Scheduler
	store           store.BlobStore
	shutdownTimeout time.Duration
	log             *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("storage", cfg.Storage).Msg("storage initialized")

	authService := NewAuthService(cfg)
	sched := worker.New(cfg.Workers, cfg.PumpBudget, logger)

	hub := core.NewHub(core.Options{
		TickInterval:       cfg.TickInterval,
		MaxMessagesPerTick: cfg.MaxMessagesPerTick,
		IdleTimeout:        cfg.IdleTimeout,
		ForwardTTL:         cfg.ForwardTTL,
		AutosaveInterval:   cfg.AutosaveInterval,
		SleepEnabled:       cfg.SleepEnabled,
		MinAliases:         cfg.MinAliases,
		MaxAliases:         cfg.MaxAliases,
		Admin:              authService,
	}, st, sched, logger)

	busServer := bus.NewServer(hub.Accept, hub.Wake, logger)
	server := transporthttp.NewServer(hub, stdhttp.HandlerFunc(busServer.ServeWebSocket), authService, cfg, logger)

	return &App{
		cfg:             cfg,
		hub:             hub,
		bus:             busServer,
		server:          server,
		sched:           sched,
		store:           st,
		shutdownTimeout: cfg.ShutdownTimeout,
		log:             logger,
	}, nil
}

// NewAuthService builds the admin secret and operator token service.
func NewAuthService(cfg *config.Config) *auth.Service {
	return auth.NewService(cfg.AdminSecretHash, JWTConfig(cfg))
}

// JWTConfig derives operator token settings from the configuration.
func JWTConfig(cfg *config.Config) *auth.JWTConfig {
	return &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      operatorTokenTTL,
	}
}

func openStore(cfg *config.Config) (store.BlobStore, error) {
	switch cfg.Storage {
	case config.StorageSQLite:
		return sqlite.New(cfg.DatabasePath)
	case config.StorageFile, "":
		return filestore.New(cfg.DataDir)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}
}

// Hub exposes the engine, for embedding local participants.
func (a *App) Hub() *core.Hub { return a.hub }

// Run restores persisted state, binds the listeners and blocks until ctx is
// cancelled or a component fails. State is flushed before it returns.
func (a *App) Run(ctx context.Context) error {
	defer a.cleanup()

	if err := a.hub.Load(ctx); err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if err := a.bus.ListenTCP(a.cfg.TCPAddr); err != nil {
		return err
	}
	if a.cfg.UDPAddr != "" {
		if err := a.bus.ListenUDP(a.cfg.UDPAddr); err != nil {
			return err
		}
	}
	a.log.Info().
		Str("tcp", a.bus.TCPAddr().String()).
		Str("udp", a.cfg.UDPAddr).
		Str("http", a.cfg.HTTPAddr).
		Msg("listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.hub.Run(gctx) })
	g.Go(func() error { return a.bus.Serve(gctx) })
	g.Go(func() error {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()
		a.log.Info().Msg("shutting down http server")
		return a.server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// cleanup closes listeners, workers and storage.
func (a *App) cleanup() {
	if err := a.bus.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		a.log.Debug().Err(err).Msg("close listeners")
	}
	a.sched.Close()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
