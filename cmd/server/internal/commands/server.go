package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/polkatax/rewardsync/internal/chains"
	"github.com/polkatax/rewardsync/internal/gateway"
	"github.com/polkatax/rewardsync/internal/jobs"
	"github.com/polkatax/rewardsync/internal/logger"
	"github.com/polkatax/rewardsync/internal/rewards"
	"github.com/polkatax/rewardsync/internal/scheduler"
	"github.com/polkatax/rewardsync/internal/store"
	memorystore "github.com/polkatax/rewardsync/internal/store/memory"
	postgresstore "github.com/polkatax/rewardsync/internal/store/postgres"
	"github.com/polkatax/rewardsync/internal/worker"
)

type ServerCmd struct {
	// Server configuration
	Listen     string `help:"HTTP server listen address" default:"0.0.0.0:8080" env:"REWARDSYNC_LISTEN"`
	ChainsFile string `help:"path to a YAML chain table overriding the built-in one" default:"" env:"REWARDSYNC_CHAINS_FILE"`

	// Sync behaviour
	StalenessWindow     time.Duration `help:"age after which a done job is refreshed on request" default:"24h" env:"REWARDSYNC_STALENESS_WINDOW"`
	SafetyMargin        time.Duration `help:"how far behind now a successful sync is considered complete" default:"144h" env:"REWARDSYNC_SAFETY_MARGIN"`
	MaxWalletsPerSocket int           `help:"distinct wallets one socket may subscribe to" default:"4" env:"REWARDSYNC_MAX_WALLETS"`

	// Store configuration
	StoreType     string             `help:"store type (memory or postgres)" default:"postgres" env:"REWARDSYNC_STORE_TYPE" enum:"memory,postgres"`
	PostgresStore PostgresStoreFlags `embed:"" prefix:"postgres-"`

	// Explorer configuration
	Explorer ExplorerFlags `embed:"" prefix:"explorer-"`
}

type PostgresStoreFlags struct {
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	MaxConns        int32 `help:"maximum number of connections in pool" default:"10"`
	MinConns        int32 `help:"minimum number of connections in pool" default:"2"`
	MaxConnLifetime int32 `help:"maximum connection lifetime in seconds" default:"3600"`
	MaxConnIdleTime int32 `help:"maximum connection idle time in seconds" default:"1800"`

	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"REWARDSYNC_POSTGRES_AUTO_MIGRATE"`
}

func (f *PostgresStoreFlags) storeConfig() *postgresstore.JobStoreConfig {
	return &postgresstore.JobStoreConfig{
		ConnString:      f.ConnString,
		MaxConns:        f.MaxConns,
		MinConns:        f.MinConns,
		MaxConnLifetime: f.MaxConnLifetime,
		MaxConnIdleTime: f.MaxConnIdleTime,
		AutoMigrate:     f.AutoMigrate,
	}
}

type ExplorerFlags struct {
	URLTemplate string        `help:"explorer rewards endpoint, expanded with the chain domain (must contain %s)" required:"" env:"REWARDSYNC_EXPLORER_URL_TEMPLATE"`
	APIKey      string        `help:"explorer API key" default:"" env:"REWARDSYNC_EXPLORER_API_KEY"`
	PageSize    int           `help:"rows per explorer page" default:"100"`
	Timeout     time.Duration `help:"explorer request timeout" default:"30s"`
}

func (c *ServerCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Debug)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	registry, err := c.loadChains()
	if err != nil {
		return err
	}

	jobStore, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	if err := jobStore.Start(ctx); err != nil {
		return fmt.Errorf("failed to start job store: %w", err)
	}
	defer func() {
		if err := jobStore.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop job store")
		}
	}()

	service := jobs.NewService(jobStore, c.SafetyMargin)
	view := jobs.NewPendingView(jobStore)

	fetcher := rewards.NewClient(rewards.ClientConfig{
		URLTemplate: c.Explorer.URLTemplate,
		APIKey:      c.Explorer.APIKey,
		PageSize:    c.Explorer.PageSize,
		Timeout:     c.Explorer.Timeout,
	})

	processor := worker.New(service, registry, fetcher)
	orchestrator := scheduler.NewOrchestrator(service, view, registry, processor, c.StalenessWindow)

	socketRegistry := gateway.NewRegistry(c.MaxWalletsPerSocket)
	handler := gateway.NewHandler(socketRegistry, orchestrator, service, jobStore)

	go runLoop(ctx, "pending view", view.Run)
	go runLoop(ctx, "scheduler", orchestrator.Run)
	go runLoop(ctx, "fan-out", handler.Run)

	mux := http.NewServeMux()
	mux.Handle("/ws", handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:              c.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shut down HTTP server")
		}
	}()

	log.Info().Str("listen", c.Listen).Msg("Accepting WebSocket connections")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (c *ServerCmd) loadChains() (*chains.Registry, error) {
	if c.ChainsFile != "" {
		return chains.LoadFile(c.ChainsFile)
	}
	return chains.Load()
}

func (c *ServerCmd) openStore(ctx context.Context) (store.JobStore, error) {
	switch c.StoreType {
	case "memory":
		return memorystore.NewJobStore(), nil
	case "postgres":
		return postgresstore.NewJobStore(ctx, c.PostgresStore.storeConfig())
	default:
		return nil, fmt.Errorf("unknown store type %q", c.StoreType)
	}
}

// runLoop keeps a background loop's exit from going unnoticed. The loops
// themselves only return on context cancellation.
func runLoop(ctx context.Context, name string, fn func(context.Context) error) {
	err := fn(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		zlog.Error().Err(err).Str("loop", name).Msg("Background loop exited")
	}
}
