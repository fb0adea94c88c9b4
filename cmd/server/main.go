package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	router "github.com/dkeye/sceneroom/internal/adapters/http"
	"github.com/dkeye/sceneroom/internal/adapters/alert"
	"github.com/dkeye/sceneroom/internal/adapters/probe"
	"github.com/dkeye/sceneroom/internal/adapters/session"
	signaladapter "github.com/dkeye/sceneroom/internal/adapters/signal"
	"github.com/dkeye/sceneroom/internal/adapters/storage/memory"
	"github.com/dkeye/sceneroom/internal/adapters/storage/valkey"
	"github.com/dkeye/sceneroom/internal/app"
	"github.com/dkeye/sceneroom/internal/config"
	"github.com/dkeye/sceneroom/internal/core"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "sceneroom",
	Short: "Real-time scene rooms for hosts and visitors",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scene room server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return serve(ctx)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default config/config.$CONFIG_ENV.yaml)")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		// JSON lines outside local development.
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	store, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	validator := session.NewValidator(cfg.JWT)
	audit := app.NewEmitter(store)
	manager := app.NewRoomManager(ctx, app.RoomDeps{
		Store:    store,
		Probe:    probe.NewHTTPProbe(cfg.ProbeTimeout),
		Notifier: alert.NewNotifier(cfg.Alert),
		Policy:   app.SimplePolicy{},
		Scheduler: app.SchedulerConfig{
			Tick:        cfg.TickInterval,
			Timeout:     cfg.ProbeTimeout,
			Concurrency: cfg.ProbeConcurrency,
		},
		IdleTimeout: cfg.IdleTimeout,
	})
	defer manager.Shutdown()

	ctrl := signaladapter.NewSceneWSController(
		manager,
		app.NewAuthenticator(validator, audit),
		app.NewDispatcher(app.NewHandlers(store, audit, cfg.TombstoneTTL)),
		signaladapter.NewConnRateLimiter(cfg.Rate.Limit, cfg.Rate.Burst),
		signaladapter.Options{ReadLimit: cfg.ReadLimit, PingPeriod: cfg.PingPeriod, AuthTimeout: cfg.AuthTimeout},
	)

	r := router.SetupRouter(ctx, cfg, manager, audit, validator, ctrl)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("store", cfg.Store.Driver).Msg("SceneRoom server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
	return nil
}

func openStore(cfg config.StoreConfig) (core.Store, func(), error) {
	if cfg.Driver != "valkey" {
		log.Warn().Str("module", "main").Msg("using in-memory store, data is lost on restart")
		return memory.NewStore(), func() {}, nil
	}
	s, err := valkey.NewStore(valkey.Options{Addr: cfg.Addr, Password: cfg.Password, KeyPrefix: cfg.KeyPrefix})
	if err != nil {
		return nil, nil, fmt.Errorf("open valkey: %w", err)
	}
	return s, s.Close, nil
}
