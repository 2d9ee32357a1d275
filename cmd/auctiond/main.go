package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/jensholdgaard/cricket-auction/internal/auction"
	"github.com/jensholdgaard/cricket-auction/internal/audit"
	"github.com/jensholdgaard/cricket-auction/internal/auth"
	"github.com/jensholdgaard/cricket-auction/internal/clock"
	"github.com/jensholdgaard/cricket-auction/internal/config"
	"github.com/jensholdgaard/cricket-auction/internal/health"
	"github.com/jensholdgaard/cricket-auction/internal/httpapi"
	"github.com/jensholdgaard/cricket-auction/internal/leader"
	"github.com/jensholdgaard/cricket-auction/internal/ratelimit"
	"github.com/jensholdgaard/cricket-auction/internal/realtime"
	"github.com/jensholdgaard/cricket-auction/internal/rotation"
	"github.com/jensholdgaard/cricket-auction/internal/store"
	"github.com/jensholdgaard/cricket-auction/internal/summary"
	"github.com/jensholdgaard/cricket-auction/internal/telemetry"

	// Register store drivers so they are available via store.Open.
	_ "github.com/jensholdgaard/cricket-auction/internal/store/memstore"
	_ "github.com/jensholdgaard/cricket-auction/internal/store/postgres"
)

var version = "dev"

// summaryParallelism bounds concurrent per-team summary reads.
const summaryParallelism = 8

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	envPath := flag.String("env", ".env", "optional dotenv file loaded before the config")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("loading dotenv file", slog.String("path", *envPath), slog.Any("error", err))
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	repos, err := store.Open(ctx, cfg.Database, store.Options{InitialBudget: cfg.Auction.InitialBudget, Clock: clk})
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Closer.Close()

	logger.InfoContext(ctx, "connected to database", slog.String("driver", cfg.Database.Driver))

	recorder := audit.NewRecorder(repos.Audit, logger, clk)
	gate := &auction.Gate{}
	rules := auction.RulesFrom(cfg.Auction)

	engine, err := auction.NewEngine(repos.Tx, rules, gate, cfg.Auction.OperationTimeout, logger, tp.TracerProvider, tp.MeterProvider, clk)
	if err != nil {
		return fmt.Errorf("creating rules engine: %w", err)
	}
	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), rand.Uint64()))
	selector := rotation.NewSelector(repos.Players, repos.State, recorder, cfg.Auction, rng, logger, tp.TracerProvider)
	reconciler := rotation.NewReconciler(repos.Players, gate, recorder, cfg.Realtime.RecycleDebounce, cfg.Auction.OperationTimeout, logger, tp.TracerProvider)
	aggregator := summary.NewAggregator(repos.Teams, repos.Assignments, rules, summaryParallelism, logger, tp.TracerProvider)

	layer, err := realtime.NewLayer(repos, cfg.Realtime, logger, tp.TracerProvider, clk)
	if err != nil {
		return fmt.Errorf("creating realtime layer: %w", err)
	}

	verifier, err := auth.NewVerifier(cfg.Auth)
	if err != nil {
		return fmt.Errorf("creating token verifier: %w", err)
	}

	elector := leader.New(cfg.LeaderElection, logger)

	healthHandler := health.NewHandler(clk,
		health.Checker{Name: "database", Check: repos.Ping},
		health.Checker{Name: "realtime", Check: layer.Check, Optional: true},
	)

	hub := httpapi.NewHub(cfg.Server.CORSOrigins, logger)
	api := httpapi.NewServer(httpapi.Deps{
		Repos:      repos,
		Engine:     engine,
		Selector:   selector,
		Reconciler: reconciler,
		Aggregator: aggregator,
		Layer:      layer,
		Hub:        hub,
		Verifier:   verifier,
		Limiter:    ratelimit.NewMemory(cfg.RateLimit, clk),
		Recorder:   recorder,
		Health:     healthHandler,
	}, cfg.Server.CORSOrigins, logger, tp.TracerProvider, clk)

	layer.OnUpdate(api.BroadcastUpdate)
	layer.OnUpdate(realtime.RecycleOnExhaustion(reconciler.Trigger))

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: otelhttp.NewHandler(api.Handler(), "auctiond",
			otelhttp.WithTracerProvider(tp.TracerProvider),
			otelhttp.WithMeterProvider(tp.MeterProvider),
		),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := layer.Run(gctx); err != nil {
			return fmt.Errorf("realtime layer: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := elector.Run(gctx, reconciler); err != nil {
			return fmt.Errorf("leader election: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.InfoContext(gctx, "starting http server", slog.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		healthHandler.SetReady(false)
		logger.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", slog.Any("error", err))
		}
		return nil
	})

	healthHandler.SetReady(true)
	logger.InfoContext(ctx, "auctiond is running", slog.String("version", version))

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
