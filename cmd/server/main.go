package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	apihttp "torrentjobs/internal/api/http"
	"torrentjobs/internal/app"
	"torrentjobs/internal/domain/ports"
	"torrentjobs/internal/metrics"
	mongorepo "torrentjobs/internal/repository/mongo"
	"torrentjobs/internal/services/torrent/engine"
	"torrentjobs/internal/services/torrent/engine/anacrolix"
	"torrentjobs/internal/services/torrent/engine/memory"
	"torrentjobs/internal/telemetry"
	"torrentjobs/internal/usecase"
)

const serviceName = "torrentjobs"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg := app.LoadConfig()
	if cfg.ConfigFile != "" {
		if err := cfg.ApplyFile(cfg.ConfigFile); err != nil {
			return err
		}
	}
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		logger.Debug(fmt.Sprintf(format, args...))
	})); err != nil {
		logger.Warn("automaxprocs failed", slog.String("error", err.Error()))
	}
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), telemetry.Options{
		ServiceName: serviceName,
		Endpoint:    cfg.OTLPEndpoint,
		SampleRate:  cfg.TraceSampleRate,
	})
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", serviceName),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("backend", cfg.Backend),
		slog.String("dataDir", cfg.DataDir),
		slog.Int("listenPort", cfg.ListenPort),
		slog.Bool("dht", cfg.EnableDHT),
		slog.Bool("history", cfg.MongoURI != ""),
		slog.Bool("autoShutdown", cfg.AutoShutdown),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	rootCtx, cancel := context.WithCancel(rootCtx)
	defer cancel()

	backend, err := newBackend(cfg.Backend, logger)
	if err != nil {
		return err
	}
	eng := engine.New(backend, engine.WithLogger(logger))
	if err := eng.Initialize(cfg.EngineConfig()); err != nil {
		return fmt.Errorf("engine initialize: %w", err)
	}
	if err := startEngine(rootCtx, eng, logger); err != nil {
		return err
	}

	var history apihttp.HistoryStore
	var recorder *usecase.RecordJobs
	var mongoClient *mongo.Client
	if cfg.MongoURI != "" {
		client, repo, err := openHistory(rootCtx, cfg, logger)
		if err != nil {
			stopEngine(eng, logger)
			return err
		}
		mongoClient = client
		history = repo
		recorder = &usecase.RecordJobs{Engine: eng, Repo: repo, Logger: logger}
	}

	scheduler := cron.New()
	if cfg.ResumeSaveSchedule != "" {
		if _, err := scheduler.AddFunc(cfg.ResumeSaveSchedule, func() {
			saveCtx, saveCancel := context.WithTimeout(rootCtx, 30*time.Second)
			defer saveCancel()
			if err := eng.SaveResumeState(saveCtx); err != nil {
				logger.Warn("scheduled resume save failed", slog.String("error", err.Error()))
			}
		}); err != nil {
			logger.Warn("invalid resume save schedule",
				slog.String("schedule", cfg.ResumeSaveSchedule),
				slog.String("error", err.Error()),
			)
		}
	}

	serverOpts := []apihttp.ServerOption{
		apihttp.WithLogger(logger),
		apihttp.WithMetafileDir(cfg.MetafileDir),
		apihttp.WithAllowedOrigins(cfg.CORSAllowedOrigins),
		apihttp.WithRateLimit(float64(cfg.RateLimitRPS)),
	}
	if history != nil {
		serverOpts = append(serverOpts, apihttp.WithHistory(history))
	}
	handler := apihttp.NewServer(eng, serverOpts...)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		logger.Info("server started", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})
	g.Go(func() error {
		scheduler.Start()
		<-gctx.Done()
		<-scheduler.Stop().Done()
		return nil
	})
	if recorder != nil {
		g.Go(func() error {
			recorder.Run(gctx)
			return nil
		})
	}
	if cfg.AutoShutdown {
		idle := usecase.IdleShutdown{
			Engine:   eng,
			Logger:   logger,
			Grace:    cfg.IdleCheckInterval,
			Shutdown: cancel,
		}
		g.Go(func() error {
			idle.Run(gctx)
			return nil
		})
	}

	err = g.Wait()
	if err == nil {
		logger.Info("shutdown signal received")
	}

	handler.Close()
	saveCtx, saveCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if saveErr := eng.SaveResumeState(saveCtx); saveErr != nil {
		logger.Warn("final resume save failed", slog.String("error", saveErr.Error()))
	}
	saveCancel()
	stopEngine(eng, logger)
	if mongoClient != nil {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			logger.Warn("mongo disconnect error", slog.String("error", err.Error()))
		}
	}

	logger.Info("server stopped")
	return err
}

func newBackend(name string, logger *slog.Logger) (ports.Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "anacrolix":
		return anacrolix.New(anacrolix.WithLogger(logger)), nil
	case "memory":
		return memory.New(memory.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}

// startEngine retries Start with exponential backoff. A failed Start leaves
// the engine Initializing, so every attempt starts from the same state.
func startEngine(ctx context.Context, eng *engine.Engine, logger *slog.Logger) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = time.Second
	expBackoff.MaxElapsedTime = time.Minute

	attempt := 0
	operation := func() error {
		attempt++
		err := eng.Start(ctx)
		if err != nil {
			logger.Warn("engine start attempt failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		}
		return err
	}
	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return fmt.Errorf("failed to start engine after retries: %w", err)
	}
	return nil
}

func stopEngine(eng *engine.Engine, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := eng.Stop(ctx); err != nil {
		logger.Warn("engine stop error", slog.String("error", err.Error()))
	}
}

func openHistory(ctx context.Context, cfg app.Config, logger *slog.Logger) (*mongo.Client, *mongorepo.Repository, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongorepo.Connect(connectCtx, cfg.MongoURI, options.Client().SetMonitor(otelmongo.NewMonitor()))
	if err != nil {
		return nil, nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("mongo ping: %w", err)
	}

	repo := mongorepo.NewRepository(client, cfg.MongoDatabase, cfg.MongoCollection)
	if err := repo.EnsureIndexes(connectCtx); err != nil {
		logger.Warn("mongo ensure indexes failed", slog.String("error", err.Error()))
	}
	return client, repo, nil
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	handlerOpts := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, handlerOpts))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
