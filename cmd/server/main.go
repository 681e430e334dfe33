package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/guardian-ai/guardian/internal/audit"
	"github.com/guardian-ai/guardian/internal/config"
	"github.com/guardian-ai/guardian/internal/engine"
	"github.com/guardian-ai/guardian/internal/forecast"
	"github.com/guardian-ai/guardian/internal/guarantee"
	"github.com/guardian-ai/guardian/internal/httpapi"
	"github.com/guardian-ai/guardian/internal/metrics"
	"github.com/guardian-ai/guardian/internal/quota"
	"github.com/guardian-ai/guardian/internal/store"
	"github.com/guardian-ai/guardian/internal/strategy"
	"github.com/guardian-ai/guardian/internal/tracker"
	"github.com/guardian-ai/guardian/pkg/otel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", os.Getenv("GUARDIAN_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	log, err := cfg.Log.NewLogger()
	if err != nil {
		logrus.Fatalf("Failed to create logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Info("Server stopped")
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Errorf("Error closing store: %v", err)
		}
	}()
	_, shared := st.(store.Locker)
	log.WithFields(logrus.Fields{
		"backend":            cfg.Store.Backend,
		"cross_process_lock": shared,
	}).Info("Store ready")

	if cfg.Telemetry.Enabled {
		oc := otel.DefaultConfig("guardian")
		oc.CollectorEndpoint = cfg.Telemetry.Endpoint
		oc.CollectorInsecure = cfg.Telemetry.Insecure
		oc.SamplingRate = cfg.Telemetry.SamplingRate
		oc.Environment = cfg.Telemetry.Environment
		tp, err := otel.InitTracer(ctx, oc)
		if err != nil {
			return err
		}
		defer func() {
			if err := otel.Shutdown(context.Background(), tp); err != nil {
				log.Errorf("Error shutting down tracer: %v", err)
			}
		}()
	}

	predictor, err := newPredictor(cfg.Forecast)
	if err != nil {
		return err
	}
	adapter := forecast.NewAdapter(predictor,
		forecast.WithTimeout(cfg.Forecast.Timeout),
		forecast.WithLogger(log),
	)

	registry, err := strategy.NewRegistry(strategy.NewSkiRental(cfg.Engine.RobustThresholdFactor))
	if err != nil {
		return err
	}
	calc := guarantee.NewCalculator(cfg.Engine.UncertaintyWeight)

	fallback, err := engine.ParseFallbackPolicy(cfg.Engine.Fallback)
	if err != nil {
		return err
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	engineOpts := []engine.Option{
		engine.WithLogger(log),
		engine.WithMetrics(m),
		engine.WithFallback(fallback),
	}
	if cfg.Audit.Dir != "" {
		journal, err := audit.NewJournal(cfg.Audit.Dir)
		if err != nil {
			return err
		}
		defer func() {
			if err := journal.Close(); err != nil {
				log.Errorf("Error closing journal: %v", err)
			}
		}()
		engineOpts = append(engineOpts, engine.WithJournal(journal))
		log.WithField("path", journal.Path()).Info("Decision journal enabled")
	}
	eng := engine.New(st, registry, adapter, calc, engineOpts...)

	trk, err := tracker.New(st, registry,
		tracker.WithCache(cfg.Tracker.CacheSize, cfg.Tracker.CacheTTL),
		tracker.WithMetrics(m),
		tracker.WithLogger(log),
	)
	if err != nil {
		return err
	}
	recomputer := tracker.NewRecomputer(trk, cfg.Tracker.RecomputeInterval, cfg.Tracker.RecomputeConcurrency)
	go recomputer.Run(ctx)

	identity := httpapi.DefaultIdentityConfig()
	identity.RequireVerified = cfg.Server.RequireVerified

	deps := httpapi.Deps{
		Engine:          eng,
		Tracker:         trk,
		Identity:        identity,
		Metrics:         m,
		Gatherer:        prometheus.DefaultGatherer,
		Log:             log,
		MetricsUser:     cfg.Server.MetricsUser,
		MetricsPassword: cfg.Server.MetricsPassword,
	}
	if cfg.RateLimit.RPS > 0 || cfg.RateLimit.DailyQuota > 0 {
		limiter, err := quota.NewManager(quota.Limits{
			Rate:       cfg.RateLimit.RPS,
			Burst:      cfg.RateLimit.Burst,
			DailyQuota: cfg.RateLimit.DailyQuota,
			MaxUsers:   cfg.RateLimit.MaxUsers,
		})
		if err != nil {
			return err
		}
		deps.Limiter = limiter
	}

	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      httpapi.NewRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("Starting server on port %d", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server shutdown error: %v", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		return store.NewMemoryStore(cfg.SnapshotPath)
	case "sqlite":
		return store.OpenSQLite(cfg.SQLiteDir)
	case "postgres":
		// NewPostgresStore applies the schema itself.
		return store.NewPostgresStore(ctx, cfg.PostgresDSN)
	case "redis":
		rs, err := store.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		return rs.WithPrefix(cfg.RedisPrefix), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Backend)
	}
}

func newPredictor(cfg config.ForecastConfig) (forecast.Predictor, error) {
	switch cfg.Predictor {
	case "smoothing":
		p := forecast.NewSmoothingPredictor()
		p.Alpha = cfg.Alpha
		if cfg.Z > 0 {
			p.Z = cfg.Z
		}
		if cfg.Horizon > 0 {
			p.Horizon = cfg.Horizon
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return p, nil
	case "http":
		return forecast.NewHTTPPredictor(cfg.URL, cfg.Token, &http.Client{Timeout: cfg.Timeout + time.Second}), nil
	case "static":
		return forecast.StaticPredictor{Point: cfg.StaticPoint, Uncertainty: cfg.StaticUncertainty}, nil
	default:
		return nil, fmt.Errorf("unknown predictor: %s", cfg.Predictor)
	}
}
