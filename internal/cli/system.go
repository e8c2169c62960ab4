package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/screening-queue/internal/cache"
	"github.com/ChuLiYu/screening-queue/internal/controller"
	"github.com/ChuLiYu/screening-queue/internal/decision"
	"github.com/ChuLiYu/screening-queue/internal/events"
	"github.com/ChuLiYu/screening-queue/internal/httpapi"
	"github.com/ChuLiYu/screening-queue/internal/metrics"
	"github.com/ChuLiYu/screening-queue/internal/registry"
	"github.com/ChuLiYu/screening-queue/internal/report"
	"github.com/ChuLiYu/screening-queue/internal/server"
	"github.com/ChuLiYu/screening-queue/internal/snapshot"
	"github.com/ChuLiYu/screening-queue/internal/storage/wal"
	"github.com/ChuLiYu/screening-queue/internal/store"
	"github.com/ChuLiYu/screening-queue/internal/store/memory"
	"github.com/ChuLiYu/screening-queue/internal/store/mongo"
	"github.com/ChuLiYu/screening-queue/internal/store/postgres"
	"github.com/ChuLiYu/screening-queue/internal/store/sqlite"
)

const stopTimeout = 30 * time.Second

// system is one assembled coordinator with its backends.
type system struct {
	cfg       *Config
	log       *slog.Logger
	store     store.Store
	publisher events.Publisher
	cache     cache.Cache
	metrics   *metrics.Collector
	coord     *controller.Coordinator
}

// openSystem builds every backend named by cfg and the coordinator on top
// of them. The coordinator is not started.
func openSystem(ctx context.Context, cfg *Config, logger *slog.Logger, reg *prometheus.Registry) (*system, error) {
	if logger == nil {
		logger = slog.Default()
	}
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	d, err := newDecider(cfg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	for _, p := range []string{cfg.Registry.WALPath, cfg.Registry.SnapshotPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	w, err := wal.NewWAL(cfg.Registry.WALPath, cfg.Registry.SyncOnAppend)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}

	pub, err := newPublisher(cfg, logger)
	if err != nil {
		w.Close()
		st.Close()
		return nil, err
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(reg)
	}

	opts := []controller.Option{
		controller.WithLogger(logger),
		controller.WithMetrics(collector),
		controller.WithPublisher(pub),
		controller.WithPersistence(snapshot.NewManager(cfg.Registry.SnapshotPath), w),
	}

	sys := &system{cfg: cfg, log: logger, store: st, publisher: pub, metrics: collector}
	fail := func(err error) (*system, error) {
		if sys.cache != nil {
			sys.cache.Close()
		}
		pub.Close()
		w.Close()
		st.Close()
		return nil, err
	}

	if cfg.Archive.Enabled {
		archiver, err := newArchiver(ctx, cfg, logger)
		if err != nil {
			return fail(err)
		}
		opts = append(opts, controller.WithArchiver(archiver))
	}

	if cfg.Cache.Enabled {
		rc, err := cache.NewRedis(ctx, cache.RedisConfig{
			Address:  cfg.Cache.Address,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
			Prefix:   cfg.Cache.Prefix,
		}, logger)
		if err != nil {
			return fail(err)
		}
		sys.cache = rc
	}

	coord, err := controller.New(cfg.CoordinatorConfig(), registry.NewMemory(registry.WithJournal(w)), st, d, opts...)
	if err != nil {
		return fail(err)
	}
	sys.coord = coord
	return sys, nil
}

// close stops the coordinator (which closes the WAL) and releases the
// backends.
func (s *system) close(ctx context.Context) error {
	errs := []error{s.coord.Stop(ctx), s.publisher.Close(), s.store.Close()}
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	return errors.Join(errs...)
}

// serve starts the coordinator and the enabled servers, and blocks until
// ctx is done or a server fails.
func (s *system) serve(ctx context.Context) error {
	var lis net.Listener
	if s.cfg.GRPC.Enabled {
		var err error
		lis, err = net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.GRPC.Port))
		if err != nil {
			return fmt.Errorf("failed to listen on port %d: %w", s.cfg.GRPC.Port, err)
		}
	}

	if err := s.coord.Start(); err != nil {
		if lis != nil {
			lis.Close()
		}
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if s.metrics != nil {
		g.Go(func() error {
			s.log.Info("metrics server listening", "port", s.cfg.Metrics.Port)
			return s.metrics.StartServer(gctx, s.cfg.Metrics.Port)
		})
	}

	if lis != nil {
		srv := server.NewServer(s.coord, s.log)
		g.Go(func() error { return srv.Serve(gctx, lis) })
	}

	if s.cfg.HTTP.Enabled {
		api := httpapi.NewServer(s.coord, s.store, httpapi.Config{
			AllowedOrigins: s.cfg.HTTP.AllowedOrigins,
			MaxUploadBytes: s.cfg.HTTP.MaxUploadBytes,
			Cache:          s.cache,
			CacheTTL:       s.cfg.Cache.TTL,
		}, s.log)
		g.Go(func() error { return api.ListenAndServe(gctx, fmt.Sprintf(":%d", s.cfg.HTTP.Port)) })
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	return g.Wait()
}

func runSystem(ctx context.Context, cfg *Config, logOut io.Writer) error {
	logger, err := NewLogger(cfg, logOut)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	logger.Info("starting screenq",
		"config", configFile,
		"store", cfg.Store.Driver,
		"decider", cfg.Decider.Kind,
		"workers", cfg.Coordinator.Workers,
		"maxConcurrentJobs", cfg.Coordinator.MaxConcurrentJobs)

	sys, err := openSystem(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}

	serveErr := sys.serve(ctx)
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		logger.Error("server failed", "error", serveErr)
	} else {
		logger.Info("received shutdown signal, stopping gracefully")
		serveErr = nil
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := sys.close(stopCtx); err != nil {
		return errors.Join(serveErr, err)
	}

	logger.Info("screenq stopped")
	return serveErr
}

func openStore(ctx context.Context, cfg *Config, logger *slog.Logger) (store.Store, error) {
	opts := []store.Option{store.WithLease(cfg.Coordinator.ClaimLease)}

	switch cfg.Store.Driver {
	case "memory":
		return memory.New(opts...), nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		s, err := sqlite.Open(cfg.Store.Path, logger, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := postgres.Open(ctx, postgres.Config{
			DSN:      cfg.Store.DSN,
			MaxConns: cfg.Store.MaxConns,
		}, logger, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "mongo":
		s, err := mongo.Open(ctx, mongo.Config{
			URI:        cfg.Store.URI,
			Database:   cfg.Store.Database,
			Collection: cfg.Store.Collection,
		}, logger, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

func newDecider(cfg *Config, logger *slog.Logger) (decision.Decider, error) {
	switch cfg.Decider.Kind {
	case "keyword":
		return decision.Keyword{}, nil
	case "http":
		d, err := decision.NewHTTP(decision.HTTPConfig{
			BaseURL:     cfg.Decider.Endpoint,
			Model:       cfg.Decider.Model,
			APIKey:      os.Getenv(cfg.Decider.APIKeyEnv),
			Temperature: cfg.Decider.Temperature,
			Timeout:     cfg.Decider.Timeout,
		}, nil, logger)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	return nil, fmt.Errorf("unknown decider kind %q", cfg.Decider.Kind)
}

func newPublisher(cfg *Config, logger *slog.Logger) (events.Publisher, error) {
	if !cfg.Events.Enabled {
		return events.Nop{}, nil
	}
	pub, err := events.NewRabbitMQ(events.RabbitMQConfig{
		URL:      cfg.Events.URL,
		Exchange: cfg.Events.Exchange,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect event publisher: %w", err)
	}
	return pub, nil
}

func newArchiver(ctx context.Context, cfg *Config, logger *slog.Logger) (report.Archiver, error) {
	format, err := report.ParseFormat(cfg.Archive.Format)
	if err != nil {
		return nil, err
	}
	a, err := report.NewS3Archiver(ctx, report.S3Config{
		Bucket:    cfg.Archive.Bucket,
		Region:    cfg.Archive.Region,
		Prefix:    cfg.Archive.Prefix,
		Format:    format,
		Endpoint:  cfg.Archive.Endpoint,
		AccessKey: os.Getenv(cfg.Archive.AccessKeyEnv),
		SecretKey: os.Getenv(cfg.Archive.SecretKeyEnv),
	}, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}
