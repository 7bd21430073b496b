package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spheraform/spheraform/internal/adapter"
	_ "github.com/spheraform/spheraform/internal/adapter/arcgis"
	"github.com/spheraform/spheraform/internal/api"
	"github.com/spheraform/spheraform/internal/catalog"
	"github.com/spheraform/spheraform/internal/changedetect"
	"github.com/spheraform/spheraform/internal/config"
	"github.com/spheraform/spheraform/internal/httpx"
	"github.com/spheraform/spheraform/internal/jobqueue"
	"github.com/spheraform/spheraform/internal/logger"
	"github.com/spheraform/spheraform/internal/model"
	"github.com/spheraform/spheraform/internal/observability"
	"github.com/spheraform/spheraform/internal/proxy"
	"github.com/spheraform/spheraform/internal/redisx"
	"github.com/spheraform/spheraform/internal/server"
	"github.com/spheraform/spheraform/internal/storage/objectstore"
	"github.com/spheraform/spheraform/internal/themes"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()

	log := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		Component: "api",
	}, os.Stdout)

	observability.ExposeBuildInfo(Version)
	log.Info().Str("addr", cfg.Addr).Str("version", Version).Msg("starting api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := catalog.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error().Err(err).Msg("postgres connect failed")
		return 1
	}
	defer func() { _ = store.Close() }()
	if err := store.Migrate(ctx); err != nil {
		log.Error().Err(err).Msg("migrate failed")
		return 1
	}
	if err := store.SeedThemes(ctx, themes.Defaults()); err != nil {
		log.Warn().Err(err).Msg("theme seed failed")
	}

	rdb, err := redisx.New(ctx, cfg.RedisAddr)
	if err != nil {
		log.Error().Err(err).Msg("redis connect failed")
		return 1
	}
	defer func() { _ = rdb.Close() }()

	producer, err := jobqueue.NewProducer(cfg.Kafka.BrokerList(), jobqueue.TopicsFromConfig(cfg.Kafka))
	if err != nil {
		log.Error().Err(err).Msg("kafka producer failed")
		return 1
	}
	defer func() { _ = producer.Close() }()

	s3, err := objectstore.NewClient(ctx, cfg.S3)
	if err != nil {
		log.Error().Err(err).Msg("object storage client failed")
		return 1
	}
	if err := s3.EnsureBucket(ctx); err != nil {
		log.Warn().Err(err).Str("bucket", cfg.S3.Bucket).Msg("bucket check failed")
	}

	proxies := proxy.FromConfig(cfg.Proxy, log)
	adapters := func(srv *model.Server) (adapter.Adapter, error) {
		client := httpx.NewClient(proxies.ForServer(srv.Connection, srv.Country), 30*time.Second)
		return adapter.ForServer(srv, client, log)
	}

	a := api.New(api.Deps{
		Store:         store,
		Queue:         producer,
		Cancels:       rdb,
		Presign:       s3,
		Checker:       changedetect.New(store, adapters, log),
		Adapters:      adapters,
		PresignExpiry: cfg.S3.PresignExpiry,
		Readiness: map[string]api.Pinger{
			"postgres": store,
			"redis":    rdb,
		},
		Log: log,
	})

	if err := server.Run(ctx, cfg.Addr, a.Router(), log); err != nil {
		log.Error().Err(err).Msg("http server failed")
		return 1
	}
	log.Info().Msg("api stopped")
	return 0
}
