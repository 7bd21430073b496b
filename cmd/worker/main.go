package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spheraform/spheraform/internal/adapter"
	_ "github.com/spheraform/spheraform/internal/adapter/arcgis"
	"github.com/spheraform/spheraform/internal/catalog"
	"github.com/spheraform/spheraform/internal/config"
	"github.com/spheraform/spheraform/internal/crawl"
	"github.com/spheraform/spheraform/internal/download"
	"github.com/spheraform/spheraform/internal/export"
	"github.com/spheraform/spheraform/internal/httpx"
	"github.com/spheraform/spheraform/internal/jobqueue"
	"github.com/spheraform/spheraform/internal/logger"
	"github.com/spheraform/spheraform/internal/model"
	"github.com/spheraform/spheraform/internal/observability"
	"github.com/spheraform/spheraform/internal/proxy"
	"github.com/spheraform/spheraform/internal/redisx"
	"github.com/spheraform/spheraform/internal/storage"
	"github.com/spheraform/spheraform/internal/storage/objectstore"
	"github.com/spheraform/spheraform/internal/storage/postgis"
	"github.com/spheraform/spheraform/internal/storage/tiles"
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
		Component: "worker",
	}, os.Stdout)

	observability.ExposeBuildInfo(Version)
	log.Info().Str("version", Version).Msg("starting worker")

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

	rdb, err := redisx.New(ctx, cfg.RedisAddr)
	if err != nil {
		log.Error().Err(err).Msg("redis connect failed")
		return 1
	}
	defer func() { _ = rdb.Close() }()

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

	tileGen := tiles.NewGenerator(cfg.Storage.TippecanoePath, cfg.Storage.TilesMinZoom, cfg.Storage.TilesMaxZoom, log)

	pg := postgis.New(store.DB(), cfg.Storage.PostGISBatchSize, log)
	obj := objectstore.NewBackend(s3, tileGen, cfg.TmpDir, cfg.Storage.ParquetBatchSize, log)

	policy := storage.Policy{MinObjectFeatures: int64(cfg.Storage.MinObjectFeatures)}
	switch cfg.Storage.Backend {
	case "postgis":
		policy.PostGIS = pg
	case "object_storage":
		policy.Object = obj
	default:
		policy.PostGIS = pg
		policy.Object = obj
	}

	crawlSvc := crawl.New(store, adapters, crawl.Config{Parallel: cfg.Worker.CrawlParallel}, log)
	dlSvc := download.New(store, policy, s3, adapters, download.Config{
		TmpDir:        cfg.TmpDir,
		ChunkSize:     int64(cfg.Worker.ChunkSize),
		ChunkParallel: cfg.Worker.ChunkParallel,
		ChunkRetries:  cfg.Worker.ChunkRetries,
	}, log)
	exSvc := export.New(store, policy, s3, tileGen, export.Config{
		TmpDir:           cfg.TmpDir,
		TTL:              cfg.Export.TTL,
		Ogr2ogrPath:      cfg.Storage.Ogr2ogrPath,
		ParquetBatchSize: cfg.Storage.ParquetBatchSize,
	}, log)

	janitor := export.NewJanitor(store, s3, cfg.Export.SweepInterval, log)
	go janitor.Run(ctx)

	producer, err := jobqueue.NewProducer(cfg.Kafka.BrokerList(), jobqueue.TopicsFromConfig(cfg.Kafka))
	if err != nil {
		log.Error().Err(err).Msg("kafka producer failed")
		return 1
	}
	defer func() { _ = producer.Close() }()
	scheduler := crawl.NewScheduler(store, producer, cfg.Worker.CrawlSchedule, log)
	go scheduler.Run(ctx)

	registry := jobqueue.NewCancelRegistry()
	go func() {
		if err := rdb.SubscribeCancel(ctx, registry.Cancel); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("cancel subscription ended")
		}
	}()

	worker := jobqueue.NewWorker(jobqueue.WorkerConfig{
		Brokers:   cfg.Kafka.BrokerList(),
		GroupID:   cfg.Kafka.GroupID,
		Topics:    jobqueue.TopicsFromConfig(cfg.Kafka),
		MaxTasks:  cfg.Worker.MaxTasks,
		HardLimit: cfg.Worker.TaskHardLimit,
		SoftLimit: cfg.Worker.TaskSoftLimit,
	}, registry, log,
		crawl.NewJobHandler(crawlSvc),
		download.NewJobHandler(dlSvc),
		export.NewJobHandler(exSvc),
	)

	err = worker.Run(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		log.Info().Msg("worker stopped")
		return 0
	case errors.Is(err, jobqueue.ErrTaskLimit):
		// Clean exit so the supervisor restarts us with a fresh heap.
		return 0
	default:
		log.Error().Err(err).Msg("worker failed")
		return 1
	}
}
