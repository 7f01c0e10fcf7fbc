package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"bulkimg/internal/ingest"
	"bulkimg/internal/models"
	"bulkimg/internal/objectstore"
	"bulkimg/internal/queue"
	"bulkimg/internal/server"
	"bulkimg/internal/storage"
	"bulkimg/internal/transform"
	"bulkimg/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// app holds the clients shared by the HTTP surface and the worker pool. They
// are built once and closed on shutdown.
type app struct {
	cfg   *models.Config
	log   zerolog.Logger
	store storage.Store
	redis *redis.Client
}

func newApp(ctx context.Context, cfg *models.Config, log zerolog.Logger) (*app, error) {
	store, err := storage.Open(ctx, cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("failed to init storage: %w", err)
	}
	a := &app{cfg: cfg, log: log, store: store}

	if cfg.Queue.Driver == models.QueueRedis {
		rc, err := queue.NewRedisClient(cfg.Queue.Redis)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		a.redis = rc
	}
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	a.store.Close()
}

func (a *app) newProducer() queue.Producer {
	if a.cfg.Queue.Driver == models.QueueRedis {
		return queue.NewRedisProducer(a.redis, a.cfg.Queue.Redis)
	}
	return queue.NewKafkaProducer(a.cfg.Queue.Kafka)
}

// consumerFactory gives each worker its own consumer: a separate reader in
// the Kafka group, or a distinct consumer name in the Redis group.
func (a *app) consumerFactory() worker.ConsumerFactory {
	return func(n int) (queue.Consumer, error) {
		if a.cfg.Queue.Driver == models.QueueRedis {
			name := fmt.Sprintf("%s-%d", a.cfg.Queue.Redis.Consumer, n)
			return queue.NewRedisConsumer(a.redis, a.cfg.Queue.Redis, name, a.log), nil
		}
		return queue.NewKafkaConsumer(a.cfg.Queue.Kafka, a.log), nil
	}
}

func (a *app) newPool(ctx context.Context) (*worker.Pool, error) {
	wc := a.cfg.Worker
	client := &http.Client{}

	objects, err := objectstore.New(ctx, a.cfg.ObjectStore, client)
	if err != nil {
		return nil, fmt.Errorf("failed to init object store: %w", err)
	}

	pipeline := transform.New(client, objects, transform.Options{
		FetchTimeout:   wc.FetchTimeout,
		StoreTimeout:   wc.StoreTimeout,
		MaxImageBytes:  wc.MaxImageBytes,
		MaxImagePixels: wc.MaxImagePixels,
	}, a.log)

	return worker.NewPool(a.consumerFactory(), pipeline, a.store, worker.Options{
		Workers:       wc.Workers,
		Fanout:        wc.Fanout,
		StatusTimeout: wc.StatusTimeout,
	}, a.log), nil
}

// run starts the selected services and blocks until SIGINT/SIGTERM or the
// first service failure.
func (a *app) run(ctx context.Context, withAPI, withWorkers bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if withAPI {
		producer := a.newProducer()
		defer func() {
			if err := producer.Close(); err != nil {
				a.log.Error().Err(err).Msg("queue: producer close failed")
			}
		}()

		srv := server.NewServer(a.cfg, ingest.NewService(a.store, producer, a.log), a.store, a.log)
		g.Go(srv.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Stop(shutdownCtx)
		})
	}

	if withWorkers {
		pool, err := a.newPool(ctx)
		if err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		g.Go(func() error { return pool.Run(ctx) })
	}

	a.log.Info().Bool("api", withAPI).Bool("workers", withWorkers).Msg("bulkimg: started")
	err := g.Wait()
	a.log.Info().Msg("bulkimg: stopped")
	return err
}

func runServices(cmdCtx *commandContext, withAPI, withWorkers bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		defer cmdCtx.flush()

		a, err := newApp(cmd.Context(), cmdCtx.cfg, cmdCtx.log)
		if err != nil {
			return err
		}
		defer a.Close()

		return a.run(cmd.Context(), withAPI, withWorkers)
	}
}

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the worker pool",
		Args:  cobra.NoArgs,
		RunE:  runServices(ctx, true, true),
	}
}

func newAPICommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Run only the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServices(ctx, true, false),
	}
}

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run only the worker pool",
		Args:  cobra.NoArgs,
	}
	workers := cmd.Flags().IntP("workers", "w", 0, "Number of concurrent workers (overrides config)")
	cmd.RunE = func(c *cobra.Command, args []string) error {
		if *workers > 0 {
			ctx.cfg.Worker.Workers = *workers
		}
		return runServices(ctx, false, true)(c, args)
	}
	return cmd
}
