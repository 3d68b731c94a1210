package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-order-fulfillment/internal/config"
	"github.com/ariefcatur/go-order-fulfillment/internal/fulfillment"
	"github.com/ariefcatur/go-order-fulfillment/internal/ids"
	"github.com/ariefcatur/go-order-fulfillment/internal/jobqueue"
	kafkax "github.com/ariefcatur/go-order-fulfillment/internal/kafka"
	"github.com/ariefcatur/go-order-fulfillment/internal/lock"
	"github.com/ariefcatur/go-order-fulfillment/internal/logx"
	"github.com/ariefcatur/go-order-fulfillment/internal/notify"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/orderstatus"
	"github.com/ariefcatur/go-order-fulfillment/internal/postgres"
	"github.com/ariefcatur/go-order-fulfillment/internal/redisx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := logx.New(cfg.Env, cfg.ServiceName+"-worker")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka: status broadcasts out, projection in
	prod := kafkax.NewProducer(cfg.KafkaBrokers, cfg.StatusTopic, 1024, logger)
	prod.Start(ctx)
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.WorkerGroup, cfg.StatusTopic, cfg.Workers, logger)

	gen := ids.UUID{}
	repo := &orders.Repo{DB: db}
	locks := lock.New(rdb, lock.Options{TTL: cfg.LockTTL, Wait: cfg.LockWait, Poll: cfg.LockPoll}, logger.Named("lock"))
	notifier := notify.Fanout{
		notify.NewBroadcaster(prod, cfg.ServiceName+"-worker"),
		notify.NewUserChannel(rdb),
	}
	machine := orderstatus.New(repo, locks, notifier, cfg.LockWait, logger.Named("status"))

	queue := jobqueue.New(rdb, cfg.JobQueue, jobqueue.Options{Attempts: cfg.JobAttempts, Backoff: cfg.JobBackoff, Visibility: cfg.JobVisibility}, gen, logger.Named("queue"))
	worker := jobqueue.NewWorker(queue, cfg.Workers, logger.Named("worker"))
	fulfillment.NewHandlers(machine, logger.Named("fulfillment"),
		fulfillment.CatalogCheck{Variants: repo},
		fulfillment.AmountLimit(cfg.FraudAmountLimit),
	).Register(worker)

	svc := fulfillment.NewService(queue, machine, locks, cfg.LockWait, logger.Named("fulfillment"))
	reconciler := fulfillment.NewReconciler(repo, svc, cfg.ReconcileAge, cfg.ReconcileInterval, logger.Named("reconciler"))
	projector := notify.NewProjector(notify.NewStatusCache(rdb), logger.Named("projection"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(ctx) })
	g.Go(func() error { return reconciler.Run(ctx) })
	g.Go(func() error { return cons.Start(ctx, projector.Handle) })

	logger.Info("worker started",
		zap.String("queue", cfg.JobQueue),
		zap.Int("workers", cfg.Workers),
		zap.String("topic", cfg.StatusTopic),
		zap.String("group", cfg.WorkerGroup),
	)
	if err := g.Wait(); err != nil {
		logger.Error("worker exit", zap.Error(err))
	}
	logger.Info("shutting down")
	prod.Close()
	prod.WaitClosed()
}
