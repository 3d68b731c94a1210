package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/cart"
	"github.com/ariefcatur/go-order-fulfillment/internal/checkout"
	"github.com/ariefcatur/go-order-fulfillment/internal/config"
	"github.com/ariefcatur/go-order-fulfillment/internal/fulfillment"
	"github.com/ariefcatur/go-order-fulfillment/internal/httpx"
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
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := logx.New(cfg.Env, cfg.ServiceName)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		logger.Fatal("db migrate", zap.Error(err))
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producer for status broadcasts
	prod := kafkax.NewProducer(cfg.KafkaBrokers, cfg.StatusTopic, 1024, logger)
	prod.Start(ctx)

	gen := ids.UUID{}
	repo := &orders.Repo{DB: db}
	locks := lock.New(rdb, lock.Options{TTL: cfg.LockTTL, Wait: cfg.LockWait, Poll: cfg.LockPoll}, logger.Named("lock"))
	notifier := notify.Fanout{
		notify.NewBroadcaster(prod, cfg.ServiceName),
		notify.NewUserChannel(rdb),
	}

	carts := cart.NewStore(rdb, locks, repo, gen, cart.Options{TTL: cfg.CartTTL, LockWait: cfg.LockWait}, logger.Named("cart"))
	machine := orderstatus.New(repo, locks, notifier, cfg.LockWait, logger.Named("status"))
	queue := jobqueue.New(rdb, cfg.JobQueue, jobqueue.Options{Attempts: cfg.JobAttempts, Backoff: cfg.JobBackoff, Visibility: cfg.JobVisibility}, gen, logger.Named("queue"))
	svc := fulfillment.NewService(queue, machine, locks, cfg.LockWait, logger.Named("fulfillment"))
	placer := checkout.New(checkout.Deps{
		Store:      repo,
		Carts:      carts,
		Locks:      locks,
		Promotions: checkout.ParseFixedCodes(cfg.PromoCodes),
		Jobs:       svc,
		Notifier:   notifier,
		IDs:        gen,
		LockWait:   cfg.LockWait,
		Log:        logger.Named("checkout"),
	})

	router := httpx.NewRouter(logger.Named("http"))
	(&httpx.CartHandler{Carts: carts, Log: logger}).Register(router)
	(&httpx.OrdersHandler{
		Placer:      placer,
		Orders:      repo,
		Status:      notify.NewStatusCache(rdb),
		Machine:     machine,
		Fulfillment: svc,
		Log:         logger,
	}).Register(router)

	// HTTP server
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	prod.Close()
	prod.WaitClosed()
}
