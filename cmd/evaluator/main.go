package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/alexdev-tb/submission-evaluator/internal/api"
	"github.com/alexdev-tb/submission-evaluator/internal/auth"
	"github.com/alexdev-tb/submission-evaluator/internal/config"
	"github.com/alexdev-tb/submission-evaluator/internal/logging"
	"github.com/alexdev-tb/submission-evaluator/internal/metrics"
	"github.com/alexdev-tb/submission-evaluator/internal/notify"
	"github.com/alexdev-tb/submission-evaluator/internal/queue"
	"github.com/alexdev-tb/submission-evaluator/internal/retry"
	"github.com/alexdev-tb/submission-evaluator/internal/sandbox"
	"github.com/alexdev-tb/submission-evaluator/internal/server"
	"github.com/alexdev-tb/submission-evaluator/internal/stats"
	"github.com/alexdev-tb/submission-evaluator/internal/store"
	"github.com/alexdev-tb/submission-evaluator/internal/worker"
)

func main() {
	hashToken := flag.String("hash-token", "", "print the AUTH_TOKEN_HASH value for an operator token and exit")
	flag.Parse()

	if *hashToken != "" {
		hash, err := auth.HashToken(*hashToken)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hash token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.FromEnv()
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		logrus.Fatalf("failed to configure logging: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("evaluator stopped")
		os.Exit(1)
	}
	logger.Info("evaluator shut down gracefully")
}

func run(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	log := logging.Component(logger, "evaluator")
	sink := metrics.New("")

	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
	}

	publisher, err := newPublisher(cfg.Notify, rdb)
	if err != nil {
		return err
	}
	defer publisher.Close()

	var agg *stats.Aggregator
	opts := []queue.Option{
		queue.WithRetention(cfg.Queue.RetentionWindow, cfg.Queue.RetentionMax),
		queue.WithObserver(func(job queue.Job) { agg.Observe(job) }),
	}
	var mirror *store.RedisJobMirror
	if rdb != nil {
		mirror = store.NewRedisJobMirror(rdb, cfg.Queue.RetentionWindow, log)
		opts = append(opts, queue.WithObserver(mirror.Observe))
	}
	q := queue.New(opts...)
	agg = stats.New(q)

	coordinator := retry.NewCoordinator(q, cfg.Queue.MaxRetries, cfg.Queue.MaxAutoRetries, sink, log).WithArchive(db)

	runner := sandbox.NewDockerRunner(sandbox.RunnerConfig{
		DockerBinary: cfg.Sandbox.Docker.Binary,
		Image:        cfg.Sandbox.Image,
		Command:      cfg.Sandbox.Command,
		JobDir:       cfg.Sandbox.JobDir,
		ExecUser:     cfg.Sandbox.Docker.User,
		Timeout:      cfg.Sandbox.Timeout,
		KillGrace:    cfg.Sandbox.KillGrace,
		LogLimit:     cfg.Sandbox.LogLimit,
		Limits:       cfg.Sandbox.Limits,
	}, log)
	probe := sandbox.NewProbe(cfg.Sandbox.Docker.Binary, cfg.Sandbox.ProbeTimeout, log)
	if probe.DaemonReady(ctx) {
		runner.PurgeOrphans(ctx)
	}
	log.WithField("limits", sandbox.FormatLimits(runner.Limits())).Info("sandbox configured")

	pool := worker.New(worker.Config{
		Workers:             cfg.Worker.Count,
		JobTimeout:          runner.Timeout(),
		SweepInterval:       cfg.Worker.SweepInterval,
		SweepGrace:          cfg.Worker.SweepGrace,
		PruneInterval:       cfg.Worker.PruneInterval,
		AvailabilityBackoff: cfg.Worker.AvailabilityBackoff,
	}, worker.Deps{
		Queue:     q,
		Executor:  runner,
		Probe:     probe,
		Results:   db,
		Publisher: publisher,
		Retrier:   coordinator,
		Metrics:   sink,
		Log:       log,
	})

	authorizer, err := newAuthorizer(cfg.Auth, log)
	if err != nil {
		return err
	}

	deps := api.Deps{
		Queue:       q,
		Retrier:     coordinator,
		Submissions: db,
		Database:    db,
		Stats:       agg,
		Probe:       probe,
		Pool:        pool,
		Authorizer:  authorizer,
		Metrics:     sink,
		Log:         log,
	}
	if mirror != nil {
		deps.Mirror = mirror
	}
	accessLog := logger.WriterLevel(logrus.InfoLevel)
	defer accessLog.Close()
	srv := server.New(cfg.HTTP, api.NewRouter(api.NewHandler(deps), accessLog), log)

	mirrorCtx, stopMirror := context.WithCancel(context.Background())
	defer stopMirror()
	mirrorDone := make(chan error, 1)
	if mirror != nil {
		go func() { mirrorDone <- mirror.Run(mirrorCtx) }()
	} else {
		mirrorDone <- nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := srv.Run(gctx)
		if errors.Is(err, server.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		// Waiting jobs die with the process; active ones run to their deadline.
		q.Close()
		return nil
	})
	g.Go(func() error {
		return pool.Run(gctx)
	})

	err = g.Wait()
	stopMirror()
	<-mirrorDone
	return err
}

func newPublisher(cfg config.Notify, rdb *redis.Client) (notify.Publisher, error) {
	switch cfg.Driver {
	case "redis":
		return notify.NewRedisStreamPublisher(rdb, cfg.Stream, cfg.StreamMaxLen), nil
	case "rabbitmq":
		p, err := notify.DialAMQP(cfg.AMQPURL, cfg.Exchange, cfg.AMQPQueue, cfg.RoutingKey)
		if err != nil {
			return nil, fmt.Errorf("connect to rabbitmq: %w", err)
		}
		return p, nil
	default:
		return notify.Nop{}, nil
	}
}

func newAuthorizer(cfg config.Auth, log *logrus.Entry) (auth.Authorizer, error) {
	if cfg.TokenHash == "" {
		log.Warn("AUTH_TOKEN_HASH not set, operator routes are open")
		return auth.Open{}, nil
	}
	return auth.NewTokenAuthorizer(cfg.TokenHash)
}
