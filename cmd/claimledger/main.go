package main

import (
	"ClaimLedger/internal/config"
	"ClaimLedger/internal/core"
	"ClaimLedger/internal/event"
	"ClaimLedger/internal/ingestion"
	"ClaimLedger/internal/observability"
	"ClaimLedger/internal/persistence"
	"ClaimLedger/internal/projection"
	"ClaimLedger/internal/query"
	"ClaimLedger/internal/server"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	logger := observability.NewLogger("claimledger")
	logger.Info().Msg("ClaimLedger starting")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	logger.Info().Msg("Postgres connected")

	migrator := persistence.NewMigrator(db, cfg.Migrations(), observability.NewLogger("migrator"))
	if err := migrator.Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", db.PingContext)

	// --- Channels ---
	// Persist channel blocks (backpressure), projection channel drops
	submitChan := make(chan event.Submission, cfg.SubmitChanSize)
	persistCoreChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	persistRecordChan := make(chan persistence.Record, cfg.PersistChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.PublishChanSize)
	snapshotRequests := make(chan chan<- *core.SnapshotState)

	// --- Engine + recovery ---
	engine := core.NewEngine(
		0,
		cfg.Params,
		cfg.Authorizer(),
		persistCoreChan,
		projectionCoreChan,
		persistence.NewPostgresIdempotencyChecker(db),
		metrics,
	)

	snapMgr := persistence.NewSnapshotManager(db)
	if err := recoverEngine(ctx, engine, snapMgr, metrics, observability.NewLogger("recovery")); err != nil {
		logger.Fatal().Err(err).Msg("recovery failed")
	}
	recovered := engine.CreateSnapshotState()

	if err := projection.Rebuild(ctx, db, recovered, observability.NewLogger("projection")); err != nil {
		logger.Fatal().Err(err).Msg("projection rebuild failed")
	}

	// --- NATS ---
	natsLogger := observability.NewLogger("nats")
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, natsLogger)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	healthChecker.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("nats disconnected")
		}
		return nil
	})

	if err := ingestion.EnsureStreams(ctx, js, natsLogger); err != nil {
		logger.Fatal().Err(err).Msg("ensure NATS streams")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, natsLogger); err != nil {
		logger.Fatal().Err(err).Msg("ensure outbound stream")
	}

	rawEventChan := make(chan ingestion.RawEvent, cfg.SubmitChanSize)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawEventChan, natsLogger)
	dispatcher := ingestion.NewDispatcher(
		ingestion.NewSubjectRouter(ingestion.DefaultSubjects()),
		submitChan,
		observability.NewLogger("dispatcher"),
		metrics,
	)
	outboundPublisher := ingestion.NewOutboundPublisher(js, publishChan, observability.NewLogger("publisher"))

	// --- Services ---
	snaps := &snapshotter{
		requests:   snapshotRequests,
		snapMgr:    snapMgr,
		metrics:    metrics,
		logger:     observability.NewLogger("snapshot"),
		verifyWait: 5 * time.Second,
	}

	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Submitter:     ingestion.NewGRPCIngestService(submitChan, metrics),
		Queries:       query.NewQueryService(db),
		Admin:         snaps,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        observability.NewLogger("server"),
	})

	// --- Start goroutines ---
	errChan := make(chan error, 10)

	// 1. Persistence worker. Runs on its own context so it can drain after
	// the core stops.
	persistCtx, persistCancel := context.WithCancel(context.Background())
	defer persistCancel()
	persistWorker := persistence.NewPersistenceWorker(
		db, persistRecordChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout,
		observability.NewLogger("persistence"), metrics,
	)
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		if err := persistWorker.Run(persistCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("persistence worker stopped")
		}
	}()

	// 2. Core output bridge
	go bridgeOutputs(persistCoreChan, persistRecordChan, publishChan, observability.NewLogger("bridge"), metrics)

	// 3. Projection worker
	projWorker := projection.NewProjectionWorker(db, projectionCoreChan, observability.NewLogger("projection"), metrics)
	go func() {
		if err := projWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("projection worker: %w", err)
		}
	}()

	// 4. Outbound publisher
	go func() {
		if err := outboundPublisher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("outbound publisher: %w", err)
		}
	}()

	// 5. Core loop. Stopped after ingress so no accepted submission is lost.
	coreCtx, coreCancel := context.WithCancel(context.Background())
	defer coreCancel()
	coreLogger := observability.NewLogger("core")
	coreDone := make(chan struct{})
	go func() {
		defer close(coreDone)
		engine.Run(coreCtx, submitChan, snapshotRequests, func(evt event.Event, err error) {
			coreLogger.Debug().
				Err(err).
				Str("type", evt.EventType().String()).
				Str("key", evt.IdempotencyKey()).
				Msg("call rejected")
		})
	}()

	// 6. NATS ingress
	if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}
	go dispatcher.Run(ctx, rawEventChan)

	// 7. gRPC server and HTTP/JSON gateway
	go func() {
		if err := grpcServer.StartGRPC(ctx); err != nil {
			errChan <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		if err := grpcServer.StartHTTPGateway(ctx); err != nil {
			errChan <- fmt.Errorf("http gateway: %w", err)
		}
	}()

	// 8. Periodic snapshots
	go snaps.runPeriodic(ctx, cfg.SnapshotInterval, recovered.Sequence)

	// 9. Prometheus metrics server
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)

	logger.Info().
		Int64("next_sequence", recovered.Sequence+1).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Int("verifiers", len(cfg.Verifiers)).
		Msg("ClaimLedger ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop ingress, stop the core, drain persistence, then snapshot.
	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	natsSubscriber.Stop()
	cancel()

	coreCancel()
	<-coreDone
	close(persistCoreChan)
	close(projectionCoreChan)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// The core loop has exited, so its state can be read directly
	final := engine.CreateSnapshotState()
	if final.Sequence > recovered.Sequence {
		if err := snaps.store(shutdownCtx, final); err != nil {
			logger.Error().Err(err).Msg("final snapshot failed")
		}
	}

	select {
	case <-persistDone:
	case <-shutdownCtx.Done():
		logger.Error().Msg("persistence worker did not drain in time")
	}

	logger.Info().Int64("sequence", final.Sequence).Msg("ClaimLedger shutdown complete")
}
