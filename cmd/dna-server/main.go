// Command dna-server runs a single-chain DNA node: an Ingestor driving a
// ChainView against an upstream ChainRpc, a BlockStore archiving every
// observed block, an IngestionBus fanning out ingestor.Events, and a
// StreamService gRPC server plus an HTTP admin API serving filtered,
// ordered streams to clients.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/apibara/dna/internal/admin"
	"github.com/apibara/dna/internal/alert"
	"github.com/apibara/dna/internal/blockstore"
	"github.com/apibara/dna/internal/bus"
	"github.com/apibara/dna/internal/bus/redisbus"
	"github.com/apibara/dna/internal/chainadapter/evm"
	"github.com/apibara/dna/internal/chainadapter/starknet"
	"github.com/apibara/dna/internal/chainrpc"
	"github.com/apibara/dna/internal/circuitbreaker"
	"github.com/apibara/dna/internal/config"
	"github.com/apibara/dna/internal/ingestor"
	"github.com/apibara/dna/internal/quota"
	"github.com/apibara/dna/internal/retry"
	"github.com/apibara/dna/internal/server"
	"github.com/apibara/dna/internal/store/postgres"
	"github.com/apibara/dna/internal/streamengine"
	"github.com/apibara/dna/internal/streampb"
	"github.com/apibara/dna/internal/tracing"
)

func main() {
	var cfg *config.Config
	var err error
	if path := os.Getenv("DNA_CONFIG_FILE"); path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting dna-server",
		"chain", cfg.Chain.Name,
		"chain_rpc", cfg.Chain.RPCURL,
		"bus_transport", cfg.Bus.Transport,
		"listen_addr", cfg.Server.ListenAddr,
		"admin_addr", cfg.Server.AdminAddr,
	)

	tracingEndpoint := cfg.Tracing.Endpoint
	if cfg.Tracing.Disabled {
		tracingEndpoint = ""
	}
	shutdownTracing, err := tracing.Init(context.Background(), "dna-server", tracingEndpoint, cfg.Tracing.Insecure)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()
	if tracingEndpoint != "" {
		logger.Info("tracing enabled", "endpoint", tracingEndpoint)
	}

	db, err := postgres.New(postgres.Config{
		URL:             cfg.DB.URL,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	checkpoints := postgres.NewCheckpointRepo(db)
	logger.Info("connected to database")

	store, err := blockstore.Open(blockstore.Options{
		Dir:         cfg.BlockStore.Dir,
		SegmentSize: cfg.BlockStore.SegmentSize,
		Log:         logger,
	})
	if err != nil {
		logger.Error("failed to open blockstore", "error", err)
		os.Exit(1)
	}

	rpc, err := buildChainRpc(cfg.Chain.Name, cfg.Chain.RPCURL)
	if err != nil {
		logger.Error("failed to build chain adapter", "error", err)
		os.Exit(1)
	}

	// localBus is what StreamEngine subscribes to (via server.New) regardless
	// of transport: it is the only implementation of the push-based Subscribe
	// API. When BUS_TRANSPORT=redis, the Ingestor publishes into Redis instead
	// and a bridge goroutine below re-publishes every event into localBus, so
	// multiple StreamEngine hosts can each run their own bridge off one
	// Ingestor's Redis stream.
	localBus := bus.New(bus.Options{Buffer: cfg.Bus.Buffer, Log: logger})

	var ingestorSink ingestor.EventSink = localBus
	var redisBridge *redisBusBridge
	if cfg.Bus.Transport == "redis" {
		redisBus, err := redisbus.New(context.Background(), redisbus.Config{
			URL:       cfg.Bus.RedisURL,
			StreamKey: "dna:" + cfg.Chain.Name + ":events",
			MaxLen:    int64(cfg.Bus.Buffer) * 16,
			Log:       logger,
		})
		if err != nil {
			logger.Error("failed to connect to redis bus", "error", err)
			os.Exit(1)
		}
		defer redisBus.Close()
		ingestorSink = redisBus
		redisBridge = &redisBusBridge{reader: redisBus.NewReader("$"), local: localBus, log: logger}
	}

	ing := ingestor.New(rpc, store, ingestorSink, ingestor.Options{
		RetryPolicy:     retry.DefaultPolicy(),
		RetentionBlocks: cfg.BlockStore.RetentionBlocks,
	}, logger)

	quotaClient, err := quota.Dial(quota.Config{
		Addr:    cfg.Quota.Addr,
		Timeout: cfg.Quota.Timeout,
		Breaker: circuitbreaker.Config{
			FailureThreshold: cfg.Quota.BreakerFailureThresh,
			OpenTimeout:      cfg.Quota.BreakerResetTimeout,
		},
		Log: logger,
	})
	if err != nil {
		logger.Error("failed to dial quota sidecar", "error", err)
		os.Exit(1)
	}
	defer quotaClient.Close()

	alerter := buildAlerter(cfg.Alert, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ing.Run(gCtx)
	})

	if redisBridge != nil {
		g.Go(func() error {
			return redisBridge.Run(gCtx)
		})
	}

	select {
	case <-ing.Ready():
	case <-gCtx.Done():
		logger.Error("ingestor exited before seeding its view", "error", gCtx.Err())
		os.Exit(1)
	}

	streamSrv := server.New(ing.View(), store, localBus, logger,
		server.WithQuota(quotaClient),
		server.WithStreamConfig(streamengine.Config{
			PendingTailDepth:  cfg.StreamEngine.PendingTailDepth,
			HeartbeatInterval: cfg.StreamEngine.HeartbeatInterval,
			IdleTimeout:       cfg.StreamEngine.IdleTimeout,
			BatchSize:         cfg.StreamEngine.BatchSize,
			BlocksPerSecond:   cfg.StreamEngine.BlocksPerSecond,
			BytesPerSecond:    cfg.StreamEngine.BytesPerSecond,
			MaxLagBlocks:      cfg.StreamEngine.MaxLagBlocks,
			MaxLagBytes:       cfg.StreamEngine.MaxLagBytes,
			Log:               logger,
		}),
	)

	grpcServer := grpc.NewServer()
	streampb.RegisterStreamServiceServer(grpcServer, streamSrv)

	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Server.ListenAddr, err)
		}
		go func() {
			<-gCtx.Done()
			grpcServer.GracefulStop()
		}()
		logger.Info("stream server started", "addr", cfg.Server.ListenAddr)
		return grpcServer.Serve(lis)
	})

	adminSrv := admin.NewServer(streamSrv, logger, admin.WithAlerter(alerter), admin.WithCheckpoints(checkpoints))
	defer adminSrv.Stop()

	g.Go(func() error {
		return runAdminServer(gCtx, cfg.Server.AdminAddr, adminSrv.Handler(), logger)
	})

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("dna-server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("dna-server shut down gracefully")
}

// buildChainRpc selects the chainrpc.ChainRpc implementation for the
// configured chain. Adding a new chain means adding one more case here and
// a new internal/chainadapter/<chain> package.
func buildChainRpc(name, rpcURL string) (chainrpc.ChainRpc, error) {
	switch name {
	case "starknet":
		client := starknet.NewClient(rpcURL, 30*time.Second)
		return starknet.NewAdapter(client), nil
	case "ethereum", "base", "polygon", "arbitrum":
		client := evm.NewClient(rpcURL, 30*time.Second)
		return evm.NewAdapter(client, true), nil
	default:
		return nil, fmt.Errorf("unsupported chain %q", name)
	}
}

// redisBusBridge adapts redisbus's pull-based Reader.Next onto the
// in-process bus.Bus's push-based Subscribe/Publish, so a single
// StreamEngine host can serve local streams off a cross-process
// Ingestor's Redis-backed IngestionBus.
type redisBusBridge struct {
	reader *redisbus.Reader
	local  *bus.Bus
	log    *slog.Logger
}

func (br *redisBusBridge) Run(ctx context.Context) error {
	for {
		evt, err := br.reader.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			br.log.Warn("redis bus bridge read failed, retrying", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if err := br.local.Publish(ctx, evt); err != nil {
			br.log.Warn("redis bus bridge publish failed", "error", err)
		}
	}
}

func buildAlerter(cfg config.AlertConfig, logger *slog.Logger) alert.Alerter {
	var alerters []alert.Alerter
	if cfg.SlackWebhookURL != "" {
		alerters = append(alerters, alert.NewSlackAlerter(cfg.SlackWebhookURL))
	}
	if cfg.WebhookURL != "" {
		alerters = append(alerters, alert.NewWebhookAlerter(cfg.WebhookURL))
	}
	cooldown := time.Duration(cfg.CooldownSeconds) * time.Second
	return alert.NewMultiAlerter(cooldown, logger, alerters...)
}

func runAdminServer(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/", handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("admin server shutdown error", "error", err)
		}
	}()

	logger.Info("admin server started", "addr", addr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}
