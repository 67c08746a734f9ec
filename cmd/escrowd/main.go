package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"proofpay/config"
	"proofpay/core/state"
	"proofpay/gateway/auth"
	"proofpay/gateway/middleware"
	"proofpay/native/bank"
	"proofpay/native/escrow"
	"proofpay/observability"
	"proofpay/observability/logging"
	telemetry "proofpay/observability/otel"
	"proofpay/services/escrowd"
	"proofpay/storage"
)

const serviceName = "escrowd"

func main() {
	cfgPath := flag.String("config", "", "path to escrowd configuration (.toml or .yaml)")
	flag.Parse()

	if err := run(*cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "escrowd: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser := logging.Setup(serviceName, cfg.Environment, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetryCfg := telemetry.Config{
		ServiceName: serviceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	}
	telemetryCfg.ApplyEnv(os.LookupEnv)
	shutdownTelemetry, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := storage.Open(cfg.Storage.Options())
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()
	logger.Info("storage ready", "backend", cfg.Storage.Backend)

	engineCfg := escrow.Config{}
	if cfg.Escrow.CustodyAddress != "" {
		custody, err := escrow.ParseAddress(cfg.Escrow.CustodyAddress)
		if err != nil {
			return fmt.Errorf("escrow.custody_address: %w", err)
		}
		engineCfg.CustodyAddress = custody
	}
	engine := escrow.NewEngine(engineCfg)
	engine.SetState(state.NewRegistry(db, cfg.Escrow.RetentionWindow.Duration))

	var (
		localLedger *bank.Ledger
		ledgerRPC   http.Handler
	)
	switch cfg.Custody.Mode {
	case config.CustodyRemote:
		remote := bank.NewRemoteLedger(cfg.Custody.Endpoint, cfg.Custody.Token)
		remote.SetTimeout(cfg.Custody.Timeout.Duration)
		engine.SetCustody(remote)
		logger.Info("custody ledger", "mode", "remote", "endpoint", cfg.Custody.Endpoint)
	default:
		localLedger = bank.NewLedger(db)
		engine.SetCustody(localLedger)
		if cfg.Custody.ServeRPC {
			handler, err := bank.NewRPCHandler(localLedger, cfg.Custody.Token)
			if err != nil {
				return fmt.Errorf("ledger rpc: %w", err)
			}
			ledgerRPC = handler
		}
		logger.Info("custody ledger", "mode", "local", "serve_rpc", cfg.Custody.ServeRPC)
	}

	metrics := observability.Escrow()
	sink := escrowd.NewEventSink(logger, metrics)
	engine.SetEmitter(sink)

	if err := bootstrap(ctx, engine, sink, cfg.Escrow.Asset, logger); err != nil {
		return err
	}

	authenticator, nonceCloser, err := buildAuthenticator(ctx, cfg.Auth)
	if err != nil {
		return err
	}
	if nonceCloser != nil {
		defer nonceCloser.Close()
	}

	obs, err := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: serviceName,
		LogRequests: cfg.Logging.LogRequests,
	}, prometheus.DefaultRegisterer, logger)
	if err != nil {
		return fmt.Errorf("init http metrics: %w", err)
	}

	srv, err := escrowd.New(escrowd.Config{
		Engine:        engine,
		Ledger:        localLedger,
		LedgerRPC:     ledgerRPC,
		Authenticator: authenticator,
		AdminToken:    cfg.Auth.AdminToken,
		RateLimits: map[string]middleware.RateLimit{
			"read":  {RequestsPerMinute: cfg.RateLimit.ReadPerMinute, Burst: cfg.RateLimit.Burst},
			"write": {RequestsPerMinute: cfg.RateLimit.WritePerMinute, Burst: cfg.RateLimit.Burst},
		},
		CORS:           middleware.CORSConfig{AllowedOrigins: cfg.CORS.AllowedOrigins},
		Observability:  obs,
		Metrics:        metrics,
		MetricsHandler: promhttp.Handler(),
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	keeper := escrowd.NewKeeper(engine, cfg.Escrow.RetentionRefresh.Duration, metrics, logger)
	go keeper.Run(ctx)

	grpcServer, healthServer := escrowd.NewGRPCServer()
	go escrowd.WatchHealth(ctx, healthServer, engine, 10*time.Second, logger)

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddress)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(srv.Handler(), serviceName),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("grpc health listening", "addr", cfg.GRPCAddress)
		if err := grpcServer.Serve(grpcListener); err != nil {
			errCh <- fmt.Errorf("grpc serve: %w", err)
		}
	}()
	go func() {
		logger.Info("http listening", "addr", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http serve: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case serveErr = <-errCh:
		logger.Error("server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}
	return serveErr
}

// bootstrap initializes an empty registry with the configured asset and
// primes the event sink with the stored one.
func bootstrap(ctx context.Context, engine *escrow.Engine, sink *escrowd.EventSink, asset string, logger *slog.Logger) error {
	if strings.TrimSpace(asset) != "" {
		err := engine.Initialize(ctx, escrow.AssetID(asset))
		switch {
		case err == nil:
			logger.Info("escrow initialized", "asset", asset)
		case errors.Is(err, escrow.ErrAlreadyInitialized):
		default:
			return fmt.Errorf("initialize escrow: %w", err)
		}
	}
	stored, err := engine.Asset(ctx)
	switch {
	case err == nil:
		sink.SetAsset(string(stored))
		if asset != "" {
			if want, _ := escrow.NormalizeAsset(asset); want != stored {
				logger.Warn("configured asset differs from stored asset", "configured", want, "stored", stored)
			}
		}
	case errors.Is(err, escrow.ErrNotInitialized):
		logger.Warn("escrow not initialized; call the admin initialize endpoint")
	default:
		return fmt.Errorf("read escrow configuration: %w", err)
	}
	return nil
}

func buildAuthenticator(ctx context.Context, cfg config.AuthConfig) (auth.RequestAuthenticator, io.Closer, error) {
	var (
		signature *auth.SignatureAuthenticator
		bearer    *auth.JWTAuthenticator
		closer    io.Closer
	)
	if cfg.Mode == config.AuthSignature || cfg.Mode == config.AuthAny {
		var persistence auth.NoncePersistence
		if cfg.NoncePath != "" {
			store, err := auth.OpenLevelDBNonceStore(cfg.NoncePath)
			if err != nil {
				return nil, nil, fmt.Errorf("open nonce store: %w", err)
			}
			persistence, closer = store, store
		}
		signature = auth.NewSignatureAuthenticator(cfg.TimestampSkew.Duration, cfg.NonceTTL.Duration, cfg.NonceCapacity, nil, persistence)
		if persistence != nil {
			if err := signature.HydrateNonces(ctx, time.Now().Add(-cfg.NonceTTL.Duration)); err != nil {
				closeQuietly(closer)
				return nil, nil, fmt.Errorf("hydrate nonces: %w", err)
			}
		}
	}
	if cfg.Mode == config.AuthJWT || cfg.Mode == config.AuthAny {
		var err error
		bearer, err = auth.NewJWTAuthenticator(auth.JWTConfig{
			HMACSecret: cfg.JWTSecret,
			Issuer:     cfg.JWTIssuer,
			Audience:   cfg.JWTAudience,
			ClockSkew:  cfg.TimestampSkew.Duration,
		}, nil)
		if err != nil {
			closeQuietly(closer)
			return nil, nil, err
		}
	}
	switch cfg.Mode {
	case config.AuthSignature:
		return signature, closer, nil
	case config.AuthJWT:
		return bearer, closer, nil
	default:
		return auth.Selector{Signature: signature, Bearer: bearer}, closer, nil
	}
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
