package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"meddrop/gateway/config"
	"meddrop/gateway/journal"
	"meddrop/gateway/middleware"
	"meddrop/gateway/publish"
	"meddrop/gateway/routes"
	"meddrop/ledger"
	"meddrop/ledger/fabric"
	"meddrop/observability/logging"
	telemetry "meddrop/observability/otel"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to gateway configuration (.yaml or .toml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("validate config: %v", err)
	}

	slogger, logCloser := logging.Setup(cfg.Observability.ServiceName, cfg.Environment, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	defer logCloser.Close()
	// Setup routes the standard logger through slog.
	logger := log.Default()

	if err := run(cfg, cfgPath, slogger, logger); err != nil {
		slogger.Error("gateway stopped", slog.Any("error", err))
		_ = logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg config.Config, cfgPath string, slogger *slog.Logger, logger *log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Observability.ServiceName,
		Environment: cfg.Environment,
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Insecure:    insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     cfg.Observability.Metrics && os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "",
		Traces:      cfg.Observability.Tracing,
		SampleRatio: cfg.Observability.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		MetricsPrefix: cfg.Observability.MetricsPrefix,
		LogRequests:   cfg.Observability.LogRequests,
		Enabled:       cfg.Observability.Metrics || cfg.Observability.Tracing,
	}, logger)
	metrics := ledger.NewMetrics(cfg.Observability.MetricsPrefix, obs.Registry())

	connector := fabric.NewConnector(fabric.Config{
		PeerEndpoint:        cfg.Ledger.PeerEndpoint,
		GatewayPeer:         cfg.Ledger.GatewayPeer,
		TLSCertPath:         cfg.Ledger.TLSCertPath,
		MSPID:               cfg.Ledger.MSPID,
		CertPath:            cfg.Ledger.CertPath,
		KeyPath:             cfg.Ledger.KeyPath,
		EvaluateTimeout:     cfg.Ledger.EvaluateTimeout,
		EndorseTimeout:      cfg.Ledger.EndorseTimeout,
		SubmitTimeout:       cfg.Ledger.SubmitTimeout,
		CommitStatusTimeout: cfg.Ledger.CommitStatusTimeout,
	}, slogger)
	defer connector.Close()

	pool := ledger.NewPool(connector.Dialer(), cfg.Ledger.Pool.Requests(), slogger, metrics)
	defer pool.Close()
	// Websocket streams hold their handle for their whole lifetime.
	streams := ledger.NewPool(connector.Dialer(), cfg.Ledger.Pool.Streams(), slogger.With(slog.String("pool", "streams")), metrics)
	defer streams.Close()

	correlatorOpts := []ledger.CorrelatorOption{
		ledger.WithEventTimeout(cfg.Ledger.EventTimeout),
		ledger.WithLogger(slogger),
		ledger.WithMetrics(metrics),
	}

	var store *journal.Store
	if path := strings.TrimSpace(cfg.Journal.Path); path != "" {
		store, err = journal.Open(path, slogger)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer store.Close()
		correlatorOpts = append(correlatorOpts, ledger.WithJournal(store))
		if cfg.Journal.Retention > 0 {
			go store.RunPruner(ctx, cfg.Journal.Retention, cfg.Journal.PruneInterval)
		}
	} else {
		slogger.Warn("journal disabled; idempotency keys and /transactions are unavailable")
	}

	pubCfg := publish.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic, Acks: cfg.Kafka.Acks}
	if pubCfg.Enabled() {
		publisher, err := publish.NewKafka(pubCfg, slogger)
		if err != nil {
			return fmt.Errorf("configure kafka publisher: %w", err)
		}
		// Stopped after the server drains so late confirmations are still sent.
		publisher.Start(context.Background())
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := publisher.Stop(stopCtx); err != nil {
				slogger.Warn("kafka publisher stop", slog.Any("error", err))
			}
		}()
		correlatorOpts = append(correlatorOpts, ledger.WithPublisher(publisher))
	}

	rateLimits := make(map[string]middleware.RateLimit)
	for _, entry := range cfg.RateLimits {
		rateLimits[entry.ID] = middleware.RateLimit{RequestsPerMinute: entry.RequestsPerMinute, Burst: entry.Burst}
	}
	if len(rateLimits) == 0 {
		rateLimits[routes.QueriesLimit] = middleware.RateLimit{RequestsPerMinute: 600, Burst: 60}
		rateLimits[routes.MutationsLimit] = middleware.RateLimit{RequestsPerMinute: 120, Burst: 20}
	}

	routesCfg := routes.Config{
		Channel:   cfg.Ledger.Channel,
		Queries:   ledger.NewExecutor(pool, ledger.NewCodec(cfg.Ledger.EncodedFields...), slogger, metrics),
		Mutations: ledger.NewCorrelator(pool, correlatorOpts...),
		Events:    streams,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:       cfg.Auth.Enabled,
			HMACSecret:    cfg.Auth.HMACSecret,
			Issuer:        cfg.Auth.Issuer,
			Audience:      cfg.Auth.Audience,
			OptionalPaths: cfg.Auth.OptionalPaths,
			ClockSkew:     cfg.Auth.ClockSkew,
		}, logger),
		RateLimiter:   middleware.NewRateLimiter(rateLimits, logger),
		Observability: obs,
		CORS: middleware.CORSConfig{
			AllowedOrigins: cfg.CORS.AllowedOrigins,
			AllowedHeaders: cfg.CORS.AllowedHeaders,
		},
		Logger: logger,
	}
	if store != nil {
		routesCfg.Transactions = store
		routesCfg.Idempotency = middleware.Idempotency(store, logger)
	}
	router, err := routes.New(routesCfg)
	if err != nil {
		return fmt.Errorf("configure routes: %w", err)
	}

	handler := http.Handler(router)
	if cfg.Observability.Tracing {
		handler = otelhttp.NewHandler(router, "gateway")
	}

	configDir := ""
	if strings.TrimSpace(cfgPath) != "" {
		configDir = filepath.Dir(cfgPath)
	}
	tlsConfig, err := buildTLSConfig(configDir, cfg.Security)
	if err != nil {
		return fmt.Errorf("configure TLS: %w", err)
	}

	server := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		TLSConfig:    tlsConfig,
	}
	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		scheme := "http"
		if tlsConfig != nil {
			scheme = "https"
			listener = tls.NewListener(listener, tlsConfig)
		}
		slogger.Info("gateway listening",
			slog.String("address", scheme+"://"+listener.Addr().String()),
			slog.String("channel", cfg.Ledger.Channel),
			slog.String("peer", cfg.Ledger.PeerEndpoint))
		serveErr <- server.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slogger.Warn("graceful shutdown failed", slog.Any("error", err))
	}
	return nil
}

func buildTLSConfig(baseDir string, sec config.SecurityConfig) (*tls.Config, error) {
	certPath := resolvePath(baseDir, sec.TLSCertFile)
	keyPath := resolvePath(baseDir, sec.TLSKeyFile)
	caPath := resolvePath(baseDir, sec.TLSClientCAFile)
	if certPath == "" && keyPath == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	if caPath != "" {
		data, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read client CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("parse client CA file %s", caPath)
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsCfg, nil
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	if baseDir == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(baseDir, trimmed)
}
