// Command gojotxn_store serves a document store over gRPC so that several
// transaction clients can share it.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	documentservice "github.com/sushant-115/gojotxn/api/document_service"
	"github.com/sushant-115/gojotxn/config"
	"github.com/sushant-115/gojotxn/core/txn"
	"github.com/sushant-115/gojotxn/internal/storefactory"
	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
	"github.com/sushant-115/gojotxn/pkg/logger"
	"github.com/sushant-115/gojotxn/pkg/telemetry"
	"github.com/sushant-115/gojotxn/pkg/tlsconfig"
)

const grpcServerStopTimeout = 5 * time.Second

var (
	configPath   string
	listenAddr   string
	backend      string
	dataPath     string
	raftNodeID   string
	raftAddr     string
	raftDir      string
	bootstrap    bool
	metricsPort  int
	sweepATRs    bool
	generateCert string
)

func init() {
	flag.StringVarP(&configPath, "config", "c", "", "Path to a gojotxn YAML config file")
	flag.StringVarP(&listenAddr, "listen", "l", "", "gRPC listen address (overrides store.listen_addr)")
	flag.StringVarP(&backend, "store", "s", "", "Backing store: memory, bolt or raft")
	flag.StringVar(&dataPath, "path", "", "Bolt database file")
	flag.StringVar(&raftNodeID, "node-id", "", "Raft node ID")
	flag.StringVar(&raftAddr, "raft-addr", "", "Raft bind address")
	flag.StringVar(&raftDir, "raft-dir", "", "Raft data directory")
	flag.BoolVar(&bootstrap, "bootstrap", false, "Bootstrap a single-node raft cluster")
	flag.IntVar(&metricsPort, "metrics-port", 0, "Serve Prometheus metrics on this port (enables telemetry)")
	flag.BoolVar(&sweepATRs, "cleanup", false, "Run the lost-attempt cleanup sweep in this process")
	flag.StringVar(&generateCert, "generate-certs", "", "Write a dev CA and key pairs to this directory and exit")
}

func main() {
	flag.Parse()

	if generateCert != "" {
		if err := tlsconfig.GenerateCerts(generateCert, 365*24*time.Hour); err != nil {
			log.Fatalf("failed to generate certificates: %v", err)
		}
		fmt.Printf("certificates written to %s\n", generateCert)
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}
	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}
	defer zlogger.Sync()

	if err := serve(cfg, zlogger); err != nil {
		zlogger.Fatal("CRITICAL: store server failed", zap.Error(err))
	}
	zlogger.Info("gojotxn store shut down gracefully")
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if listenAddr != "" {
		cfg.Store.ListenAddr = listenAddr
	}
	if backend != "" {
		cfg.Store.Backend = backend
	}
	if dataPath != "" {
		cfg.Store.Path = dataPath
	}
	if raftNodeID != "" {
		cfg.Store.Raft.NodeID = raftNodeID
	}
	if raftAddr != "" {
		cfg.Store.Raft.BindAddr = raftAddr
	}
	if raftDir != "" {
		cfg.Store.Raft.DataDir = raftDir
	}
	if flag.CommandLine.Changed("bootstrap") {
		cfg.Store.Raft.Bootstrap = bootstrap
	}
	if metricsPort > 0 {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.PrometheusPort = metricsPort
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if cfg.Store.Backend == config.BackendRemote {
		return cfg, fmt.Errorf("%w: gojotxn_store cannot serve a remote backend", config.ErrInvalidConfig)
	}
	return cfg, nil
}

func serve(cfg config.Config, zlogger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			zlogger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()
	if tel.MetricsAddr != "" {
		zlogger.Info("serving metrics", zap.String("addr", tel.MetricsAddr))
	}

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	store, err := storefactory.Open(startCtx, cfg.Store, cfg.TLS, zlogger)
	cancel()
	if err != nil {
		return err
	}
	defer store.Close()

	if sweepATRs {
		txCfg, err := cfg.Transactions.ToTxnConfig()
		if err != nil {
			return err
		}
		txCfg.CleanupLostAttempts = true
		txCfg.CleanupClientAttempts = false
		txCfg.Logger = zlogger
		txCfg.Meter = tel.Meter
		txCfg.Tracer = tel.Tracer
		cleaner, err := txn.NewCleaner(store, txCfg)
		if err != nil {
			return err
		}
		cleaner.Start()
		defer cleaner.Close()
		zlogger.Info("lost attempt cleanup enabled", zap.Duration("window", txCfg.CleanupWindow))
	}

	metrics, err := internaltelemetry.NewGrpcServerMetrics(tel.Meter)
	if err != nil {
		return err
	}
	grpcServer, err := documentservice.NewGRPCServer(cfg.TLS, metrics, zlogger)
	if err != nil {
		return err
	}
	documentservice.RegisterDocumentStoreServer(grpcServer, documentservice.NewServer(store, zlogger))

	lis, err := net.Listen("tcp", cfg.Store.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Store.ListenAddr, err)
	}
	zlogger.Info("starting gojotxn store",
		zap.String("addr", lis.Addr().String()),
		zap.String("backend", cfg.Store.Backend),
		zap.Bool("tls", cfg.TLS.Enabled),
	)

	serveErr := make(chan error, 1)
	go func() { serveErr <- grpcServer.Serve(lis) }()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	zlogger.Info("shutting down gRPC server")
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(grpcServerStopTimeout):
		zlogger.Warn("gRPC server did not stop gracefully, forcing")
		grpcServer.Stop()
	}
	return nil
}
