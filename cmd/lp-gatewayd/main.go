// lp-gatewayd is the mix-network gateway-node daemon: it terminates client
// LP sessions, decapsulates and forwards Sphinx packets, and reports
// aggregate statistics on a timer.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/nymgate/lp-gateway/internal/config"
	"github.com/nymgate/lp-gateway/internal/directory"
	"github.com/nymgate/lp-gateway/internal/keymanager"
	"github.com/nymgate/lp-gateway/internal/lpsession"
	lpmetrics "github.com/nymgate/lp-gateway/internal/metrics"
	"github.com/nymgate/lp-gateway/internal/packetplane"
	"github.com/nymgate/lp-gateway/internal/replay"
	"github.com/nymgate/lp-gateway/internal/rotation"
	"github.com/nymgate/lp-gateway/internal/stats"
)

// Version is the build version, set at build time via -ldflags.
var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()))
		return 1
	}

	logger := newLogger(cfg.Log)
	logger.Info("lp-gatewayd starting",
		slog.String("version", Version),
		slog.String("control_addr", cfg.Node.ControlAddr),
		slog.String("mix_addr", cfg.Node.MixAddr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	identity, err := loadOrGenerateIdentity(cfg.LP.IdentitySeedHex, logger)
	if err != nil {
		logger.Error("failed to establish handshake identity", slog.String("error", err.Error()))
		return 1
	}

	reg := prometheus.NewRegistry()
	metrics := lpmetrics.NewCollector(reg)

	if err := runNode(cfg, identity, metrics, logger); err != nil {
		logger.Error("lp-gatewayd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("lp-gatewayd stopped")
	return 0
}

func runNode(cfg *config.Config, identity ed25519.PrivateKey, metrics *lpmetrics.Collector, logger *slog.Logger) error {
	directoryClient := newDirectoryClient(cfg.Epoch)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bootCtx, bootCancel := context.WithTimeout(ctx, 30*time.Second)
	schedule, err := directoryClient.FetchEpochSchedule(bootCtx)
	bootCancel()
	if err != nil {
		logger.Warn("initial epoch schedule fetch failed, starting from rotation 0", slog.String("error", err.Error()))
	}
	initialRotationID := schedule.RotationID()

	keys, err := keymanager.New(initialRotationID)
	if err != nil {
		return fmt.Errorf("create key manager: %w", err)
	}

	filters := replay.NewFilterSet(initialRotationID, cfg.Replay.PacketBudget, cfg.Replay.FalsePositiveRate)

	egress := packetplane.NewEgressManager(packetplane.DefaultDialer, cfg.LP.EgressQueueDepth, cfg.LP.IdleTimeout, metrics, logger)

	statsMux := stats.New(stats.Config{
		SnapshotInterval: cfg.Stats.SnapshotInterval,
		ReportInterval:   cfg.Stats.ReportInterval,
		ReportRecipient:  cfg.Stats.ReportRecipient,
		QueueDepth:       cfg.Stats.QueueDepth,
	}, directory.NewHTTPStatsSender(), metrics, logger)

	plane := packetplane.NewPlane(packetplane.Config{
		QueueDepth:  cfg.LP.IngressQueueDepth,
		NumWorkers:  cfg.LP.IngressWorkers,
		MaxHopDelay: cfg.LP.MaxHopDelay,
	}, keys, filters, egress, metrics, logger)
	plane.OnFinalHop = func(payload []byte) {
		statsMux.Enqueue(stats.PacketEvent{FinalDelivered: 1})
		logger.Debug("final-hop payload delivered", slog.Int("bytes", len(payload)))
	}

	sessionMgr := lpsession.NewManager(lpsession.ManagerConfig{
		ControlAddr:      cfg.Node.ControlAddr,
		DataAddr:         cfg.Node.DataAddr,
		MaxControlConns:  cfg.Node.MaxControlConns,
		WindowSize:       cfg.LP.ReceiveWindow,
		IdleTimeout:      cfg.LP.IdleTimeout,
		SweepInterval:    cfg.LP.SweepInterval,
		HandshakeTimeout: cfg.LP.HandshakeTimeout,
		ServerIdentity:   identity,
		ServerCurrentVer: cfg.LP.ProtocolVersion,
		ServerMinVer:     cfg.LP.MinProtocolVersion,
	}, func(_ uint32, plaintext []byte) {
		if plane.Enqueue(plaintext) {
			statsMux.Enqueue(stats.PacketEvent{Forwarded: 1})
		} else {
			statsMux.Enqueue(stats.PacketEvent{Dropped: 1})
		}
	}, metrics, logger)

	rotationCtrl := &rotation.Controller{
		KeyManager:   keys,
		Filters:      filters,
		Directory:    directoryClient,
		PollInterval: cfg.Epoch.PollInterval,
		PacketBudget: cfg.Replay.PacketBudget,
		Epsilon:      cfg.Replay.FalsePositiveRate,
		Metrics:      metrics,
		Logger:       logger,
		Shutdown:     stop,
	}

	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return sessionMgr.Run(gCtx) })
	g.Go(func() error { plane.Run(gCtx); return nil })
	g.Go(func() error { egress.Run(gCtx); return nil })
	g.Go(func() error { return plane.ListenMixnet(gCtx, cfg.Node.MixAddr) })
	g.Go(func() error { statsMux.Run(gCtx); return nil })
	g.Go(func() error { return rotationCtrl.Run(gCtx) })
	g.Go(func() error { return listenAndServeMetrics(gCtx, metricsSrv, cfg.Metrics.Addr) })

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gCtx), 10*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run node: %w", err)
	}
	return nil
}

func newDirectoryClient(cfg config.EpochConfig) rotation.DirectoryClient {
	if cfg.DirectoryURL == "" {
		return directory.StaticClient{}
	}
	return directory.NewHTTPClient(cfg.DirectoryURL, cfg.RetryMaxElapsed)
}

func loadOrGenerateIdentity(seedHex string, logger *slog.Logger) (ed25519.PrivateKey, error) {
	if seedHex == "" {
		_, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, fmt.Errorf("generate ephemeral identity: %w", err)
		}
		logger.Warn("no lp.identity_seed_hex configured, generated an ephemeral handshake identity for this run")
		return priv, nil
	}

	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decode lp.identity_seed_hex: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("lp.identity_seed_hex must decode to %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func listenAndServeMetrics(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen metrics on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve metrics on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.Level)}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
