// Command voicebridge bridges simulator voice clients onto a Janus
// audiobridge gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/simverse/voicebridge/internal/config"
	"github.com/simverse/voicebridge/internal/health"
	"github.com/simverse/voicebridge/internal/observe"
	"github.com/simverse/voicebridge/internal/resilience"
	"github.com/simverse/voicebridge/internal/server"
	"github.com/simverse/voicebridge/internal/voice"
	"github.com/simverse/voicebridge/pkg/janus"
)

// shutdownTimeout bounds graceful teardown of the HTTP server and the
// gateway session.
const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ─────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voicebridge.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Configuration + hot reload ────────────────────────────────────────────
	levelVar := &slog.LevelVar{}

	var svcRef atomic.Pointer[voice.Service]
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(levelVar, svcRef.Load(), config.Diff(old, new))
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicebridge: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicebridge: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar.Set(logLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	slog.Info("voicebridge starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"gateway", cfg.Gateway.URI,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voicebridge"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Gateway session ───────────────────────────────────────────────────────
	transport, err := buildTransport(ctx, cfg.Gateway.URI, cfg.Gateway.APIToken, logger)
	if err != nil {
		slog.Error("failed to dial gateway", "uri", cfg.Gateway.URI, "err", err)
		return 1
	}
	transport = resilience.NewBreakerTransport(transport, resilience.CircuitBreakerConfig{Name: "gateway"})
	var adminTransport janus.Transport
	if cfg.Gateway.AdminURI != "" {
		adminTransport = janus.NewHTTPTransport(cfg.Gateway.AdminToken)
	}

	session := janus.NewSession(janus.Config{
		ServerURI:         cfg.Gateway.URI,
		AdminURI:          cfg.Gateway.AdminURI,
		Transport:         transport,
		AdminTransport:    adminTransport,
		Logger:            logger,
		RequestTimeout:    cfg.Gateway.RequestTimeout.Std(),
		KeepaliveInterval: cfg.Gateway.KeepaliveInterval.Std(),
		Observer:          gatewayObserver(metrics),
		PollObserver:      pollObserver(metrics),
	})

	// ── Voice service ─────────────────────────────────────────────────────────
	svc := voice.NewService(voice.ServiceConfig{
		Session:     session,
		Store:       voice.NewStore(),
		AmbientFile: cfg.Voice.AmbientFile,
		RoomIDBase:  cfg.Voice.RoomIDBase,
		Logger:      logger,
		Metrics:     metrics,
	})
	reconnector := voice.NewReconnector(voice.ReconnectorConfig{
		Service: svc,
		Logger:  logger,
	})
	svc.SetDisconnectObserver(reconnector.NotifyDisconnect)
	if err := svc.Start(ctx); err != nil {
		slog.Error("failed to connect gateway session", "err", err)
		return 1
	}
	svcRef.Store(svc)
	reconnector.Monitor(ctx)
	defer reconnector.Stop()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		svc.Close(sctx)
	}()

	// ── HTTP surface ──────────────────────────────────────────────────────────
	var ping func(ctx context.Context) error
	if adminTransport != nil {
		ping = session.Ping
	}
	healthHandler := health.New(health.Gateway(svc.Ready, ping))

	httpServer := &http.Server{
		Addr: cfg.Server.ListenAddr,
		Handler: server.New(server.Config{
			Voice:   svc,
			Health:  healthHandler,
			Logger:  logger,
			Metrics: metrics,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", cfg.Server.ListenAddr)
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = httpServer.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(sctx)
	})

	slog.Info("voicebridge ready", "gateway_session", session.ID())

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// applyReload pushes hot-reloadable config changes into the running process.
func applyReload(levelVar *slog.LevelVar, svc *voice.Service, d config.ConfigDiff) {
	if !d.Any() {
		return
	}
	if d.LogLevelChanged {
		levelVar.Set(logLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.AmbientFileChanged && svc != nil {
		svc.SetAmbientFile(d.NewAmbientFile)
		slog.Info("ambient file changed", "file", d.NewAmbientFile)
	}
}

// buildTransport selects the gateway transport by URI scheme: ws(s) dials a
// WebSocket, http(s) uses the long-poll REST transport.
func buildTransport(ctx context.Context, uri, apiToken string, log *slog.Logger) (janus.Transport, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse gateway uri: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return janus.DialWS(ctx, uri, apiToken, log)
	default:
		return janus.NewHTTPTransport(apiToken), nil
	}
}

// gatewayObserver records per-request gateway metrics.
func gatewayObserver(m *observe.Metrics) janus.RequestObserver {
	return func(kind, status string, elapsed time.Duration) {
		attrs := metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		)
		ctx := context.Background()
		m.GatewayRequests.Add(ctx, 1, attrs)
		m.GatewayRequestDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

// pollObserver counts messages received on the gateway's event channel.
func pollObserver(m *observe.Metrics) func(kind string) {
	return func(kind string) {
		m.PollEvents.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// logLevel maps the config log level onto slog.
func logLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
