// Command pcscd is the resource-manager daemon: it loads configuration,
// attaches static and hotplug-discovered readers to the registry, and
// serves the wire protocol over a local socket until a shutdown signal
// drains it.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/corcoran/pcscd/internal/config"
	"github.com/corcoran/pcscd/internal/handle"
	"github.com/corcoran/pcscd/internal/hotplug"
	"github.com/corcoran/pcscd/internal/metrics"
	"github.com/corcoran/pcscd/internal/registry"
	"github.com/corcoran/pcscd/internal/session"
	"github.com/corcoran/pcscd/internal/transport"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("pcscd: exiting")
	}
}

func run() error {
	var cfgPath string
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	reg := registry.New()
	handles := handle.NewManager()
	sessions := session.NewManager(handles)

	if cfg.MetricsAddr != "" {
		m := metrics.New(prometheus.DefaultRegisterer)
		reg.SetMetrics(m)
		handles.SetMetrics(m)
		sessions.SetMetrics(m)
		startMetricsServer(cfg.MetricsAddr)
	}

	stanzas, err := config.ParseReaderConf(cfg.ReaderConfPath)
	if err != nil {
		return err
	}
	bundles := hotplug.NewBundleDB()
	ingest := hotplug.NewIngest(reg, bundles)

	ctx, stop := signalContext()
	defer stop()

	static := hotplug.NewStaticSource(stanzas)
	ingest.Run(ctx, static)

	if cfg.HotplugDropDir != "" {
		if err := bundles.LoadDir(cfg.HotplugDropDir); err != nil {
			log.Warn().Err(err).Msg("pcscd: driver bundle load failed")
		}
		src, err := hotplug.WatchDir(ctx, cfg.HotplugDropDir)
		if err != nil {
			log.Warn().Err(err).Str("dir", cfg.HotplugDropDir).Msg("pcscd: hotplug watch failed, continuing with static readers only")
		} else {
			go ingest.Run(ctx, src)
		}
	}

	srv := transport.New(cfg.SocketPath, reg, handles, sessions)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	select {
	case <-ctx.Done():
		log.Info().Msg("pcscd: shutdown signal received, draining")
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		select {
		case err := <-serveErr:
			if err != nil {
				log.Warn().Err(err).Msg("pcscd: server stopped with error")
			}
		case <-drainCtx.Done():
			log.Warn().Msg("pcscd: shutdown timeout exceeded, forcing exit")
		}
		reg.Shutdown()
		return nil
	case err := <-serveErr:
		return err
	}
}

// signalContext returns a context cancelled on SIGINT/SIGTERM/SIGQUIT, per
// spec.md §5; SIGHUP is ignored.
func signalContext() (context.Context, context.CancelFunc) {
	signal.Ignore(syscall.SIGHUP)
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
}

func startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("pcscd: metrics server stopped")
		}
	}()
}
