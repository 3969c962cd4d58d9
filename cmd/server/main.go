package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ericogr/amqp-conn/internal/config"
	"github.com/ericogr/amqp-conn/pkg/amqp"
	"github.com/ericogr/amqp-conn/pkg/amqp/upstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func loadConfig(path, addr string) (*config.Config, error) {
	var cfg *config.Config
	if path == "" {
		cfg = config.Default()
	} else {
		var err error
		if cfg, err = config.LoadConfig(path); err != nil {
			return nil, err
		}
	}
	if addr != "" {
		cfg.Server.Listen = addr
	}
	return cfg, cfg.Validate()
}

func connectionConfig(cfg *config.Config, metrics *amqp.Metrics, logger zerolog.Logger) amqp.ConnectionConfig {
	cc := amqp.ConnectionConfig{
		MaxChannels:      *cfg.Connection.MaxChannels,
		MaxFrameSize:     *cfg.Connection.MaxFrameSize,
		HeartbeatSeconds: *cfg.Connection.HeartbeatSeconds,
		Tenant:           cfg.Connection.Tenant,
		Metrics:          metrics,
	}
	if len(cfg.Connection.VirtualHosts) > 0 {
		cc.Namespaces = amqp.NewStaticNamespaces(cfg.Connection.VirtualHosts...)
	}
	if u := cfg.Upstream; u != nil {
		ucfg := upstream.Config{URL: u.URL, TLS: u.TLS, VirtualHost: u.VirtualHost}
		if u.TLS {
			ucfg.TLSConfig = &tls.Config{InsecureSkipVerify: u.TLSSkipVerify}
		}
		adapter := upstream.NewAdapter(ucfg)
		adapter.SetLogger(logger)
		cc.Channels = adapter
		logger.Info().Str("upstream", u.URL).Msg("channels delegate to upstream broker")
	}
	return cc
}

func main() {
	configPath := flag.String("config", "", "configuration file (TOML or JSON)")
	addr := flag.String("addr", "", "listen address, overrides server.listen")
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	cfg, err := loadConfig(*configPath, *addr)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	level, _ := cfg.Logging.ZerologLevel()
	logger = logger.Level(level)
	amqp.SetLogger(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := amqp.NewMetrics(reg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to register metrics")
	}

	srv, err := amqp.NewServer(connectionConfig(cfg, metrics, logger), cfg.Server.HandshakeTimeout.Duration)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid connection settings")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var listeners []net.Listener
	serve := func(name string, ln net.Listener) {
		listeners = append(listeners, ln)
		logger.Info().Str("addr", ln.Addr().String()).Msg("started " + name + " server")
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, net.ErrClosed) {
				logger.Fatal().Err(err).Msg(name + " server error")
			}
		}()
	}

	if cfg.Server.Listen != "" {
		ln, err := net.Listen("tcp", cfg.Server.Listen)
		if err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.Server.Listen).Msg("failed to listen")
		}
		serve("AMQP", ln)
	}

	var tlsCfg *tls.Config
	if cfg.Server.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load tls cert")
		}
		tlsCfg = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}
	if cfg.Server.TLSListen != "" {
		ln, err := tls.Listen("tcp", cfg.Server.TLSListen, tlsCfg)
		if err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.Server.TLSListen).Msg("failed to listen")
		}
		serve("TLS", ln)
	}
	if cfg.Server.QUICListen != "" {
		go func() {
			if err := srv.ListenAndServeQUIC(ctx, cfg.Server.QUICListen, tlsCfg); err != nil {
				logger.Fatal().Err(err).Msg("quic server error")
			}
		}()
		logger.Info().Str("addr", cfg.Server.QUICListen).Msg("started QUIC server")
	}

	var metricsSrv *http.Server
	if cfg.Server.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsSrv = &http.Server{Addr: cfg.Server.MetricsListen, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server error")
			}
		}()
		logger.Info().Str("addr", cfg.Server.MetricsListen).Msg("started metrics server")
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	for _, ln := range listeners {
		ln.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Int("connections", srv.Connections()).Msg("connections still open at shutdown")
	}
	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx)
	}
}
