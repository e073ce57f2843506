package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"
	"nuha.dev/trachs/internal/config"
	"nuha.dev/trachs/internal/credential"
	"nuha.dev/trachs/internal/forwarder"
	"nuha.dev/trachs/internal/mapper"
	"nuha.dev/trachs/internal/poller"
	"nuha.dev/trachs/internal/provider"
	"nuha.dev/trachs/internal/provider/fileprovider"
	"nuha.dev/trachs/internal/provider/natsprovider"
	"nuha.dev/trachs/internal/stat"
	"nuha.dev/trachs/internal/web/monitoring"
)

func main() {
	os.Exit(run())
}

func run() int {
	l := log.DefaultLogger
	l.Context = log.NewContext(nil).Str("module", "main").Value()

	if err := config.LoadDotEnv(".env"); err != nil {
		l.Error().Err(err).Msg("unable to read .env")
		return 1
	}
	cfg, err := config.Load()
	if err != nil {
		l.Error().Err(err).Msg("unable to load configuration")
		return 1
	}
	log.DefaultLogger.Level = log.ParseLevel(cfg.LogLevel)
	l.Level = log.DefaultLogger.Level
	l.Info().EmbedObject(cfg).Msg("starting trachs")
	if !cfg.TraccarEnabled {
		l.Warn().Msg("traccar forwarding disabled, running in dry run mode")
	}

	store := credential.NewStore(cfg.SecretsPath)
	if _, err := store.Load(); err != nil {
		return 1
	}

	var src provider.LocationProvider
	var nc *nats.Conn
	switch cfg.Provider {
	case config.PROVIDER_NATS:
		var tlsConfig *tls.Config
		files := natsprovider.TLSFiles{CAFile: cfg.NatsTLSCA, CertFile: cfg.NatsTLSCert, KeyFile: cfg.NatsTLSKey}
		if files.Enabled() {
			tlsConfig, err = natsprovider.TLSConfig(files)
			if err != nil {
				l.Error().Err(err).Msg("unable to load nats tls settings")
				return 1
			}
		} else {
			l.Warn().Str("url", cfg.NatsURL).Msg("nats tls files not set, credentials are sent in plaintext unless the url uses tls://")
		}
		nc, err = natsprovider.Connect(cfg.NatsURL, cfg.RequestTimeout(), tlsConfig)
		if err != nil {
			l.Error().Err(err).Str("url", cfg.NatsURL).Msg("unable to connect to nats")
			return 1
		}
		defer nc.Close()
		src = natsprovider.New(nc, natsprovider.ProviderConfig{Subject: cfg.NatsSubject, Timeout: cfg.RequestTimeout()})
	default:
		src = fileprovider.New(cfg.ProviderFile)
	}

	m := mapper.New(cfg.DeviceMapping, cfg.AutoGenerateDeviceIds)
	fwd := forwarder.New(forwarder.ForwarderConfig{
		URL:     cfg.TraccarURL,
		Method:  cfg.TraccarMethod,
		Timeout: cfg.RequestTimeout(),
		Enabled: cfg.TraccarEnabled,
	}, &http.Client{})
	st := stat.NewStat()
	p := poller.New(poller.PollerConfig{Interval: cfg.PollInterval()}, store, src, m, fwd, st, nil)

	var mon *monitoring.MonitoringServer
	if cfg.MonitorAddr != "" {
		mon = monitoring.NewMonApi(st, &monitoring.MonitoringConfig{ListenAddr: cfg.MonitorAddr})
		go func() {
			if err := mon.Run(); err != nil {
				l.Error().Err(err).Msg("monitoring server stopped")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		l.Error().Err(err).Msg("poller stopped")
		return 1
	}

	if mon != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mon.Shutdown(sctx); err != nil {
			l.Warn().Err(err).Msg("monitoring server shutdown")
		}
	}
	l.Info().Msg("shutdown complete")
	return 0
}
