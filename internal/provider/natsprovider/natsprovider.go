package natsprovider

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"
	"nuha.dev/trachs/internal/credential"
	"nuha.dev/trachs/internal/provider"
	"nuha.dev/trachs/internal/util"
)

const REQUEST_ID_HEADER = "Trachs-Request-Id"

// Requester is the part of *nats.Conn the provider needs.
type Requester interface {
	RequestMsgWithContext(ctx context.Context, msg *nats.Msg) (*nats.Msg, error)
}

type ProviderConfig struct {
	Subject string
	Timeout time.Duration
}

// Provider asks an upstream decoder service for the device snapshot over NATS
// request/reply. The request body is the credential material.
type Provider struct {
	nc     Requester
	config ProviderConfig
	log    log.Logger
}

func New(nc Requester, config ProviderConfig) *Provider {
	p := &Provider{nc: nc, config: config}
	p.log = log.DefaultLogger
	p.log.Context = log.NewContext(nil).Str("module", "natsprovider").Str("subject", config.Subject).Value()
	return p
}

func (p *Provider) Fetch(ctx context.Context, creds *credential.Credentials) ([]provider.DeviceFix, error) {
	if creds == nil {
		return nil, fmt.Errorf("%w: no credentials loaded", provider.ErrAuthFailed)
	}
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	req := nats.NewMsg(p.config.Subject)
	reqID := util.GenUUID()
	req.Header.Set(REQUEST_ID_HEADER, reqID)
	req.Data = creds.Material()

	t0 := time.Now()
	reply, err := p.nc.RequestMsgWithContext(ctx, req)
	if err != nil {
		p.log.Warn().Str("event", "request_failed").Str("request_id", reqID).Str("reason", reason(err)).Err(err).Msg("")
		return nil, fmt.Errorf("%w: %s", provider.ErrProviderUnavailable, reason(err))
	}

	fixes, rejects, err := provider.DecodeSnapshot(reply.Data)
	if err != nil {
		return nil, err
	}
	for _, r := range rejects {
		p.log.Warn().Str("event", "fix_rejected").Str("request_id", reqID).Int("index", r.Index).Str("device", r.Name).Err(r.Reason).Msg("")
	}
	p.log.Debug().Str("request_id", reqID).Int("devices", len(fixes)).Dur("time_taken", time.Since(t0)).Msg("snapshot received")
	return fixes, nil
}

func reason(err error) string {
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		return "no responders"
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, nats.ErrConnectionClosed):
		return "connection closed"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "request error"
	}
}

// Connect dials NATS with reconnects enabled; connection events go to the log.
// A nil tlsConfig leaves the transport as the URL scheme asks for.
func Connect(url string, timeout time.Duration, tlsConfig *tls.Config) (*nats.Conn, error) {
	l := log.DefaultLogger
	l.Context = log.NewContext(nil).Str("module", "nats").Value()

	opts := []nats.Option{
		nats.Name("trachs"),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			l.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			l.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			l.Error().Err(err).Msg("nats error")
		}),
	}
	if tlsConfig != nil {
		opts = append(opts, nats.Secure(tlsConfig))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}
