package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/trachs/internal/mapper"
	"nuha.dev/trachs/internal/provider"
	"nuha.dev/trachs/internal/stat"
	"nuha.dev/trachs/internal/util"
)

const (
	POLLER_STARTED  string = "poller_started"
	POLLER_STOPPING string = "poller_stopping"
	CYCLE_STARTED   string = "cycle_started"
	CYCLE_COMPLETED string = "cycle_completed"
	CYCLE_FAILED    string = "cycle_failed"
	TICK_SUPPRESSED string = "tick_suppressed"
	DEVICE_SKIPPED  string = "device_skipped"
	FIX_STALE       string = "fix_stale"
	FIX_FORWARDED   string = "fix_forwarded"
	FORWARD_FAILED  string = "forward_failed"
	DEVICE_PANIC    string = "device_panic"
)

const (
	KIND_PROVIDER_UNAVAILABLE = "provider_unavailable"
	KIND_AUTH_FAILED          = "auth_failed"
	KIND_PROVIDER_ERROR       = "provider_error"
	KIND_UNMAPPABLE_DEVICE    = "unmappable_device"
	KIND_RESOLVE_ERROR        = "resolve_error"
	KIND_PANIC                = "panic"
)

type CycleReport = stat.CycleStat

type PollerConfig struct {
	Interval time.Duration
}

type outcome int

const (
	outcomeForwarded outcome = iota
	outcomeFailed
	outcomeSkipped
	outcomeStale
)

// Poller runs fetch, map and forward cycles on a fixed interval. The first
// cycle starts immediately. A tick that arrives while a cycle is running is
// dropped, so cycles never overlap and never queue. There is no backoff: a
// failed cycle or device is simply tried again on the next tick.
type Poller struct {
	config   PollerConfig
	creds    CredentialSource
	provider provider.LocationProvider
	resolver Resolver
	sender   Sender
	stat     *stat.Stat
	clock    Clock
	log      log.Logger

	polling atomic.Bool
	wg      sync.WaitGroup

	// last successfully forwarded fix time per identifier, only touched by
	// the running cycle
	last map[string]time.Time
}

func New(config PollerConfig, creds CredentialSource, p provider.LocationProvider, resolver Resolver, sender Sender, st *stat.Stat, clock Clock) *Poller {
	if clock == nil {
		clock = realClock{}
	}
	if st == nil {
		st = stat.NewStat()
	}
	o := &Poller{
		config:   config,
		creds:    creds,
		provider: p,
		resolver: resolver,
		sender:   sender,
		stat:     st,
		clock:    clock,
		last:     make(map[string]time.Time),
	}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "poller").Value()
	return o
}

func (p *Poller) Polling() bool {
	return p.polling.Load()
}

func (p *Poller) Stat() *stat.Stat {
	return p.stat
}

// Run blocks until ctx is done. A cycle in progress at that point is allowed
// to finish; its calls are bounded by their own timeouts.
func (p *Poller) Run(ctx context.Context) error {
	ticker := p.clock.Ticker(p.config.Interval)
	defer ticker.Stop()

	p.log.Info().Str("event", POLLER_STARTED).Dur("interval", p.config.Interval).Msg("")
	cycleCtx := context.WithoutCancel(ctx)
	p.start(cycleCtx)

	for {
		select {
		case <-ctx.Done():
			p.log.Info().Str("event", POLLER_STOPPING).Bool("cycle_running", p.Polling()).Msg("waiting for running cycle")
			p.wg.Wait()
			return nil
		case t := <-ticker.Chan():
			if ctx.Err() != nil {
				continue
			}
			if !p.start(cycleCtx) {
				p.stat.SuppressedEv(t)
				p.log.Warn().Str("event", TICK_SUPPRESSED).Time("tick", t).Msg("previous cycle still running")
			}
		}
	}
}

func (p *Poller) start(ctx context.Context) bool {
	if !p.polling.CompareAndSwap(false, true) {
		return false
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.polling.Store(false)
		p.RunCycle(ctx)
	}()
	return true
}

// RunCycle performs one complete fetch, map and forward pass.
func (p *Poller) RunCycle(ctx context.Context) (rep CycleReport) {
	rep.ID = util.GenUUID()
	rep.Started = p.clock.Now().UTC()
	l := p.log
	l.Context = log.NewContext(append([]byte(nil), p.log.Context...)).Str("cycle_id", rep.ID).Value()

	defer func() {
		if r := recover(); r != nil {
			rep.Error = KIND_PANIC
			l.Error().Str("event", CYCLE_FAILED).Str("error_kind", rep.Error).Msgf("recovered: %v", r)
		}
		rep.Duration = p.clock.Now().Sub(rep.Started)
		p.stat.CycleEv(rep)
	}()

	l.Debug().Str("event", CYCLE_STARTED).Msg("")
	fixes, err := p.provider.Fetch(ctx, p.creds.Credentials())
	if err != nil {
		rep.Error = fetchErrorKind(err)
		l.Error().Str("event", CYCLE_FAILED).Str("error_kind", rep.Error).Err(err).Msg("unable to fetch device locations")
		return rep
	}

	rep.Devices = len(fixes)
	for _, fix := range fixes {
		switch p.handleDevice(ctx, l, fix) {
		case outcomeForwarded:
			rep.Forwarded++
		case outcomeFailed:
			rep.Failed++
		case outcomeSkipped:
			rep.Skipped++
		case outcomeStale:
			rep.Stale++
		}
	}

	l.Info().Str("event", CYCLE_COMPLETED).
		Int("devices", rep.Devices).
		Int("forwarded", rep.Forwarded).
		Int("failed", rep.Failed).
		Int("skipped", rep.Skipped).
		Int("stale", rep.Stale).
		Dur("time_taken", p.clock.Now().Sub(rep.Started)).
		Msg("")
	return rep
}

func (p *Poller) handleDevice(ctx context.Context, l log.Logger, fix provider.DeviceFix) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			l.Error().Str("event", DEVICE_PANIC).Str("device", fix.Name()).Str("error_kind", KIND_PANIC).Msgf("recovered: %v", r)
			out = outcomeFailed
		}
	}()

	id, err := p.resolver.ResolveFix(fix)
	if err == nil && id == "" {
		err = fmt.Errorf("%w: empty identifier for %q", mapper.ErrUnmappableDevice, fix.Name())
	}
	if err != nil {
		kind := KIND_UNMAPPABLE_DEVICE
		if !errors.Is(err, mapper.ErrUnmappableDevice) {
			kind = KIND_RESOLVE_ERROR
		}
		p.stat.UnmappableEv(fix.Name())
		l.Warn().Str("event", DEVICE_SKIPPED).Str("device", fix.Name()).Str("error_kind", kind).Err(err).Msg("")
		return outcomeSkipped
	}

	if last, ok := p.last[id]; ok && !fix.Timestamp().After(last) {
		p.stat.StaleEv(id)
		l.Debug().Str("event", FIX_STALE).Str("device_id", id).EmbedObject(fix).Time("last_forwarded", last).Msg("")
		return outcomeStale
	}

	res := p.sender.Send(ctx, fix, id)
	if !res.Success {
		p.stat.FailureEv(id, res.Kind.String())
		l.Error().Str("event", FORWARD_FAILED).EmbedObject(fix).EmbedObject(res).Err(res.Err).Msg("")
		return outcomeFailed
	}

	p.last[id] = fix.Timestamp()
	p.stat.ForwardEv(id, fix.Timestamp(), p.clock.Now())
	l.Info().Str("event", FIX_FORWARDED).EmbedObject(fix).EmbedObject(res).Msg("")
	return outcomeForwarded
}

func fetchErrorKind(err error) string {
	switch {
	case errors.Is(err, provider.ErrAuthFailed):
		return KIND_AUTH_FAILED
	case errors.Is(err, provider.ErrProviderUnavailable):
		return KIND_PROVIDER_UNAVAILABLE
	default:
		return KIND_PROVIDER_ERROR
	}
}
