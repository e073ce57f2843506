package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/trachs/internal/credential"
	"nuha.dev/trachs/internal/forwarder"
	"nuha.dev/trachs/internal/mapper"
	"nuha.dev/trachs/internal/provider"
	"nuha.dev/trachs/internal/stat"
)

type mockClock struct {
	ch chan time.Time
}

func newMockClock() *mockClock {
	return &mockClock{ch: make(chan time.Time)}
}

func (m *mockClock) Now() time.Time { return time.Now() }

func (m *mockClock) Ticker(time.Duration) Ticker { return m }

func (m *mockClock) Chan() <-chan time.Time { return m.ch }

func (m *mockClock) Stop() {}

// tick returns once the poller loop has received the tick.
func (m *mockClock) tick(t *testing.T) {
	t.Helper()
	select {
	case m.ch <- time.Now():
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not accept tick")
	}
}

type mockCreds struct{}

func (mockCreds) Credentials() *credential.Credentials { return nil }

type mockProvider struct {
	mu     sync.Mutex
	calls  int
	fixes  []provider.DeviceFix
	err    error
	block  chan struct{}
	called chan struct{}
}

func newMockProvider(fixes ...provider.DeviceFix) *mockProvider {
	return &mockProvider{fixes: fixes, called: make(chan struct{}, 16)}
}

func (m *mockProvider) Fetch(ctx context.Context, _ *credential.Credentials) ([]provider.DeviceFix, error) {
	m.mu.Lock()
	m.calls++
	fixes, err, block := m.fixes, m.err, m.block
	m.mu.Unlock()
	m.called <- struct{}{}
	if block != nil {
		<-block
	}
	return fixes, err
}

func (m *mockProvider) set(fixes []provider.DeviceFix, err error) {
	m.mu.Lock()
	m.fixes, m.err = fixes, err
	m.mu.Unlock()
}

func (m *mockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockProvider) waitCall(t *testing.T) {
	t.Helper()
	select {
	case <-m.called:
	case <-time.After(2 * time.Second):
		t.Fatal("provider was not called")
	}
}

type mockSender struct {
	mu    sync.Mutex
	sent  []string
	fail  map[string]forwarder.Kind
	panic map[string]bool
}

func (m *mockSender) Send(_ context.Context, fix provider.DeviceFix, id string) forwarder.Result {
	if m.panic[id] {
		panic("boom")
	}
	m.mu.Lock()
	m.sent = append(m.sent, id)
	m.mu.Unlock()
	if kind, ok := m.fail[id]; ok {
		return forwarder.Result{DeviceID: id, Kind: kind, Err: forwarder.ErrForwardFailed}
	}
	return forwarder.Result{DeviceID: id, Success: true, StatusCode: 200}
}

func (m *mockSender) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

func fixAt(t *testing.T, name string, unix int64) provider.DeviceFix {
	t.Helper()
	f, err := provider.NewDeviceFix(name, 52.1, 4.3, time.Unix(unix, 0))
	require.NoError(t, err)
	return f
}

func newTestPoller(p provider.LocationProvider, m *mapper.Mapper, s Sender, clock Clock) *Poller {
	return New(PollerConfig{Interval: time.Minute}, mockCreds{}, p, m, s, stat.NewStat(), clock)
}

func TestRunCycleIsolatesUnmappableDevice(t *testing.T) {
	prov := newMockProvider(fixAt(t, "Pixel 8 Pro", 1718000000), fixAt(t, "!!!", 1718000000))
	sender := &mockSender{}
	p := newTestPoller(prov, mapper.New(nil, true), sender, newMockClock())

	rep := p.RunCycle(context.Background())

	assert.True(t, rep.Ok())
	assert.Equal(t, 2, rep.Devices)
	assert.Equal(t, 1, rep.Forwarded)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, []string{"pixel8pro"}, sender.Sent())
	assert.Equal(t, uint64(1), p.Stat().Snapshot().Unmappable["!!!"])
}

func TestRunCycleIsolatesForwardFailure(t *testing.T) {
	prov := newMockProvider(fixAt(t, "Phone", 1718000000), fixAt(t, "Tag", 1718000000), fixAt(t, "Keys", 1718000000))
	sender := &mockSender{fail: map[string]forwarder.Kind{"tag": forwarder.KindHTTPStatus}, panic: map[string]bool{"keys": true}}
	p := newTestPoller(prov, mapper.New(nil, true), sender, newMockClock())

	rep := p.RunCycle(context.Background())

	assert.True(t, rep.Ok())
	assert.Equal(t, 1, rep.Forwarded)
	assert.Equal(t, 2, rep.Failed)
	assert.Equal(t, []string{"phone", "tag"}, sender.Sent())

	d, ok := p.Stat().Device("tag")
	require.True(t, ok)
	assert.Equal(t, uint64(1), d.ConsecutiveFailures)
	assert.Equal(t, "http_status", d.LastErrorKind)

	// the failing device does not poison the next cycle
	sender.mu.Lock()
	sender.fail = nil
	sender.mu.Unlock()
	rep = p.RunCycle(context.Background())
	assert.Equal(t, 1, rep.Forwarded)
	assert.Equal(t, 1, rep.Stale)
	assert.Equal(t, 1, rep.Failed)
}

func TestRunCycleFetchFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind string
	}{
		{"unavailable", provider.ErrProviderUnavailable, KIND_PROVIDER_UNAVAILABLE},
		{"auth", provider.ErrAuthFailed, KIND_AUTH_FAILED},
		{"other", errors.New("decoder crashed"), KIND_PROVIDER_ERROR},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			prov := newMockProvider(fixAt(t, "Phone", 1718000000))
			prov.err = tc.err
			sender := &mockSender{}
			p := newTestPoller(prov, mapper.New(nil, true), sender, newMockClock())

			rep := p.RunCycle(context.Background())

			assert.False(t, rep.Ok())
			assert.Equal(t, tc.kind, rep.Error)
			assert.Empty(t, sender.Sent())
			last, ok := p.Stat().LastCycle()
			require.True(t, ok)
			assert.Equal(t, rep.ID, last.ID)
		})
	}
}

func TestRunCycleSkipsStaleFixes(t *testing.T) {
	prov := newMockProvider(fixAt(t, "Phone", 1718000000))
	sender := &mockSender{fail: map[string]forwarder.Kind{"phone": forwarder.KindTransport}}
	p := newTestPoller(prov, mapper.New(nil, true), sender, newMockClock())

	// a failed forward is retried with the same fix
	assert.Equal(t, 1, p.RunCycle(context.Background()).Failed)
	sender.mu.Lock()
	sender.fail = nil
	sender.mu.Unlock()
	assert.Equal(t, 1, p.RunCycle(context.Background()).Forwarded)

	// the same fix is not forwarded twice
	rep := p.RunCycle(context.Background())
	assert.Equal(t, 1, rep.Stale)
	assert.Equal(t, 0, rep.Forwarded)

	prov.set([]provider.DeviceFix{fixAt(t, "Phone", 1718000300)}, nil)
	assert.Equal(t, 1, p.RunCycle(context.Background()).Forwarded)
	assert.Equal(t, []string{"phone", "phone", "phone"}, sender.Sent())
}

func TestRunCycleProviderPanic(t *testing.T) {
	p := newTestPoller(panicProvider{}, mapper.New(nil, true), &mockSender{}, newMockClock())
	rep := p.RunCycle(context.Background())
	assert.Equal(t, KIND_PANIC, rep.Error)
}

type panicProvider struct{}

func (panicProvider) Fetch(context.Context, *credential.Credentials) ([]provider.DeviceFix, error) {
	panic("decoder bug")
}

func TestRunPollsImmediately(t *testing.T) {
	prov := newMockProvider(fixAt(t, "Phone", 1718000000))
	sender := &mockSender{}
	p := newTestPoller(prov, mapper.New(nil, true), sender, newMockClock())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	prov.waitCall(t)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, prov.Calls())
	assert.Equal(t, []string{"phone"}, sender.Sent())
}

func TestRunFetchFailureWaitsForNextTick(t *testing.T) {
	prov := newMockProvider()
	prov.err = provider.ErrProviderUnavailable
	sender := &mockSender{}
	clock := newMockClock()
	p := newTestPoller(prov, mapper.New(nil, true), sender, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	prov.waitCall(t)
	require.Eventually(t, func() bool { return !p.Polling() }, 2*time.Second, 5*time.Millisecond)

	// no immediate retry
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, prov.Calls())

	prov.set([]provider.DeviceFix{fixAt(t, "Phone", 1718000000)}, nil)
	clock.tick(t)
	prov.waitCall(t)
	require.Eventually(t, func() bool { return len(sender.Sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, prov.Calls())
}

func TestRunNeverOverlapsCycles(t *testing.T) {
	prov := newMockProvider(fixAt(t, "Phone", 1718000000))
	prov.block = make(chan struct{})
	clock := newMockClock()
	p := newTestPoller(prov, mapper.New(nil, true), &mockSender{}, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	prov.waitCall(t)
	clock.tick(t)
	clock.tick(t)
	clock.tick(t)
	assert.Equal(t, 1, prov.Calls())
	assert.True(t, p.Polling())
	assert.GreaterOrEqual(t, p.Stat().Snapshot().SuppressedTicks, uint64(2))

	prov.mu.Lock()
	close(prov.block)
	prov.block = nil
	prov.mu.Unlock()
	require.Eventually(t, func() bool { return !p.Polling() }, 2*time.Second, 5*time.Millisecond)

	// suppressed ticks were dropped, not queued
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, prov.Calls())

	clock.tick(t)
	prov.waitCall(t)
	assert.Equal(t, 2, prov.Calls())
}

func TestRunShutdownWaitsForCycle(t *testing.T) {
	prov := newMockProvider(fixAt(t, "Phone", 1718000000))
	release := make(chan struct{})
	prov.block = release
	sender := &mockSender{}
	p := newTestPoller(prov, mapper.New(nil, true), sender, newMockClock())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	prov.waitCall(t)
	cancel()

	select {
	case <-done:
		t.Fatal("Run returned while a cycle was in progress")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the cycle finished")
	}
	// the cycle completed with an uncancelled context
	assert.Equal(t, []string{"phone"}, sender.Sent())
	assert.False(t, p.Polling())
}
