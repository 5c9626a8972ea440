package app

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sensaura/iothing/internal/config"
	"github.com/sensaura/iothing/internal/connectivity"
	"github.com/sensaura/iothing/internal/device"
	"github.com/sensaura/iothing/internal/discovery"
)

// instantBrowser confirms start/stop and resolves synchronously.
type instantBrowser struct {
	mu       sync.Mutex
	listener discovery.Listener
	closed   bool
}

func (b *instantBrowser) StartDiscovery(serviceType string, l discovery.Listener) error {
	b.mu.Lock()
	b.listener = l
	b.mu.Unlock()
	l.DiscoveryStarted(serviceType)
	return nil
}

func (b *instantBrowser) StopDiscovery(l discovery.Listener) error {
	l.DiscoveryStopped(discovery.DefaultServiceType)
	return nil
}

func (b *instantBrowser) Resolve(rec discovery.Record, l discovery.ResolveListener) error {
	l.ServiceResolved(discovery.Resolved{
		Record:   rec,
		AddrIPv4: []net.IP{net.ParseIP("192.168.1.40")},
		Port:     80,
		Text:     []string{"name=Sensor-1"},
	})
	return nil
}

func (b *instantBrowser) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

func (b *instantBrowser) announce(t *testing.T, instance string) {
	t.Helper()
	b.mu.Lock()
	l := b.listener
	b.mu.Unlock()
	require.NotNil(t, l, "discovery was never started")
	l.ServiceFound(discovery.Record{Instance: instance, Service: discovery.DefaultServiceType})
}

type switchProber struct {
	mu        sync.Mutex
	connected bool
}

func (p *switchProber) Query(context.Context) (connectivity.State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return connectivity.State{}, nil
	}
	return connectivity.State{Connected: true, NetworkLabel: "wlan0"}, nil
}

func (p *switchProber) set(connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = connected
}

type fakeClaimer struct {
	err     error
	onClaim func()
}

func (c *fakeClaimer) Claim(_ context.Context, d *device.Device) (*device.Device, error) {
	if c.onClaim != nil {
		c.onClaim()
	}
	if c.err != nil {
		return nil, c.err
	}
	return d.Configure("node-1", "node node-1"), nil
}

type harness struct {
	app     *Context
	browser *instantBrowser
	prober  *switchProber
	cancel  context.CancelFunc
	done    chan error
}

func newHarness(t *testing.T, connected bool, mutate func(*Options)) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.Connectivity.PollInterval = 3600

	h := &harness{
		browser: &instantBrowser{},
		prober:  &switchProber{connected: connected},
	}
	opts := Options{
		Config:  cfg,
		Browser: h.browser,
		Prober:  h.prober,
		Claimer: &fakeClaimer{},
		Logger:  zaptest.NewLogger(t),
	}
	if mutate != nil {
		mutate(&opts)
	}

	a, err := New(context.Background(), opts)
	require.NoError(t, err)
	h.app = a
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.app.Run(ctx) }()
	t.Cleanup(h.stop)
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.cancel = nil
}

// setLink flips the link and refreshes until the monitor has seen it.
func (h *harness) setLink(t *testing.T, connected bool) {
	t.Helper()
	h.prober.set(connected)
	h.app.Network.Refresh(context.Background())
	require.Equal(t, connected, h.app.Network.IsConnected())
}

func eventuallyState(t *testing.T, a *Context, want discovery.State) {
	t.Helper()
	assert.Eventually(t, func() bool { return a.Discovery.State() == want },
		time.Second, 5*time.Millisecond, "discovery state should become %s", want)
}

func TestRun_DiscoversWhileConnected(t *testing.T) {
	h := newHarness(t, true, nil)
	h.run(t)

	eventuallyState(t, h.app, discovery.Discovering)
	h.browser.announce(t, "A")

	d, ok := h.app.Devices.Get("A")
	require.True(t, ok)
	assert.Equal(t, "Sensor-1", d.Name)

	h.stop()
	assert.Equal(t, discovery.Idle, h.app.Discovery.State(), "discovery is stopped when Run returns")
}

func TestRun_FollowsLink(t *testing.T) {
	h := newHarness(t, false, nil)
	h.run(t)

	// Run applies the initial (disconnected) state
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, discovery.Idle, h.app.Discovery.State())

	h.setLink(t, true)
	eventuallyState(t, h.app, discovery.Discovering)
	h.browser.announce(t, "A")

	h.setLink(t, false)
	eventuallyState(t, h.app, discovery.Idle)
	assert.True(t, h.app.Devices.Contains("A"), "devices are kept by default")

	h.setLink(t, true)
	eventuallyState(t, h.app, discovery.Discovering)
}

func TestRun_ClearOnDisconnect(t *testing.T) {
	h := newHarness(t, true, func(o *Options) {
		o.Config.Connectivity.ClearOnDisconnect = true
	})
	h.run(t)

	eventuallyState(t, h.app, discovery.Discovering)
	h.browser.announce(t, "A")
	require.Equal(t, 1, h.app.Devices.Len())

	h.setLink(t, false)
	assert.Eventually(t, func() bool { return h.app.Devices.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRun_OnlyOnce(t *testing.T) {
	h := newHarness(t, true, nil)
	h.run(t)
	eventuallyState(t, h.app, discovery.Discovering)

	assert.ErrorIs(t, h.app.Run(context.Background()), ErrAlreadyRunning)
}

func TestSetDiscoveryWanted(t *testing.T) {
	h := newHarness(t, true, nil)
	h.run(t)
	eventuallyState(t, h.app, discovery.Discovering)

	h.app.SetDiscoveryWanted(false)
	assert.False(t, h.app.DiscoveryWanted())
	assert.Equal(t, discovery.Idle, h.app.Discovery.State())

	h.setLink(t, false)
	h.setLink(t, true)
	assert.Equal(t, discovery.Idle, h.app.Discovery.State(), "link-up does not override the user's choice")

	h.app.SetDiscoveryWanted(true)
	assert.Equal(t, discovery.Discovering, h.app.Discovery.State())
}

func TestSetDiscoveryWanted_Offline(t *testing.T) {
	h := newHarness(t, false, nil)

	h.app.SetDiscoveryWanted(true)
	assert.Equal(t, discovery.Idle, h.app.Discovery.State(), "discovery needs a network")
}

func TestClaim(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	h := newHarness(t, true, func(o *Options) {
		o.ConfigPath = path
		o.PersistClaims = true
	})
	h.run(t)
	eventuallyState(t, h.app, discovery.Discovering)
	h.browser.announce(t, "A")
	h.browser.announce(t, "B")

	claimed, err := h.app.Claim(context.Background(), "A")
	require.NoError(t, err)
	assert.True(t, claimed.IsConfigured())

	stored, ok := h.app.Devices.Get("A")
	require.True(t, ok)
	assert.Equal(t, device.Configured, stored.State)
	assert.Equal(t, "node-1", stored.NodeID)

	ids := []string{}
	for _, d := range h.app.Devices.All() {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"A", "B"}, ids, "the claimed device keeps its position")

	saved, err := config.Load(path)
	require.NoError(t, err)
	require.NotNil(t, saved.GetDevice("A"))
	assert.Equal(t, "node-1", saved.GetDevice("A").NodeID)
}

func TestClaim_UnknownDevice(t *testing.T) {
	h := newHarness(t, true, nil)

	_, err := h.app.Claim(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestClaim_Failure(t *testing.T) {
	boom := errors.New("device unreachable")
	h := newHarness(t, true, func(o *Options) {
		o.Claimer = &fakeClaimer{err: boom}
	})
	h.run(t)
	eventuallyState(t, h.app, discovery.Discovering)
	h.browser.announce(t, "A")

	_, err := h.app.Claim(context.Background(), "A")
	assert.ErrorIs(t, err, boom)

	d, _ := h.app.Devices.Get("A")
	assert.Equal(t, device.Unconfigured, d.State)
	assert.Nil(t, h.app.Config.GetDevice("A"))
}

func TestClaim_DeviceLostInFlight(t *testing.T) {
	claimer := &fakeClaimer{}
	h := newHarness(t, true, func(o *Options) {
		o.Claimer = claimer
	})
	claimer.onClaim = func() { h.app.Devices.Remove("A") }
	h.run(t)
	eventuallyState(t, h.app, discovery.Discovering)
	h.browser.announce(t, "A")

	claimed, err := h.app.Claim(context.Background(), "A")
	require.NoError(t, err)
	assert.True(t, claimed.IsConfigured())

	assert.False(t, h.app.Devices.Contains("A"), "a lost device is not brought back by its claim")
	require.NotNil(t, h.app.Config.GetDevice("A"))
	assert.Equal(t, "node-1", h.app.Config.GetDevice("A").NodeID)
}

func TestNickname(t *testing.T) {
	h := newHarness(t, true, func(o *Options) {
		o.Config.SetDeviceNickname("A", "Greenhouse")
	})

	assert.Equal(t, "Greenhouse", h.app.Nickname("A"))
	assert.Empty(t, h.app.Nickname("B"))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Discovery.ServiceType = "bogus"

	_, err := New(context.Background(), Options{Config: cfg, Browser: &instantBrowser{}, Prober: &switchProber{}})
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestClose(t *testing.T) {
	h := newHarness(t, false, nil)
	h.app.Close()

	h.browser.mu.Lock()
	defer h.browser.mu.Unlock()
	assert.True(t, h.browser.closed)
}

func TestStatus(t *testing.T) {
	h := newHarness(t, true, nil)
	h.run(t)
	eventuallyState(t, h.app, discovery.Discovering)
	h.browser.announce(t, "A")

	st := h.app.Status()
	assert.True(t, st.Network.Connected)
	assert.Equal(t, "wlan0", st.Network.NetworkLabel)
	assert.Equal(t, discovery.Discovering, st.Discovery)
	assert.True(t, st.Wanted)
	assert.Equal(t, 1, st.Devices)
	assert.Equal(t, uint64(1), st.Stats.Found)
	assert.NoError(t, st.LastError)
}
