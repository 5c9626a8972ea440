package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sensaura/iothing/internal/collection"
	"github.com/sensaura/iothing/internal/config"
	"github.com/sensaura/iothing/internal/connectivity"
	"github.com/sensaura/iothing/internal/device"
	"github.com/sensaura/iothing/internal/discovery"
	"github.com/sensaura/iothing/internal/logging"
	"github.com/sensaura/iothing/internal/provision"
)

var (
	// ErrUnknownDevice is returned by Claim for ids not in the collection
	ErrUnknownDevice = errors.New("unknown device")

	// ErrAlreadyRunning is returned when Run is called twice concurrently
	ErrAlreadyRunning = errors.New("application context is already running")
)

// Claimer assigns a node id to a device. *provision.Client implements it.
type Claimer interface {
	Claim(ctx context.Context, d *device.Device) (*device.Device, error)
}

// Options configures New. Browser, Prober and Claimer default to the
// zeroconf browser, the gopsutil interface prober and provision.Client.
type Options struct {
	Config     *config.Config
	ConfigPath string // where claims are saved when PersistClaims is set

	// PersistClaims saves claimed node ids to the config file
	PersistClaims bool

	Browser discovery.Browser
	Prober  connectivity.Prober
	Claimer Claimer

	// OnFailure receives asynchronous discovery start/stop failures
	OnFailure func(err error)

	Logger *zap.Logger
}

// Context is the process-wide application context. It owns the device
// collection, the connectivity monitor and the discovery service, and keeps
// discovery running exactly while the network is up.
type Context struct {
	Devices   *collection.Collection[*device.Device]
	Network   *connectivity.Monitor
	Discovery *discovery.Service
	Config    *config.Config

	browser discovery.Browser
	claimer Claimer
	log     *zap.Logger

	configPath    string
	persistClaims bool
	configMu      sync.Mutex

	// wanted is the user's discovery preference; discovery runs only when
	// it is set and the network is connected
	wanted  atomic.Bool
	running atomic.Bool
}

// New wires the application context. The initial connectivity state is
// queried here; discovery is not started until Run.
func New(ctx context.Context, opts Options) (*Context, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to create application context: %w", err)
	}

	log := logging.OrNamed(opts.Logger, "app")

	browser := opts.Browser
	if browser == nil {
		mdns := discovery.NewMDNSBrowser(log.Named("mdns"))
		mdns.Domain = cfg.Discovery.Domain
		mdns.ScanWindow = cfg.Discovery.ScanWindowDuration()
		mdns.MissedSweeps = cfg.Discovery.MissedSweeps
		mdns.ResolveTimeout = cfg.Discovery.ResolveTimeoutDuration()
		browser = mdns
	}

	prober := opts.Prober
	if prober == nil {
		prober = connectivity.NewInterfaceProber(cfg.Connectivity.Interface)
	}

	claimer := opts.Claimer
	if claimer == nil {
		claimer = provision.NewClient(log.Named("provision"))
	}

	devices := collection.New[*device.Device]()

	a := &Context{
		Devices: devices,
		Network: connectivity.NewMonitor(ctx, prober, log.Named("connectivity")),
		Discovery: discovery.NewService(browser, devices, discovery.Options{
			ServiceType:    cfg.Discovery.ServiceType,
			StrictCutoff:   cfg.Discovery.StrictCutoff,
			ResolveRetries: cfg.Discovery.ResolveRetries,
			OnFailure:      opts.OnFailure,
			Logger:         log.Named("discovery"),
		}),
		Config:        cfg,
		browser:       browser,
		claimer:       claimer,
		log:           log,
		configPath:    opts.ConfigPath,
		persistClaims: opts.PersistClaims,
	}
	a.wanted.Store(true)
	return a, nil
}

// Run follows connectivity until ctx ends: discovery is enabled when the
// link comes up and disabled when it drops. On return discovery has been
// asked to stop.
func (a *Context) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer a.running.Store(false)

	sub := a.Network.SubscribeFunc(a.onTransition)
	defer a.Network.Unsubscribe(sub)

	a.log.Info("Application started",
		zap.Bool("connected", a.Network.IsConnected()),
		zap.String("network", a.Network.CurrentNetworkLabel()),
		zap.String("service_type", a.Discovery.ServiceType()),
	)
	a.apply(a.Network.IsConnected())

	a.Network.Watch(ctx, a.Config.Connectivity.PollIntervalDuration())

	a.Discovery.SetDiscovery(false)
	a.log.Info("Application stopped")
	return nil
}

// Close releases the browser if it holds resources.
func (a *Context) Close() {
	if c, ok := a.browser.(interface{ Close() }); ok {
		c.Close()
	}
}

// SetDiscoveryWanted records whether the user wants discovery running.
// Turning it on starts discovery only while connected.
func (a *Context) SetDiscoveryWanted(wanted bool) bool {
	a.wanted.Store(wanted)
	return a.apply(a.Network.IsConnected())
}

// DiscoveryWanted reports the user's discovery preference
func (a *Context) DiscoveryWanted() bool {
	return a.wanted.Load()
}

func (a *Context) onTransition(t connectivity.Transition) {
	a.log.Info("Network changed",
		zap.Bool("connected", t.Current.Connected),
		zap.String("network", t.Current.NetworkLabel),
	)
	a.apply(t.Current.Connected)
	if !t.Current.Connected && a.Config.Connectivity.ClearOnDisconnect {
		a.Devices.Clear()
	}
}

func (a *Context) apply(connected bool) bool {
	return a.Discovery.SetDiscovery(connected && a.wanted.Load())
}

// Claim assigns a node id to the device with the given id and replaces it in
// the collection with its Configured form.
func (a *Context) Claim(ctx context.Context, id string) (*device.Device, error) {
	d, ok := a.Devices.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}

	claimed, err := a.claimer.Claim(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("failed to claim %s: %w", id, err)
	}

	// A device lost while the request was in flight stays lost
	a.Devices.Replace(claimed)
	a.rememberClaim(claimed)
	return claimed, nil
}

// Status is a point-in-time summary of the application context.
type Status struct {
	Network   connectivity.State
	Discovery discovery.State
	Stats     discovery.Stats
	LastError error
	Wanted    bool
	Devices   int
}

// Status returns the current connectivity, discovery and collection summary.
func (a *Context) Status() Status {
	return Status{
		Network:   a.Network.State(),
		Discovery: a.Discovery.State(),
		Stats:     a.Discovery.Stats(),
		LastError: a.Discovery.LastError(),
		Wanted:    a.wanted.Load(),
		Devices:   a.Devices.Len(),
	}
}

// Nickname returns the locally configured nickname for id, if any.
func (a *Context) Nickname(id string) string {
	a.configMu.Lock()
	defer a.configMu.Unlock()
	if meta := a.Config.GetDevice(id); meta != nil {
		return meta.Nickname
	}
	return ""
}

func (a *Context) rememberClaim(d *device.Device) {
	a.configMu.Lock()
	defer a.configMu.Unlock()

	a.Config.RecordClaim(d.ID, d.NodeID, d.IP)
	if !a.persistClaims {
		return
	}
	if err := a.Config.Save(a.configPath); err != nil {
		a.log.Warn("Failed to save claim", zap.String("id", d.ID), zap.Error(err))
	}
}
