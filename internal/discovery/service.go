package discovery

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sensaura/iothing/internal/collection"
	"github.com/sensaura/iothing/internal/device"
	"github.com/sensaura/iothing/internal/logging"
)

const (
	// DefaultServiceType is the DNS-SD service type IoThing devices advertise
	DefaultServiceType = "_iothing._tcp"

	// DefaultRetryDelay is the wait before re-resolving a failed record
	DefaultRetryDelay = 2 * time.Second
)

var (
	// ErrStartFailed wraps failures to register with the Browser
	ErrStartFailed = errors.New("discovery start failed")

	// ErrStopFailed wraps failures to deregister from the Browser
	ErrStopFailed = errors.New("discovery stop failed")
)

// State is the discovery lifecycle state.
type State int

const (
	Idle State = iota
	Starting
	Discovering
	Stopping
)

// String returns the lowercase name of the state
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Discovering:
		return "discovering"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options configures a Service. The zero value is usable.
type Options struct {
	// ServiceType to browse for (default "_iothing._tcp")
	ServiceType string

	// StrictCutoff drops resolve results that arrive while not Discovering.
	// By default results of resolves started before SetDiscovery(false) are
	// still applied.
	StrictCutoff bool

	// ResolveRetries is how many times a failed resolve is retried while the
	// record is still advertised (0 = drop until rediscovered)
	ResolveRetries int

	// RetryDelay is the wait before each retry (default 2s)
	RetryDelay time.Duration

	// OnFailure is called, outside any lock, for asynchronous start/stop
	// failures
	OnFailure func(err error)

	// Logger defaults to logging.Named("discovery")
	Logger *zap.Logger
}

// Stats counts discovery-protocol events since the Service was created.
type Stats struct {
	Found           uint64 `json:"found"`
	Lost            uint64 `json:"lost"`
	Resolved        uint64 `json:"resolved"`
	ResolveFailures uint64 `json:"resolve_failures"`
}

// Service populates a device collection from a Browser.
type Service struct {
	browser Browser
	devices *collection.Collection[*device.Device]
	opts    Options
	log     *zap.Logger

	mu           sync.Mutex
	state        State
	active       *cycle
	nextCycle    uint64
	pendingStop  bool
	pendingStart bool
	lastErr      error
	// pending maps instances awaiting a successful resolve to attempts made
	pending map[string]int

	resolver *resolveListener

	found           atomic.Uint64
	lost            atomic.Uint64
	resolved        atomic.Uint64
	resolveFailures atomic.Uint64
}

// NewService creates an idle Service.
func NewService(browser Browser, devices *collection.Collection[*device.Device], opts Options) *Service {
	if opts.ServiceType == "" {
		opts.ServiceType = DefaultServiceType
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	s := &Service{
		browser: browser,
		devices: devices,
		opts:    opts,
		log:     logging.OrNamed(opts.Logger, "discovery"),
		pending: make(map[string]int),
	}
	s.resolver = &resolveListener{s: s}
	return s
}

// SetDiscovery enables or disables discovery. It returns false only when the
// Browser rejected the request synchronously; otherwise the request has been
// accepted and the state machine moves on as callbacks arrive.
//
// Enabling while Starting or Discovering, and disabling while Idle, are
// no-ops. Disabling while Starting stops as soon as the start completes;
// enabling while Stopping restarts as soon as the stop completes.
func (s *Service) SetDiscovery(enabled bool) bool {
	s.mu.Lock()
	if enabled {
		switch s.state {
		case Starting, Discovering:
			s.pendingStop = false
			s.mu.Unlock()
			return true
		case Stopping:
			s.pendingStart = true
			s.mu.Unlock()
			return true
		}
		c := s.beginStartLocked()
		s.mu.Unlock()
		return s.start(c)
	}

	switch s.state {
	case Idle:
		s.mu.Unlock()
		return true
	case Stopping:
		s.pendingStart = false
		s.mu.Unlock()
		return true
	case Starting:
		s.pendingStop = true
		s.mu.Unlock()
		return true
	}
	c := s.beginStopLocked()
	s.mu.Unlock()
	return s.stop(c)
}

// State returns the current lifecycle state
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsDiscovering reports whether the Browser confirmed discovery is running
func (s *Service) IsDiscovering() bool {
	return s.State() == Discovering
}

// LastError returns the most recent start/stop failure, or nil
func (s *Service) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// ServiceType returns the DNS-SD type being browsed
func (s *Service) ServiceType() string {
	return s.opts.ServiceType
}

// Stats returns event counters
func (s *Service) Stats() Stats {
	return Stats{
		Found:           s.found.Load(),
		Lost:            s.lost.Load(),
		Resolved:        s.resolved.Load(),
		ResolveFailures: s.resolveFailures.Load(),
	}
}

// Devices returns the collection the service populates
func (s *Service) Devices() *collection.Collection[*device.Device] {
	return s.devices
}

func (s *Service) beginStartLocked() *cycle {
	s.nextCycle++
	c := &cycle{s: s, id: s.nextCycle}
	s.active = c
	s.pendingStop = false
	s.pendingStart = false
	s.transitionLocked(Starting)
	return c
}

func (s *Service) beginStopLocked() *cycle {
	s.pendingStop = false
	s.transitionLocked(Stopping)
	return s.active
}

// transitionLocked changes state; s.mu must be held.
func (s *Service) transitionLocked(to State) {
	if s.state == to {
		return
	}
	logging.LogStateTransition(s.log, s.state.String(), to.String(),
		zap.String("service_type", s.opts.ServiceType))
	s.state = to
	if to == Idle {
		s.active = nil
		clear(s.pending)
	}
}

// start registers cycle c with the browser. No lock may be held: the
// browser is allowed to call back synchronously.
func (s *Service) start(c *cycle) bool {
	err := s.browser.StartDiscovery(s.opts.ServiceType, c)
	if err == nil {
		return true
	}

	err = fmt.Errorf("%w: %s: %w", ErrStartFailed, s.opts.ServiceType, err)
	s.mu.Lock()
	if s.active == c {
		s.transitionLocked(Idle)
	}
	s.lastErr = err
	s.mu.Unlock()

	s.log.Warn("Failed to start discovery", zap.Error(err))
	return false
}

// stop deregisters cycle c. No lock may be held.
func (s *Service) stop(c *cycle) bool {
	err := s.browser.StopDiscovery(c)
	if err == nil {
		return true
	}

	err = fmt.Errorf("%w: %s: %w", ErrStopFailed, s.opts.ServiceType, err)
	s.mu.Lock()
	if s.active == c {
		s.transitionLocked(Idle)
		s.pendingStart = false
	}
	s.lastErr = err
	s.mu.Unlock()

	s.log.Warn("Failed to stop discovery", zap.Error(err))
	return false
}

func (s *Service) reportFailure(err error) {
	s.log.Warn("Discovery failure", zap.Error(err))
	if s.opts.OnFailure != nil {
		s.opts.OnFailure(err)
	}
}

func (s *Service) onStarted(c *cycle) {
	s.mu.Lock()
	if s.active != c || s.state != Starting {
		s.mu.Unlock()
		s.log.Debug("Ignoring duplicate or stale start callback", zap.Uint64("cycle", c.id))
		return
	}
	s.transitionLocked(Discovering)
	if !s.pendingStop {
		s.mu.Unlock()
		return
	}
	s.beginStopLocked()
	s.mu.Unlock()
	s.stop(c)
}

func (s *Service) onStopped(c *cycle) {
	s.mu.Lock()
	if s.active != c || (s.state != Stopping && s.state != Discovering) {
		s.mu.Unlock()
		s.log.Debug("Ignoring duplicate or stale stop callback", zap.Uint64("cycle", c.id))
		return
	}
	restart := s.pendingStart
	s.transitionLocked(Idle)
	if !restart {
		s.mu.Unlock()
		return
	}
	next := s.beginStartLocked()
	s.mu.Unlock()
	s.start(next)
}

func (s *Service) onStartFailed(c *cycle, err error) {
	err = fmt.Errorf("%w: %s: %w", ErrStartFailed, s.opts.ServiceType, err)
	s.mu.Lock()
	if s.active != c || s.state != Starting {
		s.mu.Unlock()
		s.log.Debug("Ignoring stale start failure", zap.Error(err))
		return
	}
	s.transitionLocked(Idle)
	s.lastErr = err
	s.mu.Unlock()

	s.reportFailure(err)
}

func (s *Service) onStopFailed(c *cycle, err error) {
	err = fmt.Errorf("%w: %s: %w", ErrStopFailed, s.opts.ServiceType, err)
	s.mu.Lock()
	if s.active != c || s.state != Stopping {
		s.mu.Unlock()
		s.log.Debug("Ignoring stale stop failure", zap.Error(err))
		return
	}
	s.transitionLocked(Idle)
	s.pendingStart = false
	s.lastErr = err
	s.mu.Unlock()

	s.reportFailure(err)
}

// acceptEvents reports whether found/lost events from c should be handled.
func (s *Service) acceptEvents(c *cycle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active == c && s.state == Discovering
}

func (s *Service) onFound(c *cycle, rec Record) {
	if rec.Instance == "" || !s.acceptEvents(c) {
		return
	}
	s.found.Add(1)
	logging.LogServiceEvent(s.log, "found", rec.Instance)

	s.mu.Lock()
	s.pending[rec.Instance] = 0
	s.mu.Unlock()

	s.resolve(rec)
}

func (s *Service) onLost(c *cycle, rec Record) {
	if rec.Instance == "" || !s.acceptEvents(c) {
		return
	}
	s.lost.Add(1)
	logging.LogServiceEvent(s.log, "lost", rec.Instance)

	s.mu.Lock()
	delete(s.pending, rec.Instance)
	s.mu.Unlock()

	s.devices.Remove(rec.Instance)
}

func (s *Service) resolve(rec Record) {
	if err := s.browser.Resolve(rec, s.resolver); err != nil {
		s.onResolveFailed(rec, err)
	}
}

func (s *Service) onResolved(res Resolved) {
	s.resolved.Add(1)

	s.mu.Lock()
	_, wanted := s.pending[res.Instance]
	delete(s.pending, res.Instance)
	live := s.state == Discovering
	s.mu.Unlock()

	// While discovering, only instances still announced are accepted. A
	// resolve that lands after ServiceLost would otherwise leave a ghost.
	if live && !wanted {
		s.log.Debug("Dropping resolve result for a lost instance",
			zap.String("instance", res.Instance))
		return
	}

	if s.opts.StrictCutoff && !live {
		s.log.Debug("Dropping resolve result that arrived after discovery stopped",
			zap.String("instance", res.Instance))
		return
	}

	d := deviceFromResolved(res)
	if d.GetID() == "" {
		return
	}
	s.log.Info("Device resolved",
		zap.String("id", d.ID),
		zap.String("name", d.Name),
		zap.String("address", d.Address()),
		zap.Stringer("state", d.State),
	)
	s.devices.Add(d)
}

func (s *Service) onResolveFailed(rec Record, err error) {
	s.resolveFailures.Add(1)

	s.mu.Lock()
	attempts, stillPending := s.pending[rec.Instance]
	retry := stillPending && s.state == Discovering && attempts < s.opts.ResolveRetries
	if retry {
		s.pending[rec.Instance] = attempts + 1
	} else {
		delete(s.pending, rec.Instance)
	}
	s.mu.Unlock()

	s.log.Warn("Resolve failed",
		zap.String("instance", rec.Instance),
		zap.Int("attempt", attempts+1),
		zap.Bool("retrying", retry),
		zap.Error(err),
	)
	if retry {
		time.AfterFunc(s.opts.RetryDelay, func() { s.retryResolve(rec) })
	}
}

func (s *Service) retryResolve(rec Record) {
	s.mu.Lock()
	_, stillPending := s.pending[rec.Instance]
	live := s.state == Discovering
	s.mu.Unlock()

	if stillPending && live {
		s.resolve(rec)
	}
}

// cycle is the Listener for one Idle→…→Idle registration. Callbacks from a
// cycle that is no longer active are ignored.
type cycle struct {
	s  *Service
	id uint64
}

func (c *cycle) DiscoveryStarted(string)                  { c.s.onStarted(c) }
func (c *cycle) DiscoveryStopped(string)                  { c.s.onStopped(c) }
func (c *cycle) StartDiscoveryFailed(_ string, err error) { c.s.onStartFailed(c, err) }
func (c *cycle) StopDiscoveryFailed(_ string, err error)  { c.s.onStopFailed(c, err) }
func (c *cycle) ServiceFound(rec Record)                  { c.s.onFound(c, rec) }
func (c *cycle) ServiceLost(rec Record)                   { c.s.onLost(c, rec) }

type resolveListener struct {
	s *Service
}

func (r *resolveListener) ServiceResolved(res Resolved)        { r.s.onResolved(res) }
func (r *resolveListener) ResolveFailed(rec Record, err error) { r.s.onResolveFailed(rec, err) }
