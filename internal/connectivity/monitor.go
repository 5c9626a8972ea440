package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sensaura/iothing/internal/logging"
	"github.com/sensaura/iothing/internal/notify"
)

const (
	// DefaultPollInterval is how often Watch refreshes the cached state
	DefaultPollInterval = 5 * time.Second

	// DefaultQueryTimeout bounds a single probe
	DefaultQueryTimeout = 3 * time.Second
)

// State is a snapshot of network connectivity.
type State struct {
	Connected bool `json:"connected"`
	// NetworkLabel identifies the active network, empty when disconnected
	NetworkLabel string `json:"network_label,omitempty"`
}

// Prober queries the platform for the current connectivity.
type Prober interface {
	Query(ctx context.Context) (State, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) (State, error)

// Query calls f(ctx).
func (f ProberFunc) Query(ctx context.Context) (State, error) {
	return f(ctx)
}

// Transition is published when Connected changes.
type Transition struct {
	Previous State
	Current  State
	Source   *Monitor
}

// Monitor caches connectivity state and publishes transitions.
type Monitor struct {
	prober       Prober
	log          *zap.Logger
	queryTimeout time.Duration

	mu    sync.RWMutex
	state State

	hub notify.Hub[Transition]
}

// NewMonitor creates a monitor whose initial state comes from one query of
// prober. No notification is published for the initial state.
func NewMonitor(ctx context.Context, prober Prober, log *zap.Logger) *Monitor {
	m := &Monitor{
		prober:       prober,
		log:          logging.OrNamed(log, "connectivity"),
		queryTimeout: DefaultQueryTimeout,
	}
	m.state = m.query(ctx)
	m.log.Info("Initial connectivity state",
		zap.Bool("connected", m.state.Connected),
		zap.String("network", m.state.NetworkLabel),
	)
	return m
}

// Refresh queries the prober and publishes a Transition if Connected changed.
// It returns true when a transition was published.
func (m *Monitor) Refresh(ctx context.Context) bool {
	next := m.query(ctx)

	m.mu.Lock()
	prev := m.state
	if next.Connected == prev.Connected {
		// Same link state; a different label alone is not a transition
		m.state.NetworkLabel = next.NetworkLabel
		m.mu.Unlock()
		return false
	}
	m.state = next
	m.hub.Enqueue(Transition{Previous: prev, Current: next, Source: m})
	m.mu.Unlock()

	m.log.Info("Network connection state changed",
		zap.Bool("from", prev.Connected),
		zap.Bool("to", next.Connected),
		zap.String("network", next.NetworkLabel),
	)
	m.hub.Flush()
	return true
}

// Watch calls Refresh every interval until ctx is done.
func (m *Monitor) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}

// State returns the cached state
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsConnected returns the cached link state without querying
func (m *Monitor) IsConnected() bool {
	return m.State().Connected
}

// CurrentNetworkLabel returns the cached network label ("" when disconnected)
func (m *Monitor) CurrentNetworkLabel() string {
	return m.State().NetworkLabel
}

// Subscribe registers an observer for future transitions.
func (m *Monitor) Subscribe(o notify.Observer[Transition]) *notify.Subscription {
	return m.hub.Subscribe(o)
}

// SubscribeFunc registers a function observer.
func (m *Monitor) SubscribeFunc(fn func(Transition)) *notify.Subscription {
	return m.hub.Subscribe(notify.ObserverFunc[Transition](fn))
}

// Unsubscribe stops delivery to a subscription obtained from this monitor.
func (m *Monitor) Unsubscribe(s *notify.Subscription) {
	m.hub.Unsubscribe(s)
}

// query asks the prober, mapping failures to Disconnected.
func (m *Monitor) query(ctx context.Context) State {
	if m.prober == nil {
		return State{}
	}
	ctx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()

	st, err := m.prober.Query(ctx)
	if err != nil {
		m.log.Warn("Connectivity query failed, assuming disconnected", zap.Error(err))
		return State{}
	}
	if !st.Connected {
		st.NetworkLabel = ""
	}
	return st
}
