package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/sensaura/iothing/internal/logging"
)

const (
	// ServiceDomain is the mDNS domain (typically "local.")
	ServiceDomain = "local."

	// DefaultScanWindow is how long each browse sweep listens
	DefaultScanWindow = 5 * time.Second

	// DefaultMissedSweeps is how many consecutive sweeps an instance may
	// miss before it is reported lost
	DefaultMissedSweeps = 2

	// DefaultResolveTimeout bounds a single resolve
	DefaultResolveTimeout = 5 * time.Second

	// DefaultPort is used when a resolved record carries no port
	DefaultPort = 80
)

var (
	// ErrAlreadyDiscovering is returned when a listener is registered twice
	ErrAlreadyDiscovering = errors.New("listener is already discovering")

	// ErrNotDiscovering is returned when stopping an unknown listener
	ErrNotDiscovering = errors.New("listener is not discovering")

	// ErrResolveTimeout is reported when no answer arrives in time
	ErrResolveTimeout = errors.New("resolve timed out")
)

// MDNSBrowser implements Browser on top of zeroconf.
//
// zeroconf reports each instance once per browse session and never reports
// departures, so discovery runs as a series of sweeps: every ScanWindow a
// fresh browse starts, instances not seen before are reported found and
// instances absent for MissedSweeps consecutive sweeps are reported lost.
type MDNSBrowser struct {
	// Domain to browse (default "local.")
	Domain string

	// ScanWindow is the length of one sweep
	ScanWindow time.Duration

	// MissedSweeps before an instance is reported lost
	MissedSweeps int

	// ResolveTimeout bounds each Resolve call
	ResolveTimeout time.Duration

	log *zap.Logger

	mu       sync.Mutex
	sessions map[Listener]context.CancelFunc
	wg       sync.WaitGroup
}

// NewMDNSBrowser creates a browser with default settings
func NewMDNSBrowser(log *zap.Logger) *MDNSBrowser {
	return &MDNSBrowser{
		Domain:         ServiceDomain,
		ScanWindow:     DefaultScanWindow,
		MissedSweeps:   DefaultMissedSweeps,
		ResolveTimeout: DefaultResolveTimeout,
		log:            logging.OrNamed(log, "mdns"),
		sessions:       make(map[Listener]context.CancelFunc),
	}
}

// StartDiscovery begins sweeping for serviceType. DiscoveryStarted is called
// once the first browse is running; StartDiscoveryFailed if it cannot start.
func (b *MDNSBrowser) StartDiscovery(serviceType string, l Listener) error {
	b.mu.Lock()
	if b.sessions == nil {
		b.sessions = make(map[Listener]context.CancelFunc)
	}
	if _, exists := b.sessions[l]; exists {
		b.mu.Unlock()
		return ErrAlreadyDiscovering
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.sessions[l] = cancel
	b.wg.Add(1)
	b.mu.Unlock()

	go b.run(ctx, serviceType, l)
	return nil
}

// StopDiscovery ends the session for l. DiscoveryStopped follows once the
// current sweep has shut down.
func (b *MDNSBrowser) StopDiscovery(l Listener) error {
	b.mu.Lock()
	cancel, exists := b.sessions[l]
	b.mu.Unlock()

	if !exists {
		return ErrNotDiscovering
	}
	cancel()
	return nil
}

// Close stops every session and waits for them to finish.
func (b *MDNSBrowser) Close() {
	b.mu.Lock()
	for _, cancel := range b.sessions {
		cancel()
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// Resolve looks up host, addresses, port and TXT for rec.
func (b *MDNSBrowser) Resolve(rec Record, l ResolveListener) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.resolveTimeout())
		defer cancel()

		entries := make(chan *zeroconf.ServiceEntry, 4)
		if err := resolver.Lookup(ctx, rec.Instance, rec.Service, b.domainFor(rec), entries); err != nil {
			l.ResolveFailed(rec, fmt.Errorf("failed to look up %s: %w", rec.Instance, err))
			return
		}

		for {
			select {
			case <-ctx.Done():
				go drain(entries)
				l.ResolveFailed(rec, fmt.Errorf("%s: %w", rec.Instance, ErrResolveTimeout))
				return
			case entry, ok := <-entries:
				if !ok {
					l.ResolveFailed(rec, fmt.Errorf("%s: %w", rec.Instance, ErrResolveTimeout))
					return
				}
				res, ok := resolvedFromEntry(rec, entry)
				if !ok {
					continue
				}
				cancel()
				go drain(entries)
				l.ServiceResolved(res)
				return
			}
		}
	}()
	return nil
}

func (b *MDNSBrowser) run(ctx context.Context, serviceType string, l Listener) {
	defer b.wg.Done()
	defer func() {
		b.mu.Lock()
		delete(b.sessions, l)
		b.mu.Unlock()
	}()

	tracker := newSweepTracker(b.MissedSweeps)
	started := false

	for {
		seen, err := b.sweep(ctx, serviceType, func() {
			if !started {
				started = true
				l.DiscoveryStarted(serviceType)
			}
		})
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			if !started {
				l.StartDiscoveryFailed(serviceType, err)
				return
			}
			b.log.Warn("Browse sweep failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(b.scanWindow()):
			}
			continue
		}

		found, lost := tracker.update(seen)
		for _, rec := range found {
			l.ServiceFound(rec)
		}
		for _, rec := range lost {
			l.ServiceLost(rec)
		}
	}

	l.DiscoveryStopped(serviceType)
}

// sweep browses for one scan window and returns the instances seen. A new
// resolver is used per sweep because zeroconf shuts its connections down
// when a browse ends.
func (b *MDNSBrowser) sweep(ctx context.Context, serviceType string, onBrowsing func()) (map[string]Record, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.scanWindow())
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(ctx, serviceType, b.domain(), entries); err != nil {
		return nil, fmt.Errorf("failed to browse for mDNS services: %w", err)
	}
	onBrowsing()

	seen := make(map[string]Record)
	for {
		select {
		case <-ctx.Done():
			go drain(entries)
			return seen, nil
		case entry, ok := <-entries:
			if !ok {
				return seen, nil
			}
			if entry == nil || entry.Instance == "" {
				continue
			}
			seen[entry.Instance] = Record{
				Instance: entry.Instance,
				Service:  serviceType,
				Domain:   b.domain(),
			}
		}
	}
}

func (b *MDNSBrowser) domain() string {
	if b.Domain == "" {
		return ServiceDomain
	}
	return b.Domain
}

func (b *MDNSBrowser) domainFor(rec Record) string {
	if rec.Domain != "" {
		return rec.Domain
	}
	return b.domain()
}

func (b *MDNSBrowser) scanWindow() time.Duration {
	if b.ScanWindow <= 0 {
		return DefaultScanWindow
	}
	return b.ScanWindow
}

func (b *MDNSBrowser) resolveTimeout() time.Duration {
	if b.ResolveTimeout <= 0 {
		return DefaultResolveTimeout
	}
	return b.ResolveTimeout
}

// drain consumes entries until zeroconf closes the channel so its send
// never blocks after we stop listening.
func drain(entries <-chan *zeroconf.ServiceEntry) {
	for range entries {
	}
}

// resolvedFromEntry converts a zeroconf entry to a Resolved record.
// Returns false if the entry has no usable address.
func resolvedFromEntry(rec Record, entry *zeroconf.ServiceEntry) (Resolved, bool) {
	if entry == nil {
		return Resolved{}, false
	}
	if len(entry.AddrIPv4) == 0 && len(entry.AddrIPv6) == 0 {
		return Resolved{}, false
	}

	if entry.Instance != "" {
		rec.Instance = entry.Instance
	}

	port := entry.Port
	if port == 0 {
		port = DefaultPort
	}

	return Resolved{
		Record:   rec,
		HostName: entry.HostName,
		AddrIPv4: entry.AddrIPv4,
		AddrIPv6: entry.AddrIPv6,
		Port:     port,
		Text:     entry.Text,
	}, true
}

type trackedRecord struct {
	rec    Record
	misses int
}

// sweepTracker turns successive sweep results into found/lost events.
type sweepTracker struct {
	missedSweeps int
	known        map[string]*trackedRecord
}

func newSweepTracker(missedSweeps int) *sweepTracker {
	if missedSweeps < 1 {
		missedSweeps = 1
	}
	return &sweepTracker{
		missedSweeps: missedSweeps,
		known:        make(map[string]*trackedRecord),
	}
}

// update records one sweep. Results are sorted by instance name.
func (t *sweepTracker) update(seen map[string]Record) (found, lost []Record) {
	for instance, rec := range seen {
		if tr, ok := t.known[instance]; ok {
			tr.misses = 0
			continue
		}
		t.known[instance] = &trackedRecord{rec: rec}
		found = append(found, rec)
	}

	for instance, tr := range t.known {
		if _, ok := seen[instance]; ok {
			continue
		}
		tr.misses++
		if tr.misses >= t.missedSweeps {
			delete(t.known, instance)
			lost = append(lost, tr.rec)
		}
	}

	sortRecords(found)
	sortRecords(lost)
	return found, lost
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Instance < recs[j].Instance })
}
