package discovery

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/muurk/castlink/internal/dispatch"
	"github.com/muurk/castlink/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultProbeInterval is the period of both probes and registry sweeps
	DefaultProbeInterval = 5 * time.Second

	// DefaultMissedProbes is how many intervals a device may stay silent
	DefaultMissedProbes = 3

	// MinMissedProbes is the smallest accepted missed-probe threshold
	MinMissedProbes = 2
)

// State is the lifecycle state of a Discovery
type State int

const (
	StateIdle State = iota
	StateDiscovering
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config holds discovery tuning parameters
type Config struct {
	// ProbeInterval is the period of probes and sweeps
	ProbeInterval time.Duration

	// MissedProbes is the number of silent intervals before a device is
	// removed. Values below MinMissedProbes are raised to it.
	MissedProbes int

	// SearchTargets are the SSDP ST values probed each cycle
	SearchTargets []string

	// DescriptionTimeout bounds one description fetch
	DescriptionTimeout time.Duration
}

// DefaultConfig returns the default discovery configuration
func DefaultConfig() Config {
	return Config{
		ProbeInterval:      DefaultProbeInterval,
		MissedProbes:       DefaultMissedProbes,
		SearchTargets:      []string{DIALSearchTarget},
		DescriptionTimeout: DefaultDescriptionTimeout,
	}
}

func (c Config) normalized() Config {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	if c.MissedProbes < MinMissedProbes {
		c.MissedProbes = MinMissedProbes
	}
	if len(c.SearchTargets) == 0 {
		c.SearchTargets = []string{DIALSearchTarget}
	}
	if c.DescriptionTimeout <= 0 {
		c.DescriptionTimeout = DefaultDescriptionTimeout
	}
	return c
}

// ExpiryWindow is how long a device may go unseen before removal
func (c Config) ExpiryWindow() time.Duration {
	n := c.normalized()
	return n.ProbeInterval * time.Duration(n.MissedProbes)
}

// Transport sends discovery probes and reports answers
type Transport interface {
	// Listen opens the transport; answers are passed to handle until ctx is
	// cancelled or Close is called. handle may be called from any goroutine.
	Listen(ctx context.Context, handle func(Response)) error

	// Search sends one round of probes for the given targets
	Search(ctx context.Context, targets []string) error

	Close() error
}

// Listener receives discovery events. Calls are serialized.
type Listener interface {
	DevicesAdded(devices []*Device)
	DevicesRemoved(devices []*Device)
	DiscoveryStopped(err error)
}

// ListenerFuncs adapts plain functions to a Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Added   func(devices []*Device)
	Removed func(devices []*Device)
	Stopped func(err error)
}

func (l ListenerFuncs) DevicesAdded(devices []*Device) {
	if l.Added != nil {
		l.Added(devices)
	}
}

func (l ListenerFuncs) DevicesRemoved(devices []*Device) {
	if l.Removed != nil {
		l.Removed(devices)
	}
}

func (l ListenerFuncs) DiscoveryStopped(err error) {
	if l.Stopped != nil {
		l.Stopped(err)
	}
}

// Option configures a Discovery
type Option func(*Discovery)

// WithTransports replaces the default SSDP transport
func WithTransports(transports ...Transport) Option {
	return func(d *Discovery) {
		d.transports = transports
	}
}

// WithFetcher replaces the HTTP description fetcher
func WithFetcher(f DescriptionFetcher) Option {
	return func(d *Discovery) {
		d.fetcher = f
	}
}

// WithQueue delivers listener callbacks on a shared queue
func WithQueue(q *dispatch.Queue) Option {
	return func(d *Discovery) {
		d.queue = q
		d.ownsQueue = false
	}
}

// WithClock overrides the time source used for LastSeen bookkeeping
func WithClock(now func() time.Time) Option {
	return func(d *Discovery) {
		d.now = now
	}
}

// Discovery maintains the live device registry
type Discovery struct {
	cfg        Config
	transports []Transport
	fetcher    DescriptionFetcher
	listener   Listener
	queue      *dispatch.Queue
	ownsQueue  bool
	now        func() time.Time
	log        *zap.Logger

	mu         sync.Mutex
	state      State
	registry   map[string]*Device
	resolving  map[string]struct{}
	generation uint64
	cancel     context.CancelFunc
}

// New creates an idle Discovery
func New(cfg Config, listener Listener, opts ...Option) *Discovery {
	cfg = cfg.normalized()
	if listener == nil {
		listener = ListenerFuncs{}
	}

	d := &Discovery{
		cfg:       cfg,
		listener:  listener,
		now:       time.Now,
		log:       logging.Named("discovery"),
		state:     StateIdle,
		registry:  make(map[string]*Device),
		resolving: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.transports == nil {
		d.transports = []Transport{NewSSDPTransport()}
	}
	if d.fetcher == nil {
		d.fetcher = NewHTTPDescriptionFetcher(cfg.DescriptionTimeout)
	}
	if d.queue == nil {
		d.queue = dispatch.NewQueue()
		d.ownsQueue = true
	}
	return d
}

// State returns the current lifecycle state
func (d *Discovery) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Devices returns a snapshot of the registry ordered by device id
func (d *Discovery) Devices() []*Device {
	d.mu.Lock()
	defer d.mu.Unlock()

	devices := make([]*Device, 0, len(d.registry))
	for _, dev := range d.registry {
		devices = append(devices, dev.clone())
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices
}

// Resume starts (or restarts) probing. Returns false if already discovering.
func (d *Discovery) Resume() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateDiscovering {
		return false
	}

	from := d.state
	d.generation++
	gen := d.generation
	d.resolving = make(map[string]struct{})
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.state = StateDiscovering

	var errs []error
	opened := 0
	for _, t := range d.transports {
		// Transports must not call handle synchronously from Listen
		err := t.Listen(ctx, func(r Response) { d.handleResponse(gen, r) })
		if err != nil {
			d.log.Warn("Transport failed to open", zap.Error(err))
			errs = append(errs, err)
			continue
		}
		opened++
	}

	if opened == 0 {
		cancel()
		d.cancel = nil
		d.stopLocked(errors.Join(errs...))
		return true
	}

	d.log.Info("Discovery resumed",
		zap.String("from", from.String()),
		zap.Duration("probe_interval", d.cfg.ProbeInterval),
		zap.Int("missed_probes", d.cfg.MissedProbes),
	)

	go d.loop(ctx, gen)
	return true
}

// Pause stops probing and sweeping, keeping the registry intact. Returns
// false unless discovering.
func (d *Discovery) Pause() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateDiscovering {
		return false
	}

	d.state = StatePaused
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.log.Info("Discovery paused", zap.Int("devices", len(d.registry)))
	return true
}

// Stop cancels probing, reports every registered device as removed, clears
// the registry and reports the stop. Returns false if idle or already stopped.
func (d *Discovery) Stop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateStopped || d.state == StateIdle {
		return false
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.stopLocked(nil)
	return true
}

// Close stops discovery and releases the delivery queue if it is owned.
func (d *Discovery) Close() {
	d.Stop()
	if d.ownsQueue {
		d.queue.Close()
	}
}

// Flush waits until every listener callback posted so far has run
func (d *Discovery) Flush() {
	d.queue.Flush()
}

func (d *Discovery) stopLocked(err error) {
	for _, t := range d.transports {
		if cerr := t.Close(); cerr != nil {
			d.log.Debug("Transport close failed", zap.Error(cerr))
		}
	}

	removed := make([]*Device, 0, len(d.registry))
	for _, dev := range d.registry {
		removed = append(removed, dev.clone())
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].ID < removed[j].ID })

	d.registry = make(map[string]*Device)
	d.resolving = make(map[string]struct{})
	// Late resolutions from this session are dropped by generation mismatch
	d.generation++
	d.state = StateStopped

	d.log.Info("Discovery stopped", zap.Int("removed", len(removed)), zap.Error(err))

	listener := d.listener
	if len(removed) > 0 {
		d.queue.Post(func() { listener.DevicesRemoved(removed) })
	}
	d.queue.Post(func() { listener.DiscoveryStopped(err) })
}

func (d *Discovery) loop(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(d.cfg.ProbeInterval)
	defer ticker.Stop()

	d.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep(gen)
			d.probe(ctx)
		}
	}
}

// probe asks every transport to search concurrently
func (d *Discovery) probe(ctx context.Context) {
	var g errgroup.Group
	for _, t := range d.transports {
		g.Go(func() error {
			return t.Search(ctx, d.cfg.SearchTargets)
		})
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		d.log.Warn("Probe failed", zap.Error(err))
	}
}

// sweep removes devices not seen within the expiry window
func (d *Discovery) sweep(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if gen != d.generation || d.state != StateDiscovering {
		return
	}

	cutoff := d.now().Add(-d.cfg.ExpiryWindow())
	var expired []*Device
	for id, dev := range d.registry {
		if dev.LastSeen.Before(cutoff) {
			expired = append(expired, dev.clone())
			delete(d.registry, id)
		}
	}
	if len(expired) == 0 {
		return
	}

	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	for _, dev := range expired {
		d.log.Info("Device expired", zap.String("device_id", dev.ID), zap.Time("last_seen", dev.LastSeen))
	}

	listener := d.listener
	d.queue.Post(func() { listener.DevicesRemoved(expired) })
}

func (d *Discovery) handleResponse(gen uint64, r Response) {
	if r.ID == "" {
		return
	}

	d.mu.Lock()
	if gen != d.generation || d.state != StateDiscovering {
		d.mu.Unlock()
		return
	}

	now := d.now()
	if dev, ok := d.registry[r.ID]; ok {
		dev.LastSeen = now
		d.mu.Unlock()
		return
	}

	if r.Device != nil {
		d.addLocked(r.Device.clone(), now)
		d.mu.Unlock()
		return
	}

	if _, busy := d.resolving[r.ID]; busy {
		d.mu.Unlock()
		return
	}
	d.resolving[r.ID] = struct{}{}
	d.mu.Unlock()

	go d.resolve(gen, r)
}

func (d *Discovery) resolve(gen uint64, r Response) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DescriptionTimeout)
	defer cancel()

	dev, err := d.fetcher.Fetch(ctx, r)

	d.mu.Lock()
	defer d.mu.Unlock()

	if gen != d.generation {
		return
	}
	delete(d.resolving, r.ID)

	if err != nil {
		d.log.Warn("Failed to resolve device",
			zap.String("device_id", r.ID),
			zap.String("location", r.Location),
			zap.Error(err),
		)
		return
	}
	if d.state != StateDiscovering {
		return
	}

	// Registry keys use the response identity so later sightings coalesce
	dev.ID = r.ID
	if existing, ok := d.registry[r.ID]; ok {
		existing.LastSeen = d.now()
		return
	}
	d.addLocked(dev, d.now())
}

func (d *Discovery) addLocked(dev *Device, now time.Time) {
	dev.DiscoveredAt = now
	dev.LastSeen = now
	d.registry[dev.ID] = dev

	d.log.Info("Device added",
		zap.String("device_id", dev.ID),
		zap.String("name", dev.FriendlyName),
		zap.String("ip", dev.IP),
	)

	added := []*Device{dev.clone()}
	listener := d.listener
	d.queue.Post(func() { listener.DevicesAdded(added) })
}
