package config

import (
	"sort"
	"strings"
	"time"

	"github.com/muurk/castlink/internal/discovery"
	"github.com/muurk/castlink/internal/driver"
	"github.com/muurk/castlink/internal/session"
	"github.com/muurk/castlink/internal/urls"
)

// CurrentVersion is the config file format version
const CurrentVersion = 1

// Registry represents the entire user configuration file.
type Registry struct {
	Version   int                     `yaml:"version"`
	Discovery *DiscoverySettings      `yaml:"discovery,omitempty"`
	Driver    *DriverSettings         `yaml:"driver,omitempty"`
	Session   *SessionSettings        `yaml:"session,omitempty"`
	Devices   map[string]*KnownDevice `yaml:"devices,omitempty"` // Keyed by device id
}

// DiscoverySettings tunes the discovery engine.
type DiscoverySettings struct {
	ProbeInterval      time.Duration `yaml:"probe_interval"`      // Probe and sweep period
	MissedProbes       int           `yaml:"missed_probes"`       // Silent intervals before removal (min 2)
	SearchTargets      []string      `yaml:"search_targets"`      // SSDP ST values
	DescriptionTimeout time.Duration `yaml:"description_timeout"` // Description fetch timeout
	MDNSEnabled        bool          `yaml:"mdns_enabled"`        // Also browse DNS-SD
	MDNSService        string        `yaml:"mdns_service,omitempty"`
	SSDPAddress        string        `yaml:"ssdp_address,omitempty"` // Unicast M-SEARCH destination
}

// DriverSettings configures link management.
type DriverSettings struct {
	PrivateSettingsEnabled bool `yaml:"private_settings_enabled"` // Capability gate for private settings
	LinkPort               int  `yaml:"link_port"`                // Port of default link endpoints
}

// SessionSettings configures the application session controller.
type SessionSettings struct {
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"` // Wait for the start confirmation event
	HTTPTimeout    time.Duration `yaml:"http_timeout"`    // Per-request HTTP timeout
}

// KnownDevice is what castlink remembers about a device between runs.
type KnownDevice struct {
	Nickname string    `yaml:"nickname,omitempty"`  // User-friendly name
	Name     string    `yaml:"name,omitempty"`      // Friendly name reported by the device
	LastIP   string    `yaml:"last_ip,omitempty"`   // Last known IP address
	LastSeen time.Time `yaml:"last_seen,omitempty"` // Last discovery time
	AppURL   string    `yaml:"app_url,omitempty"`   // Application base URL
	LinkURL  string    `yaml:"link_url,omitempty"`  // Application link endpoint override
}

// DisplayName returns the nickname, falling back to the device name
func (d *KnownDevice) DisplayName() string {
	if d.Nickname != "" {
		return d.Nickname
	}
	return d.Name
}

// NewRegistry creates a new Registry with default values.
func NewRegistry() *Registry {
	return &Registry{
		Version:   CurrentVersion,
		Discovery: defaultDiscoverySettings(),
		Driver:    defaultDriverSettings(),
		Session:   defaultSessionSettings(),
		Devices:   make(map[string]*KnownDevice),
	}
}

func defaultDiscoverySettings() *DiscoverySettings {
	return &DiscoverySettings{
		ProbeInterval:      discovery.DefaultProbeInterval,
		MissedProbes:       discovery.DefaultMissedProbes,
		SearchTargets:      []string{discovery.DIALSearchTarget},
		DescriptionTimeout: discovery.DefaultDescriptionTimeout,
		MDNSService:        discovery.MDNSServiceType,
	}
}

func defaultDriverSettings() *DriverSettings {
	return &DriverSettings{LinkPort: urls.DefaultLinkPort}
}

func defaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		ConfirmTimeout: session.DefaultConfirmTimeout,
		HTTPTimeout:    session.DefaultHTTPTimeout,
	}
}

// applyDefaults fills sections and fields missing from a loaded file
func (r *Registry) applyDefaults() {
	if r.Devices == nil {
		r.Devices = make(map[string]*KnownDevice)
	}
	if r.Discovery == nil {
		r.Discovery = defaultDiscoverySettings()
	}
	if r.Driver == nil {
		r.Driver = defaultDriverSettings()
	}
	if r.Session == nil {
		r.Session = defaultSessionSettings()
	}

	d := defaultDiscoverySettings()
	if r.Discovery.ProbeInterval <= 0 {
		r.Discovery.ProbeInterval = d.ProbeInterval
	}
	if r.Discovery.MissedProbes < discovery.MinMissedProbes {
		r.Discovery.MissedProbes = d.MissedProbes
	}
	if len(r.Discovery.SearchTargets) == 0 {
		r.Discovery.SearchTargets = d.SearchTargets
	}
	if r.Discovery.DescriptionTimeout <= 0 {
		r.Discovery.DescriptionTimeout = d.DescriptionTimeout
	}
	if r.Discovery.MDNSService == "" {
		r.Discovery.MDNSService = d.MDNSService
	}
	if r.Driver.LinkPort <= 0 {
		r.Driver.LinkPort = urls.DefaultLinkPort
	}
	if r.Session.ConfirmTimeout <= 0 {
		r.Session.ConfirmTimeout = session.DefaultConfirmTimeout
	}
	if r.Session.HTTPTimeout <= 0 {
		r.Session.HTTPTimeout = session.DefaultHTTPTimeout
	}
}

// DiscoveryConfig converts the discovery section to engine parameters
func (r *Registry) DiscoveryConfig() discovery.Config {
	r.applyDefaults()
	return discovery.Config{
		ProbeInterval:      r.Discovery.ProbeInterval,
		MissedProbes:       r.Discovery.MissedProbes,
		SearchTargets:      append([]string(nil), r.Discovery.SearchTargets...),
		DescriptionTimeout: r.Discovery.DescriptionTimeout,
	}
}

// DiscoveryTransports builds the transports enabled in the discovery section
func (r *Registry) DiscoveryTransports() []discovery.Transport {
	r.applyDefaults()
	ssdp := discovery.NewSSDPTransport()
	ssdp.Destination = r.Discovery.SSDPAddress
	transports := []discovery.Transport{ssdp}
	if r.Discovery.MDNSEnabled {
		m := discovery.NewMDNSTransport()
		m.Service = r.Discovery.MDNSService
		transports = append(transports, m)
	}
	return transports
}

// DriverOptions converts the driver section to manager options
func (r *Registry) DriverOptions() driver.Options {
	r.applyDefaults()
	return driver.Options{
		PrivateSettingsEnabled: r.Driver.PrivateSettingsEnabled,
		LinkPort:               r.Driver.LinkPort,
	}
}

// SessionConfig converts the session section to controller parameters
func (r *Registry) SessionConfig() session.Config {
	r.applyDefaults()
	return session.Config{
		ConfirmTimeout: r.Session.ConfirmTimeout,
		HTTPTimeout:    r.Session.HTTPTimeout,
	}
}

// GetDevice retrieves a known device by id.
// Returns nil if the device doesn't exist in the registry.
func (r *Registry) GetDevice(id string) *KnownDevice {
	return r.Devices[id]
}

// EnsureDevice ensures a device entry exists in the registry.
func (r *Registry) EnsureDevice(id string) *KnownDevice {
	if r.Devices == nil {
		r.Devices = make(map[string]*KnownDevice)
	}

	if device, exists := r.Devices[id]; exists {
		return device
	}

	device := &KnownDevice{}
	r.Devices[id] = device
	return device
}

// UpdateDeviceLastSeen updates the last seen timestamp and IP for a device.
func (r *Registry) UpdateDeviceLastSeen(id, ip string) {
	device := r.EnsureDevice(id)
	device.LastSeen = time.Now()
	device.LastIP = ip
}

// RecordDevice stores what discovery learned about a device
func (r *Registry) RecordDevice(dev *discovery.Device) {
	device := r.EnsureDevice(dev.ID)
	device.Name = dev.FriendlyName
	device.LastIP = dev.IP
	device.AppURL = dev.BaseURL
	if dev.LinkURL != "" {
		device.LinkURL = dev.LinkURL
	}
	device.LastSeen = dev.LastSeen
	if device.LastSeen.IsZero() {
		device.LastSeen = time.Now()
	}
}

// SetDeviceNickname sets a user-friendly nickname for a device.
func (r *Registry) SetDeviceNickname(id, nickname string) {
	device := r.EnsureDevice(id)
	device.Nickname = nickname
}

// FindDevice resolves a device by id, nickname or reported name
// (case-insensitive for names). Returns the id and entry.
func (r *Registry) FindDevice(query string) (string, *KnownDevice, bool) {
	if d, ok := r.Devices[query]; ok {
		return query, d, true
	}
	for _, id := range r.DeviceIDs() {
		d := r.Devices[id]
		if strings.EqualFold(d.Nickname, query) || strings.EqualFold(d.Name, query) {
			return id, d, true
		}
	}
	return "", nil, false
}

// DeviceIDs returns the known device ids in sorted order
func (r *Registry) DeviceIDs() []string {
	ids := make([]string, 0, len(r.Devices))
	for id := range r.Devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
