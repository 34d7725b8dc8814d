package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// MDNSServiceType is the DNS-SD service type advertised by cast devices
	MDNSServiceType = "_googlecast._tcp"

	// MDNSDomain is the mDNS domain (typically "local.")
	MDNSDomain = "local."

	// DefaultBrowseWindow bounds a single mDNS browse
	DefaultBrowseWindow = 3 * time.Second

	// DefaultAppPort is the DIAL application port when a record carries none
	DefaultAppPort = 8008
)

// MDNSTransport discovers devices through DNS-SD. Its responses carry a
// pre-resolved Device, so no description document is fetched for them.
type MDNSTransport struct {
	// Service is the DNS-SD service type to browse
	Service string

	// Domain is the browse domain
	Domain string

	// BrowseWindow is how long each Search keeps the browse open
	BrowseWindow time.Duration

	// AppPort is the DIAL port used to build the application base URL
	AppPort int

	mu     sync.Mutex
	ctx    context.Context
	handle func(Response)
}

// NewMDNSTransport creates an mDNS transport with default settings
func NewMDNSTransport() *MDNSTransport {
	return &MDNSTransport{
		Service:      MDNSServiceType,
		Domain:       MDNSDomain,
		BrowseWindow: DefaultBrowseWindow,
		AppPort:      DefaultAppPort,
	}
}

// Listen records the response handler. Browsing happens per Search.
func (t *MDNSTransport) Listen(ctx context.Context, handle func(Response)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ctx = ctx
	t.handle = handle
	return nil
}

// Search starts one bounded browse. Search targets are SSDP-specific and
// ignored here.
func (t *MDNSTransport) Search(ctx context.Context, _ []string) error {
	t.mu.Lock()
	listenCtx, handle := t.ctx, t.handle
	t.mu.Unlock()

	if handle == nil || listenCtx == nil || listenCtx.Err() != nil {
		return fmt.Errorf("mdns transport is not listening")
	}

	window := t.BrowseWindow
	if window <= 0 {
		window = DefaultBrowseWindow
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	// The browse outlives this call, bounded by the listen context and the window
	browseCtx, cancel := context.WithTimeout(listenCtx, window)
	entries := make(chan *zeroconf.ServiceEntry)

	if err := resolver.Browse(browseCtx, t.service(), t.domain(), entries); err != nil {
		cancel()
		return fmt.Errorf("failed to browse for mDNS services: %w", err)
	}

	go func() {
		defer cancel()
		for entry := range entries {
			if resp := t.parseServiceEntry(entry); resp != nil {
				handle(*resp)
			}
		}
	}()

	return nil
}

// Close drops the handler
func (t *MDNSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handle = nil
	t.ctx = nil
	return nil
}

func (t *MDNSTransport) service() string {
	if t.Service == "" {
		return MDNSServiceType
	}
	return t.Service
}

func (t *MDNSTransport) domain() string {
	if t.Domain == "" {
		return MDNSDomain
	}
	return t.Domain
}

// parseServiceEntry converts a zeroconf service entry to a Response carrying
// a resolved Device. Returns nil if the entry has no usable address.
func (t *MDNSTransport) parseServiceEntry(entry *zeroconf.ServiceEntry) *Response {
	if entry == nil {
		return nil
	}

	// Get IP address (prefer IPv4)
	var ip string
	for _, addr := range entry.AddrIPv4 {
		ip = addr.String()
		break
	}
	if ip == "" && len(entry.AddrIPv6) > 0 {
		ip = entry.AddrIPv6[0].String()
	}
	if ip == "" {
		return nil
	}

	// TXT records are in "key=value" format
	txt := make(map[string]string)
	for _, record := range entry.Text {
		parts := strings.SplitN(record, "=", 2)
		if len(parts) == 2 {
			txt[parts[0]] = parts[1]
		} else {
			txt[parts[0]] = ""
		}
	}

	id := txt["id"]
	if id == "" {
		id = entry.Instance
	}
	if id == "" {
		return nil
	}

	name := txt["fn"]
	if name == "" {
		name = entry.Instance
	}

	appPort := t.AppPort
	if appPort == 0 {
		appPort = DefaultAppPort
	}
	hostPort := net.JoinHostPort(ip, strconv.Itoa(appPort))

	device := &Device{
		ID:           id,
		FriendlyName: name,
		Manufacturer: txt["mf"],
		ModelName:    txt["md"],
		BaseURL:      "http://" + hostPort + "/apps/",
		IP:           ip,
		Port:         appPort,
		Location:     "http://" + hostPort + "/ssdp/device-desc.xml",
		SearchTarget: t.service(),
	}

	return &Response{
		Location:     device.Location,
		SearchTarget: device.SearchTarget,
		USN:          "uuid:" + id,
		ID:           id,
		From:         net.JoinHostPort(ip, strconv.Itoa(entry.Port)),
		Device:       device,
	}
}
