package discovery

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Device represents a cast-capable device found on the network
type Device struct {
	// ID is the unique device identifier (UDN without the "uuid:" prefix)
	ID string

	// FriendlyName is the user-visible device name (e.g., "Living Room TV")
	FriendlyName string

	// Manufacturer and ModelName come from the description document
	Manufacturer string
	ModelName    string

	// BaseURL is the application base URL (DIAL Application-URL), e.g.
	// "http://192.168.1.20:8008/apps/"
	BaseURL string

	// IP is the device address taken from the description location
	IP string

	// Port is the HTTP port of the description location
	Port int

	// LinkURL optionally overrides the default application link endpoint
	LinkURL string

	// Location is the description document URL from the discovery response
	Location string

	// SearchTarget is the ST the device answered
	SearchTarget string

	// DiscoveredAt is when the device was first added to the registry
	DiscoveredAt time.Time

	// LastSeen is refreshed on every sighting
	LastSeen time.Time
}

// String returns a human-readable string representation of the device
func (d *Device) String() string {
	name := d.FriendlyName
	if name == "" {
		name = d.ID
	}
	return fmt.Sprintf("%s (%s) at %s", name, d.ModelName, d.Address())
}

// Address returns host:port for the device
func (d *Device) Address() string {
	return net.JoinHostPort(d.IP, strconv.Itoa(d.Port))
}

// AppURL returns the control URL for the named application
func (d *Device) AppURL(name string) string {
	base := d.BaseURL
	if base == "" {
		base = fmt.Sprintf("http://%s/apps/", d.Address())
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + name
}

// clone returns a copy safe to hand to listeners
func (d *Device) clone() *Device {
	c := *d
	return &c
}
