package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/muurk/castlink/internal/config"
	"github.com/muurk/castlink/internal/discovery"
)

// resolveDevice turns a command argument into a device. Known devices are
// matched by id, name or nickname; anything else is taken as host[:port].
func resolveDevice(reg *config.Registry, query string) (*discovery.Device, error) {
	if query == "" {
		return nil, fmt.Errorf("device is required")
	}

	if id, known, ok := reg.FindDevice(query); ok {
		if known.LastIP == "" {
			return nil, fmt.Errorf("device %q has no known address; run 'castctl scan'", query)
		}
		name := known.DisplayName()
		if name == "" {
			name = id
		}
		return &discovery.Device{
			ID:           id,
			FriendlyName: name,
			IP:           known.LastIP,
			Port:         discovery.DefaultAppPort,
			BaseURL:      known.AppURL,
			LinkURL:      known.LinkURL,
			LastSeen:     known.LastSeen,
		}, nil
	}

	host, port := query, discovery.DefaultAppPort
	if h, p, err := net.SplitHostPort(query); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return nil, fmt.Errorf("invalid port in %q", query)
		}
		host, port = h, n
	}
	if host == "" || strings.ContainsAny(host, "/ ") {
		return nil, fmt.Errorf("unknown device %q", query)
	}

	return &discovery.Device{ID: query, FriendlyName: query, IP: host, Port: port}, nil
}
