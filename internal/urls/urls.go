package urls

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// DefaultLinkPort is the device port serving link endpoints
const DefaultLinkPort = 8009

// ApplicationLinkPath is the link endpoint path for application traffic.
const ApplicationLinkPath = "/channels"

// SettingsLinkPath is the link endpoint path shared by both settings services.
const SettingsLinkPath = "/system"

// DefaultRunLink is the stop endpoint used when no run link is known,
// resolved relative to the application URL.
const DefaultRunLink = "run"

// LinkEndpoint builds a ws:// endpoint for host, port and path
func LinkEndpoint(host string, port int, path string) string {
	if port <= 0 {
		port = DefaultLinkPort
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(port)) + path
}

// ResolveRunLink returns the stop endpoint for an application.
//
// An absolute run link is used verbatim. Anything else is a path relative to
// the application URL target, so "run" under http://tv:8008/apps/Demo
// becomes http://tv:8008/apps/Demo/run. An empty run link means DefaultRunLink.
func ResolveRunLink(target, runLink string) (string, error) {
	if runLink == "" {
		runLink = DefaultRunLink
	}

	ref, err := url.Parse(runLink)
	if err != nil {
		return "", fmt.Errorf("malformed run link: %w", err)
	}
	if ref.IsAbs() {
		if ref.Host == "" {
			return "", errors.New("absolute run link has no host")
		}
		return runLink, nil
	}

	base, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("malformed application URL: %w", err)
	}
	if !base.IsAbs() || base.Host == "" {
		return "", fmt.Errorf("application URL %q is not absolute", target)
	}

	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
		base.RawPath = ""
	}
	return base.ResolveReference(ref).String(), nil
}
