package discovery

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultDescriptionTimeout bounds a single description fetch
	DefaultDescriptionTimeout = 5 * time.Second

	// ApplicationURLHeader is the DIAL response header naming the app base URL
	ApplicationURLHeader = "Application-URL"

	maxDescriptionSize = 64 * 1024
)

// DescriptionFetcher resolves a discovery response into a Device
type DescriptionFetcher interface {
	Fetch(ctx context.Context, r Response) (*Device, error)
}

// HTTPDescriptionFetcher fetches UPnP device description documents
type HTTPDescriptionFetcher struct {
	Client    *http.Client
	UserAgent string
}

// NewHTTPDescriptionFetcher creates a fetcher with the given request timeout
func NewHTTPDescriptionFetcher(timeout time.Duration) *HTTPDescriptionFetcher {
	if timeout <= 0 {
		timeout = DefaultDescriptionTimeout
	}
	return &HTTPDescriptionFetcher{
		Client: &http.Client{Timeout: timeout},
	}
}

type descriptionDoc struct {
	XMLName xml.Name `xml:"root"`
	URLBase string   `xml:"URLBase"`
	Device  struct {
		DeviceType   string `xml:"deviceType"`
		FriendlyName string `xml:"friendlyName"`
		Manufacturer string `xml:"manufacturer"`
		ModelName    string `xml:"modelName"`
		UDN          string `xml:"UDN"`
	} `xml:"device"`
}

// Fetch downloads r.Location and builds a Device from it
func (f *HTTPDescriptionFetcher) Fetch(ctx context.Context, r Response) (*Device, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.Location, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid description location %q: %w", r.Location, err)
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch description from %s: %w", r.Location, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("description fetch from %s returned status %d", r.Location, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDescriptionSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read description from %s: %w", r.Location, err)
	}

	return ParseDescription(r, resp.Header.Get(ApplicationURLHeader), body)
}

// ParseDescription builds a Device from a description document body and the
// DIAL Application-URL header value (may be empty).
func ParseDescription(r Response, appURL string, body []byte) (*Device, error) {
	var doc descriptionDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("malformed description document: %w", err)
	}

	loc, err := url.Parse(r.Location)
	if err != nil || loc.Host == "" {
		return nil, fmt.Errorf("invalid description location %q", r.Location)
	}

	id := strings.TrimPrefix(strings.TrimSpace(doc.Device.UDN), "uuid:")
	if id == "" {
		id = r.ID
	}
	if id == "" {
		return nil, fmt.Errorf("description at %s has no device identity", r.Location)
	}

	ip := loc.Hostname()
	port := 80
	if loc.Scheme == "https" {
		port = 443
	}
	if p := loc.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}

	base := strings.TrimSpace(appURL)
	if base == "" {
		base = strings.TrimSpace(doc.URLBase)
	}
	if base == "" {
		base = fmt.Sprintf("%s://%s/apps/", loc.Scheme, net.JoinHostPort(ip, strconv.Itoa(port)))
	}

	return &Device{
		ID:           id,
		FriendlyName: strings.TrimSpace(doc.Device.FriendlyName),
		Manufacturer: strings.TrimSpace(doc.Device.Manufacturer),
		ModelName:    strings.TrimSpace(doc.Device.ModelName),
		BaseURL:      base,
		IP:           ip,
		Port:         port,
		Location:     r.Location,
		SearchTarget: r.SearchTarget,
	}, nil
}
