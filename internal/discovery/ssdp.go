package discovery

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/muurk/castlink/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

const (
	// SSDPMulticastAddr is the IPv4 SSDP multicast group and port
	SSDPMulticastAddr = "239.255.255.250:1900"

	// DefaultMX is the maximum response delay requested from devices, in seconds
	DefaultMX = 2

	// DIALSearchTarget is the DIAL service type answered by cast devices
	DIALSearchTarget = "urn:dial-multiscreen-org:service:dial:1"

	maxDatagramSize = 8192
)

var errNotListening = errors.New("ssdp transport is not listening")

// Response is a parsed discovery answer
type Response struct {
	// Location is the URL of the description document
	Location string

	// SearchTarget is the ST header
	SearchTarget string

	// USN is the unique service name
	USN string

	// ID is the device identity extracted from the USN
	ID string

	// From is the sender address
	From string

	// Device is set by transports that resolve devices themselves (mDNS);
	// no description fetch is needed for such responses.
	Device *Device
}

// ParseResponse parses an SSDP M-SEARCH reply (HTTP response headers carried
// in a UDP datagram).
func ParseResponse(data []byte) (Response, error) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(data)), nil)
	if err != nil {
		return Response{}, fmt.Errorf("malformed ssdp response: %w", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("unexpected ssdp status %d", resp.StatusCode)
	}

	r := Response{
		Location:     strings.TrimSpace(resp.Header.Get("Location")),
		SearchTarget: strings.TrimSpace(resp.Header.Get("ST")),
		USN:          strings.TrimSpace(resp.Header.Get("USN")),
	}
	if r.Location == "" {
		return Response{}, errors.New("ssdp response missing LOCATION")
	}
	if r.USN == "" {
		return Response{}, errors.New("ssdp response missing USN")
	}
	r.ID = IDFromUSN(r.USN)
	return r, nil
}

// IDFromUSN extracts the device identity from a USN such as
// "uuid:1234-abcd::urn:dial-multiscreen-org:service:dial:1".
func IDFromUSN(usn string) string {
	id := usn
	if i := strings.Index(id, "::"); i >= 0 {
		id = id[:i]
	}
	return strings.TrimPrefix(id, "uuid:")
}

// BuildSearchRequest builds an M-SEARCH request for one search target
func BuildSearchRequest(target string, mx int) []byte {
	var b strings.Builder
	b.WriteString("M-SEARCH * HTTP/1.1\r\n")
	b.WriteString("HOST: " + SSDPMulticastAddr + "\r\n")
	b.WriteString("MAN: \"ssdp:discover\"\r\n")
	fmt.Fprintf(&b, "MX: %d\r\n", mx)
	b.WriteString("ST: " + target + "\r\n")
	b.WriteString("\r\n")
	return []byte(b.String())
}

// SSDPTransport sends M-SEARCH probes to the SSDP multicast group and
// receives the unicast replies.
type SSDPTransport struct {
	// Interface selects the outgoing multicast interface (nil = system default)
	Interface *net.Interface

	// MX is the maximum response delay requested from devices
	MX int

	// Destination overrides where M-SEARCH is sent (default the multicast
	// group). A unicast host:port searches a single responder.
	Destination string

	mu    sync.Mutex
	raw   net.PacketConn
	conn  *ipv4.PacketConn
	group *net.UDPAddr
}

// NewSSDPTransport creates an SSDP transport with default settings
func NewSSDPTransport() *SSDPTransport {
	return &SSDPTransport{MX: DefaultMX}
}

// Listen opens the socket and delivers parsed responses to handle until ctx
// is cancelled or Close is called.
func (t *SSDPTransport) Listen(ctx context.Context, handle func(Response)) error {
	dest := t.Destination
	if dest == "" {
		dest = SSDPMulticastAddr
	}
	group, err := net.ResolveUDPAddr("udp4", dest)
	if err != nil {
		return fmt.Errorf("failed to resolve ssdp destination %s: %w", dest, err)
	}

	raw, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return fmt.Errorf("failed to open ssdp socket: %w", err)
	}

	conn := ipv4.NewPacketConn(raw)
	if err := conn.SetMulticastTTL(2); err != nil {
		logging.Debug("Failed to set multicast TTL", zap.Error(err))
	}
	if t.Interface != nil {
		if err := conn.SetMulticastInterface(t.Interface); err != nil {
			_ = raw.Close()
			return fmt.Errorf("failed to select multicast interface %s: %w", t.Interface.Name, err)
		}
	}

	t.mu.Lock()
	if t.raw != nil {
		_ = t.raw.Close()
	}
	t.raw = raw
	t.conn = conn
	t.group = group
	t.mu.Unlock()

	go t.readLoop(conn, handle)
	go func() {
		<-ctx.Done()
		t.closeConn(raw)
	}()

	return nil
}

// Search multicasts one M-SEARCH per target
func (t *SSDPTransport) Search(ctx context.Context, targets []string) error {
	t.mu.Lock()
	conn, group := t.conn, t.group
	t.mu.Unlock()

	if conn == nil {
		return errNotListening
	}

	mx := t.MX
	if mx <= 0 {
		mx = DefaultMX
	}

	var errs []error
	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := conn.WriteTo(BuildSearchRequest(target, mx), nil, group); err != nil {
			errs = append(errs, fmt.Errorf("M-SEARCH %s: %w", target, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes the socket if open
func (t *SSDPTransport) Close() error {
	t.mu.Lock()
	raw := t.raw
	t.raw = nil
	t.conn = nil
	t.mu.Unlock()

	if raw != nil {
		return raw.Close()
	}
	return nil
}

func (t *SSDPTransport) closeConn(raw net.PacketConn) {
	t.mu.Lock()
	if t.raw == raw {
		t.raw = nil
		t.conn = nil
	}
	t.mu.Unlock()
	_ = raw.Close()
}

func (t *SSDPTransport) readLoop(conn *ipv4.PacketConn, handle func(Response)) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, _, src, err := conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logging.Debug("SSDP read loop ended", zap.Error(err))
			}
			return
		}

		from := ""
		if src != nil {
			from = src.String()
		}
		logging.LogDatagram(from, buf[:n])

		resp, err := ParseResponse(buf[:n])
		if err != nil {
			logging.Debug("Ignoring datagram", zap.String("from", from), zap.Error(err))
			continue
		}
		resp.From = from
		handle(resp)
	}
}
