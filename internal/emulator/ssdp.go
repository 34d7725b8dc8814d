package emulator

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/muurk/castlink/internal/discovery"
	"github.com/muurk/castlink/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

const (
	searchAll  = "ssdp:all"
	rootDevice = "upnp:rootdevice"
)

func (s *Server) listenSSDP() (net.PacketConn, error) {
	conn, err := net.ListenPacket("udp4", s.config.SSDPAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for ssdp on %s: %w", s.config.SSDPAddress, err)
	}

	if s.config.SSDPGroup {
		group, err := net.ResolveUDPAddr("udp4", discovery.SSDPMulticastAddr)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		if err := ipv4.NewPacketConn(conn).JoinGroup(nil, &net.UDPAddr{IP: group.IP}); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to join ssdp group: %w", err)
		}
	}
	return conn, nil
}

// serveSSDP answers M-SEARCH requests until conn is closed
func (s *Server) serveSSDP(conn net.PacketConn) {
	buf := make([]byte, 8192)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Warn("SSDP responder stopped", zap.Error(err))
			}
			return
		}
		logging.LogDatagram(from.String(), buf[:n])

		target, ok := parseSearch(buf[:n])
		if !ok || !s.answers(target) {
			continue
		}

		if _, err := conn.WriteTo(s.searchReply(target), from); err != nil {
			s.log.Debug("SSDP reply failed", zap.String("to", from.String()), zap.Error(err))
			continue
		}
		s.log.Debug("Answered M-SEARCH", zap.String("from", from.String()), zap.String("st", target))
	}
}

// parseSearch returns the search target of an M-SEARCH discover request
func parseSearch(data []byte) (string, bool) {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(data)))
	if err != nil || req.Method != "M-SEARCH" {
		return "", false
	}
	if strings.Trim(req.Header.Get("MAN"), `"`) != "ssdp:discover" {
		return "", false
	}
	return strings.TrimSpace(req.Header.Get("ST")), true
}

func (s *Server) answers(target string) bool {
	switch target {
	case searchAll, rootDevice, discovery.DIALSearchTarget, "uuid:" + s.config.UUID:
		return true
	}
	return false
}

func (s *Server) searchReply(target string) []byte {
	st := target
	if st == searchAll {
		st = discovery.DIALSearchTarget
	}

	var b strings.Builder
	b.WriteString("HTTP/1.1 200 OK\r\n")
	b.WriteString("CACHE-CONTROL: max-age=1800\r\n")
	b.WriteString("EXT:\r\n")
	b.WriteString("LOCATION: " + s.DescriptionURL() + "\r\n")
	b.WriteString("SERVER: castlink-emulator UPnP/1.0\r\n")
	b.WriteString("ST: " + st + "\r\n")
	b.WriteString("USN: uuid:" + s.config.UUID + "::" + st + "\r\n")
	b.WriteString("\r\n")
	return []byte(b.String())
}
