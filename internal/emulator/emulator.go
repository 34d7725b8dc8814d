package emulator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/muurk/castlink/internal/logging"
	"github.com/muurk/castlink/internal/urls"
	"go.uber.org/zap"
)

const (
	// DefaultConfirmDelay is how long a launched application takes to attach
	DefaultConfirmDelay = 200 * time.Millisecond

	// shutdownTimeout bounds Shutdown when the caller's context has no deadline
	shutdownTimeout = 10 * time.Second
)

// Config holds the emulated device's identity and listeners
type Config struct {
	Host         string // Bind and advertised address (default 127.0.0.1)
	AppPort      int    // DIAL HTTP port, 0 picks a free port
	LinkPort     int    // WebSocket link port, 0 picks a free port
	SSDPAddress  string // UDP address answering M-SEARCH; empty disables SSDP
	SSDPGroup    bool   // Join the SSDP multicast group on SSDPAddress
	FriendlyName string
	Manufacturer string
	ModelName    string
	UUID         string   // Device identity, generated when empty
	Apps         []string // Installed applications
	ConfirmDelay time.Duration
}

// appState tracks one installed application
type appState struct {
	running bool
	runID   int
}

// Server is an in-process cast device
type Server struct {
	config Config
	log    *zap.Logger

	appServer  *http.Server
	linkServer *http.Server
	appAddr    string
	linkAddr   string
	ssdpConn   net.PacketConn
	upgrader   websocket.Upgrader

	wg sync.WaitGroup

	mu       sync.Mutex
	apps     map[string]*appState
	links    map[*websocket.Conn]*linkConn
	settings map[string]map[string]any // service -> key -> value
	started  bool
	closing  bool
}

// New creates an emulator; call Start to open its listeners
func New(config Config) *Server {
	if config.Host == "" {
		config.Host = "127.0.0.1"
	}
	if config.UUID == "" {
		config.UUID = uuid.NewString()
	}
	if config.FriendlyName == "" {
		config.FriendlyName = "Emulated Cast Device"
	}
	if config.ConfirmDelay <= 0 {
		config.ConfirmDelay = DefaultConfirmDelay
	}

	s := &Server{
		config: config,
		log:    logging.Named("emulator").With(zap.String("device_id", config.UUID)),
		apps:   make(map[string]*appState),
		links:  make(map[*websocket.Conn]*linkConn),
		settings: map[string]map[string]any{
			"public":  {"volume": 5, "muted": false},
			"private": {"pairing": "disabled"},
		},
	}
	for _, name := range config.Apps {
		s.apps[name] = &appState{}
	}
	return s
}

// Start opens the HTTP, link and (optionally) SSDP listeners. It returns once
// they are accepting.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("emulator already started")
	}
	s.started = true
	s.mu.Unlock()

	appLn, err := net.Listen("tcp", net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.AppPort)))
	if err != nil {
		return fmt.Errorf("failed to listen for DIAL: %w", err)
	}
	linkLn, err := net.Listen("tcp", net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.LinkPort)))
	if err != nil {
		_ = appLn.Close()
		return fmt.Errorf("failed to listen for links: %w", err)
	}
	s.appAddr = appLn.Addr().String()
	s.linkAddr = linkLn.Addr().String()

	s.appServer = &http.Server{Handler: s.dialHandler(), ReadHeaderTimeout: 5 * time.Second}
	s.linkServer = &http.Server{Handler: s.linkHandler(), ReadHeaderTimeout: 5 * time.Second}

	if s.config.SSDPAddress != "" {
		conn, err := s.listenSSDP()
		if err != nil {
			_ = appLn.Close()
			_ = linkLn.Close()
			return err
		}
		s.ssdpConn = conn
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveSSDP(conn)
		}()
	}

	s.serve(s.appServer, appLn)
	s.serve(s.linkServer, linkLn)

	s.log.Info("Emulator started",
		zap.String("app_url", s.AppURL()),
		zap.String("link_addr", s.linkAddr),
		zap.String("ssdp", s.SSDPAddr()),
		zap.Strings("apps", s.config.Apps),
	)
	return nil
}

func (s *Server) serve(srv *http.Server, ln net.Listener) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Listener failed", zap.String("addr", ln.Addr().String()), zap.Error(err))
		}
	}()
}

// Shutdown closes the listeners and every link, then waits for goroutines
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down emulator")

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
	}

	if s.ssdpConn != nil {
		_ = s.ssdpConn.Close()
	}

	s.mu.Lock()
	s.closing = true
	for conn := range s.links {
		_ = conn.Close()
	}
	s.mu.Unlock()

	var errs []error
	for _, srv := range []*http.Server{s.appServer, s.linkServer} {
		if srv != nil {
			errs = append(errs, srv.Shutdown(ctx))
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("Shutdown timeout, forcing close")
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

// UUID returns the device identity
func (s *Server) UUID() string {
	return s.config.UUID
}

// AppURL returns the DIAL application base URL
func (s *Server) AppURL() string {
	return "http://" + s.appAddr + "/apps/"
}

// DescriptionURL returns the device description location
func (s *Server) DescriptionURL() string {
	return "http://" + s.appAddr + "/dd.xml"
}

// LinkEndpoint returns the WebSocket URL for a link path
func (s *Server) LinkEndpoint(path string) string {
	host, port, _ := net.SplitHostPort(s.linkAddr)
	n, _ := strconv.Atoi(port)
	return urls.LinkEndpoint(host, n, path)
}

// LinkPort returns the bound link port
func (s *Server) LinkPort() int {
	_, port, _ := net.SplitHostPort(s.linkAddr)
	n, _ := strconv.Atoi(port)
	return n
}

// SSDPAddr returns the bound SSDP address, empty when disabled
func (s *Server) SSDPAddr() string {
	if s.ssdpConn == nil {
		return ""
	}
	return s.ssdpConn.LocalAddr().String()
}

// Running reports whether the named application is running
func (s *Server) Running(app string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.apps[app]
	return ok && a.running
}

// ActiveLinks returns the number of open link connections
func (s *Server) ActiveLinks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}
