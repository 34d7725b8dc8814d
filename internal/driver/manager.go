package driver

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/muurk/castlink/internal/casterr"
	"github.com/muurk/castlink/internal/dispatch"
	"github.com/muurk/castlink/internal/link"
	"github.com/muurk/castlink/internal/logging"
	"github.com/muurk/castlink/internal/urls"
	"go.uber.org/zap"
)

// Options configures a Manager
type Options struct {
	// PrivateSettingsEnabled opens the capability gate for private settings
	PrivateSettingsEnabled bool

	// LinkPort is the device port used for default link endpoints
	LinkPort int

	// Builder creates links; defaults to WebSocket links
	Builder link.Builder

	// Queue delivers callbacks; a private queue is created when nil
	Queue *dispatch.Queue
}

// Message is a routed link message
type Message struct {
	Module  Module
	Service string
	Payload json.RawMessage
}

// Delegate receives unsolicited notifications. Calls are serialized on the
// Manager's queue.
type Delegate interface {
	// ModuleDisconnected reports a link lost while the module was connected
	ModuleDisconnected(module Module, err error)

	// ModuleMessage reports a message routed to module
	ModuleMessage(msg Message)
}

// pending collects the callbacks waiting on one in-flight transition
type pending struct {
	waiters []func(error)
}

func newPending(done func(error)) *pending {
	p := &pending{}
	p.add(done)
	return p
}

func (p *pending) add(done func(error)) {
	if done != nil {
		p.waiters = append(p.waiters, done)
	}
}

// fire posts the outcome to every waiter. A pending is fired once and then
// forgotten by its owner.
func (p *pending) fire(q *dispatch.Queue, err error) {
	for _, w := range p.waiters {
		q.Post(func() { w(err) })
	}
	p.waiters = nil
}

// Manager owns the module-to-link mapping of one device
type Manager struct {
	host      string
	opts      Options
	queue     *dispatch.Queue
	ownsQueue bool
	log       *zap.Logger

	mu           sync.Mutex
	states       map[Module]ConnectionState
	links        map[Module]link.Link
	connecting   map[Module]*pending
	disconnects  map[Module]*pending
	observers    map[Module]map[int]func(Message)
	nextObserver int
	delegate     Delegate
}

// NewManager creates a Manager for the device at host
func NewManager(host string, opts Options) *Manager {
	if opts.Builder == nil {
		opts.Builder = link.WebSocketBuilder()
	}
	if opts.LinkPort <= 0 {
		opts.LinkPort = urls.DefaultLinkPort
	}

	m := &Manager{
		host:        host,
		opts:        opts,
		queue:       opts.Queue,
		log:         logging.Named("driver").With(zap.String("host", host)),
		states:      make(map[Module]ConnectionState),
		links:       make(map[Module]link.Link),
		connecting:  make(map[Module]*pending),
		disconnects: make(map[Module]*pending),
		observers:   make(map[Module]map[int]func(Message)),
	}
	if m.queue == nil {
		m.queue = dispatch.NewQueue()
		m.ownsQueue = true
	}
	return m
}

// SetDelegate installs the delegate for unsolicited notifications
func (m *Manager) SetDelegate(d Delegate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delegate = d
}

// Queue returns the queue callbacks are delivered on
func (m *Manager) Queue() *dispatch.Queue {
	return m.queue
}

// State returns the connection state of module
func (m *Manager) State(module Module) ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[module]
}

// LinkURL returns the endpoint of the link module is mapped to, if any
func (m *Manager) LinkURL(module Module) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.links[module]; ok {
		return l.URL()
	}
	return ""
}

// DefaultEndpoint returns the endpoint a module connects to when no explicit
// URL is given. Both settings modules share one endpoint.
func (m *Manager) DefaultEndpoint(module Module) string {
	if module == ModuleApplication {
		return urls.LinkEndpoint(m.host, m.opts.LinkPort, urls.ApplicationLinkPath)
	}
	return urls.LinkEndpoint(m.host, m.opts.LinkPort, urls.SettingsLinkPath)
}

// Connect connects module, sharing an existing link to the same endpoint when
// one is connected or connecting. A link to the endpoint that is still
// closing is neither joined nor duplicated; the connect fails with
// ModuleNotConnected. An empty linkURL selects the default endpoint. done
// receives the outcome on the Manager's queue.
func (m *Manager) Connect(module Module, linkURL string, done func(error)) {
	m.mu.Lock()

	if module == ModulePrivateSettings && !m.opts.PrivateSettingsEnabled {
		m.mu.Unlock()
		m.post(done, casterr.NewConfigurationNotAllowedError(module.String()))
		return
	}

	switch m.states[module] {
	case StateConnected:
		m.mu.Unlock()
		m.post(done, nil)
		return
	case StateConnecting:
		m.connecting[module].add(done)
		m.mu.Unlock()
		return
	case StateDisconnecting:
		m.mu.Unlock()
		err := casterr.NewModuleNotConnectedError(module.String())
		err.Message = "module is disconnecting"
		m.post(done, err)
		return
	}

	endpoint := linkURL
	if endpoint == "" {
		endpoint = m.DefaultEndpoint(module)
	}
	log := m.log.With(zap.String("module", module.String()), zap.String("endpoint", endpoint))

	if shared, state := m.findLinkLocked(module, endpoint); shared != nil {
		if state == StateDisconnecting {
			m.mu.Unlock()
			err := casterr.NewModuleNotConnectedError(module.String())
			err.Message = "link to endpoint is closing"
			log.Info("Endpoint link is closing, connect refused")
			m.post(done, err)
			return
		}
		m.links[module] = shared
		m.states[module] = state
		if state == StateConnected {
			m.mu.Unlock()
			log.Info("Module joined connected link")
			m.post(done, nil)
			return
		}
		m.connecting[module] = newPending(done)
		m.mu.Unlock()
		log.Info("Module joined connecting link")
		return
	}

	l := m.opts.Builder(endpoint, linkHandler{m})
	m.links[module] = l
	m.states[module] = StateConnecting
	m.connecting[module] = newPending(done)
	m.mu.Unlock()

	log.Info("Opening link")
	if err := l.Open(); err != nil {
		log.Warn("Link endpoint rejected", zap.Error(err))
		m.rollbackOpen(l, endpoint, err)
	}
}

// findLinkLocked returns a link to endpoint already used by another module,
// with the state the joining module should take. StateDisconnecting means
// the only link to endpoint is closing and must not be joined or duplicated.
func (m *Manager) findLinkLocked(module Module, endpoint string) (link.Link, ConnectionState) {
	var connecting, closing link.Link
	for other, l := range m.links {
		if other == module || l.URL() != endpoint {
			continue
		}
		switch m.states[other] {
		case StateConnected:
			return l, StateConnected
		case StateConnecting:
			connecting = l
		case StateDisconnecting:
			closing = l
		}
	}
	if connecting != nil {
		return connecting, StateConnecting
	}
	if closing != nil {
		return closing, StateDisconnecting
	}
	return nil, StateDisconnected
}

// rollbackOpen undoes a Connect whose link failed to open synchronously. Any
// module that joined the link in the meantime fails too, and pending
// disconnects of those modules complete.
func (m *Manager) rollbackOpen(l link.Link, endpoint string, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for module, ml := range m.links {
		if ml != l {
			continue
		}
		delete(m.links, module)
		m.states[module] = StateDisconnected
		if p := m.connecting[module]; p != nil {
			p.fire(m.queue, casterr.NewInvalidEndpointError(module.String(), endpoint, cause))
			delete(m.connecting, module)
		}
		// A Disconnect issued while Open ran has nothing left to close
		if p := m.disconnects[module]; p != nil {
			p.fire(m.queue, nil)
			delete(m.disconnects, module)
		}
	}
}

// Disconnect disconnects module. A link still used by another module stays
// open; otherwise it is closed and done fires once it is down.
func (m *Manager) Disconnect(module Module, done func(error)) {
	m.mu.Lock()

	l, ok := m.links[module]
	if !ok {
		m.mu.Unlock()
		m.post(done, casterr.NewModuleNotConnectedError(module.String()))
		return
	}

	if p := m.disconnects[module]; p != nil {
		p.add(done)
		m.mu.Unlock()
		return
	}

	log := m.log.With(zap.String("module", module.String()), zap.String("endpoint", l.URL()))

	if m.sharedLocked(module, l) {
		delete(m.links, module)
		m.states[module] = StateDisconnected
		if p := m.connecting[module]; p != nil {
			err := casterr.NewModuleNotConnectedError(module.String())
			err.Message = "disconnected before the link opened"
			p.fire(m.queue, err)
			delete(m.connecting, module)
		}
		m.mu.Unlock()
		log.Info("Module left shared link")
		m.post(done, nil)
		return
	}

	m.states[module] = StateDisconnecting
	m.disconnects[module] = newPending(done)
	m.mu.Unlock()

	log.Info("Closing link")
	l.Close()
}

// sharedLocked reports whether any module other than module maps to l
func (m *Manager) sharedLocked(module Module, l link.Link) bool {
	for other, ml := range m.links {
		if other != module && ml == l {
			return true
		}
	}
	return false
}

// Send forwards payload on module's link and relays the correlated reply
func (m *Manager) Send(ctx context.Context, module Module, payload json.RawMessage, done func(json.RawMessage, error)) {
	m.mu.Lock()
	l, ok := m.links[module]
	m.mu.Unlock()

	if !ok {
		err := casterr.NewModuleNotConnectedError(module.String())
		m.queue.Post(func() {
			if done != nil {
				done(nil, err)
			}
		})
		return
	}

	go func() {
		reply, err := l.Send(ctx, module.Domain(), payload)
		m.queue.Post(func() {
			if done != nil {
				done(reply, err)
			}
		})
	}()
}

// Observe subscribes fn to messages routed to module. The returned function
// cancels the subscription.
func (m *Manager) Observe(module Module, fn func(Message)) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextObserver
	m.nextObserver++
	if m.observers[module] == nil {
		m.observers[module] = make(map[int]func(Message))
	}
	m.observers[module][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.observers[module], id)
		})
	}
}

// Close drops every module mapping, closes the links without waiting and
// releases an owned queue. Pending operations fail with ModuleNotConnected;
// the delegate is not notified.
func (m *Manager) Close() {
	m.mu.Lock()
	seen := make(map[link.Link]bool)
	var toClose []link.Link
	for module, l := range m.links {
		if !seen[l] {
			seen[l] = true
			toClose = append(toClose, l)
		}
		err := casterr.NewModuleNotConnectedError(module.String())
		if p := m.connecting[module]; p != nil {
			p.fire(m.queue, err)
		}
		if p := m.disconnects[module]; p != nil {
			p.fire(m.queue, nil)
		}
		m.states[module] = StateDisconnected
	}
	m.links = make(map[Module]link.Link)
	m.connecting = make(map[Module]*pending)
	m.disconnects = make(map[Module]*pending)
	m.mu.Unlock()

	for _, l := range toClose {
		l.Close()
	}
	if m.ownsQueue {
		m.queue.Close()
	}
}

func (m *Manager) post(done func(error), err error) {
	if done == nil {
		return
	}
	m.queue.Post(func() { done(err) })
}
