package driver

import (
	"encoding/json"

	"github.com/muurk/castlink/internal/casterr"
	"github.com/muurk/castlink/internal/link"
	"go.uber.org/zap"
)

// linkHandler receives link callbacks on behalf of a Manager
type linkHandler struct {
	m *Manager
}

func (h linkHandler) LinkConnected(l link.Link) {
	h.m.linkConnected(l)
}

func (h linkHandler) LinkDisconnected(l link.Link, err error) {
	h.m.linkDisconnected(l, err)
}

func (h linkHandler) LinkEvent(l link.Link, domain link.Domain, payload json.RawMessage) {
	h.m.route(domain, payload)
}

// linkConnected marks every module mapped to l connected and fires their
// pending connects
func (m *Manager) linkConnected(l link.Link) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mapped := false
	for module, ml := range m.links {
		if ml != l {
			continue
		}
		mapped = true
		if m.states[module] == StateDisconnecting {
			// Close already requested; linkDisconnected settles this module
			continue
		}
		m.states[module] = StateConnected
		if p := m.connecting[module]; p != nil {
			p.fire(m.queue, nil)
			delete(m.connecting, module)
		}
		m.log.Info("Module connected", zap.String("module", module.String()), zap.String("endpoint", l.URL()))
	}

	if !mapped {
		// Every module left while the link was opening
		m.log.Debug("Closing orphaned link", zap.String("endpoint", l.URL()))
		go l.Close()
	}
}

// linkDisconnected resolves pending work of every module mapped to l and
// reports unsolicited loss to the delegate
func (m *Manager) linkDisconnected(l link.Link, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for module, ml := range m.links {
		if ml != l {
			continue
		}

		delete(m.links, module)
		m.states[module] = StateDisconnected
		handled := false

		if p := m.connecting[module]; p != nil {
			p.fire(m.queue, casterr.NewLinkConnectionLostError(module.String(), l.URL(), cause))
			delete(m.connecting, module)
			handled = true
		}
		if p := m.disconnects[module]; p != nil {
			var err error
			if cause != nil {
				err = casterr.NewLinkConnectionLostError(module.String(), l.URL(), cause)
			}
			p.fire(m.queue, err)
			delete(m.disconnects, module)
			handled = true
		}

		log := m.log.With(zap.String("module", module.String()), zap.String("endpoint", l.URL()))
		if handled {
			log.Info("Module disconnected")
			continue
		}

		log.Warn("Link lost", zap.Error(cause))
		if d := m.delegate; d != nil {
			lost := casterr.NewLinkConnectionLostError(module.String(), l.URL(), cause)
			mod := module
			m.queue.Post(func() { d.ModuleDisconnected(mod, lost) })
		}
	}
}

// route delivers a link message to the module it belongs to
func (m *Manager) route(domain link.Domain, payload json.RawMessage) {
	var module Module
	service := ""

	switch domain {
	case link.DomainApplication:
		module = ModuleApplication
	case link.DomainSettings:
		service = serviceOf(payload)
		switch service {
		case ServicePublic:
			module = ModulePublicSettings
		case ServicePrivate:
			if !m.opts.PrivateSettingsEnabled {
				m.log.Debug("Dropping private settings message, capability disabled")
				return
			}
			module = ModulePrivateSettings
		default:
			m.log.Warn("Settings message with unknown service", zap.String("service", service))
			return
		}
	default:
		m.log.Warn("Message with unknown domain", zap.String("domain", string(domain)))
		return
	}

	msg := Message{Module: module, Service: service, Payload: payload}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, fn := range m.observers[module] {
		m.queue.Post(func() { fn(msg) })
	}
	if d := m.delegate; d != nil {
		m.queue.Post(func() { d.ModuleMessage(msg) })
	}
}

func serviceOf(payload json.RawMessage) string {
	var envelope struct {
		Service string `json:"service"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return ""
	}
	return envelope.Service
}
