package emulator

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/muurk/castlink/internal/link"
	"github.com/muurk/castlink/internal/logging"
	"github.com/muurk/castlink/internal/urls"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Maximum message size accepted from a client
	maxMessageSize = 64 * 1024
)

// Error codes carried in link replies
const (
	codeBadRequest   = 400
	codeNotFound     = 404
	codeWrongChannel = 409
)

// linkConn is one accepted link; writes are serialized
type linkConn struct {
	conn   *websocket.Conn
	path   string
	remote string

	writeMu sync.Mutex
}

func (c *linkConn) write(msg link.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	logging.LogLinkMessage(c.remote, "sent", string(msg.Domain), data)
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// settingsRequest is the payload of a settings-domain request
type settingsRequest struct {
	Service string          `json:"service"`
	Op      string          `json:"op"`
	Key     string          `json:"key,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
}

func eventMessage(domain link.Domain, payload []byte) link.Message {
	return link.Message{Domain: domain, Type: link.TypeEvent, Payload: payload}
}

func replyError(req link.Message, code int, message string) link.Message {
	return link.Message{
		ID:     req.ID,
		Domain: req.Domain,
		Type:   link.TypeReply,
		Error:  &link.MessageError{Code: code, Message: message},
	}
}

func (s *Server) linkHandler() http.Handler {
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+urls.ApplicationLinkPath, s.handleLink)
	mux.HandleFunc("GET "+urls.SettingsLinkPath, s.handleLink)
	return mux
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Link upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	c := &linkConn{conn: conn, path: r.URL.Path, remote: r.RemoteAddr}
	conn.SetReadLimit(maxMessageSize)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.links[conn] = c
	active := len(s.links)
	s.mu.Unlock()

	logging.LogConnection(c.remote, "link_opened")
	s.log.Info("Link accepted",
		zap.String("remote_addr", c.remote),
		zap.String("path", c.path),
		zap.Int("active_links", active),
	)

	defer func() {
		s.mu.Lock()
		delete(s.links, conn)
		s.mu.Unlock()
		_ = conn.Close()
		logging.LogConnection(c.remote, "link_closed")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				s.log.Debug("Link read ended", zap.String("remote_addr", c.remote), zap.Error(err))
			}
			return
		}
		logging.LogLinkMessage(c.remote, "received", "", data)

		var msg link.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("Malformed link message", zap.String("remote_addr", c.remote), zap.Error(err))
			continue
		}
		if msg.Type != "" && msg.Type != link.TypeRequest {
			continue
		}

		if err := c.write(s.handleRequest(c, msg)); err != nil {
			s.log.Debug("Link write failed", zap.String("remote_addr", c.remote), zap.Error(err))
			return
		}
	}
}

// handleRequest builds the reply for one request received on c
func (s *Server) handleRequest(c *linkConn, req link.Message) link.Message {
	switch {
	case c.path == urls.ApplicationLinkPath && req.Domain == link.DomainApplication:
		return link.Message{ID: req.ID, Domain: req.Domain, Type: link.TypeReply, Payload: req.Payload}
	case c.path == urls.SettingsLinkPath && req.Domain == link.DomainSettings:
		return s.handleSettings(req)
	default:
		return replyError(req, codeWrongChannel, "domain "+string(req.Domain)+" is not served on "+c.path)
	}
}

func (s *Server) handleSettings(req link.Message) link.Message {
	var body settingsRequest
	if err := json.Unmarshal(req.Payload, &body); err != nil {
		return replyError(req, codeBadRequest, "malformed settings request")
	}

	s.mu.Lock()
	values, ok := s.settings[body.Service]
	if !ok {
		s.mu.Unlock()
		return replyError(req, codeNotFound, "unknown settings service "+body.Service)
	}

	switch body.Op {
	case "", "get":
		snapshot := map[string]any{"service": body.Service}
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			snapshot[k] = values[k]
		}
		s.mu.Unlock()

		payload, _ := json.Marshal(snapshot)
		return link.Message{ID: req.ID, Domain: req.Domain, Type: link.TypeReply, Payload: payload}

	case "set":
		if body.Key == "" {
			s.mu.Unlock()
			return replyError(req, codeBadRequest, "set requires a key")
		}
		var value any
		if err := json.Unmarshal(body.Value, &value); err != nil {
			s.mu.Unlock()
			return replyError(req, codeBadRequest, "set requires a JSON value")
		}
		values[body.Key] = value
		s.mu.Unlock()

		changed, _ := json.Marshal(map[string]any{"service": body.Service, "key": body.Key, "value": value})
		n := s.broadcast(urls.SettingsLinkPath, eventMessage(link.DomainSettings, changed))
		s.log.Info("Setting changed",
			zap.String("service", body.Service),
			zap.String("key", body.Key),
			zap.Int("notified_links", n),
		)
		return link.Message{ID: req.ID, Domain: req.Domain, Type: link.TypeReply, Payload: json.RawMessage(`{"ok":true}`)}

	default:
		s.mu.Unlock()
		return replyError(req, codeBadRequest, "unknown settings op "+body.Op)
	}
}

// broadcast writes msg to every link accepted on path and returns how many
// received it
func (s *Server) broadcast(path string, msg link.Message) int {
	s.mu.Lock()
	targets := make([]*linkConn, 0, len(s.links))
	for _, c := range s.links {
		if c.path == path {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	sent := 0
	for _, c := range targets {
		if err := c.write(msg); err != nil {
			s.log.Debug("Broadcast write failed", zap.String("remote_addr", c.remote), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}
