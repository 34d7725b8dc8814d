package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Domain tags a message with the family of modules it belongs to
type Domain string

const (
	// DomainApplication carries application traffic
	DomainApplication Domain = "app"

	// DomainSettings carries settings traffic for both settings modules
	DomainSettings Domain = "settings"
)

// Message types
const (
	TypeRequest = "request"
	TypeReply   = "reply"
	TypeEvent   = "event"
)

var (
	// ErrNotOpen is returned by Send on a link that is not connected
	ErrNotOpen = errors.New("link is not open")

	// ErrClosed is returned for requests interrupted by the link closing
	ErrClosed = errors.New("link closed")

	// ErrAlreadyOpened is returned by a second call to Open
	ErrAlreadyOpened = errors.New("link already opened")
)

// Link is a message channel to one endpoint URL
type Link interface {
	// URL returns the endpoint this link was built for
	URL() string

	// Open validates the endpoint and starts connecting. Errors returned here
	// are synchronous failures; the outcome of the connection attempt is
	// reported to the Handler. Open must not call the Handler itself.
	Open() error

	// Close starts an orderly shutdown. The Handler receives
	// LinkDisconnected with a nil error once the link is down.
	Close()

	// Send delivers payload tagged with domain and waits for the correlated reply
	Send(ctx context.Context, domain Domain, payload json.RawMessage) (json.RawMessage, error)
}

// Handler receives link lifecycle notifications and unsolicited messages.
// Calls may arrive on any goroutine.
type Handler interface {
	LinkConnected(l Link)
	LinkDisconnected(l Link, err error)
	LinkEvent(l Link, domain Domain, payload json.RawMessage)
}

// Builder creates an unopened Link for an endpoint
type Builder func(endpoint string, h Handler) Link

// Message is the wire envelope
type Message struct {
	ID      string          `json:"id,omitempty"`
	Domain  Domain          `json:"domain"`
	Type    string          `json:"type,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *MessageError   `json:"error,omitempty"`
}

// MessageError is an error reply from the device
type MessageError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("device error (%d): %s", e.Code, e.Message)
}
