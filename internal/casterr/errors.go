package casterr

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"syscall"
	"time"
)

// Kind represents the category of error that occurred
type Kind int

const (
	// KindNetwork indicates a network-level error talking to a device
	KindNetwork Kind = iota
	// KindTimeout indicates an HTTP request or dial timed out
	KindTimeout
	// KindConnectionRefused indicates the device refused the connection
	KindConnectionRefused
	// KindDNS indicates a DNS resolution failure
	KindDNS
	// KindConfigurationNotAllowed indicates a module gated behind a disabled capability
	KindConfigurationNotAllowed
	// KindInvalidEndpoint indicates a link endpoint that cannot be opened
	KindInvalidEndpoint
	// KindModuleNotConnected indicates an operation on a module without a link
	KindModuleNotConnected
	// KindLinkConnectionLost indicates the link dropped while connected
	KindLinkConnectionLost
	// KindConfirmationTimeout indicates the remote application never attached to its link
	KindConfirmationTimeout
	// KindBadControlLink indicates no usable stop endpoint could be resolved
	KindBadControlLink
	// KindHTTPStatus indicates an unexpected HTTP status code
	KindHTTPStatus
	// KindNoContent indicates an HTTP response without a body
	KindNoContent
	// KindStatusParse indicates a malformed application status document
	KindStatusParse
	// KindApplicationNotStopped indicates the application still runs after a stop request
	KindApplicationNotStopped
	// KindApplicationCannotRun indicates the device rejected the start request
	KindApplicationCannotRun
)

// String returns a human-readable name for the error kind
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "Network Error"
	case KindTimeout:
		return "Timeout"
	case KindConnectionRefused:
		return "Connection Refused"
	case KindDNS:
		return "DNS Error"
	case KindConfigurationNotAllowed:
		return "Configuration Not Allowed"
	case KindInvalidEndpoint:
		return "Invalid Endpoint"
	case KindModuleNotConnected:
		return "Module Not Connected"
	case KindLinkConnectionLost:
		return "Link Connection Lost"
	case KindConfirmationTimeout:
		return "Confirmation Timeout"
	case KindBadControlLink:
		return "Bad Control Link"
	case KindHTTPStatus:
		return "HTTP Status Error"
	case KindNoContent:
		return "No Content"
	case KindStatusParse:
		return "Status Parse Error"
	case KindApplicationNotStopped:
		return "Application Not Stopped"
	case KindApplicationCannotRun:
		return "Application Cannot Run"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is the error type returned by every castlink operation.
type Error struct {
	Kind       Kind   // Category of error
	Message    string // Human-readable error message
	Module     string // Driver module involved (if any)
	Target     string // URL or endpoint involved (if any)
	StatusCode int    // HTTP status code (if applicable)
	Err        error  // Underlying error (if any)
	Retryable  bool   // Whether retrying the operation may succeed

	sentinel bool
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Module != "" {
		msg += fmt.Sprintf(" [module=%s]", e.Module)
	}
	if e.Target != "" {
		msg += fmt.Sprintf(" [target=%s]", e.Target)
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" [status=%d]", e.StatusCode)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(" (caused by: %v)", e.Err)
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's kind, so that
// errors.Is(err, casterr.ErrModuleNotConnected) matches any such error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || !t.sentinel {
		return false
	}
	return t.Kind == e.Kind
}

func sentinel(kind Kind) *Error {
	return &Error{Kind: kind, Message: kind.String(), sentinel: true}
}

// Sentinels for use with errors.Is.
var (
	ErrNetwork                 = sentinel(KindNetwork)
	ErrTimeout                 = sentinel(KindTimeout)
	ErrConfigurationNotAllowed = sentinel(KindConfigurationNotAllowed)
	ErrInvalidEndpoint         = sentinel(KindInvalidEndpoint)
	ErrModuleNotConnected      = sentinel(KindModuleNotConnected)
	ErrLinkConnectionLost      = sentinel(KindLinkConnectionLost)
	ErrConfirmationTimeout     = sentinel(KindConfirmationTimeout)
	ErrBadControlLink          = sentinel(KindBadControlLink)
	ErrHTTPStatus              = sentinel(KindHTTPStatus)
	ErrNoContent               = sentinel(KindNoContent)
	ErrStatusParse             = sentinel(KindStatusParse)
	ErrApplicationNotStopped   = sentinel(KindApplicationNotStopped)
	ErrApplicationCannotRun    = sentinel(KindApplicationCannotRun)
)

// ClassifyNetworkError analyzes a transport error and returns a more specific kind
func ClassifyNetworkError(err error, target string) *Error {
	if err == nil {
		return nil
	}

	if os.IsTimeout(err) {
		return &Error{
			Kind:      KindTimeout,
			Message:   "request timed out",
			Target:    target,
			Err:       err,
			Retryable: true,
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &Error{
			Kind:    KindDNS,
			Message: fmt.Sprintf("DNS resolution failed for %s", dnsErr.Name),
			Target:  target,
			Err:     err,
		}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && errors.Is(opErr.Err, syscall.ECONNREFUSED) {
		return &Error{
			Kind:      KindConnectionRefused,
			Message:   "device refused connection",
			Target:    target,
			Err:       err,
			Retryable: true,
		}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != err {
		return ClassifyNetworkError(urlErr.Err, target)
	}

	return &Error{
		Kind:      KindNetwork,
		Message:   "network error occurred",
		Target:    target,
		Err:       err,
		Retryable: true,
	}
}

// NewNetworkError creates a network-level error with automatic classification
func NewNetworkError(message, target string, err error) *Error {
	classified := ClassifyNetworkError(err, target)
	if classified == nil {
		return &Error{Kind: KindNetwork, Message: message, Target: target, Retryable: true}
	}
	classified.Message = message
	return classified
}

// NewConfigurationNotAllowedError reports a module whose capability gate is closed
func NewConfigurationNotAllowedError(module string) *Error {
	return &Error{
		Kind:    KindConfigurationNotAllowed,
		Message: "module is not enabled for this driver",
		Module:  module,
	}
}

// NewInvalidEndpointError reports a link endpoint that failed to open synchronously
func NewInvalidEndpointError(module, endpoint string, err error) *Error {
	return &Error{
		Kind:    KindInvalidEndpoint,
		Message: "link endpoint could not be opened",
		Module:  module,
		Target:  endpoint,
		Err:     err,
	}
}

// NewModuleNotConnectedError reports an operation on a module with no link
func NewModuleNotConnectedError(module string) *Error {
	return &Error{
		Kind:    KindModuleNotConnected,
		Message: "module is not connected",
		Module:  module,
	}
}

// NewLinkConnectionLostError reports a link that dropped
func NewLinkConnectionLostError(module, endpoint string, err error) *Error {
	return &Error{
		Kind:      KindLinkConnectionLost,
		Message:   "link connection lost",
		Module:    module,
		Target:    endpoint,
		Err:       err,
		Retryable: true,
	}
}

// NewConfirmationTimeoutError reports a start whose confirmation never arrived
func NewConfirmationTimeoutError(target string, waited time.Duration) *Error {
	return &Error{
		Kind:      KindConfirmationTimeout,
		Message:   fmt.Sprintf("no confirmation event within %s", waited),
		Target:    target,
		Retryable: true,
	}
}

// NewBadControlLinkError reports a run link that cannot be resolved
func NewBadControlLinkError(target, runLink string, err error) *Error {
	return &Error{
		Kind:    KindBadControlLink,
		Message: fmt.Sprintf("cannot resolve stop endpoint from run link %q", runLink),
		Target:  target,
		Err:     err,
	}
}

// NewHTTPStatusError reports an unexpected HTTP status code
func NewHTTPStatusError(target string, statusCode int, body []byte) *Error {
	msg := fmt.Sprintf("unexpected status code: %d", statusCode)
	if len(body) > 0 {
		snippet := string(body)
		if len(snippet) > 128 {
			snippet = snippet[:128] + "..."
		}
		msg += ": " + snippet
	}
	return &Error{
		Kind:       KindHTTPStatus,
		Message:    msg,
		Target:     target,
		StatusCode: statusCode,
		Retryable:  statusCode >= 500,
	}
}

// NewNoContentError reports a response without a body
func NewNoContentError(target string, statusCode int) *Error {
	return &Error{
		Kind:       KindNoContent,
		Message:    "response has no body",
		Target:     target,
		StatusCode: statusCode,
	}
}

// NewStatusParseError reports a malformed status document
func NewStatusParseError(target, message string, err error) *Error {
	return &Error{
		Kind:    KindStatusParse,
		Message: message,
		Target:  target,
		Err:     err,
	}
}

// NewApplicationNotStoppedError reports an application still running after stop
func NewApplicationNotStoppedError(target string) *Error {
	return &Error{
		Kind:      KindApplicationNotStopped,
		Message:   "application is still running",
		Target:    target,
		Retryable: true,
	}
}

// NewApplicationCannotRunError reports a rejected start command
func NewApplicationCannotRunError(target string, statusCode int) *Error {
	return &Error{
		Kind:       KindApplicationCannotRun,
		Message:    "device did not create the application",
		Target:     target,
		StatusCode: statusCode,
	}
}

// KindOf returns the kind of err, and false if err is not a castlink error
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsNetworkError checks if an error is a network error (including timeout, connection refused, DNS)
func IsNetworkError(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	return kind == KindNetwork || kind == KindTimeout || kind == KindConnectionRefused || kind == KindDNS
}

// IsRetryable checks if an error should be retried by the caller
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
