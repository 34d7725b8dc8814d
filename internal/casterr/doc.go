// Package casterr defines the error taxonomy shared by the castlink driver
// and session packages.
//
// Link- and HTTP-level failures are translated into *Error values at the
// manager and controller boundary before they reach callers. Each error
// carries enough context (module, target URL, HTTP status) for the caller to
// decide whether to retry:
//
//	err := <-done
//	if errors.Is(err, casterr.ErrConfirmationTimeout) {
//	    // the device accepted the start command but never attached
//	}
//
//	var ce *casterr.Error
//	if errors.As(err, &ce) && ce.StatusCode == http.StatusNotFound {
//	    // unknown application
//	}
//
// Transport errors from net/http are classified with ClassifyNetworkError
// into timeout, DNS, connection-refused or generic network kinds.
package casterr
