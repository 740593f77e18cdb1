// Package errors adapts the broker's error taxonomy (pkg/errors) to the
// two surfaces that report it to a client: the HTTP decorator below, and
// CloseReason for the WebSocket close frame spec.md §7 sends on a
// connection-handler rejection. Both read the same *errors.Error; they
// differ only in how little of it a transport lets them say.
package errors

import (
	"net/http"

	"github.com/stacklok/demo-session-broker/pkg/errors"
	"github.com/stacklok/demo-session-broker/pkg/logger"
)

// HandlerWithError is an HTTP handler that can return an error.
// This signature allows handlers to return errors instead of manually
// writing error responses, enabling centralized error handling.
type HandlerWithError func(http.ResponseWriter, *http.Request) error

// ErrorHandler wraps a HandlerWithError and converts returned errors
// into appropriate HTTP responses.
//
// The decorator:
//   - Returns early if no error is returned (handler already wrote response)
//   - Extracts HTTP status code from the error using errors.Code()
//   - For 5xx errors: logs full error details, returns generic message to client
//   - For 4xx errors: returns error message to client
//
// Usage:
//
//	r.Get("/invites", apierrors.ErrorHandler(srv.handleListInvites))
func ErrorHandler(fn HandlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			// No error returned, handler already wrote the response
			return
		}

		// Extract HTTP status code from the error
		code := errors.Code(err)

		// For 5xx errors, log the full error but return a generic message
		if code >= http.StatusInternalServerError {
			logger.Errorf("Internal server error: %v", err)
			http.Error(w, http.StatusText(code), code)
			return
		}

		// For 4xx errors, return the error message to the client
		http.Error(w, err.Error(), code)
	}
}

// maxCloseReasonBytes is the largest reason a WebSocket close control
// frame can carry: RFC 6455 caps a control frame payload at 125 bytes,
// and the first 2 hold the close code itself.
const maxCloseReasonBytes = 123

// CloseReason formats err for pkg/wsconn's policy-violation close frame
// (spec.md §7: every connection-handler rejection closes with code 1008).
// Unlike ErrorHandler there is no severity branch and nothing is logged
// here — a close frame has no response body to keep terse for 5xx and no
// caller to hand a logger to, so the full "<ERR_CODE>: message" always
// goes out, truncated to what the frame can hold.
func CloseReason(err error) string {
	s := err.Error()
	if len(s) > maxCloseReasonBytes {
		return s[:maxCloseReasonBytes]
	}
	return s
}
