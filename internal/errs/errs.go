// Package errs defines the error taxonomy shared by the feedsync client
// components. Callers classify failures with errors.Is against the
// sentinels below; *StatusError carries the HTTP details when the failure
// came from a remote response.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrNetworkUnavailable is returned when an operation needs the remote
	// source but the connectivity signal reports offline. No network call
	// is attempted.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrInvalidResponse covers malformed or non-2xx HTTP responses.
	ErrInvalidResponse = errors.New("invalid response")

	// ErrAuthenticationRejected is a 401 from any endpoint.
	ErrAuthenticationRejected = errors.New("authentication rejected")

	// ErrDecodingFailure is a payload that could not be decoded.
	ErrDecodingFailure = errors.New("decoding failure")

	// ErrDownloadFailed is a non-2xx status or transport error during a
	// file transfer.
	ErrDownloadFailed = errors.New("download failed")

	// ErrFileIO is a local disk write, rename or delete error.
	ErrFileIO = errors.New("file i/o failure")

	// ErrInvalidURL is returned when a request or download URL cannot be
	// resolved against the API base.
	ErrInvalidURL = errors.New("invalid url")

	// ErrNotFound is a 404 from the remote source or a missing cache row.
	ErrNotFound = errors.New("not found")
)

// StatusError describes a failed HTTP exchange.
type StatusError struct {
	// Op names the request, e.g. "GET /api/events".
	Op string
	// Status is the HTTP status code.
	Status int
	// Message is the server-provided message, if any.
	Message string
	// Kind is the taxonomy sentinel this error classifies as.
	Kind error
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: status %d", e.Op, e.Status)
}

// Unwrap returns the taxonomy sentinel.
func (e *StatusError) Unwrap() error { return e.Kind }

// IsAuthRejected reports whether err is an authentication rejection.
func IsAuthRejected(err error) bool {
	return errors.Is(err, ErrAuthenticationRejected)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}
