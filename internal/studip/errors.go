package studip

import (
	"errors"
	"fmt"
)

// ErrAuth is returned when the Stud.IP instance rejects the credentials.
// The launcher aborts the mount when it sees this error.
var ErrAuth = errors.New("studip: credentials rejected")

// CrawlErrorKind classifies a failed REST request.
type CrawlErrorKind int

const (
	// KindTimeout is a connect or read timeout.
	KindTimeout CrawlErrorKind = iota + 1

	// KindHTTPStatus is a non-2xx response.
	KindHTTPStatus

	// KindProtocol is a transport-level failure (refused, reset, TLS).
	KindProtocol

	// KindParse is a malformed response body.
	KindParse

	// KindEndpointMissing is a route absent from the discovery document.
	KindEndpointMissing
)

func (k CrawlErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindHTTPStatus:
		return "http-status"
	case KindProtocol:
		return "protocol"
	case KindParse:
		return "parse"
	case KindEndpointMissing:
		return "endpoint-missing"
	default:
		return "unknown"
	}
}

// CrawlError is the typed failure of one REST request. It is recorded
// on the owning node or cache entry and replayed to every consumer.
type CrawlError struct {
	Kind     CrawlErrorKind
	Endpoint string
	Status   int
	Err      error
}

func (e *CrawlError) Error() string {
	if e.Kind == KindHTTPStatus {
		return fmt.Sprintf("studip: %s on %q: HTTP %d", e.Kind, e.Endpoint, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("studip: %s on %q: %v", e.Kind, e.Endpoint, e.Err)
	}

	return fmt.Sprintf("studip: %s on %q", e.Kind, e.Endpoint)
}

func (e *CrawlError) Unwrap() error {
	return e.Err
}

func crawlErr(kind CrawlErrorKind, endpoint string, err error) *CrawlError {
	return &CrawlError{Kind: kind, Endpoint: endpoint, Err: err}
}
