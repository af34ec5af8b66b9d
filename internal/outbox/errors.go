package outbox

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrDuplicate      = errors.New("duplicate operation")
	ErrClaimed        = errors.New("operation already claimed")
	ErrReadMethod     = errors.New("read requests are never queued")
	ErrEnqueue        = errors.New("enqueue failed")
	ErrNotImplemented = errors.New("not implemented")
	ErrStoreClosed    = errors.New("store closed")

	// ErrCircuitOpen means the breaker refused the call and nothing was sent.
	ErrCircuitOpen = errors.New("circuit open")
)

// HTTPError is a non-2xx response from the remote API.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Permanent reports whether retrying the same request cannot succeed.
func (e *HTTPError) Permanent() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode <= 499
}

// IsPermanent reports whether err carries a permanent delivery failure.
func IsPermanent(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Permanent()
	}
	return false
}
