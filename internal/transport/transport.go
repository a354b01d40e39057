package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// ErrTimeout marks a call that ran out of time, either for one attempt or for good.
var ErrTimeout = errors.New("transport: request timed out")

type Request struct {
	Method string
	URL    string
	// Cacheable requests may be answered from a response cache.
	Cacheable bool
}

func Get(url string) Request {
	return Request{Method: http.MethodGet, URL: url}
}

type Response struct {
	StatusCode int
	Body       []byte
	// Next is the URL of the following page, empty on the last page.
	Next string
}

// Caller performs one logical request against the provider API.
type Caller interface {
	Call(ctx context.Context, req Request) (*Response, error)
}

type CallerFunc func(ctx context.Context, req Request) (*Response, error)

func (f CallerFunc) Call(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// StatusError is a non-2xx answer from the provider.
type StatusError struct {
	URL         string
	StatusCode  int
	Message     string
	RateLimited bool
}

func (e *StatusError) Error() string {
	if e.RateLimited {
		return fmt.Sprintf("%s: status %d (rate limited): %s", e.URL, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: status %d: %s", e.URL, e.StatusCode, e.Message)
}

// IsTransient reports whether err is worth retrying: timeouts, dropped
// connections, rate limiting and gateway errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTimeout) {
		return true
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		case http.StatusForbidden:
			return se.RateLimited
		}
		return false
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return true
	}
	return false
}
