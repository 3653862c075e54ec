package resilience

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"syscall"
)

// StatusError is a non-2xx response from the analysis service.
type StatusError struct {
	Op         string
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	msg := e.Op + ": status " + strconv.Itoa(e.StatusCode)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// NewStatusError builds a StatusError for op.
func NewStatusError(op string, statusCode int, detail string) *StatusError {
	return &StatusError{Op: op, StatusCode: statusCode, Detail: strings.TrimSpace(detail)}
}

// IsTransient reports whether err is safe to retry at the transport level:
// transient HTTP statuses, network timeouts, connection resets and DNS hiccups.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		return IsTransientHTTPStatus(se.StatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"timed out waiting for response headers",
		"server closed idle connection",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus reports whether the status code indicates a
// transient server-side issue.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
