package provision

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
)

var (
	// ErrNoAddress is returned for devices that have not been resolved yet
	ErrNoAddress = errors.New("device has no address")

	// ErrRejected is returned when the device refuses or does not confirm
	// the node id it was sent
	ErrRejected = errors.New("device rejected claim")
)

// ErrorKind is the category of a request failure
type ErrorKind int

const (
	// KindNetwork covers connection-level failures
	KindNetwork ErrorKind = iota
	// KindTimeout indicates the request timed out
	KindTimeout
	// KindHTTP indicates a non-200 response
	KindHTTP
	// KindParse indicates a malformed response body
	KindParse
)

// String returns a human-readable name for the kind
func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network error"
	case KindTimeout:
		return "timeout"
	case KindHTTP:
		return "http error"
	case KindParse:
		return "parse error"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// RequestError describes a failed request to a device.
type RequestError struct {
	Kind       ErrorKind
	Op         string // "get config" or "post config"
	Address    string
	StatusCode int
	Err        error
	Retryable  bool
}

// Error implements the error interface
func (e *RequestError) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Op, e.Address, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection
func (e *RequestError) Unwrap() error {
	return e.Err
}

// classify wraps a transport error. DNS failures are not retryable.
func classify(op, address string, err error) *RequestError {
	re := &RequestError{Kind: KindNetwork, Op: op, Address: address, Err: err, Retryable: true}

	var urlErr *url.Error
	if (errors.As(err, &urlErr) && urlErr.Timeout()) || os.IsTimeout(err) {
		re.Kind = KindTimeout
		return re
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		re.Retryable = false
		return re
	}

	return re
}

func httpError(op, address string, status int) *RequestError {
	return &RequestError{
		Kind:       KindHTTP,
		Op:         op,
		Address:    address,
		StatusCode: status,
		Retryable:  status >= 500,
	}
}

func parseError(op, address string, err error) *RequestError {
	return &RequestError{Kind: KindParse, Op: op, Address: address, Err: err}
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Retryable
	}
	return false
}
