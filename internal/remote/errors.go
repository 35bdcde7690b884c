// internal/remote/errors.go
package remote

import (
	"errors"
	"fmt"
)

// ErrEmptyStatus is returned by UpdateStatus before any request is made
var ErrEmptyStatus = errors.New("status must not be empty")

// ErrIncompleteMachine is wrapped in a DecodeError when a successful status
// response lacks the machine id or status.
var ErrIncompleteMachine = errors.New("machine record missing id or status")

// NetworkError means the request never got a response: DNS failure,
// connection refused, timeout.
type NetworkError struct {
	Op  string
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: request to %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// RemoteError means the server answered with a non-2xx status
type RemoteError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: server returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: server returned %d: %s", e.Op, e.StatusCode, e.Body)
}

// DecodeError means a 2xx response body could not be parsed
type DecodeError struct {
	Op  string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: decode response: %v", e.Op, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsNetwork reports whether err is or wraps a *NetworkError
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsRemote reports whether err is or wraps a *RemoteError
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}

// StatusCode extracts the HTTP status from a wrapped *RemoteError
func StatusCode(err error) (int, bool) {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.StatusCode, true
	}
	return 0, false
}
