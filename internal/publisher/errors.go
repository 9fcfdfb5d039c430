package publisher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
)

// ErrInvalidRequest marks a request the adapter can never fulfil, such as
// content it cannot decode or a missing account id.
var ErrInvalidRequest = errors.New("invalid publish request")

// StepError reports which step of a multi-step publish failed, together with
// the remote ids created by the steps before it. Nothing is rolled back.
type StepError struct {
	Channel   string
	Step      string
	Completed map[string]string
	Err       error
}

func (e *StepError) Error() string {
	keys := make([]string, 0, len(e.Completed))
	for k := range e.Completed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+e.Completed[k])
	}
	return fmt.Sprintf("%s step %q failed (completed: [%s]): %v", e.Channel, e.Step, strings.Join(parts, " "), e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// RemoteError is a non-2xx answer (or an error body) from a remote API.
type RemoteError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: remote returned %d: %s", e.Op, e.StatusCode, e.Message)
}

// IsTransient reports whether err is worth retrying: timeouts, network
// failures, rate limiting and 5xx responses.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrInvalidRequest) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.StatusCode == http.StatusTooManyRequests || re.StatusCode >= 500
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// IsAuthFailure reports a rejected or revoked credential.
func IsAuthFailure(err error) bool {
	var re *RemoteError
	if !errors.As(err, &re) {
		return false
	}
	return re.StatusCode == http.StatusUnauthorized || re.StatusCode == http.StatusForbidden
}
