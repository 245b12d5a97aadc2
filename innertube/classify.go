package innertube

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/chat-tender/auth"
)

// Class buckets upstream failures by how the polling session should react.
type Class int

const (
	// ClassTransient failures (network, timeout, 5xx) are retried with
	// exponential backoff.
	ClassTransient Class = iota
	// ClassRateLimited failures back off with a longer floor.
	ClassRateLimited
	// ClassAuth failures mean the credentials are expired or rejected; the
	// session surfaces them and never retries automatically.
	ClassAuth
	// ClassContinuation failures mean the token itself was rejected; one
	// page-reload attempt is worth trying before giving up.
	ClassContinuation
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate_limited"
	case ClassAuth:
		return "auth"
	case ClassContinuation:
		return "continuation"
	default:
		return "unknown"
	}
}

// UpstreamError is a non-2xx response from the upstream service.
type UpstreamError struct {
	Status     int
	Class      Class
	RetryAfter time.Duration
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream status %d (%s)", e.Status, e.Class)
}

func upstreamError(resp *http.Response) *UpstreamError {
	e := &UpstreamError{
		Status: resp.StatusCode,
		Class:  classifyStatus(resp.StatusCode),
	}
	if e.Class == ClassRateLimited {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return e
}

func classifyStatus(status int) Class {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ClassAuth
	case http.StatusNotFound:
		return ClassContinuation
	case http.StatusTooManyRequests:
		return ClassRateLimited
	default:
		return ClassTransient
	}
}

// Classify maps any fetch error onto a failure class. Typed upstream errors
// carry their own class; missing credentials are an auth failure even though
// no request was sent. Anything else, including timeouts and connection
// resets, is transient for backoff purposes.
func Classify(err error) Class {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Class
	}
	if errors.Is(err, auth.ErrMissingCredential) {
		return ClassAuth
	}
	return ClassTransient
}
