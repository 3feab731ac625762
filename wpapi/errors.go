package wpapi

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failed request.
type Kind int

const (
	KindNetwork Kind = iota + 1
	KindTimeout
	KindRateLimited
	KindServer
	KindClient
	KindMalformed
)

// Sentinel errors matching each Kind, for use with errors.Is.
var (
	ErrNetwork     = errors.New("network error")
	ErrTimeout     = errors.New("request timed out")
	ErrRateLimited = errors.New("rate limited")
	ErrServer      = errors.New("server error")
	ErrClient      = errors.New("client error")
	ErrMalformed   = errors.New("malformed response")
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate_limited"
	case KindServer:
		return "server"
	case KindClient:
		return "client"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindNetwork:
		return ErrNetwork
	case KindTimeout:
		return ErrTimeout
	case KindRateLimited:
		return ErrRateLimited
	case KindServer:
		return ErrServer
	case KindClient:
		return ErrClient
	case KindMalformed:
		return ErrMalformed
	default:
		return nil
	}
}

// Retryable reports whether requests failing with this kind are retried.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindRateLimited, KindServer:
		return true
	default:
		return false
	}
}

// FetchError describes a request that failed after all permitted attempts,
// or a single attempt's failure while retrying.
type FetchError struct {
	Kind       Kind
	URL        string
	StatusCode int
	// RetryAfter is the server's wait hint on a 429. HasRetryAfter tells a
	// hint of zero apart from no hint.
	RetryAfter    time.Duration
	HasRetryAfter bool
	// Code is the WordPress error code from a JSON error body, if any.
	Code     string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	prefix := "request failed"
	if s := e.Kind.sentinel(); s != nil {
		prefix = s.Error()
	}

	msg := fmt.Sprintf("%s: GET %s", prefix, e.URL)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind's sentinel and the underlying cause.
func (e *FetchError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Retryable reports whether the failure is worth another attempt.
func (e *FetchError) Retryable() bool {
	return e.Kind.Retryable()
}
