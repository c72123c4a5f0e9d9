package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type ErrorKind string

const (
	KindTimeout            ErrorKind = "timeout"
	KindConnection         ErrorKind = "connection"
	KindAuth               ErrorKind = "auth"
	KindAccessDenied       ErrorKind = "access_denied"
	KindBadRequest         ErrorKind = "bad_request"
	KindRateLimited        ErrorKind = "rate_limited"
	KindServerError        ErrorKind = "server_error"
	KindServiceUnavailable ErrorKind = "service_unavailable"
	KindInvalidVerdict     ErrorKind = "invalid_verdict"
	KindUnexpected         ErrorKind = "unexpected"
)

// Retryable reports whether another attempt could plausibly succeed.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindAuth, KindAccessDenied, KindBadRequest, KindInvalidVerdict:
		return false
	default:
		return true
	}
}

var (
	ErrClassificationUnavailable = errors.New("classification unavailable")
	ErrInvalidVerdict            = errors.New("invalid verdict")
)

// ClassifierError describes one failed remote call.
type ClassifierError struct {
	Kind       ErrorKind
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *ClassifierError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("classifier %s (http %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("classifier %s: %v", e.Kind, e.Err)
}

func (e *ClassifierError) Unwrap() error { return e.Err }

// UnavailableError is returned once the retry loop gives up.
type UnavailableError struct {
	Kind      ErrorKind
	Attempts  int
	Exhausted bool
	Err       error
}

func (e *UnavailableError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("classification unavailable after %d attempts (last %s): %v", e.Attempts, e.Kind, e.Err)
	}
	return fmt.Sprintf("classification unavailable (%s, not retried): %v", e.Kind, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrClassificationUnavailable }

func invalidVerdict(format string, args ...any) *ClassifierError {
	return &ClassifierError{Kind: KindInvalidVerdict, Err: fmt.Errorf("%w: %s", ErrInvalidVerdict, fmt.Sprintf(format, args...))}
}

// asClassifierError normalises any error returned by a provider.
func asClassifierError(err error) *ClassifierError {
	var ce *ClassifierError
	if errors.As(err, &ce) {
		return ce
	}
	return &ClassifierError{Kind: transportKind(err), Err: err}
}

func transportKind(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindUnexpected
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindConnection
	}
	return KindConnection
}

func httpError(resp *http.Response, detail string) *ClassifierError {
	return &ClassifierError{
		Kind:       kindForStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		Err:        fmt.Errorf("%s", strings.TrimSpace(detail)),
	}
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
