package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-engine/internal/resilience"
)

// Kind classifies a provider failure.
type Kind string

const (
	// KindConfig: unknown model or provider without credentials. Detected
	// before dispatch.
	KindConfig Kind = "config"
	// KindTimeout: an attempt exceeded the per-call timeout.
	KindTimeout Kind = "timeout"
	// KindTransient: network error, rate limiting or a server-side failure.
	KindTransient Kind = "transient"
	// KindNonRetryable: the provider rejected the request.
	KindNonRetryable Kind = "non_retryable"
	// KindUnavailable: the provider's circuit is open.
	KindUnavailable Kind = "unavailable"
	// KindCanceled: the caller's context was canceled.
	KindCanceled Kind = "canceled"
)

// Retryable reports whether another attempt may succeed.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindTimeout
}

// Error is a classified provider failure.
type Error struct {
	Kind       Kind
	Provider   string
	Model      string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("provider")
	if e.Provider != "" {
		b.WriteString(" " + e.Provider)
	}
	if e.Model != "" {
		b.WriteString(" " + e.Model)
	}
	fmt.Fprintf(&b, ": %s", e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err. Unclassified errors are classified on the
// fly; nil yields "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return Classify("", "", err).Kind
}

// IsConfig reports whether err is a configuration error.
func IsConfig(err error) bool {
	return KindOf(err) == KindConfig
}

// ConfigError builds a KindConfig error.
func ConfigError(provider, model, format string, args ...any) *Error {
	return &Error{Kind: KindConfig, Provider: provider, Model: model, Err: eris.Errorf(format, args...)}
}

// statusError is implemented by the API error types of the pkg clients.
type statusError interface {
	HTTPStatus() int
	ResponseBody() string
}

// Classify maps a raw client error to an *Error. An error that is already
// classified is returned as is.
func Classify(provider, model string, err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}

	e := &Error{Provider: provider, Model: model, Err: err}

	var se statusError
	switch {
	case errors.Is(err, context.Canceled):
		e.Kind = KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		e.Kind = KindTimeout
	case errors.Is(err, resilience.ErrCircuitOpen):
		e.Kind = KindUnavailable
	case errors.As(err, &se):
		e.StatusCode = se.HTTPStatus()
		e.Kind = classifyStatus(e.StatusCode, se.ResponseBody())
	case isNetTimeout(err):
		e.Kind = KindTimeout
	case resilience.IsTransient(err):
		e.Kind = KindTransient
	default:
		e.Kind = KindNonRetryable
	}
	return e
}

func classifyStatus(code int, body string) Kind {
	// An exhausted quota is reported as 429 but never clears by waiting.
	if strings.Contains(body, "insufficient_quota") {
		return KindNonRetryable
	}
	if resilience.IsTransientHTTPStatus(code) {
		return KindTransient
	}
	return KindNonRetryable
}

func isNetTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
