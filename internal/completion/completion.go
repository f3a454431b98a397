// Package completion renders a session's turns for a chat-completion endpoint,
// performs the call, and reduces the payload to a tagged Result.
package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/stupiduntilnot/mctrelay/internal/session"
)

// Provider produces one assistant reply for an ordered turn sequence.
type Provider interface {
	Complete(ctx context.Context, turns []session.Turn) (Result, error)
}

// Settings are the generation parameters attached to every request.
type Settings struct {
	Model       string
	MaxTokens   int
	Temperature float32
}

// Outcome tags the shape of a decoded completion payload.
type Outcome int

const (
	OutcomeText Outcome = iota
	OutcomeBlocked
	OutcomeMalformed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeText:
		return "text"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeMalformed:
		return "malformed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is a decoded completion payload. Text is set only for OutcomeText;
// Reason explains a blocked or malformed payload.
type Result struct {
	Outcome      Outcome
	Text         string
	Reason       string
	InputTokens  int
	OutputTokens int
}

// Failure returns the failure kind for a non-text result, or "" for text.
func (r Result) Failure() Kind {
	switch r.Outcome {
	case OutcomeText:
		return ""
	case OutcomeBlocked:
		return KindBlocked
	default:
		return KindMalformed
	}
}

// Kind classifies why a completion produced no usable reply.
type Kind string

const (
	KindTimeout      Kind = "timeout"
	KindRateLimited  Kind = "rate_limited"
	KindUnauthorized Kind = "unauthorized"
	KindUnavailable  Kind = "unavailable"
	KindBlocked      Kind = "blocked"
	KindMalformed    Kind = "malformed"
	KindUnknown      Kind = "unknown"
)

// Error is a classified transport or API failure.
type Error struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("completion %s (status=%d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("completion %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify returns the failure kind of err.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return KindMalformed
	}
	return KindUnknown
}

// kindForStatus maps an HTTP status from the completion endpoint.
func kindForStatus(status int) Kind {
	switch {
	case status == 401 || status == 402:
		return KindUnauthorized
	case status == 403:
		return KindBlocked
	case status == 408:
		return KindTimeout
	case status == 429:
		return KindRateLimited
	case status >= 500:
		return KindUnavailable
	default:
		return KindUnknown
	}
}

// wrap turns a raw client error into an *Error, keeping timeouts and decode
// failures distinguishable from HTTP statuses.
func wrap(err error, status int) error {
	if status > 0 {
		return &Error{Kind: kindForStatus(status), StatusCode: status, Err: err}
	}
	return &Error{Kind: Classify(err), Err: err}
}
