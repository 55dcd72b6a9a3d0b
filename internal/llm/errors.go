package llm

import (
	"context"
	"errors"
	"fmt"
	"net"

	openai "github.com/sashabaranov/go-openai"
)

var (
	// ErrTransient marks failures worth retrying: 5xx, timeouts, network errors.
	ErrTransient = errors.New("transient AI grading failure")
	// ErrPermanent marks failures that retrying cannot fix, 4xx included.
	ErrPermanent = errors.New("permanent AI grading failure")
	// ErrUnparsableResponse means the model reply was not valid JSON.
	ErrUnparsableResponse = errors.New("unparsable AI response")
	// ErrInvalidResult means the reply parsed but required fields were missing or out of range.
	ErrInvalidResult = errors.New("invalid AI grading result")
)

// GradingError carries the classification of a failed grading call along
// with whatever the endpoint sent back.
type GradingError struct {
	Kind       error
	StatusCode int
	Raw        string
	Err        error
}

func (e *GradingError) Error() string {
	msg := e.Kind.Error()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the kind, ErrPermanent for parse failures, and the cause.
func (e *GradingError) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Kind == ErrUnparsableResponse || e.Kind == ErrInvalidResult {
		errs = append(errs, ErrPermanent)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// RawResponse returns the raw endpoint body attached to err, if any.
func RawResponse(err error) string {
	var ge *GradingError
	if errors.As(err, &ge) {
		return ge.Raw
	}
	return ""
}

// IsRetryable reports whether err should be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// classify maps a transport error to a GradingError. parent is the caller's
// context: its cancellation is returned as is and never retried.
func classify(parent context.Context, err error) error {
	if perr := parent.Err(); perr != nil {
		return perr
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return byStatus(apiErr.HTTPStatusCode, apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return byStatus(reqErr.HTTPStatusCode, string(reqErr.Body), err)
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return byStatus(httpErr.StatusCode, httpErr.Body, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &GradingError{Kind: ErrTransient, Err: fmt.Errorf("request timed out: %w", err)}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &GradingError{Kind: ErrTransient, Err: err}
	}
	return &GradingError{Kind: ErrPermanent, Err: err}
}

func byStatus(code int, body string, err error) error {
	if code >= 500 {
		return &GradingError{Kind: ErrTransient, StatusCode: code, Raw: body, Err: err}
	}
	return &GradingError{Kind: ErrPermanent, StatusCode: code, Raw: body, Err: err}
}

// HTTPError is a non-2xx reply on the streaming path.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("completion endpoint returned %d: %s", e.StatusCode, truncate(e.Body, 512))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
