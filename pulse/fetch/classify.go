package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/teranos/fetchq/errors"
	"github.com/teranos/fetchq/internal/httpclient"
)

var (
	// ErrValidation marks malformed transfer requests
	ErrValidation = errors.New("validation failed")

	errCancelled  = errors.New("transfer cancelled")
	errStalled    = errors.New("no data received within stall timeout")
	errNetworkOff = errors.New("network no longer allowed")
	errDisk       = errors.New("disk error")
)

// StatusError is returned for non-success HTTP responses.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server responded %s", e.Status)
}

// ErrorContext is the classification of a failed attempt.
type ErrorContext struct {
	Code      ErrorCode
	Message   string
	Retryable bool
}

// ClassifyError decides the failure code of an attempt error and whether
// another attempt may succeed.
func ClassifyError(err error) ErrorContext {
	if err == nil {
		return ErrorContext{Code: ErrorCodeUnknown, Message: "unknown error"}
	}

	ctx := ErrorContext{Message: err.Error()}

	var statusErr *StatusError
	var netErr net.Error

	switch {
	case errors.Is(err, errCancelled):
		ctx.Code = ErrorCodeCancelled

	case errors.Is(err, errDisk):
		ctx.Code = ErrorCodeDiskError

	case errors.Is(err, httpclient.ErrBlockedDestination):
		ctx.Code = ErrorCodeNetworkError

	case errors.As(err, &statusErr):
		ctx.Code = ErrorCodeHTTPStatus
		ctx.Message = statusErr.Error()
		ctx.Retryable = statusErr.StatusCode >= 500 ||
			statusErr.StatusCode == http.StatusRequestTimeout ||
			statusErr.StatusCode == http.StatusTooManyRequests

	case errors.Is(err, errStalled), errors.Is(err, context.DeadlineExceeded):
		ctx.Code = ErrorCodeTimeout
		ctx.Retryable = true

	case errors.As(err, &netErr) && netErr.Timeout():
		ctx.Code = ErrorCodeTimeout
		ctx.Retryable = true

	case errors.As(err, &netErr), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		ctx.Code = ErrorCodeNetworkError
		ctx.Retryable = true

	default:
		ctx.Code = ErrorCodeUnknown
	}

	return ctx
}
