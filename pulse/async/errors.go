package async

import (
	"github.com/teranos/fetchq/errors"
	"github.com/teranos/fetchq/pulse/fetch"
)

var (
	// ErrValidation marks rejected submissions. It is the same sentinel the
	// fetcher uses, so either layer's validation errors match.
	ErrValidation = fetch.ErrValidation

	// ErrStorage marks failures of the transfer store's medium
	ErrStorage = errors.New("transfer storage failure")

	// ErrNetwork marks transfer failures caused by the network
	ErrNetwork = errors.New("network failure")

	// ErrCancelled marks operations abandoned because the job was cancelled
	ErrCancelled = errors.New("job cancelled")

	// ErrNotRunning is returned by operations that need a started coordinator
	ErrNotRunning = errors.Mark(errors.New("coordinator is not running"), errors.ErrServiceUnavailable)
)

// ErrorCode classifies why a job failed. Values are persisted in last_error.
type ErrorCode = fetch.ErrorCode

const (
	ErrorCodeCancelled    = fetch.ErrorCodeCancelled
	ErrorCodeNetworkError = fetch.ErrorCodeNetworkError
	ErrorCodeHTTPStatus   = fetch.ErrorCodeHTTPStatus
	ErrorCodeDiskError    = fetch.ErrorCodeDiskError
	ErrorCodeTimeout      = fetch.ErrorCodeTimeout
	ErrorCodeUnknown      = fetch.ErrorCodeUnknown

	// ErrorCodeInterrupted marks jobs that were in flight when the process stopped
	ErrorCodeInterrupted ErrorCode = "interrupted"
)

// FailureError turns a failed state into an error carrying the matching
// sentinel, for callers that want errors.Is checks instead of codes.
func FailureError(s JobState) error {
	if s.Status != StatusFailed {
		return nil
	}
	err := errors.Newf("%s: %s", s.LastError, s.ErrorMessage)
	switch s.LastError {
	case ErrorCodeCancelled:
		return errors.Mark(err, ErrCancelled)
	case ErrorCodeNetworkError, ErrorCodeTimeout, ErrorCodeHTTPStatus:
		return errors.Mark(err, ErrNetwork)
	}
	return err
}
