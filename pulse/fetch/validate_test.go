package fetch

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/fetchq/errors"
	"github.com/teranos/fetchq/internal/httpclient"
)

func TestValidateURI(t *testing.T) {
	valid := map[string]string{
		"https://example.test/a.jpg":         "https://example.test/a.jpg",
		"  HTTP://Example.TEST/A.jpg#frag  ": "http://example.test/A.jpg",
		"https://example.test:8443/x?y=1":    "https://example.test:8443/x?y=1",
		"https://[2001:db8::1]/file.bin":     "https://[2001:db8::1]/file.bin",
		"http://[::1]:8080/a.jpg":            "http://[::1]:8080/a.jpg",
	}
	for in, want := range valid {
		got, err := ValidateURI(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	invalid := []string{
		"",
		"   ",
		"ftp://example.test/a.jpg",
		"file:///etc/passwd",
		"github.com/teranos/fetchq",
		"git::https://example.test/repo.git",
		"git::https://[2001:db8::1]/repo.git",
		"a.jpg",
		"https:///a.jpg",
	}
	for _, in := range invalid {
		_, err := ValidateURI(in)
		require.Error(t, err, in)
		assert.True(t, errors.Is(err, ErrValidation), in)
	}
}

func TestDefaultName(t *testing.T) {
	assert.Equal(t, "a.jpg", DefaultName("https://example.test/img/a.jpg"))
	assert.Equal(t, "my file.pdf", DefaultName("https://example.test/my%20file.pdf?x=1"))
	assert.Equal(t, "img", DefaultName("https://example.test/img/"))
	assert.Equal(t, "download", DefaultName("https://example.test"))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      ErrorCode
		retryable bool
	}{
		{"nil", nil, ErrorCodeUnknown, false},
		{"cancelled", errors.Wrap(errCancelled, "attempt"), ErrorCodeCancelled, false},
		{"disk", errors.Mark(errors.New("no space left on device"), errDisk), ErrorCodeDiskError, false},
		{"blocked", errors.Mark(errors.New("private"), httpclient.ErrBlockedDestination), ErrorCodeNetworkError, false},
		{"404", &StatusError{StatusCode: 404, Status: "404 Not Found"}, ErrorCodeHTTPStatus, false},
		{"503", errors.Wrap(&StatusError{StatusCode: 503, Status: "503 Service Unavailable"}, "get"), ErrorCodeHTTPStatus, true},
		{"429", &StatusError{StatusCode: 429, Status: "429 Too Many Requests"}, ErrorCodeHTTPStatus, true},
		{"stalled", errStalled, ErrorCodeTimeout, true},
		{"deadline", context.DeadlineExceeded, ErrorCodeTimeout, true},
		{"net timeout", errors.Wrap(timeoutErr{}, "read"), ErrorCodeTimeout, true},
		{"refused", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, ErrorCodeNetworkError, true},
		{"short body", errors.Wrap(io.ErrUnexpectedEOF, "read body"), ErrorCodeNetworkError, true},
		{"other", errors.New("something odd"), ErrorCodeUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec := ClassifyError(tt.err)
			assert.Equal(t, tt.code, ec.Code)
			assert.Equal(t, tt.retryable, ec.Retryable)
		})
	}
}
