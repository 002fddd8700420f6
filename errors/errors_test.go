package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKeepsCause(t *testing.T) {
	cause := New("connection refused")
	err := Wrapf(cause, "fetch attempt %d", 2)

	assert.Equal(t, "fetch attempt 2: connection refused", err.Error())
	assert.True(t, Is(err, cause))
}

func TestMarkClassifiesWithoutChangingMessage(t *testing.T) {
	storage := New("storage failure")
	err := Mark(Wrap(New("disk I/O error"), "put transfer 7"), storage)

	assert.Equal(t, "put transfer 7: disk I/O error", err.Error())
	assert.True(t, Is(err, storage))
	assert.False(t, Is(err, ErrNotFound))
}

func TestSentinelConstructors(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"not found", NewNotFoundError("transfer %d", 3), IsNotFoundError},
		{"invalid request", NewInvalidRequestError("bad option %q", "bluetooth"), IsInvalidRequestError},
		{"conflict", NewConflictError("transfer %d still running", 3), IsConflictError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, tt.err)
			assert.True(t, tt.check(tt.err))
			assert.True(t, tt.check(Wrap(tt.err, "outer")), "classification must survive wrapping")
		})
	}

	assert.False(t, IsNotFoundError(nil))
	assert.False(t, IsNotFoundError(New("transfer 3 not found")), "no string matching")
}

func TestHintsAndDetailsSurviveWrapping(t *testing.T) {
	err := New("destination not writable")
	err = WithHint(err, "check the downloads directory permissions")
	err = WithDetailf(err, "path: %s", "/tmp/a.jpg")
	err = Wrap(err, "submit")

	assert.Contains(t, GetAllHints(err), "check the downloads directory permissions")
	assert.Contains(t, GetAllDetails(err), "path: /tmp/a.jpg")
}

func TestStackTrace(t *testing.T) {
	err := New("with stack")
	assert.Contains(t, fmt.Sprintf("%+v", err), "errors_test.go")
}

func TestNilHandling(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, Wrapf(nil, "context %d", 1))
	assert.Nil(t, WithHint(nil, "hint"))
	assert.Nil(t, WithDetail(nil, "detail"))
}

func ExampleWrap() {
	err := Wrap(New("connection refused"), "fetch https://example.test/a.jpg")
	fmt.Println(err)
	// Output: fetch https://example.test/a.jpg: connection refused
}
