package fetch

// EventKind identifies what a transfer Event carries.
type EventKind string

const (
	EventProgress   EventKind = "progress"
	EventPaused     EventKind = "paused"
	EventResumed    EventKind = "resumed"
	EventCompletion EventKind = "completion"
)

// ErrorCode classifies why a transfer failed. Codes are persisted, so values
// must stay stable.
type ErrorCode string

const (
	ErrorCodeCancelled    ErrorCode = "cancelled"
	ErrorCodeNetworkError ErrorCode = "network_error"
	ErrorCodeHTTPStatus   ErrorCode = "http_status"
	ErrorCodeDiskError    ErrorCode = "disk_error"
	ErrorCodeTimeout      ErrorCode = "timeout"
	ErrorCodeUnknown      ErrorCode = "unknown"
)

// Progress reports cumulative bytes. TotalBytes is -1 when unknown.
type Progress struct {
	BytesSoFar int64
	TotalBytes int64
}

// Completion is the final outcome of a transfer.
type Completion struct {
	Success bool
	Code    ErrorCode // empty on success
	Reason  string
}

func Success() Completion { return Completion{Success: true} }

func Failure(code ErrorCode, reason string) Completion {
	return Completion{Code: code, Reason: reason}
}

// Event is one item of a transfer's stream. Exactly one field group is
// meaningful depending on Kind.
type Event struct {
	Kind       EventKind
	Progress   Progress     // EventProgress
	Network    NetworkClass // EventPaused, EventResumed
	Completion Completion   // EventCompletion
}
