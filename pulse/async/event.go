package async

import "time"

// EventKind identifies a coordinator event
type EventKind string

const (
	EventCreated   EventKind = "created"
	EventProgress  EventKind = "progress"
	EventStatus    EventKind = "status"
	EventCompleted EventKind = "completed"
)

// Event is published on the coordinator's bus for every job change.
type Event struct {
	Kind            EventKind `json:"kind"`
	JobID           JobID     `json:"job_id"`
	Status          Status    `json:"status"`
	BytesDownloaded int64     `json:"bytes_downloaded"`
	TotalBytes      int64     `json:"total_bytes"`
	LastError       ErrorCode `json:"last_error,omitempty"`
	Title           string    `json:"title,omitempty"`
	Notify          bool      `json:"notify,omitempty"` // completion the user asked to hear about
	At              time.Time `json:"at"`

	record *Record // terminal snapshot, set on EventCompleted
}

func newEvent(kind EventKind, job *Job, state *JobState) Event {
	return Event{
		Kind:            kind,
		JobID:           job.ID,
		Status:          state.Status,
		BytesDownloaded: state.BytesDownloaded,
		TotalBytes:      state.TotalBytes,
		LastError:       state.LastError,
		Title:           job.Title,
		Notify:          kind == EventCompleted && job.NotifyOnComplete,
		At:              state.UpdatedAt,
	}
}
