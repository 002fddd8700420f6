// Package async coordinates download jobs.
//
// A Coordinator accepts submissions, persists every job in a Store, gates
// concurrency, drives transfers through a Fetcher and publishes job events on
// an events.Bus. All job state is owned by one coordination goroutine.
package async

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/teranos/fetchq/errors"
	"github.com/teranos/fetchq/pulse/fetch"
)

// JobID identifies a job. IDs start at 1 and only increase.
type JobID int64

// Status is the lifecycle state of a job
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// IsTerminal reports whether s absorbs every later event.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// IsValidStatus returns true if the string names a Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusPending, StatusRunning, StatusPaused, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

// ParseStatus accepts any letter case.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !IsValidStatus(string(st)) {
		return "", errors.Mark(errors.Newf("unknown status %q", s), ErrValidation)
	}
	return st, nil
}

// Job is the immutable description of a transfer.
type Job struct {
	ID               JobID            `json:"id" yaml:"id"`
	URI              string           `json:"uri" yaml:"uri"`
	Destination      string           `json:"destination" yaml:"destination"`
	DestinationDir   string           `json:"destination_dir,omitempty" yaml:"destination_dir,omitempty"`
	AllowedNetworks  fetch.NetworkSet `json:"allowed_networks" yaml:"allowed_networks"`
	NotifyOnComplete bool             `json:"notify_on_complete" yaml:"notify_on_complete"`
	Title            string           `json:"title,omitempty" yaml:"title,omitempty"`
	Description      string           `json:"description,omitempty" yaml:"description,omitempty"`
	CreatedAt        time.Time        `json:"created_at" yaml:"created_at"`
}

// JobState is the mutable part of a job.
type JobState struct {
	Status          Status     `json:"status" yaml:"status"`
	BytesDownloaded int64      `json:"bytes_downloaded" yaml:"bytes_downloaded"`
	TotalBytes      int64      `json:"total_bytes" yaml:"total_bytes"` // -1 when unknown
	LastError       ErrorCode  `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at" yaml:"updated_at"`
	StartedAt       *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// NewJobState returns the state of a freshly submitted job
func NewJobState(now time.Time) JobState {
	return JobState{Status: StatusPending, TotalBytes: -1, UpdatedAt: now}
}

// Record is the durable projection of a job and its state.
type Record struct {
	Job      `yaml:",inline"`
	JobState `yaml:",inline"`
}

// Percentage calculates progress as a percentage (0-100), or -1 when the
// total is unknown.
func (s JobState) Percentage() float64 {
	if s.TotalBytes < 0 {
		return -1
	}
	if s.TotalBytes == 0 {
		if s.Status == StatusSucceeded {
			return 100
		}
		return 0
	}
	return float64(s.BytesDownloaded) / float64(s.TotalBytes) * 100
}

// The transition helpers below return false when the event does not apply,
// which is how terminal states absorb duplicates.

func (s *JobState) start(now time.Time) bool {
	switch s.Status {
	case StatusPending, StatusPaused:
		s.Status = StatusRunning
		if s.StartedAt == nil {
			s.StartedAt = &now
		}
		s.UpdatedAt = now
		return true
	}
	return false
}

func (s *JobState) pause(now time.Time) bool {
	switch s.Status {
	case StatusPending, StatusRunning:
		s.Status = StatusPaused
		s.UpdatedAt = now
		return true
	}
	return false
}

// progress never lowers BytesDownloaded, and drops a total that the byte
// count has overtaken.
func (s *JobState) progress(bytes, total int64, now time.Time) bool {
	if s.Status.IsTerminal() {
		return false
	}
	changed := false
	if bytes > s.BytesDownloaded {
		s.BytesDownloaded = bytes
		changed = true
	}
	if total != s.TotalBytes {
		s.TotalBytes = total
		changed = true
	}
	if s.TotalBytes >= 0 && s.BytesDownloaded > s.TotalBytes {
		s.TotalBytes = -1
	}
	if changed {
		s.UpdatedAt = now
	}
	return changed
}

func (s *JobState) succeed(now time.Time) bool {
	if s.Status.IsTerminal() {
		return false
	}
	s.Status = StatusSucceeded
	s.LastError = ""
	s.ErrorMessage = ""
	s.CompletedAt = &now
	s.UpdatedAt = now
	return true
}

func (s *JobState) fail(code ErrorCode, message string, now time.Time) bool {
	if s.Status.IsTerminal() {
		return false
	}
	if code == "" {
		code = ErrorCodeUnknown
	}
	s.Status = StatusFailed
	s.LastError = code
	s.ErrorMessage = message
	s.CompletedAt = &now
	s.UpdatedAt = now
	return true
}

// Options are the caller-chosen settings of a submission.
type Options struct {
	AllowedNetworks  fetch.NetworkSet `json:"allowed_networks"`
	NotifyOnComplete bool             `json:"notify_on_complete"`
	DestinationDir   string           `json:"destination_dir,omitempty"`
	Title            string           `json:"title,omitempty"`
	Description      string           `json:"description,omitempty"`
}

// DirResolver maps a logical directory id to a filesystem path.
type DirResolver func(id string) (string, bool)

// buildJob validates a submission and resolves its destination. An empty
// AllowedNetworks means every network.
func buildJob(uri, destination string, opts Options, dirs DirResolver) (Job, error) {
	canonical, err := fetch.ValidateURI(uri)
	if err != nil {
		return Job{}, err
	}

	allowed := opts.AllowedNetworks
	if allowed.IsEmpty() {
		allowed = fetch.AllNetworks
	}

	destination = strings.TrimSpace(destination)
	if destination == "" {
		destination = fetch.DefaultName(canonical)
	}

	dest := destination
	if opts.DestinationDir != "" {
		if dirs == nil {
			return Job{}, errors.Mark(errors.Newf("unknown destination directory %q", opts.DestinationDir), ErrValidation)
		}
		base, ok := dirs(opts.DestinationDir)
		if !ok {
			return Job{}, errors.Mark(
				errors.WithHint(errors.Newf("unknown destination directory %q", opts.DestinationDir),
					"configure it under [directories] in am.toml"),
				ErrValidation)
		}
		if filepath.IsAbs(destination) {
			return Job{}, errors.Mark(errors.Newf("destination %q must be relative to directory %q", destination, opts.DestinationDir), ErrValidation)
		}
		dest = filepath.Join(base, destination)
		if rel, err := filepath.Rel(base, dest); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return Job{}, errors.Mark(errors.Newf("destination %q escapes directory %q", destination, opts.DestinationDir), ErrValidation)
		}
	}
	dest, err = filepath.Abs(dest)
	if err != nil {
		return Job{}, errors.Mark(errors.Wrap(err, "resolve destination"), ErrValidation)
	}
	if strings.HasSuffix(destination, "/") || filepath.Base(dest) == string(filepath.Separator) {
		return Job{}, errors.Mark(errors.Newf("destination %q is a directory", destination), ErrValidation)
	}

	title := strings.TrimSpace(opts.Title)
	if title == "" {
		title = filepath.Base(dest)
	}

	return Job{
		URI:              canonical,
		Destination:      dest,
		DestinationDir:   opts.DestinationDir,
		AllowedNetworks:  allowed,
		NotifyOnComplete: opts.NotifyOnComplete,
		Title:            title,
		Description:      opts.Description,
	}, nil
}

// StatusText renders a state as a short human-readable line.
func StatusText(s JobState) string {
	switch s.Status {
	case StatusPending:
		return "Download pending. Please wait.."
	case StatusRunning:
		if s.TotalBytes < 0 {
			return fmt.Sprintf("Download in progress\n %d", s.BytesDownloaded)
		}
		return fmt.Sprintf("Download in progress\n %d out of %d", s.BytesDownloaded, s.TotalBytes)
	case StatusPaused:
		return "Download paused"
	case StatusSucceeded:
		return "Download successful"
	case StatusFailed:
		return fmt.Sprintf("Download failed (%s)", s.LastError)
	}
	return string(s.Status)
}
