// Package fetch streams HTTP transfers to disk.
//
// A Transfer reports progress, network pauses and a single terminal
// Completion on its event channel. Transfers never return errors after
// Start: every failure becomes a Completion with an ErrorCode.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/fetchq/am"
	"github.com/teranos/fetchq/errors"
	"github.com/teranos/fetchq/internal/httpclient"
	"github.com/teranos/fetchq/logger"
)

// PartSuffix is appended to the destination while bytes are arriving.
const PartSuffix = ".part"

// Config tunes a Fetcher. Zero values select the defaults noted per field.
type Config struct {
	ChunkSize         int           // Default: 32 KiB
	MaxRetries        int           // Transport retries after the first attempt
	RetryBackoff      time.Duration // Doubles per retry. Default: 500ms
	StallTimeout      time.Duration // Default: 60s
	MaxBytesPerSecond int64         // Shared by all transfers. 0 = unlimited
	Client            *httpclient.Client
}

// ConfigFromAM maps loaded configuration onto a fetcher Config.
func ConfigFromAM(cfg *am.Config) Config {
	return Config{
		ChunkSize:         cfg.Fetch.ChunkSize,
		MaxRetries:        cfg.Fetch.MaxRetries,
		RetryBackoff:      cfg.Fetch.RetryBackoff(),
		StallTimeout:      cfg.Fetch.StallTimeout(),
		MaxBytesPerSecond: cfg.Fetch.MaxBytesPerSecond,
		Client: httpclient.New(httpclient.Options{
			HeaderTimeout:  cfg.Fetch.HeaderTimeout(),
			BlockPrivateIP: cfg.Fetch.BlockPrivateNetworks,
			UserAgent:      cfg.Fetch.UserAgent,
		}),
	}
}

// Fetcher starts transfers against a shared client, monitor and rate limit.
type Fetcher struct {
	cfg     Config
	monitor NetworkMonitor
	limiter *rate.Limiter
	logger  *zap.SugaredLogger
}

func New(cfg Config, monitor NetworkMonitor, log *zap.SugaredLogger) *Fetcher {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 32 * 1024
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 60 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Client == nil {
		cfg.Client = httpclient.New(httpclient.Options{})
	}
	if log == nil {
		log = logger.ComponentLogger("fetch")
	}

	f := &Fetcher{cfg: cfg, monitor: monitor, logger: log}
	if cfg.MaxBytesPerSecond > 0 {
		burst := cfg.ChunkSize
		if int64(burst) < cfg.MaxBytesPerSecond {
			burst = int(cfg.MaxBytesPerSecond)
		}
		f.limiter = rate.NewLimiter(rate.Limit(cfg.MaxBytesPerSecond), burst)
	}
	return f
}

// StartOption adjusts a single transfer.
type StartOption func(*Transfer)

// WithChunkSize overrides the read size, which is also the cancellation
// polling granularity.
func WithChunkSize(n int) StartOption {
	return func(t *Transfer) {
		if n > 0 {
			t.chunkSize = n
		}
	}
}

// WithLogFields adds structured fields to the transfer's log lines.
func WithLogFields(keysAndValues ...interface{}) StartOption {
	return func(t *Transfer) {
		t.logger = t.logger.With(keysAndValues...)
	}
}

// Start validates the request and begins the transfer in the background.
// Invalid input returns ErrValidation and produces no events.
func (f *Fetcher) Start(ctx context.Context, uri, destination string, allowed NetworkSet, opts ...StartOption) (*Transfer, error) {
	canonical, err := ValidateURI(uri)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(destination) == "" {
		return nil, errors.Mark(errors.New("destination is required"), ErrValidation)
	}
	if allowed.IsEmpty() {
		return nil, errors.Mark(errors.New("at least one allowed network is required"), ErrValidation)
	}

	tctx, cancel := context.WithCancel(ctx)
	t := &Transfer{
		f:           f,
		uri:         canonical,
		destination: destination,
		allowed:     allowed,
		chunkSize:   f.cfg.ChunkSize,
		events:      make(chan Event, 16),
		ctx:         tctx,
		cancel:      cancel,
		total:       -1,
		logger:      f.logger.With(logger.FieldURI, canonical, logger.FieldDestination, destination),
	}
	for _, opt := range opts {
		opt(t)
	}

	go t.run()
	return t, nil
}

// Transfer is one in-flight download.
type Transfer struct {
	f           *Fetcher
	uri         string
	destination string
	allowed     NetworkSet
	chunkSize   int
	events      chan Event
	ctx         context.Context
	cancel      context.CancelFunc
	cancelled   atomic.Bool
	logger      *zap.SugaredLogger

	// owned by the run goroutine
	written int64
	total   int64
	paused  bool
}

// Events is closed right after the Completion event. Callers must drain it.
func (t *Transfer) Events() <-chan Event { return t.events }

// Cancel asks the transfer to stop. The flag is checked before every chunk,
// and the in-flight request is aborted so a blocked read returns.
func (t *Transfer) Cancel() {
	t.cancelled.Store(true)
	t.cancel()
}

func (t *Transfer) run() {
	defer close(t.events)
	defer t.cancel()

	started := time.Now()
	c := t.download()
	if c.Success {
		t.logger.Debugw("Transfer complete",
			logger.FieldBytes, t.written,
			logger.FieldDurationMS, time.Since(started).Milliseconds(),
		)
	} else {
		t.logger.Infow("Transfer failed",
			logger.FieldErrorCode, string(c.Code),
			logger.FieldError, c.Reason,
			logger.FieldBytes, t.written,
		)
	}
	t.events <- Event{Kind: EventCompletion, Completion: c}
}

func (t *Transfer) stopped() bool {
	return t.cancelled.Load() || t.ctx.Err() != nil
}

func (t *Transfer) download() Completion {
	part := t.destination + PartSuffix
	if err := os.MkdirAll(filepath.Dir(t.destination), am.DefaultDirPermissions); err != nil {
		return Failure(ErrorCodeDiskError, err.Error())
	}
	file, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, am.DefaultFilePermissions)
	if err != nil {
		return Failure(ErrorCodeDiskError, err.Error())
	}

	fail := func(c Completion) Completion {
		file.Close()
		os.Remove(part)
		return c
	}

	retries := 0
	for {
		if t.stopped() {
			return fail(Failure(ErrorCodeCancelled, "cancelled"))
		}
		if err := t.awaitNetwork(); err != nil {
			return fail(Failure(ErrorCodeCancelled, "cancelled"))
		}

		err := t.attempt(file)
		if err == nil {
			break
		}
		if t.stopped() {
			return fail(Failure(ErrorCodeCancelled, "cancelled"))
		}
		// Losing the allowed network is a pause, not a failed attempt
		if errors.Is(err, errNetworkOff) || !t.allowed.Has(t.f.monitor.Current()) {
			t.logger.Debugw("Attempt interrupted by network change", logger.FieldError, err)
			continue
		}

		ec := ClassifyError(err)
		if !ec.Retryable || retries >= t.f.cfg.MaxRetries {
			return fail(Failure(ec.Code, ec.Message))
		}
		retries++
		backoff := t.f.cfg.RetryBackoff << (retries - 1)
		t.logger.Infow("Retrying transfer",
			logger.FieldAttempt, retries+1,
			logger.FieldError, ec.Message,
			"backoff", backoff,
		)
		select {
		case <-t.ctx.Done():
			return fail(Failure(ErrorCodeCancelled, "cancelled"))
		case <-time.After(backoff):
		}
	}

	if err := file.Sync(); err != nil {
		return fail(Failure(ErrorCodeDiskError, err.Error()))
	}
	if err := file.Close(); err != nil {
		os.Remove(part)
		return Failure(ErrorCodeDiskError, err.Error())
	}
	if err := os.Rename(part, t.destination); err != nil {
		os.Remove(part)
		return Failure(ErrorCodeDiskError, err.Error())
	}
	return Success()
}

// awaitNetwork blocks while the active class is outside the allowed set.
func (t *Transfer) awaitNetwork() error {
	mon := t.f.monitor
	if t.allowed.Has(mon.Current()) {
		return nil
	}

	changes, stop := mon.Watch()
	defer stop()

	for {
		current := mon.Current()
		if t.allowed.Has(current) {
			if t.paused {
				t.paused = false
				t.emit(Event{Kind: EventResumed, Network: current})
			}
			return nil
		}
		if !t.paused {
			t.paused = true
			t.logger.Infow("Transfer paused",
				logger.FieldNetwork, current.String(),
				logger.FieldAllowed, t.allowed.String(),
			)
			t.emit(Event{Kind: EventPaused, Network: current})
		}
		select {
		case <-t.ctx.Done():
			return errCancelled
		case <-changes:
		}
	}
}

// attempt performs one request, appending to file from t.written onwards.
func (t *Transfer) attempt(file *os.File) error {
	ctx, cancel := context.WithCancel(t.ctx)
	defer cancel()

	req, err := t.f.cfg.Client.NewRequest(ctx, t.uri)
	if err != nil {
		return err
	}
	offset := t.written
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := t.f.cfg.Client.Do(req)
	if err != nil {
		if t.stopped() {
			return errCancelled
		}
		return errors.Wrap(err, "request")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if resp.ContentLength >= 0 {
			t.setTotal(resp.ContentLength)
		}
	case http.StatusPartialContent:
		if total, ok := parseContentRangeTotal(resp.Header.Get("Content-Range")); ok {
			t.setTotal(total)
		} else if resp.ContentLength >= 0 {
			t.setTotal(offset + resp.ContentLength)
		}
		offset = 0
	case http.StatusRequestedRangeNotSatisfiable:
		// Everything arrived before the previous attempt broke off
		if offset > 0 && offset == t.total {
			return nil
		}
		return &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	default:
		return &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	var stalled atomic.Bool
	timer := time.AfterFunc(t.f.cfg.StallTimeout, func() {
		stalled.Store(true)
		cancel()
	})
	defer timer.Stop()
	wrap := func(err error) error {
		switch {
		case t.cancelled.Load():
			return errCancelled
		case stalled.Load():
			return errStalled
		}
		return err
	}

	// Server ignored Range: skip what is already on disk
	if offset > 0 {
		if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
			return wrap(errors.Wrap(err, "skip resumed prefix"))
		}
	}

	buf := make([]byte, t.chunkSize)
	for {
		if t.stopped() {
			return errCancelled
		}
		if !t.allowed.Has(t.f.monitor.Current()) {
			return errNetworkOff
		}

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			timer.Reset(t.f.cfg.StallTimeout)
			if t.f.limiter != nil {
				if err := t.f.limiter.WaitN(ctx, n); err != nil {
					return wrap(errors.Wrap(err, "rate limit"))
				}
			}
			if _, err := file.Write(buf[:n]); err != nil {
				return errors.Mark(errors.Wrap(err, "write part file"), errDisk)
			}
			t.written += int64(n)
			if t.total >= 0 && t.written > t.total {
				t.total = -1
			}
			t.emit(Event{Kind: EventProgress, Progress: Progress{BytesSoFar: t.written, TotalBytes: t.total}})
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return wrap(errors.Wrap(rerr, "read body"))
		}
	}
}

func (t *Transfer) setTotal(total int64) {
	if total < t.written {
		total = -1
	}
	t.total = total
}

func (t *Transfer) emit(e Event) {
	t.events <- e
}

// parseContentRangeTotal extracts the complete length from
// "bytes 100-199/200". An unknown length ("*") is reported as not ok.
func parseContentRangeTotal(h string) (int64, bool) {
	i := strings.LastIndex(h, "/")
	if i < 0 {
		return 0, false
	}
	total, err := strconv.ParseInt(strings.TrimSpace(h[i+1:]), 10, 64)
	if err != nil || total < 0 {
		return 0, false
	}
	return total, true
}
