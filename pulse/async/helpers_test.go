package async

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	fetchqtest "github.com/teranos/fetchq/internal/testing"
	"github.com/teranos/fetchq/pulse/fetch"
)

// fakeTransfer is driven by the test instead of the network.
type fakeTransfer struct {
	uri         string
	destination string
	allowed     fetch.NetworkSet

	mu           sync.Mutex
	events       chan fetch.Event
	closed       bool
	cancelled    chan struct{}
	cancelOnce   sync.Once
	holdOnCancel bool
}

func (t *fakeTransfer) Events() <-chan fetch.Event { return t.events }

// Cancel ends the stream with a cancelled completion unless the transfer is
// told to hold, in which case the test finishes it.
func (t *fakeTransfer) Cancel() {
	t.cancelOnce.Do(func() { close(t.cancelled) })
	if !t.holdOnCancel {
		go t.send(fetch.Event{Kind: fetch.EventCompletion, Completion: fetch.Failure(fetch.ErrorCodeCancelled, "cancelled")})
	}
}

func (t *fakeTransfer) isCancelled() bool {
	select {
	case <-t.cancelled:
		return true
	default:
		return false
	}
}

func (t *fakeTransfer) send(e fetch.Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.events <- e
	if e.Kind == fetch.EventCompletion {
		t.closed = true
		close(t.events)
	}
	return true
}

func (t *fakeTransfer) progress(bytes, total int64) {
	t.send(fetch.Event{Kind: fetch.EventProgress, Progress: fetch.Progress{BytesSoFar: bytes, TotalBytes: total}})
}

func (t *fakeTransfer) succeed() {
	t.send(fetch.Event{Kind: fetch.EventCompletion, Completion: fetch.Success()})
}

func (t *fakeTransfer) fail(code fetch.ErrorCode, reason string) {
	t.send(fetch.Event{Kind: fetch.EventCompletion, Completion: fetch.Failure(code, reason)})
}

type fakeFetcher struct {
	mu           sync.Mutex
	started      chan *fakeTransfer
	count        int
	err          error
	holdOnCancel bool
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{started: make(chan *fakeTransfer, 100)}
}

func (f *fakeFetcher) Start(ctx context.Context, uri, destination string, allowed fetch.NetworkSet, opts ...fetch.StartOption) (Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.count++
	t := &fakeTransfer{
		uri:          uri,
		destination:  destination,
		allowed:      allowed,
		events:       make(chan fetch.Event, 64),
		cancelled:    make(chan struct{}),
		holdOnCancel: f.holdOnCancel,
	}
	f.started <- t
	return t, nil
}

func (f *fakeFetcher) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

// next waits for the coordinator to start another transfer.
func (f *fakeFetcher) next(t *testing.T) *fakeTransfer {
	t.Helper()
	select {
	case tr := <-f.started:
		return tr
	case <-time.After(5 * time.Second):
		t.Fatal("no transfer started")
		return nil
	}
}

func (f *fakeFetcher) assertNoStart(t *testing.T) {
	t.Helper()
	select {
	case tr := <-f.started:
		t.Fatalf("unexpected transfer started for %s", tr.destination)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestStore(t *testing.T) *Store {
	return NewStore(fetchqtest.CreateTestDB(t))
}

func newTestCoordinator(t *testing.T, store *Store, fetcher Fetcher, maxRunning int) *Coordinator {
	t.Helper()
	cfg := DefaultCoordinatorConfig()
	cfg.MaxRunning = maxRunning
	cfg.Dirs = func(id string) (string, bool) {
		if id == "downloads" {
			return "/srv/downloads", true
		}
		return "", false
	}

	c, err := NewCoordinator(context.Background(), store, fetcher, cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, c.Start())
	t.Cleanup(func() { c.Stop() })
	return c
}

func waitStatus(t *testing.T, c *Coordinator, id JobID, want Status) JobState {
	t.Helper()
	var state JobState
	require.Eventually(t, func() bool {
		s, err := c.Query(id)
		if err != nil {
			return false
		}
		state = s
		return s.Status == want
	}, 5*time.Second, 2*time.Millisecond, "job %d never reached %s", id, want)
	return state
}

var wifiAndMobile = Options{AllowedNetworks: fetch.AllNetworks}
