package async

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/fetchq/db"
	"github.com/teranos/fetchq/errors"
	"github.com/teranos/fetchq/pulse/events"
	"github.com/teranos/fetchq/pulse/fetch"
)

type completionRecorder struct {
	mu    sync.Mutex
	calls []struct {
		id     JobID
		status Status
	}
}

func (r *completionRecorder) record(id JobID, status Status, job Job, state JobState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, struct {
		id     JobID
		status Status
	}{id, status})
}

func (r *completionRecorder) countFor(id JobID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.id == id {
			n++
		}
	}
	return n
}

func TestSubmitProgressSucceed(t *testing.T) {
	fetcher := newFakeFetcher()
	c := newTestCoordinator(t, newTestStore(t), fetcher, 3)

	var rec completionRecorder
	c.OnCompletion(rec.record)

	id, err := c.Submit(context.Background(), "https://example.test/a.jpg", "a.jpg", wifiAndMobile)
	require.NoError(t, err)
	assert.Equal(t, JobID(1), id)

	state, err := c.Query(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, state.Status)
	assert.Equal(t, int64(-1), state.TotalBytes)

	tr := fetcher.next(t)
	assert.Equal(t, "https://example.test/a.jpg", tr.uri)
	assert.True(t, filepath.IsAbs(tr.destination))
	assert.Equal(t, "a.jpg", filepath.Base(tr.destination))

	tr.progress(512, 2048)
	state = waitStatus(t, c, id, StatusRunning)
	assert.Greater(t, state.BytesDownloaded, int64(0))
	assert.NotNil(t, state.StartedAt)

	tr.progress(2048, 2048)
	tr.succeed()
	state = waitStatus(t, c, id, StatusSucceeded)
	assert.Equal(t, int64(2048), state.BytesDownloaded)
	assert.Empty(t, state.LastError)
	assert.NotNil(t, state.CompletedAt)

	require.Eventually(t, func() bool { return rec.countFor(id) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.countFor(id), "completion fires exactly once")
	rec.mu.Lock()
	assert.Equal(t, StatusSucceeded, rec.calls[0].status)
	rec.mu.Unlock()
}

func TestBytesDownloadedNeverDecreases(t *testing.T) {
	fetcher := newFakeFetcher()
	c := newTestCoordinator(t, newTestStore(t), fetcher, 1)

	id, err := c.Submit(context.Background(), "https://example.test/a.jpg", "a.jpg", wifiAndMobile)
	require.NoError(t, err)
	tr := fetcher.next(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, n := range []int64{10, 20, 15, 40, 40, 5, 90} {
			tr.progress(n, 100)
		}
	}()

	var last int64
	deadline := time.Now().Add(5 * time.Second)
	for last < 90 && time.Now().Before(deadline) {
		state, err := c.Query(id)
		require.NoError(t, err)
		if state.Status == StatusRunning {
			assert.GreaterOrEqual(t, state.BytesDownloaded, last)
			last = state.BytesDownloaded
		}
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, int64(90), last)
	<-done
	tr.succeed()
	waitStatus(t, c, id, StatusSucceeded)
}

func TestTerminalStatusAbsorbsDuplicateCompletions(t *testing.T) {
	fetcher := newFakeFetcher()
	c := newTestCoordinator(t, newTestStore(t), fetcher, 1)

	var rec completionRecorder
	c.OnCompletion(rec.record)

	id, err := c.Submit(context.Background(), "https://example.test/a.jpg", "a.jpg", wifiAndMobile)
	require.NoError(t, err)
	tr := fetcher.next(t)
	tr.progress(100, 100)
	tr.succeed()
	before := waitStatus(t, c, id, StatusSucceeded)

	// Replay late events for the same id straight into the loop
	for _, ev := range []fetch.Event{
		{Kind: fetch.EventCompletion, Completion: fetch.Failure(fetch.ErrorCodeNetworkError, "late")},
		{Kind: fetch.EventCompletion, Completion: fetch.Success()},
		{Kind: fetch.EventProgress, Progress: fetch.Progress{BytesSoFar: 500, TotalBytes: 1000}},
		{Kind: fetch.EventPaused, Network: fetch.NetworkMobile},
	} {
		ev := ev
		require.NoError(t, c.do(func() error {
			c.handleUpdate(transferUpdate{id: id, event: ev})
			return nil
		}))
	}
	require.NoError(t, c.Cancel(id))

	after, err := c.Query(id)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.countFor(id))
}

func TestDisallowedNetworkPausesInsteadOfFailing(t *testing.T) {
	content := bytes.Repeat([]byte("x"), 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	monitor := fetch.NewStaticMonitor(fetch.NetworkMobile)
	f := fetch.New(fetch.Config{ChunkSize: 1024}, monitor, zap.NewNop().Sugar())
	c := newTestCoordinator(t, newTestStore(t), NewFetcher(f), 2)

	dir := t.TempDir()
	wifiOnly := Options{AllowedNetworks: fetch.NewNetworkSet(fetch.NetworkWifi)}

	resumed, err := c.Submit(context.Background(), srv.URL+"/a.bin", filepath.Join(dir, "a.bin"), wifiOnly)
	require.NoError(t, err)
	cancelled, err := c.Submit(context.Background(), srv.URL+"/b.bin", filepath.Join(dir, "b.bin"), wifiOnly)
	require.NoError(t, err)

	waitStatus(t, c, resumed, StatusPaused)
	waitStatus(t, c, cancelled, StatusPaused)

	// Still paused, never failed, while only MOBILE is up
	time.Sleep(100 * time.Millisecond)
	for _, id := range []JobID{resumed, cancelled} {
		state, err := c.Query(id)
		require.NoError(t, err)
		assert.Equal(t, StatusPaused, state.Status)
		assert.Zero(t, state.BytesDownloaded)
	}

	require.NoError(t, c.Cancel(cancelled))
	state, err := c.Query(cancelled)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, ErrorCodeCancelled, state.LastError)

	monitor.Set(fetch.NetworkWifi)
	waitStatus(t, c, resumed, StatusSucceeded)

	got, err := os.ReadFile(filepath.Join(dir, "a.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.NoFileExists(t, filepath.Join(dir, "b.bin"))
}

func TestCancelPendingNeverRuns(t *testing.T) {
	fetcher := newFakeFetcher()
	c := newTestCoordinator(t, newTestStore(t), fetcher, 1)

	first, err := c.Submit(context.Background(), "https://example.test/1", "1", wifiAndMobile)
	require.NoError(t, err)
	fetcher.next(t)

	second, err := c.Submit(context.Background(), "https://example.test/2", "2", wifiAndMobile)
	require.NoError(t, err)

	sub := c.Bus().Subscribe(events.ForJob[Event](int64(second)))
	defer sub.Unsubscribe()

	require.NoError(t, c.Cancel(second))
	state, err := c.Query(second)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, ErrorCodeCancelled, state.LastError)
	assert.Nil(t, state.StartedAt)

	select {
	case env := <-sub.Events():
		assert.Equal(t, EventCompleted, env.Event.Kind)
		assert.Equal(t, StatusFailed, env.Event.Status)
	case <-time.After(time.Second):
		t.Fatal("no completion event")
	}

	state, err = c.Query(first)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, state.Status)
	fetcher.assertNoStart(t)
	assert.Equal(t, 1, fetcher.startedCount())
}

func TestConcurrencyBound(t *testing.T) {
	const n = 2
	fetcher := newFakeFetcher()
	c := newTestCoordinator(t, newTestStore(t), fetcher, n)

	var ids []JobID
	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := 0; i < n+1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := c.Submit(context.Background(), "https://example.test/f", "", wifiAndMobile)
			assert.NoError(t, err)
			mu.Lock()
			ids = append(ids, id)
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, ids, n+1)

	transfers := []*fakeTransfer{fetcher.next(t), fetcher.next(t)}
	fetcher.assertNoStart(t)
	for _, tr := range transfers {
		tr.progress(1, 10)
	}
	require.Eventually(t, func() bool { return c.Stats().Running == n }, time.Second, time.Millisecond)

	stats := c.Stats()
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, n, stats.Active)

	transfers[0].succeed()
	third := fetcher.next(t)
	third.progress(5, 10)
	require.Eventually(t, func() bool {
		s := c.Stats()
		return s.Running == n && s.Pending == 0 && s.Succeeded == 1
	}, time.Second, time.Millisecond)
}

func TestCancelRunningHoldsSlotUntilDrained(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.holdOnCancel = true
	c := newTestCoordinator(t, newTestStore(t), fetcher, 1)

	first, err := c.Submit(context.Background(), "https://example.test/1", "1", wifiAndMobile)
	require.NoError(t, err)
	tr := fetcher.next(t)
	tr.progress(10, 100)
	waitStatus(t, c, first, StatusRunning)

	second, err := c.Submit(context.Background(), "https://example.test/2", "2", wifiAndMobile)
	require.NoError(t, err)

	require.NoError(t, c.Cancel(first))
	state, err := c.Query(first)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, ErrorCodeCancelled, state.LastError)
	assert.Equal(t, int64(10), state.BytesDownloaded)
	assert.True(t, tr.isCancelled())

	fetcher.assertNoStart(t)
	assert.Equal(t, 1, c.Stats().Active)

	tr.fail(fetch.ErrorCodeCancelled, "cancelled")
	next := fetcher.next(t)
	waitStatus(t, c, first, StatusFailed)
	state, err = c.Query(second)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, state.Status)

	next.succeed()
	waitStatus(t, c, second, StatusSucceeded)
}

func TestCancelTerminalAndUnknown(t *testing.T) {
	fetcher := newFakeFetcher()
	c := newTestCoordinator(t, newTestStore(t), fetcher, 1)

	id, err := c.Submit(context.Background(), "https://example.test/a", "a", wifiAndMobile)
	require.NoError(t, err)
	tr := fetcher.next(t)
	tr.fail(fetch.ErrorCodeHTTPStatus, "server responded 404 Not Found")
	waitStatus(t, c, id, StatusFailed)

	require.NoError(t, c.Cancel(id))
	state, err := c.Query(id)
	require.NoError(t, err)
	assert.Equal(t, ErrorCodeHTTPStatus, state.LastError, "cancel must not rewrite a terminal job")

	err = c.Cancel(42)
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))

	_, err = c.Query(42)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestSubmitValidation(t *testing.T) {
	store := newTestStore(t)
	fetcher := newFakeFetcher()
	c := newTestCoordinator(t, store, fetcher, 1)

	tests := []struct {
		name string
		uri  string
		dest string
		opts Options
	}{
		{"malformed uri", "::not a uri", "a", wifiAndMobile},
		{"unsupported scheme", "ftp://example.test/a", "a", wifiAndMobile},
		{"unknown directory", "https://example.test/a", "a", Options{DestinationDir: "pictures"}},
		{"escapes directory", "https://example.test/a", "../a", Options{DestinationDir: "downloads"}},
		{"absolute in directory", "https://example.test/a", "/etc/a", Options{DestinationDir: "downloads"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Submit(context.Background(), tt.uri, tt.dest, tt.opts)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))
		})
	}

	records, err := store.List(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Zero(t, fetcher.startedCount())

	// The next accepted job still gets the first id
	id, err := c.Submit(context.Background(), "https://example.test/a.jpg", "a.jpg", Options{DestinationDir: "downloads"})
	require.NoError(t, err)
	assert.Equal(t, JobID(1), id)
	rec, err := c.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "/srv/downloads/a.jpg", rec.Destination)
	assert.Equal(t, fetch.AllNetworks, rec.AllowedNetworks, "empty network set defaults to all")
	assert.Equal(t, "a.jpg", rec.Title)
}

var recordColumnNames = []string{
	"id", "uri", "destination", "destination_dir", "allowed_networks",
	"notify_on_complete", "title", "description", "status", "bytes_downloaded", "total_bytes",
	"last_error", "error_message", "created_at", "updated_at", "started_at", "completed_at",
}

// expectStartup queues what NewCoordinator reads from an empty database
func expectStartup(mock sqlmock.Sqlmock) {
	mock.ExpectExec(`INSERT INTO coordinator_lease`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`FROM transfer_sequence`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(0))
	mock.ExpectQuery(`SELECT .* FROM transfers ORDER BY id ASC`).
		WillReturnRows(sqlmock.NewRows(recordColumnNames))
}

func TestSubmitStorageFailureCreatesNoJob(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectStartup(mock)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO transfers`).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	fetcher := newFakeFetcher()
	c := newTestCoordinator(t, NewStore(db), fetcher, 1)

	_, err = c.Submit(context.Background(), "https://example.test/a.jpg", "a.jpg", wifiAndMobile)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorage))
	assert.Contains(t, err.Error(), "disk I/O error")

	assert.Empty(t, c.List())
	assert.Zero(t, fetcher.startedCount())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryStorageFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectStartup(mock)
	mock.ExpectQuery(`SELECT .* FROM transfers WHERE id = \?`).
		WithArgs(7).
		WillReturnError(errors.New("database is locked"))

	c := newTestCoordinator(t, NewStore(db), newFakeFetcher(), 1)

	_, err = c.Query(7)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorage))
	assert.False(t, errors.IsNotFoundError(err))
}

func TestRestartRecovery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	put := func(id JobID, status Status) {
		state := NewJobState(now)
		state.Status = status
		if status == StatusSucceeded {
			state.CompletedAt = &now
		}
		require.NoError(t, store.Put(ctx, &Record{
			Job: Job{
				ID: id, URI: "https://example.test/f", Destination: "/tmp/f",
				AllowedNetworks: fetch.AllNetworks, CreatedAt: now,
			},
			JobState: state,
		}))
	}
	put(1, StatusPending)
	put(2, StatusRunning)
	put(3, StatusPaused)
	put(7, StatusSucceeded)

	fetcher := newFakeFetcher()
	c := newTestCoordinator(t, store, fetcher, 3)

	for _, id := range []JobID{2, 3} {
		state, err := c.Query(id)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, state.Status)
		assert.Equal(t, ErrorCodeInterrupted, state.LastError)

		stored, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, stored.Status)
	}

	tr := fetcher.next(t)
	assert.Equal(t, "/tmp/f", tr.destination)
	fetcher.assertNoStart(t)

	id, err := c.Submit(ctx, "https://example.test/g", "/tmp/g", wifiAndMobile)
	require.NoError(t, err)
	assert.Equal(t, JobID(8), id)
}

func TestRestartWithoutRequeue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, store.Put(ctx, &Record{
		Job:      Job{ID: 1, URI: "https://example.test/f", Destination: "/tmp/f", AllowedNetworks: fetch.AllNetworks, CreatedAt: now},
		JobState: NewJobState(now),
	}))

	cfg := DefaultCoordinatorConfig()
	cfg.RequeuePending = false
	fetcher := newFakeFetcher()
	c, err := NewCoordinator(ctx, store, fetcher, cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, c.Start())
	defer c.Stop()

	state, err := c.Query(1)
	require.NoError(t, err)
	assert.Equal(t, ErrorCodeInterrupted, state.LastError)
	fetcher.assertNoStart(t)
}

func TestStopLeavesInFlightJobsForRecovery(t *testing.T) {
	store := newTestStore(t)
	fetcher := newFakeFetcher()

	cfg := DefaultCoordinatorConfig()
	c, err := NewCoordinator(context.Background(), store, fetcher, cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, c.Start())

	id, err := c.Submit(context.Background(), "https://example.test/a", "/tmp/a", wifiAndMobile)
	require.NoError(t, err)
	tr := fetcher.next(t)
	tr.progress(10, 100)
	waitStatus(t, c, id, StatusRunning)

	require.NoError(t, c.Stop())
	assert.True(t, tr.isCancelled())
	_, err = c.Submit(context.Background(), "https://example.test/b", "/tmp/b", wifiAndMobile)
	assert.True(t, errors.Is(err, ErrNotRunning))

	stored, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, stored.Status)

	restarted := newTestCoordinator(t, store, newFakeFetcher(), 1)
	state, err := restarted.Query(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, ErrorCodeInterrupted, state.LastError)
}

func TestUnknownTotalSucceeds(t *testing.T) {
	fetcher := newFakeFetcher()
	c := newTestCoordinator(t, newTestStore(t), fetcher, 1)

	id, err := c.Submit(context.Background(), "https://example.test/stream", "s", wifiAndMobile)
	require.NoError(t, err)
	tr := fetcher.next(t)

	tr.progress(100, -1)
	state := waitStatus(t, c, id, StatusRunning)
	assert.Equal(t, int64(-1), state.TotalBytes)
	assert.Equal(t, "Download in progress\n 100", StatusText(state))

	tr.succeed()
	state = waitStatus(t, c, id, StatusSucceeded)
	assert.Equal(t, int64(-1), state.TotalBytes)
	assert.Equal(t, "Download successful", StatusText(state))
}

func TestProgressBeyondTotalClearsTotal(t *testing.T) {
	fetcher := newFakeFetcher()
	c := newTestCoordinator(t, newTestStore(t), fetcher, 1)

	id, err := c.Submit(context.Background(), "https://example.test/x", "x", wifiAndMobile)
	require.NoError(t, err)
	tr := fetcher.next(t)
	tr.progress(150, 100)

	state := waitStatus(t, c, id, StatusRunning)
	assert.Equal(t, int64(150), state.BytesDownloaded)
	assert.Equal(t, int64(-1), state.TotalBytes)
}

func TestPurge(t *testing.T) {
	store := newTestStore(t)
	fetcher := newFakeFetcher()
	c := newTestCoordinator(t, store, fetcher, 1)

	id, err := c.Submit(context.Background(), "https://example.test/x", "x", wifiAndMobile)
	require.NoError(t, err)
	tr := fetcher.next(t)

	err = c.Purge(id)
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))

	tr.succeed()
	waitStatus(t, c, id, StatusSucceeded)
	require.NoError(t, c.Purge(id))

	_, err = c.Query(id)
	assert.True(t, errors.IsNotFoundError(err))
	assert.True(t, errors.IsNotFoundError(c.Purge(id)))
}

func TestPurgedIDsAreNotReissued(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	fetcher := newFakeFetcher()

	c, err := NewCoordinator(ctx, store, fetcher, DefaultCoordinatorConfig(), zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, c.Start())

	var ids []JobID
	for _, name := range []string{"a", "b"} {
		id, err := c.Submit(ctx, "https://example.test/"+name, "/tmp/"+name, wifiAndMobile)
		require.NoError(t, err)
		fetcher.next(t).succeed()
		waitStatus(t, c, id, StatusSucceeded)
		ids = append(ids, id)
	}
	assert.Equal(t, []JobID{1, 2}, ids)

	require.NoError(t, c.Purge(2))
	require.NoError(t, c.Stop())

	restarted := newTestCoordinator(t, store, newFakeFetcher(), 1)
	id, err := restarted.Submit(ctx, "https://example.test/c", "/tmp/c", wifiAndMobile)
	require.NoError(t, err)
	assert.Equal(t, JobID(3), id, "a purged id must never be issued again")
}

func TestSecondCoordinatorOnSameDatabaseIsRefused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fetchq.db")
	open := func() *Store {
		database, err := db.OpenWithMigrations(path, nil)
		require.NoError(t, err)
		t.Cleanup(func() { database.Close() })
		return NewStore(database)
	}
	ctx := context.Background()

	part := filepath.Join(t.TempDir(), "a.bin")
	require.NoError(t, os.WriteFile(part+fetch.PartSuffix, []byte("partial"), 0o644))

	serving := open()
	fetcher := newFakeFetcher()
	first := newTestCoordinator(t, serving, fetcher, 1)
	id, err := first.Submit(ctx, "https://example.test/a", part, wifiAndMobile)
	require.NoError(t, err)
	tr := fetcher.next(t)
	tr.progress(7, 100)
	waitStatus(t, first, id, StatusRunning)

	second, err := NewCoordinator(ctx, open(), newFakeFetcher(), DefaultCoordinatorConfig(), zap.NewNop().Sugar())
	require.Error(t, err)
	assert.Nil(t, second)
	assert.True(t, errors.Is(err, ErrLeaseHeld))
	assert.True(t, errors.IsConflictError(err))

	// The live job is untouched: not interrupted, partial file kept
	stored, err := serving.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, stored.Status)
	assert.FileExists(t, part+fetch.PartSuffix)

	next, err := first.Submit(ctx, "https://example.test/b", "/tmp/b", wifiAndMobile)
	require.NoError(t, err)
	assert.Equal(t, id+1, next)

	tr.succeed()
	waitStatus(t, first, id, StatusSucceeded)
	require.NoError(t, first.Stop())

	// Once the owner stops, the database is free again
	third := newTestCoordinator(t, open(), newFakeFetcher(), 1)
	state, err := third.Query(next)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, state.Status)
}

func TestStaleLeaseIsTakenOver(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AcquireLease(ctx, "crashed", time.Minute))
	assert.True(t, errors.Is(store.AcquireLease(ctx, "other", time.Minute), ErrLeaseHeld))
	require.NoError(t, store.AcquireLease(ctx, "crashed", time.Minute), "owner may re-acquire")

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, store.AcquireLease(ctx, "other", 10*time.Millisecond))
	assert.True(t, errors.Is(store.RenewLease(ctx, "crashed"), ErrLeaseLost))
	require.NoError(t, store.RenewLease(ctx, "other"))

	require.NoError(t, store.ReleaseLease(ctx, "crashed"), "releasing someone else's lease is a no-op")
	assert.True(t, errors.Is(store.AcquireLease(ctx, "third", time.Minute), ErrLeaseHeld))
	require.NoError(t, store.ReleaseLease(ctx, "other"))
	require.NoError(t, store.AcquireLease(ctx, "third", time.Minute))
}

func TestSetMaxRunningDispatchesWaitingJobs(t *testing.T) {
	fetcher := newFakeFetcher()
	c := newTestCoordinator(t, newTestStore(t), fetcher, 1)

	for i := 0; i < 3; i++ {
		_, err := c.Submit(context.Background(), "https://example.test/x", "", wifiAndMobile)
		require.NoError(t, err)
	}
	fetcher.next(t)
	fetcher.assertNoStart(t)

	require.NoError(t, c.SetMaxRunning(3))
	fetcher.next(t)
	fetcher.next(t)
	assert.Equal(t, 3, c.Stats().MaxRunning)

	assert.True(t, errors.Is(c.SetMaxRunning(0), ErrValidation))
}

func TestEventsPublishedInOrder(t *testing.T) {
	fetcher := newFakeFetcher()
	c := newTestCoordinator(t, newTestStore(t), fetcher, 1)

	sub := c.Bus().Subscribe(nil)
	defer sub.Unsubscribe()

	id, err := c.Submit(context.Background(), "https://example.test/a.jpg", "a.jpg",
		Options{NotifyOnComplete: true, Title: "Holiday photo"})
	require.NoError(t, err)
	tr := fetcher.next(t)
	tr.progress(50, 100)
	tr.progress(100, 100)
	tr.succeed()

	var kinds []EventKind
	var last Event
	timeout := time.After(5 * time.Second)
	for last.Kind != EventCompleted {
		select {
		case env := <-sub.Events():
			assert.Equal(t, int64(id), env.JobID)
			last = env.Event
			kinds = append(kinds, last.Kind)
		case <-timeout:
			t.Fatalf("events so far: %v", kinds)
		}
	}

	assert.Equal(t, []EventKind{EventCreated, EventStatus, EventProgress, EventProgress, EventCompleted}, kinds)
	assert.Equal(t, StatusSucceeded, last.Status)
	assert.True(t, last.Notify)
	assert.Equal(t, "Holiday photo", last.Title)
}

func TestFetcherStartFailureFailsJob(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.err = errors.New("no route")
	c := newTestCoordinator(t, newTestStore(t), fetcher, 1)

	id, err := c.Submit(context.Background(), "https://example.test/x", "x", wifiAndMobile)
	require.NoError(t, err)

	state := waitStatus(t, c, id, StatusFailed)
	assert.Equal(t, ErrorCodeUnknown, state.LastError)
	assert.Equal(t, "Download failed (unknown)", StatusText(state))
}

func TestCompletionCallbackPanicIsContained(t *testing.T) {
	fetcher := newFakeFetcher()
	c := newTestCoordinator(t, newTestStore(t), fetcher, 2)

	var calls atomic.Int32
	c.OnCompletion(func(JobID, Status, Job, JobState) { panic("observer bug") })
	c.OnCompletion(func(JobID, Status, Job, JobState) { calls.Add(1) })

	for i := 0; i < 2; i++ {
		_, err := c.Submit(context.Background(), "https://example.test/x", "", wifiAndMobile)
		require.NoError(t, err)
		fetcher.next(t).succeed()
	}
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
}

func TestEndToEndWithFetcher(t *testing.T) {
	content := bytes.Repeat([]byte("fetchq"), 10000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "blob", time.Time{}, bytes.NewReader(content))
	}))
	defer srv.Close()

	f := fetch.New(fetch.Config{ChunkSize: 4096}, fetch.NewStaticMonitor(fetch.NetworkWifi), zap.NewNop().Sugar())
	store := newTestStore(t)
	c := newTestCoordinator(t, store, NewFetcher(f), 3)

	done := make(chan Status, 1)
	c.OnCompletion(func(id JobID, status Status, job Job, state JobState) { done <- status })

	dest := filepath.Join(t.TempDir(), "blob.bin")
	id, err := c.Submit(context.Background(), srv.URL+"/blob", dest, wifiAndMobile)
	require.NoError(t, err)

	select {
	case status := <-done:
		assert.Equal(t, StatusSucceeded, status)
	case <-time.After(10 * time.Second):
		t.Fatal("transfer did not complete")
	}

	stored, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, stored.Status)
	assert.Equal(t, int64(len(content)), stored.BytesDownloaded)
	assert.Equal(t, int64(len(content)), stored.TotalBytes)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}
