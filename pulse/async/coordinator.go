package async

import (
	"context"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/fetchq/am"
	"github.com/teranos/fetchq/errors"
	"github.com/teranos/fetchq/logger"
	"github.com/teranos/fetchq/pulse/events"
	"github.com/teranos/fetchq/pulse/fetch"
	"github.com/teranos/fetchq/sym"
)

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations
// Uses different log levels to create visual distinction:
// - DEBUG level → STARTING (✿ Opening operations)
// - WARN level → CLOSING (❀ Closing operations)
// - INFO level → PULSE (general coordinator operations)
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event - uses DEBUG level for "STARTING" appearance
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw(sym.PulseOpen+" "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event - uses WARN level for "CLOSING" appearance
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw(sym.PulseClose+" "+msg, keysAndValues...)
}

// Pulse logs general coordinator operations - uses INFO level
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(sym.Pulse+" "+msg, keysAndValues...)
}

const (
	// DefaultMaxRunning caps concurrent transfers when no limit is configured
	DefaultMaxRunning = 3

	// DefaultProgressPersistInterval throttles progress-only store writes.
	// Status changes are always written immediately.
	DefaultProgressPersistInterval = time.Second

	// shutdownTimeout bounds how long Stop waits for transfers to drain
	shutdownTimeout = 30 * time.Second
)

// Transfer is a running fetch as seen by the coordinator.
type Transfer interface {
	Events() <-chan fetch.Event
	Cancel()
}

// Fetcher starts transfers.
type Fetcher interface {
	Start(ctx context.Context, uri, destination string, allowed fetch.NetworkSet, opts ...fetch.StartOption) (Transfer, error)
}

type fetcherAdapter struct{ f *fetch.Fetcher }

func (a fetcherAdapter) Start(ctx context.Context, uri, destination string, allowed fetch.NetworkSet, opts ...fetch.StartOption) (Transfer, error) {
	t, err := a.f.Start(ctx, uri, destination, allowed, opts...)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// NewFetcher adapts a *fetch.Fetcher to the coordinator's Fetcher interface
func NewFetcher(f *fetch.Fetcher) Fetcher {
	return fetcherAdapter{f: f}
}

// CompletionFunc observes jobs reaching SUCCEEDED or FAILED.
type CompletionFunc func(id JobID, status Status, job Job, state JobState)

// CoordinatorConfig contains configuration for the coordinator
type CoordinatorConfig struct {
	MaxRunning              int           // Concurrent RUNNING/PAUSED transfers
	RequeuePending          bool          // Dispatch PENDING records found at startup
	Dirs                    DirResolver   // Resolves Options.DestinationDir
	ProgressPersistInterval time.Duration // Minimum gap between progress-only writes
	LeaseTTL                time.Duration // Claim on the database without a heartbeat
}

// DefaultCoordinatorConfig returns sensible defaults
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		MaxRunning:              DefaultMaxRunning,
		RequeuePending:          true,
		ProgressPersistInterval: DefaultProgressPersistInterval,
		LeaseTTL:                DefaultLeaseTTL,
	}
}

// CoordinatorConfigFromAM maps loaded configuration onto a CoordinatorConfig
func CoordinatorConfigFromAM(cfg *am.Config) CoordinatorConfig {
	cc := DefaultCoordinatorConfig()
	cc.MaxRunning = cfg.Coordinator.MaxRunning
	cc.RequeuePending = cfg.Coordinator.ResumeInterrupted
	cc.Dirs = cfg.ResolveDirectory
	return cc
}

type entry struct {
	job         Job
	state       JobState
	lastPersist time.Time
}

type transferUpdate struct {
	id    JobID
	event fetch.Event
}

// Coordinator owns every job. A single loop goroutine applies submissions,
// cancellations and transfer events; readers use a lock-protected snapshot.
type Coordinator struct {
	store   *Store
	fetcher Fetcher
	bus     *events.Bus[Event]
	cfg     CoordinatorConfig
	logger  pulseLogger

	commands chan func()
	updates  chan transferUpdate

	mu   sync.RWMutex // guards jobs; only the loop writes
	jobs map[JobID]*entry

	// owned by the loop goroutine
	pending []JobID
	active  map[JobID]Transfer
	nextID  JobID

	leaseOwner string

	maxRunning  atomic.Int64
	activeCount atomic.Int64

	callbackMu sync.Mutex
	callbacks  []CompletionFunc

	ctx      context.Context
	cancel   context.CancelFunc
	running  atomic.Bool
	stopped  atomic.Bool
	loopWG   sync.WaitGroup
	notifyWG sync.WaitGroup
	fwdWG    sync.WaitGroup
}

// NewCoordinator claims the database, loads stored records and prepares the
// coordinator. A database owned by another live coordinator is refused with
// ErrLeaseHeld before any record is touched. Records left PENDING are queued
// again (unless RequeuePending is false); records left RUNNING or PAUSED are
// failed as interrupted.
func NewCoordinator(ctx context.Context, store *Store, fetcher Fetcher, cfg CoordinatorConfig, log *zap.SugaredLogger) (*Coordinator, error) {
	if log == nil {
		log = logger.ComponentLogger("coordinator")
	}
	if cfg.MaxRunning < 1 {
		cfg.MaxRunning = DefaultMaxRunning
	}
	if cfg.ProgressPersistInterval <= 0 {
		cfg.ProgressPersistInterval = DefaultProgressPersistInterval
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}

	c := &Coordinator{
		store:    store,
		fetcher:  fetcher,
		bus:      events.NewBus[Event](),
		cfg:      cfg,
		logger:   pulseLogger{log.Named("pulse")},
		commands: make(chan func()),
		updates:  make(chan transferUpdate, 256),
		jobs:     make(map[JobID]*entry),
		active:   make(map[JobID]Transfer),

		leaseOwner: uuid.New().String(),
	}
	c.maxRunning.Store(int64(cfg.MaxRunning))

	if err := store.AcquireLease(ctx, c.leaseOwner, cfg.LeaseTTL); err != nil {
		return nil, err
	}
	if err := c.recover(ctx); err != nil {
		c.releaseLease()
		return nil, err
	}
	return c, nil
}

func (c *Coordinator) releaseLease() {
	if err := c.store.ReleaseLease(context.Background(), c.leaseOwner); err != nil {
		c.logger.Warnw("Failed to release coordinator lease", logger.FieldError, err)
	}
}

func (c *Coordinator) renewLease() {
	if err := c.store.RenewLease(c.ctx, c.leaseOwner); err != nil {
		c.logger.Errorw("Failed to renew coordinator lease", logger.FieldError, err)
	}
}

func (c *Coordinator) recover(ctx context.Context) error {
	maxID, err := c.store.MaxID(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load transfer ids")
	}
	c.nextID = maxID + 1

	records, err := c.store.List(ctx, nil, 0)
	if err != nil {
		return errors.Wrap(err, "failed to load transfers")
	}

	var requeued, interrupted int
	now := time.Now()
	for _, rec := range records {
		e := &entry{job: rec.Job, state: rec.JobState, lastPersist: now}

		interrupt := false
		switch rec.Status {
		case StatusPending:
			if c.cfg.RequeuePending {
				c.pending = append(c.pending, rec.ID)
				requeued++
			} else {
				interrupt = true
			}
		case StatusRunning, StatusPaused:
			interrupt = true
		}

		if interrupt {
			e.state.fail(ErrorCodeInterrupted, "process stopped before the transfer finished", now)
			if err := c.persist(ctx, e.job, e.state); err != nil {
				return errors.Wrapf(err, "failed to mark transfer %d interrupted", rec.ID)
			}
			os.Remove(rec.Destination + fetch.PartSuffix)
			interrupted++
		}
		c.jobs[rec.ID] = e
	}

	if len(records) > 0 {
		c.logger.Starting("Recovered transfers",
			logger.FieldCount, len(records),
			"requeued", requeued,
			"interrupted", interrupted,
			"next_id", int64(c.nextID),
		)
	}
	return nil
}

// Bus exposes the event bus for observers such as the websocket server.
func (c *Coordinator) Bus() *events.Bus[Event] { return c.bus }

// Start launches the coordination loop and dispatches queued jobs.
func (c *Coordinator) Start() error {
	if c.stopped.Load() {
		return errors.New("coordinator cannot be restarted after Stop")
	}
	if c.running.Load() {
		return nil
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.running.Store(true)

	completions := c.bus.Subscribe(func(env events.Envelope[Event]) bool {
		return env.Event.Kind == EventCompleted
	})
	c.notifyWG.Add(1)
	go c.notifyCompletions(completions)

	c.loopWG.Add(1)
	go c.loop()

	c.logger.Starting("Coordinator started",
		"max_running", c.maxRunning.Load(),
		"pending", len(c.pending),
	)
	return nil
}

// Stop ends the loop and cancels in-flight transfers without recording them
// as failed, so a later process reports them as interrupted.
func (c *Coordinator) Stop() error {
	if !c.running.CompareAndSwap(true, false) {
		// Never started: only the lease needs giving back
		if c.stopped.CompareAndSwap(false, true) {
			c.releaseLease()
		}
		return nil
	}
	c.stopped.Store(true)
	c.logger.Closing("Coordinator stopping", "active", c.activeCount.Load())

	c.cancel()
	c.loopWG.Wait()

	drained := make(chan struct{})
	go func() {
		c.fwdWG.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-time.After(shutdownTimeout):
		err = errors.Mark(errors.Newf("transfers did not stop within %s", shutdownTimeout), errors.ErrTimeout)
	}

	c.bus.Close()
	c.notifyWG.Wait()
	c.releaseLease()
	c.logger.Closing("Coordinator stopped")
	return err
}

func (c *Coordinator) loop() {
	defer c.loopWG.Done()

	heartbeat := time.NewTicker(c.cfg.LeaseTTL / 3)
	defer heartbeat.Stop()

	c.dispatch()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-heartbeat.C:
			c.renewLease()
		case cmd := <-c.commands:
			cmd()
		case u := <-c.updates:
			c.handleUpdate(u)
		}
	}
}

// do runs fn on the loop goroutine and waits for its result.
func (c *Coordinator) do(fn func() error) error {
	if !c.running.Load() {
		return ErrNotRunning
	}
	result := make(chan error, 1)
	select {
	case c.commands <- func() { result <- fn() }:
	case <-c.ctx.Done():
		return ErrNotRunning
	}
	select {
	case err := <-result:
		return err
	case <-c.ctx.Done():
		return ErrNotRunning
	}
}

// Submit validates and records a job and schedules it. It returns once the
// job is persisted; the transfer itself runs in the background.
func (c *Coordinator) Submit(ctx context.Context, uri, destination string, opts Options) (JobID, error) {
	job, err := buildJob(uri, destination, opts, c.cfg.Dirs)
	if err != nil {
		return 0, err
	}

	var id JobID
	err = c.do(func() error {
		now := time.Now()
		job.ID = c.nextID
		job.CreatedAt = now
		e := &entry{job: job, state: NewJobState(now), lastPersist: now}

		if err := c.store.Insert(ctx, &Record{Job: e.job, JobState: e.state}); err != nil {
			return err
		}
		c.nextID++
		c.setEntry(e)
		c.pending = append(c.pending, job.ID)
		id = job.ID

		c.logger.Pulse("Transfer submitted",
			logger.FieldJobID, int64(job.ID),
			logger.FieldURI, job.URI,
			logger.FieldDestination, job.Destination,
			logger.FieldAllowed, job.AllowedNetworks.String(),
		)
		c.publish(EventCreated, e)
		c.dispatch()
		return nil
	})
	return id, err
}

// Query returns a point-in-time copy of the job's state without waiting on
// the coordination loop.
func (c *Coordinator) Query(id JobID) (JobState, error) {
	c.mu.RLock()
	e, ok := c.jobs[id]
	var state JobState
	if ok {
		state = e.state
	}
	c.mu.RUnlock()
	if ok {
		return state, nil
	}

	rec, err := c.store.Get(context.Background(), id)
	if err != nil {
		return JobState{}, err
	}
	return rec.JobState, nil
}

// Get returns the job and its state.
func (c *Coordinator) Get(id JobID) (Record, error) {
	c.mu.RLock()
	e, ok := c.jobs[id]
	var rec Record
	if ok {
		rec = Record{Job: e.job, JobState: e.state}
	}
	c.mu.RUnlock()
	if ok {
		return rec, nil
	}

	stored, err := c.store.Get(context.Background(), id)
	if err != nil {
		return Record{}, err
	}
	return *stored, nil
}

// List returns every known job in id order.
func (c *Coordinator) List() []Record {
	c.mu.RLock()
	out := make([]Record, 0, len(c.jobs))
	for _, e := range c.jobs {
		out = append(out, Record{Job: e.job, JobState: e.state})
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Cancel fails a non-terminal job with ErrorCodeCancelled. A job whose
// transfer is in flight keeps its concurrency slot until the transfer stops.
// Cancelling a terminal job does nothing.
func (c *Coordinator) Cancel(id JobID) error {
	return c.do(func() error {
		e, ok := c.jobs[id]
		if !ok {
			// Only purged or foreign ids get here
			_, err := c.store.Get(c.ctx, id)
			return err
		}
		if e.state.Status.IsTerminal() {
			return nil
		}

		next := e.state
		next.fail(ErrorCodeCancelled, "cancelled by request", time.Now())
		if err := c.persist(c.ctx, e.job, next); err != nil {
			return err
		}
		c.commit(e, next)

		if tr, inFlight := c.active[id]; inFlight {
			tr.Cancel()
		} else {
			c.removePending(id)
		}

		c.logger.Pulse("Transfer cancelled",
			logger.FieldJobID, int64(id),
			logger.FieldBytes, next.BytesDownloaded,
		)
		c.publish(EventCompleted, e)
		return nil
	})
}

// Purge deletes the record of a terminal job.
func (c *Coordinator) Purge(id JobID) error {
	return c.do(func() error {
		if e, ok := c.jobs[id]; ok {
			if !e.state.Status.IsTerminal() {
				return errors.WithHint(
					errors.NewConflictError("transfer %d is %s", id, e.state.Status),
					"cancel the transfer before purging it")
			}
		} else if _, err := c.store.Get(c.ctx, id); err != nil {
			return err
		}

		if err := c.store.Delete(c.ctx, id); err != nil {
			return err
		}
		c.mu.Lock()
		delete(c.jobs, id)
		c.mu.Unlock()

		c.logger.Debugw("Transfer purged", logger.FieldJobID, int64(id))
		return nil
	})
}

// SetMaxRunning changes the concurrency cap. Raising it dispatches waiting
// jobs at once; lowering it never interrupts running transfers.
func (c *Coordinator) SetMaxRunning(n int) error {
	if n < 1 {
		return errors.Mark(errors.Newf("max running must be at least 1, got %d", n), ErrValidation)
	}
	old := c.maxRunning.Swap(int64(n))
	if old != int64(n) {
		c.logger.Pulse("Concurrency limit changed", "from", old, "to", n)
	}
	if !c.running.Load() {
		return nil
	}
	return c.do(func() error {
		c.dispatch()
		return nil
	})
}

// OnCompletion registers fn to run once for every job that reaches a terminal
// status after registration. Callbacks run on a dedicated goroutine, one at a
// time, in the order jobs terminated.
func (c *Coordinator) OnCompletion(fn CompletionFunc) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.callbacks = append(c.callbacks, fn)
}

// Stats summarizes job counts by status.
type Stats struct {
	Pending    int `json:"pending"`
	Running    int `json:"running"`
	Paused     int `json:"paused"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Active     int `json:"active"` // transfers holding a slot, including cancelled ones still draining
	MaxRunning int `json:"max_running"`
}

func (c *Coordinator) Stats() Stats {
	s := Stats{
		Active:     int(c.activeCount.Load()),
		MaxRunning: int(c.maxRunning.Load()),
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.jobs {
		switch e.state.Status {
		case StatusPending:
			s.Pending++
		case StatusRunning:
			s.Running++
		case StatusPaused:
			s.Paused++
		case StatusSucceeded:
			s.Succeeded++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

// dispatch starts pending jobs in FIFO order while slots are free.
func (c *Coordinator) dispatch() {
	for len(c.active) < int(c.maxRunning.Load()) && len(c.pending) > 0 {
		id := c.pending[0]
		c.pending = c.pending[1:]

		e, ok := c.jobs[id]
		if !ok || e.state.Status != StatusPending {
			continue
		}

		tr, err := c.fetcher.Start(c.ctx, e.job.URI, e.job.Destination, e.job.AllowedNetworks,
			fetch.WithLogFields(logger.FieldJobID, int64(id)))
		if err != nil {
			c.logger.Warnw("Failed to start transfer", logger.FieldJobID, int64(id), logger.FieldError, err)
			next := e.state
			next.fail(ErrorCodeUnknown, err.Error(), time.Now())
			c.finish(e, next)
			continue
		}

		c.active[id] = tr
		c.activeCount.Store(int64(len(c.active)))
		c.fwdWG.Add(1)
		go c.forward(id, tr)
	}
}

// forward moves one transfer's events onto the loop in order. After Stop it
// cancels the transfer and discards the rest of its stream.
func (c *Coordinator) forward(id JobID, tr Transfer) {
	defer c.fwdWG.Done()
	for {
		select {
		case ev, ok := <-tr.Events():
			if !ok {
				return
			}
			select {
			case c.updates <- transferUpdate{id: id, event: ev}:
			case <-c.ctx.Done():
				abandon(tr)
				return
			}
		case <-c.ctx.Done():
			abandon(tr)
			return
		}
	}
}

func abandon(tr Transfer) {
	tr.Cancel()
	for range tr.Events() {
	}
}

func (c *Coordinator) handleUpdate(u transferUpdate) {
	e, ok := c.jobs[u.id]
	if u.event.Kind == fetch.EventCompletion {
		delete(c.active, u.id)
		c.activeCount.Store(int64(len(c.active)))
		defer c.dispatch()
	}
	if !ok || e.state.Status.IsTerminal() {
		return
	}

	now := time.Now()
	next := e.state

	switch u.event.Kind {
	case fetch.EventProgress:
		p := u.event.Progress
		moved := next.progress(p.BytesSoFar, p.TotalBytes, now)
		started := next.start(now)
		if !moved && !started {
			return
		}
		if started || now.Sub(e.lastPersist) >= c.cfg.ProgressPersistInterval {
			c.persistUpdate(e, next)
		}
		c.commit(e, next)
		if started {
			c.publish(EventStatus, e)
		}
		c.publish(EventProgress, e)

	case fetch.EventPaused:
		if !next.pause(now) {
			return
		}
		c.persistUpdate(e, next)
		c.commit(e, next)
		c.logger.Pulse("Transfer paused",
			logger.FieldJobID, int64(u.id),
			logger.FieldNetwork, u.event.Network.String(),
		)
		c.publish(EventStatus, e)

	case fetch.EventResumed:
		if next.Status != StatusPaused || !next.start(now) {
			return
		}
		c.persistUpdate(e, next)
		c.commit(e, next)
		c.publish(EventStatus, e)

	case fetch.EventCompletion:
		comp := u.event.Completion
		if comp.Success {
			next.succeed(now)
		} else {
			next.fail(comp.Code, comp.Reason, now)
		}
		c.finish(e, next)
	}
}

// finish records a terminal state and announces it.
func (c *Coordinator) finish(e *entry, next JobState) {
	c.persistUpdate(e, next)
	c.commit(e, next)

	if next.Status == StatusSucceeded {
		c.logger.Pulse("Transfer succeeded",
			logger.FieldJobID, int64(e.job.ID),
			logger.FieldBytes, next.BytesDownloaded,
		)
	} else {
		c.logger.Pulse("Transfer failed",
			logger.FieldJobID, int64(e.job.ID),
			logger.FieldErrorCode, string(next.LastError),
			logger.FieldError, next.ErrorMessage,
		)
	}
	c.publish(EventCompleted, e)
}

func (c *Coordinator) persist(ctx context.Context, job Job, state JobState) error {
	return c.store.Put(ctx, &Record{Job: job, JobState: state})
}

// persistUpdate writes a transfer-driven change. The transfer already
// happened, so a failed write is logged and memory stays authoritative.
func (c *Coordinator) persistUpdate(e *entry, next JobState) {
	if err := c.persist(c.ctx, e.job, next); err != nil {
		c.logger.Errorw("Failed to persist transfer state",
			logger.FieldJobID, int64(e.job.ID),
			logger.FieldStatus, string(next.Status),
			logger.FieldError, err,
		)
		return
	}
	e.lastPersist = time.Now()
}

func (c *Coordinator) setEntry(e *entry) {
	c.mu.Lock()
	c.jobs[e.job.ID] = e
	c.mu.Unlock()
}

func (c *Coordinator) commit(e *entry, next JobState) {
	c.mu.Lock()
	e.state = next
	c.mu.Unlock()
}

func (c *Coordinator) removePending(id JobID) {
	for i, p := range c.pending {
		if p == id {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

func (c *Coordinator) publish(kind EventKind, e *entry) {
	ev := newEvent(kind, &e.job, &e.state)
	if kind == EventCompleted {
		ev.record = &Record{Job: e.job, JobState: e.state}
	}
	c.bus.Publish(int64(e.job.ID), ev)
}

func (c *Coordinator) notifyCompletions(sub *events.Subscription[Event]) {
	defer c.notifyWG.Done()
	for env := range sub.Events() {
		rec := env.Event.record
		if rec == nil {
			continue
		}
		c.callbackMu.Lock()
		callbacks := append([]CompletionFunc(nil), c.callbacks...)
		c.callbackMu.Unlock()

		for _, fn := range callbacks {
			c.runCallback(fn, rec)
		}
	}
}

func (c *Coordinator) runCallback(fn CompletionFunc, rec *Record) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorw("Completion callback panicked",
				logger.FieldJobID, int64(rec.ID),
				"panic", r,
			)
		}
	}()
	fn(rec.ID, rec.Status, rec.Job, rec.JobState)
}
