// Package pulse holds fetchq's transfer machinery: the fetcher (pulse/fetch),
// the job coordinator (pulse/async) and its event bus (pulse/events). This
// package adds helpers for following a single transfer to completion.
package pulse

import (
	"context"

	"github.com/teranos/fetchq/errors"
	"github.com/teranos/fetchq/pulse/async"
	"github.com/teranos/fetchq/pulse/events"
)

// ProgressObserver is told about one transfer's changes while it is followed.
type ProgressObserver interface {
	// OnUpdate receives the starting snapshot, then every non-terminal event
	OnUpdate(ev async.Event)

	// OnComplete receives the terminal record exactly once
	OnComplete(rec async.Record)
}

// ObserverFuncs adapts plain functions to ProgressObserver. Nil funcs are skipped.
type ObserverFuncs struct {
	Update   func(async.Event)
	Complete func(async.Record)
}

func (o ObserverFuncs) OnUpdate(ev async.Event) {
	if o.Update != nil {
		o.Update(ev)
	}
}

func (o ObserverFuncs) OnComplete(rec async.Record) {
	if o.Complete != nil {
		o.Complete(rec)
	}
}

// Follow reports the transfer's progress to obs until it reaches a terminal
// status, ctx is done or the coordinator stops. A transfer that is already
// terminal is reported through OnComplete straight away.
func Follow(ctx context.Context, c *async.Coordinator, id async.JobID, obs ProgressObserver) (async.Record, error) {
	// Subscribe before the snapshot so nothing between them is missed
	sub := c.Bus().Subscribe(events.ForJob[async.Event](int64(id)))
	defer sub.Unsubscribe()

	rec, err := c.Get(id)
	if err != nil {
		return async.Record{}, err
	}
	if rec.Status.IsTerminal() {
		obs.OnComplete(rec)
		return rec, nil
	}
	obs.OnUpdate(snapshotEvent(rec))

	for {
		select {
		case <-ctx.Done():
			return rec, errors.Wrapf(ctx.Err(), "stopped following transfer %d", id)

		case env, ok := <-sub.Events():
			if !ok {
				return rec, async.ErrNotRunning
			}
			ev := env.Event
			if ev.Kind != async.EventCompleted {
				obs.OnUpdate(ev)
				continue
			}
			final, err := c.Get(id)
			if err != nil {
				return rec, err
			}
			obs.OnComplete(final)
			return final, nil
		}
	}
}

func snapshotEvent(rec async.Record) async.Event {
	return async.Event{
		Kind:            async.EventStatus,
		JobID:           rec.ID,
		Status:          rec.Status,
		BytesDownloaded: rec.BytesDownloaded,
		TotalBytes:      rec.TotalBytes,
		LastError:       rec.LastError,
		Title:           rec.Title,
		At:              rec.UpdatedAt,
	}
}
