package events

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive[E any](t *testing.T, sub *Subscription[E], n int) []Envelope[E] {
	t.Helper()
	out := make([]Envelope[E], 0, n)
	for len(out) < n {
		select {
		case env, ok := <-sub.Events():
			require.True(t, ok, "subscription closed after %d events", len(out))
			out = append(out, env)
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d of %d events", len(out), n)
		}
	}
	return out
}

func TestPublishOrderAndNoDrops(t *testing.T) {
	bus := NewBus[int]()
	defer bus.Close()

	sub := bus.Subscribe(nil)
	const n = 10000

	// Nobody reads yet: Publish must not block on a slow subscriber
	done := make(chan struct{})
	go func() {
		for i := 0; i < n; i++ {
			bus.Publish(int64(i%3), i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked")
	}

	got := receive(t, sub, n)
	for i, env := range got {
		assert.Equal(t, i, env.Event)
		assert.Equal(t, uint64(i+1), env.Seq)
	}
}

func TestPredicateFiltersByJob(t *testing.T) {
	bus := NewBus[string]()
	defer bus.Close()

	job2 := bus.Subscribe(ForJob[string](2))
	all := bus.Subscribe(nil)

	bus.Publish(1, "a")
	bus.Publish(2, "b")
	bus.Publish(1, "c")
	bus.Publish(2, "d")

	got := receive(t, job2, 2)
	assert.Equal(t, "b", got[0].Event)
	assert.Equal(t, "d", got[1].Event)
	assert.Len(t, receive(t, all, 4), 4)
}

func TestSubscriptionIDs(t *testing.T) {
	bus := NewBus[int]()
	defer bus.Close()

	a := bus.Subscribe(nil)
	b := bus.Subscribe(nil)
	assert.NotEqual(t, a.ID(), b.ID())
	_, err := uuid.Parse(a.ID())
	assert.NoError(t, err)
	assert.Equal(t, 2, bus.Len())
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus[int]()
	defer bus.Close()

	sub := bus.Subscribe(nil)
	other := bus.Subscribe(nil)
	bus.Publish(1, 1)
	sub.Unsubscribe()
	sub.Unsubscribe()
	bus.Publish(1, 2)

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.Events():
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	got := receive(t, other, 2)
	assert.Equal(t, 2, got[1].Event)
	assert.Equal(t, 1, bus.Len())
}

func TestCloseDeliversQueuedThenEnds(t *testing.T) {
	bus := NewBus[int]()
	sub := bus.Subscribe(nil)

	bus.Publish(1, 1)
	bus.Publish(1, 2)
	bus.Close()
	bus.Publish(1, 3)

	got := receive(t, sub, 2)
	assert.Equal(t, []int{1, 2}, []int{got[0].Event, got[1].Event})

	_, ok := <-sub.Events()
	assert.False(t, ok)

	late := bus.Subscribe(nil)
	_, ok = <-late.Events()
	assert.False(t, ok, "subscribing to a closed bus yields a closed channel")
}

func TestConcurrentPublishers(t *testing.T) {
	bus := NewBus[int]()
	defer bus.Close()
	sub := bus.Subscribe(nil)

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				bus.Publish(int64(p), i)
			}
		}(p)
	}
	wg.Wait()

	got := receive(t, sub, 800)
	last := map[int64]int{}
	for _, env := range got {
		if prev, ok := last[env.JobID]; ok {
			assert.Greater(t, env.Event, prev, "per-publisher order is kept")
		}
		last[env.JobID] = env.Event
	}
}
