package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutInOrder(t *testing.T) {
	b := New()
	var got []string
	_, err := b.Subscribe(EffectChanged, func(ev Event) { got = append(got, "a") })
	require.NoError(t, err)
	_, err = b.Subscribe(EffectChanged, func(ev Event) { got = append(got, "b") })
	require.NoError(t, err)
	_, err = b.Subscribe(FrameRendered, func(ev Event) { got = append(got, "other") })
	require.NoError(t, err)

	n := b.Publish(Event{Topic: EffectChanged, P1: 3})
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b"}, got)

	st := b.Stats()
	assert.Equal(t, uint64(1), st.Published)
	assert.Equal(t, uint64(2), st.Deliveries)
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	var calls int
	sub, err := b.Subscribe(PhaseChanged, func(Event) { calls++ })
	require.NoError(t, err)

	require.NoError(t, b.Unsubscribe(sub))
	assert.Equal(t, 0, b.Publish(Event{Topic: PhaseChanged}))
	assert.Zero(t, calls)

	assert.ErrorIs(t, b.Unsubscribe(sub), ErrSubscriberNotFound)
}

func TestSubscribeValidation(t *testing.T) {
	b := New()
	_, err := b.Subscribe(numTopics, func(Event) {})
	assert.ErrorIs(t, err, ErrUnknownTopic)
	_, err = b.Subscribe(FrameRendered, nil)
	assert.ErrorIs(t, err, ErrNilHandler)

	b.Close()
	_, err = b.Subscribe(FrameRendered, func(Event) {})
	assert.ErrorIs(t, err, ErrBusClosed)
	assert.Equal(t, 0, b.Publish(Event{Topic: FrameRendered}))
}

// A handler that unsubscribes itself during publish must not disturb the
// iteration in progress.
func TestUnsubscribeDuringPublish(t *testing.T) {
	b := New()
	var sub Subscription
	var selfCalls, otherCalls int
	var err error
	sub, err = b.Subscribe(CommandRejected, func(Event) {
		selfCalls++
		require.NoError(t, b.Unsubscribe(sub))
	})
	require.NoError(t, err)
	_, err = b.Subscribe(CommandRejected, func(Event) { otherCalls++ })
	require.NoError(t, err)

	assert.Equal(t, 2, b.Publish(Event{Topic: CommandRejected}))
	assert.Equal(t, 1, b.Publish(Event{Topic: CommandRejected}))
	assert.Equal(t, 1, selfCalls)
	assert.Equal(t, 2, otherCalls)
}

func TestConcurrentSubscribeAndPublish(t *testing.T) {
	b := New()
	var delivered atomic.Uint64
	var stop atomic.Bool
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for !stop.Load() {
			b.Publish(Event{Topic: FrameRendered})
		}
	}()

	for i := 0; i < 200; i++ {
		sub, err := b.Subscribe(FrameRendered, func(Event) { delivered.Add(1) })
		require.NoError(t, err)
		if i%2 == 0 {
			require.NoError(t, b.Unsubscribe(sub))
		}
	}
	time.Sleep(5 * time.Millisecond)
	stop.Store(true)
	wg.Wait()

	assert.Equal(t, 100, b.Subscribers(FrameRendered))
	assert.Greater(t, delivered.Load(), uint64(0))
}

func TestPublishDoesNotAllocate(t *testing.T) {
	b := New()
	var n int
	_, err := b.Subscribe(FrameRendered, func(Event) { n++ })
	require.NoError(t, err)

	allocs := testing.AllocsPerRun(1000, func() {
		b.Publish(Event{Topic: FrameRendered, Seq: 1})
	})
	assert.Zero(t, allocs)
}
