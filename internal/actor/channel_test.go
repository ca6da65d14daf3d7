package actor

import (
	"context"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandIsSixteenBytes(t *testing.T) {
	assert.Equal(t, uintptr(16), unsafe.Sizeof(Command{}))
}

func TestChannelSaturatesAtCapacity(t *testing.T) {
	const timeout = 20 * time.Millisecond
	ch, err := NewChannel(16, timeout)
	require.NoError(t, err)

	for i := 0; i < 16; i++ {
		require.NoError(t, ch.Push(SetEffect(uint8(i))))
	}

	for i := 16; i < 20; i++ {
		begin := time.Now()
		err := ch.Push(SetEffect(uint8(i)))
		assert.ErrorIs(t, err, ErrSaturated)
		assert.GreaterOrEqual(t, time.Since(begin), timeout)
	}

	// Exactly the first sixteen, in order, and nothing else.
	for i := 0; i < 16; i++ {
		cmd, ok := ch.TryRecv()
		require.True(t, ok)
		assert.Equal(t, uint8(i), cmd.P1)
	}
	_, ok := ch.TryRecv()
	assert.False(t, ok)

	st := ch.Stats()
	assert.Equal(t, uint64(16), st.Accepted)
	assert.Equal(t, uint64(4), st.Saturated)
	assert.Equal(t, uint64(16), st.Received)
	assert.Equal(t, 16, st.HighWater)
}

func TestChannelPushUnblocksWhenSpaceFrees(t *testing.T) {
	ch, err := NewChannel(16, time.Second)
	require.NoError(t, err)
	for i := 0; i < 16; i++ {
		require.NoError(t, ch.Push(SetEffect(uint8(i))))
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		ch.TryRecv()
	}()

	require.NoError(t, ch.Push(SetEffect(16)))
	assert.Equal(t, 16, ch.Len())

	var last Command
	for {
		cmd, ok := ch.TryRecv()
		if !ok {
			break
		}
		last = cmd
	}
	assert.Equal(t, uint8(16), last.P1)
}

func TestChannelTryPushAndUtilization(t *testing.T) {
	ch, err := NewChannel(4, 0)
	require.NoError(t, err)
	require.NoError(t, ch.TryPush(Shutdown()))
	require.NoError(t, ch.TryPush(Shutdown()))
	assert.Equal(t, 50, ch.Utilization())
	require.NoError(t, ch.TryPush(Shutdown()))
	require.NoError(t, ch.TryPush(Shutdown()))
	assert.ErrorIs(t, ch.TryPush(Shutdown()), ErrSaturated)
	assert.Equal(t, 100, ch.Utilization())
}

func TestChannelPushContextCancelled(t *testing.T) {
	ch, err := NewChannel(1, time.Second)
	require.NoError(t, err)
	require.NoError(t, ch.Push(Shutdown()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, ch.PushContext(ctx, Shutdown()), context.Canceled)
}

func TestNewChannelRejectsZeroCapacity(t *testing.T) {
	_, err := NewChannel(0, time.Millisecond)
	assert.ErrorIs(t, err, ErrInvalidCapacity)
}

func TestCommandValidate(t *testing.T) {
	valid := []Command{
		SetEffect(3),
		SetParam(ParamHue, 200),
		SetZoneEffect(MaxZones-1, 1),
		ClearZoneEffect(0),
		SetZoneMode(true),
		SetTension(0.5),
		ClearTension(),
		NarrativeControl(NarrativeAdvance),
		Shutdown(),
		{Kind: KindHealthCheck},
	}
	for _, c := range valid {
		assert.NoError(t, c.Validate(), "%s", c.Kind)
	}

	invalid := []Command{
		{Kind: KindSetParam, P1: uint8(numParams)},
		SetZoneEffect(MaxZones, 1),
		{Kind: KindSetZoneMode, P1: 2},
		SetTension(1.5),
		SetTension(-0.1),
		{Kind: KindNarrative, P1: uint8(numNarrativeOps)},
		{Kind: 0x42},
		{Kind: 0x81},
	}
	for _, c := range invalid {
		assert.ErrorIs(t, c.Validate(), ErrMalformedCommand, "%s", c.Kind)
	}
}

func TestParseParam(t *testing.T) {
	p, ok := ParseParam("saturation")
	require.True(t, ok)
	assert.Equal(t, ParamSaturation, p)

	_, ok = ParseParam("volume")
	assert.False(t, ok)
}
