package output

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/pixel"
)

func segments(l Layout) [][]pixel.RGB8 {
	out := make([][]pixel.RGB8, len(l.Segments))
	for i, n := range l.Segments {
		out[i] = make([]pixel.RGB8, n)
	}
	return out
}

func TestLayoutValidate(t *testing.T) {
	assert.ErrorIs(t, Layout{}.Validate(), ErrInvalidLayout)
	assert.ErrorIs(t, Layout{Segments: []int{10, 0}}.Validate(), ErrInvalidLayout)
	l := Layout{Segments: []int{160, 160}}
	require.NoError(t, l.Validate())
	assert.Equal(t, 320, l.Total())
}

func TestNullCountsAndCaptures(t *testing.T) {
	d := NewNull()
	l := Layout{Segments: []int{2, 3}}
	assert.ErrorIs(t, d.Show(segments(l)), ErrNotInitialized)

	d.Capture = true
	require.NoError(t, d.Initialize(l))
	segs := segments(l)
	segs[1][2] = pixel.RGB8{R: 9}
	require.NoError(t, d.Show(segs))
	assert.Equal(t, pixel.RGB8{R: 9}, d.Last[4])

	assert.ErrorIs(t, d.Show(segs[:1]), ErrSegmentLength)
	st := d.Stats()
	assert.Equal(t, uint64(1), st.Frames)
	assert.Equal(t, uint64(5), st.Pixels)
	assert.Equal(t, uint64(2), st.Errors)
}

func TestSimulatedSleepsLongestSegment(t *testing.T) {
	d := NewSimulated(0)
	var slept time.Duration
	d.sleep = func(d time.Duration) { slept += d }
	l := Layout{Segments: []int{100, 160}}
	require.NoError(t, d.Initialize(l))

	require.NoError(t, d.Show(segments(l)))
	assert.Equal(t, 160*DefaultWireTime, slept)
	assert.Equal(t, 4800*time.Microsecond, d.TransferTime())
}

type failingDriver struct {
	Null
	fail  bool
	calls int
}

func (d *failingDriver) Show(s [][]pixel.RGB8) error {
	d.calls++
	if d.fail {
		return errors.New("bus fault")
	}
	return nil
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	inner := &failingDriver{fail: true}
	var changes []string
	b := NewBreaker("strip", inner, BreakerConfig{Failures: 3, Cooldown: 20 * time.Millisecond},
		func(from, to string) { changes = append(changes, from+">"+to) })
	l := Layout{Segments: []int{4}}
	require.NoError(t, b.Initialize(l))
	segs := segments(l)

	for i := 0; i < 3; i++ {
		err := b.Show(segs)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}
	assert.ErrorIs(t, b.Show(segs), ErrCircuitOpen)
	assert.Equal(t, 3, inner.calls)
	assert.Equal(t, "open", b.State())

	inner.fail = false
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, b.Show(segs))
	assert.Equal(t, "closed", b.State())
	assert.Equal(t, []string{"closed>open", "open>half-open", "half-open>closed"}, changes)
}
