package productionline_test

import (
	"testing"
	"time"

	"github.com/Azure/go-productionline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeSince(t *testing.T) {
	t.Parallel()
	timer := productionline.NewTimer()

	require.NoError(t, timer.StartTime("x"))
	time.Sleep(2 * time.Second)

	elapsed, err := timer.TimeSince("x")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, 2.0)
	assert.Less(t, elapsed, 2.5)
}

func TestTimeSinceIsMonotonic(t *testing.T) {
	t.Parallel()
	timer := productionline.NewTimer()
	require.NoError(t, timer.StartTime("x"))

	previous := 0.0
	for i := 0; i < 50; i++ {
		elapsed, err := timer.TimeSince("x")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, elapsed, previous)
		previous = elapsed
	}
}

func TestTimerErrors(t *testing.T) {
	t.Parallel()
	timer := productionline.NewTimer()

	_, err := timer.TimeSince("nonexistent")
	assert.ErrorIs(t, err, productionline.ErrUnknownMarker)
	assert.Contains(t, err.Error(), `"nonexistent"`)

	err = timer.StartTime("")
	assert.ErrorIs(t, err, productionline.ErrInvalidLabel)
	assert.Equal(t, 0, timer.Len())
}

func TestStartTimeOverwrites(t *testing.T) {
	t.Parallel()
	timer := productionline.NewTimer()

	require.NoError(t, timer.StartTime("x"))
	first, ok := timer.Marker("x")
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, timer.StartTime("x"))
	second, ok := timer.Marker("x")
	require.True(t, ok)

	assert.True(t, second.Start.After(first.Start))
	assert.Equal(t, 1, timer.Len())

	elapsed, err := timer.TimeSince("x")
	require.NoError(t, err)
	assert.Less(t, elapsed, first.Elapsed().Seconds())
}
