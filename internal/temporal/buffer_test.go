package temporal_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisshield/telemetry-rules-engine/internal/temporal"
)

func TestStore_WindowReturnsOnlySamplesWithinRange(t *testing.T) {
	s := temporal.NewStore(10, 0)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	s.Update("input:a", 1, base)
	s.Update("input:a", 2, base.Add(1*time.Second))
	s.Update("input:a", 3, base.Add(5*time.Second))

	window := s.Window("input:a", 2*time.Second, base.Add(2*time.Second))
	require.Len(t, window, 2)
	assert.Equal(t, 1.0, window[0].Value)
	assert.Equal(t, 2.0, window[1].Value)
}

func TestStore_WindowEmptyForUnknownSensor(t *testing.T) {
	s := temporal.NewStore(10, 0)
	window := s.Window("input:never_seen", time.Minute, time.Now().UTC())
	assert.Empty(t, window)
}

func TestStore_RingEvictsOldestOnOverflow(t *testing.T) {
	s := temporal.NewStore(3, 0)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s.Update("input:a", float64(i), base.Add(time.Duration(i)*time.Second))
	}
	window := s.Window("input:a", time.Hour, base.Add(10*time.Second))
	require.Len(t, window, 3)
	assert.Equal(t, []float64{2, 3, 4}, []float64{window[0].Value, window[1].Value, window[2].Value})
}

func TestStore_UpdateDropsSamplesFasterThanSamplingPeriod(t *testing.T) {
	s := temporal.NewStore(10, 5*time.Second)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, s.Update("input:a", 1, base))
	assert.False(t, s.Update("input:a", 2, base.Add(1*time.Second)), "arrives before the sampling period elapses")
	assert.True(t, s.Update("input:a", 3, base.Add(5*time.Second)), "arrives exactly at the sampling period boundary")

	window := s.Window("input:a", time.Minute, base.Add(5*time.Second))
	require.Len(t, window, 2)
	assert.Equal(t, []float64{1, 3}, []float64{window[0].Value, window[1].Value})
}

func TestStore_UpdateUngatedWhenSamplingPeriodIsZero(t *testing.T) {
	s := temporal.NewStore(10, 0)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, s.Update("input:a", 1, base))
	assert.True(t, s.Update("input:a", 2, base.Add(time.Millisecond)))
}
