package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(minInterval, staleAge time.Duration) (*Limiter, *time.Time) {
	l := New(minInterval, staleAge, 0)
	current := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return current }
	l.rand = func() float64 { return 1 } // never sweep unless forced
	return l, &current
}

func TestCheckAndRecordEnforcesMinInterval(t *testing.T) {
	l, current := newTestLimiter(3*time.Second, time.Hour)

	res := l.CheckAndRecord("tenant-1:status")
	require.True(t, res.Allowed)
	assert.Zero(t, res.RetryAfter)

	// 1s later: throttled, 2s remaining rounds up to 2.
	*current = current.Add(time.Second)
	res = l.CheckAndRecord("tenant-1:status")
	require.False(t, res.Allowed)
	assert.Equal(t, 2, res.RetryAfter)

	// 1.5s in: 1.5s remaining still rounds up to 2.
	*current = current.Add(500 * time.Millisecond)
	res = l.CheckAndRecord("tenant-1:status")
	require.False(t, res.Allowed)
	assert.Equal(t, 2, res.RetryAfter)

	// Past the interval from the original request: throttled attempts must
	// not have slid the window forward.
	*current = current.Add(1500 * time.Millisecond)
	res = l.CheckAndRecord("tenant-1:status")
	assert.True(t, res.Allowed)
}

func TestCheckAndRecordIsolatesKeys(t *testing.T) {
	l, _ := newTestLimiter(3*time.Second, time.Hour)

	require.True(t, l.CheckAndRecord("tenant-1:status").Allowed)
	assert.False(t, l.CheckAndRecord("tenant-1:status").Allowed)
	assert.True(t, l.CheckAndRecord("tenant-2:status").Allowed)
}

func TestSweepRemovesStaleEntries(t *testing.T) {
	l, current := newTestLimiter(3*time.Second, time.Hour)

	l.CheckAndRecord("old")
	*current = current.Add(2 * time.Hour)

	l.rand = func() float64 { return 0 } // force the sweep
	res := l.CheckAndRecord("fresh")
	require.True(t, res.Allowed)

	assert.Equal(t, 1, l.Len(), "stale entry should be swept")
	assert.True(t, l.CheckAndRecord("old").Allowed, "swept key starts a fresh window")
}
