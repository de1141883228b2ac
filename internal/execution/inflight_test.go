package execution

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInFlightDeduper_HoldUntilRelease(t *testing.T) {
	d := NewInFlightDeduper(0, 4)
	require.NoError(t, d.TryAcquire("g-1"))
	assert.ErrorIs(t, d.TryAcquire("g-1"), ErrDuplicateInFlight)
	assert.True(t, d.Held("g-1"))
	assert.NoError(t, d.TryAcquire("g-2"), "different groups do not contend")

	d.Release("g-1")
	assert.False(t, d.Held("g-1"))
	assert.NoError(t, d.TryAcquire("g-1"))
}

func TestInFlightDeduper_TTLExpires(t *testing.T) {
	d := NewInFlightDeduper(10*time.Millisecond, 1)
	require.NoError(t, d.TryAcquire("k"))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, d.Held("k"))
	assert.NoError(t, d.TryAcquire("k"))
}

func TestInFlightDeduper_ConcurrentSingleWinner(t *testing.T) {
	d := NewInFlightDeduper(0, 8)
	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.TryAcquire("same") == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), wins.Load())
}

func TestInFlightDeduper_NilSafe(t *testing.T) {
	var d *InFlightDeduper
	assert.NoError(t, d.TryAcquire("x"))
	assert.False(t, d.Held("x"))
	d.Release("x")
}
