package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDebouncer_Allow(t *testing.T) {
	d := NewDebouncer(time.Minute)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	ok, since := d.Allow(t0)
	assert.True(t, ok)
	assert.Zero(t, since)

	ok, since = d.Allow(t0.Add(10 * time.Second))
	assert.False(t, ok)
	assert.Equal(t, 10*time.Second, since)

	ok, _ = d.Allow(t0.Add(time.Minute))
	assert.True(t, ok)

	d.Reset()
	ok, _ = d.Allow(t0.Add(time.Minute + time.Second))
	assert.True(t, ok)
}

func TestDebouncer_ZeroIntervalAlwaysAllows(t *testing.T) {
	d := NewDebouncer(0)
	now := time.Now()
	for i := 0; i < 3; i++ {
		ok, _ := d.Allow(now)
		assert.True(t, ok)
	}
}
