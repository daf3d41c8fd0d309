package connect

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestReconnectBackoff(t *testing.T) {
	reconnect := NewReconnect(&ReconnectSettings{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		Jitter:       0,
	})

	delays := []time.Duration{}
	for range 7 {
		delays = append(delays, reconnect.NextDelay())
	}
	assert.Equal(t, delays, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
		time.Second,
	})
	assert.Equal(t, reconnect.Attempts(), 7)
	// 0 never gives up
	assert.Equal(t, reconnect.Exhausted(), false)

	reconnect.Reset()
	assert.Equal(t, reconnect.Attempts(), 0)
	assert.Equal(t, reconnect.NextDelay(), 100*time.Millisecond)
}

func TestReconnectJitter(t *testing.T) {
	settings := &ReconnectSettings{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		Jitter:       0.5,
	}

	for range 256 {
		reconnect := NewReconnect(settings)
		base := settings.InitialDelay
		for range 8 {
			delay := reconnect.NextDelay()
			if settings.MaxDelay < base {
				base = settings.MaxDelay
			}
			assert.Equal(t, base/2 <= delay, true)
			assert.Equal(t, delay <= settings.MaxDelay, true)
			assert.Equal(t, delay <= base*3/2, true)
			base *= 2
		}
	}
}

func TestReconnectExhausted(t *testing.T) {
	reconnect := NewReconnect(&ReconnectSettings{
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  3,
	})

	for range 3 {
		assert.Equal(t, reconnect.Exhausted(), false)
		reconnect.NextDelay()
	}
	assert.Equal(t, reconnect.Exhausted(), true)

	reconnect.Reset()
	assert.Equal(t, reconnect.Exhausted(), false)
}

func TestDefaultReconnectSettings(t *testing.T) {
	settings := DefaultReconnectSettings()
	assert.Equal(t, settings.InitialDelay < settings.MaxDelay, true)
	assert.Equal(t, 0 < settings.MaxAttempts, true)
	assert.Equal(t, 0 <= settings.Jitter && settings.Jitter <= 1, true)
}
