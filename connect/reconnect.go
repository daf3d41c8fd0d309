package connect

import (
	"math"
	mathrand "math/rand"
	"time"
)


func DefaultReconnectSettings() *ReconnectSettings {
	return &ReconnectSettings{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		Jitter:       0.2,
		MaxAttempts:  8,
	}
}

type ReconnectSettings struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// fraction of the delay, in [0, 1], applied as +/- random jitter
	Jitter float64
	// consecutive failed reconnect attempts, after the failure that started the outage,
	// before giving up. 0 means never give up.
	MaxAttempts int
}


// exponential, capped, jittered backoff between connection attempts.
// not safe for concurrent use; each connection owns one.
type Reconnect struct {
	settings *ReconnectSettings
	attempts int
}

func NewReconnect(settings *ReconnectSettings) *Reconnect {
	return &Reconnect{
		settings: settings,
	}
}

// the delay before the next attempt. Each call counts one attempt.
func (self *Reconnect) NextDelay() time.Duration {
	n := self.attempts
	self.attempts += 1

	delay := float64(self.settings.InitialDelay) * math.Pow(self.settings.Multiplier, float64(n))
	maxDelay := float64(self.settings.MaxDelay)
	if maxDelay < delay || math.IsInf(delay, 0) || math.IsNaN(delay) {
		delay = maxDelay
	}
	if 0 < self.settings.Jitter {
		delay += delay * self.settings.Jitter * (2*mathrand.Float64() - 1)
	}
	if delay < 0 {
		delay = 0
	} else if maxDelay < delay {
		delay = maxDelay
	}
	return time.Duration(delay)
}

func (self *Reconnect) Attempts() int {
	return self.attempts
}

func (self *Reconnect) Exhausted() bool {
	return 0 < self.settings.MaxAttempts && self.settings.MaxAttempts <= self.attempts
}

// call after a successful connection
func (self *Reconnect) Reset() {
	self.attempts = 0
}
