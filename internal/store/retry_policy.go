package store

import "time"

// RetryPolicy spaces out attempts of a failing job or reply: Base doubled
// per prior attempt, capped at Max.
type RetryPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// ExpiryRetryPolicy keeps every retry of a missed deadline well inside a
// 30s request window.
var ExpiryRetryPolicy = RetryPolicy{Base: 250 * time.Millisecond, Max: 4 * time.Second}

// ReplyRetryPolicy paces redelivery of parked outcomes while a client is
// still likely to be waiting for them.
var ReplyRetryPolicy = RetryPolicy{Base: time.Second, Max: 15 * time.Second}

// Delay returns the wait before the next attempt, given how many attempts
// already failed.
func (p RetryPolicy) Delay(failed int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	d := p.Base
	for i := 0; i < failed; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}
