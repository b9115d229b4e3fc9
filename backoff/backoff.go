package backoff

import "time"

// Exponential yields Base * 2^(n-1) for the n-th consecutive failure, capped at Max.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait after the n-th consecutive failure. n < 1 yields zero.
func (e Exponential) Delay(n int) time.Duration {
	if n < 1 || e.Base <= 0 {
		return 0
	}
	d := e.Base
	for i := 1; i < n; i++ {
		d *= 2
		if e.Max > 0 && d >= e.Max {
			return e.Max
		}
		// overflow guard
		if d <= 0 {
			return e.Max
		}
	}
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}
