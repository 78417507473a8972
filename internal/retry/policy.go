// Package retry holds the bounded exponential backoff shared by the relay
// transport and the peer session's reconnect handling.
package retry

import "time"

// Policy is an exponential backoff with a fixed attempt budget.
type Policy struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
}

// Default is 3 attempts starting at 1s, capped at 8s.
var Default = Policy{Attempts: 3, Base: time.Second, Cap: 8 * time.Second}

// Delay returns the wait before attempt n (0-based): Base * 2^n, capped.
func (p Policy) Delay(n int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	d := p.Base
	for i := 0; i < n; i++ {
		d *= 2
		if p.Cap > 0 && d >= p.Cap {
			return p.Cap
		}
	}
	if p.Cap > 0 && d > p.Cap {
		return p.Cap
	}
	return d
}

// Exhausted reports whether attempt n (1-based) is past the budget.
func (p Policy) Exhausted(n int) bool {
	return n > p.Attempts
}

// Total is the sum of the waits before each attempt in the budget.
func (p Policy) Total() time.Duration {
	var total time.Duration
	for i := 0; i < p.Attempts; i++ {
		total += p.Delay(i)
	}
	return total
}
