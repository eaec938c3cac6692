// Package connection holds small helpers shared by components that
// manage outbound network connections with retry.
package connection

import (
	"math/rand"
	"time"
)

// Backoff calculates a jittered exponential backoff delay, doubling up
// to a 1,2,4,8 multiplier of min before clamping to max.
func Backoff(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	mul := 1 << (rand.Intn(4)) // 1,2,4,8
	d := time.Duration(int(min) * mul)
	if d > max {
		d = max
	}
	return d + time.Duration(rand.Intn(250))*time.Millisecond
}
