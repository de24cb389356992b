package session

import "time"

const (
	backoffBase    = 2 * time.Second
	backoffSteps   = 5 // 2, 4, 8, 16, 32 s
	backoffCeiling = 60 * time.Second
)

// Backoff returns the delay before reconnect attempt n (1-based): 2, 4, 8,
// 16, 32 s then 60 s, scaled by a factor in [0.75, 1.25) drawn from
// jitter, which returns values in [0, 1).
func Backoff(n int, jitter func() float64) time.Duration {
	if n < 1 {
		n = 1
	}
	d := backoffCeiling
	if n <= backoffSteps {
		d = backoffBase << (n - 1)
	}
	f := 1.0
	if jitter != nil {
		f = 0.75 + 0.5*jitter()
	}
	return time.Duration(float64(d) * f)
}
