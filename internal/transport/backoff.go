package transport

import "time"

// Backoff returns the reconnect delay after the k-th consecutive failure:
// base doubled k-1 times and capped. Past MaxRetries the delay holds at the
// cap.
func Backoff(cfg Config, k int) time.Duration {
	if k < 1 {
		k = 1
	}
	if cfg.BackoffCap <= 0 {
		return cfg.BackoffBase
	}
	if cfg.MaxRetries > 0 && k > cfg.MaxRetries {
		return cfg.BackoffCap
	}
	d := cfg.BackoffBase
	for i := 1; i < k; i++ {
		if d >= cfg.BackoffCap {
			break
		}
		d *= 2
	}
	if d > cfg.BackoffCap {
		d = cfg.BackoffCap
	}
	return d
}
