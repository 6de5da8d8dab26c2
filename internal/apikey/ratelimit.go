package apikey

import (
	"time"
)

// DenyReason names the quota window that rejected a request.
type DenyReason string

const (
	ReasonMinuteQuotaExceeded DenyReason = "minute_quota_exceeded"
	ReasonDailyQuotaExceeded  DenyReason = "daily_quota_exceeded"
)

const (
	minuteSeconds = 60
	daySeconds    = 86400
)

// Decision is the outcome of a rate-limit evaluation. RetryAfter is the time
// until the denying window's next boundary and is zero for admitted requests.
type Decision struct {
	Allowed    bool
	Reason     DenyReason
	RetryAfter time.Duration
}

// RateLimiter evaluates and updates the two fixed quota windows of a key.
//
// This is a fixed-window limiter: counts reset at aligned interval boundaries
// (minute buckets at unix/60, day buckets at unix/86400, i.e. UTC midnight).
// Up to twice the limit can pass across a single boundary; that burst is an
// accepted tradeoff for O(1) state per key.
type RateLimiter struct {
	now func() time.Time
}

// NewRateLimiter returns a limiter using the wall clock.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{now: time.Now}
}

// WithClock replaces the limiter's clock. Intended for tests.
func (r *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	r.now = now
	return r
}

// Check evaluates both windows for key and, when the request is admitted,
// advances the window counters, TotalRequests, and LastUsedAt as one unit
// under the key's lock. Denied requests never increment anything.
func (r *RateLimiter) Check(key *Key) Decision {
	now := r.now().UTC()
	unix := now.Unix()
	minuteBucket := unix / minuteSeconds
	dayBucket := unix / daySeconds

	key.mu.Lock()
	defer key.mu.Unlock()

	// Reset-then-evaluate: adopt the current bucket before counting.
	if key.MinuteWindow.Bucket != minuteBucket {
		key.MinuteWindow = Window{Bucket: minuteBucket}
	}
	if key.DayWindow.Bucket != dayBucket {
		key.DayWindow = Window{Bucket: dayBucket}
	}

	// The day window wins over the minute window when both deny, so an
	// exhausted daily quota reports daily_quota_exceeded regardless of the
	// minute window's state.
	if key.RateLimitPerDay > 0 && key.DayWindow.Count >= key.RateLimitPerDay {
		return Decision{
			Reason:     ReasonDailyQuotaExceeded,
			RetryAfter: time.Duration((dayBucket+1)*daySeconds-unix) * time.Second,
		}
	}
	if key.RateLimitPerMinute > 0 && key.MinuteWindow.Count >= key.RateLimitPerMinute {
		return Decision{
			Reason:     ReasonMinuteQuotaExceeded,
			RetryAfter: time.Duration((minuteBucket+1)*minuteSeconds-unix) * time.Second,
		}
	}

	key.MinuteWindow.Count++
	key.DayWindow.Count++
	key.TotalRequests++
	t := now
	key.LastUsedAt = &t

	return Decision{Allowed: true}
}
