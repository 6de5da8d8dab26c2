package apikey

import (
	"encoding/json"
	"sync"
	"time"
)

// Window is one fixed quota interval: the bucket identifier and the number of
// admissions recorded inside it. When the identifier advances the count is
// reset before evaluation.
type Window struct {
	Bucket int64 `json:"bucket"`
	Count  int   `json:"count"`
}

// Key is the persisted record for one API key. The plaintext secret is never
// part of this shape; only its digest is stored.
//
// The embedded mutex serializes counter mutations for this key only, so
// admission checks for unrelated callers do not contend. Keys are always
// handled by pointer; use Snapshot for a copyable view.
type Key struct {
	ID                 string
	Name               string
	SecretHash         string
	CreatedAt          time.Time
	LastUsedAt         *time.Time
	IsActive           bool
	RateLimitPerMinute int
	RateLimitPerDay    int
	TotalRequests      int64
	MinuteWindow       Window
	DayWindow          Window

	mu sync.Mutex
}

// Snapshot returns a consistent, mutex-free copy of the key's public fields.
func (k *Key) Snapshot() Info {
	k.mu.Lock()
	defer k.mu.Unlock()

	info := Info{
		ID:                 k.ID,
		Name:               k.Name,
		CreatedAt:          k.CreatedAt,
		IsActive:           k.IsActive,
		RateLimitPerMinute: k.RateLimitPerMinute,
		RateLimitPerDay:    k.RateLimitPerDay,
		TotalRequests:      k.TotalRequests,
	}
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		info.LastUsedAt = &t
	}
	return info
}

// keyJSON is the wire shape of a Key. Keeping it separate lets marshaling
// take the key's lock without ever copying it.
type keyJSON struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	SecretHash         string     `json:"secret_hash"`
	CreatedAt          time.Time  `json:"created_at"`
	LastUsedAt         *time.Time `json:"last_used_at,omitempty"`
	IsActive           bool       `json:"is_active"`
	RateLimitPerMinute int        `json:"rate_limit_per_minute"`
	RateLimitPerDay    int        `json:"rate_limit_per_day"`
	TotalRequests      int64      `json:"total_requests"`
	MinuteWindow       Window     `json:"minute_window"`
	DayWindow          Window     `json:"day_window"`
}

// MarshalJSON serializes the key under its lock so a concurrent admission
// cannot produce a torn snapshot.
func (k *Key) MarshalJSON() ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return json.Marshal(keyJSON{
		ID:                 k.ID,
		Name:               k.Name,
		SecretHash:         k.SecretHash,
		CreatedAt:          k.CreatedAt,
		LastUsedAt:         k.LastUsedAt,
		IsActive:           k.IsActive,
		RateLimitPerMinute: k.RateLimitPerMinute,
		RateLimitPerDay:    k.RateLimitPerDay,
		TotalRequests:      k.TotalRequests,
		MinuteWindow:       k.MinuteWindow,
		DayWindow:          k.DayWindow,
	})
}

// UnmarshalJSON restores a key from its wire shape.
func (k *Key) UnmarshalJSON(data []byte) error {
	var j keyJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	k.ID = j.ID
	k.Name = j.Name
	k.SecretHash = j.SecretHash
	k.CreatedAt = j.CreatedAt
	k.LastUsedAt = j.LastUsedAt
	k.IsActive = j.IsActive
	k.RateLimitPerMinute = j.RateLimitPerMinute
	k.RateLimitPerDay = j.RateLimitPerDay
	k.TotalRequests = j.TotalRequests
	k.MinuteWindow = j.MinuteWindow
	k.DayWindow = j.DayWindow
	return nil
}

// Info is the queryable view of a key exposed to admin callers. It carries
// neither the secret nor its digest, so no read path can re-expose either.
type Info struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	CreatedAt          time.Time  `json:"created_at"`
	LastUsedAt         *time.Time `json:"last_used_at,omitempty"`
	IsActive           bool       `json:"is_active"`
	RateLimitPerMinute int        `json:"rate_limit_per_minute"`
	RateLimitPerDay    int        `json:"rate_limit_per_day"`
	TotalRequests      int64      `json:"total_requests"`
}

// CreatedKey is the one-time result of key creation. It is the only value in
// the system that carries the plaintext secret, deliberately distinct from
// the persisted Key shape.
type CreatedKey struct {
	Info
	Secret string `json:"key"`
}

// Limits are the quota values stamped onto a key at creation. Zero means
// unlimited for that window.
type Limits struct {
	PerMinute int
	PerDay    int
}

// Update is a partial modification applied by admin operations. Nil fields
// are left unchanged.
type Update struct {
	Name               *string
	RateLimitPerMinute *int
	RateLimitPerDay    *int
	IsActive           *bool
}
