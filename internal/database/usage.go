package database

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// UsageEntry is one recorded request against the gateway.
type UsageEntry struct {
	KeyID      string
	Endpoint   string
	StatusCode int
	Duration   time.Duration
	CreatedAt  time.Time
}

// KeyStats summarizes recorded usage for a single API key.
type KeyStats struct {
	KeyID             string `json:"key_id"`
	RequestsThisHour  int    `json:"requests_this_hour"`
	RequestsToday     int    `json:"requests_today"`
	RequestsTotal     int    `json:"requests_total"`
	AverageDurationMs int    `json:"average_duration_ms"`
}

// OverallStats summarizes recorded usage across all keys.
type OverallStats struct {
	RequestsToday int            `json:"requests_today"`
	RequestsTotal int            `json:"requests_total"`
	ByEndpoint    map[string]int `json:"by_endpoint"`
}

// UsageRecorder writes usage entries to the database asynchronously. Entries
// flow through a buffered channel to a single writer goroutine so recording
// never blocks request handling; when the buffer is full entries are dropped.
type UsageRecorder struct {
	db     *DB
	logger *zap.Logger
	ch     chan UsageEntry
	done   chan struct{}
	once   sync.Once
}

// NewUsageRecorder starts a recorder writing to db with the given buffer size.
func NewUsageRecorder(db *DB, bufferSize int, logger *zap.Logger) *UsageRecorder {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &UsageRecorder{
		db:     db,
		logger: logger,
		ch:     make(chan UsageEntry, bufferSize),
		done:   make(chan struct{}),
	}
	go r.writeLoop()
	return r
}

// Record queues an entry for writing. It never blocks; entries are dropped
// when the buffer is full.
func (r *UsageRecorder) Record(entry UsageEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	select {
	case r.ch <- entry:
	default:
		r.logger.Warn("usage log buffer full, dropping entry",
			zap.String("key_id", entry.KeyID),
			zap.String("endpoint", entry.Endpoint))
	}
}

// Close stops the writer after draining queued entries.
func (r *UsageRecorder) Close() {
	r.once.Do(func() {
		close(r.ch)
		<-r.done
	})
}

func (r *UsageRecorder) writeLoop() {
	defer close(r.done)
	for entry := range r.ch {
		if err := r.insert(entry); err != nil {
			r.logger.Error("failed to write usage entry",
				zap.String("key_id", entry.KeyID),
				zap.Error(err))
		}
	}
}

func (r *UsageRecorder) insert(entry UsageEntry) error {
	_, err := r.db.db.Exec(
		`INSERT INTO usage_log (key_id, endpoint, status_code, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.KeyID, entry.Endpoint, entry.StatusCode,
		entry.Duration.Milliseconds(), entry.CreatedAt.UTC(),
	)
	return err
}

// KeyStats returns usage counters for one key relative to now.
func (d *DB) KeyStats(ctx context.Context, keyID string, now time.Time) (*KeyStats, error) {
	now = now.UTC()
	hourAgo := now.Add(-time.Hour)
	dayStart := now.Truncate(24 * time.Hour)

	stats := &KeyStats{KeyID: keyID}
	err := d.db.QueryRowContext(ctx,
		`SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN created_at >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN created_at >= ? THEN 1 ELSE 0 END), 0),
			CAST(COALESCE(AVG(duration_ms), 0) AS INTEGER)
		 FROM usage_log WHERE key_id = ?`,
		hourAgo, dayStart, keyID,
	).Scan(&stats.RequestsTotal, &stats.RequestsThisHour, &stats.RequestsToday, &stats.AverageDurationMs)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Stats returns usage counters across all keys relative to now.
func (d *DB) Stats(ctx context.Context, now time.Time) (*OverallStats, error) {
	dayStart := now.UTC().Truncate(24 * time.Hour)

	stats := &OverallStats{ByEndpoint: map[string]int{}}
	err := d.db.QueryRowContext(ctx,
		`SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN created_at >= ? THEN 1 ELSE 0 END), 0)
		 FROM usage_log`,
		dayStart,
	).Scan(&stats.RequestsTotal, &stats.RequestsToday)
	if err != nil {
		return nil, err
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT endpoint, COUNT(*) FROM usage_log GROUP BY endpoint`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var endpoint string
		var count int
		if err := rows.Scan(&endpoint, &count); err != nil {
			return nil, err
		}
		stats.ByEndpoint[endpoint] = count
	}
	return stats, rows.Err()
}
