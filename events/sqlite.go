package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Schema is the event_log table DDL. Pass it to dbopen.WithSchema when
// opening the events database.
const Schema = `
CREATE TABLE IF NOT EXISTS event_log (
    event_type     TEXT NOT NULL,
    correlation_id TEXT NOT NULL,
    session_id     TEXT,
    context_id     TEXT,
    timestamp      INTEGER NOT NULL,
    severity       TEXT NOT NULL,
    payload        TEXT
);
CREATE INDEX IF NOT EXISTS idx_event_log_corr ON event_log (correlation_id);
CREATE INDEX IF NOT EXISTS idx_event_log_ts ON event_log (timestamp);
`

// SQLiteSink persists events to SQLite in batches. It is an ordinary
// bus subscriber: persistence is async and non-blocking, and a failing
// sink never applies backpressure to the application.
type SQLiteSink struct {
	db            *sql.DB
	sub           *Subscription
	bufferSize    int
	flushInterval time.Duration
	logger        *slog.Logger

	mu     sync.Mutex
	buffer []Event
	done   chan struct{}
}

// SinkOption configures a SQLiteSink.
type SinkOption func(*SQLiteSink)

// WithFlushInterval sets how often buffered events are written. Default: 5s.
func WithFlushInterval(d time.Duration) SinkOption {
	return func(s *SQLiteSink) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

// WithBatchSize sets the flush-triggering buffer size. Default: 100.
func WithBatchSize(n int) SinkOption {
	return func(s *SQLiteSink) {
		if n > 0 {
			s.bufferSize = n
		}
	}
}

// WithSinkLogger sets the logger for sink errors.
func WithSinkLogger(l *slog.Logger) SinkOption {
	return func(s *SQLiteSink) { s.logger = l }
}

// NewSQLiteSink subscribes to the bus and starts the flush loop. The
// db must already have Schema applied. Call Close to flush and stop.
func NewSQLiteSink(bus *Bus, db *sql.DB, opts ...SinkOption) *SQLiteSink {
	s := &SQLiteSink{
		db:            db,
		bufferSize:    100,
		flushInterval: 5 * time.Second,
		logger:        slog.Default(),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.buffer = make([]Event, 0, s.bufferSize)
	s.sub = bus.Subscribe("sqlite-sink", 4*s.bufferSize)

	go s.run()
	return s
}

func (s *SQLiteSink) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-s.sub.C:
			if !ok {
				s.flush()
				return
			}
			s.mu.Lock()
			s.buffer = append(s.buffer, ev)
			full := len(s.buffer) >= s.bufferSize
			s.mu.Unlock()
			if full {
				s.flush()
			}
		case <-ticker.C:
			s.flush()
		}
	}
}

func (s *SQLiteSink) flush() {
	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.buffer
	s.buffer = make([]Event, 0, s.bufferSize)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.logger.Error("events sink: begin tx", "error", err)
		return
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO event_log
		(event_type, correlation_id, session_id, context_id, timestamp, severity, payload)
		VALUES (?,?,?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		s.logger.Error("events sink: prepare", "error", err)
		return
	}
	defer stmt.Close()

	for _, ev := range batch {
		var payload sql.NullString
		if len(ev.Payload) > 0 {
			if b, err := json.Marshal(ev.Payload); err == nil {
				payload = sql.NullString{String: string(b), Valid: true}
			}
		}
		if _, err := stmt.ExecContext(ctx, ev.Type, ev.CorrelationID, ev.SessionID,
			ev.ContextID, ev.Timestamp.UnixMilli(), string(ev.Severity), payload); err != nil {
			s.logger.Error("events sink: insert", "error", err, "event_type", ev.Type)
		}
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("events sink: commit", "error", err)
	}
}

// Close flushes the remaining buffer and stops the goroutine. The
// caller is responsible for unsubscribing from the bus first (or
// closing the bus), which closes the subscription channel.
func (s *SQLiteSink) Close() error {
	<-s.done
	return nil
}

// Cleanup deletes events older than retentionDays and returns the count.
func (s *SQLiteSink) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM event_log WHERE timestamp < ?`, threshold)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
