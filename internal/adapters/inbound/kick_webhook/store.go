package kick_webhook

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charleschow/spin-overlay/internal/events"
	"github.com/charleschow/spin-overlay/internal/telemetry"

	_ "modernc.org/sqlite"
)

const (
	defaultMaxStoreBytes int64 = 256 << 20 // 256 MiB of compressed bodies
	evictBatchSize             = 50
	vacuumInterval             = 100 // run incremental vacuum every N evictions
	maxSpinEventRows           = 50_000
)

// WebhookRecord is one verified, non-duplicate webhook delivery.
type WebhookRecord struct {
	ID        int64
	MessageID string
	EventType string
	Kind      string
	Schema    string
	GiftCount int
	Spins     int
	Gifter    string
	Received  time.Time
	ByteSize  int64
	Body      []byte
}

// SpinRecord is one spin engine transition.
type SpinRecord struct {
	ID         int64
	Kind       string
	At         time.Time
	Pending    int
	Recipients int
	TimedOut   bool
}

// Recorder receives verified webhooks for auditing.
type Recorder interface {
	RecordWebhook(rec WebhookRecord)
}

// Store keeps an audit trail of verified webhooks and spin transitions in a
// FIFO SQLite database. Webhook bodies are gzip-compressed and the table is
// capped by total compressed size; oldest rows are evicted first.
type Store struct {
	db           *sql.DB
	mu           sync.Mutex
	wg           sync.WaitGroup
	maxBytes     int64
	cachedSize   int64
	evictCounter int
}

type StoreOption func(*Store)

// WithMaxBytes caps the total compressed body size kept.
func WithMaxBytes(n int64) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

func OpenStore(path string, opts ...StoreOption) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`PRAGMA auto_vacuum = INCREMENTAL`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT    NOT NULL,
			event_type TEXT    NOT NULL,
			kind       TEXT    NOT NULL,
			payload_schema TEXT NOT NULL DEFAULT '',
			gift_count INTEGER NOT NULL DEFAULT 0,
			spins      INTEGER NOT NULL DEFAULT 0,
			gifter     TEXT    NOT NULL DEFAULT '',
			received   TEXT    NOT NULL,
			byte_size  INTEGER NOT NULL,
			raw_gz     BLOB    NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_we_received ON webhook_events(received)`,
		`CREATE INDEX IF NOT EXISTS idx_we_message ON webhook_events(message_id)`,
		`CREATE TABLE IF NOT EXISTS spin_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			kind       TEXT    NOT NULL,
			at         TEXT    NOT NULL,
			pending    INTEGER NOT NULL,
			recipients INTEGER NOT NULL DEFAULT 0,
			timed_out  INTEGER NOT NULL DEFAULT 0
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init schema (%s): %w", stmt, err)
		}
	}

	var size int64
	row := db.QueryRow(`SELECT COALESCE(SUM(byte_size), 0) FROM webhook_events`)
	if err := row.Scan(&size); err != nil {
		db.Close()
		return nil, fmt.Errorf("read current size: %w", err)
	}

	s := &Store{db: db, maxBytes: defaultMaxStoreBytes, cachedSize: size}
	for _, opt := range opts {
		opt(s)
	}

	telemetry.Infof("webhook store: opened %s  rows_bytes=%d", path, size)
	return s, nil
}

// RecordWebhook stores rec asynchronously.
func (s *Store) RecordWebhook(rec WebhookRecord) {
	gz, err := compress(rec.Body)
	if err != nil {
		telemetry.Warnf("webhook store: compress %s: %v", rec.MessageID, err)
		return
	}
	if rec.Received.IsZero() {
		rec.Received = time.Now()
	}
	size := int64(len(gz))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.mu.Lock()
		defer s.mu.Unlock()

		_, err := s.db.Exec(
			`INSERT INTO webhook_events
				(message_id, event_type, kind, payload_schema, gift_count, spins, gifter, received, byte_size, raw_gz)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.MessageID, rec.EventType, rec.Kind, rec.Schema, rec.GiftCount, rec.Spins, rec.Gifter,
			rec.Received.UTC().Format(time.RFC3339Nano), size, gz,
		)
		if err != nil {
			telemetry.Warnf("webhook store: insert failed: %v", err)
			return
		}

		s.cachedSize += size
		if s.cachedSize > s.maxBytes {
			s.evict()
		}
	}()
}

// Subscribe records spin engine transitions published on bus.
func (s *Store) Subscribe(bus *events.Bus) {
	for _, typ := range []events.EventType{
		events.EventSpinDelivered,
		events.EventSpinRolledBack,
		events.EventSpinCompleted,
	} {
		bus.Subscribe(typ, s.onSpinEvent)
	}
}

func (s *Store) onSpinEvent(evt events.Event) error {
	p, ok := evt.Payload.(events.SpinEvent)
	if !ok {
		return fmt.Errorf("unexpected payload %T", evt.Payload)
	}
	at := evt.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.mu.Lock()
		defer s.mu.Unlock()

		res, err := s.db.Exec(
			`INSERT INTO spin_events (kind, at, pending, recipients, timed_out) VALUES (?, ?, ?, ?, ?)`,
			string(evt.Type), at.UTC().Format(time.RFC3339Nano), p.Pending, p.Recipients, p.TimedOut,
		)
		if err != nil {
			telemetry.Warnf("webhook store: spin insert failed: %v", err)
			return
		}
		if id, err := res.LastInsertId(); err == nil && id > maxSpinEventRows {
			s.db.Exec(`DELETE FROM spin_events WHERE id <= ?`, id-maxSpinEventRows)
		}
	}()
	return nil
}

// evict removes oldest rows until total size is under budget, scanning at
// most evictBatchSize rows per round.
// Must be called with s.mu held.
func (s *Store) evict() {
	for s.cachedSize > s.maxBytes {
		freed, lastID, err := s.oldestOverBudget()
		if err != nil || freed == 0 {
			break
		}
		if _, err := s.db.Exec(`DELETE FROM webhook_events WHERE id <= ?`, lastID); err != nil {
			telemetry.Warnf("webhook store: evict failed: %v", err)
			break
		}
		s.cachedSize -= freed
		s.evictCounter++

		if s.evictCounter%vacuumInterval == 0 {
			s.db.Exec(`PRAGMA incremental_vacuum`)
		}
	}
}

func (s *Store) oldestOverBudget() (freed, lastID int64, err error) {
	rows, err := s.db.Query(`SELECT id, byte_size FROM webhook_events ORDER BY id ASC LIMIT ?`, evictBatchSize)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()

	for rows.Next() && s.cachedSize-freed > s.maxBytes {
		var id, size int64
		if err := rows.Scan(&id, &size); err != nil {
			return 0, 0, err
		}
		freed += size
		lastID = id
	}
	return freed, lastID, rows.Err()
}

// RecentWebhooks returns up to limit rows, newest first. Bodies are
// decompressed.
func (s *Store) RecentWebhooks(limit int) ([]WebhookRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, message_id, event_type, kind, payload_schema, gift_count, spins, gifter, received, byte_size, raw_gz
		FROM webhook_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query webhooks: %w", err)
	}
	defer rows.Close()

	var out []WebhookRecord
	for rows.Next() {
		var rec WebhookRecord
		var received string
		var gz []byte
		if err := rows.Scan(&rec.ID, &rec.MessageID, &rec.EventType, &rec.Kind, &rec.Schema,
			&rec.GiftCount, &rec.Spins, &rec.Gifter, &received, &rec.ByteSize, &gz); err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		rec.Received, _ = time.Parse(time.RFC3339Nano, received)
		if rec.Body, err = decompress(gz); err != nil {
			return nil, fmt.Errorf("decompress webhook %d: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecentSpins returns up to limit spin transitions, newest first.
func (s *Store) RecentSpins(limit int) ([]SpinRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, kind, at, pending, recipients, timed_out FROM spin_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query spins: %w", err)
	}
	defer rows.Close()

	var out []SpinRecord
	for rows.Next() {
		var rec SpinRecord
		var at string
		if err := rows.Scan(&rec.ID, &rec.Kind, &at, &rec.Pending, &rec.Recipients, &rec.TimedOut); err != nil {
			return nil, fmt.Errorf("scan spin: %w", err)
		}
		rec.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// TotalBytes is the compressed body size currently kept.
func (s *Store) TotalBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cachedSize
}

// Wait blocks until queued inserts have been written.
func (s *Store) Wait() {
	s.wg.Wait()
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.wg.Wait()
	return s.db.Close()
}

func compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(gz []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(gz))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
