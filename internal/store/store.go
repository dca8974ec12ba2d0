// Package store persists channel authority, events, per-event source rows,
// and the dedup cache in a single SQLite file. All goroutines serialize
// through one connection (SetMaxOpenConns(1)) with WAL journaling, which is
// the single-writer discipline the rest of the system assumes.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/clearmap/watchtower/internal/bus"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS channels (
    username              TEXT PRIMARY KEY,
    channel_class         TEXT NOT NULL DEFAULT 'source',
    authority_score       REAL NOT NULL DEFAULT 50.0,
    total_reports         INTEGER NOT NULL DEFAULT 0,
    corroborated          INTEGER NOT NULL DEFAULT 0,
    first_to_report       INTEGER NOT NULL DEFAULT 0,
    uncorroborated_urgent INTEGER NOT NULL DEFAULT 0,
    last_updated          REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS events (
    event_id       TEXT PRIMARY KEY,
    signature_json TEXT NOT NULL,
    first_seen     REAL NOT NULL,
    last_updated   REAL NOT NULL,
    source_count   INTEGER NOT NULL DEFAULT 1,
    status         TEXT NOT NULL DEFAULT 'pending',
    sent_at        REAL
);

CREATE TABLE IF NOT EXISTS event_sources (
    event_id     TEXT NOT NULL REFERENCES events(event_id),
    channel      TEXT NOT NULL,
    channel_class TEXT NOT NULL DEFAULT 'source',
    reported_at  REAL NOT NULL,
    raw_text     TEXT,
    message_link TEXT,
    PRIMARY KEY (event_id, channel)
);

CREATE TABLE IF NOT EXISTS dedup_cache (
    hash_key   TEXT PRIMARY KEY,
    created_at REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_status ON events(status);
`

// rawTextClip bounds the per-source stored text.
const rawTextClip = 2000

// Event status values. Transitions are pending -> sent or pending -> expired.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusExpired = "expired"
)

// Store is the durable SQLite-backed store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the structured logger. Without it the store is silent.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open creates the parent directory if needed and opens the database file
// with a single shared connection.
func Open(path string, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Init enables WAL and creates the schema.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	s.logger.Info("store: database ready")
	return nil
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

func ts(t time.Time) float64 { return float64(t.UnixNano()) / 1e9 }

func fromTS(f float64) time.Time { return time.Unix(0, int64(f*1e9)) }

// ---- Channel authority ----

// EnsureChannel lazily creates a channel row with its class baseline.
// Existing rows are untouched.
func (s *Store) EnsureChannel(ctx context.Context, username string, class bus.ChannelClass, defaultScore float64, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO channels (username, channel_class, authority_score, last_updated)
		 VALUES (?, ?, ?, ?)`,
		username, string(class), defaultScore, ts(now))
	if err != nil {
		return fmt.Errorf("ensure channel %s: %w", username, err)
	}
	return nil
}

// AllAuthorities returns every channel's current score.
func (s *Store) AllAuthorities(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username, authority_score FROM channels`)
	if err != nil {
		return nil, fmt.Errorf("load authorities: %w", err)
	}
	defer rows.Close()
	out := make(map[string]float64)
	for rows.Next() {
		var name string
		var score float64
		if err := rows.Scan(&name, &score); err != nil {
			return nil, err
		}
		out[name] = score
	}
	return out, rows.Err()
}

// AuthorityDelta carries per-reason counter increments for UpdateAuthority.
type AuthorityDelta struct {
	Corroborated         int
	FirstToReport        int
	UncorroboratedUrgent int
}

// UpdateAuthority writes a new score plus counter increments atomically.
func (s *Store) UpdateAuthority(ctx context.Context, channel string, score float64, d AuthorityDelta, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE channels SET authority_score = ?,
		     total_reports = total_reports + 1,
		     corroborated = corroborated + ?,
		     first_to_report = first_to_report + ?,
		     uncorroborated_urgent = uncorroborated_urgent + ?,
		     last_updated = ?
		 WHERE username = ?`,
		score, d.Corroborated, d.FirstToReport, d.UncorroboratedUrgent, ts(now), channel)
	if err != nil {
		return fmt.Errorf("update authority %s: %w", channel, err)
	}
	return nil
}

// BulkUpdateScores writes decayed scores in one transaction.
func (s *Store) BulkUpdateScores(ctx context.Context, scores map[string]float64, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("bulk update scores: %w", err)
	}
	defer tx.Rollback()
	for ch, score := range scores {
		if _, err := tx.ExecContext(ctx,
			`UPDATE channels SET authority_score = ?, last_updated = ? WHERE username = ?`,
			score, ts(now), ch); err != nil {
			return fmt.Errorf("bulk update %s: %w", ch, err)
		}
	}
	return tx.Commit()
}

// ChannelRecord mirrors one channels row.
type ChannelRecord struct {
	Username             string
	Class                bus.ChannelClass
	Score                float64
	TotalReports         int
	Corroborated         int
	FirstToReport        int
	UncorroboratedUrgent int
	LastUpdated          time.Time
}

// Channel loads a single channel row.
func (s *Store) Channel(ctx context.Context, username string) (*ChannelRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT username, channel_class, authority_score, total_reports,
		        corroborated, first_to_report, uncorroborated_urgent, last_updated
		 FROM channels WHERE username = ?`, username)
	var rec ChannelRecord
	var class string
	var updated float64
	err := row.Scan(&rec.Username, &class, &rec.Score, &rec.TotalReports,
		&rec.Corroborated, &rec.FirstToReport, &rec.UncorroboratedUrgent, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load channel %s: %w", username, err)
	}
	rec.Class = bus.ChannelClass(class)
	rec.LastUpdated = fromTS(updated)
	return &rec, nil
}

// ---- Events ----

// RecordEvent inserts a new pending event together with its first source row.
func (s *Store) RecordEvent(ctx context.Context, eventID string, signatureJSON []byte, msg bus.Message, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (event_id, signature_json, first_seen, last_updated)
		 VALUES (?, ?, ?, ?)`,
		eventID, string(signatureJSON), ts(now), ts(now)); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO event_sources (event_id, channel, channel_class, reported_at, raw_text, message_link)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		eventID, msg.Channel, string(msg.Class), ts(now), clip(msg.Text), msg.Link); err != nil {
		return fmt.Errorf("insert first source: %w", err)
	}
	return tx.Commit()
}

// AddEventSource inserts a source row for an existing event. The (event,
// channel) primary key makes repeats no-ops; source_count only moves when a
// row was actually inserted, so it always equals the row count.
func (s *Store) AddEventSource(ctx context.Context, eventID string, msg bus.Message, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO event_sources (event_id, channel, channel_class, reported_at, raw_text, message_link)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		eventID, msg.Channel, string(msg.Class), ts(now), clip(msg.Text), msg.Link)
	if err != nil {
		return fmt.Errorf("add event source: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("add event source: %w", err)
	}
	if inserted == 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE events SET source_count = source_count + 1, last_updated = ? WHERE event_id = ?`,
		ts(now), eventID); err != nil {
		return fmt.Errorf("bump source count: %w", err)
	}
	return nil
}

// MarkEventSent finalizes a dispatched event.
func (s *Store) MarkEventSent(ctx context.Context, eventID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET status = ?, sent_at = ? WHERE event_id = ? AND status = ?`,
		StatusSent, ts(now), eventID, StatusPending)
	if err != nil {
		return fmt.Errorf("mark sent %s: %w", eventID, err)
	}
	return nil
}

// MarkEventExpired finalizes an event that never corroborated.
func (s *Store) MarkEventExpired(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET status = ? WHERE event_id = ? AND status = ?`,
		StatusExpired, eventID, StatusPending)
	if err != nil {
		return fmt.Errorf("mark expired %s: %w", eventID, err)
	}
	return nil
}

// PendingEvent is one restorable events row.
type PendingEvent struct {
	ID            string
	SignatureJSON []byte
	FirstSeen     time.Time
	SourceCount   int
}

// PendingEvents returns every event still awaiting a dispatch decision.
func (s *Store) PendingEvents(ctx context.Context) ([]PendingEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, signature_json, first_seen, source_count
		 FROM events WHERE status = ?`, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("load pending events: %w", err)
	}
	defer rows.Close()
	var out []PendingEvent
	for rows.Next() {
		var pe PendingEvent
		var sig string
		var first float64
		if err := rows.Scan(&pe.ID, &sig, &first, &pe.SourceCount); err != nil {
			return nil, err
		}
		pe.SignatureJSON = []byte(sig)
		pe.FirstSeen = fromTS(first)
		out = append(out, pe)
	}
	return out, rows.Err()
}

// EventSource is one event_sources row.
type EventSource struct {
	Channel    string
	Class      bus.ChannelClass
	ReportedAt time.Time
	Text       string
	Link       string
}

// EventSources returns an event's source rows ordered by reported_at.
func (s *Store) EventSources(ctx context.Context, eventID string) ([]EventSource, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, channel_class, reported_at, COALESCE(raw_text, ''), COALESCE(message_link, '')
		 FROM event_sources WHERE event_id = ? ORDER BY reported_at`, eventID)
	if err != nil {
		return nil, fmt.Errorf("load event sources: %w", err)
	}
	defer rows.Close()
	var out []EventSource
	for rows.Next() {
		var es EventSource
		var class string
		var at float64
		if err := rows.Scan(&es.Channel, &class, &at, &es.Text, &es.Link); err != nil {
			return nil, err
		}
		es.Class = bus.ChannelClass(class)
		es.ReportedAt = fromTS(at)
		out = append(out, es)
	}
	return out, rows.Err()
}

// FirstReporter returns the channel with the earliest source row for the
// event, or "" when the event has no rows.
func (s *Store) FirstReporter(ctx context.Context, eventID string) (string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT channel FROM event_sources WHERE event_id = ?
		 ORDER BY reported_at, channel LIMIT 1`, eventID)
	var ch string
	err := row.Scan(&ch)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("first reporter %s: %w", eventID, err)
	}
	return ch, nil
}

// SourceCount returns the number of source rows for an event.
func (s *Store) SourceCount(ctx context.Context, eventID string) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT source_count FROM events WHERE event_id = ?`, eventID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("source count %s: %w", eventID, err)
	}
	return n, nil
}

// ---- Dedup cache ----

// IsDuplicate checks the dedup table for hashKey and records it when absent.
// Returns true when the key was already present.
func (s *Store) IsDuplicate(ctx context.Context, hashKey string, now time.Time) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM dedup_cache WHERE hash_key = ?`, hashKey)
	var one int
	err := row.Scan(&one)
	if err == nil {
		return true, nil
	}
	if err != sql.ErrNoRows {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO dedup_cache (hash_key, created_at) VALUES (?, ?)`,
		hashKey, ts(now)); err != nil {
		return false, fmt.Errorf("dedup insert: %w", err)
	}
	return false, nil
}

// ---- Cleanup ----

// CleanupOlderThan deletes dedup entries and terminal events (with their
// source rows) last touched before cutoff, then checkpoints the WAL.
func (s *Store) CleanupOlderThan(ctx context.Context, cutoff time.Time) error {
	c := ts(cutoff)
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM dedup_cache WHERE created_at < ?`, c); err != nil {
		return fmt.Errorf("cleanup dedup: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM event_sources WHERE event_id IN
		   (SELECT event_id FROM events WHERE last_updated < ? AND status != ?)`,
		c, StatusPending); err != nil {
		return fmt.Errorf("cleanup sources: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE last_updated < ? AND status != ?`,
		c, StatusPending); err != nil {
		return fmt.Errorf("cleanup events: %w", err)
	}
	// Keep the WAL from growing without bound.
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		s.logger.Warn("store: wal checkpoint failed", "error", err)
	}
	return nil
}

func clip(text string) string {
	if len(text) <= rawTextClip {
		return text
	}
	n := rawTextClip
	// Don't cut in the middle of a multi-byte rune.
	for n > 0 && !utf8.RuneStart(text[n]) {
		n--
	}
	return text[:n]
}
