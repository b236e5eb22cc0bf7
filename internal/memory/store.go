// Package memory implements the long-term memory subsystem: pattern-based
// extraction from assistant responses, surprise-filtered storage in SQLite,
// and full-text retrieval used to augment prompts. Memory never fails a
// request; every error here is logged and swallowed by the caller.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Memory types.
const (
	TypePreference   = "preference"
	TypeDecision     = "decision"
	TypeFact         = "fact"
	TypeEntity       = "entity"
	TypeRelationship = "relationship"
)

// evictionFloor is the effective score below which records may be evicted.
const evictionFloor = 0.05

// Record is one stored memory. Readers receive copies; the store is the sole
// writer.
type Record struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"session_id,omitempty"`
	Content        string         `json:"content"`
	Type           string         `json:"type"`
	Category       string         `json:"category,omitempty"`
	Importance     float64        `json:"importance"`
	SurpriseScore  float64        `json:"surprise_score"`
	AccessCount    int            `json:"access_count"`
	DecayFactor    float64        `json:"decay_factor"`
	SourceTurnID   string         `json:"source_turn_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// EffectiveScore ranks a record for retention and injection.
func (r *Record) EffectiveScore() float64 {
	return r.Importance * r.DecayFactor * (1 + math.Log(1+float64(r.AccessCount)))
}

// Options tune the store.
type Options struct {
	SurpriseThreshold float64
	MaxAgeDays        int
	MaxCount          int
	DedupLookback     int
	HalfLifeDays      float64
	RecentWindow      int
}

// DefaultOptions returns the stock tuning.
func DefaultOptions() Options {
	return Options{
		SurpriseThreshold: 0.3,
		MaxAgeDays:        180,
		MaxCount:          10000,
		DedupLookback:     5,
		HalfLifeDays:      30,
		RecentWindow:      100,
	}
}

func (o *Options) fillDefaults() {
	if o.SurpriseThreshold <= 0 {
		o.SurpriseThreshold = 0.3
	}
	if o.MaxAgeDays <= 0 {
		o.MaxAgeDays = 180
	}
	if o.MaxCount <= 0 {
		o.MaxCount = 10000
	}
	if o.DedupLookback <= 0 {
		o.DedupLookback = 5
	}
	if o.HalfLifeDays <= 0 {
		o.HalfLifeDays = 30
	}
	if o.RecentWindow <= 0 {
		o.RecentWindow = 100
	}
}

// Store is the SQLite-backed memory store. Writes are serialized through mu;
// concurrent readers are fine.
type Store struct {
	db   *sql.DB
	opts Options
	mu   sync.RWMutex

	now func() time.Time
}

// Open creates or opens the database and applies the schema.
func Open(path string, opts Options) (*Store, error) {
	opts.fillDefaults()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open memory database: %w", err)
	}
	// A single writer keeps SQLite happy under concurrent handlers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, opts: opts, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate memory database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		session_id TEXT,
		content TEXT NOT NULL,
		type TEXT NOT NULL,
		category TEXT,
		importance REAL NOT NULL DEFAULT 0.5,
		surprise_score REAL NOT NULL DEFAULT 0,
		access_count INTEGER NOT NULL DEFAULT 0,
		decay_factor REAL NOT NULL DEFAULT 1,
		source_turn_id TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		last_accessed_at TIMESTAMP NOT NULL,
		metadata TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_id);
	CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(type);
	CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at);

	CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
		content,
		content='memories',
		content_rowid='rowid'
	);

	CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
		INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
	END;
	CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
		INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
	END;
	CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE OF content ON memories BEGIN
		INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
		INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
	END;
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert stores a record unless a near-identical memory exists within the
// dedup lookback window for the session. Returns false when deduplicated.
func (s *Store) Insert(ctx context.Context, rec *Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dup, err := s.isDuplicate(ctx, rec.SessionID, rec.Content)
	if err != nil {
		return false, err
	}
	if dup {
		return false, nil
	}

	now := s.now().UTC()
	if rec.ID == "" {
		rec.ID = "mem_" + uuid.NewString()
	}
	rec.Importance = clamp01(rec.Importance)
	rec.SurpriseScore = clamp01(rec.SurpriseScore)
	rec.DecayFactor = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.LastAccessedAt = now

	var metadata any
	if rec.Metadata != nil {
		raw, err := json.Marshal(rec.Metadata)
		if err == nil {
			metadata = string(raw)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, session_id, content, type, category, importance,
			surprise_score, access_count, decay_factor, source_turn_id,
			created_at, updated_at, last_accessed_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 1, ?, ?, ?, ?, ?)`,
		rec.ID, nullable(rec.SessionID), rec.Content, rec.Type, nullable(rec.Category),
		rec.Importance, rec.SurpriseScore, nullable(rec.SourceTurnID),
		rec.CreatedAt, rec.UpdatedAt, rec.LastAccessedAt, metadata,
	)
	if err != nil {
		return false, fmt.Errorf("insert memory: %w", err)
	}
	return true, nil
}

// isDuplicate checks the last K session memories for a normalized match.
// Caller holds mu.
func (s *Store) isDuplicate(ctx context.Context, sessionID, content string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT content FROM memories
		WHERE session_id IS ?
		ORDER BY created_at DESC
		LIMIT ?`,
		nullable(sessionID), s.opts.DedupLookback,
	)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	want := normalizeText(content)
	for rows.Next() {
		var prior string
		if err := rows.Scan(&prior); err != nil {
			return false, err
		}
		if normalizeText(prior) == want {
			return true, nil
		}
	}
	return false, rows.Err()
}

// Query filters retrieval.
type Query struct {
	Text          string
	SessionID     string
	Type          string
	Category      string
	MinImportance float64
	Limit         int
}

// Search retrieves memories by full-text match, ordered by FTS rank then
// importance. Each hit's access count and last-access time are updated.
func (s *Store) Search(ctx context.Context, q Query) ([]Record, error) {
	match := SanitizeFTSQuery(q.Text)
	if match == "" {
		return nil, nil
	}
	if q.Limit <= 0 {
		q.Limit = 10
	}

	s.mu.RLock()
	sqlQuery := `
		SELECT m.id, m.session_id, m.content, m.type, m.category, m.importance,
			m.surprise_score, m.access_count, m.decay_factor, m.source_turn_id,
			m.created_at, m.updated_at, m.last_accessed_at, m.metadata
		FROM memories_fts f
		JOIN memories m ON m.rowid = f.rowid
		WHERE memories_fts MATCH ?`
	args := []any{match}

	if q.SessionID != "" {
		sqlQuery += " AND m.session_id = ?"
		args = append(args, q.SessionID)
	}
	if q.Type != "" {
		sqlQuery += " AND m.type = ?"
		args = append(args, q.Type)
	}
	if q.Category != "" {
		sqlQuery += " AND m.category = ?"
		args = append(args, q.Category)
	}
	if q.MinImportance > 0 {
		sqlQuery += " AND m.importance >= ?"
		args = append(args, q.MinImportance)
	}
	sqlQuery += " ORDER BY f.rank, m.importance DESC LIMIT ?"
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		s.mu.RUnlock()
		return nil, fmt.Errorf("search memories: %w", err)
	}

	records, err := scanRecords(rows)
	rows.Close()
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	// Recompute decay on read and touch access bookkeeping.
	now := s.now().UTC()
	for i := range records {
		records[i].DecayFactor = DecayFactor(now.Sub(records[i].LastAccessedAt), s.opts.HalfLifeDays)
	}
	if err := s.touch(ctx, records, now); err != nil {
		return nil, err
	}
	for i := range records {
		records[i].AccessCount++
		records[i].LastAccessedAt = now
	}
	return records, nil
}

func (s *Store) touch(ctx context.Context, records []Record, now time.Time) error {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		_, err := s.db.ExecContext(ctx, `
			UPDATE memories
			SET access_count = access_count + 1, last_accessed_at = ?, decay_factor = ?
			WHERE id = ?`,
			now, DecayFactor(now.Sub(rec.LastAccessedAt), s.opts.HalfLifeDays), rec.ID,
		)
		if err != nil {
			return fmt.Errorf("touch memory %s: %w", rec.ID, err)
		}
	}
	return nil
}

// RecentForSession returns the newest memories of a session, optionally
// filtered by type, newest first. Used for surprise scoring and dedup.
func (s *Store) RecentForSession(ctx context.Context, sessionID, memType string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sqlQuery := `
		SELECT id, session_id, content, type, category, importance,
			surprise_score, access_count, decay_factor, source_turn_id,
			created_at, updated_at, last_accessed_at, metadata
		FROM memories WHERE session_id IS ?`
	args := []any{nullable(sessionID)}
	if memType != "" {
		sqlQuery += " AND type = ?"
		args = append(args, memType)
	}
	sqlQuery += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("recent memories: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Stats summarizes the store for the status endpoint.
type Stats struct {
	Count  int64            `json:"count"`
	ByType map[string]int64 `json:"by_type"`
}

// Summary returns record counts.
func (s *Store) Summary(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{ByType: make(map[string]int64)}
	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM memories GROUP BY type`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			return stats, err
		}
		stats.ByType[t] = n
		stats.Count += n
	}
	return stats, rows.Err()
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var rec Record
		var sessionID, category, sourceTurn, metadata sql.NullString
		err := rows.Scan(&rec.ID, &sessionID, &rec.Content, &rec.Type, &category,
			&rec.Importance, &rec.SurpriseScore, &rec.AccessCount, &rec.DecayFactor,
			&sourceTurn, &rec.CreatedAt, &rec.UpdatedAt, &rec.LastAccessedAt, &metadata)
		if err != nil {
			return nil, err
		}
		rec.SessionID = sessionID.String
		rec.Category = category.String
		rec.SourceTurnID = sourceTurn.String
		if metadata.Valid && metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &rec.Metadata)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
