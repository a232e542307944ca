package relay

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// HealthRecord is one credential's persisted health counters, keyed by key
// fingerprint so the raw key never touches disk.
type HealthRecord struct {
	Fingerprint  string
	SuccessCount int64
	ErrorCount   int64
	LastUsedAt   time.Time
	LastError    string
}

// HealthStore persists credential health in a local SQLite database so
// counters survive restarts.
type HealthStore struct {
	db *sql.DB
}

// OpenHealthStore opens (creating if needed) the health database at path.
func OpenHealthStore(path string) (*HealthStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open health store %q: %w", path, err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS key_health (
			fingerprint   TEXT PRIMARY KEY,
			success_count INTEGER NOT NULL DEFAULT 0,
			error_count   INTEGER NOT NULL DEFAULT 0,
			last_used_at  TEXT,
			last_error    TEXT NOT NULL DEFAULT ''
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init health store schema: %w", err)
	}
	return &HealthStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *HealthStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save upserts one credential's counters. Persistence is best effort from
// the pool's point of view; the error is surfaced for callers that care.
func (s *HealthStore) Save(rec HealthRecord) error {
	var lastUsed sql.NullString
	if !rec.LastUsedAt.IsZero() {
		lastUsed = sql.NullString{String: rec.LastUsedAt.UTC().Format(time.RFC3339), Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO key_health
			(fingerprint, success_count, error_count, last_used_at, last_error)
		VALUES (?, ?, ?, ?, ?)`,
		rec.Fingerprint,
		rec.SuccessCount,
		rec.ErrorCount,
		lastUsed,
		rec.LastError,
	)
	if err != nil {
		return fmt.Errorf("save health %s: %w", rec.Fingerprint, err)
	}
	return nil
}

// Load reads one credential's counters by fingerprint. The second return is
// false when the fingerprint has never been persisted.
func (s *HealthStore) Load(fingerprint string) (HealthRecord, bool) {
	var (
		rec      HealthRecord
		lastUsed sql.NullString
	)
	err := s.db.QueryRow(`
		SELECT fingerprint, success_count, error_count, last_used_at, last_error
		FROM key_health WHERE fingerprint = ?`, fingerprint).
		Scan(&rec.Fingerprint, &rec.SuccessCount, &rec.ErrorCount, &lastUsed, &rec.LastError)
	if err != nil {
		return HealthRecord{}, false
	}
	if lastUsed.Valid {
		if t, perr := time.Parse(time.RFC3339, lastUsed.String); perr == nil {
			rec.LastUsedAt = t
		}
	}
	return rec, true
}

// Prune deletes records whose fingerprints are not in keep, so rotated-out
// keys do not accumulate forever.
func (s *HealthStore) Prune(keep []string) error {
	known := make(map[string]bool, len(keep))
	for _, fp := range keep {
		known[fp] = true
	}
	rows, err := s.db.Query("SELECT fingerprint FROM key_health")
	if err != nil {
		return fmt.Errorf("prune health: %w", err)
	}
	var stale []string
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			rows.Close()
			return fmt.Errorf("prune health: %w", err)
		}
		if !known[fp] {
			stale = append(stale, fp)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("prune health: %w", err)
	}
	for _, fp := range stale {
		if _, err := s.db.Exec("DELETE FROM key_health WHERE fingerprint = ?", fp); err != nil {
			return fmt.Errorf("prune health %s: %w", fp, err)
		}
	}
	return nil
}
