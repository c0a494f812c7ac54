// Package history provides tamper-evident SQLite storage for committed
// conversions.
//
// Integrity model:
//  1. File permissions: 0600 (owner read/write only)
//  2. Each record carries an HMAC keyed from the machine secret
//  3. Records chain: each references the previous record's hash
//  4. Pruning re-anchors the chain at a stored genesis hash, so retention
//     and verifiability coexist
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversions (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp_ns    INTEGER NOT NULL,
    document        TEXT NOT NULL,
    anchor          INTEGER NOT NULL,
    original        TEXT NOT NULL,
    committed       TEXT NOT NULL,
    previous_hash   BLOB NOT NULL,
    record_hash     BLOB NOT NULL UNIQUE,
    hmac            BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversions_timestamp ON conversions(timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_conversions_document ON conversions(document, timestamp_ns);

CREATE TABLE IF NOT EXISTS integrity (
    id              INTEGER PRIMARY KEY CHECK (id = 1),
    genesis_hash    BLOB NOT NULL,
    chain_hash      BLOB NOT NULL,
    record_count    INTEGER NOT NULL DEFAULT 0,
    last_verified   INTEGER,
    hmac            BLOB NOT NULL
);
`

// Record is one committed conversion.
type Record struct {
	ID          int64
	TimestampNs int64
	Document    string
	Anchor      int
	Original    string
	Committed   string

	PreviousHash [32]byte
	RecordHash   [32]byte
}

// Store is the conversion history database.
type Store struct {
	db      *sql.DB
	hmacKey []byte

	mu          sync.RWMutex
	lastHash    [32]byte
	count       int64
	integrityOK bool
}

// Open opens or creates the history database at path. The hmacKey should be
// derived from the machine secret; see KeyFromSecretFile.
func Open(path string, hmacKey []byte) (*Store, error) {
	if len(hmacKey) < 32 {
		return nil, errors.New("history: HMAC key must be at least 32 bytes")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("history: create database directory: %w", err)
	}

	isNew := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		isNew = true
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}

	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: set database permissions: %w", err)
	}

	s := &Store{db: db, hmacKey: hmacKey}

	if isNew {
		if err := s.initializeIntegrity(); err != nil {
			db.Close()
			return nil, fmt.Errorf("history: initialize integrity: %w", err)
		}
		s.integrityOK = true
	} else {
		if err := s.Verify(); err != nil {
			// Keep the handle open so the damage can be inspected.
			s.integrityOK = false
			return s, fmt.Errorf("history: integrity verification failed: %w", err)
		}
		s.integrityOK = true
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// IntegrityOK reports whether the database passed chain verification.
func (s *Store) IntegrityOK() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.integrityOK
}

// RecordCommit appends a committed conversion to the chain. It fills in
// the record's ID, timestamp (when zero), and hash fields.
func (s *Store) RecordCommit(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.integrityOK {
		return errors.New("history: database integrity compromised, refusing to write")
	}

	if rec.TimestampNs == 0 {
		rec.TimestampNs = time.Now().UnixNano()
	}
	rec.PreviousHash = s.lastHash
	rec.RecordHash = s.computeRecordHash(rec)
	mac := s.computeRecordHMAC(rec)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("history: begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		INSERT INTO conversions (timestamp_ns, document, anchor, original, committed, previous_hash, record_hash, hmac)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TimestampNs, rec.Document, rec.Anchor, rec.Original, rec.Committed,
		rec.PreviousHash[:], rec.RecordHash[:], mac,
	)
	if err != nil {
		return fmt.Errorf("history: insert record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("history: get last insert id: %w", err)
	}
	rec.ID = id

	newCount := s.count + 1
	if err := s.updateIntegrity(tx, rec.RecordHash, newCount); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("history: commit transaction: %w", err)
	}

	s.lastHash = rec.RecordHash
	s.count = newCount
	return nil
}

// Recent returns the most recent records, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	rows, err := s.db.Query(`
		SELECT id, timestamp_ns, document, anchor, original, committed, previous_hash, record_hash
		FROM conversions
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query recent records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// ForDocument returns records for one document, newest first.
func (s *Store) ForDocument(document string, limit int) ([]Record, error) {
	rows, err := s.db.Query(`
		SELECT id, timestamp_ns, document, anchor, original, committed, previous_hash, record_hash
		FROM conversions
		WHERE document = ?
		ORDER BY id DESC
		LIMIT ?`, document, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query document records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// TokenCount is a converted token with its commit count.
type TokenCount struct {
	Original string
	Count    int64
}

// TopOriginals returns the most frequently converted tokens.
func (s *Store) TopOriginals(limit int) ([]TokenCount, error) {
	rows, err := s.db.Query(`
		SELECT original, COUNT(*) AS n
		FROM conversions
		GROUP BY original
		ORDER BY n DESC, original ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query top originals: %w", err)
	}
	defer rows.Close()

	var counts []TokenCount
	for rows.Next() {
		var tc TokenCount
		if err := rows.Scan(&tc.Original, &tc.Count); err != nil {
			return nil, fmt.Errorf("history: scan token count: %w", err)
		}
		counts = append(counts, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate token counts: %w", err)
	}
	return counts, nil
}

// Stats summarizes the history database.
type Stats struct {
	RecordCount   int64
	DocumentCount int64
	OldestRecord  time.Time
	NewestRecord  time.Time
	IntegrityOK   bool
	ChainHash     string
}

// GetStats returns database statistics.
func (s *Store) GetStats() (*Stats, error) {
	s.mu.RLock()
	stats := &Stats{
		RecordCount: s.count,
		IntegrityOK: s.integrityOK,
		ChainHash:   fmt.Sprintf("%x", s.lastHash),
	}
	s.mu.RUnlock()

	if err := s.db.QueryRow(`SELECT COUNT(DISTINCT document) FROM conversions`).Scan(&stats.DocumentCount); err != nil {
		return nil, fmt.Errorf("history: count documents: %w", err)
	}

	var oldestNs, newestNs sql.NullInt64
	if err := s.db.QueryRow(`SELECT MIN(timestamp_ns), MAX(timestamp_ns) FROM conversions`).Scan(&oldestNs, &newestNs); err != nil {
		return nil, fmt.Errorf("history: query time range: %w", err)
	}
	if oldestNs.Valid {
		stats.OldestRecord = time.Unix(0, oldestNs.Int64)
		stats.NewestRecord = time.Unix(0, newestNs.Int64)
	}

	return stats, nil
}

// PruneBefore deletes records older than cutoff and re-anchors the chain at
// the earliest surviving record, returning the number deleted. Records are
// pruned as a contiguous prefix of the chain, so verification keeps working
// over what remains.
func (s *Store) PruneBefore(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.integrityOK {
		return 0, errors.New("history: database integrity compromised, refusing to prune")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("history: begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Find the chain boundary: the first record at or past the cutoff.
	// Everything before it (by id, the chain order) goes.
	var boundaryID int64
	var genesisBytes []byte
	var genesis [32]byte
	err = tx.QueryRow(`
		SELECT id, previous_hash FROM conversions
		WHERE timestamp_ns >= ?
		ORDER BY id ASC
		LIMIT 1`, cutoff.UnixNano(),
	).Scan(&boundaryID, &genesisBytes)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Nothing survives: the chain continues from its last hash.
		genesis = s.lastHash
		boundaryID = -1
	case err != nil:
		return 0, fmt.Errorf("history: find prune boundary: %w", err)
	default:
		copy(genesis[:], genesisBytes)
	}

	var result sql.Result
	if boundaryID < 0 {
		result, err = tx.Exec(`DELETE FROM conversions`)
	} else {
		result, err = tx.Exec(`DELETE FROM conversions WHERE id < ?`, boundaryID)
	}
	if err != nil {
		return 0, fmt.Errorf("history: delete records: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("history: get rows affected: %w", err)
	}

	newCount := s.count - deleted
	mac := s.computeIntegrityHMAC(genesis, s.lastHash, newCount)
	if _, err := tx.Exec(`
		UPDATE integrity SET genesis_hash = ?, record_count = ?, last_verified = ?, hmac = ? WHERE id = 1`,
		genesis[:], newCount, time.Now().UnixNano(), mac,
	); err != nil {
		return 0, fmt.Errorf("history: update integrity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("history: commit transaction: %w", err)
	}

	s.count = newCount
	return deleted, nil
}

func (s *Store) updateIntegrity(tx *sql.Tx, chainHash [32]byte, count int64) error {
	var genesisBytes []byte
	if err := tx.QueryRow(`SELECT genesis_hash FROM integrity WHERE id = 1`).
		Scan(&genesisBytes); err != nil {
		return fmt.Errorf("history: read genesis hash: %w", err)
	}
	var genesis [32]byte
	copy(genesis[:], genesisBytes)

	mac := s.computeIntegrityHMAC(genesis, chainHash, count)
	if _, err := tx.Exec(`
		UPDATE integrity SET chain_hash = ?, record_count = ?, last_verified = ?, hmac = ? WHERE id = 1`,
		chainHash[:], count, time.Now().UnixNano(), mac,
	); err != nil {
		return fmt.Errorf("history: update integrity: %w", err)
	}
	return nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var r Record
		var previousHash, recordHash []byte
		if err := rows.Scan(&r.ID, &r.TimestampNs, &r.Document, &r.Anchor, &r.Original, &r.Committed, &previousHash, &recordHash); err != nil {
			return nil, fmt.Errorf("history: scan record: %w", err)
		}
		copy(r.PreviousHash[:], previousHash)
		copy(r.RecordHash[:], recordHash)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate records: %w", err)
	}
	return records, nil
}
