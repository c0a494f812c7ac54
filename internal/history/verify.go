package history

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"time"
)

// initializeIntegrity seeds the integrity record for a new database. The
// chain starts from the zero hash.
func (s *Store) initializeIntegrity() error {
	var zero [32]byte
	s.lastHash = zero
	s.count = 0

	mac := s.computeIntegrityHMAC(zero, zero, 0)
	_, err := s.db.Exec(`
		INSERT INTO integrity (id, genesis_hash, chain_hash, record_count, last_verified, hmac)
		VALUES (1, ?, ?, 0, ?, ?)`,
		zero[:], zero[:], time.Now().UnixNano(), mac,
	)
	return err
}

// Verify walks the whole record chain and checks it against the integrity
// record. On success the in-memory chain state is refreshed.
func (s *Store) Verify() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var genesisBytes, chainBytes, storedMAC []byte
	var recordCount int64
	err := s.db.QueryRow(`SELECT genesis_hash, chain_hash, record_count, hmac FROM integrity WHERE id = 1`).
		Scan(&genesisBytes, &chainBytes, &recordCount, &storedMAC)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errors.New("integrity record missing")
		}
		return fmt.Errorf("read integrity record: %w", err)
	}

	var genesis, chainHash [32]byte
	copy(genesis[:], genesisBytes)
	copy(chainHash[:], chainBytes)

	if !hmac.Equal(storedMAC, s.computeIntegrityHMAC(genesis, chainHash, recordCount)) {
		return errors.New("integrity record HMAC mismatch")
	}

	rows, err := s.db.Query(`
		SELECT id, timestamp_ns, document, anchor, original, committed, previous_hash, record_hash, hmac
		FROM conversions
		ORDER BY id ASC`)
	if err != nil {
		return fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	lastHash := genesis
	var count int64

	for rows.Next() {
		var r Record
		var previousHash, recordHash, storedRecordMAC []byte
		if err := rows.Scan(&r.ID, &r.TimestampNs, &r.Document, &r.Anchor, &r.Original, &r.Committed, &previousHash, &recordHash, &storedRecordMAC); err != nil {
			return fmt.Errorf("scan record: %w", err)
		}
		copy(r.PreviousHash[:], previousHash)
		copy(r.RecordHash[:], recordHash)

		if !bytes.Equal(previousHash, lastHash[:]) {
			return fmt.Errorf("chain break at record %d: previous hash mismatch", r.ID)
		}
		if computed := s.computeRecordHash(&r); !bytes.Equal(recordHash, computed[:]) {
			return fmt.Errorf("record %d hash mismatch", r.ID)
		}
		if !hmac.Equal(storedRecordMAC, s.computeRecordHMAC(&r)) {
			return fmt.Errorf("record %d HMAC mismatch", r.ID)
		}

		lastHash = r.RecordHash
		count++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate records: %w", err)
	}

	if count != recordCount {
		return fmt.Errorf("record count mismatch: expected %d, found %d", recordCount, count)
	}
	if !bytes.Equal(chainHash[:], lastHash[:]) {
		return errors.New("chain hash mismatch")
	}

	s.lastHash = lastHash
	s.count = count
	s.integrityOK = true
	return nil
}

func (s *Store) computeIntegrityHMAC(genesis, chainHash [32]byte, recordCount int64) []byte {
	h := hmac.New(sha256.New, s.hmacKey)
	h.Write([]byte("henkand-integrity-v1"))
	h.Write(genesis[:])
	h.Write(chainHash[:])
	writeInt64(h, recordCount)
	return h.Sum(nil)
}

func (s *Store) computeRecordHMAC(r *Record) []byte {
	h := hmac.New(sha256.New, s.hmacKey)
	writeRecord(h, r)
	return h.Sum(nil)
}

func (s *Store) computeRecordHash(r *Record) [32]byte {
	h := sha256.New()
	writeRecord(h, r)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// writeRecord feeds a record's chained fields into h. Variable-length
// fields are length-prefixed so adjacent fields cannot be confused.
func writeRecord(h hash.Hash, r *Record) {
	h.Write([]byte("henkand-record-v1"))
	writeInt64(h, r.TimestampNs)
	writeString(h, r.Document)
	writeInt64(h, int64(r.Anchor))
	writeString(h, r.Original)
	writeString(h, r.Committed)
	h.Write(r.PreviousHash[:])
}

func writeInt64(h hash.Hash, n int64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	h.Write(buf[:])
}

func writeString(h hash.Hash, s string) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(len(s)))
	h.Write(buf[:])
	h.Write([]byte(s))
}
