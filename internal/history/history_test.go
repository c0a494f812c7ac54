package history

import (
	"bytes"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), testKey())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func record(doc, original, committed string, ts int64) *Record {
	return &Record{
		TimestampNs: ts,
		Document:    doc,
		Anchor:      12,
		Original:    original,
		Committed:   committed,
	}
}

func TestOpenAndClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	s, err := Open(dbPath, testKey())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !s.IntegrityOK() {
		t.Error("fresh database should pass integrity")
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	info, err := os.Stat(dbPath)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected 0600 permissions, got %o", perm)
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "history.db")

	s, err := Open(dbPath, testKey())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
}

func TestOpenRejectsShortKey(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "history.db"), []byte("short"))
	if err == nil {
		t.Error("expected error for short HMAC key")
	}
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close on nil db should not error: %v", err)
	}
}

func TestRecordAndRecent(t *testing.T) {
	s := openTestStore(t)

	for _, rec := range []*Record{
		record("doc-1", "konna", "こんな", 0),
		record("doc-1", "sekai", "世界", 0),
		record("doc-2", "konna", "今な", 0),
	} {
		if err := s.RecordCommit(rec); err != nil {
			t.Fatalf("RecordCommit failed: %v", err)
		}
		if rec.ID == 0 {
			t.Error("expected ID filled in")
		}
		if rec.TimestampNs == 0 {
			t.Error("expected timestamp filled in")
		}
	}

	records, err := s.Recent(10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	// Newest first.
	if records[0].Original != "konna" || records[0].Committed != "今な" {
		t.Errorf("unexpected newest record %+v", records[0])
	}
	if records[0].Document != "doc-2" || records[0].Anchor != 12 {
		t.Errorf("record fields did not round-trip: %+v", records[0])
	}
}

func TestRecordsChain(t *testing.T) {
	s := openTestStore(t)

	r1 := record("doc", "aaa", "あ", 0)
	r2 := record("doc", "bbb", "び", 0)
	if err := s.RecordCommit(r1); err != nil {
		t.Fatalf("RecordCommit failed: %v", err)
	}
	if err := s.RecordCommit(r2); err != nil {
		t.Fatalf("RecordCommit failed: %v", err)
	}

	if r1.PreviousHash != [32]byte{} {
		t.Error("first record must chain from the zero hash")
	}
	if r2.PreviousHash != r1.RecordHash {
		t.Error("second record must chain from the first")
	}
	if r1.RecordHash == r2.RecordHash {
		t.Error("distinct records must hash differently")
	}
}

func TestForDocument(t *testing.T) {
	s := openTestStore(t)

	s.RecordCommit(record("doc-1", "aaa", "あ", 0))
	s.RecordCommit(record("doc-2", "bbb", "び", 0))
	s.RecordCommit(record("doc-1", "ccc", "し", 0))

	records, err := s.ForDocument("doc-1", 10)
	if err != nil {
		t.Fatalf("ForDocument failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Original != "ccc" || records[1].Original != "aaa" {
		t.Errorf("unexpected order: %q, %q", records[0].Original, records[1].Original)
	}
}

func TestTopOriginals(t *testing.T) {
	s := openTestStore(t)

	s.RecordCommit(record("doc", "konna", "こんな", 0))
	s.RecordCommit(record("doc", "konna", "今な", 0))
	s.RecordCommit(record("doc", "sekai", "世界", 0))

	top, err := s.TopOriginals(5)
	if err != nil {
		t.Fatalf("TopOriginals failed: %v", err)
	}
	if len(top) != 2 {
		t.Fatalf("expected 2 tokens, got %d", len(top))
	}
	if top[0].Original != "konna" || top[0].Count != 2 {
		t.Errorf("unexpected top token %+v", top[0])
	}
}

func TestGetStats(t *testing.T) {
	s := openTestStore(t)

	s.RecordCommit(record("doc-1", "aaa", "あ", 0))
	s.RecordCommit(record("doc-2", "bbb", "び", 0))

	stats, err := s.GetStats()
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.RecordCount != 2 {
		t.Errorf("expected 2 records, got %d", stats.RecordCount)
	}
	if stats.DocumentCount != 2 {
		t.Errorf("expected 2 documents, got %d", stats.DocumentCount)
	}
	if !stats.IntegrityOK {
		t.Error("expected integrity OK")
	}
	if stats.OldestRecord.IsZero() || stats.NewestRecord.Before(stats.OldestRecord) {
		t.Errorf("unexpected time range %v..%v", stats.OldestRecord, stats.NewestRecord)
	}
}

func TestReopenVerifies(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	s, err := Open(dbPath, testKey())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	s.RecordCommit(record("doc", "konna", "こんな", 0))
	s.RecordCommit(record("doc", "sekai", "世界", 0))
	s.Close()

	s2, err := Open(dbPath, testKey())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	if !s2.IntegrityOK() {
		t.Error("expected integrity OK after reopen")
	}
	stats, err := s2.GetStats()
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.RecordCount != 2 {
		t.Errorf("expected 2 records after reopen, got %d", stats.RecordCount)
	}
}

func TestReopenWrongKey(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	s, err := Open(dbPath, testKey())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	s.RecordCommit(record("doc", "konna", "こんな", 0))
	s.Close()

	s2, err := Open(dbPath, bytes.Repeat([]byte{0x99}, 32))
	if err == nil {
		t.Fatal("expected integrity failure with wrong key")
	}
	if s2 == nil {
		t.Fatal("store should stay open for inspection")
	}
	defer s2.Close()

	if s2.IntegrityOK() {
		t.Error("expected integrity flag cleared")
	}
	if err := s2.RecordCommit(record("doc", "x", "y", 0)); err == nil {
		t.Error("compromised store must refuse writes")
	}
}

func TestTamperDetection(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	s, err := Open(dbPath, testKey())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	s.RecordCommit(record("doc", "konna", "こんな", 0))
	s.RecordCommit(record("doc", "sekai", "世界", 0))
	s.Close()

	// Rewrite a committed value behind the store's back.
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("raw open failed: %v", err)
	}
	if _, err := db.Exec(`UPDATE conversions SET committed = 'forged' WHERE original = 'konna'`); err != nil {
		t.Fatalf("tamper update failed: %v", err)
	}
	db.Close()

	// The failed reopen still returns a readable handle so the damage
	// can be inspected.
	s2, err := Open(dbPath, testKey())
	if err == nil {
		t.Error("expected tamper detection on reopen")
	}
	if s2 == nil {
		t.Fatal("expected an open handle alongside the verification error")
	}
	defer s2.Close()
	if s2.IntegrityOK() {
		t.Error("expected IntegrityOK false on a tampered store")
	}
	recs, err := s2.Recent(10)
	if err != nil {
		t.Fatalf("Recent on tampered store failed: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("expected the tampered records to stay readable, got %d", len(recs))
	}
}

func TestPruneBefore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	s, err := Open(dbPath, testKey())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	base := time.Now().Add(-time.Hour).UnixNano()
	s.RecordCommit(record("doc", "aaa", "あ", base))
	s.RecordCommit(record("doc", "bbb", "び", base+int64(time.Second)))
	r3 := record("doc", "ccc", "し", base+2*int64(time.Second))
	s.RecordCommit(r3)

	cutoff := time.Unix(0, base+int64(1500*time.Millisecond))
	deleted, err := s.PruneBefore(cutoff)
	if err != nil {
		t.Fatalf("PruneBefore failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 deleted, got %d", deleted)
	}

	records, err := s.Recent(10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(records) != 1 || records[0].Original != "ccc" {
		t.Errorf("unexpected survivors: %+v", records)
	}

	// Appending keeps chaining from the surviving tail.
	r4 := record("doc", "ddd", "ど", 0)
	if err := s.RecordCommit(r4); err != nil {
		t.Fatalf("RecordCommit after prune failed: %v", err)
	}
	if r4.PreviousHash != r3.RecordHash {
		t.Error("new record must chain from the surviving tail")
	}
	s.Close()

	// The re-anchored chain still verifies from scratch.
	s2, err := Open(dbPath, testKey())
	if err != nil {
		t.Fatalf("reopen after prune failed: %v", err)
	}
	defer s2.Close()
	if !s2.IntegrityOK() {
		t.Error("expected integrity OK after prune and reopen")
	}
}

func TestPruneEverything(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	s, err := Open(dbPath, testKey())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	last := record("doc", "bbb", "び", 0)
	s.RecordCommit(record("doc", "aaa", "あ", 0))
	s.RecordCommit(last)

	deleted, err := s.PruneBefore(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("PruneBefore failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 deleted, got %d", deleted)
	}

	next := record("doc", "ccc", "し", 0)
	if err := s.RecordCommit(next); err != nil {
		t.Fatalf("RecordCommit after full prune failed: %v", err)
	}
	if next.PreviousHash != last.RecordHash {
		t.Error("chain must continue from the pre-prune tail")
	}
	s.Close()

	s2, err := Open(dbPath, testKey())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()
	if !s2.IntegrityOK() {
		t.Error("expected integrity OK")
	}
}

func TestPruneNothing(t *testing.T) {
	s := openTestStore(t)

	s.RecordCommit(record("doc", "aaa", "あ", 0))

	deleted, err := s.PruneBefore(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneBefore failed: %v", err)
	}
	if deleted != 0 {
		t.Errorf("expected nothing deleted, got %d", deleted)
	}
}

func TestLoadSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")

	first, err := LoadSecret(path)
	if err != nil {
		t.Fatalf("LoadSecret failed: %v", err)
	}
	if len(first) != secretSize {
		t.Errorf("expected %d-byte secret, got %d", secretSize, len(first))
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected 0600 permissions, got %o", perm)
	}

	second, err := LoadSecret(path)
	if err != nil {
		t.Fatalf("second LoadSecret failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("expected the same secret on reread")
	}
}

func TestLoadSecretRejectsShort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(path, []byte("too-short"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := LoadSecret(path); err == nil {
		t.Error("expected error for short secret")
	}
}

func TestDeriveKey(t *testing.T) {
	secret := bytes.Repeat([]byte{0x01}, 32)

	k1, err := DeriveKey(secret)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	k2, err := DeriveKey(secret)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Error("derivation must be deterministic")
	}
	if bytes.Equal(k1, secret) {
		t.Error("derived key must differ from the secret")
	}

	other, err := DeriveKey(bytes.Repeat([]byte{0x02}, 32))
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if bytes.Equal(k1, other) {
		t.Error("different secrets must derive different keys")
	}
}

func TestKeyFromSecretFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")

	key, err := KeyFromSecretFile(path)
	if err != nil {
		t.Fatalf("KeyFromSecretFile failed: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("expected 32-byte key, got %d", len(key))
	}

	again, err := KeyFromSecretFile(path)
	if err != nil {
		t.Fatalf("second KeyFromSecretFile failed: %v", err)
	}
	if !bytes.Equal(key, again) {
		t.Error("expected a stable key across loads")
	}
}
