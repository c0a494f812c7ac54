package engine

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"henkand/internal/document"
)

const testDictionary = `{
  "version": 1,
  "entries": {
    "konna": ["こんな", "今な"],
    "sekai": ["世界", "せかい", "セカイ"]
  }
}`

func writeDictionary(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dictionary.json")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write dictionary: %v", err)
	}
	return path
}

func newTestDictionary(t *testing.T, opts DictionaryOptions) *Dictionary {
	t.Helper()
	d, err := NewDictionary(writeDictionary(t, testDictionary), opts)
	if err != nil {
		t.Fatalf("NewDictionary failed: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestNewDictionary(t *testing.T) {
	d := newTestDictionary(t, DictionaryOptions{})
	if d.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", d.Len())
	}
	if d.Converting() {
		t.Error("fresh engine should not be converting")
	}
}

func TestDictionaryStart(t *testing.T) {
	d := newTestDictionary(t, DictionaryOptions{})
	buf := document.NewBuffer("hello world ")

	if err := d.Start(buf, 12, "konna"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !d.Converting() {
		t.Error("expected converting after start")
	}
	if cur, ok := d.Current(); !ok || cur != "こんな" {
		t.Errorf("expected first candidate こんな, got %q (%v)", cur, ok)
	}
	if seed, ok := d.Seed(); !ok || seed != "konna" {
		t.Errorf("expected seed konna, got %q (%v)", seed, ok)
	}
	// Start alone must not touch the document.
	if buf.Text() != "hello world " {
		t.Errorf("start must not mutate document, got %q", buf.Text())
	}
}

func TestDictionaryRejectsUnknownSeed(t *testing.T) {
	d := newTestDictionary(t, DictionaryOptions{})

	err := d.Start(document.NewBuffer(""), 0, "nothere")
	if !errors.Is(err, ErrNoEntry) {
		t.Errorf("expected ErrNoEntry, got %v", err)
	}
	if d.Converting() {
		t.Error("rejected start must not open a sub-session")
	}
}

func TestDictionaryLowercaseFallback(t *testing.T) {
	d := newTestDictionary(t, DictionaryOptions{})

	if err := d.Start(document.NewBuffer(""), 0, "Konna"); err != nil {
		t.Fatalf("expected lowercase fallback, got %v", err)
	}
}

func TestDictionaryBusy(t *testing.T) {
	d := newTestDictionary(t, DictionaryOptions{})
	buf := document.NewBuffer("")

	if err := d.Start(buf, 0, "konna"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := d.Start(buf, 0, "sekai"); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
}

func TestDictionaryTriggerCyclesCandidates(t *testing.T) {
	d := newTestDictionary(t, DictionaryOptions{})

	if err := d.Start(document.NewBuffer(""), 0, "konna"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := d.Forward(Event{Kind: EventTrigger}); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if cur, _ := d.Current(); cur != "今な" {
		t.Errorf("expected second candidate, got %q", cur)
	}

	// Wraps back to the first.
	if err := d.Forward(Event{Kind: EventTrigger}); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if cur, _ := d.Current(); cur != "こんな" {
		t.Errorf("expected wrap to first candidate, got %q", cur)
	}
}

func TestDictionaryCommitInsertsAtAnchor(t *testing.T) {
	d := newTestDictionary(t, DictionaryOptions{})
	buf := document.NewBuffer("hello world ")

	if err := d.Start(buf, 12, "konna"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := d.Forward(Event{Kind: EventCommit}); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if buf.Text() != "hello world こんな" {
		t.Errorf("expected committed text in document, got %q", buf.Text())
	}
	if d.Converting() {
		t.Error("expected sub-session closed after commit")
	}
	if d.Committed() != "こんな" {
		t.Errorf("expected Committed こんな, got %q", d.Committed())
	}
}

func TestDictionaryQuitCommitsSeedBack(t *testing.T) {
	d := newTestDictionary(t, DictionaryOptions{})
	buf := document.NewBuffer("hello world ")

	if err := d.Start(buf, 12, "konna"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := d.Forward(Event{Kind: EventQuit}); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if buf.Text() != "hello world konna" {
		t.Errorf("expected seed committed back, got %q", buf.Text())
	}
	if d.Committed() != "konna" {
		t.Errorf("expected Committed konna, got %q", d.Committed())
	}
}

func TestDictionaryDigitSelection(t *testing.T) {
	d := newTestDictionary(t, DictionaryOptions{})
	buf := document.NewBuffer("")

	if err := d.Start(buf, 0, "sekai"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := d.Forward(Event{Kind: EventRune, Rune: '2'}); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if buf.Text() != "せかい" {
		t.Errorf("expected second candidate committed, got %q", buf.Text())
	}
}

func TestDictionaryIgnoresOtherRunes(t *testing.T) {
	d := newTestDictionary(t, DictionaryOptions{})
	buf := document.NewBuffer("")

	if err := d.Start(buf, 0, "konna"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := d.Forward(Event{Kind: EventRune, Rune: 'x'}); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	// '9' is out of range for a two-candidate entry.
	if err := d.Forward(Event{Kind: EventRune, Rune: '9'}); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if !d.Converting() {
		t.Error("unhandled runes must not close the sub-session")
	}
	if buf.Text() != "" {
		t.Errorf("unhandled runes must not mutate document, got %q", buf.Text())
	}
}

func TestDictionaryAbortInsertsNothing(t *testing.T) {
	d := newTestDictionary(t, DictionaryOptions{})
	buf := document.NewBuffer("hello world ")

	if err := d.Start(buf, 12, "konna"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	d.Abort()

	if buf.Text() != "hello world " {
		t.Errorf("abort must not mutate document, got %q", buf.Text())
	}
	if d.Converting() {
		t.Error("expected sub-session closed after abort")
	}
	if d.Committed() != "" {
		t.Errorf("expected no committed text after abort, got %q", d.Committed())
	}
}

func TestDictionaryForwardWithoutSession(t *testing.T) {
	d := newTestDictionary(t, DictionaryOptions{})

	if err := d.Forward(Event{Kind: EventTrigger}); !errors.Is(err, ErrNotConverting) {
		t.Errorf("expected ErrNotConverting, got %v", err)
	}
}

func TestDictionaryNotifications(t *testing.T) {
	d := newTestDictionary(t, DictionaryOptions{})
	buf := document.NewBuffer("")

	var notified int
	id := d.Subscribe(func() { notified++ })
	defer d.Unsubscribe(id)

	if err := d.Start(buf, 0, "konna"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := d.Forward(Event{Kind: EventTrigger}); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if err := d.Forward(Event{Kind: EventCommit}); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	// Start, candidate advance, commit.
	if notified != 3 {
		t.Errorf("expected 3 notifications, got %d", notified)
	}
}

func TestDictionaryMaxCandidates(t *testing.T) {
	d := newTestDictionary(t, DictionaryOptions{MaxCandidates: 2})

	if err := d.Start(document.NewBuffer(""), 0, "sekai"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := len(d.Candidates()); got != 2 {
		t.Errorf("expected candidate list capped at 2, got %d", got)
	}
}

func TestDictionarySchemaViolations(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"not json", `this is not json`},
		{"missing entries", `{"version": 1}`},
		{"missing version", `{"entries": {}}`},
		{"version zero", `{"version": 0, "entries": {}}`},
		{"empty candidate list", `{"version": 1, "entries": {"a": []}}`},
		{"empty candidate string", `{"version": 1, "entries": {"a": [""]}}`},
		{"candidate not a string", `{"version": 1, "entries": {"a": [1]}}`},
		{"unknown top-level key", `{"version": 1, "entries": {}, "extra": true}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewDictionary(writeDictionary(t, tc.content), DictionaryOptions{})
			if err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDictionaryHotReload(t *testing.T) {
	path := writeDictionary(t, testDictionary)
	d, err := NewDictionary(path, DictionaryOptions{AutoReload: true})
	if err != nil {
		t.Fatalf("NewDictionary failed: %v", err)
	}
	defer d.Close()

	updated := `{"version": 1, "entries": {"atarashii": ["新しい"]}}`
	if err := os.WriteFile(path, []byte(updated), 0600); err != nil {
		t.Fatalf("rewrite dictionary: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(d.lookup("atarashii")) > 0 {
			if len(d.lookup("konna")) != 0 {
				t.Error("old entries should be replaced, not merged")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("dictionary was not reloaded within deadline")
}

func TestDictionaryReloadKeepsOldEntriesOnError(t *testing.T) {
	path := writeDictionary(t, testDictionary)
	d, err := NewDictionary(path, DictionaryOptions{AutoReload: true})
	if err != nil {
		t.Fatalf("NewDictionary failed: %v", err)
	}
	defer d.Close()

	if err := os.WriteFile(path, []byte(`{"broken":`), 0600); err != nil {
		t.Fatalf("rewrite dictionary: %v", err)
	}

	// Give the debounced reload time to run and fail.
	time.Sleep(500 * time.Millisecond)

	if len(d.lookup("konna")) == 0 {
		t.Error("failed reload must keep the previous entries")
	}
}
