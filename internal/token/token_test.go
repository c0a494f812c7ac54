package token

import "testing"

func TestDetectEndOfLine(t *testing.T) {
	d := Default()

	tok, ok := d.Detect("hello world konna", 17)
	if !ok {
		t.Fatal("expected token")
	}
	if tok.Text != "konna" {
		t.Errorf("expected text konna, got %q", tok.Text)
	}
	if tok.Start != 12 {
		t.Errorf("expected start 12, got %d", tok.Start)
	}
}

func TestDetectWholeLine(t *testing.T) {
	d := Default()

	tok, ok := d.Detect("konna", 5)
	if !ok {
		t.Fatal("expected token")
	}
	if tok.Start != 0 || tok.Text != "konna" {
		t.Errorf("expected (0, konna), got (%d, %q)", tok.Start, tok.Text)
	}
}

func TestDetectNotFound(t *testing.T) {
	d := Default()

	cases := []struct {
		name string
		line string
	}{
		{"empty line", ""},
		{"trailing space", "hello "},
		{"digits only", "123"},
		{"only punctuation", "!!!"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tok, ok := d.Detect(tc.line, len([]rune(tc.line))); ok {
				t.Errorf("expected no token, got (%d, %q)", tok.Start, tok.Text)
			}
		})
	}
}

// An earlier valid run must never satisfy a detection anchored at the
// cursor. This pins the anchored-match semantics: a backward search that
// latches onto "abc" would report the wrong result in both cases below.
func TestDetectAnchorsAtCursor(t *testing.T) {
	d := Default()

	// Valid run earlier in the line, non-matching character at the cursor.
	if tok, ok := d.Detect("abc!", 4); ok {
		t.Errorf("expected no token after punctuation, got (%d, %q)", tok.Start, tok.Text)
	}

	// Valid run earlier in the line AND a different valid run at the cursor.
	tok, ok := d.Detect("abc!def", 7)
	if !ok {
		t.Fatal("expected trailing token")
	}
	if tok.Text != "def" {
		t.Errorf("expected text def, got %q", tok.Text)
	}
	if tok.Start != 4 {
		t.Errorf("expected start 4, got %d", tok.Start)
	}
}

func TestDetectMaximalRun(t *testing.T) {
	d := Default()

	// The run must extend as far left as the pattern allows, no further.
	tok, ok := d.Detect("foo1bar", 7)
	if !ok {
		t.Fatal("expected token")
	}
	if tok.Text != "bar" {
		t.Errorf("expected text bar, got %q", tok.Text)
	}
	if tok.Start != 4 {
		t.Errorf("expected start 4, got %d", tok.Start)
	}
}

func TestDetectRuneOffsets(t *testing.T) {
	d := Default()

	// Multibyte characters before the token; offsets count runes, not bytes.
	line := "日本語です desu"
	cursor := len([]rune(line)) // 10
	tok, ok := d.Detect(line, cursor)
	if !ok {
		t.Fatal("expected token")
	}
	if tok.Text != "desu" {
		t.Errorf("expected text desu, got %q", tok.Text)
	}
	if tok.Start != cursor-4 {
		t.Errorf("expected start %d, got %d", cursor-4, tok.Start)
	}
}

func TestDetectNonASCIIBreaksRun(t *testing.T) {
	d := Default()

	// The accented character is not in the default pattern, so the run
	// ends at it.
	tok, ok := d.Detect("héllo", 5)
	if !ok {
		t.Fatal("expected token")
	}
	if tok.Text != "llo" {
		t.Errorf("expected text llo, got %q", tok.Text)
	}
}

func TestDetectCustomPattern(t *testing.T) {
	d, err := NewDetector("[0-9]+")
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}

	tok, ok := d.Detect("abc123", 6)
	if !ok {
		t.Fatal("expected token")
	}
	if tok.Text != "123" {
		t.Errorf("expected text 123, got %q", tok.Text)
	}
	if tok.Start != 3 {
		t.Errorf("expected start 3, got %d", tok.Start)
	}
}

func TestDetectRederivesPerCall(t *testing.T) {
	d := Default()

	// A failed detection must leave no state behind that affects the next
	// call, and repeated calls over the same snapshot must agree.
	if _, ok := d.Detect("123", 3); ok {
		t.Fatal("expected no token on digits")
	}

	first, ok := d.Detect("hello world konna", 17)
	if !ok {
		t.Fatal("expected token")
	}
	second, ok := d.Detect("hello world konna", 17)
	if !ok {
		t.Fatal("expected token on second call")
	}
	if first != second {
		t.Errorf("detections disagree: %+v vs %+v", first, second)
	}
}

func TestNewDetectorRejectsBadPatterns(t *testing.T) {
	cases := []struct {
		name    string
		pattern string
	}{
		{"empty", ""},
		{"unparseable", "[unclosed"},
		{"matches empty string", "[a-z]*"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewDetector(tc.pattern); err == nil {
				t.Errorf("expected error for pattern %q", tc.pattern)
			}
		})
	}
}
