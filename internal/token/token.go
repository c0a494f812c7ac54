// Package token locates the convertible token immediately preceding the cursor.
package token

import (
	"fmt"
	"regexp"
)

// DefaultPattern matches a run of ASCII letters.
const DefaultPattern = "[a-zA-Z]+"

// Token is a detected candidate for conversion. Start is the absolute rune
// offset of the token's first character; Text is the exact run of characters
// that ends at the cursor.
type Token struct {
	Start int
	Text  string
}

// Detector finds the longest run matching a pattern that ends exactly at the
// cursor. It is stateless: every call re-derives the match from the line
// snapshot it is given, never from residue of a previous search.
type Detector struct {
	full *regexp.Regexp
}

// NewDetector compiles pattern into a detector. The pattern describes one
// complete token and is anchored on both sides before use. Patterns that
// match the empty string are rejected; a token must be at least one
// character.
func NewDetector(pattern string) (*Detector, error) {
	if pattern == "" {
		return nil, fmt.Errorf("token: empty pattern")
	}
	full, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, fmt.Errorf("token: compile pattern: %w", err)
	}
	if full.MatchString("") {
		return nil, fmt.Errorf("token: pattern %q matches the empty string", pattern)
	}
	return &Detector{full: full}, nil
}

// MustDetector is like NewDetector but panics on error.
func MustDetector(pattern string) *Detector {
	d, err := NewDetector(pattern)
	if err != nil {
		panic(err)
	}
	return d
}

// Default returns a detector for DefaultPattern.
func Default() *Detector {
	return MustDetector(DefaultPattern)
}

// Detect returns the longest token that ends exactly at the cursor.
//
// lineBeforeCursor is the current line's text from the line start up to the
// cursor; cursor is the cursor's absolute rune offset in the document. The
// match is anchored at the cursor: if the character immediately before the
// cursor cannot end a match there is no token, even when an earlier part of
// the line contains a valid one.
func (d *Detector) Detect(lineBeforeCursor string, cursor int) (Token, bool) {
	runes := []rune(lineBeforeCursor)
	// Longest suffix first; the first suffix that matches in full is the
	// maximal run ending at the cursor.
	for start := 0; start < len(runes); start++ {
		text := string(runes[start:])
		if d.full.MatchString(text) {
			return Token{Start: cursor - (len(runes) - start), Text: text}, true
		}
	}
	return Token{}, false
}
