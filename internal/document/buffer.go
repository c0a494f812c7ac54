package document

import "fmt"

// Buffer is an in-memory editable document. It backs the daemon's
// per-client mirrors and the demo, and gives tests a concrete Document.
type Buffer struct {
	runes   []rune
	cursor  int
	notices []string
}

// NewBuffer creates a buffer holding text with the cursor at the end.
func NewBuffer(text string) *Buffer {
	r := []rune(text)
	return &Buffer{runes: r, cursor: len(r)}
}

// Text returns the whole buffer contents.
func (b *Buffer) Text() string {
	return string(b.runes)
}

// Len returns the buffer length in runes.
func (b *Buffer) Len() int {
	return len(b.runes)
}

// Cursor returns the cursor's rune offset.
func (b *Buffer) Cursor() int {
	return b.cursor
}

// SetCursor moves the cursor to pos.
func (b *Buffer) SetCursor(pos int) error {
	if pos < 0 || pos > len(b.runes) {
		return fmt.Errorf("document: cursor %d out of range (len %d)", pos, len(b.runes))
	}
	b.cursor = pos
	return nil
}

// LineBeforeCursor returns the current line's text from the line start up
// to the cursor.
func (b *Buffer) LineBeforeCursor() string {
	start := 0
	for i := b.cursor - 1; i >= 0; i-- {
		if b.runes[i] == '\n' {
			start = i + 1
			break
		}
	}
	return string(b.runes[start:b.cursor])
}

// DeleteRange removes the runes in [start, end). The cursor follows the
// edit: positions past the range shift left, positions inside it collapse
// to the range start.
func (b *Buffer) DeleteRange(start, end int) error {
	if start < 0 || end > len(b.runes) || start > end {
		return fmt.Errorf("document: range [%d,%d) out of bounds (len %d)", start, end, len(b.runes))
	}

	b.runes = append(b.runes[:start], b.runes[end:]...)

	switch {
	case b.cursor >= end:
		b.cursor -= end - start
	case b.cursor > start:
		b.cursor = start
	}
	return nil
}

// InsertAt inserts text before the rune at pos. A cursor at or past pos
// shifts right by the inserted length.
func (b *Buffer) InsertAt(pos int, text string) error {
	if pos < 0 || pos > len(b.runes) {
		return fmt.Errorf("document: position %d out of bounds (len %d)", pos, len(b.runes))
	}

	ins := []rune(text)
	if len(ins) == 0 {
		return nil
	}

	out := make([]rune, 0, len(b.runes)+len(ins))
	out = append(out, b.runes[:pos]...)
	out = append(out, ins...)
	out = append(out, b.runes[pos:]...)
	b.runes = out

	if b.cursor >= pos {
		b.cursor += len(ins)
	}
	return nil
}

// Notify records a transient user-facing message.
func (b *Buffer) Notify(message string) {
	b.notices = append(b.notices, message)
}

// Notices returns every message recorded so far.
func (b *Buffer) Notices() []string {
	return b.notices
}

// LastNotice returns the most recent message, or "" if there is none.
func (b *Buffer) LastNotice() string {
	if len(b.notices) == 0 {
		return ""
	}
	return b.notices[len(b.notices)-1]
}
