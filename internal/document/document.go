// Package document defines the editable-document boundary the conversion
// controller mutates, plus in-memory implementations used by the daemon,
// the demo, and tests.
package document

// Document is the host editor surface consumed by the conversion controller
// and the conversion engine. Positions are absolute rune offsets.
type Document interface {
	// Cursor returns the cursor's rune offset.
	Cursor() int

	// LineBeforeCursor returns the current line's text from the line start
	// up to the cursor.
	LineBeforeCursor() string

	// DeleteRange removes the runes in [start, end).
	DeleteRange(start, end int) error

	// InsertAt inserts text before the rune at pos.
	InsertAt(pos int, text string) error

	// Notify displays a transient user-facing message.
	Notify(message string)
}
