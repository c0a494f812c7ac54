package document

// OpKind identifies a recorded document operation.
type OpKind string

const (
	OpDelete OpKind = "delete"
	OpInsert OpKind = "insert"
	OpNotice OpKind = "notice"
)

// Op is one document mutation or notice captured by a Recorder. The daemon
// relays captured ops to the remote editor so it can replay them against
// its own buffer.
type Op struct {
	Kind    OpKind `json:"kind"`
	Start   int    `json:"start,omitempty"`
	End     int    `json:"end,omitempty"`
	Text    string `json:"text,omitempty"`
	Message string `json:"message,omitempty"`
}

// Recorder wraps a Document, forwarding every call and capturing the
// mutation sequence. Reads pass through untouched; only successful
// mutations are recorded.
type Recorder struct {
	inner Document
	ops   []Op
}

// NewRecorder wraps inner.
func NewRecorder(inner Document) *Recorder {
	return &Recorder{inner: inner}
}

func (r *Recorder) Cursor() int {
	return r.inner.Cursor()
}

func (r *Recorder) LineBeforeCursor() string {
	return r.inner.LineBeforeCursor()
}

func (r *Recorder) DeleteRange(start, end int) error {
	if err := r.inner.DeleteRange(start, end); err != nil {
		return err
	}
	r.ops = append(r.ops, Op{Kind: OpDelete, Start: start, End: end})
	return nil
}

func (r *Recorder) InsertAt(pos int, text string) error {
	if err := r.inner.InsertAt(pos, text); err != nil {
		return err
	}
	r.ops = append(r.ops, Op{Kind: OpInsert, Start: pos, Text: text})
	return nil
}

func (r *Recorder) Notify(message string) {
	r.inner.Notify(message)
	r.ops = append(r.ops, Op{Kind: OpNotice, Message: message})
}

// Ops returns the operations captured so far without clearing them.
func (r *Recorder) Ops() []Op {
	return r.ops
}

// Flush returns the captured operations and resets the recorder.
func (r *Recorder) Flush() []Op {
	ops := r.ops
	r.ops = nil
	return ops
}
