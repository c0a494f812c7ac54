// Package conversion implements the modeless conversion controller. The
// controller carves a token out of the document, hands it to a conversion
// engine, and tears the session down again when the engine settles or the
// user backs out. It has exactly two modes, idle and converting, and the
// document is the only mode indicator the user ever sees.
package conversion

import (
	"errors"
	"fmt"

	"henkand/internal/document"
	"henkand/internal/engine"
	"henkand/internal/token"
)

var (
	// ErrNoCandidate reports a trigger with no convertible text ending
	// at the cursor.
	ErrNoCandidate = errors.New("conversion: no candidate text before cursor")

	// ErrSeedRejected reports an engine that refused the detected token.
	ErrSeedRejected = errors.New("conversion: engine rejected seed")

	// ErrNotConverting reports a forwarded event with no conversion in
	// progress.
	ErrNotConverting = errors.New("conversion: no conversion in progress")
)

// State is the controller's mode.
type State int

const (
	// StateIdle means no conversion is in progress.
	StateIdle State = iota

	// StateConverting means a token has been carved out of the document
	// and handed to the engine.
	StateConverting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConverting:
		return "converting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DisablePolicy selects what happens to a pending conversion when the
// input method is disabled mid-session.
type DisablePolicy string

const (
	// DisableCommit settles the pending conversion on its current
	// candidate before shutting down.
	DisableCommit DisablePolicy = "commit"

	// DisableRestore puts the original text back instead.
	DisableRestore DisablePolicy = "restore"
)

// session is the pending conversion: where the token was carved out of the
// document and what it said. Both fields are set in one assignment so the
// session is never observable half-built.
type session struct {
	anchor   int
	original string
}

// Result records how the most recent session ended.
type Result struct {
	Anchor   int
	Original string

	// Committed is the text the engine inserted, empty when the
	// session ended without a commit.
	Committed string

	// Restored reports that the original text was put back.
	Restored bool
}

// Options configures a Controller. The zero value selects the default
// token pattern and the commit-on-disable policy.
type Options struct {
	Detector      *token.Detector
	DisablePolicy DisablePolicy
}

// Controller drives modeless conversion over one document.
//
// It is single-goroutine, like the engines it drives: callers serialize
// access per document, and engine notifications are delivered
// synchronously on the calling goroutine. Committed text is the engine's
// to insert; the controller never writes it.
type Controller struct {
	doc      document.Document
	engine   engine.Engine
	detector *token.Detector
	policy   DisablePolicy

	sess       *session
	subID      int
	subscribed bool

	// finishing keeps engine notifications fired during teardown from
	// re-entering finish; some engines broadcast on Abort.
	finishing bool

	last    Result
	hasLast bool
}

// NewController returns an idle controller over doc and eng.
func NewController(doc document.Document, eng engine.Engine, opts Options) *Controller {
	det := opts.Detector
	if det == nil {
		det = token.Default()
	}
	policy := opts.DisablePolicy
	if policy == "" {
		policy = DisableCommit
	}
	return &Controller{
		doc:      doc,
		engine:   eng,
		detector: det,
		policy:   policy,
	}
}

// State reports the controller's mode.
func (c *Controller) State() State {
	if c.sess != nil {
		return StateConverting
	}
	return StateIdle
}

// Converting reports whether a conversion is in progress.
func (c *Controller) Converting() bool {
	return c.sess != nil
}

// Session returns the anchor and original text of the pending conversion.
func (c *Controller) Session() (anchor int, original string, ok bool) {
	if c.sess == nil {
		return 0, "", false
	}
	return c.sess.anchor, c.sess.original, true
}

// LastResult returns how the most recent conversion ended.
func (c *Controller) LastResult() (Result, bool) {
	return c.last, c.hasLast
}

// SetDetector replaces the token detector. The pending conversion, if any,
// already carved its token; the new detector applies from the next trigger.
func (c *Controller) SetDetector(det *token.Detector) {
	if det != nil {
		c.detector = det
	}
}

// SetPolicy replaces the disable policy.
func (c *Controller) SetPolicy(policy DisablePolicy) {
	if policy != "" {
		c.policy = policy
	}
}

// Trigger starts a conversion when idle, or forwards the trigger to the
// engine when one is already in progress.
//
// Starting a conversion detects the token ending at the cursor, removes it
// from the document, and seeds the engine with it. When no token ends at
// the cursor the document gets a notice and the controller stays idle.
func (c *Controller) Trigger() error {
	if c.sess != nil {
		return c.engine.Forward(engine.Event{Kind: engine.EventTrigger})
	}

	cursor := c.doc.Cursor()
	tok, ok := c.detector.Detect(c.doc.LineBeforeCursor(), cursor)
	if !ok {
		c.doc.Notify("no candidate text before cursor")
		return ErrNoCandidate
	}

	if err := c.doc.DeleteRange(tok.Start, cursor); err != nil {
		return fmt.Errorf("conversion: remove token: %w", err)
	}
	c.sess = &session{anchor: tok.Start, original: tok.Text}

	if err := c.engine.Start(c.doc, tok.Start, tok.Text); err != nil {
		// The engine refused the token. Put the text back the same way
		// a cancel would, then tell the user.
		if rerr := c.abandon(); rerr != nil {
			return rerr
		}
		c.doc.Notify(fmt.Sprintf("cannot convert %q", tok.Text))
		return fmt.Errorf("%w: %v", ErrSeedRejected, err)
	}

	c.subID = c.engine.Subscribe(c.engineChanged)
	c.subscribed = true

	// An engine may settle synchronously inside Start, before the
	// subscription exists; pick that up here.
	if !c.engine.Converting() {
		c.finish(false)
	}
	return nil
}

// Forward hands a raw input event to the engine.
func (c *Controller) Forward(ev engine.Event) error {
	if c.sess == nil {
		return ErrNotConverting
	}
	return c.engine.Forward(ev)
}

// Cancel abandons the pending conversion and puts the original text back
// at the anchor. Cancelling while idle is a harmless no-op.
func (c *Controller) Cancel() error {
	if c.sess == nil {
		return nil
	}
	return c.finish(true)
}

// Disable ends the pending conversion because the input method is being
// turned off, settling it according to the configured policy. Disabling
// while idle is a no-op.
func (c *Controller) Disable() error {
	if c.sess == nil {
		return nil
	}
	if c.policy == DisableRestore {
		return c.finish(true)
	}

	// Commit policy: ask the engine to settle on its current candidate.
	// The commit notification normally finishes the session; the
	// explicit finish below covers an engine that ignored the request.
	var fwdErr error
	if c.engine.Converting() {
		fwdErr = c.engine.Forward(engine.Event{Kind: engine.EventCommit})
	}
	if err := c.finish(false); err != nil {
		return err
	}
	return fwdErr
}

// engineChanged runs on every engine state-change notification. The only
// transition the controller acts on is the engine settling; everything
// else (candidate movement, duplicate notifications) leaves the session
// alone.
func (c *Controller) engineChanged() {
	if c.sess == nil || c.finishing {
		return
	}
	if c.engine.Converting() {
		return
	}
	c.finish(false)
}

// finish is the teardown path for a session the engine accepted: commit,
// cancel, and disable all converge here. It aborts the engine if it is
// still converting, optionally restores the original text, and clears the
// session. The document is never touched on the commit path; the engine
// already inserted its text.
func (c *Controller) finish(restore bool) error {
	return c.end(restore, true)
}

// abandon tears down a session whose engine Start failed. The controller
// never owned an engine sub-session, so there is nothing to abort: a
// shared engine may be converting for another document, and that session
// must survive. The original text is restored.
func (c *Controller) abandon() error {
	return c.end(true, false)
}

func (c *Controller) end(restore, abort bool) error {
	if c.sess == nil || c.finishing {
		return nil
	}
	c.finishing = true
	defer c.cleanup()

	sess := *c.sess
	if abort && c.engine.Converting() {
		c.engine.Abort()
	}

	c.last = Result{Anchor: sess.anchor, Original: sess.original, Restored: restore}
	c.hasLast = true

	if restore {
		if err := c.doc.InsertAt(sess.anchor, sess.original); err != nil {
			return fmt.Errorf("conversion: restore original text: %w", err)
		}
	} else {
		c.last.Committed = c.engine.Committed()
	}
	return nil
}

// cleanup releases the engine subscription and clears the session. Every
// ended session passes through here exactly once.
func (c *Controller) cleanup() {
	if c.subscribed {
		c.engine.Unsubscribe(c.subID)
		c.subscribed = false
	}
	c.sess = nil
	c.finishing = false
}
