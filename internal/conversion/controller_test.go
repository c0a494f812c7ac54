package conversion

import (
	"errors"
	"strings"
	"testing"

	"henkand/internal/document"
	"henkand/internal/engine"
	"henkand/internal/token"
)

// newConverting builds a controller over "hello world konna" with the
// cursor at the end and triggers it once.
func newConverting(t *testing.T) (*document.Buffer, *engine.Scripted, *Controller) {
	t.Helper()
	buf := document.NewBuffer("hello world konna")
	eng := engine.NewScripted()
	eng.Candidates = map[string][]string{"konna": {"こんな", "今な"}}
	ctrl := NewController(buf, eng, Options{})
	if err := ctrl.Trigger(); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	return buf, eng, ctrl
}

func TestTriggerStartsConversion(t *testing.T) {
	buf, eng, ctrl := newConverting(t)

	if buf.Text() != "hello world " {
		t.Errorf("expected token removed, got %q", buf.Text())
	}
	if buf.Cursor() != 12 {
		t.Errorf("expected cursor at anchor, got %d", buf.Cursor())
	}
	if ctrl.State() != StateConverting {
		t.Errorf("expected converting, got %v", ctrl.State())
	}
	anchor, original, ok := ctrl.Session()
	if !ok || anchor != 12 || original != "konna" {
		t.Errorf("expected session (12, konna), got (%d, %q, %v)", anchor, original, ok)
	}
	if eng.StartCalls != 1 {
		t.Errorf("expected one engine start, got %d", eng.StartCalls)
	}
	if eng.Subscriptions() != 1 {
		t.Errorf("expected one subscription, got %d", eng.Subscriptions())
	}
}

func TestTriggerNoCandidate(t *testing.T) {
	for _, text := range []string{"", "hello world ", "12345", "end."} {
		t.Run("doc "+text, func(t *testing.T) {
			buf := document.NewBuffer(text)
			eng := engine.NewScripted()
			ctrl := NewController(buf, eng, Options{})

			if err := ctrl.Trigger(); !errors.Is(err, ErrNoCandidate) {
				t.Errorf("expected ErrNoCandidate, got %v", err)
			}
			if ctrl.State() != StateIdle {
				t.Errorf("expected idle, got %v", ctrl.State())
			}
			if buf.Text() != text {
				t.Errorf("document must be untouched, got %q", buf.Text())
			}
			if buf.LastNotice() != "no candidate text before cursor" {
				t.Errorf("expected notice, got %q", buf.LastNotice())
			}
			if eng.StartCalls != 0 {
				t.Errorf("engine must not be seeded, got %d starts", eng.StartCalls)
			}
		})
	}
}

func TestCancelRestoresOriginal(t *testing.T) {
	buf, eng, ctrl := newConverting(t)

	if err := ctrl.Cancel(); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	if buf.Text() != "hello world konna" {
		t.Errorf("expected original text restored, got %q", buf.Text())
	}
	if buf.Cursor() != 17 {
		t.Errorf("expected cursor back after token, got %d", buf.Cursor())
	}
	if ctrl.State() != StateIdle {
		t.Errorf("expected idle, got %v", ctrl.State())
	}
	if eng.AbortCalls != 1 {
		t.Errorf("expected engine aborted once, got %d", eng.AbortCalls)
	}
	if eng.Subscriptions() != 0 {
		t.Errorf("expected subscription released, got %d", eng.Subscriptions())
	}

	res, ok := ctrl.LastResult()
	if !ok || !res.Restored || res.Original != "konna" || res.Committed != "" {
		t.Errorf("unexpected result %+v (%v)", res, ok)
	}
}

func TestEngineCommitFinishes(t *testing.T) {
	buf, eng, ctrl := newConverting(t)

	if err := eng.CommitNow("こんな"); err != nil {
		t.Fatalf("CommitNow failed: %v", err)
	}

	if buf.Text() != "hello world こんな" {
		t.Errorf("expected committed text, got %q", buf.Text())
	}
	if buf.Cursor() != 15 {
		t.Errorf("expected cursor after committed text, got %d", buf.Cursor())
	}
	if ctrl.State() != StateIdle {
		t.Errorf("expected idle after commit, got %v", ctrl.State())
	}
	if eng.AbortCalls != 0 {
		t.Errorf("commit must not abort, got %d", eng.AbortCalls)
	}
	if eng.Subscriptions() != 0 {
		t.Errorf("expected subscription released, got %d", eng.Subscriptions())
	}

	res, ok := ctrl.LastResult()
	if !ok || res.Restored || res.Committed != "こんな" || res.Original != "konna" {
		t.Errorf("unexpected result %+v (%v)", res, ok)
	}
}

func TestCommitViaForward(t *testing.T) {
	buf, _, ctrl := newConverting(t)

	if err := ctrl.Forward(engine.Event{Kind: engine.EventCommit}); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if buf.Text() != "hello world こんな" {
		t.Errorf("expected committed text, got %q", buf.Text())
	}
	if ctrl.Converting() {
		t.Error("expected idle after commit event")
	}
}

func TestQuitCommitsSeedBack(t *testing.T) {
	buf, _, ctrl := newConverting(t)

	if err := ctrl.Forward(engine.Event{Kind: engine.EventQuit}); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	// The engine commits the seed back, so the document reads as before
	// even though this was a commit, not a restore.
	if buf.Text() != "hello world konna" {
		t.Errorf("expected seed committed back, got %q", buf.Text())
	}
	res, ok := ctrl.LastResult()
	if !ok || res.Restored || res.Committed != "konna" {
		t.Errorf("unexpected result %+v (%v)", res, ok)
	}
}

func TestTriggerWhileConvertingForwards(t *testing.T) {
	buf, eng, ctrl := newConverting(t)

	if err := ctrl.Trigger(); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	if eng.StartCalls != 1 {
		t.Errorf("second trigger must not reseed the engine, got %d starts", eng.StartCalls)
	}
	if len(eng.Forwarded) != 1 || eng.Forwarded[0].Kind != engine.EventTrigger {
		t.Errorf("expected forwarded trigger event, got %v", eng.Forwarded)
	}
	if !ctrl.Converting() {
		t.Error("expected still converting")
	}
	if buf.Text() != "hello world " {
		t.Errorf("second trigger must not touch the document, got %q", buf.Text())
	}
	if cur, _ := eng.Current(); cur != "今な" {
		t.Errorf("expected engine advanced to second candidate, got %q", cur)
	}
}

func TestCancelWhileIdle(t *testing.T) {
	buf := document.NewBuffer("hello")
	eng := engine.NewScripted()
	ctrl := NewController(buf, eng, Options{})

	if err := ctrl.Cancel(); err != nil {
		t.Errorf("idle cancel must be a no-op, got %v", err)
	}
	if buf.Text() != "hello" || len(buf.Notices()) != 0 {
		t.Errorf("idle cancel must not touch the document: %q, %v", buf.Text(), buf.Notices())
	}
	if eng.AbortCalls != 0 {
		t.Errorf("idle cancel must not reach the engine, got %d aborts", eng.AbortCalls)
	}
}

func TestTriggerThenCancelRoundTrip(t *testing.T) {
	docs := []string{
		"hello world konna",
		"konna",
		"tabbed\tword",
		"first line\nsecond word",
		"日本語 desu",
	}
	for _, text := range docs {
		t.Run(strings.ReplaceAll(text, "\n", "\\n"), func(t *testing.T) {
			buf := document.NewBuffer(text)
			cursor := buf.Cursor()
			ctrl := NewController(buf, engine.NewScripted(), Options{})

			if err := ctrl.Trigger(); err != nil {
				t.Fatalf("Trigger failed: %v", err)
			}
			if err := ctrl.Cancel(); err != nil {
				t.Fatalf("Cancel failed: %v", err)
			}

			if buf.Text() != text {
				t.Errorf("round trip must restore the document byte for byte: %q != %q", buf.Text(), text)
			}
			if buf.Cursor() != cursor {
				t.Errorf("round trip must restore the cursor: %d != %d", buf.Cursor(), cursor)
			}
		})
	}
}

func TestSeedRejected(t *testing.T) {
	buf := document.NewBuffer("hello world konna")
	eng := engine.NewScripted()
	eng.Reject = map[string]bool{"konna": true}
	ctrl := NewController(buf, eng, Options{})

	err := ctrl.Trigger()
	if !errors.Is(err, ErrSeedRejected) {
		t.Fatalf("expected ErrSeedRejected, got %v", err)
	}

	if buf.Text() != "hello world konna" {
		t.Errorf("expected original text restored, got %q", buf.Text())
	}
	if ctrl.State() != StateIdle {
		t.Errorf("expected idle, got %v", ctrl.State())
	}
	if buf.LastNotice() != `cannot convert "konna"` {
		t.Errorf("expected rejection notice, got %q", buf.LastNotice())
	}
	if eng.SubscribeCalls != 0 {
		t.Errorf("rejected seed must never subscribe, got %d", eng.SubscribeCalls)
	}

	res, ok := ctrl.LastResult()
	if !ok || !res.Restored {
		t.Errorf("unexpected result %+v (%v)", res, ok)
	}
}

func TestSeedRejectionLeavesSharedEngineAlone(t *testing.T) {
	eng := engine.NewScripted()
	eng.Candidates = map[string][]string{"konna": {"こんな"}}

	bufA := document.NewBuffer("konna")
	ctrlA := NewController(bufA, eng, Options{})
	bufB := document.NewBuffer("sekai")
	ctrlB := NewController(bufB, eng, Options{})

	if err := ctrlA.Trigger(); err != nil {
		t.Fatalf("Trigger on A failed: %v", err)
	}

	// The engine is single-session, so B's trigger is refused. The refusal
	// must not touch A's open sub-session.
	if err := ctrlB.Trigger(); !errors.Is(err, ErrSeedRejected) {
		t.Fatalf("expected ErrSeedRejected, got %v", err)
	}
	if eng.AbortCalls != 0 {
		t.Errorf("rejected seed must not abort the engine, got %d aborts", eng.AbortCalls)
	}
	if bufB.Text() != "sekai" {
		t.Errorf("expected B's token restored, got %q", bufB.Text())
	}
	if ctrlB.Converting() {
		t.Error("expected B idle after rejection")
	}

	// A's conversion commits as if nothing happened.
	if err := ctrlA.Forward(engine.Event{Kind: engine.EventCommit}); err != nil {
		t.Fatalf("commit on A failed: %v", err)
	}
	if bufA.Text() != "こんな" {
		t.Errorf("expected A's conversion committed, got %q", bufA.Text())
	}
	if eng.Subscriptions() != 0 {
		t.Errorf("expected no live subscriptions, got %d", eng.Subscriptions())
	}
}

func TestDisableCommitsByDefault(t *testing.T) {
	buf, eng, ctrl := newConverting(t)

	if err := ctrl.Disable(); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}

	if buf.Text() != "hello world こんな" {
		t.Errorf("expected pending candidate committed, got %q", buf.Text())
	}
	if ctrl.State() != StateIdle {
		t.Errorf("expected idle, got %v", ctrl.State())
	}
	if eng.Subscriptions() != 0 {
		t.Errorf("expected subscription released, got %d", eng.Subscriptions())
	}
}

func TestDisableRestorePolicy(t *testing.T) {
	buf := document.NewBuffer("hello world konna")
	eng := engine.NewScripted()
	ctrl := NewController(buf, eng, Options{DisablePolicy: DisableRestore})

	if err := ctrl.Trigger(); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if err := ctrl.Disable(); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}

	if buf.Text() != "hello world konna" {
		t.Errorf("expected original text restored, got %q", buf.Text())
	}
	if eng.AbortCalls != 1 {
		t.Errorf("expected engine aborted, got %d", eng.AbortCalls)
	}
}

func TestDisableWhileIdle(t *testing.T) {
	buf := document.NewBuffer("hello")
	ctrl := NewController(buf, engine.NewScripted(), Options{})

	if err := ctrl.Disable(); err != nil {
		t.Errorf("idle disable must be a no-op, got %v", err)
	}
	if buf.Text() != "hello" {
		t.Errorf("idle disable must not touch the document, got %q", buf.Text())
	}
}

func TestDuplicateNotificationsAreHarmless(t *testing.T) {
	buf, eng, ctrl := newConverting(t)

	// Notifications that change nothing must not end the session.
	eng.PulseStateChange()
	eng.PulseStateChange()
	if !ctrl.Converting() {
		t.Fatal("duplicate notifications must not end the session")
	}
	if buf.Text() != "hello world " {
		t.Errorf("document must be untouched, got %q", buf.Text())
	}

	if err := eng.CommitNow("こんな"); err != nil {
		t.Fatalf("CommitNow failed: %v", err)
	}
	after := buf.Text()

	// The subscription is gone, so late notifications go nowhere.
	eng.PulseStateChange()
	if buf.Text() != after || ctrl.Converting() {
		t.Error("late notification must not re-run cleanup")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	buf, _, ctrl := newConverting(t)

	if err := ctrl.Cancel(); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if err := ctrl.Cancel(); err != nil {
		t.Fatalf("second Cancel failed: %v", err)
	}

	if buf.Text() != "hello world konna" {
		t.Errorf("second cancel must not restore twice, got %q", buf.Text())
	}
}

func TestAbortNotificationDuringCancel(t *testing.T) {
	buf := document.NewBuffer("hello world konna")
	eng := engine.NewScripted()
	eng.NotifyOnAbort = true
	ctrl := NewController(buf, eng, Options{})

	if err := ctrl.Trigger(); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if err := ctrl.Cancel(); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	if buf.Text() != "hello world konna" {
		t.Errorf("expected original restored exactly once, got %q", buf.Text())
	}
	res, ok := ctrl.LastResult()
	if !ok || !res.Restored || res.Committed != "" {
		t.Errorf("abort notification must not masquerade as a commit: %+v (%v)", res, ok)
	}
}

// autoCommitEngine settles synchronously inside Start, before the
// controller has a chance to subscribe.
type autoCommitEngine struct {
	*engine.Scripted
	text string
}

func (a *autoCommitEngine) Start(doc document.Document, anchor int, seed string) error {
	if err := a.Scripted.Start(doc, anchor, seed); err != nil {
		return err
	}
	return a.Scripted.CommitNow(a.text)
}

func TestEngineSettlesDuringStart(t *testing.T) {
	buf := document.NewBuffer("hello world konna")
	eng := &autoCommitEngine{Scripted: engine.NewScripted(), text: "こんな"}
	ctrl := NewController(buf, eng, Options{})

	if err := ctrl.Trigger(); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	if buf.Text() != "hello world こんな" {
		t.Errorf("expected committed text, got %q", buf.Text())
	}
	if ctrl.State() != StateIdle {
		t.Errorf("expected idle, got %v", ctrl.State())
	}
	if eng.Subscriptions() != 0 {
		t.Errorf("expected subscription released, got %d", eng.Subscriptions())
	}
	res, ok := ctrl.LastResult()
	if !ok || res.Committed != "こんな" {
		t.Errorf("unexpected result %+v (%v)", res, ok)
	}
}

func TestForwardWhileIdle(t *testing.T) {
	ctrl := NewController(document.NewBuffer(""), engine.NewScripted(), Options{})

	err := ctrl.Forward(engine.Event{Kind: engine.EventCommit})
	if !errors.Is(err, ErrNotConverting) {
		t.Errorf("expected ErrNotConverting, got %v", err)
	}
}

func TestCustomDetectorPattern(t *testing.T) {
	buf := document.NewBuffer("order abc123")
	eng := engine.NewScripted()
	ctrl := NewController(buf, eng, Options{
		Detector: token.MustDetector("[a-z0-9]+"),
	})

	if err := ctrl.Trigger(); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if _, original, _ := ctrl.Session(); original != "abc123" {
		t.Errorf("expected custom pattern match, got %q", original)
	}
	if buf.Text() != "order " {
		t.Errorf("expected token removed, got %q", buf.Text())
	}
}

func TestDigitSelectionViaForward(t *testing.T) {
	buf, _, ctrl := newConverting(t)

	if err := ctrl.Forward(engine.Event{Kind: engine.EventRune, Rune: '2'}); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if buf.Text() != "hello world 今な" {
		t.Errorf("expected second candidate committed, got %q", buf.Text())
	}
	if ctrl.Converting() {
		t.Error("expected idle after digit selection")
	}
}
