package engine

import (
	"fmt"

	"henkand/internal/document"
)

// Scripted is a deterministic in-memory engine. Tests drive completion
// explicitly through CommitNow, QuitNow, and PulseStateChange, and every
// interaction is counted so callers can assert on engine usage and
// subscription hygiene.
type Scripted struct {
	// Candidates maps seeds to candidate lists. A seed with no entry is
	// accepted with the seed itself as the only candidate, so simple
	// tests need no setup.
	Candidates map[string][]string

	// Reject lists seeds Start refuses with ErrNoEntry.
	Reject map[string]bool

	// NotifyOnAbort makes Abort fire state-change notifications, the way
	// an engine that broadcasts every transition would.
	NotifyOnAbort bool

	StartCalls     int
	ForwardCalls   int
	AbortCalls     int
	SubscribeCalls int
	Forwarded      []Event

	doc       document.Document
	anchor    int
	seed      string
	list      []string
	index     int
	open      bool
	committed string

	subs   map[int]func()
	nextID int
}

// NewScripted returns an engine that accepts every seed.
func NewScripted() *Scripted {
	return &Scripted{subs: make(map[int]func())}
}

// Start opens a sub-session for seed.
func (s *Scripted) Start(doc document.Document, anchor int, seed string) error {
	s.StartCalls++

	if s.open {
		return ErrBusy
	}
	if s.Reject[seed] {
		return fmt.Errorf("%w: %q", ErrNoEntry, seed)
	}

	list := s.Candidates[seed]
	if len(list) == 0 {
		list = []string{seed}
	}

	s.doc = doc
	s.anchor = anchor
	s.seed = seed
	s.list = list
	s.index = 0
	s.open = true
	s.committed = ""
	s.notify()
	return nil
}

// Forward records the event and applies the same semantics as the
// dictionary engine.
func (s *Scripted) Forward(ev Event) error {
	s.ForwardCalls++
	s.Forwarded = append(s.Forwarded, ev)

	if !s.open {
		return ErrNotConverting
	}

	switch ev.Kind {
	case EventTrigger:
		s.index = (s.index + 1) % len(s.list)
		s.notify()
	case EventCommit:
		return s.CommitNow(s.list[s.index])
	case EventQuit:
		return s.CommitNow(s.seed)
	case EventRune:
		if n := int(ev.Rune - '1'); n >= 0 && n < len(s.list) {
			return s.CommitNow(s.list[n])
		}
	}
	return nil
}

// Converting reports whether a sub-session is open.
func (s *Scripted) Converting() bool {
	return s.open
}

// Abort discards the open sub-session without committing.
func (s *Scripted) Abort() {
	s.AbortCalls++
	if !s.open {
		return
	}
	s.open = false
	s.committed = ""
	if s.NotifyOnAbort {
		s.notify()
	}
}

// Committed returns the last committed text.
func (s *Scripted) Committed() string {
	return s.committed
}

// Subscribe registers fn for state-change notifications.
func (s *Scripted) Subscribe(fn func()) int {
	s.SubscribeCalls++
	if s.subs == nil {
		s.subs = make(map[int]func())
	}
	s.nextID++
	s.subs[s.nextID] = fn
	return s.nextID
}

// Unsubscribe removes a subscription.
func (s *Scripted) Unsubscribe(id int) {
	delete(s.subs, id)
}

// Subscriptions returns the number of live subscriptions.
func (s *Scripted) Subscriptions() int {
	return len(s.subs)
}

// CommitNow finishes the open sub-session by inserting text at the anchor,
// as if the user had accepted a candidate.
func (s *Scripted) CommitNow(text string) error {
	if !s.open {
		return ErrNotConverting
	}
	if err := s.doc.InsertAt(s.anchor, text); err != nil {
		return fmt.Errorf("engine: insert committed text: %w", err)
	}
	s.committed = text
	s.open = false
	s.notify()
	return nil
}

// QuitNow finishes the open sub-session by committing the seed back.
func (s *Scripted) QuitNow() error {
	if !s.open {
		return ErrNotConverting
	}
	return s.CommitNow(s.seed)
}

// PulseStateChange fires a state-change notification without changing
// state, simulating a duplicate or uninteresting engine notification.
func (s *Scripted) PulseStateChange() {
	s.notify()
}

// Current returns the candidate the open sub-session is positioned on.
func (s *Scripted) Current() (string, bool) {
	if !s.open {
		return "", false
	}
	return s.list[s.index], true
}

func (s *Scripted) notify() {
	for _, fn := range s.subs {
		fn()
	}
}
