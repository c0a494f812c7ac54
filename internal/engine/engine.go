// Package engine defines the conversion-engine boundary the controller
// drives, plus the engines shipped with the daemon.
package engine

import (
	"errors"

	"henkand/internal/document"
)

var (
	// ErrNoEntry reports that the engine cannot start a conversion with
	// the given seed text.
	ErrNoEntry = errors.New("engine: no entry for seed")

	// ErrNotConverting reports an operation that requires an open
	// conversion sub-session.
	ErrNotConverting = errors.New("engine: no conversion in progress")

	// ErrBusy reports a Start while a sub-session is already open.
	ErrBusy = errors.New("engine: conversion already in progress")
)

// EventKind classifies a raw input event forwarded to an engine.
type EventKind int

const (
	// EventTrigger is the convert key; while a sub-session is open it
	// advances candidate selection.
	EventTrigger EventKind = iota

	// EventCommit accepts the current candidate.
	EventCommit

	// EventQuit backs out of the sub-session. The engine commits the
	// seed text back rather than dropping it.
	EventQuit

	// EventRune is a plain character. Digit runes select the numbered
	// candidate; anything else is ignored.
	EventRune
)

func (k EventKind) String() string {
	switch k {
	case EventTrigger:
		return "trigger"
	case EventCommit:
		return "commit"
	case EventQuit:
		return "quit"
	case EventRune:
		return "rune"
	default:
		return "unknown"
	}
}

// Event is a raw input event delivered unchanged to the engine while a
// conversion sub-session is open.
type Event struct {
	Kind EventKind `json:"kind"`
	Rune rune      `json:"rune,omitempty"`
}

// Engine is the external conversion collaborator. An engine owns at most
// one conversion sub-session at a time. While a sub-session is open the
// engine owns the anchor point: when the sub-session commits, the engine
// itself inserts the committed text into the document at the anchor.
// Abort discards the sub-session without inserting anything; restoring
// the original text after an abort is the caller's job.
type Engine interface {
	// Start opens a conversion sub-session seeded with the token text
	// that was removed from doc at anchor.
	Start(doc document.Document, anchor int, seed string) error

	// Forward delivers a raw input event to the open sub-session.
	Forward(ev Event) error

	// Converting reports whether a sub-session is open.
	Converting() bool

	// Abort discards the open sub-session without committing text.
	Abort()

	// Subscribe registers fn to run after every sub-session state
	// change. The returned id unregisters it via Unsubscribe.
	Subscribe(fn func()) int

	// Unsubscribe removes a subscription registered with Subscribe.
	Unsubscribe(id int)

	// Committed returns the text committed by the most recently finished
	// sub-session; empty while converting or after an abort.
	Committed() string
}
