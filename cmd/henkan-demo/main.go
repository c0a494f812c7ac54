// henkan-demo is an interactive terminal playground for the conversion
// core, wired in-process against the dictionary engine: type ASCII text,
// press F2 to convert the token before the cursor, F2 or Space to cycle
// candidates, 1-9 to pick one, Enter to commit, Esc to cancel.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/mattn/go-runewidth"

	"henkand/internal/config"
	"henkand/internal/conversion"
	"henkand/internal/document"
	"henkand/internal/engine"
	"henkand/internal/token"
)

var (
	dictPath = flag.String("dictionary", "", "path to the conversion dictionary (default: the daemon's)")
	pattern  = flag.String("pattern", token.DefaultPattern, "token pattern")
	policy   = flag.String("policy", "commit", "disable policy: commit or restore")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "henkan-demo: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	path := *dictPath
	if path == "" {
		cfg, err := config.Load("")
		if err != nil {
			return err
		}
		path = cfg.Engine.DictionaryPath
	}
	if _, err := engine.EnsureDictionary(path); err != nil {
		return err
	}

	eng, err := engine.NewDictionary(path, engine.DictionaryOptions{MaxCandidates: 9})
	if err != nil {
		return err
	}
	defer eng.Close()

	det, err := token.NewDetector(*pattern)
	if err != nil {
		return err
	}

	buf := document.NewBuffer("")
	ctrl := conversion.NewController(buf, eng, conversion.Options{
		Detector:      det,
		DisablePolicy: conversion.DisablePolicy(*policy),
	})

	screen, err := tcell.NewScreen()
	if err != nil {
		return err
	}
	if err := screen.Init(); err != nil {
		return err
	}
	defer screen.Fini()

	d := &demo{screen: screen, buf: buf, eng: eng, ctrl: ctrl, dict: path}
	d.loop()
	return nil
}

type demo struct {
	screen tcell.Screen
	buf    *document.Buffer
	eng    *engine.Dictionary
	ctrl   *conversion.Controller
	dict   string
	done   bool
}

func (d *demo) loop() {
	for !d.done {
		d.render()
		switch ev := d.screen.PollEvent().(type) {
		case *tcell.EventKey:
			d.key(ev)
		case *tcell.EventResize:
			d.screen.Sync()
		}
	}
}

func (d *demo) key(ev *tcell.EventKey) {
	if d.ctrl.Converting() {
		d.convertingKey(ev)
		return
	}

	cursor := d.buf.Cursor()
	switch ev.Key() {
	case tcell.KeyEscape, tcell.KeyCtrlC:
		d.done = true
	case tcell.KeyF2:
		// Errors surface as buffer notices; nothing to do here.
		d.ctrl.Trigger()
	case tcell.KeyEnter:
		d.buf.InsertAt(cursor, "\n")
	case tcell.KeyBackspace, tcell.KeyBackspace2:
		if cursor > 0 {
			d.buf.DeleteRange(cursor-1, cursor)
		}
	case tcell.KeyLeft:
		if cursor > 0 {
			d.buf.SetCursor(cursor - 1)
		}
	case tcell.KeyRight:
		if cursor < d.buf.Len() {
			d.buf.SetCursor(cursor + 1)
		}
	case tcell.KeyRune:
		d.buf.InsertAt(cursor, string(ev.Rune()))
	}
}

func (d *demo) convertingKey(ev *tcell.EventKey) {
	switch ev.Key() {
	case tcell.KeyF2:
		d.ctrl.Forward(engine.Event{Kind: engine.EventTrigger})
	case tcell.KeyEnter:
		d.ctrl.Forward(engine.Event{Kind: engine.EventCommit})
	case tcell.KeyEscape:
		d.ctrl.Cancel()
	case tcell.KeyBackspace, tcell.KeyBackspace2:
		d.ctrl.Forward(engine.Event{Kind: engine.EventQuit})
	case tcell.KeyRune:
		switch r := ev.Rune(); {
		case r == ' ':
			d.ctrl.Forward(engine.Event{Kind: engine.EventTrigger})
		case r >= '1' && r <= '9':
			d.ctrl.Forward(engine.Event{Kind: engine.EventRune, Rune: r})
		}
	}
}

func (d *demo) render() {
	d.screen.Clear()
	width, height := d.screen.Size()

	// Document area.
	style := tcell.StyleDefault
	x, y := 0, 0
	cursorX, cursorY := 0, 0
	for i, r := range []rune(d.buf.Text()) {
		if i == d.buf.Cursor() {
			cursorX, cursorY = x, y
		}
		if r == '\n' {
			x, y = 0, y+1
			continue
		}
		if y < height-2 {
			d.screen.SetContent(x, y, r, nil, style)
		}
		x += runewidth.RuneWidth(r)
	}
	if d.buf.Cursor() == d.buf.Len() {
		cursorX, cursorY = x, y
	}
	d.screen.ShowCursor(cursorX, cursorY)

	d.drawStatus(width, height)
	d.screen.Show()
}

func (d *demo) drawStatus(width, height int) {
	bar := tcell.StyleDefault.Reverse(true)

	var line string
	if d.ctrl.Converting() {
		line = "CONVERTING  " + d.candidateLine() +
			"  ·  F2/Space next · 1-9 pick · Enter commit · BS keep as typed · Esc cancel"
	} else {
		line = "IDLE  F2 convert token before cursor · Esc quit"
		if notice := d.buf.LastNotice(); notice != "" {
			line += "  ·  " + notice
		}
	}

	drawText(d.screen, 0, height-2, width, line, bar)
	drawText(d.screen, 0, height-1, width,
		fmt.Sprintf("dictionary: %s (%d entries)", d.dict, d.eng.Len()),
		tcell.StyleDefault.Dim(true))
}

// candidateLine renders the engine's candidate list with the current
// selection bracketed.
func (d *demo) candidateLine() string {
	candidates := d.eng.Candidates()
	current, _ := d.eng.Current()

	var b strings.Builder
	if seed, ok := d.eng.Seed(); ok {
		fmt.Fprintf(&b, "%s:", seed)
	}
	for i, c := range candidates {
		if c == current {
			fmt.Fprintf(&b, " [%d %s]", i+1, c)
		} else {
			fmt.Fprintf(&b, "  %d %s", i+1, c)
		}
	}
	return b.String()
}

func drawText(screen tcell.Screen, x, y, maxWidth int, text string, style tcell.Style) {
	col := x
	for _, r := range text {
		w := runewidth.RuneWidth(r)
		if col+w > x+maxWidth {
			break
		}
		screen.SetContent(col, y, r, nil, style)
		col += w
	}
	for ; col < x+maxWidth; col++ {
		screen.SetContent(col, y, ' ', nil, style)
	}
}
