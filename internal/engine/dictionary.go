package engine

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"henkand/internal/document"
)

//go:embed dictionary_schema.json
var dictionarySchemaJSON []byte

// dictionaryFile is the on-disk dictionary format, validated against the
// embedded schema before use.
type dictionaryFile struct {
	Version int                 `json:"version"`
	Entries map[string][]string `json:"entries"`
}

// DictionaryOptions configures a dictionary engine.
type DictionaryOptions struct {
	// MaxCandidates caps the candidate list per entry. Zero means no cap.
	MaxCandidates int

	// AutoReload watches the dictionary file and reloads it when it
	// changes on disk. A reload that fails validation keeps the
	// previous entries.
	AutoReload bool

	// Logger receives reload diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Dictionary converts tokens by looking them up in a JSON dictionary file
// mapping source tokens to candidate lists.
//
// The sub-session (Start, Forward, Abort, Converting, Committed and the
// subscription callbacks) is single-goroutine, driven synchronously by its
// caller; only the entry table is shared with the reload goroutine.
type Dictionary struct {
	path          string
	maxCandidates int
	schema        *jsonschema.Schema
	log           *slog.Logger

	mu      sync.RWMutex
	entries map[string][]string

	subs   map[int]func()
	nextID int

	sess      *dictSession
	committed string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

type dictSession struct {
	doc        document.Document
	anchor     int
	seed       string
	candidates []string
	index      int
}

// NewDictionary loads the dictionary at path and returns an engine over it.
func NewDictionary(path string, opts DictionaryOptions) (*Dictionary, error) {
	schema, err := compileDictionarySchema()
	if err != nil {
		return nil, fmt.Errorf("engine: compile dictionary schema: %w", err)
	}

	entries, err := loadDictionaryFile(path, schema)
	if err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	d := &Dictionary{
		path:          path,
		maxCandidates: opts.MaxCandidates,
		schema:        schema,
		log:           log,
		entries:       entries,
		subs:          make(map[int]func()),
	}

	if opts.AutoReload {
		if err := d.watch(); err != nil {
			return nil, fmt.Errorf("engine: watch dictionary: %w", err)
		}
	}

	return d, nil
}

func compileDictionarySchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("dictionary.schema.json", bytes.NewReader(dictionarySchemaJSON)); err != nil {
		return nil, err
	}
	return compiler.Compile("dictionary.schema.json")
}

// loadDictionaryFile reads, validates, and decodes a dictionary file.
func loadDictionaryFile(path string, schema *jsonschema.Schema) (map[string][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("engine: read dictionary: %w", err)
	}

	// Validate the raw document first so decode errors surface as
	// schema violations with a path, not struct-field mismatches.
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("engine: parse dictionary: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("engine: invalid dictionary %s: %w", filepath.Base(path), err)
	}

	var file dictionaryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("engine: decode dictionary: %w", err)
	}

	return file.Entries, nil
}

// Start opens a sub-session positioned on the seed's first candidate.
func (d *Dictionary) Start(doc document.Document, anchor int, seed string) error {
	if d.sess != nil {
		return ErrBusy
	}

	candidates := d.lookup(seed)
	if len(candidates) == 0 {
		return fmt.Errorf("%w: %q", ErrNoEntry, seed)
	}

	d.sess = &dictSession{
		doc:        doc,
		anchor:     anchor,
		seed:       seed,
		candidates: candidates,
	}
	d.committed = ""
	d.notify()
	return nil
}

// lookup returns the candidate list for seed, trying the exact token first
// and falling back to its lowercase form.
func (d *Dictionary) lookup(seed string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	candidates, ok := d.entries[seed]
	if !ok {
		candidates = d.entries[strings.ToLower(seed)]
	}
	if d.maxCandidates > 0 && len(candidates) > d.maxCandidates {
		candidates = candidates[:d.maxCandidates]
	}

	// Copy so a reload cannot swap the list out from under an open
	// sub-session.
	out := make([]string, len(candidates))
	copy(out, candidates)
	return out
}

// Forward delivers a raw input event to the open sub-session.
func (d *Dictionary) Forward(ev Event) error {
	if d.sess == nil {
		return ErrNotConverting
	}

	switch ev.Kind {
	case EventTrigger:
		d.sess.index = (d.sess.index + 1) % len(d.sess.candidates)
		d.notify()
	case EventCommit:
		return d.commit(d.sess.candidates[d.sess.index])
	case EventQuit:
		// Backing out inside the engine commits the seed back, so the
		// user's text is never silently dropped.
		return d.commit(d.sess.seed)
	case EventRune:
		if n := int(ev.Rune - '1'); n >= 0 && n < len(d.sess.candidates) {
			return d.commit(d.sess.candidates[n])
		}
	}
	return nil
}

// commit inserts text at the anchor and closes the sub-session.
func (d *Dictionary) commit(text string) error {
	sess := d.sess
	if err := sess.doc.InsertAt(sess.anchor, text); err != nil {
		return fmt.Errorf("engine: insert committed text: %w", err)
	}
	d.committed = text
	d.sess = nil
	d.notify()
	return nil
}

// Converting reports whether a sub-session is open.
func (d *Dictionary) Converting() bool {
	return d.sess != nil
}

// Abort discards the open sub-session without committing text.
func (d *Dictionary) Abort() {
	if d.sess == nil {
		return
	}
	d.sess = nil
	d.committed = ""
}

// Committed returns the text committed by the most recently finished
// sub-session.
func (d *Dictionary) Committed() string {
	return d.committed
}

// Subscribe registers fn to run after every sub-session state change.
func (d *Dictionary) Subscribe(fn func()) int {
	d.nextID++
	d.subs[d.nextID] = fn
	return d.nextID
}

// Unsubscribe removes a subscription.
func (d *Dictionary) Unsubscribe(id int) {
	delete(d.subs, id)
}

func (d *Dictionary) notify() {
	for _, fn := range d.subs {
		fn()
	}
}

// Current returns the candidate the open sub-session is positioned on.
func (d *Dictionary) Current() (string, bool) {
	if d.sess == nil {
		return "", false
	}
	return d.sess.candidates[d.sess.index], true
}

// Candidates returns a copy of the open sub-session's candidate list.
func (d *Dictionary) Candidates() []string {
	if d.sess == nil {
		return nil
	}
	out := make([]string, len(d.sess.candidates))
	copy(out, d.sess.candidates)
	return out
}

// Seed returns the open sub-session's seed text.
func (d *Dictionary) Seed() (string, bool) {
	if d.sess == nil {
		return "", false
	}
	return d.sess.seed, true
}

// Len returns the number of dictionary entries currently loaded.
func (d *Dictionary) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// watch starts the auto-reload watcher on the dictionary's directory;
// editors often replace files instead of writing them in place.
func (d *Dictionary) watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(d.path)); err != nil {
		watcher.Close()
		return err
	}
	d.watcher = watcher
	d.done = make(chan struct{})

	go d.watchLoop()
	return nil
}

func (d *Dictionary) watchLoop() {
	var debounce *time.Timer
	const debounceDelay = 100 * time.Millisecond

	for {
		select {
		case <-d.done:
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(d.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, d.reload)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log.Warn("dictionary watch error", "path", d.path, "error", err)
		}
	}
}

func (d *Dictionary) reload() {
	entries, err := loadDictionaryFile(d.path, d.schema)
	if err != nil {
		d.log.Warn("dictionary reload failed, keeping previous entries",
			"path", d.path, "error", err)
		return
	}

	d.mu.Lock()
	d.entries = entries
	d.mu.Unlock()

	d.log.Info("dictionary reloaded", "path", d.path, "entries", len(entries))
}

// Close stops the auto-reload watcher.
func (d *Dictionary) Close() error {
	if d.watcher == nil {
		return nil
	}
	close(d.done)
	return d.watcher.Close()
}
