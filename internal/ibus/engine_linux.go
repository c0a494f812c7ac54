//go:build linux

// Package ibus exposes the conversion daemon as an IBus input-method engine.
//
// The engine is modeless: keys it does not consume pass through to the
// application unchanged. The focused document is mirrored into the daemon
// via the surrounding-text protocol, the henkan key (or F2) triggers a
// conversion on the token before the cursor, and the committed or restored
// text flows back to the application as an IBus commit.
package ibus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"henkand/internal/ipc"
	"henkand/internal/logging"
)

// IBus D-Bus names.
const (
	IBusFactoryInterface = "org.freedesktop.IBus.Factory"
	IBusEngineInterface  = "org.freedesktop.IBus.Engine"
	IBusServiceInterface = "org.freedesktop.IBus.Service"
	IBusFactoryPath      = "/org/freedesktop/IBus/Factory"

	HenkandBusName    = "com.henkand.IBus"
	HenkandEngineName = "henkand"
)

// IBus key event state masks.
const (
	IBusShiftMask   uint32 = 1 << 0
	IBusControlMask uint32 = 1 << 2
	IBusMod1Mask    uint32 = 1 << 3 // Alt
	IBusMod4Mask    uint32 = 1 << 6 // Super
	IBusReleaseMask uint32 = 1 << 30
)

// Client capability flags.
const (
	IBusCapPreeditText     uint32 = 1 << 0
	IBusCapSurroundingText uint32 = 1 << 5
)

// X11 keysyms the engine reacts to.
const (
	GDKSpace     = 0x0020
	GDKBackSpace = 0xff08
	GDKReturn    = 0xff0d
	GDKEscape    = 0xff1b
	GDKMuhenkan  = 0xff22
	GDKHenkan    = 0xff23
	GDKF2        = 0xffbf
)

// ServiceConfig configures the IBus bridge.
type ServiceConfig struct {
	// Client is the connected control-socket client. Required.
	Client *ipc.IPCClient

	// Logger defaults to the package default with an ibus component.
	Logger *logging.Logger

	// Replace takes the bus name over from a running instance.
	Replace bool
}

// Service owns the D-Bus presence: the bus name, the engine factory, and
// the engine instances IBus asks it to create.
type Service struct {
	client  *ipc.IPCClient
	log     *logging.Logger
	replace bool

	mu      sync.Mutex
	conn    *dbus.Conn
	engines map[uint32]*Engine
	nextID  uint32
}

// NewService creates the bridge. Start registers it on the session bus.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Client == nil {
		return nil, errors.New("ibus: client is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default().WithComponent("ibus")
	}
	return &Service{
		client:  cfg.Client,
		log:     log,
		replace: cfg.Replace,
		engines: make(map[uint32]*Engine),
	}, nil
}

// Start connects to the session bus, claims the engine bus name, and
// exports the factory IBus uses to create engine instances.
func (s *Service) Start(ctx context.Context) error {
	conn, err := dbus.SessionBus()
	if err != nil {
		return fmt.Errorf("ibus: connect to session bus: %w", err)
	}

	flags := dbus.NameFlagDoNotQueue
	if s.replace {
		flags |= dbus.NameFlagAllowReplacement | dbus.NameFlagReplaceExisting
	}
	reply, err := conn.RequestName(HenkandBusName, flags)
	if err != nil {
		return fmt.Errorf("ibus: request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return errors.New("ibus: bus name already taken")
	}

	if err := conn.Export(&factory{svc: s}, IBusFactoryPath, IBusFactoryInterface); err != nil {
		return fmt.Errorf("ibus: export factory: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.log.Info("ibus engine factory registered", "bus", HenkandBusName)
	return nil
}

// Stop settles every open conversion, releases the bus name, and closes
// the session bus connection.
func (s *Service) Stop() error {
	s.mu.Lock()
	engines := make([]*Engine, 0, len(s.engines))
	for _, eng := range s.engines {
		engines = append(engines, eng)
	}
	s.engines = make(map[uint32]*Engine)
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	for _, eng := range engines {
		eng.mu.Lock()
		eng.settlePending()
		eng.mu.Unlock()
	}

	if conn == nil {
		return nil
	}
	if _, err := conn.ReleaseName(HenkandBusName); err != nil {
		s.log.Warn("release bus name", "error", err)
	}
	return conn.Close()
}

func (s *Service) newEngine() (*Engine, error) {
	s.mu.Lock()
	conn := s.conn
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	if conn == nil {
		return nil, errors.New("ibus: service not started")
	}

	eng := &Engine{
		svc:    s,
		conn:   conn,
		client: s.client,
		log:    s.log,
		id:     id,
		path:   dbus.ObjectPath(fmt.Sprintf("/com/henkand/IBus/Engine/%d", id)),
		docID:  fmt.Sprintf("ibus-%d", id),
	}
	if err := conn.Export(eng, eng.path, IBusEngineInterface); err != nil {
		return nil, fmt.Errorf("ibus: export engine: %w", err)
	}
	if err := conn.Export(eng, eng.path, IBusServiceInterface); err != nil {
		return nil, fmt.Errorf("ibus: export engine service: %w", err)
	}

	s.mu.Lock()
	s.engines[id] = eng
	s.mu.Unlock()

	s.log.Debug("engine created", "path", string(eng.path), "doc", eng.docID)
	return eng, nil
}

func (s *Service) dropEngine(id uint32) {
	s.mu.Lock()
	delete(s.engines, id)
	s.mu.Unlock()
}

// factory implements org.freedesktop.IBus.Factory.
type factory struct {
	svc *Service
}

// CreateEngine creates one engine instance per input context.
func (f *factory) CreateEngine(name string) (dbus.ObjectPath, *dbus.Error) {
	if name != HenkandEngineName {
		return "", dbus.NewError("org.freedesktop.IBus.NoEngine",
			[]interface{}{"unknown engine: " + name})
	}
	eng, err := f.svc.newEngine()
	if err != nil {
		return "", dbus.NewError("org.freedesktop.IBus.Failed",
			[]interface{}{err.Error()})
	}
	return eng.path, nil
}

// Engine implements the IBus Engine D-Bus interface for one input context.
// Each instance mirrors its context into the daemon under its own document
// id; conversion state is owned by the daemon, the engine only rerenders.
type Engine struct {
	svc    *Service
	conn   *dbus.Conn
	client *ipc.IPCClient
	log    *logging.Logger
	id     uint32
	path   dbus.ObjectPath
	docID  string

	mu             sync.Mutex
	enabled        bool
	capSurrounding bool
	text           string // surrounding text up to the line the cursor is on
	cursor         int    // rune offset into text
	converting     bool
	original       string // token carved out at trigger, for daemon-loss recovery
	carvedText     string // mirror text right after the token was carved
	carvedCursor   int
}

// ProcessKeyEvent handles a key event from IBus. Returning true consumes
// the key; false passes it through to the application.
func (e *Engine) ProcessKeyEvent(keyval, keycode, state uint32) (bool, *dbus.Error) {
	if state&IBusReleaseMask != 0 {
		return false, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.enabled {
		return false, nil
	}
	if e.converting {
		return e.convertingKey(keyval), nil
	}
	if isTriggerKey(keyval) && state&(IBusControlMask|IBusMod1Mask|IBusMod4Mask) == 0 {
		return e.trigger(), nil
	}
	return false, nil
}

// trigger starts a conversion on the token before the cursor. The mirror
// is re-registered first so the daemon sees the text the user sees.
func (e *Engine) trigger() bool {
	if !e.capSurrounding {
		e.log.Warn("client does not report surrounding text", "doc", e.docID)
		return false
	}
	if _, err := e.client.RegisterDoc(e.docID, e.text, e.cursor); err != nil {
		e.log.Warn("register document", "doc", e.docID, "error", err)
		return false
	}
	resp, err := e.client.Trigger(e.docID)
	if err != nil {
		e.log.Warn("trigger conversion", "doc", e.docID, "error", err)
		return false
	}
	if !resp.Success || resp.Doc == nil {
		if resp.Doc != nil && resp.Doc.Notice != "" {
			e.log.Info("conversion refused", "doc", e.docID, "notice", resp.Doc.Notice)
		}
		return true
	}

	before := []rune(e.text)
	removed := len(before) - len([]rune(resp.Doc.Text))
	if removed > 0 {
		e.original = string(before[resp.Doc.Cursor:e.cursor])
		e.deleteSurrounding(removed)
	}

	e.converting = true
	e.carvedText = resp.Doc.Text
	e.carvedCursor = resp.Doc.Cursor
	e.text = resp.Doc.Text
	e.cursor = resp.Doc.Cursor
	e.showPreedit(resp.Doc.Candidate)
	return true
}

// convertingKey routes a key pressed while a conversion is open.
func (e *Engine) convertingKey(keyval uint32) bool {
	switch {
	case keyval == GDKReturn:
		e.forward(ipc.ForwardKindCommit, "")
		return true
	case keyval == GDKEscape || keyval == GDKMuhenkan:
		e.cancel()
		return true
	case keyval == GDKBackSpace:
		// Engine-side back-out: the engine commits the seed text back.
		e.forward(ipc.ForwardKindQuit, "")
		return true
	case isTriggerKey(keyval) || keyval == GDKSpace:
		e.forward(ipc.ForwardKindTrigger, "")
		return true
	case keyval >= '1' && keyval <= '9':
		e.forward(ipc.ForwardKindRune, string(rune(keyval)))
		return true
	default:
		if keyvalToRune(keyval) == 0 {
			return true
		}
		// Typing fresh text settles the open conversion first, then the
		// key goes through to the application.
		e.forward(ipc.ForwardKindCommit, "")
		return false
	}
}

func (e *Engine) forward(kind, r string) {
	resp, err := e.client.ForwardEvent(e.docID, kind, r)
	if err != nil {
		e.log.Warn("forward event", "doc", e.docID, "kind", kind, "error", err)
		e.abandon()
		return
	}
	e.settle(resp.Doc)
}

func (e *Engine) cancel() {
	resp, err := e.client.Cancel(e.docID)
	if err != nil {
		e.log.Warn("cancel conversion", "doc", e.docID, "error", err)
		e.abandon()
		return
	}
	e.settle(resp.Doc)
}

// settle rerenders from the daemon's document state after an operation:
// still converting means a new candidate, otherwise the session ended and
// whatever text it produced is committed to the application.
func (e *Engine) settle(doc *ipc.DocState) {
	if doc == nil {
		e.abandon()
		return
	}
	if doc.State == ipc.DocStateConverting {
		e.showPreedit(doc.Candidate)
		return
	}

	e.hidePreedit()
	if ins := insertedText(e.carvedText, e.carvedCursor, doc.Text); ins != "" {
		e.commitText(ins)
	}
	e.converting = false
	e.original = ""
	e.carvedText = ""
	e.text = doc.Text
	e.cursor = doc.Cursor
}

// abandon recovers locally when the daemon becomes unreachable while a
// conversion is open: the preedit is dropped and the carved token goes
// back to the application so no user text is lost.
func (e *Engine) abandon() {
	e.hidePreedit()
	if e.original != "" {
		e.commitText(e.original)
	}
	e.converting = false
	e.original = ""
	e.carvedText = ""
}

// settlePending applies the daemon's disable policy to an open conversion.
// Caller holds e.mu.
func (e *Engine) settlePending() {
	if !e.converting {
		return
	}
	resp, err := e.client.Disable(e.docID)
	if err != nil {
		e.log.Warn("disable conversion", "doc", e.docID, "error", err)
		e.abandon()
		return
	}
	e.settle(resp.Doc)
}

// FocusIn is called when the input context gains focus.
func (e *Engine) FocusIn() *dbus.Error {
	e.requireSurrounding()
	return nil
}

// FocusOut abandons an open conversion per the daemon's disable policy;
// the input context is leaving, not the user cancelling.
func (e *Engine) FocusOut() *dbus.Error {
	e.mu.Lock()
	e.settlePending()
	e.mu.Unlock()
	return nil
}

// Enable is called when the user switches to this engine.
func (e *Engine) Enable() *dbus.Error {
	e.mu.Lock()
	e.enabled = true
	e.mu.Unlock()
	e.requireSurrounding()
	return nil
}

// Disable is called when the user switches away from this engine.
func (e *Engine) Disable() *dbus.Error {
	e.mu.Lock()
	e.enabled = false
	e.settlePending()
	e.mu.Unlock()
	return nil
}

// Reset is called when the client invalidates the context, e.g. the user
// clicked elsewhere in the text. The anchor may be stale, so an open
// conversion is cancelled rather than committed.
func (e *Engine) Reset() *dbus.Error {
	e.mu.Lock()
	if e.converting {
		e.cancel()
	}
	e.mu.Unlock()
	return nil
}

// Destroy is called when the input context closes for good.
func (e *Engine) Destroy() *dbus.Error {
	e.mu.Lock()
	e.settlePending()
	e.mu.Unlock()

	if _, err := e.client.ReleaseDoc(e.docID); err != nil {
		e.log.Debug("release document", "doc", e.docID, "error", err)
	}
	e.svc.dropEngine(e.id)
	return nil
}

// SetCapabilities records whether the client can report surrounding text.
func (e *Engine) SetCapabilities(caps uint32) *dbus.Error {
	e.mu.Lock()
	e.capSurrounding = caps&IBusCapSurroundingText != 0
	e.mu.Unlock()
	return nil
}

// SetSurroundingText refreshes the document mirror. Updates during a
// conversion are ignored: the daemon owns the token region until the
// session settles, and settling refreshes the mirror itself.
func (e *Engine) SetSurroundingText(text dbus.Variant, cursorPos, anchorPos uint32) *dbus.Error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.converting {
		return nil
	}
	e.capSurrounding = true
	e.text = ibusTextString(text)
	e.cursor = int(cursorPos)
	return nil
}

// SetContentType informs about the type of content being edited.
func (e *Engine) SetContentType(purpose, hints uint32) *dbus.Error {
	return nil
}

// SetCursorLocation informs about the on-screen cursor rectangle.
func (e *Engine) SetCursorLocation(x, y, w, h int32) *dbus.Error {
	return nil
}

// PropertyActivate handles property activations from the panel.
func (e *Engine) PropertyActivate(propName string, state uint32) *dbus.Error {
	e.log.Debug("property activate", "name", propName, "state", state)
	return nil
}

// PageUp handles page up in a candidate list. The dictionary engine cycles
// forward only, so list navigation keys are left to the panel.
func (e *Engine) PageUp() *dbus.Error { return nil }

// PageDown handles page down in a candidate list.
func (e *Engine) PageDown() *dbus.Error { return nil }

// CursorUp handles cursor up in a candidate list.
func (e *Engine) CursorUp() *dbus.Error { return nil }

// CursorDown handles cursor down in a candidate list.
func (e *Engine) CursorDown() *dbus.Error { return nil }

// CandidateClicked handles candidate selection from the panel.
func (e *Engine) CandidateClicked(index, button, state uint32) *dbus.Error { return nil }

func (e *Engine) emit(name string, values ...interface{}) {
	if err := e.conn.Emit(e.path, IBusEngineInterface+"."+name, values...); err != nil {
		e.log.Warn("emit signal", "signal", name, "error", err)
	}
}

func (e *Engine) commitText(s string) {
	e.emit("CommitText", newIBusText(s))
}

func (e *Engine) showPreedit(s string) {
	e.emit("UpdatePreeditText", newIBusText(s), uint32(len([]rune(s))), true)
}

func (e *Engine) hidePreedit() {
	e.emit("HidePreeditText")
}

func (e *Engine) deleteSurrounding(n int) {
	e.emit("DeleteSurroundingText", int32(-n), uint32(n))
}

func (e *Engine) requireSurrounding() {
	e.emit("RequireSurroundingText")
}

func isTriggerKey(keyval uint32) bool {
	return keyval == GDKHenkan || keyval == GDKF2
}

// insertedText returns the text a settled session added to the mirror at
// the carve cursor: the committed candidate, or the restored original on
// cancel. Empty when the mirror did not grow.
func insertedText(before string, at int, after string) string {
	b := []rune(before)
	a := []rune(after)
	grown := len(a) - len(b)
	if grown <= 0 || at < 0 || at+grown > len(a) {
		return ""
	}
	return string(a[at : at+grown])
}

// keyvalToRune converts an X11 keysym to the rune it produces, or 0 for
// non-character keys.
func keyvalToRune(keyval uint32) rune {
	// ASCII printable range maps directly.
	if keyval >= 0x20 && keyval <= 0x7e {
		return rune(keyval)
	}
	// Latin-1 supplement.
	if keyval >= 0xa0 && keyval <= 0xff {
		return rune(keyval)
	}
	// Unicode keysyms are the codepoint plus a fixed offset.
	if keyval >= 0x01000000 {
		return rune(keyval - 0x01000000)
	}
	return 0
}

// ibusText is the wire shape of an IBusText D-Bus object: a variant of
// (name, attachments, text, attribute list).
type ibusText struct {
	Name        string
	Attachments map[string]dbus.Variant
	Text        string
	AttrList    dbus.Variant
}

type ibusAttrList struct {
	Name        string
	Attachments map[string]dbus.Variant
	Attributes  []dbus.Variant
}

func newIBusText(s string) dbus.Variant {
	attrs := ibusAttrList{
		Name:        "IBusAttrList",
		Attachments: map[string]dbus.Variant{},
		Attributes:  []dbus.Variant{},
	}
	return dbus.MakeVariant(ibusText{
		Name:        "IBusText",
		Attachments: map[string]dbus.Variant{},
		Text:        s,
		AttrList:    dbus.MakeVariant(attrs),
	})
}

// ibusTextString extracts the text field from an IBusText variant. Plain
// string variants are accepted too; some clients send those.
func ibusTextString(v dbus.Variant) string {
	switch t := v.Value().(type) {
	case string:
		return t
	case ibusText:
		return t.Text
	case []interface{}:
		if len(t) >= 3 {
			if s, ok := t[2].(string); ok {
				return s
			}
		}
	}
	return ""
}
