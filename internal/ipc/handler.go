// Package ipc provides the daemon handler implementation.
//
// The handler processes IPC messages and drives the per-document
// conversion controllers, the shared dictionary engine, and the
// history store.
package ipc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"henkand/internal/config"
	"henkand/internal/conversion"
	"henkand/internal/document"
	"henkand/internal/engine"
	"henkand/internal/health"
	"henkand/internal/history"
	"henkand/internal/logging"
	"henkand/internal/metrics"
	"henkand/internal/token"
)

// DaemonHandler implements the Handler interface for the henkand daemon
type DaemonHandler struct {
	mu sync.RWMutex

	version    string
	startedAt  time.Time
	configPath string
	cfg        *config.Config

	// Shared conversion engine; at most one document converts at a time
	eng *engine.Dictionary

	// Conversion history, nil when disabled
	hist *history.Store

	met    *metrics.HenkandMetrics
	health *health.Checker
	log    *logging.Logger

	// Controller settings applied to new and existing documents
	detector *token.Detector
	policy   conversion.DisablePolicy

	// Registered documents
	docs map[string]*docSession

	// Event broadcaster (for sending events to clients)
	broadcaster func(*Event)

	// Shutdown callback, invoked on MsgShutdown
	shutdown func()
}

// docSession is one registered document: its mirror buffer, the recorder
// capturing mutations for the editor client, and the controller driving
// conversions over it. The mutex serializes all operations on the
// document, matching the controller's single-goroutine contract.
type docSession struct {
	mu   sync.Mutex
	id   string
	buf  *document.Buffer
	rec  *document.Recorder
	ctrl *conversion.Controller

	registeredAt time.Time
	conversions  uint64

	// In-flight conversion bookkeeping
	started time.Time
	cycles  int
}

// DaemonHandlerConfig configures the daemon handler
type DaemonHandlerConfig struct {
	Version    string
	ConfigPath string
	Config     *config.Config
	Engine     *engine.Dictionary
	History    *history.Store
	Metrics    *metrics.HenkandMetrics
	Health     *health.Checker
	Logger     *logging.Logger
	Shutdown   func()
}

// NewDaemonHandler creates a new daemon handler
func NewDaemonHandler(cfg DaemonHandlerConfig) (*DaemonHandler, error) {
	conf := cfg.Config
	if conf == nil {
		conf = config.DefaultConfig()
	}

	det, policy, err := controllerSettings(conf)
	if err != nil {
		return nil, err
	}

	met := cfg.Metrics
	if met == nil {
		met = metrics.GetMetrics()
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default().WithComponent("ipc")
	}

	return &DaemonHandler{
		version:    cfg.Version,
		startedAt:  time.Now(),
		configPath: cfg.ConfigPath,
		cfg:        conf,
		eng:        cfg.Engine,
		hist:       cfg.History,
		met:        met,
		health:     cfg.Health,
		log:        log,
		detector:   det,
		policy:     policy,
		docs:       make(map[string]*docSession),
		shutdown:   cfg.Shutdown,
	}, nil
}

// controllerSettings derives the detector and disable policy from config.
func controllerSettings(cfg *config.Config) (*token.Detector, conversion.DisablePolicy, error) {
	det := token.Default()
	if p := cfg.Controller.TokenPattern; p != "" {
		var err error
		det, err = token.NewDetector(p)
		if err != nil {
			return nil, "", fmt.Errorf("token pattern: %w", err)
		}
	}

	policy := conversion.DisableCommit
	if cfg.Controller.DisablePolicy == string(conversion.DisableRestore) {
		policy = conversion.DisableRestore
	}

	return det, policy, nil
}

// SetBroadcaster sets the function used to broadcast events
func (h *DaemonHandler) SetBroadcaster(broadcaster func(*Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcaster = broadcaster
}

// ApplyConfig applies a reloaded configuration. Controller settings take
// effect immediately, on pending sessions included; engine, daemon, and
// history settings need a restart.
func (h *DaemonHandler) ApplyConfig(cfg *config.Config) error {
	det, policy, err := controllerSettings(cfg)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.cfg = cfg
	h.detector = det
	h.policy = policy
	docs := make([]*docSession, 0, len(h.docs))
	for _, doc := range h.docs {
		docs = append(docs, doc)
	}
	h.mu.Unlock()

	for _, doc := range docs {
		doc.mu.Lock()
		doc.ctrl.SetDetector(det)
		doc.ctrl.SetPolicy(policy)
		doc.mu.Unlock()
	}

	h.met.ConfigReloaded()
	h.broadcast(&Event{
		Type:      EventConfigChanged,
		Timestamp: time.Now(),
	})
	return nil
}

// HandleMessage processes an IPC message
func (h *DaemonHandler) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	start := time.Now()
	defer func() {
		h.met.RecordRequest(time.Since(start))
	}()

	switch msg.Header.Type {
	case MsgRegisterDoc:
		return h.handleRegisterDoc(ctx, client, msg)

	case MsgTrigger:
		return h.handleTrigger(ctx, client, msg)

	case MsgCancel:
		return h.handleCancel(ctx, client, msg)

	case MsgForwardEvent:
		return h.handleForwardEvent(ctx, client, msg)

	case MsgDisable:
		return h.handleDisable(ctx, client, msg)

	case MsgReleaseDoc:
		return h.handleReleaseDoc(ctx, client, msg)

	case MsgStatus:
		return h.handleStatus(ctx, client, msg)

	case MsgHistory:
		return h.handleHistory(ctx, client, msg)

	case MsgMetrics:
		return h.handleMetrics(ctx, client, msg)

	case MsgGetConfig:
		return h.handleGetConfig(ctx, client, msg)

	case MsgShutdown:
		return h.handleShutdown(ctx, client, msg)

	default:
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unknown message type: %d", msg.Header.Type)), nil
	}
}

// getDoc looks up a registered document
func (h *DaemonHandler) getDoc(docID string) (*docSession, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	doc, ok := h.docs[docID]
	return doc, ok
}

// handleRegisterDoc registers a document, or replaces the mirror of an
// already registered one while it is idle.
func (h *DaemonHandler) handleRegisterDoc(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	var req RegisterDocRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}

	if client.Permission < PermReadWrite {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "write permission required"), nil
	}

	if req.DocID == "" {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "doc_id required"), nil
	}

	buf := document.NewBuffer(req.Text)
	if err := buf.SetCursor(req.Cursor); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, err.Error()), nil
	}

	if doc, ok := h.getDoc(req.DocID); ok {
		doc.mu.Lock()
		defer doc.mu.Unlock()

		if doc.ctrl.Converting() {
			return NewErrorMessage(msg.Header.RequestID, ErrSessionActive, "conversion in progress"), nil
		}

		doc.buf = buf
		doc.rec = document.NewRecorder(buf)
		doc.ctrl = h.newController(doc.rec)

		h.log.Debug("document mirror replaced", "doc", req.DocID, "len", buf.Len())
		resp := &RegisterDocResponse{Success: true, Doc: h.docState(doc)}
		return NewResponse(MsgRegisterDocResp, msg.Header.RequestID, resp)
	}

	rec := document.NewRecorder(buf)
	doc := &docSession{
		id:           req.DocID,
		buf:          buf,
		rec:          rec,
		ctrl:         h.newController(rec),
		registeredAt: time.Now(),
	}

	h.mu.Lock()
	if _, raced := h.docs[req.DocID]; raced {
		h.mu.Unlock()
		return NewErrorMessage(msg.Header.RequestID, ErrAlreadyExists, "document already registered"), nil
	}
	h.docs[req.DocID] = doc
	open := len(h.docs)
	h.mu.Unlock()

	h.met.SetOpenDocuments(int64(open))
	h.log.Info("document registered", "doc", req.DocID, "len", buf.Len())

	doc.mu.Lock()
	defer doc.mu.Unlock()
	resp := &RegisterDocResponse{Success: true, Doc: h.docState(doc)}
	return NewResponse(MsgRegisterDocResp, msg.Header.RequestID, resp)
}

// newController builds a controller over doc with the current settings.
func (h *DaemonHandler) newController(doc document.Document) *conversion.Controller {
	h.mu.RLock()
	det, policy := h.detector, h.policy
	h.mu.RUnlock()

	return conversion.NewController(doc, h.eng, conversion.Options{
		Detector:      det,
		DisablePolicy: policy,
	})
}

// handleTrigger handles conversion trigger requests
func (h *DaemonHandler) handleTrigger(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	var req TriggerRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}

	if client.Permission < PermReadWrite {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "write permission required"), nil
	}

	doc, ok := h.getDoc(req.DocID)
	if !ok {
		return NewErrorMessage(msg.Header.RequestID, ErrNotFound, "document not registered"), nil
	}

	doc.mu.Lock()
	defer doc.mu.Unlock()

	h.met.RecordTrigger()
	if doc.ctrl.Converting() {
		doc.cycles++
	}

	err := h.runOp(doc, doc.ctrl.Trigger)

	resp := &TriggerResponse{Success: err == nil, Doc: h.docState(doc)}
	switch {
	case errors.Is(err, conversion.ErrNoCandidate):
		h.met.RecordNoCandidate()
		resp.Error = err.Error()
	case errors.Is(err, conversion.ErrSeedRejected):
		h.met.RecordRejection()
		resp.Error = err.Error()
	case err != nil:
		h.met.RecordError()
		h.log.Error("trigger failed", "doc", doc.id, "error", err)
		return NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error()), nil
	}

	return NewResponse(MsgTriggerResp, msg.Header.RequestID, resp)
}

// handleCancel handles conversion cancel requests. Cancelling an idle
// document is a no-op, not an error.
func (h *DaemonHandler) handleCancel(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	var req CancelRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}

	if client.Permission < PermReadWrite {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "write permission required"), nil
	}

	doc, ok := h.getDoc(req.DocID)
	if !ok {
		return NewErrorMessage(msg.Header.RequestID, ErrNotFound, "document not registered"), nil
	}

	doc.mu.Lock()
	defer doc.mu.Unlock()

	if err := h.runOp(doc, doc.ctrl.Cancel); err != nil {
		h.met.RecordError()
		h.log.Error("cancel failed", "doc", doc.id, "error", err)
		return NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error()), nil
	}

	resp := &CancelResponse{Success: true, Doc: h.docState(doc)}
	return NewResponse(MsgCancelResp, msg.Header.RequestID, resp)
}

// handleForwardEvent feeds a raw input event to a converting document
func (h *DaemonHandler) handleForwardEvent(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	var req ForwardEventRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}

	if client.Permission < PermReadWrite {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "write permission required"), nil
	}

	ev, err := parseForwardEvent(&req)
	if err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, err.Error()), nil
	}

	doc, ok := h.getDoc(req.DocID)
	if !ok {
		return NewErrorMessage(msg.Header.RequestID, ErrNotFound, "document not registered"), nil
	}

	doc.mu.Lock()
	defer doc.mu.Unlock()

	if ev.Kind == engine.EventTrigger && doc.ctrl.Converting() {
		doc.cycles++
	}

	err = h.runOp(doc, func() error { return doc.ctrl.Forward(ev) })
	if err != nil {
		if errors.Is(err, conversion.ErrNotConverting) {
			return NewErrorMessage(msg.Header.RequestID, ErrNoActiveSession, err.Error()), nil
		}
		h.met.RecordError()
		h.log.Error("forward event failed", "doc", doc.id, "kind", req.Kind, "error", err)
		return NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error()), nil
	}

	resp := &ForwardEventResponse{Success: true, Doc: h.docState(doc)}
	return NewResponse(MsgForwardEventResp, msg.Header.RequestID, resp)
}

// parseForwardEvent translates a wire event into an engine event.
func parseForwardEvent(req *ForwardEventRequest) (engine.Event, error) {
	switch req.Kind {
	case ForwardKindTrigger:
		return engine.Event{Kind: engine.EventTrigger}, nil
	case ForwardKindCommit:
		return engine.Event{Kind: engine.EventCommit}, nil
	case ForwardKindQuit:
		return engine.Event{Kind: engine.EventQuit}, nil
	case ForwardKindRune:
		runes := []rune(req.Rune)
		if len(runes) != 1 {
			return engine.Event{}, fmt.Errorf("kind %q needs exactly one rune", req.Kind)
		}
		return engine.Event{Kind: engine.EventRune, Rune: runes[0]}, nil
	default:
		return engine.Event{}, fmt.Errorf("unknown event kind %q", req.Kind)
	}
}

// handleDisable settles a pending conversion per the configured policy
func (h *DaemonHandler) handleDisable(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	var req DisableRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}

	if client.Permission < PermReadWrite {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "write permission required"), nil
	}

	doc, ok := h.getDoc(req.DocID)
	if !ok {
		return NewErrorMessage(msg.Header.RequestID, ErrNotFound, "document not registered"), nil
	}

	doc.mu.Lock()
	defer doc.mu.Unlock()

	if err := h.runOp(doc, doc.ctrl.Disable); err != nil {
		h.met.RecordError()
		h.log.Error("disable failed", "doc", doc.id, "error", err)
		return NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error()), nil
	}

	resp := &DisableResponse{Success: true, Doc: h.docState(doc)}
	return NewResponse(MsgDisableResp, msg.Header.RequestID, resp)
}

// handleReleaseDoc unregisters a document, settling any pending
// conversion first
func (h *DaemonHandler) handleReleaseDoc(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	var req ReleaseDocRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}

	if client.Permission < PermReadWrite {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "write permission required"), nil
	}

	h.mu.Lock()
	doc, ok := h.docs[req.DocID]
	delete(h.docs, req.DocID)
	open := len(h.docs)
	h.mu.Unlock()

	if !ok {
		return NewErrorMessage(msg.Header.RequestID, ErrNotFound, "document not registered"), nil
	}

	h.met.SetOpenDocuments(int64(open))

	doc.mu.Lock()
	if doc.ctrl.Converting() {
		if err := h.runOp(doc, doc.ctrl.Disable); err != nil {
			h.log.Warn("settle on release failed", "doc", doc.id, "error", err)
		}
	}
	doc.mu.Unlock()

	h.log.Info("document released", "doc", req.DocID)
	resp := &ReleaseDocResponse{Success: true}
	return NewResponse(MsgReleaseDocResp, msg.Header.RequestID, resp)
}

// runOp runs one controller operation and settles the bookkeeping around
// any state transition it caused: metrics, history, and broadcasts.
func (h *DaemonHandler) runOp(doc *docSession, op func() error) error {
	wasConverting := doc.ctrl.Converting()
	notices := len(doc.buf.Notices())

	err := op()

	if doc.ctrl.Converting() != wasConverting {
		if wasConverting {
			h.finishConversion(doc)
		} else {
			doc.started = time.Now()
			doc.cycles = 0
			h.met.ConversionStarted()
			h.broadcastState(doc, "", false)
		}
	}

	if all := doc.buf.Notices(); len(all) > notices {
		h.broadcast(&Event{
			Type:      EventNotice,
			Timestamp: time.Now(),
			DocID:     doc.id,
			Data:      NoticeEvent{DocID: doc.id, Text: all[len(all)-1]},
		})
	}

	return err
}

// finishConversion records how a session ended: committed sessions go to
// metrics and history, restored ones to metrics only.
func (h *DaemonHandler) finishConversion(doc *docSession) {
	res, ok := doc.ctrl.LastResult()
	if !ok {
		return
	}

	doc.conversions++
	if res.Restored {
		h.met.ConversionCancelled()
	} else {
		h.met.ConversionCommitted(time.Since(doc.started), doc.cycles)
		h.recordCommit(doc, res)
	}

	h.broadcastState(doc, res.Committed, res.Restored)
}

// recordCommit appends a committed conversion to the history store.
func (h *DaemonHandler) recordCommit(doc *docSession, res conversion.Result) {
	if h.hist == nil {
		return
	}

	rec := &history.Record{
		TimestampNs: time.Now().UnixNano(),
		Document:    doc.id,
		Anchor:      res.Anchor,
		Original:    res.Original,
		Committed:   res.Committed,
	}
	if err := h.hist.RecordCommit(rec); err != nil {
		h.met.RecordError()
		h.log.Error("record conversion", "doc", doc.id, "error", err)
	}
}

// docState snapshots a document for the wire, draining the recorded ops
// so each reply carries the edits since the previous one. Callers hold
// doc.mu.
func (h *DaemonHandler) docState(doc *docSession) *DocState {
	st := &DocState{
		DocID:  doc.id,
		State:  doc.ctrl.State().String(),
		Text:   doc.buf.Text(),
		Cursor: doc.buf.Cursor(),
		Notice: doc.buf.LastNotice(),
		Ops:    doc.rec.Flush(),
	}
	if doc.ctrl.Converting() {
		if cur, ok := h.eng.Current(); ok {
			st.Candidate = cur
		}
	}
	return st
}

// handleStatus handles status requests
func (h *DaemonHandler) handleStatus(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	var req StatusRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
		}
	}

	resp := &StatusResponse{
		Version:   h.version,
		Uptime:    time.Since(h.startedAt),
		StartedAt: h.startedAt,
		Healthy:   true,
	}

	if h.health != nil {
		results := h.health.Check(ctx)
		resp.Healthy = h.health.OverallStatus() == health.StatusHealthy
		for name, result := range results {
			detail := result.Message
			if result.Error != "" {
				detail = result.Error
			}
			resp.Checks = append(resp.Checks, HealthStatus{
				Name:   name,
				OK:     result.Status == health.StatusHealthy,
				Detail: detail,
			})
		}
	}

	resp.History.Enabled = h.hist != nil
	if h.hist != nil {
		if stats, err := h.hist.GetStats(); err == nil {
			resp.History.RecordCount = stats.RecordCount
			resp.History.DocumentCount = stats.DocumentCount
			resp.History.IntegrityOK = stats.IntegrityOK
			resp.History.NewestRecord = stats.NewestRecord
		}
	}

	if req.IncludeDocs {
		h.mu.RLock()
		docs := make([]*docSession, 0, len(h.docs))
		for _, doc := range h.docs {
			docs = append(docs, doc)
		}
		h.mu.RUnlock()

		for _, doc := range docs {
			doc.mu.Lock()
			resp.Documents = append(resp.Documents, DocSummary{
				DocID:        doc.id,
				State:        doc.ctrl.State().String(),
				RegisteredAt: doc.registeredAt,
				Conversions:  doc.conversions,
			})
			doc.mu.Unlock()
		}
	}

	if req.IncludeConfig {
		h.mu.RLock()
		resp.Config = configMap(h.cfg)
		h.mu.RUnlock()
	}

	return NewResponse(MsgStatusResp, msg.Header.RequestID, resp)
}

// handleHistory handles conversion history requests
func (h *DaemonHandler) handleHistory(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	var req HistoryRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
		}
	}

	if h.hist == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotInitialized, "history is disabled"), nil
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 500 {
		limit = 500
	}

	var recs []history.Record
	var err error
	if req.DocID != "" {
		recs, err = h.hist.ForDocument(req.DocID, limit)
	} else {
		recs, err = h.hist.Recent(limit)
	}
	if err != nil {
		h.met.RecordError()
		return NewErrorMessage(msg.Header.RequestID, ErrInternalError, "failed to load history"), nil
	}

	resp := &HistoryResponse{Total: int64(len(recs))}
	if stats, serr := h.hist.GetStats(); serr == nil {
		resp.Total = stats.RecordCount
	}

	resp.Records = make([]HistoryRecord, len(recs))
	for i, r := range recs {
		resp.Records[i] = HistoryRecord{
			Timestamp: time.Unix(0, r.TimestampNs),
			DocID:     r.Document,
			Anchor:    r.Anchor,
			Original:  r.Original,
			Committed: r.Committed,
		}
	}

	return NewResponse(MsgHistoryResp, msg.Header.RequestID, resp)
}

// handleMetrics renders the metrics registry
func (h *DaemonHandler) handleMetrics(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	var req MetricsRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
		}
	}

	h.met.UpdateUptime()

	format := req.Format
	if format == "" {
		format = "prometheus"
	}

	var buf bytes.Buffer
	switch format {
	case "prometheus":
		if err := h.met.Registry().WritePrometheus(&buf); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInternalError, "failed to render metrics"), nil
		}
	case "json":
		if err := h.met.Registry().WriteJSON(&buf); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInternalError, "failed to render metrics"), nil
		}
	default:
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unknown format %q", format)), nil
	}

	resp := &MetricsResponse{Format: format, Body: buf.String()}
	return NewResponse(MsgMetricsResp, msg.Header.RequestID, resp)
}

// handleGetConfig handles config requests
func (h *DaemonHandler) handleGetConfig(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	var req ConfigRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
		}
	}

	h.mu.RLock()
	full := configMap(h.cfg)
	h.mu.RUnlock()

	if len(req.Keys) > 0 {
		filtered := make(map[string]any, len(req.Keys))
		for _, key := range req.Keys {
			if v, ok := full[key]; ok {
				filtered[key] = v
			}
		}
		full = filtered
	}

	resp := &ConfigResponse{Path: h.configPath, Config: full}
	return NewResponse(MsgGetConfigResp, msg.Header.RequestID, resp)
}

// configMap flattens the config into wire-friendly sections.
func configMap(cfg *config.Config) map[string]any {
	return map[string]any{
		"controller": map[string]any{
			"token_pattern":  cfg.Controller.TokenPattern,
			"disable_policy": cfg.Controller.DisablePolicy,
		},
		"engine": map[string]any{
			"dictionary_path": cfg.Engine.DictionaryPath,
			"max_candidates":  cfg.Engine.MaxCandidates,
			"auto_reload":     cfg.Engine.AutoReload,
		},
		"daemon": map[string]any{
			"socket_path":     cfg.Daemon.SocketPath,
			"max_connections": cfg.Daemon.MaxConnections,
		},
		"history": map[string]any{
			"enabled":        cfg.History.Enabled,
			"path":           cfg.History.Path,
			"secure":         cfg.History.Secure,
			"retention_days": cfg.History.RetentionDays,
		},
		"logging": map[string]any{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
		},
		"metrics": map[string]any{
			"enabled": cfg.Metrics.Enabled,
		},
	}
}

// handleShutdown handles daemon shutdown requests
func (h *DaemonHandler) handleShutdown(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	if client.Permission < PermFullControl {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "full control required"), nil
	}

	h.log.Info("shutdown requested", "client", client.ID)

	h.broadcast(&Event{
		Type:      EventDaemonShutdown,
		Timestamp: time.Now(),
	})

	h.mu.RLock()
	shutdown := h.shutdown
	h.mu.RUnlock()
	if shutdown != nil {
		go shutdown()
	}

	return NewMessage(MsgShutdownAck, msg.Header.RequestID, nil), nil
}

// broadcast sends an event to all subscribers
func (h *DaemonHandler) broadcast(event *Event) {
	h.mu.RLock()
	broadcaster := h.broadcaster
	h.mu.RUnlock()

	if broadcaster != nil {
		broadcaster(event)
	}
}

// broadcastState broadcasts a state-changed event for doc.
func (h *DaemonHandler) broadcastState(doc *docSession, committed string, restored bool) {
	h.broadcast(&Event{
		Type:      EventStateChanged,
		Timestamp: time.Now(),
		DocID:     doc.id,
		Data: StateChangedEvent{
			DocID:     doc.id,
			State:     doc.ctrl.State().String(),
			Committed: committed,
			Restored:  restored,
		},
	})
}

// Shutdown settles every pending conversion per the disable policy and
// drops all registered documents.
func (h *DaemonHandler) Shutdown() error {
	h.mu.Lock()
	docs := make([]*docSession, 0, len(h.docs))
	for _, doc := range h.docs {
		docs = append(docs, doc)
	}
	h.docs = make(map[string]*docSession)
	h.mu.Unlock()

	h.met.SetOpenDocuments(0)

	var firstErr error
	for _, doc := range docs {
		doc.mu.Lock()
		if doc.ctrl.Converting() {
			if err := h.runOp(doc, doc.ctrl.Disable); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		doc.mu.Unlock()
	}
	return firstErr
}
