// Package ipc provides the daemon handler implementation.
//
// The handler processes IPC messages and integrates with the
// encounterd daemon's discovery, presence, ledger, and sync systems.
package ipc

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"encounterd/internal/config"
	"encounterd/internal/discovery"
	"encounterd/internal/health"
	"encounterd/internal/identity"
	"encounterd/internal/ledger"
	"encounterd/internal/logging"
	"encounterd/internal/metrics"
	"encounterd/internal/presence"
	"encounterd/internal/sync"
	"encounterd/internal/window"
)

// DaemonHandler implements the Handler interface for the encounterd daemon
type DaemonHandler struct {
	mu        stdsync.RWMutex
	version   string
	startedAt time.Time
	cfg       *config.Config
	ident     identity.Identity

	ctrl    *discovery.Controller
	store   *presence.Store
	led     *ledger.Ledger
	rec     *sync.Reconciler
	calc    *window.Calculator
	checker *health.Checker
	metrics *metrics.EncounterdMetrics
	audit   *logging.AuditLogger

	// Event broadcaster (for sending events to clients)
	broadcaster func(*Event)
}

// DaemonHandlerConfig configures the daemon handler. Controller, store,
// ledger, reconciler, and calculator are required; checker and audit may
// be nil.
type DaemonHandlerConfig struct {
	Version    string
	Config     *config.Config
	Identity   identity.Identity
	Controller *discovery.Controller
	Presence   *presence.Store
	Ledger     *ledger.Ledger
	Reconciler *sync.Reconciler
	Calculator *window.Calculator
	Checker    *health.Checker
	Metrics    *metrics.EncounterdMetrics
	Audit      *logging.AuditLogger
}

// NewDaemonHandler creates a new daemon handler
func NewDaemonHandler(cfg DaemonHandlerConfig) *DaemonHandler {
	m := cfg.Metrics
	if m == nil {
		m = metrics.GetMetrics()
	}

	return &DaemonHandler{
		version:   cfg.Version,
		startedAt: time.Now(),
		cfg:       cfg.Config,
		ident:     cfg.Identity,
		ctrl:      cfg.Controller,
		store:     cfg.Presence,
		led:       cfg.Ledger,
		rec:       cfg.Reconciler,
		calc:      cfg.Calculator,
		checker:   cfg.Checker,
		metrics:   m,
		audit:     cfg.Audit,
	}
}

// SetBroadcaster sets the function used to broadcast events
func (h *DaemonHandler) SetBroadcaster(broadcaster func(*Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcaster = broadcaster
}

// broadcast sends an event to subscribed clients, if a broadcaster is set
func (h *DaemonHandler) broadcast(event *Event) {
	h.mu.RLock()
	b := h.broadcaster
	h.mu.RUnlock()

	if b != nil {
		b(event)
	}
}

// HandleMessage processes an IPC message
func (h *DaemonHandler) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgStatusRequest:
		return h.handleStatus(ctx, client, msg)

	case MsgHealthCheck:
		return h.handleHealthCheck(ctx, client, msg)

	case MsgDiscoveryStart:
		return h.handleDiscoveryStart(ctx, client, msg)

	case MsgDiscoveryStop:
		return h.handleDiscoveryStop(ctx, client, msg)

	case MsgDiscoveryState:
		return h.handleDiscoveryState(ctx, client, msg)

	case MsgListPeers:
		return h.handleListPeers(ctx, client, msg)

	case MsgRecord:
		return h.handleRecord(ctx, client, msg)

	case MsgPending:
		return h.handlePending(ctx, client, msg)

	case MsgRetry:
		return h.handleRetry(ctx, client, msg)

	case MsgSweep:
		return h.handleSweep(ctx, client, msg)

	case MsgErase:
		return h.handleErase(ctx, client, msg)

	case MsgListInteractions:
		return h.handleListInteractions(ctx, client, msg)

	case MsgWindow:
		return h.handleWindow(ctx, client, msg)

	case MsgGetConfig:
		return h.handleGetConfig(ctx, client, msg)

	default:
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unknown message type: %d", msg.Header.Type)), nil
	}
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
		Version:        h.version,
		Uptime:         time.Since(h.startedAt),
		StartedAt:      h.startedAt,
		DisplayName:    h.ident.DisplayName,
		IDHash:         h.ident.IDHash,
		Discovery:      h.ctrl.State(),
		DiscoveryPhase: string(h.ctrl.Phase()),
		PeerCount:      h.store.Count(),
		PendingCount:   h.rec.PendingCount(ctx),
		SyncBackend:    h.cfg.Sync.Backend,
	}

	// Total is informational; status must not fail on a read error.
	if n, err := h.led.Count(ctx); err == nil {
		resp.InteractionCount = n
	}

	if h.checker != nil {
		resp.Health = string(h.checker.OverallStatus())
		if req.IncludeHealth {
			report := h.checker.Report(ctx, false)
			resp.HealthDetail = &report
		}
	}

	if req.IncludeMetrics {
		resp.Metrics = h.metrics.Snapshot()
	}

	return NewResponse(MsgStatusResponse, msg.Header.RequestID, resp)
}

// handleHealthCheck handles health check requests
func (h *DaemonHandler) handleHealthCheck(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	if h.checker == nil {
		resp := map[string]any{
			"status": "unknown",
			"uptime": time.Since(h.startedAt).String(),
		}
		return NewResponse(MsgHealthResponse, msg.Header.RequestID, resp)
	}

	report := h.checker.Report(ctx, true)
	return NewResponse(MsgHealthResponse, msg.Header.RequestID, report)
}

// handleDiscoveryStart handles discovery start requests
func (h *DaemonHandler) handleDiscoveryStart(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	if client.Permission < PermReadWrite {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "write permission required"), nil
	}

	err := h.ctrl.Start(ctx)
	if err != nil {
		var perr *discovery.PermissionError
		switch {
		case errors.Is(err, discovery.ErrNotSupported):
			return NewErrorMessage(msg.Header.RequestID, ErrNotSupported, err.Error()), nil

		case errors.Is(err, discovery.ErrRadioDisabled):
			return NewErrorMessage(msg.Header.RequestID, ErrRadioOff, err.Error()), nil

		case errors.As(err, &perr):
			// Structured response so clients can list what is missing
			if h.audit != nil {
				h.audit.LogPermissionDenied(ctx, perr.Missing)
			}
			resp := &DiscoveryStartResponse{
				Success:            false,
				State:              h.ctrl.State(),
				Error:              err.Error(),
				MissingPermissions: perr.Missing,
			}
			return NewResponse(MsgDiscoveryStartResp, msg.Header.RequestID, resp)

		default:
			h.metrics.RecordError()
			return NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error()), nil
		}
	}

	state := h.ctrl.State()
	h.metrics.DiscoveryStarted()
	if h.audit != nil {
		h.audit.LogDiscoveryStart(ctx, h.cfg.Radio.Backend)
	}

	h.broadcast(&Event{
		Type:      EventDiscoveryState,
		Timestamp: time.Now(),
		Data: &DiscoveryStateEvent{
			State: state,
			Phase: string(h.ctrl.Phase()),
		},
	})

	resp := &DiscoveryStartResponse{
		Success: true,
		State:   state,
	}
	return NewResponse(MsgDiscoveryStartResp, msg.Header.RequestID, resp)
}

// handleDiscoveryStop handles discovery stop requests
func (h *DaemonHandler) handleDiscoveryStop(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	if client.Permission < PermReadWrite {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "write permission required"), nil
	}

	h.ctrl.Stop()

	state := h.ctrl.State()
	h.metrics.DiscoveryStopped()
	if h.audit != nil {
		h.audit.LogDiscoveryStop(ctx, "client request")
	}

	h.broadcast(&Event{
		Type:      EventDiscoveryState,
		Timestamp: time.Now(),
		Data: &DiscoveryStateEvent{
			State: state,
			Phase: string(h.ctrl.Phase()),
		},
	})

	resp := &DiscoveryStopResponse{
		Success: true,
		State:   state,
	}
	return NewResponse(MsgDiscoveryStopResp, msg.Header.RequestID, resp)
}

// handleDiscoveryState handles discovery state requests
func (h *DaemonHandler) handleDiscoveryState(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	resp := &DiscoveryStateResponse{
		State: h.ctrl.State(),
		Phase: string(h.ctrl.Phase()),
	}
	return NewResponse(MsgDiscoveryStateResp, msg.Header.RequestID, resp)
}

// handleListPeers handles peer list requests
func (h *DaemonHandler) handleListPeers(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	peers := h.store.Snapshot()
	if peers == nil {
		peers = []presence.Peer{}
	}

	resp := &ListPeersResponse{
		Peers: peers,
		Count: len(peers),
	}
	return NewResponse(MsgListPeersResp, msg.Header.RequestID, resp)
}

// handleRecord handles interaction record requests
func (h *DaemonHandler) handleRecord(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	var req RecordRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}

	if client.Permission < PermReadWrite {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "write permission required"), nil
	}

	snapshot := h.store.Snapshot()

	var selected []presence.Peer
	if req.All {
		selected = snapshot
	} else {
		byID := make(map[string]presence.Peer, len(snapshot))
		for _, p := range snapshot {
			byID[p.ID] = p
		}
		for _, id := range req.IDHashes {
			p, ok := byID[id]
			if !ok {
				return NewErrorMessage(msg.Header.RequestID, ErrNotFound,
					fmt.Sprintf("peer not visible: %s", id)), nil
			}
			selected = append(selected, p)
		}
	}

	// The ledger fires the daemon's record hook itself, which queues the
	// new interactions for sync. Nothing to enqueue here.
	out, err := h.led.RecordBatch(ctx, selected)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrEmptyUserList), errors.Is(err, ledger.ErrInvalidUserData):
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, err.Error()), nil
		default:
			h.metrics.RecordError()
			return NewErrorMessage(msg.Header.RequestID, ErrDatabase, err.Error()), nil
		}
	}

	ids := make([]string, len(out))
	for i, in := range out {
		ids[i] = in.ID
	}

	if h.audit != nil {
		h.audit.LogRecord(ctx, len(out))
	}

	h.broadcast(&Event{
		Type:      EventInteractionRecorded,
		Timestamp: time.Now(),
		Data:      &InteractionRecordedEvent{Count: len(out)},
	})

	resp := &RecordResponse{
		Success: true,
		Count:   len(out),
		IDs:     ids,
	}
	return NewResponse(MsgRecordResp, msg.Header.RequestID, resp)
}

// handlePending handles sync backlog queries
func (h *DaemonHandler) handlePending(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	count := h.rec.PendingCount(ctx)

	resp := &PendingResponse{
		Count:      count,
		HasPending: count > 0,
	}
	return NewResponse(MsgPendingResp, msg.Header.RequestID, resp)
}

// handleRetry handles manual retry requests
func (h *DaemonHandler) handleRetry(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	if client.Permission < PermReadWrite {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "write permission required"), nil
	}

	res, err := h.rec.RetryFailed(ctx)
	if err != nil {
		h.metrics.RecordError()
		return NewErrorMessage(msg.Header.RequestID, ErrDatabase, err.Error()), nil
	}

	h.metrics.RecordRetryPass()
	if h.audit != nil {
		h.audit.LogSync(ctx, h.cfg.Sync.Backend, res.SuccessCount, res.FailureCount)
	}

	h.broadcast(&Event{
		Type:      EventSyncCompleted,
		Timestamp: time.Now(),
		Data: &SyncCompletedEvent{
			SuccessCount: res.SuccessCount,
			FailureCount: res.FailureCount,
		},
	})

	resp := &RetryResponse{
		SuccessCount: res.SuccessCount,
		FailureCount: res.FailureCount,
		FailedIDs:    res.FailedIDs,
	}
	return NewResponse(MsgRetryResp, msg.Header.RequestID, resp)
}

// handleSweep handles retention sweep requests
func (h *DaemonHandler) handleSweep(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	if client.Permission < PermReadWrite {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "write permission required"), nil
	}

	start := time.Now()
	deleted, err := h.led.RetentionSweep(ctx, time.Now())
	if err != nil {
		h.metrics.RecordError()
		return NewErrorMessage(msg.Header.RequestID, ErrDatabase, err.Error()), nil
	}

	h.metrics.RecordRetentionSweep(int64(deleted), time.Since(start))
	if h.audit != nil {
		h.audit.LogRetentionSweep(ctx, deleted)
	}

	resp := &SweepResponse{Deleted: deleted}
	return NewResponse(MsgSweepResp, msg.Header.RequestID, resp)
}

// handleErase handles full erasure requests
func (h *DaemonHandler) handleErase(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	var req EraseRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}

	if client.Permission < PermReadWrite {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "write permission required"), nil
	}

	if !req.Confirm {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "erase requires confirmation"), nil
	}

	// Count first so the response can say how much was removed.
	count, _ := h.led.Count(ctx)

	if err := h.led.DeleteAll(ctx); err != nil {
		h.metrics.RecordError()
		return NewErrorMessage(msg.Header.RequestID, ErrDatabase, err.Error()), nil
	}

	h.metrics.RecordErasure()
	if h.audit != nil {
		h.audit.LogErasure(ctx, count)
	}

	resp := &EraseResponse{
		Success: true,
		Deleted: count,
	}
	return NewResponse(MsgEraseResp, msg.Header.RequestID, resp)
}

// handleListInteractions handles interaction list requests
func (h *DaemonHandler) handleListInteractions(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	var req ListInteractionsRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
		}
	}

	var (
		ins []ledger.Interaction
		err error
	)
	if req.PendingOnly {
		ins, err = h.led.Unsynced(ctx)
		if err == nil && req.Limit > 0 && len(ins) > req.Limit {
			ins = ins[:req.Limit]
		}
	} else {
		ins, err = h.led.List(ctx, req.Limit)
	}
	if err != nil {
		h.metrics.RecordError()
		return NewErrorMessage(msg.Header.RequestID, ErrDatabase, err.Error()), nil
	}

	if ins == nil {
		ins = []ledger.Interaction{}
	}

	resp := &ListInteractionsResponse{
		Interactions: ins,
		Total:        len(ins),
	}
	return NewResponse(MsgListInteractionsResp, msg.Header.RequestID, resp)
}

// handleWindow handles exposure window requests
func (h *DaemonHandler) handleWindow(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	var req WindowRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}

	testDate, err := time.Parse("2006-01-02", req.TestDate)
	if err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("invalid test date %q: use YYYY-MM-DD", req.TestDate)), nil
	}

	today := time.Now().UTC()
	if err := h.calc.ValidateTestDate(testDate, today); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, err.Error()), nil
	}

	// Unknown conditions deliberately pass through; the calculator
	// assumes the default incubation period for them.
	conditions := make([]window.Condition, len(req.Conditions))
	for i, s := range req.Conditions {
		conditions[i] = window.Condition(s)
	}

	resp := &WindowResponse{
		Window:         h.calc.Calculate(conditions, testDate, today),
		IncubationDays: h.calc.MaxIncubationDays(conditions),
	}
	return NewResponse(MsgWindowResp, msg.Header.RequestID, resp)
}

// handleGetConfig handles configuration requests. The view is curated:
// credentials and key paths stay out of it.
func (h *DaemonHandler) handleGetConfig(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	view := map[string]any{
		"version": h.cfg.Version,
		"identity": map[string]any{
			"display_name": h.cfg.Identity.DisplayName,
		},
		"radio": map[string]any{
			"backend": h.cfg.Radio.Backend,
		},
		"discovery": map[string]any{
			"stale_after_sec": h.cfg.Discovery.StaleAfterSec,
		},
		"storage": map[string]any{
			"path": h.cfg.Storage.Path,
		},
		"sync": map[string]any{
			"backend": h.cfg.Sync.Backend,
		},
		"retention": map[string]any{
			"days":           h.cfg.Retention.Days,
			"sweep_schedule": h.cfg.Retention.SweepSchedule,
		},
		"report": map[string]any{
			"default_days": h.cfg.Report.DefaultDays,
		},
	}

	resp := &ConfigResponse{Config: view}
	return NewResponse(MsgGetConfigResp, msg.Header.RequestID, resp)
}
