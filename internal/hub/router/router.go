// Package router classifies inbound frames and forwards them between
// the Automator and Requesters. The allow-list of locally-handled types
// is the contract: registration, keepalive and operation queries are
// served by the hub; every other frame from a Requester is assumed to
// be an extension tool call and forwarded, so new tools need no hub
// changes.
package router

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/tabhub/tabhub/internal/hub/conn"
	"github.com/tabhub/tabhub/internal/hub/opmgr"
	"github.com/tabhub/tabhub/internal/hub/registry"
	"github.com/tabhub/tabhub/internal/logging"
	"github.com/tabhub/tabhub/internal/metrics"
	"github.com/tabhub/tabhub/internal/wire"
)

// AutomatorClientID is the fixed identity of the sole Automator.
const AutomatorClientID = "automator"

// Recorder receives client lifecycle events for the audit log.
// Implementations must be safe for concurrent use; a nil Recorder
// disables auditing.
type Recorder interface {
	ClientEvent(role, clientID, name, event, detail string)
}

// route remembers where a forwarded request came from so the matching
// response finds its way back.
type route struct {
	clientID string
	toolName string
	at       time.Time
}

// Router owns frame dispatch for the hub.
type Router struct {
	reg   *registry.Registry
	ops   *opmgr.Manager
	hub   wire.HubInfo
	audit Recorder

	// opTimeout is the default await deadline and the route-table
	// retention period.
	opTimeout time.Duration

	mu       sync.Mutex
	routes   map[string]*route
	hubMsgID atomic.Int64
}

// New creates a Router over the given registry and operation manager.
func New(reg *registry.Registry, ops *opmgr.Manager, hub wire.HubInfo, opTimeout time.Duration, audit Recorder) *Router {
	return &Router{
		reg:       reg,
		ops:       ops,
		hub:       hub,
		audit:     audit,
		opTimeout: opTimeout,
		routes:    make(map[string]*route),
	}
}

// HandleFrame dispatches one inbound frame from connection c.
func (r *Router) HandleFrame(ctx context.Context, c *conn.Conn, f wire.Frame) {
	metrics.FramesReceivedTotal.Inc()

	switch f.Type() {
	case wire.TypeRegisterAutomator:
		r.registerAutomator(c, f)
		return
	case wire.TypeRegisterRequester:
		r.registerRequester(c, f)
		return
	case wire.TypeKeepalive:
		r.keepalive(c, f)
		return
	case wire.TypeAwaitOperation:
		go r.awaitOperation(ctx, c, f)
		return
	case wire.TypeGetOperation:
		r.getOperation(c, f)
		return
	}

	switch c.Role() {
	case conn.RoleRequester:
		// Typed requests and unknown frame types alike are extension
		// tool calls; the allow-list above is exhaustive.
		r.forwardToAutomator(ctx, c, f)
	case conn.RoleAutomator:
		switch f.Type() {
		case wire.TypeResponse, wire.TypeError:
			r.routeResponse(c, f)
		case wire.TypeProgress:
			r.progress(c, f)
		default:
			r.sendError(c, f.RequestID(), wire.NewError(wire.CodeUnknownMessageType,
				"unknown frame type "+f.Type()+" from automator"))
		}
	default:
		r.sendError(c, f.RequestID(), wire.NewError(wire.CodeUnknownMessageType,
			"frame type "+f.Type()+" requires registration"))
	}
}

// HandleDisconnect cleans up after connection c closes.
func (r *Router) HandleDisconnect(c *conn.Conn) {
	switch c.Role() {
	case conn.RoleAutomator:
		if r.reg.ClearAutomator(c) {
			slog.Info("automator disconnected", "conn_id", c.ID())
			r.record("automator", AutomatorClientID, c.ClientName(), "disconnect", "")
		}
	case conn.RoleRequester:
		clientID := c.ClientID()
		if r.reg.RemoveRequester(clientID, c) {
			slog.Info("requester disconnected",
				"conn_id", c.ID(), "client_id", clientID, "requests", c.MessageCount())
			r.dropRoutesFor(clientID)
			r.notifyClientList()
			r.record("requester", clientID, c.ClientName(), "disconnect", "")
		}
	}
}

func (r *Router) registerAutomator(c *conn.Conn, f wire.Frame) {
	extensionID := f.String("extensionId")
	c.SetIdentity(conn.RoleAutomator, AutomatorClientID, "Automator")

	old := r.reg.SetAutomator(c, extensionID)
	if old != nil && old != c {
		slog.Warn("automator replaced", "old_conn_id", old.ID(), "new_conn_id", c.ID())
		_ = old.Send(wire.New(wire.TypeHubShutdown).
			Set("reason", "replaced").
			Set("code", wire.CodeReplacedByNewAutomator))
		// Graceful close drains the old queue with a deadline; a wedged
		// peer must not stall the new automator's registration.
		go old.Close(websocket.StatusNormalClosure, "replaced")
		r.record("automator", AutomatorClientID, "Automator", "replaced", extensionID)
	}

	r.warnVersionDrift("automator", f.String("version"))

	_ = c.Send(wire.New(wire.TypeRegistrationConfirmed).
		Set("role", string(conn.RoleAutomator)).
		Set("assignedId", AutomatorClientID).
		Set("hub", r.hub))

	// The fresh automator needs the current requester roster.
	_ = c.Send(r.clientListFrame())

	slog.Info("automator registered", "conn_id", c.ID(), "extension_id", extensionID)
	r.record("automator", AutomatorClientID, "Automator", "register", extensionID)
}

func (r *Router) registerRequester(c *conn.Conn, f wire.Frame) {
	info := wire.ClientInfoFrom(f)
	assigned := r.reg.AddRequester(c, info)
	c.SetIdentity(conn.RoleRequester, assigned, info.Name)

	r.warnVersionDrift(assigned, info.Version)

	_ = c.Send(wire.New(wire.TypeRegistrationConfirmed).
		Set("role", string(conn.RoleRequester)).
		Set("assignedId", assigned).
		Set("hub", r.hub))

	r.notifyClientList()

	slog.Info("requester registered",
		"conn_id", c.ID(), "client_id", assigned, "name", info.Name, "type", info.Type)
	r.record("requester", assigned, info.Name, "register", info.Type)
}

func (r *Router) keepalive(c *conn.Conn, f wire.Frame) {
	_ = c.Send(wire.New(wire.TypeKeepaliveResponse).
		Set("serverTime", time.Now().UnixMilli()))
}

func (r *Router) forwardToAutomator(ctx context.Context, c *conn.Conn, f wire.Frame) {
	requestID := f.RequestID()
	toolName := f.String("toolName")
	if toolName == "" {
		toolName = f.Type()
	}

	// await/get may also arrive as request{toolName: ...}; they stay local.
	switch toolName {
	case wire.TypeAwaitOperation:
		go r.awaitOperation(ctx, c, f)
		return
	case wire.TypeGetOperation:
		r.getOperation(c, f)
		return
	case "cancel":
		if r.replyIfAlreadyTerminal(c, f) {
			return
		}
	}

	automator := r.reg.Automator()
	if automator == nil || !automator.Live() || automator.Closing() {
		r.sendError(c, requestID, wire.NewError(wire.CodeAutomatorNotConnected,
			"no automator extension is connected").WithDetails(map[string]any{"tool": toolName}))
		return
	}

	f.Set("sourceClientId", c.ClientID())
	f.Set("sourceClientName", c.ClientName())
	f.Set("hubMessageId", r.hubMsgID.Add(1))

	// A frame without a requestId is fire-and-forget; nothing to route back.
	if requestID != "" {
		r.mu.Lock()
		r.routes[requestID] = &route{clientID: c.ClientID(), toolName: toolName, at: time.Now()}
		r.mu.Unlock()
	}
	if entry := r.reg.Requester(c.ClientID()); entry != nil {
		entry.IncRequests()
	}

	if err := automator.Send(f); err != nil {
		slog.Warn("forward to automator failed", "request_id", requestID, "error", err)
		r.dropRoute(requestID)
		r.sendError(c, requestID, wire.NewError(wire.CodeAutomatorNotConnected,
			"automator connection is not writable"))
		return
	}
	metrics.FramesRoutedTotal.WithLabelValues("to_automator").Inc()
}

// replyIfAlreadyTerminal makes cancel idempotent: a cancel for an
// operation that already reached a terminal status is answered locally
// without involving the Automator.
func (r *Router) replyIfAlreadyTerminal(c *conn.Conn, f wire.Frame) bool {
	opID := f.OperationID()
	if opID == "" {
		if params := f.Object("params"); params != nil {
			opID, _ = params["operationId"].(string)
		}
	}
	if opID == "" {
		return false
	}
	op := r.ops.Get(opID)
	if op == nil || !op.Status.Terminal() {
		return false
	}
	_ = c.Send(wire.New(wire.TypeResponse).
		Set("requestId", f.RequestID()).
		Set("result", map[string]any{
			"operationId":     opID,
			"alreadyTerminal": true,
			"status":          string(op.Status),
		}))
	return true
}

func (r *Router) routeResponse(c *conn.Conn, f wire.Frame) {
	requestID := f.RequestID()

	targetID := f.String("targetClientId")
	var rt *route
	r.mu.Lock()
	if rec, ok := r.routes[requestID]; ok {
		rt = rec
		delete(r.routes, requestID)
	}
	r.mu.Unlock()
	if targetID == "" && rt != nil {
		targetID = rt.clientID
	}

	if targetID == "" {
		slog.Warn("response with no resolvable target dropped", "request_id", requestID)
		metrics.FramesRoutedTotal.WithLabelValues("dropped").Inc()
		return
	}

	entry := r.reg.Requester(targetID)
	if entry == nil {
		slog.Warn("response for departed requester dropped",
			"request_id", requestID, "target_client_id", targetID)
		metrics.FramesRoutedTotal.WithLabelValues("dropped").Inc()
		metrics.RoutingErrorsTotal.WithLabelValues(wire.CodeTargetClientGone).Inc()
		return
	}

	// An async tool acceptance registers the operation under its owner.
	if f.Type() == wire.TypeResponse {
		if result := f.Object("result"); result != nil {
			if opID, _ := result["operationId"].(string); opID != "" {
				if status, _ := result["status"].(string); status == string(opmgr.StatusStarted) {
					toolName := ""
					if rt != nil {
						toolName = rt.toolName
					}
					r.ops.Register(opID, targetID, toolName)
				}
			}
		}
	}

	if err := entry.Conn.Send(f); err != nil {
		slog.Warn("deliver response failed", "request_id", requestID,
			"target_client_id", targetID, "error", err)
		metrics.FramesRoutedTotal.WithLabelValues("dropped").Inc()
		return
	}
	metrics.FramesRoutedTotal.WithLabelValues("to_requester").Inc()
}

func (r *Router) progress(c *conn.Conn, f wire.Frame) {
	opID := f.OperationID()
	if opID == "" {
		r.sendError(c, f.RequestID(), wire.NewError(wire.CodeMissingParam,
			"progress frame has no operationId"))
		return
	}

	op, applied := r.ops.ApplyMilestone(opID, f.String("milestone"), f.Object("data"))
	if !applied {
		return
	}

	if op.Owner == "" {
		logging.Verbose("progress for unowned operation not forwarded", "operation_id", opID)
		return
	}
	entry := r.reg.Requester(op.Owner)
	if entry == nil {
		slog.Warn("progress for departed requester dropped",
			"operation_id", opID, "owner", op.Owner)
		metrics.FramesRoutedTotal.WithLabelValues("dropped").Inc()
		return
	}
	if err := entry.Conn.Send(f); err != nil {
		slog.Warn("deliver progress failed", "operation_id", opID, "error", err)
		return
	}
	metrics.FramesRoutedTotal.WithLabelValues("to_requester").Inc()
}

// awaitOperation blocks the calling goroutine, never the read loop.
func (r *Router) awaitOperation(ctx context.Context, c *conn.Conn, f wire.Frame) {
	opID, timeout := r.operationArgs(f)
	if opID == "" {
		r.sendError(c, f.RequestID(), wire.NewError(wire.CodeMissingParam,
			"await_operation requires operationId"))
		return
	}

	op, err := r.ops.WaitForCompletion(ctx, opID, timeout)
	if err != nil {
		werr, ok := err.(*wire.Error)
		if !ok {
			werr = wire.NewError(wire.CodeOperationTimeout, err.Error())
		}
		r.sendError(c, f.RequestID(), werr)
		return
	}
	_ = c.Send(wire.New(wire.TypeResponse).
		Set("requestId", f.RequestID()).
		Set("result", op))
}

func (r *Router) getOperation(c *conn.Conn, f wire.Frame) {
	opID, _ := r.operationArgs(f)
	if opID == "" {
		r.sendError(c, f.RequestID(), wire.NewError(wire.CodeMissingParam,
			"get_operation requires operationId"))
		return
	}
	op := r.ops.Get(opID)
	if op == nil {
		r.sendError(c, f.RequestID(), wire.NewError(wire.CodeUnknownOperation,
			"operation "+opID+" is not tracked"))
		return
	}
	_ = c.Send(wire.New(wire.TypeResponse).
		Set("requestId", f.RequestID()).
		Set("result", op))
}

// operationArgs accepts both bare frames ({operationId, timeoutMs}) and
// request-shaped frames ({params: {operationId, timeoutMs}}).
func (r *Router) operationArgs(f wire.Frame) (string, time.Duration) {
	opID := f.OperationID()
	timeoutMS := wire.OptionalInt(f, "timeoutMs", 0)
	if params := f.Object("params"); params != nil {
		if opID == "" {
			if s, ok := params["operationId"].(string); ok {
				opID = s
			}
		}
		if timeoutMS == 0 {
			timeoutMS = wire.OptionalInt(params, "timeoutMs", 0)
		}
	}
	timeout := r.opTimeout
	if timeoutMS > 0 {
		timeout = time.Duration(timeoutMS) * time.Millisecond
	}
	return opID, timeout
}

func (r *Router) notifyClientList() {
	automator := r.reg.Automator()
	if automator == nil {
		return
	}
	_ = automator.Send(r.clientListFrame())
}

func (r *Router) clientListFrame() wire.Frame {
	return wire.New(wire.TypeClientListUpdate).Set("clients", r.reg.ClientList())
}

func (r *Router) sendError(c *conn.Conn, requestID string, werr *wire.Error) {
	metrics.RoutingErrorsTotal.WithLabelValues(werr.Code).Inc()
	_ = c.Send(wire.ErrorFrame(requestID, werr))
}

func (r *Router) dropRoute(requestID string) {
	if requestID == "" {
		return
	}
	r.mu.Lock()
	delete(r.routes, requestID)
	r.mu.Unlock()
}

func (r *Router) dropRoutesFor(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for rid, rt := range r.routes {
		if rt.clientID == clientID {
			delete(r.routes, rid)
		}
	}
}

// PruneRoutes drops routes older than the operation timeout: their
// requester gave up long ago, so a late response would be dropped anyway.
func (r *Router) PruneRoutes() int {
	cutoff := time.Now().Add(-r.opTimeout)
	r.mu.Lock()
	defer r.mu.Unlock()
	pruned := 0
	for rid, rt := range r.routes {
		if rt.at.Before(cutoff) {
			delete(r.routes, rid)
			pruned++
		}
	}
	return pruned
}

// RouteCount returns the number of in-flight request routes.
func (r *Router) RouteCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.routes)
}

func (r *Router) warnVersionDrift(who, clientVersion string) {
	if clientVersion == "" {
		return
	}
	switch wire.CompareVersions(clientVersion, r.hub.Version) {
	case wire.CompatFull:
	case wire.CompatPatchDrift:
		slog.Warn("client protocol version drift",
			"client", who, "client_version", clientVersion, "hub_version", r.hub.Version)
	default:
		slog.Warn("client protocol version mismatch",
			"client", who, "client_version", clientVersion, "hub_version", r.hub.Version)
	}
}

func (r *Router) record(role, clientID, name, event, detail string) {
	if r.audit == nil {
		return
	}
	r.audit.ClientEvent(role, clientID, name, event, detail)
}
