// Package autohub is the Requester-side client: it connects to a
// running hub on the well-known port or starts one in-process, keeps
// the connection alive across hub restarts, and correlates requests
// with responses through a pending table.
package autohub

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/tabhub/tabhub/internal/hub/config"
	"github.com/tabhub/tabhub/internal/wire"
)

const (
	// registrationTimeout bounds the wait for registration_confirmed.
	registrationTimeout = 10 * time.Second

	// healthInterval is the self-check cadence.
	healthInterval = 10 * time.Second

	// healthIdleLimit is the idle threshold that triggers a soft
	// reconnect: the hub pings more often than this, so silence means
	// the socket is wedged even if the OS has not noticed.
	healthIdleLimit = 60 * time.Second

	writeTimeout = 10 * time.Second
)

// Client is one Requester connection to the hub.
type Client struct {
	cfg  *config.Config
	info wire.ClientInfo

	// OnNotification receives frames that are not responses to a
	// pending request: progress, client_list_update, hub_shutdown.
	// Called from the read loop; must not block.
	OnNotification func(wire.Frame)

	// OnPermanentFailure is called once when reconnection gives up.
	OnPermanentFailure func(error)

	pending *pendingTable
	reqSeq  atomic.Int64

	mu         sync.Mutex
	ws         *websocket.Conn
	session    *discovery
	assignedID string

	lastActivity atomic.Int64 // unix ms
	cleanClose   atomic.Bool
	closed       atomic.Bool
}

// New creates a Client for the given identity. The hub port and timing
// knobs come from cfg.
func New(cfg *config.Config, info wire.ClientInfo) *Client {
	if info.Version == "" {
		info.Version = wire.ProtocolVersion
	}
	return &Client{
		cfg:     cfg,
		info:    info,
		pending: newPendingTable(),
	}
}

// AssignedID returns the client id the hub confirmed, which may differ
// from the requested id on collision.
func (c *Client) AssignedID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assignedID
}

// Connected reports whether a registered session is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Connect runs one session: discover or create the hub, register, then
// read frames until the connection drops or ctx is cancelled. Most
// callers want ConnectWithReconnect.
func (c *Client) Connect(ctx context.Context) error {
	d, err := discover(ctx, c.cfg)
	if err != nil {
		return err
	}

	assigned, err := c.register(ctx, d.ws)
	if err != nil {
		_ = d.ws.CloseNow()
		if d.stop != nil {
			d.stop()
		}
		return err
	}

	c.mu.Lock()
	c.ws = d.ws
	if d.embedded != nil {
		// The embedded hub outlives this session so reconnects find it.
		c.session = d
	}
	c.assignedID = assigned
	c.mu.Unlock()
	c.touch()

	slog.Info("registered with hub", "client_id", assigned, "embedded_hub", d.embedded != nil)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.keepaliveLoop(sessionCtx)
	go c.healthLoop(sessionCtx)

	err = c.readLoop(ctx, d.ws)

	c.mu.Lock()
	c.ws = nil
	c.mu.Unlock()
	return err
}

// ConnectWithReconnect runs Connect in a loop with exponential backoff.
// Pending requests are never replayed across a reconnect; they are
// rejected with RECONNECTED so callers can decide whether to retry.
func (c *Client) ConnectWithReconnect(ctx context.Context) {
	bo := newReconnectBackoff(c.cfg.ReconnectBase(), c.cfg.ReconnectMax())
	attempts := 0

	for {
		start := time.Now()
		err := c.Connect(ctx)
		if ctx.Err() != nil || c.closed.Load() {
			return
		}
		if c.cleanClose.Load() {
			// The hub announced shutdown; honor the clean close.
			slog.Info("hub shut down cleanly, not reconnecting")
			c.permanentFailure(wire.NewError(wire.CodeHubShuttingDown, "hub shut down"))
			return
		}

		if rejected := c.pending.FailAll(wire.NewError(wire.CodeReconnected,
			"connection lost, request not replayed")); rejected > 0 {
			slog.Warn("rejected pending requests on disconnect", "count", rejected)
		}

		if time.Since(start) >= resetThreshold {
			bo.Reset()
			attempts = 0
		}
		attempts++

		maxAttempts := c.cfg.MaxReconnectAttempts
		if maxAttempts >= 0 && attempts > maxAttempts {
			slog.Error("giving up on hub reconnection", "attempts", attempts, "error", err)
			c.permanentFailure(fmt.Errorf("reconnect attempts exhausted: %w", err))
			return
		}

		interval := bo.NextBackOff()
		slog.Warn("disconnected from hub, reconnecting...", "error", err, "backoff", interval)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// Close shuts the client down: the socket closes cleanly and an
// embedded hub, if this client started one, stops with it.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	ws := c.ws
	session := c.session
	c.ws = nil
	c.session = nil
	c.mu.Unlock()

	if ws != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "client closing")
	}
	if session != nil && session.stop != nil {
		session.stop()
	}
	c.pending.FailAll(wire.NewError(wire.CodeReconnected, "client closed"))
}

// SendRequest sends a tool request and blocks for the correlated
// response. A non-positive timeout uses the 30 s default. The returned
// frame is the full response; protocol failures come back as *wire.Error.
func (c *Client) SendRequest(ctx context.Context, toolName string, params map[string]any, timeout time.Duration) (wire.Frame, error) {
	requestID := c.nextRequestID()
	f := wire.New(wire.TypeRequest).
		Set("requestId", requestID).
		Set("toolName", toolName)
	if params != nil {
		f.Set("params", params)
	}

	ch := c.pending.Add(requestID, toolName, timeout)
	if err := c.send(ctx, f); err != nil {
		// Local write failure, not a routing verdict from the hub.
		c.pending.Fail(requestID, wire.NewError(wire.CodeReconnected, err.Error()))
	}

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		return out.frame, nil
	case <-ctx.Done():
		c.pending.Fail(requestID, wire.NewError(wire.CodeRequestTimeout, "caller cancelled"))
		<-ch
		return nil, ctx.Err()
	}
}

// WaitForOperation blocks until the hub reports the operation terminal,
// up to timeout. The result is the full operation record.
func (c *Client) WaitForOperation(ctx context.Context, operationID string, timeout time.Duration) (map[string]any, error) {
	if timeout <= 0 {
		timeout = c.cfg.OperationTimeout()
	}
	requestID := c.nextRequestID()
	f := wire.New(wire.TypeAwaitOperation).
		Set("requestId", requestID).
		Set("operationId", operationID).
		Set("timeoutMs", timeout.Milliseconds())

	// The hub enforces the operation deadline; pad ours so its
	// OPERATION_TIMEOUT arrives before our REQUEST_TIMEOUT fires.
	ch := c.pending.Add(requestID, wire.TypeAwaitOperation, timeout+5*time.Second)
	if err := c.send(ctx, f); err != nil {
		c.pending.Fail(requestID, wire.NewError(wire.CodeReconnected, err.Error()))
	}

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		return out.frame.Object("result"), nil
	case <-ctx.Done():
		c.pending.Fail(requestID, wire.NewError(wire.CodeRequestTimeout, "caller cancelled"))
		<-ch
		return nil, ctx.Err()
	}
}

// CancelOperation asks the Automator to cancel a running operation.
// Best effort: the terminal milestone arrives via progress.
func (c *Client) CancelOperation(ctx context.Context, operationID string) (wire.Frame, error) {
	return c.SendRequest(ctx, "cancel", map[string]any{"operationId": operationID}, 0)
}

// nextRequestID returns a monotonically increasing id scoped to this
// client.
func (c *Client) nextRequestID() string {
	return "r" + strconv.FormatInt(c.reqSeq.Add(1), 10)
}

func (c *Client) send(ctx context.Context, f wire.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return fmt.Errorf("not connected")
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.ws.Write(wctx, websocket.MessageText, data)
}

// register performs the registration handshake on a fresh socket.
func (c *Client) register(ctx context.Context, ws *websocket.Conn) (string, error) {
	regCtx, cancel := context.WithTimeout(ctx, registrationTimeout)
	defer cancel()

	reg := wire.New(wire.TypeRegisterRequester).
		Set("version", c.info.Version).
		Set("clientInfo", c.info)
	data, err := reg.Encode()
	if err != nil {
		return "", err
	}
	if err := ws.Write(regCtx, websocket.MessageText, data); err != nil {
		return "", fmt.Errorf("send registration: %w", err)
	}

	for {
		_, payload, err := ws.Read(regCtx)
		if err != nil {
			return "", fmt.Errorf("await registration: %w", err)
		}
		f, derr := wire.Decode(payload)
		if derr != nil {
			continue
		}
		switch f.Type() {
		case wire.TypeWelcome:
			// Pre-registration greeting; the confirmed id follows.
		case wire.TypeRegistrationConfirmed:
			return f.String("assignedId"), nil
		case wire.TypeError:
			return "", wire.ErrorFrom(f)
		}
	}
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		c.touch()

		f, derr := wire.Decode(data)
		if derr != nil {
			slog.Debug("discarding malformed frame from hub", "error", derr)
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f wire.Frame) {
	switch f.Type() {
	case wire.TypeKeepaliveResponse, wire.TypeWelcome:
		// Activity already recorded.
	case wire.TypeResponse:
		if !c.pending.Complete(f.RequestID(), f) {
			c.notify(f)
		}
	case wire.TypeError:
		rid := f.RequestID()
		if rid == "" || !c.pending.Fail(rid, wire.ErrorFrom(f)) {
			c.notify(f)
		}
	case wire.TypeHubShutdown:
		if f.String("code") != wire.CodeReplacedByNewAutomator {
			c.cleanClose.Store(true)
		}
		c.notify(f)
	default:
		// progress, client_list_update and anything newer.
		c.notify(f)
	}
}

func (c *Client) notify(f wire.Frame) {
	if c.OnNotification != nil {
		c.OnNotification(f)
	}
}

func (c *Client) permanentFailure(err error) {
	if c.OnPermanentFailure != nil {
		c.OnPermanentFailure(err)
	}
}

func (c *Client) touch() {
	c.lastActivity.Store(time.Now().UnixMilli())
}

func (c *Client) idle() time.Duration {
	return time.Since(time.UnixMilli(c.lastActivity.Load()))
}

// keepaliveLoop sends application-level keepalives; the response
// refreshes lastActivity for the health check.
func (c *Client) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.KeepaliveInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(ctx, wire.New(wire.TypeKeepalive)); err != nil {
				slog.Debug("keepalive send failed", "error", err)
			}
		}
	}
}

// healthLoop triggers a soft reconnect when the socket has gone silent:
// closing it makes the read loop return and the reconnect loop take over.
func (c *Client) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.idle() <= healthIdleLimit {
				continue
			}
			c.mu.Lock()
			ws := c.ws
			c.mu.Unlock()
			if ws != nil {
				slog.Warn("connection idle past health limit, forcing reconnect",
					"idle", c.idle().Round(time.Second))
				_ = ws.Close(websocket.StatusGoingAway, "health check failed")
			}
		}
	}
}
