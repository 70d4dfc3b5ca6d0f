// Package conn wraps one websocket endpoint: a read loop that decodes
// frames, a single-writer outbound queue, liveness tracking and graceful
// close. Connections are owned by the hub server and identified by a
// monotonic local id; client identity is attached at registration and
// never outlives the connection.
package conn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/tabhub/tabhub/internal/logging"
	"github.com/tabhub/tabhub/internal/wire"
)

// Role classifies a connection after registration.
type Role string

const (
	RoleUnassigned Role = "unassigned"
	RoleAutomator  Role = "automator"
	RoleRequester  Role = "requester"
)

const (
	// sendQueueSize bounds the per-connection outbound queue. The write
	// loop is the only writer on the socket; FIFO order is the queue's.
	sendQueueSize = 256

	// drainTimeout bounds how long a graceful close waits for the
	// outbound queue to flush before force-closing.
	drainTimeout = 5 * time.Second
)

// Conn is one live websocket connection.
type Conn struct {
	id     int64
	remote string
	ws     *websocket.Conn
	log    *slog.Logger

	// SendFn overrides the websocket write for testing.
	SendFn func([]byte) error

	sendCh  chan []byte
	wctx    context.Context
	wcancel context.CancelFunc
	closed  chan struct{}
	closing atomic.Bool
	once    sync.Once

	mu         sync.Mutex
	role       Role
	clientID   string
	clientName string

	lastActivity atomic.Int64 // unix ms
	live         atomic.Bool
	msgCount     atomic.Int64
}

// New wraps an accepted websocket and starts its write loop.
func New(id int64, ws *websocket.Conn, remote string) *Conn {
	wctx, wcancel := context.WithCancel(context.Background())
	c := &Conn{
		id:      id,
		remote:  remote,
		ws:      ws,
		log:     slog.With("conn_id", id, "remote", remote),
		sendCh:  make(chan []byte, sendQueueSize),
		wctx:    wctx,
		wcancel: wcancel,
		closed:  make(chan struct{}),
	}
	c.role = RoleUnassigned
	c.live.Store(true)
	c.Touch()
	go c.writeLoop()
	return c
}

// ID returns the hub-local monotonic connection id.
func (c *Conn) ID() int64 { return c.id }

// Remote returns the peer address.
func (c *Conn) Remote() string { return c.remote }

// Role returns the connection's registered role.
func (c *Conn) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// SetIdentity attaches the registered role and client identity.
func (c *Conn) SetIdentity(role Role, clientID, clientName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = role
	c.clientID = clientID
	c.clientName = clientName
}

// ClientID returns the registered client id, or "" before registration.
func (c *Conn) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// ClientName returns the registered client name.
func (c *Conn) ClientName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientName
}

// Touch records peer activity: any inbound frame or pong refreshes
// lastActivity and marks the connection live.
func (c *Conn) Touch() {
	c.lastActivity.Store(time.Now().UnixMilli())
	c.live.Store(true)
}

// LastActivity returns the time of the most recent inbound traffic.
func (c *Conn) LastActivity() time.Time {
	return time.UnixMilli(c.lastActivity.Load())
}

// Live reports whether the last liveness probe succeeded.
func (c *Conn) Live() bool { return c.live.Load() }

// MessageCount returns the number of inbound frames handled.
func (c *Conn) MessageCount() int64 { return c.msgCount.Load() }

// Closing reports whether a close has been initiated.
func (c *Conn) Closing() bool { return c.closing.Load() }

// Done is closed once the connection is fully closed.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Send encodes the frame and enqueues it on the outbound queue.
// Frames are written in enqueue order by the single write loop.
func (c *Conn) Send(f wire.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

// SendRaw enqueues pre-encoded bytes. Used when forwarding a frame to
// several peers without re-encoding.
func (c *Conn) SendRaw(data []byte) error {
	if c.closing.Load() {
		return fmt.Errorf("connection %d is closing", c.id)
	}
	if c.SendFn != nil {
		return c.SendFn(data)
	}
	select {
	case c.sendCh <- data:
		return nil
	case <-c.wctx.Done():
		return fmt.Errorf("connection %d is closed", c.id)
	default:
		return fmt.Errorf("connection %d send queue full", c.id)
	}
}

func (c *Conn) writeLoop() {
	defer close(c.closed)
	if c.ws == nil {
		<-c.wctx.Done()
		return
	}
	for {
		select {
		case data := <-c.sendCh:
			wctx, cancel := context.WithTimeout(c.wctx, 10*time.Second)
			err := c.ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.log.Debug("write failed", "error", err)
				return
			}
		case <-c.wctx.Done():
			return
		}
	}
}

// ReadLoop reads frames until the socket closes or ctx is cancelled,
// invoking handler for each valid frame. Literal "ping"/"pong" text
// frames are ignored; malformed frames get an unsolicited error frame
// and the loop continues. Payloads above maxPayload are rejected with
// INVALID_PARAM_TYPE.
func (c *Conn) ReadLoop(ctx context.Context, maxPayload int, handler func(wire.Frame)) error {
	if maxPayload <= 0 {
		maxPayload = wire.DefaultMaxPayload
	}
	// The websocket read limit sits above the protocol limit so that an
	// oversized frame yields a protocol error, not a dropped socket.
	c.ws.SetReadLimit(int64(maxPayload) + 64*1024)

	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		c.Touch()
		c.msgCount.Add(1)

		if typ != websocket.MessageText {
			logging.Verbose("ignoring non-text frame", "conn_id", c.id, "len", len(data))
			continue
		}
		if s := string(data); s == "ping" || s == "pong" {
			logging.Verbose("ignoring control string", "conn_id", c.id, "text", s)
			continue
		}

		f, derr := wire.Decode(data)
		if derr != nil {
			_ = c.Send(wire.ErrorFrame("", wire.NewError(wire.CodeInvalidParamType,
				"frame is not a JSON object with a string type")))
			continue
		}

		if werr := wire.CheckPayloadSize(len(data), maxPayload); werr != nil {
			_ = c.Send(wire.ErrorFrame(f.RequestID(), werr))
			continue
		}

		handler(f)
	}
}

// Ping sends a websocket-level ping. A pong refreshes liveness; a
// failure marks the connection not live for the watchdog.
func (c *Conn) Ping(ctx context.Context) error {
	if c.ws == nil {
		return fmt.Errorf("connection %d has no socket", c.id)
	}
	if err := c.ws.Ping(ctx); err != nil {
		c.live.Store(false)
		return err
	}
	c.Touch()
	return nil
}

// Close performs a graceful close: stop accepting new sends, drain the
// outbound queue with a deadline, then close the websocket.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		c.closing.Store(true)

		deadline := time.Now().Add(drainTimeout)
		for len(c.sendCh) > 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}

		if c.ws != nil {
			_ = c.ws.Close(code, reason)
		}
		c.wcancel()
	})
}

// CloseNow force-closes the connection without draining. Used by the
// liveness watchdog.
func (c *Conn) CloseNow() {
	c.once.Do(func() {
		c.closing.Store(true)
		if c.ws != nil {
			_ = c.ws.CloseNow()
		}
		c.wcancel()
	})
}
