package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tabhub/tabhub/internal/hub/conn"
	"github.com/tabhub/tabhub/internal/hub/opmgr"
	"github.com/tabhub/tabhub/internal/hub/registry"
	"github.com/tabhub/tabhub/internal/wire"
)

// sink captures frames written to a test connection.
type sink struct {
	mu     sync.Mutex
	frames []wire.Frame
	ch     chan wire.Frame
}

func newSink() *sink {
	return &sink{ch: make(chan wire.Frame, 32)}
}

func (s *sink) write(data []byte) error {
	f, err := wire.Decode(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	s.ch <- f
	return nil
}

func (s *sink) all() []wire.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wire.Frame(nil), s.frames...)
}

// next waits for the next frame or fails the test.
func (s *sink) next(t *testing.T) wire.Frame {
	t.Helper()
	select {
	case f := <-s.ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame arrived")
		return nil
	}
}

func (s *sink) byType(t *testing.T, typ string) wire.Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-s.ch:
			if f.Type() == typ {
				return f
			}
		case <-deadline:
			t.Fatalf("no %s frame arrived, got %v", typ, s.all())
			return nil
		}
	}
}

func testConn(id int64) (*conn.Conn, *sink) {
	c := conn.New(id, nil, "test")
	s := newSink()
	c.SendFn = s.write
	return c, s
}

func newRouter(t *testing.T) (*Router, *registry.Registry, *opmgr.Manager) {
	t.Helper()
	reg := registry.New()
	ops := opmgr.New(time.Hour)
	r := New(reg, ops, wire.HubInfo{Version: "1.2.0", Port: 4625}, 5*time.Second, nil)
	return r, reg, ops
}

func registerRequester(t *testing.T, r *Router, c *conn.Conn, s *sink, id string) string {
	t.Helper()
	r.HandleFrame(context.Background(), c, wire.New(wire.TypeRegisterRequester).
		Set("clientInfo", map[string]any{"id": id, "name": "Test Client", "type": "mcp"}))
	confirmed := s.byType(t, wire.TypeRegistrationConfirmed)
	return confirmed.String("assignedId")
}

func registerAutomator(t *testing.T, r *Router, c *conn.Conn, s *sink) {
	t.Helper()
	r.HandleFrame(context.Background(), c, wire.New(wire.TypeRegisterAutomator).
		Set("extensionId", "ext-abc").
		Set("version", "1.2.0"))
	s.byType(t, wire.TypeRegistrationConfirmed)
}

func TestRegisterRequester_ConfirmsAndNotifiesAutomator(t *testing.T) {
	r, _, _ := newRouter(t)

	ac, as := testConn(1)
	registerAutomator(t, r, ac, as)
	as.byType(t, wire.TypeClientListUpdate) // empty roster on registration

	rc, rs := testConn(2)
	r.HandleFrame(context.Background(), rc, wire.New(wire.TypeRegisterRequester).
		Set("clientInfo", map[string]any{"id": "cli-a", "name": "Claude", "type": "mcp"}))

	confirmed := rs.byType(t, wire.TypeRegistrationConfirmed)
	require.Equal(t, "cli-a", confirmed.String("assignedId"))
	require.Equal(t, "requester", confirmed.String("role"))
	hub := confirmed.Object("hub")
	require.Equal(t, "1.2.0", hub["version"])

	update := as.byType(t, wire.TypeClientListUpdate)
	clients, ok := update["clients"].([]any)
	require.True(t, ok)
	require.Len(t, clients, 1)
}

func TestRegisterAutomator_ReplacesPrevious(t *testing.T) {
	r, reg, _ := newRouter(t)

	oldConn, oldSink := testConn(1)
	registerAutomator(t, r, oldConn, oldSink)

	newConn, newSink := testConn(2)
	registerAutomator(t, r, newConn, newSink)

	require.Same(t, newConn, reg.Automator())

	shutdown := oldSink.byType(t, wire.TypeHubShutdown)
	require.Equal(t, "replaced", shutdown.String("reason"))
	require.Equal(t, wire.CodeReplacedByNewAutomator, shutdown.String("code"))
}

func TestRegisterAutomator_ReplacementNotStalledByOldConn(t *testing.T) {
	r, reg, _ := newRouter(t)

	// No SendFn and no socket: the old connection's outbound queue never
	// drains, so its graceful close runs the full drain deadline.
	oldConn := conn.New(1, nil, "test")
	r.HandleFrame(context.Background(), oldConn, wire.New(wire.TypeRegisterAutomator).
		Set("extensionId", "ext-old").
		Set("version", "1.2.0"))

	newConn, newSink := testConn(2)
	done := make(chan struct{})
	go func() {
		r.HandleFrame(context.Background(), newConn, wire.New(wire.TypeRegisterAutomator).
			Set("extensionId", "ext-new").
			Set("version", "1.2.0"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("replacement registration stalled behind the old connection")
	}
	newSink.byType(t, wire.TypeRegistrationConfirmed)
	require.Same(t, newConn, reg.Automator())
}

func TestForward_NoAutomator(t *testing.T) {
	r, _, _ := newRouter(t)

	rc, rs := testConn(1)
	registerRequester(t, r, rc, rs, "cli-a")

	r.HandleFrame(context.Background(), rc, wire.New(wire.TypeRequest).
		Set("requestId", "req-1").
		Set("toolName", "tab_create"))

	errFrame := rs.byType(t, wire.TypeError)
	require.Equal(t, "req-1", errFrame.RequestID())
	require.Equal(t, wire.CodeAutomatorNotConnected, wire.ErrorFrom(errFrame).Code)
}

func TestForward_AnnotatesAndRoutesResponseBack(t *testing.T) {
	r, _, _ := newRouter(t)

	ac, as := testConn(1)
	registerAutomator(t, r, ac, as)
	rc, rs := testConn(2)
	registerRequester(t, r, rc, rs, "cli-a")

	r.HandleFrame(context.Background(), rc, wire.New(wire.TypeRequest).
		Set("requestId", "req-1").
		Set("toolName", "tab_create").
		Set("params", map[string]any{"url": "https://example.com"}))

	forwarded := as.byType(t, wire.TypeRequest)
	require.Equal(t, "cli-a", forwarded.String("sourceClientId"))
	require.Equal(t, "Test Client", forwarded.String("sourceClientName"))
	require.NotEmpty(t, forwarded.String("hubMessageId"))
	require.Equal(t, 1, r.RouteCount())

	// Response carries no targetClientId; the route table resolves it.
	r.HandleFrame(context.Background(), ac, wire.New(wire.TypeResponse).
		Set("requestId", "req-1").
		Set("result", map[string]any{"tabId": 7}))

	resp := rs.byType(t, wire.TypeResponse)
	require.Equal(t, "req-1", resp.RequestID())
	require.Equal(t, 0, r.RouteCount())
}

func TestForward_UnknownTypeFromRequesterIsForwarded(t *testing.T) {
	r, _, _ := newRouter(t)

	ac, as := testConn(1)
	registerAutomator(t, r, ac, as)
	rc, rs := testConn(2)
	registerRequester(t, r, rc, rs, "cli-a")

	// A frame type the hub has never seen still reaches the automator.
	r.HandleFrame(context.Background(), rc, wire.New("tab_experimental_tool").
		Set("requestId", "req-9").
		Set("customField", "survives"))

	forwarded := as.byType(t, "tab_experimental_tool")
	require.Equal(t, "survives", forwarded.String("customField"))
}

func TestResponse_DepartedRequesterDropped(t *testing.T) {
	r, reg, _ := newRouter(t)

	ac, as := testConn(1)
	registerAutomator(t, r, ac, as)
	rc, rs := testConn(2)
	registerRequester(t, r, rc, rs, "cli-a")

	r.HandleFrame(context.Background(), rc, wire.New(wire.TypeRequest).
		Set("requestId", "req-1").
		Set("toolName", "tab_create"))
	as.byType(t, wire.TypeRequest)

	r.HandleDisconnect(rc)
	require.Equal(t, 0, reg.RequesterCount())
	require.Equal(t, 0, r.RouteCount())

	// Late response is dropped without error.
	before := len(rs.all())
	r.HandleFrame(context.Background(), ac, wire.New(wire.TypeResponse).
		Set("requestId", "req-1").
		Set("result", map[string]any{}))
	require.Len(t, rs.all(), before)
}

func TestResponse_RegistersAsyncOperation(t *testing.T) {
	r, _, ops := newRouter(t)

	ac, as := testConn(1)
	registerAutomator(t, r, ac, as)
	rc, rs := testConn(2)
	registerRequester(t, r, rc, rs, "cli-a")

	r.HandleFrame(context.Background(), rc, wire.New(wire.TypeRequest).
		Set("requestId", "req-1").
		Set("toolName", "tab_send_message"))
	as.byType(t, wire.TypeRequest)

	r.HandleFrame(context.Background(), ac, wire.New(wire.TypeResponse).
		Set("requestId", "req-1").
		Set("result", map[string]any{"operationId": "op-1", "status": "started"}))
	rs.byType(t, wire.TypeResponse)

	op := ops.Get("op-1")
	require.NotNil(t, op)
	require.Equal(t, "cli-a", op.Owner)
	require.Equal(t, "tab_send_message", op.Type)
}

func TestProgress_AppliesAndForwardsToOwner(t *testing.T) {
	r, _, ops := newRouter(t)

	ac, as := testConn(1)
	registerAutomator(t, r, ac, as)
	rc, rs := testConn(2)
	registerRequester(t, r, rc, rs, "cli-a")

	ops.Register("op-1", "cli-a", "tab_send_message")

	r.HandleFrame(context.Background(), ac, wire.New(wire.TypeProgress).
		Set("operationId", "op-1").
		Set("milestone", "input_filled"))

	fwd := rs.byType(t, wire.TypeProgress)
	require.Equal(t, "op-1", fwd.OperationID())
	require.Equal(t, opmgr.StatusProgress, ops.Get("op-1").Status)
}

func TestProgress_UnownedNotForwarded(t *testing.T) {
	r, _, ops := newRouter(t)

	ac, as := testConn(1)
	registerAutomator(t, r, ac, as)

	// Progress for an operation no response has claimed yet.
	r.HandleFrame(context.Background(), ac, wire.New(wire.TypeProgress).
		Set("operationId", "op-ghost").
		Set("milestone", "working"))

	op := ops.Get("op-ghost")
	require.NotNil(t, op)
	require.Equal(t, "", op.Owner)
}

func TestCancel_AlreadyTerminalAnsweredLocally(t *testing.T) {
	r, _, ops := newRouter(t)

	ac, as := testConn(1)
	registerAutomator(t, r, ac, as)
	rc, rs := testConn(2)
	registerRequester(t, r, rc, rs, "cli-a")

	ops.Register("op-1", "cli-a", "tab_send_message")
	ops.ApplyMilestone("op-1", "completed", nil)

	r.HandleFrame(context.Background(), rc, wire.New(wire.TypeRequest).
		Set("requestId", "req-c").
		Set("toolName", "cancel").
		Set("params", map[string]any{"operationId": "op-1"}))

	resp := rs.byType(t, wire.TypeResponse)
	result := resp.Object("result")
	require.Equal(t, true, result["alreadyTerminal"])
	require.Equal(t, "completed", result["status"])

	// The automator never saw the cancel.
	for _, f := range as.all() {
		require.NotEqual(t, wire.TypeRequest, f.Type())
	}
}

func TestCancel_NonTerminalForwarded(t *testing.T) {
	r, _, ops := newRouter(t)

	ac, as := testConn(1)
	registerAutomator(t, r, ac, as)
	rc, rs := testConn(2)
	registerRequester(t, r, rc, rs, "cli-a")

	ops.Register("op-1", "cli-a", "tab_send_message")

	r.HandleFrame(context.Background(), rc, wire.New(wire.TypeRequest).
		Set("requestId", "req-c").
		Set("toolName", "cancel").
		Set("params", map[string]any{"operationId": "op-1"}))

	fwd := as.byType(t, wire.TypeRequest)
	require.Equal(t, "cancel", fwd.String("toolName"))
}

func TestAwaitOperation_ResolvesOnCompletion(t *testing.T) {
	r, _, ops := newRouter(t)

	rc, rs := testConn(1)
	registerRequester(t, r, rc, rs, "cli-a")
	ops.Register("op-1", "cli-a", "tab_send_message")

	r.HandleFrame(context.Background(), rc, wire.New(wire.TypeAwaitOperation).
		Set("requestId", "req-w").
		Set("operationId", "op-1").
		Set("timeoutMs", float64(5000)))

	time.Sleep(20 * time.Millisecond) // let the waiter subscribe
	ops.ApplyMilestone("op-1", "completed", map[string]any{"tabId": float64(42)})

	resp := rs.byType(t, wire.TypeResponse)
	require.Equal(t, "req-w", resp.RequestID())
	result := resp.Object("result")
	require.Equal(t, "completed", result["status"])
}

func TestAwaitOperation_UnknownOperation(t *testing.T) {
	r, _, _ := newRouter(t)

	rc, rs := testConn(1)
	registerRequester(t, r, rc, rs, "cli-a")

	r.HandleFrame(context.Background(), rc, wire.New(wire.TypeAwaitOperation).
		Set("requestId", "req-w").
		Set("operationId", "ghost"))

	errFrame := rs.byType(t, wire.TypeError)
	require.Equal(t, wire.CodeUnknownOperation, wire.ErrorFrom(errFrame).Code)
}

func TestGetOperation_RequestShapedParams(t *testing.T) {
	r, _, ops := newRouter(t)

	rc, rs := testConn(1)
	registerRequester(t, r, rc, rs, "cli-a")
	ops.Register("op-1", "cli-a", "tab_send_message")

	r.HandleFrame(context.Background(), rc, wire.New(wire.TypeRequest).
		Set("requestId", "req-g").
		Set("toolName", "get_operation").
		Set("params", map[string]any{"operationId": "op-1"}))

	resp := rs.byType(t, wire.TypeResponse)
	result := resp.Object("result")
	require.Equal(t, "op-1", result["id"])
}

func TestKeepalive_Answered(t *testing.T) {
	r, _, _ := newRouter(t)

	c, s := testConn(1)
	r.HandleFrame(context.Background(), c, wire.New(wire.TypeKeepalive))

	resp := s.byType(t, wire.TypeKeepaliveResponse)
	require.NotEmpty(t, resp.String("serverTime"))
}

func TestUnregisteredConn_RequestRejected(t *testing.T) {
	r, _, _ := newRouter(t)

	c, s := testConn(1)
	r.HandleFrame(context.Background(), c, wire.New(wire.TypeRequest).
		Set("requestId", "req-1").
		Set("toolName", "tab_create"))

	errFrame := s.byType(t, wire.TypeError)
	require.Equal(t, wire.CodeUnknownMessageType, wire.ErrorFrom(errFrame).Code)
}

func TestPruneRoutes_DropsStale(t *testing.T) {
	reg := registry.New()
	ops := opmgr.New(time.Hour)
	r := New(reg, ops, wire.HubInfo{Version: "1.2.0", Port: 4625}, 10*time.Millisecond, nil)

	ac, as := testConn(1)
	registerAutomator(t, r, ac, as)
	rc, rs := testConn(2)
	registerRequester(t, r, rc, rs, "cli-a")

	r.HandleFrame(context.Background(), rc, wire.New(wire.TypeRequest).
		Set("requestId", "req-1").
		Set("toolName", "tab_create"))
	require.Equal(t, 1, r.RouteCount())

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 1, r.PruneRoutes())
	require.Equal(t, 0, r.RouteCount())
}
