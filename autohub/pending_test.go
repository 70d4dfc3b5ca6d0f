package autohub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tabhub/tabhub/internal/wire"
)

func TestPending_CompleteDeliversResponse(t *testing.T) {
	p := newPendingTable()
	ch := p.Add("r1", "tab_create", time.Second)

	resp := wire.New(wire.TypeResponse).Set("requestId", "r1")
	require.True(t, p.Complete("r1", resp))

	out := <-ch
	require.Nil(t, out.err)
	require.Equal(t, "r1", out.frame.RequestID())
	require.Equal(t, 0, p.Len())
}

func TestPending_TimeoutNamesTool(t *testing.T) {
	p := newPendingTable()
	ch := p.Add("r1", "tab_send_message", 20*time.Millisecond)

	select {
	case out := <-ch:
		require.NotNil(t, out.err)
		require.Equal(t, wire.CodeRequestTimeout, out.err.Code)
		require.Contains(t, out.err.Message, "tab_send_message")
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired")
	}
	require.Equal(t, 0, p.Len())
}

func TestPending_CompleteAfterTimeoutIsLate(t *testing.T) {
	p := newPendingTable()
	ch := p.Add("r1", "t", 10*time.Millisecond)
	<-ch

	require.False(t, p.Complete("r1", wire.New(wire.TypeResponse)))
}

func TestPending_Fail(t *testing.T) {
	p := newPendingTable()
	ch := p.Add("r1", "t", time.Second)

	require.True(t, p.Fail("r1", wire.NewError(wire.CodeAutomatorNotConnected, "gone")))
	out := <-ch
	require.Equal(t, wire.CodeAutomatorNotConnected, out.err.Code)

	require.False(t, p.Fail("r1", wire.NewError("X", "already resolved")))
}

func TestPending_FailAllOnReconnect(t *testing.T) {
	p := newPendingTable()
	ch1 := p.Add("r1", "a", time.Minute)
	ch2 := p.Add("r2", "b", time.Minute)

	rejected := p.FailAll(wire.NewError(wire.CodeReconnected, "connection lost"))
	require.Equal(t, 2, rejected)
	require.Equal(t, 0, p.Len())

	for _, ch := range []<-chan outcome{ch1, ch2} {
		out := <-ch
		require.Equal(t, wire.CodeReconnected, out.err.Code)
	}
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	b := newReconnectBackoff(time.Second, 30*time.Second)

	first := b.NextBackOff()
	require.InDelta(t, time.Second, first, float64(250*time.Millisecond))

	var last time.Duration
	for i := 0; i < 20; i++ {
		last = b.NextBackOff()
	}
	require.LessOrEqual(t, last, 36*time.Second) // cap plus jitter headroom
	require.Greater(t, last, 10*time.Second)
}
