package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestClientEvent_AndRecent(t *testing.T) {
	s := openTestStore(t)

	s.ClientEvent("requester", "cli-a", "Claude", "register", "mcp")
	s.ClientEvent("automator", "automator", "Automator", "register", "ext-abc")
	s.ClientEvent("requester", "cli-a", "Claude", "disconnect", "")

	events, err := s.Recent(10)
	require.NoError(t, err)
	require.Len(t, events, 3)

	// Newest first.
	require.Equal(t, "disconnect", events[0].Event)
	require.Equal(t, "cli-a", events[0].ClientID)
	require.Equal(t, "register", events[2].Event)
}

func TestRecent_Limit(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		s.ClientEvent("requester", "cli-a", "Claude", "register", "")
	}

	events, err := s.Recent(2)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestPrune_RemovesAged(t *testing.T) {
	s := openTestStore(t)

	clock := time.Now().Add(-48 * time.Hour)
	s.now = func() time.Time { return clock }
	s.ClientEvent("requester", "cli-old", "Old", "register", "")

	clock = time.Now()
	s.ClientEvent("requester", "cli-new", "New", "register", "")

	removed, err := s.Prune(24 * time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	events, err := s.Recent(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "cli-new", events[0].ClientID)
}
