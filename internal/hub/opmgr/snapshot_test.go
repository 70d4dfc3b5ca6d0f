package opmgr

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tabhub/tabhub/internal/hub/snapcodec"
	"github.com/tabhub/tabhub/internal/wire"
)

func TestSnapshot_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ops.snapshot")

	m := New(time.Hour)
	m.Register("op1", "cli-a", "tab_send_message")
	m.ApplyMilestone("op1", "completed", map[string]any{"tabId": float64(42)})
	m.Register("op2", "cli-b", "tab_batch")
	m.ApplyMilestone("op2", "input_filled", nil)

	require.NoError(t, m.SaveSnapshot(path))

	// The temp file must not linger after the atomic rename.
	_, err := os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))

	restored := New(time.Hour)
	require.NoError(t, restored.LoadSnapshot(path))

	op1 := restored.Get("op1")
	require.NotNil(t, op1)
	require.Equal(t, StatusCompleted, op1.Status)
	require.Equal(t, float64(42), op1.Result["tabId"])

	// In-flight at save time: reloaded as abandoned.
	op2 := restored.Get("op2")
	require.NotNil(t, op2)
	require.Equal(t, StatusError, op2.Status)
	require.Equal(t, wire.CodeAbandoned, op2.Err.Code)
}

func TestLoadSnapshot_MissingFile(t *testing.T) {
	m := New(time.Hour)
	require.NoError(t, m.LoadSnapshot(filepath.Join(t.TempDir(), "absent.snapshot")))
	require.Equal(t, 0, m.Count())
}

func TestLoadSnapshot_DiscardsCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ops.snapshot")
	require.NoError(t, os.WriteFile(path, []byte("not a snapshot"), 0o600))

	m := New(time.Hour)
	require.NoError(t, m.LoadSnapshot(path))
	require.Equal(t, 0, m.Count())
}

func TestLoadSnapshot_DiscardsVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ops.snapshot")
	data := snapcodec.Compress([]byte(`{"version":99,"operations":[{"id":"op1","status":"completed"}]}`))
	require.NoError(t, os.WriteFile(path, data, 0o600))

	m := New(time.Hour)
	require.NoError(t, m.LoadSnapshot(path))
	require.Equal(t, 0, m.Count())
}
