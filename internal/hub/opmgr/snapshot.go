package opmgr

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tabhub/tabhub/internal/hub/snapcodec"
	"github.com/tabhub/tabhub/internal/wire"
)

// snapshotVersion guards the persisted layout. A mismatch on reload
// discards the snapshot rather than guessing.
const snapshotVersion = 1

type snapshotFile struct {
	Version    int          `json:"version"`
	Operations []*Operation `json:"operations"`
}

// SaveSnapshot serializes the operation table to path, compressed and
// written atomically (temp file + rename).
func (m *Manager) SaveSnapshot(path string) error {
	m.mu.Lock()
	snap := snapshotFile{Version: snapshotVersion}
	for _, op := range m.ops {
		snap.Operations = append(snap.Operations, op.clone())
	}
	m.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	compressed := snapcodec.Compress(data)

	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	if err := os.WriteFile(tmp, compressed, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}

	slog.Info("operation snapshot saved", "path", path, "operations", len(snap.Operations))
	return nil
}

// LoadSnapshot restores the operation table from path. Best-effort: a
// missing file is fine, a corrupt or version-mismatched snapshot is
// discarded with a warning. Operations that were in flight when the
// snapshot was taken can never complete (the Automator restarted with
// the hub), so they are reloaded as error/ABANDONED.
func (m *Manager) LoadSnapshot(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read snapshot: %w", err)
	}

	data, err := snapcodec.Decompress(raw)
	if err != nil {
		slog.Warn("discarding unreadable operation snapshot", "path", path, "error", err)
		return nil
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		slog.Warn("discarding corrupt operation snapshot", "path", path, "error", err)
		return nil
	}
	if snap.Version != snapshotVersion {
		slog.Warn("discarding operation snapshot with version mismatch",
			"path", path, "version", snap.Version, "want", snapshotVersion)
		return nil
	}

	now := m.now().UnixMilli()
	loaded, abandoned := 0, 0

	m.mu.Lock()
	for _, op := range snap.Operations {
		if op == nil || op.ID == "" {
			continue
		}
		if !op.Status.Terminal() {
			op.Status = StatusError
			op.Err = &wire.Error{
				Code:    wire.CodeAbandoned,
				Message: "operation abandoned: hub restarted while in flight",
			}
			op.Milestones = append(op.Milestones, Milestone{
				Name:      string(StatusError),
				Timestamp: now,
			})
			op.LastUpdated = now
			abandoned++
		}
		m.ops[op.ID] = op
		loaded++
	}
	m.mu.Unlock()

	if loaded > 0 {
		slog.Info("operation snapshot loaded", "path", path, "operations", loaded, "abandoned", abandoned)
	}
	return nil
}
