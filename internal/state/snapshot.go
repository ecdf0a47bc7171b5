// Package state snapshots sandbox workspaces to durable storage and
// restores them into fresh sandboxes on cold resume.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Meta describes a snapshot.
type Meta struct {
	SessionID   string    `json:"session_id"`
	AgentName   string    `json:"agent_name"`
	PersistedAt time.Time `json:"persisted_at"`
}

// ephemeralDirs are never worth snapshotting; they are caches or rebuildable.
var ephemeralDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"__pycache__":  true,
	".cache":       true,
	".npm":         true,
	".yarn":        true,
	".pnpm-store":  true,
	".venv":        true,
	"tmp":          true,
	".tmp":         true,
}

var ephemeralSuffixes = []string{".sock", ".lock", ".pid"}

// SkipEphemeral is the snapshot skip rule.
func SkipEphemeral(rel string, entry fs.DirEntry) bool {
	base := filepath.Base(rel)
	if entry.IsDir() && ephemeralDirs[base] {
		return true
	}
	for _, suffix := range ephemeralSuffixes {
		if strings.HasSuffix(base, suffix) {
			return true
		}
	}
	return false
}

// SessionSnapshotDir is where a session's workspace snapshot lives.
func SessionSnapshotDir(dataDir, sessionID string) string {
	return filepath.Join(dataDir, "sessions", sessionID, "workspace")
}

func sessionMetaPath(dataDir, sessionID string) string {
	return filepath.Join(dataDir, "sessions", sessionID, "meta.json")
}

// PersistSessionState copies workspaceDir into the session's snapshot
// directory, skipping ephemerals, and writes meta.json. Re-persist
// overwrites the previous snapshot.
func PersistSessionState(dataDir, sessionID, workspaceDir, agentName string) error {
	snapDir := SessionSnapshotDir(dataDir, sessionID)
	tmpDir := snapDir + ".tmp"

	if err := os.RemoveAll(tmpDir); err != nil {
		return fmt.Errorf("clearing snapshot tmp: %w", err)
	}
	if err := CopyTree(workspaceDir, tmpDir, SkipEphemeral); err != nil {
		os.RemoveAll(tmpDir)
		return fmt.Errorf("copying workspace: %w", err)
	}
	if err := os.RemoveAll(snapDir); err != nil {
		os.RemoveAll(tmpDir)
		return fmt.Errorf("clearing old snapshot: %w", err)
	}
	if err := os.Rename(tmpDir, snapDir); err != nil {
		return fmt.Errorf("publishing snapshot: %w", err)
	}

	meta := Meta{SessionID: sessionID, AgentName: agentName, PersistedAt: time.Now().UTC()}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(sessionMetaPath(dataDir, sessionID), data, 0644); err != nil {
		return fmt.Errorf("writing meta: %w", err)
	}
	return nil
}

// RestoreSessionState copies the snapshot into targetDir, creating parents.
// Returns false when no snapshot exists.
func RestoreSessionState(dataDir, sessionID, targetDir string) (bool, error) {
	snapDir := SessionSnapshotDir(dataDir, sessionID)
	if _, err := os.Stat(snapDir); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(targetDir), 0755); err != nil {
		return false, fmt.Errorf("creating target parents: %w", err)
	}
	if err := CopyTree(snapDir, targetDir, nil); err != nil {
		return false, fmt.Errorf("restoring snapshot: %w", err)
	}
	return true, nil
}

// ReadMeta loads a snapshot's meta.json; nil when absent.
func ReadMeta(dataDir, sessionID string) (*Meta, error) {
	data, err := os.ReadFile(sessionMetaPath(dataDir, sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parsing meta: %w", err)
	}
	return &meta, nil
}

// RemoveSessionState deletes the session's snapshot directory.
func RemoveSessionState(dataDir, sessionID string) error {
	return os.RemoveAll(filepath.Join(dataDir, "sessions", sessionID))
}
