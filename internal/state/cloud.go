package state

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// CloudStore uploads and downloads session snapshot bundles. Snapshots sync
// to it after a local persist; restore falls back to it when the local
// snapshot is missing.
type CloudStore interface {
	Upload(ctx context.Context, sessionID string, r io.Reader) error
	Download(ctx context.Context, sessionID string) (io.ReadCloser, error)
	// Exists is a cheap presence check used before a download attempt.
	Exists(ctx context.Context, sessionID string) (bool, error)
}

// NewCloudStore builds a store from an ASH_SNAPSHOT_URL. file:// is
// supported; s3:// and gs:// are recognized but require an external gateway.
func NewCloudStore(rawURL string) (CloudStore, error) {
	if rawURL == "" {
		return nil, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing snapshot url: %w", err)
	}
	switch u.Scheme {
	case "file":
		dir := u.Path
		if u.Host != "" {
			dir = filepath.Join(u.Host, u.Path)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating snapshot dir: %w", err)
		}
		return &fileCloudStore{dir: dir}, nil
	case "s3", "gs":
		return nil, fmt.Errorf("snapshot scheme %s requires an external storage gateway", u.Scheme)
	default:
		return nil, fmt.Errorf("unsupported snapshot scheme: %s", u.Scheme)
	}
}

type fileCloudStore struct {
	dir string
}

func (f *fileCloudStore) bundlePath(sessionID string) string {
	// Session ids are uuid-derived; flatten defensively anyway.
	return filepath.Join(f.dir, strings.ReplaceAll(sessionID, string(os.PathSeparator), "_")+".tar.gz")
}

func (f *fileCloudStore) Upload(ctx context.Context, sessionID string, r io.Reader) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return fmt.Errorf("buffering bundle: %w", err)
	}
	tmp := f.bundlePath(sessionID) + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("writing bundle: %w", err)
	}
	return os.Rename(tmp, f.bundlePath(sessionID))
}

func (f *fileCloudStore) Download(ctx context.Context, sessionID string) (io.ReadCloser, error) {
	file, err := os.Open(f.bundlePath(sessionID))
	if err != nil {
		return nil, fmt.Errorf("opening bundle: %w", err)
	}
	return file, nil
}

func (f *fileCloudStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	_, err := os.Stat(f.bundlePath(sessionID))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// SyncToCloud bundles the session's local snapshot and uploads it.
func SyncToCloud(ctx context.Context, cloud CloudStore, dataDir, sessionID string) error {
	snapDir := SessionSnapshotDir(dataDir, sessionID)
	if _, err := os.Stat(snapDir); err != nil {
		return fmt.Errorf("no local snapshot for %s: %w", sessionID, err)
	}
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(WriteBundle(pw, snapDir))
	}()
	return cloud.Upload(ctx, sessionID, pr)
}

// RestoreFromCloud downloads and extracts the session's bundle into the
// local snapshot location. Returns false when the cloud has no bundle.
func RestoreFromCloud(ctx context.Context, cloud CloudStore, dataDir, sessionID string) (bool, error) {
	ok, err := cloud.Exists(ctx, sessionID)
	if err != nil || !ok {
		return false, err
	}
	r, err := cloud.Download(ctx, sessionID)
	if err != nil {
		return false, err
	}
	defer r.Close()

	snapDir := SessionSnapshotDir(dataDir, sessionID)
	if err := os.MkdirAll(filepath.Dir(snapDir), 0755); err != nil {
		return false, err
	}
	if err := ExtractBundle(r, snapDir); err != nil {
		return false, fmt.Errorf("extracting cloud bundle: %w", err)
	}
	return true, nil
}
